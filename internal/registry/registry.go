// Package registry maintains the bidirectional index between database
// identifiers and names, persisted as a single manifest file.
//
// The manifest is a JSON object mapping identifier to name. The reverse
// mapping is rebuilt on load and never written. Every mutation rewrites the
// whole file before returning; if the write fails the in-memory change is
// rolled back, so the two directions and the file never disagree.
package registry

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	dberrors "github.com/lfinteractive/rhinodb/internal/errors"
	"github.com/lfinteractive/rhinodb/internal/storage"
)

// Entry is one identifier/name association.
type Entry struct {
	ID   uuid.UUID `json:"id" yaml:"id"`
	Name string    `json:"name" yaml:"name"`
}

// Registry is the concurrent-safe id↔name index.
type Registry struct {
	path string

	mu       sync.RWMutex
	idToName map[uuid.UUID]string
	nameToID map[string]uuid.UUID
}

// Open loads the registry stored at path, creating an empty one if the file
// does not exist.
func Open(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := r.Load(); err != nil {
		return nil, err
	}
	return r, nil
}

// Path returns the manifest path.
func (r *Registry) Path() string {
	return r.path
}

// Load replaces the in-memory state with the content of the manifest file.
// A missing file yields an empty registry which is persisted immediately.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var raw map[string]string
	err := storage.ReadJSON(r.path, &raw)
	if errors.Is(err, os.ErrNotExist) {
		r.idToName = make(map[uuid.UUID]string)
		r.nameToID = make(map[string]uuid.UUID)
		return r.saveLocked()
	}
	if err != nil {
		var decErr *storage.DecodeError
		if errors.As(err, &decErr) {
			return dberrors.CorruptManifest(r.path, decErr.Err)
		}
		return dberrors.Persistence("failed to read registry", err)
	}

	idToName, nameToID, err := decode(raw)
	if err != nil {
		return dberrors.CorruptManifest(r.path, err)
	}
	r.idToName = idToName
	r.nameToID = nameToID
	return nil
}

func decode(raw map[string]string) (map[uuid.UUID]string, map[string]uuid.UUID, error) {
	idToName := make(map[uuid.UUID]string, len(raw))
	nameToID := make(map[string]uuid.UUID, len(raw))
	for k, name := range raw {
		id, err := uuid.Parse(k)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid identifier %q: %w", k, err)
		}
		if _, dup := idToName[id]; dup {
			return nil, nil, fmt.Errorf("identifier %s listed twice", id)
		}
		if prev, dup := nameToID[name]; dup {
			return nil, nil, fmt.Errorf("name %q is used by both %s and %s", name, prev, id)
		}
		idToName[id] = name
		nameToID[name] = id
	}
	return idToName, nameToID, nil
}

func (r *Registry) saveLocked() error {
	raw := make(map[string]string, len(r.idToName))
	for id, name := range r.idToName {
		raw[id.String()] = name
	}
	if err := storage.WriteJSON(r.path, raw, 0o644); err != nil {
		return dberrors.Persistence("failed to write registry", err)
	}
	return nil
}

// Add registers a new database. It fails with a conflict if either the
// identifier or the name is already present.
func (r *Registry) Add(id uuid.UUID, name string) error {
	if id == uuid.Nil {
		return dberrors.InvalidID(id.String(), errors.New("nil identifier"))
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.idToName[id]; ok {
		return dberrors.Conflict(fmt.Sprintf("database %s is already registered as %q", id, existing)).WithDetail("id", id.String())
	}
	if other, ok := r.nameToID[name]; ok {
		return dberrors.Conflict(fmt.Sprintf("name %q is already used by database %s", name, other)).WithDetail("name", name)
	}

	r.idToName[id] = name
	r.nameToID[name] = id
	if err := r.saveLocked(); err != nil {
		delete(r.idToName, id)
		delete(r.nameToID, name)
		return err
	}
	return nil
}

// Remove unregisters a database.
func (r *Registry) Remove(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, ok := r.idToName[id]
	if !ok {
		return dberrors.NotFound("database " + id.String())
	}
	delete(r.idToName, id)
	delete(r.nameToID, name)
	if err := r.saveLocked(); err != nil {
		r.idToName[id] = name
		r.nameToID[name] = id
		return err
	}
	return nil
}

// Rename changes the name associated with id. Renaming to the current name is
// a no-op.
func (r *Registry) Rename(id uuid.UUID, newName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	oldName, ok := r.idToName[id]
	if !ok {
		return dberrors.NotFound("database " + id.String())
	}
	if oldName == newName {
		return nil
	}
	if other, ok := r.nameToID[newName]; ok {
		return dberrors.Conflict(fmt.Sprintf("name %q is already used by database %s", newName, other)).WithDetail("name", newName)
	}

	delete(r.nameToID, oldName)
	r.nameToID[newName] = id
	r.idToName[id] = newName
	if err := r.saveLocked(); err != nil {
		delete(r.nameToID, newName)
		r.nameToID[oldName] = id
		r.idToName[id] = oldName
		return err
	}
	return nil
}

// Exists reports whether id is registered.
func (r *Registry) Exists(id uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.idToName[id]
	return ok
}

// ExistsName reports whether name is registered.
func (r *Registry) ExistsName(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nameToID[name]
	return ok
}

// IDForName returns the identifier registered under name.
func (r *Registry) IDForName(name string) (uuid.UUID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.nameToID[name]
	if !ok {
		return uuid.Nil, dberrors.NotFound(fmt.Sprintf("database %q", name))
	}
	return id, nil
}

// NameForID returns the name registered for id.
func (r *Registry) NameForID(id uuid.UUID) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.idToName[id]
	if !ok {
		return "", dberrors.NotFound("database " + id.String())
	}
	return name, nil
}

// Len returns the number of registered databases.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.idToName)
}

// List returns all entries sorted by name.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.idToName))
	for id, name := range r.idToName {
		entries = append(entries, Entry{ID: id, Name: name})
	}
	r.mu.RUnlock()
	slices.SortFunc(entries, func(a, b Entry) int { return strings.Compare(a.Name, b.Name) })
	return entries
}
