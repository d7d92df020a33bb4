// Package database implements database records whose metadata is buffered in
// memory and written to a per-database manifest after a period of inactivity.
//
// Every mutation marks the record dirty and resets a debounce timer; when the
// timer elapses the record flushes itself and registers with the registry if
// it is not already known. Lock order is record, then timer, then registry.
package database

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lfinteractive/rhinodb/internal/debounce"
	dberrors "github.com/lfinteractive/rhinodb/internal/errors"
	"github.com/lfinteractive/rhinodb/internal/storage"
)

// Registry is the subset of the id↔name index a record needs.
type Registry interface {
	Exists(id uuid.UUID) bool
	Add(id uuid.UUID, name string) error
	Rename(id uuid.UUID, newName string) error
	Remove(id uuid.UUID) error
}

// Manifest is the persisted form of a database record.
type Manifest struct {
	ID       uuid.UUID    `json:"id" yaml:"id" jsonschema:"description=Immutable database identifier"`
	Name     string       `json:"name" yaml:"name" jsonschema:"description=Unique database name,minLength=1"`
	Created  storage.Time `json:"creation" yaml:"creation" jsonschema:"description=Creation time (RFC 3339)"`
	Modified storage.Time `json:"last_modified" yaml:"last_modified" jsonschema:"description=Time of the last successful flush (RFC 3339)"`
}

// Database is one named container. All methods are safe for concurrent use.
type Database struct {
	layout *storage.Layout
	reg    Registry
	id     uuid.UUID
	timer  *debounce.Timer

	mu       sync.Mutex
	name     string
	created  storage.Time
	modified storage.Time
	dirty    bool
	deleted  bool
	closed   bool
}

// ParseID parses the textual form of a database identifier.
func ParseID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return uuid.Nil, dberrors.InvalidID(s, err)
	}
	if id == uuid.Nil {
		return uuid.Nil, dberrors.InvalidID(s, errors.New("nil identifier"))
	}
	return id, nil
}

// New creates a database with a fresh identifier. The record starts dirty so
// it is written and registered once the autosave interval elapses or Flush is
// called.
func New(layout *storage.Layout, reg Registry, name string, interval time.Duration) *Database {
	now := storage.Now()
	d := newDatabase(layout, reg, uuid.New(), interval)
	d.name = name
	d.created = now
	d.modified = now
	d.MarkDirty()
	return d
}

// Load reads the manifest of id. The returned record is clean, its timer is
// idle and the registry is not consulted.
func Load(layout *storage.Layout, reg Registry, id uuid.UUID, interval time.Duration) (*Database, error) {
	path := layout.ManifestPath(id)
	var m Manifest
	if err := storage.ReadJSON(path, &m); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, dberrors.NotFound("database " + id.String())
		}
		var decErr *storage.DecodeError
		if errors.As(err, &decErr) {
			return nil, dberrors.CorruptManifest(path, decErr.Err)
		}
		return nil, dberrors.Persistence("failed to read manifest", err)
	}
	if err := m.validate(id); err != nil {
		return nil, dberrors.CorruptManifest(path, err)
	}
	d := newDatabase(layout, reg, id, interval)
	d.name = m.Name
	d.created = m.Created
	d.modified = m.Modified
	return d, nil
}

func newDatabase(layout *storage.Layout, reg Registry, id uuid.UUID, interval time.Duration) *Database {
	if interval <= 0 {
		interval = storage.DefaultAutosaveInterval
	}
	d := &Database{layout: layout, reg: reg, id: id}
	d.timer = debounce.New(interval, d.autosave)
	return d
}

func (m *Manifest) validate(id uuid.UUID) error {
	switch {
	case m.ID == uuid.Nil:
		return errors.New("missing field \"id\"")
	case m.ID != id:
		return fmt.Errorf("manifest describes %s", m.ID)
	case m.Name == "":
		return errors.New("missing field \"name\"")
	case m.Created.IsZero():
		return errors.New("missing field \"creation\"")
	case m.Modified.IsZero():
		return errors.New("missing field \"last_modified\"")
	}
	return nil
}

// ID returns the identifier.
func (d *Database) ID() uuid.UUID {
	return d.id
}

// Name returns the current name.
func (d *Database) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}

// Created returns the creation time.
func (d *Database) Created() storage.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.created
}

// Modified returns the time of the last successful flush.
func (d *Database) Modified() storage.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.modified
}

// Dirty reports whether in-memory state has not been flushed yet.
func (d *Database) Dirty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dirty
}

// Deleted reports whether Delete succeeded.
func (d *Database) Deleted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deleted
}

// Dir returns the directory holding the manifest.
func (d *Database) Dir() string {
	return d.layout.DatabaseDir(d.id)
}

// ManifestPath returns the manifest file path.
func (d *Database) ManifestPath() string {
	return d.layout.ManifestPath(d.id)
}

// Interval returns the autosave interval.
func (d *Database) Interval() time.Duration {
	return d.timer.Interval()
}

// Manifest returns a snapshot of the persisted fields.
func (d *Database) Manifest() Manifest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.manifestLocked()
}

func (d *Database) manifestLocked() Manifest {
	return Manifest{ID: d.id, Name: d.name, Created: d.created, Modified: d.modified}
}

// MarkDirty records a pending change and restarts the autosave countdown.
// Calls in quick succession result in a single flush.
func (d *Database) MarkDirty() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.markDirtyLocked()
}

func (d *Database) markDirtyLocked() {
	if d.deleted {
		return
	}
	d.dirty = true
	if !d.closed {
		d.timer.Reset()
	}
}

// Flush writes the manifest if the record is dirty and registers the record
// with the registry if it is not known yet.
//
// On failure the record stays dirty. Retryable failures re-arm the autosave
// timer so the write is attempted again without another mutation.
func (d *Database) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushLocked()
}

func (d *Database) flushLocked() error {
	if d.deleted || !d.dirty {
		return nil
	}
	prev := d.modified
	d.dirty = false
	d.timer.Stop()
	d.modified = storage.Now()

	if err := d.writeLocked(); err != nil {
		d.modified = prev
		d.failLocked(err)
		return err
	}
	if !d.reg.Exists(d.id) {
		if err := d.reg.Add(d.id, d.name); err != nil {
			d.failLocked(err)
			return err
		}
	}
	return nil
}

func (d *Database) failLocked(err error) {
	d.dirty = true
	if !d.closed && dberrors.Retryable(err) {
		d.timer.Reset()
	}
}

func (d *Database) writeLocked() error {
	if err := os.MkdirAll(d.Dir(), 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return dberrors.Persistence("failed to create database directory", err)
	}
	m := d.manifestLocked()
	if err := storage.WriteJSON(d.ManifestPath(), &m, 0o644); err != nil {
		return dberrors.Persistence("failed to write manifest", err)
	}
	return nil
}

// autosave runs on the timer goroutine.
func (d *Database) autosave() {
	if err := d.Flush(); err != nil {
		slog.Error("Autosave failed", "id", d.id, "err", err, "retry", dberrors.Retryable(err))
		return
	}
	slog.Debug("Autosaved database", "id", d.id)
}

// Rename changes the name. A registered record is renamed in the registry
// first; if that fails the record is left unchanged.
func (d *Database) Rename(newName string) error {
	if err := ValidateName(newName); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deleted {
		return dberrors.NotFound("database " + d.id.String())
	}
	if newName == d.name {
		return nil
	}
	if d.reg.Exists(d.id) {
		if err := d.reg.Rename(d.id, newName); err != nil {
			return err
		}
	}
	d.name = newName
	d.markDirtyLocked()
	return nil
}

// Delete removes the manifest directory and the registry entry. Later calls
// to MarkDirty and Flush do nothing. A failed Delete may be retried.
func (d *Database) Delete() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deleted {
		return dberrors.NotFound("database " + d.id.String())
	}
	d.timer.Stop()

	dir := d.Dir()
	if err := os.RemoveAll(dir); err != nil {
		d.rearmLocked()
		return dberrors.Persistence("failed to remove database directory", err)
	}
	// Fails while other databases share the shard.
	_ = os.Remove(filepath.Dir(dir))

	if d.reg.Exists(d.id) {
		if err := d.reg.Remove(d.id); err != nil && !dberrors.Is(err, dberrors.ErrNotFound) {
			d.rearmLocked()
			return err
		}
	}
	d.deleted = true
	d.dirty = false
	return nil
}

func (d *Database) rearmLocked() {
	if d.dirty && !d.closed {
		d.timer.Start()
	}
}

// Close flushes pending changes and stops the autosave timer. Later
// mutations still mark the record dirty but only an explicit Flush writes
// them.
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.flushLocked()
	d.closed = true
	d.timer.Stop()
	return err
}

// ValidateName rejects names that cannot be stored.
func ValidateName(name string) error {
	switch {
	case name == "":
		return dberrors.Validation("name cannot be empty")
	case strings.TrimSpace(name) != name:
		return dberrors.Validation("name cannot start or end with whitespace").WithDetail("name", name)
	case strings.ContainsAny(name, "\x00\n\r"):
		return dberrors.Validation("name contains control characters").WithDetail("name", name)
	}
	return nil
}
