package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	dberrors "github.com/lfinteractive/rhinodb/internal/errors"
	"github.com/lfinteractive/rhinodb/internal/registry"
	"github.com/lfinteractive/rhinodb/internal/storage"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by Service methods called after Close.
var ErrClosed = errors.New("database service is closed")

// Summary describes one database known to the service.
type Summary struct {
	ID   uuid.UUID `json:"id" yaml:"id"`
	Name string    `json:"name" yaml:"name"`
	// Registered is false for databases created in this process and not
	// flushed yet.
	Registered bool `json:"registered" yaml:"registered"`
}

// Service owns the live database records of a data directory.
type Service struct {
	layout   *storage.Layout
	reg      *registry.Registry
	interval time.Duration
	cache    *cache

	// mu serializes name reservations and guards closed.
	mu     sync.Mutex
	closed bool
}

// NewService creates a database service. Records flush themselves interval
// after their last change.
func NewService(layout *storage.Layout, reg *registry.Registry, interval time.Duration) *Service {
	if interval <= 0 {
		interval = storage.DefaultAutosaveInterval
	}
	return &Service{
		layout:   layout,
		reg:      reg,
		interval: interval,
		cache:    newCache(),
	}
}

// Layout returns the data directory layout.
func (s *Service) Layout() *storage.Layout {
	return s.layout
}

// Registry returns the registry shared by all records.
func (s *Service) Registry() *registry.Registry {
	return s.reg
}

func (s *Service) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Create creates a new database. It is written and registered by the first
// flush.
func (s *Service) Create(ctx context.Context, name string) (*Database, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if err := s.checkNameLocked(name, uuid.Nil); err != nil {
		return nil, err
	}
	d := s.cache.add(New(s.layout, s.reg, name, s.interval))
	slog.InfoContext(ctx, "Created database", "id", d.ID(), "name", name)
	return d, nil
}

func (s *Service) checkNameLocked(name string, exclude uuid.UUID) error {
	if id, err := s.reg.IDForName(name); err == nil && id != exclude {
		return dberrors.Conflict(fmt.Sprintf("name %q is already used by database %s", name, id)).WithDetail("name", name)
	}
	if d, ok := s.cache.byName(name, exclude); ok {
		return dberrors.Conflict(fmt.Sprintf("name %q is already used by database %s", name, d.ID())).WithDetail("name", name)
	}
	return nil
}

// Get returns the database with the given ID, loading it from disk if it is
// not live yet.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Database, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if d, ok := s.cache.get(id); ok {
		return d, nil
	}
	d, err := Load(s.layout, s.reg, id, s.interval)
	if err != nil {
		return nil, err
	}
	slog.DebugContext(ctx, "Loaded database", "id", id, "name", d.Name())
	return s.cache.add(d), nil
}

// GetByName returns the database named name.
func (s *Service) GetByName(ctx context.Context, name string) (*Database, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if d, ok := s.cache.byName(name, uuid.Nil); ok {
		return d, nil
	}
	id, err := s.reg.IDForName(name)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Resolve returns the database identified by ref, which is either an
// identifier or a name. Names that parse as identifiers are looked up as
// identifiers first.
func (s *Service) Resolve(ctx context.Context, ref string) (*Database, error) {
	if id, err := ParseID(ref); err == nil {
		d, err := s.Get(ctx, id)
		if !dberrors.Is(err, dberrors.ErrNotFound) {
			return d, err
		}
	}
	return s.GetByName(ctx, ref)
}

// Rename renames the database id.
func (s *Service) Rename(ctx context.Context, id uuid.UUID, newName string) error {
	if err := ValidateName(newName); err != nil {
		return err
	}
	d, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Close may have run since Get.
	if s.closed {
		return ErrClosed
	}
	if err := s.checkNameLocked(newName, id); err != nil {
		return err
	}
	old := d.Name()
	if err := d.Rename(newName); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Renamed database", "id", id, "from", old, "to", newName)
	return nil
}

// Delete deletes the database id. A registry entry whose manifest is missing
// is removed as well.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	d, err := s.Get(ctx, id)
	if dberrors.Is(err, dberrors.ErrNotFound) && s.reg.Exists(id) {
		slog.WarnContext(ctx, "Removing registry entry without manifest", "id", id)
		return s.reg.Remove(id)
	}
	if err != nil {
		return err
	}
	if err := d.Delete(); err != nil {
		return err
	}
	s.cache.remove(id)
	slog.InfoContext(ctx, "Deleted database", "id", id)
	return nil
}

// List returns every registered database plus the live ones not flushed yet,
// sorted by name.
func (s *Service) List(ctx context.Context) ([]Summary, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	entries := s.reg.List()
	out := make([]Summary, 0, len(entries))
	seen := make(map[uuid.UUID]bool, len(entries))
	for _, e := range entries {
		out = append(out, Summary{ID: e.ID, Name: e.Name, Registered: true})
		seen[e.ID] = true
	}
	for _, d := range s.cache.all() {
		if !seen[d.ID()] {
			out = append(out, Summary{ID: d.ID(), Name: d.Name()})
		}
	}
	slices.SortFunc(out, func(a, b Summary) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// LookupID returns the identifier of the database named name.
func (s *Service) LookupID(ctx context.Context, name string) (uuid.UUID, error) {
	if err := s.checkOpen(); err != nil {
		return uuid.Nil, err
	}
	if id, err := s.reg.IDForName(name); err == nil {
		return id, nil
	}
	if d, ok := s.cache.byName(name, uuid.Nil); ok {
		return d.ID(), nil
	}
	return uuid.Nil, dberrors.NotFound(fmt.Sprintf("database %q", name))
}

// LookupName returns the name of the database id.
func (s *Service) LookupName(ctx context.Context, id uuid.UUID) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	if name, err := s.reg.NameForID(id); err == nil {
		return name, nil
	}
	if d, ok := s.cache.get(id); ok {
		return d.Name(), nil
	}
	return "", dberrors.NotFound("database " + id.String())
}

// Flush flushes the database id now.
func (s *Service) Flush(ctx context.Context, id uuid.UUID) error {
	d, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return d.Flush()
}

// FlushAll flushes every live dirty database. It attempts all of them and
// returns the joined errors.
func (s *Service) FlushAll(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.flushAll(ctx, (*Database).Flush)
}

// flushConcurrency bounds the number of manifests written in parallel.
const flushConcurrency = 8

func (s *Service) flushAll(ctx context.Context, flush func(*Database) error) error {
	var (
		mu   sync.Mutex
		errs []error
		n    int
	)
	var eg errgroup.Group
	eg.SetLimit(flushConcurrency)
	for _, d := range s.cache.all() {
		eg.Go(func() error {
			dirty := d.Dirty()
			err := flush(d)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.ErrorContext(ctx, "Failed to flush database", "id", d.ID(), "err", err)
				errs = append(errs, fmt.Errorf("database %s: %w", d.ID(), err))
			} else if dirty {
				n++
			}
			// Every record is attempted.
			return nil
		})
	}
	_ = eg.Wait()
	if n > 0 {
		slog.InfoContext(ctx, "Flushed databases", "count", n)
	}
	return errors.Join(errs...)
}

// Close flushes every live dirty database and stops all autosave timers.
// Cancellation of ctx does not interrupt the flush. Later calls return
// ErrClosed.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	s.mu.Unlock()
	return s.flushAll(context.WithoutCancel(ctx), (*Database).Close)
}
