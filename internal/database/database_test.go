package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/lfinteractive/rhinodb/internal/debounce"
	dberrors "github.com/lfinteractive/rhinodb/internal/errors"
	"github.com/lfinteractive/rhinodb/internal/registry"
	"github.com/lfinteractive/rhinodb/internal/storage"
)

const testInterval = time.Hour

func newTestEnv(t *testing.T) (*storage.Layout, *registry.Registry) {
	t.Helper()
	layout, err := storage.NewLayout(t.TempDir())
	if err != nil {
		t.Fatalf("NewLayout failed: %v", err)
	}
	reg, err := registry.Open(layout.RegistryPath())
	if err != nil {
		t.Fatalf("registry.Open failed: %v", err)
	}
	return layout, reg
}

func newTestDatabase(t *testing.T, layout *storage.Layout, reg Registry, name string) *Database {
	t.Helper()
	d := New(layout, reg, name, testInterval)
	t.Cleanup(func() { d.timer.Stop() })
	return d
}

func readManifest(t *testing.T, path string) Manifest {
	t.Helper()
	var m Manifest
	if err := storage.ReadJSON(path, &m); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	return m
}

// fakeRegistry wraps a real registry. It can fail Add and counts Exists
// calls, which Flush makes once after every manifest write.
type fakeRegistry struct {
	*registry.Registry
	addErr error
	checks atomic.Int64
}

func (f *fakeRegistry) Exists(id uuid.UUID) bool {
	f.checks.Add(1)
	return f.Registry.Exists(id)
}

func (f *fakeRegistry) Add(id uuid.UUID, name string) error {
	if f.addErr != nil {
		return f.addErr
	}
	return f.Registry.Add(id, name)
}

func waitClean(t *testing.T, d *Database) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for d.Dirty() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if d.Dirty() {
		t.Fatal("autosave did not run")
	}
}

func TestNew(t *testing.T) {
	layout, reg := newTestEnv(t)
	d := newTestDatabase(t, layout, reg, "orders")

	if d.ID() == uuid.Nil {
		t.Error("ID() should not be nil")
	}
	if d.Name() != "orders" {
		t.Errorf("Name() = %q", d.Name())
	}
	if !d.Dirty() {
		t.Error("new database should be dirty")
	}
	if got := d.timer.State(); got != debounce.Armed {
		t.Errorf("timer state = %v, want armed", got)
	}
	if d.Created() != d.Modified() {
		t.Errorf("Created() = %v, Modified() = %v", d.Created(), d.Modified())
	}
	if reg.Exists(d.ID()) {
		t.Error("new database should not be registered before a flush")
	}
	if _, err := os.Stat(d.ManifestPath()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("manifest should not exist yet: %v", err)
	}
	want := storage.DatabaseDir(layout.Root(), d.ID())
	if d.Dir() != want {
		t.Errorf("Dir() = %q, want %q", d.Dir(), want)
	}
	if d.Interval() != testInterval {
		t.Errorf("Interval() = %v", d.Interval())
	}
}

func TestNewDefaultInterval(t *testing.T) {
	layout, reg := newTestEnv(t)
	d := New(layout, reg, "orders", 0)
	defer d.timer.Stop()
	if d.Interval() != storage.DefaultAutosaveInterval {
		t.Errorf("Interval() = %v, want %v", d.Interval(), storage.DefaultAutosaveInterval)
	}
}

func TestFlushRoundTrip(t *testing.T) {
	layout, reg := newTestEnv(t)
	d := newTestDatabase(t, layout, reg, "orders")

	if err := d.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if d.Dirty() {
		t.Error("database should be clean after Flush")
	}
	if got := d.timer.State(); got != debounce.Idle {
		t.Errorf("timer state = %v, want idle", got)
	}
	name, err := reg.NameForID(d.ID())
	if err != nil || name != "orders" {
		t.Errorf("registry has %q, %v", name, err)
	}
	if diff := cmp.Diff(d.Manifest(), readManifest(t, d.ManifestPath())); diff != "" {
		t.Errorf("manifest mismatch (-want +got):\n%s", diff)
	}

	loaded, err := Load(layout, reg, d.ID(), testInterval)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if diff := cmp.Diff(d.Manifest(), loaded.Manifest()); diff != "" {
		t.Errorf("loaded record mismatch (-want +got):\n%s", diff)
	}
	if loaded.Dirty() {
		t.Error("loaded database should be clean")
	}
	if got := loaded.timer.State(); got != debounce.Idle {
		t.Errorf("loaded timer state = %v, want idle", got)
	}
}

func TestFlushCleanIsNoop(t *testing.T) {
	layout, reg := newTestEnv(t)
	fake := &fakeRegistry{Registry: reg}
	d := newTestDatabase(t, layout, fake, "orders")
	if err := d.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := d.Flush(); err != nil {
		t.Fatal(err)
	}
	if n := fake.checks.Load(); n != 1 {
		t.Errorf("manifest written %d times, want 1", n)
	}
}

func TestManifestFormat(t *testing.T) {
	layout, reg := newTestEnv(t)
	d := newTestDatabase(t, layout, reg, "orders")
	if err := d.Flush(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(d.ManifestPath())
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	want := map[string]any{
		"id":            d.ID().String(),
		"name":          "orders",
		"creation":      d.Created().String(),
		"last_modified": d.Modified().String(),
	}
	if diff := cmp.Diff(want, raw); diff != "" {
		t.Errorf("manifest mismatch (-want +got):\n%s", diff)
	}
}

func TestOrdersScenario(t *testing.T) {
	layout, reg := newTestEnv(t)
	d := newTestDatabase(t, layout, reg, "orders")
	if !d.Dirty() {
		t.Fatal("expected dirty after creation")
	}
	if err := d.Flush(); err != nil {
		t.Fatal(err)
	}
	if got := readManifest(t, d.ManifestPath()).Name; got != "orders" {
		t.Fatalf("manifest name = %q", got)
	}

	if err := d.Rename("orders_v2"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	// The registry is updated synchronously, the manifest only on flush.
	onDisk, err := registry.Open(reg.Path())
	if err != nil {
		t.Fatal(err)
	}
	if name, _ := onDisk.NameForID(d.ID()); name != "orders_v2" {
		t.Errorf("registry file has %q, want orders_v2", name)
	}
	if !d.Dirty() {
		t.Error("expected dirty after rename")
	}
	if got := readManifest(t, d.ManifestPath()).Name; got != "orders" {
		t.Errorf("manifest should still say orders before the flush, got %q", got)
	}

	if err := d.Flush(); err != nil {
		t.Fatal(err)
	}
	if got := readManifest(t, d.ManifestPath()).Name; got != "orders_v2" {
		t.Errorf("manifest name = %q after flush", got)
	}
}

func TestAutosaveCoalesces(t *testing.T) {
	layout, reg := newTestEnv(t)
	fake := &fakeRegistry{Registry: reg}
	d := New(layout, fake, "orders", 250*time.Millisecond)
	defer d.timer.Stop()

	d.MarkDirty()
	d.MarkDirty()
	if err := d.Rename("orders_v2"); err != nil {
		t.Fatal(err)
	}
	before := fake.checks.Load()

	waitClean(t, d)
	time.Sleep(300 * time.Millisecond)
	if n := fake.checks.Load() - before; n != 1 {
		t.Errorf("manifest written %d times, want 1", n)
	}
	if got := readManifest(t, d.ManifestPath()).Name; got != "orders_v2" {
		t.Errorf("manifest name = %q, want the state at the last change", got)
	}
	if !reg.Exists(d.ID()) {
		t.Error("autosave should register the database")
	}
}

func TestConcurrentMutations(t *testing.T) {
	layout, reg := newTestEnv(t)
	d := New(layout, reg, "orders", 5*time.Millisecond)
	defer d.timer.Stop()

	const workers = 4
	const iterations = 100
	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range iterations {
				switch i % 3 {
				case 0:
					d.MarkDirty()
				case 1:
					if err := d.Flush(); err != nil {
						t.Errorf("Flush failed: %v", err)
					}
				default:
					if err := d.Rename(fmt.Sprintf("orders-%d-%d", w, i)); err != nil {
						t.Errorf("Rename failed: %v", err)
					}
				}
			}
		}()
	}
	wg.Wait()

	// Changes made while a flush was running must still reach the disk.
	waitClean(t, d)
	if got := d.timer.State(); got != debounce.Idle {
		t.Errorf("timer state = %v, want idle", got)
	}
	if diff := cmp.Diff(d.Manifest(), readManifest(t, d.ManifestPath())); diff != "" {
		t.Errorf("manifest mismatch (-memory +disk):\n%s", diff)
	}
	if name, err := reg.NameForID(d.ID()); err != nil || name != d.Name() {
		t.Errorf("registry has %q, %v; want %q", name, err, d.Name())
	}
}

func TestMarkDirtyDuringFlush(t *testing.T) {
	layout, reg := newTestEnv(t)
	d := newTestDatabase(t, layout, reg, "orders")

	// Hold the record lock as a running flush does; the change made meanwhile
	// is applied once the lock is released and re-arms the timer.
	d.mu.Lock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := d.Rename("orders_v2"); err != nil {
			t.Errorf("Rename failed: %v", err)
		}
	}()
	if err := d.flushLocked(); err != nil {
		d.mu.Unlock()
		t.Fatal(err)
	}
	d.mu.Unlock()
	<-done

	if !d.Dirty() {
		t.Fatal("change made during the flush was lost")
	}
	if got := d.timer.State(); got != debounce.Armed {
		t.Errorf("timer state = %v, want armed", got)
	}
	if err := d.Flush(); err != nil {
		t.Fatal(err)
	}
	if got := readManifest(t, d.ManifestPath()).Name; got != "orders_v2" {
		t.Errorf("manifest name = %q", got)
	}
}

func TestFlushFailure(t *testing.T) {
	layout, reg := newTestEnv(t)
	d := newTestDatabase(t, layout, reg, "orders")
	before := d.Modified()

	// A file where the shard directory should be makes MkdirAll fail.
	shard := filepath.Dir(d.Dir())
	if err := os.WriteFile(shard, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	err := d.Flush()
	if !dberrors.Is(err, dberrors.ErrPersistence) {
		t.Fatalf("expected persistence failure, got %v", err)
	}
	if !dberrors.Retryable(err) {
		t.Error("persistence failure should be retryable")
	}
	if !d.Dirty() {
		t.Error("record should stay dirty")
	}
	if d.Modified() != before {
		t.Errorf("Modified() = %v, want %v", d.Modified(), before)
	}
	if got := d.timer.State(); got != debounce.Armed {
		t.Errorf("timer state = %v, want armed for the retry", got)
	}
	if reg.Exists(d.ID()) {
		t.Error("failed flush should not register")
	}

	if err := os.Remove(shard); err != nil {
		t.Fatal(err)
	}
	if err := d.Flush(); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if d.Dirty() || !reg.Exists(d.ID()) {
		t.Error("retry should persist and register")
	}
}

func TestFlushRegistryFailure(t *testing.T) {
	layout, reg := newTestEnv(t)
	fake := &fakeRegistry{Registry: reg, addErr: dberrors.Persistence("disk full", errors.New("ENOSPC"))}
	d := newTestDatabase(t, layout, fake, "orders")

	if err := d.Flush(); !dberrors.Is(err, dberrors.ErrPersistence) {
		t.Fatalf("expected persistence failure, got %v", err)
	}
	if !d.Dirty() {
		t.Error("record should stay dirty until registered")
	}
	if _, err := os.Stat(d.ManifestPath()); err != nil {
		t.Errorf("manifest should have been written: %v", err)
	}
	if got := d.timer.State(); got != debounce.Armed {
		t.Errorf("timer state = %v, want armed", got)
	}

	fake.addErr = nil
	if err := d.Flush(); err != nil {
		t.Fatal(err)
	}
	if !reg.Exists(d.ID()) {
		t.Error("retry should register")
	}
}

func TestFlushRegistryConflictNotRearmed(t *testing.T) {
	layout, reg := newTestEnv(t)
	if err := reg.Add(uuid.New(), "orders"); err != nil {
		t.Fatal(err)
	}
	d := newTestDatabase(t, layout, reg, "orders")

	if err := d.Flush(); !dberrors.Is(err, dberrors.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if !d.Dirty() {
		t.Error("record should stay dirty")
	}
	if got := d.timer.State(); got != debounce.Idle {
		t.Errorf("timer state = %v, want idle", got)
	}
	if err := d.Rename("orders_v2"); err != nil {
		t.Fatal(err)
	}
	if err := d.Flush(); err != nil {
		t.Fatal(err)
	}
	if name, _ := reg.NameForID(d.ID()); name != "orders_v2" {
		t.Errorf("registered as %q", name)
	}
}

func TestRename(t *testing.T) {
	layout, reg := newTestEnv(t)

	t.Run("unregistered", func(t *testing.T) {
		d := newTestDatabase(t, layout, reg, "a")
		if err := d.Rename("b"); err != nil {
			t.Fatal(err)
		}
		if d.Name() != "b" || reg.ExistsName("b") {
			t.Errorf("Name() = %q, registry has b: %v", d.Name(), reg.ExistsName("b"))
		}
	})
	t.Run("conflict", func(t *testing.T) {
		d1 := newTestDatabase(t, layout, reg, "c1")
		d2 := newTestDatabase(t, layout, reg, "c2")
		for _, d := range []*Database{d1, d2} {
			if err := d.Flush(); err != nil {
				t.Fatal(err)
			}
		}
		err := d1.Rename("c2")
		if !dberrors.Is(err, dberrors.ErrConflict) {
			t.Fatalf("expected conflict, got %v", err)
		}
		if d1.Name() != "c1" || d1.Dirty() {
			t.Errorf("failed rename changed the record: %q dirty=%v", d1.Name(), d1.Dirty())
		}
	})
	t.Run("same name", func(t *testing.T) {
		d := newTestDatabase(t, layout, reg, "same")
		if err := d.Flush(); err != nil {
			t.Fatal(err)
		}
		if err := d.Rename("same"); err != nil {
			t.Fatal(err)
		}
		if d.Dirty() {
			t.Error("renaming to the same name should not mark dirty")
		}
	})
	t.Run("invalid", func(t *testing.T) {
		d := newTestDatabase(t, layout, reg, "valid")
		if err := d.Rename(""); !dberrors.Is(err, dberrors.ErrValidationFailed) {
			t.Errorf("expected validation failure, got %v", err)
		}
	})
}

func TestLoadErrors(t *testing.T) {
	layout, reg := newTestEnv(t)

	t.Run("missing", func(t *testing.T) {
		_, err := Load(layout, reg, uuid.New(), testInterval)
		if !dberrors.Is(err, dberrors.ErrNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
	})

	other := uuid.New()
	tests := []struct {
		name    string
		content func(id uuid.UUID) string
	}{
		{"not json", func(uuid.UUID) string { return "{" }},
		{"bad id", func(uuid.UUID) string { return `{"id": "nope", "name": "x", "creation": 1, "last_modified": 1}` }},
		{"wrong id", func(uuid.UUID) string {
			return `{"id": "` + other.String() + `", "name": "x", "creation": 1, "last_modified": 1}`
		}},
		{"missing name", func(id uuid.UUID) string {
			return `{"id": "` + id.String() + `", "creation": 1, "last_modified": 1}`
		}},
		{"missing creation", func(id uuid.UUID) string {
			return `{"id": "` + id.String() + `", "name": "x", "last_modified": 1}`
		}},
		{"missing id", func(uuid.UUID) string { return `{"name": "x", "creation": 1, "last_modified": 1}` }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := uuid.New()
			if err := os.MkdirAll(layout.DatabaseDir(id), 0o755); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(layout.ManifestPath(id), []byte(tt.content(id)), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := Load(layout, reg, id, testInterval)
			if !dberrors.Is(err, dberrors.ErrCorruptManifest) {
				t.Errorf("expected corrupt manifest, got %v", err)
			}
		})
	}
}

func TestLoadLegacyManifest(t *testing.T) {
	layout, reg := newTestEnv(t)
	id := uuid.New()
	content := `{
  "id": "` + id.String() + `",
  "name": "orders",
  "creation": "2024-03-01T10:00:00.1234567-05:00",
  "last_modified": "2024-03-02T08:30:00.5+01:00"
}`
	if err := os.MkdirAll(layout.DatabaseDir(id), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(layout.ManifestPath(id), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	d, err := Load(layout, reg, id, testInterval)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := Manifest{
		ID:       id,
		Name:     "orders",
		Created:  storage.ToTime(time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)),
		Modified: storage.ToTime(time.Date(2024, 3, 2, 7, 30, 0, 0, time.UTC)),
	}
	if diff := cmp.Diff(want, d.Manifest()); diff != "" {
		t.Errorf("loaded manifest mismatch (-want +got):\n%s", diff)
	}

	d.MarkDirty()
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(d.ManifestPath())
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if raw["creation"] != "2024-03-01T15:00:00Z" {
		t.Errorf("creation rewritten as %v", raw["creation"])
	}
}

func TestDelete(t *testing.T) {
	layout, reg := newTestEnv(t)
	d := newTestDatabase(t, layout, reg, "orders")
	if err := d.Flush(); err != nil {
		t.Fatal(err)
	}

	if err := d.Delete(); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := os.Stat(d.Dir()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("database directory still exists: %v", err)
	}
	if _, err := os.Stat(filepath.Dir(d.Dir())); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("empty shard directory still exists: %v", err)
	}
	if reg.Exists(d.ID()) {
		t.Error("registry entry still exists")
	}
	if !d.Deleted() {
		t.Error("Deleted() should be true")
	}

	d.MarkDirty()
	if d.Dirty() {
		t.Error("MarkDirty on a deleted record should do nothing")
	}
	if got := d.timer.State(); got != debounce.Idle {
		t.Errorf("timer state = %v, want idle", got)
	}
	if err := d.Flush(); err != nil {
		t.Errorf("Flush on a deleted record: %v", err)
	}
	if _, err := os.Stat(d.Dir()); !errors.Is(err, os.ErrNotExist) {
		t.Error("Flush recreated the directory")
	}
	if err := d.Delete(); !dberrors.Is(err, dberrors.ErrNotFound) {
		t.Errorf("second Delete: expected not found, got %v", err)
	}
}

func TestDeleteKeepsSharedShard(t *testing.T) {
	layout, reg := newTestEnv(t)
	d := newTestDatabase(t, layout, reg, "orders")
	if err := d.Flush(); err != nil {
		t.Fatal(err)
	}
	shard := filepath.Dir(d.Dir())
	sibling := filepath.Join(shard, "sibling")
	if err := os.Mkdir(sibling, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := d.Delete(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(sibling); err != nil {
		t.Errorf("sibling removed: %v", err)
	}
}

func TestDeleteUnflushed(t *testing.T) {
	layout, reg := newTestEnv(t)
	d := newTestDatabase(t, layout, reg, "orders")
	if err := d.Delete(); err != nil {
		t.Fatal(err)
	}
	if d.Dirty() {
		t.Error("deleted record should be clean")
	}
	if got := d.timer.State(); got != debounce.Idle {
		t.Errorf("timer state = %v, want idle", got)
	}
}

func TestClose(t *testing.T) {
	layout, reg := newTestEnv(t)
	d := newTestDatabase(t, layout, reg, "orders")
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if d.Dirty() || !reg.Exists(d.ID()) {
		t.Error("Close should flush")
	}
	d.MarkDirty()
	if !d.Dirty() {
		t.Error("MarkDirty after Close should still record the change")
	}
	if got := d.timer.State(); got != debounce.Idle {
		t.Errorf("timer state = %v, want idle after Close", got)
	}
}

func TestParseID(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		in      string
		want    uuid.UUID
		wantErr bool
	}{
		{id.String(), id, false},
		{" " + id.String() + "\n", id, false},
		{"", uuid.Nil, true},
		{"orders", uuid.Nil, true},
		{uuid.Nil.String(), uuid.Nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseID(tt.in)
			if tt.wantErr {
				if !dberrors.Is(err, dberrors.ErrInvalidID) {
					t.Errorf("expected invalid id, got %v", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("ParseID() = %v, %v", got, err)
			}
		})
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"orders", true},
		{"orders v2", true},
		{"", false},
		{" orders", false},
		{"orders\n", false},
		{"a\x00b", false},
	}
	for _, tt := range tests {
		err := ValidateName(tt.name)
		if tt.valid && err != nil {
			t.Errorf("ValidateName(%q) = %v", tt.name, err)
		}
		if !tt.valid && !dberrors.Is(err, dberrors.ErrValidationFailed) {
			t.Errorf("ValidateName(%q) = %v, want validation failure", tt.name, err)
		}
	}
}
