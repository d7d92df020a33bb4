// Describes where manifests live inside the data directory.

package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const (
	databasesDir = "Databases"
	manifestFile = "manifest"
	registryFile = "db-list"
	configFile   = "application.json"
)

// Layout resolves paths inside a data directory:
//
//	<root>/application.json                  configuration
//	<root>/db-list                           registry manifest
//	<root>/Databases/<id[:2]>/<id>/manifest  one manifest per database
type Layout struct {
	root string
}

// NewLayout creates the data directory if needed and returns its layout.
func NewLayout(root string) (*Layout, error) {
	if root == "" {
		return nil, fmt.Errorf("data directory cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, databasesDir), 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &Layout{root: abs}, nil
}

// Root returns the data directory.
func (l *Layout) Root() string {
	return l.root
}

// DatabasesDir returns the parent of all shard directories.
func (l *Layout) DatabasesDir() string {
	return filepath.Join(l.root, databasesDir)
}

// RegistryPath returns the path of the registry manifest.
func (l *Layout) RegistryPath() string {
	return filepath.Join(l.root, registryFile)
}

// ConfigPath returns the path of the configuration file.
func (l *Layout) ConfigPath() string {
	return filepath.Join(l.root, configFile)
}

// DatabaseDir returns the directory holding the manifest of id.
func (l *Layout) DatabaseDir(id uuid.UUID) string {
	return DatabaseDir(l.root, id)
}

// ManifestPath returns the manifest path of id.
func (l *Layout) ManifestPath(id uuid.UUID) string {
	return filepath.Join(DatabaseDir(l.root, id), manifestFile)
}

// DatabaseDir returns <root>/Databases/<first two characters of id>/<id>.
//
// The layout is shared with existing data directories and must not change.
func DatabaseDir(root string, id uuid.UUID) string {
	s := id.String()
	return filepath.Join(root, databasesDir, s[:2], s)
}
