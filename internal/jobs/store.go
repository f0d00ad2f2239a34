package jobs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"userstore/internal/token"
)

// ErrNotFound is returned when an import or report does not exist (or exists
// only as a partially created directory).
var ErrNotFound = errors.New("not found")

// Store maps import and report identifiers to filesystem locations.
//
// Layout, stable across process restarts:
//
//	<base>/<importID>/content           raw uploaded bytes
//	<base>/<importID>/meta              import metadata record
//	<base>/<importID>/report-<reportID> one run record per attempt
//
// Directory creation is not atomic with writing content, so an import only
// counts as existing once both content and meta are present.
type Store struct {
	base string
}

// NewStore creates a store rooted at base, creating the directory if needed.
func NewStore(base string) (*Store, error) {
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &Store{base: base}, nil
}

// BasePath returns the store's root directory.
func (s *Store) BasePath() string {
	return s.base
}

// validID rejects identifiers that could escape the store directory.
func validID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, "/\\")
}

func (s *Store) importRef(id string) *Import {
	path := filepath.Join(s.base, id)
	return &Import{
		store:       s,
		ID:          id,
		path:        path,
		contentPath: filepath.Join(path, "content"),
		metaPath:    filepath.Join(path, "meta"),
	}
}

// NewImport stores the uploaded content and metadata under a fresh identifier.
func (s *Store) NewImport(content []byte, meta ImportMeta) (*Import, error) {
	imp := s.importRef(token.New())

	if err := os.Mkdir(imp.path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create import directory: %w", err)
	}
	if err := os.WriteFile(imp.contentPath, content, 0644); err != nil {
		return nil, fmt.Errorf("failed to write import content: %w", err)
	}

	if err := imp.UpdateMeta(func(m *ImportMeta) error {
		*m = meta
		m.Version = recordVersion
		return nil
	}); err != nil {
		return nil, err
	}
	return imp, nil
}

// Import returns the import with the given identifier, or ErrNotFound if its
// directory is absent or only partially created.
func (s *Store) Import(id string) (*Import, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	imp := s.importRef(id)
	if !imp.Exists() {
		return nil, ErrNotFound
	}
	return imp, nil
}

// Imports lists all existing imports. Partially created directories, e.g.
// left over from a crash between mkdir and writing content, are skipped.
func (s *Store) Imports() ([]*Import, error) {
	entries, err := os.ReadDir(s.base)
	if err != nil {
		return nil, fmt.Errorf("failed to list imports: %w", err)
	}

	var imports []*Import
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		imp := s.importRef(entry.Name())
		if imp.Exists() {
			imports = append(imports, imp)
		}
	}
	return imports, nil
}
