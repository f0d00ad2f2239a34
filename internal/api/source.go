package api

import (
	"strconv"
	"time"

	"userstore/internal/jobs"
)

// inventorySource feeds the export producer one row per stored import.
type inventorySource struct {
	store   *jobs.Store
	imports []*jobs.Import
	loaded  bool
}

func newInventorySource(store *jobs.Store) *inventorySource {
	return &inventorySource{store: store}
}

// load snapshots the inventory once so Total and Rows agree even when imports
// come and go while the export runs.
func (s *inventorySource) load() error {
	if s.loaded {
		return nil
	}
	imports, err := s.store.Imports()
	if err != nil {
		return err
	}
	s.imports = imports
	s.loaded = true
	return nil
}

func (s *inventorySource) Header() ([]string, error) {
	return []string{"import_id", "created", "filename", "encoding", "scope", "rows", "reports", "label"}, nil
}

func (s *inventorySource) Total() (int, error) {
	if err := s.load(); err != nil {
		return 0, err
	}
	return len(s.imports), nil
}

func (s *inventorySource) Rows(offset, limit int) ([][]string, error) {
	if err := s.load(); err != nil {
		return nil, err
	}
	if offset >= len(s.imports) {
		return nil, nil
	}
	end := offset + limit
	if end > len(s.imports) {
		end = len(s.imports)
	}

	rows := make([][]string, 0, end-offset)
	for _, imp := range s.imports[offset:end] {
		meta, err := imp.Meta()
		if err != nil {
			return nil, err
		}
		reports, err := imp.Reports()
		if err != nil {
			return nil, err
		}
		rows = append(rows, []string{
			imp.ID,
			imp.Created().Format(time.RFC3339),
			meta.Filename,
			meta.Encoding,
			meta.Scope,
			strconv.Itoa(meta.Rows),
			strconv.Itoa(len(reports)),
			meta.Label,
		})
	}
	return rows, nil
}
