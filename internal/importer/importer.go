package importer

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/htmlindex"

	"userstore/internal/jobs"
)

// RowHandler receives one decoded row. Field mapping, validation and
// persistence are entirely the handler's business.
type RowHandler func(line int, fields []string, simulate bool) error

// LineImporter is a plumbing row importer: it decodes the uploaded content
// from its source charset, splits it into CSV rows and feeds them to a
// handler, reporting parsing and importing progress along the way.
type LineImporter struct {
	User     string
	ImportID string
	ReportID string
	Handler  RowHandler
}

// NewFactory returns a jobs.ImporterFactory building LineImporters that share
// the given handler.
func NewFactory(handler RowHandler) jobs.ImporterFactory {
	return func(user, importID, reportID string) jobs.RowImporter {
		return &LineImporter{
			User:     user,
			ImportID: importID,
			ReportID: reportID,
			Handler:  handler,
		}
	}
}

// Run consumes the content in two passes: parse every row, then hand rows to
// the handler. Handler errors are counted, not fatal; the run only fails on
// undecodable content.
func (li *LineImporter) Run(content io.Reader, encoding, scope string, simulate bool, progress jobs.ProgressFunc) (*jobs.ImporterSummary, error) {
	text, err := DecodeAll(content, encoding)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	total := len(lines)

	var rows [][]string
	for i, line := range lines {
		fields, err := csv.NewReader(strings.NewReader(line)).Read()
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("failed to parse line %d: %w", i+1, err)
		}
		rows = append(rows, fields)
		progress("parsing", i+1, total)
	}

	summary := &jobs.ImporterSummary{Rows: len(rows)}
	for i, fields := range rows {
		if li.Handler != nil {
			if err := li.Handler(i+1, fields, simulate); err != nil {
				summary.Errors++
			}
		}
		progress("importing", i+1, len(rows))
	}
	return summary, nil
}

// DecodeAll reads everything from r, converting it from the named charset to
// UTF-8. An empty or UTF-8 charset passes through unchanged.
func DecodeAll(r io.Reader, encoding string) (string, error) {
	if encoding != "" && !strings.EqualFold(encoding, "utf-8") {
		enc, err := htmlindex.Get(encoding)
		if err != nil {
			return "", fmt.Errorf("unknown encoding %q: %w", encoding, err)
		}
		r = enc.NewDecoder().Reader(r)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read content: %w", err)
	}
	return string(data), nil
}

// ValidEncoding reports whether name is a known charset, returning its
// canonical name.
func ValidEncoding(name string) (string, bool) {
	if name == "" {
		return "utf-8", true
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return "", false
	}
	canonical, err := htmlindex.Name(enc)
	if err != nil {
		return name, true
	}
	return canonical, true
}
