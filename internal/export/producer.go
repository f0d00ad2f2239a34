package export

import (
	"bytes"
	"encoding/csv"
	"fmt"

	"github.com/xuri/excelize/v2"
)

// RowSource provides the exported data in pages.
type RowSource interface {
	// Header returns the column names.
	Header() ([]string, error)
	// Total returns the number of data rows, or 0 if unknown.
	Total() (int, error)
	// Rows returns up to limit rows starting at offset; an empty result ends
	// the export.
	Rows(offset, limit int) ([][]string, error)
}

// Run produces the job's content from src, paginating in the store's batch
// size and bumping progress after each batch. Reported progress is capped at
// 99% until the content file is fully in place, then finalized at 100%.
func (j *Job) Run(src RowSource) error {
	data, err := j.Data()
	if err != nil {
		return err
	}
	w, err := newContentWriter(data.Format)
	if err != nil {
		return err
	}

	header, err := src.Header()
	if err != nil {
		return fmt.Errorf("failed to read export header: %w", err)
	}
	if err := w.WriteRow(header); err != nil {
		return err
	}

	total, err := src.Total()
	if err != nil {
		return fmt.Errorf("failed to count export rows: %w", err)
	}

	written := 0
	for offset := 0; ; offset += j.store.batchSize {
		rows, err := src.Rows(offset, j.store.batchSize)
		if err != nil {
			return fmt.Errorf("failed to read export rows: %w", err)
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			if err := w.WriteRow(row); err != nil {
				return err
			}
		}
		written += len(rows)

		percent := 99
		if total > 0 && written < total {
			percent = written * 100 / total
			if percent > 99 {
				percent = 99
			}
		}
		if err := j.SetProgress(percent); err != nil {
			return err
		}
	}

	content, err := w.Bytes()
	if err != nil {
		return err
	}
	return j.SetContent(bytes.NewReader(content))
}

type contentWriter interface {
	WriteRow(row []string) error
	Bytes() ([]byte, error)
}

func newContentWriter(format Format) (contentWriter, error) {
	switch format {
	case FormatCSV, "":
		return newCSVWriter(), nil
	case FormatXLSX:
		return newXLSXWriter(), nil
	default:
		return nil, fmt.Errorf("unsupported export format: %q", format)
	}
}

type csvContent struct {
	buf bytes.Buffer
	w   *csv.Writer
}

func newCSVWriter() *csvContent {
	c := &csvContent{}
	c.w = csv.NewWriter(&c.buf)
	return c
}

func (c *csvContent) WriteRow(row []string) error {
	return c.w.Write(row)
}

func (c *csvContent) Bytes() ([]byte, error) {
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush csv content: %w", err)
	}
	return c.buf.Bytes(), nil
}

type xlsxContent struct {
	f     *excelize.File
	sheet string
	row   int
}

func newXLSXWriter() *xlsxContent {
	f := excelize.NewFile()
	return &xlsxContent{f: f, sheet: f.GetSheetList()[0]}
}

func (x *xlsxContent) WriteRow(row []string) error {
	x.row++
	cell, err := excelize.CoordinatesToCellName(1, x.row)
	if err != nil {
		return err
	}
	cells := make([]interface{}, len(row))
	for i, v := range row {
		cells[i] = v
	}
	return x.f.SetSheetRow(x.sheet, cell, &cells)
}

func (x *xlsxContent) Bytes() ([]byte, error) {
	defer x.f.Close()
	buf, err := x.f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to encode workbook: %w", err)
	}
	return buf.Bytes(), nil
}
