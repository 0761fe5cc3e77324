package reader

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"
	"github.com/xuri/excelize/v2"
)

type xlsxReader struct {
	wb     *excelize.File
	rows   *excelize.Rows
	header []string
}

// OpenXLSX opens the first worksheet of an .xlsx workbook and consumes
// its header row. Later worksheets are ignored.
//
// Trailing empty cells are simply absent from excelize rows, so data rows
// are often shorter than the header; that matches the ragged-row contract.
func OpenXLSX(fsys afero.Fs, path string) (RowReader, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	wb, err := excelize.OpenReader(f)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}

	sheets := wb.GetSheetList()
	if len(sheets) == 0 {
		_ = wb.Close()
		return nil, fmt.Errorf("%s: workbook has no sheets", path)
	}
	rows, err := wb.Rows(sheets[0])
	if err != nil {
		_ = wb.Close()
		return nil, err
	}

	if !rows.Next() {
		_ = rows.Close()
		_ = wb.Close()
		return nil, fmt.Errorf("%s: empty sheet %q", path, sheets[0])
	}
	hdr, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		_ = wb.Close()
		return nil, fmt.Errorf("read header: %w", err)
	}
	header := make([]string, len(hdr))
	for i, h := range hdr {
		header[i] = strings.TrimSpace(h)
	}

	return &xlsxReader{wb: wb, rows: rows, header: header}, nil
}

func (r *xlsxReader) Header() []string { return r.header }

func (r *xlsxReader) Next() ([]string, error) {
	if !r.rows.Next() {
		if err := r.rows.Error(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return r.rows.Columns()
}

func (r *xlsxReader) Close() error {
	cerr := r.rows.Close()
	if err := r.wb.Close(); err != nil && cerr == nil {
		cerr = err
	}
	return cerr
}
