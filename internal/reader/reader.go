// Package reader streams tabular source files (CSV, XLSX) as string rows.
//
// All readers normalize to the same shape: a header slice followed by data
// rows in file order. Rows may be ragged; consumers index defensively.
package reader

import (
	"errors"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// ErrUnsupportedFileType is returned by Open for extensions no reader
// handles. Legacy .xls workbooks fall in this bucket; only .xlsx is
// supported.
var ErrUnsupportedFileType = errors.New("unsupported file type")

// RowReader is a forward-only cursor over one tabular file.
type RowReader interface {
	// Header returns the first row of the file. Values are edge-trimmed.
	// The returned slice is owned by the reader; do not mutate.
	Header() []string

	// Next returns the next data row, or io.EOF when the file is
	// exhausted. The returned slice is freshly allocated per call.
	Next() ([]string, error)

	Close() error
}

// Open dispatches on the file extension and returns a positioned reader
// (header already consumed).
func Open(fsys afero.Fs, path string) (RowReader, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return OpenCSV(fsys, path)
	case ".xlsx":
		return OpenXLSX(fsys, path)
	default:
		return nil, ErrUnsupportedFileType
	}
}

// Skip advances past n data rows. Rows are discarded, not returned.
// Hitting EOF early is not an error; the next Next call reports it.
func Skip(r RowReader, n int64) error {
	for i := int64(0); i < n; i++ {
		if _, err := r.Next(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
	return nil
}
