package reader

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

type csvReader struct {
	f      afero.File
	cr     *csv.Reader
	header []string
}

// OpenCSV opens a CSV file and consumes its header row.
//
// The byte stream runs through a BOM-aware decoder: UTF-8 BOMs are
// stripped and UTF-16 content (either endianness, BOM-marked) is decoded
// to UTF-8, so exports from spreadsheet tools parse the same as plain
// ASCII files.
func OpenCSV(fsys afero.Fs, path string) (RowReader, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, err
	}

	dec := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	cr := csv.NewReader(transform.NewReader(f, dec))
	cr.ReuseRecord = true
	// Ragged rows are tolerated; downstream pads or truncates against the
	// header width.
	cr.FieldsPerRecord = -1

	hdr, err := cr.Read()
	if err != nil {
		_ = f.Close()
		if err == io.EOF {
			return nil, fmt.Errorf("%s: empty file", path)
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	header := make([]string, len(hdr))
	for i, h := range hdr {
		header[i] = strings.TrimSpace(h)
	}

	return &csvReader{f: f, cr: cr, header: header}, nil
}

func (r *csvReader) Header() []string { return r.header }

func (r *csvReader) Next() ([]string, error) {
	rec, err := r.cr.Read()
	if err != nil {
		return nil, err
	}
	// ReuseRecord is on; hand the caller its own copy.
	out := make([]string, len(rec))
	copy(out, rec)
	return out, nil
}

func (r *csvReader) Close() error { return r.f.Close() }
