package reader

import (
	"errors"
	"io"
	"testing"

	"github.com/spf13/afero"
	"github.com/xuri/excelize/v2"
)

func writeFile(t *testing.T, fsys afero.Fs, path string, data []byte) {
	t.Helper()
	if err := afero.WriteFile(fsys, path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func readAll(t *testing.T, r RowReader) [][]string {
	t.Helper()
	var out [][]string
	for {
		row, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, row)
	}
}

func TestOpenCSV_PlainFile(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "/data/in.csv", []byte("asset_id,lat,lon\na1,51.5,-0.1\na2,48.8,2.3\n"))

	r, err := OpenCSV(fsys, "/data/in.csv")
	if err != nil {
		t.Fatalf("OpenCSV: %v", err)
	}
	defer r.Close()

	hdr := r.Header()
	if len(hdr) != 3 || hdr[0] != "asset_id" || hdr[2] != "lon" {
		t.Fatalf("unexpected header: %v", hdr)
	}

	rows := readAll(t, r)
	if len(rows) != 2 || rows[0][0] != "a1" || rows[1][2] != "2.3" {
		t.Fatalf("unexpected rows: %v", rows)
	}
}

func TestOpenCSV_StripsUTF8BOM(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "/in.csv", append([]byte{0xEF, 0xBB, 0xBF}, []byte("id,score\nx,1\n")...))

	r, err := OpenCSV(fsys, "/in.csv")
	if err != nil {
		t.Fatalf("OpenCSV: %v", err)
	}
	defer r.Close()

	if got := r.Header()[0]; got != "id" {
		t.Fatalf("BOM leaked into header: %q", got)
	}
}

func TestOpenCSV_DecodesUTF16(t *testing.T) {
	t.Parallel()

	// "id,name\n1,ok\n" as UTF-16LE with BOM.
	src := "id,name\n1,ok\n"
	data := []byte{0xFF, 0xFE}
	for _, c := range src {
		data = append(data, byte(c), 0x00)
	}

	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "/in.csv", data)

	r, err := OpenCSV(fsys, "/in.csv")
	if err != nil {
		t.Fatalf("OpenCSV: %v", err)
	}
	defer r.Close()

	if got := r.Header(); len(got) != 2 || got[0] != "id" || got[1] != "name" {
		t.Fatalf("unexpected header: %v", got)
	}
	rows := readAll(t, r)
	if len(rows) != 1 || rows[0][1] != "ok" {
		t.Fatalf("unexpected rows: %v", rows)
	}
}

func TestOpenCSV_RaggedRowsTolerated(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "/in.csv", []byte("a,b,c\n1,2\n1,2,3,4\n"))

	r, err := OpenCSV(fsys, "/in.csv")
	if err != nil {
		t.Fatalf("OpenCSV: %v", err)
	}
	defer r.Close()

	rows := readAll(t, r)
	if len(rows) != 2 || len(rows[0]) != 2 || len(rows[1]) != 4 {
		t.Fatalf("unexpected rows: %v", rows)
	}
}

func TestOpenCSV_EmptyFile(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "/in.csv", nil)

	if _, err := OpenCSV(fsys, "/in.csv"); err == nil {
		t.Fatal("expected error for empty file")
	}
}

func TestSkip_AdvancesAndToleratesShortFiles(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "/in.csv", []byte("id\nr1\nr2\nr3\n"))

	r, err := OpenCSV(fsys, "/in.csv")
	if err != nil {
		t.Fatalf("OpenCSV: %v", err)
	}
	defer r.Close()

	if err := Skip(r, 2); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	row, err := r.Next()
	if err != nil || row[0] != "r3" {
		t.Fatalf("expected r3, got %v (err=%v)", row, err)
	}

	// Skipping past the end is not an error.
	if err := Skip(r, 100); err != nil {
		t.Fatalf("Skip past EOF: %v", err)
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestOpenXLSX_FirstSheetOnly(t *testing.T) {
	t.Parallel()

	wb := excelize.NewFile()
	sheet := wb.GetSheetName(0)
	for i, row := range [][]any{
		{"asset_id", "score"},
		{"a1", 0.5},
		{"a2", 0.9},
	} {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := wb.SetSheetRow(sheet, cell, &row); err != nil {
			t.Fatalf("SetSheetRow: %v", err)
		}
	}
	// A second sheet that must be ignored.
	if _, err := wb.NewSheet("Extra"); err != nil {
		t.Fatalf("NewSheet: %v", err)
	}

	buf, err := wb.WriteToBuffer()
	if err != nil {
		t.Fatalf("WriteToBuffer: %v", err)
	}

	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "/in.xlsx", buf.Bytes())

	r, err := Open(fsys, "/in.xlsx")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if hdr := r.Header(); len(hdr) != 2 || hdr[0] != "asset_id" {
		t.Fatalf("unexpected header: %v", hdr)
	}
	rows := readAll(t, r)
	if len(rows) != 2 || rows[0][0] != "a1" {
		t.Fatalf("unexpected rows: %v", rows)
	}
}

func TestOpen_UnsupportedExtension(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "/legacy.xls", []byte("not really"))

	if _, err := Open(fsys, "/legacy.xls"); !errors.Is(err, ErrUnsupportedFileType) {
		t.Fatalf("expected ErrUnsupportedFileType, got %v", err)
	}
}
