// Package blob stages chunked uploads and reassembles them into one
// source file per dataset.
//
// Layout under the root, one directory per dataset:
//
//	<root>/<dataset_id>/part_000000.bin   incoming chunks
//	<root>/<dataset_id>/original.csv      reassembled source (ext varies)
//	<root>/<dataset_id>/meta.json         original filename sidecar
//
// The filesystem is an afero.Fs so tests run on an in-memory fs and the
// root can later move off local disk without touching callers.
package blob

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

var (
	// ErrNoPartsUploaded is returned by Finalize when the staging
	// directory holds no part files.
	ErrNoPartsUploaded = errors.New("no parts uploaded")

	// ErrSourceFileMissing means the dataset was never finalized (no
	// sidecar exists).
	ErrSourceFileMissing = errors.New("source file missing")

	// ErrSourceFileCorrupted means the sidecar exists but the
	// reassembled bytes are gone.
	ErrSourceFileCorrupted = errors.New("source file corrupted")
)

const (
	partPattern  = "part_%06d.bin"
	sidecarName  = "meta.json"
	originalStem = "original"
)

// Meta is the sidecar recording where the reassembled file lives and what
// the uploader called it.
type Meta struct {
	OriginalPath string `json:"original_path"`
	OriginalName string `json:"original_name"`
	SizeBytes    int64  `json:"size_bytes"`
}

type Assembler struct {
	fs   afero.Fs
	root string
}

func NewAssembler(fs afero.Fs, root string) *Assembler {
	return &Assembler{fs: fs, root: root}
}

func (a *Assembler) dir(datasetID string) string { return path.Join(a.root, datasetID) }

// PutPart stores one chunk under its index. Re-sending an index simply
// overwrites the previous bytes, so client retries are idempotent.
func (a *Assembler) PutPart(datasetID string, index int, r io.Reader) (int64, error) {
	if index < 0 {
		return 0, fmt.Errorf("negative part index %d", index)
	}
	dir := a.dir(datasetID)
	if err := a.fs.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}

	f, err := a.fs.Create(path.Join(dir, fmt.Sprintf(partPattern, index)))
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// Finalize concatenates the uploaded parts in index order into the
// reassembled source file, writes the sidecar, and removes the parts.
// originalName decides the extension of the reassembled file.
func (a *Assembler) Finalize(datasetID, originalName string) (Meta, error) {
	dir := a.dir(datasetID)
	parts, err := a.listParts(dir)
	if err != nil {
		return Meta{}, err
	}
	if len(parts) == 0 {
		return Meta{}, ErrNoPartsUploaded
	}

	ext := strings.ToLower(filepath.Ext(originalName))
	outPath := path.Join(dir, originalStem+ext)

	out, err := a.fs.Create(outPath)
	if err != nil {
		return Meta{}, err
	}
	var size int64
	for _, p := range parts {
		n, err := a.appendPart(out, path.Join(dir, p))
		if err != nil {
			_ = out.Close()
			return Meta{}, fmt.Errorf("assemble %s: %w", p, err)
		}
		size += n
	}
	if err := out.Close(); err != nil {
		return Meta{}, err
	}

	meta := Meta{OriginalPath: outPath, OriginalName: originalName, SizeBytes: size}
	if err := a.writeMeta(dir, meta); err != nil {
		return Meta{}, err
	}

	// Parts are only staging; drop them once the assembled file is durable.
	for _, p := range parts {
		_ = a.fs.Remove(path.Join(dir, p))
	}
	return meta, nil
}

// Info loads the sidecar and verifies the reassembled file still exists.
//
// Errors:
//   - ErrSourceFileMissing when the dataset was never finalized.
//   - ErrSourceFileCorrupted when the sidecar exists but the bytes are gone.
func (a *Assembler) Info(datasetID string) (Meta, error) {
	b, err := afero.ReadFile(a.fs, path.Join(a.dir(datasetID), sidecarName))
	if err != nil {
		return Meta{}, ErrSourceFileMissing
	}
	var meta Meta
	if err := json.Unmarshal(b, &meta); err != nil {
		return Meta{}, fmt.Errorf("read sidecar: %w", err)
	}
	if ok, err := afero.Exists(a.fs, meta.OriginalPath); err != nil || !ok {
		return Meta{}, ErrSourceFileCorrupted
	}
	return meta, nil
}

// Open returns the reassembled source file's path for readers, going
// through Info so callers get the missing/corrupted distinction.
func (a *Assembler) Open(datasetID string) (string, error) {
	meta, err := a.Info(datasetID)
	if err != nil {
		return "", err
	}
	return meta.OriginalPath, nil
}

// Remove deletes the dataset's whole staging directory. Used by hard
// delete; removing a dataset that was never staged is a no-op.
func (a *Assembler) Remove(datasetID string) error {
	return a.fs.RemoveAll(a.dir(datasetID))
}

func (a *Assembler) listParts(dir string) ([]string, error) {
	infos, err := afero.ReadDir(a.fs, dir)
	if err != nil {
		// Never staged at all.
		return nil, nil
	}
	var parts []string
	for _, fi := range infos {
		name := fi.Name()
		if strings.HasPrefix(name, "part_") && strings.HasSuffix(name, ".bin") {
			parts = append(parts, name)
		}
	}
	// part_%06d.bin sorts lexically in index order.
	sort.Strings(parts)
	return parts, nil
}

func (a *Assembler) appendPart(w io.Writer, p string) (int64, error) {
	f, err := a.fs.Open(p)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(w, f)
}

func (a *Assembler) writeMeta(dir string, meta Meta) error {
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return afero.WriteFile(a.fs, path.Join(dir, sidecarName), b, 0o644)
}
