// Package control is the operation surface over the whole pipeline:
// chunked upload staging, mapping detection and confirmation, ingestion
// in both modes, cancellation, retry, status, and dataset lifecycle.
//
// It composes the focused packages (blob, detect, ingest, storage) and
// owns the dataset-level status transitions; the engine owns the
// job-level ones.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"riskingest/internal/blob"
	"riskingest/internal/detect"
	"riskingest/internal/ingest"
	"riskingest/internal/jobs"
	"riskingest/internal/metrics"
	"riskingest/internal/storage"
)

// Ingestion modes.
type Mode string

const (
	// FullReplace clears previously committed rows and re-ingests the
	// whole file in one pass. The only mode XLSX supports.
	FullReplace Mode = "full_replace"

	// ResumableAppend consumes the file in bounded, checkpointed steps
	// and survives interruption. CSV only.
	ResumableAppend Mode = "resumable_append"
)

var (
	// ErrIngestInProgress means another ingest for the same dataset is
	// running in this process.
	ErrIngestInProgress = errors.New("ingestion already in progress")

	// ErrNotDeleted is returned by Restore for datasets that are not
	// soft-deleted.
	ErrNotDeleted = errors.New("dataset is not deleted")

	// ErrUnknownMode rejects ingestion modes this surface does not know.
	ErrUnknownMode = errors.New("unknown ingestion mode")
)

// Logger is the minimal logging interface used by the service.
type Logger interface {
	Printf(format string, v ...any)
}

// Service wires the pipeline together. Construct with NewService.
type Service struct {
	store   storage.Store
	blobs   *blob.Assembler
	files   afero.Fs
	engine  *ingest.Engine
	tracker *jobs.Tracker
	pool    *jobs.Pool
	logf    func(format string, v ...any)

	// stepMaxRows bounds one resumable step; <= 0 means the engine default.
	stepMaxRows int

	// newID is a seam for deterministic IDs in tests.
	newID func() string

	// inflight guards against two concurrent ingests of one dataset
	// inside this process. Cross-process exclusion is out of scope.
	inflight sync.Map
}

// Options for NewService. Store and Files are required.
type Options struct {
	Store       storage.Store
	Files       afero.Fs
	DataDir     string
	Logger      Logger
	BatchSize   int
	StepMaxRows int

	// Workers sizes the background ingest pool; <= 0 means the jobs
	// package default.
	Workers int
}

func NewService(o Options) *Service {
	s := &Service{
		store: o.Store,
		files: o.Files,
		blobs: blob.NewAssembler(o.Files, o.DataDir),
		engine: &ingest.Engine{
			Store:     o.Store,
			Files:     o.Files,
			Logger:    o.Logger,
			BatchSize: o.BatchSize,
		},
		tracker:     &jobs.Tracker{Store: o.Store, Logger: o.Logger},
		pool:        jobs.NewPool(o.Workers, o.Logger),
		stepMaxRows: o.StepMaxRows,
		newID:       uuid.NewString,
		logf:        log.New(io.Discard, "", 0).Printf,
	}
	if o.Logger != nil {
		s.logf = o.Logger.Printf
	}
	return s
}

// ---- upload ----

// InitUpload registers a new dataset in UPLOADING state and returns it.
// name is the display name; filename is what the uploader called the
// source file and decides the format by extension.
func (s *Service) InitUpload(ctx context.Context, name, filename string) (storage.Dataset, error) {
	if strings.TrimSpace(filename) == "" {
		return storage.Dataset{}, fmt.Errorf("filename must not be empty")
	}
	if strings.TrimSpace(name) == "" {
		name = filename
	}

	d := storage.Dataset{
		ID:             s.newID(),
		Name:           name,
		Status:         storage.DatasetUploading,
		SourceFilename: filename,
		CreatedAt:      time.Now(),
	}
	if err := s.store.CreateDataset(ctx, d); err != nil {
		return storage.Dataset{}, err
	}
	s.logf("stage=upload_init dataset=%s file=%s", d.ID, filename)
	return d, nil
}

// PutPart stages one upload chunk. Chunks may arrive out of order and
// may be retried; the last write for an index wins.
func (s *Service) PutPart(ctx context.Context, datasetID string, index int, r io.Reader) (int64, error) {
	if _, err := s.store.GetDataset(ctx, datasetID); err != nil {
		return 0, err
	}
	n, err := s.blobs.PutPart(datasetID, index, r)
	if err != nil {
		return 0, err
	}
	metrics.IncCounter(metrics.UploadBytesTotal, float64(n), metrics.Labels{"dataset": datasetID})
	return n, nil
}

// Finalize reassembles the staged chunks, inspects the file's header for
// a column-mapping guess, stores the guess as the working mapping, and
// moves the dataset to UPLOADED.
func (s *Service) Finalize(ctx context.Context, datasetID string) (detect.Result, error) {
	ds, err := s.store.GetDataset(ctx, datasetID)
	if err != nil {
		return detect.Result{}, err
	}

	meta, err := s.blobs.Finalize(datasetID, ds.SourceFilename)
	if err != nil {
		return detect.Result{}, err
	}

	res, err := detect.Inspect(s.files, meta.OriginalPath)
	if err != nil {
		s.tracker.Fail(ctx, datasetID, fmt.Errorf("inspect source: %w", err))
		return detect.Result{}, err
	}

	// The guess becomes the working mapping; ConfirmMapping replaces it.
	encoded, err := res.Guess.Encode()
	if err != nil {
		return detect.Result{}, err
	}
	if err := s.store.SetDatasetMapping(ctx, datasetID, encoded); err != nil {
		return detect.Result{}, err
	}
	if err := s.store.SetDatasetSize(ctx, datasetID, meta.SizeBytes); err != nil {
		return detect.Result{}, err
	}
	if err := s.store.SetDatasetStatus(ctx, datasetID, storage.DatasetUploaded); err != nil {
		return detect.Result{}, err
	}

	s.logf("stage=upload_done dataset=%s bytes=%d columns=%d", datasetID, meta.SizeBytes, len(res.Columns))
	return res, nil
}

// Detect re-runs header inspection against the stored source file,
// without touching the working mapping. Useful after a Finalize whose
// guess the caller wants to revisit.
func (s *Service) Detect(ctx context.Context, datasetID string) (detect.Result, error) {
	if _, err := s.store.GetDataset(ctx, datasetID); err != nil {
		return detect.Result{}, err
	}
	path, err := s.blobs.Open(datasetID)
	if err != nil {
		return detect.Result{}, err
	}
	return detect.Inspect(s.files, path)
}

// ConfirmMapping validates and stores the user-confirmed column mapping.
func (s *Service) ConfirmMapping(ctx context.Context, datasetID string, m ingest.Mapping) error {
	if _, err := s.store.GetDataset(ctx, datasetID); err != nil {
		return err
	}
	if err := m.Validate(); err != nil {
		return err
	}
	encoded, err := m.Encode()
	if err != nil {
		return err
	}
	return s.store.SetDatasetMapping(ctx, datasetID, encoded)
}

// ---- ingestion ----

// Ingest runs ingestion to completion in the requested mode. FullReplace
// streams the whole file in one pass; ResumableAppend steps through it in
// checkpointed slices, which also makes it the mode Retry resumes.
//
// Errors:
//   - ErrIngestInProgress if this process is already ingesting the dataset.
//   - ingest.ErrCancelled after a cancel request; committed progress stays.
func (s *Service) Ingest(ctx context.Context, datasetID string, mode Mode) error {
	release, err := s.acquire(datasetID)
	if err != nil {
		return err
	}
	defer release()
	return s.ingest(ctx, datasetID, mode)
}

// ingest runs the engine with the in-flight slot already held.
func (s *Service) ingest(ctx context.Context, datasetID string, mode Mode) error {
	path, err := s.blobs.Open(datasetID)
	if err != nil {
		return err
	}
	if err := s.beginProcessing(ctx, datasetID); err != nil {
		return err
	}

	switch mode {
	case FullReplace:
		_, err = s.engine.Run(ctx, datasetID, path)
	case ResumableAppend:
		err = s.stepUntilDone(ctx, datasetID, path)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	return s.settle(ctx, datasetID, err)
}

// IngestBackground enqueues the ingest on the worker pool and returns
// once it is queued; progress is observable through Status. The
// in-flight slot is held from enqueue to completion, so a second
// attempt for the same dataset is refused while one is queued or
// running. Close drains the pool.
func (s *Service) IngestBackground(ctx context.Context, datasetID string, mode Mode) error {
	if mode != FullReplace && mode != ResumableAppend {
		return fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	if _, err := s.store.GetDataset(ctx, datasetID); err != nil {
		return err
	}

	release, err := s.acquire(datasetID)
	if err != nil {
		return err
	}

	// A status poll between enqueue and pickup sees QUEUED.
	queued := storage.JobQueued
	if err := s.store.UpsertJob(ctx, datasetID, storage.JobUpdate{Status: &queued}); err != nil {
		release()
		return err
	}

	if err := s.pool.Submit(func(ctx context.Context) {
		defer release()
		if err := s.ingest(ctx, datasetID, mode); err != nil {
			s.logf("stage=ingest_background dataset=%s err=%v", datasetID, err)
		}
	}); err != nil {
		release()
		return err
	}
	s.logf("stage=ingest_queued dataset=%s mode=%s", datasetID, mode)
	return nil
}

// ProcessQueued submits every dataset whose job sits at QUEUED to the
// worker pool, inferring the mode from the source format the way Retry
// does. It returns how many ingests it submitted; the worker command
// calls it on a poll loop, so datasets queued by another process get
// picked up too.
func (s *Service) ProcessQueued(ctx context.Context) (int, error) {
	ds, err := s.store.ListDatasets(ctx, false)
	if err != nil {
		return 0, err
	}

	submitted := 0
	for _, d := range ds {
		j, err := s.store.GetJob(ctx, d.ID)
		if errors.Is(err, storage.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return submitted, err
		}
		if j.Status != storage.JobQueued {
			continue
		}

		err = s.IngestBackground(ctx, d.ID, resumeMode(d.SourceFilename))
		if errors.Is(err, ErrIngestInProgress) {
			// Already queued or running in this process.
			continue
		}
		if err != nil {
			return submitted, err
		}
		submitted++
	}
	return submitted, nil
}

// Close drains the worker pool; queued and running background ingests
// run to completion first.
func (s *Service) Close() {
	s.pool.Drain()
}

// Step consumes one bounded slice of rows and returns, leaving the
// checkpoint advanced. Drive it repeatedly to finish a dataset; a Done
// result means the dataset is READY.
func (s *Service) Step(ctx context.Context, datasetID string) (ingest.StepResult, error) {
	release, err := s.acquire(datasetID)
	if err != nil {
		return ingest.StepResult{}, err
	}
	defer release()

	path, err := s.blobs.Open(datasetID)
	if err != nil {
		return ingest.StepResult{}, err
	}
	if err := s.store.SetDatasetStatus(ctx, datasetID, storage.DatasetProcessing); err != nil {
		return ingest.StepResult{}, err
	}

	res, err := s.engine.Step(ctx, datasetID, path, s.stepMaxRows)
	return res, s.settle(ctx, datasetID, err)
}

// RequestCancel asks a running ingest to stop at its next batch boundary.
// The flag is sticky until the next Ingest or Retry clears it.
func (s *Service) RequestCancel(ctx context.Context, datasetID string) error {
	if _, err := s.store.GetDataset(ctx, datasetID); err != nil {
		return err
	}
	s.logf("stage=cancel_requested dataset=%s", datasetID)
	return s.store.RequestCancel(ctx, datasetID)
}

// Retry resumes an interrupted or failed ingest from its checkpoint.
// XLSX sources cannot be positioned by row offset, so they restart with
// a full replace instead; nothing is lost because full replace clears
// first.
func (s *Service) Retry(ctx context.Context, datasetID string) error {
	ds, err := s.store.GetDataset(ctx, datasetID)
	if err != nil {
		return err
	}
	mode := resumeMode(ds.SourceFilename)
	s.logf("stage=retry dataset=%s mode=%s", datasetID, mode)
	return s.Ingest(ctx, datasetID, mode)
}

// resumeMode picks the mode that can continue a dataset: CSV resumes
// from its checkpoint, XLSX cannot be positioned by row offset and
// restarts with a full replace.
func resumeMode(filename string) Mode {
	if strings.ToLower(filepath.Ext(filename)) == ".xlsx" {
		return FullReplace
	}
	return ResumableAppend
}

func (s *Service) acquire(datasetID string) (func(), error) {
	if _, loaded := s.inflight.LoadOrStore(datasetID, struct{}{}); loaded {
		return nil, ErrIngestInProgress
	}
	return func() { s.inflight.Delete(datasetID) }, nil
}

// beginProcessing moves the dataset to PROCESSING and clears a stale
// cancel request so a new run does not die on its first batch.
func (s *Service) beginProcessing(ctx context.Context, datasetID string) error {
	if err := s.store.SetDatasetStatus(ctx, datasetID, storage.DatasetProcessing); err != nil {
		return err
	}
	noCancel := false
	return s.store.UpsertJob(ctx, datasetID, storage.JobUpdate{CancelRequested: &noCancel})
}

// settle maps an engine outcome onto the dataset record. Success needs no
// work here; the engine already moved the dataset to READY.
func (s *Service) settle(ctx context.Context, datasetID string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ingest.ErrCancelled):
		s.tracker.Cancelled(ctx, datasetID)
		return err
	default:
		s.tracker.Fail(ctx, datasetID, err)
		return err
	}
}

func (s *Service) stepUntilDone(ctx context.Context, datasetID, path string) error {
	for {
		res, err := s.engine.Step(ctx, datasetID, path, s.stepMaxRows)
		if err != nil {
			return err
		}
		if res.Done {
			return nil
		}
	}
}

// ---- status and lifecycle ----

// Status is one dataset plus its job checkpoint, if any.
type Status struct {
	Dataset storage.Dataset
	Job     *storage.Job
}

func (s *Service) Status(ctx context.Context, datasetID string) (Status, error) {
	ds, err := s.store.GetDataset(ctx, datasetID)
	if err != nil {
		return Status{}, err
	}
	st := Status{Dataset: ds}

	j, err := s.store.GetJob(ctx, datasetID)
	switch {
	case errors.Is(err, storage.ErrJobNotFound):
		// No ingest attempted yet.
	case err != nil:
		return Status{}, err
	default:
		st.Job = &j
	}
	return st, nil
}

func (s *Service) List(ctx context.Context, includeDeleted bool) ([]storage.Dataset, error) {
	return s.store.ListDatasets(ctx, includeDeleted)
}

func (s *Service) Rename(ctx context.Context, datasetID, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("name must not be empty")
	}
	return s.store.RenameDataset(ctx, datasetID, name)
}

// OriginalInfo reports the reassembled source file's location, uploader
// filename and size, distinguishing never-finalized from lost bytes.
func (s *Service) OriginalInfo(ctx context.Context, datasetID string) (blob.Meta, error) {
	if _, err := s.store.GetDataset(ctx, datasetID); err != nil {
		return blob.Meta{}, err
	}
	return s.blobs.Info(datasetID)
}

// SoftDelete hides the dataset from default listings; rows and source
// file stay for Restore.
func (s *Service) SoftDelete(ctx context.Context, datasetID string) error {
	return s.store.SoftDeleteDataset(ctx, datasetID)
}

func (s *Service) Restore(ctx context.Context, datasetID string) error {
	ds, err := s.store.GetDataset(ctx, datasetID)
	if err != nil {
		return err
	}
	if ds.DeletedAt == nil {
		return ErrNotDeleted
	}
	return s.store.RestoreDataset(ctx, datasetID)
}

// HardDelete removes the dataset, its job, all rows, and the staged
// source bytes. Irreversible.
func (s *Service) HardDelete(ctx context.Context, datasetID string) error {
	if err := s.store.HardDeleteDataset(ctx, datasetID); err != nil {
		return err
	}
	if err := s.blobs.Remove(datasetID); err != nil {
		return fmt.Errorf("remove staged files: %w", err)
	}
	s.logf("stage=hard_delete dataset=%s", datasetID)
	return nil
}
