// Package jobs provides the ingestion job bookkeeping shared by the
// control surface and background workers: terminal-state marking plus a
// bounded worker pool for running ingestion off the request path.
package jobs

import (
	"context"
	"log"

	"riskingest/internal/metrics"
	"riskingest/internal/storage"
)

// Logger is the minimal logging interface used by this package.
// *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

// Tracker records terminal job outcomes consistently, so every caller
// (CLI, worker pool, retries) leaves the same state behind.
type Tracker struct {
	Store  storage.Store
	Logger Logger
}

func (t *Tracker) logger() func(format string, v ...any) {
	if t.Logger == nil {
		return log.New(discard{}, "", 0).Printf
	}
	return t.Logger.Printf
}

// Fail marks both the job and its dataset FAILED with the cause text.
// Best effort: bookkeeping failures are logged, not returned, because the
// original cause is what the caller needs to surface.
func (t *Tracker) Fail(ctx context.Context, datasetID string, cause error) {
	logf := t.logger()

	status := storage.JobFailed
	stage := storage.StageError
	msg := cause.Error()
	if err := t.Store.UpsertJob(ctx, datasetID, storage.JobUpdate{
		Status: &status,
		Stage:  &stage,
		Error:  &msg,
	}); err != nil {
		logf("stage=job_fail dataset=%s err=%v", datasetID, err)
	}
	if err := t.Store.SetDatasetError(ctx, datasetID, msg); err != nil {
		logf("stage=dataset_fail dataset=%s err=%v", datasetID, err)
	}
	metrics.IncCounter(metrics.FailuresTotal, 1, metrics.Labels{"dataset": datasetID})
	logf("stage=ingest_failed dataset=%s err=%v", datasetID, cause)
}

// Cancelled resets the dataset so a cancelled run can be restarted or
// resumed. The job keeps its CANCELLED status and checkpoint; only the
// dataset-level status steps back to UPLOADED.
func (t *Tracker) Cancelled(ctx context.Context, datasetID string) {
	logf := t.logger()
	if err := t.Store.SetDatasetStatus(ctx, datasetID, storage.DatasetUploaded); err != nil {
		logf("stage=dataset_cancel dataset=%s err=%v", datasetID, err)
	}
	logf("stage=ingest_cancelled dataset=%s", datasetID)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
