// Package ingest turns uploaded tabular files into normalized fact and
// asset rows, in durable checkpointed batches.
//
// Two execution shapes share the same row normalization:
//
//   - Run: full replace. Clears the dataset's rows, streams the whole
//     file, commits in batches. Works for every supported format.
//   - Step: resumable append. Consumes at most one bounded slice of rows
//     per call, resuming from the persisted checkpoint. CSV only, since
//     stepping needs cheap positioning by row offset.
//
// Both commit through storage.Store.CommitFactBatch, so the checkpoint can
// never run ahead of durably written rows.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"riskingest/internal/metrics"
	"riskingest/internal/reader"
	"riskingest/internal/storage"
)

const (
	// DefaultBatchSize is the number of facts committed per transaction.
	DefaultBatchSize = 2000

	// DefaultStepMaxRows is the per-step row budget for resumable runs.
	DefaultStepMaxRows = 5000
)

var (
	// ErrCancelled reports a cooperative stop. Work accumulated before
	// the stop is already committed; the run can resume later.
	ErrCancelled = errors.New("ingestion cancelled")

	// ErrFormatRequiresFullPass is returned by Step for formats that
	// cannot be positioned by row offset (XLSX).
	ErrFormatRequiresFullPass = errors.New("file format requires full-pass ingestion")
)

// Logger is the minimal logging interface used by the engine.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Engine drives ingestion against a Store. Zero-value fields fall back to
// defaults; only Store and Files are required.
type Engine struct {
	Store  storage.Store
	Files  afero.Fs
	Logger Logger

	// BatchSize overrides DefaultBatchSize when > 0.
	BatchSize int
}

// Summary is the terminal dataset summary, stored as datasets.summary_json.
type Summary struct {
	RowCount   int64 `json:"row_count"`
	AssetCount int64 `json:"asset_count"`
}

// StepResult reports what one Step call did.
type StepResult struct {
	Consumed      int64 // source data rows consumed this call
	Inserted      int64 // facts committed this call
	Dropped       int64 // identifier-less rows silently dropped this call
	ProcessedRows int64 // checkpoint after this call
	Done          bool  // source exhausted; dataset is READY
}

func (e *Engine) logger() func(format string, v ...any) {
	if e.Logger == nil {
		l := log.New(io.Discard, "", 0)
		return l.Printf
	}
	return e.Logger.Printf
}

func (e *Engine) batchSize() int {
	if e.BatchSize > 0 {
		return e.BatchSize
	}
	return DefaultBatchSize
}

// Step consumes at most maxRows source rows from the dataset's file,
// resuming at the persisted checkpoint. maxRows <= 0 means
// DefaultStepMaxRows.
//
// Edge cases:
//   - A call that consumes fewer rows than its budget is terminal; that
//     includes a zero-row call against an exhausted file, which reports
//     Done with no error.
//   - Cancellation is checked at batch boundaries. On cancel the partial
//     batch is flushed first, then the job is marked CANCELLED and
//     ErrCancelled returned.
func (e *Engine) Step(ctx context.Context, datasetID, path string, maxRows int) (StepResult, error) {
	logf := e.logger()
	start := time.Now()

	if maxRows <= 0 {
		maxRows = DefaultStepMaxRows
	}
	if strings.ToLower(filepath.Ext(path)) != ".csv" {
		return StepResult{}, ErrFormatRequiresFullPass
	}

	plan, r, err := e.openPlanned(ctx, datasetID, path)
	if err != nil {
		return StepResult{}, err
	}
	defer r.Close()

	base, err := e.checkpoint(ctx, datasetID)
	if err != nil {
		return StepResult{}, err
	}
	if err := reader.Skip(r, base); err != nil {
		return StepResult{}, fmt.Errorf("seek to checkpoint %d: %w", base, err)
	}
	if err := e.markRunning(ctx, datasetID, storage.StageIngesting); err != nil {
		return StepResult{}, err
	}

	res := StepResult{ProcessedRows: base}
	acc := newBatchAccumulator(datasetID, e.batchSize())

	flush := func() error {
		// Checkpoint already current means nothing happened since the
		// last commit, accumulated or dropped.
		if base+res.Consumed == res.ProcessedRows {
			return nil
		}
		inserted, err := acc.commit(ctx, e.Store, base+res.Consumed)
		if err != nil {
			return err
		}
		res.Inserted += inserted
		res.ProcessedRows = base + res.Consumed
		metrics.IncCounter(metrics.BatchesTotal, 1, metrics.Labels{"dataset": datasetID})
		return nil
	}

	cancelled := false
	for res.Consumed < int64(maxRows) {
		row, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("read row: %w", err)
		}

		res.Consumed++
		if f, a, ok := plan.normalize(row); ok {
			acc.add(f, a, true)
		} else {
			res.Dropped++
		}

		if acc.full() {
			if cancelled, err = e.Store.CancelRequested(ctx, datasetID); err != nil {
				return res, err
			}
			if err := flush(); err != nil {
				return res, err
			}
			if cancelled {
				break
			}
		}
	}

	// Remainder, and the final cancel look before declaring the step done.
	if !cancelled {
		var err error
		if cancelled, err = e.Store.CancelRequested(ctx, datasetID); err != nil {
			return res, err
		}
	}
	if err := flush(); err != nil {
		return res, err
	}

	e.countRows(datasetID, res.Inserted, res.Dropped)

	if cancelled {
		if err := e.markCancelled(ctx, datasetID); err != nil {
			return res, err
		}
		metrics.IncCounter(metrics.StepsTotal, 1, metrics.Labels{"status": "cancelled"})
		logf("stage=step dataset=%s status=cancelled consumed=%d processed=%d duration=%s",
			datasetID, res.Consumed, res.ProcessedRows, durMS(start))
		return res, ErrCancelled
	}

	res.Done = res.Consumed < int64(maxRows)
	if res.Done {
		if err := e.finish(ctx, datasetID, res.ProcessedRows); err != nil {
			return res, err
		}
	}

	metrics.IncCounter(metrics.StepsTotal, 1, metrics.Labels{"status": "ok"})
	metrics.ObserveHistogram(metrics.StepDurationSeconds, time.Since(start).Seconds(), metrics.Labels{"status": "ok"})
	logf("stage=step dataset=%s consumed=%d inserted=%d dropped=%d processed=%d done=%v duration=%s",
		datasetID, res.Consumed, res.Inserted, res.Dropped, res.ProcessedRows, res.Done, durMS(start))
	return res, nil
}

// Run ingests the whole file in one pass, replacing any previously
// committed rows for the dataset. Accepts every format reader.Open does.
//
// Asset policy differs from Step deliberately: a full pass records each
// asset the first time it appears with both coordinates, instead of
// last-write-wins. Fact rows come out identical either way.
func (e *Engine) Run(ctx context.Context, datasetID, path string) (Summary, error) {
	logf := e.logger()
	start := time.Now()

	plan, r, err := e.openPlanned(ctx, datasetID, path)
	if err != nil {
		return Summary{}, err
	}
	defer r.Close()

	if err := e.markRunning(ctx, datasetID, storage.StageReading); err != nil {
		return Summary{}, err
	}
	// Full replace: previously committed rows and the checkpoint go away
	// before the first new batch lands.
	if err := e.Store.ClearDatasetRows(ctx, datasetID); err != nil {
		return Summary{}, fmt.Errorf("clear previous rows: %w", err)
	}
	if err := e.markRunning(ctx, datasetID, storage.StageIngesting); err != nil {
		return Summary{}, err
	}

	var consumed, inserted, dropped int64
	seen := make(map[string]bool)
	acc := newBatchAccumulator(datasetID, e.batchSize())

	lastCommitted := int64(0)
	flush := func() error {
		if acc.empty() && consumed == lastCommitted {
			return nil
		}
		n, err := acc.commit(ctx, e.Store, consumed)
		if err != nil {
			return err
		}
		inserted += n
		lastCommitted = consumed
		metrics.IncCounter(metrics.BatchesTotal, 1, metrics.Labels{"dataset": datasetID})
		return nil
	}

	for {
		row, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Summary{}, fmt.Errorf("read row: %w", err)
		}

		consumed++
		f, a, ok := plan.normalize(row)
		if !ok {
			dropped++
			continue
		}
		withAsset := !seen[a.AssetID] && a.Latitude != nil && a.Longitude != nil
		if withAsset {
			seen[a.AssetID] = true
		}
		acc.add(f, a, withAsset)

		if acc.full() {
			cancelled, err := e.Store.CancelRequested(ctx, datasetID)
			if err != nil {
				return Summary{}, err
			}
			if err := flush(); err != nil {
				return Summary{}, err
			}
			if cancelled {
				e.countRows(datasetID, inserted, dropped)
				if err := e.markCancelled(ctx, datasetID); err != nil {
					return Summary{}, err
				}
				metrics.IncCounter(metrics.StepsTotal, 1, metrics.Labels{"status": "cancelled"})
				logf("stage=run dataset=%s status=cancelled consumed=%d duration=%s", datasetID, consumed, durMS(start))
				return Summary{}, ErrCancelled
			}
		}
	}

	if err := flush(); err != nil {
		return Summary{}, err
	}
	e.countRows(datasetID, inserted, dropped)

	if err := e.finish(ctx, datasetID, consumed); err != nil {
		return Summary{}, err
	}
	sum, err := e.summarize(ctx, datasetID)
	if err != nil {
		return Summary{}, err
	}

	metrics.IncCounter(metrics.StepsTotal, 1, metrics.Labels{"status": "ok"})
	metrics.ObserveHistogram(metrics.StepDurationSeconds, time.Since(start).Seconds(), metrics.Labels{"status": "ok"})
	logf("stage=run dataset=%s rows=%d inserted=%d dropped=%d assets=%d duration=%s",
		datasetID, consumed, inserted, dropped, sum.AssetCount, durMS(start))
	return sum, nil
}

// openPlanned loads the dataset's confirmed mapping, opens the file, and
// compiles the row plan against the real header.
func (e *Engine) openPlanned(ctx context.Context, datasetID, path string) (rowPlan, reader.RowReader, error) {
	ds, err := e.Store.GetDataset(ctx, datasetID)
	if err != nil {
		return rowPlan{}, nil, err
	}
	m, err := ParseMapping(ds.MappingJSON)
	if err != nil {
		return rowPlan{}, nil, err
	}

	r, err := reader.Open(e.Files, path)
	if err != nil {
		return rowPlan{}, nil, err
	}

	m = m.WithDefaults(r.Header())
	if err := m.Validate(); err != nil {
		_ = r.Close()
		return rowPlan{}, nil, err
	}
	return compilePlan(datasetID, r.Header(), m), r, nil
}

func (e *Engine) checkpoint(ctx context.Context, datasetID string) (int64, error) {
	j, err := e.Store.GetJob(ctx, datasetID)
	if errors.Is(err, storage.ErrJobNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return j.ProcessedRows, nil
}

// markRunning moves the job to PROCESSING. StartedAt stamps the entry
// into PROCESSING and holds steady across the steps of one attempt, so
// elapsed-time reporting covers the whole attempt; a fresh attempt
// after a terminal status restamps it.
func (e *Engine) markRunning(ctx context.Context, datasetID, stage string) error {
	j, err := e.Store.GetJob(ctx, datasetID)
	if err != nil && !errors.Is(err, storage.ErrJobNotFound) {
		return err
	}

	status := storage.JobProcessing
	u := storage.JobUpdate{Status: &status, Stage: &stage, ClearError: true}
	if j.StartedAt == nil || j.Status != storage.JobProcessing {
		now := time.Now()
		u.StartedAt = &now
	}
	return e.Store.UpsertJob(ctx, datasetID, u)
}

func (e *Engine) markCancelled(ctx context.Context, datasetID string) error {
	status := storage.JobCancelled
	stage := storage.StageCancelled
	return e.Store.UpsertJob(ctx, datasetID, storage.JobUpdate{Status: &status, Stage: &stage})
}

// finish records the summary, moves the dataset to READY, and closes the
// job with its final row total.
func (e *Engine) finish(ctx context.Context, datasetID string, totalRows int64) error {
	sum, err := e.summarize(ctx, datasetID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(sum)
	if err != nil {
		return err
	}
	if err := e.Store.SetDatasetSummary(ctx, datasetID, string(payload)); err != nil {
		return err
	}

	status := storage.JobReady
	stage := storage.StageDone
	return e.Store.UpsertJob(ctx, datasetID, storage.JobUpdate{
		Status:    &status,
		Stage:     &stage,
		TotalRows: &totalRows,
	})
}

func (e *Engine) summarize(ctx context.Context, datasetID string) (Summary, error) {
	rows, err := e.Store.CountFacts(ctx, datasetID)
	if err != nil {
		return Summary{}, err
	}
	assets, err := e.Store.CountDistinctAssets(ctx, datasetID)
	if err != nil {
		return Summary{}, err
	}
	return Summary{RowCount: rows, AssetCount: assets}, nil
}

func (e *Engine) countRows(datasetID string, inserted, dropped int64) {
	if inserted > 0 {
		metrics.IncCounter(metrics.RowsTotal, float64(inserted), metrics.Labels{"dataset": datasetID, "kind": "inserted"})
	}
	if dropped > 0 {
		metrics.IncCounter(metrics.RowsTotal, float64(dropped), metrics.Labels{"dataset": datasetID, "kind": "dropped"})
	}
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }

// batchAccumulator collects one commit batch. Assets dedupe in place,
// last write wins, while preserving first-appearance order for the
// upsert sequence.
type batchAccumulator struct {
	datasetID string
	limit     int

	facts    []storage.Fact
	assets   []storage.Asset
	assetIdx map[string]int
}

func newBatchAccumulator(datasetID string, limit int) *batchAccumulator {
	return &batchAccumulator{
		datasetID: datasetID,
		limit:     limit,
		facts:     make([]storage.Fact, 0, limit),
		assetIdx:  make(map[string]int),
	}
}

func (b *batchAccumulator) add(f storage.Fact, a storage.Asset, withAsset bool) {
	b.facts = append(b.facts, f)
	if !withAsset {
		return
	}
	if i, ok := b.assetIdx[a.AssetID]; ok {
		b.assets[i] = a
		return
	}
	b.assetIdx[a.AssetID] = len(b.assets)
	b.assets = append(b.assets, a)
}

func (b *batchAccumulator) full() bool  { return len(b.facts) >= b.limit }
func (b *batchAccumulator) empty() bool { return len(b.facts) == 0 && len(b.assets) == 0 }

// commit writes the batch and the checkpoint in one transaction, then
// resets the accumulator. Committing an empty batch still advances the
// checkpoint, which is how runs of dropped rows become durable progress.
func (b *batchAccumulator) commit(ctx context.Context, st storage.Store, processedRows int64) (int64, error) {
	n := int64(len(b.facts))
	if err := st.CommitFactBatch(ctx, b.datasetID, b.assets, b.facts, processedRows); err != nil {
		return 0, err
	}
	b.facts = b.facts[:0]
	b.assets = b.assets[:0]
	clear(b.assetIdx)
	return n, nil
}
