package storage

import (
	"context"
	"fmt"
	"sync"
)

// Config is the minimal configuration needed to create a Store.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is
//     backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// Store is the backend-agnostic durable row store the ingestion core runs on.
//
// IMPORTANT: This interface is intentionally minimal and focused on what the
// ingestion engine, job tracker, and analytics reads need. Each backend
// implements these semantics in its own idiomatic way (Postgres ON CONFLICT,
// SQLite OR REPLACE, SQL Server MERGE-free update-then-insert, etc).
type Store interface {
	// Close releases backend resources. Treat as "call once" at shutdown.
	Close()

	// EnsureSchema creates the datasets/ingest_jobs/assets/facts tables if
	// they do not exist. Idempotent; safe to call at every process start.
	EnsureSchema(ctx context.Context) error

	// ---- dataset registry ----

	CreateDataset(ctx context.Context, d Dataset) error
	// GetDataset returns ErrDatasetNotFound when no row exists.
	GetDataset(ctx context.Context, id string) (Dataset, error)
	ListDatasets(ctx context.Context, includeDeleted bool) ([]Dataset, error)
	RenameDataset(ctx context.Context, id, name string) error
	SetDatasetStatus(ctx context.Context, id, status string) error
	SetDatasetMapping(ctx context.Context, id, mappingJSON string) error
	SetDatasetSize(ctx context.Context, id string, sizeBytes int64) error
	// SetDatasetSummary records the final summary, moves the dataset to
	// READY and clears any prior error in one statement.
	SetDatasetSummary(ctx context.Context, id, summaryJSON string) error
	// SetDatasetError moves the dataset to FAILED with the error text.
	SetDatasetError(ctx context.Context, id, errText string) error
	SoftDeleteDataset(ctx context.Context, id string) error
	RestoreDataset(ctx context.Context, id string) error
	// HardDeleteDataset removes the dataset row plus all dependent job,
	// asset, and fact rows.
	HardDeleteDataset(ctx context.Context, id string) error

	// ---- job tracker ----

	// GetJob returns ErrJobNotFound when no row exists.
	GetJob(ctx context.Context, datasetID string) (Job, error)
	// UpsertJob creates the row on first use (first-write-wins) and
	// otherwise applies the partial update. Concurrent upserts are
	// serialized by the database, not by an in-process lock.
	UpsertJob(ctx context.Context, datasetID string, u JobUpdate) error
	RequestCancel(ctx context.Context, datasetID string) error
	CancelRequested(ctx context.Context, datasetID string) (bool, error)

	// ---- engine writes ----

	// CommitFactBatch applies one commit batch atomically: upsert assets in
	// slice order (last write wins), append facts, and advance the job
	// checkpoint to processedRows. Either everything in the batch is
	// durable or none of it is; the checkpoint can never run ahead of the
	// fact rows it accounts for.
	CommitFactBatch(ctx context.Context, datasetID string, assets []Asset, facts []Fact, processedRows int64) error

	// ClearDatasetRows deletes all facts and assets for the dataset and
	// resets the checkpoint to zero. Used by full-replace ingestion.
	ClearDatasetRows(ctx context.Context, datasetID string) error

	// ---- aggregates / reads ----

	CountFacts(ctx context.Context, datasetID string) (int64, error)
	CountDistinctAssets(ctx context.Context, datasetID string) (int64, error)
	// DistinctDimension returns the sorted distinct non-null values of one
	// of: "year", "scenario", "theme", "indicator".
	DistinctDimension(ctx context.Context, datasetID, dimension string) ([]string, error)
	QueryFacts(ctx context.Context, datasetID string, f FactFilter, limit, offset int) ([]Fact, error)
	TopAssets(ctx context.Context, datasetID string, f FactFilter, n int) ([]TopAsset, error)
	ListAssets(ctx context.Context, datasetID, q string, limit int) ([]Asset, error)
}

// ---- backend factories ----

type factory func(ctx context.Context, cfg Config) (Store, error)

var (
	regMu     sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a store backend under a kind (e.g. "postgres",
// "sqlite"). Call from an init() function in a backend package.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered. This is intentional to fail fast and
//     avoid ambiguous backend selection.
func Register(kind string, f factory) {
	regMu.Lock()
	defer regMu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New constructs a Store using the registered backend factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing Kind")
	}

	regMu.RLock()
	f := factories[cfg.Kind]
	regMu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}
