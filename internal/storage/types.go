package storage

import "time"

// Dataset lifecycle statuses. A dataset's status drives every later
// control-surface decision (what can be retried, stepped, cancelled).
const (
	DatasetUploading  = "UPLOADING"
	DatasetUploaded   = "UPLOADED"
	DatasetProcessing = "PROCESSING"
	DatasetReady      = "READY"
	DatasetFailed     = "FAILED"
)

// Ingest job statuses. Distinct from dataset statuses because the job also
// tracks sub-states ("QUEUED", a sticky cancel request) that the parent
// record never sees.
const (
	JobQueued     = "QUEUED"
	JobProcessing = "PROCESSING"
	JobReady      = "READY"
	JobFailed     = "FAILED"
	JobCancelled  = "CANCELLED"
)

// Job stage labels (free-form phase names surfaced to status polls).
const (
	StageReading   = "reading"
	StageIngesting = "ingesting"
	StageDone      = "done"
	StageError     = "error"
	StageCancelled = "cancelled"
)

// Dataset is the parent record for one uploaded source file.
//
// MappingJSON and SummaryJSON are stored as opaque JSON text; the storage
// layer never interprets them. Mapping semantics live in internal/ingest.
type Dataset struct {
	ID             string
	Name           string
	Status         string
	SourceFilename string
	SizeBytes      int64
	MappingJSON    string // empty = not yet confirmed
	SummaryJSON    string // empty = not yet computed
	Error          string // last attempt error, empty = none
	CreatedAt      time.Time
	DeletedAt      *time.Time // soft-delete marker
}

// Job is the resumable ingestion checkpoint, exactly one per dataset.
//
// ProcessedRows is the resume offset: the count of source data rows whose
// outcome (fact committed or identifier-less drop) is durable. It is advanced
// only inside the same transaction that commits a fact batch, so it can never
// run ahead of durably written rows.
type Job struct {
	DatasetID       string
	Status          string
	Stage           string
	ProcessedRows   int64
	TotalRows       *int64 // known only at completion (full-pass sets it; step-wise sets it on done)
	StartedAt       *time.Time
	UpdatedAt       time.Time
	Error           string
	CancelRequested bool
}

// JobUpdate is a partial update applied by UpsertJob. Nil fields are left
// untouched. ClearError sets the error column to NULL regardless of Error.
type JobUpdate struct {
	Status          *string
	Stage           *string
	ProcessedRows   *int64
	TotalRows       *int64
	StartedAt       *time.Time
	Error           *string
	ClearError      bool
	CancelRequested *bool
}

// Asset is a deduplicated spatial entity referenced by facts.
// (DatasetID, AssetID) is the upsert key.
type Asset struct {
	DatasetID string
	AssetID   string
	Label     string
	Latitude  *float64
	Longitude *float64
}

// Fact is one normalized observation row. Append-only; never updated in
// place. Extra holds source columns not claimed by the mapping, serialized
// to an opaque JSON text column.
type Fact struct {
	DatasetID string
	AssetID   string
	Latitude  *float64
	Longitude *float64
	Year      *int64
	Scenario  *string
	Theme     *string
	Indicator *string
	Value     *float64
	Units     *string
	Extra     map[string]string
}

// FactFilter restricts fact reads by equality sets. Empty slices mean
// "no restriction" for that dimension.
type FactFilter struct {
	AssetIDs   []string
	Years      []int64
	Scenarios  []string
	Themes     []string
	Indicators []string
}

// TopAsset is one row of the MAX(value)-per-asset ranking.
type TopAsset struct {
	AssetID string
	Score   float64
}
