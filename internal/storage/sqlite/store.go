package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"riskingest/internal/storage"
)

// Store implements storage.Store on SQLite.
//
// Key design points:
//   - SQLite has no native timestamp type; timestamps are stored as
//     RFC3339Nano TEXT for reliable round-trip behavior and easy debugging.
//   - assets carries UNIQUE(dataset_id, asset_id) so the per-row upsert can
//     use ON CONFLICT DO UPDATE (last write wins).
//   - CommitFactBatch runs assets + facts + checkpoint in one transaction;
//     SQLite serializes writers, which is exactly the durability unit the
//     engine needs.
type Store struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	// A single writer connection avoids SQLITE_BUSY between the engine's
	// batch commits and concurrent status polls.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() { _ = s.db.Close() }

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS datasets (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  status TEXT NOT NULL,
  source_filename TEXT NOT NULL DEFAULT '',
  size_bytes INTEGER NOT NULL DEFAULT 0,
  mapping_json TEXT,
  summary_json TEXT,
  error TEXT,
  created_at TEXT NOT NULL,
  deleted_at TEXT
);`,
	`CREATE TABLE IF NOT EXISTS ingest_jobs (
  dataset_id TEXT PRIMARY KEY,
  status TEXT NOT NULL,
  stage TEXT NOT NULL DEFAULT '',
  total_rows INTEGER,
  processed_rows INTEGER NOT NULL DEFAULT 0,
  started_at TEXT,
  updated_at TEXT NOT NULL,
  error TEXT,
  cancel_requested INTEGER NOT NULL DEFAULT 0
);`,
	`CREATE TABLE IF NOT EXISTS assets (
  dataset_id TEXT NOT NULL,
  asset_id TEXT NOT NULL,
  label TEXT,
  latitude REAL,
  longitude REAL,
  UNIQUE (dataset_id, asset_id)
);`,
	`CREATE TABLE IF NOT EXISTS facts (
  dataset_id TEXT NOT NULL,
  asset_id TEXT NOT NULL,
  latitude REAL,
  longitude REAL,
  year INTEGER,
  scenario TEXT,
  theme TEXT,
  indicator TEXT,
  value REAL,
  units TEXT,
  extra_json TEXT
);`,
	`CREATE INDEX IF NOT EXISTS idx_facts_dataset ON facts (dataset_id);`,
	`CREATE INDEX IF NOT EXISTS idx_facts_dataset_asset ON facts (dataset_id, asset_id);`,
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// ---- dataset registry ----

func (s *Store) CreateDataset(ctx context.Context, d storage.Dataset) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO datasets (id, name, status, source_filename, size_bytes, mapping_json, summary_json, error, created_at, deleted_at)
		 VALUES (?, ?, ?, ?, ?, NULL, NULL, NULL, ?, NULL)`,
		d.ID, d.Name, d.Status, d.SourceFilename, d.SizeBytes, formatTime(d.CreatedAt),
	)
	return err
}

func (s *Store) GetDataset(ctx context.Context, id string) (storage.Dataset, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, status, source_filename, size_bytes, mapping_json, summary_json, error, created_at, deleted_at
		 FROM datasets WHERE id = ?`, id)
	d, err := scanDataset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Dataset{}, storage.ErrDatasetNotFound
	}
	return d, err
}

func (s *Store) ListDatasets(ctx context.Context, includeDeleted bool) ([]storage.Dataset, error) {
	q := `SELECT id, name, status, source_filename, size_bytes, mapping_json, summary_json, error, created_at, deleted_at
	      FROM datasets`
	if !includeDeleted {
		q += ` WHERE deleted_at IS NULL`
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Dataset
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) RenameDataset(ctx context.Context, id, name string) error {
	return s.updateDataset(ctx, id, `UPDATE datasets SET name = ? WHERE id = ?`, name, id)
}

func (s *Store) SetDatasetStatus(ctx context.Context, id, status string) error {
	return s.updateDataset(ctx, id, `UPDATE datasets SET status = ? WHERE id = ?`, status, id)
}

func (s *Store) SetDatasetMapping(ctx context.Context, id, mappingJSON string) error {
	return s.updateDataset(ctx, id, `UPDATE datasets SET mapping_json = ? WHERE id = ?`, mappingJSON, id)
}

func (s *Store) SetDatasetSize(ctx context.Context, id string, sizeBytes int64) error {
	return s.updateDataset(ctx, id, `UPDATE datasets SET size_bytes = ? WHERE id = ?`, sizeBytes, id)
}

func (s *Store) SetDatasetSummary(ctx context.Context, id, summaryJSON string) error {
	return s.updateDataset(ctx, id,
		`UPDATE datasets SET summary_json = ?, status = ?, error = NULL WHERE id = ?`,
		summaryJSON, storage.DatasetReady, id)
}

func (s *Store) SetDatasetError(ctx context.Context, id, errText string) error {
	return s.updateDataset(ctx, id,
		`UPDATE datasets SET status = ?, error = ? WHERE id = ?`,
		storage.DatasetFailed, errText, id)
}

func (s *Store) SoftDeleteDataset(ctx context.Context, id string) error {
	return s.updateDataset(ctx, id,
		`UPDATE datasets SET deleted_at = ? WHERE id = ?`, formatTime(time.Now()), id)
}

func (s *Store) RestoreDataset(ctx context.Context, id string) error {
	return s.updateDataset(ctx, id, `UPDATE datasets SET deleted_at = NULL WHERE id = ?`, id)
}

func (s *Store) HardDeleteDataset(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM facts WHERE dataset_id = ?`,
		`DELETE FROM assets WHERE dataset_id = ?`,
		`DELETE FROM ingest_jobs WHERE dataset_id = ?`,
		`DELETE FROM datasets WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) updateDataset(ctx context.Context, id, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrDatasetNotFound
	}
	return nil
}

// ---- job tracker ----

func (s *Store) GetJob(ctx context.Context, datasetID string) (storage.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT dataset_id, status, stage, total_rows, processed_rows, started_at, updated_at, error, cancel_requested
		 FROM ingest_jobs WHERE dataset_id = ?`, datasetID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Job{}, storage.ErrJobNotFound
	}
	return j, err
}

// UpsertJob creates the job row on first use and otherwise applies the
// partial update. The INSERT path ignores a concurrent create (first write
// wins) and falls through to the UPDATE.
func (s *Store) UpsertJob(ctx context.Context, datasetID string, u storage.JobUpdate) error {
	now := formatTime(time.Now())

	status := storage.JobQueued
	if u.Status != nil {
		status = *u.Status
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO ingest_jobs (dataset_id, status, stage, total_rows, processed_rows, started_at, updated_at, error, cancel_requested)
		 VALUES (?, ?, '', NULL, 0, NULL, ?, NULL, 0)`,
		datasetID, status, now)
	if err != nil {
		return err
	}

	sets, args := buildJobSets(u)
	sets = append(sets, "updated_at = ?")
	args = append(args, now, datasetID)

	_, err = s.db.ExecContext(ctx,
		`UPDATE ingest_jobs SET `+strings.Join(sets, ", ")+` WHERE dataset_id = ?`, args...)
	return err
}

func buildJobSets(u storage.JobUpdate) (sets []string, args []any) {
	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *u.Status)
	}
	if u.Stage != nil {
		sets = append(sets, "stage = ?")
		args = append(args, *u.Stage)
	}
	if u.ProcessedRows != nil {
		sets = append(sets, "processed_rows = ?")
		args = append(args, *u.ProcessedRows)
	}
	if u.TotalRows != nil {
		sets = append(sets, "total_rows = ?")
		args = append(args, *u.TotalRows)
	}
	if u.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, formatTime(*u.StartedAt))
	}
	if u.ClearError {
		sets = append(sets, "error = NULL")
	} else if u.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *u.Error)
	}
	if u.CancelRequested != nil {
		sets = append(sets, "cancel_requested = ?")
		args = append(args, boolToInt(*u.CancelRequested))
	}
	return sets, args
}

func (s *Store) RequestCancel(ctx context.Context, datasetID string) error {
	t := true
	return s.UpsertJob(ctx, datasetID, storage.JobUpdate{CancelRequested: &t})
}

func (s *Store) CancelRequested(ctx context.Context, datasetID string) (bool, error) {
	var v int
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM ingest_jobs WHERE dataset_id = ?`, datasetID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// ---- engine writes ----

func (s *Store) CommitFactBatch(ctx context.Context, datasetID string, assets []storage.Asset, facts []storage.Fact, processedRows int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Asset upserts run in slice order so later occurrences of the same
	// (dataset, asset id) win.
	for _, a := range assets {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO assets (dataset_id, asset_id, label, latitude, longitude)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (dataset_id, asset_id)
			 DO UPDATE SET label = excluded.label, latitude = excluded.latitude, longitude = excluded.longitude`,
			a.DatasetID, a.AssetID, a.Label, a.Latitude, a.Longitude,
		); err != nil {
			return fmt.Errorf("upsert asset %s: %w", a.AssetID, err)
		}
	}

	for start := 0; start < len(facts); start += factInsertChunk {
		q, args, err := buildFactInsertSQL(facts[start:min(start+factInsertChunk, len(facts))])
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("insert facts: %w", err)
		}
	}

	// Checkpoint advance is part of the same transaction. A successful
	// commit also clears any stale error from a prior failed attempt.
	if _, err := tx.ExecContext(ctx,
		`UPDATE ingest_jobs SET processed_rows = ?, updated_at = ?, error = NULL WHERE dataset_id = ?`,
		processedRows, formatTime(time.Now()), datasetID,
	); err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}

	return tx.Commit()
}

// factInsertChunk caps one multi-row INSERT at 2900 facts. SQLite
// allows 32766 bound variables per statement and each fact binds 11,
// so a configured batch size above ~2978 would otherwise fail.
const factInsertChunk = 2900

func buildFactInsertSQL(facts []storage.Fact) (string, []any, error) {
	var b strings.Builder
	b.WriteString(`INSERT INTO facts (dataset_id, asset_id, latitude, longitude, year, scenario, theme, indicator, value, units, extra_json) VALUES `)

	args := make([]any, 0, len(facts)*11)
	for i, f := range facts {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?,?,?,?,?,?,?,?,?,?,?)")
		extra, err := storage.MarshalExtra(f.Extra)
		if err != nil {
			return "", nil, fmt.Errorf("marshal extra: %w", err)
		}
		args = append(args, f.DatasetID, f.AssetID, f.Latitude, f.Longitude, f.Year,
			f.Scenario, f.Theme, f.Indicator, f.Value, f.Units, nullString(extra))
	}
	return b.String(), args, nil
}

func (s *Store) ClearDatasetRows(ctx context.Context, datasetID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM facts WHERE dataset_id = ?`,
		`DELETE FROM assets WHERE dataset_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, datasetID); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE ingest_jobs SET processed_rows = 0, updated_at = ? WHERE dataset_id = ?`,
		formatTime(time.Now()), datasetID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// ---- aggregates / reads ----

func (s *Store) CountFacts(ctx context.Context, datasetID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM facts WHERE dataset_id = ?`, datasetID).Scan(&n)
	return n, err
}

func (s *Store) CountDistinctAssets(ctx context.Context, datasetID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT asset_id) FROM assets WHERE dataset_id = ?`, datasetID).Scan(&n)
	return n, err
}

func (s *Store) DistinctDimension(ctx context.Context, datasetID, dimension string) ([]string, error) {
	col, err := dimensionColumn(dimension)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT DISTINCT %s FROM facts WHERE dataset_id = ? AND %s IS NOT NULL ORDER BY %s`, col, col, col),
		datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) QueryFacts(ctx context.Context, datasetID string, f storage.FactFilter, limit, offset int) ([]storage.Fact, error) {
	where, args := factWhere(datasetID, f)
	q := `SELECT dataset_id, asset_id, latitude, longitude, year, scenario, theme, indicator, value, units, extra_json
	      FROM facts WHERE ` + where + ` ORDER BY asset_id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Fact
	for rows.Next() {
		var fa storage.Fact
		var extra sql.NullString
		if err := rows.Scan(&fa.DatasetID, &fa.AssetID, &fa.Latitude, &fa.Longitude, &fa.Year,
			&fa.Scenario, &fa.Theme, &fa.Indicator, &fa.Value, &fa.Units, &extra); err != nil {
			return nil, err
		}
		if extra.Valid {
			if fa.Extra, err = storage.UnmarshalExtra(extra.String); err != nil {
				return nil, err
			}
		}
		out = append(out, fa)
	}
	return out, rows.Err()
}

func (s *Store) TopAssets(ctx context.Context, datasetID string, f storage.FactFilter, n int) ([]storage.TopAsset, error) {
	where, args := factWhere(datasetID, f)
	q := `SELECT asset_id, MAX(value) AS score FROM facts WHERE ` + where +
		` AND value IS NOT NULL GROUP BY asset_id ORDER BY score DESC LIMIT ?`
	args = append(args, n)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.TopAsset
	for rows.Next() {
		var t storage.TopAsset
		if err := rows.Scan(&t.AssetID, &t.Score); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) ListAssets(ctx context.Context, datasetID, q string, limit int) ([]storage.Asset, error) {
	query := `SELECT dataset_id, asset_id, label, latitude, longitude FROM assets WHERE dataset_id = ?`
	args := []any{datasetID}
	if q != "" {
		query += ` AND (asset_id LIKE ? OR label LIKE ?)`
		pat := "%" + q + "%"
		args = append(args, pat, pat)
	}
	query += ` ORDER BY asset_id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Asset
	for rows.Next() {
		var a storage.Asset
		var label sql.NullString
		if err := rows.Scan(&a.DatasetID, &a.AssetID, &label, &a.Latitude, &a.Longitude); err != nil {
			return nil, err
		}
		a.Label = label.String
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---- scan / SQL helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDataset(r rowScanner) (storage.Dataset, error) {
	var d storage.Dataset
	var mapping, summary, errText, deletedAt sql.NullString
	var createdAt string

	if err := r.Scan(&d.ID, &d.Name, &d.Status, &d.SourceFilename, &d.SizeBytes,
		&mapping, &summary, &errText, &createdAt, &deletedAt); err != nil {
		return storage.Dataset{}, err
	}

	d.MappingJSON = mapping.String
	d.SummaryJSON = summary.String
	d.Error = errText.String

	ts, err := parseTime(createdAt)
	if err != nil {
		return storage.Dataset{}, fmt.Errorf("datasets.created_at: %w", err)
	}
	d.CreatedAt = ts

	if deletedAt.Valid {
		ts, err := parseTime(deletedAt.String)
		if err != nil {
			return storage.Dataset{}, fmt.Errorf("datasets.deleted_at: %w", err)
		}
		d.DeletedAt = &ts
	}
	return d, nil
}

func scanJob(r rowScanner) (storage.Job, error) {
	var j storage.Job
	var totalRows sql.NullInt64
	var startedAt, errText sql.NullString
	var updatedAt string
	var cancel int

	if err := r.Scan(&j.DatasetID, &j.Status, &j.Stage, &totalRows, &j.ProcessedRows,
		&startedAt, &updatedAt, &errText, &cancel); err != nil {
		return storage.Job{}, err
	}

	if totalRows.Valid {
		j.TotalRows = &totalRows.Int64
	}
	if startedAt.Valid {
		ts, err := parseTime(startedAt.String)
		if err != nil {
			return storage.Job{}, fmt.Errorf("ingest_jobs.started_at: %w", err)
		}
		j.StartedAt = &ts
	}
	ts, err := parseTime(updatedAt)
	if err != nil {
		return storage.Job{}, fmt.Errorf("ingest_jobs.updated_at: %w", err)
	}
	j.UpdatedAt = ts
	j.Error = errText.String
	j.CancelRequested = cancel != 0
	return j, nil
}

func factWhere(datasetID string, f storage.FactFilter) (string, []any) {
	var b strings.Builder
	b.WriteString("dataset_id = ?")
	args := []any{datasetID}

	in := func(col string, n int) {
		b.WriteString(" AND ")
		b.WriteString(col)
		b.WriteString(" IN (")
		b.WriteString(strings.TrimRight(strings.Repeat("?,", n), ","))
		b.WriteString(")")
	}

	if len(f.AssetIDs) > 0 {
		in("asset_id", len(f.AssetIDs))
		for _, v := range f.AssetIDs {
			args = append(args, v)
		}
	}
	if len(f.Years) > 0 {
		in("year", len(f.Years))
		for _, v := range f.Years {
			args = append(args, v)
		}
	}
	if len(f.Scenarios) > 0 {
		in("scenario", len(f.Scenarios))
		for _, v := range f.Scenarios {
			args = append(args, v)
		}
	}
	if len(f.Themes) > 0 {
		in("theme", len(f.Themes))
		for _, v := range f.Themes {
			args = append(args, v)
		}
	}
	if len(f.Indicators) > 0 {
		in("indicator", len(f.Indicators))
		for _, v := range f.Indicators {
			args = append(args, v)
		}
	}
	return b.String(), args
}

func dimensionColumn(dimension string) (string, error) {
	switch dimension {
	case "year", "scenario", "theme", "indicator":
		return dimension, nil
	default:
		return "", fmt.Errorf("unknown fact dimension %q", dimension)
	}
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// formatTime formats a time as RFC3339Nano in UTC.
// We store timestamps as TEXT for reliable scanning/parsing with modernc.org/sqlite.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses timestamps returned by SQLite into time.Time.
//
// Supported formats:
//   - RFC3339Nano (what we write)
//   - RFC3339
//   - "2006-01-02 15:04:05" (interpreted as UTC; written by other tools)
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	if ts, err := time.ParseInLocation("2006-01-02 15:04:05", s, time.UTC); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}
