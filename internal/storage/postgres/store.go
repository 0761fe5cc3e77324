package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"riskingest/internal/storage"
)

// Store implements storage.Store for Postgres.
//
// Differences from the SQLite backend:
//   - Timestamps use native TIMESTAMPTZ columns.
//   - Placeholders are numbered ($1..$n); the SQL builders below are pure
//     functions so placeholder numbering can be unit tested without a
//     database.
//   - Asset upserts use INSERT ... ON CONFLICT ... DO UPDATE.
type Store struct {
	pool *pgxpool.Pool
}

func init() {
	storage.Register("postgres", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS datasets (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  status TEXT NOT NULL,
  source_filename TEXT NOT NULL DEFAULT '',
  size_bytes BIGINT NOT NULL DEFAULT 0,
  mapping_json TEXT,
  summary_json TEXT,
  error TEXT,
  created_at TIMESTAMPTZ NOT NULL,
  deleted_at TIMESTAMPTZ
);`,
	`CREATE TABLE IF NOT EXISTS ingest_jobs (
  dataset_id TEXT PRIMARY KEY,
  status TEXT NOT NULL,
  stage TEXT NOT NULL DEFAULT '',
  total_rows BIGINT,
  processed_rows BIGINT NOT NULL DEFAULT 0,
  started_at TIMESTAMPTZ,
  updated_at TIMESTAMPTZ NOT NULL,
  error TEXT,
  cancel_requested BOOLEAN NOT NULL DEFAULT FALSE
);`,
	`CREATE TABLE IF NOT EXISTS assets (
  dataset_id TEXT NOT NULL,
  asset_id TEXT NOT NULL,
  label TEXT,
  latitude DOUBLE PRECISION,
  longitude DOUBLE PRECISION,
  UNIQUE (dataset_id, asset_id)
);`,
	`CREATE TABLE IF NOT EXISTS facts (
  dataset_id TEXT NOT NULL,
  asset_id TEXT NOT NULL,
  latitude DOUBLE PRECISION,
  longitude DOUBLE PRECISION,
  year BIGINT,
  scenario TEXT,
  theme TEXT,
  indicator TEXT,
  value DOUBLE PRECISION,
  units TEXT,
  extra_json TEXT
);`,
	`CREATE INDEX IF NOT EXISTS idx_facts_dataset ON facts (dataset_id);`,
	`CREATE INDEX IF NOT EXISTS idx_facts_dataset_asset ON facts (dataset_id, asset_id);`,
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// ---- dataset registry ----

func (s *Store) CreateDataset(ctx context.Context, d storage.Dataset) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO datasets (id, name, status, source_filename, size_bytes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.Name, d.Status, d.SourceFilename, d.SizeBytes, d.CreatedAt.UTC(),
	)
	return err
}

const datasetColumns = `id, name, status, source_filename, size_bytes, mapping_json, summary_json, error, created_at, deleted_at`

func (s *Store) GetDataset(ctx context.Context, id string) (storage.Dataset, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+datasetColumns+` FROM datasets WHERE id = $1`, id)
	d, err := scanDataset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Dataset{}, storage.ErrDatasetNotFound
	}
	return d, err
}

func (s *Store) ListDatasets(ctx context.Context, includeDeleted bool) ([]storage.Dataset, error) {
	q := `SELECT ` + datasetColumns + ` FROM datasets`
	if !includeDeleted {
		q += ` WHERE deleted_at IS NULL`
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, q)
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
	return s.updateDataset(ctx, `UPDATE datasets SET name = $1 WHERE id = $2`, name, id)
}

func (s *Store) SetDatasetStatus(ctx context.Context, id, status string) error {
	return s.updateDataset(ctx, `UPDATE datasets SET status = $1 WHERE id = $2`, status, id)
}

func (s *Store) SetDatasetMapping(ctx context.Context, id, mappingJSON string) error {
	return s.updateDataset(ctx, `UPDATE datasets SET mapping_json = $1 WHERE id = $2`, mappingJSON, id)
}

func (s *Store) SetDatasetSize(ctx context.Context, id string, sizeBytes int64) error {
	return s.updateDataset(ctx, `UPDATE datasets SET size_bytes = $1 WHERE id = $2`, sizeBytes, id)
}

func (s *Store) SetDatasetSummary(ctx context.Context, id, summaryJSON string) error {
	return s.updateDataset(ctx,
		`UPDATE datasets SET summary_json = $1, status = $2, error = NULL WHERE id = $3`,
		summaryJSON, storage.DatasetReady, id)
}

func (s *Store) SetDatasetError(ctx context.Context, id, errText string) error {
	return s.updateDataset(ctx,
		`UPDATE datasets SET status = $1, error = $2 WHERE id = $3`,
		storage.DatasetFailed, errText, id)
}

func (s *Store) SoftDeleteDataset(ctx context.Context, id string) error {
	return s.updateDataset(ctx, `UPDATE datasets SET deleted_at = NOW() WHERE id = $1`, id)
}

func (s *Store) RestoreDataset(ctx context.Context, id string) error {
	return s.updateDataset(ctx, `UPDATE datasets SET deleted_at = NULL WHERE id = $1`, id)
}

func (s *Store) HardDeleteDataset(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, q := range []string{
		`DELETE FROM facts WHERE dataset_id = $1`,
		`DELETE FROM assets WHERE dataset_id = $1`,
		`DELETE FROM ingest_jobs WHERE dataset_id = $1`,
		`DELETE FROM datasets WHERE id = $1`,
	} {
		if _, err := tx.Exec(ctx, q, id); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) updateDataset(ctx context.Context, q string, args ...any) error {
	cmd, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return storage.ErrDatasetNotFound
	}
	return nil
}

// ---- job tracker ----

func (s *Store) GetJob(ctx context.Context, datasetID string) (storage.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT dataset_id, status, stage, total_rows, processed_rows, started_at, updated_at, error, cancel_requested
		 FROM ingest_jobs WHERE dataset_id = $1`, datasetID)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Job{}, storage.ErrJobNotFound
	}
	return j, err
}

func (s *Store) UpsertJob(ctx context.Context, datasetID string, u storage.JobUpdate) error {
	status := storage.JobQueued
	if u.Status != nil {
		status = *u.Status
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO ingest_jobs (dataset_id, status, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (dataset_id) DO NOTHING`,
		datasetID, status,
	); err != nil {
		return err
	}

	q, args := buildJobUpdateSQL(datasetID, u)
	_, err := s.pool.Exec(ctx, q, args...)
	return err
}

// buildJobUpdateSQL constructs the partial UPDATE and its numbered args.
// Pure so placeholder numbering is unit-testable without a database.
func buildJobUpdateSQL(datasetID string, u storage.JobUpdate) (string, []any) {
	var sets []string
	var args []any
	p := 1
	add := func(col string, v any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, p))
		args = append(args, v)
		p++
	}

	if u.Status != nil {
		add("status", *u.Status)
	}
	if u.Stage != nil {
		add("stage", *u.Stage)
	}
	if u.ProcessedRows != nil {
		add("processed_rows", *u.ProcessedRows)
	}
	if u.TotalRows != nil {
		add("total_rows", *u.TotalRows)
	}
	if u.StartedAt != nil {
		add("started_at", u.StartedAt.UTC())
	}
	if u.ClearError {
		sets = append(sets, "error = NULL")
	} else if u.Error != nil {
		add("error", *u.Error)
	}
	if u.CancelRequested != nil {
		add("cancel_requested", *u.CancelRequested)
	}
	sets = append(sets, "updated_at = NOW()")

	args = append(args, datasetID)
	q := fmt.Sprintf(`UPDATE ingest_jobs SET %s WHERE dataset_id = $%d`, strings.Join(sets, ", "), p)
	return q, args
}

func (s *Store) RequestCancel(ctx context.Context, datasetID string) error {
	t := true
	return s.UpsertJob(ctx, datasetID, storage.JobUpdate{CancelRequested: &t})
}

func (s *Store) CancelRequested(ctx context.Context, datasetID string) (bool, error) {
	var v bool
	err := s.pool.QueryRow(ctx,
		`SELECT cancel_requested FROM ingest_jobs WHERE dataset_id = $1`, datasetID).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return v, err
}

// ---- engine writes ----

func (s *Store) CommitFactBatch(ctx context.Context, datasetID string, assets []storage.Asset, facts []storage.Fact, processedRows int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, a := range assets {
		if _, err := tx.Exec(ctx,
			`INSERT INTO assets (dataset_id, asset_id, label, latitude, longitude)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (dataset_id, asset_id)
			 DO UPDATE SET label = EXCLUDED.label, latitude = EXCLUDED.latitude, longitude = EXCLUDED.longitude`,
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
		if _, err := tx.Exec(ctx, q, args...); err != nil {
			return fmt.Errorf("insert facts: %w", err)
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE ingest_jobs SET processed_rows = $1, updated_at = NOW(), error = NULL WHERE dataset_id = $2`,
		processedRows, datasetID,
	); err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}

	return tx.Commit(ctx)
}

// factInsertChunk caps one multi-row INSERT at 5000 facts. The wire
// protocol limits a statement to 65535 bind parameters and each fact
// binds 11.
const factInsertChunk = 5000

// buildFactInsertSQL constructs a single multi-row INSERT for facts.
// Pure and deterministic so placeholder numbering can be tested directly.
func buildFactInsertSQL(facts []storage.Fact) (string, []any, error) {
	var b strings.Builder
	b.WriteString(`INSERT INTO facts (dataset_id, asset_id, latitude, longitude, year, scenario, theme, indicator, value, units, extra_json) VALUES `)

	args := make([]any, 0, len(facts)*11)
	p := 1
	for i, f := range facts {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := 0; j < 11; j++ {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			p++
		}
		b.WriteString(")")

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
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, q := range []string{
		`DELETE FROM facts WHERE dataset_id = $1`,
		`DELETE FROM assets WHERE dataset_id = $1`,
		`UPDATE ingest_jobs SET processed_rows = 0, updated_at = NOW() WHERE dataset_id = $1`,
	} {
		if _, err := tx.Exec(ctx, q, datasetID); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// ---- aggregates / reads ----

func (s *Store) CountFacts(ctx context.Context, datasetID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM facts WHERE dataset_id = $1`, datasetID).Scan(&n)
	return n, err
}

func (s *Store) CountDistinctAssets(ctx context.Context, datasetID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT asset_id) FROM assets WHERE dataset_id = $1`, datasetID).Scan(&n)
	return n, err
}

func (s *Store) DistinctDimension(ctx context.Context, datasetID, dimension string) ([]string, error) {
	col, err := dimensionColumn(dimension)
	if err != nil {
		return nil, err
	}
	// year is BIGINT; cast so every dimension scans as text.
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT DISTINCT %s::TEXT FROM facts WHERE dataset_id = $1 AND %s IS NOT NULL ORDER BY 1`, col, col),
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
	where, args, p := buildFactWhere(datasetID, f)
	q := fmt.Sprintf(`SELECT dataset_id, asset_id, latitude, longitude, year, scenario, theme, indicator, value, units, extra_json
	 FROM facts WHERE %s ORDER BY asset_id LIMIT $%d OFFSET $%d`, where, p, p+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Fact
	for rows.Next() {
		var fa storage.Fact
		var extra *string
		if err := rows.Scan(&fa.DatasetID, &fa.AssetID, &fa.Latitude, &fa.Longitude, &fa.Year,
			&fa.Scenario, &fa.Theme, &fa.Indicator, &fa.Value, &fa.Units, &extra); err != nil {
			return nil, err
		}
		if extra != nil {
			if fa.Extra, err = storage.UnmarshalExtra(*extra); err != nil {
				return nil, err
			}
		}
		out = append(out, fa)
	}
	return out, rows.Err()
}

func (s *Store) TopAssets(ctx context.Context, datasetID string, f storage.FactFilter, n int) ([]storage.TopAsset, error) {
	where, args, p := buildFactWhere(datasetID, f)
	q := fmt.Sprintf(`SELECT asset_id, MAX(value) AS score FROM facts
	 WHERE %s AND value IS NOT NULL GROUP BY asset_id ORDER BY score DESC LIMIT $%d`, where, p)
	args = append(args, n)

	rows, err := s.pool.Query(ctx, q, args...)
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
	query := `SELECT dataset_id, asset_id, label, latitude, longitude FROM assets WHERE dataset_id = $1`
	args := []any{datasetID}
	p := 2
	if q != "" {
		query += fmt.Sprintf(` AND (asset_id ILIKE $%d OR label ILIKE $%d)`, p, p)
		args = append(args, "%"+q+"%")
		p++
	}
	query += fmt.Sprintf(` ORDER BY asset_id LIMIT $%d`, p)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Asset
	for rows.Next() {
		var a storage.Asset
		var label *string
		if err := rows.Scan(&a.DatasetID, &a.AssetID, &label, &a.Latitude, &a.Longitude); err != nil {
			return nil, err
		}
		if label != nil {
			a.Label = *label
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---- scan / SQL helpers ----

func scanDataset(row pgx.Row) (storage.Dataset, error) {
	var d storage.Dataset
	var mapping, summary, errText *string
	var deletedAt *time.Time

	if err := row.Scan(&d.ID, &d.Name, &d.Status, &d.SourceFilename, &d.SizeBytes,
		&mapping, &summary, &errText, &d.CreatedAt, &deletedAt); err != nil {
		return storage.Dataset{}, err
	}
	if mapping != nil {
		d.MappingJSON = *mapping
	}
	if summary != nil {
		d.SummaryJSON = *summary
	}
	if errText != nil {
		d.Error = *errText
	}
	d.DeletedAt = deletedAt
	return d, nil
}

func scanJob(row pgx.Row) (storage.Job, error) {
	var j storage.Job
	var errText *string

	if err := row.Scan(&j.DatasetID, &j.Status, &j.Stage, &j.TotalRows, &j.ProcessedRows,
		&j.StartedAt, &j.UpdatedAt, &errText, &j.CancelRequested); err != nil {
		return storage.Job{}, err
	}
	if errText != nil {
		j.Error = *errText
	}
	return j, nil
}

// buildFactWhere returns the WHERE body, its args, and the next free
// placeholder number.
func buildFactWhere(datasetID string, f storage.FactFilter) (string, []any, int) {
	var b strings.Builder
	b.WriteString("dataset_id = $1")
	args := []any{datasetID}
	p := 2

	in := func(col string, vals []any) {
		b.WriteString(" AND ")
		b.WriteString(col)
		b.WriteString(" IN (")
		for i := range vals {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			p++
		}
		b.WriteString(")")
		args = append(args, vals...)
	}

	if len(f.AssetIDs) > 0 {
		in("asset_id", toAny(f.AssetIDs))
	}
	if len(f.Years) > 0 {
		in("year", toAny(f.Years))
	}
	if len(f.Scenarios) > 0 {
		in("scenario", toAny(f.Scenarios))
	}
	if len(f.Themes) > 0 {
		in("theme", toAny(f.Themes))
	}
	if len(f.Indicators) > 0 {
		in("indicator", toAny(f.Indicators))
	}
	return b.String(), args, p
}

func toAny[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
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
