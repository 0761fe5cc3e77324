package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"riskingest/internal/storage"
)

// Store implements storage.Store for Microsoft SQL Server.
//
// Notes vs the other backends:
//   - Parameters are numbered @p1..@pN; the builders keep numbering explicit.
//   - Asset upserts avoid MERGE: UPDATE first, INSERT when no row matched.
//     Both statements run inside the batch transaction, so concurrent
//     writers for the same dataset are already excluded by design.
//   - Timestamps use DATETIMEOFFSET and GETUTCDATE().
type Store struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlserver", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// newWithDB wires an existing *sql.DB; used by tests with sqlmock.
func newWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() { _ = s.db.Close() }

var schemaStatements = []string{
	`IF OBJECT_ID('datasets', 'U') IS NULL
CREATE TABLE datasets (
  id NVARCHAR(64) PRIMARY KEY,
  name NVARCHAR(400) NOT NULL,
  status NVARCHAR(32) NOT NULL,
  source_filename NVARCHAR(400) NOT NULL DEFAULT '',
  size_bytes BIGINT NOT NULL DEFAULT 0,
  mapping_json NVARCHAR(MAX),
  summary_json NVARCHAR(MAX),
  error NVARCHAR(MAX),
  created_at DATETIMEOFFSET NOT NULL,
  deleted_at DATETIMEOFFSET
);`,
	`IF OBJECT_ID('ingest_jobs', 'U') IS NULL
CREATE TABLE ingest_jobs (
  dataset_id NVARCHAR(64) PRIMARY KEY,
  status NVARCHAR(32) NOT NULL,
  stage NVARCHAR(64) NOT NULL DEFAULT '',
  total_rows BIGINT,
  processed_rows BIGINT NOT NULL DEFAULT 0,
  started_at DATETIMEOFFSET,
  updated_at DATETIMEOFFSET NOT NULL,
  error NVARCHAR(MAX),
  cancel_requested BIT NOT NULL DEFAULT 0
);`,
	`IF OBJECT_ID('assets', 'U') IS NULL
CREATE TABLE assets (
  dataset_id NVARCHAR(64) NOT NULL,
  asset_id NVARCHAR(200) NOT NULL,
  label NVARCHAR(400),
  latitude FLOAT,
  longitude FLOAT,
  CONSTRAINT uq_assets UNIQUE (dataset_id, asset_id)
);`,
	`IF OBJECT_ID('facts', 'U') IS NULL
CREATE TABLE facts (
  dataset_id NVARCHAR(64) NOT NULL,
  asset_id NVARCHAR(200) NOT NULL,
  latitude FLOAT,
  longitude FLOAT,
  year BIGINT,
  scenario NVARCHAR(200),
  theme NVARCHAR(200),
  indicator NVARCHAR(200),
  value FLOAT,
  units NVARCHAR(100),
  extra_json NVARCHAR(MAX)
);`,
	`IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = 'idx_facts_dataset')
CREATE INDEX idx_facts_dataset ON facts (dataset_id);`,
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
		`INSERT INTO datasets (id, name, status, source_filename, size_bytes, created_at)
		 VALUES (@p1, @p2, @p3, @p4, @p5, @p6)`,
		d.ID, d.Name, d.Status, d.SourceFilename, d.SizeBytes, d.CreatedAt.UTC(),
	)
	return err
}

const datasetColumns = `id, name, status, source_filename, size_bytes, mapping_json, summary_json, error, created_at, deleted_at`

func (s *Store) GetDataset(ctx context.Context, id string) (storage.Dataset, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+datasetColumns+` FROM datasets WHERE id = @p1`, id)
	d, err := scanDataset(row)
	if errors.Is(err, sql.ErrNoRows) {
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
	return s.updateDataset(ctx, `UPDATE datasets SET name = @p1 WHERE id = @p2`, name, id)
}

func (s *Store) SetDatasetStatus(ctx context.Context, id, status string) error {
	return s.updateDataset(ctx, `UPDATE datasets SET status = @p1 WHERE id = @p2`, status, id)
}

func (s *Store) SetDatasetMapping(ctx context.Context, id, mappingJSON string) error {
	return s.updateDataset(ctx, `UPDATE datasets SET mapping_json = @p1 WHERE id = @p2`, mappingJSON, id)
}

func (s *Store) SetDatasetSize(ctx context.Context, id string, sizeBytes int64) error {
	return s.updateDataset(ctx, `UPDATE datasets SET size_bytes = @p1 WHERE id = @p2`, sizeBytes, id)
}

func (s *Store) SetDatasetSummary(ctx context.Context, id, summaryJSON string) error {
	return s.updateDataset(ctx,
		`UPDATE datasets SET summary_json = @p1, status = @p2, error = NULL WHERE id = @p3`,
		summaryJSON, storage.DatasetReady, id)
}

func (s *Store) SetDatasetError(ctx context.Context, id, errText string) error {
	return s.updateDataset(ctx,
		`UPDATE datasets SET status = @p1, error = @p2 WHERE id = @p3`,
		storage.DatasetFailed, errText, id)
}

func (s *Store) SoftDeleteDataset(ctx context.Context, id string) error {
	return s.updateDataset(ctx, `UPDATE datasets SET deleted_at = GETUTCDATE() WHERE id = @p1`, id)
}

func (s *Store) RestoreDataset(ctx context.Context, id string) error {
	return s.updateDataset(ctx, `UPDATE datasets SET deleted_at = NULL WHERE id = @p1`, id)
}

func (s *Store) HardDeleteDataset(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM facts WHERE dataset_id = @p1`,
		`DELETE FROM assets WHERE dataset_id = @p1`,
		`DELETE FROM ingest_jobs WHERE dataset_id = @p1`,
		`DELETE FROM datasets WHERE id = @p1`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) updateDataset(ctx context.Context, q string, args ...any) error {
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
		 FROM ingest_jobs WHERE dataset_id = @p1`, datasetID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Job{}, storage.ErrJobNotFound
	}
	return j, err
}

func (s *Store) UpsertJob(ctx context.Context, datasetID string, u storage.JobUpdate) error {
	status := storage.JobQueued
	if u.Status != nil {
		status = *u.Status
	}
	if _, err := s.db.ExecContext(ctx,
		`IF NOT EXISTS (SELECT 1 FROM ingest_jobs WHERE dataset_id = @p1)
		 INSERT INTO ingest_jobs (dataset_id, status, updated_at) VALUES (@p1, @p2, GETUTCDATE())`,
		datasetID, status,
	); err != nil {
		return err
	}

	q, args := buildJobUpdateSQL(datasetID, u)
	_, err := s.db.ExecContext(ctx, q, args...)
	return err
}

func buildJobUpdateSQL(datasetID string, u storage.JobUpdate) (string, []any) {
	var sets []string
	var args []any
	p := 1
	add := func(col string, v any) {
		sets = append(sets, fmt.Sprintf("%s = @p%d", col, p))
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
	sets = append(sets, "updated_at = GETUTCDATE()")

	args = append(args, datasetID)
	q := fmt.Sprintf(`UPDATE ingest_jobs SET %s WHERE dataset_id = @p%d`, strings.Join(sets, ", "), p)
	return q, args
}

func (s *Store) RequestCancel(ctx context.Context, datasetID string) error {
	t := true
	return s.UpsertJob(ctx, datasetID, storage.JobUpdate{CancelRequested: &t})
}

func (s *Store) CancelRequested(ctx context.Context, datasetID string) (bool, error) {
	var v bool
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM ingest_jobs WHERE dataset_id = @p1`, datasetID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return v, err
}

// ---- engine writes ----

func (s *Store) CommitFactBatch(ctx context.Context, datasetID string, assets []storage.Asset, facts []storage.Fact, processedRows int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, a := range assets {
		res, err := tx.ExecContext(ctx,
			`UPDATE assets SET label = @p1, latitude = @p2, longitude = @p3
			 WHERE dataset_id = @p4 AND asset_id = @p5`,
			a.Label, a.Latitude, a.Longitude, a.DatasetID, a.AssetID,
		)
		if err != nil {
			return fmt.Errorf("update asset %s: %w", a.AssetID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO assets (dataset_id, asset_id, label, latitude, longitude)
				 VALUES (@p1, @p2, @p3, @p4, @p5)`,
				a.DatasetID, a.AssetID, a.Label, a.Latitude, a.Longitude,
			); err != nil {
				return fmt.Errorf("insert asset %s: %w", a.AssetID, err)
			}
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

	if _, err := tx.ExecContext(ctx,
		`UPDATE ingest_jobs SET processed_rows = @p1, updated_at = GETUTCDATE(), error = NULL WHERE dataset_id = @p2`,
		processedRows, datasetID,
	); err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}

	return tx.Commit()
}

// factInsertChunk caps one multi-row INSERT at 190 facts. SQL Server
// limits a request to 2100 parameters (11 per fact here) and an
// INSERT ... VALUES list to 1000 row constructors, so a full default
// batch of 2000 facts must span several statements inside the
// transaction.
const factInsertChunk = 190

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
			fmt.Fprintf(&b, "@p%d", p)
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM facts WHERE dataset_id = @p1`,
		`DELETE FROM assets WHERE dataset_id = @p1`,
		`UPDATE ingest_jobs SET processed_rows = 0, updated_at = GETUTCDATE() WHERE dataset_id = @p1`,
	} {
		if _, err := tx.ExecContext(ctx, q, datasetID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ---- aggregates / reads ----

func (s *Store) CountFacts(ctx context.Context, datasetID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM facts WHERE dataset_id = @p1`, datasetID).Scan(&n)
	return n, err
}

func (s *Store) CountDistinctAssets(ctx context.Context, datasetID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT asset_id) FROM assets WHERE dataset_id = @p1`, datasetID).Scan(&n)
	return n, err
}

func (s *Store) DistinctDimension(ctx context.Context, datasetID, dimension string) ([]string, error) {
	col, err := dimensionColumn(dimension)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT DISTINCT CAST(%s AS NVARCHAR(200)) FROM facts WHERE dataset_id = @p1 AND %s IS NOT NULL ORDER BY 1`, col, col),
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
	 FROM facts WHERE %s ORDER BY asset_id OFFSET @p%d ROWS FETCH NEXT @p%d ROWS ONLY`, where, p, p+1)
	args = append(args, offset, limit)

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
	where, args, p := buildFactWhere(datasetID, f)
	q := fmt.Sprintf(`SELECT TOP (@p%d) asset_id, MAX(value) AS score FROM facts
	 WHERE %s AND value IS NOT NULL GROUP BY asset_id ORDER BY score DESC`, p, where)
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
	query := `SELECT TOP (@p1) dataset_id, asset_id, label, latitude, longitude FROM assets WHERE dataset_id = @p2`
	args := []any{limit, datasetID}
	if q != "" {
		query += ` AND (asset_id LIKE @p3 OR label LIKE @p3)`
		args = append(args, "%"+q+"%")
	}
	query += ` ORDER BY asset_id`

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
	var mapping, summary, errText sql.NullString
	var deletedAt sql.NullTime

	if err := r.Scan(&d.ID, &d.Name, &d.Status, &d.SourceFilename, &d.SizeBytes,
		&mapping, &summary, &errText, &d.CreatedAt, &deletedAt); err != nil {
		return storage.Dataset{}, err
	}
	d.MappingJSON = mapping.String
	d.SummaryJSON = summary.String
	d.Error = errText.String
	if deletedAt.Valid {
		t := deletedAt.Time
		d.DeletedAt = &t
	}
	return d, nil
}

func scanJob(r rowScanner) (storage.Job, error) {
	var j storage.Job
	var totalRows sql.NullInt64
	var startedAt sql.NullTime
	var errText sql.NullString

	if err := r.Scan(&j.DatasetID, &j.Status, &j.Stage, &totalRows, &j.ProcessedRows,
		&startedAt, &j.UpdatedAt, &errText, &j.CancelRequested); err != nil {
		return storage.Job{}, err
	}
	if totalRows.Valid {
		j.TotalRows = &totalRows.Int64
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	j.Error = errText.String
	return j, nil
}

func buildFactWhere(datasetID string, f storage.FactFilter) (string, []any, int) {
	var b strings.Builder
	b.WriteString("dataset_id = @p1")
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
			fmt.Fprintf(&b, "@p%d", p)
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
