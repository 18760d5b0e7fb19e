package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/kiranshivaraju/rasterops/pkg/models"
)

// SQLiteStore implements the Store interface on an embedded SQLite database.
// Timestamps are stored as fixed-width UTC text so they sort lexically.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

// --- Assets ---

func (s *SQLiteStore) CreateAsset(ctx context.Context, asset *models.Asset) error {
	meta := string(asset.Meta)
	if meta == "" {
		meta = "{}"
	}
	var published sql.NullString
	if asset.PublishedAt != nil {
		published = sql.NullString{String: formatTime(*asset.PublishedAt), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assets (`+assetColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		asset.ID.String(), asset.Filename, asset.Kind, asset.Path, meta,
		nullString(asset.GeoserverLayer), nullString(asset.GeoserverStore), published,
		formatTime(asset.CreatedAt))
	if err != nil {
		if isSQLiteConstraint(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create asset: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteAsset(row rowScanner) (*models.Asset, error) {
	var (
		a                      models.Asset
		id, meta, created      string
		layer, store, publishd sql.NullString
	)
	if err := row.Scan(&id, &a.Filename, &a.Kind, &a.Path, &meta, &layer, &store, &publishd, &created); err != nil {
		return nil, err
	}
	var err error
	if a.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse asset id: %w", err)
	}
	if a.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if publishd.Valid {
		t, err := parseTime(publishd.String)
		if err != nil {
			return nil, fmt.Errorf("parse published_at: %w", err)
		}
		a.PublishedAt = &t
	}
	a.Meta = []byte(meta)
	a.GeoserverLayer = stringPtr(layer)
	a.GeoserverStore = stringPtr(store)
	return &a, nil
}

func (s *SQLiteStore) GetAsset(ctx context.Context, id uuid.UUID) (*models.Asset, error) {
	a, err := scanSQLiteAsset(s.db.QueryRowContext(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get asset: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) ListAssets(ctx context.Context) ([]*models.Asset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+assetColumns+` FROM assets ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	assets := []*models.Asset{}
	for rows.Next() {
		a, err := scanSQLiteAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

func (s *SQLiteStore) MarkAssetPublished(ctx context.Context, id uuid.UUID, layer, store string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assets SET geoserver_layer = ?, geoserver_store = ?, published_at = ? WHERE id = ?`,
		layer, store, formatTime(at), id.String())
	if err != nil {
		return fmt.Errorf("mark asset published: %w", err)
	}
	return requireOneRow(res)
}

func (s *SQLiteStore) DeleteAsset(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM assets WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete asset: %w", err)
	}
	return requireOneRow(res)
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Jobs ---

func (s *SQLiteStore) CreateJob(ctx context.Context, job *models.Job) error {
	var output sql.NullString
	if job.OutputAssetID != nil {
		output = sql.NullString{String: job.OutputAssetID.String(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, kind, status, params_json, output_asset_id, message, error_kind, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID.String(), job.Kind, job.Status, string(job.Params), output,
		nullString(job.Message), nullString(job.ErrorKind),
		formatTime(job.CreatedAt), formatTime(job.UpdatedAt))
	if err != nil {
		if isSQLiteConstraint(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var (
		j                         models.Job
		jid, params, created, upd string
		output, msg, kind         sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, status, params_json, output_asset_id, message, error_kind, created_at, updated_at
		 FROM jobs WHERE id = ?`, id.String(),
	).Scan(&jid, &j.Kind, &j.Status, &params, &output, &msg, &kind, &created, &upd)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}

	if j.ID, err = uuid.Parse(jid); err != nil {
		return nil, fmt.Errorf("parse job id: %w", err)
	}
	if output.Valid {
		oid, err := uuid.Parse(output.String)
		if err != nil {
			return nil, fmt.Errorf("parse output asset id: %w", err)
		}
		j.OutputAssetID = &oid
	}
	if j.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if j.UpdatedAt, err = parseTime(upd); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	j.Params = []byte(params)
	j.Message = stringPtr(msg)
	j.ErrorKind = stringPtr(kind)
	return &j, nil
}

func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	params := ApplyJobUpdate(opts...)

	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{status, formatTime(time.Now())}
	if params.Message != nil {
		sets = append(sets, "message = ?")
		args = append(args, *params.Message)
	}
	if params.ErrorKind != nil {
		sets = append(sets, "error_kind = ?")
		args = append(args, *params.ErrorKind)
	}
	if params.OutputAssetID != nil {
		sets = append(sets, "output_asset_id = ?")
		args = append(args, params.OutputAssetID.String())
	}

	from := sourceStatuses(status)
	args = append(args, id.String())
	cond := "0"
	if len(from) > 0 {
		cond = "status IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ") + ")"
		for _, f := range from {
			args = append(args, f)
		}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE id = ? AND `+cond, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id.String()).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
}

// isSQLiteConstraint reports a primary key or unique violation.
func isSQLiteConstraint(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
