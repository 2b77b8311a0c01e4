package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"ramsis/internal/domain"
	logx "ramsis/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func ms(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

// ---- runs ----

func (s *sqliteStore) CreateRun(ctx context.Context, r *domain.ForecastRun) error {
	return s.putRun(ctx, r)
}

func (s *sqliteStore) UpdateRun(ctx context.Context, r *domain.ForecastRun) error {
	return s.putRun(ctx, r)
}

func (s *sqliteStore) putRun(ctx context.Context, r *domain.ForecastRun) error {
	if r == nil || r.ID == "" {
		return errors.New("run id is required")
	}
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs(id, project, series_id, t_run, status, body, updated_at) VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET project=excluded.project, series_id=excluded.series_id,
		   t_run=excluded.t_run, status=excluded.status, body=excluded.body, updated_at=excluded.updated_at`,
		r.ID, r.Project, nullStr(r.SeriesID), ms(r.TRun), string(r.Status), string(body), ms(time.Now()),
	)
	return err
}

func (s *sqliteStore) GetRun(ctx context.Context, id string) (*domain.ForecastRun, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM runs WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var r domain.ForecastRun
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("run %s: decode: %w", id, err)
	}
	return &r, nil
}

func (s *sqliteStore) ListRuns(ctx context.Context, f RunFilter) ([]*domain.ForecastRun, error) {
	q := `SELECT body FROM runs WHERE 1=1`
	var args []any
	if f.Project != "" {
		q += ` AND project = ?`
		args = append(args, f.Project)
	}
	if f.SeriesID != "" {
		q += ` AND series_id = ?`
		args = append(args, f.SeriesID)
	}
	q += ` ORDER BY t_run DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ForecastRun
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var r domain.ForecastRun
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ---- rates ----

func (s *sqliteStore) AppendRate(ctx context.Context, r domain.RateEstimate) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO rates(project, at, body) VALUES(?,?,?)`, r.Project, ms(r.At), string(body))
	return err
}

func (s *sqliteStore) ListRates(ctx context.Context, project string, limit int) ([]domain.RateEstimate, error) {
	q := `SELECT body FROM rates WHERE project = ? ORDER BY at ASC, rowid ASC`
	args := []any{project}
	if limit > 0 {
		q = `SELECT body FROM (SELECT body, at, rowid FROM rates WHERE project = ? ORDER BY at DESC, rowid DESC LIMIT ?) ORDER BY at ASC, rowid ASC`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RateEstimate
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var r domain.RateEstimate
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- series ----

func (s *sqliteStore) PutSeries(ctx context.Context, fs *domain.ForecastSeries) error {
	if fs == nil || fs.ID == "" {
		return errors.New("series id is required")
	}
	body, err := json.Marshal(fs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO series(id, name, body, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, body=excluded.body, updated_at=excluded.updated_at`,
		fs.ID, fs.Name, string(body), ms(time.Now()),
	)
	return err
}

func (s *sqliteStore) GetSeries(ctx context.Context, id string) (*domain.ForecastSeries, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM series WHERE id = ? OR name = ? LIMIT 1`, id, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("series %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var fs domain.ForecastSeries
	if err := json.Unmarshal([]byte(body), &fs); err != nil {
		return nil, fmt.Errorf("series %s: decode: %w", id, err)
	}
	return &fs, nil
}

func (s *sqliteStore) ListSeries(ctx context.Context) ([]*domain.ForecastSeries, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM series ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ForecastSeries
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var fs domain.ForecastSeries
		if err := json.Unmarshal([]byte(body), &fs); err != nil {
			return nil, err
		}
		out = append(out, &fs)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteSeries(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM series WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("series %s: %w", id, ErrNotFound)
	}
	return nil
}

// ---- claims ----

func (s *sqliteStore) ClaimForecast(ctx context.Context, seriesID string, start time.Time, runID string) (bool, string, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO forecast_claims(series_id, starttime, run_id, claimed_at) VALUES(?,?,?,?)
		 ON CONFLICT(series_id, starttime) DO NOTHING`,
		seriesID, ms(start), runID, ms(time.Now()),
	)
	if err != nil {
		return false, "", err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, runID, nil
	}
	var existing string
	err = s.db.QueryRowContext(ctx,
		`SELECT run_id FROM forecast_claims WHERE series_id = ? AND starttime = ?`, seriesID, ms(start),
	).Scan(&existing)
	if err != nil {
		return false, "", err
	}
	return false, existing, nil
}

func (s *sqliteStore) ReleaseClaim(ctx context.Context, seriesID string, start time.Time, runID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM forecast_claims WHERE series_id = ? AND starttime = ? AND run_id = ?`,
		seriesID, ms(start), runID,
	)
	return err
}

// ---- observations ----

func (s *sqliteStore) AddSeismic(ctx context.Context, project string, events []domain.SeismicEvent) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO seismic_events(project, at, magnitude, latitude, longitude, depth, public_id) VALUES(?,?,?,?,?,?,?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	added := 0
	for _, e := range events {
		res, err := stmt.ExecContext(ctx, project, ms(e.DateTime), e.Magnitude, e.Latitude, e.Longitude, e.Depth, e.PublicID)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	return added, tx.Commit()
}

func (s *sqliteStore) AddHydraulic(ctx context.Context, project string, samples []domain.HydraulicSample) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO hydraulic_samples(project, at, flow, pressure) VALUES(?,?,?,?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	added := 0
	for _, h := range samples {
		res, err := stmt.ExecContext(ctx, project, ms(h.DateTime), h.Flow, h.Pressure)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	return added, tx.Commit()
}

func (s *sqliteStore) SeismicBetween(ctx context.Context, project string, from, to time.Time) ([]domain.SeismicEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, magnitude, latitude, longitude, depth, public_id FROM seismic_events
		 WHERE project = ? AND at >= ? AND at < ? ORDER BY at ASC`,
		project, lowerBound(from), ms(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SeismicEvent
	for rows.Next() {
		var at int64
		var lat, lon, depth sql.NullFloat64
		var e domain.SeismicEvent
		if err := rows.Scan(&at, &e.Magnitude, &lat, &lon, &depth, &e.PublicID); err != nil {
			return nil, err
		}
		e.DateTime = fromMS(at)
		e.Latitude, e.Longitude, e.Depth = lat.Float64, lon.Float64, depth.Float64
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) HydraulicBetween(ctx context.Context, project string, from, to time.Time) ([]domain.HydraulicSample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, flow, pressure FROM hydraulic_samples
		 WHERE project = ? AND at >= ? AND at < ? ORDER BY at ASC`,
		project, lowerBound(from), ms(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.HydraulicSample
	for rows.Next() {
		var at int64
		var h domain.HydraulicSample
		if err := rows.Scan(&at, &h.Flow, &h.Pressure); err != nil {
			return nil, err
		}
		h.DateTime = fromMS(at)
		out = append(out, h)
	}
	return out, rows.Err()
}

func lowerBound(from time.Time) int64 {
	if from.IsZero() {
		return -1 << 62
	}
	return ms(from)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
