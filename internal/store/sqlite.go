package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"crewmap-svr/internal/identity"
	"crewmap-svr/internal/position"
)

const schema = `
CREATE TABLE IF NOT EXISTS workers (
	tenant_id TEXT NOT NULL,
	id        TEXT NOT NULL,
	name      TEXT NOT NULL DEFAULT '',
	phone     TEXT NOT NULL DEFAULT '',
	email     TEXT NOT NULL DEFAULT '',
	active    INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (tenant_id, id)
);
CREATE TABLE IF NOT EXISTS positions (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	worker_id   TEXT NOT NULL,
	latitude    REAL NOT NULL,
	longitude   REAL NOT NULL,
	accuracy    REAL,
	observed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS positions_tenant_worker_observed
	ON positions (tenant_id, worker_id, observed_at);
CREATE TABLE IF NOT EXISTS worker_status (
	tenant_id  TEXT NOT NULL,
	worker_id  TEXT NOT NULL,
	is_active  INTEGER NOT NULL,
	status     TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, worker_id)
);`

// SQLite es el almacenamiento durable de posiciones y del roster.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

func OpenSQLite(path string, lg *slog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	lg.Info("store: sqlite ready", "path", path)
	return &SQLite{db: db, logger: lg.With("component", "store")}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ----- escritura -----

// InsertPosition es idempotente por id. Devuelve false si ya existía.
func (s *SQLite) InsertPosition(ctx context.Context, r position.Record) (bool, error) {
	var acc sql.NullFloat64
	if r.Accuracy != nil {
		acc = sql.NullFloat64{Float64: *r.Accuracy, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO positions (id, tenant_id, worker_id, latitude, longitude, accuracy, observed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TenantID, r.WorkerID, r.Latitude, r.Longitude, acc, r.ObservedAt.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("insert position %s: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLite) UpsertWorker(ctx context.Context, tenantID, workerID string, ident position.Identity, active bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workers (tenant_id, id, name, phone, email, active) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, id) DO UPDATE SET
		   name = excluded.name, phone = excluded.phone, email = excluded.email, active = excluded.active`,
		tenantID, workerID, ident.Name, ident.Phone, ident.Email, active)
	if err != nil {
		return fmt.Errorf("upsert worker %s: %w", workerID, err)
	}
	return nil
}

// SetWorkerStatus guarda el estado y mantiene el roster activo en sincronía.
func (s *SQLite) SetWorkerStatus(ctx context.Context, ev position.StatusEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO worker_status (tenant_id, worker_id, is_active, status, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, worker_id) DO UPDATE SET
		   is_active = excluded.is_active, status = excluded.status, updated_at = excluded.updated_at
		 WHERE excluded.updated_at > worker_status.updated_at`,
		ev.TenantID, ev.WorkerID, ev.Active, ev.Status, ev.UpdatedAt.UnixMilli()); err != nil {
		return fmt.Errorf("set status %s: %w", ev.WorkerID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE workers SET active = ? WHERE tenant_id = ? AND id = ?`,
		ev.Active, ev.TenantID, ev.WorkerID); err != nil {
		return fmt.Errorf("set roster %s: %w", ev.WorkerID, err)
	}
	return tx.Commit()
}

// ----- lectura -----

// LatestActivePositions: última posición por trabajador activo del tenant.
func (s *SQLite) LatestActivePositions(ctx context.Context, tenantID string) ([]position.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.worker_id, p.tenant_id, p.latitude, p.longitude, p.accuracy, p.observed_at,
		       w.name, w.phone, w.email
		FROM (
			SELECT *, ROW_NUMBER() OVER (PARTITION BY worker_id ORDER BY observed_at DESC, id DESC) AS rn
			FROM positions WHERE tenant_id = ?
		) p
		JOIN workers w ON w.tenant_id = p.tenant_id AND w.id = p.worker_id
		WHERE p.rn = 1 AND w.active = 1
		ORDER BY p.worker_id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("latest positions: %w", err)
	}
	defer rows.Close()

	var out []position.Record
	for rows.Next() {
		var (
			r     position.Record
			acc   sql.NullFloat64
			ms    int64
			ident position.Identity
		)
		if err := rows.Scan(&r.ID, &r.WorkerID, &r.TenantID, &r.Latitude, &r.Longitude, &acc, &ms,
			&ident.Name, &ident.Phone, &ident.Email); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		if acc.Valid {
			r.Accuracy = &acc.Float64
		}
		r.ObservedAt = time.UnixMilli(ms).UTC()
		if ident.Name != "" {
			r.Worker = &ident
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PositionHistory devuelve las posiciones de un trabajador en [from, to], en orden.
func (s *SQLite) PositionHistory(ctx context.Context, tenantID, workerID string, from, to time.Time) ([]position.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, worker_id, tenant_id, latitude, longitude, accuracy, observed_at
		FROM positions
		WHERE tenant_id = ? AND worker_id = ? AND observed_at BETWEEN ? AND ?
		ORDER BY observed_at, id`, tenantID, workerID, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("position history: %w", err)
	}
	defer rows.Close()

	out := []position.Record{}
	for rows.Next() {
		var (
			r   position.Record
			acc sql.NullFloat64
			ms  int64
		)
		if err := rows.Scan(&r.ID, &r.WorkerID, &r.TenantID, &r.Latitude, &r.Longitude, &acc, &ms); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		if acc.Valid {
			r.Accuracy = &acc.Float64
		}
		r.ObservedAt = time.UnixMilli(ms).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// LookupWorker implementa identity.Resolver sobre el roster local.
func (s *SQLite) LookupWorker(ctx context.Context, tenantID, workerID string) (position.Identity, error) {
	var ident position.Identity
	err := s.db.QueryRowContext(ctx,
		`SELECT name, phone, email FROM workers WHERE tenant_id = ? AND id = ?`,
		tenantID, workerID).Scan(&ident.Name, &ident.Phone, &ident.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return position.Identity{}, identity.ErrNotFound
	}
	if err != nil {
		return position.Identity{}, fmt.Errorf("lookup worker %s: %w", workerID, err)
	}
	return ident, nil
}
