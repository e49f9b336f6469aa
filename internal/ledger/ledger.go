package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"bulksend/internal/clock"
	logx "bulksend/pkg/logx"
)

//go:embed schema_sqlite.sql schema_postgres.sql
var schemaFS embed.FS

// Config selects the ledger backend.
//
// Driver values:
//   - "sqlite" (default): Path is the database file
//   - "postgres": DSN is a libpq/pgx connection string
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// Ledger is the durable recipient store. Every status transition is a single
// statement; bulk writes run in one transaction and roll back as a whole.
type Ledger struct {
	db      *sql.DB
	dialect dialect
	clock   clock.Clock
	log     logx.Logger
}

// Open connects to the configured backend and applies the schema.
func Open(ctx context.Context, cfg Config, clk clock.Clock, log logx.Logger) (*Ledger, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	var (
		db  *sql.DB
		d   dialect
		err error
	)
	switch driver {
	case "", "sqlite", "sqlite3":
		d = dialectSQLite
		db, err = openSQLite(cfg)
	case "postgres", "postgresql", "pgx":
		d = dialectPostgres
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, errors.New("ledger: postgres dsn is required")
		}
		db, err = sql.Open("pgx", cfg.DSN)
	default:
		return nil, fmt.Errorf("ledger: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	l := &Ledger{db: db, dialect: d, clock: clk, log: log}
	if err := l.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return l, nil
}

func openSQLite(cfg Config) (*sql.DB, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("ledger: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; all access is sequential anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	return db, nil
}

func (l *Ledger) migrate(ctx context.Context) error {
	name := "schema_sqlite.sql"
	if l.dialect == dialectPostgres {
		name = "schema_postgres.sql"
	}
	b, err := schemaFS.ReadFile(name)
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx, string(b))
	return err
}

// Close releases the connection.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}

// Ping checks the connection; used by the debug server health probe.
func (l *Ledger) Ping(ctx context.Context) error {
	if l.db == nil {
		return ErrClosed
	}
	return l.db.PingContext(ctx)
}

// q rewrites ? placeholders for the active dialect.
func (l *Ledger) q(query string) string {
	if l.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (l *Ledger) now() int64 { return l.clock.Now().UnixNano() }

const upsertSQL = `INSERT INTO recipients (
  identifier, status, registered, first_seen_at, last_updated_at, retry_count, campaign, source_batch, display_name
) VALUES (?, 'pending', 0, ?, ?, 0, ?, ?, ?)
ON CONFLICT(identifier) DO UPDATE SET
  last_updated_at = excluded.last_updated_at,
  campaign        = COALESCE(excluded.campaign, recipients.campaign),
  source_batch    = COALESCE(excluded.source_batch, recipients.source_batch),
  display_name    = COALESCE(excluded.display_name, recipients.display_name)`

// UpsertPending inserts id as pending, or refreshes metadata and
// last_updated_at when it already exists. Status is never changed.
func (l *Ledger) UpsertPending(ctx context.Context, id string, meta Meta) error {
	if l.db == nil {
		return ErrClosed
	}
	if strings.TrimSpace(id) == "" {
		return ErrInvalidIdentifier
	}
	now := l.now()
	_, err := l.db.ExecContext(ctx, l.q(upsertSQL),
		id, now, now, nullStr(meta.CampaignTag), nullStr(meta.SourceBatch), nullStr(meta.DisplayName))
	if err != nil {
		return fmt.Errorf("ledger: upsert %s: %w", id, err)
	}
	return nil
}

// UpsertPendingBulk applies UpsertPending to every entry in one transaction.
// Either all entries are applied or none are.
func (l *Ledger) UpsertPendingBulk(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	now := l.now()
	return l.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, l.q(upsertSQL))
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range entries {
			if strings.TrimSpace(e.Identifier) == "" {
				return ErrInvalidIdentifier
			}
			if _, err := stmt.ExecContext(ctx, e.Identifier, now, now,
				nullStr(e.Meta.CampaignTag), nullStr(e.Meta.SourceBatch), nullStr(e.Meta.DisplayName)); err != nil {
				return fmt.Errorf("upsert %s: %w", e.Identifier, err)
			}
		}
		return nil
	})
}

const setRegistrationSQL = `UPDATE recipients SET registered = ?, last_updated_at = ? WHERE identifier = ?`

func (l *Ledger) SetRegistration(ctx context.Context, id string, registered bool) error {
	if l.db == nil {
		return ErrClosed
	}
	res, err := l.db.ExecContext(ctx, l.q(setRegistrationSQL), boolInt(registered), l.now(), id)
	if err != nil {
		return fmt.Errorf("ledger: set registration %s: %w", id, err)
	}
	return requireRow(res, id)
}

// SetRegistrationBulk updates every registration flag in one transaction.
// An unknown identifier rolls back the whole batch.
func (l *Ledger) SetRegistrationBulk(ctx context.Context, regs []Registration) error {
	if len(regs) == 0 {
		return nil
	}
	now := l.now()
	return l.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, l.q(setRegistrationSQL))
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range regs {
			res, err := stmt.ExecContext(ctx, boolInt(r.Registered), now, r.Identifier)
			if err != nil {
				return fmt.Errorf("set registration %s: %w", r.Identifier, err)
			}
			if err := requireRow(res, r.Identifier); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkSent records a delivered message. Sent implies registered.
func (l *Ledger) MarkSent(ctx context.Context, id, campaignTag string) error {
	if l.db == nil {
		return ErrClosed
	}
	now := l.now()
	res, err := l.db.ExecContext(ctx, l.q(`UPDATE recipients SET
  status = 'sent',
  sent_at = ?,
  registered = 1,
  error_message = NULL,
  campaign = COALESCE(?, campaign),
  last_updated_at = ?
WHERE identifier = ?`), now, nullStr(campaignTag), now, id)
	if err != nil {
		return fmt.Errorf("ledger: mark sent %s: %w", id, err)
	}
	return requireRow(res, id)
}

// MarkFailed records a failed attempt and bumps the retry counter.
func (l *Ledger) MarkFailed(ctx context.Context, id, errMsg string) error {
	if l.db == nil {
		return ErrClosed
	}
	res, err := l.db.ExecContext(ctx, l.q(`UPDATE recipients SET
  status = 'failed',
  error_message = ?,
  retry_count = retry_count + 1,
  last_updated_at = ?
WHERE identifier = ?`), errMsg, l.now(), id)
	if err != nil {
		return fmt.Errorf("ledger: mark failed %s: %w", id, err)
	}
	return requireRow(res, id)
}

const selectCols = `identifier, status, registered, first_seen_at, last_updated_at, sent_at,
  error_message, retry_count, campaign, source_batch, display_name`

// DispatchQueue returns pending, registered recipients oldest first.
func (l *Ledger) DispatchQueue(ctx context.Context) ([]Record, error) {
	return l.list(ctx, `SELECT `+selectCols+` FROM recipients
WHERE status = 'pending' AND registered = 1
ORDER BY first_seen_at ASC, id ASC`)
}

// RetryQueue returns failed recipients still under MaxRetries, least recently
// touched first.
func (l *Ledger) RetryQueue(ctx context.Context) ([]Record, error) {
	return l.list(ctx, `SELECT `+selectCols+` FROM recipients
WHERE status = 'failed' AND retry_count < ?
ORDER BY last_updated_at ASC, id ASC`, MaxRetries)
}

// ProbeQueue returns pending recipients whose registration is not confirmed.
func (l *Ledger) ProbeQueue(ctx context.Context) ([]Record, error) {
	return l.list(ctx, `SELECT `+selectCols+` FROM recipients
WHERE status = 'pending' AND registered = 0
ORDER BY first_seen_at ASC, id ASC`)
}

func (l *Ledger) Get(ctx context.Context, id string) (Record, error) {
	if l.db == nil {
		return Record{}, ErrClosed
	}
	row := l.db.QueryRowContext(ctx, l.q(`SELECT `+selectCols+` FROM recipients WHERE identifier = ?`), id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

// IsProcessed reports whether id was already sent to or failed.
func (l *Ledger) IsProcessed(ctx context.Context, id string) (bool, error) {
	if l.db == nil {
		return false, ErrClosed
	}
	var one int
	err := l.db.QueryRowContext(ctx, l.q(`SELECT 1 FROM recipients WHERE identifier = ? AND status IN ('sent', 'failed')`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	if l.db == nil {
		return Stats{}, ErrClosed
	}
	var st Stats
	err := l.db.QueryRowContext(ctx, l.q(`SELECT
  CAST(COUNT(*) AS BIGINT),
  CAST(COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0) AS BIGINT),
  CAST(COALESCE(SUM(CASE WHEN status = 'sent' THEN 1 ELSE 0 END), 0) AS BIGINT),
  CAST(COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS BIGINT),
  CAST(COALESCE(SUM(CASE WHEN registered = 1 THEN 1 ELSE 0 END), 0) AS BIGINT),
  CAST(COALESCE(SUM(CASE WHEN status = 'failed' AND retry_count < ? THEN 1 ELSE 0 END), 0) AS BIGINT)
FROM recipients`), MaxRetries).Scan(&st.Total, &st.Pending, &st.Sent, &st.Failed, &st.Registered, &st.Retryable)
	if err != nil {
		return Stats{}, fmt.Errorf("ledger: stats: %w", err)
	}
	return st, nil
}

// StatsByBatch aggregates per (source batch, campaign).
func (l *Ledger) StatsByBatch(ctx context.Context) ([]BatchStats, error) {
	if l.db == nil {
		return nil, ErrClosed
	}
	rows, err := l.db.QueryContext(ctx, `SELECT
  COALESCE(source_batch, ''),
  COALESCE(campaign, ''),
  COUNT(*),
  CAST(COALESCE(SUM(CASE WHEN status = 'sent' THEN 1 ELSE 0 END), 0) AS BIGINT),
  CAST(COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS BIGINT),
  CAST(COALESCE(SUM(CASE WHEN registered = 1 THEN 1 ELSE 0 END), 0) AS BIGINT)
FROM recipients
GROUP BY COALESCE(source_batch, ''), COALESCE(campaign, '')
ORDER BY 1, 2`)
	if err != nil {
		return nil, fmt.Errorf("ledger: stats by batch: %w", err)
	}
	defer rows.Close()

	var out []BatchStats
	for rows.Next() {
		var b BatchStats
		if err := rows.Scan(&b.SourceBatch, &b.CampaignTag, &b.Total, &b.Sent, &b.Failed, &b.Registered); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// PurgeSent deletes sent records whose sent_at is older than maxAge.
func (l *Ledger) PurgeSent(ctx context.Context, maxAge time.Duration) (int64, error) {
	if l.db == nil {
		return 0, ErrClosed
	}
	cutoff := l.clock.Now().Add(-maxAge).UnixNano()
	res, err := l.db.ExecContext(ctx, l.q(`DELETE FROM recipients WHERE status = 'sent' AND sent_at < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("ledger: purge: %w", err)
	}
	return res.RowsAffected()
}

// Clear deletes every record. Maintenance only.
func (l *Ledger) Clear(ctx context.Context) (int64, error) {
	if l.db == nil {
		return 0, ErrClosed
	}
	res, err := l.db.ExecContext(ctx, `DELETE FROM recipients`)
	if err != nil {
		return 0, fmt.Errorf("ledger: clear: %w", err)
	}
	if l.dialect == dialectSQLite {
		_, _ = l.db.ExecContext(ctx, `DELETE FROM sqlite_sequence WHERE name = 'recipients'`)
	}
	return res.RowsAffected()
}

func (l *Ledger) list(ctx context.Context, query string, args ...any) ([]Record, error) {
	if l.db == nil {
		return nil, ErrClosed
	}
	rows, err := l.db.QueryContext(ctx, l.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (l *Ledger) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if l.db == nil {
		return ErrClosed
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			l.log.Error("ledger rollback failed", logx.Err(rbErr))
		}
		return fmt.Errorf("ledger: bulk write rolled back: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var (
		r                        Record
		status                   string
		registered, retry        int64
		firstSeen, lastUpdated   int64
		sentAt                   sql.NullInt64
		errMsg, camp, src, dname sql.NullString
	)
	if err := s.Scan(&r.Identifier, &status, &registered, &firstSeen, &lastUpdated, &sentAt,
		&errMsg, &retry, &camp, &src, &dname); err != nil {
		return Record{}, err
	}
	r.Status = Status(status)
	r.Registered = registered != 0
	r.FirstSeenAt = time.Unix(0, firstSeen)
	r.LastUpdatedAt = time.Unix(0, lastUpdated)
	if sentAt.Valid {
		r.SentAt = time.Unix(0, sentAt.Int64)
	}
	r.ErrorMessage = errMsg.String
	r.RetryCount = int(retry)
	r.CampaignTag = camp.String
	r.SourceBatch = src.String
	r.DisplayName = dname.String
	return r, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
