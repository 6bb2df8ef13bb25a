// Package eventstore persists the order snapshot and the per-call audit
// timeline in SQLite.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-barista/internal/config"
	"github.com/loqalabs/loqa-barista/internal/orders"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		if t, err = time.Parse(time.RFC3339Nano, s); err != nil {
			return time.Time{}
		}
	}
	return t
}

// Call is one recorded phone call.
type Call struct {
	CallSID     string
	StreamSID   string
	Caller      string
	Outcome     string
	OrderNumber int
	StartedAt   time.Time
	EndedAt     time.Time
}

// Event is a recorded timeline entry for a call.
type Event struct {
	ID        int64
	CallSID   string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Store wraps a SQLite database.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config. The order snapshot is
// cleared: order numbers do not survive a restart.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM orders`); err != nil {
		db.Close()
		return nil, fmt.Errorf("clear order snapshot: %w", err)
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS orders (
    number INTEGER PRIMARY KEY,
    phone TEXT NOT NULL,
    status TEXT NOT NULL,
    payload BLOB NOT NULL,
    version INTEGER NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS calls (
    call_sid TEXT PRIMARY KEY,
    stream_sid TEXT,
    caller TEXT,
    outcome TEXT,
    order_number INTEGER,
    started_at TEXT NOT NULL,
    ended_at TEXT
);
CREATE TABLE IF NOT EXISTS call_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    call_sid TEXT NOT NULL,
    event_type TEXT,
    payload BLOB,
    created_at TEXT NOT NULL,
    FOREIGN KEY(call_sid) REFERENCES calls(call_sid) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_call_events_call_created ON call_events(call_sid, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// SaveOrder upserts an order snapshot. A snapshot that is not newer than
// the stored version is ignored.
func (s *Store) SaveOrder(ctx context.Context, o orders.Order) error {
	if s.disabled() {
		return nil
	}
	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode order %d: %w", o.Number, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO orders(number, phone, status, payload, version, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(number) DO UPDATE SET
		   phone=excluded.phone, status=excluded.status, payload=excluded.payload,
		   version=excluded.version, updated_at=excluded.updated_at
		 WHERE excluded.version > orders.version`,
		o.Number, o.Phone, string(o.Status), payload, o.Version, formatTime(o.CreatedAt), formatTime(o.UpdatedAt))
	return err
}

// ListOrders returns the snapshot ordered by number.
func (s *Store) ListOrders(ctx context.Context) ([]orders.Order, error) {
	if s.disabled() {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM orders ORDER BY number ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []orders.Order
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var o orders.Order
		if err := json.Unmarshal(payload, &o); err != nil {
			return nil, fmt.Errorf("decode order snapshot: %w", err)
		}
		list = append(list, o)
	}
	return list, rows.Err()
}

// StartCall records a new call.
func (s *Store) StartCall(ctx context.Context, c Call) error {
	if s.disabled() {
		return nil
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calls(call_sid, stream_sid, caller, started_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(call_sid) DO UPDATE SET stream_sid=excluded.stream_sid, caller=excluded.caller`,
		c.CallSID, c.StreamSID, c.Caller, formatTime(c.StartedAt))
	return err
}

// EndCall stores the outcome of a call.
func (s *Store) EndCall(ctx context.Context, callSID, outcome string, orderNumber int) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE calls SET outcome = ?, order_number = ?, ended_at = ? WHERE call_sid = ?`,
		outcome, orderNumber, formatTime(s.clock()), callSID)
	return err
}

// GetCall returns a recorded call.
func (s *Store) GetCall(ctx context.Context, callSID string) (Call, error) {
	if s.disabled() {
		return Call{}, sql.ErrNoRows
	}
	var (
		c                Call
		outcome, ended   sql.NullString
		number           sql.NullInt64
		started          string
		stream, callerNS sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT call_sid, stream_sid, caller, outcome, order_number, started_at, ended_at FROM calls WHERE call_sid = ?`,
		callSID).Scan(&c.CallSID, &stream, &callerNS, &outcome, &number, &started, &ended)
	if err != nil {
		return Call{}, err
	}
	c.StreamSID = stream.String
	c.Caller = callerNS.String
	c.Outcome = outcome.String
	c.OrderNumber = int(number.Int64)
	c.StartedAt = parseTime(started)
	if ended.Valid {
		c.EndedAt = parseTime(ended.String)
	}
	return c, nil
}

// AppendCallEvent writes a timeline entry.
func (s *Store) AppendCallEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_events(call_sid, event_type, payload, created_at) VALUES(?, ?, ?, ?)`,
		evt.CallSID, evt.Type, evt.Payload, formatTime(evt.CreatedAt))
	return err
}

// ListCallEvents retrieves up to limit events for a call ordered by time.
func (s *Store) ListCallEvents(ctx context.Context, callSID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, call_sid, event_type, payload, created_at
		 FROM call_events WHERE call_sid = ? ORDER BY created_at ASC, id ASC LIMIT ?`, callSID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.CallSID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention to the call timeline.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return tx.Commit()
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := formatTime(s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour))
		if _, err = tx.ExecContext(ctx, `DELETE FROM call_events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM calls WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM calls WHERE call_sid IN (
			SELECT call_sid FROM calls ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Ensure checks the store is consistent with its retention mode.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
