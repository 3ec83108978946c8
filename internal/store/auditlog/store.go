// Package auditlog is the compliance store: every tool invocation attempt
// and every finished deliberation cycle, in SQLite through database/sql.
// Audit entries are strictly append-only. Cycle records upsert by cycle id
// so a retried recording lands on the same row instead of erroring.
package auditlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"conclave/internal/guard"
	"conclave/internal/pipeline"

	_ "modernc.org/sqlite"
)

// Store holds the audit and cycle tables.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// CycleRecord is one persisted deliberation cycle.
type CycleRecord struct {
	ID             int64                  `json:"id"`
	CycleID        string                 `json:"cycle_id"`
	TriggeredBy    string                 `json:"triggered_by"`
	Phase          string                 `json:"phase"`
	OrdersProduced int                    `json:"orders_produced"`
	OrdersFilled   int                    `json:"orders_filled"`
	OrdersRejected int                    `json:"orders_rejected"`
	Error          string                 `json:"error,omitempty"`
	Phases         []pipeline.PhaseChange `json:"phases,omitempty"`
	StartedAt      time.Time              `json:"started_at"`
	FinishedAt     time.Time              `json:"finished_at"`
}

// EntryQuery filters the audit listing. Zero values match everything.
type EntryQuery struct {
	MandateID string
	OrderID   string
	ToolName  string
	Verdict   string
	Limit     int
	Offset    int
}

// New opens (or creates) the audit database at path.
func New(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("audit log: path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entry_id TEXT NOT NULL,
			mandate_id TEXT,
			order_id TEXT,
			tool_name TEXT NOT NULL,
			arguments_json TEXT,
			verdict TEXT NOT NULL,
			detail TEXT,
			at INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);
		`,
		`CREATE INDEX IF NOT EXISTS idx_audit_entries_at ON audit_entries(at DESC, id DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_entries_mandate ON audit_entries(mandate_id, at DESC, id DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_entries_order ON audit_entries(order_id);`,
		`CREATE TABLE IF NOT EXISTS cycle_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cycle_id TEXT NOT NULL UNIQUE,
			triggered_by TEXT,
			phase TEXT NOT NULL,
			orders_produced INTEGER NOT NULL DEFAULT 0,
			orders_filled INTEGER NOT NULL DEFAULT 0,
			orders_rejected INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			phases_json TEXT,
			started_at INTEGER NOT NULL,
			finished_at INTEGER,
			created_at INTEGER NOT NULL
		);
		`,
		`CREATE INDEX IF NOT EXISTS idx_cycle_records_started ON cycle_records(started_at DESC, id DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Record appends one audit entry. Implements the guard's audit sink; a
// failed write is returned to the caller, never swallowed.
func (s *Store) Record(ctx context.Context, entry guard.AuditEntry) error {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return fmt.Errorf("audit log: not initialized")
	}
	if strings.TrimSpace(entry.ToolName) == "" {
		return fmt.Errorf("audit log: tool name is empty")
	}
	args := ""
	if len(entry.Arguments) > 0 {
		b, err := json.Marshal(entry.Arguments)
		if err != nil {
			return fmt.Errorf("audit log: encode arguments: %w", err)
		}
		args = string(b)
	}
	at := entry.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO audit_entries
			(entry_id, mandate_id, order_id, tool_name, arguments_json, verdict, detail, at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.MandateID,
		entry.OrderID,
		entry.ToolName,
		args,
		entry.Verdict,
		entry.Detail,
		at.UnixMilli(),
		time.Now().UnixMilli(),
	)
	return err
}

// RecordCycle persists one finished cycle, overwriting any earlier record
// of the same cycle id.
func (s *Store) RecordCycle(ctx context.Context, c *pipeline.Cycle) error {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return fmt.Errorf("audit log: not initialized")
	}
	if c == nil || strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("audit log: cycle id is empty")
	}
	phases := ""
	if len(c.PhaseHistory) > 0 {
		b, err := json.Marshal(c.PhaseHistory)
		if err != nil {
			return fmt.Errorf("audit log: encode phase history: %w", err)
		}
		phases = string(b)
	}
	var finished int64
	if !c.FinishedAt.IsZero() {
		finished = c.FinishedAt.UnixMilli()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO cycle_records
			(cycle_id, triggered_by, phase, orders_produced, orders_filled, orders_rejected,
			 error, phases_json, started_at, finished_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cycle_id) DO UPDATE SET
			phase = excluded.phase,
			orders_produced = excluded.orders_produced,
			orders_filled = excluded.orders_filled,
			orders_rejected = excluded.orders_rejected,
			error = excluded.error,
			phases_json = excluded.phases_json,
			finished_at = excluded.finished_at`,
		c.ID,
		c.TriggeredBy,
		string(c.Phase),
		c.OrdersProduced,
		c.OrdersFilled,
		c.OrdersRejected,
		c.Error,
		phases,
		c.StartedAt.UnixMilli(),
		finished,
		time.Now().UnixMilli(),
	)
	return err
}

// ListEntries returns audit entries newest first, filtered by q.
func (s *Store) ListEntries(ctx context.Context, q EntryQuery) ([]guard.AuditEntry, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("audit log: not initialized")
	}
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	var sb strings.Builder
	sb.WriteString(`SELECT entry_id, mandate_id, order_id, tool_name, arguments_json, verdict, detail, at
		FROM audit_entries`)
	filterSQL, args := buildEntryFilter(q)
	sb.WriteString(filterSQL)
	sb.WriteString(" ORDER BY at DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)
	rows, err := db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []guard.AuditEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, entry)
	}
	return list, rows.Err()
}

// CountEntries tallies entries matching q, ignoring limit and offset.
func (s *Store) CountEntries(ctx context.Context, q EntryQuery) (int, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return 0, fmt.Errorf("audit log: not initialized")
	}
	filterSQL, args := buildEntryFilter(q)
	var n int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_entries"+filterSQL, args...).Scan(&n)
	return n, err
}

// ListCycles returns the newest cycle records, most recent first.
func (s *Store) ListCycles(ctx context.Context, limit int) ([]CycleRecord, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("audit log: not initialized")
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, cycle_id, triggered_by, phase, orders_produced, orders_filled, orders_rejected,
			error, phases_json, started_at, finished_at
		FROM cycle_records
		ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []CycleRecord
	for rows.Next() {
		var (
			rec      CycleRecord
			errStr   sql.NullString
			phases   sql.NullString
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.CycleID, &rec.TriggeredBy, &rec.Phase,
			&rec.OrdersProduced, &rec.OrdersFilled, &rec.OrdersRejected,
			&errStr, &phases, &started, &finished); err != nil {
			return nil, err
		}
		rec.Error = errStr.String
		if phases.String != "" {
			if err := json.Unmarshal([]byte(phases.String), &rec.Phases); err != nil {
				return nil, fmt.Errorf("audit log: decode phase history of cycle %s: %w", rec.CycleID, err)
			}
		}
		rec.StartedAt = time.UnixMilli(started).UTC()
		if finished.Valid && finished.Int64 > 0 {
			rec.FinishedAt = time.UnixMilli(finished.Int64).UTC()
		}
		list = append(list, rec)
	}
	return list, rows.Err()
}

func buildEntryFilter(q EntryQuery) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if v := strings.TrimSpace(q.MandateID); v != "" {
		conds = append(conds, "mandate_id = ?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(q.OrderID); v != "" {
		conds = append(conds, "order_id = ?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(q.ToolName); v != "" {
		conds = append(conds, "tool_name = ?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(q.Verdict); v != "" {
		conds = append(conds, "verdict = ?")
		args = append(args, v)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanEntry(rows *sql.Rows) (guard.AuditEntry, error) {
	var (
		entry     guard.AuditEntry
		mandateID sql.NullString
		orderID   sql.NullString
		argsJSON  sql.NullString
		detail    sql.NullString
		at        int64
	)
	if err := rows.Scan(&entry.ID, &mandateID, &orderID, &entry.ToolName,
		&argsJSON, &entry.Verdict, &detail, &at); err != nil {
		return entry, err
	}
	entry.MandateID = mandateID.String
	entry.OrderID = orderID.String
	entry.Detail = detail.String
	entry.At = time.UnixMilli(at).UTC()
	if argsJSON.String != "" {
		if err := json.Unmarshal([]byte(argsJSON.String), &entry.Arguments); err != nil {
			return entry, fmt.Errorf("audit log: decode arguments of entry %s: %w", entry.ID, err)
		}
	}
	return entry, nil
}
