package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/serialmon/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single connection
	// serializes all DB access through Go's connection pool, preventing
	// "database is locked" errors from concurrent HTTP requests.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// boolToInt converts a bool to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	// Create migrations tracking table
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	// Sort by filename
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		// Check if already applied
		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func limitOf(f ListFilter) int {
	if f.Limit <= 0 {
		return 50
	}
	return f.Limit
}

// where builds a WHERE clause for port and since filters on timeCol.
func where(f ListFilter, timeCol string) (string, []any) {
	var conds []string
	var args []any
	if f.Port != "" {
		conds = append(conds, "port = ?")
		args = append(args, f.Port)
	}
	if !f.Since.IsZero() {
		conds = append(conds, timeCol+" >= ?")
		args = append(args, f.Since.UTC())
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// --- Sessions ---

const sessionColumns = `id, token, port, baud, requested_baud, negotiated_baud, reason, started_at, ended_at, elapsed_seconds, total_lines, reboot_detected, last_line, exit_code, error`

func (s *SQLiteStore) CreateSession(ctx context.Context, sum *models.SessionSummary) error {
	if sum.ID == "" {
		sum.ID = newULID()
	}
	var exitCode sql.NullInt64
	if sum.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*sum.ExitCode), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.ID, sum.Token, sum.Port, sum.Baud, sum.RequestedBaud, sum.NegotiatedBaud, string(sum.Reason),
		sum.StartedAt.UTC(), sum.EndedAt.UTC(), sum.ElapsedSeconds, sum.TotalLines, boolToInt(sum.RebootDetected),
		sum.LastLine, exitCode, sum.Error,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*models.SessionSummary, error) {
	sum := &models.SessionSummary{}
	var reason string
	var exitCode sql.NullInt64
	err := row.Scan(&sum.ID, &sum.Token, &sum.Port, &sum.Baud, &sum.RequestedBaud, &sum.NegotiatedBaud, &reason,
		&sum.StartedAt, &sum.EndedAt, &sum.ElapsedSeconds, &sum.TotalLines, &sum.RebootDetected,
		&sum.LastLine, &exitCode, &sum.Error)
	if err != nil {
		return nil, err
	}
	sum.Reason = models.StopReason(reason)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		sum.ExitCode = &code
	}
	return sum, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.SessionSummary, error) {
	sum, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ? OR token = ? ORDER BY ended_at DESC LIMIT 1`, id, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sum, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter ListFilter) ([]*models.SessionSummary, error) {
	clause, args := where(filter, "ended_at")
	args = append(args, limitOf(filter))
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions`+clause+` ORDER BY ended_at DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.SessionSummary
	for rows.Next() {
		sum, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// --- Reboot events ---

func (s *SQLiteStore) CreateRebootEvent(ctx context.Context, e *models.RebootEvent) error {
	if e.ID == "" {
		e.ID = newULID()
	}
	contextJSON, err := json.Marshal(nonNil(e.Context))
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	traceJSON, err := json.Marshal(nonNil(e.StackTrace))
	if err != nil {
		return fmt.Errorf("marshal stack trace: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reboot_events (id, port, occurred_at, category, is_crash, severity, code, line, context, stack_trace)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Port, e.Timestamp.UTC(), string(e.Category), boolToInt(e.IsCrash), e.Severity, e.Code, e.Line,
		string(contextJSON), string(traceJSON),
	)
	if err != nil {
		return fmt.Errorf("create reboot event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListRebootEvents(ctx context.Context, filter ListFilter) ([]*models.RebootEvent, error) {
	clause, args := where(filter, "occurred_at")
	args = append(args, limitOf(filter))
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, port, occurred_at, category, is_crash, severity, code, line, context, stack_trace
		FROM reboot_events`+clause+` ORDER BY occurred_at DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("list reboot events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.RebootEvent
	for rows.Next() {
		e := &models.RebootEvent{}
		var category, contextJSON, traceJSON string
		if err := rows.Scan(&e.ID, &e.Port, &e.Timestamp, &category, &e.IsCrash, &e.Severity, &e.Code, &e.Line, &contextJSON, &traceJSON); err != nil {
			return nil, fmt.Errorf("scan reboot event: %w", err)
		}
		e.Category = models.RebootCategory(category)
		_ = json.Unmarshal([]byte(contextJSON), &e.Context)
		_ = json.Unmarshal([]byte(traceJSON), &e.StackTrace)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Install logs ---

func (s *SQLiteStore) CreateInstallLog(ctx context.Context, l *models.InstallLog) error {
	if l.ID == "" {
		l.ID = newULID()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	fields := l.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO install_logs (id, token, port, title, fields, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		l.ID, l.Token, l.Port, l.Title, string(fieldsJSON), l.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create install log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListInstallLogs(ctx context.Context, filter ListFilter) ([]*models.InstallLog, error) {
	clause, args := where(filter, "created_at")
	args = append(args, limitOf(filter))
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, token, port, title, fields, created_at FROM install_logs`+clause+` ORDER BY created_at DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("list install logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.InstallLog
	for rows.Next() {
		l := &models.InstallLog{}
		var fieldsJSON string
		if err := rows.Scan(&l.ID, &l.Token, &l.Port, &l.Title, &fieldsJSON, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan install log: %w", err)
		}
		_ = json.Unmarshal([]byte(fieldsJSON), &l.Fields)
		out = append(out, l)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
