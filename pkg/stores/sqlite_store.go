package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"

	"github.com/openfroyo/cascade/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const memoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// Actor is recorded in audit entries written by SaveReport.
	Actor  string
	Logger zerolog.Logger
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// every connection to :memory: is a separate database
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}
	if cfg.Actor == "" {
		cfg.Actor = "cascade"
	}

	return &SQLiteStore{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "run-store").Logger(),
		now:    time.Now,
	}, nil
}

// Init opens the database with WAL mode and foreign keys enabled. The
// parent directory of a file database is created if needed.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if s.cfg.Path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Open is Init followed by Migrate.
func (s *SQLiteStore) Open(ctx context.Context) error {
	if err := s.Init(ctx); err != nil {
		return err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return err
	}
	return nil
}

// SaveReport stores a finished run without a stack name.
func (s *SQLiteStore) SaveReport(ctx context.Context, report *engine.RunReport) error {
	return s.SaveStackReport(ctx, "", report)
}

// Sink returns a report sink that records runs under the given stack name.
func (s *SQLiteStore) Sink(stack string) engine.ReportSink {
	return stackSink{store: s, stack: stack}
}

type stackSink struct {
	store *SQLiteStore
	stack string
}

func (ss stackSink) SaveReport(ctx context.Context, report *engine.RunReport) error {
	return ss.store.SaveStackReport(ctx, ss.stack, report)
}

// SaveStackReport stores the run, its group results and an audit entry in a
// single transaction. Saving the same run again replaces it.
func (s *SQLiteStore) SaveStackReport(ctx context.Context, stack string, report *engine.RunReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	counts := report.Counts()
	var finishedAt *time.Time
	if !report.FinishedAt.IsZero() {
		finishedAt = &report.FinishedAt
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (
			id, stack, state, reason, error, error_code,
			total, succeeded, failed, skipped, fingerprint, report,
			started_at, finished_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		report.RunID,
		stack,
		report.State,
		report.Reason,
		nullString(report.Error),
		nullString(report.ErrorCode),
		counts.Total,
		counts.Succeeded,
		counts.Failed,
		counts.Skipped,
		report.Fingerprint(),
		string(data),
		report.StartedAt,
		finishedAt,
		s.now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM group_results WHERE run_id = ?`, report.RunID); err != nil {
		return fmt.Errorf("failed to clear group results: %w", err)
	}

	for i := range report.Groups {
		g := &report.Groups[i]
		var outputs *string
		if len(g.Outputs) > 0 {
			b, err := json.Marshal(g.Outputs)
			if err != nil {
				return fmt.Errorf("failed to encode outputs of %s: %w", g.Group, err)
			}
			o := string(b)
			outputs = &o
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO group_results (
				run_id, position, group_name, enabled, status, reason,
				provisioner, attempts, error, outputs, started_at, finished_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			report.RunID,
			i,
			g.Group,
			g.Enabled,
			g.Status,
			g.Reason,
			g.Provisioner,
			g.Attempts,
			nullString(g.Error),
			outputs,
			g.StartedAt,
			g.FinishedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to save group result %s: %w", g.Group, err)
		}
	}

	details, _ := json.Marshal(map[string]any{"stack": stack, "counts": counts})
	if err := insertAudit(ctx, tx, &AuditEntry{
		Action:    "run." + string(report.State),
		Actor:     s.cfg.Actor,
		TargetID:  &report.RunID,
		Details:   ptr(string(details)),
		Timestamp: s.now(),
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}

	s.logger.Debug().
		Str("run_id", report.RunID).
		Str("state", string(report.State)).
		Msg("Run saved")
	return nil
}

const runColumns = `id, stack, state, reason, error, error_code,
	total, succeeded, failed, skipped, fingerprint, report,
	started_at, finished_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner, withReport bool) (*RunRecord, error) {
	run := &RunRecord{}
	var report string
	err := row.Scan(
		&run.ID,
		&run.Stack,
		&run.State,
		&run.Reason,
		&run.Error,
		&run.ErrorCode,
		&run.Counts.Total,
		&run.Counts.Succeeded,
		&run.Counts.Failed,
		&run.Counts.Skipped,
		&run.Fingerprint,
		&report,
		&run.StartedAt,
		&run.FinishedAt,
		&run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Counts.Pending = run.Counts.Total - run.Counts.Succeeded - run.Counts.Failed - run.Counts.Skipped

	if withReport {
		run.Report = &engine.RunReport{}
		if err := json.Unmarshal([]byte(report), run.Report); err != nil {
			return nil, fmt.Errorf("failed to decode report of run %s: %w", run.ID, err)
		}
	}
	return run, nil
}

// GetRun retrieves a run, including its full report, by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)

	run, err := scanRun(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs, newest first. Reports are not decoded.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}

	query := `SELECT ` + runColumns + ` FROM runs
		WHERE (? = '' OR stack = ?)
		  AND (? = '' OR state = ?)
		ORDER BY started_at DESC, id DESC
		LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query,
		filter.Stack, filter.Stack,
		filter.State, filter.State,
		limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*RunRecord{}
	for rows.Next() {
		run, err := scanRun(rows, false)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRun deletes a run and its group results
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE run_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete run events: %w", err)
	}

	return s.CreateAuditEntry(ctx, &AuditEntry{
		Action:    "run.deleted",
		Actor:     s.cfg.Actor,
		TargetID:  &id,
		Timestamp: s.now(),
	})
}

const groupColumns = `run_id, position, group_name, enabled, status, reason,
	provisioner, attempts, error, outputs, started_at, finished_at`

func scanGroup(row rowScanner) (*GroupRecord, error) {
	g := &GroupRecord{}
	err := row.Scan(
		&g.RunID,
		&g.Position,
		&g.Group,
		&g.Enabled,
		&g.Status,
		&g.Reason,
		&g.Provisioner,
		&g.Attempts,
		&g.Error,
		&g.Outputs,
		&g.StartedAt,
		&g.FinishedAt,
	)
	return g, err
}

// ListGroupResults lists the group results of a run in execution order
func (s *SQLiteStore) ListGroupResults(ctx context.Context, runID string) ([]*GroupRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+groupColumns+` FROM group_results WHERE run_id = ? ORDER BY position ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list group results: %w", err)
	}
	defer rows.Close()

	groups := []*GroupRecord{}
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan group result: %w", err)
		}
		groups = append(groups, g)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating group results: %w", err)
	}

	return groups, nil
}

// LastSucceeded returns the most recent successful result of a group across
// all runs.
func (s *SQLiteStore) LastSucceeded(ctx context.Context, group string) (*GroupRecord, error) {
	query := `SELECT ` + groupColumns + ` FROM group_results
		WHERE group_name = ? AND status = ?
		ORDER BY finished_at DESC
		LIMIT 1`

	g, err := scanGroup(s.db.QueryRowContext(ctx, query, group, engine.GroupStatusSucceeded))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("group %s: %w", group, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group result: %w", err)
	}
	return g, nil
}

// AppendEvent appends a run timeline event to the log and returns its
// sequence number.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.Event) (int64, error) {
	var data *string
	if len(event.Data) > 0 {
		b, err := json.Marshal(event.Data)
		if err != nil {
			return 0, fmt.Errorf("failed to encode event data: %w", err)
		}
		data = ptr(string(b))
	}

	level := event.Level
	if level == "" {
		level = event.Type.Severity()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, run_id, group_name, type, state, level, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		event.RunID,
		nullString(event.Group),
		event.Type,
		nullString(string(event.State)),
		level,
		event.Message,
		data,
		event.Timestamp,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get event ID: %w", err)
	}
	return id, nil
}

// RecordEvent appends event, logging failures. Its signature matches an
// event publisher subscriber.
func (s *SQLiteStore) RecordEvent(event engine.Event) {
	if _, err := s.AppendEvent(context.Background(), &event); err != nil {
		s.logger.Warn().Err(err).Str("run_id", event.RunID).Msg("Failed to record event")
	}
}

// GetEvents retrieves the events of a run in append order, optionally for a
// single group
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string, group *string, limit, offset int) ([]*EventRecord, error) {
	if limit <= 0 {
		limit = -1
	}

	query := `
		SELECT id, event_id, run_id, group_name, type, state, level, message, data, timestamp
		FROM events
		WHERE run_id = ?
		  AND (? IS NULL OR group_name = ?)
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, group, group, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*EventRecord{}
	for rows.Next() {
		e := &EventRecord{}
		err := rows.Scan(
			&e.ID,
			&e.EventID,
			&e.RunID,
			&e.Group,
			&e.Type,
			&e.State,
			&e.Level,
			&e.Message,
			&e.Data,
			&e.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAudit(ctx context.Context, db execer, entry *AuditEntry) error {
	result, err := db.ExecContext(ctx, `
		INSERT INTO audit (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}
	entry.ID = id
	return nil
}

// CreateAuditEntry creates a new audit trail entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	return insertAudit(ctx, s.db, entry)
}

// ListAuditEntries lists audit entries with optional filters, newest first
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = -1
	}

	query := `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR actor = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, action, action, actor, actor, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.TargetID,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// SetPolicyState records whether a policy is enabled, with an audit entry
// for the change.
func (s *SQLiteStore) SetPolicyState(ctx context.Context, name string, enabled bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO policy_states (name, enabled, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET enabled = excluded.enabled, updated_at = excluded.updated_at
	`, name, enabled, now)
	if err != nil {
		return fmt.Errorf("failed to save policy state: %w", err)
	}

	action := "policy.disabled"
	if enabled {
		action = "policy.enabled"
	}
	if err := insertAudit(ctx, tx, &AuditEntry{
		Action:    action,
		Actor:     s.cfg.Actor,
		TargetID:  &name,
		Timestamp: now,
	}); err != nil {
		return err
	}

	return tx.Commit()
}

// PolicyStates returns the recorded enabled flag of every toggled policy.
func (s *SQLiteStore) PolicyStates(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, enabled FROM policy_states`)
	if err != nil {
		return nil, fmt.Errorf("failed to list policy states: %w", err)
	}
	defer rows.Close()

	states := make(map[string]bool)
	for rows.Next() {
		var (
			name    string
			enabled bool
		)
		if err := rows.Scan(&name, &enabled); err != nil {
			return nil, fmt.Errorf("failed to scan policy state: %w", err)
		}
		states[name] = enabled
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating policy states: %w", err)
	}
	return states, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func ptr[T any](v T) *T {
	return &v
}
