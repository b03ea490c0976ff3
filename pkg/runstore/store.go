// Package runstore persists one record per proxied agent call in
// SQLite and answers filtered queries over the history.
//
// Excerpts pass through the redactor on the way in, so the database
// never holds unredacted secret material; export needs no second
// masking pass.
package runstore

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/openclaw/clawproxy/internal/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	ended_at INTEGER,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	log_bytes INTEGER NOT NULL DEFAULT 0,
	log_excerpt TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

CREATE TABLE IF NOT EXISTS denials (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at INTEGER NOT NULL,
	command TEXT NOT NULL,
	reason TEXT NOT NULL
);
`

// maxExcerptBytes caps the searchable excerpt kept per run
const maxExcerptBytes = 20000

// Store is the durable run record store
type Store struct {
	db       *sql.DB
	redactor *logger.Redactor
	logger   zerolog.Logger

	// Per-run write serialization. Updates to one run are sequenced;
	// different runs proceed independently.
	runLocks sync.Map // run id -> *sync.Mutex
}

// Config holds run store configuration
type Config struct {
	DBPath   string
	Redactor *logger.Redactor
	Logger   zerolog.Logger
}

// NewStore opens (creating if needed) the run database
func NewStore(cfg Config) (*Store, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("runstore: database path is required")
	}
	if cfg.Redactor == nil {
		cfg.Redactor = logger.NewRedactor()
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("runstore: open database: %w", err)
	}

	// WAL keeps concurrent streaming requests from serializing on the
	// writer lock for reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("runstore: enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("runstore: initialize schema: %w", err)
	}

	s := &Store{
		db:       db,
		redactor: cfg.Redactor,
		logger:   cfg.Logger,
	}

	s.logger.Info().Str("path", cfg.DBPath).Msg("Run store initialized")
	return s, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) lockRun(id string) *sync.Mutex {
	mu, _ := s.runLocks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Create inserts a new run in pending status
func (s *Store) Create(run Run) error {
	if run.ID == "" {
		return errors.New("runstore: run id is required")
	}
	if run.Status == "" {
		run.Status = StatusPending
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	_, err := s.db.Exec(
		`INSERT INTO runs (id, kind, provider, model, status, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Kind), run.Provider, run.Model, string(run.Status), run.StartedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("runstore: create run %s: %w", run.ID, err)
	}
	return nil
}

// UpdateStatus moves a run forward. Illegal transitions are rejected,
// and the end timestamp is written exactly once, on the transition
// into a terminal status.
func (s *Store) UpdateStatus(id string, next Status, errorMessage string) error {
	mu := s.lockRun(id)
	mu.Lock()
	defer mu.Unlock()

	current, err := s.Get(id)
	if err != nil {
		return err
	}
	if !current.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s (run %s)", ErrBadTransition, current.Status, next, id)
	}

	if errorMessage != "" {
		errorMessage = s.redactor.Redact(errorMessage)
	}

	if next.Terminal() {
		_, err = s.db.Exec(
			`UPDATE runs SET status = ?, ended_at = ?, error_message = ? WHERE id = ?`,
			string(next), time.Now().UnixMilli(), errorMessage, id,
		)
		// Terminal runs take no further updates; drop the lock entry.
		defer s.runLocks.Delete(id)
	} else {
		_, err = s.db.Exec(
			`UPDATE runs SET status = ? WHERE id = ?`,
			string(next), id,
		)
	}
	if err != nil {
		return fmt.Errorf("runstore: update run %s: %w", id, err)
	}
	return nil
}

// AddTokens accumulates token counts for an in-flight run
func (s *Store) AddTokens(id string, prompt, completion int64) error {
	mu := s.lockRun(id)
	mu.Lock()
	defer mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE runs SET prompt_tokens = prompt_tokens + ?, completion_tokens = completion_tokens + ? WHERE id = ?`,
		prompt, completion, id,
	)
	if err != nil {
		return fmt.Errorf("runstore: add tokens for run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// SetTokens overwrites the run's token counters with authoritative
// values, replacing any incremental estimates
func (s *Store) SetTokens(id string, prompt, completion int64) error {
	mu := s.lockRun(id)
	mu.Lock()
	defer mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE runs SET prompt_tokens = ?, completion_tokens = ? WHERE id = ?`,
		prompt, completion, id,
	)
	if err != nil {
		return fmt.Errorf("runstore: set tokens for run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// AppendExcerpt adds redacted text to the run's searchable excerpt and
// bumps the logged-bytes counter. The excerpt is capped; overflow is
// counted but not stored.
func (s *Store) AppendExcerpt(id string, text string) error {
	mu := s.lockRun(id)
	mu.Lock()
	defer mu.Unlock()

	redacted := s.redactor.Redact(text)

	current, err := s.Get(id)
	if err != nil {
		return err
	}

	room := maxExcerptBytes - len(current.LogExcerpt)
	keep := redacted
	if room <= 0 {
		keep = ""
	} else if len(keep) > room {
		keep = keep[:room]
	}

	_, err = s.db.Exec(
		`UPDATE runs SET log_excerpt = log_excerpt || ?, log_bytes = log_bytes + ? WHERE id = ?`,
		keep, int64(len(text)), id,
	)
	if err != nil {
		return fmt.Errorf("runstore: append excerpt for run %s: %w", id, err)
	}
	return nil
}

// Get returns a single run by id
func (s *Store) Get(id string) (*Run, error) {
	row := s.db.QueryRow(
		`SELECT id, kind, provider, model, status, started_at, ended_at,
		        prompt_tokens, completion_tokens, log_bytes, log_excerpt, error_message
		 FROM runs WHERE id = ?`, id,
	)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, fmt.Errorf("runstore: get run %s: %w", id, err)
	}
	return run, nil
}

// Query returns runs matching the filter, most recent first
func (s *Store) Query(f Filter) ([]Run, error) {
	where, args := buildWhere(f)

	q := `SELECT id, kind, provider, model, status, started_at, ended_at,
	             prompt_tokens, completion_tokens, log_bytes, log_excerpt, error_message
	      FROM runs` + where + ` ORDER BY started_at DESC`

	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			q += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("runstore: query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("runstore: scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("runstore: iterate runs: %w", err)
	}
	return runs, nil
}

// CountByStatus returns run totals grouped by status
func (s *Store) CountByStatus() (map[Status]int64, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("runstore: count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("runstore: scan count: %w", err)
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

// Purge deletes runs that ended before the cutoff. In-flight runs are
// never purged. Returns the number of deleted runs.
func (s *Store) Purge(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM runs WHERE ended_at IS NOT NULL AND ended_at < ?`,
		olderThan.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("runstore: purge runs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info().Int64("count", n).Time("older_than", olderThan).Msg("Purged runs")
	}
	return n, nil
}

// RecordDenial stores an audit record for a refused command. The
// command line passes through the redactor like everything else.
func (s *Store) RecordDenial(command, reason string) error {
	_, err := s.db.Exec(
		`INSERT INTO denials (created_at, command, reason) VALUES (?, ?, ?)`,
		time.Now().UnixMilli(), s.redactor.Redact(command), reason,
	)
	if err != nil {
		return fmt.Errorf("runstore: record denial: %w", err)
	}
	return nil
}

// Denials returns recent denial records, newest first
func (s *Store) Denials(limit int) ([]Denial, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, created_at, command, reason FROM denials ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("runstore: query denials: %w", err)
	}
	defer rows.Close()

	var denials []Denial
	for rows.Next() {
		var d Denial
		var createdAt int64
		if err := rows.Scan(&d.ID, &createdAt, &d.Command, &d.Reason); err != nil {
			return nil, fmt.Errorf("runstore: scan denial: %w", err)
		}
		d.CreatedAt = time.UnixMilli(createdAt)
		denials = append(denials, d)
	}
	return denials, rows.Err()
}

func buildWhere(f Filter) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if f.Provider != "" {
		clauses = append(clauses, "provider = ?")
		args = append(args, f.Provider)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Search != "" {
		clauses = append(clauses, `log_excerpt LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(f.Search)+"%")
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "started_at >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "started_at <= ?")
		args = append(args, f.Until.UnixMilli())
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var kind, status string
	var startedAt int64
	var endedAt sql.NullInt64

	err := row.Scan(
		&run.ID, &kind, &run.Provider, &run.Model, &status, &startedAt, &endedAt,
		&run.PromptTokens, &run.CompletionTokens, &run.LogBytes, &run.LogExcerpt, &run.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}

	run.Kind = Kind(kind)
	run.Status = Status(status)
	run.StartedAt = time.UnixMilli(startedAt)
	if endedAt.Valid {
		t := time.UnixMilli(endedAt.Int64)
		run.EndedAt = &t
	}
	return &run, nil
}
