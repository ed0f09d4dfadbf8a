package session

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vinayprograms/unfold/internal/failure"
)

// SQLiteStore stores sessions in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		binary_path TEXT NOT NULL,
		identity TEXT NOT NULL,
		mode TEXT NOT NULL,
		goal TEXT,
		follow_ups TEXT,
		model TEXT,
		budget INTEGER NOT NULL,
		turns_used INTEGER NOT NULL,
		state TEXT NOT NULL,
		report TEXT,
		incomplete INTEGER NOT NULL DEFAULT 0,
		cause TEXT,
		cause_kind TEXT,
		usage TEXT,
		facts TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS turns (
		session_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		data TEXT NOT NULL,
		PRIMARY KEY (session_id, idx),
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS events (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		turn INTEGER NOT NULL,
		content TEXT,
		tool TEXT,
		args TEXT,
		error TEXT,
		cached INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER,
		timestamp DATETIME NOT NULL,
		PRIMARY KEY (session_id, seq),
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Save upserts sess and replaces its turns and events.
func (s *SQLiteStore) Save(sess *Session) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	followUps, _ := json.Marshal(sess.FollowUps)
	usage, _ := json.Marshal(sess.Usage)
	facts, err := json.Marshal(sess.Facts)
	if err != nil {
		return fmt.Errorf("failed to encode facts: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO sessions (id, binary_path, identity, mode, goal, follow_ups, model, budget, turns_used,
			state, report, incomplete, cause, cause_kind, usage, facts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			follow_ups = excluded.follow_ups,
			model = excluded.model,
			turns_used = excluded.turns_used,
			state = excluded.state,
			report = excluded.report,
			incomplete = excluded.incomplete,
			cause = excluded.cause,
			cause_kind = excluded.cause_kind,
			usage = excluded.usage,
			facts = excluded.facts,
			updated_at = excluded.updated_at
	`, sess.ID, sess.BinaryPath, sess.Identity, string(sess.Mode), sess.Goal, string(followUps), sess.Model,
		sess.Budget, sess.TurnsUsed, string(sess.State), sess.Report, sess.Incomplete, sess.Cause,
		string(sess.CauseKind), string(usage), string(facts), sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM turns WHERE session_id = ?", sess.ID); err != nil {
		return fmt.Errorf("failed to delete turns: %w", err)
	}
	for _, turn := range sess.Turns {
		data, err := json.Marshal(turn)
		if err != nil {
			return fmt.Errorf("failed to encode turn %d: %w", turn.Index, err)
		}
		if _, err := tx.Exec("INSERT INTO turns (session_id, idx, data) VALUES (?, ?, ?)",
			sess.ID, turn.Index, string(data)); err != nil {
			return fmt.Errorf("failed to save turn: %w", err)
		}
	}

	if _, err := tx.Exec("DELETE FROM events WHERE session_id = ?", sess.ID); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}
	for _, event := range sess.Events {
		var args []byte
		if event.Args != nil {
			args, _ = json.Marshal(event.Args)
		}
		_, err = tx.Exec(`
			INSERT INTO events (session_id, seq, type, turn, content, tool, args, error, cached, duration_ms, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, sess.ID, event.SeqID, event.Type, event.Turn, event.Content, event.Tool,
			string(args), event.Error, event.Cached, event.DurationMs, event.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to save event: %w", err)
		}
	}

	return tx.Commit()
}

// Load reads a session by ID.
func (s *SQLiteStore) Load(id string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, binary_path, identity, mode, goal, follow_ups, model, budget, turns_used,
			state, report, incomplete, cause, cause_kind, usage, facts, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id)

	sess := &Session{Turns: []Turn{}, Events: []Event{}}
	var mode, state, causeKind string
	var goal, followUps, model, report, cause, usage, facts sql.NullString
	err := row.Scan(&sess.ID, &sess.BinaryPath, &sess.Identity, &mode, &goal, &followUps, &model,
		&sess.Budget, &sess.TurnsUsed, &state, &report, &sess.Incomplete, &cause, &causeKind,
		&usage, &facts, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, failure.New(failure.Validation, "load session", "session not found: %s", id)
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	sess.Mode = Mode(mode)
	sess.State = State(state)
	sess.CauseKind = failure.Kind(causeKind)
	sess.Goal = goal.String
	sess.Model = model.String
	sess.Report = report.String
	sess.Cause = cause.String
	if err := decodeColumn(followUps, &sess.FollowUps); err != nil {
		return nil, err
	}
	if err := decodeColumn(usage, &sess.Usage); err != nil {
		return nil, err
	}
	if err := decodeColumn(facts, &sess.Facts); err != nil {
		return nil, err
	}

	if err := s.loadTurns(sess); err != nil {
		return nil, err
	}
	if err := s.loadEvents(sess); err != nil {
		return nil, err
	}
	sess.restoreSeq()
	return sess, nil
}

func decodeColumn(col sql.NullString, v interface{}) error {
	if !col.Valid || col.String == "" || col.String == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(col.String), v); err != nil {
		return fmt.Errorf("failed to decode column: %w", err)
	}
	return nil
}

func (s *SQLiteStore) loadTurns(sess *Session) error {
	rows, err := s.db.Query("SELECT data FROM turns WHERE session_id = ? ORDER BY idx", sess.ID)
	if err != nil {
		return fmt.Errorf("failed to load turns: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return fmt.Errorf("failed to scan turn: %w", err)
		}
		var turn Turn
		if err := json.Unmarshal([]byte(data), &turn); err != nil {
			return fmt.Errorf("failed to decode turn: %w", err)
		}
		sess.Turns = append(sess.Turns, turn)
	}
	return rows.Err()
}

func (s *SQLiteStore) loadEvents(sess *Session) error {
	rows, err := s.db.Query(`
		SELECT seq, type, turn, content, tool, args, error, cached, duration_ms, timestamp
		FROM events WHERE session_id = ? ORDER BY seq
	`, sess.ID)
	if err != nil {
		return fmt.Errorf("failed to load events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var event Event
		var content, tool, args, eventError sql.NullString
		var durationMs sql.NullInt64
		err := rows.Scan(&event.SeqID, &event.Type, &event.Turn, &content, &tool, &args,
			&eventError, &event.Cached, &durationMs, &event.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to scan event: %w", err)
		}
		event.Content = content.String
		event.Tool = tool.String
		event.Error = eventError.String
		event.DurationMs = durationMs.Int64
		if err := decodeColumn(args, &event.Args); err != nil {
			return err
		}
		sess.Events = append(sess.Events, event)
	}
	return rows.Err()
}

// List summarizes every saved session, newest first.
func (s *SQLiteStore) List() ([]Summary, error) {
	rows, err := s.db.Query(`
		SELECT s.id, s.binary_path, s.mode, s.state, s.updated_at,
			(SELECT COUNT(*) FROM turns t WHERE t.session_id = s.id)
		FROM sessions s
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var list []Summary
	for rows.Next() {
		var sum Summary
		var mode, state string
		if err := rows.Scan(&sum.ID, &sum.BinaryPath, &mode, &state, &sum.UpdatedAt, &sum.Turns); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sum.Mode = Mode(mode)
		sum.State = State(state)
		list = append(list, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortSummaries(list)
	return list, nil
}

// Open returns the store for a configured backend.
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", "jsonl":
		return NewFileStore(path)
	case "sqlite":
		if !strings.HasSuffix(path, ".db") {
			path = filepath.Join(path, "sessions.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create session directory: %w", err)
		}
		return NewSQLiteStore(path)
	default:
		return nil, failure.New(failure.Validation, "open session store", "unknown storage backend %q", backend)
	}
}
