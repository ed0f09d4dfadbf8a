package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vinayprograms/unfold/internal/failure"
	"github.com/vinayprograms/unfold/internal/knowledge"
	"github.com/vinayprograms/unfold/internal/llm"
)

// Store persists sessions.
type Store interface {
	Save(sess *Session) error
	Load(id string) (*Session, error)
	List() ([]Summary, error)
	Close() error
}

// Summary is one row of a session listing.
type Summary struct {
	ID         string    `json:"id"`
	BinaryPath string    `json:"binary_path"`
	Mode       Mode      `json:"mode"`
	State      State     `json:"state"`
	Turns      int       `json:"turns"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Latest returns the most recently updated session in store.
func Latest(store Store) (*Session, error) {
	list, err := store.List()
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, failure.New(failure.Validation, "latest session", "no saved sessions")
	}
	return store.Load(list[0].ID)
}

// Resolve loads id, or the latest session when id is "latest".
func Resolve(store Store, id string) (*Session, error) {
	if id == "latest" {
		return Latest(store)
	}
	return store.Load(id)
}

func sortSummaries(list []Summary) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].UpdatedAt.After(list[j].UpdatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

// JSONL record types.
const (
	RecordTypeHeader = "header"
	RecordTypeTurn   = "turn"
	RecordTypeEvent  = "event"
	RecordTypeFact   = "fact"
	RecordTypeFooter = "footer"
)

type header struct {
	ID         string    `json:"id"`
	BinaryPath string    `json:"binary_path"`
	Identity   string    `json:"identity"`
	Mode       Mode      `json:"mode"`
	Goal       string    `json:"goal,omitempty"`
	Budget     int       `json:"budget"`
	CreatedAt  time.Time `json:"created_at"`
}

type footer struct {
	State      State        `json:"state"`
	Report     string       `json:"report,omitempty"`
	Incomplete bool         `json:"incomplete,omitempty"`
	Cause      string       `json:"cause,omitempty"`
	CauseKind  failure.Kind `json:"cause_kind,omitempty"`
	FollowUps  []string     `json:"follow_ups,omitempty"`
	Model      string       `json:"model,omitempty"`
	TurnsUsed  int          `json:"turns_used"`
	Usage      llm.Usage    `json:"usage"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// JSONLRecord is one line of a session file.
type JSONLRecord struct {
	RecordType string          `json:"_type"`
	Header     *header         `json:"header,omitempty"`
	Turn       *Turn           `json:"turn,omitempty"`
	Event      *Event          `json:"event,omitempty"`
	Fact       *knowledge.Fact `json:"fact,omitempty"`
	Footer     *footer         `json:"footer,omitempty"`
}

// FileStore keeps one JSONL file per session.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the session directory.
func (s *FileStore) Dir() string { return s.dir }

// Path returns the file a session with id is saved to.
func (s *FileStore) Path(id string) string { return s.path(id) }

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".jsonl")
}

// Save writes sess, replacing any earlier file. The file is written to a
// temporary name and renamed into place.
func (s *FileStore) Save(sess *Session) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, sess.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create session file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	records := []JSONLRecord{{RecordType: RecordTypeHeader, Header: &header{
		ID:         sess.ID,
		BinaryPath: sess.BinaryPath,
		Identity:   sess.Identity,
		Mode:       sess.Mode,
		Goal:       sess.Goal,
		Budget:     sess.Budget,
		CreatedAt:  sess.CreatedAt,
	}}}
	for i := range sess.Turns {
		records = append(records, JSONLRecord{RecordType: RecordTypeTurn, Turn: &sess.Turns[i]})
	}
	for i := range sess.Events {
		records = append(records, JSONLRecord{RecordType: RecordTypeEvent, Event: &sess.Events[i]})
	}
	for i := range sess.Facts {
		records = append(records, JSONLRecord{RecordType: RecordTypeFact, Fact: &sess.Facts[i]})
	}
	records = append(records, JSONLRecord{RecordType: RecordTypeFooter, Footer: &footer{
		State:      sess.State,
		Report:     sess.Report,
		Incomplete: sess.Incomplete,
		Cause:      sess.Cause,
		CauseKind:  sess.CauseKind,
		FollowUps:  sess.FollowUps,
		Model:      sess.Model,
		TurnsUsed:  sess.TurnsUsed,
		Usage:      sess.Usage,
		UpdatedAt:  sess.UpdatedAt,
	}})

	for _, rec := range records {
		if err := writeLine(w, rec); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(sess.ID)); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func writeLine(w io.Writer, record JSONLRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// Load reads a session by ID.
func (s *FileStore) Load(id string) (*Session, error) {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return nil, failure.New(failure.Validation, "load session", "invalid session id %q", id)
	}
	f, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, failure.New(failure.Validation, "load session", "session not found: %s", id)
		}
		return nil, err
	}
	defer f.Close()
	return readJSONL(f)
}

func readJSONL(r io.Reader) (*Session, error) {
	sess := &Session{Turns: []Turn{}, Events: []Event{}}

	// bufio.Reader has no line length limit; turns can be large.
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("error reading JSONL: %w", err)
		}
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			if perr := parseJSONLLine(trimmed, sess); perr != nil {
				return nil, perr
			}
		}
		if err == io.EOF {
			break
		}
	}
	if sess.ID == "" {
		return nil, fmt.Errorf("session file has no header")
	}
	sess.restoreSeq()
	return sess, nil
}

func parseJSONLLine(line []byte, sess *Session) error {
	var record JSONLRecord
	if err := json.Unmarshal(line, &record); err != nil {
		return fmt.Errorf("failed to parse JSONL line: %w", err)
	}

	switch record.RecordType {
	case RecordTypeHeader:
		if h := record.Header; h != nil {
			sess.ID = h.ID
			sess.BinaryPath = h.BinaryPath
			sess.Identity = h.Identity
			sess.Mode = h.Mode
			sess.Goal = h.Goal
			sess.Budget = h.Budget
			sess.CreatedAt = h.CreatedAt
		}
	case RecordTypeTurn:
		if record.Turn != nil {
			sess.Turns = append(sess.Turns, *record.Turn)
		}
	case RecordTypeEvent:
		if record.Event != nil {
			sess.Events = append(sess.Events, *record.Event)
		}
	case RecordTypeFact:
		if record.Fact != nil {
			sess.Facts = append(sess.Facts, *record.Fact)
		}
	case RecordTypeFooter:
		if f := record.Footer; f != nil {
			sess.State = f.State
			sess.Report = f.Report
			sess.Incomplete = f.Incomplete
			sess.Cause = f.Cause
			sess.CauseKind = f.CauseKind
			sess.FollowUps = f.FollowUps
			sess.Model = f.Model
			sess.TurnsUsed = f.TurnsUsed
			sess.Usage = f.Usage
			sess.UpdatedAt = f.UpdatedAt
		}
	}
	return nil
}

// List summarizes every saved session, newest first.
func (s *FileStore) List() ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	var list []Summary
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		sess, err := s.Load(strings.TrimSuffix(e.Name(), ".jsonl"))
		if err != nil {
			continue
		}
		list = append(list, Summary{
			ID:         sess.ID,
			BinaryPath: sess.BinaryPath,
			Mode:       sess.Mode,
			State:      sess.State,
			Turns:      len(sess.Turns),
			UpdatedAt:  sess.UpdatedAt,
		})
	}
	sortSummaries(list)
	return list, nil
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }
