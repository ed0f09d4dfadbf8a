// Package events publishes session lifecycle and tool audit records to an
// event bus.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/unfold/internal/failure"
	"github.com/vinayprograms/unfold/internal/logging"
	"github.com/vinayprograms/unfold/internal/session"
	"github.com/vinayprograms/unfold/internal/tools"
)

// Event kinds. Each is appended to the configured subject.
const (
	KindTurn    = "turn"
	KindTool    = "tool"
	KindAudit   = "audit"
	KindSession = "session"
)

// DefaultSubject prefixes every published subject.
const DefaultSubject = "unfold.events"

// Envelope is one published record.
type Envelope struct {
	ID         string                 `json:"id"`
	Kind       string                 `json:"kind"`
	Time       time.Time              `json:"time"`
	SessionID  string                 `json:"session_id"`
	Identity   string                 `json:"identity"`
	Turn       int                    `json:"turn,omitempty"`
	Tool       string                 `json:"tool,omitempty"`
	Args       map[string]interface{} `json:"args,omitempty"`
	Cached     bool                   `json:"cached,omitempty"`
	Error      string                 `json:"error,omitempty"`
	DurationMs int64                  `json:"duration_ms,omitempty"`
	Tokens     int                    `json:"tokens,omitempty"`
	State      string                 `json:"state,omitempty"`
	Incomplete bool                   `json:"incomplete,omitempty"`
}

// Publisher sends envelopes somewhere.
type Publisher interface {
	Publish(ctx context.Context, e Envelope) error
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(context.Context, Envelope) error { return nil }
func (Nop) Close() error                            { return nil }

// NATSPublisher publishes JSON envelopes on <subject>.<kind>.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

// Connect dials the NATS server at url.
func Connect(url, subject string, timeout time.Duration) (*NATSPublisher, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	nc, err := nats.Connect(url,
		nats.Name("unfold"),
		nats.Timeout(timeout),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, failure.Wrap(failure.BackendUnavailable, "connect event bus", err)
	}
	return &NATSPublisher{conn: nc, subject: subject}, nil
}

// Subject returns the subject an envelope of kind is published on.
func (p *NATSPublisher) Subject(kind string) string { return p.subject + "." + kind }

// Publish sends e. The context only gates the call; NATS publishes are
// buffered by the client.
func (p *NATSPublisher) Publish(ctx context.Context, e Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(e.Kind), data); err != nil {
		return failure.Wrap(failure.BackendUnavailable, "publish event", err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

// Forwarder turns executor callbacks for one session into envelopes.
// Publish failures are logged and never reach the session.
type Forwarder struct {
	pub     Publisher
	sess    *session.Session
	classOf func(tool string) tools.SideEffect
	logger  *logging.Logger
	ctx     context.Context
}

// NewForwarder binds pub to sess. classOf reports a tool's side-effect
// class so that external tools are published with their arguments.
func NewForwarder(ctx context.Context, pub Publisher, sess *session.Session, classOf func(string) tools.SideEffect, logger *logging.Logger) *Forwarder {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Forwarder{
		pub:     pub,
		sess:    sess,
		classOf: classOf,
		logger:  logger.WithComponent("events"),
		ctx:     ctx,
	}
}

func (f *Forwarder) envelope(kind string) Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		Kind:      kind,
		Time:      time.Now().UTC(),
		SessionID: f.sess.ID,
		Identity:  f.sess.Identity,
	}
}

// Turn publishes an appended turn.
func (f *Forwarder) Turn(t *session.Turn) {
	e := f.envelope(KindTurn)
	e.Turn = t.Index
	e.Tokens = t.InputTokens + t.OutputTokens
	e.DurationMs = t.Duration.Milliseconds()
	f.send(e)
}

// Tool publishes a tool result. External tools are published as audit
// records carrying their arguments.
func (f *Forwarder) Tool(res *tools.Result) {
	kind := KindTool
	if f.classOf != nil && f.classOf(res.Tool) == tools.External {
		kind = KindAudit
	}
	e := f.envelope(kind)
	e.Turn = len(f.sess.Turns)
	e.Tool = res.Tool
	e.Cached = res.Cached
	e.DurationMs = res.Duration.Milliseconds()
	if res.Failure != nil {
		e.Error = fmt.Sprintf("%s: %s", res.Failure.Kind, res.Failure.Message)
	}
	if kind == KindAudit {
		e.Args = res.Args
	}
	f.send(e)
}

// Session publishes the session's terminal state.
func (f *Forwarder) Session() {
	e := f.envelope(KindSession)
	e.Turn = len(f.sess.Turns)
	e.State = string(f.sess.State)
	e.Incomplete = f.sess.Incomplete
	e.Error = f.sess.Cause
	f.send(e)
}

func (f *Forwarder) send(e Envelope) {
	if err := f.pub.Publish(f.ctx, e); err != nil {
		f.logger.Warn("event publish failed", map[string]interface{}{
			"kind":  e.Kind,
			"error": err.Error(),
		})
	}
}
