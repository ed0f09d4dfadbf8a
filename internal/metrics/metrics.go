// Package metrics exposes Prometheus counters for sessions, turns, tool
// calls and reasoning usage.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"github.com/vinayprograms/unfold/internal/cache"
	"github.com/vinayprograms/unfold/internal/session"
	"github.com/vinayprograms/unfold/internal/tools"
)

const namespace = "unfold"

// DefaultMaxConns caps concurrent scrape connections.
const DefaultMaxConns = 8

// Metrics holds the collectors of one process.
type Metrics struct {
	registry *prometheus.Registry

	Sessions     *prometheus.CounterVec
	Turns        prometheus.Counter
	ToolCalls    *prometheus.CounterVec
	ToolLatency  *prometheus.HistogramVec
	Retries      prometheus.Counter
	Tokens       *prometheus.CounterVec
	ElidedTurns  prometheus.Histogram
	CacheHits    prometheus.CounterFunc
	CacheMisses  prometheus.CounterFunc
	Invalidation prometheus.CounterFunc
}

// New registers the collectors on a private registry. c may be nil.
func New(c *cache.Cache) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Sessions finished, by terminal state.",
		}, []string{"state", "mode"}),
		Turns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Turns taken across all sessions.",
		}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations, by tool and outcome (ok, cached, failed).",
		}, []string{"tool", "outcome"}),
		ToolLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Tool invocation latency, cache hits included.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120},
		}, []string{"tool"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reasoning_retries_total",
			Help:      "Failed reasoning attempts that were retried or gave up.",
		}),
		Tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reasoning_tokens_total",
			Help:      "Reasoning tokens, by direction.",
		}, []string{"direction"}),
		ElidedTurns: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "context_elided_turns",
			Help:      "Turns elided from each reasoning request by the compactor.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
		}),
	}
	reg.MustRegister(m.Sessions, m.Turns, m.ToolCalls, m.ToolLatency, m.Retries, m.Tokens, m.ElidedTurns)

	if c != nil {
		m.CacheHits = prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_hits_total", Help: "Result cache hits.",
		}, func() float64 { return float64(c.Stats().Hits) })
		m.CacheMisses = prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_misses_total", Help: "Result cache misses.",
		}, func() float64 { return float64(c.Stats().Misses) })
		m.Invalidation = prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_invalidated_total", Help: "Result cache entries invalidated.",
		}, func() float64 { return float64(c.Stats().Invalidated) })
		reg.MustRegister(m.CacheHits, m.CacheMisses, m.Invalidation)
	}
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveTool records one tool result.
func (m *Metrics) ObserveTool(res *tools.Result) {
	outcome := "ok"
	switch {
	case res.Failure != nil:
		outcome = "failed"
	case res.Cached:
		outcome = "cached"
	}
	m.ToolCalls.WithLabelValues(res.Tool, outcome).Inc()
	m.ToolLatency.WithLabelValues(res.Tool).Observe(res.Duration.Seconds())
}

// ObserveTurn records one appended turn.
func (m *Metrics) ObserveTurn(turn *session.Turn) {
	m.Turns.Inc()
	m.ElidedTurns.Observe(float64(turn.Request.Elided))
	m.Tokens.WithLabelValues("input").Add(float64(turn.InputTokens))
	m.Tokens.WithLabelValues("output").Add(float64(turn.OutputTokens))
}

// ObserveRetry records one failed reasoning attempt.
func (m *Metrics) ObserveRetry(attempt int, err error) {
	m.Retries.Inc()
}

// ObserveSession records a session reaching a terminal state.
func (m *Metrics) ObserveSession(sess *session.Session) {
	m.Sessions.WithLabelValues(string(sess.State), string(sess.Mode)).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Server is a running metrics endpoint.
type Server struct {
	srv  *http.Server
	addr net.Addr
	done chan error
}

// Serve listens on addr and serves /metrics with at most maxConns
// concurrent connections.
func Serve(addr string, h http.Handler, maxConns int) (*Server, error) {
	if maxConns <= 0 {
		maxConns = DefaultMaxConns
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	ln = netutil.LimitListener(ln, maxConns)

	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	s := &Server{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		addr: ln.Addr(),
		done: make(chan error, 1),
	}
	go func() {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.done <- err
	}()
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.addr.String() }

// Close shuts the server down and waits for it to stop.
func (s *Server) Close(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return err
	}
	return <-s.done
}
