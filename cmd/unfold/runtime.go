// Package main provides runtime wiring for an investigation.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/vinayprograms/unfold/internal/analysis"
	"github.com/vinayprograms/unfold/internal/binary"
	"github.com/vinayprograms/unfold/internal/cache"
	"github.com/vinayprograms/unfold/internal/compactor"
	"github.com/vinayprograms/unfold/internal/config"
	"github.com/vinayprograms/unfold/internal/events"
	"github.com/vinayprograms/unfold/internal/executor"
	"github.com/vinayprograms/unfold/internal/failure"
	"github.com/vinayprograms/unfold/internal/ghidra"
	"github.com/vinayprograms/unfold/internal/llm"
	"github.com/vinayprograms/unfold/internal/logging"
	"github.com/vinayprograms/unfold/internal/metrics"
	"github.com/vinayprograms/unfold/internal/report"
	"github.com/vinayprograms/unfold/internal/sandbox"
	"github.com/vinayprograms/unfold/internal/session"
	"github.com/vinayprograms/unfold/internal/tools"
)

// runtime handles one investigation from setup to report.
type runtime struct {
	cmd    *AnalyzeCmd
	cfg    *config.Config
	logger *logging.Logger
	stdout io.Writer

	// Components
	provider   llm.Provider
	usage      *llm.UsageTracker
	backend    analysis.Backend
	runner     sandbox.Runner
	cache      *cache.Cache
	store      session.Store
	metrics    *metrics.Metrics
	metricsSrv *metrics.Server
	publisher  events.Publisher
	forwarder  *events.Forwarder
	watcher    *binary.Watcher
	target     *tools.Target
	exec       *executor.Executor
	sess       *session.Session

	// ask reads a follow-up question; ok is false when the user is done.
	ask func() (question string, ok bool, err error)

	// Cleanup, run in reverse order.
	closers []func()
}

// newRuntime creates a runtime for cmd with an effective configuration.
func newRuntime(cmd *AnalyzeCmd, cfg *config.Config) *runtime {
	return &runtime{
		cmd:    cmd,
		cfg:    cfg,
		logger: logging.New().WithComponent("cli"),
		stdout: os.Stdout,
	}
}

// loadConfig builds the configuration for cmd: files, environment, then flags.
func loadConfig(cmd *AnalyzeCmd) (*config.Config, error) {
	cfg, err := config.Load(cmd.Config)
	if err != nil {
		return nil, err
	}
	applyFlags(cfg, cmd)
	if err := cfg.Validate(); err != nil {
		return nil, failure.Wrap(failure.Validation, "load config", err)
	}
	return cfg, nil
}

// applyFlags overlays command-line flags, which take precedence over files
// and environment.
func applyFlags(cfg *config.Config, cmd *AnalyzeCmd) {
	if cmd.Model != "" {
		cfg.LLM.Model = cmd.Model
	} else {
		cfg.LLM.Model = cfg.ModelFor(cmd.Mode)
	}
	if cmd.Provider != "" {
		cfg.LLM.Provider = cmd.Provider
	}
	if cmd.MaxTurns > 0 {
		cfg.Agent.MaxTurns = cmd.MaxTurns
	}
	if cmd.Output != "" {
		cfg.Output.Format = cmd.Output
	}
	if cmd.File != "" {
		cfg.Output.File = cmd.File
	}
	if cmd.MetricsAddr != "" {
		cfg.Telemetry.MetricsAddr = cmd.MetricsAddr
	}
	if cmd.Fixture != "" {
		cfg.Analysis.Backend = "fixture"
		cfg.Analysis.Fixture = cmd.Fixture
		cfg.Sandbox.Backend = "fixture"
	}
	switch {
	case cmd.Verbose >= 2:
		cfg.Logging.Level = "debug"
	case cmd.Verbose == 1:
		cfg.Logging.Level = "info"
	}
	if f, err := report.ParseFormat(cfg.Output.Format); err == nil {
		cfg.Output.Format = string(f)
	}
}

// setup initializes all runtime components. Returns error on failure.
func (rt *runtime) setup(ctx context.Context) error {
	if err := rt.setupLogging(); err != nil {
		return err
	}
	if err := rt.setupSession(); err != nil {
		return err
	}
	if err := rt.createProvider(ctx); err != nil {
		return err
	}
	if err := rt.setupBackends(ctx); err != nil {
		return err
	}
	if err := rt.setupCache(); err != nil {
		return err
	}
	rt.setupWatcher(ctx)
	if err := rt.setupTelemetry(ctx); err != nil {
		return err
	}
	if err := rt.createExecutor(); err != nil {
		return err
	}
	rt.setupCallbacks(ctx)
	return nil
}

// setupLogging applies [logging] to the process loggers.
func (rt *runtime) setupLogging() error {
	var out io.Writer
	if path := rt.cfg.Logging.File; path != "" {
		path = config.ExpandPath(path)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		rt.closers = append(rt.closers, func() { f.Close() })
		out = f
	}
	logging.Configure(logging.ParseLevel(rt.cfg.Logging.Level), logging.Format(rt.cfg.Logging.Format), out)
	rt.logger = logging.New().WithComponent("cli")
	return nil
}

// setupSession opens the session store and creates or resumes a session.
func (rt *runtime) setupSession() error {
	store, err := session.Open(rt.cfg.Storage.Backend, config.ExpandPath(rt.cfg.Storage.Path))
	if err != nil {
		return err
	}
	rt.store = store
	rt.closers = append(rt.closers, func() { store.Close() })

	if rt.cmd.Resume != "" {
		return rt.resumeSession()
	}
	if rt.cmd.Binary == "" {
		return failure.New(failure.Validation, "analyze", "a binary path is required")
	}
	id, err := binary.IdentityOf(rt.cmd.Binary)
	if err != nil {
		return failure.Wrap(failure.Validation, "analyze", err)
	}
	mode, err := session.ParseMode(rt.cmd.Mode)
	if err != nil {
		return err
	}
	rt.sess = session.New(rt.cmd.Binary, string(id), mode, rt.cmd.Goal, rt.cfg.Agent.MaxTurns)
	rt.sess.Model = rt.cfg.LLM.Model
	return nil
}

// resumeSession loads a saved session. A finished session is reopened with
// --goal as the follow-up question; one interrupted mid-run continues.
func (rt *runtime) resumeSession() error {
	sess, err := session.Resolve(rt.store, rt.cmd.Resume)
	if err != nil {
		return err
	}
	if rt.cmd.Binary != "" && rt.cmd.Binary != sess.BinaryPath {
		rt.logger.Warn("binary path differs from the saved session", map[string]interface{}{
			"saved": sess.BinaryPath,
			"given": rt.cmd.Binary,
		})
		sess.BinaryPath = rt.cmd.Binary
	}
	id, err := binary.IdentityOf(sess.BinaryPath)
	if err != nil {
		return failure.Wrap(failure.Validation, "resume", err)
	}
	if string(id) != sess.Identity {
		return failure.New(failure.Validation, "resume",
			"%s changed since session %s was saved", sess.BinaryPath, sess.ID)
	}
	if sess.State.Terminal() {
		if err := sess.Reopen(rt.cmd.Goal); err != nil {
			return err
		}
		if rt.cmd.Goal != "" {
			sess.AddEvent(session.Event{Type: session.EventFollowUp, Turn: len(sess.Turns), Content: rt.cmd.Goal})
		}
	}
	if rt.cmd.MaxTurns > 0 {
		sess.Budget = rt.cmd.MaxTurns
	}
	rt.sess = sess
	return nil
}

// createProvider creates the reasoning provider and its usage tracker.
func (rt *runtime) createProvider(ctx context.Context) error {
	model := rt.cfg.LLM.Model
	if rt.provider == nil {
		name := rt.cfg.LLM.Provider
		if name == "" {
			name = llm.InferProviderFromModel(model)
		}
		baseURL := rt.cfg.LLM.BaseURL
		if name == "proxy" {
			baseURL = rt.cfg.ProxyBaseURL()
		}
		p, err := llm.NewProvider(ctx, llm.ProviderConfig{
			Provider:  name,
			Model:     model,
			APIKey:    rt.cfg.GetAPIKey(name),
			BaseURL:   baseURL,
			MaxTokens: rt.cfg.LLM.MaxTokens,
		})
		if err != nil {
			return failure.Wrap(failure.Validation, "create provider", err)
		}
		rt.provider = p
	}

	rt.usage = llm.NewUsageTracker(model)
	if pricing, ok := llm.LookupPricing(ctx, model); ok {
		rt.usage.SetPricing(pricing)
	}
	return nil
}

// setupBackends opens the analysis project and the sandbox runner.
func (rt *runtime) setupBackends(ctx context.Context) error {
	a := rt.cfg.Analysis
	switch a.Backend {
	case "fixture":
		fx, err := analysis.LoadFixture(config.ExpandPath(a.Fixture))
		if err != nil {
			return failure.Wrap(failure.Validation, "load fixture", err)
		}
		rt.backend = fx
	default:
		rt.backend = ghidra.New(ghidra.Config{
			BaseURL: a.URL,
			Timeout: config.Duration(a.Timeout, tools.DefaultTimeouts.Analysis),
		})
	}

	s := rt.cfg.Sandbox
	switch s.Backend {
	case "fixture":
		if a.Fixture == "" {
			return failure.New(failure.Validation, "load fixture", "the fixture sandbox needs analysis.fixture")
		}
		fx, err := sandbox.LoadFixture(config.ExpandPath(a.Fixture))
		if err != nil {
			return failure.Wrap(failure.Validation, "load fixture", err)
		}
		rt.runner = fx
	case "docker":
		d, err := sandbox.NewDocker(sandbox.DockerConfig{
			Image:     s.Image,
			Timeout:   config.Duration(s.Timeout, tools.DefaultTimeouts.Sandbox),
			Memory:    s.Memory,
			MaxOutput: int64(s.MaxOutput),
		})
		if err != nil {
			rt.logger.Warn("sandbox unavailable, dynamic execution disabled", map[string]interface{}{
				"error": err.Error(),
			})
			rt.runner = sandbox.Disabled{}
		} else {
			rt.runner = d
		}
	default:
		rt.runner = sandbox.Disabled{}
	}

	project, err := rt.backend.Open(ctx, rt.sess.BinaryPath)
	if err != nil {
		return err
	}
	rt.closers = append(rt.closers, func() { project.Close() })
	rt.target = &tools.Target{
		Path:     rt.sess.BinaryPath,
		Identity: binary.Identity(rt.sess.Identity),
		Project:  project,
		Runner:   rt.runner,
	}
	return nil
}

// setupCache creates the result cache, with a badger tier when persistence
// is enabled.
func (rt *runtime) setupCache() error {
	if !rt.cfg.Cache.Persist {
		rt.cache = cache.New(nil)
		rt.closers = append(rt.closers, func() { rt.cache.Close() })
		return nil
	}
	tier, err := cache.OpenBadger(config.ExpandPath(rt.cfg.Cache.Path))
	if err != nil {
		return err
	}
	rt.cache = cache.New(tier)
	rt.closers = append(rt.closers, func() { rt.cache.Close() })
	return nil
}

// setupWatcher drops the cache namespace of the binary when its contents
// change during the session.
func (rt *runtime) setupWatcher(ctx context.Context) {
	w, err := binary.NewWatcher(func(path string, old, updated binary.Identity) {
		rt.cache.DropBinary(old)
		rt.logger.Warn("binary changed on disk, cached results dropped", map[string]interface{}{
			"path": path,
			"was":  old.Short(),
			"now":  updated.Short(),
		})
	}, func(err error) {
		rt.logger.Debug("binary watcher", map[string]interface{}{"error": err.Error()})
	})
	if err != nil {
		rt.logger.Debug("binary watcher unavailable", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := w.Add(rt.sess.BinaryPath, rt.target.Identity); err != nil {
		w.Close()
		rt.logger.Debug("binary watcher unavailable", map[string]interface{}{"error": err.Error()})
		return
	}
	w.Start(ctx)
	rt.watcher = w
	rt.closers = append(rt.closers, func() { w.Close() })
}

// setupTelemetry creates metrics and, when configured, the metrics endpoint
// and event bus connection.
func (rt *runtime) setupTelemetry(ctx context.Context) error {
	rt.metrics = metrics.New(rt.cache)
	t := rt.cfg.Telemetry
	if t.MetricsAddr != "" {
		srv, err := metrics.Serve(t.MetricsAddr, rt.metrics.Handler(), metrics.DefaultMaxConns)
		if err != nil {
			return err
		}
		rt.metricsSrv = srv
		rt.logger.Info("serving metrics", map[string]interface{}{"addr": srv.Addr()})
		rt.closers = append(rt.closers, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Close(shutdownCtx)
		})
	}

	rt.publisher = events.Nop{}
	if t.NATSURL != "" {
		pub, err := events.Connect(t.NATSURL, t.NATSSubject, 5*time.Second)
		if err != nil {
			rt.logger.Warn("event bus unavailable, events disabled", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			rt.publisher = pub
			rt.closers = append(rt.closers, func() { pub.Close() })
		}
	}
	return nil
}

// createExecutor creates the executor for the session.
func (rt *runtime) createExecutor() error {
	c := rt.cfg
	est, err := compactor.NewEstimator(c.Compactor.Tokenizer)
	if err != nil {
		rt.logger.Warn("tokenizer unavailable, using heuristic", map[string]interface{}{"error": err.Error()})
		est = nil
	}

	exec, err := executor.New(rt.sess, executor.Options{
		Provider: rt.provider,
		Target:   rt.target,
		Cache:    rt.cache,
		Timeouts: tools.Timeouts{
			Analysis: config.Duration(c.Analysis.Timeout, tools.DefaultTimeouts.Analysis),
			Analyze:  config.Duration(c.Analysis.AnalyzeTimeout, tools.DefaultTimeouts.Analyze),
			Sandbox:  config.Duration(c.Sandbox.Timeout, tools.DefaultTimeouts.Sandbox),
		},
		Compactor: compactor.New(c.Compactor.BudgetTokens, c.Compactor.KeepRecent, est),
		Usage:     rt.usage,
		Limiter:   executor.NewLimiter(c.LLM.RequestsPerMinute),
		Retry: executor.RetryPolicy{
			MaxAttempts:    c.LLM.MaxRetries,
			InitialBackoff: config.Duration(c.LLM.InitialBackoff, executor.DefaultRetryPolicy.InitialBackoff),
			MaxBackoff:     config.Duration(c.LLM.MaxBackoff, executor.DefaultRetryPolicy.MaxBackoff),
			Timeout:        config.Duration(c.LLM.Timeout, executor.DefaultRetryPolicy.Timeout),
		},
		MaxTokens:       c.LLM.MaxTokens,
		TruncationLimit: c.Agent.TruncationLimit,
	})
	if err != nil {
		return err
	}
	rt.exec = exec
	rt.closers = append(rt.closers, func() { exec.Close() })
	return nil
}

// setupCallbacks feeds executor progress into metrics, the event bus and
// the session store.
func (rt *runtime) setupCallbacks(ctx context.Context) {
	registry := rt.exec.Registry()
	classOf := func(name string) tools.SideEffect {
		if spec := registry.Get(name); spec != nil {
			return spec.Class
		}
		return ""
	}
	rt.forwarder = events.NewForwarder(ctx, rt.publisher, rt.sess, classOf, rt.logger)

	rt.exec.OnTurn = func(turn *session.Turn) {
		rt.metrics.ObserveTurn(turn)
		rt.forwarder.Turn(turn)
		rt.save()
	}
	rt.exec.OnToolResult = func(res *tools.Result) {
		rt.metrics.ObserveTool(res)
		rt.forwarder.Tool(res)
	}
	rt.exec.OnRetry = func(attempt int, err error) {
		rt.metrics.ObserveRetry(attempt, err)
	}
}

// save persists the session when [storage].save_session is set.
func (rt *runtime) save() {
	if !rt.cfg.Storage.SaveSession {
		return
	}
	if err := rt.store.Save(rt.sess); err != nil {
		rt.logger.Warn("failed to save session", map[string]interface{}{"error": err.Error()})
	}
}

// finish records a finished run.
func (rt *runtime) finish() {
	rt.metrics.ObserveSession(rt.sess)
	rt.forwarder.Session()
	rt.save()
}

// run executes the investigation, writes the report and handles follow-up
// questions. It returns the state of the last run.
func (rt *runtime) run(ctx context.Context) (session.State, error) {
	res, err := rt.exec.Run(ctx)
	rt.finish()
	if res == nil {
		return session.StateAborted, err
	}
	if werr := rt.writeReport(); werr != nil {
		return res.State, werr
	}
	if !rt.cmd.Interactive || rt.ask == nil {
		return res.State, err
	}

	for ctx.Err() == nil {
		question, ok, aerr := rt.ask()
		if aerr != nil {
			return res.State, aerr
		}
		if !ok {
			break
		}
		res, err = rt.exec.FollowUp(ctx, question)
		rt.finish()
		if res == nil {
			return session.StateAborted, err
		}
		if werr := rt.writeReport(); werr != nil {
			return res.State, werr
		}
	}
	return res.State, err
}

// writeReport renders the session report to the configured file or stdout.
func (rt *runtime) writeReport() error {
	format, err := report.ParseFormat(rt.cfg.Output.Format)
	if err != nil {
		return err
	}
	r := report.FromSession(rt.sess)
	opts := report.Options{Style: rt.cfg.Output.Style}
	if f, ok := rt.stdout.(*os.File); !ok || !isTerminal(f) {
		if opts.Style == "" || opts.Style == "auto" {
			opts.Style = "notty"
		}
	}
	if path := rt.cfg.Output.File; path != "" {
		if err := report.WriteFile(config.ExpandPath(path), r, format, opts); err != nil {
			return err
		}
		fmt.Fprintf(rt.stdout, "Report written to %s (%s)\n", path, rt.sess.State)
		return nil
	}
	return report.Write(rt.stdout, r, format, opts)
}

// close releases every component in reverse order of setup.
func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
