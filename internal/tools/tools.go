// Package tools provides the tool registry and the dispatch contract.
//
// Every tool declares a parameter schema, a handler and a side-effect class.
// Dispatch validates an invocation before any backend sees it, serves pure
// tools through the shared result cache, serializes mutating tools per
// binary and audit-logs external-effectful ones.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/vinayprograms/unfold/internal/analysis"
	"github.com/vinayprograms/unfold/internal/binary"
	"github.com/vinayprograms/unfold/internal/cache"
	"github.com/vinayprograms/unfold/internal/failure"
	"github.com/vinayprograms/unfold/internal/llm"
	"github.com/vinayprograms/unfold/internal/logging"
	"github.com/vinayprograms/unfold/internal/sandbox"
)

// SideEffect classifies what a tool does to the world.
type SideEffect string

const (
	// Pure tools are deterministic for a binary and are cached.
	Pure SideEffect = "pure"
	// Mutating tools change backend analysis state and invalidate cache
	// entries that depend on what they touched.
	Mutating SideEffect = "mutating"
	// External tools act outside the analysis state and are audit-logged.
	External SideEffect = "external-effectful"
)

// Target is the binary a session investigates and the backend handles
// opened for it. Handles never leave this package.
type Target struct {
	Path     string
	Identity binary.Identity
	Project  analysis.Project
	Runner   sandbox.Runner
}

// Handler runs a tool against target with normalized args.
type Handler func(ctx context.Context, target *Target, args Args) (interface{}, error)

// KeysFunc extracts cache dependency or invalidation keys from a
// successful call.
type KeysFunc func(args Args, payload interface{}) []string

// Spec is a tool contract.
type Spec struct {
	Name        string
	Description string
	Params      []Param
	Class       SideEffect
	Handler     Handler
	// Timeout bounds one live call. Zero means no limit beyond the caller's.
	Timeout time.Duration
	// Depends lists the keys a pure payload depends on.
	Depends KeysFunc
	// Invalidates lists the keys a mutating call makes stale.
	Invalidates KeysFunc
	// Local tools run against session state rather than the binary. They
	// are never cached and take no binary lock.
	Local bool
}

// Schema returns the JSON schema of the spec's parameters.
func (s *Spec) Schema() map[string]interface{} {
	props := make(map[string]interface{}, len(s.Params))
	required := []string{}
	for _, p := range s.Params {
		props[p.Name] = p.schema()
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// Invocation is one tool request from the reasoning backend.
type Invocation struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
	// Turn is the index of the turn that requested it.
	Turn int `json:"turn"`
}

// Failure is the serializable form of a failed call.
type Failure struct {
	Kind    failure.Kind `json:"kind"`
	Message string       `json:"message"`
}

// Result is the outcome of one invocation. Exactly one of Payload and
// Failure is set.
type Result struct {
	ID       string          `json:"id"`
	Tool     string          `json:"tool"`
	Args     Args            `json:"args,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Failure  *Failure        `json:"failure,omitempty"`
	Cached   bool            `json:"cached,omitempty"`
	Duration time.Duration   `json:"duration"`
	// Invalidated holds the keys a mutating call made stale.
	Invalidated []string `json:"invalidated,omitempty"`
}

// OK reports whether the call succeeded.
func (r *Result) OK() bool { return r.Failure == nil }

// Err returns the failure as an error, or nil.
func (r *Result) Err() error {
	if r.Failure == nil {
		return nil
	}
	return &failure.Error{Kind: r.Failure.Kind, Op: r.Tool, Message: r.Failure.Message}
}

// Content renders the result the way it is fed back to the model.
func (r *Result) Content() string {
	if r.Failure != nil {
		data, _ := json.Marshal(map[string]string{
			"error":   string(r.Failure.Kind),
			"message": r.Failure.Message,
		})
		return string(data)
	}
	return string(r.Payload)
}

// Decode unmarshals the payload into v.
func (r *Result) Decode(v interface{}) error {
	if r.Failure != nil {
		return r.Err()
	}
	return json.Unmarshal(r.Payload, v)
}

// Registry holds tool contracts and dispatches invocations.
type Registry struct {
	mu     sync.RWMutex
	specs  map[string]*Spec
	cache  *cache.Cache
	logger *logging.Logger
}

// NewRegistry creates an empty registry. A nil cache gets a private
// in-memory one; sessions sharing a process should share one cache.
func NewRegistry(c *cache.Cache, logger *logging.Logger) *Registry {
	if c == nil {
		c = cache.New(nil)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Registry{
		specs:  make(map[string]*Spec),
		cache:  c,
		logger: logger.WithComponent("tools"),
	}
}

// Register adds a tool.
func (r *Registry) Register(s Spec) error {
	if s.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if s.Handler == nil {
		return fmt.Errorf("tool %s has no handler", s.Name)
	}
	switch s.Class {
	case Pure, Mutating, External:
	default:
		return fmt.Errorf("tool %s has unknown side-effect class %q", s.Name, s.Class)
	}
	seen := make(map[string]bool, len(s.Params))
	for _, p := range s.Params {
		if seen[p.Name] {
			return fmt.Errorf("tool %s declares %s twice", s.Name, p.Name)
		}
		seen[p.Name] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[s.Name]; exists {
		return fmt.Errorf("tool %s already registered", s.Name)
	}
	spec := s
	r.specs[s.Name] = &spec
	return nil
}

// Get returns a tool by name, resolving proxy prefixes, or nil.
func (r *Registry) Get(name string) *Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.specs[r.resolve(name)]
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.specs))
	for n := range r.specs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the backend-facing tool schemas in sorted order.
func (r *Registry) Definitions() []llm.ToolDef {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDef, 0, len(names))
	for _, n := range names {
		s := r.specs[n]
		defs = append(defs, llm.ToolDef{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  s.Schema(),
		})
	}
	return defs
}

// Cache returns the registry's result cache.
func (r *Registry) Cache() *cache.Cache { return r.cache }

// proxyPrefixes are prepended to tool names by some OpenAI-compatible
// proxies.
var proxyPrefixes = []string{"proxy_", "functions.", "tools."}

// resolve maps a requested name to a registered one. Caller holds r.mu.
func (r *Registry) resolve(name string) string {
	if _, ok := r.specs[name]; ok {
		return name
	}
	for _, prefix := range proxyPrefixes {
		stripped := strings.TrimPrefix(name, prefix)
		if _, ok := r.specs[stripped]; ok && stripped != name {
			return stripped
		}
	}
	return name
}

// Dispatch validates and runs one invocation. It never returns an error;
// every failure is carried in the Result.
func (r *Registry) Dispatch(ctx context.Context, target *Target, inv Invocation) Result {
	start := time.Now()
	res := Result{ID: inv.ID, Tool: inv.Name}

	r.mu.RLock()
	name := r.resolve(inv.Name)
	spec := r.specs[name]
	r.mu.RUnlock()

	if spec == nil {
		return r.fail(res, start, failure.New(failure.Validation, inv.Name, "unknown tool %q", inv.Name))
	}
	res.Tool = name

	args, err := normalize(spec, inv.Args)
	if err != nil {
		return r.fail(res, start, err)
	}
	res.Args = args

	if target == nil && !spec.Local {
		return r.fail(res, start, failure.New(failure.InvariantViolation, name, "no target bound"))
	}

	r.logger.ToolCall(name, args)

	switch {
	case spec.Local:
		payload, _, err := r.live(ctx, spec, target, args)
		if err != nil {
			return r.fail(res, start, err)
		}
		res.Payload = payload

	case spec.Class == Pure:
		key := cache.Key{Binary: target.Identity, Tool: name, Args: args.Canonical()}
		payload, hit, err := r.cache.Fetch(ctx, key, inv.Turn, func(ctx context.Context) ([]byte, []string, error) {
			return r.live(ctx, spec, target, args)
		})
		if err != nil {
			return r.fail(res, start, r.classify(ctx, spec, err))
		}
		res.Payload = payload
		res.Cached = hit

	case spec.Class == Mutating:
		unlock := r.cache.LockExclusive(target.Identity)
		payload, keys, err := r.mutate(ctx, spec, target, args)
		if err == nil && len(keys) > 0 {
			r.cache.Invalidate(target.Identity, keys)
		}
		unlock()
		if err != nil {
			return r.fail(res, start, err)
		}
		res.Payload = payload
		res.Invalidated = keys

	case spec.Class == External:
		r.logger.Audit(name, args)
		payload, _, err := r.live(ctx, spec, target, args)
		if err != nil {
			return r.fail(res, start, err)
		}
		res.Payload = payload
	}

	res.Duration = time.Since(start)
	r.logger.ToolResult(name, res.Duration, res.Cached, nil)
	return res
}

// live runs the handler under the spec's timeout and marshals the payload.
func (r *Registry) live(ctx context.Context, spec *Spec, target *Target, args Args) ([]byte, []string, error) {
	out, err := r.call(ctx, spec, target, args)
	if err != nil {
		return nil, nil, err
	}
	payload, err := marshalPayload(spec.Name, out)
	if err != nil {
		return nil, nil, err
	}
	var deps []string
	if spec.Depends != nil {
		deps = spec.Depends(args, out)
	}
	return payload, deps, nil
}

func (r *Registry) mutate(ctx context.Context, spec *Spec, target *Target, args Args) ([]byte, []string, error) {
	out, err := r.call(ctx, spec, target, args)
	if err != nil {
		return nil, nil, err
	}
	payload, err := marshalPayload(spec.Name, out)
	if err != nil {
		return nil, nil, err
	}
	var keys []string
	if spec.Invalidates != nil {
		keys = dedupe(spec.Invalidates(args, out))
	}
	return payload, keys, nil
}

func (r *Registry) call(ctx context.Context, spec *Spec, target *Target, args Args) (interface{}, error) {
	callCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}
	out, err := spec.Handler(callCtx, target, args)
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, failure.New(failure.Timeout, spec.Name, "%s did not finish within %s", spec.Name, spec.Timeout)
		}
		return nil, r.classify(ctx, spec, err)
	}
	return out, nil
}

// classify attaches a failure kind to a handler error.
func (r *Registry) classify(ctx context.Context, spec *Spec, err error) error {
	var fe *failure.Error
	if errors.As(err, &fe) {
		return err
	}
	if ctx.Err() != nil {
		return failure.Wrap(failure.Cancellation, spec.Name, ctx.Err())
	}
	return failure.Wrap(failure.KindOf(err), spec.Name, err)
}

func (r *Registry) fail(res Result, start time.Time, err error) Result {
	res.Failure = &Failure{Kind: failure.KindOf(err), Message: failure.Message(err)}
	res.Duration = time.Since(start)
	r.logger.ToolResult(res.Tool, res.Duration, false, err)
	return res
}

func marshalPayload(tool string, v interface{}) ([]byte, error) {
	switch p := v.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.Marshal(string(p))
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, failure.New(failure.InvariantViolation, tool, "payload is not serializable: %v", err)
	}
	return data, nil
}

func dedupe(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(keys))
	out := keys[:0:0]
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

// Truncate cuts s to at most limit bytes on a rune boundary and marks the
// cut. A non-positive limit disables truncation.
func Truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n... (truncated)"
}
