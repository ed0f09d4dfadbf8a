// Package ghidra is an HTTP client for a headless Ghidra bridge service.
//
// The bridge exposes one JSON endpoint per operation under /v1. Every call
// carries the project handle returned by /v1/open.
package ghidra

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vinayprograms/unfold/internal/analysis"
	"github.com/vinayprograms/unfold/internal/failure"
)

// Config configures the bridge client.
type Config struct {
	BaseURL string
	// Timeout bounds a single HTTP exchange. Zero leaves it to the context.
	Timeout time.Duration
}

// Client implements analysis.Backend over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
}

// New creates a bridge client.
func New(cfg Config) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type openRequest struct {
	BinaryPath string `json:"binary_path"`
}

type openResponse struct {
	Project string `json:"project"`
}

type envelope struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// Open imports (or reopens) binaryPath in the bridge.
func (c *Client) Open(ctx context.Context, binaryPath string) (analysis.Project, error) {
	var resp openResponse
	if err := c.call(ctx, "open", openRequest{BinaryPath: binaryPath}, &resp); err != nil {
		return nil, err
	}
	if resp.Project == "" {
		return nil, failure.New(failure.BackendUnavailable, "open", "bridge returned no project handle")
	}
	return &project{c: c, handle: resp.Project}, nil
}

// call POSTs body to /v1/op and decodes the result envelope into out.
func (c *Client) call(ctx context.Context, op string, body interface{}, out interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return failure.Wrap(failure.Validation, op, fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/"+op, bytes.NewReader(jsonBody))
	if err != nil {
		return failure.Wrap(failure.BackendUnavailable, op, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyTransport(ctx, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyTransport(ctx, op, err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	switch {
	case resp.StatusCode >= 500:
		return failure.New(failure.BackendUnavailable, op, "bridge error (status %d): %s", resp.StatusCode, bodyMessage(env, raw))
	case resp.StatusCode >= 400:
		return failure.New(failure.ToolExecution, op, "%s", bodyMessage(env, raw))
	}
	if decodeErr != nil {
		return failure.New(failure.BackendUnavailable, op, "failed to parse response: %v", decodeErr)
	}
	if env.Error != "" {
		return failure.New(failure.ToolExecution, op, "%s", env.Error)
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return failure.New(failure.BackendUnavailable, op, "unexpected result shape: %v", err)
	}
	return nil
}

func bodyMessage(env envelope, raw []byte) string {
	if env.Error != "" {
		return env.Error
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	return msg
}

func classifyTransport(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return failure.Wrap(failure.Timeout, op, err)
	case errors.Is(err, context.Canceled):
		return failure.Wrap(failure.Cancellation, op, err)
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return failure.Wrap(failure.Timeout, op, err)
	}
	return failure.Wrap(failure.BackendUnavailable, op, err)
}

type project struct {
	c      *Client
	handle string
}

type targetRequest struct {
	Project string `json:"project"`
	Target  string `json:"target,omitempty"`
}

type readRequest struct {
	Project string `json:"project"`
	Address string `json:"address"`
	Count   int    `json:"count"`
}

type renameRequest struct {
	Project string `json:"project"`
	Target  string `json:"target"`
	NewName string `json:"new_name"`
}

func (p *project) Analyze(ctx context.Context) (*analysis.Overview, error) {
	var out analysis.Overview
	if err := p.c.call(ctx, "analyze", targetRequest{Project: p.handle}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *project) ListFunctions(ctx context.Context) ([]analysis.Function, error) {
	var out []analysis.Function
	if err := p.c.call(ctx, "list_functions", targetRequest{Project: p.handle}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *project) Decompile(ctx context.Context, target string) (*analysis.Decompiled, error) {
	var out analysis.Decompiled
	if err := p.c.call(ctx, "decompile", targetRequest{Project: p.handle, Target: target}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *project) XrefsTo(ctx context.Context, target string) ([]analysis.Xref, error) {
	var out []analysis.Xref
	if err := p.c.call(ctx, "xrefs_to", targetRequest{Project: p.handle, Target: target}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *project) XrefsFrom(ctx context.Context, target string) ([]analysis.Xref, error) {
	var out []analysis.Xref
	if err := p.c.call(ctx, "xrefs_from", targetRequest{Project: p.handle, Target: target}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *project) Strings(ctx context.Context) ([]analysis.String, error) {
	var out []analysis.String
	if err := p.c.call(ctx, "strings", targetRequest{Project: p.handle}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *project) ImportsExports(ctx context.Context) (*analysis.Symbols, error) {
	var out analysis.Symbols
	if err := p.c.call(ctx, "imports_exports", targetRequest{Project: p.handle}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *project) ReadBytes(ctx context.Context, address uint64, count int) (*analysis.Bytes, error) {
	if count > analysis.MaxReadBytes {
		count = analysis.MaxReadBytes
	}
	var out analysis.Bytes
	req := readRequest{Project: p.handle, Address: analysis.FormatAddress(address), Count: count}
	if err := p.c.call(ctx, "read_bytes", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *project) Rename(ctx context.Context, target, newName string) (*analysis.Rename, error) {
	var out analysis.Rename
	req := renameRequest{Project: p.handle, Target: target, NewName: newName}
	if err := p.c.call(ctx, "rename", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *project) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return p.c.call(ctx, "close", targetRequest{Project: p.handle}, nil)
}
