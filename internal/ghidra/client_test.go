package ghidra

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/unfold/internal/failure"
)

// bridge is a fake bridge service. Handlers receive the decoded request body.
type bridge struct {
	t        *testing.T
	handlers map[string]func(body map[string]interface{}) (int, interface{})
	seen     []string
}

func (b *bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	op := strings.TrimPrefix(r.URL.Path, "/v1/")
	b.seen = append(b.seen, op)
	var body map[string]interface{}
	_ = json.NewDecoder(r.Body).Decode(&body)

	h, ok := b.handlers[op]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "unknown operation " + op})
		return
	}
	status, payload := h(body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func newBridge(t *testing.T) (*bridge, *Client) {
	b := &bridge{t: t, handlers: map[string]func(map[string]interface{}) (int, interface{}){
		"open": func(body map[string]interface{}) (int, interface{}) {
			return 200, map[string]interface{}{"result": map[string]string{"project": "p1"}}
		},
	}}
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	return b, New(Config{BaseURL: srv.URL + "/"})
}

func TestClient_Decompile(t *testing.T) {
	b, c := newBridge(t)
	b.handlers["decompile"] = func(body map[string]interface{}) (int, interface{}) {
		if body["project"] != "p1" || body["target"] != "main" {
			t.Errorf("unexpected request body: %v", body)
		}
		return 200, map[string]interface{}{"result": map[string]string{
			"name": "main", "address": "0x401000", "decompiled": "int main(void) { return 0; }",
		}}
	}

	p, err := c.Open(context.Background(), "/bin/true")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	d, err := p.Decompile(context.Background(), "main")
	if err != nil {
		t.Fatalf("decompile: %v", err)
	}
	if d.Address != "0x401000" || !strings.Contains(d.Code, "return 0") {
		t.Errorf("unexpected payload: %+v", d)
	}
}

func TestClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   interface{}
		want   failure.Kind
	}{
		{"not found", 404, map[string]string{"error": "Function not found: nope"}, failure.ToolExecution},
		{"error envelope", 200, map[string]string{"error": "Invalid address"}, failure.ToolExecution},
		{"server error", 503, map[string]string{"error": "analysis engine restarting"}, failure.BackendUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, c := newBridge(t)
			b.handlers["decompile"] = func(map[string]interface{}) (int, interface{}) {
				return tt.status, tt.body
			}
			p, err := c.Open(context.Background(), "/bin/true")
			if err != nil {
				t.Fatal(err)
			}
			_, err = p.Decompile(context.Background(), "nope")
			if got := failure.KindOf(err); got != tt.want {
				t.Errorf("kind = %s, want %s (err %v)", got, tt.want, err)
			}
		})
	}
}

func TestClient_Unreachable(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1"})
	_, err := c.Open(context.Background(), "/bin/true")
	if !failure.Is(err, failure.BackendUnavailable) {
		t.Errorf("expected BackendUnavailable, got %v", err)
	}
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := New(Config{BaseURL: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Open(ctx, "/bin/true")
	if !failure.Is(err, failure.Timeout) {
		t.Errorf("expected TimeoutError, got %v", err)
	}
}

func TestClient_ReadBytesClampsCount(t *testing.T) {
	b, c := newBridge(t)
	b.handlers["read_bytes"] = func(body map[string]interface{}) (int, interface{}) {
		if body["count"] != float64(1024) || body["address"] != "0x402000" {
			t.Errorf("unexpected read request: %v", body)
		}
		return 200, map[string]interface{}{"result": map[string]interface{}{
			"address": "0x402000", "count": 2, "hex": "68 69", "ascii": "hi",
		}}
	}
	p, _ := c.Open(context.Background(), "/bin/true")
	out, err := p.ReadBytes(context.Background(), 0x402000, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if out.ASCII != "hi" {
		t.Errorf("unexpected bytes: %+v", out)
	}
}

func TestClient_Close(t *testing.T) {
	b, c := newBridge(t)
	b.handlers["close"] = func(map[string]interface{}) (int, interface{}) {
		return 200, map[string]interface{}{}
	}
	p, _ := c.Open(context.Background(), "/bin/true")
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if b.seen[len(b.seen)-1] != "close" {
		t.Errorf("expected close call, saw %v", b.seen)
	}
}
