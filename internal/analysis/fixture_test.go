package analysis

import (
	"context"
	"strings"
	"testing"

	"github.com/vinayprograms/unfold/internal/failure"
)

func openCrackme(t *testing.T) (*Fixture, Project) {
	t.Helper()
	f, err := LoadFixture("testdata/crackme.yaml")
	if err != nil {
		t.Fatalf("load fixture: %v", err)
	}
	p, err := f.Open(context.Background(), "/bin/crackme")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return f, p
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
		ok   bool
	}{
		{"0x401000", 0x401000, true},
		{"0X10", 16, true},
		{"401000h", 0x401000, true},
		{"4096", 4096, true},
		{" 0x10 ", 16, true},
		{"main", 0, false},
		{"", 0, false},
		{"0xzz", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseAddress(tt.in)
		if tt.ok && (err != nil || got != tt.want) {
			t.Errorf("ParseAddress(%q) = %d, %v; want %d", tt.in, got, err, tt.want)
		}
		if !tt.ok && err == nil {
			t.Errorf("ParseAddress(%q) should fail", tt.in)
		}
	}
}

func TestNormalizeAddress(t *testing.T) {
	if got, ok := NormalizeAddress("0x00401000"); !ok || got != "0x401000" {
		t.Errorf("NormalizeAddress = %q, %v", got, ok)
	}
	if _, ok := NormalizeAddress("main"); ok {
		t.Error("names are not addresses")
	}
}

func TestHexDump(t *testing.T) {
	b := HexDump(0x10, []byte{'h', 'i', 0, 0xff})
	if b.Hex != "68 69 00 ff" || b.ASCII != "hi.." || b.Count != 4 || b.Address != "0x10" {
		t.Errorf("unexpected dump: %+v", b)
	}
}

func TestFixture_AnalyzeAndList(t *testing.T) {
	_, p := openCrackme(t)
	ctx := context.Background()

	ov, err := p.Analyze(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ov.Name != "crackme" || ov.NumFunctions != 3 || ov.ImageBase != "0x400000" {
		t.Errorf("unexpected overview: %+v", ov)
	}

	fns, err := p.ListFunctions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(fns) != 3 || fns[0].Name != "puts" || fns[1].Name != "main" {
		t.Errorf("functions should be ordered by address: %+v", fns)
	}
}

func TestFixture_DecompileByNameAndAddress(t *testing.T) {
	_, p := openCrackme(t)
	ctx := context.Background()

	d, err := p.Decompile(ctx, "FUN_004011a0")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(d.Code, "hunter2") {
		t.Errorf("expected password comparison in pseudocode: %s", d.Code)
	}

	d2, err := p.Decompile(ctx, "0x004011a0")
	if err != nil {
		t.Fatal(err)
	}
	if d2.Name != "FUN_004011a0" {
		t.Errorf("lookup by address returned %s", d2.Name)
	}
}

func TestFixture_DecompileMissing(t *testing.T) {
	_, p := openCrackme(t)
	_, err := p.Decompile(context.Background(), "0xdeadbeef")
	if !failure.Is(err, failure.ToolExecution) {
		t.Errorf("expected ToolExecutionError, got %v", err)
	}
}

func TestFixture_Xrefs(t *testing.T) {
	_, p := openCrackme(t)
	ctx := context.Background()

	to, err := p.XrefsTo(ctx, "FUN_004011a0")
	if err != nil {
		t.Fatal(err)
	}
	if len(to) != 1 || to[0].FromFunction != "main" || to[0].FromAddress != "0x401136" {
		t.Errorf("unexpected xrefs to: %+v", to)
	}

	from, err := p.XrefsFrom(ctx, "main")
	if err != nil {
		t.Fatal(err)
	}
	if len(from) != 2 || from[0].ToAddress != "0x4011a0" || from[1].ToFunction != "puts" {
		t.Errorf("unexpected xrefs from: %+v", from)
	}
}

func TestFixture_ReadBytes(t *testing.T) {
	_, p := openCrackme(t)
	ctx := context.Background()

	b, err := p.ReadBytes(ctx, 0x40200f, 64)
	if err != nil {
		t.Fatal(err)
	}
	if b.ASCII != "hunter2." || b.Count != 8 {
		t.Errorf("read should stop at segment end: %+v", b)
	}

	raw, err := p.ReadBytes(ctx, 0x403002, 2)
	if err != nil {
		t.Fatal(err)
	}
	if raw.Hex != "be ef" {
		t.Errorf("unexpected hex: %s", raw.Hex)
	}

	if _, err := p.ReadBytes(ctx, 0x999999, 4); !failure.Is(err, failure.ToolExecution) {
		t.Errorf("expected ToolExecutionError for unmapped address, got %v", err)
	}
}

func TestFixture_RenamePropagates(t *testing.T) {
	f, p := openCrackme(t)
	ctx := context.Background()

	ack, err := p.Rename(ctx, "0x4011a0", "check_password")
	if err != nil {
		t.Fatal(err)
	}
	if ack.OldName != "FUN_004011a0" || ack.NewName != "check_password" {
		t.Errorf("unexpected ack: %+v", ack)
	}

	// A second project over the same fixture sees the rename.
	other, _ := f.Open(ctx, "/bin/crackme")
	main, err := other.Decompile(ctx, "main")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(main.Code, "FUN_004011a0") || !strings.Contains(main.Code, "check_password(buf)") {
		t.Errorf("caller pseudocode should use the new name:\n%s", main.Code)
	}

	if _, err := p.Rename(ctx, "main", "check_password"); !failure.Is(err, failure.ToolExecution) {
		t.Errorf("duplicate name should be rejected, got %v", err)
	}
	if f.Calls("rename") != 2 {
		t.Errorf("expected 2 rename calls, got %d", f.Calls("rename"))
	}
}

func TestFixture_ImportsExports(t *testing.T) {
	_, p := openCrackme(t)
	syms, err := p.ImportsExports(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(syms.Imports) != 3 {
		t.Errorf("expected 3 imports, got %d", len(syms.Imports))
	}
	for _, e := range syms.Exports {
		if e.Name == "puts" {
			t.Error("thunks are not exports")
		}
	}
}

func TestParseFixture_Invalid(t *testing.T) {
	if _, err := ParseFixture([]byte("functions:\n  - name: a\n    address: nope\n")); err == nil {
		t.Error("expected invalid address error")
	}
	dup := "functions:\n  - {name: a, address: '0x1'}\n  - {name: b, address: '1'}\n"
	if _, err := ParseFixture([]byte(dup)); err == nil {
		t.Error("expected duplicate address error")
	}
}

func TestFixture_Canceled(t *testing.T) {
	_, p := openCrackme(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.ListFunctions(ctx); err == nil {
		t.Error("expected context error")
	}
}
