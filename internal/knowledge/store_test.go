package knowledge

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/vinayprograms/unfold/internal/analysis"
	"github.com/vinayprograms/unfold/internal/cache"
	"github.com/vinayprograms/unfold/internal/tools"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func result(t *testing.T, id, tool string, args tools.Args, payload interface{}) tools.Result {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return tools.Result{ID: id, Tool: tool, Args: args, Payload: data}
}

var crackmeFunctions = []analysis.Function{
	{Name: "puts", Address: "0x401030", Size: 6, IsThunk: true, IsExternal: true},
	{Name: "main", Address: "0x401136", Size: 96},
	{Name: "FUN_004011a0", Address: "0x4011a0", Size: 48},
}

var checkBody = analysis.Decompiled{
	Name:      "FUN_004011a0",
	Address:   "0x4011a0",
	Signature: "int FUN_004011a0(char *input)",
	Code:      "int FUN_004011a0(char *input) {\n  return strcmp(input, \"hunter2\") == 0;\n}\n",
}

var mainBody = analysis.Decompiled{
	Name:      "main",
	Address:   "0x401136",
	Signature: "int main(int argc, char **argv)",
	Code:      "int main(int argc, char **argv) {\n  if (FUN_004011a0(buf) == 0) puts(\"Access denied\");\n}\n",
}

func TestRecord_DedupByIdentity(t *testing.T) {
	s := newStore(t)

	first := s.Record(result(t, "1", "list_functions", nil, crackmeFunctions))
	if len(first.Facts) != 3 {
		t.Fatalf("expected 3 new facts, got %v", first.Facts)
	}
	again := s.Record(result(t, "2", "list_functions", nil, crackmeFunctions))
	if len(again.Facts) != 0 {
		t.Errorf("re-discovery created changes: %v", again.Facts)
	}
	if s.Len() != 3 {
		t.Errorf("store has %d facts, want 3", s.Len())
	}

	// Decompiling enriches the existing fact rather than adding one.
	ch := s.Record(result(t, "3", "decompile", tools.Args{"function": "0x4011a0"}, checkBody))
	if diff := cmp.Diff([]string{"function:0x4011a0"}, ch.Facts); diff != "" {
		t.Errorf("changed facts mismatch (-want +got):\n%s", diff)
	}
	f, _ := s.Get("function:0x4011a0")
	if f.Size != 48 || !strings.Contains(f.Body, "hunter2") {
		t.Errorf("function fact not merged: %+v", f)
	}
	if s.Len() != 3 {
		t.Errorf("decompile duplicated a fact: %d facts", s.Len())
	}
}

func TestRecord_IgnoresFailures(t *testing.T) {
	s := newStore(t)
	res := tools.Result{ID: "1", Tool: "decompile", Failure: &tools.Failure{Kind: "ToolExecutionError", Message: "function not found"}}
	if ch := s.Record(res); !ch.Empty() {
		t.Errorf("failure produced changes: %+v", ch)
	}
	if s.Len() != 0 {
		t.Error("failure produced facts")
	}
}

func TestRecord_Rename(t *testing.T) {
	s := newStore(t)
	s.Record(result(t, "1", "list_functions", nil, crackmeFunctions))
	s.Record(result(t, "2", "decompile", nil, mainBody))
	s.Record(result(t, "3", "get_xrefs_to", tools.Args{"target": "FUN_004011a0"}, []analysis.Xref{
		{FromAddress: "0x401160", FromFunction: "main", Type: "UNCONDITIONAL_CALL"},
	}))

	ch := s.Record(result(t, "4", "rename_function", tools.Args{"target": "FUN_004011a0", "new_name": "check_password"},
		analysis.Rename{OldName: "FUN_004011a0", NewName: "check_password", Address: "0x4011a0"}))

	wantKeys := []string{cache.AddrKey("0x4011a0"), cache.NameKey("FUN_004011a0"), cache.NameKey("check_password"), cache.AllFunctions}
	if diff := cmp.Diff(wantKeys, ch.Invalidate); diff != "" {
		t.Errorf("invalidation keys mismatch (-want +got):\n%s", diff)
	}

	fn, _ := s.Get("function:0x4011a0")
	if fn.Name != "check_password" || !fn.Renamed || fn.OriginalName != "FUN_004011a0" {
		t.Errorf("renamed fact wrong: %+v", fn)
	}
	caller, _ := s.Get("function:0x401136")
	if strings.Contains(caller.Body, "FUN_004011a0") || !strings.Contains(caller.Body, "check_password(buf)") {
		t.Errorf("caller body not updated:\n%s", caller.Body)
	}
	xref, ok := s.Get("xref:0x401160->0x4011a0:UNCONDITIONAL_CALL")
	if !ok || xref.ToFunction != "check_password" {
		t.Errorf("xref not updated: %+v (found=%v)", xref, ok)
	}

	// A second rename keeps the first original name.
	s.Record(result(t, "5", "rename_function", nil,
		analysis.Rename{OldName: "check_password", NewName: "verify_password", Address: "0x4011a0"}))
	fn, _ = s.Get("function:0x4011a0")
	if fn.OriginalName != "FUN_004011a0" || fn.Name != "verify_password" {
		t.Errorf("second rename lost history: %+v", fn)
	}

	if r := s.Renamed(); len(r) != 1 || r[0].Address != "0x4011a0" {
		t.Errorf("Renamed() = %+v", r)
	}
}

func TestRecord_RenamePartialAck(t *testing.T) {
	t.Run("old name from known fact", func(t *testing.T) {
		s := newStore(t)
		s.Record(result(t, "1", "decompile", nil, checkBody))
		s.Record(result(t, "2", "decompile", nil, mainBody))
		ch := s.Record(result(t, "3", "rename_function", tools.Args{"target": "0x4011a0", "new_name": "check_password"},
			analysis.Rename{NewName: "check_password", Address: "0x4011a0"}))

		fn, _ := s.Get("function:0x4011a0")
		if fn.Name != "check_password" || fn.OriginalName != "FUN_004011a0" || !fn.Renamed {
			t.Errorf("renamed fact wrong: %+v", fn)
		}
		caller, _ := s.Get("function:0x401136")
		if caller.Body != strings.ReplaceAll(mainBody.Code, "FUN_004011a0", "check_password") {
			t.Errorf("caller body:\n%s", caller.Body)
		}
		if !cmp.Equal(ch.Invalidate[:2], []string{cache.AddrKey("0x4011a0"), cache.NameKey("FUN_004011a0")}) {
			t.Errorf("invalidation keys = %v", ch.Invalidate)
		}
	})

	t.Run("unknown old name leaves bodies alone", func(t *testing.T) {
		s := newStore(t)
		s.Record(result(t, "1", "decompile", nil, mainBody))
		s.Record(result(t, "2", "rename_function", nil,
			analysis.Rename{NewName: "check_password", Address: "0x4011a0"}))

		caller, _ := s.Get("function:0x401136")
		if caller.Body != mainBody.Code || caller.Signature != mainBody.Signature {
			t.Errorf("caller corrupted:\n%s\n%s", caller.Signature, caller.Body)
		}
		fn, ok := s.Get("function:0x4011a0")
		if !ok || fn.Name != "check_password" {
			t.Errorf("renamed fact = %+v (found=%v)", fn, ok)
		}
	})

	t.Run("address from arguments", func(t *testing.T) {
		s := newStore(t)
		s.Record(result(t, "1", "list_functions", nil, crackmeFunctions))
		s.Record(result(t, "2", "rename_function", tools.Args{"target": "FUN_004011a0", "new_name": "check_password"},
			analysis.Rename{}))

		if _, ok := s.Get("function:"); ok {
			t.Error("rename created a function fact without an address")
		}
		fn, _ := s.Get("function:0x4011a0")
		if fn.Name != "check_password" || fn.OriginalName != "FUN_004011a0" {
			t.Errorf("renamed fact wrong: %+v", fn)
		}
	})
}

func TestRecord_Hypotheses(t *testing.T) {
	s := newStore(t)
	s.Record(result(t, "1", "list_functions", nil, crackmeFunctions))

	h := result(t, "call-7", "record_hypothesis", nil, tools.Hypothesis{Note: "compares input against hunter2", Address: "0x4011a0"})
	first := s.Record(h)
	second := s.Record(h)
	if len(first.Facts) != 2 {
		t.Errorf("expected hypothesis and purpose update, got %v", first.Facts)
	}
	if len(second.Facts) != 0 {
		t.Errorf("same invocation recorded twice: %v", second.Facts)
	}

	s.Record(result(t, "call-8", "record_hypothesis", nil, tools.Hypothesis{Note: "main prints the verdict"}))

	h1, ok1 := s.Get("hypothesis:0001")
	h2, ok2 := s.Get("hypothesis:0002")
	if !ok1 || !ok2 || h1.Sequence != 1 || h2.Sequence != 2 {
		t.Errorf("hypothesis sequence wrong: %+v %+v", h1, h2)
	}
	fn, _ := s.Get("function:0x4011a0")
	if fn.Purpose != "compares input against hunter2" {
		t.Errorf("purpose = %q", fn.Purpose)
	}
}

func TestSnapshotOrder(t *testing.T) {
	s := newStore(t)
	s.Record(result(t, "1", "get_strings", nil, []analysis.String{
		{Address: "0x40200f", Value: "hunter2"},
		{Address: "0x402004", Value: "Password: "},
	}))
	s.Record(result(t, "2", "list_functions", nil, crackmeFunctions))
	s.Record(result(t, "3", "get_imports_exports", nil, analysis.Symbols{
		Imports: []analysis.Import{{Name: "strcmp", Namespace: "libc.so.6"}},
		Exports: []analysis.Export{{Name: "main", Address: "0x401136"}},
	}))

	var got []string
	for _, f := range s.Snapshot() {
		got = append(got, f.ID)
	}
	want := []string{
		"import:libc.so.6!strcmp",
		"function:0x401030",
		"function:0x401136",
		"export:0x401136",
		"function:0x4011a0",
		"string:0x402004",
		"string:0x40200f",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("snapshot order mismatch (-want +got):\n%s", diff)
	}
}

func TestSummary_DeterministicAndComplete(t *testing.T) {
	build := func() *Store {
		s := newStore(t)
		s.Record(result(t, "1", "analyze_binary", nil, analysis.Overview{Name: "crackme", Language: "x86:LE:64:default", Compiler: "gcc", ImageBase: "0x400000", Format: "ELF", NumFunctions: 3}))
		s.Record(result(t, "2", "list_functions", nil, crackmeFunctions))
		s.Record(result(t, "3", "get_strings", nil, []analysis.String{{Address: "0x40200f", Value: "hunter2"}}))
		s.Record(result(t, "4", "record_hypothesis", nil, tools.Hypothesis{Note: "password is hunter2", Address: "0x4011a0"}))
		return s
	}
	a, b := build(), build()

	if a.Summary() != a.Summary() {
		t.Error("summary changed on an unchanged store")
	}
	if a.Summary() != b.Summary() {
		t.Errorf("equal stores render differently:\n%s\n---\n%s", a.Summary(), b.Summary())
	}

	sum := a.Summary()
	for _, want := range []string{"ELF", "gcc", "0x401136 main", "FUN_004011a0", `"hunter2"`, "#1 @0x4011a0: password is hunter2"} {
		if !strings.Contains(sum, want) {
			t.Errorf("summary missing %q:\n%s", want, sum)
		}
	}
	if got := len(Lines(a.Snapshot())); got != a.Len() {
		t.Errorf("Lines returned %d lines for %d facts", got, a.Len())
	}
}

func TestSummary_Empty(t *testing.T) {
	if got := newStore(t).Summary(); got != "No facts recorded yet." {
		t.Errorf("empty summary = %q", got)
	}
}

func TestSearch(t *testing.T) {
	s := newStore(t)
	s.Record(result(t, "1", "list_functions", nil, crackmeFunctions))
	s.Record(result(t, "2", "decompile", nil, checkBody))
	s.Record(result(t, "3", "get_strings", nil, []analysis.String{{Address: "0x402017", Value: "Access denied"}}))

	hits, err := s.Search("hunter2", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) == 0 || hits[0].ID != "function:0x4011a0" {
		t.Errorf("expected the comparing function, got %+v", hits)
	}

	hits, _ = s.Search("denied", 5)
	if len(hits) != 1 || hits[0].Kind != KindString {
		t.Errorf("expected the string fact, got %+v", hits)
	}

	hits, _ = s.Search("0x401136", 5)
	if len(hits) == 0 || hits[0].Address != "0x401136" {
		t.Errorf("address lookup failed: %+v", hits)
	}

	// Fragments fall back to a substring scan.
	hits, _ = s.Search("004011", 5)
	if len(hits) == 0 {
		t.Error("substring fallback found nothing")
	}
}

func TestRestore(t *testing.T) {
	s := newStore(t)
	s.Record(result(t, "1", "list_functions", nil, crackmeFunctions))
	s.Record(result(t, "2", "record_hypothesis", nil, tools.Hypothesis{Note: "checks the password", Address: "0x4011a0"}))
	snap := s.Snapshot()

	r := newStore(t)
	if err := r.Restore(snap); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(snap, r.Snapshot()); diff != "" {
		t.Errorf("restored snapshot differs (-want +got):\n%s", diff)
	}
	if r.Summary() != s.Summary() {
		t.Error("restored summary differs")
	}

	r.Record(result(t, "3", "record_hypothesis", nil, tools.Hypothesis{Note: "second"}))
	if _, ok := r.Get("hypothesis:0002"); !ok {
		t.Error("hypothesis sequence did not continue after restore")
	}
	if hits, _ := r.Search("password", 5); len(hits) == 0 {
		t.Error("restored facts are not searchable")
	}
}
