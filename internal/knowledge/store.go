// Package knowledge is the durable cross-turn memory of a session.
//
// Every successful tool result is folded into typed Facts keyed by natural
// identity. The store is the single source of truth for what has been
// learned: context compaction renders it, reports are built from it and
// search_knowledge queries it.
package knowledge

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/vinayprograms/unfold/internal/analysis"
	"github.com/vinayprograms/unfold/internal/binary"
	"github.com/vinayprograms/unfold/internal/cache"
	"github.com/vinayprograms/unfold/internal/logging"
	"github.com/vinayprograms/unfold/internal/tools"
)

// Change is what one Record call did.
type Change struct {
	// Facts are the IDs of facts created or modified, sorted.
	Facts []string
	// Invalidate are cache dependency keys made stale by the result.
	Invalidate []string
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool { return len(c.Facts) == 0 && len(c.Invalidate) == 0 }

// Store holds the facts of one session.
type Store struct {
	mu       sync.RWMutex
	facts    map[string]*Fact
	turn     int
	seq      int
	recorded map[string]bool   // hypothesis invocation IDs already folded in
	purposes map[string]string // address -> latest hypothesis text
	index    *Index
	logger   *logging.Logger
}

// New creates an empty store with its search index.
func New() (*Store, error) {
	idx, err := NewIndex()
	if err != nil {
		return nil, err
	}
	return &Store{
		facts:    make(map[string]*Fact),
		recorded: make(map[string]bool),
		purposes: make(map[string]string),
		index:    idx,
		logger:   logging.New().WithComponent("knowledge"),
	}, nil
}

// SetTurn sets the turn index stamped on facts changed from now on.
func (s *Store) SetTurn(turn int) {
	s.mu.Lock()
	s.turn = turn
	s.mu.Unlock()
}

// Len returns the number of facts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.facts)
}

// Get returns a copy of the fact with id.
func (s *Store) Get(id string) (Fact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.facts[id]
	if !ok {
		return Fact{}, false
	}
	return *f, true
}

// Record folds a tool result into the store. Failed results and tools
// that teach nothing durable are ignored. Recording the same result twice
// changes nothing the second time.
func (s *Store) Record(res tools.Result) Change {
	if !res.OK() || len(res.Payload) == 0 {
		return Change{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &recorder{s: s}
	switch res.Tool {
	case "analyze_binary":
		var o analysis.Overview
		if decode(res, &o) {
			r.overview(&o)
		}
	case "binary_info":
		var h binary.Header
		if decode(res, &h) {
			r.header(&h)
		}
	case "list_functions":
		var fns []analysis.Function
		if decode(res, &fns) {
			for i := range fns {
				r.listed(&fns[i])
			}
		}
	case "decompile":
		var d analysis.Decompiled
		if decode(res, &d) {
			r.decompiled(&d)
		}
	case "get_xrefs_to":
		var refs []analysis.Xref
		if decode(res, &refs) {
			r.xrefs(res.Args.String("target"), refs, true)
		}
	case "get_xrefs_from":
		var refs []analysis.Xref
		if decode(res, &refs) {
			r.xrefs(res.Args.String("target"), refs, false)
		}
	case "get_strings":
		var strs []analysis.String
		if decode(res, &strs) {
			for _, str := range strs {
				r.str(str)
			}
		}
	case "get_imports_exports":
		var syms analysis.Symbols
		if decode(res, &syms) {
			r.symbols(&syms)
		}
	case "rename_function":
		var rn analysis.Rename
		if decode(res, &rn) {
			r.rename(&rn, res.Args)
		}
	case "record_hypothesis":
		var h tools.Hypothesis
		if decode(res, &h) && !s.recorded[res.ID] {
			if res.ID != "" {
				s.recorded[res.ID] = true
			}
			r.hypothesis(&h)
		}
	}

	for _, id := range r.changed {
		s.indexFact(s.index, s.facts[id])
	}
	sort.Strings(r.changed)
	return Change{Facts: r.changed, Invalidate: r.invalidate}
}

func decode(res tools.Result, v interface{}) bool {
	return json.Unmarshal(res.Payload, v) == nil
}

// recorder applies one result. The store lock is held.
type recorder struct {
	s          *Store
	changed    []string
	invalidate []string
}

// put stores f if it differs from the current fact with its ID.
func (r *recorder) put(f Fact) {
	old, ok := r.s.facts[f.ID]
	if ok {
		f.Turn = old.Turn
		if *old == f {
			return
		}
	}
	f.Turn = r.s.turn
	r.s.facts[f.ID] = &f
	for _, id := range r.changed {
		if id == f.ID {
			return
		}
	}
	r.changed = append(r.changed, f.ID)
}

func (r *recorder) current(id string, kind Kind) Fact {
	if f, ok := r.s.facts[id]; ok {
		return *f
	}
	return Fact{ID: id, Kind: kind}
}

func canonical(addr string) string {
	if a, ok := analysis.NormalizeAddress(addr); ok {
		return a
	}
	return addr
}

func (r *recorder) overview(o *analysis.Overview) {
	f := r.current(overviewID, KindOverview)
	f.Name = o.Name
	f.Format = o.Format
	f.Architecture = o.Language
	f.Compiler = o.Compiler
	f.ImageBase = o.ImageBase
	f.Functions = o.NumFunctions
	r.put(f)
}

// header fills what analysis has not already described.
func (r *recorder) header(h *binary.Header) {
	f := r.current(overviewID, KindOverview)
	if f.Format == "" {
		f.Format = h.Format
	}
	if f.Architecture == "" {
		f.Architecture = h.Architecture
	}
	r.put(f)
}

func (r *recorder) function(addr string) Fact {
	f := r.current(functionID(addr), KindFunction)
	f.Address = addr
	if f.Purpose == "" {
		f.Purpose = r.s.purposes[addr]
	}
	return f
}

func (r *recorder) listed(fn *analysis.Function) {
	f := r.function(canonical(fn.Address))
	f.Name = fn.Name
	f.Size = fn.Size
	f.Thunk = fn.IsThunk
	f.External = fn.IsExternal
	r.put(f)
}

func (r *recorder) decompiled(d *analysis.Decompiled) {
	f := r.function(canonical(d.Address))
	f.Name = d.Name
	f.Signature = d.Signature
	f.Body = d.Code
	r.put(f)
}

func (r *recorder) xrefs(target string, refs []analysis.Xref, to bool) {
	addr, name := r.s.resolve(target)
	for _, x := range refs {
		f := Fact{Kind: KindXref, RefKind: x.Type}
		if to {
			f.From, f.FromFunction = canonical(x.FromAddress), x.FromFunction
			f.To, f.ToFunction = addr, name
		} else {
			f.From, f.FromFunction = addr, name
			f.To, f.ToFunction = canonical(x.ToAddress), x.ToFunction
		}
		f.Address = f.From
		f.ID = xrefID(orName(f.From, f.FromFunction), orName(f.To, f.ToFunction), f.RefKind)
		r.put(f)
	}
}

func orName(addr, name string) string {
	if addr != "" {
		return addr
	}
	return name
}

func (r *recorder) str(str analysis.String) {
	addr := canonical(str.Address)
	f := r.current(stringID(addr), KindString)
	f.Address = addr
	f.Value = str.Value
	r.put(f)
}

func (r *recorder) symbols(syms *analysis.Symbols) {
	for _, imp := range syms.Imports {
		f := r.current(importID(imp.Namespace, imp.Name), KindImport)
		f.Name = imp.Name
		f.Library = imp.Namespace
		f.ImportKind = imp.Type
		r.put(f)
	}
	for _, exp := range syms.Exports {
		addr := canonical(exp.Address)
		f := r.current(exportID(addr), KindExport)
		f.Address = addr
		f.Name = exp.Name
		r.put(f)
	}
}

// rename updates the function and every fact mentioning the old name, then
// signals the cache keys that became stale. The backend only promises an
// acknowledgement, so fields missing from ack are taken from the validated
// arguments and the facts already held. Without a known old name no text
// is rewritten.
func (r *recorder) rename(ack *analysis.Rename, args tools.Args) {
	newName := ack.NewName
	if newName == "" {
		newName = args.String("new_name")
	}
	if newName == "" {
		return
	}

	var addr, oldName string
	if target := args.String("target"); target != "" {
		if strings.HasPrefix(strings.ToLower(target), "0x") {
			target = canonical(target)
		}
		addr, oldName = r.s.resolve(target)
	}
	if ack.Address != "" {
		addr = canonical(ack.Address)
	}
	if ack.OldName != "" {
		oldName = ack.OldName
	}
	if addr == "" && oldName != "" {
		addr, _ = r.s.resolve(oldName)
	}

	if addr != "" {
		f := r.function(addr)
		if oldName == "" {
			oldName = f.Name
		}
		if !f.Renamed {
			f.OriginalName = oldName
		}
		f.Name = newName
		f.Renamed = f.OriginalName != newName
		r.put(f)
	}

	var word *regexp.Regexp
	if oldName != "" && oldName != newName {
		word = regexp.MustCompile(`\b` + regexp.QuoteMeta(oldName) + `\b`)
	}
	for _, id := range r.s.sortedIDs() {
		other := *r.s.facts[id]
		switch other.Kind {
		case KindFunction:
			if word == nil {
				continue
			}
			other.Body = word.ReplaceAllString(other.Body, newName)
			other.Signature = word.ReplaceAllString(other.Signature, newName)
		case KindExport:
			if addr == "" || other.Address != addr {
				continue
			}
			other.Name = newName
		case KindXref:
			if word == nil {
				continue
			}
			if other.FromFunction == oldName {
				other.FromFunction = newName
			}
			if other.ToFunction == oldName {
				other.ToFunction = newName
			}
		default:
			continue
		}
		r.put(other)
	}

	if addr != "" {
		r.invalidate = append(r.invalidate, cache.AddrKey(addr))
	}
	if oldName != "" {
		r.invalidate = append(r.invalidate, cache.NameKey(oldName))
	}
	r.invalidate = append(r.invalidate, cache.NameKey(newName), cache.AllFunctions)
}

func (r *recorder) hypothesis(h *tools.Hypothesis) {
	r.s.seq++
	f := Fact{
		ID:       hypothesisID(r.s.seq),
		Kind:     KindHypothesis,
		Address:  canonical(h.Address),
		Sequence: r.s.seq,
		Text:     strings.TrimSpace(h.Note),
	}
	r.put(f)

	if f.Address == "" {
		return
	}
	r.s.purposes[f.Address] = f.Text
	if fn, ok := r.s.facts[functionID(f.Address)]; ok {
		updated := *fn
		updated.Purpose = f.Text
		r.put(updated)
	}
}

// resolve maps a name-or-address target to the function it names.
func (s *Store) resolve(target string) (addr, name string) {
	if strings.HasPrefix(target, "0x") {
		if f, ok := s.facts[functionID(target)]; ok {
			return target, f.Name
		}
		return target, ""
	}
	for _, id := range s.sortedIDs() {
		f := s.facts[id]
		if f.Kind == KindFunction && f.Name == target {
			return f.Address, f.Name
		}
	}
	return "", target
}

func (s *Store) sortedIDs() []string {
	ids := make([]string, 0, len(s.facts))
	for id := range s.facts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns copies of all facts ordered by address, then kind, then
// identity.
func (s *Store) Snapshot() []Fact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Fact, 0, len(s.facts))
	for _, f := range s.facts {
		out = append(out, *f)
	}
	sortFacts(out)
	return out
}

func sortFacts(facts []Fact) {
	sort.Slice(facts, func(i, j int) bool {
		a, b := &facts[i], &facts[j]
		if av, bv := a.addressValue(), b.addressValue(); av != bv {
			return av < bv
		}
		if kindRank[a.Kind] != kindRank[b.Kind] {
			return kindRank[a.Kind] < kindRank[b.Kind]
		}
		return a.ID < b.ID
	})
}

// Restore replaces the store's contents with facts from a saved session.
func (s *Store) Restore(facts []Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := NewIndex()
	if err != nil {
		return err
	}
	s.facts = make(map[string]*Fact, len(facts))
	s.recorded = make(map[string]bool)
	s.purposes = make(map[string]string)
	s.seq = 0
	sorted := append([]Fact(nil), facts...)
	sortFacts(sorted)
	for i := range sorted {
		f := sorted[i]
		s.facts[f.ID] = &f
		if f.Kind == KindHypothesis {
			if f.Sequence > s.seq {
				s.seq = f.Sequence
			}
			if f.Address != "" {
				s.purposes[f.Address] = f.Text
			}
		}
		s.indexFact(idx, &f)
	}
	if s.index != nil {
		s.index.Close()
	}
	s.index = idx
	return nil
}

func (s *Store) indexFact(idx *Index, f *Fact) {
	if err := idx.Put(f); err != nil {
		s.logger.Warn("fact not indexed, search falls back to substring scan", map[string]interface{}{
			"fact":  f.ID,
			"error": err.Error(),
		})
	}
}

// Counts returns the number of facts per kind.
func (s *Store) Counts() map[Kind]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[Kind]int)
	for _, f := range s.facts {
		counts[f.Kind]++
	}
	return counts
}

// Renamed returns the renamed functions in address order.
func (s *Store) Renamed() []Fact {
	var out []Fact
	for _, f := range s.Snapshot() {
		if f.Kind == KindFunction && f.Renamed {
			out = append(out, f)
		}
	}
	return out
}

// Close releases the search index.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index == nil {
		return nil
	}
	err := s.index.Close()
	s.index = nil
	return err
}
