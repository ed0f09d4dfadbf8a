package analysis

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/vinayprograms/unfold/internal/failure"
)

// FixtureProgram is the YAML description of a program model.
type FixtureProgram struct {
	Overview  Overview          `yaml:",inline"`
	Functions []FixtureFunction `yaml:"functions"`
	Strings   []FixtureString   `yaml:"strings"`
	Imports   []Import          `yaml:"imports"`
	Memory    []FixtureSegment  `yaml:"memory"`
}

// FixtureFunction describes one function. Calls lists callee names.
type FixtureFunction struct {
	Name      string   `yaml:"name"`
	Address   string   `yaml:"address"`
	Size      int      `yaml:"size"`
	Signature string   `yaml:"signature"`
	Code      string   `yaml:"code"`
	Calls     []string `yaml:"calls"`
	Thunk     bool     `yaml:"thunk"`
	External  bool     `yaml:"external"`
}

// FixtureString is a string literal placed in memory.
type FixtureString struct {
	Address string `yaml:"address"`
	Value   string `yaml:"value"`
}

// FixtureSegment is raw memory given as hex.
type FixtureSegment struct {
	Address string `yaml:"address"`
	Hex     string `yaml:"hex"`
}

type fixtureFunc struct {
	FixtureFunction
	addr uint64
}

type segment struct {
	addr uint64
	data []byte
}

// Fixture is an in-memory Backend backed by a FixtureProgram. Every project
// opened from one Fixture shares its state, so a rename is visible to all
// of them, the same way a shared decompiler project behaves.
type Fixture struct {
	mu        sync.Mutex
	overview  Overview
	functions []*fixtureFunc
	strings   []String
	imports   []Import
	memory    []segment
	calls     map[string]int
}

// LoadFixture reads a YAML program model.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}
	return ParseFixture(data)
}

// ParseFixture builds a Fixture from YAML.
func ParseFixture(data []byte) (*Fixture, error) {
	var prog FixtureProgram
	if err := yaml.Unmarshal(data, &prog); err != nil {
		return nil, fmt.Errorf("failed to parse fixture: %w", err)
	}
	return NewFixture(prog)
}

// NewFixture validates prog and builds a Fixture.
func NewFixture(prog FixtureProgram) (*Fixture, error) {
	f := &Fixture{overview: prog.Overview, imports: prog.Imports, calls: make(map[string]int)}

	seen := make(map[uint64]bool)
	for _, fn := range prog.Functions {
		addr, err := ParseAddress(fn.Address)
		if err != nil {
			return nil, fmt.Errorf("function %q: invalid address %q", fn.Name, fn.Address)
		}
		if seen[addr] {
			return nil, fmt.Errorf("duplicate function address %s", FormatAddress(addr))
		}
		seen[addr] = true
		f.functions = append(f.functions, &fixtureFunc{FixtureFunction: fn, addr: addr})
	}
	sort.Slice(f.functions, func(i, j int) bool { return f.functions[i].addr < f.functions[j].addr })

	for _, s := range prog.Strings {
		addr, err := ParseAddress(s.Address)
		if err != nil {
			return nil, fmt.Errorf("string %q: invalid address %q", s.Value, s.Address)
		}
		f.strings = append(f.strings, String{Address: FormatAddress(addr), Value: s.Value, Length: len(s.Value)})
		f.memory = append(f.memory, segment{addr: addr, data: append([]byte(s.Value), 0)})
	}
	for _, seg := range prog.Memory {
		addr, err := ParseAddress(seg.Address)
		if err != nil {
			return nil, fmt.Errorf("memory segment: invalid address %q", seg.Address)
		}
		data, err := hex.DecodeString(stripSpaces(seg.Hex))
		if err != nil {
			return nil, fmt.Errorf("memory segment %s: %w", seg.Address, err)
		}
		f.memory = append(f.memory, segment{addr: addr, data: data})
	}
	return f, nil
}

func stripSpaces(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != ' ' && s[i] != '\n' && s[i] != '\t' {
			out = append(out, s[i])
		}
	}
	return string(out)
}

// Open returns a project view of the fixture. The path is not read.
func (f *Fixture) Open(ctx context.Context, binaryPath string) (Project, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &fixtureProject{f: f}, nil
}

// Calls reports how many times op reached the fixture.
func (f *Fixture) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Fixture) enter(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.calls[op]++
	return nil
}

// resolve finds a function by name first, then by address.
func (f *Fixture) resolve(target string) *fixtureFunc {
	for _, fn := range f.functions {
		if fn.Name == target {
			return fn
		}
	}
	if addr, err := ParseAddress(target); err == nil {
		for _, fn := range f.functions {
			if fn.addr == addr {
				return fn
			}
		}
	}
	return nil
}

func (f *Fixture) byName(name string) *fixtureFunc {
	for _, fn := range f.functions {
		if fn.Name == name {
			return fn
		}
	}
	return nil
}

type fixtureProject struct {
	f *Fixture
}

func (p *fixtureProject) Analyze(ctx context.Context) (*Overview, error) {
	p.f.mu.Lock()
	defer p.f.mu.Unlock()
	if err := p.f.enter(ctx, "analyze"); err != nil {
		return nil, err
	}
	ov := p.f.overview
	ov.NumFunctions = len(p.f.functions)
	return &ov, nil
}

func (p *fixtureProject) ListFunctions(ctx context.Context) ([]Function, error) {
	p.f.mu.Lock()
	defer p.f.mu.Unlock()
	if err := p.f.enter(ctx, "list_functions"); err != nil {
		return nil, err
	}
	out := make([]Function, 0, len(p.f.functions))
	for _, fn := range p.f.functions {
		out = append(out, Function{
			Name:       fn.Name,
			Address:    FormatAddress(fn.addr),
			Size:       fn.Size,
			IsThunk:    fn.Thunk,
			IsExternal: fn.External,
		})
	}
	return out, nil
}

func (p *fixtureProject) Decompile(ctx context.Context, target string) (*Decompiled, error) {
	p.f.mu.Lock()
	defer p.f.mu.Unlock()
	if err := p.f.enter(ctx, "decompile"); err != nil {
		return nil, err
	}
	fn := p.f.resolve(target)
	if fn == nil {
		return nil, failure.New(failure.ToolExecution, "decompile", "function not found: %s", target)
	}
	return &Decompiled{
		Name:      fn.Name,
		Address:   FormatAddress(fn.addr),
		Signature: fn.Signature,
		Code:      fn.Code,
	}, nil
}

func (p *fixtureProject) XrefsTo(ctx context.Context, target string) ([]Xref, error) {
	p.f.mu.Lock()
	defer p.f.mu.Unlock()
	if err := p.f.enter(ctx, "xrefs_to"); err != nil {
		return nil, err
	}
	fn := p.f.resolve(target)
	if fn == nil {
		return nil, failure.New(failure.ToolExecution, "xrefs_to", "could not resolve: %s", target)
	}
	out := []Xref{}
	for _, caller := range p.f.functions {
		for _, callee := range caller.Calls {
			if callee == fn.Name {
				out = append(out, Xref{
					FromAddress:  FormatAddress(caller.addr),
					FromFunction: caller.Name,
					Type:         "UNCONDITIONAL_CALL",
				})
			}
		}
	}
	return out, nil
}

func (p *fixtureProject) XrefsFrom(ctx context.Context, target string) ([]Xref, error) {
	p.f.mu.Lock()
	defer p.f.mu.Unlock()
	if err := p.f.enter(ctx, "xrefs_from"); err != nil {
		return nil, err
	}
	fn := p.f.resolve(target)
	if fn == nil {
		return nil, failure.New(failure.ToolExecution, "xrefs_from", "could not resolve: %s", target)
	}
	out := []Xref{}
	for _, callee := range fn.Calls {
		x := Xref{ToFunction: callee, Type: "UNCONDITIONAL_CALL"}
		if dst := p.f.byName(callee); dst != nil {
			x.ToAddress = FormatAddress(dst.addr)
		}
		out = append(out, x)
	}
	return out, nil
}

func (p *fixtureProject) Strings(ctx context.Context) ([]String, error) {
	p.f.mu.Lock()
	defer p.f.mu.Unlock()
	if err := p.f.enter(ctx, "strings"); err != nil {
		return nil, err
	}
	out := make([]String, len(p.f.strings))
	copy(out, p.f.strings)
	return out, nil
}

func (p *fixtureProject) ImportsExports(ctx context.Context) (*Symbols, error) {
	p.f.mu.Lock()
	defer p.f.mu.Unlock()
	if err := p.f.enter(ctx, "imports_exports"); err != nil {
		return nil, err
	}
	syms := &Symbols{Imports: append([]Import{}, p.f.imports...), Exports: []Export{}}
	for _, fn := range p.f.functions {
		if fn.External || fn.Thunk {
			continue
		}
		syms.Exports = append(syms.Exports, Export{Name: fn.Name, Address: FormatAddress(fn.addr)})
	}
	return syms, nil
}

func (p *fixtureProject) ReadBytes(ctx context.Context, address uint64, count int) (*Bytes, error) {
	p.f.mu.Lock()
	defer p.f.mu.Unlock()
	if err := p.f.enter(ctx, "read_bytes"); err != nil {
		return nil, err
	}
	if count > MaxReadBytes {
		count = MaxReadBytes
	}
	for _, seg := range p.f.memory {
		if address < seg.addr || address >= seg.addr+uint64(len(seg.data)) {
			continue
		}
		start := address - seg.addr
		end := start + uint64(count)
		if end > uint64(len(seg.data)) {
			end = uint64(len(seg.data))
		}
		return HexDump(address, seg.data[start:end]), nil
	}
	return nil, failure.New(failure.ToolExecution, "read_bytes", "invalid address: %s", FormatAddress(address))
}

func (p *fixtureProject) Rename(ctx context.Context, target, newName string) (*Rename, error) {
	p.f.mu.Lock()
	defer p.f.mu.Unlock()
	if err := p.f.enter(ctx, "rename"); err != nil {
		return nil, err
	}
	fn := p.f.resolve(target)
	if fn == nil {
		return nil, failure.New(failure.ToolExecution, "rename", "function not found: %s", target)
	}
	if other := p.f.byName(newName); other != nil && other != fn {
		return nil, failure.New(failure.ToolExecution, "rename", "name already in use: %s", newName)
	}

	oldName := fn.Name
	word := regexp.MustCompile(`\b` + regexp.QuoteMeta(oldName) + `\b`)
	for _, other := range p.f.functions {
		other.Code = word.ReplaceAllString(other.Code, newName)
		other.Signature = word.ReplaceAllString(other.Signature, newName)
		for i, callee := range other.Calls {
			if callee == oldName {
				other.Calls[i] = newName
			}
		}
	}
	fn.Name = newName

	return &Rename{OldName: oldName, NewName: newName, Address: FormatAddress(fn.addr)}, nil
}

func (p *fixtureProject) Close() error { return nil }
