package tools

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/vinayprograms/unfold/internal/analysis"
	"github.com/vinayprograms/unfold/internal/binary"
	"github.com/vinayprograms/unfold/internal/cache"
	"github.com/vinayprograms/unfold/internal/failure"
	"github.com/vinayprograms/unfold/internal/sandbox"
)

// Timeouts for the binary tool set.
type Timeouts struct {
	Analysis time.Duration
	Analyze  time.Duration
	Sandbox  time.Duration
}

// DefaultTimeouts are used when a field of Timeouts is zero.
var DefaultTimeouts = Timeouts{
	Analysis: 2 * time.Minute,
	Analyze:  10 * time.Minute,
	Sandbox:  time.Minute,
}

// rawStringsLimit caps raw_strings output before truncation applies.
const rawStringsLimit = 5000

// RegisterBinaryTools registers the static, file and sandbox tools.
func RegisterBinaryTools(r *Registry, t Timeouts) error {
	if t.Analysis <= 0 {
		t.Analysis = DefaultTimeouts.Analysis
	}
	if t.Analyze <= 0 {
		t.Analyze = DefaultTimeouts.Analyze
	}
	if t.Sandbox <= 0 {
		t.Sandbox = DefaultTimeouts.Sandbox
	}

	specs := []Spec{
		{
			Name:        "analyze_binary",
			Description: "Import and run full analysis on the binary. Call this before other analysis tools. Returns architecture, format, compiler and function count.",
			Class:       Pure,
			Timeout:     t.Analyze,
			Handler: func(ctx context.Context, tg *Target, args Args) (interface{}, error) {
				p, err := project(tg)
				if err != nil {
					return nil, err
				}
				return p.Analyze(ctx)
			},
		},
		{
			Name:        "list_functions",
			Description: "List all functions in the binary with their names, addresses and sizes. Use this to get an overview of the binary's structure.",
			Class:       Pure,
			Timeout:     t.Analysis,
			Handler: func(ctx context.Context, tg *Target, args Args) (interface{}, error) {
				p, err := project(tg)
				if err != nil {
					return nil, err
				}
				return p.ListFunctions(ctx)
			},
			Depends: func(Args, interface{}) []string { return []string{cache.AllFunctions} },
		},
		{
			Name:        "decompile",
			Description: "Decompile a function to C pseudocode. Provide the function name (e.g. 'main', '_check_password') or its hex address (e.g. '0x100000460').",
			Params: []Param{
				{Name: "function", Type: TypeString, Target: true, Required: true, Description: "Function name or hex address to decompile"},
			},
			Class:   Pure,
			Timeout: t.Analysis,
			Handler: func(ctx context.Context, tg *Target, args Args) (interface{}, error) {
				p, err := project(tg)
				if err != nil {
					return nil, err
				}
				return p.Decompile(ctx, args.String("function"))
			},
			Depends: decompileDeps,
		},
		{
			Name:        "get_xrefs_to",
			Description: "Find all cross-references TO a function or address, i.e. who calls it. Useful for understanding how a function is used.",
			Params: []Param{
				{Name: "target", Type: TypeString, Target: true, Required: true, Description: "Function name or hex address to find references to"},
			},
			Class:   Pure,
			Timeout: t.Analysis,
			Handler: func(ctx context.Context, tg *Target, args Args) (interface{}, error) {
				p, err := project(tg)
				if err != nil {
					return nil, err
				}
				return p.XrefsTo(ctx, args.String("target"))
			},
			Depends: xrefDeps,
		},
		{
			Name:        "get_xrefs_from",
			Description: "Find all cross-references FROM a function or address, i.e. what it calls. Useful for understanding a function's dependencies.",
			Params: []Param{
				{Name: "target", Type: TypeString, Target: true, Required: true, Description: "Function name or hex address to find references from"},
			},
			Class:   Pure,
			Timeout: t.Analysis,
			Handler: func(ctx context.Context, tg *Target, args Args) (interface{}, error) {
				p, err := project(tg)
				if err != nil {
					return nil, err
				}
				return p.XrefsFrom(ctx, args.String("target"))
			},
			Depends: xrefDeps,
		},
		{
			Name:        "get_strings",
			Description: "Extract all defined strings from the binary with their addresses. Useful for finding passwords, error messages, URLs, file paths and format strings.",
			Class:       Pure,
			Timeout:     t.Analysis,
			Handler: func(ctx context.Context, tg *Target, args Args) (interface{}, error) {
				p, err := project(tg)
				if err != nil {
					return nil, err
				}
				return p.Strings(ctx)
			},
		},
		{
			Name:        "get_imports_exports",
			Description: "List imported library functions and exported symbols. Imports reveal which APIs the binary uses (crypto, network, file I/O); exports show its public API.",
			Class:       Pure,
			Timeout:     t.Analysis,
			Handler: func(ctx context.Context, tg *Target, args Args) (interface{}, error) {
				p, err := project(tg)
				if err != nil {
					return nil, err
				}
				return p.ImportsExports(ctx)
			},
			Depends: func(Args, interface{}) []string { return []string{cache.AllFunctions} },
		},
		{
			Name:        "rename_function",
			Description: "Rename a function to a more meaningful name. Use this to annotate the binary as you understand it. Provide the current name or address and the new name.",
			Params: []Param{
				{Name: "target", Type: TypeString, Target: true, Required: true, Description: "Current function name or hex address"},
				{Name: "new_name", Type: TypeString, Required: true, Rules: "min=1,max=255,identifier", Description: "New descriptive name for the function"},
			},
			Class:   Mutating,
			Timeout: t.Analysis,
			Handler: func(ctx context.Context, tg *Target, args Args) (interface{}, error) {
				p, err := project(tg)
				if err != nil {
					return nil, err
				}
				return p.Rename(ctx, args.String("target"), args.String("new_name"))
			},
			Invalidates: renameKeys,
		},
		{
			Name:        "read_bytes",
			Description: "Read raw bytes at an address. Returns a hex dump and ASCII rendering. Useful for data sections, encoded data or raw instructions.",
			Params: []Param{
				{Name: "address", Type: TypeString, Address: true, Required: true, Description: "Hex address to read from (e.g. '0x100000460')"},
				{Name: "count", Type: TypeInteger, Default: 64, Rules: "min=1,max=1024", Description: "Number of bytes to read (default: 64, max: 1024)"},
			},
			Class:   Pure,
			Timeout: t.Analysis,
			Handler: func(ctx context.Context, tg *Target, args Args) (interface{}, error) {
				p, err := project(tg)
				if err != nil {
					return nil, err
				}
				addr, err := analysis.ParseAddress(args.String("address"))
				if err != nil {
					return nil, failure.New(failure.Validation, "read_bytes", "invalid address %q", args.String("address"))
				}
				return p.ReadBytes(ctx, addr, args.Int("count"))
			},
		},
		{
			Name:        "file_info",
			Description: "Get file type and format information: architecture, format (ELF/Mach-O/PE) and whether it is stripped.",
			Class:       Pure,
			Handler: func(ctx context.Context, tg *Target, args Args) (interface{}, error) {
				desc := "data"
				if h, err := binary.ReadHeader(tg.Path); err == nil {
					desc = h.Describe()
				}
				return map[string]string{"type": desc}, nil
			},
		},
		{
			Name:        "binary_info",
			Description: "Get binary header information and shared library dependencies.",
			Class:       Pure,
			Handler: func(ctx context.Context, tg *Target, args Args) (interface{}, error) {
				h, err := binary.ReadHeader(tg.Path)
				if err != nil {
					return nil, failure.Wrap(failure.ToolExecution, "binary_info", err)
				}
				return h, nil
			},
		},
		{
			Name:        "raw_strings",
			Description: "Extract printable strings straight from the file. Faster than get_strings but less precise.",
			Params: []Param{
				{Name: "min_length", Type: TypeInteger, Default: 4, Rules: "min=1,max=256", Description: "Minimum string length (default: 4)"},
			},
			Class: Pure,
			Handler: func(ctx context.Context, tg *Target, args Args) (interface{}, error) {
				found, err := binary.Strings(tg.Path, args.Int("min_length"), rawStringsLimit)
				if err != nil {
					return nil, failure.Wrap(failure.ToolExecution, "raw_strings", err)
				}
				return found, nil
			},
		},
		{
			Name:        "binary_size",
			Description: "Get file size and cryptographic hashes (MD5, SHA256) of the binary.",
			Class:       Pure,
			Handler: func(ctx context.Context, tg *Target, args Args) (interface{}, error) {
				d, err := binary.Hash(tg.Path)
				if err != nil {
					return nil, failure.Wrap(failure.ToolExecution, "binary_size", err)
				}
				return d, nil
			},
		},
		{
			Name:        "run_binary",
			Description: "Run the binary in an isolated sandbox with no network. Optionally feed stdin and trace library calls or syscalls. Returns stdout, stderr and exit code.",
			Params: []Param{
				{Name: "args", Type: TypeStrings, Rules: "max=32,dive,max=4096", Description: "Command-line arguments"},
				{Name: "stdin", Type: TypeString, Rules: "max=65536", Description: "Data written to standard input"},
				{Name: "trace", Type: TypeString, Default: "none", Enum: []string{"none", "calls", "syscalls"}, Description: "Record library calls or syscalls"},
			},
			Class:   External,
			Timeout: t.Sandbox,
			Handler: func(ctx context.Context, tg *Target, args Args) (interface{}, error) {
				runner := tg.Runner
				if runner == nil {
					runner = sandbox.Disabled{}
				}
				mode, err := sandbox.ParseTraceMode(args.String("trace"))
				if err != nil {
					return nil, failure.New(failure.Validation, "run_binary", "%v", err)
				}
				return runner.Run(ctx, sandbox.Request{
					BinaryPath: tg.Path,
					Args:       args.Strings("args"),
					Stdin:      args.String("stdin"),
					Trace:      mode,
				})
			},
		},
	}

	for _, s := range specs {
		if err := r.Register(s); err != nil {
			return err
		}
	}
	return nil
}

func project(tg *Target) (analysis.Project, error) {
	if tg.Project == nil {
		return nil, failure.New(failure.BackendUnavailable, "analysis", "no static-analysis backend is open for %s", tg.Path)
	}
	return tg.Project, nil
}

var identifierToken = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)

// targetKey is the dependency key of a name-or-address argument.
func targetKey(target string) string {
	if strings.HasPrefix(target, "0x") {
		return cache.AddrKey(target)
	}
	return cache.NameKey(target)
}

// decompileDeps covers the function itself and every identifier in its
// pseudocode, so a rename of a callee invalidates the caller's listing.
func decompileDeps(args Args, payload interface{}) []string {
	deps := []string{targetKey(args.String("function"))}
	d, ok := payload.(*analysis.Decompiled)
	if !ok || d == nil {
		return deps
	}
	deps = append(deps, cache.AddrKey(d.Address), cache.NameKey(d.Name))
	for _, tok := range identifierToken.FindAllString(d.Signature+"\n"+d.Code, -1) {
		deps = append(deps, cache.NameKey(tok))
	}
	return dedupe(deps)
}

func xrefDeps(args Args, payload interface{}) []string {
	deps := []string{targetKey(args.String("target"))}
	refs, _ := payload.([]analysis.Xref)
	for _, x := range refs {
		for _, name := range []string{x.FromFunction, x.ToFunction} {
			if name != "" {
				deps = append(deps, cache.NameKey(name))
			}
		}
		for _, addr := range []string{x.FromAddress, x.ToAddress} {
			if canon, ok := analysis.NormalizeAddress(addr); ok {
				deps = append(deps, cache.AddrKey(canon))
			}
		}
	}
	return dedupe(deps)
}

// renameKeys makes stale everything keyed to either name, the address and
// any function listing.
func renameKeys(args Args, payload interface{}) []string {
	keys := []string{targetKey(args.String("target")), cache.NameKey(args.String("new_name")), cache.AllFunctions}
	if r, ok := payload.(*analysis.Rename); ok && r != nil {
		keys = append(keys, cache.NameKey(r.OldName), cache.NameKey(r.NewName))
		if canon, ok := analysis.NormalizeAddress(r.Address); ok {
			keys = append(keys, cache.AddrKey(canon))
		}
	}
	return dedupe(keys)
}
