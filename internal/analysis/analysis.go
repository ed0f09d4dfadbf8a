// Package analysis defines the static-analysis backend contract.
//
// Backends hand out a Project per binary. Projects return plain structured
// data; no decompiler handles cross this boundary.
package analysis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Overview describes the analyzed program.
type Overview struct {
	Name         string `json:"name" yaml:"name"`
	Language     string `json:"language" yaml:"language"`
	Compiler     string `json:"compiler" yaml:"compiler"`
	ImageBase    string `json:"image_base" yaml:"image_base"`
	Format       string `json:"executable_format" yaml:"format"`
	NumFunctions int    `json:"num_functions" yaml:"-"`
}

// Function is one entry of the function listing.
type Function struct {
	Name       string `json:"name"`
	Address    string `json:"address"`
	Size       int    `json:"size"`
	IsThunk    bool   `json:"is_thunk,omitempty"`
	IsExternal bool   `json:"is_external,omitempty"`
}

// Decompiled is the pseudocode of one function.
type Decompiled struct {
	Name      string `json:"name"`
	Address   string `json:"address"`
	Signature string `json:"signature,omitempty"`
	Code      string `json:"decompiled"`
}

// Xref is a single cross reference. XrefsTo fills the From fields and
// XrefsFrom the To fields.
type Xref struct {
	FromAddress  string `json:"from_address,omitempty"`
	FromFunction string `json:"from_function,omitempty"`
	ToAddress    string `json:"to_address,omitempty"`
	ToFunction   string `json:"to_function,omitempty"`
	Type         string `json:"type"`
}

// String is a defined string literal.
type String struct {
	Address string `json:"address"`
	Value   string `json:"value"`
	Length  int    `json:"length"`
}

// Import is an external symbol.
type Import struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace,omitempty"`
	Type      string `json:"type,omitempty"`
}

// Export is a global symbol defined by the binary.
type Export struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Symbols groups imports and exports.
type Symbols struct {
	Imports []Import `json:"imports"`
	Exports []Export `json:"exports"`
}

// Bytes is a raw memory read.
type Bytes struct {
	Address string `json:"address"`
	Count   int    `json:"count"`
	Hex     string `json:"hex"`
	ASCII   string `json:"ascii"`
}

// Rename acknowledges a rename.
type Rename struct {
	OldName string `json:"old_name"`
	NewName string `json:"new_name"`
	Address string `json:"address"`
}

// Project is an opened, analyzable binary.
type Project interface {
	Analyze(ctx context.Context) (*Overview, error)
	ListFunctions(ctx context.Context) ([]Function, error)
	Decompile(ctx context.Context, target string) (*Decompiled, error)
	XrefsTo(ctx context.Context, target string) ([]Xref, error)
	XrefsFrom(ctx context.Context, target string) ([]Xref, error)
	Strings(ctx context.Context) ([]String, error)
	ImportsExports(ctx context.Context) (*Symbols, error)
	ReadBytes(ctx context.Context, address uint64, count int) (*Bytes, error)
	Rename(ctx context.Context, target, newName string) (*Rename, error)
	Close() error
}

// Backend opens projects.
type Backend interface {
	Open(ctx context.Context, binaryPath string) (Project, error)
}

// MaxReadBytes caps ReadBytes.
const MaxReadBytes = 1024

// ParseAddress parses "0x401000", "401000h" or a decimal offset.
func ParseAddress(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty address")
	}
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "0x"):
		return strconv.ParseUint(lower[2:], 16, 64)
	case strings.HasSuffix(lower, "h"):
		return strconv.ParseUint(lower[:len(lower)-1], 16, 64)
	default:
		return strconv.ParseUint(lower, 10, 64)
	}
}

// FormatAddress renders an address the way every payload does.
func FormatAddress(addr uint64) string {
	return fmt.Sprintf("0x%x", addr)
}

// NormalizeAddress re-renders s canonically, or returns ok=false when s is
// not an address (for example a symbol name).
func NormalizeAddress(s string) (string, bool) {
	addr, err := ParseAddress(s)
	if err != nil {
		return "", false
	}
	return FormatAddress(addr), true
}

// HexDump renders data in the read_bytes shape.
func HexDump(addr uint64, data []byte) *Bytes {
	hexParts := make([]string, len(data))
	ascii := make([]byte, len(data))
	for i, b := range data {
		hexParts[i] = fmt.Sprintf("%02x", b)
		if b >= 32 && b < 127 {
			ascii[i] = b
		} else {
			ascii[i] = '.'
		}
	}
	return &Bytes{
		Address: FormatAddress(addr),
		Count:   len(data),
		Hex:     strings.Join(hexParts, " "),
		ASCII:   string(ascii),
	}
}
