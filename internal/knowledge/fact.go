package knowledge

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/vinayprograms/unfold/internal/analysis"
)

// Kind is the type of a fact.
type Kind string

const (
	KindOverview   Kind = "overview"
	KindFunction   Kind = "function"
	KindExport     Kind = "export"
	KindString     Kind = "string"
	KindXref       Kind = "xref"
	KindImport     Kind = "import"
	KindHypothesis Kind = "hypothesis"
)

// kindRank orders kinds sharing an address.
var kindRank = map[Kind]int{
	KindOverview:   0,
	KindFunction:   1,
	KindExport:     2,
	KindString:     3,
	KindXref:       4,
	KindImport:     5,
	KindHypothesis: 6,
}

// Fact is one durable piece of knowledge about the binary. Facts are keyed
// by ID, their natural identity, so re-discovering a fact overwrites it.
// Only the fields of the fact's kind are set.
type Fact struct {
	ID      string `json:"id"`
	Kind    Kind   `json:"kind"`
	Address string `json:"address,omitempty"`

	// Function, export and overview.
	Name         string `json:"name,omitempty"`
	Size         int    `json:"size,omitempty"`
	Signature    string `json:"signature,omitempty"`
	Body         string `json:"body,omitempty"`
	Renamed      bool   `json:"renamed,omitempty"`
	OriginalName string `json:"original_name,omitempty"`
	Purpose      string `json:"purpose,omitempty"`
	Thunk        bool   `json:"thunk,omitempty"`
	External     bool   `json:"external,omitempty"`

	// String.
	Value string `json:"value,omitempty"`

	// Import.
	Library    string `json:"library,omitempty"`
	ImportKind string `json:"import_kind,omitempty"`

	// Cross-reference.
	From         string `json:"from,omitempty"`
	FromFunction string `json:"from_function,omitempty"`
	To           string `json:"to,omitempty"`
	ToFunction   string `json:"to_function,omitempty"`
	RefKind      string `json:"ref_kind,omitempty"`

	// Overview.
	Format       string `json:"format,omitempty"`
	Architecture string `json:"architecture,omitempty"`
	Compiler     string `json:"compiler,omitempty"`
	ImageBase    string `json:"image_base,omitempty"`
	Functions    int    `json:"functions,omitempty"`

	// Hypothesis.
	Sequence int    `json:"sequence,omitempty"`
	Text     string `json:"text,omitempty"`

	// Turn is the turn that last changed the fact.
	Turn int `json:"turn"`
}

func functionID(addr string) string    { return "function:" + addr }
func stringID(addr string) string      { return "string:" + addr }
func exportID(addr string) string      { return "export:" + addr }
func importID(lib, name string) string { return "import:" + lib + "!" + name }
func hypothesisID(seq int) string      { return fmt.Sprintf("hypothesis:%04d", seq) }

func xrefID(from, to, kind string) string {
	return "xref:" + from + "->" + to + ":" + kind
}

const overviewID = "overview"

// addressValue parses the fact's address for ordering. Facts without an
// address sort first.
func (f *Fact) addressValue() uint64 {
	if f.Address == "" {
		return 0
	}
	v, err := analysis.ParseAddress(f.Address)
	if err != nil {
		return 0
	}
	return v
}

// Line renders the fact on one line.
func (f *Fact) Line() string {
	switch f.Kind {
	case KindOverview:
		parts := []string{}
		for _, p := range []string{f.Format, f.Architecture} {
			if p != "" {
				parts = append(parts, p)
			}
		}
		line := "binary: " + strings.Join(parts, ", ")
		if f.Compiler != "" {
			line += " (" + f.Compiler + ")"
		}
		if f.ImageBase != "" {
			line += ", image base " + f.ImageBase
		}
		if f.Functions > 0 {
			line += ", " + strconv.Itoa(f.Functions) + " functions"
		}
		return line
	case KindFunction:
		line := "function " + f.Address + " " + f.Name
		if f.Signature != "" {
			line += ": " + f.Signature
		}
		if f.Renamed && f.OriginalName != "" {
			line += " (renamed from " + f.OriginalName + ")"
		}
		if f.Thunk || f.External {
			line += " [external]"
		}
		if f.Purpose != "" {
			line += " - " + firstLine(f.Purpose)
		}
		return line
	case KindExport:
		return "export " + f.Address + " " + f.Name
	case KindString:
		return "string " + f.Address + " " + strconv.Quote(f.Value)
	case KindImport:
		line := "import " + f.Name
		if f.Library != "" {
			line += " from " + f.Library
		}
		return line
	case KindXref:
		return "xref " + endpoint(f.From, f.FromFunction) + " -> " + endpoint(f.To, f.ToFunction) + " [" + f.RefKind + "]"
	case KindHypothesis:
		line := "hypothesis #" + strconv.Itoa(f.Sequence)
		if f.Address != "" {
			line += " @" + f.Address
		}
		return line + ": " + firstLine(f.Text)
	}
	return f.ID
}

// searchText is what the index sees for the fact.
func (f *Fact) searchText() string {
	parts := []string{f.Line()}
	if f.Body != "" {
		parts = append(parts, f.Body)
	}
	if f.Kind == KindHypothesis {
		parts = append(parts, f.Text)
	}
	return strings.Join(parts, "\n")
}

func endpoint(addr, fn string) string {
	switch {
	case addr != "" && fn != "" && addr != fn:
		return addr + " (" + fn + ")"
	case addr != "":
		return addr
	}
	return fn
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
