package knowledge

import (
	"fmt"
	"strings"
)

// sections lists the summary groups in output order.
var sections = []struct {
	kind  Kind
	title string
}{
	{KindOverview, "Binary"},
	{KindFunction, "Functions"},
	{KindExport, "Exports"},
	{KindImport, "Imports"},
	{KindString, "Strings"},
	{KindXref, "Cross-references"},
	{KindHypothesis, "Hypotheses"},
}

// Summary renders every fact, grouped by kind. The output depends only on
// the store's contents.
func (s *Store) Summary() string {
	return Summarize(s.Snapshot())
}

// Summarize renders facts, grouped by kind, in snapshot order.
func Summarize(facts []Fact) string {
	if len(facts) == 0 {
		return "No facts recorded yet."
	}
	groups := make(map[Kind][]Fact)
	for _, f := range facts {
		groups[f.Kind] = append(groups[f.Kind], f)
	}

	var b strings.Builder
	for _, sec := range sections {
		group := groups[sec.kind]
		if len(group) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		if sec.kind == KindOverview {
			b.WriteString(strings.TrimPrefix(group[0].Line(), "binary: "))
			b.WriteString("\n")
			continue
		}
		fmt.Fprintf(&b, "%s (%d):\n", sec.title, len(group))
		for _, f := range group {
			b.WriteString("- ")
			b.WriteString(summaryLine(&f))
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// summaryLine drops the kind prefix the section title already carries and
// keeps hypothesis text whole.
func summaryLine(f *Fact) string {
	if f.Kind == KindHypothesis {
		line := fmt.Sprintf("#%d", f.Sequence)
		if f.Address != "" {
			line += " @" + f.Address
		}
		return line + ": " + strings.Join(strings.Fields(f.Text), " ")
	}
	return strings.TrimPrefix(f.Line(), string(f.Kind)+" ")
}

// Lines renders one line per fact in snapshot order.
func Lines(facts []Fact) []string {
	out := make([]string, len(facts))
	for i := range facts {
		out[i] = facts[i].Line()
	}
	return out
}
