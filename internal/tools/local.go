package tools

import (
	"context"
)

// Hypothesis is the acknowledgement of record_hypothesis. The knowledge
// store appends it as a fact when it folds the result in.
type Hypothesis struct {
	Note    string `json:"note"`
	Address string `json:"address,omitempty"`
}

// SearchFunc searches what the session has learned.
type SearchFunc func(ctx context.Context, query string, limit int) (interface{}, error)

// RegisterSessionTools registers the tools that work on session state
// rather than on the binary.
func RegisterSessionTools(r *Registry, search SearchFunc) error {
	if err := r.Register(Spec{
		Name:        "record_hypothesis",
		Description: "Record a working hypothesis or finding so it survives context compaction. Optionally attach the address it concerns.",
		Params: []Param{
			{Name: "note", Type: TypeString, Required: true, Rules: "min=1,max=2000", Description: "The hypothesis or finding"},
			{Name: "address", Type: TypeString, Address: true, Description: "Address the note concerns"},
		},
		Class: Mutating,
		Local: true,
		Handler: func(ctx context.Context, tg *Target, args Args) (interface{}, error) {
			return &Hypothesis{Note: args.String("note"), Address: args.String("address")}, nil
		},
	}); err != nil {
		return err
	}

	if search == nil {
		return nil
	}
	return r.Register(Spec{
		Name:        "search_knowledge",
		Description: "Full-text search over everything learned so far: functions, strings, imports, cross-references and hypotheses. Use it to recall facts elided from the conversation.",
		Params: []Param{
			{Name: "query", Type: TypeString, Required: true, Rules: "min=1,max=500", Description: "Search terms"},
			{Name: "limit", Type: TypeInteger, Default: 10, Rules: "min=1,max=50", Description: "Maximum number of hits (default: 10)"},
		},
		Class: Pure,
		Local: true,
		Handler: func(ctx context.Context, tg *Target, args Args) (interface{}, error) {
			return search(ctx, args.String("query"), args.Int("limit"))
		},
	})
}
