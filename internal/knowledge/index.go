package knowledge

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
)

// Index is an in-memory full-text index over facts.
type Index struct {
	mu      sync.Mutex
	index   bleve.Index
	lines   map[string]*Fact
	missing map[string]bool // facts the index rejected
}

type factDocument struct {
	Kind    string `json:"kind"`
	Address string `json:"address"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Hit is one search result.
type Hit struct {
	ID      string  `json:"id"`
	Kind    Kind    `json:"kind"`
	Address string  `json:"address,omitempty"`
	Line    string  `json:"line"`
	Score   float64 `json:"score"`
}

func buildIndexMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()

	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name
	exact := bleve.NewTextFieldMapping()
	exact.Analyzer = keyword.Name

	doc.AddFieldMappingsAt("content", text)
	doc.AddFieldMappingsAt("name", text)
	doc.AddFieldMappingsAt("kind", exact)
	doc.AddFieldMappingsAt("address", exact)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	m.DefaultAnalyzer = standard.Name
	return m
}

// NewIndex creates an empty memory-only index.
func NewIndex() (*Index, error) {
	idx, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create knowledge index: %w", err)
	}
	return &Index{index: idx, lines: make(map[string]*Fact), missing: make(map[string]bool)}, nil
}

// Put indexes f, replacing any earlier version. A fact the index rejects
// is still reachable through the substring scan.
func (x *Index) Put(f *Fact) error {
	if x == nil || f == nil {
		return nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	cp := *f
	x.lines[f.ID] = &cp
	err := x.index.Index(f.ID, factDocument{
		Kind:    string(f.Kind),
		Address: f.Address,
		Name:    f.Name,
		Content: f.searchText(),
	})
	if err != nil {
		x.missing[f.ID] = true
		return fmt.Errorf("failed to index %s: %w", f.ID, err)
	}
	delete(x.missing, f.ID)
	return nil
}

// Search returns up to limit facts matching q. Addresses match exactly;
// everything else goes through the text analyzer. When the analyzer finds
// nothing, a case-insensitive substring scan catches fragments such as
// partial identifiers.
func (x *Index) Search(q string, limit int) ([]Hit, error) {
	if x == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	match := bleve.NewMatchQuery(q)
	match.SetField("content")
	name := bleve.NewMatchQuery(q)
	name.SetField("name")
	addr := bleve.NewTermQuery(strings.ToLower(q))
	addr.SetField("address")
	req := bleve.NewSearchRequest(bleve.NewDisjunctionQuery([]query.Query{match, name, addr}...))
	req.Size = limit

	res, err := x.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		f, ok := x.lines[h.ID]
		if !ok {
			continue
		}
		hits = append(hits, Hit{ID: f.ID, Kind: f.Kind, Address: f.Address, Line: f.Line(), Score: h.Score})
	}
	if len(hits) == 0 {
		return x.scan(q, limit, nil), nil
	}
	if len(x.missing) > 0 && len(hits) < limit {
		hits = append(hits, x.scan(q, limit-len(hits), x.missing)...)
	}
	return hits, nil
}

// scan matches q as a substring of the facts in only, or of every fact when
// only is nil.
func (x *Index) scan(q string, limit int, only map[string]bool) []Hit {
	needle := strings.ToLower(q)
	ids := make([]string, 0, len(x.lines))
	for id := range x.lines {
		if only == nil || only[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var hits []Hit
	for _, id := range ids {
		f := x.lines[id]
		if !strings.Contains(strings.ToLower(f.searchText()), needle) {
			continue
		}
		hits = append(hits, Hit{ID: f.ID, Kind: f.Kind, Address: f.Address, Line: f.Line()})
		if len(hits) >= limit {
			break
		}
	}
	return hits
}

// Close releases the index.
func (x *Index) Close() error {
	if x == nil {
		return nil
	}
	return x.index.Close()
}

// Search queries the store's facts.
func (s *Store) Search(q string, limit int) ([]Hit, error) {
	s.mu.RLock()
	idx := s.index
	s.mu.RUnlock()
	return idx.Search(q, limit)
}
