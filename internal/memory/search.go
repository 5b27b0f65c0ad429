package memory

import (
	"context"
	"sort"
	"strings"
	"time"
)

// DefaultSearchLimit applies when Search is called with a non-positive limit.
const DefaultSearchLimit = 10

// Search runs a full-text query over the indexed kinds of agent. Each kind
// is queried with the full limit; the hits are merged by score (lower is
// better) and the limit is applied to the merged list.
func (e *Engine) Search(ctx context.Context, agent, query string, kinds []string, limit int) (out []SearchResult, err error) {
	start := time.Now()
	defer func() { e.metrics.observe("search", "", start, err) }()

	agent, err = requireAgent(agent)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return nil, validationErr("query", "search query is required")
	}
	selected, err := searchKinds(kinds)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if err := e.ensureAgent(ctx, agent); err != nil {
		return nil, err
	}

	match, err := ftsMatchExpr(query)
	if err != nil {
		return nil, err
	}
	order := make(map[Kind]int, len(selected))
	out = make([]SearchResult, 0)
	for i, k := range selected {
		order[k] = i
		ix, _ := indexFor(k)
		hits, err := ix.query(ctx, e.db, agent, match, limit)
		if err != nil {
			if isMatchSyntaxErr(err) {
				return nil, validationErr("query", "invalid search syntax %q", query)
			}
			return nil, err
		}
		for _, h := range hits {
			text := h.body
			if text == "" {
				text = h.heading
			}
			out = append(out, SearchResult{
				Kind:      k,
				ID:        h.id,
				Title:     h.heading,
				Snippet:   snippet(text, query),
				Score:     h.score,
				Timestamp: parseStoredTime(h.at),
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score < b.Score
		}
		if a.Kind != b.Kind {
			return order[a.Kind] < order[b.Kind]
		}
		return a.ID < b.ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	e.metrics.observeSearch(len(out))
	return out, nil
}

// searchKinds resolves requested kind names, defaulting to every indexed
// kind. Duplicates collapse; kinds without an index are rejected.
func searchKinds(names []string) ([]Kind, error) {
	if len(names) == 0 {
		return SearchKinds, nil
	}
	seen := make(map[Kind]bool, len(names))
	kinds := make([]Kind, 0, len(names))
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		k, ok := ParseKind(name)
		if _, indexed := indexFor(k); !ok || !indexed {
			return nil, &UnknownKindError{Op: "search", Kind: name}
		}
		if !seen[k] {
			seen[k] = true
			kinds = append(kinds, k)
		}
	}
	if len(kinds) == 0 {
		return SearchKinds, nil
	}
	return kinds, nil
}
