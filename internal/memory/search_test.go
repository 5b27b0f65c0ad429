package memory

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedSearchCorpus(t *testing.T, e *Engine) {
	t.Helper()
	for i := 0; i < 4; i++ {
		mustStore(t, e, "alice", "event", fmt.Sprintf(`{"type":"note","title":"Storage note %d","content":"We benchmarked SQLite write throughput, run %d."}`, i, i))
	}
	mustStore(t, e, "alice", "entity", `{"type":"tool","name":"SQLite","content":"Embedded SQL database engine with FTS5."}`)
	mustStore(t, e, "alice", "lesson", `{"type":"insight","title":"WAL mode","content":"Enable WAL before heavy SQLite writes."}`)
	mustStore(t, e, "alice", "lesson", `{"type":"insight","title":"Unrelated","content":"Tea is best steeped for three minutes."}`)
	mustStore(t, e, "bob", "event", `{"type":"note","title":"SQLite for bob","content":"bob also uses SQLite"}`)
}

func TestSearchMergesKindsAndLimits(t *testing.T) {
	e, _ := newTestEngine(t)
	seedSearchCorpus(t, e)

	got, err := e.Search(context.Background(), "alice", "SQLite", nil, 5)
	require.NoError(t, err)
	require.Len(t, got, 5)

	for i, r := range got {
		assert.NotEmpty(t, r.Snippet)
		assert.Contains(t, strings.ToLower(r.Snippet+r.Title), "sqlite")
		assert.NotContains(t, r.Title, "bob")
		if i > 0 {
			assert.LessOrEqual(t, got[i-1].Score, r.Score)
		}
	}
}

func TestSearchKindsFilter(t *testing.T) {
	e, _ := newTestEngine(t)
	seedSearchCorpus(t, e)
	ctx := context.Background()

	got, err := e.Search(ctx, "alice", "SQLite", []string{"lessons"}, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, KindLesson, got[0].Kind)
	assert.Equal(t, "WAL mode", got[0].Title)

	_, err = e.Search(ctx, "alice", "SQLite", []string{"principle"}, 10)
	assert.True(t, IsUnknownKind(err))
	_, err = e.Search(ctx, "alice", "SQLite", []string{"bogus"}, 10)
	assert.True(t, IsUnknownKind(err))
}

func TestSearchDefaultLimit(t *testing.T) {
	e, _ := newTestEngine(t)
	for i := 0; i < 15; i++ {
		mustStore(t, e, "alice", "event", `{"type":"note","content":"repeated keyword"}`)
	}
	got, err := e.Search(context.Background(), "alice", "keyword", nil, 0)
	require.NoError(t, err)
	assert.Len(t, got, DefaultSearchLimit)
}

func TestSearchQuerySyntax(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	mustStore(t, e, "alice", "event", `{"type":"note","title":"c++ build","content":"the quick brown fox"}`)

	// Punctuation in plain terms does not break the query.
	got, err := e.Search(ctx, "alice", "c++ fox", nil, 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	// Quoted text is FTS5 syntax: a phrase.
	got, err = e.Search(ctx, "alice", `"quick brown"`, nil, 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	got, err = e.Search(ctx, "alice", `"brown quick"`, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	for _, q := range []string{`"unterminated`, `hello"`, `"a" "b`, `AND "x"`, `"x" OR`} {
		_, err = e.Search(ctx, "alice", q, nil, 10)
		assert.True(t, IsValidation(err), "query %s: %v", q, err)
	}

	// Balanced quotes with an embedded doubled quote still parse.
	_, err = e.Search(ctx, "alice", `"quick ""brown"""`, nil, 10)
	require.NoError(t, err)

	_, err = e.Search(ctx, "alice", "   ", nil, 10)
	assert.True(t, IsValidation(err))
}

func TestSearchTimestampField(t *testing.T) {
	e, clock := newTestEngine(t)
	mustStore(t, e, "alice", "entity", `{"type":"tool","name":"sqlite","content":"db"}`)
	clock.Advance(time.Hour)
	mustStore(t, e, "alice", "entity", `{"type":"tool","name":"sqlite","content":"db engine"}`)

	got, err := e.Search(context.Background(), "alice", "engine", nil, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Timestamp.Equal(clock.Now()))
}

func TestFTSMatchExpr(t *testing.T) {
	cases := map[string]string{
		" a  b ":              `"a" "b"`,
		"c++":                 `"c++"`,
		`"exact phrase" OR x`: `"exact phrase" OR x`,
	}
	for in, want := range cases {
		got, err := ftsMatchExpr(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ftsMatchExpr(`hello"`)
	assert.True(t, IsValidation(err))
}
