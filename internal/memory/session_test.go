package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionForUnknownAgent(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	exists, err := e.AgentExists(ctx, "ghost")
	require.NoError(t, err)
	require.False(t, exists)

	s, err := e.GetSession(ctx, "ghost")
	require.NoError(t, err)

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"state": {"content": "", "updated_at": null},
		"hot_events": [],
		"principles": [],
		"recent_summary": null,
		"recent_lessons": [],
		"counts": {"hot_events": 0, "principles": 0, "recent_lessons": 0}
	}`, string(data))

	exists, err = e.AgentExists(ctx, "ghost")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSessionBundle(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()

	_, err := e.SetState(ctx, "alice", "working on the parser")
	require.NoError(t, err)

	storeEventAt(t, e, "alice", "stale", testNow.Add(-10*24*time.Hour))
	for i := 0; i < 22; i++ {
		mustStore(t, e, "alice", "event", `{"type":"note"}`)
		clock.Advance(time.Second)
	}
	for i := 0; i < 30; i++ {
		mustStore(t, e, "alice", "principle", fmt.Sprintf(`{"name":"p%02d"}`, i))
	}
	mustStore(t, e, "alice", "summary", `{"type":"daily","period":"d1","content":"older"}`)
	clock.Advance(time.Minute)
	mustStore(t, e, "alice", "summary", `{"type":"daily","period":"d2","content":"newer"}`)

	for i := 0; i < 12; i++ {
		mustStore(t, e, "alice", "lesson", fmt.Sprintf(`{"id":"l%02d","type":"insight"}`, i))
		clock.Advance(time.Second)
	}
	mustStore(t, e, "alice", "lesson", `{"id":"resolved","type":"insight","consolidated_to":"alice/p00"}`)
	mustStore(t, e, "bob", "event", `{"type":"note"}`)

	s, err := e.GetSession(ctx, "alice")
	require.NoError(t, err)

	assert.Equal(t, "working on the parser", s.State.Content)
	require.NotNil(t, s.State.UpdatedAt)

	require.Len(t, s.HotEvents, sessionHotEvents)
	for _, ev := range s.HotEvents {
		assert.Equal(t, TierHot, ev.Tier)
		assert.Equal(t, "alice", ev.AgentID)
		assert.NotEqual(t, "stale", ev.ID)
	}
	assert.Len(t, s.Principles, 30, "principles are not capped")

	require.NotNil(t, s.RecentSummary)
	assert.Equal(t, "newer", s.RecentSummary.Content)

	require.Len(t, s.RecentLessons, sessionRecentLessons)
	assert.Equal(t, "l11", s.RecentLessons[0].ID)
	for _, l := range s.RecentLessons {
		assert.NotEqual(t, "resolved", l.ID)
		assert.Nil(t, l.ConsolidatedTo)
	}

	assert.Equal(t, SessionCounts{HotEvents: 20, Principles: 30, RecentLessons: 10}, s.Counts)
}

func TestConsolidatedLessonLeavesSession(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	mustStore(t, e, "alice", "lesson", `{"id":"l1","type":"insight"}`)
	_, err := e.ConsolidateLessons(ctx, "alice", "alice/p", []string{"l1"})
	require.NoError(t, err)

	s, err := e.GetSession(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, s.RecentLessons)

	all, err := e.Recall(ctx, "alice", "lessons", RecallFilter{}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"l1"}, ids(all))
}

func TestStateRoundTrip(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()

	st, err := e.GetState(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "", st.Content)
	assert.Nil(t, st.UpdatedAt)

	_, err = e.SetState(ctx, "alice", "first")
	require.NoError(t, err)
	clock.Advance(time.Minute)
	set, err := e.SetState(ctx, "alice", "second")
	require.NoError(t, err)

	st, err = e.GetState(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "second", st.Content)
	require.NotNil(t, st.UpdatedAt)
	assert.True(t, st.UpdatedAt.Equal(*set.UpdatedAt))
	assert.True(t, st.UpdatedAt.Equal(testNow.Add(time.Minute)))

	other, err := e.GetState(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "", other.Content)
}
