package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tierAt is the reference classification the stored tiers must match. Both
// thresholds are strict, so an event exactly HotWindow old is still hot.
func tierAt(ts, now time.Time) Tier {
	switch {
	case ts.Before(now.Add(-WarmWindow)):
		return TierCold
	case ts.Before(now.Add(-HotWindow)):
		return TierWarm
	default:
		return TierHot
	}
}

func storeEventAt(t *testing.T, e *Engine, agent, id string, ts time.Time) {
	t.Helper()
	mustStore(t, e, agent, "event", fmt.Sprintf(`{"id":%q,"type":"note","timestamp":%q}`, id, ts.Format(time.RFC3339Nano)))
}

func eventTier(t *testing.T, e *Engine, agent, id string) Tier {
	t.Helper()
	rec, err := e.Get(context.Background(), agent, "event", id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec.(Event).Tier
}

func TestRetierBoundaries(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	storeEventAt(t, e, "alice", "now", testNow)
	storeEventAt(t, e, "alice", "hot-edge", testNow.Add(-HotWindow))
	storeEventAt(t, e, "alice", "warm-edge", testNow.Add(-HotWindow-time.Second))
	storeEventAt(t, e, "alice", "warm-late", testNow.Add(-WarmWindow))
	storeEventAt(t, e, "alice", "cold", testNow.Add(-WarmWindow-time.Second))

	_, err := e.Retier(ctx)
	require.NoError(t, err)

	assert.Equal(t, TierHot, eventTier(t, e, "alice", "now"))
	assert.Equal(t, TierHot, eventTier(t, e, "alice", "hot-edge"))
	assert.Equal(t, TierWarm, eventTier(t, e, "alice", "warm-edge"))
	assert.Equal(t, TierWarm, eventTier(t, e, "alice", "warm-late"))
	assert.Equal(t, TierCold, eventTier(t, e, "alice", "cold"))

	changed, err := e.Retier(ctx)
	require.NoError(t, err)
	assert.Zero(t, changed, "a second pass at the same instant changes nothing")
}

func TestTiersGoStaleUntilNextWrite(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()

	storeEventAt(t, e, "alice", "e1", testNow)
	clock.Advance(HotWindow + time.Minute)

	// Reads never re-tier.
	got, err := e.Recall(ctx, "alice", "event", RecallFilter{Tier: TierHot}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, ids(got))

	// Any write does, across every agent.
	_, err = e.SetState(ctx, "bob", "busy")
	require.NoError(t, err)
	assert.Equal(t, TierWarm, eventTier(t, e, "alice", "e1"))

	clock.Advance(WarmWindow)
	mustStore(t, e, "carol", "principle", `{"name":"p"}`)
	assert.Equal(t, TierCold, eventTier(t, e, "alice", "e1"))
}

func TestRetierInvariantAfterWrite(t *testing.T) {
	e, clock := newTestEngine(t)

	offsets := []time.Duration{0, time.Hour, 2 * HotWindow, 10 * 24 * time.Hour, 45 * 24 * time.Hour, 365 * 24 * time.Hour}
	for i, off := range offsets {
		storeEventAt(t, e, "alice", fmt.Sprintf("e%d", i), testNow.Add(-off))
	}
	clock.Advance(30 * time.Hour)
	mustStore(t, e, "alice", "lesson", `{"type":"insight"}`)

	now := clock.Now()
	for i, off := range offsets {
		assert.Equal(t, tierAt(testNow.Add(-off), now), eventTier(t, e, "alice", fmt.Sprintf("e%d", i)), "offset %s", off)
	}
}
