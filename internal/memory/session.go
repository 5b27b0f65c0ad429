package memory

import (
	"context"
	"time"
)

const (
	sessionHotEvents     = 20
	sessionRecentLessons = 10
)

// GetSession assembles the bootstrap bundle for agent: its state, hot
// events, every principle, the latest summary and the most recent
// unconsolidated lessons. Counts describe the returned lists, not totals.
func (e *Engine) GetSession(ctx context.Context, agent string) (s *Session, err error) {
	start := time.Now()
	defer func() { e.metrics.observe("session", "", start, err) }()

	agent, err = requireAgent(agent)
	if err != nil {
		return nil, err
	}
	if err := e.ensureAgent(ctx, agent); err != nil {
		return nil, err
	}

	state, err := e.readState(ctx, agent)
	if err != nil {
		return nil, err
	}
	hot, err := e.recallEvents(ctx, agent, RecallFilter{Tier: TierHot}, sessionHotEvents)
	if err != nil {
		return nil, err
	}
	principles, err := e.recallPrinciples(ctx, agent, NoLimit)
	if err != nil {
		return nil, err
	}
	summaries, err := e.recallSummaries(ctx, agent, RecallFilter{}, 1)
	if err != nil {
		return nil, err
	}
	lessons, err := e.recallLessons(ctx, agent, RecallFilter{unconsolidated: true}, sessionRecentLessons)
	if err != nil {
		return nil, err
	}

	s = &Session{
		State:         *state,
		HotEvents:     hot,
		Principles:    principles,
		RecentLessons: lessons,
		Counts: SessionCounts{
			HotEvents:     len(hot),
			Principles:    len(principles),
			RecentLessons: len(lessons),
		},
	}
	if len(summaries) > 0 {
		s.RecentSummary = &summaries[0]
	}
	return s, nil
}
