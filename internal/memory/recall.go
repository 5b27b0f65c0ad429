package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultRecallLimit applies when Recall is called with limit 0.
	DefaultRecallLimit = 20
	// NoLimit asks Recall for every matching record.
	NoLimit = -1
)

// sqlFilter accumulates AND-ed WHERE conditions.
type sqlFilter struct {
	conds []string
	args  []any
}

func (f *sqlFilter) add(cond string, args ...any) {
	f.conds = append(f.conds, cond)
	f.args = append(f.args, args...)
}

func (f sqlFilter) where() string {
	if len(f.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.conds, " AND ")
}

// Recall returns records of kind for agent matching filter, newest first.
// Filters that do not apply to kind are ignored.
func (e *Engine) Recall(ctx context.Context, agent, kind string, filter RecallFilter, limit int) (out []Record, err error) {
	start := time.Now()
	k, _ := ParseKind(kind)
	defer func() { e.metrics.observe("recall", k, start, err) }()

	agent, err = requireAgent(agent)
	if err != nil {
		return nil, err
	}
	if k == "" {
		return nil, &UnknownKindError{Op: "recall", Kind: kind}
	}
	if err := e.ensureAgent(ctx, agent); err != nil {
		return nil, err
	}
	if limit == 0 {
		limit = DefaultRecallLimit
	}

	out = make([]Record, 0)
	switch k {
	case KindEvent:
		rows, err := e.recallEvents(ctx, agent, filter, limit)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			out = append(out, r)
		}
	case KindEntity:
		rows, err := e.recallEntities(ctx, agent, filter, limit)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			out = append(out, r)
		}
	case KindLesson:
		rows, err := e.recallLessons(ctx, agent, filter, limit)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			out = append(out, r)
		}
	case KindPrinciple:
		rows, err := e.recallPrinciples(ctx, agent, limit)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			out = append(out, r)
		}
	case KindSummary:
		rows, err := e.recallSummaries(ctx, agent, filter, limit)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			out = append(out, r)
		}
	}
	return out, nil
}

func (e *Engine) recallEvents(ctx context.Context, agent string, f RecallFilter, limit int) ([]Event, error) {
	q := sqlFilter{}
	q.add("agent_id = ?", agent)
	if f.Tier != "" {
		q.add("tier = ?", string(f.Tier))
	}
	if f.EventType != "" {
		q.add("type = ?", f.EventType)
	}
	if f.Since != nil {
		q.add("timestamp >= ?", formatTime(*f.Since))
	}
	if f.Until != nil {
		q.add("timestamp <= ?", formatTime(*f.Until))
	}
	return e.selectEvents(ctx, q, limit)
}

func (e *Engine) recallEntities(ctx context.Context, agent string, f RecallFilter, limit int) ([]Entity, error) {
	q := sqlFilter{}
	q.add("agent_id = ?", agent)
	if f.EntityType != "" {
		q.add("type = ?", f.EntityType)
	}
	return e.selectEntities(ctx, q, limit)
}

func (e *Engine) recallLessons(ctx context.Context, agent string, f RecallFilter, limit int) ([]Lesson, error) {
	q := sqlFilter{}
	q.add("agent_id = ?", agent)
	if f.LessonType != "" {
		q.add("type = ?", f.LessonType)
	}
	if f.Since != nil {
		q.add("timestamp >= ?", formatTime(*f.Since))
	}
	if f.unconsolidated {
		q.add("consolidated_to IS NULL")
	}
	return e.selectLessons(ctx, q, limit)
}

func (e *Engine) recallPrinciples(ctx context.Context, agent string, limit int) ([]Principle, error) {
	q := sqlFilter{}
	q.add("agent_id = ?", agent)
	return e.selectPrinciples(ctx, q, limit)
}

func (e *Engine) recallSummaries(ctx context.Context, agent string, f RecallFilter, limit int) ([]Summary, error) {
	q := sqlFilter{}
	q.add("agent_id = ?", agent)
	if f.SummaryType != "" {
		q.add("type = ?", f.SummaryType)
	}
	if f.Since != nil {
		q.add("created_at >= ?", formatTime(*f.Since))
	}
	return e.selectSummaries(ctx, q, limit)
}

// A negative limit reaches SQLite as LIMIT -1, which means no limit.
func sqlLimit(limit int) int {
	if limit < 0 {
		return -1
	}
	return limit
}

func (e *Engine) selectEvents(ctx context.Context, q sqlFilter, limit int) ([]Event, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, agent_id, type, timestamp, title, content, metadata, tier
		FROM events`+q.where()+`
		ORDER BY timestamp DESC, pk DESC
		LIMIT ?
	`, append(q.args, sqlLimit(limit))...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0)
	for rows.Next() {
		var ev Event
		var ts, meta, tier string
		if err := rows.Scan(&ev.ID, &ev.AgentID, &ev.Type, &ts, &ev.Title, &ev.Content, &meta, &tier); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Timestamp = parseStoredTime(ts)
		ev.Metadata = decodeMetadata(meta)
		ev.Tier = Tier(tier)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func (e *Engine) selectEntities(ctx context.Context, q sqlFilter, limit int) ([]Entity, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, agent_id, type, name, content, updated_at, metadata
		FROM entities`+q.where()+`
		ORDER BY updated_at DESC, pk DESC
		LIMIT ?
	`, append(q.args, sqlLimit(limit))...)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	out := make([]Entity, 0)
	for rows.Next() {
		var en Entity
		var updated, meta string
		if err := rows.Scan(&en.ID, &en.AgentID, &en.Type, &en.Name, &en.Content, &updated, &meta); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		en.UpdatedAt = parseStoredTime(updated)
		en.Metadata = decodeMetadata(meta)
		out = append(out, en)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return out, nil
}

func (e *Engine) selectLessons(ctx context.Context, q sqlFilter, limit int) ([]Lesson, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, agent_id, type, timestamp, title, content, source_event_id, consolidated_to
		FROM lessons`+q.where()+`
		ORDER BY timestamp DESC, pk DESC
		LIMIT ?
	`, append(q.args, sqlLimit(limit))...)
	if err != nil {
		return nil, fmt.Errorf("query lessons: %w", err)
	}
	defer rows.Close()

	out := make([]Lesson, 0)
	for rows.Next() {
		var l Lesson
		var ts string
		var source, consolidated sql.NullString
		if err := rows.Scan(&l.ID, &l.AgentID, &l.Type, &ts, &l.Title, &l.Content, &source, &consolidated); err != nil {
			return nil, fmt.Errorf("scan lesson: %w", err)
		}
		l.Timestamp = parseStoredTime(ts)
		if source.Valid {
			l.SourceEventID = &source.String
		}
		if consolidated.Valid {
			l.ConsolidatedTo = &consolidated.String
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lessons: %w", err)
	}
	return out, nil
}

func (e *Engine) selectPrinciples(ctx context.Context, q sqlFilter, limit int) ([]Principle, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, agent_id, name, content, source_lessons, metadata, created_at, updated_at
		FROM principles`+q.where()+`
		ORDER BY updated_at DESC, id DESC
		LIMIT ?
	`, append(q.args, sqlLimit(limit))...)
	if err != nil {
		return nil, fmt.Errorf("query principles: %w", err)
	}
	defer rows.Close()

	out := make([]Principle, 0)
	for rows.Next() {
		var p Principle
		var sources, meta, created, updated string
		if err := rows.Scan(&p.ID, &p.AgentID, &p.Name, &p.Content, &sources, &meta, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan principle: %w", err)
		}
		if err := json.Unmarshal([]byte(sources), &p.SourceLessons); err != nil || p.SourceLessons == nil {
			p.SourceLessons = []string{}
		}
		p.Metadata = decodeMetadata(meta)
		p.CreatedAt = parseStoredTime(created)
		p.UpdatedAt = parseStoredTime(updated)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate principles: %w", err)
	}
	return out, nil
}

func (e *Engine) selectSummaries(ctx context.Context, q sqlFilter, limit int) ([]Summary, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, agent_id, type, period, content, event_count, created_at
		FROM summaries`+q.where()+`
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, append(q.args, sqlLimit(limit))...)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer rows.Close()

	out := make([]Summary, 0)
	for rows.Next() {
		var s Summary
		var created string
		if err := rows.Scan(&s.ID, &s.AgentID, &s.Type, &s.Period, &s.Content, &s.EventCount, &created); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		s.CreatedAt = parseStoredTime(created)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summaries: %w", err)
	}
	return out, nil
}
