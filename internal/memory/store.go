package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Store creates or replaces one record of kind for agent from a JSON
// payload. The payload is validated before anything is written; the
// tiering pass, the row upsert and the index update then commit together.
func (e *Engine) Store(ctx context.Context, agent, kind string, payload []byte) (res *StoreResult, err error) {
	start := time.Now()
	k, _ := ParseKind(kind)
	defer func() { e.metrics.observe("store", k, start, err) }()

	agent, err = requireAgent(agent)
	if err != nil {
		return nil, err
	}
	if k == "" {
		return nil, &UnknownKindError{Op: "store", Kind: kind}
	}

	var put func(ctx context.Context, tx *sql.Tx, agent string, now time.Time) (*StoreResult, error)
	switch k {
	case KindEvent:
		var p eventPayload
		if err := e.validator.decode(k, payload, &p); err != nil {
			return nil, err
		}
		put = p.put
	case KindEntity:
		var p entityPayload
		if err := e.validator.decode(k, payload, &p); err != nil {
			return nil, err
		}
		put = p.put
	case KindLesson:
		var p lessonPayload
		if err := e.validator.decode(k, payload, &p); err != nil {
			return nil, err
		}
		put = p.put
	case KindPrinciple:
		var p principlePayload
		if err := e.validator.decode(k, payload, &p); err != nil {
			return nil, err
		}
		put = p.put
	case KindSummary:
		var p summaryPayload
		if err := e.validator.decode(k, payload, &p); err != nil {
			return nil, err
		}
		put = p.put
	}

	err = e.write(ctx, "store", agent, func(tx *sql.Tx, now time.Time, fields logrus.Fields) error {
		r, err := put(ctx, tx, agent, now)
		if err != nil {
			return err
		}
		res = r
		fields["kind"] = k
		fields["id"] = r.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func foreignID(id string) error {
	return validationErr("id", "id %q belongs to another agent", id)
}

func (p eventPayload) put(ctx context.Context, tx *sql.Tx, agent string, now time.Time) (*StoreResult, error) {
	ts, err := timestampOr("timestamp", p.Timestamp, now)
	if err != nil {
		return nil, err
	}
	meta, err := encodeMetadata(p.Metadata)
	if err != nil {
		return nil, err
	}
	id := strings.TrimSpace(p.ID)
	if id == "" {
		if id, err = nextDailyID(ctx, tx, "events", now); err != nil {
			return nil, err
		}
	}

	prev, err := eventIndex.lookup(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	doc := document{Heading: p.Title, Body: p.Content}

	if prev == nil {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO events (id, agent_id, type, timestamp, title, content, metadata, tier)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'hot')
		`, id, agent, p.Type, formatTime(ts), p.Title, p.Content, meta)
		if err != nil {
			return nil, fmt.Errorf("insert event: %w", err)
		}
		pk, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("insert event: %w", err)
		}
		if err := eventIndex.update(ctx, tx, id, pk, nil, doc); err != nil {
			return nil, err
		}
	} else {
		if prev.agent != agent {
			return nil, foreignID(id)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE events SET type = ?, timestamp = ?, title = ?, content = ?, metadata = ?, tier = 'hot'
			WHERE pk = ?
		`, p.Type, formatTime(ts), p.Title, p.Content, meta, prev.pk); err != nil {
			return nil, fmt.Errorf("update event: %w", err)
		}
		if err := eventIndex.update(ctx, tx, id, prev.pk, &prev.doc, doc); err != nil {
			return nil, err
		}
	}
	return &StoreResult{Kind: KindEvent, ID: id, Timestamp: &ts}, nil
}

func (p entityPayload) put(ctx context.Context, tx *sql.Tx, agent string, now time.Time) (*StoreResult, error) {
	meta, err := encodeMetadata(p.Metadata)
	if err != nil {
		return nil, err
	}
	id := strings.TrimSpace(p.ID)
	if id == "" {
		id = entityID(agent, p.Type, p.Name)
	}

	prev, err := entityIndex.lookup(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if prev == nil {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO entities (id, agent_id, type, name, content, updated_at, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, id, agent, p.Type, p.Name, p.Content, formatTime(now), meta)
		if err != nil {
			return nil, fmt.Errorf("insert entity: %w", err)
		}
		pk, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("insert entity: %w", err)
		}
		if err := entityIndex.update(ctx, tx, id, pk, nil, document{Heading: p.Name, Body: p.Content}); err != nil {
			return nil, err
		}
	} else {
		if prev.agent != agent {
			return nil, foreignID(id)
		}
		// type and name are fixed at creation.
		if _, err := tx.ExecContext(ctx,
			`UPDATE entities SET content = ?, updated_at = ?, metadata = ? WHERE pk = ?`,
			p.Content, formatTime(now), meta, prev.pk); err != nil {
			return nil, fmt.Errorf("update entity: %w", err)
		}
		doc := document{Heading: prev.doc.Heading, Body: p.Content}
		if err := entityIndex.update(ctx, tx, id, prev.pk, &prev.doc, doc); err != nil {
			return nil, err
		}
	}
	return &StoreResult{Kind: KindEntity, ID: id, UpdatedAt: &now}, nil
}

func (p lessonPayload) put(ctx context.Context, tx *sql.Tx, agent string, now time.Time) (*StoreResult, error) {
	ts, err := timestampOr("timestamp", p.Timestamp, now)
	if err != nil {
		return nil, err
	}
	id := strings.TrimSpace(p.ID)
	if id == "" {
		if id, err = nextDailyID(ctx, tx, "lessons", now); err != nil {
			return nil, err
		}
	}

	prev, err := lessonIndex.lookup(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	doc := document{Heading: p.Title, Body: p.Content}
	source := nullableString(p.SourceEventID)
	consolidated := nullableString(p.ConsolidatedTo)

	if prev == nil {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO lessons (id, agent_id, type, timestamp, title, content, source_event_id, consolidated_to)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, id, agent, p.Type, formatTime(ts), p.Title, p.Content, source, consolidated)
		if err != nil {
			return nil, fmt.Errorf("insert lesson: %w", err)
		}
		pk, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("insert lesson: %w", err)
		}
		if err := lessonIndex.update(ctx, tx, id, pk, nil, doc); err != nil {
			return nil, err
		}
	} else {
		if prev.agent != agent {
			return nil, foreignID(id)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE lessons SET type = ?, timestamp = ?, title = ?, content = ?, source_event_id = ?, consolidated_to = ?
			WHERE pk = ?
		`, p.Type, formatTime(ts), p.Title, p.Content, source, consolidated, prev.pk); err != nil {
			return nil, fmt.Errorf("update lesson: %w", err)
		}
		if err := lessonIndex.update(ctx, tx, id, prev.pk, &prev.doc, doc); err != nil {
			return nil, err
		}
	}
	return &StoreResult{Kind: KindLesson, ID: id, Timestamp: &ts}, nil
}

func (p principlePayload) put(ctx context.Context, tx *sql.Tx, agent string, now time.Time) (*StoreResult, error) {
	meta, err := encodeMetadata(p.Metadata)
	if err != nil {
		return nil, err
	}
	sources := p.SourceLessons
	if sources == nil {
		sources = []string{}
	}
	sourcesJSON, err := json.Marshal(sources)
	if err != nil {
		return nil, validationErr("source_lessons", "%v", err)
	}
	id := strings.TrimSpace(p.ID)
	if id == "" {
		id = principleID(agent, p.Name)
	}

	owner, err := ownerOf(ctx, tx, "principles", id)
	if err != nil {
		return nil, err
	}
	switch owner {
	case "":
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO principles (id, agent_id, name, content, source_lessons, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, id, agent, p.Name, p.Content, string(sourcesJSON), meta, formatTime(now), formatTime(now)); err != nil {
			return nil, fmt.Errorf("insert principle: %w", err)
		}
	case agent:
		// name is fixed at creation.
		if _, err := tx.ExecContext(ctx,
			`UPDATE principles SET content = ?, source_lessons = ?, metadata = ?, updated_at = ? WHERE id = ?`,
			p.Content, string(sourcesJSON), meta, formatTime(now), id); err != nil {
			return nil, fmt.Errorf("update principle: %w", err)
		}
	default:
		return nil, foreignID(id)
	}
	return &StoreResult{Kind: KindPrinciple, ID: id, UpdatedAt: &now}, nil
}

func (p summaryPayload) put(ctx context.Context, tx *sql.Tx, agent string, now time.Time) (*StoreResult, error) {
	id := strings.TrimSpace(p.ID)
	if id == "" {
		id = summaryID(agent, p.Type, p.Period)
	}

	owner, err := ownerOf(ctx, tx, "summaries", id)
	if err != nil {
		return nil, err
	}
	created := now
	switch owner {
	case "":
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO summaries (id, agent_id, type, period, content, event_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, id, agent, p.Type, p.Period, p.Content, p.EventCount, formatTime(now)); err != nil {
			return nil, fmt.Errorf("insert summary: %w", err)
		}
	case agent:
		// First write wins for created_at; only the digest itself changes.
		if _, err := tx.ExecContext(ctx,
			`UPDATE summaries SET content = ?, event_count = ? WHERE id = ?`,
			p.Content, p.EventCount, id); err != nil {
			return nil, fmt.Errorf("update summary: %w", err)
		}
		var raw string
		if err := tx.QueryRowContext(ctx, `SELECT created_at FROM summaries WHERE id = ?`, id).Scan(&raw); err != nil {
			return nil, fmt.Errorf("read summary created_at: %w", err)
		}
		created = parseStoredTime(raw)
	default:
		return nil, foreignID(id)
	}
	return &StoreResult{Kind: KindSummary, ID: id, CreatedAt: &created}, nil
}

// ownerOf returns the agent owning id in table, or "" when id is unused.
func ownerOf(ctx context.Context, tx *sql.Tx, table, id string) (string, error) {
	var owner string
	err := tx.QueryRowContext(ctx, `SELECT agent_id FROM `+table+` WHERE id = ?`, id).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup %s %q: %w", table, id, err)
	}
	return owner, nil
}

func nullableString(s *string) sql.NullString {
	if s == nil || strings.TrimSpace(*s) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// ConsolidateLessons marks lessonIDs of agent as absorbed into principleID
// and returns how many lessons changed. Ids that do not exist for agent
// are skipped; principleID is not required to exist.
func (e *Engine) ConsolidateLessons(ctx context.Context, agent, principleID string, lessonIDs []string) (n int, err error) {
	start := time.Now()
	defer func() { e.metrics.observe("consolidate", KindLesson, start, err) }()

	agent, err = requireAgent(agent)
	if err != nil {
		return 0, err
	}
	principleID = strings.TrimSpace(principleID)
	if principleID == "" {
		return 0, validationErr("principle_id", "principle id is required")
	}
	ids := make([]any, 0, len(lessonIDs))
	for _, id := range lessonIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0, validationErr("lesson_ids", "at least one lesson id is required")
	}

	err = e.write(ctx, "consolidate", agent, func(tx *sql.Tx, _ time.Time, fields logrus.Fields) error {
		args := append([]any{principleID, agent}, ids...)
		res, err := tx.ExecContext(ctx,
			`UPDATE lessons SET consolidated_to = ? WHERE agent_id = ? AND id IN (`+placeholders(len(ids))+`)`,
			args...)
		if err != nil {
			return fmt.Errorf("consolidate lessons: %w", err)
		}
		changed, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("consolidate lessons: %w", err)
		}
		n = int(changed)
		fields["principle_id"] = principleID
		fields["consolidated"] = n
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Get returns the record of kind with id owned by agent, or nil when there
// is none.
func (e *Engine) Get(ctx context.Context, agent, kind, id string) (rec Record, err error) {
	start := time.Now()
	k, _ := ParseKind(kind)
	defer func() { e.metrics.observe("get", k, start, err) }()

	agent, err = requireAgent(agent)
	if err != nil {
		return nil, err
	}
	if k == "" {
		return nil, &UnknownKindError{Op: "get", Kind: kind}
	}
	if err := e.ensureAgent(ctx, agent); err != nil {
		return nil, err
	}

	where := sqlFilter{}
	where.add("agent_id = ?", agent)
	where.add("id = ?", id)

	switch k {
	case KindEvent:
		rows, err := e.selectEvents(ctx, where, 1)
		if err != nil || len(rows) == 0 {
			return nil, err
		}
		return rows[0], nil
	case KindEntity:
		rows, err := e.selectEntities(ctx, where, 1)
		if err != nil || len(rows) == 0 {
			return nil, err
		}
		return rows[0], nil
	case KindLesson:
		rows, err := e.selectLessons(ctx, where, 1)
		if err != nil || len(rows) == 0 {
			return nil, err
		}
		return rows[0], nil
	case KindPrinciple:
		rows, err := e.selectPrinciples(ctx, where, 1)
		if err != nil || len(rows) == 0 {
			return nil, err
		}
		return rows[0], nil
	default:
		rows, err := e.selectSummaries(ctx, where, 1)
		if err != nil || len(rows) == 0 {
			return nil, err
		}
		return rows[0], nil
	}
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
