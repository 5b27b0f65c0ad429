package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// document is the indexed text of one record: Heading is the title (or the
// entity name), Body the content.
type document struct {
	Heading string
	Body    string
}

// ftsIndex describes one external-content FTS5 table. The index holds no
// copy of the text and no agent column; results are joined back to the
// content table for scoping.
type ftsIndex struct {
	kind      Kind
	table     string
	fts       string
	heading   string
	timeField string
}

var (
	eventIndex  = ftsIndex{kind: KindEvent, table: "events", fts: "events_fts", heading: "title", timeField: "timestamp"}
	entityIndex = ftsIndex{kind: KindEntity, table: "entities", fts: "entities_fts", heading: "name", timeField: "updated_at"}
	lessonIndex = ftsIndex{kind: KindLesson, table: "lessons", fts: "lessons_fts", heading: "title", timeField: "timestamp"}
)

func indexFor(kind Kind) (ftsIndex, bool) {
	switch kind {
	case KindEvent:
		return eventIndex, true
	case KindEntity:
		return entityIndex, true
	case KindLesson:
		return lessonIndex, true
	}
	return ftsIndex{}, false
}

// indexedRow is the current state of a record as the index last saw it.
type indexedRow struct {
	pk    int64
	agent string
	doc   document
}

// lookup loads the row stored under id, or nil when there is none.
func (ix ftsIndex) lookup(ctx context.Context, tx *sql.Tx, id string) (*indexedRow, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT pk, agent_id, `+ix.heading+`, content FROM `+ix.table+` WHERE id = ?`, id)
	var r indexedRow
	if err := row.Scan(&r.pk, &r.agent, &r.doc.Heading, &r.doc.Body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup %s %q: %w", ix.kind, id, err)
	}
	return &r, nil
}

// update brings the index entry for pk in line with doc. With old present
// the stale entry is retracted first: external-content FTS5 cannot edit a
// document in place. Failures are ConsistencyErrors and must abort the
// surrounding transaction.
func (ix ftsIndex) update(ctx context.Context, tx *sql.Tx, id string, pk int64, old *document, doc document) error {
	if old != nil {
		if *old == doc {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO `+ix.fts+`(`+ix.fts+`, rowid, `+ix.heading+`, content) VALUES ('delete', ?, ?, ?)`,
			pk, old.Heading, old.Body); err != nil {
			return &ConsistencyError{Kind: ix.kind, ID: id, Err: fmt.Errorf("retract: %w", err)}
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO `+ix.fts+`(rowid, `+ix.heading+`, content) VALUES (?, ?, ?)`,
		pk, doc.Heading, doc.Body); err != nil {
		return &ConsistencyError{Kind: ix.kind, ID: id, Err: fmt.Errorf("insert: %w", err)}
	}
	return nil
}

// indexHit is a ranked match joined back to its record.
type indexHit struct {
	id      string
	heading string
	body    string
	at      string
	score   float64
}

// query runs match against the index, scoped to agent. Scores are bm25,
// where lower is more relevant.
func (ix ftsIndex) query(ctx context.Context, db *sql.DB, agent, match string, limit int) ([]indexHit, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT t.id, t.`+ix.heading+`, t.content, t.`+ix.timeField+`, bm25(`+ix.fts+`)
		FROM `+ix.fts+`
		JOIN `+ix.table+` t ON t.pk = `+ix.fts+`.rowid
		WHERE `+ix.fts+` MATCH ? AND t.agent_id = ?
		ORDER BY bm25(`+ix.fts+`), t.id
		LIMIT ?
	`, match, agent, limit)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", ix.table, err)
	}
	defer rows.Close()

	hits := make([]indexHit, 0)
	for rows.Next() {
		var h indexHit
		if err := rows.Scan(&h.id, &h.heading, &h.body, &h.at, &h.score); err != nil {
			return nil, fmt.Errorf("scan %s hit: %w", ix.table, err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s hits: %w", ix.table, err)
	}
	return hits, nil
}

// ftsMatchExpr turns free text into an FTS5 expression. Text that already
// uses double quotes is passed through as FTS5 syntax, provided the quotes
// pair up; otherwise each whitespace-separated term is quoted so punctuation
// cannot break parsing.
func ftsMatchExpr(text string) (string, error) {
	text = strings.TrimSpace(text)
	if strings.Contains(text, `"`) {
		if strings.Count(text, `"`)%2 != 0 {
			return "", validationErr("query", "unbalanced quotes in search query %q", text)
		}
		return text, nil
	}
	terms := strings.Fields(text)
	for i, t := range terms {
		terms[i] = `"` + t + `"`
	}
	return strings.Join(terms, " "), nil
}

// isMatchSyntaxErr reports whether err is SQLite rejecting a MATCH
// expression rather than a storage failure.
func isMatchSyntaxErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "fts5:") ||
		strings.Contains(msg, "unterminated string") ||
		strings.Contains(msg, "malformed MATCH")
}
