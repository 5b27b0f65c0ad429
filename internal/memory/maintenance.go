package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

func (e *Engine) ftsCommand(ctx context.Context, op, command string) (err error) {
	start := time.Now()
	defer func() { e.metrics.observe(op, "", start, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.withTx(ctx, func(tx *sql.Tx) error {
		for _, k := range SearchKinds {
			ix, _ := indexFor(k)
			if _, err := tx.ExecContext(ctx, `INSERT INTO `+ix.fts+`(`+ix.fts+`) VALUES (?)`, command); err != nil {
				return fmt.Errorf("%s %s: %w", command, ix.fts, err)
			}
		}
		return nil
	})
}

// OptimizeIndex merges the b-tree segments of every search index.
func (e *Engine) OptimizeIndex(ctx context.Context) error {
	if err := e.ftsCommand(ctx, "optimize", "optimize"); err != nil {
		return err
	}
	e.log.Info("search index optimized")
	return nil
}

// RebuildIndex discards every search index and rebuilds it from the
// content tables.
func (e *Engine) RebuildIndex(ctx context.Context) error {
	if err := e.ftsCommand(ctx, "rebuild", "rebuild"); err != nil {
		return err
	}
	e.log.Info("search index rebuilt")
	return nil
}

// VerifyIndex checks each search index against its content table. A
// mismatch is reported as a ConsistencyError; RebuildIndex repairs it.
func (e *Engine) VerifyIndex(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { e.metrics.observe("verify", "", start, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, k := range SearchKinds {
		ix, _ := indexFor(k)
		if _, err := e.db.ExecContext(ctx,
			`INSERT INTO `+ix.fts+`(`+ix.fts+`, rank) VALUES ('integrity-check', 1)`); err != nil {
			e.log.WithFields(logrus.Fields{"index": ix.fts}).WithError(err).Error("search index integrity check failed")
			return &ConsistencyError{Kind: k, Err: err}
		}
	}
	return nil
}

// Checkpoint copies the write-ahead log into the database file and
// truncates it. It is a no-op for ephemeral engines.
func (e *Engine) Checkpoint(ctx context.Context) error {
	if e.ephemeral {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var busy, logFrames, checkpointed int
	if err := e.db.QueryRowContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`).Scan(&busy, &logFrames, &checkpointed); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	if busy != 0 {
		return fmt.Errorf("wal checkpoint: database busy")
	}
	e.log.WithFields(logrus.Fields{"frames": logFrames, "checkpointed": checkpointed}).Debug("wal checkpointed")
	return nil
}

// Stats counts the records held for agent. Tier counts reflect the last
// tiering pass.
func (e *Engine) Stats(ctx context.Context, agent string) (*MemoryStats, error) {
	agent, err := requireAgent(agent)
	if err != nil {
		return nil, err
	}
	if err := e.ensureAgent(ctx, agent); err != nil {
		return nil, err
	}

	st := &MemoryStats{AgentID: agent}
	var hasState int
	err = e.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM events WHERE agent_id = ?1),
			(SELECT COUNT(*) FROM events WHERE agent_id = ?1 AND tier = 'hot'),
			(SELECT COUNT(*) FROM events WHERE agent_id = ?1 AND tier = 'warm'),
			(SELECT COUNT(*) FROM events WHERE agent_id = ?1 AND tier = 'cold'),
			(SELECT COUNT(*) FROM entities WHERE agent_id = ?1),
			(SELECT COUNT(*) FROM lessons WHERE agent_id = ?1),
			(SELECT COUNT(*) FROM lessons WHERE agent_id = ?1 AND consolidated_to IS NULL),
			(SELECT COUNT(*) FROM principles WHERE agent_id = ?1),
			(SELECT COUNT(*) FROM summaries WHERE agent_id = ?1),
			(SELECT COUNT(*) FROM state WHERE agent_id = ?1)
	`, agent).Scan(&st.Events, &st.HotEvents, &st.WarmEvents, &st.ColdEvents, &st.Entities,
		&st.Lessons, &st.OpenLessons, &st.Principles, &st.Summaries, &hasState)
	if err != nil {
		return nil, fmt.Errorf("memory stats: %w", err)
	}
	st.HasState = hasState > 0
	return st, nil
}
