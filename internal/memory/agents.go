package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

func insertAgent(ctx context.Context, tx *sql.Tx, agent string, now time.Time) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO agents (agent_id, created_at) VALUES (?, ?)`,
		agent, formatTime(now)); err != nil {
		return fmt.Errorf("create agent %q: %w", agent, err)
	}
	return nil
}

// ensureAgent creates agent on a read path. The cache only remembers
// agents whose row is known to be committed.
func (e *Engine) ensureAgent(ctx context.Context, agent string) error {
	if _, ok := e.agents.Get(agent); ok {
		return nil
	}
	if _, err := e.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO agents (agent_id, created_at) VALUES (?, ?)`,
		agent, formatTime(e.clock())); err != nil {
		return fmt.Errorf("create agent %q: %w", agent, err)
	}
	e.agents.SetDefault(agent, struct{}{})
	return nil
}

// AgentExists reports whether agent has been referenced before.
func (e *Engine) AgentExists(ctx context.Context, agent string) (bool, error) {
	var n int
	if err := e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE agent_id = ?`, agent).Scan(&n); err != nil {
		return false, fmt.Errorf("lookup agent %q: %w", agent, err)
	}
	return n > 0, nil
}

// ListAgents returns every known agent, oldest first.
func (e *Engine) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := e.db.QueryContext(ctx, `SELECT agent_id, created_at FROM agents ORDER BY created_at, agent_id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	agents := make([]Agent, 0)
	for rows.Next() {
		var a Agent
		var created string
		if err := rows.Scan(&a.ID, &created); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.CreatedAt = parseStoredTime(created)
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return agents, nil
}
