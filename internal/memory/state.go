package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// GetState returns the agent's state. An agent without state gets empty
// content and a nil UpdatedAt.
func (e *Engine) GetState(ctx context.Context, agent string) (st *State, err error) {
	start := time.Now()
	defer func() { e.metrics.observe("get_state", "", start, err) }()

	agent, err = requireAgent(agent)
	if err != nil {
		return nil, err
	}
	if err := e.ensureAgent(ctx, agent); err != nil {
		return nil, err
	}
	return e.readState(ctx, agent)
}

func (e *Engine) readState(ctx context.Context, agent string) (*State, error) {
	var content, updated string
	err := e.db.QueryRowContext(ctx, `SELECT content, updated_at FROM state WHERE agent_id = ?`, agent).Scan(&content, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return &State{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	at := parseStoredTime(updated)
	return &State{Content: content, UpdatedAt: &at}, nil
}

// SetState overwrites the agent's state wholesale. Like every write it runs
// a tiering pass first.
func (e *Engine) SetState(ctx context.Context, agent, content string) (st *State, err error) {
	start := time.Now()
	defer func() { e.metrics.observe("set_state", "", start, err) }()

	agent, err = requireAgent(agent)
	if err != nil {
		return nil, err
	}
	err = e.write(ctx, "set_state", agent, func(tx *sql.Tx, now time.Time, _ logrus.Fields) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO state (agent_id, content, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(agent_id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at
		`, agent, content, formatTime(now)); err != nil {
			return fmt.Errorf("write state: %w", err)
		}
		st = &State{Content: content, UpdatedAt: &now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}
