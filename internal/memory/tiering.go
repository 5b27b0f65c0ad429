package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	// HotWindow is how long an event stays hot.
	HotWindow = 72 * time.Hour
	// WarmWindow is the age after which an event turns cold.
	WarmWindow = 30 * 24 * time.Hour
)

// retier recomputes the tier of every event of every agent and returns the
// number of rows whose tier changed. It is O(events) and runs before each
// write; stored tiers are stale between writes.
func retier(ctx context.Context, tx *sql.Tx, now time.Time) (int64, error) {
	warm := formatTime(now.Add(-WarmWindow))
	hot := formatTime(now.Add(-HotWindow))

	res, err := tx.ExecContext(ctx, `
		UPDATE events
		SET tier = CASE WHEN timestamp < ?1 THEN 'cold' WHEN timestamp < ?2 THEN 'warm' ELSE 'hot' END
		WHERE tier <> CASE WHEN timestamp < ?1 THEN 'cold' WHEN timestamp < ?2 THEN 'warm' ELSE 'hot' END
	`, warm, hot)
	if err != nil {
		return 0, fmt.Errorf("retier events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("retier events: %w", err)
	}
	return n, nil
}

// Retier runs a tiering pass on its own, for the CLI's maintain retier task.
// Store operations already do this before every write.
func (e *Engine) Retier(ctx context.Context) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var changed int64
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		n, err := retier(ctx, tx, e.clock())
		changed = n
		return err
	})
	if err != nil {
		return 0, err
	}
	e.metrics.observeRetier(changed)
	return changed, nil
}
