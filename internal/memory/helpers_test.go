package memory

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Engine, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: testNow}
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	e, err := OpenEphemeral(Options{Logger: logger, Clock: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, clock
}

func mustStore(t *testing.T, e *Engine, agent, kind string, payload any) *StoreResult {
	t.Helper()
	var raw []byte
	switch p := payload.(type) {
	case string:
		raw = []byte(p)
	default:
		var err error
		raw, err = json.Marshal(p)
		require.NoError(t, err)
	}
	res, err := e.Store(context.Background(), agent, kind, raw)
	require.NoError(t, err)
	return res
}

func ids(records []Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.RecordID())
	}
	return out
}

// ftsDocCount counts index entries for rowid pk of table.
func ftsDocCount(t *testing.T, e *Engine, kind Kind, id string) int {
	t.Helper()
	ix, ok := indexFor(kind)
	require.True(t, ok)
	var n int
	err := e.db.QueryRow(`
		SELECT COUNT(*) FROM `+ix.fts+`_docsize d
		JOIN `+ix.table+` t ON t.pk = d.id
		WHERE t.id = ?
	`, id).Scan(&n)
	require.NoError(t, err)
	return n
}
