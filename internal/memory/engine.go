package memory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Options carries the optional collaborators of an Engine.
type Options struct {
	Logger  *logrus.Logger
	Metrics *Metrics
	// Clock overrides time.Now. Tests pin it to exercise tier boundaries.
	Clock func() time.Time
}

// Engine is the per-installation memory store. All agents share one SQLite
// database; every row carries its agent_id and every query is scoped by it.
type Engine struct {
	db        *sql.DB
	path      string
	ephemeral bool

	// mu serializes writers so the tiering pass, the primary write and the
	// index update of one request never interleave with another request.
	mu sync.Mutex

	now       func() time.Time
	agents    *cache.Cache
	log       *logrus.Entry
	metrics   *Metrics
	validator *payloadValidator
}

// NewEngine opens (creating if needed) the database at dbPath.
func NewEngine(dbPath string) (*Engine, error) {
	return NewEngineWithOptions(dbPath, Options{})
}

// NewEngineWithOptions opens the database at dbPath with custom collaborators.
func NewEngineWithOptions(dbPath string, opts Options) (*Engine, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, fmt.Errorf("open sqlite: empty database path")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return newEngine(db, dbPath, false, opts)
}

// OpenEphemeral returns an isolated in-memory engine that disappears on
// Close. It exists for tests and throwaway tooling.
func OpenEphemeral(opts Options) (*Engine, error) {
	db, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(1)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Every pooled connection to :memory: would see its own database.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	return newEngine(db, ":memory:", true, opts)
}

func newEngine(db *sql.DB, path string, ephemeral bool, opts Options) (*Engine, error) {
	validator, err := newPayloadValidator()
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	e := &Engine{
		db:        db,
		path:      path,
		ephemeral: ephemeral,
		now:       now,
		agents:    cache.New(cache.NoExpiration, 0),
		log:       logger.WithField("component", "memory"),
		metrics:   opts.Metrics,
		validator: validator,
	}
	if err := e.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := e.migrateSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	e.log.WithField("path", path).Debug("memory engine opened")
	return e, nil
}

func (e *Engine) configure() error {
	var foreignKeys int
	if err := e.db.QueryRow(`PRAGMA foreign_keys`).Scan(&foreignKeys); err != nil {
		return fmt.Errorf("sqlite pragma foreign_keys: %w", err)
	}
	if foreignKeys != 1 {
		return fmt.Errorf("sqlite pragma foreign_keys: not enabled")
	}
	if e.ephemeral {
		return nil
	}
	var journalMode string
	if err := e.db.QueryRow(`PRAGMA journal_mode`).Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite pragma journal_mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("sqlite pragma journal_mode: WAL not enabled (got %s)", journalMode)
	}
	return nil
}

// Close releases the database handle.
func (e *Engine) Close() error {
	if e.db == nil {
		return nil
	}
	return e.db.Close()
}

// Path returns the database location, ":memory:" for ephemeral engines.
func (e *Engine) Path() string {
	return e.path
}

// clock returns now at the precision timestamps are stored with.
func (e *Engine) clock() time.Time {
	return e.now().UTC().Truncate(time.Microsecond)
}

// withTx runs fn in a transaction, rolling back on error or panic.
func (e *Engine) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// write is the single entry point for mutations: lazy agent creation, the
// tiering pass and fn share one transaction under the writer lock.
func (e *Engine) write(ctx context.Context, op string, agent string, fn func(tx *sql.Tx, now time.Time, fields logrus.Fields) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	opID := uuid.NewString()
	now := e.clock()
	log := e.log.WithFields(logrus.Fields{"op": op, "op_id": opID, "agent": agent})
	// fn adds what it wrote (kind, id) to the commit entry.
	fields := logrus.Fields{}

	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertAgent(ctx, tx, agent, now); err != nil {
			return err
		}
		changed, err := retier(ctx, tx, now)
		if err != nil {
			return err
		}
		e.metrics.observeRetier(changed)
		if changed > 0 {
			log.WithField("changed", changed).Debug("tiers recomputed")
		}
		return fn(tx, now, fields)
	})
	if err != nil {
		log.WithError(err).Warn("write failed")
		return err
	}
	e.agents.SetDefault(agent, struct{}{})
	log.WithFields(fields).Debug("write committed")
	return nil
}
