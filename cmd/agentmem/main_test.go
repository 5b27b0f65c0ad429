package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stellarlinkco/agentmem/internal/config"
	"github.com/stellarlinkco/agentmem/internal/memory"
)

type testEnv struct {
	t      *testing.T
	dbPath string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("AGENTMEM_DB_PATH", "")
	t.Setenv("AGENTMEM_LOG_LEVEL", "error")
	return &testEnv{t: t, dbPath: filepath.Join(home, "memory.db")}
}

// exec runs the CLI against the env's database and returns stdout.
func (e *testEnv) exec(stdin string, args ...string) (string, error) {
	e.t.Helper()
	var out, errOut bytes.Buffer
	opts := Options{
		Stdin:  strings.NewReader(stdin),
		Stdout: &out,
		Stderr: &errOut,
		Serve: func(ctx context.Context, cfg *config.Config) error {
			return errors.New("serve disabled in tests")
		},
	}
	err := run(context.Background(), opts, append([]string{"--db", e.dbPath}, args...))
	return out.String(), err
}

func (e *testEnv) mustExec(stdin string, args ...string) string {
	e.t.Helper()
	out, err := e.exec(stdin, args...)
	if err != nil {
		e.t.Fatalf("agentmem %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func TestStoreAndGet(t *testing.T) {
	env := newTestEnv(t)

	out := env.mustExec("", "store", "kai", "event", `{"id":"evt-1","type":"decision","content":"ship friday"}`)
	var res memory.StoreResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode store output: %v\n%s", err, out)
	}
	if res.ID != "evt-1" || res.Kind != memory.KindEvent {
		t.Errorf("result = %+v", res)
	}

	out = env.mustExec("", "get", "kai", "event", "evt-1")
	if !strings.Contains(out, `"ship friday"`) {
		t.Errorf("get output missing content:\n%s", out)
	}

	if _, err := env.exec("", "get", "kai", "event", "missing"); err == nil {
		t.Error("expected not found error")
	}
}

func TestStoreFromStdin(t *testing.T) {
	env := newTestEnv(t)
	out := env.mustExec(`{"type":"person","name":"Ada","content":"mathematician"}`, "store", "kai", "entity", "-")
	if !strings.Contains(out, `"kind": "entity"`) {
		t.Errorf("output = %s", out)
	}
}

func TestStoreValidationError(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.exec("", "store", "kai", "entity", `{"type":"person"}`)
	if !memory.IsValidation(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
	_, err = env.exec("", "store", "kai", "memo", `{}`)
	if !memory.IsUnknownKind(err) {
		t.Fatalf("err = %v, want unknown kind error", err)
	}
}

func TestRecallAndSearch(t *testing.T) {
	env := newTestEnv(t)
	env.mustExec("", "store", "kai", "event", `{"type":"decision","content":"adopt postgres","timestamp":"2024-06-01T10:00:00Z"}`)
	env.mustExec("", "store", "kai", "event", `{"type":"note","content":"lunch","timestamp":"2024-06-02T10:00:00Z"}`)
	env.mustExec("", "store", "kai", "lesson", `{"type":"ops","content":"postgres needs vacuum"}`)

	out := env.mustExec("", "recall", "kai", "events", "--filters", `{"event_type":"decision"}`)
	var events []memory.Event
	if err := json.Unmarshal([]byte(out), &events); err != nil {
		t.Fatalf("decode recall: %v\n%s", err, out)
	}
	if len(events) != 1 || events[0].Content != "adopt postgres" {
		t.Errorf("events = %+v", events)
	}

	out = env.mustExec("", "recall", "nobody", "lesson")
	if strings.TrimSpace(out) != "[]" {
		t.Errorf("empty recall = %q, want []", out)
	}

	out = env.mustExec("", "search", "kai", "postgres", "--kinds", "lesson")
	var results []memory.SearchResult
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("decode search: %v\n%s", err, out)
	}
	if len(results) != 1 || results[0].Kind != memory.KindLesson {
		t.Errorf("results = %+v", results)
	}

	out = env.mustExec("", "search", "kai", "postgres", "--limit", "1")
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("decode search: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("len(results) = %d, want 1", len(results))
	}
}

func TestStateSessionYAML(t *testing.T) {
	env := newTestEnv(t)
	env.mustExec("focus on the migration", "state", "set", "kai", "-")

	out := env.mustExec("", "state", "get", "kai")
	if !strings.Contains(out, "focus on the migration") {
		t.Errorf("state output = %s", out)
	}

	out = env.mustExec("", "--output", "yaml", "session", "kai")
	for _, want := range []string{"state:", "content: focus on the migration", "hot_events: []", "recent_summary: null"} {
		if !strings.Contains(out, want) {
			t.Errorf("yaml session missing %q:\n%s", want, out)
		}
	}

	if _, err := env.exec("", "--output", "xml", "session", "kai"); err == nil {
		t.Error("expected error for unknown output format")
	}
}

func TestConsolidateAndStats(t *testing.T) {
	env := newTestEnv(t)
	env.mustExec("", "store", "kai", "lesson", `{"id":"l-1","type":"ops","content":"one"}`)
	env.mustExec("", "store", "kai", "lesson", `{"id":"l-2","type":"ops","content":"two"}`)

	out := env.mustExec("", "consolidate", "kai", "p-1", "l-1", "l-2")
	if !strings.Contains(out, `"consolidated": 2`) {
		t.Errorf("consolidate output = %s", out)
	}

	out = env.mustExec("", "stats", "kai")
	var stats memory.MemoryStats
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Lessons != 2 || stats.OpenLessons != 0 {
		t.Errorf("stats = %+v", stats)
	}

	out = env.mustExec("", "agents")
	if !strings.Contains(out, `"kai"`) {
		t.Errorf("agents output = %s", out)
	}
}

func TestMaintain(t *testing.T) {
	env := newTestEnv(t)
	env.mustExec("", "store", "kai", "event", `{"type":"note","content":"x"}`)

	out := env.mustExec("", "maintain")
	for _, task := range []string{"optimize", "checkpoint", "verify"} {
		if !strings.Contains(out, task) {
			t.Errorf("maintain output missing %s:\n%s", task, out)
		}
	}
	out = env.mustExec("", "maintain", "rebuild")
	if !strings.Contains(out, "rebuild") {
		t.Errorf("output = %s", out)
	}
	if _, err := env.exec("", "maintain", "defrag"); err == nil {
		t.Error("expected error for unknown task")
	}
}

func TestMaintainRetier(t *testing.T) {
	env := newTestEnv(t)
	old := time.Now().Add(-45 * 24 * time.Hour).UTC().Format(time.RFC3339)
	env.mustExec("", "store", "kai", "event", `{"id":"old","type":"note","content":"x","timestamp":"`+old+`"}`)

	// The insert lands as hot; the on-demand pass demotes it.
	out := env.mustExec("", "maintain", "retier")
	var res struct {
		Completed []string `json:"completed"`
		Retiered  int64    `json:"retiered"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode maintain output: %v\n%s", err, out)
	}
	if res.Retiered != 1 || len(res.Completed) != 1 || res.Completed[0] != "retier" {
		t.Errorf("maintain retier = %+v", res)
	}

	out = env.mustExec("", "get", "kai", "event", "old")
	if !strings.Contains(out, `"tier": "cold"`) {
		t.Errorf("event not demoted:\n%s", out)
	}
}

func TestServeUsesConfig(t *testing.T) {
	newTestEnv(t)
	var got *config.Config
	opts := Options{
		Stdout: &bytes.Buffer{},
		Stderr: &bytes.Buffer{},
		Serve: func(ctx context.Context, cfg *config.Config) error {
			got = cfg
			return nil
		},
	}
	if err := run(context.Background(), opts, []string{"serve", "--port", "9100"}); err != nil {
		t.Fatalf("serve error: %v", err)
	}
	if got == nil || got.Gateway.Port != 9100 {
		t.Errorf("serve config = %+v", got)
	}
}

func TestInitAndStatus(t *testing.T) {
	env := newTestEnv(t)
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")

	out := env.mustExec("", "--config", cfgPath, "init")
	if !strings.Contains(out, "Created config") {
		t.Errorf("init output = %s", out)
	}
	if _, err := os.Stat(cfgPath); err != nil {
		t.Fatalf("config not written: %v", err)
	}
	out = env.mustExec("", "--config", cfgPath, "init")
	if !strings.Contains(out, "already exists") {
		t.Errorf("second init output = %s", out)
	}

	out = env.mustExec("", "status")
	if !strings.Contains(out, "Store: not created") {
		t.Errorf("status before store = %s", out)
	}

	env.mustExec("", "state", "set", "kai", "hello")
	out = env.mustExec("", "status")
	for _, want := range []string{"Agents: 1", "Index: ok"} {
		if !strings.Contains(out, want) {
			t.Errorf("status missing %q:\n%s", want, out)
		}
	}
}
