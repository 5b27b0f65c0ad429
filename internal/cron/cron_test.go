package cron

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stellarlinkco/agentmem/internal/config"
	"github.com/stellarlinkco/agentmem/internal/memory"
)

type fakeMaintainer struct {
	mu        sync.Mutex
	calls     []string
	verifyErr error
	failOn    string
	optimized atomic.Int32
}

func (f *fakeMaintainer) record(name string) error {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	if f.failOn == name {
		return errors.New(name + " failed")
	}
	return nil
}

func (f *fakeMaintainer) OptimizeIndex(context.Context) error {
	f.optimized.Add(1)
	return f.record("optimize")
}
func (f *fakeMaintainer) RebuildIndex(context.Context) error { return f.record("rebuild") }
func (f *fakeMaintainer) Checkpoint(context.Context) error   { return f.record("checkpoint") }
func (f *fakeMaintainer) VerifyIndex(context.Context) error {
	if err := f.record("verify"); err != nil {
		return err
	}
	return f.verifyErr
}

func (f *fakeMaintainer) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestNewService_Jobs(t *testing.T) {
	cfg := config.DefaultConfig().Maintenance
	cfg.Verify = ""
	s := NewService(&fakeMaintainer{}, cfg, quietLogger())

	jobs := s.ListJobs()
	if len(jobs) != 2 {
		t.Fatalf("len(jobs) = %d, want 2", len(jobs))
	}
	if jobs[0].Name != JobOptimize || jobs[1].Name != JobCheckpoint {
		t.Errorf("jobs = %+v", jobs)
	}
	for _, j := range jobs {
		if !j.Enabled {
			t.Errorf("job %s should be enabled", j.Name)
		}
	}
}

func TestNewService_Disabled(t *testing.T) {
	cfg := config.DefaultConfig().Maintenance
	cfg.Enabled = false
	s := NewService(&fakeMaintainer{}, cfg, nil)

	for _, j := range s.ListJobs() {
		if j.Enabled {
			t.Errorf("job %s should be disabled", j.Name)
		}
	}
}

func TestRunJob(t *testing.T) {
	m := &fakeMaintainer{}
	s := NewService(m, config.DefaultConfig().Maintenance, quietLogger())

	for _, name := range []string{JobOptimize, JobCheckpoint, JobVerify} {
		if err := s.RunJob(name); err != nil {
			t.Fatalf("RunJob(%s) error: %v", name, err)
		}
	}
	got := m.Calls()
	want := []string{"optimize", "checkpoint", "verify"}
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	for _, j := range s.ListJobs() {
		if j.State.Runs != 1 || j.State.LastStatus != "ok" || j.State.LastRunAt.IsZero() {
			t.Errorf("job %s state = %+v", j.Name, j.State)
		}
	}
}

func TestRunJob_NotFound(t *testing.T) {
	s := NewService(&fakeMaintainer{}, config.DefaultConfig().Maintenance, quietLogger())
	if err := s.RunJob("tiering"); err == nil {
		t.Error("expected error for unknown job")
	}
}

func TestRunJob_RecordsFailure(t *testing.T) {
	m := &fakeMaintainer{failOn: "checkpoint"}
	s := NewService(m, config.DefaultConfig().Maintenance, quietLogger())

	if err := s.RunJob(JobCheckpoint); err == nil {
		t.Fatal("expected checkpoint error")
	}
	for _, j := range s.ListJobs() {
		if j.Name != JobCheckpoint {
			continue
		}
		if j.State.LastStatus != "error" || j.State.LastError != "checkpoint failed" {
			t.Errorf("state = %+v", j.State)
		}
	}

	m.failOn = ""
	if err := s.RunJob(JobCheckpoint); err != nil {
		t.Fatalf("RunJob error: %v", err)
	}
	for _, j := range s.ListJobs() {
		if j.Name == JobCheckpoint && (j.State.LastError != "" || j.State.Runs != 2) {
			t.Errorf("state after recovery = %+v", j.State)
		}
	}
}

func TestRunJob_VerifyDriftRebuilds(t *testing.T) {
	m := &fakeMaintainer{verifyErr: &memory.ConsistencyError{Kind: memory.KindLesson, Err: errors.New("malformed")}}
	s := NewService(m, config.DefaultConfig().Maintenance, quietLogger())

	err := s.RunJob(JobVerify)
	if !memory.IsConsistency(err) {
		t.Fatalf("err = %v, want consistency error", err)
	}
	calls := m.Calls()
	if len(calls) != 2 || calls[1] != "rebuild" {
		t.Errorf("calls = %v, want verify then rebuild", calls)
	}
}

func TestRunJob_VerifyOtherErrorNoRebuild(t *testing.T) {
	m := &fakeMaintainer{failOn: "verify"}
	s := NewService(m, config.DefaultConfig().Maintenance, quietLogger())

	if err := s.RunJob(JobVerify); err == nil {
		t.Fatal("expected error")
	}
	for _, c := range m.Calls() {
		if c == "rebuild" {
			t.Error("rebuild should only follow index drift")
		}
	}
}

func TestStartStop(t *testing.T) {
	m := &fakeMaintainer{}
	cfg := config.MaintenanceConfig{Enabled: true, Optimize: "* * * * * *"}
	s := NewService(m, cfg, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for m.optimized.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	s.Stop()

	if m.optimized.Load() == 0 {
		t.Error("optimize job never fired")
	}
}

func TestStart_InvalidSchedule(t *testing.T) {
	cfg := config.MaintenanceConfig{Enabled: true, Optimize: "not a schedule"}
	s := NewService(&fakeMaintainer{}, cfg, quietLogger())
	if err := s.Start(context.Background()); err == nil {
		s.Stop()
		t.Fatal("expected error for invalid schedule")
	}
}

func TestStop_ContextCancel(t *testing.T) {
	s := NewService(&fakeMaintainer{}, config.DefaultConfig().Maintenance, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		stopped := s.cron == nil
		s.mu.Unlock()
		if stopped {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("scheduler still running after context cancel")
}

func TestEnableJob(t *testing.T) {
	s := NewService(&fakeMaintainer{}, config.DefaultConfig().Maintenance, quietLogger())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop()

	job, err := s.EnableJob(JobVerify, false)
	if err != nil {
		t.Fatalf("EnableJob error: %v", err)
	}
	if job.Enabled {
		t.Error("job should be disabled")
	}
	s.mu.Lock()
	_, registered := s.entryMap[JobVerify]
	s.mu.Unlock()
	if registered {
		t.Error("disabled job still registered")
	}

	if _, err := s.EnableJob(JobVerify, true); err != nil {
		t.Fatalf("EnableJob error: %v", err)
	}
	s.mu.Lock()
	_, registered = s.entryMap[JobVerify]
	s.mu.Unlock()
	if !registered {
		t.Error("re-enabled job not registered")
	}

	if _, err := s.EnableJob("missing", true); err == nil {
		t.Error("expected error for unknown job")
	}
}
