// Package cron schedules the storage maintenance of the memory engine.
// Tiering is never scheduled: it runs only as part of a write.
package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/stellarlinkco/agentmem/internal/config"
	"github.com/stellarlinkco/agentmem/internal/memory"
)

const (
	JobOptimize   = "optimize"
	JobCheckpoint = "checkpoint"
	JobVerify     = "verify"
)

// Maintainer is the slice of *memory.Engine the scheduler drives.
type Maintainer interface {
	OptimizeIndex(ctx context.Context) error
	RebuildIndex(ctx context.Context) error
	VerifyIndex(ctx context.Context) error
	Checkpoint(ctx context.Context) error
}

type Job struct {
	Name     string   `json:"name"`
	Schedule string   `json:"schedule"`
	Enabled  bool     `json:"enabled"`
	State    JobState `json:"state"`
}

type JobState struct {
	LastRunAt  time.Time `json:"last_run_at,omitempty"`
	LastStatus string    `json:"last_status,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Runs       int       `json:"runs"`
}

type Service struct {
	target   Maintainer
	log      *logrus.Entry
	mu       sync.Mutex
	jobs     []Job
	cron     *rcron.Cron
	entryMap map[string]rcron.EntryID // job name -> cron entry ID
	cancel   context.CancelFunc
	runCtx   context.Context
}

// NewService builds the maintenance jobs described by cfg. Jobs with an
// empty schedule are left out.
func NewService(target Maintainer, cfg config.MaintenanceConfig, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Service{
		target:   target,
		log:      logger.WithField("component", "cron"),
		entryMap: make(map[string]rcron.EntryID),
		runCtx:   context.Background(),
	}
	for _, j := range []Job{
		{Name: JobOptimize, Schedule: cfg.Optimize},
		{Name: JobCheckpoint, Schedule: cfg.Checkpoint},
		{Name: JobVerify, Schedule: cfg.Verify},
	} {
		if j.Schedule == "" {
			continue
		}
		j.Enabled = cfg.Enabled
		s.jobs = append(s.jobs, j)
	}
	return s
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancel = cancel
	s.runCtx = runCtx
	s.cron = rcron.New(rcron.WithSeconds())
	s.entryMap = make(map[string]rcron.EntryID)
	for i := range s.jobs {
		if !s.jobs[i].Enabled {
			continue
		}
		if err := s.registerJob(s.jobs[i]); err != nil {
			s.mu.Unlock()
			cancel()
			return err
		}
	}
	active := len(s.entryMap)
	c := s.cron
	s.mu.Unlock()

	c.Start()
	s.log.WithField("jobs", active).Info("maintenance scheduler started")

	go func() {
		<-runCtx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Service) registerJob(job Job) error {
	name := job.Name
	id, err := s.cron.AddFunc(job.Schedule, func() {
		_ = s.RunJob(name)
	})
	if err != nil {
		return fmt.Errorf("register job %s (%s): %w", job.Name, job.Schedule, err)
	}
	s.entryMap[job.Name] = id
	return nil
}

// RunJob executes the named job immediately and records its outcome.
func (s *Service) RunJob(name string) error {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()

	log := s.log.WithField("job", name)
	start := time.Now()

	var err error
	switch name {
	case JobOptimize:
		err = s.target.OptimizeIndex(ctx)
	case JobCheckpoint:
		err = s.target.Checkpoint(ctx)
	case JobVerify:
		err = s.target.VerifyIndex(ctx)
		if memory.IsConsistency(err) {
			log.WithError(err).Warn("search index drifted, rebuilding")
			if rbErr := s.target.RebuildIndex(ctx); rbErr != nil {
				err = fmt.Errorf("%w (rebuild: %v)", err, rbErr)
			}
		}
	default:
		return fmt.Errorf("job %s not found", name)
	}

	s.mu.Lock()
	for i := range s.jobs {
		if s.jobs[i].Name != name {
			continue
		}
		st := &s.jobs[i].State
		st.LastRunAt = start
		st.Runs++
		if err != nil {
			st.LastStatus = "error"
			st.LastError = err.Error()
		} else {
			st.LastStatus = "ok"
			st.LastError = ""
		}
	}
	s.mu.Unlock()

	if err != nil {
		log.WithError(err).Error("maintenance job failed")
		return err
	}
	log.WithField("duration", time.Since(start)).Debug("maintenance job done")
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	c := s.cron
	s.cancel = nil
	s.cron = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			s.log.Warn("stop timeout waiting for running jobs")
		}
		s.log.Info("maintenance scheduler stopped")
	}
}

func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Job, len(s.jobs))
	copy(result, s.jobs)
	return result
}

// EnableJob toggles a job, registering or removing it on a running scheduler.
func (s *Service) EnableJob(name string, enabled bool) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].Name != name {
			continue
		}
		s.jobs[i].Enabled = enabled
		if s.cron != nil {
			if enabled {
				if _, ok := s.entryMap[name]; !ok {
					if err := s.registerJob(s.jobs[i]); err != nil {
						return nil, err
					}
				}
			} else if entryID, ok := s.entryMap[name]; ok {
				s.cron.Remove(entryID)
				delete(s.entryMap, name)
			}
		}
		job := s.jobs[i]
		return &job, nil
	}
	return nil, fmt.Errorf("job %s not found", name)
}
