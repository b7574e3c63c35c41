/*
 * Copyright 2025 Google LLC
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/apperrors"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/config"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/database"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/enricher"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/metrics"
)

// Generator runs one generation. *enricher.Service satisfies it.
type Generator interface {
	Validate(table database.TableIdentity, gc enricher.GenerationConfig) error
	Generate(ctx context.Context, table database.TableIdentity, gc enricher.GenerationConfig, hooks enricher.RunHooks) (*enricher.MetadataDocument, error)
}

type Options struct {
	Workers   int
	QueueSize int
	Metrics   *metrics.Metrics
	Now       func() time.Time
	NewID     func() string
}

func OptionsFromConfig(cfg config.JobsConfig) Options {
	return Options{Workers: cfg.Workers, QueueSize: cfg.QueueSize}
}

// runControl carries the stop signal of one job.
type runControl struct {
	stop chan struct{}
	once sync.Once
}

func (r *runControl) requestStop() {
	r.once.Do(func() { close(r.stop) })
}

// Manager owns the job queue and the workers consuming it. Writes to one job
// are serialised by a per-job mutex; reads go straight to the Store.
type Manager struct {
	gen    Generator
	store  Store
	opts   Options
	logger *zap.Logger

	queue chan string

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	controls map[string]*runControl

	startOnce sync.Once
	runCtx    context.Context
	stopLoops context.CancelFunc
	wg        sync.WaitGroup
}

func NewManager(gen Generator, store Store, opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	return &Manager{
		gen:      gen,
		store:    store,
		opts:     opts,
		logger:   logger.Named("jobs"),
		queue:    make(chan string, opts.QueueSize),
		locks:    make(map[string]*sync.Mutex),
		controls: make(map[string]*runControl),
	}
}

// Start launches the workers. Generations run under ctx; cancelling it
// aborts them.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.runCtx = ctx
		loopCtx, cancel := context.WithCancel(ctx)
		m.stopLoops = cancel
		for i := 0; i < m.opts.Workers; i++ {
			m.wg.Add(1)
			go m.worker(loopCtx)
		}
		m.logger.Info("job workers started", zap.Int("workers", m.opts.Workers), zap.Int("queue_size", m.opts.QueueSize))
	})
}

// Shutdown stops taking queued jobs, asks running jobs to stop after their
// in-flight sections and waits for the workers until ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.stopLoops == nil {
		return nil
	}
	m.stopLoops()
	m.mu.Lock()
	for _, c := range m.controls {
		c.requestStop()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("job workers stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for job workers: %w", ctx.Err())
	}
}

// Submit validates the request, records a pending job and queues it. It
// never waits for the generation.
func (m *Manager) Submit(ctx context.Context, table database.TableIdentity, gc enricher.GenerationConfig) (string, error) {
	if err := m.gen.Validate(table, gc); err != nil {
		return "", err
	}
	now := m.opts.Now().UTC()
	job := &Job{
		ID:        m.opts.NewID(),
		Table:     table,
		Config:    gc,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Put(ctx, job); err != nil {
		return "", fmt.Errorf("store job: %w", err)
	}

	m.mu.Lock()
	m.controls[job.ID] = &runControl{stop: make(chan struct{})}
	m.mu.Unlock()

	select {
	case m.queue <- job.ID:
	default:
		m.forget(job.ID)
		_ = m.store.Delete(ctx, job.ID)
		m.logger.Warn("job queue is full", zap.String("table", table.String()))
		return "", apperrors.ErrQueueFull
	}

	m.opts.Metrics.JobSubmitted()
	m.logger.Info("job submitted", zap.String("job_id", job.ID), zap.String("table", table.String()))
	return job.ID, nil
}

// Get returns the current snapshot. It has no side effects.
func (m *Manager) Get(ctx context.Context, id string) (*Job, error) {
	return m.store.Get(ctx, id)
}

// List returns every known job.
func (m *Manager) List(ctx context.Context) ([]*Job, error) {
	return m.store.List(ctx)
}

// Cancel is best effort. A pending job is cancelled at once; a running job
// stops after its in-flight sections finish. It returns false for jobs that
// already reached a terminal state.
func (m *Manager) Cancel(ctx context.Context, id string) (bool, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	job, err := m.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			m.forget(id)
		}
		return false, err
	}

	switch job.Status {
	case StatusPending:
		job.Status = StatusCancelled
		job.UpdatedAt = m.opts.Now().UTC()
		if err := m.store.Put(ctx, job); err != nil {
			return false, fmt.Errorf("store job: %w", err)
		}
		m.forget(id)
		m.opts.Metrics.JobFinished(string(StatusCancelled))
		m.logger.Info("pending job cancelled", zap.String("job_id", id))
		return true, nil
	case StatusRunning:
		job.CancelRequested = true
		job.UpdatedAt = m.opts.Now().UTC()
		if err := m.store.Put(ctx, job); err != nil {
			return false, fmt.Errorf("store job: %w", err)
		}
		m.mu.Lock()
		if c, ok := m.controls[id]; ok {
			c.requestStop()
		}
		m.mu.Unlock()
		m.logger.Info("cancellation requested", zap.String("job_id", id))
		return true, nil
	}
	m.forget(id)
	return false, nil
}

// Purge removes terminal jobs last updated before now-olderThan. Pending
// and running jobs are never removed.
func (m *Manager) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	jobs, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := m.opts.Now().UTC().Add(-olderThan)
	removed := 0
	for _, j := range jobs {
		if !j.Status.Terminal() || !j.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := m.store.Delete(ctx, j.ID); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info("purged jobs", zap.Int("removed", removed), zap.Duration("older_than", olderThan))
	}
	return removed, nil
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-m.queue:
			m.run(id)
		}
	}
}

func (m *Manager) run(id string) {
	ctx := m.runCtx
	logger := m.logger.With(zap.String("job_id", id))

	job, ok := m.markRunning(ctx, id)
	if !ok {
		return
	}
	defer m.forget(id)

	m.mu.Lock()
	control := m.controls[id]
	m.mu.Unlock()
	var stop <-chan struct{}
	if control != nil {
		stop = control.stop
	}

	start := time.Now()
	doc, err := m.gen.Generate(ctx, job.Table, job.Config, enricher.RunHooks{
		Stop: stop,
		OnProgress: func(done, total int) {
			if total <= 0 {
				return
			}
			p := float64(done) / float64(total)
			m.update(ctx, id, func(j *Job) {
				if j.Status == StatusRunning && p > j.Progress {
					j.Progress = p
				}
			})
		},
	})

	var final Status
	m.update(ctx, id, func(j *Job) {
		switch {
		case err == nil:
			j.Status, j.Result, j.Error, j.Progress = StatusCompleted, doc, nil, 1
		case errors.Is(err, apperrors.ErrCancelled):
			j.Status, j.Result, j.Error = StatusCancelled, nil, nil
		default:
			j.Status, j.Result, j.Error = StatusFailed, nil, newErrorRecord(err)
		}
		final = j.Status
	})
	m.opts.Metrics.JobFinished(string(final))

	if err != nil && final == StatusFailed {
		logger.Error("job failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return
	}
	logger.Info("job finished", zap.String("status", string(final)), zap.Duration("elapsed", time.Since(start)))
}

// markRunning moves a pending job to running. It returns false when the job
// was cancelled or removed while queued.
func (m *Manager) markRunning(ctx context.Context, id string) (*Job, bool) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	job, err := m.store.Get(ctx, id)
	if err != nil {
		m.logger.Warn("queued job disappeared", zap.String("job_id", id), zap.Error(err))
		m.forget(id)
		return nil, false
	}
	if job.Status != StatusPending {
		return nil, false
	}
	job.Status = StatusRunning
	job.UpdatedAt = m.opts.Now().UTC()
	if err := m.store.Put(ctx, job); err != nil {
		m.logger.Error("failed to mark job running", zap.String("job_id", id), zap.Error(err))
		m.forget(id)
		return nil, false
	}
	return job, true
}

// update applies fn to the stored job under its lock.
func (m *Manager) update(ctx context.Context, id string, fn func(*Job)) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	job, err := m.store.Get(ctx, id)
	if err != nil {
		m.logger.Warn("job update skipped", zap.String("job_id", id), zap.Error(err))
		return
	}
	fn(job)
	job.UpdatedAt = m.opts.Now().UTC()
	if err := m.store.Put(ctx, job); err != nil {
		m.logger.Error("job update failed", zap.String("job_id", id), zap.Error(err))
	}
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// forget drops the bookkeeping of a job that will not run again.
func (m *Manager) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.controls, id)
	delete(m.locks, id)
}
