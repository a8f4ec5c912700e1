// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Package queue runs the durable job queue and fixed-size worker pool: a
// cron-driven filler moves queued submissions from the database into a
// bounded in-memory channel, and a fixed set of worker goroutines drain
// that channel into judge Pipeline runs.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/codepr/dsajudge/internal/models"
)

// Store is the subset of store.Store the queue needs, narrowed so tests can
// supply a fake.
type Store interface {
	ClaimQueued(ctx context.Context, n int) ([]models.Submission, error)
	FetchProblem(ctx context.Context, lectureID, assignmentID int, eval bool) (*models.Problem, error)
	FinalizeSubmission(ctx context.Context, sub *models.Submission) error
	RecoverRunningSubmissions(ctx context.Context) error
}

// Pipeline is the subset of judge.Pipeline the queue needs.
type Pipeline interface {
	Run(ctx context.Context, sub *models.Submission, problem *models.Problem, uploadDir string) error
}

// Notifier publishes a finalize event for a graded submission. Publish
// errors are logged by the caller and never affect grading state.
type Notifier interface {
	PublishFinalized(sub models.Submission) error
}

// Pool is the job queue and fixed-size worker pool.
type Pool struct {
	store    Store
	pipeline Pipeline
	notifier Notifier
	log      *zap.Logger

	workers  int
	capacity int
	fillCron string

	jobs chan models.Submission
	wg   sync.WaitGroup

	cron *cron.Cron

	stopOnce sync.Once
	stop     chan struct{}
}

func New(store Store, pipeline Pipeline, notifier Notifier, log *zap.Logger, workers, capacity int, fillCron string) *Pool {
	return &Pool{
		store:    store,
		pipeline: pipeline,
		notifier: notifier,
		log:      log,
		workers:  workers,
		capacity: capacity,
		fillCron: fillCron,
		jobs:     make(chan models.Submission, capacity),
		stop:     make(chan struct{}),
	}
}

// Start runs crash recovery once, then starts the worker pool and the
// cron-scheduled queue filler. It returns once both are running.
func (p *Pool) Start(ctx context.Context) error {
	if err := p.store.RecoverRunningSubmissions(ctx); err != nil {
		return err
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.cron = cron.New(cron.WithSeconds())
	if _, err := p.cron.AddFunc(p.fillCron, p.fill); err != nil {
		return err
	}
	p.cron.Start()

	return nil
}

// Stop halts the queue filler, closes the job channel, and waits for every
// in-flight worker to drain it.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		if p.cron != nil {
			<-p.cron.Stop().Done()
		}
		close(p.stop)
		close(p.jobs)
	})
	p.wg.Wait()
}

// fill claims queued submissions up to the channel's free capacity and
// pushes them onto it; it never blocks waiting for workers to catch up
// beyond that capacity.
func (p *Pool) fill() {
	free := p.capacity - len(p.jobs)
	if free <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	claimed, err := p.store.ClaimQueued(ctx, free)
	if err != nil {
		p.log.Error("failed to claim queued submissions", zap.Error(err))
		return
	}
	for _, sub := range claimed {
		select {
		case p.jobs <- sub:
		case <-p.stop:
			return
		}
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for sub := range p.jobs {
		p.process(sub, id)
	}
}

func (p *Pool) process(sub models.Submission, workerID int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	problem, err := p.store.FetchProblem(ctx, sub.LectureID, sub.AssignmentID, sub.Eval)
	if err != nil {
		p.log.Error("failed to fetch problem", zap.Int("worker", workerID), zap.Error(err))
		return
	}

	if err := p.pipeline.Run(ctx, &sub, problem, sub.UploadDir); err != nil {
		p.log.Error("pipeline run failed", zap.Int("worker", workerID), zap.Error(err))
		return
	}

	if err := p.store.FinalizeSubmission(ctx, &sub); err != nil {
		p.log.Error("failed to finalize submission", zap.Int("submission", sub.ID), zap.Error(err))
		return
	}

	if p.notifier != nil {
		if err := p.notifier.PublishFinalized(sub); err != nil {
			p.log.Warn("failed to publish finalize event", zap.Int("submission", sub.ID), zap.Error(err))
		}
	}
}
