// Package worker claims jobs from a language queue, runs them through the
// executor and writes results back to the broker.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Harshith-10/sentinel-community/language"
	"github.com/Harshith-10/sentinel-community/types"
)

const (
	claimBlock      = 2 * time.Second
	promoteInterval = 500 * time.Millisecond
)

// Runner executes one job. Implemented by executor.Executor.
type Runner interface {
	Run(lang *language.Descriptor, code, stdin string, cases []types.TestCase) *types.ExecutionResult
}

// ClaimedJob is a claim held against the broker.
type ClaimedJob interface {
	Job() *types.Job
	UpdateProgress(ctx context.Context, pct int) error
	Complete(ctx context.Context, res *types.ExecutionResult) error
	Fail(ctx context.Context, cause error) error
}

// Source is the queue a worker drains.
type Source interface {
	Name() string
	Claim(ctx context.Context, block time.Duration) (ClaimedJob, error)
	PromoteDelayed(ctx context.Context) (int, error)
}

// Config defines worker configuration.
type Config struct {
	Source      Source
	Registry    *language.Registry
	Runner      Runner
	Concurrency int // claim loops, default 1
	ExecutorID  string
	Logger      *zap.Logger
	Observer    func(job *types.Job, res *types.ExecutionResult, d time.Duration)
}

// Worker defines the claim-execute-resolve loop over one queue.
type Worker interface {
	Start()
	Shutdown()
}

type worker struct {
	source      Source
	registry    *language.Registry
	runner      Runner
	concurrency int
	executorID  string
	logger      *zap.Logger
	observer    func(*types.Job, *types.ExecutionResult, time.Duration)

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
	cancel    context.CancelFunc
}

// New creates a worker over the given source.
func New(conf Config) Worker {
	concurrency := conf.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	logger := conf.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &worker{
		source:      conf.Source,
		registry:    conf.Registry,
		runner:      conf.Runner,
		concurrency: concurrency,
		executorID:  conf.ExecutorID,
		logger:      logger,
		observer:    conf.Observer,
	}
}

// Start launches the claim loops and the delayed-job promoter.
func (w *worker) Start() {
	w.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		w.cancel = cancel
		w.wg.Add(w.concurrency + 1)
		for i := 0; i < w.concurrency; i++ {
			go w.loop(ctx)
		}
		go w.promote(ctx)
		w.logger.Info("Worker started",
			zap.String("queue", w.source.Name()),
			zap.String("executorId", w.executorID),
			zap.Int("concurrency", w.concurrency))
	})
}

// Shutdown stops claiming new jobs and waits for in-flight jobs to resolve.
func (w *worker) Shutdown() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		w.wg.Wait()
	})
}

func (w *worker) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		cj, err := w.source.Claim(ctx, claimBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("Claim failed", zap.String("queue", w.source.Name()), zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if cj == nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		// resolve in-flight jobs even while shutting down
		w.process(context.Background(), cj)
	}
}

func (w *worker) promote(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n, err := w.source.PromoteDelayed(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("Delayed promotion failed", zap.Error(err))
			} else if n > 0 {
				w.logger.Debug("Promoted delayed jobs", zap.Int("count", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (w *worker) process(ctx context.Context, cj ClaimedJob) {
	job := cj.Job()
	start := time.Now()
	w.logger.Info("Processing job", zap.String("id", job.ID), zap.String("language", job.Language))

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("executor panic: %v", r)
			w.logger.Error("Job panicked", zap.String("id", job.ID), zap.Any("panic", r))
			if ferr := cj.Fail(ctx, err); ferr != nil {
				w.logger.Error("Fail write-back failed", zap.String("id", job.ID), zap.Error(ferr))
			}
		}
	}()

	if err := cj.UpdateProgress(ctx, 10); err != nil {
		w.logger.Warn("Progress update failed", zap.String("id", job.ID), zap.Error(err))
	}

	lang := w.registry.Get(job.Language)
	if lang == nil {
		err := errors.New("unsupported language: " + job.Language)
		if ferr := cj.Fail(ctx, err); ferr != nil {
			w.logger.Error("Fail write-back failed", zap.String("id", job.ID), zap.Error(ferr))
		}
		return
	}

	res := w.runner.Run(lang, job.Code, job.Input, job.TestCases)

	if err := cj.UpdateProgress(ctx, 100); err != nil {
		w.logger.Warn("Progress update failed", zap.String("id", job.ID), zap.Error(err))
	}
	if err := cj.Complete(ctx, res); err != nil {
		w.logger.Error("Complete write-back failed", zap.String("id", job.ID), zap.Error(err))
		if ferr := cj.Fail(ctx, err); ferr != nil {
			w.logger.Error("Fail write-back failed", zap.String("id", job.ID), zap.Error(ferr))
		}
		return
	}

	d := time.Since(start)
	if w.observer != nil {
		w.observer(job, res, d)
	}
	w.logger.Info("Job finished",
		zap.String("id", job.ID),
		zap.String("status", res.Status),
		zap.Duration("duration", d))
}
