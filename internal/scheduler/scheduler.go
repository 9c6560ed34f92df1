// Package scheduler 后台任务的定时轮询
package scheduler

import (
	"context"
	"sync"
	"time"

	"aliquot-sync/internal/domain"

	"go.uber.org/zap"
)

// Job 一个周期性任务；同一任务的两次运行不会重叠
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) *domain.Result
}

type Scheduler struct {
	jobs   []Job
	logger *zap.Logger
}

func New(jobs []Job, logger *zap.Logger) *Scheduler {
	return &Scheduler{jobs: jobs, logger: logger.With(zap.String("component", "scheduler"))}
}

// Start 每个任务一个 goroutine，启动时先执行一次；阻塞直到 ctx 取消且所有任务退出
func (s *Scheduler) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, job := range s.jobs {
		if job.Interval <= 0 {
			s.logger.Warn("Job disabled", zap.String("job", job.Name))
			continue
		}
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			s.loop(ctx, job)
		}(job)
	}
	wg.Wait()
	return nil
}

// loop 任务运行期间到期的 tick 被丢弃（time.Ticker 只缓冲一个）
func (s *Scheduler) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	s.logger.Info("Starting polling mode",
		zap.String("job", job.Name),
		zap.Duration("interval", job.Interval),
	)

	s.runOnce(ctx, job)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, job)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}
	started := time.Now()
	result := job.Run(ctx)
	if result == nil {
		return
	}

	fields := []zap.Field{
		zap.String("job", job.Name),
		zap.String("status", string(result.Status)),
		zap.String("message", result.Message),
		zap.Duration("elapsed", time.Since(started)),
	}
	switch result.Status {
	case domain.ResultError:
		s.logger.Error("Job run failed", append(fields, zap.Strings("details", result.Details))...)
	case domain.ResultSuccess:
		s.logger.Info("Job run completed", fields...)
	default:
		s.logger.Debug("Job run idle", fields...)
	}
}
