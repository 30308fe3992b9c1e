package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Pruner removes read notifications past their retention
type Pruner interface {
	PruneRead(ctx context.Context, retention time.Duration, batchSize int) (int64, error)
}

// Scheduler periodically prunes read notifications
type Scheduler struct {
	pruner    Pruner
	interval  time.Duration
	retention time.Duration
	batchSize int
	logger    *slog.Logger
	stopCh    chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	mu        sync.Mutex
}

// Config holds configuration for the retention scheduler
type Config struct {
	Interval  time.Duration
	Retention time.Duration
	BatchSize int
}

// New creates a new retention scheduler
func New(pruner Pruner, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Retention == 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 1000
	}

	return &Scheduler{
		pruner:    pruner,
		interval:  cfg.Interval,
		retention: cfg.Retention,
		batchSize: cfg.BatchSize,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.logger.Info("notification pruner started", "interval", s.interval, "retention", s.retention)

	s.wg.Add(1)
	go s.run(ctx)
}

// Stop stops the scheduler and waits for an in-flight prune to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("notification pruner stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.process(ctx)

	for {
		select {
		case <-ticker.C:
			s.process(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// process deletes batches until one comes back short
func (s *Scheduler) process(ctx context.Context) {
	var total int64
	for {
		n, err := s.pruner.PruneRead(ctx, s.retention, s.batchSize)
		if err != nil {
			s.logger.Error("failed to prune notifications", "error", err)
			return
		}
		total += n
		if n < int64(s.batchSize) || ctx.Err() != nil {
			break
		}
	}

	if total > 0 {
		s.logger.Info("pruned read notifications", "count", total)
	}
}
