// Package cleanup provides data retention and cleanup services.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/chroniclehq/chronicle/pkg/config"
	"github.com/chroniclehq/chronicle/pkg/store"
)

// Service periodically enforces retention policies:
//   - Removes checkpoints of finished jobs past their TTL
//   - Deletes failed and cancelled job rows past the retention window
//
// All operations are idempotent and safe to run from multiple pods.
type Service struct {
	config      *config.RetentionConfig
	jobs        *store.JobStore
	checkpoints *store.CheckpointStore

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg *config.RetentionConfig, jobs *store.JobStore, checkpoints *store.CheckpointStore) *Service {
	return &Service{
		config:      cfg,
		jobs:        jobs,
		checkpoints: checkpoints,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"checkpoint_ttl", s.config.CheckpointTTL,
		"dead_job_retention_days", s.config.DeadJobRetentionDays,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.pruneCheckpoints(ctx)
	s.pruneDeadJobs(ctx)
}

func (s *Service) pruneCheckpoints(_ context.Context) {
	count, err := s.checkpoints.PruneTerminal(context.Background(), s.config.CheckpointTTL)
	if err != nil {
		slog.Error("Retention: checkpoint prune failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: pruned checkpoints of finished jobs", "count", count)
	}
}

func (s *Service) pruneDeadJobs(_ context.Context) {
	retention := time.Duration(s.config.DeadJobRetentionDays) * 24 * time.Hour
	count, err := s.jobs.PruneDead(context.Background(), retention)
	if err != nil {
		slog.Error("Retention: dead job prune failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted dead jobs", "count", count)
	}
}
