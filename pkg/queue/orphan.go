package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// orphanState tracks orphan detection metrics (thread-safe).
type orphanState struct {
	mu        sync.Mutex
	lastScan  time.Time
	requeued  int
	abandoned int
}

// runOrphanDetection periodically scans for orphaned jobs.
// All pods run this independently — operations are idempotent.
func (p *WorkerPool) runOrphanDetection(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanDetectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.detectAndRecoverOrphans(ctx)
		}
	}
}

// detectAndRecoverOrphans returns stale-heartbeat jobs to the queue so any
// replica can resume them from their last checkpoint. Jobs that have already
// been requeued MaxRequeues times are failed instead of looping forever.
func (p *WorkerPool) detectAndRecoverOrphans(ctx context.Context) {
	requeued, failed, err := p.jobs.RequeueOrphans(ctx, p.config.OrphanThreshold, p.config.MaxRequeues)
	if err != nil {
		slog.Error("Orphan detection failed", "error", err)
		return
	}

	if len(requeued) > 0 {
		slog.Warn("Requeued orphaned jobs for resume",
			"count", len(requeued), "job_ids", requeued)
	}
	if len(failed) > 0 {
		slog.Error("Abandoned repeatedly crashing jobs",
			"count", len(failed), "job_ids", failed)
	}

	p.orphans.mu.Lock()
	p.orphans.lastScan = time.Now()
	p.orphans.requeued += len(requeued)
	p.orphans.abandoned += len(failed)
	p.orphans.mu.Unlock()
}
