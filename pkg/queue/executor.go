package queue

import (
	"context"
	"log/slog"

	"github.com/chroniclehq/chronicle/pkg/engine"
	"github.com/chroniclehq/chronicle/pkg/models"
	"github.com/chroniclehq/chronicle/pkg/store"
)

// EngineExecutor bridges the queue to the generation engine. It reports
// progress into the job row as the engine advances.
type EngineExecutor struct {
	orchestrator *engine.Orchestrator
	jobs         *store.JobStore
}

// NewEngineExecutor creates the production executor.
func NewEngineExecutor(orchestrator *engine.Orchestrator, jobs *store.JobStore) *EngineExecutor {
	return &EngineExecutor{orchestrator: orchestrator, jobs: jobs}
}

// Execute implements JobExecutor.
func (e *EngineExecutor) Execute(ctx context.Context, job *models.Job) *ExecutionResult {
	progress := func(ctx context.Context, phase string, percent int) {
		if err := e.jobs.UpdateProgress(ctx, job.ID, phase, percent); err != nil {
			slog.Warn("Failed to update job progress",
				"job_id", job.ID, "phase", phase, "error", err)
		}
	}

	if err := e.orchestrator.Execute(ctx, job, progress); err != nil {
		return &ExecutionResult{Status: models.StatusFailed, Error: err}
	}
	return &ExecutionResult{Status: models.StatusCompleted}
}
