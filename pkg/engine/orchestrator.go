// Package engine drives a generation job end to end: state derivation, the
// act and scene loops, checkpointing, validation, and final assembly.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/chroniclehq/chronicle/pkg/agent"
	"github.com/chroniclehq/chronicle/pkg/config"
	"github.com/chroniclehq/chronicle/pkg/models"
	"github.com/chroniclehq/chronicle/pkg/narrative"
	"github.com/chroniclehq/chronicle/pkg/store"
)

// Progress percentages at phase boundaries.
const (
	progressInit     = 10
	progressActsDone = 80
	progressValidate = 95
	progressDone     = 100
)

// ErrNoForwardProgress is returned when the editor drops too many scenes in a
// row; the job cannot converge and fails.
var ErrNoForwardProgress = errors.New("no forward progress: consecutive scene drops exceeded limit")

// CheckpointSink is where the engine persists resume points.
type CheckpointSink interface {
	Save(ctx context.Context, jobID uuid.UUID, phaseTag string, state, manuscript json.RawMessage) error
	Latest(ctx context.Context, jobID uuid.UUID) (*models.Checkpoint, error)
}

// ManuscriptSink is where the engine publishes the finished book.
type ManuscriptSink interface {
	Save(ctx context.Context, rec *models.ManuscriptRecord) error
}

// ProgressFunc reports phase and percent complete back to the job row.
type ProgressFunc func(ctx context.Context, phase string, percent int)

// Orchestrator runs generation jobs. It is stateless between jobs; all
// per-job state lives in the narrative state and the snapshot.
type Orchestrator struct {
	planner     *agent.Planner
	writer      *agent.Writer
	editor      *agent.Editor
	validator   *agent.Validator
	checkpoints CheckpointSink
	manuscripts ManuscriptSink
	cfg         *config.EngineConfig
}

// New creates an orchestrator over the four agents and the two sinks.
func New(planner *agent.Planner, writer *agent.Writer, editor *agent.Editor, validator *agent.Validator,
	checkpoints CheckpointSink, manuscripts ManuscriptSink, cfg *config.EngineConfig) *Orchestrator {
	return &Orchestrator{
		planner:     planner,
		writer:      writer,
		editor:      editor,
		validator:   validator,
		checkpoints: checkpoints,
		manuscripts: manuscripts,
		cfg:         cfg,
	}
}

// run is the mutable per-job context threaded through the phases.
type run struct {
	job      *models.Job
	state    *narrative.State
	snap     *snapshot
	progress ProgressFunc
	log      *slog.Logger
}

// Execute runs one job to completion, resuming from the latest checkpoint
// when one exists. It returns nil only when the manuscript is published.
func (o *Orchestrator) Execute(ctx context.Context, job *models.Job, progress ProgressFunc) error {
	r := &run{
		job:      job,
		progress: progress,
		log: slog.With("job_id", job.ID, "mode", string(job.Mode),
			"target_words", job.TargetLengthWords),
	}

	if err := o.restoreOrInit(ctx, r); err != nil {
		return err
	}

	for r.state.Structure.ActIndex < r.state.Structure.ActsTotal || !r.state.ActComplete() {
		if err := o.runAct(ctx, r); err != nil {
			return err
		}
	}

	if err := o.validateBook(ctx, r); err != nil {
		return err
	}

	return o.assemble(ctx, r)
}

// restoreOrInit loads the latest checkpoint or derives a fresh state.
func (o *Orchestrator) restoreOrInit(ctx context.Context, r *run) error {
	cp, err := o.checkpoints.Latest(ctx, r.job.ID)
	if err == nil {
		state, stateErr := narrative.UnmarshalState(cp.State)
		if stateErr != nil {
			return stateErr
		}
		snap, snapErr := unmarshalSnapshot(cp.Manuscript)
		if snapErr != nil {
			return snapErr
		}
		r.state = state
		r.snap = snap
		r.log.Info("Resuming from checkpoint",
			"phase_tag", cp.PhaseTag,
			"words_written", state.Structure.WordsWritten)
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}

	r.progress(ctx, "init", 0)
	state, err := o.planner.DeriveInitialState(ctx, r.job.Prompt, r.job.Genre, r.job.TargetLengthWords)
	if err != nil {
		return err
	}
	r.state = state
	r.snap = &snapshot{}
	r.log.Info("Narrative state derived",
		"acts", state.Structure.ActsTotal,
		"protagonist", state.Protagonist,
		"characters", len(state.Characters))

	if err := o.checkpoint(ctx, r, "init"); err != nil {
		return err
	}
	r.progress(ctx, "init", progressInit)
	return nil
}

// runAct plans the next act if needed and writes scenes until the act's word
// budget is met, then validates and closes it.
func (o *Orchestrator) runAct(ctx context.Context, r *run) error {
	if r.state.Structure.ActIndex == 0 || r.state.ActComplete() {
		if r.state.Structure.ActIndex >= r.state.Structure.ActsTotal {
			return nil
		}
		if err := o.planner.PlanAct(ctx, r.state); err != nil {
			return err
		}
		r.state.Structure.ChapterIndex++
		r.log.Info("Act planned",
			"act", r.state.Structure.ActIndex,
			"goal", r.state.Act.Goal,
			"words_target", r.state.Act.WordsTarget)
		if err := o.checkpoint(ctx, r, fmt.Sprintf("act-%d-plan", r.state.Structure.ActIndex)); err != nil {
			return err
		}
	}

	for !r.state.ActComplete() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.runScene(ctx, r); err != nil {
			return err
		}
		r.progress(ctx, fmt.Sprintf("act-%d", r.state.Structure.ActIndex), o.actProgress(r.state))
	}

	// Chapters never span acts.
	o.rollChapter(r)

	if r.job.Mode != models.ModeDraft {
		report, err := o.validator.ValidateAct(ctx, r.state)
		if err != nil {
			return err
		}
		for _, issue := range report.Issues {
			r.snap.Manuscript.AddWarning(issue)
		}
		r.log.Info("Act validated",
			"act", r.state.Structure.ActIndex,
			"passed", report.Passed,
			"issues", len(report.Issues))
	}

	return o.checkpoint(ctx, r, fmt.Sprintf("act-%d-validated", r.state.Structure.ActIndex))
}

// runScene runs one brief-write-evaluate cycle through to an accepted,
// dropped, or merged scene, checkpointing on success.
func (o *Orchestrator) runScene(ctx context.Context, r *run) error {
	brief, err := o.planner.NextSceneBrief(ctx, r.state)
	if err != nil {
		return err
	}

	draft, err := o.writer.GenerateScene(ctx, r.state, brief)
	if err != nil {
		return err
	}

	if r.job.Mode == models.ModeDraft {
		return o.acceptScene(ctx, r, brief, draft.Text, narrative.SyntheticFingerprint(brief.ID, brief.POV))
	}

	for attempt := 1; ; attempt++ {
		decision, err := o.editor.EvaluateScene(ctx, r.state, brief, draft)
		if err != nil {
			return err
		}

		// Terminal decisions return; the rest set feedback and fall through
		// to the retry path below.
		var feedback string
		switch d := decision.(type) {
		case agent.Accept:
			fb, err := o.applyPatch(r, brief, d.Patch)
			if err != nil {
				return err
			}
			if fb == "" {
				return o.acceptScene(ctx, r, brief, draft.Text, d.Fingerprint)
			}
			feedback = fb

		case agent.Drop:
			r.snap.ConsecutiveDrops++
			r.log.Warn("Scene dropped",
				"scene", brief.ID, "reason", d.Reason,
				"consecutive_drops", r.snap.ConsecutiveDrops)
			if r.snap.ConsecutiveDrops >= o.cfg.MaxConsecutiveDrops {
				return fmt.Errorf("%w (%d in a row at %s)",
					ErrNoForwardProgress, r.snap.ConsecutiveDrops, brief.ID)
			}
			return nil

		case agent.Merge:
			fb, err := o.applyPatch(r, brief, d.Patch)
			if err != nil {
				return err
			}
			if fb == "" {
				return o.mergeScene(ctx, r, brief, d.Text)
			}
			feedback = fb

		case agent.Regenerate:
			feedback = d.Feedback

		case agent.Rewrite:
			feedback = d.Instructions

		default:
			return fmt.Errorf("unknown editor decision %T for scene %s", decision, brief.ID)
		}

		if attempt > o.cfg.MaxSceneRegenerations {
			// Quality concession: keep the last draft rather than stall.
			r.snap.Manuscript.AddWarning(fmt.Sprintf(
				"scene %s accepted after %d failed regenerations: %s",
				brief.ID, o.cfg.MaxSceneRegenerations, feedback))
			r.log.Warn("Regeneration budget exhausted, accepting last draft",
				"scene", brief.ID, "attempts", attempt)
			return o.acceptScene(ctx, r, brief, draft.Text, narrative.SyntheticFingerprint(brief.ID, brief.POV))
		}
		draft, err = o.writer.RegenerateScene(ctx, r.state, brief, feedback, attempt+1)
		if err != nil {
			return err
		}
	}
}

// applyPatch applies an editor patch to the live state. Apply is atomic, so an
// invariant violation leaves the state untouched; it does not crash the job
// but returns the instruction that sends the scene back to the writer.
func (o *Orchestrator) applyPatch(r *run, brief *agent.SceneBrief, patch narrative.Patch) (string, error) {
	err := r.state.Apply(patch)
	if err == nil {
		return "", nil
	}
	var violation *narrative.InvariantViolation
	if !errors.As(err, &violation) {
		return "", err
	}
	r.log.Warn("Editor patch violated an invariant, sending scene back",
		"scene", brief.ID, "violation", violation)
	return integrityFeedback(violation), nil
}

// integrityFeedback phrases an invariant violation as a revision instruction.
func integrityFeedback(v *narrative.InvariantViolation) string {
	if v.Field == "escalation_budget" {
		return "The act's escalation budget is exhausted. Rewrite the scene to de-escalate: " +
			"keep its events but do not raise the stakes of the whole story."
	}
	return fmt.Sprintf("The scene breaks continuity (%s): %s. "+
		"Rewrite it so established transformations and losses stand.", v.Field, v.Reason)
}

// acceptScene commits an accepted scene: registry, counters, buffer, chapter
// roll, checkpoint.
func (o *Orchestrator) acceptScene(ctx context.Context, r *run, brief *agent.SceneBrief,
	text string, fp narrative.Fingerprint) error {
	words := narrative.CountWords(text)

	r.state.Registry.Append(fp)
	r.state.RecordScene(words)
	r.snap.ConsecutiveDrops = 0
	r.snap.Buffer = append(r.snap.Buffer, bufferedScene{
		ID:    brief.ID.String(),
		Text:  text,
		Words: words,
	})
	r.snap.BufferWords += words

	r.log.Info("Scene accepted",
		"scene", brief.ID,
		"words", words,
		"function", fp.NarrativeFunction,
		"act_words", r.state.Act.WordsWritten,
		"total_words", r.state.Structure.WordsWritten)

	if r.snap.BufferWords >= o.cfg.ChapterRollThreshold {
		o.rollChapter(r)
		r.state.Structure.ChapterIndex++
	}

	return o.checkpoint(ctx, r, brief.ID.String())
}

// mergeScene folds the scene's surviving beat into the previous scene's text.
// Merged words count toward the act but the scene index does not advance: the
// next brief reuses the slot. The checkpoint tag carries a merge ordinal so it
// cannot collide with the slot's eventual accepted scene.
func (o *Orchestrator) mergeScene(ctx context.Context, r *run, brief *agent.SceneBrief, text string) error {
	words := narrative.CountWords(text)
	if n := len(r.snap.Buffer); n > 0 {
		prev := &r.snap.Buffer[n-1]
		prev.Text += "\n\n" + text
		prev.Words += words
	} else if n := len(r.snap.Manuscript.Chapters); n > 0 {
		ch := &r.snap.Manuscript.Chapters[n-1]
		ch.Text += "\n\n" + text
		ch.WordCount += words
		r.snap.Manuscript.WordCount += words
	} else {
		// Nothing to merge into yet; keep the beat as its own short scene.
		r.snap.Buffer = append(r.snap.Buffer, bufferedScene{ID: brief.ID.String(), Text: text, Words: words})
	}
	r.snap.BufferWords += words
	r.state.RecordMergedWords(words)
	r.snap.ConsecutiveDrops = 0
	r.snap.Merges++

	r.log.Info("Scene merged into previous", "scene", brief.ID, "words", words)
	return o.checkpoint(ctx, r, fmt.Sprintf("%s-merge-%d", brief.ID, r.snap.Merges))
}

// rollChapter moves the buffered scenes into the manuscript as one chapter.
func (o *Orchestrator) rollChapter(r *run) {
	if len(r.snap.Buffer) == 0 {
		return
	}
	var text string
	var words int
	for i, scene := range r.snap.Buffer {
		if i > 0 {
			text += "\n\n* * *\n\n"
		}
		text += scene.Text
		words += scene.Words
	}
	number := len(r.snap.Manuscript.Chapters) + 1
	r.snap.Manuscript.AppendChapter(narrative.Chapter{
		Act:       r.state.Structure.ActIndex,
		Number:    number,
		Title:     fmt.Sprintf("Chapter %d", number),
		Text:      text,
		WordCount: words,
	})
	r.snap.Buffer = nil
	r.snap.BufferWords = 0
	r.log.Info("Chapter rolled", "chapter", number, "act", r.state.Structure.ActIndex)
}

// validateBook runs the whole-book validation pass.
func (o *Orchestrator) validateBook(ctx context.Context, r *run) error {
	r.progress(ctx, "validate", progressActsDone)
	report, err := o.validator.ValidateBook(ctx, r.state)
	if err != nil {
		return err
	}
	for _, issue := range report.Issues {
		r.snap.Manuscript.AddWarning(issue)
	}
	r.log.Info("Book validated", "passed", report.Passed, "issues", len(report.Issues))
	r.progress(ctx, "validate", progressValidate)
	return nil
}

// assemble writes the final manuscript record exactly once.
func (o *Orchestrator) assemble(ctx context.Context, r *run) error {
	o.rollChapter(r)

	title, blurb, err := o.planner.ComposeFrontMatter(ctx, r.state)
	if err != nil {
		return err
	}
	r.snap.Manuscript.Title = title
	r.snap.Manuscript.Blurb = blurb

	content, err := json.Marshal(r.snap.Manuscript)
	if err != nil {
		return fmt.Errorf("failed to encode manuscript: %w", err)
	}

	err = o.manuscripts.Save(ctx, &models.ManuscriptRecord{
		JobID:     r.job.ID,
		Title:     title,
		Blurb:     blurb,
		Content:   content,
		WordCount: r.snap.Manuscript.WordCount,
		Warnings:  r.snap.Manuscript.Warnings,
	})
	if errors.Is(err, store.ErrAlreadyExists) {
		// A previous attempt published before crashing; that output stands.
		r.log.Warn("Manuscript already published by an earlier attempt")
	} else if err != nil {
		return err
	}

	if err := o.checkpoint(ctx, r, "assembled"); err != nil {
		return err
	}
	r.progress(ctx, "done", progressDone)
	r.log.Info("Job complete",
		"title", title,
		"chapters", len(r.snap.Manuscript.Chapters),
		"words", r.snap.Manuscript.WordCount,
		"warnings", len(r.snap.Manuscript.Warnings))
	return nil
}

// checkpoint persists the state and snapshot under the phase tag.
func (o *Orchestrator) checkpoint(ctx context.Context, r *run, tag string) error {
	stateJSON, err := r.state.Marshal()
	if err != nil {
		return err
	}
	snapJSON, err := r.snap.marshal()
	if err != nil {
		return err
	}
	if err := o.checkpoints.Save(ctx, r.job.ID, tag, stateJSON, snapJSON); err != nil {
		return err
	}
	return nil
}

// actProgress maps written words onto the acts phase's share of the bar.
func (o *Orchestrator) actProgress(s *narrative.State) int {
	if s.TargetLengthWords == 0 {
		return progressInit
	}
	frac := float64(s.Structure.WordsWritten) / float64(s.TargetLengthWords)
	if frac > 1 {
		frac = 1
	}
	return progressInit + int(frac*float64(progressActsDone-progressInit))
}
