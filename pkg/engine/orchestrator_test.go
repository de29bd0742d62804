package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chroniclehq/chronicle/pkg/agent"
	"github.com/chroniclehq/chronicle/pkg/config"
	"github.com/chroniclehq/chronicle/pkg/llm"
	"github.com/chroniclehq/chronicle/pkg/models"
	"github.com/chroniclehq/chronicle/pkg/narrative"
	"github.com/chroniclehq/chronicle/pkg/store"
)

const (
	testQuestion       = "who tipped off the police?"
	testCloseCondition = "the ledger surfaces"
)

var fingerprintFunctions = []string{
	"revelation", "reversal", "escalation", "bonding", "loss",
	"pursuit", "confrontation", "respite", "decision", "arrival", "departure",
}

// scriptedModel plays every agent role by dispatching on the request's
// context tag. The default script accepts every scene and resolves the
// book cleanly; tests override editor behavior through editorFn or inject
// one-shot failures through failOnce.
type scriptedModel struct {
	mu         sync.Mutex
	sceneWords int
	seq        int

	initCalls   int
	writerCalls int
	editorCalls []string

	editorFn func(tag string) (review string, handled bool)
	failOnce map[string]error
}

func newScriptedModel(sceneWords int) *scriptedModel {
	return &scriptedModel{sceneWords: sceneWords, failOnce: map[string]error{}}
}

func (m *scriptedModel) GenerateText(_ context.Context, req llm.Request) (*llm.Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writerCalls++
	return &llm.Completion{Content: prose(m.sceneWords)}, nil
}

func (m *scriptedModel) GenerateJSON(_ context.Context, req llm.Request, out any) (*llm.Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.failOnce[req.ContextTag]; ok {
		delete(m.failOnce, req.ContextTag)
		return nil, err
	}

	tag := req.ContextTag
	var content string
	switch {
	case tag == "planner.init":
		m.initCalls++
		content = fmt.Sprintf(`{
			"theme_thesis": "loyalty outlasts greed",
			"genre": "noir",
			"protagonist": "Mara",
			"characters": ["Mara", "Yusuf"],
			"opening_questions": [%q],
			"motifs": []
		}`, testQuestion)

	case strings.HasPrefix(tag, "planner.act."):
		content = fmt.Sprintf(`{
			"goal": "recover the ledger",
			"open_questions": [],
			"close_conditions": [%q]
		}`, testCloseCondition)

	case strings.HasPrefix(tag, "planner.brief."):
		content = fmt.Sprintf(`{
			"pov": "Mara", "location": "the docks",
			"goal": "advance the plan", "conflict": "the mayor's men resist",
			"word_target": %d
		}`, m.sceneWords)

	case strings.HasPrefix(tag, "editor."):
		m.editorCalls = append(m.editorCalls, tag)
		if m.editorFn != nil {
			if review, handled := m.editorFn(tag); handled {
				content = review
				break
			}
		}
		content = m.acceptingReview()

	case strings.HasPrefix(tag, "validator."):
		content = `{"passed": true, "issues": []}`

	case tag == "planner.frontmatter":
		content = `{"title": "The Ledger", "blurb": "A heist gone wrong."}`

	default:
		return nil, fmt.Errorf("scripted model has no answer for tag %q", tag)
	}

	if err := json.Unmarshal([]byte(content), out); err != nil {
		return nil, fmt.Errorf("bad script for tag %q: %w", tag, err)
	}
	return &llm.Usage{}, nil
}

// acceptingReview produces an accept with a fresh fingerprint and a patch
// that keeps the book structurally clean.
func (m *scriptedModel) acceptingReview() string {
	m.seq++
	return fmt.Sprintf(`{
		"verdicts": ["accept"],
		"fingerprint": {
			"narrative_function": %q,
			"new_information": ["fact%d comes to light"],
			"beat_shape_signature": "beat%d"
		},
		"patch": {
			"resolve_questions": [%q],
			"satisfied_close_conditions": [%q],
			"characters": [{"name": "Mara", "transformation": 0.9, "irreversible_loss": true}],
			"act_summary": "the plan advanced"
		}
	}`, fingerprintFunctions[m.seq%len(fingerprintFunctions)], m.seq, m.seq,
		testQuestion, testCloseCondition)
}

func (m *scriptedModel) editorCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.editorCalls)
}

func prose(words int) string {
	return strings.TrimSpace(strings.Repeat("rain ", words))
}

// memCheckpoints is an in-memory CheckpointSink with the store's idempotent
// (job, phase tag) semantics.
type memCheckpoints struct {
	mu     sync.Mutex
	nextID int64
	byJob  map[uuid.UUID][]models.Checkpoint
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{byJob: map[uuid.UUID][]models.Checkpoint{}}
}

func (m *memCheckpoints) Save(_ context.Context, jobID uuid.UUID, phaseTag string, state, manuscript json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cp := range m.byJob[jobID] {
		if cp.PhaseTag == phaseTag {
			return nil
		}
	}
	m.nextID++
	m.byJob[jobID] = append(m.byJob[jobID], models.Checkpoint{
		ID:         m.nextID,
		JobID:      jobID,
		PhaseTag:   phaseTag,
		State:      append(json.RawMessage(nil), state...),
		Manuscript: append(json.RawMessage(nil), manuscript...),
	})
	return nil
}

func (m *memCheckpoints) Latest(_ context.Context, jobID uuid.UUID) (*models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cps := m.byJob[jobID]
	if len(cps) == 0 {
		return nil, store.ErrNotFound
	}
	cp := cps[len(cps)-1]
	return &cp, nil
}

func (m *memCheckpoints) tags(jobID uuid.UUID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var tags []string
	for _, cp := range m.byJob[jobID] {
		tags = append(tags, cp.PhaseTag)
	}
	return tags
}

// memManuscripts is an in-memory ManuscriptSink with exactly-once semantics.
type memManuscripts struct {
	mu   sync.Mutex
	recs map[uuid.UUID]*models.ManuscriptRecord
}

func newMemManuscripts() *memManuscripts {
	return &memManuscripts{recs: map[uuid.UUID]*models.ManuscriptRecord{}}
}

func (m *memManuscripts) Save(_ context.Context, rec *models.ManuscriptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[rec.JobID]; ok {
		return store.ErrAlreadyExists
	}
	m.recs[rec.JobID] = rec
	return nil
}

func (m *memManuscripts) get(jobID uuid.UUID) *models.ManuscriptRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recs[jobID]
}

type progressEntry struct {
	phase   string
	percent int
}

type progressRecorder struct {
	mu      sync.Mutex
	entries []progressEntry
}

func (p *progressRecorder) fn(_ context.Context, phase string, percent int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, progressEntry{phase: phase, percent: percent})
}

func (p *progressRecorder) last() progressEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.entries) == 0 {
		return progressEntry{}
	}
	return p.entries[len(p.entries)-1]
}

type rig struct {
	model       *scriptedModel
	checkpoints *memCheckpoints
	manuscripts *memManuscripts
	progress    *progressRecorder
	orch        *Orchestrator
}

func newRig(cfg *config.EngineConfig, sceneWords int) *rig {
	model := newScriptedModel(sceneWords)
	r := &rig{
		model:       model,
		checkpoints: newMemCheckpoints(),
		manuscripts: newMemManuscripts(),
		progress:    &progressRecorder{},
	}
	r.orch = New(
		agent.NewPlanner(model, cfg),
		agent.NewWriter(model),
		agent.NewEditor(model, cfg),
		agent.NewValidator(model),
		r.checkpoints, r.manuscripts, cfg)
	return r
}

func testJob(targetWords int, mode models.JobMode) *models.Job {
	return &models.Job{
		ID:                uuid.New(),
		Prompt:            "a heist goes wrong",
		Genre:             "noir",
		TargetLengthWords: targetWords,
		Mode:              mode,
		Status:            models.StatusRunning,
	}
}

func decodeManuscript(t *testing.T, rec *models.ManuscriptRecord) *narrative.Manuscript {
	t.Helper()
	require.NotNil(t, rec, "manuscript was not published")
	var ms narrative.Manuscript
	require.NoError(t, json.Unmarshal(rec.Content, &ms))
	return &ms
}

func TestExecutePolishedHappyPath(t *testing.T) {
	cfg := config.DefaultEngineConfig()
	cfg.ChapterRollThreshold = 1000
	r := newRig(cfg, 500)
	job := testJob(2000, models.ModePolished)

	err := r.orch.Execute(context.Background(), job, r.progress.fn)
	require.NoError(t, err)

	rec := r.manuscripts.get(job.ID)
	ms := decodeManuscript(t, rec)
	assert.Equal(t, "The Ledger", rec.Title)
	assert.Len(t, ms.Chapters, 2, "4 scenes of 500 words roll at 1000")
	assert.Equal(t, 2000, ms.WordCount)
	assert.Empty(t, rec.Warnings, "clean run publishes without warnings")

	tags := r.checkpoints.tags(job.ID)
	assert.Contains(t, tags, "init")
	assert.Contains(t, tags, "act-1-plan")
	assert.Contains(t, tags, "a1c1s1")
	assert.Contains(t, tags, "act-1-validated")
	assert.Equal(t, "assembled", tags[len(tags)-1])

	assert.Equal(t, progressEntry{phase: "done", percent: 100}, r.progress.last())
	for i := 1; i < len(r.progress.entries); i++ {
		assert.GreaterOrEqual(t, r.progress.entries[i].percent, r.progress.entries[i-1].percent,
			"progress never moves backwards")
	}
}

func TestExecuteDraftModeSkipsEditor(t *testing.T) {
	cfg := config.DefaultEngineConfig()
	r := newRig(cfg, 500)
	job := testJob(2000, models.ModeDraft)

	err := r.orch.Execute(context.Background(), job, r.progress.fn)
	require.NoError(t, err)

	assert.Zero(t, r.model.editorCallCount(), "draft mode never consults the editor")

	rec := r.manuscripts.get(job.ID)
	ms := decodeManuscript(t, rec)
	assert.Equal(t, 2000, ms.WordCount)
	// No editor means no patches: the deterministic book checks flag the
	// unresolved question and the flat protagonist arc as warnings.
	assert.NotEmpty(t, rec.Warnings)
}

func TestExecuteResumesFromLatestCheckpoint(t *testing.T) {
	cfg := config.DefaultEngineConfig()
	cfg.ChapterRollThreshold = 1000
	r := newRig(cfg, 500)
	job := testJob(2000, models.ModePolished)

	// Scenes 1 and 2 land (rolling chapter 1); the editor call for scene 3
	// blows up once.
	r.model.failOnce["editor.a1c2s3"] = errors.New("provider meltdown")

	err := r.orch.Execute(context.Background(), job, r.progress.fn)
	require.Error(t, err)
	assert.Nil(t, r.manuscripts.get(job.ID))

	// Second attempt resumes from checkpoint a1c1s2 instead of replanning.
	err = r.orch.Execute(context.Background(), job, r.progress.fn)
	require.NoError(t, err)

	assert.Equal(t, 1, r.model.initCalls, "initial derivation runs exactly once across attempts")
	ms := decodeManuscript(t, r.manuscripts.get(job.ID))
	assert.Equal(t, 2000, ms.WordCount, "no scene is written twice")
	assert.Len(t, ms.Chapters, 2)
}

func TestExecuteRepublishAfterAssemblyIsTolerated(t *testing.T) {
	cfg := config.DefaultEngineConfig()
	r := newRig(cfg, 500)
	job := testJob(1000, models.ModePolished)

	require.NoError(t, r.orch.Execute(context.Background(), job, r.progress.fn))
	first := r.manuscripts.get(job.ID)

	// A crash between publish and the terminal status write re-runs the job;
	// the already-published manuscript stands.
	require.NoError(t, r.orch.Execute(context.Background(), job, r.progress.fn))
	assert.Same(t, first, r.manuscripts.get(job.ID))
}

func TestExecuteFailsAfterConsecutiveDrops(t *testing.T) {
	cfg := config.DefaultEngineConfig()
	r := newRig(cfg, 500)
	r.model.editorFn = func(string) (string, bool) {
		return `{"verdicts": ["drop"], "feedback": "redundant",
			"fingerprint": {"narrative_function": "respite", "new_information": []}}`, true
	}
	job := testJob(2000, models.ModePolished)

	err := r.orch.Execute(context.Background(), job, r.progress.fn)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoForwardProgress)
	assert.Equal(t, cfg.MaxConsecutiveDrops, r.model.editorCallCount())
	assert.Nil(t, r.manuscripts.get(job.ID))
}

func TestExecuteAcceptsLossyAfterRegenerationCap(t *testing.T) {
	cfg := config.DefaultEngineConfig()
	r := newRig(cfg, 500)
	r.model.editorFn = func(string) (string, bool) {
		return `{"verdicts": ["regenerate"], "feedback": "the scene is flat",
			"fingerprint": {"narrative_function": "respite", "new_information": []}}`, true
	}
	job := testJob(1000, models.ModePolished)

	err := r.orch.Execute(context.Background(), job, r.progress.fn)
	require.NoError(t, err, "regeneration exhaustion degrades quality, not the job")

	rec := r.manuscripts.get(job.ID)
	require.NotNil(t, rec)

	var lossy int
	for _, w := range rec.Warnings {
		if strings.Contains(w, "failed regenerations") {
			lossy++
		}
	}
	assert.Equal(t, 2, lossy, "each scene that hit the cap carries a warning")

	// 2 scenes, each: 1 draft + MaxSceneRegenerations rewrites.
	assert.Equal(t, 2*(1+cfg.MaxSceneRegenerations), r.model.writerCalls)
}

func TestExecuteMergeFoldsIntoPreviousScene(t *testing.T) {
	cfg := config.DefaultEngineConfig()
	r := newRig(cfg, 500)
	var merged bool
	r.model.editorFn = func(tag string) (string, bool) {
		if merged || tag != "editor.a1c1s2" {
			return "", false
		}
		merged = true
		return fmt.Sprintf(`{"verdicts": ["merge"], "merged_text": %q,
			"fingerprint": {"narrative_function": "respite", "new_information": []},
			"patch": {}}`, prose(100)), true
	}
	job := testJob(1000, models.ModePolished)

	err := r.orch.Execute(context.Background(), job, r.progress.fn)
	require.NoError(t, err)

	ms := decodeManuscript(t, r.manuscripts.get(job.ID))
	require.Len(t, ms.Chapters, 1)
	assert.Equal(t, 1100, ms.WordCount, "merged beat's words count toward the act")
	assert.Equal(t, 1, strings.Count(ms.Chapters[0].Text, "* * *"),
		"merged scene adds no separator of its own")

	// The merge does not advance the scene index: the slot is reused by the
	// next accepted scene, and the merge checkpoints under its own tag.
	tags := r.checkpoints.tags(job.ID)
	assert.Contains(t, tags, "a1c1s2-merge-1")
	assert.Contains(t, tags, "a1c1s2")
	assert.NotContains(t, tags, "a1c1s3")
}

func TestExecuteOverBudgetEscalationRegenerates(t *testing.T) {
	cfg := config.DefaultEngineConfig()
	r := newRig(cfg, 500)
	// Every scene claims a stake escalation; the per-act budget covers two.
	var call int
	r.model.editorFn = func(string) (string, bool) {
		call++
		return fmt.Sprintf(`{"verdicts": ["accept"],
			"fingerprint": {"narrative_function": %q, "new_information": ["fact%d"]},
			"patch": {"consume_escalation": true,
				"resolve_questions": [%q], "satisfied_close_conditions": [%q],
				"characters": [{"name": "Mara", "transformation": 0.9, "irreversible_loss": true}]}}`,
			fingerprintFunctions[call%len(fingerprintFunctions)],
			call, testQuestion, testCloseCondition), true
	}
	job := testJob(2000, models.ModePolished)

	err := r.orch.Execute(context.Background(), job, r.progress.fn)
	require.NoError(t, err, "an over-budget patch never fails the job")

	rec := r.manuscripts.get(job.ID)
	require.NotNil(t, rec)

	// Scenes 3 and 4 exceed the budget: each goes back to the writer with a
	// de-escalation instruction and is lossy-accepted once the cap is hit.
	var lossy int
	for _, w := range rec.Warnings {
		if strings.Contains(w, "escalation budget is exhausted") {
			lossy++
		}
	}
	assert.Equal(t, 2, lossy)
	assert.Equal(t, 2+2*(1+cfg.MaxSceneRegenerations), r.model.writerCalls,
		"over-budget scenes burn the full regeneration budget")

	ms := decodeManuscript(t, rec)
	assert.Equal(t, 2000, ms.WordCount, "the scenes themselves are kept")
}

func TestExecuteStopsAtCancellationAndKeepsCheckpoints(t *testing.T) {
	cfg := config.DefaultEngineConfig()
	r := newRig(cfg, 500)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.model.editorFn = func(tag string) (string, bool) {
		if tag == "editor.a1c1s2" {
			cancel()
		}
		return "", false
	}
	job := testJob(2000, models.ModePolished)

	err := r.orch.Execute(ctx, job, r.progress.fn)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, r.manuscripts.get(job.ID))

	// The work done before cancellation is durable.
	cp, err := r.checkpoints.Latest(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "a1c1s2", cp.PhaseTag)

	state, err := narrative.UnmarshalState(cp.State)
	require.NoError(t, err)
	assert.Equal(t, 1000, state.Structure.WordsWritten)
}
