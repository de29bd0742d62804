package agent

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/chroniclehq/chronicle/pkg/config"
	"github.com/chroniclehq/chronicle/pkg/llm"
	"github.com/chroniclehq/chronicle/pkg/narrative"
)

// Decision is the closed set of editor outcomes for a scene draft. The
// unexported method keeps the set closed: switches over Decision are
// exhaustive by construction.
type Decision interface {
	isDecision()
}

// Accept keeps the draft as written.
type Accept struct {
	Fingerprint narrative.Fingerprint
	Patch       narrative.Patch
}

// Regenerate rejects the draft; the writer must try again with the feedback.
type Regenerate struct {
	Feedback string
}

// Rewrite sends the draft back for targeted revision: the scene is salvageable
// and the instructions name the exact edits. Unlike Regenerate, the writer
// keeps the draft's events and fixes them in place.
type Rewrite struct {
	Instructions string
}

// Drop discards the scene entirely; the story moves on without it.
type Drop struct {
	Reason string
}

// Merge folds a condensed version of the scene into the previous scene's
// prose instead of keeping it standalone.
type Merge struct {
	Text  string
	Patch narrative.Patch
}

func (Accept) isDecision()     {}
func (Regenerate) isDecision() {}
func (Rewrite) isDecision()    {}
func (Drop) isDecision()       {}
func (Merge) isDecision()      {}

// Editor evaluates scene drafts for quality, continuity, and structural
// repetition, and proposes the state patch for accepted scenes.
type Editor struct {
	client llm.Client
	cfg    *config.EngineConfig
}

// NewEditor creates an editor agent.
func NewEditor(client llm.Client, cfg *config.EngineConfig) *Editor {
	return &Editor{client: client, cfg: cfg}
}

type reviewFingerprint struct {
	NarrativeFunction string   `json:"narrative_function" validate:"required"`
	NewInformation    []string `json:"new_information"`
	BeatShape         string   `json:"beat_shape_signature"`
}

type editorReview struct {
	Verdicts    []string          `json:"verdicts" validate:"required,min=1,dive,oneof=accept regenerate rewrite drop merge"`
	Feedback    string            `json:"feedback"`
	MergedText  string            `json:"merged_text"`
	Fingerprint reviewFingerprint `json:"fingerprint" validate:"required"`
	Patch       narrative.Patch   `json:"patch"`
}

// EvaluateScene runs the full evaluation: deterministic length and repetition
// checks first, then the model review, then precedence resolution. When
// several verdicts apply, regenerate beats rewrite and drop beats merge.
func (e *Editor) EvaluateScene(ctx context.Context, s *narrative.State, brief *SceneBrief, draft *SceneDraft) (Decision, error) {
	if fb := e.lengthFeedback(brief, draft); fb != "" {
		return Regenerate{Feedback: fb}, nil
	}

	review, err := e.review(ctx, s, brief, draft)
	if err != nil {
		return nil, err
	}

	fp := narrative.Fingerprint{
		SceneID:           brief.ID.String(),
		NarrativeFunction: review.Fingerprint.NarrativeFunction,
		NewInformation:    review.Fingerprint.NewInformation,
		POV:               brief.POV,
		LocationTag:       brief.Location,
		BeatShape:         review.Fingerprint.BeatShape,
	}

	// Repetition is decided in Go, not by the model. A match is exempt only
	// when every repeated new-information item restates a registered motif.
	if prev, found := s.Registry.FindRepetition(fp, e.cfg.SimilarityThreshold); found {
		repeated := narrative.RepeatedInformation(fp, prev, e.cfg.SimilarityThreshold)
		if !s.Registry.CoveredByMotifs(repeated) {
			return Regenerate{Feedback: fmt.Sprintf(
				"This scene structurally repeats scene %s: both serve the function %q and reveal "+
					"largely the same information. Give the scene a different narrative function or "+
					"genuinely new information.",
				prev.SceneID, prev.NarrativeFunction)}, nil
		}
	}

	return e.resolve(review, fp, draft)
}

// lengthFeedback enforces the word tolerance deterministically.
func (e *Editor) lengthFeedback(brief *SceneBrief, draft *SceneDraft) string {
	target := float64(brief.WordTarget)
	deviation := math.Abs(float64(draft.WordCount)-target) / target
	if deviation <= e.cfg.SceneWordTolerance {
		return ""
	}
	if float64(draft.WordCount) < target {
		return fmt.Sprintf("The draft is %d words against a target of %d. Expand the scene: "+
			"deepen the conflict rather than padding description.", draft.WordCount, brief.WordTarget)
	}
	return fmt.Sprintf("The draft is %d words against a target of %d. Tighten the scene to length.",
		draft.WordCount, brief.WordTarget)
}

func (e *Editor) review(ctx context.Context, s *narrative.State, brief *SceneBrief, draft *SceneDraft) (*editorReview, error) {
	req := llm.Request{
		SystemPrompt: "You are the structural editor for a long-form fiction engine. " +
			"Judge the scene against the brief and the narrative state. Be strict: a scene that " +
			"changes nothing does not belong in the book.",
		UserPrompt: fmt.Sprintf(
			"%s\n%s\nScene brief — POV: %s, location: %s, goal: %s, conflict: %s.\n\n"+
				"Scene draft:\n%s\n\n"+
				"Evaluate the draft. Report every verdict that applies, from: "+
				"accept, regenerate (fundamentally flawed, needs a fresh draft — include feedback), "+
				"rewrite (salvageable with targeted revision — include feedback naming the exact edits), "+
				"drop (redundant, the story is better without it), "+
				"merge (its one useful beat belongs in the previous scene — include merged_text, a short "+
				"passage to append there).\n"+
				"Always include a fingerprint: narrative_function (one of: revelation, reversal, escalation, "+
				"bonding, loss, pursuit, confrontation, respite, decision, arrival, departure), "+
				"new_information (what the reader learns here), beat_shape_signature.\n"+
				"For accept/rewrite/merge also include a patch: add_questions, resolve_questions, characters "+
				"(name, transformation 0-1, irreversible_loss, costs_incurred), consume_escalation (true only "+
				"if the scene raises the stakes of the whole story), satisfied_close_conditions, add_motifs, "+
				"act_summary (one-paragraph recap of the act so far including this scene).\n\n"+
				"JSON fields: verdicts, feedback, merged_text, fingerprint, patch.",
			stateDigest(s), repetitionDigest(s),
			brief.POV, brief.Location, brief.Goal, brief.Conflict, draft.Text),
		MaxTokens:   2000,
		Temperature: 0.3,
		ContextTag:  "editor." + brief.ID.String(),
	}

	var review editorReview
	if _, err := e.client.GenerateJSON(ctx, req, &review); err != nil {
		return nil, fmt.Errorf("editor review of %s failed: %w", brief.ID, err)
	}
	return &review, nil
}

// resolve maps the verdict set to a single decision. Precedence: drop, merge,
// regenerate, rewrite, accept — redundancy outranks flaws, and a fresh draft
// outranks line edits.
func (e *Editor) resolve(review *editorReview, fp narrative.Fingerprint, draft *SceneDraft) (Decision, error) {
	has := func(v string) bool {
		for _, verdict := range review.Verdicts {
			if strings.EqualFold(verdict, v) {
				return true
			}
		}
		return false
	}

	switch {
	case has("drop"):
		reason := review.Feedback
		if reason == "" {
			reason = "scene is redundant"
		}
		return Drop{Reason: reason}, nil

	case has("merge"):
		if review.MergedText == "" {
			// A merge with nothing to merge degrades to a drop.
			return Drop{Reason: "scene is redundant; nothing worth carrying over"}, nil
		}
		return Merge{Text: review.MergedText, Patch: review.Patch}, nil

	case has("regenerate"):
		fb := review.Feedback
		if fb == "" {
			fb = "the scene does not accomplish its brief; write a fresh draft"
		}
		return Regenerate{Feedback: fb}, nil

	case has("rewrite"):
		instructions := review.Feedback
		if instructions == "" {
			instructions = "revise the scene in place: keep its events but fix what the review found wanting"
		}
		return Rewrite{Instructions: instructions}, nil

	case has("accept"):
		return Accept{Fingerprint: fp, Patch: review.Patch}, nil
	}

	return nil, fmt.Errorf("editor returned no usable verdict for %s: %v", draft.ID, review.Verdicts)
}
