package agent

import (
	"context"
	"fmt"

	"github.com/chroniclehq/chronicle/pkg/llm"
	"github.com/chroniclehq/chronicle/pkg/narrative"
)

// Writer turns scene briefs into prose.
type Writer struct {
	client llm.Client
}

// NewWriter creates a writer agent.
func NewWriter(client llm.Client) *Writer {
	return &Writer{client: client}
}

// SceneDraft is one written attempt at a scene.
type SceneDraft struct {
	ID        narrative.SceneID
	Text      string
	WordCount int
	Attempt   int
}

// GenerateScene writes a first draft of the briefed scene.
func (w *Writer) GenerateScene(ctx context.Context, s *narrative.State, brief *SceneBrief) (*SceneDraft, error) {
	return w.write(ctx, s, brief, "", 1)
}

// RegenerateScene rewrites the scene from scratch, incorporating editor
// feedback. Attempt numbering continues from the rejected draft.
func (w *Writer) RegenerateScene(ctx context.Context, s *narrative.State, brief *SceneBrief, feedback string, attempt int) (*SceneDraft, error) {
	return w.write(ctx, s, brief, feedback, attempt)
}

func (w *Writer) write(ctx context.Context, s *narrative.State, brief *SceneBrief, feedback string, attempt int) (*SceneDraft, error) {
	user := fmt.Sprintf(
		"%s\nWrite scene %s.\n"+
			"POV: %s\nLocation: %s\nScene goal: %s\nConflict: %s\nTarget length: about %d words.\n\n"+
			"Write only the scene prose. No headings, no summary, no notes.",
		stateDigest(s), brief.ID, brief.POV, brief.Location, brief.Goal, brief.Conflict, brief.WordTarget)

	if feedback != "" {
		user += "\n\nA previous draft was rejected. Editor feedback to address:\n" + feedback
	}

	req := llm.Request{
		SystemPrompt: fmt.Sprintf(
			"You are the prose writer for a long-form %s novel. Write vivid, concrete scenes "+
				"in close third person past tense. Every scene must change something.", s.Genre),
		UserPrompt: user,
		// Rough words-to-tokens margin so the draft is never truncated.
		MaxTokens:   brief.WordTarget * 3,
		Temperature: 0.95,
		ContextTag:  fmt.Sprintf("writer.%s.attempt%d", brief.ID, attempt),
	}

	completion, err := w.client.GenerateText(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("writing scene %s failed: %w", brief.ID, err)
	}

	return &SceneDraft{
		ID:        brief.ID,
		Text:      completion.Content,
		WordCount: narrative.CountWords(completion.Content),
		Attempt:   attempt,
	}, nil
}
