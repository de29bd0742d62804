// Package agent implements the four narrative agents — planner, writer,
// editor, validator — as thin typed layers over the LLM client. Each agent
// owns its prompt construction and its response schema; all deterministic
// rules (act counts, word clamps, decision precedence, repetition checks)
// live in Go, not in the model.
package agent

import (
	"context"
	"fmt"

	"github.com/chroniclehq/chronicle/pkg/config"
	"github.com/chroniclehq/chronicle/pkg/llm"
	"github.com/chroniclehq/chronicle/pkg/narrative"
)

// Scene brief word targets are clamped to a range a single generation call
// can handle well.
const (
	MinSceneWords = 400
	MaxSceneWords = 1200
)

// ActsForTarget maps a requested book length to an act count.
func ActsForTarget(words int) int {
	switch {
	case words <= 10_000:
		return 1
	case words <= 20_000:
		return 2
	case words <= 60_000:
		return 3
	case words <= 120_000:
		return 4
	default:
		return 5
	}
}

// Planner derives the initial narrative state, outlines acts, and produces
// per-scene briefs for the writer.
type Planner struct {
	client llm.Client
	cfg    *config.EngineConfig
}

// NewPlanner creates a planner agent.
func NewPlanner(client llm.Client, cfg *config.EngineConfig) *Planner {
	return &Planner{client: client, cfg: cfg}
}

type initPlan struct {
	ThemeThesis      string   `json:"theme_thesis" validate:"required"`
	Genre            string   `json:"genre"`
	Protagonist      string   `json:"protagonist" validate:"required"`
	Characters       []string `json:"characters" validate:"required,min=1"`
	OpeningQuestions []string `json:"opening_questions" validate:"required,min=1"`
	Motifs           []string `json:"motifs"`
}

// DeriveInitialState expands the raw prompt into a fresh narrative state:
// theme thesis, cast, opening dramatic questions, and the act structure.
func (p *Planner) DeriveInitialState(ctx context.Context, prompt, genre string, targetWords int) (*narrative.State, error) {
	req := llm.Request{
		SystemPrompt: "You are the story planner for a long-form fiction engine. " +
			"Given a premise, derive the thematic and structural foundation of the book.",
		UserPrompt: fmt.Sprintf(
			"Premise: %s\nGenre: %s\nTarget length: %d words\n\n"+
				"Derive: a one-sentence theme thesis the book will argue, the genre (confirm or refine), "+
				"the protagonist's name, the named cast (3-7 characters including the protagonist), "+
				"the opening dramatic questions (2-5), and any intentional recurring motifs.\n\n"+
				"JSON fields: theme_thesis, genre, protagonist, characters, opening_questions, motifs.",
			prompt, genre, targetWords),
		MaxTokens:   1500,
		Temperature: 0.8,
		ContextTag:  "planner.init",
	}

	var plan initPlan
	if _, err := p.client.GenerateJSON(ctx, req, &plan); err != nil {
		return nil, fmt.Errorf("planner init failed: %w", err)
	}

	state := narrative.NewState(prompt, genre, targetWords, p.cfg.FingerprintWindow)
	if state.Genre == "" {
		state.Genre = plan.Genre
	}
	state.ThemeThesis = plan.ThemeThesis
	state.Structure.ActsTotal = ActsForTarget(targetWords)
	state.UnresolvedQuestions = plan.OpeningQuestions
	state.Registry.Motifs = plan.Motifs

	state.Character(plan.Protagonist)
	for _, name := range plan.Characters {
		state.Character(name)
	}
	state.Protagonist = plan.Protagonist

	return state, nil
}

type actOutline struct {
	Goal            string   `json:"goal" validate:"required"`
	OpenQuestions   []string `json:"open_questions"`
	CloseConditions []string `json:"close_conditions" validate:"required,min=1"`
}

// PlanAct outlines the next act and installs it in the state: goal, close
// conditions, word budget, and a fresh escalation budget. The previous act's
// summary is archived first.
func (p *Planner) PlanAct(ctx context.Context, s *narrative.State) error {
	if s.Structure.ActIndex >= s.Structure.ActsTotal {
		return fmt.Errorf("all %d acts already planned", s.Structure.ActsTotal)
	}

	if s.Summaries.CurrentAct != "" {
		s.Summaries.PriorActs = append(s.Summaries.PriorActs, s.Summaries.CurrentAct)
		s.Summaries.CurrentAct = ""
	}

	nextAct := s.Structure.ActIndex + 1
	req := llm.Request{
		SystemPrompt: "You are the story planner for a long-form fiction engine. " +
			"Outline the next act so that it advances the theme and escalates what came before.",
		UserPrompt: fmt.Sprintf(
			"%s\nOutline act %d of %d.\n\n"+
				"Derive: the act's dramatic goal, the dramatic questions this act opens, "+
				"and the concrete conditions that must be true for the act to close (1-4).\n\n"+
				"JSON fields: goal, open_questions, close_conditions.",
			stateDigest(s), nextAct, s.Structure.ActsTotal),
		MaxTokens:   1200,
		Temperature: 0.8,
		ContextTag:  fmt.Sprintf("planner.act.%d", nextAct),
	}

	var outline actOutline
	if _, err := p.client.GenerateJSON(ctx, req, &outline); err != nil {
		return fmt.Errorf("planning act %d failed: %w", nextAct, err)
	}

	remainingActs := s.Structure.ActsTotal - s.Structure.ActIndex
	remainingWords := s.TargetLengthWords - s.Structure.WordsWritten
	if remainingWords < 0 {
		remainingWords = 0
	}

	s.Structure.ActIndex = nextAct
	s.Act = narrative.ActState{
		Goal:            outline.Goal,
		OpenQuestions:   outline.OpenQuestions,
		CloseConditions: outline.CloseConditions,
		WordsTarget:     remainingWords / remainingActs,
	}
	s.Escalation.Remaining = p.cfg.EscalationPerAct

	for _, q := range outline.OpenQuestions {
		s.UnresolvedQuestions = append(s.UnresolvedQuestions, q)
	}

	return nil
}

// SceneBrief is the planner's instruction set for one scene.
type SceneBrief struct {
	ID         narrative.SceneID
	POV        string
	Location   string
	Goal       string
	Conflict   string
	WordTarget int
}

type sceneBriefPlan struct {
	POV        string `json:"pov" validate:"required"`
	Location   string `json:"location"`
	Goal       string `json:"goal" validate:"required"`
	Conflict   string `json:"conflict" validate:"required"`
	WordTarget int    `json:"word_target"`
}

// NextSceneBrief produces the brief for the next scene, steering away from
// the registry's recently used narrative functions.
func (p *Planner) NextSceneBrief(ctx context.Context, s *narrative.State) (*SceneBrief, error) {
	id := narrative.SceneID{
		Act:     s.Structure.ActIndex,
		Chapter: s.Structure.ChapterIndex,
		Scene:   s.Structure.SceneIndex + 1,
	}

	req := llm.Request{
		SystemPrompt: "You are the story planner for a long-form fiction engine. " +
			"Brief the next scene: it must advance the act goal and must not repeat recent scene structures.",
		UserPrompt: fmt.Sprintf(
			"%s\n%s\nBrief the next scene of act %d.\n\n"+
				"Derive: the point-of-view character, the location, the scene goal, "+
				"the conflict that resists it, and a word target between %d and %d.\n\n"+
				"JSON fields: pov, location, goal, conflict, word_target.",
			stateDigest(s), repetitionDigest(s), s.Structure.ActIndex, MinSceneWords, MaxSceneWords),
		MaxTokens:   800,
		Temperature: 0.8,
		ContextTag:  "planner.brief." + id.String(),
	}

	var plan sceneBriefPlan
	if _, err := p.client.GenerateJSON(ctx, req, &plan); err != nil {
		return nil, fmt.Errorf("scene brief for %s failed: %w", id, err)
	}

	return &SceneBrief{
		ID:         id,
		POV:        plan.POV,
		Location:   plan.Location,
		Goal:       plan.Goal,
		Conflict:   plan.Conflict,
		WordTarget: sceneWordTarget(plan.WordTarget, s),
	}, nil
}

type frontMatter struct {
	Title string `json:"title" validate:"required"`
	Blurb string `json:"blurb" validate:"required"`
}

// ComposeFrontMatter generates the book title and back-cover blurb during
// final assembly.
func (p *Planner) ComposeFrontMatter(ctx context.Context, s *narrative.State) (title, blurb string, err error) {
	req := llm.Request{
		SystemPrompt: "You are the story planner for a long-form fiction engine. The book is finished; name it.",
		UserPrompt: fmt.Sprintf(
			"%s\nCompose a title and a back-cover blurb (80-150 words) for the completed book. "+
				"The blurb must not spoil the ending.\n\nJSON fields: title, blurb.",
			stateDigest(s)),
		MaxTokens:   600,
		Temperature: 0.9,
		ContextTag:  "planner.frontmatter",
	}

	var fm frontMatter
	if _, err := p.client.GenerateJSON(ctx, req, &fm); err != nil {
		return "", "", fmt.Errorf("front matter generation failed: %w", err)
	}
	return fm.Title, fm.Blurb, nil
}

// sceneWordTarget clamps the model's proposal to the scene bounds and caps it
// by the act's remaining word budget, so a late scene cannot be briefed past
// what the act has left and blow the overshoot tolerance.
func sceneWordTarget(proposed int, s *narrative.State) int {
	target := clampWordTarget(proposed)
	if budget := clampWordTarget(s.Act.WordsTarget - s.Act.WordsWritten); budget < target {
		target = budget
	}
	return target
}

func clampWordTarget(n int) int {
	if n < MinSceneWords {
		return MinSceneWords
	}
	if n > MaxSceneWords {
		return MaxSceneWords
	}
	return n
}
