// Package narrative defines the mutable narrative state threaded through every
// agent call, the scene fingerprint registry used for repetition detection, and
// the typed state patches proposed by the editor.
package narrative

import (
	"encoding/json"
	"fmt"
)

// Default tuning constants. The window and similarity threshold are
// overridable through configuration; the overshoot tolerance is fixed.
const (
	DefaultFingerprintWindow    = 20
	DefaultSimilarityThreshold  = 0.7
	ActOvershootTolerance       = 0.15
	DefaultEscalationPerAct     = 2
)

// SceneID identifies a scene by its position in the book structure.
type SceneID struct {
	Act     int `json:"act"`
	Chapter int `json:"chapter"`
	Scene   int `json:"scene"`
}

// String renders the id in the compact form used in logs and fingerprints.
func (id SceneID) String() string {
	return fmt.Sprintf("a%dc%ds%d", id.Act, id.Chapter, id.Scene)
}

// Structure tracks the book-level position counters.
type Structure struct {
	ActsTotal    int `json:"acts_total"`
	ActIndex     int `json:"act_index"`
	ChapterIndex int `json:"chapter_index"`
	SceneIndex   int `json:"scene_index"`
	WordsWritten int `json:"words_written"`
}

// ActState tracks the goal and budget of the act currently being written.
type ActState struct {
	Goal            string   `json:"act_goal"`
	OpenQuestions   []string `json:"act_open_questions"`
	CloseConditions []string `json:"act_close_conditions"`
	WordsTarget     int      `json:"act_words_target"`
	WordsWritten    int      `json:"act_words_written"`
}

// Character is the per-character continuity record. Transformation is
// monotonically non-decreasing and IrreversibleLoss can never revert to false.
type Character struct {
	Transformation   float64  `json:"transformation"`
	IrreversibleLoss bool     `json:"irreversible_loss"`
	CostsIncurred    []string `json:"costs_incurred,omitempty"`
}

// EscalationBudget is the discrete pool of stake-escalation tokens.
type EscalationBudget struct {
	Remaining int `json:"remaining"`
}

// Summaries holds compressed recaps fed back into agent prompts.
type Summaries struct {
	CurrentAct string   `json:"current_act"`
	PriorActs  []string `json:"prior_acts,omitempty"`
}

// State is the single source of truth mutated across the pipeline. It is
// created once per job, owned exclusively by that job, and mutated only
// through accepted editor patches applied by the orchestrator.
type State struct {
	Prompt            string `json:"prompt"`
	Genre             string `json:"genre"`
	TargetLengthWords int    `json:"target_length_words"`
	ThemeThesis       string `json:"theme_thesis"`
	Protagonist       string `json:"protagonist"`

	Structure Structure `json:"structure"`
	Act       ActState  `json:"act_state"`

	Characters map[string]*Character `json:"characters"`
	Registry   RepetitionRegistry    `json:"repetition_registry"`
	Escalation EscalationBudget      `json:"escalation_budget"`

	UnresolvedQuestions []string  `json:"unresolved_questions"`
	Summaries           Summaries `json:"summaries"`
}

// NewState creates a state with the immutable inputs set and everything else
// zeroed. The planner fills in theme, protagonist, and structure at init.
func NewState(prompt, genre string, targetWords, window int) *State {
	return &State{
		Prompt:            prompt,
		Genre:             genre,
		TargetLengthWords: targetWords,
		Characters:        make(map[string]*Character),
		Registry:          RepetitionRegistry{Window: window},
	}
}

// Character returns the named character, creating a zeroed entry on first use.
func (s *State) Character(name string) *Character {
	c, ok := s.Characters[name]
	if !ok {
		c = &Character{}
		s.Characters[name] = c
	}
	return c
}

// RecordScene advances the word counters after an accepted scene. Counter
// updates are the orchestrator's job, not part of editor patches, so the
// words-written sum law holds by construction.
func (s *State) RecordScene(words int) {
	s.Structure.WordsWritten += words
	s.Act.WordsWritten += words
	s.Structure.SceneIndex++
}

// RecordMergedWords adds merged prose to the word counters. A merged beat
// folds into an existing scene rather than occupying a slot of its own, so
// the scene index stays put.
func (s *State) RecordMergedWords(words int) {
	s.Structure.WordsWritten += words
	s.Act.WordsWritten += words
}

// ActComplete reports whether the current act has met its word target.
func (s *State) ActComplete() bool {
	return s.Act.WordsWritten >= s.Act.WordsTarget
}

// Marshal serializes the state for checkpointing.
func (s *State) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalState restores a checkpointed state.
func UnmarshalState(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode narrative state: %w", err)
	}
	if s.Characters == nil {
		s.Characters = make(map[string]*Character)
	}
	return &s, nil
}

// Clone returns a deep copy via the JSON round trip. Used by tests and by the
// engine when a speculative patch application must not disturb the live state.
func (s *State) Clone() (*State, error) {
	data, err := s.Marshal()
	if err != nil {
		return nil, err
	}
	return UnmarshalState(data)
}
