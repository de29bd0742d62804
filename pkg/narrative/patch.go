package narrative

import (
	"fmt"
	"strings"
)

// InvariantViolation is returned when applying a patch would break a state
// invariant. The orchestrator treats it as a regeneration trigger, never as a
// crash.
type InvariantViolation struct {
	Field  string
	Reason string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("narrative invariant violated on %s: %s", e.Field, e.Reason)
}

// CharacterDelta is the per-character portion of a patch. Transformation
// applies as monotonic-max, IrreversibleLoss as monotonic-OR, costs as
// additive-merge.
type CharacterDelta struct {
	Name             string   `json:"name"`
	Transformation   float64  `json:"transformation,omitempty"`
	IrreversibleLoss bool     `json:"irreversible_loss,omitempty"`
	CostsIncurred    []string `json:"costs_incurred,omitempty"`
}

// Patch is the closed set of state mutations an editor may propose on ACCEPT.
// Lists merge additively, scalars overwrite, and the character fields follow
// their monotonic rules. Apply is total: it either succeeds preserving every
// invariant or returns an *InvariantViolation without mutating the state.
type Patch struct {
	AddQuestions             []string         `json:"add_questions,omitempty"`
	ResolveQuestions         []string         `json:"resolve_questions,omitempty"`
	Characters               []CharacterDelta `json:"characters,omitempty"`
	ConsumeEscalation        bool             `json:"consume_escalation,omitempty"`
	SatisfiedCloseConditions []string         `json:"satisfied_close_conditions,omitempty"`
	AddMotifs                []string         `json:"add_motifs,omitempty"`
	ActSummary               string           `json:"act_summary,omitempty"`
}

// Validate checks the patch against the state without mutating anything.
func (p *Patch) Validate(s *State) error {
	if p.ConsumeEscalation && s.Escalation.Remaining <= 0 {
		return &InvariantViolation{
			Field:  "escalation_budget",
			Reason: "scene escalates stakes but the budget is exhausted",
		}
	}
	for _, delta := range p.Characters {
		if delta.Name == "" {
			return &InvariantViolation{Field: "characters", Reason: "character delta with empty name"}
		}
		if delta.Transformation < 0 || delta.Transformation > 1 {
			return &InvariantViolation{
				Field:  "characters." + delta.Name,
				Reason: fmt.Sprintf("transformation %.2f outside [0,1]", delta.Transformation),
			}
		}
	}
	return nil
}

// Apply mutates the state with the patch's operations. Monotonicity is
// enforced structurally: transformation takes the max, irreversible loss ORs,
// and unresolved questions shrink only through explicit resolutions.
func (s *State) Apply(p Patch) error {
	if err := p.Validate(s); err != nil {
		return err
	}

	for _, q := range p.ResolveQuestions {
		s.UnresolvedQuestions = removeMatching(s.UnresolvedQuestions, q)
	}
	for _, q := range p.AddQuestions {
		if !containsFold(s.UnresolvedQuestions, q) {
			s.UnresolvedQuestions = append(s.UnresolvedQuestions, q)
		}
	}

	for _, delta := range p.Characters {
		c := s.Character(delta.Name)
		if delta.Transformation > c.Transformation {
			c.Transformation = delta.Transformation
		}
		if delta.IrreversibleLoss {
			c.IrreversibleLoss = true
		}
		for _, cost := range delta.CostsIncurred {
			if !containsFold(c.CostsIncurred, cost) {
				c.CostsIncurred = append(c.CostsIncurred, cost)
			}
		}
	}

	if p.ConsumeEscalation {
		s.Escalation.Remaining--
	}

	for _, cond := range p.SatisfiedCloseConditions {
		s.Act.CloseConditions = removeMatching(s.Act.CloseConditions, cond)
	}

	for _, m := range p.AddMotifs {
		if !s.Registry.IsMotif(m) {
			s.Registry.Motifs = append(s.Registry.Motifs, m)
		}
	}

	if p.ActSummary != "" {
		s.Summaries.CurrentAct = p.ActSummary
	}

	return nil
}

func removeMatching(items []string, needle string) []string {
	out := items[:0]
	for _, item := range items {
		if !strings.EqualFold(strings.TrimSpace(item), strings.TrimSpace(needle)) {
			out = append(out, item)
		}
	}
	return out
}

func containsFold(items []string, needle string) bool {
	for _, item := range items {
		if strings.EqualFold(strings.TrimSpace(item), strings.TrimSpace(needle)) {
			return true
		}
	}
	return false
}
