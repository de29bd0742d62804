package agent

import (
	"context"
	"fmt"

	"github.com/chroniclehq/chronicle/pkg/llm"
	"github.com/chroniclehq/chronicle/pkg/narrative"
)

// Book-close structural thresholds: the protagonist must end transformed and
// having paid a real price, and only a couple of questions may trail.
const (
	bookTransformationThreshold = 0.7
	maxTrailingQuestions        = 2
)

// Validator checks structural health at act boundaries and before assembly.
// Deterministic state checks run first; the model review supplements them
// with continuity judgment the state cannot express.
type Validator struct {
	client llm.Client
}

// NewValidator creates a validator agent.
func NewValidator(client llm.Client) *Validator {
	return &Validator{client: client}
}

// Report is the outcome of a validation pass. Issues are advisory; they
// become manuscript warnings, never job failures.
type Report struct {
	Passed bool     `json:"passed"`
	Issues []string `json:"issues,omitempty"`
}

type continuityReview struct {
	Passed bool     `json:"passed"`
	Issues []string `json:"issues"`
}

// ValidateAct checks that the act closed properly: its close conditions are
// satisfied and its events hang together.
func (v *Validator) ValidateAct(ctx context.Context, s *narrative.State) (*Report, error) {
	report := &Report{Passed: true}

	for _, cond := range s.Act.CloseConditions {
		report.Issues = append(report.Issues,
			fmt.Sprintf("act %d closed with unmet condition: %s", s.Structure.ActIndex, cond))
	}

	req := llm.Request{
		SystemPrompt: "You are the continuity validator for a long-form fiction engine. " +
			"Judge whether the act that just ended is internally consistent.",
		UserPrompt: fmt.Sprintf(
			"%s\nAct %d has just ended. Check the act summary against the state: "+
				"contradictions, characters acting against established facts, stakes that went down "+
				"without cause, or dropped threads inside the act.\n\n"+
				"JSON fields: passed, issues.",
			stateDigest(s), s.Structure.ActIndex),
		MaxTokens:   1000,
		Temperature: 0.2,
		ContextTag:  fmt.Sprintf("validator.act.%d", s.Structure.ActIndex),
	}

	var review continuityReview
	if _, err := v.client.GenerateJSON(ctx, req, &review); err != nil {
		return nil, fmt.Errorf("act %d validation failed: %w", s.Structure.ActIndex, err)
	}

	report.Issues = append(report.Issues, review.Issues...)
	report.Passed = len(report.Issues) == 0
	return report, nil
}

// ValidateBook checks the finished whole: the protagonist changed, the theme
// landed, and the dramatic questions were answered.
func (v *Validator) ValidateBook(ctx context.Context, s *narrative.State) (*Report, error) {
	report := &Report{Passed: true}

	if protag, ok := s.Characters[s.Protagonist]; ok {
		if protag.Transformation < bookTransformationThreshold {
			report.Issues = append(report.Issues, fmt.Sprintf(
				"protagonist %s ends at transformation %.2f (need %.1f); the arc did not complete",
				s.Protagonist, protag.Transformation, bookTransformationThreshold))
		}
		if !protag.IrreversibleLoss {
			report.Issues = append(report.Issues, fmt.Sprintf(
				"protagonist %s paid no irreversible cost", s.Protagonist))
		}
	}
	if n := len(s.UnresolvedQuestions); n > maxTrailingQuestions {
		report.Issues = append(report.Issues, fmt.Sprintf(
			"%d unresolved questions at book end (at most %d trailing questions permitted): %v",
			n, maxTrailingQuestions, s.UnresolvedQuestions))
	}

	req := llm.Request{
		SystemPrompt: "You are the continuity validator for a long-form fiction engine. " +
			"Judge the completed book's structural integrity from its state and act summaries.",
		UserPrompt: fmt.Sprintf(
			"%s\nThe book is complete. Check: does the ending argue the theme thesis? "+
				"Did every major character's arc resolve or deliberately break? "+
				"Are there contradictions across acts?\n\n"+
				"JSON fields: passed, issues.",
			stateDigest(s)),
		MaxTokens:   1200,
		Temperature: 0.2,
		ContextTag:  "validator.book",
	}

	var review continuityReview
	if _, err := v.client.GenerateJSON(ctx, req, &review); err != nil {
		return nil, fmt.Errorf("book validation failed: %w", err)
	}

	report.Issues = append(report.Issues, review.Issues...)
	report.Passed = len(report.Issues) == 0
	return report, nil
}
