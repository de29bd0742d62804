package agent

import (
	"fmt"
	"strings"

	"github.com/chroniclehq/chronicle/pkg/narrative"
)

// stateDigest renders the compact narrative context injected into every agent
// prompt: theme, position, act goal, open questions, and the recap summaries.
// Keeping this as one builder means all agents see the same view of the state.
func stateDigest(s *narrative.State) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Genre: %s\n", s.Genre)
	fmt.Fprintf(&b, "Theme thesis: %s\n", s.ThemeThesis)
	fmt.Fprintf(&b, "Position: act %d of %d, chapter %d, scene %d, %d/%d words written\n",
		s.Structure.ActIndex, s.Structure.ActsTotal, s.Structure.ChapterIndex,
		s.Structure.SceneIndex, s.Structure.WordsWritten, s.TargetLengthWords)

	if s.Act.Goal != "" {
		fmt.Fprintf(&b, "Act goal: %s\n", s.Act.Goal)
	}
	writeList(&b, "Act close conditions still open", s.Act.CloseConditions)
	writeList(&b, "Unresolved questions", s.UnresolvedQuestions)

	if len(s.Characters) > 0 {
		b.WriteString("Characters:\n")
		for name, c := range s.Characters {
			fmt.Fprintf(&b, "  - %s (transformation %.2f", name, c.Transformation)
			if c.IrreversibleLoss {
				b.WriteString(", has suffered irreversible loss")
			}
			if len(c.CostsIncurred) > 0 {
				fmt.Fprintf(&b, ", costs: %s", strings.Join(c.CostsIncurred, "; "))
			}
			b.WriteString(")\n")
		}
	}

	fmt.Fprintf(&b, "Escalation budget remaining this act: %d\n", s.Escalation.Remaining)

	if len(s.Summaries.PriorActs) > 0 {
		b.WriteString("Prior acts:\n")
		for i, sum := range s.Summaries.PriorActs {
			fmt.Fprintf(&b, "  Act %d: %s\n", i+1, sum)
		}
	}
	if s.Summaries.CurrentAct != "" {
		fmt.Fprintf(&b, "Current act so far: %s\n", s.Summaries.CurrentAct)
	}

	return b.String()
}

// repetitionDigest renders the registry content the planner and editor use to
// avoid structural repetition.
func repetitionDigest(s *narrative.State) string {
	var b strings.Builder
	writeList(&b, "Narrative functions already used recently (do not repeat)", s.Registry.RecentFunctions())
	writeList(&b, "Information already revealed (do not re-reveal)", s.Registry.RecentInformation())
	writeList(&b, "Intentional motifs (repetition of these is allowed)", s.Registry.Motifs)
	return b.String()
}

func writeList(b *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "%s:\n", label)
	for _, item := range items {
		fmt.Fprintf(b, "  - %s\n", item)
	}
}
