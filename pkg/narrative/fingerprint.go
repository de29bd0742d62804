package narrative

import "strings"

// Fingerprint is the compact structural descriptor of an accepted scene used
// for repetition detection. Two fingerprints repeat when they share a
// narrative function AND their new-information overlap exceeds the similarity
// threshold.
type Fingerprint struct {
	SceneID           string   `json:"scene_id"`
	NarrativeFunction string   `json:"narrative_function"`
	NewInformation    []string `json:"new_information"`
	POV               string   `json:"pov"`
	LocationTag       string   `json:"location_tag"`
	BeatShape         string   `json:"beat_shape_signature"`
}

// SyntheticFingerprint is the minimal fingerprint recorded for scenes accepted
// without editor evaluation (draft mode). Repetition protection is weaker for
// these by design: an unknown function never matches a real one.
func SyntheticFingerprint(id SceneID, pov string) Fingerprint {
	return Fingerprint{
		SceneID:           id.String(),
		NarrativeFunction: "unknown",
		POV:               pov,
	}
}

// Repeats reports whether other duplicates this fingerprint under the given
// similarity threshold.
func (f Fingerprint) Repeats(other Fingerprint, threshold float64) bool {
	if f.NarrativeFunction == "" || f.NarrativeFunction == "unknown" {
		return false
	}
	if f.NarrativeFunction != other.NarrativeFunction {
		return false
	}
	return JaccardSimilarity(f.NewInformation, other.NewInformation) >= threshold
}

// JaccardSimilarity computes the normalized token Jaccard index over two sets
// of new-information items. Items are lowercased and split into tokens so
// "the locket's origin" and "origin of the locket" still overlap.
func JaccardSimilarity(a, b []string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	intersection := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			intersection++
		}
	}
	union := len(ta) + len(tb) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(items []string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, item := range items {
		for _, tok := range strings.Fields(strings.ToLower(item)) {
			tok = strings.Trim(tok, ".,;:!?\"'()")
			if tok != "" {
				set[tok] = struct{}{}
			}
		}
	}
	return set
}

// RepetitionRegistry is the bounded ring of recent fingerprints plus the set
// of intentionally recurring motifs.
type RepetitionRegistry struct {
	Recent []Fingerprint `json:"recent_fingerprints"`
	Motifs []string      `json:"motifs,omitempty"`
	Window int           `json:"window"`
}

// Append adds a fingerprint and trims the oldest entries beyond the window.
func (r *RepetitionRegistry) Append(fp Fingerprint) {
	window := r.Window
	if window <= 0 {
		window = DefaultFingerprintWindow
	}
	r.Recent = append(r.Recent, fp)
	if over := len(r.Recent) - window; over > 0 {
		r.Recent = append([]Fingerprint(nil), r.Recent[over:]...)
	}
}

// RepeatedInformation returns the new-information items of fp that restate an
// item already revealed by prev under the similarity threshold. These are the
// concrete repeated elements a motif exemption is judged against.
func RepeatedInformation(fp, prev Fingerprint, threshold float64) []string {
	var out []string
	for _, item := range fp.NewInformation {
		for _, prevItem := range prev.NewInformation {
			if JaccardSimilarity([]string{item}, []string{prevItem}) >= threshold {
				out = append(out, item)
				break
			}
		}
	}
	return out
}

// FindRepetition returns the first recent fingerprint that fp duplicates.
func (r *RepetitionRegistry) FindRepetition(fp Fingerprint, threshold float64) (Fingerprint, bool) {
	for _, prev := range r.Recent {
		if prev.Repeats(fp, threshold) {
			return prev, true
		}
	}
	return Fingerprint{}, false
}

// IsMotif reports whether the given narrative element is a registered motif,
// i.e. a repetition that is permitted on purpose.
func (r *RepetitionRegistry) IsMotif(element string) bool {
	needle := strings.ToLower(strings.TrimSpace(element))
	for _, m := range r.Motifs {
		if strings.ToLower(strings.TrimSpace(m)) == needle {
			return true
		}
	}
	return false
}

// CoveredByMotifs reports whether items is non-empty and every item restates a
// registered motif. A repetition whose repeated elements are all intentional
// motifs is permitted.
func (r *RepetitionRegistry) CoveredByMotifs(items []string) bool {
	if len(items) == 0 {
		return false
	}
	for _, item := range items {
		if !r.motifMatches(item) {
			return false
		}
	}
	return true
}

// motifMatches reports whether the item contains every token of some motif,
// so "the broken watch resurfaces" matches the motif "the broken watch".
func (r *RepetitionRegistry) motifMatches(item string) bool {
	itemTokens := tokenSet([]string{item})
	for _, m := range r.Motifs {
		motifTokens := tokenSet([]string{m})
		if len(motifTokens) == 0 {
			continue
		}
		covered := true
		for tok := range motifTokens {
			if _, ok := itemTokens[tok]; !ok {
				covered = false
				break
			}
		}
		if covered {
			return true
		}
	}
	return false
}

// RecentFunctions returns the narrative functions of the windowed fingerprints,
// deduplicated in order. The planner uses these as forbidden repetitions.
func (r *RepetitionRegistry) RecentFunctions() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, fp := range r.Recent {
		if fp.NarrativeFunction == "" || fp.NarrativeFunction == "unknown" {
			continue
		}
		if _, ok := seen[fp.NarrativeFunction]; ok {
			continue
		}
		seen[fp.NarrativeFunction] = struct{}{}
		out = append(out, fp.NarrativeFunction)
	}
	return out
}

// RecentInformation returns the windowed new-information items, flattened.
func (r *RepetitionRegistry) RecentInformation() []string {
	var out []string
	for _, fp := range r.Recent {
		out = append(out, fp.NewInformation...)
	}
	return out
}
