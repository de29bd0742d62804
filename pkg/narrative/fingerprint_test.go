package narrative

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJaccardSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, JaccardSimilarity(nil, nil))
	assert.Equal(t, 0.0, JaccardSimilarity([]string{"the ledger"}, nil))
	assert.Equal(t, 1.0, JaccardSimilarity(
		[]string{"the locket's origin"},
		[]string{"origin the locket's"}))

	// Token-level overlap survives rephrasing.
	sim := JaccardSimilarity(
		[]string{"Mara knows the vault code"},
		[]string{"now Mara knows the vault code"})
	assert.Greater(t, sim, 0.5)
}

func TestFingerprintRepeats(t *testing.T) {
	a := Fingerprint{NarrativeFunction: "revelation", NewInformation: []string{"the ledger names the mayor"}}
	b := Fingerprint{NarrativeFunction: "revelation", NewInformation: []string{"the ledger names the mayor"}}
	c := Fingerprint{NarrativeFunction: "confrontation", NewInformation: []string{"the ledger names the mayor"}}
	d := Fingerprint{NarrativeFunction: "revelation", NewInformation: []string{"Yusuf has a daughter"}}

	assert.True(t, a.Repeats(b, 0.7), "same function and same information repeats")
	assert.False(t, a.Repeats(c, 0.7), "different function never repeats")
	assert.False(t, a.Repeats(d, 0.7), "different information does not repeat")
}

func TestSyntheticFingerprintNeverRepeats(t *testing.T) {
	syn := SyntheticFingerprint(SceneID{Act: 1, Chapter: 1, Scene: 1}, "Mara")
	other := Fingerprint{NarrativeFunction: "unknown"}
	assert.False(t, syn.Repeats(other, 0.0))
}

func TestRegistryWindowTrims(t *testing.T) {
	r := RepetitionRegistry{Window: 3}
	for i := 0; i < 5; i++ {
		r.Append(Fingerprint{SceneID: fmt.Sprintf("a1c1s%d", i), NarrativeFunction: "escalation"})
	}
	assert.Len(t, r.Recent, 3)
	assert.Equal(t, "a1c1s2", r.Recent[0].SceneID, "oldest entries trimmed first")
}

func TestRegistryFindRepetition(t *testing.T) {
	r := RepetitionRegistry{Window: 10}
	r.Append(Fingerprint{SceneID: "a1c1s1", NarrativeFunction: "revelation",
		NewInformation: []string{"the mayor owns the dock"}})

	fp := Fingerprint{SceneID: "a1c2s4", NarrativeFunction: "revelation",
		NewInformation: []string{"the mayor owns the dock"}}
	prev, found := r.FindRepetition(fp, 0.7)
	assert.True(t, found)
	assert.Equal(t, "a1c1s1", prev.SceneID)

	fresh := Fingerprint{SceneID: "a1c2s5", NarrativeFunction: "respite"}
	_, found = r.FindRepetition(fresh, 0.7)
	assert.False(t, found)
}

func TestRepeatedInformation(t *testing.T) {
	fp := Fingerprint{NewInformation: []string{"the broken watch resurfaces", "Yusuf has a daughter"}}
	prev := Fingerprint{NewInformation: []string{"the broken watch resurfaces", "the mayor owns the dock"}}

	assert.Equal(t, []string{"the broken watch resurfaces"}, RepeatedInformation(fp, prev, 0.7))
	assert.Empty(t, RepeatedInformation(Fingerprint{}, prev, 0.7))
}

func TestRegistryCoveredByMotifs(t *testing.T) {
	r := RepetitionRegistry{Motifs: []string{"the broken watch"}}

	assert.True(t, r.CoveredByMotifs([]string{"the broken watch resurfaces"}),
		"an item containing every motif token is covered")
	assert.False(t, r.CoveredByMotifs([]string{"the broken watch resurfaces", "the mayor owns the dock"}),
		"one uncovered repeated item keeps the repetition")
	assert.False(t, r.CoveredByMotifs(nil), "no concrete repeated items means no exemption")
}

func TestRegistryRecentFunctionsDedupes(t *testing.T) {
	r := RepetitionRegistry{Window: 10}
	r.Append(Fingerprint{NarrativeFunction: "revelation"})
	r.Append(Fingerprint{NarrativeFunction: "pursuit"})
	r.Append(Fingerprint{NarrativeFunction: "revelation"})
	r.Append(Fingerprint{NarrativeFunction: "unknown"})

	assert.Equal(t, []string{"revelation", "pursuit"}, r.RecentFunctions())
}
