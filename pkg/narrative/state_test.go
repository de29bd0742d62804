package narrative

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSceneIDString(t *testing.T) {
	id := SceneID{Act: 2, Chapter: 5, Scene: 17}
	assert.Equal(t, "a2c5s17", id.String())
}

func TestRecordSceneAdvancesCounters(t *testing.T) {
	s := testState()
	s.Act.WordsTarget = 2000

	s.RecordScene(800)
	s.RecordScene(700)
	assert.Equal(t, 1500, s.Structure.WordsWritten)
	assert.Equal(t, 1500, s.Act.WordsWritten)
	assert.Equal(t, 2, s.Structure.SceneIndex)
	assert.False(t, s.ActComplete())

	s.RecordScene(600)
	assert.True(t, s.ActComplete())
}

func TestRecordMergedWordsKeepsSceneIndex(t *testing.T) {
	s := testState()
	s.Act.WordsTarget = 2000
	s.RecordScene(800)

	// A merged beat adds its words but does not occupy a scene slot.
	s.RecordMergedWords(150)
	assert.Equal(t, 950, s.Structure.WordsWritten)
	assert.Equal(t, 950, s.Act.WordsWritten)
	assert.Equal(t, 1, s.Structure.SceneIndex)
}

func TestStateRoundTrip(t *testing.T) {
	s := testState()
	s.ThemeThesis = "loyalty outlasts greed"
	s.Protagonist = "Mara"
	require.NoError(t, s.Apply(Patch{
		AddQuestions: []string{"who tipped off the police?"},
		Characters:   []CharacterDelta{{Name: "Mara", Transformation: 0.4, CostsIncurred: []string{"her savings"}}},
	}))
	s.Registry.Append(Fingerprint{SceneID: "a1c1s1", NarrativeFunction: "revelation"})
	s.RecordScene(900)

	data, err := s.Marshal()
	require.NoError(t, err)

	restored, err := UnmarshalState(data)
	require.NoError(t, err)
	assert.Equal(t, s, restored)
}

func TestUnmarshalStateInitializesCharacters(t *testing.T) {
	restored, err := UnmarshalState([]byte(`{"prompt":"x","target_length_words":5000}`))
	require.NoError(t, err)
	require.NotNil(t, restored.Characters)

	// The map must be usable straight after restore.
	restored.Character("Mara").Transformation = 0.2
	assert.Equal(t, 0.2, restored.Characters["Mara"].Transformation)
}

func TestCloneIsIndependent(t *testing.T) {
	s := testState()
	s.Character("Mara").Transformation = 0.5

	clone, err := s.Clone()
	require.NoError(t, err)

	clone.Character("Mara").Transformation = 0.9
	clone.UnresolvedQuestions = append(clone.UnresolvedQuestions, "new question")

	assert.Equal(t, 0.5, s.Characters["Mara"].Transformation)
	assert.Empty(t, s.UnresolvedQuestions)
}

func TestReplayingPatchesIsDeterministic(t *testing.T) {
	patches := []Patch{
		{AddQuestions: []string{"q1", "q2"}},
		{Characters: []CharacterDelta{{Name: "Mara", Transformation: 0.3}}},
		{ResolveQuestions: []string{"q1"}, ConsumeEscalation: true},
		{Characters: []CharacterDelta{{Name: "Mara", Transformation: 0.7, IrreversibleLoss: true}}},
	}

	a := testState()
	b := testState()
	for _, p := range patches {
		require.NoError(t, a.Apply(p))
		require.NoError(t, b.Apply(p))
	}
	assert.Equal(t, a, b)
}

func TestCountWords(t *testing.T) {
	assert.Equal(t, 0, CountWords(""))
	assert.Equal(t, 0, CountWords("   \n\t "))
	assert.Equal(t, 5, CountWords("the rain fell all night"))
	assert.Equal(t, 3, CountWords("one\ntwo\tthree"))
}
