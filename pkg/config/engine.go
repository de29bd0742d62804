package config

// EngineConfig contains the narrative pipeline tuning knobs.
type EngineConfig struct {
	// MaxSceneRegenerations caps write-edit retry cycles per scene before the
	// engine accepts the best attempt with a quality warning.
	MaxSceneRegenerations int

	// FingerprintWindow is how many recent scene fingerprints the repetition
	// registry retains.
	FingerprintWindow int

	// SimilarityThreshold is the new-information overlap above which two
	// scenes with the same narrative function count as repetition.
	SimilarityThreshold float64

	// ChapterRollThreshold is the accumulated word count at which the scene
	// buffer rolls into a chapter.
	ChapterRollThreshold int

	// SceneWordTolerance is the accepted fractional deviation between a scene
	// brief's word target and the written scene.
	SceneWordTolerance float64

	// EscalationPerAct is the number of stake-escalation tokens granted at
	// the start of each act.
	EscalationPerAct int

	// MaxConsecutiveDrops is how many scenes in a row the editor may drop
	// before the job fails for lack of forward progress.
	MaxConsecutiveDrops int
}

// DefaultEngineConfig returns the built-in engine defaults.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		MaxSceneRegenerations: 3,
		FingerprintWindow:     20,
		SimilarityThreshold:   0.7,
		ChapterRollThreshold:  3500,
		SceneWordTolerance:    0.30,
		EscalationPerAct:      2,
		MaxConsecutiveDrops:   5,
	}
}
