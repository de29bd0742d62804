package engine

import (
	"encoding/json"
	"fmt"

	"github.com/chroniclehq/chronicle/pkg/narrative"
)

// bufferedScene is an accepted scene waiting to be rolled into a chapter.
type bufferedScene struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	Words int    `json:"words"`
}

// snapshot is everything besides the narrative state that a resume needs: the
// manuscript so far, the unrolled scene buffer, and the drop streak. Merges
// counts merged beats so their checkpoint tags stay unique per job.
type snapshot struct {
	Manuscript       narrative.Manuscript `json:"manuscript"`
	Buffer           []bufferedScene      `json:"buffer,omitempty"`
	BufferWords      int                  `json:"buffer_words"`
	ConsecutiveDrops int                  `json:"consecutive_drops"`
	Merges           int                  `json:"merges,omitempty"`
}

func (s *snapshot) marshal() (json.RawMessage, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode engine snapshot: %w", err)
	}
	return data, nil
}

func unmarshalSnapshot(data json.RawMessage) (*snapshot, error) {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode engine snapshot: %w", err)
	}
	return &s, nil
}
