package narrative

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppendChapterTrustsCallerWordCount(t *testing.T) {
	m := &Manuscript{}

	// Chapter text joins scenes with a separator; the caller counted the
	// scenes' prose, and the separator must not inflate the total.
	m.AppendChapter(Chapter{
		Number:    1,
		Text:      "one two three\n\n* * *\n\nfour five",
		WordCount: 5,
	})
	assert.Equal(t, 5, m.Chapters[0].WordCount)
	assert.Equal(t, 5, m.WordCount)
}

func TestAppendChapterCountsWhenUncounted(t *testing.T) {
	m := &Manuscript{}
	m.AppendChapter(Chapter{Number: 1, Text: "the rain fell all night"})
	m.AppendChapter(Chapter{Number: 2, Text: "and then it stopped"})

	assert.Equal(t, 5, m.Chapters[0].WordCount)
	assert.Equal(t, 4, m.Chapters[1].WordCount)
	assert.Equal(t, 9, m.WordCount)
}
