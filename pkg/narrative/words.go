package narrative

import "strings"

// CountWords counts whitespace-separated tokens. This is the single word
// counter used everywhere so the words-written sum law holds across the
// writer, the chapter buffers, and the final manuscript stats.
func CountWords(text string) int {
	return len(strings.Fields(text))
}
