package narrative

// Chapter is a contiguous run of accepted scene prose.
type Chapter struct {
	Act       int    `json:"act"`
	Number    int    `json:"number"`
	Title     string `json:"title,omitempty"`
	Text      string `json:"text"`
	WordCount int    `json:"word_count"`
}

// Manuscript is the assembled output of a generation job. Chapters accumulate
// as the engine rolls its scene buffer; title and blurb are filled during
// final assembly.
type Manuscript struct {
	Title     string    `json:"title"`
	Blurb     string    `json:"blurb"`
	Chapters  []Chapter `json:"chapters"`
	WordCount int       `json:"word_count"`
	Warnings  []string  `json:"warnings,omitempty"`
}

// AppendChapter adds a completed chapter and updates the running word count.
// The caller's WordCount is trusted when set: chapter text carries scene
// separators that must not count as prose, so recounting the joined text
// would inflate the total past the accepted scenes' sum.
func (m *Manuscript) AppendChapter(ch Chapter) {
	if ch.WordCount == 0 {
		ch.WordCount = CountWords(ch.Text)
	}
	m.Chapters = append(m.Chapters, ch)
	m.WordCount += ch.WordCount
}

// AddWarning records a non-fatal quality concession, e.g. a scene accepted
// after the regeneration cap was exhausted.
func (m *Manuscript) AddWarning(w string) {
	m.Warnings = append(m.Warnings, w)
}
