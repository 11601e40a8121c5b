package playback

import (
	"strings"
	"unicode"
)

// Segmenter accumulates streamed reply text and extracts complete sentences,
// so each sentence can be synthesized as soon as it is complete.
type Segmenter struct {
	buffer strings.Builder
}

// NewSegmenter creates an empty segmenter
func NewSegmenter() *Segmenter {
	return &Segmenter{}
}

// Add appends text and returns any complete sentences
func (s *Segmenter) Add(text string) []string {
	s.buffer.WriteString(text)

	content := []rune(s.buffer.String())
	var sentences []string

	lastEnd := 0
	for i := range content {
		if !isSentenceEnd(content, i) {
			continue
		}
		sentence := strings.TrimSpace(string(content[lastEnd : i+1]))
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
		lastEnd = i + 1
	}

	// Keep remainder in buffer
	if lastEnd > 0 {
		s.buffer.Reset()
		s.buffer.WriteString(string(content[lastEnd:]))
	}
	return sentences
}

// Flush returns the trailing remainder at end of stream and clears the buffer
func (s *Segmenter) Flush() string {
	result := strings.TrimSpace(s.buffer.String())
	s.buffer.Reset()
	return result
}

// Pending returns the buffered text without clearing it
func (s *Segmenter) Pending() string {
	return s.buffer.String()
}

// Split segments a complete reply
func Split(text string) []string {
	seg := NewSegmenter()
	sentences := seg.Add(text)
	if rest := seg.Flush(); rest != "" {
		sentences = append(sentences, rest)
	}
	return sentences
}

func isSentenceEnd(s []rune, i int) bool {
	switch s[i] {
	case '\n', '。', '！', '？':
		return true
	case '.', '!', '?':
		// Latin punctuation ends a sentence only before whitespace, so "3.5"
		// stays intact. At the end of the buffer the next chunk or Flush decides.
		return i+1 < len(s) && unicode.IsSpace(s[i+1])
	}
	return false
}
