package ingestion

import (
	"regexp"
	"strings"
)

// sentencePattern matches one sentence up to and including its terminal
// punctuation.
var sentencePattern = regexp.MustCompile(`(?m)(?U)([^.!?]+[.!?])`)

// SentenceSplitter splits page text into groups of whole sentences. Each
// group becomes one chunk, so chunk boundaries never cut a sentence in half.
type SentenceSplitter struct {
	sentencesPerChunk int
	overlapSentences  int
}

// NewSentenceSplitter constructs a splitter producing sentencesPerChunk
// sentences per group (default 5), with overlapSentences repeated between
// consecutive groups (default 0).
func NewSentenceSplitter(sentencesPerChunk, overlapSentences int) *SentenceSplitter {
	if sentencesPerChunk <= 0 {
		sentencesPerChunk = 5
	}
	if overlapSentences < 0 {
		overlapSentences = 0
	}
	if overlapSentences >= sentencesPerChunk {
		overlapSentences = sentencesPerChunk - 1
	}
	return &SentenceSplitter{
		sentencesPerChunk: sentencesPerChunk,
		overlapSentences:  overlapSentences,
	}
}

// Split returns the sentence groups of text in order. Text with no sentence
// punctuation yields a single group; blank text yields none.
func (s *SentenceSplitter) Split(text string) []string {
	sentences := sentencePattern.FindAllString(text, -1)
	if len(sentences) == 0 {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil
		}
		sentences = []string{trimmed}
	}
	for i := range sentences {
		sentences[i] = strings.TrimSpace(sentences[i])
	}

	var groups []string
	i := 0
	for i < len(sentences) {
		end := i + s.sentencesPerChunk
		if end > len(sentences) {
			end = len(sentences)
		}
		groups = append(groups, strings.Join(sentences[i:end], " "))
		if end == len(sentences) {
			break
		}
		i = end - s.overlapSentences
	}
	return groups
}
