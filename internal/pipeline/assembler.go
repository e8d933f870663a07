package pipeline

import "strings"

const assemblerMaxLength = 120

// sentenceAssembler accumulates short recognizer fragments into
// sentence-sized chunks: a chunk completes on sentence-ending
// punctuation or once it reaches the length cap.
type sentenceAssembler struct {
	buffer    string
	maxLength int
}

func newSentenceAssembler() *sentenceAssembler {
	return &sentenceAssembler{maxLength: assemblerMaxLength}
}

func (a *sentenceAssembler) feed(fragment string) []string {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return nil
	}
	if a.buffer != "" {
		a.buffer = a.buffer + " " + fragment
	} else {
		a.buffer = fragment
	}
	if strings.ContainsAny(a.buffer[len(a.buffer)-1:], ".?!") || len(a.buffer) >= a.maxLength {
		out := []string{a.buffer}
		a.buffer = ""
		return out
	}
	return nil
}

// pending returns the not-yet-complete tail.
func (a *sentenceAssembler) pending() string { return a.buffer }

// flush returns the tail as a sentence of its own.
func (a *sentenceAssembler) flush() []string {
	if a.buffer == "" {
		return nil
	}
	out := []string{a.buffer}
	a.buffer = ""
	return out
}
