package pipeline

import (
	"regexp"
	"strings"
)

var (
	spaceRE       = regexp.MustCompile(`\s+`)
	beforePunctRE = regexp.MustCompile(`\s+([,.;:?!])`)
	afterOpenRE   = regexp.MustCompile(`([(\[{])\s+`)
	beforeCloseRE = regexp.MustCompile(`\s+([)\]}])`)
)

// normalizeText collapses whitespace and reattaches punctuation the way
// recognizers tend to detach it.
func normalizeText(text string) string {
	stripped := strings.TrimSpace(text)
	if stripped == "" {
		return ""
	}
	out := spaceRE.ReplaceAllString(stripped, " ")
	out = beforePunctRE.ReplaceAllString(out, "$1")
	out = afterOpenRE.ReplaceAllString(out, "$1")
	out = beforeCloseRE.ReplaceAllString(out, "$1")
	return out
}
