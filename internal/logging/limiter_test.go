package logging

import (
	"testing"
	"time"
)

func TestLimiterCollapsesRepeats(t *testing.T) {
	l := NewLimiter(50 * time.Millisecond)
	if !l.Allow("caption") {
		t.Fatalf("first line must pass")
	}
	if l.Allow("caption") {
		t.Fatalf("immediate repeat must be suppressed")
	}
	if !l.Allow("webhook") {
		t.Fatalf("distinct keys are independent")
	}
	time.Sleep(60 * time.Millisecond)
	if !l.Allow("caption") {
		t.Fatalf("line must pass again after the interval")
	}
}
