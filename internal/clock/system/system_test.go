package system

import (
	"testing"
	"time"

	"github.com/JakeFAU/print-quote-service/internal/analyzer"
	"github.com/JakeFAU/print-quote-service/internal/job"
	"github.com/JakeFAU/print-quote-service/internal/verification"
)

var (
	_ job.Clock          = (*Clock)(nil)
	_ analyzer.Clock     = (*Clock)(nil)
	_ verification.Clock = (*Clock)(nil)
)

func TestNowIsUTCAndCurrent(t *testing.T) {
	t.Parallel()

	before := time.Now().Add(-time.Second)
	got := New().Now()
	after := time.Now().Add(time.Second)

	if got.Location() != time.UTC {
		t.Fatalf("expected UTC, got %v", got.Location())
	}
	if got.Before(before) || got.After(after) {
		t.Fatalf("expected %v between %v and %v", got, before, after)
	}
}

// Token expiry compares IssuedAt with Now, so time must not run backwards.
func TestNowNeverDecreases(t *testing.T) {
	t.Parallel()

	clk := New()
	prev := clk.Now()
	for range 100 {
		next := clk.Now()
		if next.Before(prev) {
			t.Fatalf("clock went backwards: %v then %v", prev, next)
		}
		prev = next
	}
}
