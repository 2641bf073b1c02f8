package membergate_test

import (
	"errors"
	"testing"
	"time"

	"github.com/membergate/membergate/pkg/membergate"
)

func TestParseDuration(t *testing.T) {
	day := 24 * time.Hour

	tests := []struct {
		in   string
		want time.Duration
	}{
		{"7 days", 7 * day},
		{"1 day", day},
		{"1 week", 7 * day},
		{"2 weeks", 14 * day},
		{"1 month", 30 * day},
		{"3 months", 90 * day},
		{"1 year", 365 * day},
		{"2 years", 730 * day},
		{"30", 30 * day},
		{"  14 Days  ", 14 * day},
	}

	for _, tt := range tests {
		got, err := membergate.ParseDuration(tt.in)
		if err != nil {
			t.Errorf("ParseDuration(%q) returned error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDuration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseDurationRejects(t *testing.T) {
	for _, in := range []string{
		"",
		"   ",
		"0 days",
		"-3 days",
		"abc",
		"3 fortnights",
		"1 2 3",
		"day 3",
	} {
		if _, err := membergate.ParseDuration(in); err == nil {
			t.Errorf("ParseDuration(%q) should fail", in)
		}
	}
}

func TestParseDurationErrorSentinel(t *testing.T) {
	_, err := membergate.ParseDuration("5 lightyears")
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, membergate.ErrInvalidDuration) {
		t.Errorf("error %v should wrap ErrInvalidDuration", err)
	}
}
