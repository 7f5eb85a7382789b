package cli

import (
	"testing"
	"time"
)

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 1, 28, 15, 4, 5, 0, time.UTC) // Wednesday

	tests := []struct {
		input string
		want  time.Time
	}{
		{"30m", now.Add(-30 * time.Minute)},
		{"2h ago", now.Add(-2 * time.Hour)},
		{"3 days ago", now.AddDate(0, 0, -3)},
		{"2w", now.AddDate(0, 0, -14)},
		{"1mo ago", now.AddDate(0, -1, 0)},
		{"today", time.Date(2026, 1, 28, 0, 0, 0, 0, time.UTC)},
		{"Yesterday", time.Date(2026, 1, 27, 0, 0, 0, 0, time.UTC)},
		{"monday", time.Date(2026, 1, 26, 0, 0, 0, 0, time.UTC)},
		{"wed", time.Date(2026, 1, 28, 0, 0, 0, 0, time.UTC)},
		{"thurs", time.Date(2026, 1, 22, 0, 0, 0, 0, time.UTC)},
		{"2026-01-02", time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)},
		{"2026-01-02T10:00:00Z", time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSince(tt.input, now)
			if err != nil {
				t.Fatalf("ParseSince(%q) error: %v", tt.input, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("ParseSince(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseSinceErrors(t *testing.T) {
	now := time.Now()
	for _, input := range []string{"", "0h", "soon", "2x ago", "mo"} {
		if _, err := ParseSince(input, now); err == nil {
			t.Errorf("ParseSince(%q) expected error", input)
		}
	}
}
