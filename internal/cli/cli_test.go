package cli

import (
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"
)

func TestFormatTokens(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1234, "1.2K"},
		{1_234_567, "1.2M"},
		{1_234_567_890, "1.2B"},
		{-2500, "-2.5K"},
	}
	for _, tt := range tests {
		if got := FormatTokens(tt.in); got != tt.want {
			t.Errorf("FormatTokens(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatCost(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "$0.00"},
		{0.00176, "$0.0018"},
		{0.5, "$0.50"},
		{12.34, "$12.3"},
		{250.4, "$250"},
		{1234.6, "$1,235"},
	}
	for _, tt := range tests {
		if got := FormatCost(tt.in); got != tt.want {
			t.Errorf("FormatCost(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatLatency(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "-"},
		{350, "350ms"},
		{4200, "4.2s"},
		{95_000, "1m 35s"},
	}
	for _, tt := range tests {
		if got := FormatLatency(tt.in); got != tt.want {
			t.Errorf("FormatLatency(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	if got := FormatDuration(time.Hour + 2*time.Minute + 5*time.Second); got != "1h 2m" {
		t.Errorf("got %q", got)
	}
	if got := FormatDuration(45 * time.Second); got != "45s" {
		t.Errorf("got %q", got)
	}
	if got := FormatDuration(-time.Second); got != "0s" {
		t.Errorf("got %q", got)
	}
}

func TestFormatAgo(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if got := FormatAgo(time.Time{}, now); got != "never" {
		t.Errorf("zero time = %q", got)
	}
	if got := FormatAgo(now.Add(-3*time.Minute), now); got != "3m ago" {
		t.Errorf("got %q", got)
	}
}

func TestFormatNumber(t *testing.T) {
	for in, want := range map[int64]string{
		0:         "0",
		123:       "123",
		1234:      "1,234",
		1_234_567: "1,234,567",
		-98_765:   "-98,765",
	} {
		if got := FormatNumber(in); got != want {
			t.Errorf("FormatNumber(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestMaskAPIKey(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "not configured"},
		{"abc", "****"},
		{"abcdefgh", "abcd..."},
		{"ap_live_0123456789abcdef", "ap_live_...cdef"},
	}
	for _, tt := range tests {
		if got := MaskAPIKey(tt.in); got != tt.want {
			t.Errorf("MaskAPIKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRenderTable(t *testing.T) {
	out := RenderTable(Table{
		Title:   "Models",
		Headers: []string{"Model", "Calls"},
		Rows: [][]string{
			{"claude-haiku-4-5", "12"},
			{"---"},
			{"gpt-4o", "3"},
		},
	})

	if !strings.Contains(out, "claude-haiku-4-5") || !strings.Contains(out, "Models") {
		t.Fatalf("table missing content:\n%s", out)
	}
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")[1:]
	if len(lines) != 7 {
		t.Fatalf("got %d table lines, want 7:\n%s", len(lines), out)
	}
	width := lipgloss.Width(lines[0])
	for i, l := range lines {
		if w := lipgloss.Width(l); w != width {
			t.Errorf("line %d width %d, want %d", i, w, width)
		}
	}
}

func TestRenderTable_Empty(t *testing.T) {
	if got := RenderTable(Table{}); got != "" {
		t.Errorf("empty table = %q", got)
	}
}

func TestPadTruncates(t *testing.T) {
	if got := pad("abcdefgh", 5, false); lipgloss.Width(got) != 5 || !strings.HasSuffix(got, "…") {
		t.Errorf("pad = %q", got)
	}
	if got := pad("7", 3, true); got != "  7" {
		t.Errorf("right pad = %q", got)
	}
}

func TestRenderSparkline(t *testing.T) {
	if got := RenderSparkline([]float64{0, 4, 8}); got != "▁▄█" {
		t.Errorf("sparkline = %q", got)
	}
	if got := RenderSparkline(nil); got != "" {
		t.Errorf("empty sparkline = %q", got)
	}
}
