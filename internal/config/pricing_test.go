package config

import (
	"math"
	"testing"
)

func floatPtr(f float64) *float64 { return &f }

func TestLookupPricing_ExactMatch(t *testing.T) {
	p, ok := LookupPricing("gpt-4o")
	if !ok {
		t.Fatal("LookupPricing(gpt-4o) returned !ok")
	}
	if p.InputPerMTok != 2.50 || p.OutputPerMTok != 10 {
		t.Fatalf("gpt-4o = %.2f/%.2f, want 2.50/10.00", p.InputPerMTok, p.OutputPerMTok)
	}
}

func TestLookupPricing_ProviderPrefixStripped(t *testing.T) {
	p, ok := LookupPricing("anthropic/claude-sonnet-4")
	if !ok {
		t.Fatal("prefixed lookup returned !ok")
	}
	if p.InputPerMTok != 3 {
		t.Fatalf("InputPerMTok = %.2f, want 3", p.InputPerMTok)
	}
}

func TestLookupPricing_DatedModelMatchesBase(t *testing.T) {
	dated, ok := LookupPricing("claude-sonnet-4-5-20250929")
	if !ok {
		t.Fatal("dated lookup returned !ok")
	}
	base, _ := LookupPricing("claude-sonnet-4-5")
	if dated != base {
		t.Fatalf("dated = %+v, want %+v", dated, base)
	}
}

func TestLookupPricing_FuzzyPrefersLongestContainedKey(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"gpt-4o-2024-08-06", "gpt-4o"},
		{"openrouter/claude-haiku-4-5-latest", "claude-haiku-4-5"},
		{"meta-llama/llama-3.1-70b-instruct", "llama-3.1-70b"},
		{"GPT-4O-MINI-preview", "gpt-4o-mini"},
		{"deepseek-r1-distill", "deepseek-r1"},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			got, ok := LookupPricing(tt.model)
			if !ok {
				t.Fatalf("LookupPricing(%q) returned !ok", tt.model)
			}
			want := DefaultPricing[tt.want]
			if got != want {
				t.Fatalf("LookupPricing(%q) = %+v, want %s pricing %+v", tt.model, got, tt.want, want)
			}
		})
	}
}

func TestLookupPricing_ReverseContainmentPrefersShortestKey(t *testing.T) {
	got, ok := LookupPricing("mistral-lar")
	if !ok {
		t.Fatal("partial model returned !ok")
	}
	if got != DefaultPricing["mistral-large"] {
		t.Fatalf("mistral-lar = %+v, want mistral-large pricing", got)
	}
}

func TestLookupPricing_Unknown(t *testing.T) {
	for _, m := range []string{"totally-fake-model-xyz", "totally-unknown-model-xyz", ""} {
		if _, ok := LookupPricing(m); ok {
			t.Errorf("LookupPricing(%q) returned ok, want unknown", m)
		}
	}
}

func TestEstimateCost_AllKnownModels(t *testing.T) {
	for name, p := range DefaultPricing {
		if p.InputPerMTok < 0 || p.OutputPerMTok < 0 {
			t.Errorf("%s has negative pricing %+v", name, p)
		}
		got := EstimateCost(name, 1_000_000, 1_000_000)
		want := p.InputPerMTok + p.OutputPerMTok
		if math.Abs(got-want) > 1e-9 {
			t.Errorf("EstimateCost(%s, 1M, 1M) = %.6f, want %.6f", name, got, want)
		}
		if c := EstimateCost(name, 0, 0); c != 0 {
			t.Errorf("EstimateCost(%s, 0, 0) = %f, want 0", name, c)
		}
	}
}

func TestEstimateCost_Values(t *testing.T) {
	got := EstimateCost("claude-sonnet-4-5", 1000, 500)
	want := 1000.0/1e6*3 + 500.0/1e6*15
	if math.Abs(got-want) > 1e-12 {
		t.Fatalf("cost = %.9f, want %.9f", got, want)
	}

	got = EstimateCost("claude-opus-4", 10_000_000, 5_000_000)
	if math.Abs(got-525) > 0.01 {
		t.Fatalf("opus cost = %.2f, want 525.00", got)
	}
}

func TestEstimateCost_UnknownIsZero(t *testing.T) {
	for _, n := range []int64{0, 1, 1_000_000} {
		if c := EstimateCost("totally-unknown-model-xyz", n, n*2); c != 0 {
			t.Fatalf("unknown model cost = %f, want 0", c)
		}
	}
}

func TestNewPricingTable_Overrides(t *testing.T) {
	table := NewPricingTable(map[string]ModelPricingOverride{
		"gpt-4o":      {InputPerMTok: floatPtr(1.0)},
		"in-house-7b": {InputPerMTok: floatPtr(0.2), OutputPerMTok: floatPtr(0.4)},
	})

	p, _ := table.Lookup("gpt-4o")
	if p.InputPerMTok != 1.0 || p.OutputPerMTok != 10 {
		t.Fatalf("overridden gpt-4o = %+v, want input 1.0 output 10", p)
	}
	p, ok := table.Lookup("in-house-7b")
	if !ok || p.OutputPerMTok != 0.4 {
		t.Fatalf("added model = %+v ok=%v, want output 0.4", p, ok)
	}
	if DefaultPricing["gpt-4o"].InputPerMTok != 2.50 {
		t.Fatal("override mutated DefaultPricing")
	}
}

func TestNormalizeModelName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"claude-sonnet-4-5-20250929", "claude-sonnet-4-5"},
		{"claude-sonnet-4-5", "claude-sonnet-4-5"},
		{"gpt-4o-2024", "gpt-4o-2024"},
		{"custom-20250101", "custom-20250101"},
	}
	for _, tt := range tests {
		if got := NormalizeModelName(tt.in); got != tt.want {
			t.Errorf("NormalizeModelName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRoundCost(t *testing.T) {
	if got := RoundCost(0.0012345678); got != 0.001235 {
		t.Fatalf("RoundCost = %v, want 0.001235", got)
	}
}
