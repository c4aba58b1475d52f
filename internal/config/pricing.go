package config

import (
	"math"
	"sort"
	"strings"
)

// ModelPricing holds per-million-token prices for a model.
type ModelPricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// DefaultPricing maps model identifiers to their pricing.
var DefaultPricing = map[string]ModelPricing{
	// MiniMax
	"minimax/MiniMax-M2.5": {InputPerMTok: 0.30, OutputPerMTok: 1.20},
	"MiniMax-M2.5":         {InputPerMTok: 0.30, OutputPerMTok: 1.20},
	"minimax-m1":           {InputPerMTok: 5, OutputPerMTok: 40},
	"MiniMax-Text-02":      {InputPerMTok: 1, OutputPerMTok: 5},
	"abab6.5s-chat":        {InputPerMTok: 1, OutputPerMTok: 5},
	"abab6.5-chat":         {InputPerMTok: 5, OutputPerMTok: 25},

	// Anthropic
	"claude-opus-4":     {InputPerMTok: 15, OutputPerMTok: 75},
	"claude-opus-4-6":   {InputPerMTok: 15, OutputPerMTok: 75},
	"claude-sonnet-4-5": {InputPerMTok: 3, OutputPerMTok: 15},
	"claude-sonnet-4":   {InputPerMTok: 3, OutputPerMTok: 15},
	"claude-haiku-4-5":  {InputPerMTok: 1, OutputPerMTok: 5},
	"claude-haiku-4":    {InputPerMTok: 0.80, OutputPerMTok: 4},
	"claude-haiku-3.5":  {InputPerMTok: 0.80, OutputPerMTok: 4},
	"claude-3.5-sonnet": {InputPerMTok: 3, OutputPerMTok: 15},
	"claude-3-opus":     {InputPerMTok: 15, OutputPerMTok: 75},
	"claude-3-sonnet":   {InputPerMTok: 3, OutputPerMTok: 15},
	"claude-3-haiku":    {InputPerMTok: 0.25, OutputPerMTok: 1.25},

	// OpenAI
	"gpt-4o":        {InputPerMTok: 2.50, OutputPerMTok: 10},
	"gpt-4o-mini":   {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"gpt-4-turbo":   {InputPerMTok: 10, OutputPerMTok: 30},
	"gpt-4":         {InputPerMTok: 30, OutputPerMTok: 60},
	"gpt-3.5-turbo": {InputPerMTok: 0.50, OutputPerMTok: 1.50},
	"o3":            {InputPerMTok: 10, OutputPerMTok: 40},
	"o3-mini":       {InputPerMTok: 1.10, OutputPerMTok: 4.40},
	"o1":            {InputPerMTok: 15, OutputPerMTok: 60},
	"o1-mini":       {InputPerMTok: 3, OutputPerMTok: 12},
	"o1-preview":    {InputPerMTok: 15, OutputPerMTok: 60},

	// Google
	"gemini-2.0-flash": {InputPerMTok: 0.10, OutputPerMTok: 0.40},
	"gemini-2.0-pro":   {InputPerMTok: 1.25, OutputPerMTok: 10},
	"gemini-1.5-pro":   {InputPerMTok: 1.25, OutputPerMTok: 5},
	"gemini-1.5-flash": {InputPerMTok: 0.075, OutputPerMTok: 0.30},
	"gemini-1.0-pro":   {InputPerMTok: 0.50, OutputPerMTok: 1.50},

	// Mistral
	"mistral-large-latest": {InputPerMTok: 2, OutputPerMTok: 6},
	"mistral-large":        {InputPerMTok: 2, OutputPerMTok: 6},
	"mistral-medium":       {InputPerMTok: 2.70, OutputPerMTok: 8.10},
	"mistral-small-latest": {InputPerMTok: 0.20, OutputPerMTok: 0.60},
	"mistral-small":        {InputPerMTok: 0.20, OutputPerMTok: 0.60},
	"codestral-latest":     {InputPerMTok: 0.30, OutputPerMTok: 0.90},
	"codestral":            {InputPerMTok: 0.30, OutputPerMTok: 0.90},
	"open-mixtral-8x22b":   {InputPerMTok: 2, OutputPerMTok: 6},
	"open-mixtral-8x7b":    {InputPerMTok: 0.70, OutputPerMTok: 0.70},

	// Cohere
	"command-r-plus":         {InputPerMTok: 2.50, OutputPerMTok: 10},
	"command-r":              {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"command-r-plus-08-2024": {InputPerMTok: 2.50, OutputPerMTok: 10},

	// Meta
	"llama-3.3-70b":  {InputPerMTok: 0.79, OutputPerMTok: 0.79},
	"llama-3.1-405b": {InputPerMTok: 3, OutputPerMTok: 3},
	"llama-3.1-70b":  {InputPerMTok: 0.79, OutputPerMTok: 0.79},
	"llama-3.1-8b":   {InputPerMTok: 0.05, OutputPerMTok: 0.05},
	"llama-3-70b":    {InputPerMTok: 0.79, OutputPerMTok: 0.79},
	"llama-3-8b":     {InputPerMTok: 0.05, OutputPerMTok: 0.05},

	// DeepSeek
	"deepseek-chat":  {InputPerMTok: 0.14, OutputPerMTok: 0.28},
	"deepseek-coder": {InputPerMTok: 0.14, OutputPerMTok: 0.28},
	"deepseek-r1":    {InputPerMTok: 0.55, OutputPerMTok: 2.19},
	"deepseek-v3":    {InputPerMTok: 0.27, OutputPerMTok: 1.10},

	// xAI
	"grok-2":      {InputPerMTok: 2, OutputPerMTok: 10},
	"grok-3":      {InputPerMTok: 3, OutputPerMTok: 15},
	"grok-3-mini": {InputPerMTok: 0.30, OutputPerMTok: 0.50},

	// Amazon
	"amazon.nova-pro":   {InputPerMTok: 0.80, OutputPerMTok: 3.20},
	"amazon.nova-lite":  {InputPerMTok: 0.06, OutputPerMTok: 0.24},
	"amazon.nova-micro": {InputPerMTok: 0.035, OutputPerMTok: 0.14},

	// Perplexity
	"sonar-pro": {InputPerMTok: 3, OutputPerMTok: 15},
	"sonar":     {InputPerMTok: 1, OutputPerMTok: 1},
}

// ProviderPrefixes are stripped from model identifiers before a second
// exact lookup.
var ProviderPrefixes = []string{
	"anthropic/", "openai/", "google/", "mistral/", "cohere/",
	"meta/", "deepseek/", "xai/", "minimax/", "amazon/",
	"together/", "groq/", "fireworks/", "perplexity/", "anyscale/",
}

// PricingTable resolves model identifiers to prices. It is read-only after
// construction and safe for concurrent use.
type PricingTable struct {
	entries map[string]ModelPricing
	// lowercase keys sorted longest first, then lexically
	fuzzy []fuzzyKey
}

type fuzzyKey struct {
	key   string
	lower string
}

var defaultTable = NewPricingTable(nil)

// NewPricingTable builds a table from DefaultPricing with overrides applied.
// Overrides may add models or replace individual prices.
func NewPricingTable(overrides map[string]ModelPricingOverride) *PricingTable {
	entries := make(map[string]ModelPricing, len(DefaultPricing)+len(overrides))
	for k, v := range DefaultPricing {
		entries[k] = v
	}
	for k, o := range overrides {
		p := entries[k]
		if o.InputPerMTok != nil {
			p.InputPerMTok = *o.InputPerMTok
		}
		if o.OutputPerMTok != nil {
			p.OutputPerMTok = *o.OutputPerMTok
		}
		entries[k] = p
	}

	fuzzy := make([]fuzzyKey, 0, len(entries))
	for k := range entries {
		fuzzy = append(fuzzy, fuzzyKey{key: k, lower: strings.ToLower(k)})
	}
	sort.Slice(fuzzy, func(i, j int) bool {
		if len(fuzzy[i].lower) != len(fuzzy[j].lower) {
			return len(fuzzy[i].lower) > len(fuzzy[j].lower)
		}
		return fuzzy[i].key < fuzzy[j].key
	})

	return &PricingTable{entries: entries, fuzzy: fuzzy}
}

// Models returns all known model identifiers, sorted.
func (t *PricingTable) Models() []string {
	out := make([]string, 0, len(t.entries))
	for k := range t.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Lookup resolves a model to its pricing.
//
// Order: exact match, provider prefix stripped, date suffix stripped, then
// case-insensitive containment. For containment, table keys found inside the
// model string are preferred over keys that contain the model string. The
// longest key wins inside the first class and the shortest inside the
// second, so "claude-sonnet-4-5-20250929" resolves to "claude-sonnet-4-5"
// rather than "claude-sonnet-4".
func (t *PricingTable) Lookup(model string) (ModelPricing, bool) {
	if model == "" {
		return ModelPricing{}, false
	}
	if p, ok := t.entries[model]; ok {
		return p, true
	}

	stripped := StripProviderPrefix(model)
	if stripped != model {
		if p, ok := t.entries[stripped]; ok {
			return p, true
		}
	}

	if n := t.normalizeModelName(stripped); n != stripped {
		if p, ok := t.entries[n]; ok {
			return p, true
		}
	}

	lower := strings.ToLower(model)
	for _, fk := range t.fuzzy {
		if strings.Contains(lower, fk.lower) {
			return t.entries[fk.key], true
		}
	}
	for i := len(t.fuzzy) - 1; i >= 0; i-- {
		if strings.Contains(t.fuzzy[i].lower, lower) {
			return t.entries[t.fuzzy[i].key], true
		}
	}
	return ModelPricing{}, false
}

// EstimateCost returns the unrounded USD cost of a call. Unknown models cost
// exactly zero.
func (t *PricingTable) EstimateCost(model string, inputTokens, outputTokens int64) float64 {
	p, ok := t.Lookup(model)
	if !ok {
		return 0
	}
	cost := float64(inputTokens) * p.InputPerMTok / 1_000_000
	cost += float64(outputTokens) * p.OutputPerMTok / 1_000_000
	return cost
}

// StripProviderPrefix removes a known "provider/" prefix, if any.
func StripProviderPrefix(model string) string {
	for _, prefix := range ProviderPrefixes {
		if strings.HasPrefix(model, prefix) {
			return model[len(prefix):]
		}
	}
	return model
}

// NormalizeModelName strips date suffixes from model identifiers.
// e.g., "claude-sonnet-4-5-20250929" -> "claude-sonnet-4-5"
func NormalizeModelName(raw string) string {
	return defaultTable.normalizeModelName(raw)
}

func (t *PricingTable) normalizeModelName(raw string) string {
	if _, ok := t.entries[raw]; ok {
		return raw
	}

	// Models can have date suffixes like -20251101 (8 digits)
	parts := strings.Split(raw, "-")
	if len(parts) >= 2 {
		last := parts[len(parts)-1]
		if isAllDigits(last) && len(last) >= 8 {
			candidate := strings.Join(parts[:len(parts)-1], "-")
			if _, ok := t.entries[candidate]; ok {
				return candidate
			}
		}
	}

	return raw
}

func isAllDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}

// LookupPricing resolves a model against the built-in table.
func LookupPricing(model string) (ModelPricing, bool) {
	return defaultTable.Lookup(model)
}

// EstimateCost computes cost against the built-in table.
func EstimateCost(model string, inputTokens, outputTokens int64) float64 {
	return defaultTable.EstimateCost(model, inputTokens, outputTokens)
}

// RoundCost rounds a USD amount to six decimal places.
func RoundCost(cost float64) float64 {
	return math.Round(cost*1e6) / 1e6
}
