package pipeline

import (
	"sort"
	"time"

	"github.com/agentpulse/agentpulse/internal/config"
	"github.com/agentpulse/agentpulse/internal/model"
)

// TokenTypeCosts holds aggregate costs split by token direction.
type TokenTypeCosts struct {
	InputCost  float64
	OutputCost float64
	TotalCost  float64
	// Unpriced counts records whose model has no pricing entry.
	Unpriced int
}

// ProviderCostBreakdown holds cost components for one provider.
type ProviderCostBreakdown struct {
	Provider   string
	Calls      int
	InputCost  float64
	OutputCost float64
	TotalCost  float64
}

// AggregateCostBreakdown re-prices records against the table and splits the
// result into input and output cost, overall and per provider.
func AggregateCostBreakdown(
	records []model.TelemetryRecord,
	pricing *config.PricingTable,
	since time.Time,
	until time.Time,
) (TokenTypeCosts, []ProviderCostBreakdown) {
	if pricing == nil {
		pricing = config.NewPricingTable(nil)
	}
	filtered := FilterByTime(records, since, until)

	var totals TokenTypeCosts
	byProvider := make(map[string]*ProviderCostBreakdown)

	for _, r := range filtered {
		row, exists := byProvider[r.Provider]
		if !exists {
			row = &ProviderCostBreakdown{Provider: r.Provider}
			byProvider[r.Provider] = row
		}
		row.Calls++

		p, ok := pricing.Lookup(r.Model)
		if !ok {
			totals.Unpriced++
			continue
		}
		inputCost := float64(r.InputTokens) * p.InputPerMTok / 1_000_000
		outputCost := float64(r.OutputTokens) * p.OutputPerMTok / 1_000_000

		totals.InputCost += inputCost
		totals.OutputCost += outputCost
		row.InputCost += inputCost
		row.OutputCost += outputCost
	}

	totals.TotalCost = totals.InputCost + totals.OutputCost

	rows := make([]ProviderCostBreakdown, 0, len(byProvider))
	for _, row := range byProvider {
		row.TotalCost = row.InputCost + row.OutputCost
		rows = append(rows, *row)
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].TotalCost != rows[j].TotalCost {
			return rows[i].TotalCost > rows[j].TotalCost
		}
		return rows[i].Provider < rows[j].Provider
	})

	return totals, rows
}
