package models

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/portfolio-aggregator/internal/types"
)

// IncomeEvent is one received payment or reward. Amount is always value
// received, never a principal movement.
type IncomeEvent struct {
	ID              string               `json:"id"`
	Date            time.Time            `json:"date"`
	Ticker          string               `json:"ticker"`
	Amount          decimal.Decimal      `json:"amount"`
	Currency        string               `json:"currency"`
	ReportingAmount decimal.Decimal      `json:"reportingAmount"`
	Category        types.IncomeCategory `json:"category"`
	Provider        types.ProviderID     `json:"source"`
	Broker          string               `json:"broker"`
	Description     string               `json:"description,omitempty"`
}

// SortIncomeEventsDesc orders events newest first. Ties are broken by id so
// the merged output is stable across runs.
func SortIncomeEventsDesc(events []IncomeEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Date.Equal(events[j].Date) {
			return events[i].Date.After(events[j].Date)
		}
		return events[i].ID < events[j].ID
	})
}
