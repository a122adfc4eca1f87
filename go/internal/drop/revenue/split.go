// Package revenue computes payout splits for drop orders. All monetary
// values use shopspring/decimal so shares always sum back to the order
// total exactly.
package revenue

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Rates configures how an order total is divided between the designer,
// the collaborator, and the studio. Percentages are of the order total for
// the designer, and relative weights over the post-designer remainder for
// the collaborator and studio.
type Rates struct {
	DesignerPct     decimal.Decimal
	CollaboratorPct decimal.Decimal
	StudioPct       decimal.Decimal
}

// DefaultRates returns the standard 15 / 42.5 / 42.5 split.
func DefaultRates() Rates {
	return Rates{
		DesignerPct:     decimal.NewFromInt(15),
		CollaboratorPct: decimal.NewFromFloat(42.5),
		StudioPct:       decimal.NewFromFloat(42.5),
	}
}

// Split is the payout breakdown for a single order total. Breakdown
// percentages are recomputed as each share's portion of the total, so they
// reflect the amounts actually paid rather than the configured rates.
type Split struct {
	Total        decimal.Decimal `json:"total"`
	Designer     decimal.Decimal `json:"designer"`
	Collaborator decimal.Decimal `json:"collaborator"`
	Studio       decimal.Decimal `json:"studio"`
	Breakdown    Breakdown       `json:"breakdown"`
}

// Breakdown reports each share as a percentage of the order total.
type Breakdown struct {
	DesignerPct     decimal.Decimal `json:"designer_percentage"`
	CollaboratorPct decimal.Decimal `json:"collaborator_percentage"`
	StudioPct       decimal.Decimal `json:"studio_percentage"`
}

var oneHundred = decimal.NewFromInt(100)

// Calculate splits orderTotal across the three parties. The designer share
// comes off the top; the collaborator and studio divide the remainder
// pro-rata by their configured weights, with the studio absorbing any
// rounding remainder so the three shares sum to orderTotal exactly.
func Calculate(orderTotal decimal.Decimal, rates Rates) (Split, error) {
	if orderTotal.IsNegative() {
		return Split{}, fmt.Errorf("order total must be non-negative, got %s", orderTotal)
	}
	weight := rates.CollaboratorPct.Add(rates.StudioPct)
	if weight.IsZero() {
		return Split{}, fmt.Errorf("collaborator and studio percentages sum to zero")
	}

	designer := orderTotal.Mul(rates.DesignerPct).Div(oneHundred)
	remaining := orderTotal.Sub(designer)
	collaborator := remaining.Mul(rates.CollaboratorPct).Div(weight)
	studio := remaining.Sub(collaborator)

	split := Split{
		Total:        orderTotal,
		Designer:     designer,
		Collaborator: collaborator,
		Studio:       studio,
		Breakdown: Breakdown{
			DesignerPct:     rates.DesignerPct,
			CollaboratorPct: pctOf(collaborator, orderTotal),
			StudioPct:       pctOf(studio, orderTotal),
		},
	}
	return split, nil
}

func pctOf(share, total decimal.Decimal) decimal.Decimal {
	if total.IsZero() {
		return decimal.Zero
	}
	return share.Div(total).Mul(oneHundred)
}
