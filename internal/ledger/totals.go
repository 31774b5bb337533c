package ledger

import (
	"github.com/shopspring/decimal"
)

// ComputeTotals splits each item evenly between the people assigned to it and
// returns one total per participant, in participant order.
//
// Shares are kept at full decimal precision; round with FormatAmount when
// displaying. Items nobody is assigned to contribute nothing. When a name
// appears twice in participants, the first entry receives the share and the
// duplicate stays at zero. Assignees missing from participants are appended
// after the participants in order of first appearance, so the sum of all
// totals always equals the price of every assigned item.
func ComputeTotals(items []Item, participants []string) []PersonTotal {
	totals := make([]PersonTotal, 0, len(participants))
	index := make(map[string]int, len(participants))
	for _, p := range participants {
		if _, seen := index[p]; !seen {
			index[p] = len(totals)
		}
		totals = append(totals, PersonTotal{Participant: p, Total: decimal.Zero})
	}

	for _, item := range items {
		if len(item.SplitBetween) == 0 {
			continue
		}
		share := item.Price.Div(decimal.NewFromInt(int64(len(item.SplitBetween))))
		for _, person := range item.SplitBetween {
			pos, ok := index[person]
			if !ok {
				pos = len(totals)
				index[person] = pos
				totals = append(totals, PersonTotal{Participant: person, Total: decimal.Zero})
			}
			totals[pos].Total = totals[pos].Total.Add(share)
		}
	}

	return totals
}

// GrandTotal sums every item price, assigned or not
func GrandTotal(items []Item) decimal.Decimal {
	sum := decimal.Zero
	for _, item := range items {
		sum = sum.Add(item.Price)
	}
	return sum
}

// AssignedTotal sums the prices of items that have at least one assignee
func AssignedTotal(items []Item) decimal.Decimal {
	sum := decimal.Zero
	for _, item := range items {
		if len(item.SplitBetween) > 0 {
			sum = sum.Add(item.Price)
		}
	}
	return sum
}

// FormatAmount rounds an amount to cents for display
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}
