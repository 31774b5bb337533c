// Package ledger tracks who shares which bill items and what each person owes.
package ledger

import (
	"errors"
	"fmt"
	"slices"

	"github.com/shopspring/decimal"
)

var (
	// ErrIndexOutOfRange is returned when an item or participant index does not exist
	ErrIndexOutOfRange = errors.New("index out of range")

	// ErrInvalidAmount is returned for negative prices
	ErrInvalidAmount = errors.New("invalid amount")
)

// Item is one priced line on a bill and the people sharing it
type Item struct {
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	SplitBetween []string        `json:"split_between"`
}

// PersonTotal is what one participant owes
type PersonTotal struct {
	Participant string          `json:"participant"`
	Total       decimal.Decimal `json:"total"`
}

// clone returns a copy of the item that shares no memory with it
func (i Item) clone() Item {
	split := make([]string, len(i.SplitBetween))
	copy(split, i.SplitBetween)
	i.SplitBetween = split
	return i
}

// Ledger holds the items of one bill and the fixed list of people splitting it.
// It is not safe for concurrent use.
type Ledger struct {
	items        []Item
	participants []string
}

// New creates a Ledger for the given participants
func New(participants []string) *Ledger {
	return &Ledger{
		items:        make([]Item, 0),
		participants: slices.Clone(participants),
	}
}

// Participants returns a copy of the participant list
func (l *Ledger) Participants() []string {
	return slices.Clone(l.participants)
}

// Items returns a deep copy of the current items
func (l *Ledger) Items() []Item {
	items := make([]Item, len(l.items))
	for i, item := range l.items {
		items[i] = item.clone()
	}
	return items
}

// Len returns the number of items
func (l *Ledger) Len() int {
	return len(l.items)
}

func (l *Ledger) checkIndex(index int) error {
	if index < 0 || index >= len(l.items) {
		return fmt.Errorf("%w: item %d of %d", ErrIndexOutOfRange, index, len(l.items))
	}
	return nil
}

// ReplaceItems discards every item and takes a copy of the given ones
func (l *Ledger) ReplaceItems(items []Item) error {
	next := make([]Item, 0, len(items))
	for _, item := range items {
		if item.Price.IsNegative() {
			return fmt.Errorf("%w: %s", ErrInvalidAmount, item.Price)
		}
		item = item.clone()
		item.SplitBetween = dedupe(item.SplitBetween)
		next = append(next, item)
	}
	l.items = next
	return nil
}

// AddItem appends a copy of item
func (l *Ledger) AddItem(item Item) error {
	if item.Price.IsNegative() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, item.Price)
	}
	item = item.clone()
	item.SplitBetween = dedupe(item.SplitBetween)
	l.items = append(l.items, item)
	return nil
}

// RemoveItem deletes the item at index
func (l *Ledger) RemoveItem(index int) error {
	if err := l.checkIndex(index); err != nil {
		return err
	}
	l.items = slices.Delete(l.items, index, index+1)
	return nil
}

// EditItem replaces the name and price of an item, keeping its assignments
func (l *Ledger) EditItem(index int, name string, price decimal.Decimal) error {
	if err := l.checkIndex(index); err != nil {
		return err
	}
	if price.IsNegative() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, price)
	}
	l.items[index].Name = name
	l.items[index].Price = price
	return nil
}

// ToggleAssignment adds participant to the item's split, or removes them if already present
func (l *Ledger) ToggleAssignment(index int, participant string) error {
	if err := l.checkIndex(index); err != nil {
		return err
	}
	item := &l.items[index]
	if pos := slices.Index(item.SplitBetween, participant); pos >= 0 {
		item.SplitBetween = slices.Delete(item.SplitBetween, pos, pos+1)
		return nil
	}
	item.SplitBetween = append(item.SplitBetween, participant)
	return nil
}

// Totals recomputes every participant's total from the current items
func (l *Ledger) Totals() []PersonTotal {
	return ComputeTotals(l.items, l.participants)
}

// GrandTotal is the sum of all item prices
func (l *Ledger) GrandTotal() decimal.Decimal {
	return GrandTotal(l.items)
}

func dedupe(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out
}
