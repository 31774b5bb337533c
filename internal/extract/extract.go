// Package extract turns OCR'd receipt text into priced line items.
package extract

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/zombor/billsplit/internal/ledger"
)

// minLineLength is the shortest trimmed line worth looking at; shorter ones are OCR noise
const minLineLength = 3

var (
	// pricePattern matches an optional dollar sign and a two-decimal amount.
	// Only the first match on a line is used.
	pricePattern = regexp.MustCompile(`\$?\s*(\d+\.\d{2})`)

	// leadingCodes strips quantities, SKUs and punctuation ahead of the name
	leadingCodes = regexp.MustCompile(`^[\d\W]+`)
)

// Kind is the outcome of classifying one receipt line
type Kind int

const (
	// KindNoise is a line too short to mean anything
	KindNoise Kind = iota
	// KindNoPrice has no amount on it
	KindNoPrice
	// KindExcluded has an amount but matched a non-item keyword
	KindExcluded
	// KindItem is a priced merchandise line
	KindItem
)

func (k Kind) String() string {
	switch k {
	case KindNoise:
		return "noise"
	case KindNoPrice:
		return "no-price"
	case KindExcluded:
		return "excluded"
	case KindItem:
		return "item"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Classification explains what the extractor decided for a line
type Classification struct {
	Line    string
	Kind    Kind
	Keyword string      // set for KindExcluded
	Item    ledger.Item // set for KindItem
}

// Extractor finds priced items in receipt text
type Extractor struct {
	filter *Filter
}

// New creates an Extractor using filter to drop non-item lines
func New(filter *Filter) *Extractor {
	if filter == nil {
		filter = DefaultFilter()
	}
	return &Extractor{filter: filter}
}

// Extract returns one item per priced, non-excluded line in source order.
// Text with no such lines yields an empty slice.
func (e *Extractor) Extract(raw string) []ledger.Item {
	items := make([]ledger.Item, 0)
	for _, c := range e.ClassifyAll(raw) {
		if c.Kind == KindItem {
			items = append(items, c.Item)
		}
	}
	return items
}

// ClassifyAll classifies every line of raw
func (e *Extractor) ClassifyAll(raw string) []Classification {
	lines := splitLines(raw)
	out := make([]Classification, 0, len(lines))
	for _, line := range lines {
		out = append(out, e.Classify(line))
	}
	return out
}

// Classify decides whether a single line is a priced item
func (e *Extractor) Classify(line string) Classification {
	c := Classification{Line: line}

	if utf8.RuneCountInString(strings.TrimSpace(line)) < minLineLength {
		c.Kind = KindNoise
		return c
	}

	match := pricePattern.FindStringSubmatch(line)
	if match == nil {
		c.Kind = KindNoPrice
		return c
	}

	price, err := decimal.NewFromString(match[1])
	if err != nil {
		c.Kind = KindNoPrice
		return c
	}

	if keyword, ok := e.filter.Match(line); ok {
		c.Kind = KindExcluded
		c.Keyword = keyword
		return c
	}

	c.Kind = KindItem
	c.Item = ledger.Item{
		Name:         itemName(line, match[0]),
		Price:        price,
		SplitBetween: []string{},
	}
	return c
}

func itemName(line, priceText string) string {
	name := strings.Replace(line, priceText, "", 1)
	name = strings.TrimSpace(name)
	name = leadingCodes.ReplaceAllString(name, "")
	return strings.TrimSpace(name)
}

func splitLines(raw string) []string {
	if raw == "" {
		return nil
	}
	lines := strings.Split(raw, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}
