package extract

import (
	"bufio"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
)

// defaultKeywords mark lines that carry payment, tax, transaction or store
// details rather than merchandise. "subtotal", "total" and "tax" are left out
// on purpose so those lines still come through as items.
var defaultKeywords = []string{
	// payment and settlement
	"cash", "credit", "debit", "card", "visa", "mastercard", "amex",
	"american express", "eft", "payment", "tip", "gratuity", "balance", "change",
	// taxes by jurisdiction
	"gst", "hst", "pst",
	// discounts
	"discount", "savings",
	// transaction metadata
	"order", "receipt", "terminal", "transaction", "approved", "auth", "reference",
	// merchant and location
	"merchant", "store", "location", "date", "time", "tel", "phone", "address",
	// symbols
	"#", "*",
}

// DefaultKeywords returns a fresh copy of the built-in exclusion list
func DefaultKeywords() map[string]bool {
	m := make(map[string]bool, len(defaultKeywords))
	for _, k := range defaultKeywords {
		m[k] = true
	}
	return m
}

// Filter rejects lines that contain any enabled keyword
type Filter struct {
	keywords []string
}

// NewFilter builds a Filter from a keyword → exclude mapping. Keywords are
// matched case-insensitively as substrings; entries mapped to false are ignored.
func NewFilter(keywords map[string]bool) *Filter {
	enabled := make([]string, 0, len(keywords))
	for _, raw := range slices.Sorted(maps.Keys(keywords)) {
		if !keywords[raw] {
			continue
		}
		k := strings.ToLower(strings.TrimSpace(raw))
		if k != "" && !slices.Contains(enabled, k) {
			enabled = append(enabled, k)
		}
	}
	return &Filter{keywords: enabled}
}

// DefaultFilter returns a Filter over DefaultKeywords
func DefaultFilter() *Filter {
	return NewFilter(DefaultKeywords())
}

// Match returns the first keyword found in line
func (f *Filter) Match(line string) (string, bool) {
	lower := strings.ToLower(line)
	for _, k := range f.keywords {
		if strings.Contains(lower, k) {
			return k, true
		}
	}
	return "", false
}

// Keywords returns the enabled keywords in match order
func (f *Filter) Keywords() []string {
	return slices.Clone(f.keywords)
}

// LoadKeywords reads one keyword per line. Blank lines and lines starting
// with "# " are skipped; a lone "#" is read as the keyword "#".
func LoadKeywords(r io.Reader) (map[string]bool, error) {
	keywords := make(map[string]bool)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "# ") {
			continue
		}
		keywords[strings.ToLower(line)] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading keywords: %w", err)
	}
	return keywords, nil
}
