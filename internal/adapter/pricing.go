package adapter

import (
	"bytes"
	"strings"

	"github.com/shopspring/decimal"
)

// PriceResolver values crypto assets against a symbol -> price map.
// Stablecoins price at 1 directly; everything else probes ASSET+suffix for
// each quote suffix in order. Unresolved assets price at 0.
type PriceResolver struct {
	stablecoins map[string]bool
	suffixes    []string
}

// NewPriceResolver builds a resolver from configured lists
func NewPriceResolver(stablecoins, quoteSuffixes []string) *PriceResolver {
	r := &PriceResolver{stablecoins: make(map[string]bool, len(stablecoins))}
	for _, s := range stablecoins {
		r.stablecoins[strings.ToUpper(s)] = true
	}
	for _, s := range quoteSuffixes {
		r.suffixes = append(r.suffixes, strings.ToUpper(s))
	}
	return r
}

// IsStablecoin reports whether asset is priced at 1 USD
func (r *PriceResolver) IsStablecoin(asset string) bool {
	return r.stablecoins[strings.ToUpper(asset)]
}

// QuoteCurrency maps a quote suffix to the fiat currency it is denominated in
func (r *PriceResolver) QuoteCurrency(suffix string) string {
	suffix = strings.ToUpper(suffix)
	if r.stablecoins[suffix] || suffix == "USD" {
		return "USD"
	}
	return suffix
}

// Resolve returns the unit price of asset and its currency. It never fails:
// an asset with no quote resolves to zero.
func (r *PriceResolver) Resolve(asset string, prices map[string]decimal.Decimal) (decimal.Decimal, string) {
	asset = strings.ToUpper(asset)
	if r.IsStablecoin(asset) || asset == "USD" {
		return decimal.NewFromInt(1), "USD"
	}
	for _, suffix := range r.suffixes {
		if suffix == asset {
			continue
		}
		if p, ok := prices[asset+suffix]; ok && p.IsPositive() {
			return p, r.QuoteCurrency(suffix)
		}
	}
	return decimal.Zero, "USD"
}

// HasWrapperPrefix reports whether asset is a wrapper balance such as LDBTC.
// The remainder must be at least two characters so that assets like LDO are kept.
func HasWrapperPrefix(asset string, prefixes []string) bool {
	asset = strings.ToUpper(asset)
	for _, p := range prefixes {
		p = strings.ToUpper(p)
		if p != "" && strings.HasPrefix(asset, p) && len(asset)-len(p) >= 2 {
			return true
		}
	}
	return false
}

// MarketValue is quantity x price, clamped at zero
func MarketValue(quantity, price decimal.Decimal) decimal.Decimal {
	v := quantity.Mul(price)
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// SniffHTML detects an HTML page where JSON was expected. Anti-automation
// defenses answer with a challenge page, often with a 200 status.
func SniffHTML(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "text/html") {
		return true
	}
	trimmed := bytes.TrimSpace(bytes.TrimPrefix(body, utf8BOM))
	return len(trimmed) > 0 && trimmed[0] == '<'
}

// ParseDecimal parses provider numeric strings, treating blanks and junk as zero
func ParseDecimal(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
