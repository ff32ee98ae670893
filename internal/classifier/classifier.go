// Package classifier decides whether a provider record is income and, if so,
// which income category it belongs to. Every adapter goes through the same
// Classifier so that categories line up across providers.
package classifier

import (
	"strings"
	"unicode"

	"github.com/portfolio-aggregator/internal/types"
)

// Record is the provider-neutral input to classification
type Record struct {
	// Type is the provider's machine type (e.g. "REALTIME", "DEPOSIT")
	Type string
	// Description is free text from the provider
	Description string
}

// Text returns type and description joined for keyword matching
func (r Record) Text() string {
	return strings.TrimSpace(r.Type + " " + r.Description)
}

// exclusionKeywords mark principal movements. Matched as substrings of the
// lowercased text, before camelCase splitting, and checked before any income
// keyword.
var exclusionKeywords = []string{
	"deposit",
	"withdraw",
	"redeem",
	"redemption",
	"unstake",
	"subscribe",
	"subscription",
	"unsubscribe",
	"purchase",
	"buy",
	"sell",
	"swap",
	"convert",
	"conversion",
	"transfer",
	"trade",
	"trading",
	"fee",
	"rollback",
	"liquidation",
	"settlement",
	"realized pnl",
	"sweep",
}

type categoryRule struct {
	category types.IncomeCategory
	keywords []string
}

// categoryRules are evaluated in order; the first rule with a matching word wins.
// Keywords match at the start of a word.
var categoryRules = []categoryRule{
	{types.CategoryDividend, []string{"dividend"}},
	{types.CategoryStaking, []string{"staking", "stake", "validator", "eth2"}},
	{types.CategoryYield, []string{"interest", "yield", "earn", "savings", "lending", "launchpool", "apr", "apy"}},
	{types.CategoryDistribution, []string{"distribution", "airdrop", "bonus", "reward"}},
}

// exactWords must match a whole word rather than a word prefix
var exactWords = map[string]bool{
	"apr": true,
	"apy": true,
}

// Classifier implements the income contract
type Classifier struct {
	exclusions []string
	rules      []categoryRule
}

// Default is the instance shared by every adapter
var Default = New()

// New returns a classifier with the standard keyword tables
func New() *Classifier {
	return &Classifier{
		exclusions: exclusionKeywords,
		rules:      categoryRules,
	}
}

// IsIncome returns false when the description names a principal movement,
// regardless of any income keyword it also contains
func (c *Classifier) IsIncome(description string) bool {
	lowered := strings.ToLower(description)
	flat := normalize(description, false)
	for _, kw := range c.exclusions {
		if strings.Contains(lowered, kw) || strings.Contains(flat, kw) {
			return false
		}
	}
	return true
}

// Classify maps an income record to its category, defaulting to Distribution
func (c *Classifier) Classify(r Record) types.IncomeCategory {
	words := strings.Fields(normalize(r.Text(), true))
	for _, rule := range c.rules {
		for _, kw := range rule.keywords {
			if containsWord(words, kw) {
				return rule.category
			}
		}
	}
	return types.CategoryDistribution
}

// Evaluate combines IsIncome and Classify. ok is false for principal movements.
func (c *Classifier) Evaluate(r Record) (category types.IncomeCategory, ok bool) {
	if !c.IsIncome(r.Text()) {
		return "", false
	}
	return c.Classify(r), true
}

// normalize lowercases and maps separators to single spaces. With splitCamel
// "flexibleRedeem" becomes "flexible redeem".
func normalize(s string, splitCamel bool) string {
	var b strings.Builder
	b.Grow(len(s) + 8)

	prevSpace := true
	var prev rune
	for _, r := range s {
		switch {
		case splitCamel && unicode.IsUpper(r) && unicode.IsLower(prev):
			b.WriteByte(' ')
			b.WriteRune(unicode.ToLower(r))
			prevSpace = false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			prevSpace = false
		default:
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		}
		prev = r
	}
	return strings.TrimSpace(b.String())
}

func containsWord(words []string, kw string) bool {
	exact := exactWords[kw]
	for _, w := range words {
		if exact && w == kw {
			return true
		}
		if !exact && strings.HasPrefix(w, kw) {
			return true
		}
	}
	return false
}

// IsIncome applies the shared classifier
func IsIncome(description string) bool {
	return Default.IsIncome(description)
}

// Classify applies the shared classifier
func Classify(r Record) types.IncomeCategory {
	return Default.Classify(r)
}
