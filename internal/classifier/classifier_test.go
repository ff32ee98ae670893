package classifier

import (
	"strings"
	"testing"
	"unicode"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/portfolio-aggregator/internal/types"
)

func TestIsIncome(t *testing.T) {
	tests := []struct {
		description string
		want        bool
	}{
		{"Dividend", true},
		{"Interest on cash", true},
		{"Staking reward", true},
		{"Deposit", false},
		{"Withdrawal to bank", false},
		{"redeem staking position", false},
		{"Unstake ETH", false},
		{"Flexible subscription", false},
		{"Buy 10 VWRL", false},
		{"Sell 3 AAPL", false},
		{"Swap BTC to ETH", false},
		{"Convert dust", false},
		{"TRANSFER_IN", false},
		{"transfer-out", false},
		{"transferIn", false},
		{"flexibleRedeem", false},
		{"TRADING", false},
		{"TRADE_FEE", false},
		{"UnStake", false},
		{"unStake reward", false},
		{"REALIZED_PNL", false},
		{"flexibleRedeemInterest", false},
	}

	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			assert.Equal(t, tt.want, IsIncome(tt.description))
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		record Record
		want   types.IncomeCategory
	}{
		{"dividend", Record{Description: "Dividend"}, types.CategoryDividend},
		{"dividend wins over reward", Record{Description: "dividend reward"}, types.CategoryDividend},
		{"eth2 staking", Record{Description: "ETH 2.0 Staking"}, types.CategoryStaking},
		{"validator", Record{Type: "VALIDATOR_REWARD"}, types.CategoryStaking},
		{"locked staking", Record{Type: "locked", Description: "staking reward"}, types.CategoryStaking},
		{"interest", Record{Description: "Interest on cash"}, types.CategoryYield},
		{"simple earn", Record{Type: "REALTIME", Description: "Simple Earn flexible"}, types.CategoryYield},
		{"launchpool", Record{Description: "Launchpool"}, types.CategoryYield},
		{"apr word", Record{Description: "APR bonus"}, types.CategoryYield},
		{"april is not apr", Record{Description: "April payout"}, types.CategoryDistribution},
		{"airdrop", Record{Description: "Airdrop"}, types.CategoryDistribution},
		{"bonus", Record{Type: "BONUS"}, types.CategoryDistribution},
		{"unknown defaults to distribution", Record{Description: "BNB Vault"}, types.CategoryDistribution},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.record))
		})
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		record Record
		want   types.IncomeCategory
		ok     bool
	}{
		{Record{Type: "DEPOSIT", Description: "card top-up"}, "", false},
		{Record{Type: "INTEREST", Description: "daily interest"}, types.CategoryYield, true},
		{Record{Type: "WITHDRAW"}, "", false},
		{Record{Type: "DIVIDEND", Description: "AAPL"}, types.CategoryDividend, true},
	}

	for _, tt := range tests {
		t.Run(tt.record.Text(), func(t *testing.T) {
			got, ok := Default.Evaluate(tt.record)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

// mixCase upper-cases the letters of s whose bit is set in mask, producing
// camelCase variants such as "unStake" or "WithDraw"
func mixCase(s string, mask uint32) string {
	b := []byte(s)
	for i := range b {
		if mask&(1<<(uint(i)%32)) != 0 {
			b[i] = byte(unicode.ToUpper(rune(b[i])))
		}
	}
	return string(b)
}

func TestClassify_CamelCaseSplitsCategoryWords(t *testing.T) {
	assert.Equal(t, types.CategoryStaking, Classify(Record{Type: "ethStakingReward"}))
	assert.Equal(t, types.CategoryYield, Classify(Record{Type: "simpleEarnInterest"}))
}

func TestExclusionPriorityProperty(t *testing.T) {
	incomeWords := []string{"dividend", "staking", "interest", "yield", "reward", "airdrop", "distribution", "earn"}
	exclusionWords := []string{"deposit", "withdraw", "redeem", "unstake", "subscribe", "unsubscribe", "purchase", "sell", "swap", "convert", "transfer in", "transfer_out"}
	fillerWords := []string{"position", "flexible", "locked", "ETH", "usdt", "", "for", "daily"}

	properties := gopter.NewProperties(nil)

	properties.Property("exclusion keyword always wins over income keywords", prop.ForAll(
		func(inc, exc, f1, f2 int, upper bool, caseMask uint32) bool {
			desc := strings.Join([]string{fillerWords[f1], mixCase(exclusionWords[exc], caseMask), fillerWords[f2], incomeWords[inc]}, " ")
			if upper {
				desc = strings.ToUpper(desc)
			}
			_, ok := Default.Evaluate(Record{Description: desc})
			return !IsIncome(desc) && !ok
		},
		gen.IntRange(0, len(incomeWords)-1),
		gen.IntRange(0, len(exclusionWords)-1),
		gen.IntRange(0, len(fillerWords)-1),
		gen.IntRange(0, len(fillerWords)-1),
		gen.Bool(),
		gen.UInt32(),
	))

	properties.Property("income-only descriptions never fall outside the four categories", prop.ForAll(
		func(inc int) bool {
			cat, ok := Default.Evaluate(Record{Description: incomeWords[inc]})
			switch cat {
			case types.CategoryDividend, types.CategoryYield, types.CategoryStaking, types.CategoryDistribution:
				return ok
			}
			return false
		},
		gen.IntRange(0, len(incomeWords)-1),
	))

	properties.TestingRun(t)
}
