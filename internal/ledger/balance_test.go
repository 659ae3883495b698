package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestComputeLoanBalance(t *testing.T) {
	cases := []struct {
		name               string
		principal, rate    int64
		repaid, wantString string
	}{
		{"untouched", 5000, 10, "0", "5500"},
		{"partial", 5000, 10, "4150", "1350"},
		{"exact", 5000, 10, "5500", "0"},
		{"overpaid clamps to zero", 5000, 10, "6000", "0"},
		{"zero rate", 1000, 0, "250", "750"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ComputeLoanBalance(d(tc.principal), d(tc.rate), decimal.RequireFromString(tc.repaid))
			assert.Equal(t, tc.wantString, got.String())
		})
	}
}

func TestComputeRepaymentProgressPercent(t *testing.T) {
	assert.Equal(t, "50", ComputeRepaymentProgressPercent(d(2750), d(5000), d(10)).String())
	assert.Equal(t, "120", ComputeRepaymentProgressPercent(d(6600), d(5000), d(10)).String())
	assert.True(t, ComputeRepaymentProgressPercent(d(-10), d(5000), d(10)).IsZero())
	assert.True(t, ComputeRepaymentProgressPercent(d(10), d(0), d(10)).IsZero())
}

func TestLoanBalanceNonNegativeAndMonotone(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		principal := d(rapid.Int64Range(0, 10_000_000).Draw(t, "principal"))
		rate := d(rapid.Int64Range(0, 100).Draw(t, "rate"))
		repaid := d(rapid.Int64Range(0, 20_000_000).Draw(t, "repaid"))
		more := repaid.Add(d(rapid.Int64Range(0, 1_000_000).Draw(t, "more")))

		b1 := ComputeLoanBalance(principal, rate, repaid)
		b2 := ComputeLoanBalance(principal, rate, more)
		if b1.IsNegative() || b2.IsNegative() {
			t.Fatalf("negative balance: %s, %s", b1, b2)
		}
		if b2.GreaterThan(b1) {
			t.Fatalf("balance grew from %s to %s when repaid rose from %s to %s", b1, b2, repaid, more)
		}
	})
}

func TestProgressNeverNegative(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		principal := d(rapid.Int64Range(0, 10_000_000).Draw(t, "principal"))
		rate := d(rapid.Int64Range(0, 100).Draw(t, "rate"))
		repaid := d(rapid.Int64Range(-1_000, 20_000_000).Draw(t, "repaid"))
		if ComputeRepaymentProgressPercent(repaid, principal, rate).IsNegative() {
			t.Fatalf("negative progress")
		}
	})
}
