// internal/ledger/balance.go
package ledger

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// TotalDue is the principal plus flat interest.
func TotalDue(principal, interestRatePercent decimal.Decimal) decimal.Decimal {
	return principal.Add(principal.Mul(interestRatePercent).Div(hundred))
}

// ComputeLoanBalance returns max(0, principal + principal*rate/100 - totalRepaid).
func ComputeLoanBalance(principal, interestRatePercent, totalRepaid decimal.Decimal) decimal.Decimal {
	balance := TotalDue(principal, interestRatePercent).Sub(totalRepaid)
	if balance.IsNegative() {
		return decimal.Zero
	}
	return balance
}

// ComputeRepaymentProgressPercent returns 100*totalRepaid/totalDue, never below zero.
// Values above 100 mean the member paid ahead; display policy belongs to the caller.
func ComputeRepaymentProgressPercent(totalRepaid, principal, interestRatePercent decimal.Decimal) decimal.Decimal {
	due := TotalDue(principal, interestRatePercent)
	if !due.IsPositive() {
		return decimal.Zero
	}
	pct := totalRepaid.Mul(hundred).Div(due)
	if pct.IsNegative() {
		return decimal.Zero
	}
	return pct
}
