// internal/ledger/loan.go
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// NewLoan validates an issued loan and fills its derived fields.
func NewLoan(l Loan) (*Loan, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	l.Status = LoanActive
	l.TotalRepaid = decimal.Zero
	l.Balance = TotalDue(l.Amount, l.InterestRate)
	return &l, nil
}

// NewContribution prices shares at shareValue and validates the result.
// A zero shareValue keeps the caller's Amount (fines, social fund).
func NewContribution(c Contribution, shareValue decimal.Decimal) (*Contribution, error) {
	if shareValue.IsPositive() && c.Shares > 0 {
		c.Amount = shareValue.Mul(decimal.NewFromInt(int64(c.Shares)))
	}
	c.Confirmed = false
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Confirm marks a contribution as reviewed by the group.
func (c *Contribution) Confirm() {
	c.Confirmed = true
}

// IsOpen reports whether the loan still accepts repayments.
func (l *Loan) IsOpen() bool {
	return l.Status == LoanActive || l.Status == LoanOverdue
}

// ApplyRepayment records r against the loan. It rejects a repayment larger than
// the outstanding balance so TotalRepaid always equals the sum of applied totals.
func (l *Loan) ApplyRepayment(r Repayment) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if l.ID != "" && r.LoanID != l.ID {
		return invalid("repayment for loan %s applied to loan %s", r.LoanID, l.ID)
	}
	if !l.IsOpen() {
		return fmt.Errorf("%w: status %s", ErrLoanClosed, l.Status)
	}
	balance := ComputeLoanBalance(l.Amount, l.InterestRate, l.TotalRepaid)
	if r.Total.GreaterThan(balance) {
		return fmt.Errorf("%w: total %s, balance %s", ErrOverpayment, r.Total, balance)
	}

	l.TotalRepaid = l.TotalRepaid.Add(r.Total)
	l.Balance = ComputeLoanBalance(l.Amount, l.InterestRate, l.TotalRepaid)
	if l.Balance.IsZero() {
		l.Status = LoanRepaid
	}
	return nil
}

// RefreshStatus moves an active loan to overdue once now passes the due date.
// It reports whether the status changed.
func (l *Loan) RefreshStatus(now time.Time) bool {
	if l.Status != LoanActive || l.DueDate.IsZero() {
		return false
	}
	if now.After(l.DueDate) {
		l.Status = LoanOverdue
		return true
	}
	return false
}

// WriteOff closes an unpaid loan by administrative decision.
func (l *Loan) WriteOff() error {
	if !l.IsOpen() {
		return fmt.Errorf("%w: status %s", ErrLoanClosed, l.Status)
	}
	l.Status = LoanWrittenOff
	return nil
}

// ProgressPercent is the share of the total due repaid so far.
func (l *Loan) ProgressPercent() decimal.Decimal {
	return ComputeRepaymentProgressPercent(l.TotalRepaid, l.Amount, l.InterestRate)
}
