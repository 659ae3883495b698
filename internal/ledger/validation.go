// internal/ledger/validation.go
package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRecord = errors.New("invalid record")
	ErrOverpayment   = errors.New("repayment exceeds loan balance")
	ErrLoanClosed    = errors.New("loan is closed")
)

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRecord, fmt.Sprintf(format, args...))
}

func (t ContributionType) valid() bool {
	switch t {
	case ContributionShare, ContributionSocialFund, ContributionFine, ContributionOther:
		return true
	}
	return false
}

// Validate checks a contribution before it is persisted or buffered.
func (c *Contribution) Validate() error {
	if c.GroupID == "" {
		return invalid("contribution group_id is required")
	}
	if c.MemberID == "" {
		return invalid("contribution member_id is required")
	}
	if !c.Type.valid() {
		return invalid("unknown contribution type %q", c.Type)
	}
	if c.Shares < 0 {
		return invalid("contribution shares must not be negative")
	}
	if !c.Amount.IsPositive() {
		return invalid("contribution amount must be positive")
	}
	return nil
}

// Validate checks a loan as issued.
func (l *Loan) Validate() error {
	if l.GroupID == "" {
		return invalid("loan group_id is required")
	}
	if l.MemberID == "" {
		return invalid("loan member_id is required")
	}
	if !l.Amount.IsPositive() {
		return invalid("loan amount must be positive")
	}
	if l.InterestRate.IsNegative() {
		return invalid("loan interest rate must not be negative")
	}
	if l.TotalRepaid.IsNegative() {
		return invalid("loan total repaid must not be negative")
	}
	if !l.IssuedAt.IsZero() && !l.DueDate.IsZero() && l.DueDate.Before(l.IssuedAt) {
		return invalid("loan due date precedes issue date")
	}
	switch l.Status {
	case "", LoanActive, LoanRepaid, LoanOverdue, LoanWrittenOff:
	default:
		return invalid("unknown loan status %q", l.Status)
	}
	return nil
}

// Validate checks that a repayment is internally consistent.
func (r *Repayment) Validate() error {
	if r.LoanID == "" {
		return invalid("repayment loan_id is required")
	}
	if r.GroupID == "" {
		return invalid("repayment group_id is required")
	}
	if r.MemberID == "" {
		return invalid("repayment member_id is required")
	}
	if r.Principal.IsNegative() || r.Interest.IsNegative() {
		return invalid("repayment portions must not be negative")
	}
	if !r.Total.IsPositive() {
		return invalid("repayment total must be positive")
	}
	if !r.Total.Equal(r.Principal.Add(r.Interest)) {
		return invalid("repayment total %s does not equal principal %s + interest %s",
			r.Total, r.Principal, r.Interest)
	}
	return nil
}
