// internal/remote/service.go
package remote

import (
	"context"

	"mkutano/internal/ledger"
)

// Service is the remote data service that owns the group ledger. Writes are
// idempotent on the record ID: replaying a write that was already applied
// returns the stored record instead of failing.
type Service interface {
	CreateContribution(ctx context.Context, c *ledger.Contribution) (*ledger.Contribution, error)
	IssueLoan(ctx context.Context, l *ledger.Loan) (*ledger.Loan, error)
	RecordRepayment(ctx context.Context, r *ledger.Repayment) (*RepaymentReceipt, error)
}

// RepaymentReceipt is the stored repayment together with the loan it moved.
type RepaymentReceipt struct {
	Repayment ledger.Repayment `json:"repayment"`
	Loan      ledger.Loan      `json:"loan"`
}

// LoanBook reads and administers stored loans. Reads report the loan's
// current status, so a loan past its due date comes back overdue.
type LoanBook interface {
	GetLoan(ctx context.Context, id string) (*ledger.Loan, error)
	WriteOffLoan(ctx context.Context, id string) (*ledger.Loan, error)
}

// Store is everything the remote HTTP API serves.
type Store interface {
	Service
	LoanBook
}
