// internal/remote/memory.go
package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"mkutano/internal/ledger"
)

// MemoryStore is an in-process Service, used in demo mode and tests.
type MemoryStore struct {
	mu            sync.Mutex
	contributions map[string]ledger.Contribution
	loans         map[string]ledger.Loan
	repayments    map[string]ledger.Repayment
	now           func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contributions: make(map[string]ledger.Contribution),
		loans:         make(map[string]ledger.Loan),
		repayments:    make(map[string]ledger.Repayment),
		now:           time.Now,
	}
}

func (s *MemoryStore) CreateContribution(ctx context.Context, c *ledger.Contribution) (*ledger.Contribution, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID != "" {
		if stored, ok := s.contributions[c.ID]; ok {
			if !sameContribution(stored, *c) {
				return nil, fmt.Errorf("contribution %s: %w", c.ID, ErrConflict)
			}
			return &stored, nil
		}
	}
	stored := *c
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.RecordedAt.IsZero() {
		stored.RecordedAt = s.now().UTC()
	}
	s.contributions[stored.ID] = stored
	return &stored, nil
}

func (s *MemoryStore) IssueLoan(ctx context.Context, l *ledger.Loan) (*ledger.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l.ID != "" {
		if stored, ok := s.loans[l.ID]; ok {
			if !sameLoan(stored, *l) {
				return nil, fmt.Errorf("loan %s: %w", l.ID, ErrConflict)
			}
			stored = s.refresh(stored)
			return &stored, nil
		}
	}
	req := *l
	if req.IssuedAt.IsZero() {
		req.IssuedAt = s.now().UTC()
	}
	loan, err := ledger.NewLoan(req)
	if err != nil {
		return nil, err
	}
	if loan.ID == "" {
		loan.ID = uuid.NewString()
	}
	loan.RefreshStatus(s.now())
	s.loans[loan.ID] = *loan
	return loan, nil
}

func (s *MemoryStore) RecordRepayment(ctx context.Context, r *ledger.Repayment) (*RepaymentReceipt, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID != "" {
		if stored, ok := s.repayments[r.ID]; ok {
			if !sameRepayment(stored, *r) {
				return nil, fmt.Errorf("repayment %s: %w", r.ID, ErrConflict)
			}
			return &RepaymentReceipt{Repayment: stored, Loan: s.refresh(s.loans[stored.LoanID])}, nil
		}
	}

	loan, ok := s.loans[r.LoanID]
	if !ok {
		return nil, fmt.Errorf("loan %s: %w", r.LoanID, ErrNotFound)
	}
	loan.RefreshStatus(s.now())
	if err := loan.ApplyRepayment(*r); err != nil {
		return nil, err
	}

	stored := *r
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.RecordedAt.IsZero() {
		stored.RecordedAt = s.now().UTC()
	}
	s.loans[loan.ID] = loan
	s.repayments[stored.ID] = stored
	return &RepaymentReceipt{Repayment: stored, Loan: loan}, nil
}

// Loan returns the stored loan with its current status.
func (s *MemoryStore) Loan(id string) (ledger.Loan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.loans[id]
	if !ok {
		return l, false
	}
	return s.refresh(l), true
}

func (s *MemoryStore) GetLoan(ctx context.Context, id string) (*ledger.Loan, error) {
	l, ok := s.Loan(id)
	if !ok {
		return nil, fmt.Errorf("loan %s: %w", id, ErrNotFound)
	}
	return &l, nil
}

func (s *MemoryStore) WriteOffLoan(ctx context.Context, id string) (*ledger.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.loans[id]
	if !ok {
		return nil, fmt.Errorf("loan %s: %w", id, ErrNotFound)
	}
	l = s.refresh(l)
	if err := l.WriteOff(); err != nil {
		return nil, fmt.Errorf("loan %s: %w", id, err)
	}
	s.loans[id] = l
	return &l, nil
}

// refresh moves l to overdue when its due date has passed and stores the
// change. Callers hold s.mu.
func (s *MemoryStore) refresh(l ledger.Loan) ledger.Loan {
	if l.RefreshStatus(s.now()) {
		s.loans[l.ID] = l
	}
	return l
}

// Len reports how many records of each kind are stored.
func (s *MemoryStore) Len() (contributions, loans, repayments int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contributions), len(s.loans), len(s.repayments)
}

func sameContribution(a, b ledger.Contribution) bool {
	return a.GroupID == b.GroupID && a.MemberID == b.MemberID &&
		a.Type == b.Type && a.Amount.Equal(b.Amount)
}

func sameLoan(a, b ledger.Loan) bool {
	return a.GroupID == b.GroupID && a.MemberID == b.MemberID &&
		a.Amount.Equal(b.Amount) && a.InterestRate.Equal(b.InterestRate)
}

func sameRepayment(a, b ledger.Repayment) bool {
	return a.LoanID == b.LoanID && a.MemberID == b.MemberID && a.Total.Equal(b.Total)
}
