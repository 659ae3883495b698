// internal/ledger/domain.go
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// LoanStatus is the lifecycle state of a loan.
type LoanStatus string

const (
	LoanActive     LoanStatus = "active"
	LoanRepaid     LoanStatus = "repaid"
	LoanOverdue    LoanStatus = "overdue"
	LoanWrittenOff LoanStatus = "written_off"
)

// ContributionType tags what a member's deposit is for.
type ContributionType string

const (
	ContributionShare      ContributionType = "share"
	ContributionSocialFund ContributionType = "social_fund"
	ContributionFine       ContributionType = "fine"
	ContributionOther      ContributionType = "other"
)

// Loan is money issued from the group fund to a member.
// Amount, InterestRate, Purpose and DueDate are fixed at issuance; only
// repayments move TotalRepaid and Balance.
type Loan struct {
	ID           string          `json:"id" db:"id"`
	MeetingID    string          `json:"meeting_id" db:"meeting_id"`
	GroupID      string          `json:"group_id" db:"group_id"`
	MemberID     string          `json:"member_id" db:"member_id"`
	MemberName   string          `json:"member_name,omitempty" db:"member_name"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	InterestRate decimal.Decimal `json:"interest_rate" db:"interest_rate"`
	Purpose      string          `json:"purpose" db:"purpose"`
	IssuedAt     time.Time       `json:"issued_at" db:"issued_at"`
	DueDate      time.Time       `json:"due_date" db:"due_date"`
	Status       LoanStatus      `json:"status" db:"status"`
	TotalRepaid  decimal.Decimal `json:"total_repaid" db:"total_repaid"`
	Balance      decimal.Decimal `json:"balance" db:"balance"`
	IssuedBy     string          `json:"issued_by" db:"issued_by"`
}

// Repayment is a single application of funds against a loan.
type Repayment struct {
	ID         string          `json:"id" db:"id"`
	LoanID     string          `json:"loan_id" db:"loan_id"`
	MeetingID  string          `json:"meeting_id" db:"meeting_id"`
	GroupID    string          `json:"group_id" db:"group_id"`
	MemberID   string          `json:"member_id" db:"member_id"`
	MemberName string          `json:"member_name,omitempty" db:"member_name"`
	Principal  decimal.Decimal `json:"principal" db:"principal"`
	Interest   decimal.Decimal `json:"interest" db:"interest"`
	Total      decimal.Decimal `json:"total" db:"total"`
	RecordedAt time.Time       `json:"recorded_at" db:"recorded_at"`
	RecordedBy string          `json:"recorded_by" db:"recorded_by"`
}

// Contribution is a member's deposit during a meeting.
type Contribution struct {
	ID         string           `json:"id" db:"id"`
	MeetingID  string           `json:"meeting_id" db:"meeting_id"`
	GroupID    string           `json:"group_id" db:"group_id"`
	MemberID   string           `json:"member_id" db:"member_id"`
	MemberName string           `json:"member_name,omitempty" db:"member_name"`
	Shares     int              `json:"shares" db:"shares"`
	Amount     decimal.Decimal  `json:"amount" db:"amount"`
	Type       ContributionType `json:"type" db:"type"`
	RecordedAt time.Time        `json:"recorded_at" db:"recorded_at"`
	RecordedBy string           `json:"recorded_by" db:"recorded_by"`
	Confirmed  bool             `json:"confirmed" db:"confirmed"`
}
