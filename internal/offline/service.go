// internal/offline/service.go
package offline

import (
	"context"

	"mkutano/internal/buffer"
	"mkutano/internal/ledger"
)

// SubmitResult is what the UI gets back from a write. SavedOffline means the
// record is durable locally and will sync later.
type SubmitResult struct {
	Data         interface{} `json:"data"`
	SavedOffline bool        `json:"saved_offline"`
	OperationID  string      `json:"operation_id,omitempty"`
}

// Service accepts domain writes regardless of connectivity.
type Service interface {
	Submit(ctx context.Context, kind buffer.Kind, payload interface{}, ownerUserID, groupID string) (*SubmitResult, error)
	RecordContribution(ctx context.Context, c ledger.Contribution, ownerUserID string) (*SubmitResult, error)
	IssueLoan(ctx context.Context, l ledger.Loan, ownerUserID string) (*SubmitResult, error)
	RecordRepayment(ctx context.Context, r ledger.Repayment, ownerUserID string) (*SubmitResult, error)
}
