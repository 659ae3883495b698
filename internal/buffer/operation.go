// internal/buffer/operation.go
package buffer

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind names the domain write a pending operation replays.
// The values double as the per-kind array keys of the persisted document.
type Kind string

const (
	KindContribution Kind = "contributions"
	KindLoanIssuance Kind = "loans"
	KindRepayment    Kind = "repayments"
)

// Kinds lists every known kind.
var Kinds = []Kind{KindContribution, KindLoanIssuance, KindRepayment}

func (k Kind) Valid() bool {
	switch k {
	case KindContribution, KindLoanIssuance, KindRepayment:
		return true
	}
	return false
}

// State is the sync state of a pending operation.
type State string

const (
	StatePending State = "pending"
	StateSyncing State = "syncing"
	StateSynced  State = "synced"
	StateFailed  State = "failed"
)

// PendingOperation is a domain write captured locally and not yet confirmed
// by the remote data service.
type PendingOperation struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	OwnerUserID string          `json:"owner_user_id"`
	GroupID     string          `json:"group_id"`
	DependsOn   string          `json:"depends_on,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	Seq         uint64          `json:"seq"`
	State       State           `json:"state"`
	LastError   string          `json:"last_error,omitempty"`
	Attempts    int             `json:"attempts"`
	Permanent   bool            `json:"permanent,omitempty"`
	SyncedAt    time.Time       `json:"synced_at"`
}

// Retryable reports whether the operation should be picked up by the next drain.
func (op *PendingOperation) Retryable() bool {
	switch op.State {
	case StatePending:
		return true
	case StateFailed:
		return !op.Permanent
	}
	return false
}

// NeedsAttention reports a failure that will not resolve by retrying.
func (op *PendingOperation) NeedsAttention() bool {
	return op.State == StateFailed && op.Permanent
}

// Decode unmarshals the payload into v.
func (op *PendingOperation) Decode(v interface{}) error {
	if err := json.Unmarshal(op.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload %s: %w", op.Kind, op.ID, err)
	}
	return nil
}

func (op *PendingOperation) clone() *PendingOperation {
	c := *op
	if op.Payload != nil {
		c.Payload = append(json.RawMessage(nil), op.Payload...)
	}
	return &c
}

// EncodeOperation serializes a single operation.
func EncodeOperation(op *PendingOperation) ([]byte, error) {
	return json.Marshal(op)
}

// DecodeOperation is the inverse of EncodeOperation.
func DecodeOperation(data []byte) (*PendingOperation, error) {
	var op PendingOperation
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("decode operation: %w", err)
	}
	if !op.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, op.Kind)
	}
	return &op, nil
}
