// internal/syncengine/dispatch.go
package syncengine

import (
	"context"
	"fmt"

	"mkutano/internal/buffer"
	"mkutano/internal/ledger"
	"mkutano/internal/remote"
)

// dispatch replays op against svc. A payload that no longer decodes will
// never succeed and is reported as permanent.
func dispatch(ctx context.Context, svc remote.Service, op *buffer.PendingOperation) error {
	switch op.Kind {
	case buffer.KindContribution:
		var c ledger.Contribution
		if err := op.Decode(&c); err != nil {
			return remote.Permanent(err)
		}
		_, err := svc.CreateContribution(ctx, &c)
		return err
	case buffer.KindLoanIssuance:
		var l ledger.Loan
		if err := op.Decode(&l); err != nil {
			return remote.Permanent(err)
		}
		_, err := svc.IssueLoan(ctx, &l)
		return err
	case buffer.KindRepayment:
		var r ledger.Repayment
		if err := op.Decode(&r); err != nil {
			return remote.Permanent(err)
		}
		_, err := svc.RecordRepayment(ctx, &r)
		return err
	}
	return remote.Permanent(fmt.Errorf("%w: %q", buffer.ErrUnknownKind, op.Kind))
}
