// internal/offline/implementation.go
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mkutano/internal/buffer"
	"mkutano/internal/ledger"
	"mkutano/internal/remote"
)

// Connectivity reports whether the remote data service is believed reachable.
type Connectivity interface {
	IsOnline() bool
}

type Config struct {
	// ShareValue prices contribution shares; zero keeps submitted amounts.
	ShareValue decimal.Decimal
	// RemoteTimeout bounds the direct remote call made while online.
	RemoteTimeout time.Duration
}

type service struct {
	buf    *buffer.Buffer
	remote remote.Service
	online Connectivity
	cfg    Config
	log    *slog.Logger
	now    func() time.Time
}

func NewService(buf *buffer.Buffer, svc remote.Service, online Connectivity, cfg Config, log *slog.Logger) Service {
	if log == nil {
		log = slog.Default()
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = 10 * time.Second
	}
	return &service{buf: buf, remote: svc, online: online, cfg: cfg, log: log, now: time.Now}
}

func (s *service) RecordContribution(ctx context.Context, c ledger.Contribution, ownerUserID string) (*SubmitResult, error) {
	return s.Submit(ctx, buffer.KindContribution, c, ownerUserID, c.GroupID)
}

func (s *service) IssueLoan(ctx context.Context, l ledger.Loan, ownerUserID string) (*SubmitResult, error) {
	return s.Submit(ctx, buffer.KindLoanIssuance, l, ownerUserID, l.GroupID)
}

func (s *service) RecordRepayment(ctx context.Context, r ledger.Repayment, ownerUserID string) (*SubmitResult, error) {
	return s.Submit(ctx, buffer.KindRepayment, r, ownerUserID, r.GroupID)
}

// Submit validates the record, then either sends it to the remote service or
// buffers it. Invalid records and durability failures are returned as
// errors; transient remote failures are absorbed by buffering.
func (s *service) Submit(ctx context.Context, kind buffer.Kind, payload interface{}, ownerUserID, groupID string) (*SubmitResult, error) {
	if ownerUserID == "" {
		return nil, errors.New("submit: owner user id is required")
	}

	var (
		record    interface{}
		group     string
		dependsOn string
		err       error
	)
	switch kind {
	case buffer.KindContribution:
		var c *ledger.Contribution
		if c, err = s.prepareContribution(payload, ownerUserID, groupID); err == nil {
			record, group = c, c.GroupID
		}
	case buffer.KindLoanIssuance:
		var l *ledger.Loan
		if l, err = s.prepareLoan(payload, ownerUserID, groupID); err == nil {
			record, group = l, l.GroupID
		}
	case buffer.KindRepayment:
		var r *ledger.Repayment
		if r, dependsOn, err = s.prepareRepayment(payload, ownerUserID, groupID); err == nil {
			record, group = r, r.GroupID
		}
	default:
		return nil, fmt.Errorf("submit: %w: %q", buffer.ErrUnknownKind, kind)
	}
	if err != nil {
		return nil, err
	}

	// a repayment on a loan that only exists locally cannot be sent ahead of it
	if !s.online.IsOnline() || dependsOn != "" {
		return s.enqueue(ctx, kind, record, ownerUserID, group, dependsOn)
	}

	data, err := s.send(ctx, kind, record)
	if err == nil {
		return &SubmitResult{Data: data}, nil
	}
	if remote.IsPermanent(err) {
		return nil, fmt.Errorf("submit %s: %w", kind, err)
	}
	s.log.Warn("offline: remote write failed, buffering", "kind", kind, "owner", ownerUserID, "error", err)
	return s.enqueue(ctx, kind, record, ownerUserID, group, "")
}

func (s *service) enqueue(ctx context.Context, kind buffer.Kind, record interface{}, owner, group, dependsOn string) (*SubmitResult, error) {
	var opts []buffer.EnqueueOption
	if dependsOn != "" {
		opts = append(opts, buffer.DependsOn(dependsOn))
	}
	op, err := s.buf.Enqueue(ctx, kind, record, owner, group, opts...)
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", kind, err)
	}
	return &SubmitResult{Data: record, SavedOffline: true, OperationID: op.ID}, nil
}

func (s *service) send(ctx context.Context, kind buffer.Kind, record interface{}) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RemoteTimeout)
	defer cancel()

	switch r := record.(type) {
	case *ledger.Contribution:
		return s.remote.CreateContribution(ctx, r)
	case *ledger.Loan:
		return s.remote.IssueLoan(ctx, r)
	case *ledger.Repayment:
		return s.remote.RecordRepayment(ctx, r)
	}
	return nil, remote.Permanent(fmt.Errorf("%w: %q", buffer.ErrUnknownKind, kind))
}

// decode accepts a typed record, a pointer to one, raw JSON or a generic map.
func decode(payload interface{}, v interface{}) error {
	var data []byte
	switch p := payload.(type) {
	case json.RawMessage:
		data = p
	case []byte:
		data = p
	default:
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("%w: %v", ledger.ErrInvalidRecord, err)
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrInvalidRecord, err)
	}
	return nil
}

func checkGroup(recordGroup *string, groupID string) error {
	switch {
	case *recordGroup == "":
		*recordGroup = groupID
	case groupID != "" && *recordGroup != groupID:
		return fmt.Errorf("%w: record group %s does not match %s", ledger.ErrInvalidRecord, *recordGroup, groupID)
	}
	return nil
}

func (s *service) prepareContribution(payload interface{}, owner, group string) (*ledger.Contribution, error) {
	var c ledger.Contribution
	if err := decode(payload, &c); err != nil {
		return nil, err
	}
	if err := checkGroup(&c.GroupID, group); err != nil {
		return nil, err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.RecordedBy == "" {
		c.RecordedBy = owner
	}
	if c.RecordedAt.IsZero() {
		c.RecordedAt = s.now().UTC()
	}
	return ledger.NewContribution(c, s.cfg.ShareValue)
}

func (s *service) prepareLoan(payload interface{}, owner, group string) (*ledger.Loan, error) {
	var l ledger.Loan
	if err := decode(payload, &l); err != nil {
		return nil, err
	}
	if err := checkGroup(&l.GroupID, group); err != nil {
		return nil, err
	}
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.IssuedBy == "" {
		l.IssuedBy = owner
	}
	if l.IssuedAt.IsZero() {
		l.IssuedAt = s.now().UTC()
	}
	return ledger.NewLoan(l)
}

// prepareRepayment validates r and, when its loan is still in the buffer,
// checks it against the loan's locally known balance and returns the loan's
// operation ID as a dependency.
func (s *service) prepareRepayment(payload interface{}, owner, group string) (*ledger.Repayment, string, error) {
	var r ledger.Repayment
	if err := decode(payload, &r); err != nil {
		return nil, "", err
	}
	if err := checkGroup(&r.GroupID, group); err != nil {
		return nil, "", err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.RecordedBy == "" {
		r.RecordedBy = owner
	}
	if r.RecordedAt.IsZero() {
		r.RecordedAt = s.now().UTC()
	}
	if err := r.Validate(); err != nil {
		return nil, "", err
	}

	loanOp, loan, err := s.bufferedLoan(owner, r.LoanID)
	if err != nil || loanOp == nil {
		return &r, "", err
	}
	if err := loan.ApplyRepayment(r); err != nil {
		return nil, "", err
	}
	return &r, loanOp.ID, nil
}

// bufferedLoan finds an unsynced loan operation for loanID and replays the
// owner's unsynced repayments of that loan onto it.
func (s *service) bufferedLoan(owner, loanID string) (*buffer.PendingOperation, *ledger.Loan, error) {
	var (
		loanOp *buffer.PendingOperation
		loan   ledger.Loan
	)
	ops := s.buf.ListAll(owner)
	for _, op := range ops {
		if op.Kind != buffer.KindLoanIssuance || op.State == buffer.StateSynced {
			continue
		}
		var l ledger.Loan
		if op.Decode(&l) != nil || l.ID != loanID {
			continue
		}
		loanOp, loan = op, l
		break
	}
	if loanOp == nil {
		return nil, nil, nil
	}
	if loanOp.NeedsAttention() {
		return nil, nil, fmt.Errorf("%w: loan %s was rejected by the remote service (%s)", ledger.ErrInvalidRecord, loanID, loanOp.LastError)
	}

	for _, op := range ops {
		if op.Kind != buffer.KindRepayment || op.State == buffer.StateSynced || op.NeedsAttention() {
			continue
		}
		var prior ledger.Repayment
		if op.Decode(&prior) != nil || prior.LoanID != loanID {
			continue
		}
		if err := loan.ApplyRepayment(prior); err != nil {
			return nil, nil, fmt.Errorf("replay buffered repayment %s: %w", op.ID, err)
		}
	}
	return loanOp, &loan, nil
}
