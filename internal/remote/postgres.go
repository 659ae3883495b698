// internal/remote/postgres.go
package remote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"mkutano/internal/ledger"
)

const (
	loanColumns = `id, meeting_id, group_id, member_id, member_name, amount, interest_rate,
		purpose, issued_at, due_date, status, total_repaid, balance, issued_by`
	repaymentColumns = `id, loan_id, meeting_id, group_id, member_id, member_name,
		principal, interest, total, recorded_at, recorded_by`
	contributionColumns = `id, meeting_id, group_id, member_id, member_name, shares,
		amount, type, recorded_at, recorded_by, confirmed`
)

// PostgresStore is the Service backed by PostgreSQL. Inserts are keyed by
// the client-chosen record ID, so a replayed write finds its earlier copy.
type PostgresStore struct {
	db     *sqlx.DB
	tracer trace.Tracer
	now    func() time.Time
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{
		db:     db,
		tracer: otel.Tracer("mkutano/remote"),
		now:    time.Now,
	}
}

func (s *PostgresStore) CreateContribution(ctx context.Context, c *ledger.Contribution) (*ledger.Contribution, error) {
	ctx, span := s.tracer.Start(ctx, "remote.create_contribution",
		trace.WithAttributes(
			attribute.String("contribution.id", c.ID),
			attribute.String("group.id", c.GroupID),
		),
	)
	defer span.End()

	if err := c.Validate(); err != nil {
		return nil, spanError(span, err)
	}
	rec := *c
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = s.now().UTC()
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO contributions (`+contributionColumns+`)
		VALUES (:id, :meeting_id, :group_id, :member_id, :member_name, :shares,
			:amount, :type, :recorded_at, :recorded_by, :confirmed)
	`, &rec)
	if isUniqueViolation(err) {
		var stored ledger.Contribution
		if err := s.db.GetContext(ctx, &stored, `SELECT `+contributionColumns+` FROM contributions WHERE id = $1`, rec.ID); err != nil {
			return nil, spanError(span, fmt.Errorf("load contribution %s: %w", rec.ID, err))
		}
		if !sameContribution(stored, rec) {
			return nil, spanError(span, fmt.Errorf("contribution %s: %w", rec.ID, ErrConflict))
		}
		span.SetAttributes(attribute.Bool("replayed", true))
		return &stored, nil
	}
	if err != nil {
		return nil, spanError(span, fmt.Errorf("insert contribution: %w", err))
	}
	return &rec, nil
}

func (s *PostgresStore) IssueLoan(ctx context.Context, l *ledger.Loan) (*ledger.Loan, error) {
	ctx, span := s.tracer.Start(ctx, "remote.issue_loan",
		trace.WithAttributes(
			attribute.String("loan.id", l.ID),
			attribute.String("group.id", l.GroupID),
			attribute.String("loan.amount", l.Amount.String()),
		),
	)
	defer span.End()

	req := *l
	if req.IssuedAt.IsZero() {
		req.IssuedAt = s.now().UTC()
	}
	loan, err := ledger.NewLoan(req)
	if err != nil {
		return nil, spanError(span, err)
	}
	if loan.ID == "" {
		loan.ID = uuid.NewString()
	}
	// a zero due date is stored as is and means the loan never goes overdue
	loan.RefreshStatus(s.now())

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO loans (`+loanColumns+`)
		VALUES (:id, :meeting_id, :group_id, :member_id, :member_name, :amount, :interest_rate,
			:purpose, :issued_at, :due_date, :status, :total_repaid, :balance, :issued_by)
	`, loan)
	if isUniqueViolation(err) {
		stored, err := s.getLoan(ctx, s.db, loan.ID, false)
		if err != nil {
			return nil, spanError(span, err)
		}
		if !sameLoan(*stored, *loan) {
			return nil, spanError(span, fmt.Errorf("loan %s: %w", loan.ID, ErrConflict))
		}
		if err := s.refreshStatus(ctx, s.db, stored); err != nil {
			return nil, spanError(span, err)
		}
		span.SetAttributes(attribute.Bool("replayed", true))
		return stored, nil
	}
	if err != nil {
		return nil, spanError(span, fmt.Errorf("insert loan: %w", err))
	}
	return loan, nil
}

// RecordRepayment applies r to its loan under a row lock so concurrent
// repayments of the same loan serialize.
func (s *PostgresStore) RecordRepayment(ctx context.Context, r *ledger.Repayment) (*RepaymentReceipt, error) {
	ctx, span := s.tracer.Start(ctx, "remote.record_repayment",
		trace.WithAttributes(
			attribute.String("repayment.id", r.ID),
			attribute.String("loan.id", r.LoanID),
			attribute.String("repayment.total", r.Total.String()),
		),
	)
	defer span.End()

	if err := r.Validate(); err != nil {
		return nil, spanError(span, err)
	}
	rec := *r
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = s.now().UTC()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, spanError(span, fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	loan, err := s.getLoan(ctx, tx, rec.LoanID, true)
	if err != nil {
		return nil, spanError(span, err)
	}
	overdue := loan.RefreshStatus(s.now())

	var stored ledger.Repayment
	err = tx.GetContext(ctx, &stored, `SELECT `+repaymentColumns+` FROM repayments WHERE id = $1`, rec.ID)
	switch {
	case err == nil:
		if !sameRepayment(stored, rec) {
			return nil, spanError(span, fmt.Errorf("repayment %s: %w", rec.ID, ErrConflict))
		}
		if overdue {
			if _, err := tx.ExecContext(ctx, `UPDATE loans SET status = $1 WHERE id = $2`, loan.Status, loan.ID); err != nil {
				return nil, spanError(span, fmt.Errorf("update loan: %w", err))
			}
			if err := tx.Commit(); err != nil {
				return nil, spanError(span, fmt.Errorf("commit transaction: %w", err))
			}
		}
		span.SetAttributes(attribute.Bool("replayed", true))
		return &RepaymentReceipt{Repayment: stored, Loan: *loan}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, spanError(span, fmt.Errorf("load repayment %s: %w", rec.ID, err))
	}

	if err := loan.ApplyRepayment(rec); err != nil {
		return nil, spanError(span, err)
	}

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO repayments (`+repaymentColumns+`)
		VALUES (:id, :loan_id, :meeting_id, :group_id, :member_id, :member_name,
			:principal, :interest, :total, :recorded_at, :recorded_by)
	`, &rec); err != nil {
		return nil, spanError(span, fmt.Errorf("insert repayment: %w", err))
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE loans SET total_repaid = $1, balance = $2, status = $3 WHERE id = $4
	`, loan.TotalRepaid, loan.Balance, loan.Status, loan.ID); err != nil {
		return nil, spanError(span, fmt.Errorf("update loan: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return nil, spanError(span, fmt.Errorf("commit transaction: %w", err))
	}

	span.SetAttributes(
		attribute.String("loan.balance", loan.Balance.String()),
		attribute.String("loan.status", string(loan.Status)),
	)
	return &RepaymentReceipt{Repayment: rec, Loan: *loan}, nil
}

// GetLoan returns the stored loan, moving it to overdue first when its due
// date has passed.
func (s *PostgresStore) GetLoan(ctx context.Context, id string) (*ledger.Loan, error) {
	ctx, span := s.tracer.Start(ctx, "remote.get_loan", trace.WithAttributes(attribute.String("loan.id", id)))
	defer span.End()

	loan, err := s.getLoan(ctx, s.db, id, false)
	if err != nil {
		return nil, spanError(span, err)
	}
	if err := s.refreshStatus(ctx, s.db, loan); err != nil {
		return nil, spanError(span, err)
	}
	return loan, nil
}

// WriteOffLoan closes an open loan by administrative decision.
func (s *PostgresStore) WriteOffLoan(ctx context.Context, id string) (*ledger.Loan, error) {
	ctx, span := s.tracer.Start(ctx, "remote.write_off_loan", trace.WithAttributes(attribute.String("loan.id", id)))
	defer span.End()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, spanError(span, fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	loan, err := s.getLoan(ctx, tx, id, true)
	if err != nil {
		return nil, spanError(span, err)
	}
	loan.RefreshStatus(s.now())
	if err := loan.WriteOff(); err != nil {
		return nil, spanError(span, fmt.Errorf("loan %s: %w", id, err))
	}
	if _, err := tx.ExecContext(ctx, `UPDATE loans SET status = $1 WHERE id = $2`, loan.Status, loan.ID); err != nil {
		return nil, spanError(span, fmt.Errorf("update loan: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return nil, spanError(span, fmt.Errorf("commit transaction: %w", err))
	}
	return loan, nil
}

// refreshStatus applies RefreshStatus to loan and persists an overdue
// transition. The update only matches an active row, so it never undoes a
// concurrent repayment or write-off.
func (s *PostgresStore) refreshStatus(ctx context.Context, db sqlx.ExecerContext, loan *ledger.Loan) error {
	if !loan.RefreshStatus(s.now()) {
		return nil
	}
	if _, err := db.ExecContext(ctx, `UPDATE loans SET status = $1 WHERE id = $2 AND status = $3`,
		loan.Status, loan.ID, ledger.LoanActive); err != nil {
		return fmt.Errorf("mark loan %s overdue: %w", loan.ID, err)
	}
	return nil
}

func (s *PostgresStore) getLoan(ctx context.Context, q sqlx.QueryerContext, id string, forUpdate bool) (*ledger.Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM loans WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var loan ledger.Loan
	if err := sqlx.GetContext(ctx, q, &loan, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("loan %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("load loan %s: %w", id, err)
	}
	return &loan, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("error.class", Classify(err).String()))
	return err
}
