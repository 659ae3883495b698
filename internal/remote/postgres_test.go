package remote

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mkutano/internal/ledger"
)

// setupTestDB connects to a PostgreSQL database for testing.
// It skips the test if the connection cannot be established.
func setupTestDB(t testing.TB) *sqlx.DB {
	t.Helper()

	pgUser := getenv("PGUSER", "user")
	pgPassword := getenv("PGPASSWORD", "password")
	pgHost := getenv("PGHOST", "localhost")
	pgPort := getenv("PGPORT", "5432")
	pgDB := getenv("PGDATABASE", "testdb")

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		pgHost, pgPort, pgUser, pgPassword, pgDB)

	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("failed to open database connection: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("skipping postgres tests: could not connect to postgres: %v", err)
	}
	if err := CreateTables(context.Background(), db); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func TestPostgresStoreRepaymentFlow(t *testing.T) {
	db := setupTestDB(t)
	store := NewPostgresStore(db)
	ctx := context.Background()

	group := "g-" + uuid.NewString()
	issued := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	loan, err := store.IssueLoan(ctx, &ledger.Loan{
		ID:           uuid.NewString(),
		GroupID:      group,
		MemberID:     "m1",
		Amount:       d(5000),
		InterestRate: d(10),
		IssuedAt:     issued,
		DueDate:      issued.AddDate(0, 3, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, "5500", loan.Balance.String())

	replayed, err := store.IssueLoan(ctx, loan)
	require.NoError(t, err, "replaying the same loan is not an error")
	assert.Equal(t, loan.ID, replayed.ID)

	first := repaymentFor(loan.ID, group, 1500, 250)
	_, err = store.RecordRepayment(ctx, &first)
	require.NoError(t, err)
	second := repaymentFor(loan.ID, group, 2200, 200)
	receipt, err := store.RecordRepayment(ctx, &second)
	require.NoError(t, err)
	assert.Equal(t, "1350", receipt.Loan.Balance.String())
	assert.Equal(t, ledger.LoanActive, receipt.Loan.Status)

	// a replay must not apply twice
	receipt, err = store.RecordRepayment(ctx, &second)
	require.NoError(t, err)
	assert.Equal(t, "1350", receipt.Loan.Balance.String())

	last := repaymentFor(loan.ID, group, 1300, 50)
	receipt, err = store.RecordRepayment(ctx, &last)
	require.NoError(t, err)
	assert.True(t, receipt.Loan.Balance.IsZero())
	assert.Equal(t, ledger.LoanRepaid, receipt.Loan.Status)

	stored, err := store.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, "5500", stored.TotalRepaid.String())
}

func TestPostgresStoreRejections(t *testing.T) {
	db := setupTestDB(t)
	store := NewPostgresStore(db)
	ctx := context.Background()

	orphan := repaymentFor(uuid.NewString(), "g1", 10, 0)
	_, err := store.RecordRepayment(ctx, &orphan)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, IsPermanent(err))

	c := &ledger.Contribution{ID: uuid.NewString(), GroupID: "g1", MemberID: "m1", Type: ledger.ContributionShare, Shares: 2, Amount: d(400)}
	_, err = store.CreateContribution(ctx, c)
	require.NoError(t, err)

	altered := *c
	altered.Amount = d(900)
	_, err = store.CreateContribution(ctx, &altered)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestPostgresStoreOverdueAndWriteOff(t *testing.T) {
	db := setupTestDB(t)
	store := NewPostgresStore(db)
	ctx := context.Background()

	group := "g-" + uuid.NewString()
	loan, err := store.IssueLoan(ctx, &ledger.Loan{
		ID:           uuid.NewString(),
		GroupID:      group,
		MemberID:     "m1",
		Amount:       d(1000),
		InterestRate: d(10),
		IssuedAt:     time.Now().Add(-30 * 24 * time.Hour),
		DueDate:      time.Now().Add(-48 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.LoanOverdue, loan.Status)

	r := repaymentFor(loan.ID, group, 100, 0)
	receipt, err := store.RecordRepayment(ctx, &r)
	require.NoError(t, err)
	assert.Equal(t, ledger.LoanOverdue, receipt.Loan.Status)

	stored, err := store.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.LoanOverdue, stored.Status)

	written, err := store.WriteOffLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.LoanWrittenOff, written.Status)

	_, err = store.WriteOffLoan(ctx, loan.ID)
	assert.ErrorIs(t, err, ledger.ErrLoanClosed)

	open, err := store.IssueLoan(ctx, &ledger.Loan{ID: uuid.NewString(), GroupID: group, MemberID: "m2", Amount: d(300), InterestRate: d(0)})
	require.NoError(t, err)
	stored, err = store.GetLoan(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.LoanActive, stored.Status, "a loan without a due date stays active")
}
