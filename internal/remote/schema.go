// internal/remote/schema.go
package remote

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const schema = `
CREATE TABLE IF NOT EXISTS loans (
	id            TEXT PRIMARY KEY,
	meeting_id    TEXT NOT NULL DEFAULT '',
	group_id      TEXT NOT NULL,
	member_id     TEXT NOT NULL,
	member_name   TEXT NOT NULL DEFAULT '',
	amount        NUMERIC NOT NULL CHECK (amount > 0),
	interest_rate NUMERIC NOT NULL CHECK (interest_rate >= 0),
	purpose       TEXT NOT NULL DEFAULT '',
	issued_at     TIMESTAMPTZ NOT NULL,
	due_date      TIMESTAMPTZ NOT NULL,
	status        TEXT NOT NULL,
	total_repaid  NUMERIC NOT NULL DEFAULT 0 CHECK (total_repaid >= 0),
	balance       NUMERIC NOT NULL CHECK (balance >= 0),
	issued_by     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS repayments (
	id          TEXT PRIMARY KEY,
	loan_id     TEXT NOT NULL REFERENCES loans(id),
	meeting_id  TEXT NOT NULL DEFAULT '',
	group_id    TEXT NOT NULL,
	member_id   TEXT NOT NULL,
	member_name TEXT NOT NULL DEFAULT '',
	principal   NUMERIC NOT NULL CHECK (principal >= 0),
	interest    NUMERIC NOT NULL CHECK (interest >= 0),
	total       NUMERIC NOT NULL CHECK (total > 0),
	recorded_at TIMESTAMPTZ NOT NULL,
	recorded_by TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS contributions (
	id          TEXT PRIMARY KEY,
	meeting_id  TEXT NOT NULL DEFAULT '',
	group_id    TEXT NOT NULL,
	member_id   TEXT NOT NULL,
	member_name TEXT NOT NULL DEFAULT '',
	shares      INT NOT NULL DEFAULT 0 CHECK (shares >= 0),
	amount      NUMERIC NOT NULL CHECK (amount > 0),
	type        TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	recorded_by TEXT NOT NULL DEFAULT '',
	confirmed   BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_loans_group ON loans(group_id);
CREATE INDEX IF NOT EXISTS idx_repayments_loan ON repayments(loan_id);
CREATE INDEX IF NOT EXISTS idx_contributions_group ON contributions(group_id);
`

// CreateTables creates the three ledger tables if they are missing.
func CreateTables(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}
