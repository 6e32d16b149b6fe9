package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xraph/tally"
)

func TestUniqueViolation(t *testing.T) {
	dup := &pgconn.PgError{Code: "23505", ConstraintName: liveUserIndex}
	wrapped := fmt.Errorf("grove: insert: %w", dup)

	if !isUniqueViolation(wrapped) {
		t.Fatal("expected wrapped 23505 to be a unique violation")
	}
	if got := uniqueConstraint(wrapped); got != liveUserIndex {
		t.Errorf("constraint = %q, want %q", got, liveUserIndex)
	}
	if !errors.Is(mapInsertErr(wrapped), tally.ErrAlreadyExists) {
		t.Error("expected mapInsertErr to report ErrAlreadyExists")
	}

	// Message text alone is not enough.
	text := errors.New(`ERROR: duplicate key value violates unique constraint (SQLSTATE 23505)`)
	if isUniqueViolation(text) {
		t.Error("plain error text must not match")
	}

	fk := &pgconn.PgError{Code: "23503", ConstraintName: "fk_plan"}
	if isUniqueViolation(fk) || uniqueConstraint(fk) != "" {
		t.Error("foreign key violation must not match")
	}
	if isUniqueViolation(nil) {
		t.Error("nil must not match")
	}
}
