package db

import (
	"database/sql"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
)

func TestUniqueViolation(t *testing.T) {
	err := fmt.Errorf("exec failed: %w", &mysql.MySQLError{
		Number:  1062,
		Message: "Duplicate entry 'r1' for key 'battle_settlements.uk_room_id'",
	})
	key, ok := UniqueViolation(err)
	if !ok {
		t.Fatalf("expected duplicate key error to be detected")
	}
	if key != "battle_settlements.uk_room_id" {
		t.Fatalf("unexpected key name: %q", key)
	}

	if _, ok := UniqueViolation(&mysql.MySQLError{Number: 1213}); ok {
		t.Fatalf("deadlock must not be reported as unique violation")
	}
}

func TestIsNoRowsWrapped(t *testing.T) {
	if !IsNoRows(fmt.Errorf("scan failed: %w", sql.ErrNoRows)) {
		t.Fatalf("expected wrapped ErrNoRows to match")
	}
	if IsNoRows(nil) {
		t.Fatalf("nil is not ErrNoRows")
	}
}
