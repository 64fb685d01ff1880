package main

import (
	"testing"

	"github.com/hydrolab/hydroharvest/dbopen"
)

// WHAT: the binary's import graph registers the sqlite driver.
// WHY: dbopen only calls sql.Open("sqlite"); without the blank import in
// main the state and events databases cannot be opened at runtime.
func TestSQLiteDriverRegistered(t *testing.T) {
	db, err := dbopen.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
