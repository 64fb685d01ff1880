package idgen

import (
	"strings"
	"testing"
)

func TestUUIDv7Unique(t *testing.T) {
	// WHAT: Consecutive IDs differ and parse as UUIDs.
	// WHY: Chunk/event IDs are primary keys; collisions would silently merge rows.
	gen := UUIDv7()
	seen := make(map[string]bool)
	for range 100 {
		id := gen()
		if len(id) != 36 {
			t.Fatalf("id %q has length %d, want 36", id, len(id))
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestPrefixed(t *testing.T) {
	// WHAT: Prefixed composes a fixed prefix onto the inner generator.
	// WHY: Type-scoped IDs ("evt_", "run_") make logs greppable by entity kind.
	gen := Prefixed("evt_", UUIDv7())
	if id := gen(); !strings.HasPrefix(id, "evt_") {
		t.Errorf("id %q missing evt_ prefix", id)
	}
}

func TestTimestampedSorts(t *testing.T) {
	// WHAT: Timestamped IDs begin with a UTC timestamp block.
	// WHY: Run directories are listed lexicographically; the prefix keeps them in order.
	gen := Timestamped(UUIDv7())
	id := gen()
	if len(id) < 17 || id[8] != 'T' || id[15] != 'Z' {
		t.Errorf("id %q does not start with a 20060102T150405Z timestamp", id)
	}
}
