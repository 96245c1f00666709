package activity

import (
	"strings"
	"testing"
)

func TestSQLSource_PostgresPlaceholders(t *testing.T) {
	s := &SQLSource{driver: "postgres", table: DefaultTable}
	query, args := s.build(Query{Filter: DefaultFilter(), Limit: 1})

	if !strings.Contains(query, "action NOT IN ($1, $2)") {
		t.Fatalf("unexpected action clause: %s", query)
	}
	if !strings.Contains(query, "collection NOT IN ($3, $4, $5, $6, $7, $8, $9)") {
		t.Fatalf("unexpected collection clause: %s", query)
	}
	if !strings.HasSuffix(query, "LIMIT $10") {
		t.Fatalf("expected numbered LIMIT placeholder, got: %s", query)
	}
	if len(args) != 10 {
		t.Fatalf("expected 10 args, got %d", len(args))
	}
	if args[9] != 1 {
		t.Fatalf("last arg = %v, want limit 1", args[9])
	}
}

func TestSQLSource_SQLitePlaceholders(t *testing.T) {
	s := &SQLSource{driver: "sqlite", table: "activity"}
	query, args := s.build(Query{})
	want := "SELECT id, action, collection, timestamp FROM activity ORDER BY timestamp DESC, id DESC"
	if query != want {
		t.Fatalf("query = %q, want %q", query, want)
	}
	if len(args) != 0 {
		t.Fatalf("expected no args, got %v", args)
	}
}

func TestParseTimestamp(t *testing.T) {
	for _, s := range []string{"2024-01-15T10:30:00Z", "2024-01-15 10:30:00", "2024-01-15T10:30:00.123"} {
		if parseTimestamp(s).IsZero() {
			t.Errorf("parseTimestamp(%q) returned zero time", s)
		}
	}
	if !parseTimestamp("yesterday").IsZero() {
		t.Errorf("expected zero time for unparseable input")
	}
}
