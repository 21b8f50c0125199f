package ledger

import (
	"context"
	"strings"
	"testing"

	"github.com/torus-labs/runproof/internal/replay"
)

func TestBuildListQueryRequiresFilter(t *testing.T) {
	_, _, err := buildListQuery(Filter{})
	if err == nil {
		t.Fatal("expected error for empty filter")
	}
}

func TestBuildListQueryByTarget(t *testing.T) {
	query, args, err := buildListQuery(Filter{Target: "/runs/shot-30427"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(args) != 1 || args[0] != "/runs/shot-30427" {
		t.Fatalf("expected target as only arg, got %v", args)
	}
	if !strings.Contains(query, "target = $1") {
		t.Fatalf("expected target predicate, got %s", query)
	}
	if !strings.Contains(query, "ORDER BY recorded_at DESC") {
		t.Fatalf("expected newest-first ordering, got %s", query)
	}
}

func TestBuildListQueryWithCheckAndLimit(t *testing.T) {
	query, args, err := buildListQuery(Filter{Target: "/runs/a", Check: CheckReplay, Limit: 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(args) != 3 {
		t.Fatalf("expected 3 args, got %d", len(args))
	}
	if !strings.Contains(query, "check_kind = $2") {
		t.Fatalf("expected check predicate, got %s", query)
	}
	if !strings.Contains(query, "LIMIT $3") {
		t.Fatalf("expected limit clause, got %s", query)
	}
}

func TestBuildListQueryTrimsTarget(t *testing.T) {
	_, args, err := buildListQuery(Filter{Target: "  /runs/a  "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if args[0] != "/runs/a" {
		t.Fatalf("expected trimmed target, got %q", args[0])
	}
}

func TestStoreRequiresDB(t *testing.T) {
	if NewStore(nil) != nil {
		t.Fatal("expected nil store for nil db")
	}
	var s *Store
	if err := s.EnsureSchema(context.Background()); err == nil {
		t.Fatal("expected error from uninitialized store")
	}
	if _, err := s.RecordReplay(context.Background(), replay.Report{Target: "/runs/a"}); err == nil {
		t.Fatal("expected error from uninitialized store")
	}
	if _, err := s.ListVerdicts(context.Background(), Filter{Target: "/runs/a"}); err == nil {
		t.Fatal("expected error from uninitialized store")
	}
}
