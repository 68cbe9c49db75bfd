package dolt

import (
	"context"
	"errors"
	"testing"

	"github.com/go-sql-driver/mysql"
)

func TestManager_Merge(t *testing.T) {
	ctx := context.Background()

	t.Run("Options", func(t *testing.T) {
		srv := newFakeServer()
		srv.responses["CALL DOLT_MERGE"] = []Row{{"hash": "abc123", "fast_forward": int64(0), "conflicts": int64(0), "message": "merge successful"}}
		m := newTestManager(srv)
		m.UsePersistentConnection(ctx, "main")

		res, err := m.Merge(ctx, "feature/x", MergeOptions{Squash: true, NoFastForward: true, Message: "merge feature"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Hash != "abc123" || res.FastForward {
			t.Errorf("unexpected result %+v", res)
		}

		args := srv.lastArgs("CALL DOLT_MERGE")
		want := []any{"--author", "memoria <memoria@local>", "--squash", "--no-ff", "-m", "merge feature", "feature/x"}
		if len(args) != len(want) {
			t.Fatalf("got args %v, want %v", args, want)
		}
		for i := range want {
			if args[i] != want[i] {
				t.Errorf("arg %d = %v, want %v", i, args[i], want[i])
			}
		}
	})

	t.Run("Server Message Verbatim", func(t *testing.T) {
		srv := newFakeServer()
		srv.errs["CALL DOLT_MERGE"] = &mysql.MySQLError{Number: 1105, Message: "branch not found: nope"}
		m := newTestManager(srv)
		m.UsePersistentConnection(ctx, "feature/x")

		_, err := m.Merge(ctx, "nope", MergeOptions{})
		var me *MergeError
		if !errors.As(err, &me) {
			t.Fatalf("expected MergeError, got %v", err)
		}
		if err.Error() != "branch not found: nope" {
			t.Errorf("expected verbatim server text, got %q", err.Error())
		}
	})

	t.Run("Conflicts", func(t *testing.T) {
		srv := newFakeServer()
		srv.responses["CALL DOLT_MERGE"] = []Row{{"hash": "", "fast_forward": int64(0), "conflicts": int64(2), "message": "conflicts found in memory_blocks"}}
		m := newTestManager(srv)
		m.UsePersistentConnection(ctx, "feature/x")

		res, err := m.Merge(ctx, "feature/y", MergeOptions{})
		if err == nil || err.Error() != "conflicts found in memory_blocks" {
			t.Errorf("expected conflict message, got %v", err)
		}
		if res.Conflicts != 2 {
			t.Errorf("expected 2 conflicts, got %d", res.Conflicts)
		}
	})
}

func TestManager_Commit(t *testing.T) {
	ctx := context.Background()

	t.Run("Returns Hash", func(t *testing.T) {
		srv := newFakeServer()
		srv.responses["CALL DOLT_COMMIT"] = []Row{{"hash": "h1"}}
		m := newTestManager(srv)
		m.UsePersistentConnection(ctx, "feature/x")

		hash, err := m.Commit(ctx, "CREATE: b1 - x")
		if err != nil || hash != "h1" {
			t.Errorf("Commit = %q, %v", hash, err)
		}
		args := srv.lastArgs("CALL DOLT_COMMIT")
		if args[0] != "CREATE: b1 - x" {
			t.Errorf("unexpected message arg %v", args[0])
		}
	})

	t.Run("Nothing To Commit", func(t *testing.T) {
		srv := newFakeServer()
		srv.errs["CALL DOLT_COMMIT"] = errors.New("nothing to commit")
		srv.responses["SELECT DOLT_HASHOF"] = []Row{{"hash": "head"}}
		m := newTestManager(srv)
		m.UsePersistentConnection(ctx, "feature/x")

		hash, err := m.Commit(ctx, "noop")
		if err != nil || hash != "head" {
			t.Errorf("Commit = %q, %v; want HEAD hash", hash, err)
		}
	})
}

func TestManager_BranchVerbs(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	srv.responses["SELECT from_table_name"] = []Row{{
		"from_table_name": "memory_blocks", "to_table_name": "memory_blocks",
		"diff_type": "modified", "data_change": int64(1), "schema_change": int64(0),
	}}
	srv.responses["SELECT commit_hash"] = []Row{{"commit_hash": "h1", "committer": "memoria", "email": "memoria@local", "date": "2026-01-02 03:04:05", "message": "init"}}
	srv.responses["SELECT table_name"] = []Row{{"table_name": "memory_blocks", "staged": int64(0), "status": "modified"}}
	m := newTestManager(srv)

	t.Run("CreateBranch", func(t *testing.T) {
		if err := m.CreateBranch(ctx, "feature/x", "main"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		args := srv.lastArgs("CALL DOLT_BRANCH")
		if len(args) != 2 || args[0] != "feature/x" || args[1] != "main" {
			t.Errorf("unexpected args %v", args)
		}
	})

	t.Run("Checkout Pins Session", func(t *testing.T) {
		if err := m.Checkout(ctx, "feature/x"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := m.Checkout(ctx, "feature/y"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if b, ok := m.PersistentBranch(); !ok || b != "feature/y" {
			t.Errorf("expected pinned feature/y, got %q", b)
		}
	})

	t.Run("DiffSummary", func(t *testing.T) {
		out, err := m.DiffSummary(ctx, "main", "feature/y")
		if err != nil || len(out) != 1 {
			t.Fatalf("DiffSummary = %v, %v", out, err)
		}
		if !out[0].DataChange || out[0].SchemaChange || out[0].DiffType != "modified" {
			t.Errorf("unexpected summary %+v", out[0])
		}
	})

	t.Run("Log", func(t *testing.T) {
		out, err := m.Log(ctx, 5)
		if err != nil || len(out) != 1 {
			t.Fatalf("Log = %v, %v", out, err)
		}
		if out[0].Hash != "h1" || out[0].Date.Year() != 2026 {
			t.Errorf("unexpected commit %+v", out[0])
		}
	})

	t.Run("Status", func(t *testing.T) {
		out, err := m.Status(ctx)
		if err != nil || len(out) != 1 || out[0].Staged {
			t.Fatalf("Status = %v, %v", out, err)
		}
	})

	t.Run("Discard", func(t *testing.T) {
		if err := m.Discard(ctx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if srv.count("CALL DOLT_RESET") != 1 {
			t.Error("expected a hard reset")
		}
	})
}

func TestRow_Accessors(t *testing.T) {
	r := Row{
		"s":    "text",
		"n":    int64(7),
		"ns":   "12",
		"f":    3.5,
		"null": nil,
		"b":    "true",
		"ts":   "2026-03-04 05:06:07.123456",
	}

	if r.String("s") != "text" || r.String("null") != "" {
		t.Error("String accessor")
	}
	if r.NullString("null") != nil || *r.NullString("s") != "text" {
		t.Error("NullString accessor")
	}
	if r.Int64("n") != 7 || r.Int64("ns") != 12 {
		t.Error("Int64 accessor")
	}
	if f := r.NullFloat64("f"); f == nil || *f != 3.5 {
		t.Error("NullFloat64 accessor")
	}
	if r.NullFloat64("null") != nil {
		t.Error("NullFloat64 should be nil for NULL")
	}
	if !r.Bool("b") || !r.Bool("n") {
		t.Error("Bool accessor")
	}
	if ts := r.Time("ts"); ts.Year() != 2026 || ts.Nanosecond() != 123456000 {
		t.Errorf("Time accessor, got %v", ts)
	}
}
