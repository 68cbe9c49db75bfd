package dolt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel/attribute"
)

// CommitInfo is one entry of dolt_log.
type CommitInfo struct {
	Hash    string
	Author  string
	Email   string
	Date    time.Time
	Message string
}

// StatusEntry is one changed table in dolt_status.
type StatusEntry struct {
	Table  string
	Staged bool
	Status string
}

// DiffSummary describes how one table differs between two refs.
type DiffSummary struct {
	FromTable    string
	ToTable      string
	DiffType     string
	DataChange   bool
	SchemaChange bool
}

// MergeOptions controls DOLT_MERGE.
type MergeOptions struct {
	Squash        bool
	NoFastForward bool
	Message       string
}

// MergeResult is the row returned by DOLT_MERGE.
type MergeResult struct {
	Hash        string
	FastForward bool
	Conflicts   int
	Message     string
}

// CreateBranch creates name from the current HEAD, or from ref when given.
func (m *Manager) CreateBranch(ctx context.Context, name, from string) (err error) {
	ctx, span := m.startSpan(ctx, "dolt.branch", attribute.String("dolt.branch", name))
	defer func() { endSpan(span, err) }()

	q, args := "CALL DOLT_BRANCH(?)", []any{name}
	if from != "" {
		q, args = "CALL DOLT_BRANCH(?, ?)", []any{name, from}
	}
	err = m.withRetry(ctx, "", func(ctx context.Context, s Session) error {
		_, e := s.Exec(ctx, q, args...)
		return e
	})
	if err != nil {
		return fmt.Errorf("failed to create branch %s: %w", name, err)
	}
	return nil
}

// Checkout moves the persistent session to branch, opening one when none is
// pinned.
func (m *Manager) Checkout(ctx context.Context, branch string) (err error) {
	m.mu.Lock()
	s := m.pinned
	m.mu.Unlock()
	if s == nil {
		return m.UsePersistentConnection(ctx, branch)
	}

	ctx, span := m.startSpan(ctx, "dolt.checkout", attribute.String("dolt.branch", branch))
	defer func() { endSpan(span, err) }()

	var actual string
	err = m.withRetry(ctx, "", func(ctx context.Context, s Session) error {
		var e error
		actual, e = m.checkoutVerified(ctx, s, branch)
		return e
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.branch = actual
	m.mu.Unlock()
	return nil
}

// DiffSummary lists the tables that changed between from and to.
func (m *Manager) DiffSummary(ctx context.Context, from, to string) ([]DiffSummary, error) {
	rows, err := m.Query(ctx,
		"SELECT from_table_name, to_table_name, diff_type, data_change, schema_change FROM dolt_diff_summary(?, ?)",
		from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to diff %s..%s: %w", from, to, err)
	}
	out := make([]DiffSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, DiffSummary{
			FromTable:    r.String("from_table_name"),
			ToTable:      r.String("to_table_name"),
			DiffType:     r.String("diff_type"),
			DataChange:   r.Bool("data_change"),
			SchemaChange: r.Bool("schema_change"),
		})
	}
	return out, nil
}

// Diff returns the row-level changes to table between from and to.
func (m *Manager) Diff(ctx context.Context, from, to, table string) ([]Row, error) {
	rows, err := m.Query(ctx, "SELECT * FROM dolt_diff(?, ?, ?)", from, to, table)
	if err != nil {
		return nil, fmt.Errorf("failed to diff %s in %s..%s: %w", table, from, to, err)
	}
	return rows, nil
}

// Merge merges branch into the active branch. Failures, including conflicts,
// come back as *MergeError carrying the server's text verbatim.
func (m *Manager) Merge(ctx context.Context, branch string, opts MergeOptions) (res MergeResult, err error) {
	ctx, span := m.startSpan(ctx, "dolt.merge", attribute.String("dolt.merge_branch", branch))
	defer func() { endSpan(span, err) }()

	args := []any{"--author", m.author}
	if opts.Squash {
		args = append(args, "--squash")
	}
	if opts.NoFastForward {
		args = append(args, "--no-ff")
	}
	if opts.Message != "" {
		args = append(args, "-m", opts.Message)
	}
	args = append(args, branch)
	q := "CALL DOLT_MERGE(" + placeholders(len(args)) + ")"

	var rows []Row
	err = m.withRetry(ctx, "", func(ctx context.Context, s Session) error {
		var e error
		rows, e = s.Query(ctx, q, args...)
		return e
	})
	if err != nil {
		return res, &MergeError{Branch: branch, Message: serverMessage(err), Err: err}
	}
	if len(rows) > 0 {
		r := rows[0]
		res = MergeResult{
			Hash:        r.String("hash"),
			FastForward: r.Bool("fast_forward"),
			Conflicts:   int(r.Int64("conflicts")),
			Message:     r.String("message"),
		}
	}
	if res.Conflicts > 0 {
		span.SetAttributes(attribute.Int("dolt.conflicts", res.Conflicts))
		msg := res.Message
		if msg == "" {
			msg = fmt.Sprintf("merge has %d conflicts", res.Conflicts)
		}
		return res, &MergeError{Branch: branch, Message: msg}
	}
	return res, nil
}

// Commit stages all changes and commits them, returning the new commit hash.
// When there is nothing to commit the current HEAD hash is returned.
func (m *Manager) Commit(ctx context.Context, message string) (hash string, err error) {
	ctx, span := m.startSpan(ctx, "dolt.commit")
	defer func() { endSpan(span, err) }()

	err = m.withRetry(ctx, "commit", func(ctx context.Context, s Session) error {
		rows, e := s.Query(ctx, "CALL DOLT_COMMIT('-Am', ?, '--author', ?)", message, m.author)
		if e != nil {
			if !isNothingToCommit(e) {
				return e
			}
			rows, e = s.Query(ctx, "SELECT DOLT_HASHOF('HEAD') AS hash")
			if e != nil {
				return e
			}
		}
		if len(rows) > 0 {
			hash = rows[0].String("hash")
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return hash, nil
}

// Stage adds tables (all when none given) to the staging area.
func (m *Manager) Stage(ctx context.Context, tables ...string) (err error) {
	ctx, span := m.startSpan(ctx, "dolt.add")
	defer func() { endSpan(span, err) }()

	args := []any{"-A"}
	if len(tables) > 0 {
		args = args[:0]
		for _, t := range tables {
			args = append(args, t)
		}
	}
	q := "CALL DOLT_ADD(" + placeholders(len(args)) + ")"
	return m.withRetry(ctx, "stage", func(ctx context.Context, s Session) error {
		_, e := s.Exec(ctx, q, args...)
		return e
	})
}

// Push pushes branch to remote.
func (m *Manager) Push(ctx context.Context, remote, branch string) (err error) {
	ctx, span := m.startSpan(ctx, "dolt.push",
		attribute.String("dolt.remote", remote),
		attribute.String("dolt.branch", branch),
	)
	defer func() { endSpan(span, err) }()

	if err := m.guard.CheckWrite("push", branch); err != nil {
		return err
	}
	err = m.withRetry(ctx, "", func(ctx context.Context, s Session) error {
		_, e := s.Exec(ctx, "CALL DOLT_PUSH(?, ?)", remote, branch)
		return e
	})
	if err != nil {
		return fmt.Errorf("failed to push %s to %s: %w", branch, remote, err)
	}
	return nil
}

// Discard drops every uncommitted change on the active branch.
func (m *Manager) Discard(ctx context.Context) (err error) {
	ctx, span := m.startSpan(ctx, "dolt.reset_hard")
	defer func() { endSpan(span, err) }()

	return m.withRetry(ctx, "", func(ctx context.Context, s Session) error {
		_, e := s.Exec(ctx, "CALL DOLT_RESET('--hard')")
		return e
	})
}

// Log returns the most recent commits, newest first.
func (m *Manager) Log(ctx context.Context, limit int) ([]CommitInfo, error) {
	rows, err := m.Query(ctx,
		"SELECT commit_hash, committer, email, date, message FROM dolt_log LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get log: %w", err)
	}
	out := make([]CommitInfo, 0, len(rows))
	for _, r := range rows {
		out = append(out, CommitInfo{
			Hash:    r.String("commit_hash"),
			Author:  r.String("committer"),
			Email:   r.String("email"),
			Date:    r.Time("date"),
			Message: r.String("message"),
		})
	}
	return out, nil
}

// Status lists tables with uncommitted changes.
func (m *Manager) Status(ctx context.Context) ([]StatusEntry, error) {
	rows, err := m.Query(ctx, "SELECT table_name, staged, status FROM dolt_status")
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}
	out := make([]StatusEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, StatusEntry{
			Table:  r.String("table_name"),
			Staged: r.Bool("staged"),
			Status: r.String("status"),
		})
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func isNothingToCommit(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "nothing to commit")
}

// serverMessage extracts the server's own text from a driver error.
func serverMessage(err error) string {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Message
	}
	return err.Error()
}
