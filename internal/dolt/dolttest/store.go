// Package dolttest provides an in-process stand-in for a Dolt branch, backed
// by an in-memory SQLite database. Writes accumulate in an open transaction
// that plays the role of the working set: Commit makes them durable and
// returns a commit hash, Discard throws them away.
package dolttest

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/felixgeelhaar/memoria/internal/dolt"
	"github.com/felixgeelhaar/memoria/internal/guard"
)

// Commit is one recorded commit.
type Commit struct {
	Hash    string
	Message string
}

// Store implements the subset of *dolt.Manager used by the memory bank and
// the migration runner.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	conn   *sql.Conn
	inTx   bool
	branch string
	guard  *guard.Guard

	noSchema bool

	commits []Commit
	writes  int

	failCommit  error
	failDiscard error
	failExec    map[string]error
}

// Option configures a Store.
type Option func(*Store)

// WithBranch sets the branch the store reports as active (default "feature/test").
func WithBranch(b string) Option {
	return func(s *Store) { s.branch = b }
}

// WithGuard enforces branch protection on writes.
func WithGuard(g *guard.Guard) Option {
	return func(s *Store) { s.guard = g }
}

// WithoutSchema skips creating the memory tables, for migration tests.
func WithoutSchema() Option {
	return func(s *Store) { s.noSchema = true }
}

// New opens an empty in-memory store with the memory schema applied.
func New(ctx context.Context, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}

	s := &Store{db: db, conn: conn, branch: "feature/test", failExec: map[string]error{}}
	for _, opt := range opts {
		opt(s)
	}

	if s.noSchema {
		return s, nil
	}
	for _, stmt := range Schema {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return s, nil
}

// MustNew is New for tests; the store is closed when t finishes.
func MustNew(t testing.TB, opts ...Option) *Store {
	t.Helper()
	s, err := New(context.Background(), opts...)
	if err != nil {
		t.Fatalf("dolttest: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// Close releases the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inTx {
		_, _ = s.conn.ExecContext(context.Background(), "ROLLBACK")
		s.inTx = false
	}
	s.conn.Close()
	return s.db.Close()
}

// Query runs a read statement on the working set.
func (s *Store) Query(ctx context.Context, query string, args ...any) ([]dolt.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return dolt.ScanRows(rows)
}

// Exec runs a write statement inside the working-set transaction.
func (s *Store) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.guard.CheckWrite("execute_update", s.branch); err != nil {
		return 0, err
	}
	for prefix, ferr := range s.failExec {
		if strings.HasPrefix(strings.TrimSpace(query), prefix) {
			return 0, ferr
		}
	}
	if !s.inTx {
		if _, err := s.conn.ExecContext(ctx, "BEGIN"); err != nil {
			return 0, err
		}
		s.inTx = true
	}
	res, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	s.writes++
	n, _ := res.RowsAffected()
	return n, nil
}

// Commit makes the working set durable and returns a deterministic hash.
func (s *Store) Commit(ctx context.Context, message string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.guard.CheckWrite("commit", s.branch); err != nil {
		return "", err
	}
	if err := s.failCommit; err != nil {
		s.failCommit = nil
		return "", err
	}
	if s.inTx {
		if _, err := s.conn.ExecContext(ctx, "COMMIT"); err != nil {
			return "", err
		}
		s.inTx = false
	}

	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%s", len(s.commits), message)))
	hash := hex.EncodeToString(sum[:16])
	s.commits = append(s.commits, Commit{Hash: hash, Message: message})
	return hash, nil
}

// Discard rolls back every uncommitted write.
func (s *Store) Discard(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failDiscard; err != nil {
		return err
	}
	if !s.inTx {
		return nil
	}
	s.inTx = false
	_, err := s.conn.ExecContext(ctx, "ROLLBACK")
	return err
}

// ActiveBranch returns the configured branch.
func (s *Store) ActiveBranch(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.branch, nil
}

// CheckWrite applies the guard to the active branch.
func (s *Store) CheckWrite(ctx context.Context, operation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guard.CheckWrite(operation, s.branch)
}

// PersistentBranch reports the active branch as pinned, like a manager in
// persistent mode.
func (s *Store) PersistentBranch() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.branch, true
}

// SetBranch switches the reported branch. Uncommitted writes stay pending.
func (s *Store) SetBranch(b string) {
	s.mu.Lock()
	s.branch = b
	s.mu.Unlock()
}

// FailNextCommit makes the next Commit return err without committing.
func (s *Store) FailNextCommit(err error) {
	s.mu.Lock()
	s.failCommit = err
	s.mu.Unlock()
}

// FailDiscard makes every Discard return err, leaving the working set dirty.
// A nil err restores normal behaviour.
func (s *Store) FailDiscard(err error) {
	s.mu.Lock()
	s.failDiscard = err
	s.mu.Unlock()
}

// FailExec makes writes whose statement starts with prefix return err.
func (s *Store) FailExec(prefix string, err error) {
	s.mu.Lock()
	if err == nil {
		delete(s.failExec, prefix)
	} else {
		s.failExec[prefix] = err
	}
	s.mu.Unlock()
}

// Commits returns the commits made so far, oldest first.
func (s *Store) Commits() []Commit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Commit(nil), s.commits...)
}

// Writes counts successful Exec calls.
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Dirty reports whether uncommitted writes are pending.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx
}
