// Package dolt manages connections to a Dolt sql-server: fresh, persistent
// (branch-pinned) and pooled sessions, transparent reconnection that
// re-verifies the pinned branch, branch write protection, and the Dolt
// version-control procedures.
package dolt

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/felixgeelhaar/memoria/internal/config"
	"github.com/felixgeelhaar/memoria/internal/guard"
	"github.com/felixgeelhaar/memoria/internal/observe"
)

// Manager owns the sessions to one database on the server.
//
// In persistent mode one session is pinned to a branch and reused. A
// persistent Manager must not be used by concurrent callers without external
// serialization; use pooled mode for concurrency.
type Manager struct {
	cfg    config.Database
	guard  *guard.Guard
	obs    *observe.Observer
	dialer Dialer
	author string
	pool   *pool

	// poolBranch is checked out and verified on every pooled borrow that
	// does not name a branch.
	poolBranch string

	mu     sync.Mutex
	pinned Session
	branch string

	// reconnectMu keeps at most one reconnection in flight.
	reconnectMu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the MySQL dialer, mainly for tests.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithPool enables pooled mode with at most size concurrent sessions.
func WithPool(size int) Option {
	return func(m *Manager) {
		if size > 0 {
			m.pool = newPool(size)
		}
	}
}

// WithPoolBranch sets the branch pooled sessions are checked out onto when
// the caller does not name one (default config.DefaultBranch).
func WithPoolBranch(branch string) Option {
	return func(m *Manager) {
		if branch != "" {
			m.poolBranch = branch
		}
	}
}

// WithAuthor sets the "Name <email>" author recorded on Dolt commits.
func WithAuthor(author string) Option {
	return func(m *Manager) { m.author = author }
}

// New creates a Manager. A nil guard allows writes everywhere; a nil observer
// discards logs.
func New(cfg config.Database, g *guard.Guard, obs *observe.Observer, opts ...Option) *Manager {
	m := &Manager{
		cfg:        cfg,
		guard:      g,
		obs:        observe.OrDiscard(obs),
		author:     "memoria <memoria@local>",
		poolBranch: config.DefaultBranch,
	}
	if cfg.PoolSize > 0 {
		m.pool = newPool(cfg.PoolSize)
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dialer == nil {
		m.dialer = NewMySQLDialer(cfg)
	}
	return m
}

// Guard returns the branch policy enforced by m.
func (m *Manager) Guard() *guard.Guard { return m.guard }

// GetConnection opens a fresh session owned by the caller.
func (m *Manager) GetConnection(ctx context.Context) (Session, error) {
	return m.dial(ctx)
}

// dial opens a session, retrying transport failures for at most the
// configured connect retry window.
func (m *Manager) dial(ctx context.Context) (Session, error) {
	var s Session
	var err error

	window := m.cfg.ConnectRetryWindow.Duration
	if window <= 0 {
		s, err = m.dialer.Dial(ctx)
	} else {
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = window
		err = backoff.Retry(func() error {
			var dialErr error
			s, dialErr = m.dialer.Dial(ctx)
			if dialErr != nil && !IsConnectionError(dialErr) {
				return backoff.Permanent(dialErr)
			}
			return dialErr
		}, backoff.WithContext(bo, ctx))
	}
	if err != nil {
		return nil, &ConnectError{Addr: m.cfg.Address(), Err: err}
	}
	return s, nil
}

// UsePersistentConnection pins a new session to branch. The branch reported
// by the server after checkout becomes the recorded branch; any difference
// beyond case and surrounding whitespace is a *BranchConsistencyError.
func (m *Manager) UsePersistentConnection(ctx context.Context, branch string) (err error) {
	ctx, span := m.startSpan(ctx, "dolt.use_persistent", attribute.String("dolt.branch", branch))
	defer func() { endSpan(span, err) }()

	m.mu.Lock()
	old, oldBranch := m.pinned, m.branch
	m.pinned, m.branch = nil, ""
	m.mu.Unlock()
	if old != nil {
		m.obs.Log().Warn().Str("branch", oldBranch).Msg("closing existing persistent connection")
		_ = old.Close()
	}

	s, err := m.dial(ctx)
	if err != nil {
		return err
	}
	actual, err := m.checkoutVerified(ctx, s, branch)
	if err != nil {
		_ = s.Close()
		return err
	}

	m.mu.Lock()
	m.pinned, m.branch = s, actual
	m.mu.Unlock()
	m.obs.Log().Info().Str("branch", actual).Msg("persistent connection ready")
	return nil
}

// ClosePersistentConnection releases the pinned session. Safe to call when
// none is open.
func (m *Manager) ClosePersistentConnection() error {
	m.mu.Lock()
	s := m.pinned
	m.pinned, m.branch = nil, ""
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}

// PersistentBranch reports the pinned branch, if any.
func (m *Manager) PersistentBranch() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.branch, m.pinned != nil
}

// Close releases the persistent session and all idle pooled sessions.
func (m *Manager) Close() error {
	err := m.ClosePersistentConnection()
	if m.pool != nil {
		m.pool.drain()
	}
	return err
}

// Query runs a read statement.
func (m *Manager) Query(ctx context.Context, query string, args ...any) (rows []Row, err error) {
	ctx, span := m.startSpan(ctx, "dolt.query",
		attribute.String("db.operation", "query"),
		attribute.String("db.statement", spanSQL(query)),
	)
	defer func() { endSpan(span, err) }()

	err = m.withRetry(ctx, "", func(ctx context.Context, s Session) error {
		var qerr error
		rows, qerr = s.Query(ctx, query, args...)
		return qerr
	})
	return rows, err
}

// Exec runs a write statement and returns the affected row count. Writes on a
// protected branch are refused before anything is sent.
func (m *Manager) Exec(ctx context.Context, query string, args ...any) (affected int64, err error) {
	ctx, span := m.startSpan(ctx, "dolt.exec",
		attribute.String("db.operation", "exec"),
		attribute.String("db.statement", spanSQL(query)),
	)
	defer func() { endSpan(span, err) }()

	err = m.withRetry(ctx, "execute_update", func(ctx context.Context, s Session) error {
		var eerr error
		affected, eerr = s.Exec(ctx, query, args...)
		return eerr
	})
	return affected, err
}

// ActiveBranch returns the pinned branch, or asks the server for the
// session's current branch. In pooled mode that is the pool branch.
func (m *Manager) ActiveBranch(ctx context.Context) (string, error) {
	if b, ok := m.PersistentBranch(); ok {
		return b, nil
	}
	var branch string
	err := m.withSession(ctx, "", func(ctx context.Context, s Session) error {
		var qerr error
		branch, qerr = queryActiveBranch(ctx, s)
		return qerr
	})
	return branch, err
}

// CheckWrite refuses operation when the active branch is protected.
func (m *Manager) CheckWrite(ctx context.Context, operation string) error {
	if m.guard == nil {
		return nil
	}
	branch, err := m.ActiveBranch(ctx)
	if err != nil {
		return err
	}
	return m.guard.CheckWrite(operation, branch)
}

type sessionOp func(ctx context.Context, s Session) error

// withRetry runs op on the persistent session, or on a fresh/pooled one when
// none is pinned. A transport failure on the persistent session triggers one
// reconnect and exactly one retry; the retry's error is returned as is. If
// the reconnect fails, the original error is returned.
func (m *Manager) withRetry(ctx context.Context, write string, op sessionOp) error {
	m.mu.Lock()
	s, branch := m.pinned, m.branch
	m.mu.Unlock()

	if s == nil {
		return m.withSession(ctx, write, op)
	}
	if write != "" {
		if err := m.guard.CheckWrite(write, branch); err != nil {
			return err
		}
	}

	err := op(ctx, s)
	if err == nil || !IsConnectionError(err) {
		return err
	}

	m.obs.Log().Warn().Err(err).Str("branch", branch).Msg("connection lost, reconnecting")
	ok, rerr := m.reconnect(ctx, s, branch)
	if rerr != nil {
		return rerr
	}
	if !ok {
		return err
	}

	m.mu.Lock()
	s = m.pinned
	m.mu.Unlock()
	if s == nil {
		return err
	}
	doltMetrics.retries.Add(ctx, 1)
	return op(ctx, s)
}

// withSession runs op on a pooled session checked out onto the pool branch,
// or on a fresh one that is closed afterwards.
func (m *Manager) withSession(ctx context.Context, write string, op sessionOp) error {
	run := func(ctx context.Context, s Session) error {
		if write != "" && m.guard != nil {
			branch, err := queryActiveBranch(ctx, s)
			if err != nil {
				return err
			}
			if err := m.guard.CheckWrite(write, branch); err != nil {
				return err
			}
		}
		return op(ctx, s)
	}

	if m.pool != nil {
		return m.Acquire(ctx, "", func(s Session) error { return run(ctx, s) })
	}

	s, err := m.dial(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	return run(ctx, s)
}

// reconnect replaces stale with a new session on branch. It returns false
// with a nil error when the server could not be reached, in which case all
// persistent state is cleared.
func (m *Manager) reconnect(ctx context.Context, stale Session, branch string) (bool, error) {
	m.reconnectMu.Lock()
	defer m.reconnectMu.Unlock()

	m.mu.Lock()
	cur := m.pinned
	m.mu.Unlock()
	if cur != stale {
		// Another caller already repaired (or closed) the session.
		return cur != nil, nil
	}

	doltMetrics.reconnects.Add(ctx, 1)
	_ = stale.Close()

	s, err := m.dial(ctx)
	if err != nil {
		m.clearPersistent(stale)
		m.obs.Log().Error().Err(err).Str("branch", branch).Msg("reconnect failed")
		return false, nil
	}

	actual, err := m.checkoutVerified(ctx, s, branch)
	if err != nil {
		_ = s.Close()
		m.clearPersistent(stale)
		var bce *BranchConsistencyError
		if errors.As(err, &bce) {
			return false, err
		}
		m.obs.Log().Error().Err(err).Str("branch", branch).Msg("reconnect checkout failed")
		return false, nil
	}

	m.mu.Lock()
	m.pinned, m.branch = s, actual
	m.mu.Unlock()
	m.obs.Log().Info().Str("branch", actual).Msg("reconnected")
	return true, nil
}

func (m *Manager) clearPersistent(stale Session) {
	m.mu.Lock()
	if m.pinned == stale {
		m.pinned, m.branch = nil, ""
	}
	m.mu.Unlock()
}

// checkoutVerified checks s out onto branch and returns the branch the
// server reports afterwards.
func (m *Manager) checkoutVerified(ctx context.Context, s Session, branch string) (string, error) {
	if _, err := s.Exec(ctx, "CALL DOLT_CHECKOUT(?)", branch); err != nil {
		return "", err
	}
	actual, err := queryActiveBranch(ctx, s)
	if err != nil {
		return "", err
	}
	if normalizeBranch(actual) != normalizeBranch(branch) {
		doltMetrics.branchMismatch.Add(ctx, 1)
		return "", &BranchConsistencyError{Expected: branch, Actual: actual}
	}
	return actual, nil
}

func queryActiveBranch(ctx context.Context, s Session) (string, error) {
	rows, err := s.Query(ctx, "SELECT active_branch() AS branch")
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", errors.New("active_branch() returned no rows")
	}
	return rows[0].String("branch"), nil
}

func normalizeBranch(b string) string {
	return strings.ToLower(strings.TrimSpace(b))
}
