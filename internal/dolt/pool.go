package dolt

import (
	"context"
)

// pool bounds the number of concurrently borrowed sessions and keeps
// released ones for reuse.
type pool struct {
	sem  chan struct{}
	idle chan Session
}

func newPool(size int) *pool {
	return &pool{
		sem:  make(chan struct{}, size),
		idle: make(chan Session, size),
	}
}

func (p *pool) drain() {
	for {
		select {
		case s := <-p.idle:
			_ = s.Close()
		default:
			return
		}
	}
}

// Acquire borrows a session, checks its health (redialing a dead one), checks
// it out onto branch (the pool branch when empty) and verifies the result,
// then runs fn. The session is always released; one that failed with a transport
// error is closed instead of being returned to the pool.
//
// Without pooled mode Acquire dials a fresh session for fn.
func (m *Manager) Acquire(ctx context.Context, branch string, fn func(Session) error) error {
	if m.pool == nil {
		s, err := m.dial(ctx)
		if err != nil {
			return err
		}
		defer s.Close()
		if branch != "" {
			if _, err := m.checkoutVerified(ctx, s, branch); err != nil {
				return err
			}
		}
		return fn(s)
	}

	if branch == "" {
		branch = m.poolBranch
	}

	select {
	case m.pool.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-m.pool.sem }()

	s, err := m.borrow(ctx)
	if err != nil {
		return err
	}

	if _, err := m.checkoutVerified(ctx, s, branch); err != nil {
		_ = s.Close()
		return err
	}

	err = fn(s)
	if err != nil && IsConnectionError(err) {
		_ = s.Close()
		return err
	}
	select {
	case m.pool.idle <- s:
	default:
		_ = s.Close()
	}
	return err
}

func (m *Manager) borrow(ctx context.Context) (Session, error) {
	var s Session
	select {
	case s = <-m.pool.idle:
	default:
		return m.dial(ctx)
	}

	_, err := s.Query(ctx, "SELECT 1")
	if err == nil {
		return s, nil
	}
	_ = s.Close()
	if !IsConnectionError(err) {
		return nil, err
	}
	doltMetrics.reconnects.Add(ctx, 1)
	m.obs.Log().Warn().Err(err).Msg("pooled session unhealthy, redialing")
	return m.dial(ctx)
}
