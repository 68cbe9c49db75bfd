package dolt

import (
	"context"
	"database/sql/driver"
	"strings"
	"sync"
)

// fakeServer scripts the behaviour of a Dolt server for Manager tests.
type fakeServer struct {
	mu sync.Mutex

	defaultBranch string
	// checkoutOverride, when set, is the branch a checkout actually lands on.
	checkoutOverride string

	dials    int
	dialErrs []error

	// failures are returned, in order, by the next data statements.
	failures []error

	responses map[string][]Row
	errs      map[string]error

	statements []string
	args       [][]any
	writes     int
	sessions   []*fakeSession
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		defaultBranch: "main",
		responses:     map[string][]Row{},
		errs:          map[string]error{},
	}
}

func (f *fakeServer) Dial(ctx context.Context) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if len(f.dialErrs) > 0 {
		err := f.dialErrs[0]
		f.dialErrs = f.dialErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	s := &fakeSession{srv: f, branch: f.defaultBranch}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeServer) failNext(errs ...error) {
	f.mu.Lock()
	f.failures = append(f.failures, errs...)
	f.mu.Unlock()
}

func (f *fakeServer) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeServer) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func (f *fakeServer) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.statements {
		if strings.HasPrefix(s, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeServer) lastArgs(prefix string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.statements) - 1; i >= 0; i-- {
		if strings.HasPrefix(f.statements[i], prefix) {
			return f.args[i]
		}
	}
	return nil
}

type fakeSession struct {
	srv    *fakeServer
	branch string
	closed bool
}

func (s *fakeSession) control(query string, args []any) ([]Row, bool, error) {
	switch {
	case strings.HasPrefix(query, "CALL DOLT_CHECKOUT"):
		s.branch = args[0].(string)
		if s.srv.checkoutOverride != "" {
			s.branch = s.srv.checkoutOverride
		}
		return nil, true, nil
	case strings.Contains(query, "active_branch()"):
		return []Row{{"branch": s.branch}}, true, nil
	}
	return nil, false, nil
}

func (s *fakeSession) run(query string, args []any) ([]Row, error) {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()

	if s.closed {
		return nil, driver.ErrBadConn
	}
	s.srv.statements = append(s.srv.statements, query)
	s.srv.args = append(s.srv.args, args)

	if rows, ok, err := s.control(query, args); ok {
		return rows, err
	}
	if len(s.srv.failures) > 0 {
		err := s.srv.failures[0]
		s.srv.failures = s.srv.failures[1:]
		return nil, err
	}
	for prefix, err := range s.srv.errs {
		if strings.HasPrefix(query, prefix) {
			return nil, err
		}
	}
	if !strings.HasPrefix(query, "SELECT") {
		s.srv.writes++
	}
	for prefix, rows := range s.srv.responses {
		if strings.HasPrefix(query, prefix) {
			return rows, nil
		}
	}
	return nil, nil
}

func (s *fakeSession) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	return s.run(query, args)
}

func (s *fakeSession) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	_, err := s.run(query, args)
	if err != nil {
		return 0, err
	}
	return 1, nil
}

func (s *fakeSession) Close() error {
	s.srv.mu.Lock()
	s.closed = true
	s.srv.mu.Unlock()
	return nil
}

var errBadConn = driver.ErrBadConn
