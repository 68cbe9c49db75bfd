package dolt

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/felixgeelhaar/memoria/internal/guard"
)

// ConnectError reports a transport or authentication failure while opening a
// session.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// BranchConsistencyError means a session ended up on a different branch than
// the one it was asked for. It is always fatal.
type BranchConsistencyError struct {
	Expected string
	Actual   string
}

func (e *BranchConsistencyError) Error() string {
	return fmt.Sprintf("branch consistency violated: expected %q, server reports %q", e.Expected, e.Actual)
}

// MergeError carries the server's merge failure text unmodified.
type MergeError struct {
	Branch  string
	Message string
	Err     error
}

func (e *MergeError) Error() string { return e.Message }

func (e *MergeError) Unwrap() error { return e.Err }

// ErrNoPersistentConnection is returned by calls that need a pinned session.
var ErrNoPersistentConnection = errors.New("no persistent connection")

// MySQL client-side error numbers for lost or unreachable servers.
var connectionErrorNumbers = map[uint16]bool{
	2002: true, // can't connect through socket
	2003: true, // can't connect to server
	2006: true, // server has gone away
	2013: true, // lost connection during query
}

var connectionErrorMessages = []string{
	"driver: bad connection",
	"invalid connection",
	"broken pipe",
	"connection reset",
	"connection refused",
	"lost connection",
	"gone away",
	"i/o timeout",
	"no route to host",
	"network is unreachable",
	"host is unreachable",
	"use of closed network connection",
}

// IsConnectionError classifies err as a transport-level failure that a
// reconnect may fix. SQL logic errors are never connection errors.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return connectionErrorNumbers[myErr.Number]
	}
	var pe *guard.BranchProtectionError
	var ce *BranchConsistencyError
	if errors.As(err, &pe) || errors.As(err, &ce) {
		return false
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range connectionErrorMessages {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
