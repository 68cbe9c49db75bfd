package dolt

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/felixgeelhaar/memoria/internal/config"
)

// Session is one server connection. Branch state (DOLT_CHECKOUT) is scoped to
// a session, so a Session must not be shared by concurrent callers.
type Session interface {
	Query(ctx context.Context, query string, args ...any) ([]Row, error)
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Session, error)

func (f DialerFunc) Dial(ctx context.Context) (Session, error) { return f(ctx) }

// Row is a materialized result row keyed by column name. Driver byte slices
// are stored as strings.
type Row map[string]any

// String returns the column as a string, "" for NULL or missing.
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case time.Time:
		return v.UTC().Format(TimeLayout)
	default:
		return fmt.Sprint(v)
	}
}

// NullString returns nil for NULL, else a pointer to the string value.
func (r Row) NullString(col string) *string {
	if r[col] == nil {
		return nil
	}
	s := r.String(col)
	return &s
}

// Int64 converts numeric and numeric-string columns; NULL yields 0.
func (r Row) Int64(col string) int64 {
	switch v := r[col].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	case uint64:
		return int64(v)
	case float64:
		return int64(v)
	case bool:
		if v {
			return 1
		}
		return 0
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

// NullFloat64 returns nil for NULL, else the numeric value.
func (r Row) NullFloat64(col string) *float64 {
	var f float64
	switch v := r[col].(type) {
	case nil:
		return nil
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int64:
		f = float64(v)
	case int:
		f = float64(v)
	case string:
		p, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil
		}
		f = p
	default:
		return nil
	}
	return &f
}

// Bool treats non-zero numbers and "1"/"true" strings as true.
func (r Row) Bool(col string) bool {
	switch v := r[col].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return r.Int64(col) != 0
}

// TimeLayout is the UTC timestamp format written by this module.
const TimeLayout = "2006-01-02 15:04:05.000000"

var timeLayouts = []string{
	TimeLayout,
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Time parses time.Time values and the common textual layouts.
func (r Row) Time(col string) time.Time {
	switch v := r[col].(type) {
	case time.Time:
		return v.UTC()
	case string:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Time{}
}

// ScanRows materializes rows into Row maps and closes them.
func ScanRows(rows *sql.Rows) ([]Row, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// sqlSession pins one *sql.Conn from a single-connection pool so that every
// statement and every DOLT_CHECKOUT share the same server session.
type sqlSession struct {
	db   *sql.DB
	conn *sql.Conn
}

// NewSQLSession wraps an already-open database handle. The handle is closed
// together with the session.
func NewSQLSession(ctx context.Context, db *sql.DB) (Session, error) {
	db.SetMaxOpenConns(1)
	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return nil, err
	}
	return &sqlSession{db: db, conn: conn}, nil
}

func (s *sqlSession) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return ScanRows(rows)
}

func (s *sqlSession) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (s *sqlSession) Close() error {
	err := s.conn.Close()
	if cerr := s.db.Close(); err == nil {
		err = cerr
	}
	return err
}

// MySQLDialer dials the versioned SQL server over the MySQL wire protocol.
type MySQLDialer struct {
	cfg *mysql.Config
}

// NewMySQLDialer builds the driver configuration from db settings.
func NewMySQLDialer(db config.Database) *MySQLDialer {
	return &MySQLDialer{cfg: driverConfig(db)}
}

func driverConfig(db config.Database) *mysql.Config {
	mc := mysql.NewConfig()
	mc.User = db.User
	mc.Passwd = db.Password
	mc.Net = "tcp"
	mc.Addr = db.Address()
	mc.DBName = db.Name
	mc.ParseTime = true
	mc.Loc = time.UTC
	mc.Timeout = db.ConnectTimeout.Duration
	mc.ReadTimeout = db.ReadTimeout.Duration
	mc.WriteTimeout = db.WriteTimeout.Duration
	mc.MultiStatements = false
	if db.TLS {
		mc.TLSConfig = "true"
	}
	return mc
}

// DSN returns the connection string with the password redacted.
func (d *MySQLDialer) DSN() string {
	c := d.cfg.Clone()
	if c.Passwd != "" {
		c.Passwd = config.Mask(c.Passwd)
	}
	return c.FormatDSN()
}

func (d *MySQLDialer) Dial(ctx context.Context) (Session, error) {
	connector, err := mysql.NewConnector(d.cfg)
	if err != nil {
		return nil, err
	}
	return NewSQLSession(ctx, sql.OpenDB(connector))
}
