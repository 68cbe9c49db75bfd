package migrate

import (
	"context"
	"strings"
)

// Dialect holds the catalog queries behind the existence helpers. Each
// query returns a single column "n".
type Dialect struct {
	Name       string
	Table      string // args: table
	Column     string // args: table, column
	Index      string // args: table, index
	Constraint string // args: table, constraint
}

// MySQL reads information_schema of the current database. Dolt serves the
// same catalog.
var MySQL = Dialect{
	Name:       "mysql",
	Table:      "SELECT COUNT(*) AS n FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?",
	Column:     "SELECT COUNT(*) AS n FROM information_schema.columns WHERE table_schema = DATABASE() AND table_name = ? AND column_name = ?",
	Index:      "SELECT COUNT(*) AS n FROM information_schema.statistics WHERE table_schema = DATABASE() AND table_name = ? AND index_name = ?",
	Constraint: "SELECT COUNT(*) AS n FROM information_schema.table_constraints WHERE table_schema = DATABASE() AND table_name = ? AND constraint_name = ?",
}

// SQLite reads sqlite_master and pragma_table_info. Named constraints are
// found in the stored CREATE TABLE text.
var SQLite = Dialect{
	Name:       "sqlite",
	Table:      "SELECT COUNT(*) AS n FROM sqlite_master WHERE type = 'table' AND name = ?",
	Column:     "SELECT COUNT(*) AS n FROM pragma_table_info(?) WHERE name = ?",
	Index:      "SELECT COUNT(*) AS n FROM sqlite_master WHERE type = 'index' AND tbl_name = ? AND name = ?",
	Constraint: "SELECT COUNT(*) AS n FROM sqlite_master WHERE type = 'table' AND name = ? AND sql LIKE '%CONSTRAINT ' || ? || ' %'",
}

// Dialect returns the active dialect.
func (r *Runner) Dialect() Dialect {
	return r.dialect
}

// Exec runs one statement.
func (r *Runner) Exec(ctx context.Context, query string, args ...any) error {
	_, err := r.store.Exec(ctx, query, args...)
	return err
}

// ExecIgnoring runs one statement and swallows errors whose message contains
// any of substrings (case-insensitive), e.g. "duplicate column" when a
// column was already added by an earlier run.
func (r *Runner) ExecIgnoring(ctx context.Context, query string, substrings ...string) error {
	err := r.Exec(ctx, query)
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, s := range substrings {
		if s != "" && strings.Contains(msg, strings.ToLower(s)) {
			r.obs.Log().Debug().Str("ignored", s).Err(err).Msg("ignoring expected migration error")
			return nil
		}
	}
	return err
}

func (r *Runner) exists(ctx context.Context, query string, args ...any) (bool, error) {
	rows, err := r.store.Query(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return len(rows) > 0 && rows[0].Int64("n") > 0, nil
}

func (r *Runner) TableExists(ctx context.Context, table string) (bool, error) {
	return r.exists(ctx, r.dialect.Table, table)
}

func (r *Runner) ColumnExists(ctx context.Context, table, column string) (bool, error) {
	return r.exists(ctx, r.dialect.Column, table, column)
}

func (r *Runner) IndexExists(ctx context.Context, table, index string) (bool, error) {
	return r.exists(ctx, r.dialect.Index, table, index)
}

func (r *Runner) ConstraintExists(ctx context.Context, table, constraint string) (bool, error) {
	return r.exists(ctx, r.dialect.Constraint, table, constraint)
}
