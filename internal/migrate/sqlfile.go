package migrate

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"strings"
)

// ignoreDirective marks the next statement as allowed to fail with an error
// containing the given text.
const ignoreDirective = "-- ignore-error:"

// statement is one SQL statement from a migration file.
type statement struct {
	SQL    string
	Ignore []string
}

// parseStatements splits a migration file on semicolons that end a line.
// Comment lines are dropped; ignore-error directives attach to the statement
// that follows them.
func parseStatements(src string) []statement {
	var (
		out    []statement
		buf    strings.Builder
		ignore []string
	)
	flush := func() {
		sql := strings.TrimSpace(buf.String())
		buf.Reset()
		if sql == "" {
			return
		}
		out = append(out, statement{SQL: sql, Ignore: ignore})
		ignore = nil
	}

	sc := bufio.NewScanner(strings.NewReader(src))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, ignoreDirective):
			if s := strings.TrimSpace(strings.TrimPrefix(line, ignoreDirective)); s != "" {
				ignore = append(ignore, s)
			}
			continue
		case strings.HasPrefix(line, "--"), line == "":
			continue
		}
		buf.WriteString(sc.Text())
		buf.WriteByte('\n')
		if strings.HasSuffix(line, ";") {
			flush()
		}
	}
	flush()

	for i := range out {
		out[i].SQL = strings.TrimSpace(strings.TrimSuffix(out[i].SQL, ";"))
	}
	return out
}

// sqlMigration wraps a migration file. The file is read when the migration
// runs.
func (r *Runner) sqlMigration(id, name string) Migration {
	fsys := r.fsys
	return Migration{
		ID: id,
		Apply: func(ctx context.Context, run *Runner) error {
			data, err := fs.ReadFile(fsys, name)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", name, err)
			}
			for i, st := range parseStatements(string(data)) {
				if err := run.ExecIgnoring(ctx, st.SQL, st.Ignore...); err != nil {
					return fmt.Errorf("statement %d: %w", i+1, err)
				}
			}
			return nil
		},
	}
}
