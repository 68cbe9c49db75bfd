// Package migrate discovers, orders, tracks and applies schema migrations.
// Migrations come from the embedded SQL files under migrations/ and from Go
// functions registered in this package. They only run on branches that
// follow the migration naming convention.
package migrate

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/felixgeelhaar/memoria/internal/dolt"
	"github.com/felixgeelhaar/memoria/internal/guard"
	"github.com/felixgeelhaar/memoria/internal/observe"
)

//go:embed migrations/*.sql
var embedded embed.FS

// RunnerID is reserved for the runner itself and never treated as a
// migration.
const RunnerID = "migrate"

// TestPrefix marks fixtures that discovery skips.
const TestPrefix = "test_"

// Store is the subset of the connection manager the runner needs.
type Store interface {
	Query(ctx context.Context, query string, args ...any) ([]dolt.Row, error)
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	ActiveBranch(ctx context.Context) (string, error)
}

// committer is implemented by stores that can make the working set durable.
type committer interface {
	Commit(ctx context.Context, message string) (string, error)
}

// Migration is one schema change. Apply must be safe to run again.
type Migration struct {
	ID    string
	Apply func(ctx context.Context, r *Runner) error
}

// MigrationError wraps a failure inside a migration body.
type MigrationError struct {
	ID  string
	Err error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %s failed: %v", e.ID, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// State is the tracking status of one discovered migration.
type State struct {
	ID        string    `json:"id"`
	Applied   bool      `json:"applied"`
	Attempts  int       `json:"attempts"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Option configures a Runner.
type Option func(*Runner)

// WithFS replaces the embedded SQL files with the *.sql files in dir of fsys.
func WithFS(fsys fs.FS, dir string) Option {
	return func(r *Runner) {
		r.fsys = fsys
		r.dir = dir
	}
}

// WithMigrations replaces the built-in Go migrations.
func WithMigrations(ms ...Migration) Option {
	return func(r *Runner) { r.funcs = ms }
}

// WithDialect selects the catalog queries used by the existence helpers.
func WithDialect(d Dialect) Option {
	return func(r *Runner) { r.dialect = d }
}

func WithObserver(o *observe.Observer) Option {
	return func(r *Runner) { r.obs = o }
}

// Runner applies migrations against a Store.
type Runner struct {
	store   Store
	guard   *guard.Guard
	obs     *observe.Observer
	dialect Dialect

	fsys  fs.FS
	dir   string
	funcs []Migration

	ready bool
}

// New creates a Runner. g enforces branch protection and the migration
// branch convention; nil falls back to guard.DefaultPolicy.
func New(store Store, g *guard.Guard, opts ...Option) *Runner {
	if g == nil {
		g = guard.New(guard.DefaultPolicy)
	}
	r := &Runner{
		store:   store,
		guard:   g,
		dialect: MySQL,
		fsys:    embedded,
		dir:     "migrations",
		funcs:   builtin,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.obs = observe.OrDiscard(r.obs)
	return r
}

// excluded reports whether id is the runner itself or a test fixture.
func excluded(id string) bool {
	return id == "" || id == RunnerID || strings.HasPrefix(id, TestPrefix)
}

// migrations loads every source, keyed by id.
func (r *Runner) migrations() (map[string]Migration, error) {
	out := make(map[string]Migration)

	if r.fsys != nil {
		entries, err := fs.ReadDir(r.fsys, r.dir)
		if err != nil {
			return nil, fmt.Errorf("failed to list migrations: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || path.Ext(e.Name()) != ".sql" {
				continue
			}
			id := strings.TrimSuffix(e.Name(), ".sql")
			if excluded(id) {
				continue
			}
			out[id] = r.sqlMigration(id, path.Join(r.dir, e.Name()))
		}
	}

	for _, m := range r.funcs {
		if excluded(m.ID) {
			continue
		}
		if _, dup := out[m.ID]; dup {
			return nil, fmt.Errorf("duplicate migration id %q", m.ID)
		}
		out[m.ID] = m
	}
	return out, nil
}

// Discover returns the migration ids in the order they run.
func (r *Runner) Discover() ([]string, error) {
	ms, err := r.migrations()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(ms))
	for id := range ms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *Runner) ensureTracking(ctx context.Context) error {
	if r.ready {
		return nil
	}
	if _, err := r.store.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		attempt_id VARCHAR(36) NOT NULL PRIMARY KEY,
		id VARCHAR(255) NOT NULL,
		attempt INTEGER NOT NULL,
		applied_at VARCHAR(32) NOT NULL,
		success BOOLEAN NOT NULL,
		error_message TEXT
	)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}
	r.ready = true
	return nil
}

// tracked reports whether schema_migrations exists without creating it.
// Read paths use it and never write.
func (r *Runner) tracked(ctx context.Context) (bool, error) {
	if r.ready {
		return true, nil
	}
	ok, err := r.TableExists(ctx, "schema_migrations")
	if err != nil {
		return false, fmt.Errorf("failed to look up schema_migrations: %w", err)
	}
	r.ready = ok
	return ok, nil
}

// AlreadyApplied reports whether the newest recorded attempt of id
// succeeded. A missing tracking table means nothing is applied.
func (r *Runner) AlreadyApplied(ctx context.Context, id string) (bool, error) {
	ok, err := r.tracked(ctx)
	if err != nil || !ok {
		return false, err
	}
	rows, err := r.store.Query(ctx,
		"SELECT success FROM schema_migrations WHERE id = ? ORDER BY attempt DESC LIMIT 1", id)
	if err != nil {
		return false, err
	}
	return len(rows) > 0 && rows[0].Bool("success"), nil
}

// record appends one attempt row. Rows are never updated.
func (r *Runner) record(ctx context.Context, id string, runErr error) error {
	rows, err := r.store.Query(ctx, "SELECT COUNT(*) AS n FROM schema_migrations WHERE id = ?", id)
	if err != nil {
		return err
	}
	attempt := int64(1)
	if len(rows) > 0 {
		attempt = rows[0].Int64("n") + 1
	}

	var msg any
	if runErr != nil {
		msg = runErr.Error()
	}
	_, err = r.store.Exec(ctx,
		"INSERT INTO schema_migrations (attempt_id, id, attempt, applied_at, success, error_message) VALUES (?, ?, ?, ?, ?, ?)",
		uuid.NewString(), id, attempt, time.Now().UTC().Format(dolt.TimeLayout), runErr == nil, msg)
	return err
}

// Apply runs id unless it is already applied, and records the outcome.
func (r *Runner) Apply(ctx context.Context, id string) (err error) {
	ctx, span := r.obs.StartSpan(ctx, "migrate.apply", attribute.String("migration.id", id))
	defer func() { observe.EndSpan(span, err) }()

	if err := r.ensureTracking(ctx); err != nil {
		return err
	}
	done, err := r.AlreadyApplied(ctx, id)
	if err != nil {
		return err
	}
	if done {
		r.obs.Log().Info().Str("migration", id).Msg("already applied, skipping")
		return nil
	}

	ms, err := r.migrations()
	if err != nil {
		return err
	}
	m, ok := ms[id]
	if !ok {
		return fmt.Errorf("unknown migration %q", id)
	}

	start := time.Now()
	if runErr := m.Apply(ctx, r); runErr != nil {
		if recErr := r.record(ctx, id, runErr); recErr != nil {
			r.obs.Log().Error().Str("migration", id).Err(recErr).Msg("failed to record migration failure")
		}
		return &MigrationError{ID: id, Err: runErr}
	}
	if err := r.record(ctx, id, nil); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", id, err)
	}
	r.obs.Log().Info().Str("migration", id).Str("took", time.Since(start).Round(time.Millisecond).String()).Msg("migration applied")
	return nil
}

// RunUntil applies every pending migration in order, up to and including
// target (all when target is empty). The active branch must be writable and,
// unless force is set, follow the migration branch convention. It stops at
// the first failure. Each applied migration is committed as
// "MIGRATION: <id>" when the store can commit.
func (r *Runner) RunUntil(ctx context.Context, target string, force bool) (applied []string, err error) {
	ctx, span := r.obs.StartSpan(ctx, "migrate.run", attribute.String("migration.target", target))
	defer func() { observe.EndSpan(span, err) }()

	branch, err := r.store.ActiveBranch(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.guard.CheckMigration(branch, force); err != nil {
		return nil, err
	}
	if force && !r.guard.IsMigrationBranch(branch) {
		r.obs.Log().Warn().Str("branch", branch).Msg("forcing migrations outside the migration branch namespace")
	}

	ids, err := r.Discover()
	if err != nil {
		return nil, err
	}
	if target != "" && !contains(ids, target) {
		return nil, fmt.Errorf("unknown target migration %q", target)
	}

	c, canCommit := r.store.(committer)
	for _, id := range ids {
		done, err := r.AlreadyApplied(ctx, id)
		if err != nil {
			return applied, err
		}
		if !done {
			if err := r.Apply(ctx, id); err != nil {
				return applied, err
			}
			if canCommit {
				if _, err := c.Commit(ctx, "MIGRATION: "+id); err != nil {
					return applied, fmt.Errorf("failed to commit migration %s: %w", id, err)
				}
			}
			applied = append(applied, id)
		}
		if id == target {
			break
		}
	}
	return applied, nil
}

// Status lists every discovered migration with its newest attempt.
func (r *Runner) Status(ctx context.Context) ([]State, error) {
	ids, err := r.Discover()
	if err != nil {
		return nil, err
	}
	ok, err := r.tracked(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		out := make([]State, 0, len(ids))
		for _, id := range ids {
			out = append(out, State{ID: id})
		}
		return out, nil
	}
	rows, err := r.store.Query(ctx,
		"SELECT id, attempt, applied_at, success, error_message FROM schema_migrations ORDER BY id, attempt")
	if err != nil {
		return nil, err
	}

	latest := make(map[string]dolt.Row)
	for _, row := range rows {
		latest[row.String("id")] = row
	}

	out := make([]State, 0, len(ids))
	for _, id := range ids {
		st := State{ID: id}
		if row, ok := latest[id]; ok {
			st.Applied = row.Bool("success")
			st.Attempts = int(row.Int64("attempt"))
			st.LastRunAt = row.Time("applied_at")
			st.LastError = row.String("error_message")
		}
		out = append(out, st)
	}
	return out, nil
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
