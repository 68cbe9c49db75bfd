package guard

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Policy defines which branches refuse writes and which branches migrations
// may run on.
type Policy struct {
	// Protected holds exact branch names or doublestar patterns ("release/*").
	Protected       []string `json:"protected" yaml:"protected"`
	MigrationPrefix string   `json:"migration_prefix" yaml:"migration_prefix"`
}

// DefaultPolicy provides safe defaults.
var DefaultPolicy = Policy{
	Protected:       []string{"main"},
	MigrationPrefix: "migrations",
}

// BranchProtectionError is returned when a write is attempted against a
// protected branch. It is never retried.
type BranchProtectionError struct {
	Operation string
	Branch    string
	Protected []string
}

func (e *BranchProtectionError) Error() string {
	return fmt.Sprintf("%s refused: branch %q is protected (protected: %s)",
		e.Operation, e.Branch, strings.Join(e.Protected, ", "))
}

// MigrationBranchError is returned when migrations are started outside the
// reserved migration branch namespace.
type MigrationBranchError struct {
	Branch string
	Prefix string
}

func (e *MigrationBranchError) Error() string {
	return fmt.Sprintf("migrations must run on %q or %q/..., current branch is %q", e.Prefix, e.Prefix, e.Branch)
}

// Guard enforces the policy.
type Guard struct {
	policy Policy
}

func New(p Policy) *Guard {
	if p.MigrationPrefix == "" {
		p.MigrationPrefix = DefaultPolicy.MigrationPrefix
	}
	p.Protected = append([]string(nil), p.Protected...)
	return &Guard{policy: p}
}

// Policy returns the guard's current policy configuration.
func (g *Guard) Policy() Policy {
	return g.policy
}

// IsProtected reports whether branch matches any protected name or pattern.
// Names are compared after trimming whitespace, case-insensitively.
func (g *Guard) IsProtected(branch string) bool {
	b := normalize(branch)
	for _, pattern := range g.policy.Protected {
		p := normalize(pattern)
		if p == b {
			return true
		}
		if match, err := doublestar.Match(p, b); err == nil && match {
			return true
		}
	}
	return false
}

// CheckWrite returns a *BranchProtectionError when operation would write to a
// protected branch.
func (g *Guard) CheckWrite(operation, branch string) error {
	if g == nil || !g.IsProtected(branch) {
		return nil
	}
	return &BranchProtectionError{
		Operation: operation,
		Branch:    branch,
		Protected: append([]string(nil), g.policy.Protected...),
	}
}

// IsMigrationBranch reports whether branch is the migration prefix itself or
// lives under "<prefix>/".
func (g *Guard) IsMigrationBranch(branch string) bool {
	b := normalize(branch)
	p := normalize(g.policy.MigrationPrefix)
	return b == p || strings.HasPrefix(b, p+"/")
}

// CheckMigration verifies branch may host migrations. force skips the naming
// convention but never the protection check.
func (g *Guard) CheckMigration(branch string, force bool) error {
	if err := g.CheckWrite("migrate", branch); err != nil {
		return err
	}
	if force || g.IsMigrationBranch(branch) {
		return nil
	}
	return &MigrationBranchError{Branch: branch, Prefix: g.policy.MigrationPrefix}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
