package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/felixgeelhaar/memoria/internal/config"
	"github.com/felixgeelhaar/memoria/internal/dolt"
	"github.com/felixgeelhaar/memoria/internal/guard"
	"github.com/felixgeelhaar/memoria/internal/observe"
)

// env is swapped by tests.
var env = os.Getenv

func newObserver(cfg config.Config, out io.Writer) *observe.Observer {
	if jsonOutput || cfg.Log.Format == "json" {
		return observe.NewJSON(out, verbose || cfg.Log.Verbose)
	}
	return observe.New(out, verbose || cfg.Log.Verbose)
}

// loadConfig reads the config file, applies the environment and rejects
// invalid settings. Warnings are logged.
func loadConfig(obsOut io.Writer) (config.Config, *observe.Observer, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, err
	}
	if err := cfg.ApplyEnv(env); err != nil {
		return cfg, nil, err
	}
	obs := newObserver(cfg, obsOut)
	res := cfg.Validate()
	for _, w := range res.Warnings {
		obs.Log().Warn().Msg(w)
	}
	if !res.Valid {
		return cfg, obs, fmt.Errorf("invalid configuration: %s", strings.Join(res.Errors, "; "))
	}
	return cfg, obs, nil
}

func newGuard(cfg config.Config) *guard.Guard {
	return guard.New(guard.Policy{
		Protected:       cfg.Branches.Protected,
		MigrationPrefix: cfg.Branches.MigrationPrefix,
	})
}

// openManager connects to the server, pinned to --branch when given.
func openManager(ctx context.Context, cfg config.Config, obs *observe.Observer) (*dolt.Manager, error) {
	m := dolt.New(cfg.Database, newGuard(cfg), obs,
		dolt.WithAuthor(cfg.Bank.Author),
		dolt.WithPoolBranch(cfg.Branches.Default),
	)
	if branchFlag != "" {
		if err := m.UsePersistentConnection(ctx, branchFlag); err != nil {
			m.Close()
			return nil, err
		}
	}
	obs.Log().Debug().
		Str("addr", cfg.Database.Address()).
		Str("database", cfg.Database.Name).
		Str("password", config.Mask(cfg.Database.Password)).
		Msg("manager ready")
	return m, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
