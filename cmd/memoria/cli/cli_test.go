package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/felixgeelhaar/memoria/internal/config"
)

// run executes the root command with fresh flag values.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, verbose, jsonOutput, branchFlag = "", false, false, ""
	migrateTarget, migrateForce = "", false

	env = func(string) string { return "" }
	t.Cleanup(func() { env = os.Getenv })

	out := &bytes.Buffer{}
	RootCmd.SetOut(out)
	RootCmd.SetErr(&bytes.Buffer{})
	RootCmd.SetArgs(args)
	err := RootCmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memoria.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCLI_Root(t *testing.T) {
	want := map[string]int{"migrate": 3, "branch": 4, "config": 3}
	for _, cmd := range RootCmd.Commands() {
		n, ok := want[cmd.Name()]
		if !ok {
			continue
		}
		if len(cmd.Commands()) != n {
			t.Errorf("%s: expected %d subcommands, got %d", cmd.Name(), n, len(cmd.Commands()))
		}
		delete(want, cmd.Name())
	}
	for name := range want {
		t.Errorf("%s command not found", name)
	}
}

func TestCLI_MigrateList(t *testing.T) {
	out, err := run(t, "migrate", "list")
	if err != nil {
		t.Fatalf("migrate list failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if lines[0] != "0001_namespaces" {
		t.Errorf("expected 0001_namespaces first, got %q", lines[0])
	}
	if !strings.Contains(out, "0009_drop_block_metadata_column") {
		t.Errorf("expected builtin migration in list, got %q", out)
	}

	out, err = run(t, "migrate", "list", "--json")
	if err != nil {
		t.Fatalf("migrate list --json failed: %v", err)
	}
	var ids []string
	if err := json.Unmarshal([]byte(out), &ids); err != nil {
		t.Fatalf("expected JSON array, got %q: %v", out, err)
	}
	if len(ids) != len(lines) {
		t.Errorf("expected %d ids, got %d", len(lines), len(ids))
	}
}

func TestCLI_ConfigShowMasksSecrets(t *testing.T) {
	path := writeConfig(t, "database:\n  host: db.internal\n  password: supersecretpw\n")

	out, err := run(t, "config", "show", "--config", path)
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if strings.Contains(out, "supersecretpw") {
		t.Errorf("password leaked: %q", out)
	}
	if !strings.Contains(out, "su****pw") || !strings.Contains(out, "db.internal") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestCLI_ConfigValidate(t *testing.T) {
	path := writeConfig(t, "database:\n  port: 0\n")
	out, err := run(t, "config", "validate", "--config", path)
	if err == nil {
		t.Fatal("expected invalid configuration error")
	}
	if !strings.Contains(out, "database.port") {
		t.Errorf("expected port error in output, got %q", out)
	}

	out, err = run(t, "config", "validate")
	if err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if !strings.Contains(out, "configuration is valid") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestCLI_ConfigSeal(t *testing.T) {
	out, err := run(t, "config", "seal", "hunter22")
	if err != nil {
		t.Fatalf("config seal failed: %v", err)
	}
	sealed := strings.TrimSpace(out)
	if !config.IsSealed(sealed) {
		t.Fatalf("expected sealed value, got %q", sealed)
	}

	box, _ := config.NewSecretBox()
	plain, err := box.Open(sealed)
	if err != nil || plain != "hunter22" {
		t.Errorf("round trip failed: %q, %v", plain, err)
	}
}

func TestCLI_InvalidConfigFailsBeforeConnecting(t *testing.T) {
	path := writeConfig(t, "index:\n  provider: carrier-pigeon\n")
	_, err := run(t, "branch", "current", "--config", path)
	if err == nil || !strings.Contains(err.Error(), "index.provider") {
		t.Errorf("expected provider validation error, got %v", err)
	}
}

func TestLoadConfig_Env(t *testing.T) {
	configPath = ""
	env = func(k string) string {
		if k == "MEMORIA_DB_HOST" {
			return "dolt.example"
		}
		return ""
	}
	defer func() { env = os.Getenv }()

	cfg, obs, err := loadConfig(&bytes.Buffer{})
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	defer obs.Close()
	if cfg.Database.Host != "dolt.example" {
		t.Errorf("expected env host, got %q", cfg.Database.Host)
	}
	if g := newGuard(cfg); !g.IsProtected("main") {
		t.Error("expected main to be protected by default")
	}
}
