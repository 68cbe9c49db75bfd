package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Database.Address() != "localhost:3306" {
		t.Errorf("unexpected default address %q", cfg.Database.Address())
	}
	if cfg.Database.User != "root" || cfg.Database.Password != "" {
		t.Errorf("unexpected default credentials %q/%q", cfg.Database.User, cfg.Database.Password)
	}
	if cfg.Database.Name != "memory_dolt" {
		t.Errorf("unexpected default database %q", cfg.Database.Name)
	}
	if len(cfg.Branches.Protected) != 1 || cfg.Branches.Protected[0] != "main" {
		t.Errorf("unexpected protected set %v", cfg.Branches.Protected)
	}
	if !cfg.Bank.AutoCommitEnabled() {
		t.Error("auto-commit should default to true")
	}
	if res := cfg.Validate(); !res.Valid {
		t.Errorf("defaults should validate, got %v", res.Errors)
	}
}

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()

	yamlPath := filepath.Join(tmpDir, "memoria.yaml")
	os.WriteFile(yamlPath, []byte(`
database:
  host: dolt.internal
  port: 3307
  connect_timeout: 2s
branches:
  protected: [main, "release/*"]
bank:
  auto_commit: false
`), 0600)

	jsonPath := filepath.Join(tmpDir, "memoria.json")
	os.WriteFile(jsonPath, []byte(`{"database": {"name": "agents", "read_timeout": "1m"}, "index": {"provider": "ollama"}}`), 0600)

	t.Run("YAML", func(t *testing.T) {
		cfg, err := Load(yamlPath)
		if err != nil {
			t.Fatalf("failed to load YAML: %v", err)
		}
		if cfg.Database.Host != "dolt.internal" || cfg.Database.Port != 3307 {
			t.Errorf("unexpected database %+v", cfg.Database)
		}
		if cfg.Database.ConnectTimeout.Duration != 2*time.Second {
			t.Errorf("expected 2s connect timeout, got %v", cfg.Database.ConnectTimeout)
		}
		if cfg.Database.Name != DefaultDatabase {
			t.Errorf("unset fields should keep defaults, got %q", cfg.Database.Name)
		}
		if len(cfg.Branches.Protected) != 2 {
			t.Errorf("expected 2 protected patterns, got %v", cfg.Branches.Protected)
		}
		if cfg.Bank.AutoCommitEnabled() {
			t.Error("expected auto-commit disabled")
		}
	})

	t.Run("JSON", func(t *testing.T) {
		cfg, err := Load(jsonPath)
		if err != nil {
			t.Fatalf("failed to load JSON: %v", err)
		}
		if cfg.Database.Name != "agents" {
			t.Errorf("expected database 'agents', got %q", cfg.Database.Name)
		}
		if cfg.Database.ReadTimeout.Duration != time.Minute {
			t.Errorf("expected 1m read timeout, got %v", cfg.Database.ReadTimeout)
		}
		if cfg.Index.Provider != "ollama" {
			t.Errorf("expected ollama provider, got %q", cfg.Index.Provider)
		}
	})

	t.Run("Empty Path", func(t *testing.T) {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Database.Host != DefaultHost {
			t.Errorf("expected defaults, got %q", cfg.Database.Host)
		}
	})

	t.Run("Invalid Extension", func(t *testing.T) {
		if _, err := Load(filepath.Join(tmpDir, "memoria.toml")); err == nil {
			t.Error("expected error for .toml extension")
		}
	})

	t.Run("Sealed Password", func(t *testing.T) {
		box, _ := NewSecretBox()
		sealed, err := box.Seal("s3cret")
		if err != nil {
			t.Fatalf("seal failed: %v", err)
		}
		path := filepath.Join(tmpDir, "sealed.yaml")
		os.WriteFile(path, []byte("database:\n  password: \""+sealed+"\"\n"), 0600)

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("failed to load: %v", err)
		}
		if cfg.Database.Password != "s3cret" {
			t.Errorf("expected unsealed password, got %q", cfg.Database.Password)
		}
	})
}

func TestApplyEnv(t *testing.T) {
	env := func(m map[string]string) func(string) string {
		return func(k string) string { return m[k] }
	}

	t.Run("Primary Names", func(t *testing.T) {
		cfg := Default()
		err := cfg.ApplyEnv(env(map[string]string{
			"DOLT_HOST":     "db1",
			"DOLT_PORT":     "4000",
			"DOLT_USER":     "agent",
			"DOLT_PASSWORD": "pw",
			"DOLT_DATABASE": "mem",
		}))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Database.Address() != "db1:4000" || cfg.Database.User != "agent" ||
			cfg.Database.Password != "pw" || cfg.Database.Name != "mem" {
			t.Errorf("unexpected database %+v", cfg.Database)
		}
	})

	t.Run("First Non-Empty Wins", func(t *testing.T) {
		cfg := Default()
		cfg.ApplyEnv(env(map[string]string{
			"DOLT_HOST":       "  ",
			"MEMORIA_DB_HOST": "alias-host",
			"DOLT_USER":       "first",
			"MEMORIA_DB_USER": "second",
		}))
		if cfg.Database.Host != "alias-host" {
			t.Errorf("expected alias to win over blank, got %q", cfg.Database.Host)
		}
		if cfg.Database.User != "first" {
			t.Errorf("expected first alias, got %q", cfg.Database.User)
		}
	})

	t.Run("Protected Branches", func(t *testing.T) {
		cfg := Default()
		cfg.ApplyEnv(env(map[string]string{"MEMORIA_PROTECTED_BRANCHES": "main, prod ,,release/*"}))
		want := []string{"main", "prod", "release/*"}
		if len(cfg.Branches.Protected) != len(want) {
			t.Fatalf("got %v, want %v", cfg.Branches.Protected, want)
		}
		for i := range want {
			if cfg.Branches.Protected[i] != want[i] {
				t.Errorf("got %v, want %v", cfg.Branches.Protected, want)
			}
		}
	})

	t.Run("Bad Port", func(t *testing.T) {
		cfg := Default()
		if err := cfg.ApplyEnv(env(map[string]string{"DOLT_PORT": "abc"})); err == nil {
			t.Error("expected error for non-numeric port")
		}
	})
}

func TestValidate(t *testing.T) {
	t.Run("Missing Fields", func(t *testing.T) {
		cfg := Config{}
		res := cfg.Validate()
		if res.Valid {
			t.Error("expected invalid for empty config")
		}
		if len(res.Errors) < 3 {
			t.Errorf("expected several errors, got %v", res.Errors)
		}
	})

	t.Run("No Protected Branches", func(t *testing.T) {
		cfg := Default()
		cfg.Branches.Protected = nil
		res := cfg.Validate()
		if !res.Valid || len(res.Warnings) == 0 {
			t.Errorf("expected a warning only, got %+v", res)
		}
	})

	t.Run("Provider Needs Key", func(t *testing.T) {
		cfg := Default()
		cfg.Index.Provider = "openai"
		if cfg.Validate().Valid {
			t.Error("expected openai without api_key to be invalid")
		}
		cfg.Index.APIKey = "sk-test"
		if !cfg.Validate().Valid {
			t.Error("expected openai with api_key to be valid")
		}
	})

	t.Run("Unknown Provider", func(t *testing.T) {
		cfg := Default()
		cfg.Index.Provider = "pinecone"
		if cfg.Validate().Valid {
			t.Error("expected unknown provider to be invalid")
		}
	})
}
