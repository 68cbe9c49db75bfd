package e2e

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func buildBinary(t *testing.T) string {
	t.Helper()
	rootDir, _ := filepath.Abs("../../")
	binPath := filepath.Join(t.TempDir(), "memoria_e2e")

	buildCmd := exec.Command("go", "build", "-o", binPath, "github.com/felixgeelhaar/memoria/cmd/memoria")
	buildCmd.Dir = rootDir
	if out, err := buildCmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build memoria: %v\n%s", err, out)
	}
	return binPath
}

func TestE2E_OfflineCommands(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e in short mode")
	}
	bin := buildBinary(t)
	home := t.TempDir()

	cmd := exec.Command(bin, "migrate", "list")
	cmd.Env = append(os.Environ(), "HOME="+home)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("migrate list failed: %v\n%s", err, out)
	}
	if !strings.HasPrefix(string(out), "0001_namespaces") {
		t.Errorf("expected ordered migration ids, got:\n%s", out)
	}

	cmd = exec.Command(bin, "config", "validate")
	cmd.Env = append(os.Environ(), "HOME="+home, "DOLT_PORT=not-a-port")
	out, err = cmd.CombinedOutput()
	if err == nil {
		t.Fatalf("expected invalid port to fail, got:\n%s", out)
	}
	if !strings.Contains(string(out), "invalid port") {
		t.Errorf("expected port error, got:\n%s", out)
	}
}

func TestE2E_UnreachableServer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e in short mode")
	}
	bin := buildBinary(t)

	cfgPath := filepath.Join(t.TempDir(), "memoria.yaml")
	cfg := "database:\n  host: 127.0.0.1\n  port: 1\n  connect_timeout: 1s\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0600); err != nil {
		t.Fatal(err)
	}

	cmd := exec.Command(bin, "branch", "current", "--config", cfgPath)
	cmd.Env = append(os.Environ(), "DOLT_HOST=", "MEMORIA_DB_HOST=", "DOLT_PORT=", "MEMORIA_DB_PORT=")
	out, err := cmd.CombinedOutput()
	if err == nil {
		t.Fatalf("expected connection failure, got:\n%s", out)
	}
	if !strings.Contains(string(out), "failed to connect to 127.0.0.1:1") {
		t.Errorf("expected connect error, got:\n%s", out)
	}
}
