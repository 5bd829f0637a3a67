package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
)

func TestDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if got := GetString("db"); got != "crsql.db" {
		t.Errorf("db default = %q, want crsql.db", got)
	}
	if got := GetUint64("node"); got != 0 {
		t.Errorf("node default = %d, want 0", got)
	}
}

func TestEnvOverridesDefault(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CRSQL_DB", "replica.db")
	t.Setenv("CRSQL_NODE", "42")
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if got := GetString("db"); got != "replica.db" {
		t.Errorf("db = %q, want replica.db", got)
	}
	if got := GetUint64("node"); got != 42 {
		t.Errorf("node = %d, want 42", got)
	}
}

func TestConfigFileDiscoveredUpward(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, ".crsql.yaml"), []byte("db: from-file.db\nnode: 7\n"), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	sub := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	t.Chdir(sub)

	if err := Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if ConfigFileUsed() == "" {
		t.Fatal("config file not discovered from subdirectory")
	}
	if got := GetString("db"); got != "from-file.db" {
		t.Errorf("db = %q, want from-file.db", got)
	}
	if got := GetUint64("node"); got != 7 {
		t.Errorf("node = %d, want 7", got)
	}
}

func TestFlagOverridesEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CRSQL_DB", "from-env.db")
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("db", "", "")
	if err := fs.Parse([]string{"--db", "from-flag.db"}); err != nil {
		t.Fatalf("parsing flags: %v", err)
	}
	if err := BindFlag("db", fs.Lookup("db")); err != nil {
		t.Fatalf("BindFlag failed: %v", err)
	}
	if got := GetString("db"); got != "from-flag.db" {
		t.Errorf("db = %q, want from-flag.db", got)
	}
}
