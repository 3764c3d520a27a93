package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zulandar/marketchat/internal/config"
	"github.com/zulandar/marketchat/internal/db"
	"github.com/zulandar/marketchat/internal/localstore"
)

func TestDBCmd_Help(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"db", "--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("db --help failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "Local database management") {
		t.Errorf("expected help to mention 'Local database management', got: %s", out)
	}
	if !strings.Contains(out, "reset") {
		t.Errorf("expected help to list 'reset' subcommand, got: %s", out)
	}
}

func TestDBInitCmd_Help(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"db", "init", "--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("db init --help failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "--config") {
		t.Errorf("expected help to mention '--config' flag, got: %s", out)
	}
	if !strings.Contains(out, "marketchat.yaml") {
		t.Errorf("expected default config path 'marketchat.yaml', got: %s", out)
	}
}

func TestDBInitCmd_MissingConfig(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"db", "init", "--config", "/nonexistent/marketchat.yaml"})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "load config") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "load config")
	}
}

func TestDBInitCmd_InvalidConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "marketchat.yaml")
	if err := writeTestFile(cfgPath, "invalid: true\n"); err != nil {
		t.Fatal(err)
	}

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"db", "init", "--config", cfgPath})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected error for invalid config")
	}
	if !strings.Contains(err.Error(), "api_url") {
		t.Errorf("error = %q, want to mention api_url", err.Error())
	}
}

// writeSqliteConfig writes a config that stores state in a temp sqlite file.
func writeSqliteConfig(t *testing.T, apiURL string) (cfgPath, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "chat.db")
	cfgPath = filepath.Join(dir, "marketchat.yaml")
	content := "server:\n  api_url: " + apiURL + "\n" +
		"credentials:\n  token_env: MCHAT_TEST_TOKEN\n" +
		"identity:\n  user_id: \"1\"\n" +
		"reconnect:\n  base_delay_ms: 10\n  max_delay_ms: 20\n  max_attempts: 1\n  auth_retry_delay_ms: 10\n" +
		"storage:\n  driver: sqlite\n  path: " + dbPath + "\n"
	if err := writeTestFile(cfgPath, content); err != nil {
		t.Fatal(err)
	}
	return cfgPath, dbPath
}

func TestDBInitCmd_Sqlite(t *testing.T) {
	cfgPath, dbPath := writeSqliteConfig(t, "http://localhost:1/api")

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"db", "init", "--config", cfgPath})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("db init: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, dbPath) {
		t.Errorf("expected output to name %s, got: %s", dbPath, out)
	}
	if !strings.Contains(out, "Migrated") {
		t.Errorf("expected migration summary, got: %s", out)
	}
}

func TestDBResetCmd_Aborted(t *testing.T) {
	cfgPath, dbPath := writeSqliteConfig(t, "http://localhost:1/api")
	seedLastRoom(t, dbPath, "r1")

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetIn(strings.NewReader("no\n"))
	cmd.SetArgs([]string{"db", "reset", "--config", cfgPath})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("db reset: %v", err)
	}
	if !strings.Contains(buf.String(), "Aborted.") {
		t.Errorf("expected 'Aborted.', got: %s", buf.String())
	}
	if v := lastRoom(t, dbPath); v != "r1" {
		t.Errorf("last room = %q after aborted reset, want r1", v)
	}
}

func TestDBResetCmd_Confirmed(t *testing.T) {
	cfgPath, dbPath := writeSqliteConfig(t, "http://localhost:1/api")
	seedLastRoom(t, dbPath, "r1")

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetIn(strings.NewReader("yes\n"))
	cmd.SetArgs([]string{"db", "reset", "--config", cfgPath})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("db reset: %v", err)
	}
	if !strings.Contains(buf.String(), "Reset") {
		t.Errorf("expected reset summary, got: %s", buf.String())
	}
	if v := lastRoom(t, dbPath); v != "" {
		t.Errorf("last room = %q after reset, want empty", v)
	}
}

func seedLastRoom(t *testing.T, dbPath, room string) {
	t.Helper()
	gormDB, err := db.Open(config.StorageConfig{Driver: "sqlite", Path: dbPath})
	if err != nil {
		t.Fatal(err)
	}
	defer closeDB(gormDB)
	if err := localstore.New(gormDB).Set(localstore.KeyLastRoomID, room); err != nil {
		t.Fatal(err)
	}
}

func lastRoom(t *testing.T, dbPath string) string {
	t.Helper()
	gormDB, err := db.Open(config.StorageConfig{Driver: "sqlite", Path: dbPath})
	if err != nil {
		t.Fatal(err)
	}
	defer closeDB(gormDB)
	v, _, err := localstore.New(gormDB).Get(localstore.KeyLastRoomID)
	if err != nil {
		t.Fatal(err)
	}
	return v
}
