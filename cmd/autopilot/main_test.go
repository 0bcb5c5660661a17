package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/browseros/autopilot/config"
)

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autopilot.yaml")

	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"config", "init", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config init: %v", err)
	}

	loaded, err := config.LoadFromFile(path)
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	want := config.DefaultConfig()
	if loaded.Server.Port != want.Server.Port || loaded.Database.Path != want.Database.Path {
		t.Errorf("written config = %+v, want defaults", loaded)
	}
}

func TestConfigInit_RefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autopilot.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9999\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := rootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"config", "init", path})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}

	// --force overwrites.
	cmd = rootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"config", "init", path, "--force"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config init --force: %v", err)
	}
	loaded, err := config.LoadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Server.Port != config.DefaultConfig().Server.Port {
		t.Errorf("port = %d, want default", loaded.Server.Port)
	}
}
