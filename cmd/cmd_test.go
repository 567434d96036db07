package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"latbench/config"
	"latbench/netutil"

	"github.com/rs/zerolog"
)

func TestRunBenchTCP(t *testing.T) {
	cfg := config.Default()
	cfg.Transports = []string{"tcp"}
	cfg.SelfCheckTimeout = config.Duration{Duration: 20 * time.Millisecond}

	var out bytes.Buffer
	if err := runBench(context.Background(), cfg, &out); err != nil {
		t.Fatalf("run error: %v", err)
	}
	if !strings.HasPrefix(out.String(), "tcp") {
		t.Errorf("expected a tcp line, got %q", out.String())
	}
}

func TestRunBenchUnknownTransport(t *testing.T) {
	cfg := config.Default()
	cfg.Transports = []string{"carrier-pigeon"}

	var out bytes.Buffer
	if err := runBench(context.Background(), cfg, &out); err == nil {
		t.Fatal("expected error for unknown transport")
	}
	if out.Len() != 0 {
		t.Errorf("nothing should be printed, got %q", out.String())
	}
}

func TestRunBenchWithMetrics(t *testing.T) {
	port, err := netutil.FreePort()
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	cfg := config.Default()
	cfg.Transports = []string{"tcp"}
	cfg.SelfCheckTimeout = config.Duration{Duration: 20 * time.Millisecond}
	cfg.MetricsEnabled = true
	cfg.MetricsPort = port

	var out bytes.Buffer
	if err := runBench(context.Background(), cfg, &out); err != nil {
		t.Fatalf("run error: %v", err)
	}
}

func TestRunCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "latbench.json")
	if err := os.WriteFile(path, []byte(`{"self_check_timeout": 20, "transports": ["tcp"]}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"run", "--config", path, "--log-level", "warn"})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		configPath, logLevel, only = "", "", nil
	})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.String(), "tcp") {
		t.Errorf("expected tcp result, got %q", out.String())
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	configPath = filepath.Join(t.TempDir(), "missing.json")
	t.Cleanup(func() { configPath = "" })

	if _, err := loadConfig(); err == nil {
		t.Error("expected error for a missing config file")
	}
}

func TestSetupLogging(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	if err := setupLogging("debug"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Errorf("expected debug level, got %v", zerolog.GlobalLevel())
	}
	if err := setupLogging("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}
