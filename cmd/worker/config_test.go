package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleConfig = `
logger:
  level: debug
  format: console
coordinator:
  baseURL: http://coordinator.local/
  apiKey: secret
  postAttempts: 3
  postBackoff: 2s
storage:
  compiledRoot: /var/arena/compiled
functionalTest:
  enabled: true
  referenceBotDir: reference
  referenceBotCommand: python3 MyBot.py
  mapPath: maps/test.map
engine:
  command: ./engine --json
  timeout: 10m
  gameOptions:
    turns: 300
builder:
  timeout: 1m
  languages:
    - name: Python
      markers: [MyBot.py]
      run: python3 {dir}/MyBot.py
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppConfig(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	base := filepath.Dir(path)

	cfg, err := loadAppConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Coordinator.PostAttempts != 3 || cfg.Coordinator.PostBackoff != 2*time.Second {
		t.Fatalf("unexpected coordinator config %+v", cfg.Coordinator)
	}
	if cfg.Engine.Timeout != 10*time.Minute || cfg.Engine.GameOptions["turns"] != 300 {
		t.Fatalf("unexpected engine config %+v", cfg.Engine)
	}
	if cfg.Storage.CompiledRoot != "/var/arena/compiled" {
		t.Fatalf("absolute root must be kept, got %s", cfg.Storage.CompiledRoot)
	}
	if cfg.Storage.ScratchRoot != filepath.Join(base, "scratch") {
		t.Fatalf("unexpected scratch root %s", cfg.Storage.ScratchRoot)
	}
	if cfg.Spool.Path != filepath.Join(base, "spool.db") {
		t.Fatalf("unexpected spool path %s", cfg.Spool.Path)
	}
	if cfg.FunctionalTest.MapPath != filepath.Join(base, "maps", "test.map") {
		t.Fatalf("unexpected map path %s", cfg.FunctionalTest.MapPath)
	}
	if len(cfg.Builder.Languages) != 1 || cfg.Builder.Languages[0].Markers[0] != "MyBot.py" {
		t.Fatalf("unexpected languages %+v", cfg.Builder.Languages)
	}
}

func TestLoadAppConfigValidation(t *testing.T) {
	cases := map[string]string{
		"missing coordinator": "builder:\n  languages:\n    - name: Go\n      markers: [MyBot.go]\n",
		"missing languages":   "coordinator:\n  baseURL: http://x/\n",
		"missing engine": "coordinator:\n  baseURL: http://x/\nfunctionalTest:\n  enabled: true\n" +
			"builder:\n  languages:\n    - name: Go\n      markers: [MyBot.go]\n",
		"bad yaml": "coordinator: [",
	}
	for name, body := range cases {
		if _, err := loadAppConfig(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := loadAppConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
