package offline

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "duogate.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
server:
  origin: https://duoverse.example/
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port, got %d", cfg.Server.Port)
	}
	if cfg.Server.Origin != "https://duoverse.example" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.Server.Origin)
	}
	if cfg.Cache.Version != "duoverse-v2" {
		t.Fatalf("expected default version, got %q", cfg.Cache.Version)
	}
	if len(cfg.Cache.Manifest) == 0 {
		t.Fatal("expected default manifest")
	}
	if cfg.Cache.installRetryDur != 30*time.Second {
		t.Fatalf("expected default install retry, got %s", cfg.Cache.installRetryDur)
	}
	if cfg.Sync.probeDur != 15*time.Second {
		t.Fatalf("expected default probe interval, got %s", cfg.Sync.probeDur)
	}
}

func TestLoadConfigRequiresOrigin(t *testing.T) {
	if _, err := LoadConfig(writeConfig(t, `server: {port: 9090}`)); err == nil {
		t.Fatal("expected error for missing origin")
	}
}

func TestLoadConfigRejectsBadVersion(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
server:
  origin: http://o
cache:
  version: "duoverse:v2"
`))
	if err == nil {
		t.Fatal("expected error for colon in version")
	}
}

func TestLoadConfigRejectsRelativeManifestPath(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
server:
  origin: http://o
cache:
  manifest: ["/", "offline.html"]
`))
	if err == nil {
		t.Fatal("expected error for relative manifest path")
	}
}

func TestLoadConfigParsesDurations(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
server:
  origin: http://o
cache:
  installRetry: 1m
sync:
  probeEvery: 5s
discover:
  manifestPath: /manifest.json
  refreshEvery: 10m
logging:
  logStatsEvery: 30s
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Cache.installRetryDur != time.Minute {
		t.Fatalf("installRetry: got %s", cfg.Cache.installRetryDur)
	}
	if cfg.Sync.probeDur != 5*time.Second {
		t.Fatalf("probeEvery: got %s", cfg.Sync.probeDur)
	}
	if cfg.Discover.refreshDur != 10*time.Minute {
		t.Fatalf("refreshEvery: got %s", cfg.Discover.refreshDur)
	}
	if cfg.Logging.logStatsEveryDur != 30*time.Second {
		t.Fatalf("logStatsEvery: got %s", cfg.Logging.logStatsEveryDur)
	}
}

func TestLoadConfigRejectsBadDuration(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
server:
  origin: http://o
sync:
  probeEvery: soon
`))
	if err == nil {
		t.Fatal("expected error for unparsable duration")
	}
}
