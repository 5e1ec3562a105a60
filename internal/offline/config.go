package offline

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Cache struct {
		Version      string   `yaml:"version"`
		Manifest     []string `yaml:"manifest"`
		InstallRetry string   `yaml:"installRetry"`

		installRetryDur time.Duration
	} `yaml:"cache"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Sync struct {
		ProbeEvery string `yaml:"probeEvery"`

		probeDur time.Duration
	} `yaml:"sync"`

	Discover struct {
		ManifestPath string `yaml:"manifestPath"`
		RefreshEvery string `yaml:"refreshEvery"`
		InitialDelay string `yaml:"initialDelay"`

		refreshDur      time.Duration
		initialDelayDur time.Duration
	} `yaml:"discover"`

	Logging struct {
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`
}

// defaultManifest is the DuoVerse app shell: the pages and assets that must be
// servable with the origin fully unreachable.
var defaultManifest = []string{
	"/",
	"/offline.html",
	"/manifest.json",
	"/static/css/style.css",
	"/static/js/app.js",
	"/static/icons/icon-192.png",
	"/static/icons/icon-512.png",
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return finishConfig(cfg)
}

func finishConfig(cfg Config) (Config, error) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return Config{}, fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")

	if cfg.Cache.Version == "" {
		cfg.Cache.Version = "duoverse-v2"
	}
	// Versions are embedded in store key namespaces.
	if strings.ContainsAny(cfg.Cache.Version, ": \t") {
		return Config{}, fmt.Errorf("cache.version %q must not contain colons or spaces", cfg.Cache.Version)
	}
	if len(cfg.Cache.Manifest) == 0 {
		cfg.Cache.Manifest = append([]string(nil), defaultManifest...)
	}
	for i, p := range cfg.Cache.Manifest {
		p = strings.TrimSpace(p)
		if p == "" || !strings.HasPrefix(p, "/") {
			return Config{}, fmt.Errorf("cache.manifest[%d]: %q is not an absolute path", i, p)
		}
		cfg.Cache.Manifest[i] = p
	}

	d, err := parseDurDefault(cfg.Cache.InstallRetry, 30*time.Second)
	if err != nil {
		return Config{}, fmt.Errorf("cache.installRetry: %w", err)
	}
	cfg.Cache.installRetryDur = d

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}

	d, err = parseDurDefault(cfg.Sync.ProbeEvery, 15*time.Second)
	if err != nil {
		return Config{}, fmt.Errorf("sync.probeEvery: %w", err)
	}
	cfg.Sync.probeDur = d

	d, err = parseDurDefault(cfg.Discover.RefreshEvery, 0)
	if err != nil {
		return Config{}, fmt.Errorf("discover.refreshEvery: %w", err)
	}
	cfg.Discover.refreshDur = d
	d, err = parseDurDefault(cfg.Discover.InitialDelay, 0)
	if err != nil {
		return Config{}, fmt.Errorf("discover.initialDelay: %w", err)
	}
	cfg.Discover.initialDelayDur = d
	if cfg.Discover.ManifestPath != "" && !strings.HasPrefix(cfg.Discover.ManifestPath, "/") {
		return Config{}, fmt.Errorf("discover.manifestPath: %q is not an absolute path", cfg.Discover.ManifestPath)
	}

	d, err = parseDurDefault(cfg.Logging.LogStatsEvery, 0)
	if err != nil {
		return Config{}, fmt.Errorf("logging.logStatsEvery: %w", err)
	}
	cfg.Logging.logStatsEveryDur = d

	return cfg, nil
}

func parseDurDefault(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	if s == "0" || s == "off" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
