// Package config loads and validates the engine's environment-variable
// configuration, following the teacher's main.go flag-and-validate block but
// sourced from os.LookupEnv instead of flags, since this runs as a
// long-lived service rather than a one-shot CLI.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config is the fully-resolved, validated engine configuration.
type Config struct {
	SubURLs         []string
	XrayPath        string
	CacheInterval   time.Duration
	MaxDelayMS      int64
	TestTimeout     time.Duration
	LowInternetCons bool
	ProbeURL        string

	GithubPushEnabled bool
	GithubRepoURL     string
	GithubToken       string

	MaxConcurrent int
	BatchSize     int
	TopK          int
	PortRangeLow  int
	PortRangeHigh int
	RulesFile     string
	ListenAddr    string
	SourcesFile   string
}

// defaultSubURLs seeds SUB_URLS when the environment names none, so the
// engine has something to fetch out of the box rather than refusing to
// start.
var defaultSubURLs = []string{
	"https://raw.githubusercontent.com/freefq/free/master/v2",
	"https://raw.githubusercontent.com/Pawdroid/Free-servers/main/sub",
	"https://raw.githubusercontent.com/aiboboxx/v2rayfree/main/v2",
}

// sourcesFile is the shape of an optional YAML sources file, carrying the
// teacher's config/sources.yaml convention forward as an alternative to the
// SUB_URLS env var for deployments with many feeds.
type sourcesFile struct {
	Sources []string `yaml:"sources"`
}

// LoadSourcesFile parses a YAML sources file into a flat URL list.
func LoadSourcesFile(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}
	var parsed sourcesFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse sources file: %w", err)
	}
	return parsed.Sources, nil
}

// Load reads and validates configuration from the process environment.
func Load() (*Config, error) {
	cfg := &Config{
		SubURLs:           splitCSV(getenv("SUB_URLS", "")),
		XrayPath:          getenv("XRAY_PATH", "/usr/local/bin/xray"),
		CacheInterval:     getenvDuration("CACHE_INTERVAL_SECONDS", 900*time.Second),
		MaxDelayMS:        getenvInt64("MAX_DELAY_MS", 8000),
		TestTimeout:       getenvDuration("TEST_TIMEOUT", 10*time.Second),
		LowInternetCons:   getenvBool("LOW_INTERNET_CONS", false),
		ProbeURL:          getenv("PROBE_URL", "http://www.google.com/generate_204"),
		GithubPushEnabled: getenvBool("GITHUB_PUSH_ENABLED", false),
		GithubRepoURL:     getenv("GITHUB_REPO_URL", ""),
		GithubToken:       getenv("GITHUB_TOKEN", ""),
		MaxConcurrent:     getenvInt("MAX_CONCURRENT", 50),
		BatchSize:         getenvInt("BATCH_SIZE", 50),
		TopK:              getenvInt("TOP_K", 25),
		PortRangeLow:      getenvInt("PORT_RANGE_LOW", 20000),
		PortRangeHigh:     getenvInt("PORT_RANGE_HIGH", 30000),
		RulesFile:         getenv("RULES_FILE", ""),
		ListenAddr:        getenv("LISTEN_ADDR", ":8080"),
		SourcesFile:       getenv("SOURCES_FILE", ""),
	}

	if cfg.SourcesFile != "" {
		extra, err := LoadSourcesFile(cfg.SourcesFile)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		cfg.SubURLs = append(cfg.SubURLs, extra...)
	}

	if len(cfg.SubURLs) == 0 {
		cfg.SubURLs = append([]string(nil), defaultSubURLs...)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.PortRangeHigh <= c.PortRangeLow {
		return fmt.Errorf("config: PORT_RANGE_HIGH (%d) must exceed PORT_RANGE_LOW (%d)", c.PortRangeHigh, c.PortRangeLow)
	}
	if c.GithubPushEnabled && (c.GithubRepoURL == "" || c.GithubToken == "") {
		return fmt.Errorf("config: GITHUB_PUSH_ENABLED requires GITHUB_REPO_URL and GITHUB_TOKEN")
	}
	if c.MaxConcurrent <= 0 || c.BatchSize <= 0 || c.TopK <= 0 {
		return fmt.Errorf("config: MAX_CONCURRENT, BATCH_SIZE, and TOP_K must be positive")
	}
	return nil
}

// LogStartup logs the resolved configuration once at startup, redacting
// GITHUB_TOKEN.
func (c *Config) LogStartup(log zerolog.Logger) {
	token := "(unset)"
	if c.GithubToken != "" {
		token = "(redacted)"
	}
	log.Info().
		Strs("sub_urls", c.SubURLs).
		Str("xray_path", c.XrayPath).
		Dur("cache_interval", c.CacheInterval).
		Int64("max_delay_ms", c.MaxDelayMS).
		Dur("test_timeout", c.TestTimeout).
		Bool("low_internet_cons", c.LowInternetCons).
		Str("probe_url", c.ProbeURL).
		Bool("github_push_enabled", c.GithubPushEnabled).
		Str("github_repo_url", c.GithubRepoURL).
		Str("github_token", token).
		Int("max_concurrent", c.MaxConcurrent).
		Int("batch_size", c.BatchSize).
		Int("top_k", c.TopK).
		Int("port_range_low", c.PortRangeLow).
		Int("port_range_high", c.PortRangeHigh).
		Str("rules_file", c.RulesFile).
		Str("listen_addr", c.ListenAddr).
		Str("sources_file", c.SourcesFile).
		Msg("configuration loaded")
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvInt64(key string, def int64) int64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	// Bare integers are milliseconds for keys ending in _MS and seconds for
	// every other key; anything else parses as a Go duration string.
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		if strings.HasSuffix(key, "_MS") {
			return time.Duration(n) * time.Millisecond
		}
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
