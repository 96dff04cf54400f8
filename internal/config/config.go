// Package config loads service configuration from an optional YAML file and
// environment-variable overrides. Every limit the coordinator, cache, and
// probe layers enforce comes from here — nothing reads os.Getenv mid-scan.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Limits LimitsConfig `yaml:"limits"`
	Cache  CacheConfig  `yaml:"cache"`
	Probe  ProbeConfig  `yaml:"probe"`
	CVE    CVEConfig    `yaml:"cve"`
	Redis  RedisConfig  `yaml:"redis"`
	Store  StoreConfig  `yaml:"store"`
	Policy PolicyConfig `yaml:"policy"`
	Auth   AuthConfig   `yaml:"auth"`
	DNS    DNSConfig    `yaml:"dns"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type LimitsConfig struct {
	RatePerMinute       int `yaml:"rate_per_minute"`       // WS_RATE_LIMIT
	ConcurrentPerClient int `yaml:"concurrent_per_client"` // WS_CONCURRENT_LIMIT
	GlobalConcurrent    int `yaml:"global_concurrent"`     // GLOBAL_CONCURRENT_LIMIT
	PortsPerScan        int `yaml:"ports_per_scan"`        // PORT_LIMIT_PER_SCAN
	PortWarnThreshold   int `yaml:"port_warn_threshold"`   // PORT_WARN_THRESHOLD
}

type CacheConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	MaxValue   int           `yaml:"max_value"`
	ScanTTL    time.Duration `yaml:"scan_ttl"`
	CVETTL     time.Duration `yaml:"cve_ttl"`
}

type ProbeConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	ScanHardLimit time.Duration `yaml:"scan_hard_limit"`
}

type CVEConfig struct {
	FeedURL      string        `yaml:"feed_url"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type StoreConfig struct {
	DatabaseURL   string `yaml:"database_url"`
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
}

type PolicyConfig struct {
	DenylistFile       string   `yaml:"denylist_file"`
	AllowlistFile      string   `yaml:"allowlist_file"`
	PrivateIPWhitelist []string `yaml:"private_ip_whitelist"`
}

type AuthConfig struct {
	APIKeys         []string      `yaml:"api_keys"`
	APIKeyTTL       time.Duration `yaml:"api_key_ttl"`
	WebSocketAPIKey string        `yaml:"websocket_api_key"`
}

type DNSConfig struct {
	Server string `yaml:"server"`
}

// Default returns the documented configuration defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Limits: LimitsConfig{
			RatePerMinute:       5,
			ConcurrentPerClient: 2,
			GlobalConcurrent:    1000,
			PortsPerScan:        65536,
			PortWarnThreshold:   100,
		},
		Cache: CacheConfig{
			MaxEntries: 1024,
			MaxValue:   1 << 20,
			ScanTTL:    15 * time.Minute,
			CVETTL:     24 * time.Hour,
		},
		Probe: ProbeConfig{
			Timeout:       time.Second,
			MaxConcurrent: 100,
			ScanHardLimit: 10 * time.Minute,
		},
		CVE: CVEConfig{
			FeedURL:      "https://services.nvd.nist.gov/rest/json/cves/2.0",
			FetchTimeout: 15 * time.Second,
		},
		Store: StoreConfig{RetentionDays: 30},
	}
}

// Load reads the YAML file at path (if non-empty and present), then applies
// environment overrides on top of defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.Port, "PORT")
	setString(&c.Server.Env, "SCAND_ENV")

	setInt(&c.Limits.RatePerMinute, "WS_RATE_LIMIT")
	setInt(&c.Limits.ConcurrentPerClient, "WS_CONCURRENT_LIMIT")
	setInt(&c.Limits.GlobalConcurrent, "GLOBAL_CONCURRENT_LIMIT")
	setInt(&c.Limits.PortsPerScan, "PORT_LIMIT_PER_SCAN")
	setInt(&c.Limits.PortWarnThreshold, "PORT_WARN_THRESHOLD")

	setInt(&c.Cache.MaxEntries, "CACHE_MAX_ENTRIES")
	setInt(&c.Cache.MaxValue, "CACHE_MAX_VALUE")
	setDuration(&c.Cache.ScanTTL, "SCAN_CACHE_TTL")
	setDuration(&c.Cache.CVETTL, "CVE_CACHE_TTL")

	setDuration(&c.Probe.Timeout, "PROBE_TIMEOUT")
	setInt(&c.Probe.MaxConcurrent, "MAX_CONCURRENT_PROBES")
	setDuration(&c.Probe.ScanHardLimit, "SCAN_HARD_TIMEOUT")

	setString(&c.CVE.FeedURL, "NVD_API_URL")
	setDuration(&c.CVE.FetchTimeout, "NVD_FETCH_TIMEOUT")

	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setInt(&c.Redis.DB, "REDIS_DB")

	setString(&c.Store.DatabaseURL, "DATABASE_URL")
	setString(&c.Store.SQLitePath, "SQLITE_PATH")
	setInt(&c.Store.RetentionDays, "TASK_RETENTION_DAYS")

	setString(&c.Policy.DenylistFile, "DENYLIST_FILE")
	setString(&c.Policy.AllowlistFile, "ALLOWLIST_FILE")
	if v := os.Getenv("PRIVATE_IP_WHITELIST"); v != "" {
		c.Policy.PrivateIPWhitelist = splitCSV(v)
	}

	if v := os.Getenv("API_KEYS"); v != "" {
		c.Auth.APIKeys = splitCSV(v)
	}
	setDuration(&c.Auth.APIKeyTTL, "API_KEY_TTL")
	setString(&c.Auth.WebSocketAPIKey, "WEBSOCKET_API_KEY")

	setString(&c.DNS.Server, "DNS_SERVER")
}

func (c *Config) validate() error {
	if c.Limits.RatePerMinute < 1 {
		return fmt.Errorf("WS_RATE_LIMIT must be >= 1")
	}
	if c.Limits.GlobalConcurrent < c.Limits.ConcurrentPerClient {
		return fmt.Errorf("GLOBAL_CONCURRENT_LIMIT (%d) below per-client limit (%d)",
			c.Limits.GlobalConcurrent, c.Limits.ConcurrentPerClient)
	}
	if c.Probe.Timeout <= 0 {
		return fmt.Errorf("PROBE_TIMEOUT must be positive")
	}
	return nil
}

// PrivateWhitelist returns PRIVATE_IP_WHITELIST in lookup-map form.
func (c *Config) PrivateWhitelist() map[string]bool {
	m := make(map[string]bool, len(c.Policy.PrivateIPWhitelist))
	for _, e := range c.Policy.PrivateIPWhitelist {
		m[strings.ToLower(strings.TrimSpace(e))] = true
	}
	return m
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// setDuration accepts either a Go duration string ("90s") or bare seconds.
func setDuration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
	}
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
