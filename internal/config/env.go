// Package config handles environment-based configuration loading and runtime config models.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// KnownRegions is the closed set of worker-fleet region tags.
var KnownRegions = []string{"us", "eu", "apac", "vps-eu-1"}

// EnvConfig holds all environment-variable-driven settings (not hot-updatable).
type EnvConfig struct {
	// Identity
	Region   string
	WorkerID string

	// Directories
	DataDir  string
	GeoIPDir string

	// Network
	ListenAddress string
	APIPort       int
	AdminToken    string

	// Scheduler
	TickInterval time.Duration
	Concurrency  int
	BatchLimit   int
	LockLease    time.Duration

	// DNS
	DNSServers []string

	// Enrichment
	GeoIPCityDB         string
	GeoIPASNDB          string
	GeoIPReloadSchedule string
	CDNRulesPath        string

	// Aggregator
	RollupSchedule     string
	RollupLookbackDays int

	// Providers
	EmailProviderURL string
	EmailProviderKey string
	EmailFrom        string
	SMSProviderURL   string
	SMSProviderKey   string
}

// DefaultDNSServers is the ordered upstream list used when MONITOR_DNS_SERVERS
// is not set.
var DefaultDNSServers = []string{"1.1.1.1", "8.8.8.8", "1.0.0.1", "8.8.4.4", "9.9.9.9"}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any required variable is missing or any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Identity ---
	cfg.Region = strings.TrimSpace(envStr("MONITOR_REGION", ""))
	cfg.WorkerID = strings.TrimSpace(envStr("MONITOR_WORKER_ID", ""))
	if cfg.WorkerID == "" {
		host, _ := os.Hostname()
		cfg.WorkerID = host
	}

	// --- Directories ---
	cfg.DataDir = envStr("MONITOR_DATA_DIR", "/var/lib/exit1-monitor")
	cfg.GeoIPDir = envStr("MONITOR_GEOIP_DIR", "/var/cache/exit1-monitor")

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("MONITOR_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.APIPort = envInt("MONITOR_API_PORT", 8080, &errs)
	adminToken, hasAdminToken := os.LookupEnv("MONITOR_ADMIN_TOKEN")
	cfg.AdminToken = adminToken

	// --- Scheduler ---
	cfg.TickInterval = envDuration("MONITOR_TICK_INTERVAL", 60*time.Second, &errs)
	cfg.Concurrency = envInt("MONITOR_CONCURRENCY", 128, &errs)
	cfg.BatchLimit = envInt("MONITOR_BATCH_LIMIT", 500, &errs)
	cfg.LockLease = envDuration("MONITOR_LOCK_LEASE", 5*time.Minute, &errs)

	// --- DNS ---
	cfg.DNSServers = envCommaList("MONITOR_DNS_SERVERS", DefaultDNSServers)

	// --- Enrichment ---
	cfg.GeoIPCityDB = envStr("MONITOR_GEOIP_CITY_DB", "GeoLite2-City.mmdb")
	cfg.GeoIPASNDB = envStr("MONITOR_GEOIP_ASN_DB", "GeoLite2-ASN.mmdb")
	cfg.GeoIPReloadSchedule = envStr("MONITOR_GEOIP_RELOAD_SCHEDULE", "0 7 * * *")
	cfg.CDNRulesPath = envStr("MONITOR_CDN_RULES", "")

	// --- Aggregator ---
	cfg.RollupSchedule = envStr("MONITOR_ROLLUP_SCHEDULE", "@hourly")
	cfg.RollupLookbackDays = envInt("MONITOR_ROLLUP_LOOKBACK_DAYS", 2, &errs)

	// --- Providers ---
	cfg.EmailProviderURL = envStr("MONITOR_EMAIL_PROVIDER_URL", "")
	cfg.EmailProviderKey = envStr("MONITOR_EMAIL_PROVIDER_KEY", "")
	cfg.EmailFrom = envStr("MONITOR_EMAIL_FROM", "alerts@exit1.dev")
	cfg.SMSProviderURL = envStr("MONITOR_SMS_PROVIDER_URL", "")
	cfg.SMSProviderKey = envStr("MONITOR_SMS_PROVIDER_KEY", "")

	// --- Validation ---
	if cfg.Region == "" {
		errs = append(errs, "MONITOR_REGION must be set")
	} else if !isKnownRegion(cfg.Region) {
		errs = append(errs, fmt.Sprintf("MONITOR_REGION: unknown region %q (allowed: %s)",
			cfg.Region, strings.Join(KnownRegions, ", ")))
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "MONITOR_LISTEN_ADDRESS must not be empty")
	}
	if !hasAdminToken {
		errs = append(errs, "MONITOR_ADMIN_TOKEN must be defined (can be empty)")
	}
	validatePort("MONITOR_API_PORT", cfg.APIPort, &errs)
	if cfg.TickInterval <= 0 {
		errs = append(errs, "MONITOR_TICK_INTERVAL must be positive")
	}
	validatePositive("MONITOR_CONCURRENCY", cfg.Concurrency, &errs)
	validatePositive("MONITOR_BATCH_LIMIT", cfg.BatchLimit, &errs)
	if cfg.LockLease <= 0 {
		errs = append(errs, "MONITOR_LOCK_LEASE must be positive")
	}
	if len(cfg.DNSServers) == 0 {
		errs = append(errs, "MONITOR_DNS_SERVERS must list at least one server")
	}
	for _, s := range cfg.DNSServers {
		if _, err := netip.ParseAddr(s); err != nil {
			errs = append(errs, fmt.Sprintf("MONITOR_DNS_SERVERS: invalid address %q", s))
		}
	}
	if _, err := cron.ParseStandard(cfg.GeoIPReloadSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("MONITOR_GEOIP_RELOAD_SCHEDULE: invalid cron expression %q: %v",
			cfg.GeoIPReloadSchedule, err))
	}
	if _, err := cron.ParseStandard(cfg.RollupSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("MONITOR_ROLLUP_SCHEDULE: invalid cron expression %q: %v",
			cfg.RollupSchedule, err))
	}
	validatePositive("MONITOR_ROLLUP_LOOKBACK_DAYS", cfg.RollupLookbackDays, &errs)

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

func isKnownRegion(region string) bool {
	for _, r := range KnownRegions {
		if r == region {
			return true
		}
	}
	return false
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func envCommaList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
