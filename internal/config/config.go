package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// SSLProvider selects the certificate provider variant. It is fixed at startup.
type SSLProvider string

const (
	SSLProviderEdgeSaaS SSLProvider = "edge-saas"
	SSLProviderACME     SSLProvider = "acme"
)

type Config struct {
	Server     ServerConfig     `json:"server"`
	Database   DatabaseConfig   `json:"database"`
	Redis      RedisConfig      `json:"redis"`
	NATS       NATSConfig       `json:"nats"`
	DNS        DNSConfig        `json:"dns"`
	Policy     PolicyConfig     `json:"policy"`
	SSL        SSLConfig        `json:"ssl"`
	Cloudflare CloudflareConfig `json:"cloudflare"`
	ACME       ACMEConfig       `json:"acme"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Cleanup    CleanupConfig    `json:"cleanup"`
}

type ServerConfig struct {
	Port     string `json:"port"`
	Host     string `json:"host"`
	Mode     string `json:"mode"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     string `json:"port"`
	User     string `json:"user"`
	Password string `json:"-"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     string `json:"port"`
	Password string `json:"-"`
	DB       string `json:"db"`
	URL      string `json:"url"`
}

type NATSConfig struct {
	URL    string `json:"url"`
	Stream string `json:"stream"`
}

type DNSConfig struct {
	// Resolvers is tried in order; the first entry is the primary.
	Resolvers          []string      `json:"resolvers"`
	QueryTimeout       time.Duration `json:"query_timeout"`
	VerificationMethod string        `json:"verification_method"` // default for creates that don't name one
	VerificationTarget string        `json:"verification_target"` // CNAME target owners must point at
	TXTRecordPrefix    string        `json:"txt_record_prefix"`   // label prepended to the hostname for TXT challenges
	TXTValuePrefix     string        `json:"txt_value_prefix"`
}

type PolicyConfig struct {
	MaxDomainsPerTeam        int      `json:"max_domains_per_team"`
	VerificationTimeoutHours int      `json:"verification_timeout_hours"`
	EnableDomainBlocklist    bool     `json:"enable_domain_blocklist"`
	Blocklist                []string `json:"blocklist"`
}

type SSLConfig struct {
	Provider          SSLProvider   `json:"provider"`
	EnableAutoRenewal bool          `json:"enable_auto_renewal"`
	RenewalDaysBefore int           `json:"renewal_days_before"`
	ProviderTimeout   time.Duration `json:"provider_timeout"`
}

type CloudflareConfig struct {
	APIToken       string        `json:"-"`
	ZoneID         string        `json:"zone_id"`
	BaseURL        string        `json:"base_url"`
	FallbackDomain string        `json:"fallback_domain"` // origin the custom hostnames are bound to
	Timeout        time.Duration `json:"timeout"`
}

type ACMEConfig struct {
	DirectoryURL    string `json:"directory_url"`
	Email           string `json:"email"`
	HTTP01Address   string `json:"http01_address"`
	KeyType         string `json:"key_type"`
	SecretNamespace string `json:"secret_namespace"`
	Kubeconfig      string `json:"kubeconfig"`
}

type SchedulerConfig struct {
	Interval      time.Duration `json:"interval"`
	Concurrency   int           `json:"concurrency"`
	SoftDeadline  time.Duration `json:"soft_deadline"`
	LeaseTTL      time.Duration `json:"lease_ttl"`
	BatchSize     int           `json:"batch_size"`
	ProviderRate  float64       `json:"provider_rate"` // provider calls per second across one tick
	ProviderBurst int           `json:"provider_burst"`
}

type CleanupConfig struct {
	Schedule      string `json:"schedule"`
	RetentionDays int    `json:"retention_days"`
}

func NewConfig() *Config {
	fallbackDomain := getEnv("FALLBACK_DOMAIN", "app.example.com")

	return &Config{
		Server: ServerConfig{
			Port:     getEnv("PORT", "8093"),
			Host:     getEnv("HOST", "0.0.0.0"),
			Mode:     getEnv("GIN_MODE", "debug"),
			LogLevel: getEnv("LOG_LEVEL", "info"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: os.Getenv("DB_PASSWORD"),
			DBName:   getEnv("DB_NAME", "custom_domains_db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: buildRedisConfig(),
		NATS: NATSConfig{
			URL:    getEnv("NATS_URL", "nats://localhost:4222"),
			Stream: getEnv("NATS_STREAM", "DOMAIN_EVENTS"),
		},
		DNS: DNSConfig{
			Resolvers:          getListEnv("DNS_RESOLVERS", []string{"8.8.8.8:53", "1.1.1.1:53"}),
			QueryTimeout:       getDurationEnv("DNS_QUERY_TIMEOUT", 5*time.Second),
			VerificationMethod: getEnv("VERIFICATION_METHOD", "cname"),
			VerificationTarget: getEnv("DNS_VERIFICATION_TARGET", fallbackDomain),
			TXTRecordPrefix:    getEnv("DNS_TXT_RECORD_PREFIX", "_platform-challenge"),
			TXTValuePrefix:     getEnv("DNS_TXT_VALUE_PREFIX", "platform-verification="),
		},
		Policy: PolicyConfig{
			MaxDomainsPerTeam:        getIntEnv("MAX_DOMAINS_PER_TEAM", 3),
			VerificationTimeoutHours: getIntEnv("VERIFICATION_TIMEOUT_HOURS", 72),
			EnableDomainBlocklist:    getBoolEnv("ENABLE_DOMAIN_BLOCKLIST", true),
			Blocklist:                getListEnv("DOMAIN_BLOCKLIST", []string{"example.com", "localhost", "local", "internal"}),
		},
		SSL: SSLConfig{
			Provider:          normalizeProvider(getEnv("SSL_PROVIDER", string(SSLProviderEdgeSaaS))),
			EnableAutoRenewal: getBoolEnv("ENABLE_AUTO_RENEWAL", true),
			RenewalDaysBefore: getIntEnv("SSL_RENEWAL_DAYS_BEFORE", 30),
			ProviderTimeout:   getDurationEnv("SSL_PROVIDER_TIMEOUT", 30*time.Second),
		},
		Cloudflare: CloudflareConfig{
			APIToken:       getEnv("CLOUDFLARE_API_TOKEN", ""),
			ZoneID:         getEnv("CLOUDFLARE_ZONE_ID", ""),
			BaseURL:        getEnv("CLOUDFLARE_BASE_URL", "https://api.cloudflare.com/client/v4"),
			FallbackDomain: fallbackDomain,
			Timeout:        getDurationEnv("CLOUDFLARE_TIMEOUT", 30*time.Second),
		},
		ACME: ACMEConfig{
			DirectoryURL:    getEnv("ACME_DIRECTORY_URL", "https://acme-v02.api.letsencrypt.org/directory"),
			Email:           getEnv("ACME_EMAIL", ""),
			HTTP01Address:   getEnv("ACME_HTTP01_ADDRESS", ":80"),
			KeyType:         getEnv("ACME_KEY_TYPE", "P256"),
			SecretNamespace: getEnv("ACME_SECRET_NAMESPACE", "custom-domains"),
			Kubeconfig:      getEnv("KUBECONFIG", ""),
		},
		Scheduler: SchedulerConfig{
			Interval:      getDurationEnv("RECONCILE_INTERVAL", time.Minute),
			Concurrency:   getIntEnv("RECONCILE_CONCURRENCY", 8),
			SoftDeadline:  getDurationEnv("RECONCILE_SOFT_DEADLINE", 45*time.Second),
			LeaseTTL:      getDurationEnv("RECONCILE_LEASE_TTL", 2*time.Minute),
			BatchSize:     getIntEnv("RECONCILE_BATCH_SIZE", 500),
			ProviderRate:  getFloatEnv("PROVIDER_RATE_LIMIT", 5),
			ProviderBurst: getIntEnv("PROVIDER_RATE_BURST", 10),
		},
		Cleanup: CleanupConfig{
			Schedule:      getEnv("TRANSITION_CLEANUP_SCHEDULE", "0 30 3 * * *"),
			RetentionDays: getIntEnv("TRANSITION_RETENTION_DAYS", 90),
		},
	}
}

// Validate rejects configurations the reconciler cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.SSL.Provider {
	case SSLProviderEdgeSaaS:
		if c.Cloudflare.FallbackDomain == "" {
			errs = append(errs, errors.New("FALLBACK_DOMAIN is required for the edge-saas provider"))
		}
	case SSLProviderACME:
		if c.ACME.Email == "" {
			errs = append(errs, errors.New("ACME_EMAIL is required for the acme provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown SSL_PROVIDER %q", c.SSL.Provider))
	}

	switch strings.ToLower(c.DNS.VerificationMethod) {
	case "cname", "txt":
	default:
		errs = append(errs, fmt.Errorf("unknown VERIFICATION_METHOD %q", c.DNS.VerificationMethod))
	}

	if c.Policy.MaxDomainsPerTeam <= 0 {
		errs = append(errs, errors.New("MAX_DOMAINS_PER_TEAM must be positive"))
	}
	if c.Policy.VerificationTimeoutHours <= 0 {
		errs = append(errs, errors.New("VERIFICATION_TIMEOUT_HOURS must be positive"))
	}
	if len(c.DNS.Resolvers) == 0 {
		errs = append(errs, errors.New("DNS_RESOLVERS needs at least one resolver"))
	}
	if c.Scheduler.Concurrency <= 0 {
		errs = append(errs, errors.New("RECONCILE_CONCURRENCY must be positive"))
	}
	if budget := c.TaskBudget(); c.Scheduler.LeaseTTL <= budget {
		errs = append(errs, fmt.Errorf("RECONCILE_LEASE_TTL (%s) must exceed the longest task, SSL_PROVIDER_TIMEOUT plus DNS queries (%s)",
			c.Scheduler.LeaseTTL, budget))
	}

	return errors.Join(errs...)
}

// TaskBudget is the longest a single reconcile task can take: one provider
// call plus a query against every resolver in turn.
func (c *Config) TaskBudget() time.Duration {
	return c.SSL.ProviderTimeout + c.DNS.QueryTimeout*time.Duration(len(c.DNS.Resolvers))
}

// VerificationTimeout is the fixed window between creation and the verification deadline.
func (c *PolicyConfig) VerificationTimeout() time.Duration {
	return time.Duration(c.VerificationTimeoutHours) * time.Hour
}

// RenewalWindow is how far ahead of certificate expiry renewal starts.
func (c *SSLConfig) RenewalWindow() time.Duration {
	return time.Duration(c.RenewalDaysBefore) * 24 * time.Hour
}

func (c *DatabaseConfig) DSN() string {
	return "host=" + c.Host +
		" port=" + c.Port +
		" user=" + c.User +
		" password=" + c.Password +
		" dbname=" + c.DBName +
		" sslmode=" + c.SSLMode
}

// normalizeProvider accepts the vendor-flavoured aliases used in older deployments.
func normalizeProvider(value string) SSLProvider {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "edge-saas", "cloudflare-for-saas", "cloudflare":
		return SSLProviderEdgeSaaS
	case "acme", "lets-encrypt", "letsencrypt":
		return SSLProviderACME
	default:
		return SSLProvider(value)
	}
}

func buildRedisConfig() RedisConfig {
	if url := os.Getenv("REDIS_URL"); url != "" {
		return RedisConfig{URL: url}
	}

	host := getEnv("REDIS_HOST", "localhost")
	port := getEnv("REDIS_PORT", "6379")
	password := os.Getenv("REDIS_PASSWORD")
	db := getEnv("REDIS_DB", "0")

	var url string
	if password != "" {
		url = "redis://:" + password + "@" + host + ":" + port + "/" + db
	} else {
		url = "redis://" + host + ":" + port + "/" + db
	}

	return RedisConfig{
		Host:     host,
		Port:     port,
		Password: password,
		DB:       db,
		URL:      url,
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getFloatEnv(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getBoolEnv(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return fallback
}

func getListEnv(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
