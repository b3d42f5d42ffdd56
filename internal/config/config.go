package config

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/brandon/mailcore/internal/credential"
)

// Config holds the application configuration
type Config struct {
	// Cache settings
	CachePath          string
	SearchResultLimit  int
	LogLevel           string
	MetricsAddr        string
	CacheFreshness     time.Duration
	CacheRetention     time.Duration
	SyncEventRetention time.Duration

	// Detail view limits
	BodyMaxBytes       int
	AttachmentMaxCount int

	Pool PoolConfig
	Sync SyncConfig

	// Accounts
	Accounts []AccountConfig
}

// PoolConfig bounds the connection pool
type PoolConfig struct {
	MaxPerAccount  int
	AcquireTimeout time.Duration
	MaxAge         time.Duration
	HealthInterval time.Duration
	CommandTimeout time.Duration
}

// SyncConfig drives the background scheduler
type SyncConfig struct {
	IncrementalInterval time.Duration
	FullInterval        time.Duration
	QuietHours          QuietHours
	MaxAttempts         int
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
	BatchSize           int
	InitialLimit        int
	StaleAfter          time.Duration
}

// AccountConfig holds configuration for a single email account
type AccountConfig struct {
	// Key is the canonical account key. It is assigned here and never
	// derived from the email address.
	Key      string
	Email    string
	Provider string
	Default  bool

	// Folders synced in the background. "*" selects every folder.
	SyncFolders []string

	// IMAP settings
	IMAPHost     string
	IMAPPort     int
	IMAPUsername string
	IMAPPassword string

	// SMTP settings
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
}

// LoadConfig loads configuration from the environment, optionally layered
// over the file named by MAILCORE_CONFIG.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	if path := v.GetString("MAILCORE_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return load(v, credential.Lookup)
}

// passwordLookup finds a secret that was not configured inline
type passwordLookup func(key string) (string, error)

func load(v *viper.Viper, lookup passwordLookup) (*Config, error) {
	setDefaults(v)

	quiet, err := ParseQuietHours(v.GetString("SYNC_QUIET_HOURS"))
	if err != nil {
		return nil, fmt.Errorf("invalid SYNC_QUIET_HOURS: %w", err)
	}

	cfg := &Config{
		CachePath:          v.GetString("CACHE_PATH"),
		SearchResultLimit:  v.GetInt("SEARCH_RESULT_LIMIT"),
		LogLevel:           v.GetString("LOG_LEVEL"),
		MetricsAddr:        v.GetString("METRICS_ADDR"),
		CacheFreshness:     v.GetDuration("CACHE_FRESHNESS"),
		CacheRetention:     v.GetDuration("CACHE_RETENTION"),
		SyncEventRetention: v.GetDuration("SYNC_EVENT_RETENTION"),
		BodyMaxBytes:       v.GetInt("BODY_MAX_BYTES"),
		AttachmentMaxCount: v.GetInt("ATTACHMENT_MAX_COUNT"),
		Pool: PoolConfig{
			MaxPerAccount:  v.GetInt("POOL_MAX_PER_ACCOUNT"),
			AcquireTimeout: v.GetDuration("POOL_ACQUIRE_TIMEOUT"),
			MaxAge:         v.GetDuration("POOL_MAX_AGE"),
			HealthInterval: v.GetDuration("POOL_HEALTH_INTERVAL"),
			CommandTimeout: v.GetDuration("IMAP_COMMAND_TIMEOUT"),
		},
		Sync: SyncConfig{
			IncrementalInterval: v.GetDuration("SYNC_INCREMENTAL_INTERVAL"),
			FullInterval:        v.GetDuration("SYNC_FULL_INTERVAL"),
			QuietHours:          quiet,
			MaxAttempts:         v.GetInt("SYNC_MAX_ATTEMPTS"),
			InitialBackoff:      v.GetDuration("SYNC_INITIAL_BACKOFF"),
			MaxBackoff:          v.GetDuration("SYNC_MAX_BACKOFF"),
			BatchSize:           v.GetInt("SYNC_BATCH_SIZE"),
			InitialLimit:        v.GetInt("SYNC_INITIAL_LIMIT"),
			StaleAfter:          v.GetDuration("SYNC_STALE_AFTER"),
		},
	}

	accounts, err := loadAccounts(v, lookup)
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}

	if len(accounts) == 0 {
		return nil, fmt.Errorf("no email accounts configured")
	}

	cfg.Accounts = accounts
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("CACHE_PATH", "/data/email_cache.db")
	v.SetDefault("SEARCH_RESULT_LIMIT", 100)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CACHE_FRESHNESS", 10*time.Minute)
	v.SetDefault("CACHE_RETENTION", 30*24*time.Hour)
	v.SetDefault("SYNC_EVENT_RETENTION", 14*24*time.Hour)
	v.SetDefault("BODY_MAX_BYTES", 256*1024)
	v.SetDefault("ATTACHMENT_MAX_COUNT", 20)
	v.SetDefault("POOL_MAX_PER_ACCOUNT", 2)
	v.SetDefault("POOL_ACQUIRE_TIMEOUT", 60*time.Second)
	v.SetDefault("POOL_MAX_AGE", 30*time.Minute)
	v.SetDefault("POOL_HEALTH_INTERVAL", time.Minute)
	v.SetDefault("IMAP_COMMAND_TIMEOUT", 60*time.Second)
	v.SetDefault("SYNC_INCREMENTAL_INTERVAL", 15*time.Minute)
	v.SetDefault("SYNC_FULL_INTERVAL", 24*time.Hour)
	v.SetDefault("SYNC_MAX_ATTEMPTS", 3)
	v.SetDefault("SYNC_INITIAL_BACKOFF", 2*time.Second)
	v.SetDefault("SYNC_MAX_BACKOFF", 2*time.Minute)
	v.SetDefault("SYNC_BATCH_SIZE", 200)
	v.SetDefault("SYNC_INITIAL_LIMIT", 500)
	v.SetDefault("SYNC_STALE_AFTER", 24*time.Hour)
}

// loadAccounts loads email account configurations (ACCOUNT_1_*, ACCOUNT_2_*, ...)
func loadAccounts(v *viper.Viper, lookup passwordLookup) ([]AccountConfig, error) {
	var accounts []AccountConfig
	for num := 1; ; num++ {
		prefix := fmt.Sprintf("ACCOUNT_%d_", num)
		if v.GetString(prefix+"IMAP_HOST") == "" {
			break
		}
		account, err := loadAccountByNumber(v, num, lookup)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
	}
	return accounts, nil
}

// loadAccountByNumber loads one numbered account
func loadAccountByNumber(v *viper.Viper, num int, lookup passwordLookup) (*AccountConfig, error) {
	prefix := fmt.Sprintf("ACCOUNT_%d_", num)

	key := strings.TrimSpace(v.GetString(prefix + "KEY"))
	if key == "" {
		key = fmt.Sprintf("acct_%d", num)
	}

	acc := &AccountConfig{
		Key:          key,
		Email:        strings.TrimSpace(v.GetString(prefix + "EMAIL")),
		Provider:     v.GetString(prefix + "PROVIDER"),
		Default:      v.GetBool(prefix + "DEFAULT"),
		IMAPHost:     v.GetString(prefix + "IMAP_HOST"),
		IMAPPort:     intOr(v.GetInt(prefix+"IMAP_PORT"), 993),
		IMAPUsername: v.GetString(prefix + "IMAP_USERNAME"),
		IMAPPassword: v.GetString(prefix + "IMAP_PASSWORD"),
		SMTPHost:     v.GetString(prefix + "SMTP_HOST"),
		SMTPPort:     intOr(v.GetInt(prefix+"SMTP_PORT"), 587),
		SMTPUsername: v.GetString(prefix + "SMTP_USERNAME"),
		SMTPPassword: v.GetString(prefix + "SMTP_PASSWORD"),
		SyncFolders:  splitList(v.GetString(prefix + "SYNC_FOLDERS")),
	}
	if acc.Email == "" {
		acc.Email = acc.IMAPUsername
	}
	if acc.SMTPUsername == "" {
		acc.SMTPUsername = acc.IMAPUsername
	}
	if len(acc.SyncFolders) == 0 {
		acc.SyncFolders = []string{"INBOX"}
	}
	if acc.Provider == "" {
		acc.Provider = DetectProvider(acc.IMAPHost)
	}

	if acc.IMAPUsername == "" {
		return nil, fmt.Errorf("account %d: IMAP_USERNAME is required", num)
	}

	var err error
	if acc.IMAPPassword == "" && lookup != nil {
		if acc.IMAPPassword, err = lookup(key + "/imap"); err != nil {
			return nil, fmt.Errorf("account %d: IMAP_PASSWORD not set and keyring lookup failed: %w", num, err)
		}
	}
	if acc.SMTPPassword == "" && acc.SMTPHost != "" {
		acc.SMTPPassword = acc.IMAPPassword
		if lookup != nil {
			if pw, err := lookup(key + "/smtp"); err == nil && pw != "" {
				acc.SMTPPassword = pw
			}
		}
	}

	return acc, nil
}

// DetectProvider guesses the provider from the IMAP host
func DetectProvider(host string) string {
	h := strings.ToLower(host)
	switch {
	case strings.Contains(h, "gmail") || strings.Contains(h, "google"):
		return "gmail"
	case strings.Contains(h, "outlook") || strings.Contains(h, "office365"):
		return "outlook"
	case strings.Contains(h, "yahoo"):
		return "yahoo"
	case strings.Contains(h, "icloud") || strings.Contains(h, "me.com"):
		return "icloud"
	case strings.Contains(h, "fastmail"):
		return "fastmail"
	}
	return "imap"
}

func intOr(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// GetAccountByKey finds an account by its canonical key
func (c *Config) GetAccountByKey(key string) (*AccountConfig, error) {
	for i := range c.Accounts {
		if c.Accounts[i].Key == key {
			return &c.Accounts[i], nil
		}
	}
	return nil, fmt.Errorf("account not found: %s", key)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.CachePath == "" {
		return fmt.Errorf("CACHE_PATH is required")
	}

	if c.SearchResultLimit < 1 || c.SearchResultLimit > 1000 {
		return fmt.Errorf("SEARCH_RESULT_LIMIT must be between 1 and 1000")
	}

	if c.Pool.MaxPerAccount < 1 {
		return fmt.Errorf("POOL_MAX_PER_ACCOUNT must be at least 1")
	}
	if c.Pool.AcquireTimeout <= 0 {
		return fmt.Errorf("POOL_ACQUIRE_TIMEOUT must be positive")
	}
	if c.Sync.IncrementalInterval <= 0 || c.Sync.FullInterval <= 0 {
		return fmt.Errorf("sync intervals must be positive")
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("SYNC_MAX_ATTEMPTS must be at least 1")
	}
	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("SYNC_BATCH_SIZE must be at least 1")
	}

	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account must be configured")
	}

	seen := make(map[string]bool, len(c.Accounts))
	defaults := 0
	for i := range c.Accounts {
		acc := &c.Accounts[i]
		if acc.Key == "" {
			return fmt.Errorf("account %d: KEY is required", i+1)
		}
		if _, err := mail.ParseAddress(acc.Key); err == nil || strings.Contains(acc.Key, "@") {
			return fmt.Errorf("account %s: KEY must be a synthetic identifier, not an email address", acc.Key)
		}
		if seen[acc.Key] {
			return fmt.Errorf("account %s: duplicate KEY", acc.Key)
		}
		seen[acc.Key] = true
		if acc.Default {
			defaults++
		}
		if acc.IMAPHost == "" {
			return fmt.Errorf("account %s: IMAP_HOST is required", acc.Key)
		}
		if acc.IMAPPort < 1 || acc.IMAPPort > 65535 {
			return fmt.Errorf("account %s: invalid IMAP_PORT", acc.Key)
		}
		if acc.SMTPHost != "" && (acc.SMTPPort < 1 || acc.SMTPPort > 65535) {
			return fmt.Errorf("account %s: invalid SMTP_PORT", acc.Key)
		}
	}
	if defaults > 1 {
		return fmt.Errorf("at most one account may be marked DEFAULT")
	}

	return nil
}

// AccountKeys returns the canonical keys of all accounts in configuration order
func (c *Config) AccountKeys() []string {
	keys := make([]string, len(c.Accounts))
	for i := range c.Accounts {
		keys[i] = c.Accounts[i].Key
	}
	return keys
}
