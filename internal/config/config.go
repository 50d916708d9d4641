package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/asgard-mail/core/pkg/types"
)

// Config holds the application configuration.
type Config struct {
	// Storage and cache settings
	DBPath        string
	CacheDir      string
	CacheMaxBytes int64
	LogLevel      string

	// Sync settings
	SyncInterval         time.Duration
	SyncTimeout          time.Duration
	MaxConcurrentSyncs   int
	EnableBackgroundSync bool
	EnableIdle           bool

	// Accounts
	Accounts []AccountConfig
}

// AccountConfig holds configuration for a single mail account.
type AccountConfig struct {
	Name  string
	Email string
	Type  types.AccountType
	Auth  types.AuthMethod

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
	SMTPStartTLS bool

	// OAuth2 access token supplied by the token collaborator. Optional;
	// engines fail with an auth error when it is needed and absent.
	AccessToken string
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DBPath:               getEnv("DB_PATH", "/data/asgard.db"),
		CacheDir:             getEnv("CACHE_DIR", "/data/cache"),
		CacheMaxBytes:        getEnvInt64("CACHE_MAX_BYTES", 500*1024*1024),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		SyncInterval:         getEnvDuration("SYNC_INTERVAL", 5*time.Minute),
		SyncTimeout:          getEnvDuration("SYNC_TIMEOUT", 30*time.Second),
		MaxConcurrentSyncs:   getEnvInt("MAX_CONCURRENT_SYNCS", 3),
		EnableBackgroundSync: getEnvBool("ENABLE_BACKGROUND_SYNC", true),
		EnableIdle:           getEnvBool("ENABLE_IDLE", false),
	}

	accounts, err := loadAccounts()
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	cfg.Accounts = accounts

	return cfg, nil
}

// loadAccounts loads account configurations (ACCOUNT_1_*, ACCOUNT_2_*, ...).
func loadAccounts() ([]AccountConfig, error) {
	var accounts []AccountConfig

	for num := 1; ; num++ {
		account, ok, err := loadAccountByNumber(num)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		accounts = append(accounts, *account)
	}

	return accounts, nil
}

// loadAccountByNumber loads one numbered account. The second return value is
// false when no account with that number is configured.
func loadAccountByNumber(num int) (*AccountConfig, bool, error) {
	prefix := fmt.Sprintf("ACCOUNT_%d_", num)

	email := getEnv(prefix+"EMAIL", "")
	if email == "" {
		return nil, false, nil
	}

	acc := &AccountConfig{
		Name:         getEnv(prefix+"NAME", email),
		Email:        email,
		Type:         types.AccountType(getEnv(prefix+"TYPE", string(types.AccountImapSmtp))),
		Auth:         types.AuthMethod(getEnv(prefix+"AUTH", string(types.AuthPassword))),
		IMAPHost:     getEnv(prefix+"IMAP_HOST", ""),
		IMAPPort:     getEnvInt(prefix+"IMAP_PORT", 993),
		IMAPUsername: getEnv(prefix+"IMAP_USERNAME", email),
		IMAPPassword: getEnv(prefix+"IMAP_PASSWORD", ""),
		SMTPHost:     getEnv(prefix+"SMTP_HOST", ""),
		SMTPPort:     getEnvInt(prefix+"SMTP_PORT", 587),
		SMTPUsername: getEnv(prefix+"SMTP_USERNAME", email),
		SMTPPassword: getEnv(prefix+"SMTP_PASSWORD", ""),
		SMTPStartTLS: getEnvBool(prefix+"SMTP_STARTTLS", true),
		AccessToken:  getEnv(prefix+"ACCESS_TOKEN", ""),
	}

	if acc.Type == types.AccountGmail {
		// Gmail always speaks IMAP/SMTP on the well-known hosts.
		if acc.IMAPHost == "" {
			acc.IMAPHost = "imap.gmail.com"
		}
		if acc.SMTPHost == "" {
			acc.SMTPHost = "smtp.gmail.com"
		}
	}

	if err := acc.validate(num); err != nil {
		return nil, false, err
	}
	return acc, true, nil
}

func (a *AccountConfig) validate(num int) error {
	switch a.Type {
	case types.AccountGmail, types.AccountImapSmtp, types.AccountPop3:
	default:
		return fmt.Errorf("account %d: unknown type %q", num, a.Type)
	}
	switch a.Auth {
	case types.AuthPassword, types.AuthOAuth2:
	default:
		return fmt.Errorf("account %d: unknown auth method %q", num, a.Auth)
	}
	if a.Type != types.AccountPop3 {
		if a.IMAPHost == "" {
			return fmt.Errorf("account %d: IMAP_HOST is required", num)
		}
		if a.SMTPHost == "" {
			return fmt.Errorf("account %d: SMTP_HOST is required", num)
		}
		if a.IMAPPort < 1 || a.IMAPPort > 65535 {
			return fmt.Errorf("account %d: invalid IMAP_PORT", num)
		}
		if a.SMTPPort < 1 || a.SMTPPort > 65535 {
			return fmt.Errorf("account %d: invalid SMTP_PORT", num)
		}
		if a.Auth == types.AuthPassword && a.IMAPPassword == "" {
			return fmt.Errorf("account %d: IMAP_PASSWORD is required for password auth", num)
		}
	}
	return nil
}

// Validate validates the whole configuration.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH is required")
	}
	if c.CacheDir == "" {
		return fmt.Errorf("CACHE_DIR is required")
	}
	if c.SyncInterval < time.Second {
		return fmt.Errorf("SYNC_INTERVAL must be at least 1s")
	}
	if c.SyncTimeout < time.Second {
		return fmt.Errorf("SYNC_TIMEOUT must be at least 1s")
	}
	if c.MaxConcurrentSyncs < 1 {
		return fmt.Errorf("MAX_CONCURRENT_SYNCS must be at least 1")
	}
	return nil
}

// GetAccountByName finds an account by name.
func (c *Config) GetAccountByName(name string) (*AccountConfig, error) {
	for i := range c.Accounts {
		if c.Accounts[i].Name == name {
			return &c.Accounts[i], nil
		}
	}
	return nil, fmt.Errorf("account not found: %s", name)
}

// ToAccount converts the config entry into an Account entity with a fresh id.
func (a *AccountConfig) ToAccount() *types.Account {
	now := time.Now().UTC()
	acc := &types.Account{
		ID:          uuid.New(),
		Email:       a.Email,
		DisplayName: a.Name,
		Type:        a.Type,
		Auth:        a.Auth,
		Status:      types.AccountOffline,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if a.IMAPHost != "" {
		acc.IMAP = &types.ServerConfig{
			Host:     a.IMAPHost,
			Port:     a.IMAPPort,
			UseTLS:   true,
			Username: a.IMAPUsername,
			Password: a.IMAPPassword,
		}
	}
	if a.SMTPHost != "" {
		acc.SMTP = &types.ServerConfig{
			Host:        a.SMTPHost,
			Port:        a.SMTPPort,
			UseTLS:      a.SMTPPort == 465,
			UseStartTLS: a.SMTPStartTLS && a.SMTPPort != 465,
			Username:    a.SMTPUsername,
			Password:    a.SMTPPassword,
		}
	}
	return acc
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer or returns a default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvInt64 gets an environment variable as an int64 or returns a default value.
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool gets an environment variable as a boolean or returns a default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration gets an environment variable as a duration ("30s", "5m")
// or returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
