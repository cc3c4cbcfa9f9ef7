// Package config provides configuration management for the PeerCA service.
// It handles loading configuration from YAML files, applying environment
// variable overrides, and validating configuration values for the protocol
// listener, admin API, database, certification authority, SMTP notifications,
// and logging.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Admin    AdminConfig    `yaml:"admin"`
	JWT      JWTConfig      `yaml:"jwt"`
	Database DatabaseConfig `yaml:"database"`
	CA       CAConfig       `yaml:"ca"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the certificate protocol listener configuration
type ServerConfig struct {
	Host                string        `yaml:"host"`
	Port                int           `yaml:"port"`
	ClientTimeout       time.Duration `yaml:"client_timeout"`
	MaxWorkers          int           `yaml:"max_workers"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
}

// AdminConfig holds the admin HTTP API configuration
type AdminConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	CORSOrigins  []string `yaml:"cors_origins"`
	Username     string   `yaml:"username"`
	PasswordHash string   `yaml:"password_hash"`
}

// JWTConfig holds JWT authentication configuration for the admin API
type JWTConfig struct {
	Secret     string        `yaml:"secret"`
	Expiration time.Duration `yaml:"expiration"`
	Issuer     string        `yaml:"issuer"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Type     string         `yaml:"type"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific configuration
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig holds PostgreSQL-specific configuration
type PostgresConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Database     string `yaml:"database"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// CAConfig holds certification authority configuration
type CAConfig struct {
	AutoGenerate           bool          `yaml:"auto_generate"`
	Subject                SubjectConfig `yaml:"subject"`
	StorePassword          string        `yaml:"store_password"`
	RSABits                int           `yaml:"rsa_bits"`
	PeerRSABits            int           `yaml:"peer_rsa_bits"`
	ValidityMonths         int           `yaml:"validity_months"`
	PeerValidityMonths     int           `yaml:"peer_validity_months"`
	RegistrationExpiryDays int           `yaml:"registration_expiry_days"`
	ResetExpiryDays        int           `yaml:"reset_expiry_days"`
}

// SubjectConfig holds the distinguished-name fields for a generated CA
type SubjectConfig struct {
	CommonName   string `yaml:"common_name"`
	Organization string `yaml:"organization"`
	Country      string `yaml:"country"`
}

// SMTPConfig holds outbound notification configuration
type SMTPConfig struct {
	Enabled          bool                     `yaml:"enabled"`
	Host             string                   `yaml:"host"`
	Port             int                      `yaml:"port"`
	Sender           string                   `yaml:"sender"`
	Username         string                   `yaml:"username"`
	Password         string                   `yaml:"password"`
	AntiSpamCooldown time.Duration            `yaml:"anti_spam_cooldown"`
	InfoRecipients   []string                 `yaml:"info_recipients"`
	Templates        TemplatesConfig          `yaml:"templates"`
	Programs         map[string]ProgramConfig `yaml:"programs"`
}

// TemplatesConfig holds the message templates, one per notification kind
type TemplatesConfig struct {
	VerificationCode          Template `yaml:"verification_code"`
	ResetCode                 Template `yaml:"reset_code"`
	RegistrationRequestInfo   Template `yaml:"registration_request_info"`
	RegistrationPerformedInfo Template `yaml:"registration_performed_info"`
	AuthorizationGrantedInfo  Template `yaml:"authorization_granted_info"`
}

// Template is one message template. Bodies may use the placeholders
// {AVATAR}, {EMAIL}, {WORLD}, {CODE}, {PROGRAM_NAME}, {PROGRAM_VERSION},
// {REQUEST_DATE}, {EXPIRATION_DATE} and {DAYS_TILL_EXPIRATION}.
type Template struct {
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

// ProgramConfig holds per-client-program registration behavior. The entry
// under the key "default" applies to programs without their own entry.
type ProgramConfig struct {
	EmailVerificationRequired bool            `yaml:"email_verification_required"`
	Policy                    []PolicyRule    `yaml:"policy"`
	Extensions                []ExtensionRule `yaml:"extensions"`
}

// PolicyRule matches a registration request against regular expressions and
// yields a verdict; empty patterns match anything. The first matching rule
// wins; no match means "authorize".
type PolicyRule struct {
	Avatar  string `yaml:"avatar"`
	Email   string `yaml:"email"`
	World   string `yaml:"world"`
	Verdict string `yaml:"verdict"`
}

// ExtensionRule assigns a certificate extension to matching registrations;
// empty patterns match anything.
type ExtensionRule struct {
	Avatar string `yaml:"avatar"`
	Email  string `yaml:"email"`
	World  string `yaml:"world"`
	Name   string `yaml:"name"`
	Value  string `yaml:"value"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ClientTimeout == 0 {
		c.Server.ClientTimeout = 30 * time.Second
	}
	if c.Server.MaxWorkers == 0 {
		c.Server.MaxWorkers = 64
	}
	if c.Server.MaintenanceInterval == 0 {
		c.Server.MaintenanceInterval = 5 * time.Minute
	}
	if c.CA.RSABits == 0 {
		c.CA.RSABits = 4096
	}
	if c.CA.PeerRSABits == 0 {
		c.CA.PeerRSABits = 2048
	}
	if c.CA.ValidityMonths == 0 {
		c.CA.ValidityMonths = 120
	}
	if c.CA.PeerValidityMonths == 0 {
		c.CA.PeerValidityMonths = 12
	}
	if c.CA.RegistrationExpiryDays == 0 {
		c.CA.RegistrationExpiryDays = 30
	}
	if c.CA.ResetExpiryDays == 0 {
		c.CA.ResetExpiryDays = 2
	}
	if c.SMTP.AntiSpamCooldown == 0 {
		c.SMTP.AntiSpamCooldown = 10 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration
func (c *Config) applyEnvOverrides() {
	// Server overrides
	if host := os.Getenv("PEERCA_SERVER_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("PEERCA_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}

	// Admin overrides
	if port := os.Getenv("PEERCA_ADMIN_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Admin.Port = p
		}
	}
	if hash := os.Getenv("PEERCA_ADMIN_PASSWORD_HASH"); hash != "" {
		c.Admin.PasswordHash = hash
	}

	// Database overrides
	if dbType := os.Getenv("PEERCA_DB_TYPE"); dbType != "" {
		c.Database.Type = dbType
	}
	if dbPath := os.Getenv("PEERCA_DB_SQLITE_PATH"); dbPath != "" {
		c.Database.SQLite.Path = dbPath
	}
	if pgHost := os.Getenv("PEERCA_DB_POSTGRES_HOST"); pgHost != "" {
		c.Database.Postgres.Host = pgHost
	}
	if pgPort := os.Getenv("PEERCA_DB_POSTGRES_PORT"); pgPort != "" {
		if p, err := strconv.Atoi(pgPort); err == nil {
			c.Database.Postgres.Port = p
		}
	}
	if pgDB := os.Getenv("PEERCA_DB_POSTGRES_DATABASE"); pgDB != "" {
		c.Database.Postgres.Database = pgDB
	}
	if pgUser := os.Getenv("PEERCA_DB_POSTGRES_USER"); pgUser != "" {
		c.Database.Postgres.User = pgUser
	}
	if pgPass := os.Getenv("PEERCA_DB_POSTGRES_PASSWORD"); pgPass != "" {
		c.Database.Postgres.Password = pgPass
	}

	// JWT overrides
	if jwtSecret := os.Getenv("PEERCA_JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	// CA overrides
	if password := os.Getenv("PEERCA_CA_STORE_PASSWORD"); password != "" {
		c.CA.StorePassword = password
	}

	// SMTP overrides
	if smtpHost := os.Getenv("PEERCA_SMTP_HOST"); smtpHost != "" {
		c.SMTP.Host = smtpHost
	}
	if smtpUser := os.Getenv("PEERCA_SMTP_USERNAME"); smtpUser != "" {
		c.SMTP.Username = smtpUser
	}
	if smtpPass := os.Getenv("PEERCA_SMTP_PASSWORD"); smtpPass != "" {
		c.SMTP.Password = smtpPass
	}

	// Logging overrides
	if logLevel := os.Getenv("PEERCA_LOG_LEVEL"); logLevel != "" {
		c.Logging.Level = logLevel
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.MaxWorkers < 1 {
		return fmt.Errorf("server max_workers must be positive")
	}

	if c.Admin.Enabled {
		if c.Admin.Port < 1 || c.Admin.Port > 65535 {
			return fmt.Errorf("invalid admin port: %d", c.Admin.Port)
		}
		if c.Admin.Username == "" || c.Admin.PasswordHash == "" {
			return fmt.Errorf("admin API enabled but username or password hash not specified")
		}
		if c.JWT.Secret == "" {
			return fmt.Errorf("admin API enabled but JWT secret not specified")
		}
	}

	if c.Database.Type != "sqlite" && c.Database.Type != "postgres" {
		return fmt.Errorf("invalid database type: %s (must be 'sqlite' or 'postgres')", c.Database.Type)
	}
	if c.Database.Type == "sqlite" && c.Database.SQLite.Path == "" {
		return fmt.Errorf("SQLite path not specified")
	}
	if c.Database.Type == "postgres" {
		if c.Database.Postgres.Host == "" || c.Database.Postgres.Database == "" {
			return fmt.Errorf("PostgreSQL host and database must be specified")
		}
	}

	if c.CA.RSABits < 2048 || c.CA.PeerRSABits < 2048 {
		return fmt.Errorf("RSA key size must be at least 2048 bits")
	}
	if c.CA.AutoGenerate {
		if c.CA.Subject.CommonName == "" {
			return fmt.Errorf("CA auto-generation enabled but subject common name not specified")
		}
		if c.CA.StorePassword == "" {
			return fmt.Errorf("CA auto-generation enabled but store password not specified")
		}
	}

	if c.SMTP.Enabled {
		if c.SMTP.Host == "" || c.SMTP.Sender == "" {
			return fmt.Errorf("SMTP enabled but host or sender not specified")
		}
	}

	for name, program := range c.SMTP.Programs {
		for _, rule := range program.Policy {
			switch rule.Verdict {
			case "accept", "authorize", "deny":
			default:
				return fmt.Errorf("program %s: invalid policy verdict: %s", name, rule.Verdict)
			}
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}

// GetDSN returns the database connection string based on the configured type
func (c *Config) GetDSN() string {
	switch c.Database.Type {
	case "sqlite":
		return c.Database.SQLite.Path
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Database.Postgres.Host,
			c.Database.Postgres.Port,
			c.Database.Postgres.User,
			c.Database.Postgres.Password,
			c.Database.Postgres.Database,
			c.Database.Postgres.SSLMode,
		)
	default:
		return ""
	}
}

// Program returns the configuration for a client program, falling back to the
// "default" entry
func (c *Config) Program(name string) ProgramConfig {
	if program, ok := c.SMTP.Programs[name]; ok {
		return program
	}
	return c.SMTP.Programs["default"]
}
