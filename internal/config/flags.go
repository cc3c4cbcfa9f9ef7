package config

import (
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"
)

// Flags holds all command line flag values
type Flags struct {
	// General
	configFile *string
	version    *bool

	// Server
	serverHost          *string
	serverPort          *int
	serverClientTimeout *string
	serverMaxWorkers    *int

	// Admin
	adminEnabled *bool
	adminHost    *string
	adminPort    *int

	// Database
	dbType             *string
	dbSQLitePath       *string
	dbPostgresHost     *string
	dbPostgresPort     *int
	dbPostgresDatabase *string
	dbPostgresUser     *string
	dbPostgresPassword *string
	dbPostgresSSLMode  *string

	// JWT
	jwtSecret *string

	// CA
	caAutoGenerate  *bool
	caCommonName    *string
	caStorePassword *string
	caRSABits       *int
	caPeerRSABits   *int

	// SMTP
	smtpEnabled  *bool
	smtpHost     *string
	smtpPort     *int
	smtpSender   *string
	smtpUsername *string
	smtpPassword *string

	// Logging
	logLevel  *string
	logFormat *string
}

// ParseFlags defines and parses all command line flags
func ParseFlags() (*Flags, string, bool) {
	f := &Flags{}

	// General flags
	f.configFile = flag.StringP("config", "c", "config.yaml", "Path to configuration file")
	f.version = flag.BoolP("version", "v", false, "Print version and exit")

	// Server flags
	f.serverHost = flag.String("server.host", "", "Protocol listener bind address")
	f.serverPort = flag.Int("server.port", 0, "Protocol listener port")
	f.serverClientTimeout = flag.String("server.client-timeout", "", "Client I/O timeout (e.g., 30s)")
	f.serverMaxWorkers = flag.Int("server.max-workers", 0, "Maximum concurrent connection workers")

	// Admin flags
	f.adminEnabled = flag.Bool("admin.enabled", false, "Enable the admin HTTP API")
	f.adminHost = flag.String("admin.host", "", "Admin HTTP bind address")
	f.adminPort = flag.Int("admin.port", 0, "Admin HTTP port")

	// Database flags
	f.dbType = flag.String("db.type", "", "Database type (sqlite or postgres)")
	f.dbSQLitePath = flag.String("db.sqlite.path", "", "SQLite database file path")
	f.dbPostgresHost = flag.String("db.postgres.host", "", "PostgreSQL host")
	f.dbPostgresPort = flag.Int("db.postgres.port", 0, "PostgreSQL port")
	f.dbPostgresDatabase = flag.String("db.postgres.database", "", "PostgreSQL database name")
	f.dbPostgresUser = flag.String("db.postgres.user", "", "PostgreSQL user")
	f.dbPostgresPassword = flag.String("db.postgres.password", "", "PostgreSQL password")
	f.dbPostgresSSLMode = flag.String("db.postgres.ssl-mode", "", "PostgreSQL SSL mode")

	// JWT flags
	f.jwtSecret = flag.String("jwt.secret", "", "JWT secret key for the admin API")

	// CA flags
	f.caAutoGenerate = flag.Bool("ca.auto-generate", false, "Generate a CA identity on first start")
	f.caCommonName = flag.String("ca.common-name", "", "Subject common name for a generated CA")
	f.caStorePassword = flag.String("ca.store-password", "", "Password protecting the CA PKCS#12 store")
	f.caRSABits = flag.Int("ca.rsa-bits", 0, "CA RSA key size in bits")
	f.caPeerRSABits = flag.Int("ca.peer-rsa-bits", 0, "Peer certificate RSA key size in bits")

	// SMTP flags
	f.smtpEnabled = flag.Bool("smtp.enabled", false, "Enable outbound email notifications")
	f.smtpHost = flag.String("smtp.host", "", "SMTP server host")
	f.smtpPort = flag.Int("smtp.port", 0, "SMTP server port")
	f.smtpSender = flag.String("smtp.sender", "", "Sender address for outbound email")
	f.smtpUsername = flag.String("smtp.username", "", "SMTP username")
	f.smtpPassword = flag.String("smtp.password", "", "SMTP password")

	// Logging flags
	f.logLevel = flag.StringP("log.level", "l", "", "Log level (debug, info, warn, error)")
	f.logFormat = flag.String("log.format", "", "Log format (json or console)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "PeerCA - A private certificate authority for peer populations\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nConfiguration priority (highest to lowest):\n")
		fmt.Fprintf(os.Stderr, "  1. Command line flags\n")
		fmt.Fprintf(os.Stderr, "  2. Environment variables (PEERCA_*)\n")
		fmt.Fprintf(os.Stderr, "  3. Configuration file (default: config.yaml)\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  # Start with custom config file\n")
		fmt.Fprintf(os.Stderr, "  %s --config /etc/peerca/config.yaml\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  # Override port and database type\n")
		fmt.Fprintf(os.Stderr, "  %s --server.port 9090 --db.type postgres\n\n", os.Args[0])
	}

	flag.Parse()

	return f, *f.configFile, *f.version
}

// ApplyFlags overrides configuration values with any flags set on the
// command line. Flags take precedence over the file and the environment.
func (c *Config) ApplyFlags(f *Flags) error {
	if v, ok := f.GetServerHost(); ok {
		c.Server.Host = v
	}
	if v, ok := f.GetServerPort(); ok {
		c.Server.Port = v
	}
	if v, ok := f.GetServerClientTimeout(); ok {
		timeout, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid client timeout %q: %w", v, err)
		}
		c.Server.ClientTimeout = timeout
	}
	if v, ok := f.GetServerMaxWorkers(); ok {
		c.Server.MaxWorkers = v
	}

	if v, ok := f.GetAdminEnabled(); ok {
		c.Admin.Enabled = v
	}
	if v, ok := f.GetAdminHost(); ok {
		c.Admin.Host = v
	}
	if v, ok := f.GetAdminPort(); ok {
		c.Admin.Port = v
	}

	if v, ok := f.GetDBType(); ok {
		c.Database.Type = v
	}
	if v, ok := f.GetDBSQLitePath(); ok {
		c.Database.SQLite.Path = v
	}
	if v, ok := f.GetDBPostgresHost(); ok {
		c.Database.Postgres.Host = v
	}
	if v, ok := f.GetDBPostgresPort(); ok {
		c.Database.Postgres.Port = v
	}
	if v, ok := f.GetDBPostgresDatabase(); ok {
		c.Database.Postgres.Database = v
	}
	if v, ok := f.GetDBPostgresUser(); ok {
		c.Database.Postgres.User = v
	}
	if v, ok := f.GetDBPostgresPassword(); ok {
		c.Database.Postgres.Password = v
	}
	if v, ok := f.GetDBPostgresSSLMode(); ok {
		c.Database.Postgres.SSLMode = v
	}

	if v, ok := f.GetJWTSecret(); ok {
		c.JWT.Secret = v
	}

	if v, ok := f.GetCAAutoGenerate(); ok {
		c.CA.AutoGenerate = v
	}
	if v, ok := f.GetCACommonName(); ok {
		c.CA.Subject.CommonName = v
	}
	if v, ok := f.GetCAStorePassword(); ok {
		c.CA.StorePassword = v
	}
	if v, ok := f.GetCARSABits(); ok {
		c.CA.RSABits = v
	}
	if v, ok := f.GetCAPeerRSABits(); ok {
		c.CA.PeerRSABits = v
	}

	if v, ok := f.GetSMTPEnabled(); ok {
		c.SMTP.Enabled = v
	}
	if v, ok := f.GetSMTPHost(); ok {
		c.SMTP.Host = v
	}
	if v, ok := f.GetSMTPPort(); ok {
		c.SMTP.Port = v
	}
	if v, ok := f.GetSMTPSender(); ok {
		c.SMTP.Sender = v
	}
	if v, ok := f.GetSMTPUsername(); ok {
		c.SMTP.Username = v
	}
	if v, ok := f.GetSMTPPassword(); ok {
		c.SMTP.Password = v
	}

	if v, ok := f.GetLogLevel(); ok {
		c.Logging.Level = v
	}
	if v, ok := f.GetLogFormat(); ok {
		c.Logging.Format = v
	}
	return nil
}

// GetServerHost returns the server host flag value and whether it was set
func (f *Flags) GetServerHost() (string, bool) {
	return *f.serverHost, flag.Lookup("server.host").Changed
}

// GetServerPort returns the server port flag value and whether it was set
func (f *Flags) GetServerPort() (int, bool) {
	return *f.serverPort, flag.Lookup("server.port").Changed
}

// GetServerClientTimeout returns the client timeout flag value and whether it was set
func (f *Flags) GetServerClientTimeout() (string, bool) {
	return *f.serverClientTimeout, flag.Lookup("server.client-timeout").Changed
}

// GetServerMaxWorkers returns the max workers flag value and whether it was set
func (f *Flags) GetServerMaxWorkers() (int, bool) {
	return *f.serverMaxWorkers, flag.Lookup("server.max-workers").Changed
}

// GetAdminEnabled returns the admin enabled flag value and whether it was set
func (f *Flags) GetAdminEnabled() (bool, bool) {
	return *f.adminEnabled, flag.Lookup("admin.enabled").Changed
}

// GetAdminHost returns the admin host flag value and whether it was set
func (f *Flags) GetAdminHost() (string, bool) {
	return *f.adminHost, flag.Lookup("admin.host").Changed
}

// GetAdminPort returns the admin port flag value and whether it was set
func (f *Flags) GetAdminPort() (int, bool) {
	return *f.adminPort, flag.Lookup("admin.port").Changed
}

// GetDBType returns the database type flag value and whether it was set
func (f *Flags) GetDBType() (string, bool) {
	return *f.dbType, flag.Lookup("db.type").Changed
}

// GetDBSQLitePath returns the SQLite path flag value and whether it was set
func (f *Flags) GetDBSQLitePath() (string, bool) {
	return *f.dbSQLitePath, flag.Lookup("db.sqlite.path").Changed
}

// GetDBPostgresHost returns the PostgreSQL host flag value and whether it was set
func (f *Flags) GetDBPostgresHost() (string, bool) {
	return *f.dbPostgresHost, flag.Lookup("db.postgres.host").Changed
}

// GetDBPostgresPort returns the PostgreSQL port flag value and whether it was set
func (f *Flags) GetDBPostgresPort() (int, bool) {
	return *f.dbPostgresPort, flag.Lookup("db.postgres.port").Changed
}

// GetDBPostgresDatabase returns the PostgreSQL database flag value and whether it was set
func (f *Flags) GetDBPostgresDatabase() (string, bool) {
	return *f.dbPostgresDatabase, flag.Lookup("db.postgres.database").Changed
}

// GetDBPostgresUser returns the PostgreSQL user flag value and whether it was set
func (f *Flags) GetDBPostgresUser() (string, bool) {
	return *f.dbPostgresUser, flag.Lookup("db.postgres.user").Changed
}

// GetDBPostgresPassword returns the PostgreSQL password flag value and whether it was set
func (f *Flags) GetDBPostgresPassword() (string, bool) {
	return *f.dbPostgresPassword, flag.Lookup("db.postgres.password").Changed
}

// GetDBPostgresSSLMode returns the PostgreSQL SSL mode flag value and whether it was set
func (f *Flags) GetDBPostgresSSLMode() (string, bool) {
	return *f.dbPostgresSSLMode, flag.Lookup("db.postgres.ssl-mode").Changed
}

// GetJWTSecret returns the JWT secret flag value and whether it was set
func (f *Flags) GetJWTSecret() (string, bool) {
	return *f.jwtSecret, flag.Lookup("jwt.secret").Changed
}

// GetCAAutoGenerate returns the CA auto-generate flag value and whether it was set
func (f *Flags) GetCAAutoGenerate() (bool, bool) {
	return *f.caAutoGenerate, flag.Lookup("ca.auto-generate").Changed
}

// GetCACommonName returns the CA common name flag value and whether it was set
func (f *Flags) GetCACommonName() (string, bool) {
	return *f.caCommonName, flag.Lookup("ca.common-name").Changed
}

// GetCAStorePassword returns the CA store password flag value and whether it was set
func (f *Flags) GetCAStorePassword() (string, bool) {
	return *f.caStorePassword, flag.Lookup("ca.store-password").Changed
}

// GetCARSABits returns the CA RSA bits flag value and whether it was set
func (f *Flags) GetCARSABits() (int, bool) {
	return *f.caRSABits, flag.Lookup("ca.rsa-bits").Changed
}

// GetCAPeerRSABits returns the peer RSA bits flag value and whether it was set
func (f *Flags) GetCAPeerRSABits() (int, bool) {
	return *f.caPeerRSABits, flag.Lookup("ca.peer-rsa-bits").Changed
}

// GetSMTPEnabled returns the SMTP enabled flag value and whether it was set
func (f *Flags) GetSMTPEnabled() (bool, bool) {
	return *f.smtpEnabled, flag.Lookup("smtp.enabled").Changed
}

// GetSMTPHost returns the SMTP host flag value and whether it was set
func (f *Flags) GetSMTPHost() (string, bool) {
	return *f.smtpHost, flag.Lookup("smtp.host").Changed
}

// GetSMTPPort returns the SMTP port flag value and whether it was set
func (f *Flags) GetSMTPPort() (int, bool) {
	return *f.smtpPort, flag.Lookup("smtp.port").Changed
}

// GetSMTPSender returns the SMTP sender flag value and whether it was set
func (f *Flags) GetSMTPSender() (string, bool) {
	return *f.smtpSender, flag.Lookup("smtp.sender").Changed
}

// GetSMTPUsername returns the SMTP username flag value and whether it was set
func (f *Flags) GetSMTPUsername() (string, bool) {
	return *f.smtpUsername, flag.Lookup("smtp.username").Changed
}

// GetSMTPPassword returns the SMTP password flag value and whether it was set
func (f *Flags) GetSMTPPassword() (string, bool) {
	return *f.smtpPassword, flag.Lookup("smtp.password").Changed
}

// GetLogLevel returns the log level flag value and whether it was set
func (f *Flags) GetLogLevel() (string, bool) {
	return *f.logLevel, flag.Lookup("log.level").Changed
}

// GetLogFormat returns the log format flag value and whether it was set
func (f *Flags) GetLogFormat() (string, bool) {
	return *f.logFormat, flag.Lookup("log.format").Changed
}
