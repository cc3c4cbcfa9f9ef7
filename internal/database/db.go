// Package database provides database connection management, migrations, and
// data access methods for the PeerCA service. Every public method serializes
// behind a single process-wide mutex; the duplicate-check and
// unique-code-generation guarantees rely on this, so none of the read-check-
// write sequences in the calling components need their own transactions.
package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/peersec/peerca/internal/config"
	"github.com/peersec/peerca/internal/database/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// blobChunkSize is the append granularity for binary artifacts. Certificate
// and PKCS#12 blobs are written as a series of `col = col || ?` updates
// instead of one large parameter.
const blobChunkSize = 4096

// Database represents the database connection and operations
type Database struct {
	db     *sql.DB
	dbType string

	// mu serializes every public operation process-wide.
	mu sync.Mutex
}

// New creates a new database connection
func New(cfg *config.Config) (*Database, error) {
	var db *sql.DB
	var err error

	switch cfg.Database.Type {
	case "sqlite":
		db, err = sql.Open("sqlite3", cfg.Database.SQLite.Path+"?_foreign_keys=on")
		if err != nil {
			return nil, fmt.Errorf("failed to open SQLite database: %w", err)
		}
		// SQLite only allows one writer at a time
		db.SetMaxOpenConns(1)
	case "postgres":
		db, err = sql.Open("postgres", cfg.GetDSN())
		if err != nil {
			return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
		}
		db.SetMaxOpenConns(cfg.Database.Postgres.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.Postgres.MaxIdleConns)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Database.Type)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Database{
		db:     db,
		dbType: cfg.Database.Type,
	}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	var migrationFiles []string
	if d.dbType == "postgres" {
		migrationFiles = []string{
			"migrations/000001_init_schema.postgres.up.sql",
		}
	} else {
		migrationFiles = []string{
			"migrations/000001_init_schema.up.sql",
		}
	}

	for _, migrationFile := range migrationFiles {
		content, err := migrationsFS.ReadFile(migrationFile)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", migrationFile, err)
		}

		// Remove comments and split into statements
		var statements []string
		var currentStmt strings.Builder
		for _, line := range strings.Split(string(content), "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "--") || line == "" {
				continue
			}

			currentStmt.WriteString(line)
			currentStmt.WriteString("\n")

			if strings.HasSuffix(line, ";") {
				stmt := strings.TrimSpace(currentStmt.String())
				if stmt != "" {
					statements = append(statements, stmt)
				}
				currentStmt.Reset()
			}
		}

		for _, stmt := range statements {
			if _, err := d.db.Exec(stmt); err != nil {
				if !strings.Contains(err.Error(), "already exists") {
					return fmt.Errorf("migration %s failed: %w\nStatement: %s", migrationFile, err, stmt)
				}
			}
		}
	}

	return nil
}

// DB returns the underlying database connection for direct queries
func (d *Database) DB() *sql.DB {
	return d.db
}

// IsUniqueViolation reports whether err is a unique-constraint violation from
// either supported driver
func IsUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// appendBlob writes data to a blob column in fixed-size chunks. Callers hold
// the mutex.
func (d *Database) appendBlob(table, column, id string, data []byte) error {
	query := fmt.Sprintf(`UPDATE %s SET %s = %s || ? WHERE id = ?`, table, column, column)
	if d.dbType == "postgres" {
		query = fmt.Sprintf(`UPDATE %s SET %s = %s || $1 WHERE id = $2`, table, column, column)
	}

	for offset := 0; offset < len(data); offset += blobChunkSize {
		end := offset + blobChunkSize
		if end > len(data) {
			end = len(data)
		}
		if _, err := d.db.Exec(query, data[offset:end], id); err != nil {
			return fmt.Errorf("failed to append %s chunk: %w", column, err)
		}
	}
	return nil
}

// Registration entry operations

// CreateRegistrationEntry stores a new registration entry
func (d *Database) CreateRegistrationEntry(entry *models.RegistrationEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	query := `INSERT INTO registration_entries
	          (id, ca_serial, avatar, email, world, password_hash, verification_code,
	           verified, authorized, program_name, program_version, program_locale,
	           optional_info, extensions_json, requested_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if d.dbType == "postgres" {
		query = `INSERT INTO registration_entries
		         (id, ca_serial, avatar, email, world, password_hash, verification_code,
		          verified, authorized, program_name, program_version, program_locale,
		          optional_info, extensions_json, requested_at)
		         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	}

	_, err := d.db.Exec(query,
		entry.ID, entry.CASerial, entry.Avatar, entry.Email, entry.World,
		entry.PasswordHash, entry.VerificationCode, entry.Verified, entry.Authorized,
		entry.ProgramName, entry.ProgramVersion, entry.ProgramLocale,
		entry.OptionalInfo, entry.ExtensionsJSON, entry.RequestedAt,
	)
	return err
}

const registrationColumns = `id, ca_serial, avatar, email, world, password_hash, verification_code,
	verified, authorized, program_name, program_version, program_locale,
	optional_info, extensions_json, requested_at`

func scanRegistration(row interface{ Scan(...interface{}) error }) (*models.RegistrationEntry, error) {
	var entry models.RegistrationEntry
	err := row.Scan(
		&entry.ID, &entry.CASerial, &entry.Avatar, &entry.Email, &entry.World,
		&entry.PasswordHash, &entry.VerificationCode, &entry.Verified, &entry.Authorized,
		&entry.ProgramName, &entry.ProgramVersion, &entry.ProgramLocale,
		&entry.OptionalInfo, &entry.ExtensionsJSON, &entry.RequestedAt,
	)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// GetRegistrationByCode retrieves a registration entry by verification code
func (d *Database) GetRegistrationByCode(caSerial, code string) (*models.RegistrationEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	query := `SELECT ` + registrationColumns + ` FROM registration_entries
	          WHERE ca_serial = ? AND verification_code = ?`
	if d.dbType == "postgres" {
		query = `SELECT ` + registrationColumns + ` FROM registration_entries
		         WHERE ca_serial = $1 AND verification_code = $2`
	}

	return scanRegistration(d.db.QueryRow(query, caSerial, code))
}

// GetRegistrationByID retrieves a registration entry by primary key
func (d *Database) GetRegistrationByID(id string) (*models.RegistrationEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	query := `SELECT ` + registrationColumns + ` FROM registration_entries WHERE id = ?`
	if d.dbType == "postgres" {
		query = `SELECT ` + registrationColumns + ` FROM registration_entries WHERE id = $1`
	}

	return scanRegistration(d.db.QueryRow(query, id))
}

// GetRegistrationByEmail retrieves a registration entry by email address
func (d *Database) GetRegistrationByEmail(caSerial, email string) (*models.RegistrationEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	query := `SELECT ` + registrationColumns + ` FROM registration_entries
	          WHERE ca_serial = ? AND lower(email) = lower(?)`
	if d.dbType == "postgres" {
		query = `SELECT ` + registrationColumns + ` FROM registration_entries
		         WHERE ca_serial = $1 AND lower(email) = lower($2)`
	}

	return scanRegistration(d.db.QueryRow(query, caSerial, email))
}

// GetRegistrationByAvatarOrEmail retrieves a registration entry by avatar or
// by email address
func (d *Database) GetRegistrationByAvatarOrEmail(caSerial, value string, isEmail bool) (*models.RegistrationEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	field := "avatar"
	if isEmail {
		field = "email"
	}

	query := `SELECT ` + registrationColumns + ` FROM registration_entries
	          WHERE ca_serial = ? AND lower(` + field + `) = lower(?)`
	if d.dbType == "postgres" {
		query = `SELECT ` + registrationColumns + ` FROM registration_entries
		         WHERE ca_serial = $1 AND lower(` + field + `) = lower($2)`
	}

	return scanRegistration(d.db.QueryRow(query, caSerial, value))
}

// ListRegistrations retrieves all registration entries for a CA
func (d *Database) ListRegistrations(caSerial string) ([]*models.RegistrationEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	query := `SELECT ` + registrationColumns + ` FROM registration_entries
	          WHERE ca_serial = ? ORDER BY requested_at DESC`
	if d.dbType == "postgres" {
		query = `SELECT ` + registrationColumns + ` FROM registration_entries
		         WHERE ca_serial = $1 ORDER BY requested_at DESC`
	}

	rows, err := d.db.Query(query, caSerial)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.RegistrationEntry
	for rows.Next() {
		entry, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// UpdateRegistrationVerified marks a registration entry verified and clears
// its verification code
func (d *Database) UpdateRegistrationVerified(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	query := `UPDATE registration_entries SET verified = ?, verification_code = NULL WHERE id = ?`
	if d.dbType == "postgres" {
		query = `UPDATE registration_entries SET verified = $1, verification_code = NULL WHERE id = $2`
	}

	return d.execExpectRow(query, true, id)
}

// UpdateRegistrationAuthorized sets the authorization flag on a registration
// entry
func (d *Database) UpdateRegistrationAuthorized(id string, authorized bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	query := `UPDATE registration_entries SET authorized = ? WHERE id = ?`
	if d.dbType == "postgres" {
		query = `UPDATE registration_entries SET authorized = $1 WHERE id = $2`
	}

	return d.execExpectRow(query, authorized, id)
}

// DeleteRegistrationEntry deletes a registration entry by ID
func (d *Database) DeleteRegistrationEntry(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	query := `DELETE FROM registration_entries WHERE id = ?`
	if d.dbType == "postgres" {
		query = `DELETE FROM registration_entries WHERE id = $1`
	}

	return d.execExpectRow(query, id)
}

// PurgeExpiredRegistrations deletes authorized registration entries requested
// before the cutoff and returns how many were removed. Entries still awaiting
// review are kept regardless of age
func (d *Database) PurgeExpiredRegistrations(caSerial string, cutoff time.Time) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	query := `DELETE FROM registration_entries WHERE ca_serial = ? AND authorized = ? AND requested_at < ?`
	if d.dbType == "postgres" {
		query = `DELETE FROM registration_entries WHERE ca_serial = $1 AND authorized = $2 AND requested_at < $3`
	}

	result, err := d.db.Exec(query, caSerial, true, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Duplicate and uniqueness checks

// AvatarExists reports whether the avatar is taken in either the registration
// or the certificate table under the given CA
func (d *Database) AvatarExists(caSerial, avatar string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	query := `SELECT
	          (SELECT COUNT(*) FROM registration_entries WHERE ca_serial = ? AND lower(avatar) = lower(?)) +
	          (SELECT COUNT(*) FROM certificate_entries WHERE ca_serial = ? AND lower(avatar) = lower(?))`
	if d.dbType == "postgres" {
		query = `SELECT
		         (SELECT COUNT(*) FROM registration_entries WHERE ca_serial = $1 AND lower(avatar) = lower($2)) +
		         (SELECT COUNT(*) FROM certificate_entries WHERE ca_serial = $3 AND lower(avatar) = lower($4))`
	}

	var count int
	if err := d.db.QueryRow(query, caSerial, avatar, caSerial, avatar).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// EmailExists reports whether the email is taken in either the registration
// or the certificate table under the given CA
func (d *Database) EmailExists(caSerial, email string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	query := `SELECT
	          (SELECT COUNT(*) FROM registration_entries WHERE ca_serial = ? AND lower(email) = lower(?)) +
	          (SELECT COUNT(*) FROM certificate_entries WHERE ca_serial = ? AND lower(email) = lower(?))`
	if d.dbType == "postgres" {
		query = `SELECT
		         (SELECT COUNT(*) FROM registration_entries WHERE ca_serial = $1 AND lower(email) = lower($2)) +
		         (SELECT COUNT(*) FROM certificate_entries WHERE ca_serial = $3 AND lower(email) = lower($4))`
	}

	var count int
	if err := d.db.QueryRow(query, caSerial, email, caSerial, email).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// SerialExists reports whether a peer certificate serial number is already
// used under the given CA
func (d *Database) SerialExists(caSerial, serialNumber string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	query := `SELECT COUNT(*) FROM certificate_entries WHERE ca_serial = ? AND serial_number = ?`
	if d.dbType == "postgres" {
		query = `SELECT COUNT(*) FROM certificate_entries WHERE ca_serial = $1 AND serial_number = $2`
	}

	var count int
	if err := d.db.QueryRow(query, caSerial, serialNumber).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// CodeExists reports whether a code is in use as either an outstanding
// verification code or an outstanding reset code under the given CA
func (d *Database) CodeExists(caSerial, code string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	query := `SELECT
	          (SELECT COUNT(*) FROM registration_entries WHERE ca_serial = ? AND verification_code = ?) +
	          (SELECT COUNT(*) FROM certificate_entries WHERE ca_serial = ? AND reset_code = ?)`
	if d.dbType == "postgres" {
		query = `SELECT
		         (SELECT COUNT(*) FROM registration_entries WHERE ca_serial = $1 AND verification_code = $2) +
		         (SELECT COUNT(*) FROM certificate_entries WHERE ca_serial = $3 AND reset_code = $4)`
	}

	var count int
	if err := d.db.QueryRow(query, caSerial, code, caSerial, code).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// Certificate entry operations

// CreateCertificateEntry stores an issued certificate. The binary artifacts
// are appended in chunks after the row insert.
func (d *Database) CreateCertificateEntry(entry *models.CertificateEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	query := `INSERT INTO certificate_entries
	          (id, ca_serial, serial_number, avatar, email, world, reset_code,
	           reset_requested_at, program_name, program_version, extensions_json,
	           certificate_der, pkcs12, issued_at, expires_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if d.dbType == "postgres" {
		query = `INSERT INTO certificate_entries
		         (id, ca_serial, serial_number, avatar, email, world, reset_code,
		          reset_requested_at, program_name, program_version, extensions_json,
		          certificate_der, pkcs12, issued_at, expires_at)
		         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	}

	_, err := d.db.Exec(query,
		entry.ID, entry.CASerial, entry.SerialNumber, entry.Avatar, entry.Email,
		entry.World, entry.ResetCode, entry.ResetRequested, entry.ProgramName,
		entry.ProgramVersion, entry.ExtensionsJSON, []byte{}, []byte{},
		entry.IssuedAt, entry.ExpiresAt,
	)
	if err != nil {
		return err
	}

	if err := d.appendBlob("certificate_entries", "certificate_der", entry.ID, entry.CertificateDER); err != nil {
		return err
	}
	return d.appendBlob("certificate_entries", "pkcs12", entry.ID, entry.Pkcs12)
}

const certificateColumns = `id, ca_serial, serial_number, avatar, email, world, reset_code,
	reset_requested_at, program_name, program_version, extensions_json,
	certificate_der, pkcs12, issued_at, expires_at`

func scanCertificate(row interface{ Scan(...interface{}) error }) (*models.CertificateEntry, error) {
	var entry models.CertificateEntry
	err := row.Scan(
		&entry.ID, &entry.CASerial, &entry.SerialNumber, &entry.Avatar, &entry.Email,
		&entry.World, &entry.ResetCode, &entry.ResetRequested, &entry.ProgramName,
		&entry.ProgramVersion, &entry.ExtensionsJSON, &entry.CertificateDER,
		&entry.Pkcs12, &entry.IssuedAt, &entry.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// GetCertificateByAvatarOrEmail retrieves a certificate entry by avatar or by
// email address
func (d *Database) GetCertificateByAvatarOrEmail(caSerial, value string, isEmail bool) (*models.CertificateEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	field := "avatar"
	if isEmail {
		field = "email"
	}

	query := `SELECT ` + certificateColumns + ` FROM certificate_entries
	          WHERE ca_serial = ? AND lower(` + field + `) = lower(?)`
	if d.dbType == "postgres" {
		query = `SELECT ` + certificateColumns + ` FROM certificate_entries
		         WHERE ca_serial = $1 AND lower(` + field + `) = lower($2)`
	}

	return scanCertificate(d.db.QueryRow(query, caSerial, value))
}

// GetCertificateByResetCode retrieves a certificate entry by its outstanding
// password-reset code
func (d *Database) GetCertificateByResetCode(caSerial, code string) (*models.CertificateEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	query := `SELECT ` + certificateColumns + ` FROM certificate_entries
	          WHERE ca_serial = ? AND reset_code = ?`
	if d.dbType == "postgres" {
		query = `SELECT ` + certificateColumns + ` FROM certificate_entries
		         WHERE ca_serial = $1 AND reset_code = $2`
	}

	return scanCertificate(d.db.QueryRow(query, caSerial, code))
}

// UpdateCertificateResetCode sets or clears the password-reset code on a
// certificate entry
func (d *Database) UpdateCertificateResetCode(id string, code sql.NullString, requestedAt sql.NullTime) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	query := `UPDATE certificate_entries SET reset_code = ?, reset_requested_at = ? WHERE id = ?`
	if d.dbType == "postgres" {
		query = `UPDATE certificate_entries SET reset_code = $1, reset_requested_at = $2 WHERE id = $3`
	}

	return d.execExpectRow(query, code, requestedAt, id)
}

// ReplaceCertificateArtifacts replaces the stored binary artifacts of a
// certificate entry, appending the new blobs in chunks
func (d *Database) ReplaceCertificateArtifacts(id string, certificateDER, pkcs12 []byte, expiresAt time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	query := `UPDATE certificate_entries SET certificate_der = ?, pkcs12 = ?, expires_at = ? WHERE id = ?`
	if d.dbType == "postgres" {
		query = `UPDATE certificate_entries SET certificate_der = $1, pkcs12 = $2, expires_at = $3 WHERE id = $4`
	}

	if err := d.execExpectRow(query, []byte{}, []byte{}, expiresAt, id); err != nil {
		return err
	}

	if err := d.appendBlob("certificate_entries", "certificate_der", id, certificateDER); err != nil {
		return err
	}
	return d.appendBlob("certificate_entries", "pkcs12", id, pkcs12)
}

// ReplaceCertificatePkcs12 replaces only the PKCS#12 artifact, used by the
// password-change flow
func (d *Database) ReplaceCertificatePkcs12(id string, pkcs12 []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	query := `UPDATE certificate_entries SET pkcs12 = ? WHERE id = ?`
	if d.dbType == "postgres" {
		query = `UPDATE certificate_entries SET pkcs12 = $1 WHERE id = $2`
	}

	if err := d.execExpectRow(query, []byte{}, id); err != nil {
		return err
	}
	return d.appendBlob("certificate_entries", "pkcs12", id, pkcs12)
}

// DeleteCertificateEntry deletes a certificate entry by ID
func (d *Database) DeleteCertificateEntry(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	query := `DELETE FROM certificate_entries WHERE id = ?`
	if d.dbType == "postgres" {
		query = `DELETE FROM certificate_entries WHERE id = $1`
	}

	return d.execExpectRow(query, id)
}

// PurgeExpiredResetCodes clears reset codes requested before the cutoff and
// returns how many were cleared
func (d *Database) PurgeExpiredResetCodes(caSerial string, cutoff time.Time) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	query := `UPDATE certificate_entries SET reset_code = NULL, reset_requested_at = NULL
	          WHERE ca_serial = ? AND reset_code IS NOT NULL AND reset_requested_at < ?`
	if d.dbType == "postgres" {
		query = `UPDATE certificate_entries SET reset_code = NULL, reset_requested_at = NULL
		         WHERE ca_serial = $1 AND reset_code IS NOT NULL AND reset_requested_at < $2`
	}

	result, err := d.db.Exec(query, caSerial, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CertificateStats returns the number of certificates issued under a CA and
// the most recent issuance time
func (d *Database) CertificateStats(caSerial string) (int64, sql.NullTime, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	query := `SELECT COUNT(*), MAX(issued_at) FROM certificate_entries WHERE ca_serial = ?`
	if d.dbType == "postgres" {
		query = `SELECT COUNT(*), MAX(issued_at) FROM certificate_entries WHERE ca_serial = $1`
	}

	var count int64
	var last sql.NullTime
	if err := d.db.QueryRow(query, caSerial).Scan(&count, &last); err != nil {
		return 0, sql.NullTime{}, err
	}
	return count, last, nil
}

// Authority record operations

// CreateAuthorityRecord stores a CA identity and its TLS identity. The
// PKCS#12 blobs are appended in chunks after the row insert.
func (d *Database) CreateAuthorityRecord(record *models.AuthorityRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	query := `INSERT INTO authority_records
	          (id, serial, common_name, not_before, not_after, ca_pkcs12, tls_pkcs12, created_at, loaded_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if d.dbType == "postgres" {
		query = `INSERT INTO authority_records
		         (id, serial, common_name, not_before, not_after, ca_pkcs12, tls_pkcs12, created_at, loaded_at)
		         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	}

	_, err := d.db.Exec(query,
		record.ID, record.Serial, record.CommonName, record.NotBefore, record.NotAfter,
		[]byte{}, []byte{}, record.CreatedAt, record.LoadedAt,
	)
	if err != nil {
		return err
	}

	if err := d.appendBlob("authority_records", "ca_pkcs12", record.ID, record.CaPkcs12); err != nil {
		return err
	}
	return d.appendBlob("authority_records", "tls_pkcs12", record.ID, record.TlsPkcs12)
}

const authorityColumns = `id, serial, common_name, not_before, not_after, ca_pkcs12, tls_pkcs12, created_at, loaded_at`

func scanAuthority(row interface{ Scan(...interface{}) error }) (*models.AuthorityRecord, error) {
	var record models.AuthorityRecord
	err := row.Scan(
		&record.ID, &record.Serial, &record.CommonName, &record.NotBefore,
		&record.NotAfter, &record.CaPkcs12, &record.TlsPkcs12,
		&record.CreatedAt, &record.LoadedAt,
	)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// GetNewestAuthorityRecord retrieves the most recently created authority
// record
func (d *Database) GetNewestAuthorityRecord() (*models.AuthorityRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	query := `SELECT ` + authorityColumns + ` FROM authority_records ORDER BY created_at DESC LIMIT 1`

	return scanAuthority(d.db.QueryRow(query))
}

// CountAuthorityRecords returns how many CA generations have been stored
func (d *Database) CountAuthorityRecords() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var count int
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM authority_records`).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// GetAuthorityBySerial retrieves an authority record by CA serial number
func (d *Database) GetAuthorityBySerial(serial string) (*models.AuthorityRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	query := `SELECT ` + authorityColumns + ` FROM authority_records WHERE serial = ?`
	if d.dbType == "postgres" {
		query = `SELECT ` + authorityColumns + ` FROM authority_records WHERE serial = $1`
	}

	return scanAuthority(d.db.QueryRow(query, serial))
}

// UpdateAuthorityTlsPkcs12 replaces the stored TLS identity of an authority
// record
func (d *Database) UpdateAuthorityTlsPkcs12(serial string, tlsPkcs12 []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var id string
	query := `SELECT id FROM authority_records WHERE serial = ?`
	if d.dbType == "postgres" {
		query = `SELECT id FROM authority_records WHERE serial = $1`
	}
	if err := d.db.QueryRow(query, serial).Scan(&id); err != nil {
		return err
	}

	query = `UPDATE authority_records SET tls_pkcs12 = ? WHERE id = ?`
	if d.dbType == "postgres" {
		query = `UPDATE authority_records SET tls_pkcs12 = $1 WHERE id = $2`
	}
	if err := d.execExpectRow(query, []byte{}, id); err != nil {
		return err
	}
	return d.appendBlob("authority_records", "tls_pkcs12", id, tlsPkcs12)
}

// TouchAuthorityLoaded records when an authority record last became the
// active identity
func (d *Database) TouchAuthorityLoaded(serial string, loadedAt time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	query := `UPDATE authority_records SET loaded_at = ? WHERE serial = ?`
	if d.dbType == "postgres" {
		query = `UPDATE authority_records SET loaded_at = $1 WHERE serial = $2`
	}

	return d.execExpectRow(query, loadedAt, serial)
}

// Undelivered notification operations

// CreateUndeliveredNotification records a failed outbound send for later
// retry
func (d *Database) CreateUndeliveredNotification(n *models.UndeliveredNotification) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	query := `INSERT INTO undelivered_notifications (id, ca_serial, kind, email, failed_at)
	          VALUES (?, ?, ?, ?, ?)`
	if d.dbType == "postgres" {
		query = `INSERT INTO undelivered_notifications (id, ca_serial, kind, email, failed_at)
		         VALUES ($1, $2, $3, $4, $5)`
	}

	_, err := d.db.Exec(query, n.ID, n.CASerial, n.Kind, n.Email, n.FailedAt)
	return err
}

// ListUndeliveredNotifications retrieves the retry queue for a CA, oldest
// first
func (d *Database) ListUndeliveredNotifications(caSerial string) ([]*models.UndeliveredNotification, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	query := `SELECT id, ca_serial, kind, email, failed_at FROM undelivered_notifications
	          WHERE ca_serial = ? ORDER BY failed_at ASC`
	if d.dbType == "postgres" {
		query = `SELECT id, ca_serial, kind, email, failed_at FROM undelivered_notifications
		         WHERE ca_serial = $1 ORDER BY failed_at ASC`
	}

	rows, err := d.db.Query(query, caSerial)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notifications []*models.UndeliveredNotification
	for rows.Next() {
		var n models.UndeliveredNotification
		if err := rows.Scan(&n.ID, &n.CASerial, &n.Kind, &n.Email, &n.FailedAt); err != nil {
			return nil, err
		}
		notifications = append(notifications, &n)
	}
	return notifications, rows.Err()
}

// DeleteUndeliveredNotification removes a queue entry by ID
func (d *Database) DeleteUndeliveredNotification(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	query := `DELETE FROM undelivered_notifications WHERE id = ?`
	if d.dbType == "postgres" {
		query = `DELETE FROM undelivered_notifications WHERE id = $1`
	}

	return d.execExpectRow(query, id)
}

// execExpectRow runs a statement and returns sql.ErrNoRows when nothing was
// affected. Callers hold the mutex.
func (d *Database) execExpectRow(query string, args ...interface{}) error {
	result, err := d.db.Exec(query, args...)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
