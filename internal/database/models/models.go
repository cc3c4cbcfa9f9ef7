// Package models defines the data structures for database entities in
// PeerCA: registration entries, issued certificate entries, stored authority
// identities, and the undelivered-notification queue.
package models

import (
	"database/sql"
	"time"
)

// Notification kinds for the undelivered queue.
const (
	NotificationEmailVerificationCode = iota
	NotificationPasswordResetCode
	NotificationRegistrationRequestInfo
	NotificationRegistrationPerformedInfo
	NotificationAuthorizationGrantedInfo
)

// RegistrationEntry represents a pending certificate registration
type RegistrationEntry struct {
	ID               string         `db:"id"`
	CASerial         string         `db:"ca_serial"`
	Avatar           string         `db:"avatar"`
	Email            string         `db:"email"`
	World            string         `db:"world"`
	PasswordHash     string         `db:"password_hash"`
	VerificationCode sql.NullString `db:"verification_code"`
	Verified         bool           `db:"verified"`
	Authorized       bool           `db:"authorized"`
	ProgramName      string         `db:"program_name"`
	ProgramVersion   string         `db:"program_version"`
	ProgramLocale    sql.NullString `db:"program_locale"`
	OptionalInfo     sql.NullString `db:"optional_info"`
	ExtensionsJSON   string         `db:"extensions_json"`
	RequestedAt      time.Time      `db:"requested_at"`
}

// CertificateEntry represents an issued peer certificate, keyed by serial
// number within the scope of the issuing CA
type CertificateEntry struct {
	ID             string         `db:"id"`
	CASerial       string         `db:"ca_serial"`
	SerialNumber   string         `db:"serial_number"`
	Avatar         string         `db:"avatar"`
	Email          string         `db:"email"`
	World          string         `db:"world"`
	ResetCode      sql.NullString `db:"reset_code"`
	ResetRequested sql.NullTime   `db:"reset_requested_at"`
	ProgramName    string         `db:"program_name"`
	ProgramVersion string         `db:"program_version"`
	ExtensionsJSON string         `db:"extensions_json"`
	CertificateDER []byte         `db:"certificate_der"`
	Pkcs12         []byte         `db:"pkcs12"`
	IssuedAt       time.Time      `db:"issued_at"`
	ExpiresAt      time.Time      `db:"expires_at"`
}

// AuthorityRecord represents a stored CA identity together with its derived
// TLS identity, both as password-protected PKCS#12 blobs
type AuthorityRecord struct {
	ID         string       `db:"id"`
	Serial     string       `db:"serial"`
	CommonName string       `db:"common_name"`
	NotBefore  time.Time    `db:"not_before"`
	NotAfter   time.Time    `db:"not_after"`
	CaPkcs12   []byte       `db:"ca_pkcs12"`
	TlsPkcs12  []byte       `db:"tls_pkcs12"`
	CreatedAt  time.Time    `db:"created_at"`
	LoadedAt   sql.NullTime `db:"loaded_at"`
}

// UndeliveredNotification represents one failed outbound email awaiting retry
type UndeliveredNotification struct {
	ID       string    `db:"id"`
	CASerial string    `db:"ca_serial"`
	Kind     int       `db:"kind"`
	Email    string    `db:"email"`
	FailedAt time.Time `db:"failed_at"`
}
