// Package ra implements the registration authority: the state machine that
// turns a certificate registration into an authorized, verified, issued
// certificate, plus the password-reset workflow and the administrative
// review operations.
package ra

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/peersec/peerca/internal/ca"
	"github.com/peersec/peerca/internal/config"
	"github.com/peersec/peerca/internal/crypto"
	"github.com/peersec/peerca/internal/database"
	"github.com/peersec/peerca/internal/database/models"
	"github.com/peersec/peerca/internal/metrics"
	"github.com/peersec/peerca/internal/protocol"
)

// Notifier is the slice of the notification subsystem the registration
// authority uses.
type Notifier interface {
	SendVerificationCode(entry *models.RegistrationEntry, code string) bool
	SendResetCode(entry *models.CertificateEntry, code string) bool
	SendRegistrationRequestInfo(entry *models.RegistrationEntry)
	SendAuthorizationGrantedInfo(entry *models.RegistrationEntry) bool
}

// Authority drives the registration and password-reset state machines.
type Authority struct {
	cfg      *config.Config
	db       *database.Database
	ca       *ca.Authority
	notifier Notifier
	logger   *zap.Logger
}

// New creates a registration authority.
func New(cfg *config.Config, db *database.Database, authority *ca.Authority, notifier Notifier, logger *zap.Logger) *Authority {
	return &Authority{
		cfg:      cfg,
		db:       db,
		ca:       authority,
		notifier: notifier,
		logger:   logger,
	}
}

// ProcessRegistration handles a CertificateRegistration request: format
// validation, duplicate check, policy verdict, then either immediate
// issuance, queueing for authorization, or the email-verification
// round trip.
func (r *Authority) ProcessRegistration(req *protocol.CertificateRegistration) (*protocol.Packet, error) {
	if err := validateRegistration(req); err != nil {
		return nil, err
	}

	caSerial, err := r.ca.Serial()
	if err != nil {
		return nil, err
	}

	if taken, err := r.db.AvatarExists(caSerial, req.Avatar); err != nil {
		return nil, fmt.Errorf("duplicate check failed: %w", err)
	} else if taken {
		return nil, protocol.NewError(protocol.ErrorAvatarAlreadyExists, "avatar is already registered")
	}
	if taken, err := r.db.EmailExists(caSerial, req.Email); err != nil {
		return nil, fmt.Errorf("duplicate check failed: %w", err)
	} else if taken {
		return nil, protocol.NewError(protocol.ErrorEmailAlreadyExists, "email address is already registered")
	}

	verdict := r.GetPolicy(req.ProgramName, req)
	if verdict == VerdictDeny {
		return nil, protocol.NewErrorAt(protocol.ErrorUnknown, "registration denied by policy", zapcore.WarnLevel)
	}

	extensionsJSON, err := encodeExtensions(r.GetExtensions(req))
	if err != nil {
		return nil, err
	}

	program := r.cfg.Program(req.ProgramName)
	entry := &models.RegistrationEntry{
		ID:             uuid.New().String(),
		CASerial:       caSerial,
		Avatar:         req.Avatar,
		Email:          req.Email,
		World:          req.World,
		PasswordHash:   crypto.HashPassword(req.Password),
		Verified:       !program.EmailVerificationRequired,
		Authorized:     verdict == VerdictAccept,
		ProgramName:    req.ProgramName,
		ProgramVersion: req.ProgramVersion,
		ProgramLocale:  nullString(req.Locale),
		OptionalInfo:   nullString(req.OptionalInfo),
		ExtensionsJSON: extensionsJSON,
		RequestedAt:    time.Now().UTC(),
	}

	if program.EmailVerificationRequired {
		code, err := r.generateCode(caSerial, req.Email)
		if err != nil {
			return nil, err
		}
		entry.VerificationCode = sql.NullString{String: code, Valid: true}

		if err := r.db.CreateRegistrationEntry(entry); err != nil {
			if dup := r.duplicateError(caSerial, entry.Avatar, err); dup != nil {
				return nil, dup
			}
			return nil, fmt.Errorf("failed to store registration: %w", err)
		}
		metrics.RegistrationsReceived.Inc()
		r.logger.Info("registration pending email verification",
			zap.String("avatar", entry.Avatar), zap.String("world", entry.World))

		if verdict == VerdictAuthorize {
			r.notifier.SendRegistrationRequestInfo(entry)
		}
		if !r.notifier.SendVerificationCode(entry, code) {
			// The entry and code are durable; the client may retry later.
			return nil, protocol.NewErrorAt(protocol.ErrorSmtpServerDown,
				"verification email could not be sent", zapcore.WarnLevel)
		}
		return protocol.NewPacket(protocol.KindEmailVerificationRequired,
			&protocol.EmailVerificationRequired{Email: entry.Email})
	}

	if err := r.db.CreateRegistrationEntry(entry); err != nil {
		if dup := r.duplicateError(caSerial, entry.Avatar, err); dup != nil {
			return nil, dup
		}
		return nil, fmt.Errorf("failed to store registration: %w", err)
	}
	metrics.RegistrationsReceived.Inc()

	if verdict == VerdictAuthorize {
		r.logger.Info("registration pending manual authorization",
			zap.String("avatar", entry.Avatar), zap.String("world", entry.World))
		r.notifier.SendRegistrationRequestInfo(entry)
		return protocol.NewPacket(protocol.KindCertificateAuthorizationRequired,
			&protocol.CertificateAuthorizationRequired{})
	}

	certEntry, err := r.ca.IssuePeerCertificate(entry)
	if err != nil {
		return nil, err
	}
	return protocol.NewPacket(protocol.KindCertificateResponse,
		&protocol.CertificateResponse{Pkcs12: certEntry.Pkcs12})
}

// ProcessEmailVerification redeems (or cancels) an outstanding verification
// code. A populated legacy password authenticates the step for older client
// generations and triggers immediate issuance when already authorized.
func (r *Authority) ProcessEmailVerification(req *protocol.EmailVerification) (*protocol.Packet, error) {
	if !validCode(req.Code) {
		return nil, protocol.NewError(protocol.ErrorNoCertificateFound, "unknown verification code")
	}

	caSerial, err := r.ca.Serial()
	if err != nil {
		return nil, err
	}

	entry, err := r.db.GetRegistrationByCode(caSerial, req.Code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, protocol.NewError(protocol.ErrorNoCertificateFound, "unknown verification code")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up verification code: %w", err)
	}

	if req.Delete {
		if err := r.db.DeleteRegistrationEntry(entry.ID); err != nil {
			return nil, fmt.Errorf("failed to delete registration: %w", err)
		}
		r.logger.Info("registration cancelled by entrant", zap.String("avatar", entry.Avatar))
		return protocol.NewPacket(protocol.KindRegistrationDeleted, &protocol.RegistrationDeleted{})
	}

	if req.LegacyPassword != "" {
		return r.verifyWithLegacyPassword(entry, req.LegacyPassword)
	}

	if entry.Verified {
		return nil, protocol.NewError(protocol.ErrorAlreadyVerified, "email address is already verified")
	}
	if err := r.db.UpdateRegistrationVerified(entry.ID); err != nil {
		return nil, fmt.Errorf("failed to mark registration verified: %w", err)
	}
	entry.Verified = true

	if entry.Authorized {
		certEntry, err := r.ca.IssuePeerCertificate(entry)
		if err != nil {
			return nil, err
		}
		return protocol.NewPacket(protocol.KindCertificateResponse,
			&protocol.CertificateResponse{Pkcs12: certEntry.Pkcs12})
	}

	r.logger.Info("email verified, awaiting authorization", zap.String("avatar", entry.Avatar))
	return protocol.NewPacket(protocol.KindEmailVerified, &protocol.EmailVerified{})
}

// verifyWithLegacyPassword is the compatibility branch for clients that
// authenticate the verification step.
func (r *Authority) verifyWithLegacyPassword(entry *models.RegistrationEntry, password string) (*protocol.Packet, error) {
	if crypto.HashPassword(password) != entry.PasswordHash {
		return nil, protocol.NewError(protocol.ErrorWrongPassword, "")
	}

	if entry.Verified && !entry.Authorized {
		return nil, protocol.NewError(protocol.ErrorAlreadyVerified, "email address is already verified")
	}

	if !entry.Verified {
		if err := r.db.UpdateRegistrationVerified(entry.ID); err != nil {
			return nil, fmt.Errorf("failed to mark registration verified: %w", err)
		}
		entry.Verified = true
	}

	if entry.Authorized {
		certEntry, err := r.ca.IssuePeerCertificate(entry)
		if err != nil {
			return nil, err
		}
		return protocol.NewPacket(protocol.KindCertificateResponse,
			&protocol.CertificateResponse{Pkcs12: certEntry.Pkcs12})
	}

	return protocol.NewPacket(protocol.KindCertificateAuthorizationRequired,
		&protocol.CertificateAuthorizationRequired{})
}

// ProcessPasswordReset starts the reset flow for an issued certificate. An
// outstanding code is reused rather than regenerated.
func (r *Authority) ProcessPasswordReset(req *protocol.PasswordReset) (*protocol.Packet, error) {
	caSerial, err := r.ca.Serial()
	if err != nil {
		return nil, err
	}

	entry, err := r.db.GetCertificateByAvatarOrEmail(caSerial, req.AvatarOrEmail, req.IsEmail)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, protocol.NewError(protocol.ErrorNoCertificateFound, "no certificate for this identity")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up certificate: %w", err)
	}

	code := entry.ResetCode.String
	if !entry.ResetCode.Valid {
		code, err = r.generateCode(caSerial, entry.Email)
		if err != nil {
			return nil, err
		}
		err = r.db.UpdateCertificateResetCode(entry.ID,
			sql.NullString{String: code, Valid: true},
			sql.NullTime{Time: time.Now().UTC(), Valid: true})
		if err != nil {
			return nil, fmt.Errorf("failed to store reset code: %w", err)
		}
		entry.ResetCode = sql.NullString{String: code, Valid: true}
	}

	if !r.notifier.SendResetCode(entry, code) {
		return nil, protocol.NewErrorAt(protocol.ErrorSmtpServerDown,
			"reset email could not be sent", zapcore.WarnLevel)
	}

	r.logger.Info("password reset requested", zap.String("avatar", entry.Avatar))
	return protocol.NewPacket(protocol.KindPasswordResetVerificationRequired,
		&protocol.PasswordResetVerificationRequired{Email: entry.Email})
}

// ProcessPasswordResetVerification redeems a reset code: the certificate is
// reissued under the new password and the code cleared.
func (r *Authority) ProcessPasswordResetVerification(req *protocol.PasswordResetVerification) (*protocol.Packet, error) {
	if !validPassword(req.NewPassword) {
		return nil, protocol.NewError(protocol.ErrorPasswordFormatIncorrect, "new password format invalid")
	}
	if !validCode(req.Code) {
		return nil, protocol.NewError(protocol.ErrorUnknown, "unknown reset code")
	}

	caSerial, err := r.ca.Serial()
	if err != nil {
		return nil, err
	}

	entry, err := r.db.GetCertificateByResetCode(caSerial, req.Code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, protocol.NewError(protocol.ErrorUnknown, "unknown reset code")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up reset code: %w", err)
	}

	reissued, err := r.ca.ReissuePeerCertificate(entry, crypto.HashPassword(req.NewPassword))
	if err != nil {
		return nil, err
	}

	if err := r.db.UpdateCertificateResetCode(entry.ID, sql.NullString{}, sql.NullTime{}); err != nil {
		return nil, fmt.Errorf("failed to clear reset code: %w", err)
	}

	r.logger.Info("password reset completed", zap.String("avatar", entry.Avatar))
	return protocol.NewPacket(protocol.KindCertificateResponse,
		&protocol.CertificateResponse{Pkcs12: reissued.Pkcs12})
}

// duplicateError maps a unique-constraint violation on the registration
// insert to the typed duplicate error. The duplicate check and the insert
// release the store mutex in between, so a concurrent registration for the
// same identity can pass the check and lose the insert race.
func (r *Authority) duplicateError(caSerial, avatar string, err error) error {
	if !database.IsUniqueViolation(err) {
		return nil
	}
	if taken, checkErr := r.db.AvatarExists(caSerial, avatar); checkErr == nil && !taken {
		return protocol.NewError(protocol.ErrorEmailAlreadyExists, "email address is already registered")
	}
	return protocol.NewError(protocol.ErrorAvatarAlreadyExists, "avatar is already registered")
}

func validateRegistration(req *protocol.CertificateRegistration) error {
	if !validAvatar(req.Avatar) {
		return protocol.NewError(protocol.ErrorAvatarFormatIncorrect, "avatar format invalid")
	}
	if !validEmail(req.Email) {
		return protocol.NewError(protocol.ErrorEmailFormatIncorrect, "email format invalid")
	}
	if !validWorld(req.World) {
		return protocol.NewError(protocol.ErrorWorldFormatIncorrect, "world format invalid")
	}
	if !validPassword(req.Password) {
		return protocol.NewError(protocol.ErrorPasswordFormatIncorrect, "password format invalid")
	}
	return nil
}

func encodeExtensions(extensions map[string]string) (string, error) {
	raw, err := json.Marshal(extensions)
	if err != nil {
		return "", fmt.Errorf("failed to encode extensions: %w", err)
	}
	return string(raw), nil
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
