// Package directory serves the certificate store: it hands issued
// certificates back to their owners and applies password changes to the
// stored artifacts.
package directory

import (
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/peersec/peerca/internal/ca"
	"github.com/peersec/peerca/internal/config"
	"github.com/peersec/peerca/internal/crypto"
	"github.com/peersec/peerca/internal/database"
	"github.com/peersec/peerca/internal/database/models"
	"github.com/peersec/peerca/internal/protocol"
)

// Notifier is the slice of the notification subsystem the directory uses.
type Notifier interface {
	SendVerificationCode(entry *models.RegistrationEntry, code string) bool
}

// Service answers certificate retrieval and password change requests.
type Service struct {
	cfg      *config.Config
	db       *database.Database
	ca       *ca.Authority
	notifier Notifier
	logger   *zap.Logger
}

// New creates a directory service.
func New(cfg *config.Config, db *database.Database, authority *ca.Authority, notifier Notifier, logger *zap.Logger) *Service {
	return &Service{
		cfg:      cfg,
		db:       db,
		ca:       authority,
		notifier: notifier,
		logger:   logger,
	}
}

// ProcessCertificateRequest returns the stored artifact for an issued
// certificate, or drives a still-pending registration one step further. The
// password check on issued certificates is a decode attempt against the
// stored PKCS#12; nothing but the artifact itself holds the credential.
func (s *Service) ProcessCertificateRequest(req *protocol.CertificateRequest) (*protocol.Packet, error) {
	caSerial, err := s.ca.Serial()
	if err != nil {
		return nil, err
	}

	entry, err := s.db.GetCertificateByAvatarOrEmail(caSerial, req.AvatarOrEmail, req.IsEmail)
	if err == nil {
		if _, _, err := crypto.DecodePKCS12(entry.Pkcs12, crypto.HashPassword(req.Password)); err != nil {
			if crypto.IsIncorrectPassword(err) {
				return nil, protocol.NewError(protocol.ErrorWrongPassword, "")
			}
			return nil, fmt.Errorf("failed to open stored artifact: %w", err)
		}
		s.logger.Info("certificate retrieved", zap.String("avatar", entry.Avatar))
		return protocol.NewPacket(protocol.KindCertificateResponse,
			&protocol.CertificateResponse{Pkcs12: entry.Pkcs12})
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to look up certificate: %w", err)
	}

	return s.resolvePendingRegistration(caSerial, req)
}

// resolvePendingRegistration handles a retrieval request that matched no
// issued certificate but may match a registration still in flight.
func (s *Service) resolvePendingRegistration(caSerial string, req *protocol.CertificateRequest) (*protocol.Packet, error) {
	registration, err := s.db.GetRegistrationByAvatarOrEmail(caSerial, req.AvatarOrEmail, req.IsEmail)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, protocol.NewError(protocol.ErrorNoCertificateFound, "no certificate for this identity")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up registration: %w", err)
	}

	if crypto.HashPassword(req.Password) != registration.PasswordHash {
		return nil, protocol.NewError(protocol.ErrorWrongPassword, "")
	}

	if !registration.Verified {
		if registration.VerificationCode.Valid {
			s.notifier.SendVerificationCode(registration, registration.VerificationCode.String)
		}
		return nil, protocol.NewError(protocol.ErrorEmailNotYetVerified,
			"email address is not verified yet")
	}

	if !registration.Authorized {
		return nil, protocol.NewError(protocol.ErrorCertificateNotYetAuthorized,
			"registration awaits authorization")
	}

	// Verified and authorized but never issued; authorization arrived after
	// the verification round trip, so issue now.
	certEntry, err := s.ca.IssuePeerCertificate(registration)
	if err != nil {
		return nil, err
	}
	return protocol.NewPacket(protocol.KindCertificateResponse,
		&protocol.CertificateResponse{Pkcs12: certEntry.Pkcs12})
}

// ProcessPasswordChange re-encrypts a stored artifact under a new password.
// The certificate and key pair are unchanged; only the PKCS#12 envelope is
// rewritten.
func (s *Service) ProcessPasswordChange(req *protocol.PasswordChange) (*protocol.Packet, error) {
	if len(req.NewPassword) < 8 || len(req.NewPassword) > 128 {
		return nil, protocol.NewError(protocol.ErrorPasswordFormatIncorrect, "new password format invalid")
	}

	caSerial, err := s.ca.Serial()
	if err != nil {
		return nil, err
	}

	entry, err := s.db.GetCertificateByAvatarOrEmail(caSerial, req.AvatarOrEmail, req.IsEmail)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, protocol.NewError(protocol.ErrorNoCertificateFound, "no certificate for this identity")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up certificate: %w", err)
	}

	identity, chain, err := crypto.DecodePKCS12(entry.Pkcs12, crypto.HashPassword(req.OldPassword))
	if err != nil {
		if crypto.IsIncorrectPassword(err) {
			return nil, protocol.NewError(protocol.ErrorWrongPassword, "")
		}
		return nil, fmt.Errorf("failed to open stored artifact: %w", err)
	}

	rewrapped, err := crypto.EncodePKCS12(identity, crypto.HashPassword(req.NewPassword), chain...)
	if err != nil {
		return nil, err
	}
	if err := s.db.ReplaceCertificatePkcs12(entry.ID, rewrapped); err != nil {
		return nil, fmt.Errorf("failed to store rewrapped artifact: %w", err)
	}

	s.logger.Info("password changed", zap.String("avatar", entry.Avatar))
	return protocol.NewPacket(protocol.KindCertificateResponse,
		&protocol.CertificateResponse{Pkcs12: rewrapped})
}
