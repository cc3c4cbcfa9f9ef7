// Package ca implements the certification authority component. It owns the
// active CA identity and the TLS identity derived from it, allocates
// collision-free serial numbers, and issues and reissues peer certificates.
package ca

import (
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peersec/peerca/internal/config"
	"github.com/peersec/peerca/internal/crypto"
	"github.com/peersec/peerca/internal/database"
	"github.com/peersec/peerca/internal/database/models"
	"github.com/peersec/peerca/internal/metrics"
)

// ErrNoIdentity is returned when an operation needs an active CA identity
// and none has been loaded or generated yet.
var ErrNoIdentity = errors.New("no active CA identity")

// Notifier is the slice of the notification subsystem the authority needs:
// the best-effort info mail after an issuance. Failures are absorbed by the
// notifier itself.
type Notifier interface {
	SendRegistrationPerformedInfo(entry *models.CertificateEntry)
}

// Authority owns the active CA and TLS identities. The identities are
// swapped atomically under the lock; dependent components always read them
// through the accessors instead of caching their own copy.
type Authority struct {
	cfg    *config.Config
	db     *database.Database
	logger *zap.Logger

	notifier Notifier

	mu          sync.RWMutex
	identity    *crypto.Identity
	tlsIdentity *crypto.Identity
	serial      string

	observerMu   sync.Mutex
	onCAChanged  []func()
	onTLSChanged []func()
	onPeerStored []func(*models.CertificateEntry)
}

// New creates an authority without an active identity. Call Bootstrap, Load
// or Generate before serving requests.
func New(cfg *config.Config, db *database.Database, logger *zap.Logger) *Authority {
	return &Authority{
		cfg:    cfg,
		db:     db,
		logger: logger,
	}
}

// SetNotifier wires the notification subsystem. Optional; issuance works
// without it.
func (a *Authority) SetNotifier(n Notifier) {
	a.notifier = n
}

// OnCAChanged registers a hook invoked after the active CA identity changes.
func (a *Authority) OnCAChanged(fn func()) {
	a.observerMu.Lock()
	defer a.observerMu.Unlock()
	a.onCAChanged = append(a.onCAChanged, fn)
}

// OnTLSChanged registers a hook invoked after the TLS identity changes.
func (a *Authority) OnTLSChanged(fn func()) {
	a.observerMu.Lock()
	defer a.observerMu.Unlock()
	a.onTLSChanged = append(a.onTLSChanged, fn)
}

// OnPeerCertificateStored registers a hook invoked after a peer certificate
// is persisted.
func (a *Authority) OnPeerCertificateStored(fn func(*models.CertificateEntry)) {
	a.observerMu.Lock()
	defer a.observerMu.Unlock()
	a.onPeerStored = append(a.onPeerStored, fn)
}

func (a *Authority) notifyCAChanged() {
	a.observerMu.Lock()
	hooks := append([]func(){}, a.onCAChanged...)
	a.observerMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (a *Authority) notifyTLSChanged() {
	a.observerMu.Lock()
	hooks := append([]func(){}, a.onTLSChanged...)
	a.observerMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (a *Authority) notifyPeerStored(entry *models.CertificateEntry) {
	a.observerMu.Lock()
	hooks := append([]func(*models.CertificateEntry){}, a.onPeerStored...)
	a.observerMu.Unlock()
	for _, fn := range hooks {
		fn(entry)
	}
}

// Identity returns the active CA identity.
func (a *Authority) Identity() (*crypto.Identity, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.identity == nil {
		return nil, ErrNoIdentity
	}
	return a.identity, nil
}

// TLSIdentity returns the TLS identity derived from the active CA.
func (a *Authority) TLSIdentity() (*crypto.Identity, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.tlsIdentity == nil {
		return nil, ErrNoIdentity
	}
	return a.tlsIdentity, nil
}

// Serial returns the serial number of the active CA as a 16-digit hex
// string, the scoping key for all persisted rows.
func (a *Authority) Serial() (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.identity == nil {
		return "", ErrNoIdentity
	}
	return a.serial, nil
}

// Bootstrap establishes the active identity at startup: the newest stored
// authority record wins; with none present and auto-generation configured, a
// fresh CA and TLS identity pair is generated and stored.
func (a *Authority) Bootstrap() error {
	record, err := a.db.GetNewestAuthorityRecord()
	if err == nil {
		if err := a.loadRecord(record, a.cfg.CA.StorePassword); err != nil {
			return fmt.Errorf("failed to load stored CA identity: %w", err)
		}
		a.logger.Info("loaded stored CA identity",
			zap.String("serial", record.Serial),
			zap.String("common_name", record.CommonName))
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to query authority records: %w", err)
	}

	if !a.cfg.CA.AutoGenerate {
		return fmt.Errorf("no stored CA identity and auto-generation disabled: %w", ErrNoIdentity)
	}

	subject := crypto.Subject{
		CommonName:   a.cfg.CA.Subject.CommonName,
		Organization: a.cfg.CA.Subject.Organization,
		Country:      a.cfg.CA.Subject.Country,
	}
	if err := a.GenerateCaAndTlsIdentity(subject, a.cfg.CA.StorePassword); err != nil {
		return fmt.Errorf("failed to generate CA identity: %w", err)
	}
	return nil
}

// GenerateCaAndTlsIdentity creates a new self-signed CA identity with a
// derived TLS identity, persists both, and makes them active.
func (a *Authority) GenerateCaAndTlsIdentity(subject crypto.Subject, password string) error {
	serialNumber, err := a.unusedCASerial()
	if err != nil {
		return err
	}

	generations, err := a.db.CountAuthorityRecords()
	if err != nil {
		return fmt.Errorf("failed to count authority records: %w", err)
	}
	trustChainVersion := generations + 1

	identity, err := crypto.GenerateCA(subject, serialNumber, a.cfg.CA.RSABits, a.cfg.CA.ValidityMonths, trustChainVersion)
	if err != nil {
		return err
	}

	tlsSerial, err := randomSerial()
	if err != nil {
		return err
	}
	tlsIdentity, err := crypto.GenerateTLS(identity, tlsSerial, a.cfg.CA.RSABits, a.cfg.CA.ValidityMonths)
	if err != nil {
		return err
	}

	caPkcs12, err := crypto.EncodePKCS12(identity, password)
	if err != nil {
		return err
	}
	tlsPkcs12, err := crypto.EncodePKCS12(tlsIdentity, password, identity.Certificate)
	if err != nil {
		return err
	}

	serial := formatSerial(serialNumber)
	record := &models.AuthorityRecord{
		ID:         uuid.New().String(),
		Serial:     serial,
		CommonName: subject.CommonName,
		NotBefore:  identity.Certificate.NotBefore,
		NotAfter:   identity.Certificate.NotAfter,
		CaPkcs12:   caPkcs12,
		TlsPkcs12:  tlsPkcs12,
		CreatedAt:  time.Now().UTC(),
		LoadedAt:   sql.NullTime{Time: time.Now().UTC(), Valid: true},
	}
	if err := a.db.CreateAuthorityRecord(record); err != nil {
		return fmt.Errorf("failed to store authority record: %w", err)
	}

	a.swapIdentity(identity, tlsIdentity, serial)

	a.logger.Info("generated new CA identity",
		zap.String("serial", serial),
		zap.String("common_name", subject.CommonName),
		zap.Int("trust_chain_version", trustChainVersion))
	return nil
}

// LoadCaIdentity activates a CA identity from a PKCS#12 store. The previous
// TLS identity is invalidated and a fresh one derived and persisted.
func (a *Authority) LoadCaIdentity(pfxData []byte, password string) error {
	identity, _, err := crypto.DecodePKCS12(pfxData, password)
	if err != nil {
		return err
	}
	if !identity.Certificate.IsCA {
		return fmt.Errorf("certificate in store is not a CA certificate")
	}

	serial := formatSerial(identity.Certificate.SerialNumber.Uint64())

	// A CA change invalidates the derived TLS identity.
	a.mu.Lock()
	a.identity = identity
	a.tlsIdentity = nil
	a.serial = serial
	a.mu.Unlock()
	a.notifyCAChanged()

	if _, err := a.db.GetAuthorityBySerial(serial); errors.Is(err, sql.ErrNoRows) {
		caPkcs12, encErr := crypto.EncodePKCS12(identity, password)
		if encErr != nil {
			return encErr
		}
		record := &models.AuthorityRecord{
			ID:         uuid.New().String(),
			Serial:     serial,
			CommonName: identity.Certificate.Subject.CommonName,
			NotBefore:  identity.Certificate.NotBefore,
			NotAfter:   identity.Certificate.NotAfter,
			CaPkcs12:   caPkcs12,
			TlsPkcs12:  []byte{},
			CreatedAt:  time.Now().UTC(),
			LoadedAt:   sql.NullTime{Time: time.Now().UTC(), Valid: true},
		}
		if err := a.db.CreateAuthorityRecord(record); err != nil {
			return fmt.Errorf("failed to store authority record: %w", err)
		}
	} else if err == nil {
		if err := a.db.TouchAuthorityLoaded(serial, time.Now().UTC()); err != nil {
			a.logger.Warn("failed to record identity load time", zap.Error(err))
		}
	}

	return a.DeriveTlsIdentity(password)
}

// LoadTlsIdentity activates a TLS identity from a PKCS#12 store. It must be
// signed by the active CA.
func (a *Authority) LoadTlsIdentity(pfxData []byte, password string) error {
	identity, err := a.Identity()
	if err != nil {
		return err
	}

	tlsIdentity, _, err := crypto.DecodePKCS12(pfxData, password)
	if err != nil {
		return err
	}
	if err := tlsIdentity.Certificate.CheckSignatureFrom(identity.Certificate); err != nil {
		return fmt.Errorf("TLS certificate not signed by the active CA: %w", err)
	}

	a.mu.Lock()
	a.tlsIdentity = tlsIdentity
	a.mu.Unlock()
	a.notifyTLSChanged()
	return nil
}

// DeriveTlsIdentity generates a fresh TLS identity from the active CA,
// persists it on the authority record, and makes it active.
func (a *Authority) DeriveTlsIdentity(password string) error {
	identity, err := a.Identity()
	if err != nil {
		return err
	}
	serial, err := a.Serial()
	if err != nil {
		return err
	}

	tlsSerial, err := randomSerial()
	if err != nil {
		return err
	}
	tlsIdentity, err := crypto.GenerateTLS(identity, tlsSerial, a.cfg.CA.RSABits, a.cfg.CA.ValidityMonths)
	if err != nil {
		return err
	}

	tlsPkcs12, err := crypto.EncodePKCS12(tlsIdentity, password, identity.Certificate)
	if err != nil {
		return err
	}
	if err := a.db.UpdateAuthorityTlsPkcs12(serial, tlsPkcs12); err != nil {
		return fmt.Errorf("failed to store TLS identity: %w", err)
	}

	a.mu.Lock()
	a.tlsIdentity = tlsIdentity
	a.mu.Unlock()
	a.notifyTLSChanged()

	a.logger.Info("derived new TLS identity", zap.String("ca_serial", serial))
	return nil
}

func (a *Authority) loadRecord(record *models.AuthorityRecord, password string) error {
	identity, _, err := crypto.DecodePKCS12(record.CaPkcs12, password)
	if err != nil {
		return err
	}

	var tlsIdentity *crypto.Identity
	if len(record.TlsPkcs12) > 0 {
		tlsIdentity, _, err = crypto.DecodePKCS12(record.TlsPkcs12, password)
		if err != nil {
			return fmt.Errorf("failed to open stored TLS identity: %w", err)
		}
	}

	a.swapIdentity(identity, tlsIdentity, record.Serial)

	if tlsIdentity == nil {
		if err := a.DeriveTlsIdentity(password); err != nil {
			return err
		}
	}
	if err := a.db.TouchAuthorityLoaded(record.Serial, time.Now().UTC()); err != nil {
		a.logger.Warn("failed to record identity load time", zap.Error(err))
	}
	return nil
}

func (a *Authority) swapIdentity(identity, tlsIdentity *crypto.Identity, serial string) {
	a.mu.Lock()
	a.identity = identity
	a.tlsIdentity = tlsIdentity
	a.serial = serial
	a.mu.Unlock()
	a.notifyCAChanged()
	if tlsIdentity != nil {
		a.notifyTLSChanged()
	}
}

// AllocateSerial draws random 64-bit serial numbers until one is unused for
// the active CA.
func (a *Authority) AllocateSerial() (uint64, string, error) {
	caSerial, err := a.Serial()
	if err != nil {
		return 0, "", err
	}

	for {
		candidate, err := randomSerial()
		if err != nil {
			return 0, "", err
		}
		exists, err := a.db.SerialExists(caSerial, formatSerial(candidate))
		if err != nil {
			return 0, "", fmt.Errorf("failed to check serial uniqueness: %w", err)
		}
		if !exists {
			return candidate, formatSerial(candidate), nil
		}
	}
}

// IssuePeerCertificate issues a certificate for a registration entry,
// persists the certificate entry, and deletes the registration. The stored
// password digest doubles as the PKCS#12 passphrase.
func (a *Authority) IssuePeerCertificate(entry *models.RegistrationEntry) (*models.CertificateEntry, error) {
	identity, err := a.Identity()
	if err != nil {
		return nil, err
	}
	caSerial, err := a.Serial()
	if err != nil {
		return nil, err
	}

	var extensions map[string]string
	if entry.ExtensionsJSON != "" {
		if err := json.Unmarshal([]byte(entry.ExtensionsJSON), &extensions); err != nil {
			return nil, fmt.Errorf("failed to decode registration extensions: %w", err)
		}
	}

	serialNumber, serial, err := a.AllocateSerial()
	if err != nil {
		return nil, err
	}

	peer, err := crypto.GeneratePeer(identity, &crypto.PeerRequest{
		Avatar:         entry.Avatar,
		Email:          entry.Email,
		World:          entry.World,
		SerialNumber:   serialNumber,
		RSABits:        a.cfg.CA.PeerRSABits,
		ValidityMonths: a.cfg.CA.PeerValidityMonths,
		Extensions:     extensions,
	})
	if err != nil {
		return nil, err
	}

	pkcs12Data, err := crypto.EncodePKCS12(peer, entry.PasswordHash, identity.Certificate)
	if err != nil {
		return nil, err
	}

	certEntry := &models.CertificateEntry{
		ID:             uuid.New().String(),
		CASerial:       caSerial,
		SerialNumber:   serial,
		Avatar:         entry.Avatar,
		Email:          entry.Email,
		World:          entry.World,
		ProgramName:    entry.ProgramName,
		ProgramVersion: entry.ProgramVersion,
		ExtensionsJSON: entry.ExtensionsJSON,
		CertificateDER: peer.Certificate.Raw,
		Pkcs12:         pkcs12Data,
		IssuedAt:       time.Now().UTC(),
		ExpiresAt:      peer.Certificate.NotAfter,
	}
	if err := a.db.CreateCertificateEntry(certEntry); err != nil {
		return nil, fmt.Errorf("failed to store certificate entry: %w", err)
	}
	if err := a.db.DeleteRegistrationEntry(entry.ID); err != nil && !errors.Is(err, sql.ErrNoRows) {
		a.logger.Warn("failed to delete registration entry after issuance",
			zap.String("avatar", entry.Avatar), zap.Error(err))
	}

	metrics.CertificatesIssued.Inc()
	a.notifyPeerStored(certEntry)
	if a.notifier != nil {
		a.notifier.SendRegistrationPerformedInfo(certEntry)
	}

	a.logger.Info("issued peer certificate",
		zap.String("avatar", entry.Avatar),
		zap.String("world", entry.World),
		zap.String("serial", serial))
	return certEntry, nil
}

// ReissuePeerCertificate generates a fresh certificate and key pair for an
// existing entry, encrypting the artifact under a new passphrase. The serial
// number and identity fields are preserved; the expiry window restarts.
func (a *Authority) ReissuePeerCertificate(entry *models.CertificateEntry, newPassphrase string) (*models.CertificateEntry, error) {
	identity, err := a.Identity()
	if err != nil {
		return nil, err
	}

	var extensions map[string]string
	if entry.ExtensionsJSON != "" {
		if err := json.Unmarshal([]byte(entry.ExtensionsJSON), &extensions); err != nil {
			return nil, fmt.Errorf("failed to decode certificate extensions: %w", err)
		}
	}

	serialNumber, err := parseSerial(entry.SerialNumber)
	if err != nil {
		return nil, err
	}

	peer, err := crypto.GeneratePeer(identity, &crypto.PeerRequest{
		Avatar:         entry.Avatar,
		Email:          entry.Email,
		World:          entry.World,
		SerialNumber:   serialNumber,
		RSABits:        a.cfg.CA.PeerRSABits,
		ValidityMonths: a.cfg.CA.PeerValidityMonths,
		Extensions:     extensions,
	})
	if err != nil {
		return nil, err
	}

	pkcs12Data, err := crypto.EncodePKCS12(peer, newPassphrase, identity.Certificate)
	if err != nil {
		return nil, err
	}

	if err := a.db.ReplaceCertificateArtifacts(entry.ID, peer.Certificate.Raw, pkcs12Data, peer.Certificate.NotAfter); err != nil {
		return nil, fmt.Errorf("failed to replace certificate artifacts: %w", err)
	}

	entry.CertificateDER = peer.Certificate.Raw
	entry.Pkcs12 = pkcs12Data
	entry.ExpiresAt = peer.Certificate.NotAfter

	a.logger.Info("reissued peer certificate",
		zap.String("avatar", entry.Avatar),
		zap.String("serial", entry.SerialNumber))
	return entry, nil
}

// Stats reports how many certificates the active CA has issued and when the
// last issuance happened.
func (a *Authority) Stats() (int64, time.Time, error) {
	caSerial, err := a.Serial()
	if err != nil {
		return 0, time.Time{}, err
	}
	count, last, err := a.db.CertificateStats(caSerial)
	if err != nil {
		return 0, time.Time{}, err
	}
	if !last.Valid {
		return count, time.Time{}, nil
	}
	return count, last.Time, nil
}

func (a *Authority) unusedCASerial() (uint64, error) {
	for {
		candidate, err := randomSerial()
		if err != nil {
			return 0, err
		}
		_, err = a.db.GetAuthorityBySerial(formatSerial(candidate))
		if errors.Is(err, sql.ErrNoRows) {
			return candidate, nil
		}
		if err != nil {
			return 0, fmt.Errorf("failed to check CA serial uniqueness: %w", err)
		}
	}
}

func randomSerial() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("failed to draw random serial: %w", err)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func formatSerial(serial uint64) string {
	return fmt.Sprintf("%016x", serial)
}

func parseSerial(serial string) (uint64, error) {
	var value uint64
	if _, err := fmt.Sscanf(serial, "%x", &value); err != nil {
		return 0, fmt.Errorf("malformed serial number %q: %w", serial, err)
	}
	return value, nil
}
