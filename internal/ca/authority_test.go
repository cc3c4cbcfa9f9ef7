package ca

import (
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/peersec/peerca/internal/config"
	"github.com/peersec/peerca/internal/crypto"
	"github.com/peersec/peerca/internal/database"
	"github.com/peersec/peerca/internal/database/models"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Database: config.DatabaseConfig{
			Type: "sqlite",
			SQLite: config.SQLiteConfig{
				Path: t.TempDir() + "/test.db",
			},
		},
		CA: config.CAConfig{
			AutoGenerate: true,
			Subject: config.SubjectConfig{
				CommonName:   "PeerCA Test Root",
				Organization: "PeerSec",
			},
			StorePassword:      "store-secret",
			RSABits:            2048,
			PeerRSABits:        2048,
			ValidityMonths:     12,
			PeerValidityMonths: 6,
		},
	}
}

func setupAuthority(t *testing.T) (*Authority, *database.Database) {
	cfg := testConfig(t)

	db, err := database.New(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	authority := New(cfg, db, zap.NewNop())
	require.NoError(t, authority.Bootstrap())
	return authority, db
}

func testRegistration(t *testing.T, authority *Authority) *models.RegistrationEntry {
	caSerial, err := authority.Serial()
	require.NoError(t, err)

	return &models.RegistrationEntry{
		ID:             uuid.New().String(),
		CASerial:       caSerial,
		Avatar:         "alice",
		Email:          "alice@example.com",
		World:          "w1",
		PasswordHash:   crypto.HashPassword("Secret1!"),
		Verified:       true,
		Authorized:     true,
		ProgramName:    "peerchat",
		ProgramVersion: "2.1",
		ExtensionsJSON: `{"role":"member"}`,
		RequestedAt:    time.Now().UTC(),
	}
}

func TestBootstrap(t *testing.T) {
	t.Run("Generates identity when none stored", func(t *testing.T) {
		authority, _ := setupAuthority(t)

		identity, err := authority.Identity()
		require.NoError(t, err)
		assert.True(t, identity.Certificate.IsCA)
		assert.Equal(t, "PeerCA Test Root", identity.Certificate.Subject.CommonName)

		tlsIdentity, err := authority.TLSIdentity()
		require.NoError(t, err)
		assert.Equal(t, "PeerCA Test Root (TLS)", tlsIdentity.Certificate.Subject.CommonName)
		assert.NoError(t, tlsIdentity.Certificate.CheckSignatureFrom(identity.Certificate))
	})

	t.Run("Reloads stored identity", func(t *testing.T) {
		cfg := testConfig(t)
		db, err := database.New(cfg)
		require.NoError(t, err)
		require.NoError(t, db.Migrate())
		defer db.Close()

		first := New(cfg, db, zap.NewNop())
		require.NoError(t, first.Bootstrap())
		firstSerial, err := first.Serial()
		require.NoError(t, err)

		second := New(cfg, db, zap.NewNop())
		require.NoError(t, second.Bootstrap())
		secondSerial, err := second.Serial()
		require.NoError(t, err)

		assert.Equal(t, firstSerial, secondSerial)
	})

	t.Run("Fails without identity and auto-generation disabled", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.CA.AutoGenerate = false

		db, err := database.New(cfg)
		require.NoError(t, err)
		require.NoError(t, db.Migrate())
		defer db.Close()

		authority := New(cfg, db, zap.NewNop())
		assert.ErrorIs(t, authority.Bootstrap(), ErrNoIdentity)
	})
}

func TestTrustChainVersionIncreasesPerGeneration(t *testing.T) {
	authority, _ := setupAuthority(t)
	subject := crypto.Subject{CommonName: "PeerCA Test Root"}

	var versions []int
	identity, err := authority.Identity()
	require.NoError(t, err)
	versions = append(versions, crypto.TrustChainVersion(identity.Certificate))

	for i := 0; i < 2; i++ {
		require.NoError(t, authority.GenerateCaAndTlsIdentity(subject, "store-secret"))
		identity, err := authority.Identity()
		require.NoError(t, err)
		versions = append(versions, crypto.TrustChainVersion(identity.Certificate))
	}

	assert.Equal(t, []int{1, 2, 3}, versions)
}

func TestAccessorsWithoutIdentity(t *testing.T) {
	cfg := testConfig(t)
	db, err := database.New(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	defer db.Close()

	authority := New(cfg, db, zap.NewNop())

	_, err = authority.Identity()
	assert.ErrorIs(t, err, ErrNoIdentity)
	_, err = authority.TLSIdentity()
	assert.ErrorIs(t, err, ErrNoIdentity)
	_, err = authority.Serial()
	assert.ErrorIs(t, err, ErrNoIdentity)
}

func TestIssuePeerCertificate(t *testing.T) {
	authority, db := setupAuthority(t)

	entry := testRegistration(t, authority)
	require.NoError(t, db.CreateRegistrationEntry(entry))

	var stored *models.CertificateEntry
	authority.OnPeerCertificateStored(func(e *models.CertificateEntry) { stored = e })

	certEntry, err := authority.IssuePeerCertificate(entry)
	require.NoError(t, err)

	t.Run("Certificate entry persisted, registration gone", func(t *testing.T) {
		caSerial, err := authority.Serial()
		require.NoError(t, err)

		got, err := db.GetCertificateByAvatarOrEmail(caSerial, "alice", false)
		require.NoError(t, err)
		assert.Equal(t, certEntry.SerialNumber, got.SerialNumber)

		_, err = db.GetRegistrationByEmail(caSerial, "alice@example.com")
		assert.ErrorIs(t, err, sql.ErrNoRows)
	})

	t.Run("Artifact opens under the password digest", func(t *testing.T) {
		identity, _ := authority.Identity()

		peer, chain, err := crypto.DecodePKCS12(certEntry.Pkcs12, crypto.HashPassword("Secret1!"))
		require.NoError(t, err)
		assert.NoError(t, peer.Certificate.CheckSignatureFrom(identity.Certificate))
		require.Len(t, chain, 1)
		assert.Equal(t, identity.Certificate.SerialNumber, chain[0].SerialNumber)
	})

	t.Run("Peer extensions carried over", func(t *testing.T) {
		peer, _, err := crypto.DecodePKCS12(certEntry.Pkcs12, crypto.HashPassword("Secret1!"))
		require.NoError(t, err)

		assert.Equal(t, crypto.UsagePeer, crypto.CertificateUsage(peer.Certificate))
		assert.Equal(t, "w1", crypto.WorldName(peer.Certificate))
		assert.Equal(t, crypto.HashEmail("alice@example.com"), crypto.HashedEmail(peer.Certificate))

		assigned, err := crypto.AssignedExtensions(peer.Certificate)
		require.NoError(t, err)
		assert.Equal(t, "member", assigned["role"])
	})

	t.Run("Observer notified", func(t *testing.T) {
		require.NotNil(t, stored)
		assert.Equal(t, certEntry.ID, stored.ID)
	})

	t.Run("Stats reflect issuance", func(t *testing.T) {
		count, last, err := authority.Stats()
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
		assert.False(t, last.IsZero())
	})
}

func TestReissuePeerCertificate(t *testing.T) {
	authority, db := setupAuthority(t)

	entry := testRegistration(t, authority)
	require.NoError(t, db.CreateRegistrationEntry(entry))

	certEntry, err := authority.IssuePeerCertificate(entry)
	require.NoError(t, err)
	originalExpiry := certEntry.ExpiresAt

	time.Sleep(1100 * time.Millisecond)

	newPassphrase := crypto.HashPassword("NewSecret1!")
	reissued, err := authority.ReissuePeerCertificate(certEntry, newPassphrase)
	require.NoError(t, err)

	t.Run("Opens only under the new passphrase", func(t *testing.T) {
		_, _, err := crypto.DecodePKCS12(reissued.Pkcs12, crypto.HashPassword("Secret1!"))
		assert.Error(t, err)

		peer, _, err := crypto.DecodePKCS12(reissued.Pkcs12, newPassphrase)
		require.NoError(t, err)
		assert.Equal(t, "alice", peer.Certificate.Subject.CommonName)
	})

	t.Run("Identity fields preserved, expiry fresh", func(t *testing.T) {
		peer, _, err := crypto.DecodePKCS12(reissued.Pkcs12, newPassphrase)
		require.NoError(t, err)

		assert.Equal(t, "w1", crypto.WorldName(peer.Certificate))
		assert.Equal(t, crypto.HashEmail("alice@example.com"), crypto.HashedEmail(peer.Certificate))
		assert.Equal(t, certEntry.SerialNumber, reissued.SerialNumber)
		assert.True(t, reissued.ExpiresAt.After(originalExpiry))
	})
}

func TestAllocateSerial(t *testing.T) {
	authority, db := setupAuthority(t)
	caSerial, err := authority.Serial()
	require.NoError(t, err)

	_, serial, err := authority.AllocateSerial()
	require.NoError(t, err)
	assert.Len(t, serial, 16)

	exists, err := db.SerialExists(caSerial, serial)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDeriveTlsIdentityRotates(t *testing.T) {
	authority, _ := setupAuthority(t)

	before, err := authority.TLSIdentity()
	require.NoError(t, err)

	changed := false
	authority.OnTLSChanged(func() { changed = true })

	require.NoError(t, authority.DeriveTlsIdentity("store-secret"))

	after, err := authority.TLSIdentity()
	require.NoError(t, err)
	assert.NotEqual(t, before.Certificate.SerialNumber, after.Certificate.SerialNumber)
	assert.True(t, changed)
}
