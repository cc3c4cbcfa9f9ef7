package ra

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/peersec/peerca/internal/ca"
	"github.com/peersec/peerca/internal/config"
	"github.com/peersec/peerca/internal/crypto"
	"github.com/peersec/peerca/internal/database"
	"github.com/peersec/peerca/internal/database/models"
	"github.com/peersec/peerca/internal/protocol"
)

// fakeNotifier records notification calls and can simulate a down SMTP
// transport.
type fakeNotifier struct {
	mu                sync.Mutex
	down              bool
	verificationCodes []string
	resetCodes        []string
	requestInfoCount  int
	authorizedAvatars []string
}

func (f *fakeNotifier) SendVerificationCode(entry *models.RegistrationEntry, code string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return false
	}
	f.verificationCodes = append(f.verificationCodes, code)
	return true
}

func (f *fakeNotifier) SendResetCode(entry *models.CertificateEntry, code string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return false
	}
	f.resetCodes = append(f.resetCodes, code)
	return true
}

func (f *fakeNotifier) SendRegistrationRequestInfo(entry *models.RegistrationEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requestInfoCount++
}

func (f *fakeNotifier) SendAuthorizationGrantedInfo(entry *models.RegistrationEntry) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authorizedAvatars = append(f.authorizedAvatars, entry.Avatar)
	return !f.down
}

func (f *fakeNotifier) lastVerificationCode() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verificationCodes[len(f.verificationCodes)-1]
}

func (f *fakeNotifier) lastResetCode() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resetCodes[len(f.resetCodes)-1]
}

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
			StorePassword:          "store-secret",
			RSABits:                2048,
			PeerRSABits:            2048,
			ValidityMonths:         12,
			PeerValidityMonths:     6,
			RegistrationExpiryDays: 14,
			ResetExpiryDays:        2,
		},
		SMTP: config.SMTPConfig{
			Programs: map[string]config.ProgramConfig{
				"default": {
					EmailVerificationRequired: true,
				},
				"kiosk": {
					EmailVerificationRequired: false,
					Policy: []config.PolicyRule{
						{Avatar: "^blocked", Verdict: VerdictDeny},
						{World: "^trusted$", Verdict: VerdictAccept},
					},
					Extensions: []config.ExtensionRule{
						{World: "^trusted$", Name: "role", Value: "member"},
					},
				},
			},
		},
	}
}

func setupRA(t *testing.T) (*Authority, *fakeNotifier, *database.Database) {
	cfg := testConfig(t)

	db, err := database.New(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	authority := ca.New(cfg, db, zap.NewNop())
	require.NoError(t, authority.Bootstrap())

	notifier := &fakeNotifier{}
	return New(cfg, db, authority, notifier, zap.NewNop()), notifier, db
}

func registrationRequest(program string) *protocol.CertificateRegistration {
	return &protocol.CertificateRegistration{
		ClientInfo: protocol.ClientInfo{
			ProgramName:    program,
			ProgramVersion: "2.1",
		},
		Avatar:   "alice",
		Email:    "alice@example.com",
		World:    "trusted",
		Password: "Secret1!",
	}
}

func requireCode(t *testing.T, err error, code protocol.ErrorCode) {
	var perr *protocol.ProcessingError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, code, perr.Code)
}

func TestProcessRegistrationValidation(t *testing.T) {
	authority, _, _ := setupRA(t)

	tests := []struct {
		name   string
		mutate func(*protocol.CertificateRegistration)
		code   protocol.ErrorCode
	}{
		{"Avatar too short", func(r *protocol.CertificateRegistration) { r.Avatar = "ab" }, protocol.ErrorAvatarFormatIncorrect},
		{"Avatar with spaces", func(r *protocol.CertificateRegistration) { r.Avatar = "a b c" }, protocol.ErrorAvatarFormatIncorrect},
		{"Email without domain", func(r *protocol.CertificateRegistration) { r.Email = "alice@" }, protocol.ErrorEmailFormatIncorrect},
		{"Empty world", func(r *protocol.CertificateRegistration) { r.World = "" }, protocol.ErrorWorldFormatIncorrect},
		{"Password too short", func(r *protocol.CertificateRegistration) { r.Password = "short" }, protocol.ErrorPasswordFormatIncorrect},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := registrationRequest("kiosk")
			tc.mutate(req)
			_, err := authority.ProcessRegistration(req)
			requireCode(t, err, tc.code)
		})
	}
}

func TestProcessRegistrationVerificationFlow(t *testing.T) {
	authority, notifier, db := setupRA(t)

	resp, err := authority.ProcessRegistration(registrationRequest("peerchat"))
	require.NoError(t, err)
	require.Equal(t, protocol.KindEmailVerificationRequired, resp.Kind)

	var payload protocol.EmailVerificationRequired
	require.NoError(t, resp.Decode(&payload))
	assert.Equal(t, "alice@example.com", payload.Email)

	caSerial, err := authority.ca.Serial()
	require.NoError(t, err)
	entry, err := db.GetRegistrationByEmail(caSerial, "alice@example.com")
	require.NoError(t, err)
	assert.False(t, entry.Verified)
	assert.True(t, entry.VerificationCode.Valid)
	assert.Equal(t, notifier.lastVerificationCode(), entry.VerificationCode.String)
}

func TestProcessRegistrationDuplicates(t *testing.T) {
	authority, _, _ := setupRA(t)

	_, err := authority.ProcessRegistration(registrationRequest("peerchat"))
	require.NoError(t, err)

	t.Run("Same avatar", func(t *testing.T) {
		req := registrationRequest("peerchat")
		req.Email = "other@example.com"
		_, err := authority.ProcessRegistration(req)
		requireCode(t, err, protocol.ErrorAvatarAlreadyExists)
	})

	t.Run("Same email different case", func(t *testing.T) {
		req := registrationRequest("peerchat")
		req.Avatar = "alice2"
		req.Email = "ALICE@example.com"
		_, err := authority.ProcessRegistration(req)
		requireCode(t, err, protocol.ErrorEmailAlreadyExists)
	})
}

func TestProcessRegistrationConcurrentDuplicates(t *testing.T) {
	authority, _, _ := setupRA(t)

	const attempts = 16
	results := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := authority.ProcessRegistration(registrationRequest("peerchat"))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, duplicates int
	for err := range results {
		if err == nil {
			successes++
			continue
		}
		var perr *protocol.ProcessingError
		require.ErrorAs(t, err, &perr)
		switch perr.Code {
		case protocol.ErrorAvatarAlreadyExists, protocol.ErrorEmailAlreadyExists:
			duplicates++
		default:
			t.Fatalf("unexpected error code %s", perr.Code)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, attempts-1, duplicates)
}

func TestProcessRegistrationPolicy(t *testing.T) {
	t.Run("Accept verdict issues immediately", func(t *testing.T) {
		authority, _, _ := setupRA(t)

		resp, err := authority.ProcessRegistration(registrationRequest("kiosk"))
		require.NoError(t, err)
		require.Equal(t, protocol.KindCertificateResponse, resp.Kind)

		var payload protocol.CertificateResponse
		require.NoError(t, resp.Decode(&payload))

		identity, _, err := crypto.DecodePKCS12(payload.Pkcs12, crypto.HashPassword("Secret1!"))
		require.NoError(t, err)
		assert.Equal(t, "alice", identity.Certificate.Subject.CommonName)

		extensions, err := crypto.AssignedExtensions(identity.Certificate)
		require.NoError(t, err)
		assert.Equal(t, "member", extensions["role"])
	})

	t.Run("Deny verdict rejects", func(t *testing.T) {
		authority, _, _ := setupRA(t)

		req := registrationRequest("kiosk")
		req.Avatar = "blocked-bob"
		_, err := authority.ProcessRegistration(req)
		requireCode(t, err, protocol.ErrorUnknown)
	})

	t.Run("No matching rule requires authorization", func(t *testing.T) {
		authority, notifier, _ := setupRA(t)

		req := registrationRequest("kiosk")
		req.World = "untrusted"
		resp, err := authority.ProcessRegistration(req)
		require.NoError(t, err)
		assert.Equal(t, protocol.KindCertificateAuthorizationRequired, resp.Kind)
		assert.Equal(t, 1, notifier.requestInfoCount)
	})
}

func TestProcessRegistrationSMTPDown(t *testing.T) {
	authority, notifier, db := setupRA(t)
	notifier.down = true

	_, err := authority.ProcessRegistration(registrationRequest("peerchat"))
	requireCode(t, err, protocol.ErrorSmtpServerDown)

	// Entry and code survive; the client can retry once mail recovers.
	caSerial, err := authority.ca.Serial()
	require.NoError(t, err)
	entry, err := db.GetRegistrationByEmail(caSerial, "alice@example.com")
	require.NoError(t, err)
	assert.True(t, entry.VerificationCode.Valid)
}

func TestProcessEmailVerification(t *testing.T) {
	submit := func(t *testing.T, authority *Authority, notifier *fakeNotifier) string {
		_, err := authority.ProcessRegistration(registrationRequest("peerchat"))
		require.NoError(t, err)
		return notifier.lastVerificationCode()
	}

	t.Run("Unknown code", func(t *testing.T) {
		authority, _, _ := setupRA(t)
		_, err := authority.ProcessEmailVerification(&protocol.EmailVerification{Code: "0123456789abcde"})
		requireCode(t, err, protocol.ErrorNoCertificateFound)
	})

	t.Run("Verified but unauthorized", func(t *testing.T) {
		authority, notifier, _ := setupRA(t)
		code := submit(t, authority, notifier)

		resp, err := authority.ProcessEmailVerification(&protocol.EmailVerification{Code: code})
		require.NoError(t, err)
		assert.Equal(t, protocol.KindEmailVerified, resp.Kind)
	})

	t.Run("Verified and authorized issues certificate", func(t *testing.T) {
		authority, notifier, db := setupRA(t)
		code := submit(t, authority, notifier)

		caSerial, err := authority.ca.Serial()
		require.NoError(t, err)
		entry, err := db.GetRegistrationByCode(caSerial, code)
		require.NoError(t, err)
		require.NoError(t, db.UpdateRegistrationAuthorized(entry.ID, true))

		resp, err := authority.ProcessEmailVerification(&protocol.EmailVerification{Code: code})
		require.NoError(t, err)
		require.Equal(t, protocol.KindCertificateResponse, resp.Kind)

		var payload protocol.CertificateResponse
		require.NoError(t, resp.Decode(&payload))
		_, _, err = crypto.DecodePKCS12(payload.Pkcs12, crypto.HashPassword("Secret1!"))
		assert.NoError(t, err)

		// Registration moved to the certificate table.
		_, err = db.GetRegistrationByCode(caSerial, code)
		assert.Error(t, err)
		cert, err := db.GetCertificateByAvatarOrEmail(caSerial, "alice", false)
		require.NoError(t, err)
		assert.Equal(t, "alice@example.com", cert.Email)
	})

	t.Run("Delete flag cancels registration", func(t *testing.T) {
		authority, notifier, db := setupRA(t)
		code := submit(t, authority, notifier)

		resp, err := authority.ProcessEmailVerification(&protocol.EmailVerification{Code: code, Delete: true})
		require.NoError(t, err)
		assert.Equal(t, protocol.KindRegistrationDeleted, resp.Kind)

		caSerial, err := authority.ca.Serial()
		require.NoError(t, err)
		_, err = db.GetRegistrationByEmail(caSerial, "alice@example.com")
		assert.Error(t, err)
	})
}

func TestProcessEmailVerificationLegacyPassword(t *testing.T) {
	submit := func(t *testing.T, authority *Authority, notifier *fakeNotifier) string {
		_, err := authority.ProcessRegistration(registrationRequest("peerchat"))
		require.NoError(t, err)
		return notifier.lastVerificationCode()
	}

	t.Run("Wrong password", func(t *testing.T) {
		authority, notifier, _ := setupRA(t)
		code := submit(t, authority, notifier)

		_, err := authority.ProcessEmailVerification(&protocol.EmailVerification{
			Code:           code,
			LegacyPassword: "not-the-password",
		})
		requireCode(t, err, protocol.ErrorWrongPassword)
	})

	t.Run("Correct password unauthorized", func(t *testing.T) {
		authority, notifier, _ := setupRA(t)
		code := submit(t, authority, notifier)

		resp, err := authority.ProcessEmailVerification(&protocol.EmailVerification{
			Code:           code,
			LegacyPassword: "Secret1!",
		})
		require.NoError(t, err)
		assert.Equal(t, protocol.KindCertificateAuthorizationRequired, resp.Kind)
	})

	t.Run("Correct password authorized issues certificate", func(t *testing.T) {
		authority, notifier, db := setupRA(t)
		code := submit(t, authority, notifier)

		caSerial, err := authority.ca.Serial()
		require.NoError(t, err)
		entry, err := db.GetRegistrationByCode(caSerial, code)
		require.NoError(t, err)
		require.NoError(t, db.UpdateRegistrationAuthorized(entry.ID, true))

		resp, err := authority.ProcessEmailVerification(&protocol.EmailVerification{
			Code:           code,
			LegacyPassword: "Secret1!",
		})
		require.NoError(t, err)
		assert.Equal(t, protocol.KindCertificateResponse, resp.Kind)
	})
}

func TestProcessPasswordReset(t *testing.T) {
	issue := func(t *testing.T, authority *Authority) {
		_, err := authority.ProcessRegistration(registrationRequest("kiosk"))
		require.NoError(t, err)
	}

	t.Run("No certificate", func(t *testing.T) {
		authority, _, _ := setupRA(t)
		_, err := authority.ProcessPasswordReset(&protocol.PasswordReset{AvatarOrEmail: "nobody"})
		requireCode(t, err, protocol.ErrorNoCertificateFound)
	})

	t.Run("Stores and sends code", func(t *testing.T) {
		authority, notifier, db := setupRA(t)
		issue(t, authority)

		resp, err := authority.ProcessPasswordReset(&protocol.PasswordReset{AvatarOrEmail: "alice"})
		require.NoError(t, err)
		require.Equal(t, protocol.KindPasswordResetVerificationRequired, resp.Kind)

		var payload protocol.PasswordResetVerificationRequired
		require.NoError(t, resp.Decode(&payload))
		assert.Equal(t, "alice@example.com", payload.Email)

		caSerial, err := authority.ca.Serial()
		require.NoError(t, err)
		entry, err := db.GetCertificateByAvatarOrEmail(caSerial, "alice", false)
		require.NoError(t, err)
		assert.Equal(t, notifier.lastResetCode(), entry.ResetCode.String)
	})

	t.Run("Outstanding code reused", func(t *testing.T) {
		authority, notifier, _ := setupRA(t)
		issue(t, authority)

		_, err := authority.ProcessPasswordReset(&protocol.PasswordReset{AvatarOrEmail: "alice"})
		require.NoError(t, err)
		first := notifier.lastResetCode()

		_, err = authority.ProcessPasswordReset(&protocol.PasswordReset{AvatarOrEmail: "alice@example.com", IsEmail: true})
		require.NoError(t, err)
		assert.Equal(t, first, notifier.lastResetCode())
	})

	t.Run("SMTP down", func(t *testing.T) {
		authority, notifier, _ := setupRA(t)
		issue(t, authority)

		notifier.down = true
		_, err := authority.ProcessPasswordReset(&protocol.PasswordReset{AvatarOrEmail: "alice"})
		requireCode(t, err, protocol.ErrorSmtpServerDown)
	})
}

func TestProcessPasswordResetVerification(t *testing.T) {
	startReset := func(t *testing.T, authority *Authority, notifier *fakeNotifier) string {
		_, err := authority.ProcessRegistration(registrationRequest("kiosk"))
		require.NoError(t, err)
		_, err = authority.ProcessPasswordReset(&protocol.PasswordReset{AvatarOrEmail: "alice"})
		require.NoError(t, err)
		return notifier.lastResetCode()
	}

	t.Run("Invalid new password", func(t *testing.T) {
		authority, _, _ := setupRA(t)
		_, err := authority.ProcessPasswordResetVerification(&protocol.PasswordResetVerification{
			Code:        "0123456789abcde",
			NewPassword: "short",
		})
		requireCode(t, err, protocol.ErrorPasswordFormatIncorrect)
	})

	t.Run("Unknown code", func(t *testing.T) {
		authority, _, _ := setupRA(t)
		_, err := authority.ProcessPasswordResetVerification(&protocol.PasswordResetVerification{
			Code:        "0123456789abcde",
			NewPassword: "NewSecret1!",
		})
		requireCode(t, err, protocol.ErrorUnknown)
	})

	t.Run("Reissues under new password", func(t *testing.T) {
		authority, notifier, db := setupRA(t)
		code := startReset(t, authority, notifier)

		resp, err := authority.ProcessPasswordResetVerification(&protocol.PasswordResetVerification{
			Code:        code,
			NewPassword: "NewSecret1!",
		})
		require.NoError(t, err)
		require.Equal(t, protocol.KindCertificateResponse, resp.Kind)

		var payload protocol.CertificateResponse
		require.NoError(t, resp.Decode(&payload))

		_, _, err = crypto.DecodePKCS12(payload.Pkcs12, crypto.HashPassword("NewSecret1!"))
		assert.NoError(t, err)
		_, _, err = crypto.DecodePKCS12(payload.Pkcs12, crypto.HashPassword("Secret1!"))
		assert.Error(t, err)

		caSerial, err := authority.ca.Serial()
		require.NoError(t, err)
		entry, err := db.GetCertificateByAvatarOrEmail(caSerial, "alice", false)
		require.NoError(t, err)
		assert.False(t, entry.ResetCode.Valid)
	})
}

func TestAdminOperations(t *testing.T) {
	pending := func(t *testing.T, authority *Authority) *models.RegistrationEntry {
		req := registrationRequest("kiosk")
		req.World = "untrusted"
		_, err := authority.ProcessRegistration(req)
		require.NoError(t, err)

		entries, err := authority.ListRegistrations()
		require.NoError(t, err)
		require.Len(t, entries, 1)
		return entries[0]
	}

	t.Run("Authorize flips flag and notifies", func(t *testing.T) {
		authority, notifier, db := setupRA(t)
		entry := pending(t, authority)

		require.NoError(t, authority.Authorize([]string{entry.ID}))

		updated, err := db.GetRegistrationByID(entry.ID)
		require.NoError(t, err)
		assert.True(t, updated.Authorized)
		assert.Equal(t, []string{"alice"}, notifier.authorizedAvatars)
	})

	t.Run("Authorize is idempotent", func(t *testing.T) {
		authority, notifier, _ := setupRA(t)
		entry := pending(t, authority)

		require.NoError(t, authority.Authorize([]string{entry.ID}))
		require.NoError(t, authority.Authorize([]string{entry.ID}))
		assert.Len(t, notifier.authorizedAvatars, 1)
	})

	t.Run("Reject deletes entry", func(t *testing.T) {
		authority, _, db := setupRA(t)
		entry := pending(t, authority)

		require.NoError(t, authority.Reject([]string{entry.ID}))
		_, err := db.GetRegistrationByID(entry.ID)
		assert.Error(t, err)
	})

	t.Run("Delete removes entry", func(t *testing.T) {
		authority, _, db := setupRA(t)
		entry := pending(t, authority)

		require.NoError(t, authority.Delete([]string{entry.ID}))
		_, err := db.GetRegistrationByID(entry.ID)
		assert.Error(t, err)
	})

	t.Run("Unknown id", func(t *testing.T) {
		authority, _, _ := setupRA(t)
		err := authority.Authorize([]string{"no-such-id"})
		assert.ErrorIs(t, err, ErrRegistrationNotFound)
	})
}

func TestMaintainPurgesExpired(t *testing.T) {
	authority, _, db := setupRA(t)

	_, err := authority.ProcessRegistration(registrationRequest("peerchat"))
	require.NoError(t, err)

	awaitingReq := registrationRequest("peerchat")
	awaitingReq.Avatar = "bob"
	awaitingReq.Email = "bob@example.com"
	_, err = authority.ProcessRegistration(awaitingReq)
	require.NoError(t, err)

	caSerial, err := authority.ca.Serial()
	require.NoError(t, err)
	authorized, err := db.GetRegistrationByEmail(caSerial, "alice@example.com")
	require.NoError(t, err)
	require.NoError(t, db.UpdateRegistrationAuthorized(authorized.ID, true))
	awaiting, err := db.GetRegistrationByEmail(caSerial, "bob@example.com")
	require.NoError(t, err)

	// Fresh entries survive maintenance.
	authority.Maintain()
	_, err = db.GetRegistrationByID(authorized.ID)
	require.NoError(t, err)

	// Backdate past the expiry window and run again.
	authority.cfg.CA.RegistrationExpiryDays = 0
	time.Sleep(10 * time.Millisecond)
	authority.Maintain()

	// Only the authorized entry expires; entries awaiting review stay.
	_, err = db.GetRegistrationByID(authorized.ID)
	assert.Error(t, err)
	_, err = db.GetRegistrationByID(awaiting.ID)
	assert.NoError(t, err)
}

func TestGenerateCodeFormat(t *testing.T) {
	authority, _, _ := setupRA(t)
	caSerial, err := authority.ca.Serial()
	require.NoError(t, err)

	code, err := authority.generateCode(caSerial, "alice@example.com")
	require.NoError(t, err)
	assert.Len(t, code, codeLength)
	assert.True(t, validCode(code))
}
