package mail

import (
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/peersec/peerca/internal/config"
	"github.com/peersec/peerca/internal/database"
	"github.com/peersec/peerca/internal/database/models"
)

type sentMail struct {
	To      string
	Subject string
	Body    string
}

// fakeSender records sends and can be switched into failure mode.
type fakeSender struct {
	mu   sync.Mutex
	sent []sentMail
	fail bool
}

func (f *fakeSender) Send(to, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("connection refused")
	}
	f.sent = append(f.sent, sentMail{To: to, Subject: subject, Body: body})
	return nil
}

func (f *fakeSender) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSender) last() sentMail {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func setupNotifier(t *testing.T) (*Notifier, *fakeSender, *database.Database) {
	cfg := &config.Config{
		Database: config.DatabaseConfig{
			Type: "sqlite",
			SQLite: config.SQLiteConfig{
				Path: t.TempDir() + "/test.db",
			},
		},
		SMTP: config.SMTPConfig{
			Enabled:          true,
			Host:             "smtp.example.com",
			Sender:           "ca@example.com",
			AntiSpamCooldown: 10 * time.Minute,
			InfoRecipients:   []string{"admin@example.com"},
			Templates: config.TemplatesConfig{
				VerificationCode: config.Template{
					Subject: "Verify {EMAIL}",
					Body:    "Hello {AVATAR}, your code for {WORLD} is {CODE}",
				},
				ResetCode: config.Template{
					Subject: "Reset for {AVATAR}",
					Body:    "Code: {CODE}, expires {EXPIRATION_DATE}",
				},
				RegistrationRequestInfo: config.Template{
					Subject: "New registration",
					Body:    "{AVATAR} ({EMAIL}) requested a certificate via {PROGRAM_NAME} {PROGRAM_VERSION}",
				},
				RegistrationPerformedInfo: config.Template{
					Subject: "Certificate issued",
					Body:    "{AVATAR} now holds a certificate for {WORLD}",
				},
				AuthorizationGrantedInfo: config.Template{
					Subject: "Authorized",
					Body:    "{AVATAR}, your registration was approved",
				},
			},
		},
	}

	db, err := database.New(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	sender := &fakeSender{}
	return New(cfg, db, sender, zap.NewNop()), sender, db
}

func storedRegistration(t *testing.T, db *database.Database, code string) *models.RegistrationEntry {
	entry := &models.RegistrationEntry{
		ID:               uuid.New().String(),
		CASerial:         "ca1",
		Avatar:           "alice",
		Email:            "alice@example.com",
		World:            "w1",
		PasswordHash:     "digest",
		VerificationCode: sql.NullString{String: code, Valid: code != ""},
		ProgramName:      "peerchat",
		ProgramVersion:   "2.1",
		ExtensionsJSON:   "{}",
		RequestedAt:      time.Now().UTC(),
	}
	require.NoError(t, db.CreateRegistrationEntry(entry))
	return entry
}

func TestSendVerificationCode(t *testing.T) {
	notifier, sender, db := setupNotifier(t)
	entry := storedRegistration(t, db, "code456789012345")

	t.Run("Placeholders substituted", func(t *testing.T) {
		assert.True(t, notifier.SendVerificationCode(entry, "code456789012345"))
		require.Equal(t, 1, sender.count())

		mail := sender.last()
		assert.Equal(t, "alice@example.com", mail.To)
		assert.Equal(t, "Verify alice@example.com", mail.Subject)
		assert.Equal(t, "Hello alice, your code for w1 is code456789012345", mail.Body)
	})

	t.Run("Repeat send within cooldown suppressed", func(t *testing.T) {
		assert.True(t, notifier.SendVerificationCode(entry, "code456789012345"))
		assert.Equal(t, 1, sender.count())
	})

	t.Run("Different recipient not throttled", func(t *testing.T) {
		other := *entry
		other.Avatar = "carol"
		other.Email = "carol@example.com"
		assert.True(t, notifier.SendVerificationCode(&other, "othercode"))
		assert.Equal(t, 2, sender.count())
	})
}

func TestSendFailureQueues(t *testing.T) {
	notifier, sender, db := setupNotifier(t)
	entry := storedRegistration(t, db, "code456789012345")

	sender.setFail(true)
	assert.False(t, notifier.SendVerificationCode(entry, "code456789012345"))

	queue, err := db.ListUndeliveredNotifications("ca1")
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, models.NotificationEmailVerificationCode, queue[0].Kind)
	assert.Equal(t, "alice@example.com", queue[0].Email)
}

func TestRetryUndelivered(t *testing.T) {
	t.Run("Delivers once transport recovers", func(t *testing.T) {
		notifier, sender, db := setupNotifier(t)
		entry := storedRegistration(t, db, "code456789012345")

		sender.setFail(true)
		notifier.SendVerificationCode(entry, "code456789012345")

		sender.setFail(false)
		notifier.RetryUndelivered("ca1")

		assert.Equal(t, 1, sender.count())
		assert.Contains(t, sender.last().Body, "code456789012345")

		queue, err := db.ListUndeliveredNotifications("ca1")
		require.NoError(t, err)
		assert.Empty(t, queue)
	})

	t.Run("Stops early while transport is down", func(t *testing.T) {
		notifier, sender, db := setupNotifier(t)
		entry := storedRegistration(t, db, "code456789012345")

		sender.setFail(true)
		notifier.SendVerificationCode(entry, "code456789012345")
		notifier.SendAuthorizationGrantedInfo(entry)

		notifier.RetryUndelivered("ca1")

		queue, err := db.ListUndeliveredNotifications("ca1")
		require.NoError(t, err)
		assert.Len(t, queue, 2)
	})

	t.Run("Drops rows whose entry vanished", func(t *testing.T) {
		notifier, sender, db := setupNotifier(t)
		entry := storedRegistration(t, db, "code456789012345")

		sender.setFail(true)
		notifier.SendVerificationCode(entry, "code456789012345")

		require.NoError(t, db.DeleteRegistrationEntry(entry.ID))

		sender.setFail(false)
		notifier.RetryUndelivered("ca1")

		assert.Equal(t, 0, sender.count())
		queue, err := db.ListUndeliveredNotifications("ca1")
		require.NoError(t, err)
		assert.Empty(t, queue)
	})
}

func TestInfoNotifications(t *testing.T) {
	notifier, sender, db := setupNotifier(t)
	entry := storedRegistration(t, db, "")

	notifier.SendRegistrationRequestInfo(entry)
	require.Equal(t, 1, sender.count())

	mail := sender.last()
	assert.Equal(t, "admin@example.com", mail.To)
	assert.Contains(t, mail.Body, "alice (alice@example.com)")
	assert.Contains(t, mail.Body, "peerchat 2.1")
}

func TestPrune(t *testing.T) {
	notifier, sender, db := setupNotifier(t)
	entry := storedRegistration(t, db, "code456789012345")

	notifier.SendVerificationCode(entry, "code456789012345")
	require.Equal(t, 1, sender.count())

	notifier.mu.Lock()
	for key := range notifier.lastSent {
		notifier.lastSent[key] = time.Now().Add(-time.Hour)
	}
	notifier.mu.Unlock()

	notifier.Prune()

	notifier.mu.Lock()
	remaining := len(notifier.lastSent)
	notifier.mu.Unlock()
	assert.Zero(t, remaining)
}

func TestDisabledSMTPTreatedAsDelivered(t *testing.T) {
	notifier, sender, db := setupNotifier(t)
	notifier.cfg.SMTP.Enabled = false
	entry := storedRegistration(t, db, "code456789012345")

	assert.True(t, notifier.SendVerificationCode(entry, "code456789012345"))
	assert.Equal(t, 0, sender.count())
}
