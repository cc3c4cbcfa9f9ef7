package mail

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peersec/peerca/internal/config"
	"github.com/peersec/peerca/internal/database"
	"github.com/peersec/peerca/internal/database/models"
	"github.com/peersec/peerca/internal/metrics"
)

// Notifier sends the five typed notification kinds. A send that fails at the
// transport is recorded in the undelivered queue and reported as not
// delivered; it never propagates an error to the request flow.
type Notifier struct {
	cfg    *config.Config
	db     *database.Database
	sender Sender
	logger *zap.Logger

	// lastSent throttles repeat sends per kind and lower-cased recipient.
	mu       sync.Mutex
	lastSent map[string]time.Time
}

// New creates a notifier backed by the given transport.
func New(cfg *config.Config, db *database.Database, sender Sender, logger *zap.Logger) *Notifier {
	return &Notifier{
		cfg:      cfg,
		db:       db,
		sender:   sender,
		logger:   logger,
		lastSent: make(map[string]time.Time),
	}
}

type templateData struct {
	Avatar         string
	Email          string
	World          string
	Code           string
	ProgramName    string
	ProgramVersion string
	RequestDate    time.Time
	ExpirationDate time.Time
}

func (d *templateData) render(raw string) string {
	replacer := strings.NewReplacer(
		"{AVATAR}", d.Avatar,
		"{EMAIL}", d.Email,
		"{WORLD}", d.World,
		"{CODE}", d.Code,
		"{PROGRAM_NAME}", d.ProgramName,
		"{PROGRAM_VERSION}", d.ProgramVersion,
		"{REQUEST_DATE}", formatDate(d.RequestDate),
		"{EXPIRATION_DATE}", formatDate(d.ExpirationDate),
		"{DAYS_TILL_EXPIRATION}", daysTill(d.ExpirationDate),
	)
	return replacer.Replace(raw)
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02")
}

func daysTill(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	days := int(time.Until(t).Hours() / 24)
	if days < 0 {
		days = 0
	}
	return fmt.Sprintf("%d", days)
}

func registrationData(entry *models.RegistrationEntry, code string) *templateData {
	return &templateData{
		Avatar:         entry.Avatar,
		Email:          entry.Email,
		World:          entry.World,
		Code:           code,
		ProgramName:    entry.ProgramName,
		ProgramVersion: entry.ProgramVersion,
		RequestDate:    entry.RequestedAt,
	}
}

func certificateData(entry *models.CertificateEntry, code string) *templateData {
	return &templateData{
		Avatar:         entry.Avatar,
		Email:          entry.Email,
		World:          entry.World,
		Code:           code,
		ProgramName:    entry.ProgramName,
		ProgramVersion: entry.ProgramVersion,
		RequestDate:    entry.IssuedAt,
		ExpirationDate: entry.ExpiresAt,
	}
}

// SendVerificationCode mails the email-verification code to the entrant.
// The return value reports delivery; false means the attempt was queued.
func (n *Notifier) SendVerificationCode(entry *models.RegistrationEntry, code string) bool {
	return n.send(models.NotificationEmailVerificationCode, entry.CASerial, entry.Email, entry.Email,
		n.cfg.SMTP.Templates.VerificationCode, registrationData(entry, code))
}

// SendResetCode mails the password-reset code to the certificate holder.
func (n *Notifier) SendResetCode(entry *models.CertificateEntry, code string) bool {
	return n.send(models.NotificationPasswordResetCode, entry.CASerial, entry.Email, entry.Email,
		n.cfg.SMTP.Templates.ResetCode, certificateData(entry, code))
}

// SendRegistrationRequestInfo mails the configured info recipients about a
// new registration awaiting review. The queue row is keyed by the entrant's
// address so a retry can find the entry again.
func (n *Notifier) SendRegistrationRequestInfo(entry *models.RegistrationEntry) {
	data := registrationData(entry, "")
	for _, recipient := range n.cfg.SMTP.InfoRecipients {
		if !n.send(models.NotificationRegistrationRequestInfo, entry.CASerial, recipient, entry.Email,
			n.cfg.SMTP.Templates.RegistrationRequestInfo, data) {
			return
		}
	}
}

// SendRegistrationPerformedInfo mails the configured info recipients about a
// completed issuance.
func (n *Notifier) SendRegistrationPerformedInfo(entry *models.CertificateEntry) {
	data := certificateData(entry, "")
	for _, recipient := range n.cfg.SMTP.InfoRecipients {
		if !n.send(models.NotificationRegistrationPerformedInfo, entry.CASerial, recipient, entry.Email,
			n.cfg.SMTP.Templates.RegistrationPerformedInfo, data) {
			return
		}
	}
}

// SendAuthorizationGrantedInfo tells a verified entrant that an admin has
// authorized the registration.
func (n *Notifier) SendAuthorizationGrantedInfo(entry *models.RegistrationEntry) bool {
	return n.send(models.NotificationAuthorizationGrantedInfo, entry.CASerial, entry.Email, entry.Email,
		n.cfg.SMTP.Templates.AuthorizationGrantedInfo, registrationData(entry, ""))
}

func (n *Notifier) send(kind int, caSerial, to, queueKey string, tmpl config.Template, data *templateData) bool {
	if !n.cfg.SMTP.Enabled {
		n.logger.Debug("smtp disabled, dropping notification",
			zap.Int("kind", kind), zap.String("to", to))
		return true
	}
	if n.throttled(kind, to) {
		n.logger.Debug("notification suppressed by anti-spam cooldown",
			zap.Int("kind", kind), zap.String("to", to))
		return true
	}

	if err := n.sender.Send(to, data.render(tmpl.Subject), data.render(tmpl.Body)); err != nil {
		n.logger.Warn("failed to send notification, queueing for retry",
			zap.Int("kind", kind), zap.String("to", to), zap.Error(err))
		n.recordUndelivered(kind, caSerial, queueKey)
		return false
	}

	n.markSent(kind, to)
	metrics.NotificationsSent.Inc()
	return true
}

func (n *Notifier) recordUndelivered(kind int, caSerial, to string) {
	err := n.db.CreateUndeliveredNotification(&models.UndeliveredNotification{
		ID:       uuid.New().String(),
		CASerial: caSerial,
		Kind:     kind,
		Email:    to,
		FailedAt: time.Now().UTC(),
	})
	if err != nil {
		n.logger.Error("failed to record undelivered notification", zap.Error(err))
		return
	}
	metrics.NotificationsQueued.Inc()
}

func throttleKey(kind int, email string) string {
	return fmt.Sprintf("%d|%s", kind, strings.ToLower(email))
}

func (n *Notifier) throttled(kind int, email string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	last, ok := n.lastSent[throttleKey(kind, email)]
	return ok && time.Since(last) < n.cfg.SMTP.AntiSpamCooldown
}

func (n *Notifier) markSent(kind int, email string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastSent[throttleKey(kind, email)] = time.Now()
}

// Prune drops anti-spam entries older than the cooldown window.
func (n *Notifier) Prune() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for key, last := range n.lastSent {
		if time.Since(last) >= n.cfg.SMTP.AntiSpamCooldown {
			delete(n.lastSent, key)
		}
	}
}

// RetryUndelivered drains the undelivered queue for a CA. Rows whose
// underlying entry no longer exists are dropped; a transport failure stops
// the drain early since later attempts would fail the same way.
func (n *Notifier) RetryUndelivered(caSerial string) {
	queue, err := n.db.ListUndeliveredNotifications(caSerial)
	if err != nil {
		n.logger.Error("failed to list undelivered notifications", zap.Error(err))
		return
	}

	for _, pending := range queue {
		delivered, stale := n.retry(caSerial, pending)
		if stale {
			if err := n.db.DeleteUndeliveredNotification(pending.ID); err != nil {
				n.logger.Error("failed to drop stale undelivered notification", zap.Error(err))
			}
			continue
		}
		if !delivered {
			n.logger.Info("notification transport still down, stopping retry cycle",
				zap.Int("remaining", len(queue)))
			return
		}
		if err := n.db.DeleteUndeliveredNotification(pending.ID); err != nil {
			n.logger.Error("failed to remove delivered notification", zap.Error(err))
		}
	}
}

// retry re-sends one queued notification. The second return value reports
// that the underlying entry vanished and the row should be dropped.
func (n *Notifier) retry(caSerial string, pending *models.UndeliveredNotification) (delivered, stale bool) {
	switch pending.Kind {
	case models.NotificationEmailVerificationCode:
		entry, err := n.db.GetRegistrationByEmail(caSerial, pending.Email)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && !entry.VerificationCode.Valid) {
			return false, true
		}
		if err != nil {
			n.logger.Error("failed to look up registration for retry", zap.Error(err))
			return false, false
		}
		return n.deliver(pending, n.cfg.SMTP.Templates.VerificationCode,
			registrationData(entry, entry.VerificationCode.String)), false

	case models.NotificationPasswordResetCode:
		entry, err := n.db.GetCertificateByAvatarOrEmail(caSerial, pending.Email, true)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && !entry.ResetCode.Valid) {
			return false, true
		}
		if err != nil {
			n.logger.Error("failed to look up certificate for retry", zap.Error(err))
			return false, false
		}
		return n.deliver(pending, n.cfg.SMTP.Templates.ResetCode,
			certificateData(entry, entry.ResetCode.String)), false

	case models.NotificationRegistrationRequestInfo:
		entry, err := n.db.GetRegistrationByEmail(caSerial, pending.Email)
		if errors.Is(err, sql.ErrNoRows) {
			// Info mail goes to admin recipients; resend only while the
			// registration is still pending.
			return false, true
		}
		if err != nil {
			n.logger.Error("failed to look up registration for retry", zap.Error(err))
			return false, false
		}
		return n.deliverInfo(pending, n.cfg.SMTP.Templates.RegistrationRequestInfo,
			registrationData(entry, "")), false

	case models.NotificationRegistrationPerformedInfo:
		entry, err := n.db.GetCertificateByAvatarOrEmail(caSerial, pending.Email, true)
		if errors.Is(err, sql.ErrNoRows) {
			return false, true
		}
		if err != nil {
			n.logger.Error("failed to look up certificate for retry", zap.Error(err))
			return false, false
		}
		return n.deliverInfo(pending, n.cfg.SMTP.Templates.RegistrationPerformedInfo,
			certificateData(entry, "")), false

	case models.NotificationAuthorizationGrantedInfo:
		entry, err := n.db.GetRegistrationByEmail(caSerial, pending.Email)
		if errors.Is(err, sql.ErrNoRows) {
			return false, true
		}
		if err != nil {
			n.logger.Error("failed to look up registration for retry", zap.Error(err))
			return false, false
		}
		return n.deliver(pending, n.cfg.SMTP.Templates.AuthorizationGrantedInfo,
			registrationData(entry, "")), false

	default:
		n.logger.Warn("dropping undelivered notification of unknown kind",
			zap.Int("kind", pending.Kind))
		return false, true
	}
}

// deliverInfo re-sends an info notification to the configured recipients.
func (n *Notifier) deliverInfo(pending *models.UndeliveredNotification, tmpl config.Template, data *templateData) bool {
	for _, recipient := range n.cfg.SMTP.InfoRecipients {
		if err := n.sender.Send(recipient, data.render(tmpl.Subject), data.render(tmpl.Body)); err != nil {
			n.logger.Warn("retry delivery failed",
				zap.Int("kind", pending.Kind), zap.String("to", recipient), zap.Error(err))
			return false
		}
		metrics.NotificationsSent.Inc()
	}
	return true
}

// deliver bypasses the anti-spam map: queued retries are not repeat sends.
func (n *Notifier) deliver(pending *models.UndeliveredNotification, tmpl config.Template, data *templateData) bool {
	if err := n.sender.Send(pending.Email, data.render(tmpl.Subject), data.render(tmpl.Body)); err != nil {
		n.logger.Warn("retry delivery failed",
			zap.Int("kind", pending.Kind), zap.String("to", pending.Email), zap.Error(err))
		return false
	}
	n.markSent(pending.Kind, pending.Email)
	metrics.NotificationsSent.Inc()
	return true
}
