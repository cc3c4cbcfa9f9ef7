package ra

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/peersec/peerca/internal/database/models"
)

// ErrRegistrationNotFound is returned by the administrative operations when
// a referenced registration no longer exists.
var ErrRegistrationNotFound = errors.New("registration not found")

// ListRegistrations returns the review queue for the active CA.
func (r *Authority) ListRegistrations() ([]*models.RegistrationEntry, error) {
	caSerial, err := r.ca.Serial()
	if err != nil {
		return nil, err
	}
	return r.db.ListRegistrations(caSerial)
}

// Authorize grants the listed registrations. Issuance happens when the
// entrant next presents a verification code or requests the certificate;
// granting only flips the flag and notifies the entrant.
func (r *Authority) Authorize(ids []string) error {
	for _, id := range ids {
		entry, err := r.registrationByID(id)
		if err != nil {
			return err
		}
		if entry.Authorized {
			continue
		}
		if err := r.db.UpdateRegistrationAuthorized(id, true); err != nil {
			return fmt.Errorf("failed to authorize registration %s: %w", id, err)
		}
		entry.Authorized = true
		r.logger.Info("registration authorized",
			zap.String("avatar", entry.Avatar), zap.String("world", entry.World))
		if entry.Verified {
			r.notifier.SendAuthorizationGrantedInfo(entry)
		}
	}
	return nil
}

// Reject removes the listed registrations from the queue.
func (r *Authority) Reject(ids []string) error {
	for _, id := range ids {
		entry, err := r.registrationByID(id)
		if err != nil {
			return err
		}
		if err := r.db.DeleteRegistrationEntry(id); err != nil {
			return fmt.Errorf("failed to reject registration %s: %w", id, err)
		}
		r.logger.Info("registration rejected",
			zap.String("avatar", entry.Avatar), zap.String("world", entry.World))
	}
	return nil
}

// Delete removes the listed registrations without treating them as
// reviewed. Used for cleanup of abandoned submissions.
func (r *Authority) Delete(ids []string) error {
	for _, id := range ids {
		entry, err := r.registrationByID(id)
		if err != nil {
			return err
		}
		if err := r.db.DeleteRegistrationEntry(id); err != nil {
			return fmt.Errorf("failed to delete registration %s: %w", id, err)
		}
		r.logger.Info("registration deleted",
			zap.String("avatar", entry.Avatar), zap.String("world", entry.World))
	}
	return nil
}

// Maintain purges expired registrations and stale reset codes. It is called
// periodically by the server's maintenance loop.
func (r *Authority) Maintain() {
	caSerial, err := r.ca.Serial()
	if err != nil {
		return
	}

	registrationCutoff := time.Now().UTC().AddDate(0, 0, -r.cfg.CA.RegistrationExpiryDays)
	if purged, err := r.db.PurgeExpiredRegistrations(caSerial, registrationCutoff); err != nil {
		r.logger.Error("failed to purge expired registrations", zap.Error(err))
	} else if purged > 0 {
		r.logger.Info("purged expired registrations", zap.Int64("count", purged))
	}

	resetCutoff := time.Now().UTC().AddDate(0, 0, -r.cfg.CA.ResetExpiryDays)
	if purged, err := r.db.PurgeExpiredResetCodes(caSerial, resetCutoff); err != nil {
		r.logger.Error("failed to purge expired reset codes", zap.Error(err))
	} else if purged > 0 {
		r.logger.Info("purged expired reset codes", zap.Int64("count", purged))
	}
}

func (r *Authority) registrationByID(id string) (*models.RegistrationEntry, error) {
	entry, err := r.db.GetRegistrationByID(id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRegistrationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load registration %s: %w", id, err)
	}
	return entry, nil
}
