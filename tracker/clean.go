package tracker

import (
	"fmt"
	"io"
	"time"

	"gorm.io/gorm"
)

// CleanupAlerts permanently removes alerts that were soft-deleted before
// cutoff. With dryRun, only the amount is reported.
func CleanupAlerts(
	cutoff time.Time,
	dryRun bool,
	db *gorm.DB,
	out io.Writer,
) (int64, error) {
	var count int64
	err := db.Transaction(func(tx *gorm.DB) error {
		scope := tx.Unscoped().Model(&Alert{}).Where("deleted_at IS NOT NULL AND deleted_at < ?", cutoff.UTC())

		err := scope.Session(&gorm.Session{}).Count(&count).Error
		if err != nil {
			return fmt.Errorf("could not count deleted alerts: %w", err)
		}
		fmt.Fprintf(out, "Found %d alerts deleted before %s\n", count, cutoff.UTC().Format(time.RFC3339))

		if dryRun || count == 0 {
			return nil
		}
		fmt.Fprintln(out, "Deleting alerts")
		err = scope.Delete(&Alert{}).Error
		if err != nil {
			return fmt.Errorf("could not delete alerts: %w", err)
		}
		return nil
	})
	return count, err
}

// CleanupSessions removes sessions that expired before now.
func CleanupSessions(
	now time.Time,
	dryRun bool,
	db *gorm.DB,
	out io.Writer,
) (int64, error) {
	scope := db.Model(&Session{}).Where("expires_at <= ?", now.UTC())

	var count int64
	err := scope.Session(&gorm.Session{}).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("could not count sessions: %w", err)
	}
	fmt.Fprintf(out, "Found %d expired sessions\n", count)

	if dryRun || count == 0 {
		return count, nil
	}
	err = scope.Delete(&Session{}).Error
	if err != nil {
		return 0, fmt.Errorf("could not delete sessions: %w", err)
	}
	return count, nil
}
