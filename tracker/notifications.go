package tracker

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

const (
	NotificationNewProduct = "new_product"
	NotificationCVEUpdate  = "cve_update"
)

type NotificationQuery struct {
	PageRequest
	UnreadOnly bool
}

type NotificationPage struct {
	Page[Notification]
	UnreadCount int64 `json:"unread_count"`
}

// ListNotifications returns the user's notifications, newest first.
func (s *Service) ListNotifications(ctx context.Context, userID uint, query NotificationQuery) (result NotificationPage, err error) {
	base := s.read(ctx).Model(&Notification{}).Where("user_id = ?", userID)
	if query.UnreadOnly {
		base = base.Where("is_read = ?", false)
	}

	result.Page, err = paginate[Notification](base, query.PageRequest, func(db *gorm.DB) *gorm.DB {
		return db.Order("created_at DESC, id DESC")
	})
	if err != nil {
		return result, Internal(err)
	}

	err = s.read(ctx).Model(&Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Count(&result.UnreadCount).Error
	if err != nil {
		return result, Internal(fmt.Errorf("could not count unread notifications: %w", err))
	}
	return result, nil
}

// MarkNotificationRead marks one of the user's notifications as read.
// Notifications of other users are reported as not found.
func (s *Service) MarkNotificationRead(ctx context.Context, userID, id uint) (notification Notification, err error) {
	err = s.transaction(ctx, func(tx *gorm.DB) error {
		err := tx.Where("id = ? AND user_id = ?", id, userID).Take(&notification).Error
		if err != nil {
			return notFoundOr(err, "notification_not_found", "notification not found")
		}
		if notification.IsRead {
			return nil
		}
		err = Update(tx, &notification, map[string]any{"is_read": true})
		if errors.Is(err, ErrNoRows) {
			return Conflict("conflict", "notification was removed concurrently")
		}
		return err
	})
	if err != nil {
		return notification, AsError(err)
	}
	return notification, nil
}

// AddNotifications stores in-app notifications in one transaction.
func (s *Service) AddNotifications(ctx context.Context, notifications []Notification) error {
	if len(notifications) == 0 {
		return nil
	}
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		for i := range notifications {
			if err := Create(tx, &notifications[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return AsError(err)
	}
	return nil
}
