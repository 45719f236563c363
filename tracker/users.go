package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const MinPasswordLength = 8

func (s *Service) CreateUser(ctx context.Context, email, name, password string, superadmin bool) (user User, err error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return user, Validation("invalid_email", "email address is not valid")
	}
	if len(password) < MinPasswordLength {
		return user, Validation("weak_password", fmt.Sprintf("password must be at least %d characters", MinPasswordLength))
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return user, Internal(fmt.Errorf("could not hash password: %w", err))
	}

	err = s.transaction(ctx, func(tx *gorm.DB) error {
		var count int64
		err := tx.Unscoped().Model(&User{}).Where("email = ?", email).Count(&count).Error
		if err != nil {
			return fmt.Errorf("could not look up user: %w", err)
		}
		if count > 0 {
			return Conflict("user_exists", "a user with this email already exists")
		}
		user = User{
			Email:        email,
			Name:         strings.TrimSpace(name),
			PasswordHash: string(hash),
			Superadmin:   superadmin,
		}
		return Create(tx, &user)
	})
	if err != nil {
		return user, AsError(err)
	}
	return user, nil
}

func (s *Service) UserByEmail(ctx context.Context, email string) (user User, err error) {
	err = s.read(ctx).Where("email = ?", strings.ToLower(strings.TrimSpace(email))).Take(&user).Error
	if err != nil {
		return user, notFoundOr(err, "user_not_found", "user not found")
	}
	return user, nil
}

// Authenticate checks the credentials. Unknown users and wrong passwords
// fail the same way.
func (s *Service) Authenticate(ctx context.Context, email, password string) (user User, err error) {
	user, err = s.UserByEmail(ctx, email)
	if KindOf(err) == KindNotFound {
		return user, Unauthenticated("invalid_credentials", "invalid email or password")
	}
	if err != nil {
		return user, err
	}

	err = bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password))
	if err != nil {
		return user, Unauthenticated("invalid_credentials", "invalid email or password")
	}
	return user, nil
}

func (s *Service) CreateSession(ctx context.Context, user User) (session Session, err error) {
	now := s.now().UTC()
	session = Session{
		Token:     uuid.NewString(),
		UserID:    user.ID,
		ExpiresAt: now.Add(s.sessionTTL),
		CreatedAt: now,
	}
	err = s.db.WithContext(ctx).Create(&session).Error
	if err != nil {
		return session, Internal(fmt.Errorf("could not create session: %w", err))
	}

	slog.Info("session created", "user", user.ID)
	return session, nil
}

// SessionUser resolves a session token to its user.
func (s *Service) SessionUser(ctx context.Context, token string) (user User, err error) {
	if token == "" {
		return user, Unauthenticated("not_authenticated", "login required")
	}

	var session Session
	err = s.read(ctx).Where("token = ? AND expires_at > ?", token, s.now().UTC()).Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return user, Unauthenticated("session_expired", "session expired or invalid")
	}
	if err != nil {
		return user, Internal(fmt.Errorf("could not look up session: %w", err))
	}

	err = s.read(ctx).Where("id = ?", session.UserID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return user, Unauthenticated("session_expired", "session expired or invalid")
	}
	if err != nil {
		return user, Internal(fmt.Errorf("could not look up user: %w", err))
	}
	return user, nil
}

func (s *Service) DeleteSession(ctx context.Context, token string) error {
	err := s.db.WithContext(ctx).Where("token = ?", token).Delete(&Session{}).Error
	if err != nil {
		return Internal(fmt.Errorf("could not delete session: %w", err))
	}
	return nil
}

// PurgeExpiredSessions deletes sessions that expired before now.
func (s *Service) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Where("expires_at <= ?", s.now().UTC()).Delete(&Session{})
	if result.Error != nil {
		return 0, Internal(fmt.Errorf("could not purge sessions: %w", result.Error))
	}
	return result.RowsAffected, nil
}

// SessionTTL is the lifetime of new sessions.
func (s *Service) SessionTTL() time.Duration {
	return s.sessionTTL
}
