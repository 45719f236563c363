package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ReadOption adjusts a read query. Without options, soft-deleted rows are
// excluded.
type ReadOption func(*gorm.DB) *gorm.DB

// IncludeDeleted makes a read return soft-deleted rows as well.
func IncludeDeleted() ReadOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Unscoped()
	}
}

// Scoped applies read options to db.
func Scoped(db *gorm.DB, opts ...ReadOption) *gorm.DB {
	for _, opt := range opts {
		db = opt(db)
	}
	return db
}

// ProductScanner runs the alert reconciliation for a newly registered
// product, usually in the background.
type ProductScanner interface {
	ScanProduct(tenantID uint, platformID string)
}

type ServiceOption func(*Service)

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

func WithScanner(scanner ProductScanner) ServiceOption {
	return func(s *Service) {
		s.scanner = scanner
	}
}

func WithSessionTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		s.sessionTTL = ttl
	}
}

// Service implements the tenant-facing operations on top of the database.
type Service struct {
	db         *gorm.DB
	now        func() time.Time
	scanner    ProductScanner
	scorer     ThreatScorer
	sessionTTL time.Duration
}

func NewService(db *gorm.DB, opts ...ServiceOption) *Service {
	s := &Service{
		db:         db,
		now:        time.Now,
		sessionTTL: 7 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) DB() *gorm.DB {
	return s.db
}

// SetScanner replaces the product scanner. It must be called before the
// service handles requests.
func (s *Service) SetScanner(scanner ProductScanner) {
	s.scanner = scanner
}

func (s *Service) read(ctx context.Context, opts ...ReadOption) *gorm.DB {
	return Scoped(s.db.WithContext(ctx), opts...)
}

func (s *Service) transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

func notFoundOr(err error, code, message string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NotFound(code, message)
	}
	return Internal(fmt.Errorf("could not query %s: %w", code, err))
}
