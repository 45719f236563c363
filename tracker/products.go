package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"
)

type ProductStatus string

const (
	ProductAdded    ProductStatus = "added"
	ProductRestored ProductStatus = "restored"
	ProductExists   ProductStatus = "already_exists"
)

// RecentPeriod bounds the "recent" product filter.
const RecentPeriod = 30 * 24 * time.Hour

type ProductResult struct {
	Product Product       `json:"product"`
	Status  ProductStatus `json:"status"`
}

type ProductQuery struct {
	PageRequest
	Recent bool
	Search string
}

// AddProduct registers platformID for the tenant. A soft-deleted product
// with the same key is restored in place. Added and restored products are
// handed to the product scanner after the commit.
func (s *Service) AddProduct(ctx context.Context, tenantID uint, platformID string) (result ProductResult, err error) {
	platformID, _, err = ParsePlatformID(platformID)
	if err != nil {
		return result, err
	}

	err = s.transaction(ctx, func(tx *gorm.DB) error {
		product := Product{}
		err := tx.Unscoped().
			Where("tenant_id = ? AND platform_id = ?", tenantID, platformID).
			Take(&product).Error

		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			product = Product{TenantID: tenantID, PlatformID: platformID, Notify: true}
			if err := Create(tx, &product); err != nil {
				return err
			}
			result = ProductResult{Product: product, Status: ProductAdded}
		case err != nil:
			return fmt.Errorf("could not look up product: %w", err)
		case product.DeletedAt.Valid:
			err := Update(tx.Unscoped(), &product, map[string]any{
				"deleted_at": nil,
				"notify":     true,
			})
			if err != nil {
				return err
			}
			result = ProductResult{Product: product, Status: ProductRestored}
		default:
			result = ProductResult{Product: product, Status: ProductExists}
		}
		return nil
	})
	if err != nil {
		return result, AsError(err)
	}

	slog.Info("product registered", "tenant", tenantID, "cpe", platformID, "status", result.Status)
	if result.Status != ProductExists && s.scanner != nil {
		s.scanner.ScanProduct(tenantID, platformID)
	}
	return result, nil
}

func (s *Service) GetProduct(ctx context.Context, tenantID uint, platformID string, opts ...ReadOption) (product Product, err error) {
	err = s.read(ctx, opts...).
		Where("tenant_id = ? AND platform_id = ?", tenantID, platformID).
		Take(&product).Error
	if err != nil {
		return product, notFoundOr(err, "product_not_found", "product not found")
	}
	return product, nil
}

// ListProducts returns the tenant's products, most recently updated first.
func (s *Service) ListProducts(ctx context.Context, tenantID uint, query ProductQuery) (Page[Product], error) {
	base := s.read(ctx).Model(&Product{}).Where("tenant_id = ?", tenantID)
	if query.Recent {
		base = base.Where("updated_at >= ?", s.now().Add(-RecentPeriod))
	}
	if search := strings.TrimSpace(query.Search); search != "" {
		base = base.Where(likeExpr("platform_id"), likePattern(search))
	}

	page, err := paginate[Product](base, query.PageRequest, func(db *gorm.DB) *gorm.DB {
		return db.Order("updated_at DESC")
	})
	if err != nil {
		return page, Internal(err)
	}
	return page, nil
}

// RemoveProduct soft-deletes the product and deactivates its active alerts.
// It returns the number of deactivated alerts.
func (s *Service) RemoveProduct(ctx context.Context, tenantID uint, platformID string) (deactivated int64, err error) {
	err = s.transaction(ctx, func(tx *gorm.DB) error {
		product := Product{}
		err := tx.Where("tenant_id = ? AND platform_id = ?", tenantID, platformID).Take(&product).Error
		if err != nil {
			return notFoundOr(err, "product_not_found", "product not found or already removed")
		}

		result := tx.Model(&Alert{}).
			Where("tenant_id = ? AND platform_id = ? AND active = ?", tenantID, platformID, true).
			Updates(map[string]any{"active": false})
		if result.Error != nil {
			return fmt.Errorf("could not deactivate alerts: %w", result.Error)
		}
		deactivated = result.RowsAffected

		return SoftDelete(tx, &product)
	})
	if err != nil {
		return 0, AsError(err)
	}

	slog.Info("product removed", "tenant", tenantID, "cpe", platformID, "alerts_deactivated", deactivated)
	return deactivated, nil
}

// SetProductNotify changes the notify flag with a direct statement, leaving
// updated_at untouched.
func (s *Service) SetProductNotify(ctx context.Context, tenantID uint, platformID string, notify bool) error {
	_, err := s.GetProduct(ctx, tenantID, platformID)
	if err != nil {
		return err
	}

	result := s.db.WithContext(ctx).Exec(
		`UPDATE product SET notify = ? WHERE tenant_id = ? AND platform_id = ? AND deleted_at IS NULL`,
		notify, tenantID, platformID,
	)
	if result.Error != nil {
		return Internal(fmt.Errorf("could not update product settings: %w", result.Error))
	}
	if result.RowsAffected == 0 {
		return Conflict("conflict", "product was removed or modified concurrently")
	}
	return nil
}

// likeExpr is a case-insensitive LIKE on column, to be used with likePattern.
func likeExpr(column string) string {
	return "LOWER(" + column + ") LIKE ? ESCAPE '\\'"
}

func likePattern(term string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + strings.ToLower(replacer.Replace(term)) + "%"
}
