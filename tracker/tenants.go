package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// Recipient is a member who receives alert mail for a tenant.
type Recipient struct {
	UserID uint   `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Role   string `json:"role"`
}

type TenantMembership struct {
	Tenant
	Role string `json:"role"`
}

func (s *Service) CreateTenant(ctx context.Context, name string) (tenant Tenant, err error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return tenant, Validation("missing_name", "organization name is required")
	}

	err = s.transaction(ctx, func(tx *gorm.DB) error {
		var count int64
		err := tx.Unscoped().Model(&Tenant{}).Where("name = ?", name).Count(&count).Error
		if err != nil {
			return fmt.Errorf("could not look up organization: %w", err)
		}
		if count > 0 {
			return Conflict("organization_exists", "an organization with this name already exists")
		}
		tenant = Tenant{Name: name}
		return Create(tx, &tenant)
	})
	if err != nil {
		return tenant, AsError(err)
	}
	return tenant, nil
}

func (s *Service) TenantByName(ctx context.Context, name string) (tenant Tenant, err error) {
	err = s.read(ctx).Where("name = ?", name).Take(&tenant).Error
	if err != nil {
		return tenant, notFoundOr(err, "organization_not_found", "organization not found")
	}
	return tenant, nil
}

// AddMember adds user to tenant with role, or changes the role of an
// existing membership.
func (s *Service) AddMember(ctx context.Context, tenantID, userID uint, role string) (membership Membership, err error) {
	if role != RoleAdmin && role != RoleMember {
		return membership, Validation("invalid_role", "role must be admin or member")
	}

	err = s.transaction(ctx, func(tx *gorm.DB) error {
		var user User
		err := tx.Where("id = ?", userID).Take(&user).Error
		if err != nil {
			return notFoundOr(err, "user_not_found", "user not found")
		}

		err = tx.Unscoped().Where("tenant_id = ? AND user_id = ?", tenantID, userID).Take(&membership).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			membership = Membership{TenantID: tenantID, UserID: userID, Role: role}
			return Create(tx, &membership)
		case err != nil:
			return fmt.Errorf("could not look up membership: %w", err)
		}
		return Update(tx.Unscoped(), &membership, map[string]any{"role": role, "deleted_at": nil})
	})
	if err != nil {
		return membership, AsError(err)
	}
	return membership, nil
}

func (s *Service) TenantsForUser(ctx context.Context, userID uint) ([]TenantMembership, error) {
	tenants := []TenantMembership{}
	err := s.read(ctx).Model(&Tenant{}).
		Select("tenant.*, membership.role").
		Joins("JOIN membership ON membership.tenant_id = tenant.id AND membership.deleted_at IS NULL").
		Where("membership.user_id = ?", userID).
		Order("tenant.name").
		Find(&tenants).Error
	if err != nil {
		return nil, Internal(fmt.Errorf("could not list organizations: %w", err))
	}
	return tenants, nil
}

// Authorize checks that user may access tenant. Superadmins may access any
// tenant. With needAdmin, plain members are rejected.
func (s *Service) Authorize(ctx context.Context, user User, tenantID uint, needAdmin bool) error {
	if user.Superadmin {
		return nil
	}

	var membership Membership
	err := s.read(ctx).Where("tenant_id = ? AND user_id = ?", tenantID, user.ID).Take(&membership).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Forbidden("permission_denied", "you are not a member of this organization")
	}
	if err != nil {
		return Internal(fmt.Errorf("could not look up membership: %w", err))
	}
	if needAdmin && membership.Role != RoleAdmin {
		return Forbidden("permission_denied", "organization admin role required")
	}
	return nil
}

// Recipients returns the members of tenant, admins first.
func (s *Service) Recipients(ctx context.Context, tenantID uint) ([]Recipient, error) {
	recipients := []Recipient{}
	err := s.read(ctx).Model(&Membership{}).
		Select(`"user".id AS user_id, "user".email, "user".name, membership.role`).
		Joins(`JOIN "user" ON "user".id = membership.user_id AND "user".deleted_at IS NULL`).
		Where("membership.tenant_id = ?", tenantID).
		Order(`membership.role, "user".email`).
		Find(&recipients).Error
	if err != nil {
		return nil, Internal(fmt.Errorf("could not list recipients: %w", err))
	}
	return recipients, nil
}
