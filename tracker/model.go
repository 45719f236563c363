package tracker

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Base is embedded by every tenant-facing entity. Reads exclude rows with a
// non-null DeletedAt unless the query is Unscoped.
type Base struct {
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

// Vulnerability mirrors one CVE record from the NVD feed.
type Vulnerability struct {
	ID           string                      `gorm:"primaryKey;type:varchar(32)" json:"id"`
	Published    time.Time                   `json:"published"`
	LastModified time.Time                   `gorm:"index" json:"last_modified"`
	Payload      datatypes.JSON              `json:"-"`
	Score        decimal.NullDecimal         `gorm:"type:numeric" json:"score"`
	ScoreVersion string                      `gorm:"type:varchar(8)" json:"score_version"`
	Status       string                      `gorm:"type:varchar(32);index" json:"status"`
	Description  string                      `json:"description"`
	Criteria     datatypes.JSONSlice[string] `json:"criteria"`
}

// Platform mirrors one CPE dictionary entry. ID is the CPE 2.3 name.
type Platform struct {
	ID           string         `gorm:"primaryKey;type:varchar(255)" json:"id"`
	NameID       string         `gorm:"type:varchar(64)" json:"name_id"`
	Title        string         `json:"title"`
	Created      time.Time      `json:"created"`
	LastModified time.Time      `json:"last_modified"`
	Payload      datatypes.JSON `json:"-"`
	Deprecated   bool           `json:"deprecated"`
}

// MatchCriteria mirrors one CPE match string and the platforms it resolves to.
type MatchCriteria struct {
	ID           string                      `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Criteria     string                      `json:"criteria"`
	Platforms    datatypes.JSONSlice[string] `json:"platforms"`
	LastModified time.Time                   `json:"last_modified"`
	Payload      datatypes.JSON              `json:"-"`
}

// VulnerabilityCriteria and CriteriaPlatform are the normalized forms of
// Vulnerability.Criteria and MatchCriteria.Platforms, used for lookups in
// both directions.
type VulnerabilityCriteria struct {
	VulnerabilityID string `gorm:"primaryKey;type:varchar(32)"`
	CriteriaID      string `gorm:"primaryKey;type:varchar(64);index"`
}

type CriteriaPlatform struct {
	CriteriaID string `gorm:"primaryKey;type:varchar(64)"`
	PlatformID string `gorm:"primaryKey;type:varchar(255);index"`
}

// VulnerabilityEnrichment holds the CISA SSVC decision points for a CVE.
type VulnerabilityEnrichment struct {
	VulnerabilityID string    `gorm:"primaryKey;type:varchar(32)" json:"vulnerability_id"`
	Exploitation    string    `gorm:"type:varchar(16)" json:"exploitation"`
	Automatable     string    `gorm:"type:varchar(16)" json:"automatable"`
	TechnicalImpact string    `gorm:"type:varchar(16)" json:"technical_impact"`
	SourceUpdated   time.Time `json:"source_updated"`
}

type Tenant struct {
	ID   uint   `gorm:"primaryKey" json:"id"`
	Name string `gorm:"type:varchar(120);uniqueIndex" json:"name"`
	Base
}

func (t Tenant) AuditKey() string { return fmt.Sprint(t.ID) }

type User struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	Email        string `gorm:"type:varchar(255);uniqueIndex" json:"email"`
	Name         string `json:"name"`
	PasswordHash string `json:"-"`
	Superadmin   bool   `json:"superadmin"`
	Base
}

func (u User) AuditKey() string { return fmt.Sprint(u.ID) }

const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

type Membership struct {
	TenantID uint   `gorm:"primaryKey" json:"tenant_id"`
	UserID   uint   `gorm:"primaryKey;index" json:"user_id"`
	Role     string `gorm:"type:varchar(16)" json:"role"`
	Base
}

func (m Membership) AuditKey() string { return fmt.Sprintf("%d/%d", m.TenantID, m.UserID) }

type Session struct {
	Token     string    `gorm:"primaryKey;type:varchar(64)"`
	UserID    uint      `gorm:"index"`
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time
}

// Product is a platform a tenant has registered for alerting.
type Product struct {
	TenantID   uint   `gorm:"primaryKey" json:"tenant_id"`
	PlatformID string `gorm:"primaryKey;type:varchar(255)" json:"platform_id"`
	Notify     bool   `gorm:"not null" json:"notify"`
	Base
}

func (p Product) AuditKey() string { return fmt.Sprintf("%d/%s", p.TenantID, p.PlatformID) }

// Alert links a tenant's product to a vulnerability affecting it. There is
// at most one row per key, soft-deleted history included.
type Alert struct {
	TenantID        uint   `gorm:"primaryKey" json:"tenant_id"`
	VulnerabilityID string `gorm:"primaryKey;type:varchar(32);index" json:"vulnerability_id"`
	PlatformID      string `gorm:"primaryKey;type:varchar(255);index" json:"platform_id"`
	Active          bool   `gorm:"not null" json:"active"`
	Base
}

func (a Alert) AuditKey() string {
	return fmt.Sprintf("%d/%s/%s", a.TenantID, a.VulnerabilityID, a.PlatformID)
}

// AlertKey identifies an Alert row.
type AlertKey struct {
	TenantID        uint   `json:"tenant_id"`
	VulnerabilityID string `json:"vulnerability_id"`
	PlatformID      string `json:"platform_id"`
}

// SyncJob is the progress row of a named job. Percent is -1 after a failure.
type SyncJob struct {
	Name       string    `gorm:"primaryKey;type:varchar(64)" json:"name"`
	Percent    int       `json:"percent"`
	LastUpdate time.Time `json:"last_update"`
}

type Notification struct {
	ID       uint           `gorm:"primaryKey" json:"id"`
	UserID   uint           `gorm:"index" json:"user_id"`
	TenantID uint           `json:"tenant_id"`
	Kind     string         `gorm:"type:varchar(32)" json:"kind"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Data     datatypes.JSON `json:"data"`
	IsRead   bool           `json:"is_read"`
	Base
}

func (n Notification) AuditKey() string { return fmt.Sprint(n.ID) }

type AuditLog struct {
	ID        uint                        `gorm:"primaryKey"`
	TableName string                      `gorm:"type:varchar(64);index"`
	Operation string                      `gorm:"type:varchar(8)"`
	Key       string                      `gorm:"type:varchar(512);index"`
	Before    datatypes.JSON
	After     datatypes.JSON
	Changes   datatypes.JSONSlice[string]
	CreatedAt time.Time
}

// Models lists every table in migration order.
func Models() []any {
	return []any{
		&Vulnerability{},
		&Platform{},
		&MatchCriteria{},
		&VulnerabilityCriteria{},
		&CriteriaPlatform{},
		&VulnerabilityEnrichment{},
		&Tenant{},
		&User{},
		&Membership{},
		&Session{},
		&Product{},
		&Alert{},
		&SyncJob{},
		&Notification{},
		&AuditLog{},
	}
}
