package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/scylladb/go-set/strset"
	"gorm.io/gorm"

	"gitlab.com/localtalent/cve-tracker/tracker"
)

// Context tells recipients why a notice was sent.
type Context string

const (
	ContextNewProduct Context = tracker.NotificationNewProduct
	ContextCVEUpdate  Context = tracker.NotificationCVEUpdate
)

// EventNewAlerts is the type of the event published for every notice.
const EventNewAlerts = "alerts.new"

type groupKey struct {
	TenantID   uint
	PlatformID string
}

// Batch accumulates new alerts per tenant product.
type Batch struct {
	groups map[groupKey]*strset.Set
}

func NewBatch() *Batch {
	return &Batch{groups: map[groupKey]*strset.Set{}}
}

// Add records ids for the product. The group exists afterwards even when
// ids is empty.
func (b *Batch) Add(tenantID uint, platformID string, ids ...string) {
	key := groupKey{TenantID: tenantID, PlatformID: platformID}
	set, ok := b.groups[key]
	if !ok {
		set = strset.New()
		b.groups[key] = set
	}
	set.Add(ids...)
}

func (b *Batch) Len() int {
	return len(b.groups)
}

// Group is one product's share of a batch.
type Group struct {
	TenantID         uint
	PlatformID       string
	VulnerabilityIDs []string
}

// Groups returns the groups ordered by tenant and platform, each with
// sorted IDs.
func (b *Batch) Groups() []Group {
	groups := make([]Group, 0, len(b.groups))
	for key, set := range b.groups {
		ids := set.List()
		sort.Strings(ids)
		groups = append(groups, Group{TenantID: key.TenantID, PlatformID: key.PlatformID, VulnerabilityIDs: ids})
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].TenantID != groups[j].TenantID {
			return groups[i].TenantID < groups[j].TenantID
		}
		return groups[i].PlatformID < groups[j].PlatformID
	})
	return groups
}

// Notice is what a tenant is told about one product.
type Notice struct {
	Context          Context
	Tenant           tracker.Tenant
	PlatformID       string
	VulnerabilityIDs []string
	CriticalCount    int
	MaxThreat        *float64
	To               []tracker.Recipient
	Cc               []tracker.Recipient
	Mailed           bool
	SentAt           time.Time
}

func (n Notice) Subject() string {
	if n.Context == ContextNewProduct {
		return fmt.Sprintf("Product added and new alerts detected for %s in %s", n.PlatformID, n.Tenant.Name)
	}
	return fmt.Sprintf("New alerts detected for %s in %s (CVE update)", n.PlatformID, n.Tenant.Name)
}

func (n Notice) Recipients() []tracker.Recipient {
	return append(append([]tracker.Recipient{}, n.To...), n.Cc...)
}

type Mailer interface {
	SendAlertNotice(ctx context.Context, notice Notice) error
}

// Publisher delivers live events to the connections of a room.
type Publisher interface {
	Publish(room string, event any)
}

// Event is published to the tenant room for every notice.
type Event struct {
	Type             string   `json:"type"`
	Context          Context  `json:"context"`
	TenantID         uint     `json:"tenant_id"`
	PlatformID       string   `json:"platform_id"`
	VulnerabilityIDs []string `json:"vulnerability_ids"`
	CriticalCount    int      `json:"critical_count"`
	MaxThreat        *float64 `json:"max_threat,omitempty"`
}

func TenantRoom(tenantID uint) string {
	return fmt.Sprintf("tenant:%d", tenantID)
}

func UserRoom(userID uint) string {
	return fmt.Sprintf("user:%d", userID)
}

// Dispatcher turns committed batches into mail, in-app notifications and
// live events.
type Dispatcher struct {
	svc       *tracker.Service
	mailer    Mailer
	publisher Publisher
	scorer    tracker.ThreatScorer
	now       func() time.Time
}

type DispatcherOption func(*Dispatcher)

func WithMailer(mailer Mailer) DispatcherOption {
	return func(d *Dispatcher) {
		d.mailer = mailer
	}
}

func WithPublisher(publisher Publisher) DispatcherOption {
	return func(d *Dispatcher) {
		d.publisher = publisher
	}
}

func WithScorer(scorer tracker.ThreatScorer) DispatcherOption {
	return func(d *Dispatcher) {
		d.scorer = scorer
	}
}

func WithDispatchClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		d.now = now
	}
}

func NewDispatcher(svc *tracker.Service, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{svc: svc, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch notifies every group of batch. Failures are logged; the
// returned notices are those that reached at least the in-app stage.
func (d *Dispatcher) Dispatch(ctx context.Context, batch *Batch, c Context) []Notice {
	notices := []Notice{}
	for _, group := range batch.Groups() {
		notice, ok, err := d.notice(ctx, group, c)
		if err != nil {
			slog.Error("could not prepare alert notice", "tenant", group.TenantID, "cpe", group.PlatformID, "context", c, "err", err)
			continue
		}
		if !ok {
			continue
		}

		if err := d.deliver(ctx, &notice); err != nil {
			slog.Error("could not store notifications", "tenant", group.TenantID, "cpe", group.PlatformID, "err", err)
		}
		notices = append(notices, notice)
	}
	return notices
}

func (d *Dispatcher) notice(ctx context.Context, group Group, c Context) (notice Notice, ok bool, err error) {
	db := d.svc.DB().WithContext(ctx)

	product, err := d.svc.GetProduct(ctx, group.TenantID, group.PlatformID)
	if tracker.KindOf(err) == tracker.KindNotFound {
		slog.Warn("alert notice skipped, product not found", "tenant", group.TenantID, "cpe", group.PlatformID)
		return notice, false, nil
	}
	if err != nil {
		return notice, false, err
	}

	notice = Notice{
		Context:          c,
		PlatformID:       group.PlatformID,
		VulnerabilityIDs: group.VulnerabilityIDs,
		SentAt:           d.now().UTC(),
	}
	if err := db.Where("id = ?", group.TenantID).Take(&notice.Tenant).Error; err != nil {
		return notice, false, fmt.Errorf("could not read organization: %w", err)
	}

	if err := d.score(db, &notice); err != nil {
		return notice, false, err
	}

	recipients, err := d.svc.Recipients(ctx, group.TenantID)
	if err != nil {
		return notice, false, err
	}
	for _, recipient := range recipients {
		if recipient.Role == tracker.RoleAdmin {
			notice.To = append(notice.To, recipient)
		} else {
			notice.Cc = append(notice.Cc, recipient)
		}
	}

	if !product.Notify {
		slog.Info("alert mail skipped, notifications disabled", "tenant", group.TenantID, "cpe", group.PlatformID)
		return notice, true, nil
	}
	if d.mailer == nil || len(recipients) == 0 {
		return notice, true, nil
	}
	if err := d.mailer.SendAlertNotice(ctx, notice); err != nil {
		slog.Error("could not send alert mail", "tenant", group.TenantID, "cpe", group.PlatformID, "context", c, "err", err)
		return notice, true, nil
	}
	notice.Mailed = true
	slog.Info("alert mail sent", "tenant", group.TenantID, "cpe", group.PlatformID, "context", c,
		"alerts", len(notice.VulnerabilityIDs), "to", len(notice.To), "cc", len(notice.Cc))
	return notice, true, nil
}

// score fills the critical count and the highest threat score of the
// notice's vulnerabilities.
func (d *Dispatcher) score(db *gorm.DB, notice *Notice) error {
	if len(notice.VulnerabilityIDs) == 0 {
		return nil
	}

	var vulns []tracker.Vulnerability
	err := db.Select("id", "score", "score_version", "status", "published").
		Where("id IN ?", notice.VulnerabilityIDs).
		Find(&vulns).Error
	if err != nil {
		return fmt.Errorf("could not read vulnerabilities: %w", err)
	}

	enrichments := map[string]tracker.VulnerabilityEnrichment{}
	if d.scorer != nil {
		var rows []tracker.VulnerabilityEnrichment
		err := db.Where("vulnerability_id IN ?", notice.VulnerabilityIDs).Find(&rows).Error
		if err != nil {
			return fmt.Errorf("could not read enrichments: %w", err)
		}
		for _, row := range rows {
			enrichments[row.VulnerabilityID] = row
		}
	}

	for _, vuln := range vulns {
		if tracker.IsCritical(vuln.Score) {
			notice.CriticalCount++
		}
		if d.scorer == nil {
			continue
		}
		in := tracker.NewThreatInput(vuln.Score, vuln.ScoreVersion, vuln.Status, vuln.Published, enrichments[vuln.ID], notice.SentAt)
		threat, err := d.scorer.Threat(in)
		if err != nil {
			slog.Warn("could not compute threat", "cve", vuln.ID, "err", err)
			continue
		}
		if notice.MaxThreat == nil || threat > *notice.MaxThreat {
			notice.MaxThreat = &threat
		}
	}
	return nil
}

// deliver stores one in-app notification per recipient and publishes the
// live event.
func (d *Dispatcher) deliver(ctx context.Context, notice *Notice) error {
	event := Event{
		Type:             EventNewAlerts,
		Context:          notice.Context,
		TenantID:         notice.Tenant.ID,
		PlatformID:       notice.PlatformID,
		VulnerabilityIDs: notice.VulnerabilityIDs,
		CriticalCount:    notice.CriticalCount,
		MaxThreat:        notice.MaxThreat,
	}
	if d.publisher != nil {
		d.publisher.Publish(TenantRoom(notice.Tenant.ID), event)
	}

	recipients := notice.Recipients()
	if len(recipients) == 0 {
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("could not encode notification data: %w", err)
	}

	body := fmt.Sprintf("%d new alerts, %d critical", len(notice.VulnerabilityIDs), notice.CriticalCount)
	notifications := make([]tracker.Notification, 0, len(recipients))
	for _, recipient := range recipients {
		notifications = append(notifications, tracker.Notification{
			UserID:   recipient.UserID,
			TenantID: notice.Tenant.ID,
			Kind:     string(notice.Context),
			Title:    notice.Subject(),
			Body:     body,
			Data:     data,
		})
	}
	return d.svc.AddNotifications(ctx, notifications)
}
