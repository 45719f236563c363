package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Job names of the initial loads. Incremental jobs use the row of their
// load as the lower bound of the fetch window.
const (
	JobCVELoad   = "cve_load"
	JobCPELoad   = "cpe_load"
	JobMatchLoad = "match_load"
)

// InitialLoads lists the load jobs in chain order.
var InitialLoads = []string{JobCVELoad, JobCPELoad, JobMatchLoad}

const PercentFailed = -1

// Progress persists one SyncJob row per job name.
type Progress struct {
	db  *gorm.DB
	now func() time.Time
}

func NewProgress(db *gorm.DB) *Progress {
	return &Progress{db: db, now: time.Now}
}

// WithClock returns a copy of p using now as its time source.
func (p *Progress) WithClock(now func() time.Time) *Progress {
	return &Progress{db: p.db, now: now}
}

// Start creates the row for name, or resets it to 0.
func (p *Progress) Start(ctx context.Context, name string) error {
	job := SyncJob{Name: name, Percent: 0, LastUpdate: p.now().UTC()}
	err := p.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"percent", "last_update"}),
		}).
		Create(&job).Error
	if err != nil {
		return fmt.Errorf("could not start job %s: %w", name, err)
	}
	return nil
}

// Update stores percent for a running job. A lower value than the stored
// one is ignored.
func (p *Progress) Update(ctx context.Context, name string, percent int) error {
	err := p.db.WithContext(ctx).
		Model(&SyncJob{}).
		Where("name = ? AND percent >= 0 AND percent <= ?", name, percent).
		Updates(map[string]any{"percent": percent, "last_update": p.now().UTC()}).Error
	if err != nil {
		return fmt.Errorf("could not update job %s: %w", name, err)
	}
	return nil
}

func (p *Progress) Complete(ctx context.Context, name string) error {
	return p.set(ctx, name, 100)
}

func (p *Progress) Fail(ctx context.Context, name string) error {
	return p.set(ctx, name, PercentFailed)
}

func (p *Progress) set(ctx context.Context, name string, percent int) error {
	err := p.db.WithContext(ctx).
		Model(&SyncJob{}).
		Where("name = ?", name).
		Updates(map[string]any{"percent": percent, "last_update": p.now().UTC()}).Error
	if err != nil {
		return fmt.Errorf("could not set job %s to %d: %w", name, percent, err)
	}
	return nil
}

// Touch moves last_update of name to t without changing its percent.
func (p *Progress) Touch(ctx context.Context, name string, t time.Time) error {
	err := p.db.WithContext(ctx).
		Model(&SyncJob{}).
		Where("name = ?", name).
		Update("last_update", t.UTC()).Error
	if err != nil {
		return fmt.Errorf("could not touch job %s: %w", name, err)
	}
	return nil
}

func (p *Progress) Get(ctx context.Context, name string) (job SyncJob, err error) {
	err = p.db.WithContext(ctx).Where("name = ?", name).Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return job, NotFound("job_not_found", fmt.Sprintf("job %s has not run", name))
	}
	if err != nil {
		return job, fmt.Errorf("could not read job %s: %w", name, err)
	}
	return job, nil
}

func (p *Progress) Exists(ctx context.Context, name string) (bool, error) {
	var count int64
	err := p.db.WithContext(ctx).Model(&SyncJob{}).Where("name = ?", name).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("could not read job %s: %w", name, err)
	}
	return count > 0, nil
}

func (p *Progress) Clear(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		return nil
	}
	err := p.db.WithContext(ctx).Where("name IN ?", names).Delete(&SyncJob{}).Error
	if err != nil {
		return fmt.Errorf("could not clear jobs: %w", err)
	}
	return nil
}

func (p *Progress) All(ctx context.Context) (jobs []SyncJob, err error) {
	err = p.db.WithContext(ctx).Order("name").Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("could not list jobs: %w", err)
	}
	return jobs, nil
}

// Percent is processed/total as a whole percentage, clamped to [0, 100].
func Percent(processed, total int) int {
	if total <= 0 {
		return 0
	}
	percent := int(float64(processed) / float64(total) * 100)
	if percent > 100 {
		return 100
	}
	if percent < 0 {
		return 0
	}
	return percent
}

// Window returns the fetch range of an incremental job that last ran at
// last. The range ends at now unless that spans more than maxSpan, in which
// case it ends at last+maxSpan. The returned end is also the next value to
// store as last_update.
func Window(last, now time.Time, maxSpan time.Duration) (start, end time.Time) {
	start = last.UTC()
	end = now.UTC()
	if maxSpan > 0 && end.Sub(start) > maxSpan {
		end = start.Add(maxSpan)
	}
	return start, end
}
