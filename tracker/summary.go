package tracker

import (
	"context"
	"fmt"
	"time"
)

type Summary struct {
	CVECount             int64      `json:"cve_count"`
	CPECount             int64      `json:"cpe_count"`
	MatchCount           int64      `json:"match_count"`
	UserCount            int64      `json:"user_count"`
	OrganizationCount    int64      `json:"organization_count"`
	ProductCount         int64      `json:"product_count"`
	AlertCount           int64      `json:"alert_count"`
	InitialLoadCompleted bool       `json:"initial_load_completed"`
	LastCVEUpdate        *time.Time `json:"last_cve_update"`
	LastCPEUpdate        *time.Time `json:"last_cpe_update"`
	LastMatchUpdate      *time.Time `json:"last_match_update"`
}

type LoadProgress struct {
	CVE   int `json:"cve_load_progress"`
	CPE   int `json:"cpe_load_progress"`
	Match int `json:"match_load_progress"`
}

// Summary counts the main entities and reports the state of the initial
// loads. Soft-deleted rows are counted.
func (s *Service) Summary(ctx context.Context) (summary Summary, err error) {
	counts := []struct {
		model any
		dst   *int64
	}{
		{&Vulnerability{}, &summary.CVECount},
		{&Platform{}, &summary.CPECount},
		{&MatchCriteria{}, &summary.MatchCount},
		{&User{}, &summary.UserCount},
		{&Tenant{}, &summary.OrganizationCount},
		{&Product{}, &summary.ProductCount},
		{&Alert{}, &summary.AlertCount},
	}
	for _, c := range counts {
		err = s.read(ctx, IncludeDeleted()).Model(c.model).Count(c.dst).Error
		if err != nil {
			return summary, Internal(fmt.Errorf("could not count %T: %w", c.model, err))
		}
	}

	jobs, err := s.loadJobs(ctx)
	if err != nil {
		return summary, err
	}

	summary.InitialLoadCompleted = len(jobs) == len(InitialLoads)
	for _, name := range InitialLoads {
		job, ok := jobs[name]
		if !ok || job.Percent != 100 {
			summary.InitialLoadCompleted = false
		}
		if !ok || job.LastUpdate.IsZero() {
			continue
		}
		last := job.LastUpdate.UTC()
		switch name {
		case JobCVELoad:
			summary.LastCVEUpdate = &last
		case JobCPELoad:
			summary.LastCPEUpdate = &last
		case JobMatchLoad:
			summary.LastMatchUpdate = &last
		}
	}
	return summary, nil
}

// LoadProgress reports the percent of each initial load. Jobs that never
// ran report 0.
func (s *Service) LoadProgress(ctx context.Context) (progress LoadProgress, err error) {
	jobs, err := s.loadJobs(ctx)
	if err != nil {
		return progress, err
	}
	progress.CVE = jobs[JobCVELoad].Percent
	progress.CPE = jobs[JobCPELoad].Percent
	progress.Match = jobs[JobMatchLoad].Percent
	return progress, nil
}

// IsSynchronizing reports whether an initial load is between 0 and 100
// percent.
func (s *Service) IsSynchronizing(ctx context.Context) (bool, error) {
	var count int64
	err := s.read(ctx).Model(&SyncJob{}).
		Where("name IN ? AND percent > 0 AND percent < 100", InitialLoads).
		Count(&count).Error
	if err != nil {
		return false, Internal(fmt.Errorf("could not read job progress: %w", err))
	}
	return count > 0, nil
}

func (s *Service) loadJobs(ctx context.Context) (map[string]SyncJob, error) {
	var rows []SyncJob
	err := s.read(ctx).Where("name IN ?", InitialLoads).Find(&rows).Error
	if err != nil {
		return nil, Internal(fmt.Errorf("could not read job progress: %w", err))
	}
	jobs := make(map[string]SyncJob, len(rows))
	for _, job := range rows {
		jobs[job.Name] = job
	}
	return jobs, nil
}
