package tracker

import (
	"fmt"

	"gorm.io/gorm"
)

const (
	DefaultPerPage = 10
	MaxPerPage     = 100
)

type PageRequest struct {
	Page    int
	PerPage int
}

func (p PageRequest) normalized() PageRequest {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PerPage < 1 {
		p.PerPage = DefaultPerPage
	}
	if p.PerPage > MaxPerPage {
		p.PerPage = MaxPerPage
	}
	return p
}

type Page[T any] struct {
	Items      []T   `json:"items"`
	Page       int   `json:"page"`
	PerPage    int   `json:"per_page"`
	TotalPages int   `json:"total_pages"`
	TotalItems int64 `json:"total_items"`
}

// paginate counts the rows of base and loads one page of them. find adds
// selects and ordering that must not take part in the count.
func paginate[T any](base *gorm.DB, req PageRequest, find func(*gorm.DB) *gorm.DB) (page Page[T], err error) {
	req = req.normalized()
	base = base.Session(&gorm.Session{})

	var total int64
	err = base.Count(&total).Error
	if err != nil {
		return page, fmt.Errorf("could not count rows: %w", err)
	}

	items := []T{}
	if total > 0 {
		err = find(base).
			Offset((req.Page - 1) * req.PerPage).
			Limit(req.PerPage).
			Find(&items).Error
		if err != nil {
			return page, fmt.Errorf("could not load page: %w", err)
		}
	}

	return Page[T]{
		Items:      items,
		Page:       req.Page,
		PerPage:    req.PerPage,
		TotalPages: int((total + int64(req.PerPage) - 1) / int64(req.PerPage)),
		TotalItems: total,
	}, nil
}
