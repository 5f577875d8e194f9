package audit

import (
	"context"
	"fmt"
)

// Repository provides read access to stored audit entries.
type Repository interface {
	Window(ctx context.Context, filter Filter, limit, offset int) ([]Entry, error)
	All(ctx context.Context, filter Filter) ([]Entry, error)
}

// Service coordinates audit log reads.
type Service struct {
	repo Repository
}

// NewService builds an audit query service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Query returns one page of audit entries matching the filter.
func (s *Service) Query(ctx context.Context, filter Filter) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 50 {
		pageSize = 50
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * pageSize
	rows, err := s.repo.Window(ctx, filter, pageSize+1, offset)
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}

// Export returns every entry matching the filter without paging.
func (s *Service) Export(ctx context.Context, filter Filter) ([]Entry, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("audit: repository not configured")
	}
	return s.repo.All(ctx, filter)
}
