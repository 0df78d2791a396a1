package audit

import (
	"context"
	"fmt"
	"time"
)

// QueryFilters narrows a timeline query. Zero values mean "no filter".
type QueryFilters struct {
	From     time.Time
	To       time.Time
	ActorID  string
	Entity   string
	Action   string
	Page     int
	PageSize int
}

// PagingInfo carries simple has-next pagination metadata.
type PagingInfo struct {
	Page     int
	PageSize int
	HasNext  bool
	PrevPage int
	NextPage int
}

// Result bundles one page of entries with paging metadata.
type Result struct {
	Entries []Entry
	Paging  PagingInfo
}

// Repository is the read side over audit_logs.
type Repository interface {
	Window(ctx context.Context, filters QueryFilters, offset, limit int) ([]Entry, error)
	All(ctx context.Context, filters QueryFilters) ([]Entry, error)
}

// Service answers audit timeline queries. Access control sits with the
// caller: the HTTP layer admits only principals holding audit.view at a
// scope covering the query.
type Service struct {
	repo Repository
}

// NewService constructs the audit query service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Query returns one page of audit entries, newest first. It fetches one
// row beyond the page to decide HasNext without a count query.
func (s *Service) Query(ctx context.Context, filters QueryFilters) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * pageSize

	entries, err := s.repo.Window(ctx, filters, offset, pageSize+1)
	if err != nil {
		return Result{}, err
	}
	hasNext := len(entries) > pageSize
	if hasNext {
		entries = entries[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Entries: entries, Paging: paging}, nil
}

// Export returns every entry matching the filters, for CSV download.
func (s *Service) Export(ctx context.Context, filters QueryFilters) ([]Entry, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("audit: repository not configured")
	}
	return s.repo.All(ctx, filters)
}
