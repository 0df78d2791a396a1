package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockAuditRepo struct {
	entries []Entry
	err     error

	lastOffset int
	lastLimit  int
}

func (m *mockAuditRepo) Window(ctx context.Context, filters QueryFilters, offset, limit int) ([]Entry, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.lastOffset = offset
	m.lastLimit = limit
	if offset >= len(m.entries) {
		return nil, nil
	}
	end := offset + limit
	if end > len(m.entries) {
		end = len(m.entries)
	}
	return m.entries[offset:end], nil
}

func (m *mockAuditRepo) All(ctx context.Context, filters QueryFilters) ([]Entry, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.entries, nil
}

func makeEntries(n int) []Entry {
	base := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	out := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Entry{
			ID:      int64(n - i),
			ActorID: "alice",
			Action:  "permission.checked",
			Entity:  "member",
			At:      base.Add(-time.Duration(i) * time.Minute),
		})
	}
	return out
}

func TestQueryFirstPageHasNext(t *testing.T) {
	repo := &mockAuditRepo{entries: makeEntries(25)}
	svc := NewService(repo)

	result, err := svc.Query(context.Background(), QueryFilters{Page: 1, PageSize: 20})
	require.NoError(t, err)

	// One extra row is fetched to decide HasNext without a count query.
	assert.Equal(t, 21, repo.lastLimit)
	assert.Equal(t, 0, repo.lastOffset)
	assert.Len(t, result.Entries, 20)
	assert.True(t, result.Paging.HasNext)
	assert.Equal(t, 2, result.Paging.NextPage)
	assert.Zero(t, result.Paging.PrevPage)
}

func TestQueryLastPage(t *testing.T) {
	repo := &mockAuditRepo{entries: makeEntries(25)}
	svc := NewService(repo)

	result, err := svc.Query(context.Background(), QueryFilters{Page: 2, PageSize: 20})
	require.NoError(t, err)

	assert.Equal(t, 20, repo.lastOffset)
	assert.Len(t, result.Entries, 5)
	assert.False(t, result.Paging.HasNext)
	assert.Equal(t, 1, result.Paging.PrevPage)
	assert.Zero(t, result.Paging.NextPage)
}

func TestQueryClampsPageSize(t *testing.T) {
	repo := &mockAuditRepo{entries: makeEntries(5)}
	svc := NewService(repo)

	_, err := svc.Query(context.Background(), QueryFilters{PageSize: 10000})
	require.NoError(t, err)
	assert.Equal(t, 101, repo.lastLimit)

	_, err = svc.Query(context.Background(), QueryFilters{PageSize: -3, Page: -1})
	require.NoError(t, err)
	assert.Equal(t, 21, repo.lastLimit)
	assert.Equal(t, 0, repo.lastOffset)
}

func TestQueryPropagatesRepositoryError(t *testing.T) {
	repo := &mockAuditRepo{err: errors.New("pg down")}
	svc := NewService(repo)

	_, err := svc.Query(context.Background(), QueryFilters{})
	assert.Error(t, err)
}

func TestExportReturnsEverything(t *testing.T) {
	repo := &mockAuditRepo{entries: makeEntries(42)}
	svc := NewService(repo)

	entries, err := svc.Export(context.Background(), QueryFilters{})
	require.NoError(t, err)
	assert.Len(t, entries, 42)
}
