package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSweeper struct {
	expired int
	err     error
	calls   int
}

func (s *stubSweeper) SweepExpired(ctx context.Context) (int, error) {
	s.calls++
	return s.expired, s.err
}

type stubPruner struct {
	deleted int64
	err     error
	cutoff  time.Time
}

func (s *stubPruner) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.cutoff = cutoff
	return s.deleted, s.err
}

func TestSweepHandlerRunsSweep(t *testing.T) {
	sweeper := &stubSweeper{expired: 3}
	handler := NewSweepHandler(sweeper, nil)

	task, err := NewSweepTask(SweepPayload{RequestedAt: time.Now().UTC()})
	require.NoError(t, err)

	require.NoError(t, handler(context.Background(), task))
	assert.Equal(t, 1, sweeper.calls)
}

func TestSweepHandlerPropagatesErrorForRetry(t *testing.T) {
	sweeper := &stubSweeper{err: errors.New("pg down")}
	handler := NewSweepHandler(sweeper, nil)

	task, err := NewSweepTask(SweepPayload{})
	require.NoError(t, err)

	err = handler(context.Background(), task)
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry, "transient failures should retry")
}

func TestSweepHandlerSkipsRetryOnBadPayload(t *testing.T) {
	handler := NewSweepHandler(&stubSweeper{}, nil)
	err := handler(context.Background(), asynq.NewTask(TaskSweepExpired, []byte("{not json")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestRetentionHandlerDeletesBeforeCutoff(t *testing.T) {
	pruner := &stubPruner{deleted: 42}
	handler := NewRetentionHandler(pruner, nil)

	task, err := NewRetentionTask(RetentionPayload{KeepFor: 24 * time.Hour})
	require.NoError(t, err)

	require.NoError(t, handler(context.Background(), task))
	expected := time.Now().UTC().Add(-24 * time.Hour)
	assert.WithinDuration(t, expected, pruner.cutoff, time.Minute)
}

func TestRetentionHandlerRejectsNonPositiveWindow(t *testing.T) {
	handler := NewRetentionHandler(&stubPruner{}, nil)

	task, err := NewRetentionTask(RetentionPayload{})
	require.NoError(t, err)

	assert.ErrorIs(t, handler(context.Background(), task), asynq.SkipRetry)
}
