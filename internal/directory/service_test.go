package directory

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-ams/atlas-ams/internal/authz"
)

func TestRegisterChapterValidation(t *testing.T) {
	ctx := context.Background()
	svc := NewService(nil, nil, time.Hour, nil)

	_, err := svc.RegisterChapter(ctx, "", "   ", "TX")
	assert.ErrorIs(t, err, authz.ErrInvalidArgument)

	_, err = svc.RegisterChapter(ctx, "", "Austin Chapter", "Texas")
	assert.ErrorIs(t, err, authz.ErrInvalidArgument)

	_, err = svc.RegisterChapter(ctx, "", "Austin Chapter", "")
	assert.ErrorIs(t, err, authz.ErrInvalidArgument)
}

func TestStateOfChapterServedFromCache(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	// A warm cache answers without touching the repository at all.
	require.NoError(t, mr.Set("directory:chapter_state:ch-austin", "TX"))
	svc := NewService(nil, client, time.Hour, nil)

	state, err := svc.StateOfChapter(ctx, "ch-austin")
	require.NoError(t, err)
	assert.Equal(t, "TX", state)
}
