package devserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/formula-consult/internal/domain"
	"github.com/ashureev/formula-consult/internal/identity"
)

func TestRateLimiterPerKey(t *testing.T) {
	rl := NewRateLimiter(2)

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"), "burst exhausted")
	assert.True(t, rl.Allow("b"), "keys are independent")
	assert.Equal(t, 2, rl.Len())
}

func TestRateLimiterEvict(t *testing.T) {
	rl := NewRateLimiter(5)
	rl.Allow("a")
	rl.Allow("b")

	assert.Zero(t, rl.Evict(time.Hour))
	assert.Equal(t, 2, rl.Len())

	assert.Equal(t, 2, rl.Evict(-time.Second))
	assert.Zero(t, rl.Len())
}

func TestSweepArchivesIdleSessions(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	require.NoError(t, repo.CreateSession(ctx, identity.LocalUserID, &domain.Session{
		ID:        "old",
		UpdatedAt: time.Now().Add(-48 * time.Hour),
	}))
	rl := NewRateLimiter(5)
	rl.Allow("someone")

	sweep(ctx, repo, rl, 24*time.Hour)

	s, err := repo.GetSession(ctx, identity.LocalUserID, "old")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionArchived, s.Status)
	assert.Equal(t, 1, rl.Len(), "recently used limiters are kept")
}

func TestStartArchiver(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := StartArchiver(ctx, "not a schedule", newTestRepo(t), nil, time.Hour)
	require.Error(t, err)

	c, err := StartArchiver(ctx, "@every 1h", newTestRepo(t), nil, time.Hour)
	require.NoError(t, err)
	assert.Len(t, c.Entries(), 1)
}
