package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardTripsOnFailures(t *testing.T) {
	g := NewGuard("test", 0, nil)
	boom := errors.New("invalid argument")

	for i := 0; i < 5; i++ {
		err := g.Do(context.Background(), func(context.Context) error { return boom })
		require.ErrorIs(t, err, boom)
	}

	calls := 0
	err := g.Do(context.Background(), func(context.Context) error { calls++; return nil })
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Zero(t, calls)
	assert.Equal(t, KindUnavailable, ClassifyError(err))
}

func TestGuardIgnoresRateLimits(t *testing.T) {
	g := NewGuard("test", 0, nil)
	for i := 0; i < 10; i++ {
		err := g.Do(context.Background(), func(context.Context) error { return &ProviderError{StatusCode: 429} })
		require.True(t, IsRateLimited(err))
	}
	assert.NoError(t, g.Do(context.Background(), func(context.Context) error { return nil }))
}

func TestNilGuardRunsDirectly(t *testing.T) {
	var g *Guard
	ran := false
	require.NoError(t, g.Do(context.Background(), func(context.Context) error { ran = true; return nil }))
	assert.True(t, ran)
}

func TestGuardLimiterHonoursContext(t *testing.T) {
	g := NewGuard("slow", 1, nil)
	require.NoError(t, g.Do(context.Background(), func(context.Context) error { return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := g.Do(ctx, func(context.Context) error { return nil })
	assert.Error(t, err)
}
