package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l4dynamics"
)

var issTLE = l4dynamics.TLE{
	Line1: "1 25544U 98067A   08264.51782528 -.00002182  00000-0 -11606-4 0  2927",
	Line2: "2 25544  51.6416 247.4627 0006703 130.5360 325.0288 15.72125391563537",
}

func TestTLEStore(t *testing.T) {
	ctx := context.Background()
	store := NewTLEStore(setupTestDB(t))

	_, _, err := store.Latest(ctx)
	assert.ErrorIs(t, err, ErrNoTLE)

	before := time.Now()
	require.NoError(t, store.Set(ctx, issTLE))
	got, created, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, issTLE, got)
	assert.False(t, created.Before(before.Add(-time.Second)))

	bad := l4dynamics.TLE{Line1: issTLE.Line2, Line2: issTLE.Line1}
	assert.ErrorIs(t, store.Set(ctx, bad), l4dynamics.ErrInvalidTLE)
	got, _, err = store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, issTLE, got)
}
