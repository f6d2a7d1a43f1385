package server

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiterSweepsIdleVisitorsPeriodically(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	r := NewRateLimiter(RateLimit{RequestsPerMinute: 60, Burst: 1})
	r.now = func() time.Time { return now }

	for i := 0; i < 50; i++ {
		require.True(t, r.allow(fmt.Sprintf("caller-%d", i)))
	}
	require.Len(t, r.visitors, 50)
	require.False(t, r.allow("caller-0"))

	// Idle callers stay until the next sweep is due.
	now = now.Add(r.idle + time.Second)
	r.lastSweep = now
	require.True(t, r.allow("fresh"))
	require.Len(t, r.visitors, 51)

	now = now.Add(r.sweepEvery)
	require.True(t, r.allow("fresh"))
	require.Len(t, r.visitors, 1)
	require.Contains(t, r.visitors, "fresh")
}
