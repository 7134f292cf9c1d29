package shutdown

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sizedCache struct {
	size   int64
	closed bool
}

func (c *sizedCache) TotalSize() int64 { return c.size }

func (c *sizedCache) Close() error {
	c.closed = true
	c.size = 0
	return nil
}

func TestShutdownMetrics(t *testing.T) {
	coord := NewCoordinator(Config{
		TotalTimeout:   time.Second,
		PersistTimeout: 20 * time.Millisecond,
	})

	coord.RegisterHook(PhaseWorkers, func(context.Context) error {
		time.Sleep(30 * time.Millisecond)
		return nil
	})
	coord.RegisterHook(PhasePersist, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	timeouts := testutil.ToFloat64(snapshotTimeouts)
	cache := &sizedCache{size: 3 << 20}

	require.NoError(t, coord.Shutdown(context.Background(), Components{Cache: cache}))

	assert.True(t, cache.closed)
	assert.Equal(t, float64(3<<20), testutil.ToFloat64(cacheBytesReleased))
	assert.Equal(t, timeouts+1, testutil.ToFloat64(snapshotTimeouts))
	assert.GreaterOrEqual(t, testutil.ToFloat64(phaseDuration.WithLabelValues(string(PhaseWorkers))), 0.03)
	assert.Equal(t, float64(1), testutil.ToFloat64(shutdownPhase.WithLabelValues(string(PhaseComplete))))
}
