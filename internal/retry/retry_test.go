package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ASHISH26940/atomicdict/internal/monitoring"
	"github.com/ASHISH26940/atomicdict/internal/store"
)

type intTx = store.Tx[string, int]

func increment(tx *intTx) (int, error) {
	next := tx.Get("counter", 0) + 1
	return next, tx.Set("counter", next)
}

func TestRun_NoContention(t *testing.T) {
	s := store.New(map[string]int{"counter": 41})
	attempts := 0

	got, err := Run(context.Background(), s, func(tx *intTx) (int, error) {
		attempts++
		return increment(tx)
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 42, s.Get("counter", 0))
	assert.Equal(t, uint64(1), s.Version())
}

func TestRun_RetriesOnConflict(t *testing.T) {
	s := store.New(map[string]int{"counter": 0})
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	attempts := 0

	got, err := Run(context.Background(), s, func(tx *intTx) (int, error) {
		attempts++
		if attempts <= 3 {
			// Another writer sneaks in before this attempt commits.
			s.Set("noise", attempts)
		}
		return increment(tx)
	}, WithLogger(logger))
	require.NoError(t, err)
	assert.Equal(t, 1, got)
	assert.Equal(t, 4, attempts)
	assert.Equal(t, 1, s.Get("counter", 0))
	assert.Equal(t, 3, s.Get("noise", 0))
	// Three noise writes plus one commit.
	assert.Equal(t, uint64(4), s.Version())
	assert.Len(t, hook.AllEntries(), 3)
}

func TestRun_AbortRetries(t *testing.T) {
	s := store.New(map[string]int{"counter": 0})
	attempts := 0

	_, err := Run(context.Background(), s, func(tx *intTx) (int, error) {
		attempts++
		if attempts == 1 {
			return 0, tx.Abort("first attempt")
		}
		return increment(tx)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1, s.Get("counter", 0))
}

func TestRun_BodyErrorIsReturned(t *testing.T) {
	s := store.New(map[string]int{"counter": 0})
	boom := errors.New("boom")
	attempts := 0

	_, err := Run(context.Background(), s, func(tx *intTx) (int, error) {
		attempts++
		_ = tx.Set("counter", 100)
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 0, s.Get("counter", 0))
	assert.Equal(t, uint64(0), s.Version())
}

func TestRun_MaxAttempts(t *testing.T) {
	s := store.New(map[string]int{"counter": 0})
	attempts := 0

	_, err := Run(context.Background(), s, func(tx *intTx) (int, error) {
		attempts++
		s.Set("noise", attempts)
		return increment(tx)
	}, WithMaxAttempts(3), WithBackOff(func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Millisecond)
	}))
	require.Error(t, err)
	assert.True(t, store.IsConflict(err))
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 0, s.Get("counter", 0))
}

func TestRun_ContextCancelled(t *testing.T) {
	s := store.New(map[string]int{"counter": 0})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, err := Run(ctx, s, func(tx *intTx) (int, error) {
		called = true
		return increment(tx)
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
	assert.Equal(t, uint64(0), s.Version())
}

func TestRun_Metrics(t *testing.T) {
	m := monitoring.NewMetrics(prometheus.NewRegistry())
	s := store.New(map[string]int{"counter": 0}, store.WithMetrics(m))
	attempts := 0

	_, err := Run(context.Background(), s, func(tx *intTx) (int, error) {
		attempts++
		if attempts == 1 {
			s.Set("noise", 1)
		}
		return increment(tx)
	}, WithMetrics(m))
	require.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RetryAttempts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Conflicts.WithLabelValues("version")))
}

// TestRun_ConcurrentIncrements checks that no update is lost under contention.
func TestRun_ConcurrentIncrements(t *testing.T) {
	const (
		workers    = 8
		increments = 200
	)
	keys := []string{"a", "b", "c"}
	s := store.New[string, int](nil)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < increments; i++ {
				_, err := Run(context.Background(), s, func(tx *intTx) (struct{}, error) {
					for _, k := range keys {
						if err := tx.Set(k, tx.Get(k, 0)+1); err != nil {
							return struct{}{}, err
						}
					}
					return struct{}{}, nil
				})
				if err != nil {
					return fmt.Errorf("increment %d: %w", i, err)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for _, k := range keys {
		assert.Equal(t, workers*increments, s.Get(k, 0), "key %s", k)
	}
	assert.Equal(t, uint64(workers*increments), s.Version())
}
