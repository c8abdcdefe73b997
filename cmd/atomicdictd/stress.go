package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/ASHISH26940/atomicdict/internal/monitoring"
	"github.com/ASHISH26940/atomicdict/internal/retry"
	"github.com/ASHISH26940/atomicdict/internal/store"
)

type stressResult struct {
	Values    map[string]int
	Version   uint64
	Attempts  float64
	Conflicts float64
	Elapsed   time.Duration
}

// runStress has every worker increment every key once per transaction.
func runStress(ctx context.Context, workers, increments, keys int) (stressResult, error) {
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	st := store.New[string, int](nil, store.WithMetrics(metrics))

	names := make([]string, keys)
	for i := range names {
		names[i] = fmt.Sprintf("key_%d", i)
	}

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < increments; i++ {
				_, err := retry.Run(ctx, st, func(tx *store.Tx[string, int]) (struct{}, error) {
					for _, k := range names {
						if err := tx.Set(k, tx.Get(k, 0)+1); err != nil {
							return struct{}{}, err
						}
					}
					return struct{}{}, nil
				}, retry.WithMetrics(metrics))
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stressResult{}, err
	}

	snap := st.Snapshot()
	return stressResult{
		Values:    snap.Copy(),
		Version:   snap.Version(),
		Attempts:  testutil.ToFloat64(metrics.RetryAttempts),
		Conflicts: testutil.ToFloat64(metrics.Conflicts.WithLabelValues(store.ReasonVersionMismatch.String())),
		Elapsed:   time.Since(start),
	}, nil
}

func stress(c *cli.Context) error {
	workers, increments, keys := c.Int("workers"), c.Int("increments"), c.Int("keys")
	res, err := runStress(c.Context, workers, increments, keys)
	if err != nil {
		return err
	}

	want := workers * increments
	fmt.Printf("version %d after %s, %.0f attempts, %.0f conflicts\n",
		res.Version, res.Elapsed.Round(time.Millisecond), res.Attempts, res.Conflicts)

	lost := false
	for k, v := range res.Values {
		if v != want {
			lost = true
			color.Red("%s = %d, want %d", k, v, want)
		}
	}
	if lost {
		return cli.Exit("lost updates detected", 1)
	}
	color.Green("ok: %d keys at %d", len(res.Values), want)
	return nil
}
