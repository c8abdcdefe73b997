// Package retry drives optimistic transactions to completion: begin, run the
// caller's body, commit, and start over whenever the commit is rejected.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/ASHISH26940/atomicdict/internal/monitoring"
	"github.com/ASHISH26940/atomicdict/internal/store"
)

// Option configures a single Run.
type Option func(*config)

type config struct {
	newBackOff  func() backoff.BackOff
	maxAttempts uint64
	logger      logrus.FieldLogger
	metrics     *monitoring.Metrics
}

// WithBackOff replaces the default policy, which retries forever without
// delay. The returned BackOff is used for a single Run. When it returns
// backoff.Stop the last conflict is handed back to the caller.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(c *config) { c.newBackOff = newBackOff }
}

// WithMaxAttempts bounds the number of attempts. Zero means unbounded.
func WithMaxAttempts(n uint64) Option {
	return func(c *config) { c.maxAttempts = n }
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *config) { c.logger = logger }
}

func WithMetrics(m *monitoring.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// Run executes body inside a fresh transaction until a commit succeeds and
// returns the value body computed on that attempt.
//
// A *store.ConflictError, whether returned by body (for example from
// tx.Abort) or by the commit, discards the attempt and starts a new one.
// Any other error from body is returned immediately and nothing is
// published. The context is checked between attempts only.
func Run[K comparable, V any, R any](
	ctx context.Context,
	s *store.Store[K, V],
	body func(tx *store.Tx[K, V]) (R, error),
	opts ...Option,
) (R, error) {
	cfg := config{
		newBackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
		logger:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	b := cfg.newBackOff()
	if cfg.maxAttempts > 0 {
		b = backoff.WithMaxRetries(b, cfg.maxAttempts-1)
	}
	b = backoff.WithContext(b, ctx)

	attempt := 0
	op := func() (R, error) {
		var zero R
		if err := ctx.Err(); err != nil {
			return zero, backoff.Permanent(err)
		}

		attempt++
		cfg.metrics.ObserveAttempt()

		tx := s.Begin()
		ret, err := body(tx)
		if err != nil {
			if store.IsConflict(err) {
				return zero, err
			}
			return zero, backoff.Permanent(err)
		}
		if err := tx.Commit(); err != nil {
			if store.IsConflict(err) {
				return zero, err
			}
			return zero, backoff.Permanent(err)
		}
		return ret, nil
	}

	notify := func(err error, next time.Duration) {
		cfg.logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"backoff": next,
		}).WithError(err).Debug("transaction conflict, retrying")
	}

	return backoff.RetryNotifyWithData[R](op, b, notify)
}
