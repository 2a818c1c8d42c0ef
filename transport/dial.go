package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/commlink-io/commlink-go/internal/reliability"
)

// Dial connects through the driver with a bounded retry loop: transient
// failures are retried with exponential backoff up to params.ReconnectAttempts,
// fatal failures surface immediately. This replaces unbounded
// retry-on-every-failure reconnection with an explicit budget.
func Dial(ctx context.Context, driver Driver, params ConnectionParams, logger *slog.Logger) (Connection, error) {
	if logger == nil {
		logger = slog.Default()
	}

	attempts := params.ReconnectAttempts
	if attempts <= 0 {
		attempts = 1
	}
	policy := reliability.NewExponentialBackoff(params.RetryDelay, 16*params.RetryDelay, 2.0, attempts)

	var conn Connection
	attempt := 0
	err := reliability.Retry(ctx, policy, func() error {
		attempt++
		c, err := driver.Connect(ctx, params)
		if err != nil {
			logger.Warn("connect attempt failed",
				"backend", driver.Name(),
				"addr", params.Addr(),
				"attempt", attempt,
				"maxAttempts", attempts,
				"error", err,
			)
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		if ctx.Err() != nil || !IsTransient(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s after %d attempts: %v",
			ErrMaxAttemptsExceeded, driver.Name(), attempt, err)
	}

	logger.Info("connected to broker",
		"backend", driver.Name(),
		"addr", params.Addr(),
		"vhost", params.VHost,
	)
	return conn, nil
}
