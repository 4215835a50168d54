package transport

import (
	"context"
	"net"
	"time"

	ncerr "tlsnc/internal/errors"
	"tlsnc/internal/metrics"
	"tlsnc/internal/retry"
	"tlsnc/util"
)

// RetryDialer retries a failing Dialer with exponential backoff.  A
// circuit breaker, when set, is shared by every Dial so a peer that
// keeps refusing is not redialled in a tight loop across connections.
type RetryDialer struct {
	Dialer  Dialer
	Backoff *retry.Backoff
	Breaker *retry.CircuitBreaker
	Metrics *metrics.Collector
	Logger  *util.Logger
}

func (d *RetryDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	b := *d.Backoff
	b.OnRetry = func(attempt int, err error, wait time.Duration) {
		d.Metrics.DialRetry()
		d.Logger.Verbose("dial %s failed (attempt %d): %v; retrying in %v",
			address, attempt, err, wait.Round(time.Millisecond))
	}

	var conn net.Conn
	err := b.Do(ctx, func(int) error {
		c, err := d.dialOnce(ctx, network, address)
		switch {
		case err == nil:
			conn = c
			return nil
		case ctx.Err() != nil, ncerr.Is(err, ncerr.ErrCircuitOpen):
			return retry.Permanent(err)
		default:
			return err
		}
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (d *RetryDialer) dialOnce(ctx context.Context, network, address string) (net.Conn, error) {
	if d.Breaker == nil {
		return d.Dialer.Dial(ctx, network, address)
	}
	var conn net.Conn
	err := d.Breaker.Execute(func() error {
		c, err := d.Dialer.Dial(ctx, network, address)
		conn = c
		return err
	})
	return conn, err
}

func (d *RetryDialer) Close() error { return d.Dialer.Close() }
