package replica

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/superfly/ltx"
)

var _ Client = (*RetryClient)(nil)

// Retry defaults.
const (
	DefaultRetryInitialDelay = 1 * time.Second
	DefaultRetryMaxDelay     = 30 * time.Second
	DefaultMaxRetries        = 5
)

// RetryClient wraps a Client and retries reads with exponential backoff.
// Writes and deletes pass through once.
type RetryClient struct {
	client Client

	// InitialDelay doubles after every failed attempt up to MaxDelay.
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// MaxRetries is the number of retries after the first attempt.
	// A negative value retries until the context is done.
	MaxRetries int

	Logger *slog.Logger
}

// NewRetryClient returns a RetryClient with default settings.
func NewRetryClient(client Client) *RetryClient {
	return &RetryClient{
		client:       client,
		InitialDelay: DefaultRetryInitialDelay,
		MaxDelay:     DefaultRetryMaxDelay,
		MaxRetries:   DefaultMaxRetries,
		Logger:       slog.Default().WithGroup("retry"),
	}
}

// Unwrap returns the wrapped client.
func (c *RetryClient) Unwrap() Client { return c.client }

func (c *RetryClient) Type() string { return c.client.Type() }

func (c *RetryClient) Init(ctx context.Context) error { return c.client.Init(ctx) }

func (c *RetryClient) LTXFiles(ctx context.Context, level int, seek ltx.TXID, useMetadata bool) (ltx.FileIterator, error) {
	return retry(ctx, c, "LTXFiles", func() (ltx.FileIterator, error) {
		return c.client.LTXFiles(ctx, level, seek, useMetadata)
	})
}

func (c *RetryClient) OpenLTXFile(ctx context.Context, level int, minTXID, maxTXID ltx.TXID, offset, size int64) (io.ReadCloser, error) {
	return retry(ctx, c, "OpenLTXFile", func() (io.ReadCloser, error) {
		return c.client.OpenLTXFile(ctx, level, minTXID, maxTXID, offset, size)
	})
}

func (c *RetryClient) WriteLTXFile(ctx context.Context, level int, minTXID, maxTXID ltx.TXID, r io.Reader) (*ltx.FileInfo, error) {
	return c.client.WriteLTXFile(ctx, level, minTXID, maxTXID, r)
}

func (c *RetryClient) DeleteLTXFiles(ctx context.Context, a []*ltx.FileInfo) error {
	return c.client.DeleteLTXFiles(ctx, a)
}

func (c *RetryClient) DeleteAll(ctx context.Context) error {
	return c.client.DeleteAll(ctx)
}

// Close closes the wrapped client if it holds a connection.
func (c *RetryClient) Close() error {
	if closer, ok := c.client.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func retry[T any](ctx context.Context, c *RetryClient, op string, fn func() (T, error)) (T, error) {
	delay := c.InitialDelay
	for attempt := 0; ; attempt++ {
		v, err := fn()
		if err == nil || !isRetryable(err) {
			return v, err
		} else if c.MaxRetries >= 0 && attempt >= c.MaxRetries {
			return v, err
		}

		c.Logger.Warn("replica call failed, retrying", "op", op, "attempt", attempt+1, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			var zero T
			return zero, ctx.Err()
		case <-timer.C:
		}

		if delay = delay * 2; delay > c.MaxDelay {
			delay = c.MaxDelay
		}
	}
}

// isRetryable reports whether err may succeed on another attempt.
// Missing files and context errors are final.
func isRetryable(err error) bool {
	return !errors.Is(err, os.ErrNotExist) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}
