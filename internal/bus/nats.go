package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
)

// NATSOptions configures DialNATS.
type NATSOptions struct {
	URL  string
	Name string
	// ConnectAttempts bounds the initial dial retries (default 5).
	ConnectAttempts uint64
	// ReconnectWait is the pause between reconnects after a drop (default 2s).
	ReconnectWait time.Duration
}

// NATSBus is a Bus backed by a NATS connection. Once connected, NATS
// reconnects indefinitely; Connected reports false while it does.
type NATSBus struct {
	nc     *nats.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

// DialNATS connects to opts.URL, retrying with exponential backoff until
// ConnectAttempts is exhausted or ctx is done.
func DialNATS(ctx context.Context, opts NATSOptions) (*NATSBus, error) {
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	if opts.ConnectAttempts == 0 {
		opts.ConnectAttempts = 5
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 2 * time.Second
	}
	natsOpts := []nats.Option{
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("bus disconnected", "url", opts.URL, "err", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("bus reconnected", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			slog.Info("bus connection closed", "url", opts.URL)
		}),
	}

	var nc *nats.Conn
	attempt := 0
	dial := func() error {
		attempt++
		c, err := nats.Connect(opts.URL, natsOpts...)
		if err != nil {
			slog.Warn("bus connect failed", "url", opts.URL, "attempt", attempt, "err", err)
			return err
		}
		nc = c
		return nil
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	eb.MaxInterval = 5 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, opts.ConnectAttempts-1), ctx)
	if err := backoff.Retry(dial, policy); err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", opts.URL, err)
	}
	slog.Info("bus connected", "url", nc.ConnectedUrl())

	bctx, cancel := context.WithCancel(context.Background())
	return &NATSBus{nc: nc, ctx: bctx, cancel: cancel}, nil
}

// Publish sends data on topic. While reconnecting, NATS buffers a bounded
// amount; beyond that the publish fails.
func (b *NATSBus) Publish(_ context.Context, topic string, data []byte) error {
	if b.nc.IsClosed() {
		return ErrClosed
	}
	if err := b.nc.Publish(topic, data); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers h on topic. NATS delivers each subscription's messages
// on one goroutine, in order.
func (b *NATSBus) Subscribe(topic string, h Handler) (func(), error) {
	sub, err := b.nc.Subscribe(topic, func(m *nats.Msg) {
		h(b.ctx, m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Connected reports whether the connection is currently up.
func (b *NATSBus) Connected() bool { return b.nc.IsConnected() }

// Close flushes and closes the connection.
func (b *NATSBus) Close() error {
	b.cancel()
	if b.nc.IsClosed() {
		return nil
	}
	_ = b.nc.FlushTimeout(2 * time.Second)
	b.nc.Close()
	return nil
}

var (
	_ Bus = (*MemoryBus)(nil)
	_ Bus = (*NATSBus)(nil)
)
