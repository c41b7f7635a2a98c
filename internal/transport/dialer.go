package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/relaywoot/internal/wire"
	"github.com/agentworkforce/relaywoot/internal/woot"
)

// DialerOptions configures an outbound peer connection.
type DialerOptions struct {
	URL        string
	SiteID     string
	Receiver   Receiver
	Logger     zerolog.Logger
	HTTPClient *http.Client
	// MaxInterval caps the delay between reconnect attempts.
	MaxInterval time.Duration
}

// Dialer keeps a websocket connection to one peer hub open, reconnecting
// with exponential backoff, and forwards patches in both directions.
type Dialer struct {
	opts   DialerOptions
	logger zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewDialer(opts DialerOptions) (*Dialer, error) {
	if opts.URL == "" {
		return nil, errors.New("dialer url is required")
	}
	if opts.Receiver == nil {
		return nil, errors.New("dialer receiver is required")
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = 30 * time.Second
	}
	return &Dialer{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "dialer").Str("peer", opts.URL).Logger(),
	}, nil
}

// Run blocks until ctx is done.
func (d *Dialer) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = d.opts.MaxInterval
	policy.MaxElapsedTime = 0

	for {
		var conn *websocket.Conn
		dial := func() error {
			c, _, err := websocket.Dial(ctx, d.opts.URL, &websocket.DialOptions{HTTPClient: d.opts.HTTPClient})
			if err != nil {
				return err
			}
			conn = c
			return nil
		}
		notify := func(err error, wait time.Duration) {
			d.logger.Warn().Err(err).Dur("retry_in", wait).Msg("peer dial failed")
		}
		if err := backoff.RetryNotify(dial, backoff.WithContext(policy, ctx), notify); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("dial %s: %w", d.opts.URL, err)
		}
		policy.Reset()
		conn.SetReadLimit(defaultReadLimit)
		d.setConn(conn)
		d.logger.Info().Msg("peer connected")

		err := readEnvelopes(ctx, conn, func(env wire.Envelope) {
			if env.Origin == d.opts.SiteID {
				return
			}
			if _, err := d.opts.Receiver.Receive(ctx, env.Origin, env.Patch); err != nil {
				d.logger.Warn().Err(err).Str("origin", env.Origin).Msg("peer patch partially rejected")
			}
		}, d.logger)
		d.setConn(nil)
		conn.CloseNow()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.logger.Info().Err(err).Msg("peer connection lost, reconnecting")
	}
}

// Publish sends the patch to the peer if it is connected.
func (d *Dialer) Publish(ctx context.Context, patch woot.Patch) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return writeEnvelope(ctx, conn, wire.Envelope{Origin: d.opts.SiteID, Patch: patch})
}

func (d *Dialer) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn != nil
}

func (d *Dialer) setConn(conn *websocket.Conn) {
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
}
