package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/angeloszaimis/service-mesh/internal/metrics"
	"github.com/angeloszaimis/service-mesh/pkg/logger"
)

const (
	DefaultURL        = "amqp://localhost:5672"
	DefaultRetryDelay = 5 * time.Second
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

type Options struct {
	URL        string
	RetryDelay time.Duration
	Clock      clock.Clock
	Logger     *slog.Logger
	Dial       DialFunc
	Collector  *metrics.Collector
}

// connectAttempt is shared by every caller waiting for the same connect.
type connectAttempt struct {
	done    chan struct{}
	session *session
	err     error
}

type Client struct {
	url        string
	retryDelay time.Duration
	clock      clock.Clock
	dial       DialFunc
	collector  *metrics.Collector
	logger     *slog.Logger

	mu        sync.Mutex
	state     State
	conn      Connection
	session   *session
	attempt   *connectAttempt
	reconnect *clock.Timer
	closed    bool
	subs      map[*Subscription]struct{}
}

func New(opts Options) *Client {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.Dial == nil {
		opts.Dial = Dial
	}

	return &Client{
		url:        opts.URL,
		retryDelay: opts.RetryDelay,
		clock:      opts.Clock,
		dial:       opts.Dial,
		collector:  opts.Collector,
		logger:     logger.WithComponent(opts.Logger, "bus"),
		subs:       make(map[*Subscription]struct{}),
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect obtains a channel eagerly. A failed connect still leaves a
// reconnect scheduled.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.acquire(ctx)
	return err
}

// Channel returns the live channel, waiting for a connect in progress or
// starting one.
func (c *Client) Channel(ctx context.Context) (Channel, error) {
	s, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return s.ch, nil
}

func (c *Client) acquire(ctx context.Context) (*session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.state == StateConnected {
		s := c.session
		c.mu.Unlock()
		return s, nil
	}
	a := c.attempt
	if a == nil {
		a = c.startAttemptLocked()
	}
	c.mu.Unlock()

	select {
	case <-a.done:
		if a.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBrokerDisconnected, a.err)
		}
		return a.session, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) startAttemptLocked() *connectAttempt {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}

	a := &connectAttempt{done: make(chan struct{})}
	c.attempt = a
	c.state = StateConnecting
	go c.connect(a)
	return a
}

func (c *Client) connect(a *connectAttempt) {
	conn, err := c.dial(c.url)
	var s *session
	if err == nil {
		s, err = openSession(conn)
		if err != nil {
			_ = conn.Close()
		}
	}

	c.mu.Lock()
	c.attempt = nil

	if c.closed {
		c.mu.Unlock()
		if s != nil {
			_ = s.ch.Close()
			_ = conn.Close()
		}
		a.err = ErrClosed
		close(a.done)
		return
	}

	if err != nil {
		c.state = StateDisconnected
		c.scheduleReconnectLocked()
		c.mu.Unlock()

		c.logger.Warn("Failed to connect to broker",
			slog.Duration("retry_in", c.retryDelay),
			slog.Any("err", err))
		a.err = err
		close(a.done)
		return
	}

	c.conn = conn
	c.session = s
	c.state = StateConnected
	subs := make([]*Subscription, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	c.logger.Info("Connected to broker")
	a.session = s
	close(a.done)

	go c.watch(conn, s)
	for _, sub := range subs {
		go sub.resume(s)
	}
}

func (c *Client) watch(conn Connection, s *session) {
	reason := s.waitLost()

	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.conn = nil
	c.state = StateDisconnected
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	s.shutdown()
	_ = conn.Close()

	if reason != nil {
		c.logger.Warn("Lost broker connection",
			slog.Int("code", reason.Code),
			slog.String("reason", reason.Reason))
	} else {
		c.logger.Warn("Lost broker connection")
	}
}

func (c *Client) scheduleReconnectLocked() {
	if c.closed || c.reconnect != nil {
		return
	}

	var t *clock.Timer
	t = c.clock.AfterFunc(c.retryDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.reconnect != t {
			return
		}
		c.reconnect = nil
		if c.closed || c.state != StateDisconnected || c.attempt != nil {
			return
		}
		c.logger.Info("Reconnecting to broker")
		c.startAttemptLocked()
	})
	c.reconnect = t
}

// Close disables reconnects and closes the channel and then the connection.
// Close errors are ignored.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	s, conn := c.session, c.conn
	c.session, c.conn = nil, nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if s != nil {
		_ = s.ch.Close()
		s.shutdown()
	}
	if conn != nil {
		_ = conn.Close()
	}
	return nil
}

func (c *Client) track(sub *Subscription) {
	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) untrack(sub *Subscription) {
	c.mu.Lock()
	delete(c.subs, sub)
	c.mu.Unlock()
}
