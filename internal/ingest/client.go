package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/meltica-trader/internal/observability"
	"github.com/coachpo/meltica-trader/internal/schema"
)

const (
	pingInterval = 20 * time.Second
	pingTimeout  = 5 * time.Second
	writeTimeout = 5 * time.Second
	readLimit    = 2 * 1024 * 1024
)

// Config locates the feed and tunes reconnection.
type Config struct {
	URL               string
	Instruments       []string
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	Buffer            int
}

// Client keeps one websocket session alive and forwards observations in
// arrival order. Delivery blocks rather than drops, so a slow consumer
// slows the reader instead of losing data.
type Client struct {
	cfg    Config
	out    chan schema.Observation
	resync chan struct{}

	mu      sync.Mutex
	onState []func(connected bool)
}

// NewClient validates cfg and builds a client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("ingest: url required")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = 30 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	return &Client{cfg: cfg, out: make(chan schema.Observation, cfg.Buffer), resync: make(chan struct{}, 1)}, nil
}

var errResync = errors.New("resync requested")

// Resync drops the current session so the client reconnects at once and
// subscribes again, which makes the upstream replay its snapshot. Requests
// made while no session is up are satisfied by the next subscribe.
func (c *Client) Resync() {
	select {
	case c.resync <- struct{}{}:
	default:
	}
}

// Observations streams decoded observations. It is closed when Run returns.
func (c *Client) Observations() <-chan schema.Observation { return c.out }

// OnState registers a hook called on every connect and disconnect.
func (c *Client) OnState(fn func(connected bool)) {
	c.mu.Lock()
	c.onState = append(c.onState, fn)
	c.mu.Unlock()
}

func (c *Client) notify(connected bool) {
	c.mu.Lock()
	hooks := append([]func(bool){}, c.onState...)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn(connected)
	}
}

// Run dials, subscribes, and reads until ctx is done, reconnecting with
// exponential backoff after failures.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.out)
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.ReconnectDelay
	policy.MaxInterval = c.cfg.MaxReconnectDelay

	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, _, err := websocket.Dial(ctx, c.cfg.URL, nil)
		if err == nil {
			policy.Reset()
			err = c.session(ctx, conn)
			c.notify(false)
		}
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, errResync) {
			observability.Log().Info("ingest resync", observability.Field{Key: "url", Value: c.cfg.URL})
			continue
		}
		if err != nil {
			observability.Log().Error("ingest session ended",
				observability.Field{Key: "url", Value: c.cfg.URL},
				observability.Field{Key: "error", Value: err.Error()})
		}
		sleep := policy.NextBackOff()
		if sleep == backoff.Stop {
			sleep = c.cfg.MaxReconnectDelay
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleep):
		}
	}
}

func (c *Client) session(ctx context.Context, conn *websocket.Conn) error {
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
	conn.SetReadLimit(readLimit)
	select {
	case <-c.resync:
	default:
	}

	if len(c.cfg.Instruments) > 0 {
		req, err := json.Marshal(subscribeRequest{Op: "subscribe", Instruments: c.cfg.Instruments})
		if err != nil {
			return fmt.Errorf("marshal subscribe: %w", err)
		}
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err = conn.Write(writeCtx, websocket.MessageText, req)
		cancel()
		if err != nil {
			return fmt.Errorf("write subscribe: %w", err)
		}
	}
	c.notify(true)

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()
	errCh := make(chan error, 3)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		errCh <- c.readLoop(connCtx, conn)
	}()
	go func() {
		defer wg.Done()
		errCh <- pingLoop(connCtx, conn)
	}()
	go func() {
		defer wg.Done()
		select {
		case <-connCtx.Done():
			errCh <- connCtx.Err()
		case <-c.resync:
			errCh <- errResync
		}
	}()
	first := <-errCh
	connCancel()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	wg.Wait()
	if errors.Is(first, context.Canceled) {
		return nil
	}
	return first
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		batch, err := Decode(raw)
		if err != nil {
			observability.Log().Error("ingest frame dropped", observability.Field{Key: "error", Value: err.Error()})
			continue
		}
		for _, obs := range batch {
			select {
			case c.out <- obs:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}
