// Package realtime maintains the push subscription for a drop topic over a
// websocket, reconnecting after unexpected closures. Reconnect policy is a
// fixed delay with exactly one attempt scheduled per closure; attempts are
// unbounded unless capped, and the schedule is clock-driven so tests can
// inject a fake clock. Each reconnect creates a brand-new connection; frames
// from a superseded connection are discarded via a generation counter.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/studiosivad/dropengine/go/internal/drop/events"
)

// ChannelState is the connection lifecycle.
type ChannelState string

const (
	StateConnecting ChannelState = "CONNECTING"
	StateOpen       ChannelState = "OPEN"
	StateClosed     ChannelState = "CLOSED"
)

// Conn is the subset of a websocket connection the channel uses.
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	Close() error
}

// Dialer opens a new websocket connection.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ReconnectPolicy controls how the channel recovers from unexpected
// closures. Delay is fixed; MaxAttempts of 0 means unbounded.
type ReconnectPolicy struct {
	Delay       time.Duration
	MaxAttempts uint
}

// DefaultReconnectPolicy matches the storefront client's 5-second retry.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{Delay: 5 * time.Second}
}

// Channel is a reconnecting push subscription for one topic.
type Channel struct {
	url       string
	subscribe events.SubscribeRequest
	dialer    Dialer
	clock     clockwork.Clock
	policy    ReconnectPolicy
	onMessage func(events.Envelope)

	mu         sync.Mutex
	state      ChannelState
	conn       Conn
	generation uint64
	retryCount uint
	pending    bool
	closed     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewChannel creates a channel for the given websocket URL and topic. The
// subscribe message is re-sent on every open, which makes the subscription
// at-least-once; the server side treats duplicates as idempotent.
func NewChannel(url string, subscribe events.SubscribeRequest, dialer Dialer, clock clockwork.Clock, policy ReconnectPolicy) *Channel {
	if policy.Delay <= 0 {
		policy = DefaultReconnectPolicy()
	}
	return &Channel{
		url:       url,
		subscribe: subscribe,
		dialer:    dialer,
		clock:     clock,
		policy:    policy,
		state:     StateClosed,
	}
}

// OnMessage registers the handler for incoming envelopes. Must be called
// before Connect.
func (c *Channel) OnMessage(handler func(events.Envelope)) {
	c.onMessage = handler
}

// Connect starts the subscription. The dial happens asynchronously; message
// delivery begins once the connection opens and the subscribe message is
// sent.
func (c *Channel) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.ctx != nil {
		c.mu.Unlock()
		return
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.state = StateConnecting
	gen := c.generation
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(gen)
}

// State returns the connection state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RetryCount returns how many reconnect attempts have been made.
func (c *Channel) RetryCount() uint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCount
}

// Close tears the channel down for good, suppressing any scheduled
// reconnect. Frames still in flight from the old connection are discarded.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = StateClosed
	c.generation++
	conn := c.conn
	c.conn = nil
	cancel := c.cancel
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	log.Debug().Str("topic", c.subscribe.TopicKey()).Msg("realtime channel closed")
}

// run owns one connection attempt for the given generation.
func (c *Channel) run(gen uint64) {
	defer c.wg.Done()

	conn, err := c.dialer.Dial(c.ctx, c.url)
	if err != nil {
		log.Warn().
			Err(err).
			Str("topic", c.subscribe.TopicKey()).
			Msg("realtime dial failed")
		c.scheduleReconnect(gen)
		return
	}

	c.mu.Lock()
	if c.closed || gen != c.generation {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.state = StateOpen
	c.mu.Unlock()

	log.Info().Str("topic", c.subscribe.TopicKey()).Msg("realtime channel open")

	if err := conn.WriteJSON(c.subscribe); err != nil {
		log.Warn().Err(err).Str("topic", c.subscribe.TopicKey()).Msg("subscribe send failed")
		conn.Close()
		c.scheduleReconnect(gen)
		return
	}

	c.readLoop(conn, gen)
}

func (c *Channel) readLoop(conn Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			explicit := c.closed || gen != c.generation
			c.mu.Unlock()
			if explicit {
				return
			}
			log.Warn().
				Err(err).
				Str("topic", c.subscribe.TopicKey()).
				Msg("realtime channel disconnected")
			conn.Close()
			c.scheduleReconnect(gen)
			return
		}

		var envelope events.Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			log.Debug().Err(err).Msg("discarding unparseable realtime frame")
			continue
		}

		// A superseded connection must not deliver messages.
		c.mu.Lock()
		stale := c.closed || gen != c.generation
		handler := c.onMessage
		c.mu.Unlock()
		if stale {
			return
		}
		if handler != nil {
			handler(envelope)
		}
	}
}

// scheduleReconnect arms exactly one reconnect for this closure. The old
// connection is abandoned; the replacement gets a fresh generation.
func (c *Channel) scheduleReconnect(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.generation || c.pending {
		c.mu.Unlock()
		return
	}
	if c.policy.MaxAttempts > 0 && c.retryCount >= c.policy.MaxAttempts {
		c.state = StateClosed
		c.mu.Unlock()
		log.Warn().
			Str("topic", c.subscribe.TopicKey()).
			Uint("attempts", c.retryCount).
			Msg("reconnect attempts exhausted")
		return
	}
	c.pending = true
	c.state = StateConnecting
	c.retryCount++
	c.conn = nil
	c.mu.Unlock()

	log.Info().
		Str("topic", c.subscribe.TopicKey()).
		Dur("delay", c.policy.Delay).
		Msg("scheduling reconnect")

	timer := c.clock.NewTimer(c.policy.Delay)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-timer.Chan():
		case <-c.ctx.Done():
			if !timer.Stop() {
				select {
				case <-timer.Chan():
				default:
				}
			}
			return
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.pending = false
		c.generation++
		next := c.generation
		c.mu.Unlock()

		c.wg.Add(1)
		go c.run(next)
	}()
}
