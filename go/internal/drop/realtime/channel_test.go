package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studiosivad/dropengine/go/internal/drop/events"
)

var errConnClosed = errors.New("use of closed network connection")

type fakeConn struct {
	frames  chan []byte
	readErr chan error
	writes  chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames:  make(chan []byte, 16),
		readErr: make(chan error, 1),
		writes:  make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.frames:
		return websocket.TextMessage, data, nil
	case err := <-c.readErr:
		return 0, nil, err
	case <-c.closed:
		return 0, nil, errConnClosed
	}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writes <- data
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// serve injects a server frame.
func (c *fakeConn) serve(t *testing.T, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	c.frames <- data
}

// dropFromServer simulates an unexpected server-side disconnect.
func (c *fakeConn) dropFromServer() {
	c.readErr <- errors.New("websocket: close 1006 (abnormal closure)")
}

func (c *fakeConn) waitWrite(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-c.writes:
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client write")
		return nil
	}
}

type fakeDialer struct {
	mu       sync.Mutex
	dialErrs []error
	dials    int
	dialed   chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeConn, 8)}
}

func (d *fakeDialer) failNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErrs = append(d.dialErrs, errs...)
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	var err error
	if len(d.dialErrs) > 0 {
		err = d.dialErrs[0]
		d.dialErrs = d.dialErrs[1:]
	}
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	conn := newFakeConn()
	d.dialed <- conn
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) waitConn(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case conn := <-d.dialed:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

func subscribeProduct() events.SubscribeRequest {
	return events.SubscribeRequest{Type: events.EventTypeSubscribe, ProductID: "prod-1"}
}

func newTestChannel(dialer Dialer, clock clockwork.Clock, policy ReconnectPolicy) (*Channel, chan events.Envelope) {
	ch := NewChannel("wss://example.test/ws", subscribeProduct(), dialer, clock, policy)
	msgs := make(chan events.Envelope, 16)
	ch.OnMessage(func(e events.Envelope) { msgs <- e })
	return ch, msgs
}

func waitEnvelope(t *testing.T, msgs chan events.Envelope) events.Envelope {
	t.Helper()
	select {
	case e := <-msgs:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return events.Envelope{}
	}
}

func TestSubscribeSentOnOpen(t *testing.T) {
	dialer := newFakeDialer()
	clock := clockwork.NewFakeClock()
	ch, _ := newTestChannel(dialer, clock, DefaultReconnectPolicy())
	defer ch.Close()

	ch.Connect(context.Background())
	conn := dialer.waitConn(t)

	var sub events.SubscribeRequest
	require.NoError(t, json.Unmarshal(conn.waitWrite(t), &sub))
	assert.Equal(t, events.EventTypeSubscribe, sub.Type)
	assert.Equal(t, "prod-1", sub.ProductID)

	assert.Eventually(t, func() bool { return ch.State() == StateOpen },
		2*time.Second, 10*time.Millisecond)
}

func TestMessagesDeliveredToHandler(t *testing.T) {
	dialer := newFakeDialer()
	clock := clockwork.NewFakeClock()
	ch, msgs := newTestChannel(dialer, clock, DefaultReconnectPolicy())
	defer ch.Close()

	ch.Connect(context.Background())
	conn := dialer.waitConn(t)
	conn.waitWrite(t)

	payload, _ := json.Marshal(events.AllocationUpdatePayload{CurrentReservations: 42, AllocationTarget: 100})
	conn.serve(t, events.Envelope{Type: events.EventTypeAllocationUpdate, Payload: payload})

	e := waitEnvelope(t, msgs)
	assert.Equal(t, events.EventTypeAllocationUpdate, e.Type)

	var got events.AllocationUpdatePayload
	require.NoError(t, json.Unmarshal(e.Payload, &got))
	assert.Equal(t, uint(42), got.CurrentReservations)
}

func TestUnparseableFrameSkipped(t *testing.T) {
	dialer := newFakeDialer()
	clock := clockwork.NewFakeClock()
	ch, msgs := newTestChannel(dialer, clock, DefaultReconnectPolicy())
	defer ch.Close()

	ch.Connect(context.Background())
	conn := dialer.waitConn(t)
	conn.waitWrite(t)

	conn.frames <- []byte("{not json")
	conn.serve(t, events.Envelope{Type: events.EventTypeStockUpdate})

	// The bad frame is dropped; the next one still arrives.
	e := waitEnvelope(t, msgs)
	assert.Equal(t, events.EventTypeStockUpdate, e.Type)
}

func TestExactlyOneReconnectPerClosure(t *testing.T) {
	dialer := newFakeDialer()
	clock := clockwork.NewFakeClock()
	ch, _ := newTestChannel(dialer, clock, ReconnectPolicy{Delay: 5 * time.Second})
	defer ch.Close()

	ch.Connect(context.Background())
	conn1 := dialer.waitConn(t)
	conn1.waitWrite(t)

	conn1.dropFromServer()

	// One timer armed for this closure.
	clock.BlockUntil(1)
	assert.Equal(t, StateConnecting, ch.State())
	assert.Equal(t, uint(1), ch.RetryCount())

	clock.Advance(5 * time.Second)
	conn2 := dialer.waitConn(t)

	// The replacement re-sends the subscribe message.
	var sub events.SubscribeRequest
	require.NoError(t, json.Unmarshal(conn2.waitWrite(t), &sub))
	assert.Equal(t, "prod-1", sub.ProductID)

	assert.Eventually(t, func() bool { return ch.State() == StateOpen },
		2*time.Second, 10*time.Millisecond)

	// No second attempt was armed for the same closure.
	clock.Advance(time.Minute)
	assert.Equal(t, 2, dialer.dialCount())
	assert.Equal(t, uint(1), ch.RetryCount())
}

func TestDialFailureSchedulesReconnect(t *testing.T) {
	dialer := newFakeDialer()
	dialer.failNext(errors.New("connection refused"))
	clock := clockwork.NewFakeClock()
	ch, _ := newTestChannel(dialer, clock, ReconnectPolicy{Delay: 5 * time.Second})
	defer ch.Close()

	ch.Connect(context.Background())

	clock.BlockUntil(1)
	clock.Advance(5 * time.Second)

	conn := dialer.waitConn(t)
	conn.waitWrite(t)
	assert.Eventually(t, func() bool { return ch.State() == StateOpen },
		2*time.Second, 10*time.Millisecond)
}

func TestReconnectAttemptsCapped(t *testing.T) {
	dialer := newFakeDialer()
	dialer.failNext(
		errors.New("connection refused"),
		errors.New("connection refused"),
	)
	clock := clockwork.NewFakeClock()
	ch, _ := newTestChannel(dialer, clock, ReconnectPolicy{Delay: 5 * time.Second, MaxAttempts: 1})
	defer ch.Close()

	ch.Connect(context.Background())

	// First failure arms the single allowed retry.
	clock.BlockUntil(1)
	clock.Advance(5 * time.Second)

	// The retry fails too; attempts are exhausted and the channel closes.
	assert.Eventually(t, func() bool { return ch.State() == StateClosed },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, dialer.dialCount())
}

func TestCloseSuppressesReconnect(t *testing.T) {
	dialer := newFakeDialer()
	clock := clockwork.NewFakeClock()
	ch, _ := newTestChannel(dialer, clock, ReconnectPolicy{Delay: 5 * time.Second})

	ch.Connect(context.Background())
	conn := dialer.waitConn(t)
	conn.waitWrite(t)

	ch.Close()
	assert.Equal(t, StateClosed, ch.State())

	clock.Advance(time.Minute)
	assert.Equal(t, 1, dialer.dialCount())
	assert.Equal(t, uint(0), ch.RetryCount())
}

func TestFramesAfterCloseDiscarded(t *testing.T) {
	dialer := newFakeDialer()
	clock := clockwork.NewFakeClock()
	ch, msgs := newTestChannel(dialer, clock, DefaultReconnectPolicy())

	ch.Connect(context.Background())
	conn := dialer.waitConn(t)
	conn.waitWrite(t)

	ch.Close()

	// A frame that was already in flight when Close ran must not reach the
	// handler.
	select {
	case conn.frames <- mustMarshalEnvelope(events.EventTypeAllocationUpdate):
	default:
	}

	select {
	case e := <-msgs:
		t.Fatalf("envelope delivered after close: %v", e.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnectTwiceIsNoOp(t *testing.T) {
	dialer := newFakeDialer()
	clock := clockwork.NewFakeClock()
	ch, _ := newTestChannel(dialer, clock, DefaultReconnectPolicy())
	defer ch.Close()

	ch.Connect(context.Background())
	ch.Connect(context.Background())

	conn := dialer.waitConn(t)
	conn.waitWrite(t)

	assert.Eventually(t, func() bool { return ch.State() == StateOpen },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount())
}

func mustMarshalEnvelope(typ events.EventType) []byte {
	data, err := json.Marshal(events.Envelope{Type: typ})
	if err != nil {
		panic(fmt.Sprintf("marshal envelope: %v", err))
	}
	return data
}
