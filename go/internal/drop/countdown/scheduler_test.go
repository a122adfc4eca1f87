package countdown

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studiosivad/dropengine/go/internal/drop/events"
	"github.com/studiosivad/dropengine/go/internal/models"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func dropEndingIn(d time.Duration) models.Drop {
	return models.Drop{
		ProductID: "prod-1",
		EndTime:   base.Add(d),
		Status:    models.DropStatusActive,
	}
}

type capture struct {
	ticks   chan events.CountdownTickPayload
	expires chan struct{}
}

func newCapture() *capture {
	return &capture{
		ticks:   make(chan events.CountdownTickPayload, 64),
		expires: make(chan struct{}, 4),
	}
}

func (c *capture) onTick(p events.CountdownTickPayload) { c.ticks <- p }
func (c *capture) onExpire()                            { c.expires <- struct{}{} }

func (c *capture) waitTick(t *testing.T) events.CountdownTickPayload {
	t.Helper()
	select {
	case p := <-c.ticks:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tick")
		return events.CountdownTickPayload{}
	}
}

func (c *capture) waitExpire(t *testing.T) {
	t.Helper()
	select {
	case <-c.expires:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for expiry")
	}
}

func TestCountdownTicksDownToExpiry(t *testing.T) {
	clock := clockwork.NewFakeClockAt(base)
	s := NewScheduler(clock)
	c := newCapture()
	defer s.Stop()

	s.Start(context.Background(), dropEndingIn(3*time.Second), c.onTick, c.onExpire)

	// First tick fires immediately with the full remaining time.
	p := c.waitTick(t)
	assert.Equal(t, 3*time.Second, p.Remaining)
	assert.Equal(t, 3, p.Seconds)

	for _, wantSecs := range []int{2, 1} {
		clock.BlockUntil(1)
		clock.Advance(time.Second)
		p = c.waitTick(t)
		assert.Equal(t, wantSecs, p.Seconds)
	}

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	c.waitExpire(t)

	// Nothing fires after expiry.
	clock.Advance(5 * time.Second)
	select {
	case <-c.ticks:
		t.Fatal("tick after expiry")
	case <-c.expires:
		t.Fatal("second expiry")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCountdownCoalescedAdvanceFiresExpiryOnce(t *testing.T) {
	clock := clockwork.NewFakeClockAt(base)
	s := NewScheduler(clock)
	c := newCapture()
	defer s.Stop()

	s.Start(context.Background(), dropEndingIn(2*time.Second), c.onTick, c.onExpire)
	c.waitTick(t)

	// The clock jumps well past the end time in one step, as after a
	// suspended tab resumes. Exactly one expiry, no negative ticks.
	clock.BlockUntil(1)
	clock.Advance(10 * time.Second)
	c.waitExpire(t)

	select {
	case <-c.expires:
		t.Fatal("expiry fired more than once")
	case p := <-c.ticks:
		t.Fatalf("unexpected tick with remaining %v", p.Remaining)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCountdownStartAlreadyExpired(t *testing.T) {
	clock := clockwork.NewFakeClockAt(base)
	s := NewScheduler(clock)
	c := newCapture()

	s.Start(context.Background(), dropEndingIn(-time.Second), c.onTick, c.onExpire)
	c.waitExpire(t)

	select {
	case <-c.ticks:
		t.Fatal("tick for an already-expired drop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCountdownDoubleStartIgnored(t *testing.T) {
	clock := clockwork.NewFakeClockAt(base)
	s := NewScheduler(clock)
	c := newCapture()
	defer s.Stop()

	s.Start(context.Background(), dropEndingIn(time.Minute), c.onTick, c.onExpire)
	c.waitTick(t)

	// Second Start must not spawn a second ticking loop.
	s.Start(context.Background(), dropEndingIn(time.Minute), c.onTick, c.onExpire)

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	c.waitTick(t)

	select {
	case <-c.ticks:
		t.Fatal("duplicate tick from a second loop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCountdownStopWithoutExpiry(t *testing.T) {
	clock := clockwork.NewFakeClockAt(base)
	s := NewScheduler(clock)
	c := newCapture()

	s.Start(context.Background(), dropEndingIn(time.Hour), c.onTick, c.onExpire)
	c.waitTick(t)
	s.Stop()

	clock.Advance(2 * time.Hour)
	select {
	case <-c.expires:
		t.Fatal("expiry after Stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTimeUnitsBreakdown(t *testing.T) {
	remaining := 49*time.Hour + 5*time.Minute + 7*time.Second
	p := timeUnits(remaining, base)

	require.Equal(t, 2, p.Days)
	require.Equal(t, 1, p.Hours)
	require.Equal(t, 5, p.Minutes)
	require.Equal(t, 7, p.Seconds)
	require.Equal(t, remaining, p.Remaining)
	require.Equal(t, base, p.TickedAt)
}
