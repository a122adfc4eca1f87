// Package session owns one drop context end to end: it wires the countdown,
// the realtime channel, the poller, the sync engine, the selection state and
// the reservation coordinator together, and funnels every allocation-facing
// event through a single mailbox so exactly one goroutine ever writes
// canonical state.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/studiosivad/dropengine/go/clients/storefront"
	"github.com/studiosivad/dropengine/go/internal/drop/countdown"
	"github.com/studiosivad/dropengine/go/internal/drop/engine"
	"github.com/studiosivad/dropengine/go/internal/drop/events"
	"github.com/studiosivad/dropengine/go/internal/drop/poller"
	"github.com/studiosivad/dropengine/go/internal/drop/realtime"
	"github.com/studiosivad/dropengine/go/internal/drop/reservation"
	"github.com/studiosivad/dropengine/go/internal/drop/selection"
	"github.com/studiosivad/dropengine/go/internal/models"
)

// Config holds the knobs for one drop session.
type Config struct {
	WebsocketURL       string
	Poll               poller.Config
	Reconnect          realtime.ReconnectPolicy
	ReservationTimeout time.Duration
	MailboxSize        int
}

// DefaultConfig mirrors the storefront client's cadences.
func DefaultConfig() Config {
	return Config{
		Poll:               poller.DefaultConfig(),
		Reconnect:          realtime.DefaultReconnectPolicy(),
		ReservationTimeout: 15 * time.Second,
		MailboxSize:        256,
	}
}

// Hooks is the session's exit surface for UI collaborators: plain data
// events, not rendering instructions. Nil hooks are skipped.
type Hooks struct {
	OnTick            func(events.CountdownTickPayload)
	OnExpire          func()
	OnAllocationDelta func(events.AllocationDeltaPayload)
	OnStockThreshold  func(events.StockThresholdPayload)
	OnEnded           func()
	OnReserved        func(events.ReservationCompletedPayload)
}

// message is one unit of work for the single-writer loop.
type message struct {
	fact  *models.AllocationFact
	stock *events.StockUpdatePayload
	ended bool
}

// Storefront is what the session needs from the storefront client: the pull
// channel and the cart-add transaction.
type Storefront interface {
	GetAllocationStatus(ctx context.Context, productID string) (*storefront.AllocationStatus, error)
	AddToCart(ctx context.Context, variantID, size string) (*storefront.LineItem, error)
}

// Session is the explicit per-drop context object: constructed and torn down
// by the hosting application, no implicit global state.
type Session struct {
	drop   models.Drop
	config Config
	clock  clockwork.Clock

	engine      *engine.Engine
	selection   *selection.State
	countdown   *countdown.Scheduler
	channel     *realtime.Channel
	poller      *poller.Poller
	coordinator *reservation.Coordinator
	hooks       Hooks

	mailbox chan message

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a session for one drop. client serves both the pull channel
// and the reservation path; snapshot may be nil when the page embeds no
// fallback metadata; dialer may be nil to use the production websocket
// dialer.
func New(drop models.Drop, variants []models.VariantOption, client Storefront, snapshot poller.SnapshotProvider, dialer realtime.Dialer, clock clockwork.Clock, cfg Config, hooks Hooks) *Session {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = DefaultConfig().MailboxSize
	}
	if dialer == nil {
		dialer = realtime.WebsocketDialer{HandshakeTimeout: 10 * time.Second}
	}

	s := &Session{
		drop:    drop,
		config:  cfg,
		clock:   clock,
		hooks:   hooks,
		mailbox: make(chan message, cfg.MailboxSize),
	}

	s.engine = engine.New(drop, variants, engine.Hooks{
		OnAllocationDelta: hooks.OnAllocationDelta,
		OnStockThreshold:  hooks.OnStockThreshold,
		OnEnded:           hooks.OnEnded,
	})
	s.selection = selection.NewState(s.engine)
	s.countdown = countdown.NewScheduler(clock)
	s.coordinator = reservation.NewCoordinator(drop.ProductID, client, s.selection, s.engine, cfg.ReservationTimeout, clock)
	if hooks.OnReserved != nil {
		s.coordinator.OnReserved(hooks.OnReserved)
	}

	s.channel = realtime.NewChannel(cfg.WebsocketURL, events.SubscribeRequest{
		Type:      events.EventTypeSubscribe,
		ProductID: drop.ProductID,
	}, dialer, clock, cfg.Reconnect)
	s.channel.OnMessage(s.handleEnvelope)

	s.poller = poller.NewPoller(drop.ProductID, client, snapshot, clock, cfg.Poll, s.engine.LastObservedAt, s.enqueueFact)

	return s
}

// Start brings the session live: countdown ticking, push channel connecting,
// poller polling, and the single-writer loop consuming the mailbox.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("session already started")
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.engine.Start()

	s.wg.Add(1)
	go s.consume(runCtx)

	s.countdown.Start(runCtx, s.drop, s.hooks.OnTick, s.expire)
	if s.config.WebsocketURL != "" {
		s.channel.Connect(runCtx)
	}
	if err := s.poller.Start(runCtx); err != nil {
		return err
	}

	log.Info().
		Str("product_id", s.drop.ProductID).
		Time("end_time", s.drop.EndTime).
		Msg("drop session started")
	return nil
}

// Close tears the session down: ticker stopped, channel closed with its
// reconnect schedule suppressed, poller cancelled. In-flight results land in
// a drained mailbox and are discarded.
func (s *Session) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}

	s.countdown.Stop()
	s.channel.Close()
	s.poller.Stop()
	cancel()
	s.wg.Wait()

	log.Info().Str("product_id", s.drop.ProductID).Msg("drop session closed")
}

// SelectEdition records the user's edition choice.
func (s *Session) SelectEdition(variantID string) error {
	return s.selection.SelectEdition(variantID)
}

// SelectSize records the user's size choice.
func (s *Session) SelectSize(size string) error {
	return s.selection.SelectSize(size)
}

// Selection returns a snapshot of the current selection.
func (s *Session) Selection() models.Selection {
	return s.selection.Snapshot()
}

// AttemptReserve runs one purchase attempt against the currently-selected
// variant.
func (s *Session) AttemptReserve(ctx context.Context) (*storefront.LineItem, error) {
	return s.coordinator.AttemptReserve(ctx)
}

// Engine exposes the read side of the allocation state.
func (s *Session) Engine() *engine.Engine {
	return s.engine
}

// Channel exposes the realtime channel state for diagnostics.
func (s *Session) Channel() *realtime.Channel {
	return s.channel
}

// expire is the countdown's terminal transition: reservation is permanently
// disabled and the engine is forced to Ended through the mailbox so the
// single-writer invariant holds.
func (s *Session) expire() {
	s.coordinator.Disable()
	s.enqueue(message{ended: true})
	if s.hooks.OnExpire != nil {
		s.hooks.OnExpire()
	}
}

// handleEnvelope routes one push frame. Unrecognized types are ignored, not
// fatal.
func (s *Session) handleEnvelope(envelope events.Envelope) {
	switch envelope.Type {
	case events.EventTypeAllocationUpdate:
		var payload events.AllocationUpdatePayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			log.Debug().Err(err).Msg("bad allocation_update payload")
			return
		}
		s.enqueueFact(models.AllocationFact{
			CurrentReservations: payload.CurrentReservations,
			AllocationTarget:    payload.AllocationTarget,
			ObservedAt:          s.clock.Now(),
			Source:              models.SourcePush,
		})

	case events.EventTypeDropStatusChange:
		var payload events.DropStatusChangePayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			log.Debug().Err(err).Msg("bad drop_status_change payload")
			return
		}
		if payload.Status == string(models.DropStatusEnded) {
			s.coordinator.Disable()
			s.enqueue(message{ended: true})
		}

	case events.EventTypeStockUpdate:
		var payload events.StockUpdatePayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			log.Debug().Err(err).Msg("bad stock_update payload")
			return
		}
		s.enqueue(message{stock: &payload})

	default:
		log.Debug().Str("type", string(envelope.Type)).Msg("unknown realtime message type, ignoring")
	}
}

func (s *Session) enqueueFact(fact models.AllocationFact) {
	s.enqueue(message{fact: &fact})
}

func (s *Session) enqueue(msg message) {
	select {
	case s.mailbox <- msg:
	default:
		log.Warn().Str("product_id", s.drop.ProductID).Msg("session mailbox full, dropping message")
	}
}

// consume is the single writer of canonical allocation state.
func (s *Session) consume(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.mailbox:
			s.apply(msg)
		}
	}
}

func (s *Session) apply(msg message) {
	switch {
	case msg.ended:
		s.engine.End()
	case msg.fact != nil:
		if err := s.engine.Ingest(*msg.fact); err != nil {
			if !errors.Is(err, engine.ErrStaleFact) && !errors.Is(err, engine.ErrEnded) {
				log.Warn().Err(err).Str("product_id", s.drop.ProductID).Msg("fact ingest failed")
			}
		}
	case msg.stock != nil:
		if err := s.engine.IngestStock(msg.stock.VariantID, msg.stock.Available); err != nil {
			log.Debug().Err(err).Str("variant_id", msg.stock.VariantID).Msg("stock ingest skipped")
		}
	}
}
