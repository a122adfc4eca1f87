package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/studiosivad/dropengine/go/clients/storefront"
	"github.com/studiosivad/dropengine/go/internal/drop/events"
	"github.com/studiosivad/dropengine/go/internal/drop/revenue"
	"github.com/studiosivad/dropengine/go/internal/drop/session"
	"github.com/studiosivad/dropengine/go/internal/models"
)

// staticSnapshot serves the fallback allocation numbers embedded in the
// config, captured at process start. It stands in for the page-embedded
// metadata a browser client would read.
type staticSnapshot struct {
	status     storefront.AllocationStatus
	capturedAt time.Time
}

func (s staticSnapshot) Snapshot() (storefront.AllocationStatus, time.Time, bool) {
	return s.status, s.capturedAt, true
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	configPath := getEnv("DROP_CONFIG", "drop.yaml")
	config, err := loadConfig(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
	}

	clock := clockwork.NewRealClock()
	client := storefront.NewStorefrontClient(config.Storefront.BaseURL)

	drop := models.Drop{
		ProductID: config.Drop.ProductID,
		Title:     config.Drop.Title,
		EndTime:   config.Drop.EndTime,
		Status:    models.DropStatusActive,
	}

	rates := splitRates(config)

	hooks := session.Hooks{
		OnTick: func(tick events.CountdownTickPayload) {
			log.Debug().
				Int("days", tick.Days).
				Int("hours", tick.Hours).
				Int("minutes", tick.Minutes).
				Int("seconds", tick.Seconds).
				Msg("countdown tick")
		},
		OnExpire: func() {
			log.Info().Str("product_id", drop.ProductID).Msg("drop countdown expired")
		},
		OnAllocationDelta: func(delta events.AllocationDeltaPayload) {
			log.Info().
				Uint("current_reservations", delta.CurrentReservations).
				Uint("allocation_target", delta.AllocationTarget).
				Float64("percentage", delta.Percentage).
				Str("source", delta.Source).
				Msg("allocation updated")
		},
		OnStockThreshold: func(stock events.StockThresholdPayload) {
			log.Info().
				Str("variant_id", stock.VariantID).
				Int("available", stock.Available).
				Str("level", stock.Level).
				Msg("stock threshold crossed")
		},
		OnReserved: func(r events.ReservationCompletedPayload) {
			log.Info().
				Str("variant_id", r.VariantID).
				Str("size", r.Size).
				Msg("reservation completed")
			logSplitEstimate(r, rates)
			go trackReservation(client, r)
		},
	}

	snapshot := staticSnapshot{
		status: storefront.AllocationStatus{
			CurrentReservations: config.Fallback.CurrentReservations,
			AllocationTarget:    config.Fallback.AllocationTarget,
		},
		capturedAt: clock.Now(),
	}

	sessionConfig := session.DefaultConfig()
	sessionConfig.WebsocketURL = config.Storefront.WebsocketURL

	dropSession := session.New(drop, config.variants(), client, snapshot, nil, clock, sessionConfig, hooks)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := dropSession.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start drop session")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	dropSession.Close()
}

func splitRates(config *Config) revenue.Rates {
	if config.Revenue.DesignerPct == 0 && config.Revenue.CollaboratorPct == 0 && config.Revenue.StudioPct == 0 {
		return revenue.DefaultRates()
	}
	return revenue.Rates{
		DesignerPct:     decimal.NewFromFloat(config.Revenue.DesignerPct),
		CollaboratorPct: decimal.NewFromFloat(config.Revenue.CollaboratorPct),
		StudioPct:       decimal.NewFromFloat(config.Revenue.StudioPct),
	}
}

// trackReservation reports a confirmed reservation to the analytics proxy.
// Best-effort; failures are logged and never surfaced to the purchase path.
func trackReservation(client *storefront.StorefrontClient, r events.ReservationCompletedPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.SendAnalyticsEvent(ctx, "reservation", map[string]string{
		"product_id": r.ProductID,
		"timestamp":  r.Timestamp.Format(time.RFC3339),
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to send analytics event")
	}
}

// logSplitEstimate reports the payout breakdown a confirmed reservation
// would produce at a nominal order total, for reporting collaborators.
func logSplitEstimate(r events.ReservationCompletedPayload, rates revenue.Rates) {
	total := decimal.NewFromInt(100)
	split, err := revenue.Calculate(total, rates)
	if err != nil {
		log.Warn().Err(err).Msg("failed to compute revenue split estimate")
		return
	}
	log.Info().
		Str("product_id", r.ProductID).
		Str("designer", split.Designer.StringFixed(2)).
		Str("collaborator", split.Collaborator.StringFixed(2)).
		Str("studio", split.Studio.StringFixed(2)).
		Msg("revenue split per 100 of order value")
}
