package main

import (
	"context"
	"errors"
	"log"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"batchtrader/internal/api"
	"batchtrader/internal/engine"
	"batchtrader/internal/events"
	"batchtrader/internal/ledger"
	"batchtrader/internal/monitor"
	"batchtrader/internal/persistence"
	"batchtrader/internal/signal"
	"batchtrader/internal/stream"
	"batchtrader/internal/venue"
	"batchtrader/pkg/config"
	"batchtrader/pkg/db"
	"batchtrader/pkg/exchanges/common"
	"batchtrader/pkg/exchanges/kraken"
	"batchtrader/pkg/i18n"
)

// minEntryWindow is the tick count every subscription must reach before the
// decision loop starts; it matches the deepest entry rung reference.
const minEntryWindow = 13

const appVersion = "v1.2"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf(i18n.Get("ConfigLoadFailed"), err)
	}

	i18n.SetLanguage(i18n.Language(cfg.Language))
	log.Println(i18n.Get("Starting"))
	log.Printf(i18n.Get("ConfigLoaded"), cfg.Port, cfg.Mode)
	log.Printf(i18n.Get("UsingDBPath"), cfg.DBPath)
	if cfg.Live() {
		log.Println(i18n.Get("LiveMode"))
	} else {
		log.Println(i18n.Get("SimulatedMode"))
	}

	ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf(i18n.Get("DBInitFailed"), err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf(i18n.Get("DBInitFailed"), err)
	}

	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()

	instruments, err := parseInstruments(cfg.Instruments)
	if err != nil {
		log.Fatalf(i18n.Get("ConfigLoadFailed"), err)
	}
	pairs := cfg.Instruments

	wallet := ledger.NewWallet(cfg.InitialBalance)
	log.Printf(i18n.Get("WalletInitialized"), wallet.Balance())

	steps, err := engine.LoadSellSteps(cfg.SellStepsPath)
	if err != nil {
		log.Fatalf(i18n.Get("ConfigLoadFailed"), err)
	}

	// Stream and engine reference each other: the manager is the engine's
	// price source, and the manager's callbacks drive the engine. The
	// callbacks only fire after Start, so the late engine assignment is safe.
	var eng *engine.Engine

	tradingCtx, stopTrading := context.WithCancel(ctx)
	defer stopTrading()

	transport := kraken.NewTransport(cfg.KrakenWSURL)
	streamMgr := stream.NewManager(
		streamConfig(cfg),
		transport,
		pairs,
		stream.Callbacks{
			OnReady: func() {
				log.Println(i18n.Get("StreamInitialized"))
				bus.Publish(events.EventStreamReady, events.Envelope{
					Type: events.EventStreamReady,
					Data: events.StreamError{Message: "stream ready", At: time.Now()},
				})
				go decisionLoop(tradingCtx, eng, cfg.Interval())
			},
			OnFatal: func(err error) {
				log.Printf(i18n.Get("StreamFailed"), err)
				bus.Publish(events.EventStreamError, events.Envelope{
					Type: events.EventStreamError,
					Data: events.StreamError{Message: err.Error(), Fatal: true, At: time.Now()},
				})
				stopTrading()
			},
		},
		metrics,
	)

	var execVenue common.ExecutionVenue
	if cfg.Live() {
		client, err := kraken.NewClient(cfg.KrakenRESTURL, cfg.KrakenAPIKey, cfg.KrakenAPISecret)
		if err != nil {
			log.Fatalf(i18n.Get("ConfigLoadFailed"), err)
		}
		execVenue = venue.NewKraken(client, streamMgr)
	} else {
		execVenue = venue.NewSim(streamMgr, instruments, instruments[0].Quote,
			cfg.InitialBalance, cfg.FeeRate, cfg.MinTradeAmount)
	}
	execVenue = venue.NewRetrying(execVenue, common.DefaultRetryPolicy())

	ticksPerMinute := 60 / cfg.IntervalSeconds
	if ticksPerMinute < 1 {
		ticksPerMinute = 1
	}

	params := signal.DefaultParams()
	params.MinProfitMultiplier = cfg.MinProfitMultiplier
	params.StopLossPercent = cfg.StopLossPercent
	params.WaitCap = cfg.WaitCap

	eng, err = engine.New(engine.Config{
		BuyAmount:      cfg.BuyAmount,
		FeeRate:        cfg.FeeRate,
		MinTradeAmount: cfg.MinTradeAmount,
		Params:         params,
		CooldownTicks:  cfg.CooldownMinutes * ticksPerMinute,
		WindowLen:      cfg.WindowMinutes * ticksPerMinute,
		Steps:          steps,
		Live:           cfg.Live(),
	}, instruments, execVenue, wallet, streamMgr, bus, metrics)
	if err != nil {
		log.Fatalf(i18n.Get("ConfigLoadFailed"), err)
	}

	snapshots := db.NewSnapshotStore(database)
	if err := snapshots.Load(ctx, eng.Restore); err != nil {
		if errors.Is(err, db.ErrNoSnapshot) {
			log.Println(i18n.Get("NoPriorState"))
		} else {
			log.Fatalf(i18n.Get("StateLoadFailed"), err)
		}
	} else {
		log.Printf(i18n.Get("SnapshotRestored"), engine.SnapshotVersion)
	}

	journal := persistence.NewJournal(database, 50, 500*time.Millisecond)
	journal.Start(bus)
	defer journal.Stop()

	go snapshotLoop(ctx, eng, snapshots)
	if cfg.Live() {
		// The venue owns the live balance; start from it instead of the
		// configured seed or a stale snapshot.
		seedLiveWallet(ctx, execVenue, wallet, instruments[0].Quote)
		go walletResyncLoop(ctx, execVenue, wallet, instruments[0].Quote)
	}

	log.Printf(i18n.Get("StreamConnecting"), len(pairs))
	if err := streamMgr.Start(ctx); err != nil {
		log.Fatalf(i18n.Get("StreamFailed"), err)
	}
	defer streamMgr.Close()

	server := api.NewServer(bus, database, eng, wallet, streamMgr, journal, metrics,
		api.SystemMeta{
			Mode:        cfg.Mode,
			Instruments: pairs,
			Interval:    cfg.Interval(),
			Version:     appVersion,
		},
		cfg.JWTSecret,
	)
	go func() {
		log.Printf(i18n.Get("ServerListening"), cfg.Port)
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf(i18n.Get("APIServerError"), err)
		}
	}()

	<-ctx.Done()
	log.Println(i18n.Get("ShuttingDown"))

	// Final snapshot with a fresh context; the signal context is done.
	saveSnapshot(context.Background(), eng, snapshots)
}

// decisionLoop runs one engine pass per interval until trading stops.
func decisionLoop(ctx context.Context, eng *engine.Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			eng.EvaluateAll(ctx)
		}
	}
}

// snapshotLoop persists the session periodically.
func snapshotLoop(ctx context.Context, eng *engine.Engine, store *db.SnapshotStore) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			saveSnapshot(ctx, eng, store)
		}
	}
}

// seedLiveWallet replaces the configured balance with the venue-reported one
// before trading starts. On error the cached value stands until the resync
// loop or the first order refreshes it.
func seedLiveWallet(ctx context.Context, v common.ExecutionVenue, wallet *ledger.Wallet, quoteAsset string) {
	balance, err := v.AvailableBalance(ctx, quoteAsset)
	if err != nil {
		log.Printf("wallet: startup venue balance fetch failed: %v", err)
		return
	}
	wallet.SetBalance(balance)
	log.Printf(i18n.Get("WalletRefreshed"), balance)
}

// walletResyncLoop keeps the cached live balance aligned with the venue
// between orders.
func walletResyncLoop(ctx context.Context, v common.ExecutionVenue, wallet *ledger.Wallet, quoteAsset string) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			balance, err := v.AvailableBalance(ctx, quoteAsset)
			if err != nil {
				log.Printf("wallet: venue balance refresh failed: %v", err)
				continue
			}
			wallet.SetBalance(balance)
			log.Printf(i18n.Get("WalletRefreshed"), balance)
		}
	}
}

func saveSnapshot(ctx context.Context, eng *engine.Engine, store *db.SnapshotStore) {
	version, payload, err := eng.Snapshot()
	if err != nil {
		log.Printf(i18n.Get("StateLoadFailed"), err)
		return
	}
	if err := store.Save(ctx, version, payload); err != nil {
		log.Printf(i18n.Get("StateLoadFailed"), err)
		return
	}
	log.Println(i18n.Get("SnapshotSaved"))
}

func streamConfig(cfg *config.Config) stream.Config {
	sc := stream.DefaultConfig()
	sc.MinWindow = minEntryWindow
	sc.StaleThreshold = time.Duration(cfg.StaleThresholdSeconds) * time.Second
	sc.RecoveryDelay = time.Duration(cfg.RecoveryDelaySeconds) * time.Second
	sc.BackoffBase = time.Duration(cfg.BackoffBaseSeconds) * time.Second
	sc.BackoffCap = time.Duration(cfg.BackoffCapSeconds) * time.Second
	sc.MaxAttempts = cfg.MaxReconnectAttempts
	sc.Stabilization = time.Duration(cfg.StabilizationSeconds) * time.Second
	sc.SubscribeDelay = time.Duration(cfg.SubscribeDelaySeconds) * time.Second
	return sc
}

func parseInstruments(pairs []string) ([]common.Instrument, error) {
	out := make([]common.Instrument, 0, len(pairs))
	for _, p := range pairs {
		base, quote, ok := strings.Cut(p, "/")
		if !ok {
			return nil, errors.New("instrument " + p + " is not a base/quote pair")
		}
		out = append(out, common.Instrument{Symbol: p, Base: base, Quote: quote})
	}
	return out, nil
}
