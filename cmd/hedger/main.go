package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/config"
	"main/internal/engine"
	"main/internal/feed"
	"main/internal/hedge"
	"main/internal/journal"
	"main/internal/ledger"
	"main/internal/obs"
	"main/internal/quote"
	"main/internal/risk"
	"main/internal/venue/lighter"
	"main/internal/venue/standx"
)

const fillQueueCapacity = 1024

func main() {
	configPath := flag.String("config", "config.json", "Path to JSON config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logs.Errorf("load config: %+v", err)
		os.Exit(1)
	}

	if cfg.Profiling.Enabled {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "hedger",
			ServerAddress:   cfg.Profiling.ServerAddress,
			Tags: map[string]string{
				"symbol": cfg.Symbol,
			},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			logs.Errorf("start profiler: %+v", err)
			os.Exit(1)
		}
		defer profiler.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logs.Errorf("engine stopped: %+v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Loaded) error {
	maker := standx.New(cfg.Maker.BaseURL, cfg.Maker.Token, cfg.Symbol)
	hedger := lighter.New(cfg.HedgeVenue.BaseURL, cfg.HedgeVenue.APIKey,
		cfg.HedgeVenue.AccountIndex, cfg.HedgeVenue.MarketID)

	var rec hedge.Recorder
	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Option)
		if err != nil {
			return err
		}
		defer j.Close()
		rec = j
	}

	led := ledger.New()
	gate := risk.NewGate(cfg.Risk)
	metrics := obs.NewMetrics()
	queue := bus.NewQueue(fillQueueCapacity)

	disp := hedge.NewDispatcher(hedge.Config{
		MaxAttempts:  cfg.Hedge.MaxAttempts,
		RetryBackoff: cfg.Hedge.RetryBackoff,
		TaskTimeout:  cfg.Engine.HedgeWait,
	}, hedger, led, gate, rec, metrics)

	quoter := quote.NewController(quote.Config{
		SpreadPct:         cfg.Quote.SpreadPct,
		CancelDistancePct: cfg.Quote.CancelDistancePct,
		OrderQty:          cfg.Quote.OrderQty,
		PricePrecision:    cfg.Quote.PricePrecision,
		Interval:          cfg.Quote.Interval,
	}, maker, maker, led, gate)

	eng := engine.New(engine.Config{
		Symbol:             cfg.Symbol,
		StatusInterval:     cfg.Engine.StatusInterval,
		HedgeWait:          cfg.Engine.HedgeWait,
		VerifyInterval:     cfg.Engine.VerifyInterval,
		ExposureTolerance:  cfg.Engine.ExposureTolerance,
		FlattenOnExit:      cfg.Engine.FlattenOnExit,
		CloseSpreadPct:     cfg.Engine.CloseSpreadPct,
		CloseRetryInterval: cfg.Engine.CloseRetryInterval,
		PricePrecision:     cfg.Quote.PricePrecision,
	}, engine.Deps{
		Maker:   maker,
		Market:  maker,
		Hedger:  hedger,
		Ledger:  led,
		Gate:    gate,
		Queue:   queue,
		Disp:    disp,
		Quoter:  quoter,
		Metrics: metrics,
	})

	// The feed hooks point back into the engine, so the client is wired
	// in after construction.
	eng.SetFeed(feed.NewClient(feed.Config{
		URL:               cfg.Feed.URL,
		Token:             cfg.Feed.Token,
		ReconnectInterval: cfg.Feed.ReconnectInterval,
	}, feed.DialWebsocket, feed.Hooks{
		OnFill:       eng.HandleFeedFill,
		OnCancel:     eng.HandleFeedCancel,
		OnSubscribed: eng.Reconcile,
		OnFatal:      eng.HandleFeedFatal,
	}, metrics))

	return eng.Run(ctx)
}
