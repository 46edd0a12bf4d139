// Package app builds a trading session from configuration.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/Rajchodisetti/swapfusion/internal/config"
	"github.com/Rajchodisetti/swapfusion/internal/control"
	"github.com/Rajchodisetti/swapfusion/internal/decision"
	"github.com/Rajchodisetti/swapfusion/internal/exchange"
	"github.com/Rajchodisetti/swapfusion/internal/forecast"
	"github.com/Rajchodisetti/swapfusion/internal/market"
	"github.com/Rajchodisetti/swapfusion/internal/observ"
	"github.com/Rajchodisetti/swapfusion/internal/orders"
	"github.com/Rajchodisetti/swapfusion/internal/oscillation"
	"github.com/Rajchodisetti/swapfusion/internal/outbox"
	"github.com/Rajchodisetti/swapfusion/internal/portfolio"
	"github.com/Rajchodisetti/swapfusion/internal/risk"
	"github.com/Rajchodisetti/swapfusion/internal/session"
	"github.com/Rajchodisetti/swapfusion/internal/signal"
)

// Environment overrides applied after the config file.
const (
	EnvForecastAPIKey = "SWAPFUSION_FORECAST_API_KEY"
	EnvRedisAddr      = "SWAPFUSION_REDIS_ADDR"
)

// ApplyEnv fills secrets and endpoints from the environment.
func ApplyEnv(cfg *config.Root) {
	if key := os.Getenv(EnvForecastAPIKey); key != "" {
		if cfg.Producers.LanguageModel.APIKey == "" {
			cfg.Producers.LanguageModel.APIKey = key
		}
		if cfg.Producers.TimeSeriesModel.APIKey == "" {
			cfg.Producers.TimeSeriesModel.APIKey = key
		}
	}
	if addr := os.Getenv(EnvRedisAddr); addr != "" {
		cfg.Forecast.Redis.Addr = addr
		cfg.Forecast.Redis.Enabled = true
	}
}

type Options struct {
	// Clock drives every component; nil means the wall clock.
	Clock func() time.Time
	// Ephemeral disables journals and state files. Replays use it so a
	// rerun does not see its own decisions as duplicates.
	Ephemeral bool
	// Market overrides the snapshot source. Without it a configured ticker
	// is used, else the history alone.
	Market market.Source
	// Unlimited skips the exchange rate limiter; simulated clocks run far
	// faster than the exchange's real budget.
	Unlimited bool
	Seed      int64
}

type App struct {
	Config    config.Root
	Window    config.Window
	History   *market.History
	Paper     *exchange.Paper
	Cache     *forecast.Cache
	Validator *forecast.Validator
	Risk      *risk.Manager
	Orders    *orders.Tracker
	Book      *portfolio.Manager
	Scheduler *session.Scheduler
	Control   *control.Handler

	closers []func() error
}

// Build wires the engine. The caller must Close the result.
func Build(ctx context.Context, cfg config.Root, opts Options) (*App, error) {
	win, err := cfg.Session.Clock()
	if err != nil {
		return nil, err
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	local := func() time.Time { return clock().In(win.Location) }
	a := &App{Config: cfg, Window: win}

	var (
		journal        *outbox.Outbox
		breakerJournal *outbox.Outbox
		statePath      string
	)
	if !opts.Ephemeral {
		if journal, err = outbox.New(cfg.Orders.JournalPath, 24*time.Hour); err != nil {
			return nil, err
		}
		if breakerJournal, err = outbox.New(cfg.Risk.EventLogPath, 0); err != nil {
			return nil, err
		}
		statePath = cfg.Account.StatePath
	}

	a.History = market.NewHistory(cfg.Market.HistoryRetention, cfg.Market.Window, cfg.Forecast.PriceTolerance)
	a.History.SetMaxJump(cfg.Market.MaxPriceJump)
	src := opts.Market
	if src == nil {
		src = a.History
		if cfg.Market.BaseURL != "" {
			src = market.NewTicker(market.TickerConfig{
				BaseURL:       cfg.Market.BaseURL,
				Path:          cfg.Market.Path,
				RatePerMinute: cfg.Market.RatePerMin,
				Timeout:       cfg.Market.Timeout,
			}, a.History)
		}
	}

	seed := opts.Seed
	if seed == 0 {
		seed = clock().UnixNano()
	}
	paperCfg := exchange.PaperConfig{
		FeeRate:        cfg.Paper.FeeRate,
		SlippageBpsMax: cfg.Paper.SlippageBpsMax,
		LotSize:        cfg.Orders.LotSize,
		Leverage:       float64(cfg.Account.Leverage),
		Seed:           seed,
		Clock:          clock,
	}
	if journal != nil {
		paperCfg.Journal = journal
	}
	a.Paper = exchange.NewPaper(paperCfg)
	var client exchange.Client = a.Paper
	if !opts.Unlimited {
		client = exchange.NewLimited(a.Paper, cfg.Paper.RatePerSecond, int(cfg.Paper.RatePerSecond)+1)
	}

	a.Cache = forecast.NewCache(forecast.CacheConfig{
		TTL:            cfg.Forecast.CacheTTL,
		Retention:      cfg.Forecast.Retention,
		DefaultHorizon: cfg.Forecast.DefaultHorizon,
		Clock:          clock,
	})
	var store forecast.StatsStore = forecast.NopStore{}
	if cfg.Forecast.Redis.Enabled {
		rs, err := forecast.NewRedisStore(ctx, forecast.RedisOptions{
			Addr:     cfg.Forecast.Redis.Addr,
			Password: cfg.Forecast.Redis.Password,
			DB:       cfg.Forecast.Redis.DB,
			Prefix:   cfg.Forecast.Redis.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("forecast store: %w", err)
		}
		store = rs
		a.closers = append(a.closers, rs.Close)
	}
	vcfg := forecast.DefaultValidatorConfig()
	vcfg.SidewaysBandPct = cfg.Forecast.SidewaysBandPct
	vcfg.Alpha = cfg.Forecast.Alpha
	vcfg.MinFactor = cfg.Fusion.MinAccuracy
	vcfg.MaxFactor = cfg.Fusion.MaxAccuracy
	vcfg.DefaultHorizon = cfg.Forecast.DefaultHorizon
	a.Validator = forecast.NewValidator(vcfg, a.Cache, a.History, store)
	if err := a.Validator.Load(ctx); err != nil {
		observ.Warn("forecast_stats_load_failed", map[string]any{"err": err})
	}

	producers, err := buildProducers(cfg, clock)
	if err != nil {
		a.Close()
		return nil, err
	}

	engine := decision.NewEngine(decision.Config{
		Weights: map[signal.Source]float64{
			signal.Technical:       cfg.Fusion.Weights.Technical,
			signal.LanguageModel:   cfg.Fusion.Weights.LanguageModel,
			signal.TimeSeriesModel: cfg.Fusion.Weights.TimeSeriesModel,
		},
		MinConfidence:    cfg.Fusion.MinConfidence,
		Threshold:        cfg.Fusion.ActionThreshold,
		StalenessCeiling: cfg.Fusion.StalenessCeiling,
		MinAccuracy:      cfg.Fusion.MinAccuracy,
		MaxAccuracy:      cfg.Fusion.MaxAccuracy,
	}, a.Validator)

	ranges := oscillation.NewTracker(oscillation.Config{
		Lookback:          cfg.Oscillation.Lookback,
		ShrinkFactor:      cfg.Oscillation.ShrinkFactor,
		EntryThreshold:    cfg.Oscillation.EntryThreshold,
		BreakoutThreshold: cfg.Oscillation.BreakoutThreshold,
	})

	var riskJournal risk.Journal
	if breakerJournal != nil {
		riskJournal = breakerJournal
	}
	a.Risk = risk.NewManager(risk.Config{
		DailyLossLimitPct:     cfg.Risk.DailyLossLimitPct,
		BreakoutHaltMagnitude: cfg.Risk.BreakoutHaltMagnitude,
		ReduceAfterLosses:     cfg.Risk.ReduceAfterLosses,
		HaltAfterLosses:       cfg.Risk.HaltAfterLosses,
		RecoverAfterWins:      cfg.Risk.RecoverAfterWins,
		MaxTotalRatio:         cfg.Risk.MaxTotalRatio,
		MaxInstrumentRatio:    cfg.Risk.MaxInstrumentRatio,
		MaxSingleTradePct:     cfg.Risk.MaxSingleTradePct,
		ReducedSizeMultiplier: cfg.Risk.ReducedSizeMultiplier,
		Clock:                 local,
	}, cfg.Account.Equity, riskJournal)
	if breakerJournal != nil {
		entries, err := breakerJournal.ReadType(outbox.KindBreaker)
		if err != nil {
			observ.Warn("breaker_journal_read_failed", map[string]any{"err": err})
		}
		a.Risk.Restore(risk.DecodeEvents(entries))
	}

	gcfg := risk.DefaultGuardConfig()
	g := cfg.Risk.Guard
	gcfg.StopLossPct = g.StopLossPct
	gcfg.TakeProfitPct = g.TakeProfitPct
	gcfg.TrailingDistance = g.TrailingDistance
	gcfg.MinProfitForTrail = g.MinProfitForTrail
	gcfg.EmergencyFactor = g.EmergencyFactor
	gcfg.Trailing = g.Trailing
	gcfg.PartialTargets = g.PartialTargets

	a.Book = portfolio.NewManager(statePath, cfg.Account.Equity, client, clock)
	if err := a.Book.Load(); err != nil {
		observ.Warn("portfolio_load_failed", map[string]any{"err": err})
	}
	ledger := session.NewLedger(a.Risk, a.Book)

	ocfg := orders.DefaultConfig()
	ocfg.MaxAttempts = cfg.Orders.MaxAttempts
	ocfg.BackoffBase = cfg.Orders.BackoffBase
	ocfg.BackoffMax = cfg.Orders.BackoffMax
	ocfg.MissingGrace = cfg.Orders.MissingGrace
	ocfg.Slippage = orders.SlippageConfig{
		Mode:           orders.SlippageMode(cfg.Orders.Slippage.Mode),
		MaxPct:         cfg.Orders.Slippage.MaxPct,
		MaxAbs:         cfg.Orders.Slippage.MaxAbs,
		AdaptiveFactor: cfg.Orders.Slippage.AdaptiveFactor,
	}
	if err := ocfg.Slippage.Validate(); err != nil {
		return nil, err
	}
	ocfg.Clock = clock
	var orderJournal orders.Journal
	var sessionJournal session.Journal
	if journal != nil {
		orderJournal = journal
		sessionJournal = journal
	}
	a.Orders = orders.NewTracker(ocfg, client, orderJournal, ledger)

	a.Scheduler, err = session.New(session.Config{
		Instruments:        cfg.Instruments,
		Window:             win,
		TickInterval:       cfg.Session.TickInterval,
		RangeInterval:      cfg.Session.RangeInterval,
		RangeLookback:      cfg.Oscillation.Lookback,
		ProducerTimeout:    cfg.Session.ProducerTimeout,
		ValidationInterval: cfg.Forecast.ValidationInterval,
		ReconcileInterval:  cfg.Orders.ReconcileInterval,
		Clock:              clock,
	}, session.Deps{
		Market:    src,
		History:   a.History,
		Marks:     a.Paper,
		Producers: producers,
		Cache:     a.Cache,
		Validator: a.Validator,
		Engine:    engine,
		Ranges:    ranges,
		Risk:      a.Risk,
		Guard:     risk.NewPositionGuard(gcfg),
		Orders:    a.Orders,
		Book:      a.Book,
		Ledger:    ledger,
		Journal:   sessionJournal,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Control = control.NewHandler(control.Config{
		SigningSecret: os.Getenv(cfg.Control.SigningSecretEnv),
		AllowedUsers:  cfg.Control.AllowedUsers,
		MaxSkew:       cfg.Control.MaxSkew,
	}, a.Scheduler)

	observ.Log("engine_built", map[string]any{
		"mode":        cfg.TradingMode,
		"instruments": cfg.Instruments,
		"producers":   len(producers),
		"equity":      cfg.Account.Equity,
		"ephemeral":   opts.Ephemeral,
	})
	return a, nil
}

func buildProducers(cfg config.Root, clock func() time.Time) ([]signal.Producer, error) {
	tcfg := signal.DefaultTechnicalConfig()
	tcfg.EntryThreshold = cfg.Oscillation.EntryThreshold
	tcfg.Clock = clock
	out := []signal.Producer{signal.NewTechnical(tcfg)}

	for _, r := range []struct {
		src signal.Source
		cfg config.Remote
	}{
		{signal.LanguageModel, cfg.Producers.LanguageModel},
		{signal.TimeSeriesModel, cfg.Producers.TimeSeriesModel},
	} {
		if !r.cfg.Enabled {
			continue
		}
		p, err := signal.NewRemote(signal.RemoteConfig{
			Source:        r.src,
			BaseURL:       r.cfg.BaseURL,
			Path:          r.cfg.Path,
			APIKey:        r.cfg.APIKey,
			Model:         r.cfg.Model,
			RatePerMinute: r.cfg.RatePerMin,
			Timeout:       r.cfg.Timeout,
			Horizon:       time.Duration(r.cfg.HorizonHours) * time.Hour,
			Clock:         clock,
		})
		if err != nil {
			return nil, fmt.Errorf("producer %s: %w", r.src, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// Handler serves metrics, health, the status snapshot and operator commands.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/healthz", observ.Health())
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(a.Scheduler.Status())
	})
	mux.Handle("/control", a.Control)
	return mux
}

// Serve runs the HTTP server until ctx ends.
func (a *App) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: a.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	observ.Log("http_listening", map[string]any{"addr": addr})

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdown); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Close persists state and releases connections.
func (a *App) Close() error {
	var errs []error
	if a.Book != nil {
		errs = append(errs, a.Book.Save())
	}
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
