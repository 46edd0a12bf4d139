package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Logging struct {
	Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" default:"json" validate:"oneof=json console"`
}

type Account struct {
	Equity    float64 `yaml:"equity" default:"10000" validate:"gt=0"`
	Leverage  int     `yaml:"leverage" default:"10" validate:"gte=1,lte=125"`
	StatePath string  `yaml:"state_path" default:"data/portfolio.json"`
}

// Session is the daily trading window. Times are "15:04" in Location.
type Session struct {
	Location        string        `yaml:"location" default:"Local"`
	Start           string        `yaml:"start" default:"08:00" validate:"clock"`
	End             string        `yaml:"end" default:"19:00" validate:"clock"`
	ForceClose      string        `yaml:"force_close" default:"19:30" validate:"clock"`
	TickInterval    time.Duration `yaml:"tick_interval" default:"15m" validate:"gt=0"`
	RangeInterval   time.Duration `yaml:"range_interval" default:"1h" validate:"gt=0"`
	ProducerTimeout time.Duration `yaml:"producer_timeout" default:"20s" validate:"gt=0"`
}

type Weights struct {
	Technical       float64 `yaml:"technical" default:"0.40" validate:"gte=0,lte=1"`
	LanguageModel   float64 `yaml:"language_model" default:"0.35" validate:"gte=0,lte=1"`
	TimeSeriesModel float64 `yaml:"time_series_model" default:"0.25" validate:"gte=0,lte=1"`
}

func (w Weights) Sum() float64 {
	return w.Technical + w.LanguageModel + w.TimeSeriesModel
}

type Fusion struct {
	Weights          Weights       `yaml:"weights"`
	MinConfidence    float64       `yaml:"min_confidence" default:"0.5" validate:"gte=0,lte=1"`
	ActionThreshold  float64       `yaml:"action_threshold" default:"0.3" validate:"gt=0,lte=1"`
	StalenessCeiling time.Duration `yaml:"staleness_ceiling" default:"30m" validate:"gt=0"`
	MinAccuracy      float64       `yaml:"min_accuracy_factor" default:"0.3" validate:"gte=0,lte=1"`
	MaxAccuracy      float64       `yaml:"max_accuracy_factor" default:"1.0" validate:"gtefield=MinAccuracy,lte=1"`
}

type Oscillation struct {
	Lookback          time.Duration `yaml:"lookback" default:"24h" validate:"gt=0"`
	ShrinkFactor      float64       `yaml:"shrink_factor" default:"0.6" validate:"gt=0,lte=1"`
	EntryThreshold    float64       `yaml:"entry_threshold" default:"0.1" validate:"gte=0,lt=0.5"`
	BreakoutThreshold float64       `yaml:"breakout_threshold" default:"0.2" validate:"gte=0"`
}

type Guard struct {
	StopLossPct       float64 `yaml:"stop_loss_pct" default:"0.02" validate:"gt=0,lt=1"`
	TakeProfitPct     float64 `yaml:"take_profit_pct" default:"0.015" validate:"gte=0,lt=1"`
	TrailingDistance  float64 `yaml:"trailing_distance" default:"0.01" validate:"gte=0,lt=1"`
	MinProfitForTrail float64 `yaml:"min_profit_for_trail" default:"0.005" validate:"gte=0,lt=1"`
	EmergencyFactor   float64 `yaml:"emergency_factor" default:"1.5" validate:"gte=1"`
	Trailing          bool    `yaml:"trailing" default:"true"`
	PartialTargets    bool    `yaml:"partial_targets" default:"false"`
}

type Risk struct {
	DailyLossLimitPct     float64 `yaml:"daily_loss_limit_pct" default:"0.05" validate:"gt=0,lte=1"`
	BreakoutHaltMagnitude float64 `yaml:"breakout_halt_magnitude" default:"0.5" validate:"gt=0"`
	ReduceAfterLosses     int     `yaml:"reduce_after_losses" default:"3" validate:"gte=1"`
	HaltAfterLosses       int     `yaml:"halt_after_losses" default:"5" validate:"gtfield=ReduceAfterLosses"`
	RecoverAfterWins      int     `yaml:"recover_after_wins" default:"2" validate:"gte=1"`
	MaxTotalRatio         float64 `yaml:"max_total_ratio" default:"0.30" validate:"gt=0,lte=1"`
	MaxInstrumentRatio    float64 `yaml:"max_instrument_ratio" default:"0.10" validate:"gt=0,lte=1"`
	MaxSingleTradePct     float64 `yaml:"max_single_trade_pct" default:"0.10" validate:"gt=0,lte=1"`
	ReducedSizeMultiplier float64 `yaml:"reduced_size_multiplier" default:"0.5" validate:"gt=0,lte=1"`
	EventLogPath          string  `yaml:"event_log_path" default:"data/breaker_events.jsonl"`
	Guard                 Guard   `yaml:"guard"`
}

type Orders struct {
	MaxAttempts       int           `yaml:"max_attempts" default:"3" validate:"gte=1"`
	BackoffBase       time.Duration `yaml:"backoff_base" default:"500ms" validate:"gt=0"`
	BackoffMax        time.Duration `yaml:"backoff_max" default:"5s" validate:"gtefield=BackoffBase"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval" default:"30s" validate:"gt=0"`
	MissingGrace      time.Duration `yaml:"missing_grace" default:"2m" validate:"gte=0"`
	JournalPath       string        `yaml:"journal_path" default:"data/orders.jsonl"`
	LotSize           float64       `yaml:"lot_size" default:"0.0001" validate:"gt=0"`
	Slippage          Slippage      `yaml:"slippage"`
}

// Slippage bounds entry fills. Any mode other than none sends entries as
// limit orders at the bound around the decision price.
type Slippage struct {
	Mode           string  `yaml:"mode" default:"none" validate:"oneof=none percentage absolute adaptive"`
	MaxPct         float64 `yaml:"max_pct" default:"0.002" validate:"gte=0,lt=1"`
	MaxAbs         float64 `yaml:"max_abs" validate:"gte=0"`
	AdaptiveFactor float64 `yaml:"adaptive_factor" default:"2" validate:"gte=0"`
}

type Redis struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr" default:"localhost:6379"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix" default:"swapfusion"`
}

type Forecast struct {
	CacheTTL           time.Duration `yaml:"cache_ttl" default:"5m" validate:"gt=0"`
	Retention          time.Duration `yaml:"retention" default:"48h" validate:"gt=0"`
	DefaultHorizon     time.Duration `yaml:"default_horizon" default:"4h" validate:"gt=0"`
	ValidationInterval time.Duration `yaml:"validation_interval" default:"5m" validate:"gt=0"`
	SidewaysBandPct    float64       `yaml:"sideways_band_pct" default:"0.1" validate:"gte=0"`
	Alpha              float64       `yaml:"ewma_alpha" default:"0.1" validate:"gt=0,lte=1"`
	PriceTolerance     time.Duration `yaml:"price_tolerance" default:"10m" validate:"gt=0"`
	Redis              Redis         `yaml:"redis"`
}

type Remote struct {
	Enabled      bool          `yaml:"enabled"`
	BaseURL      string        `yaml:"base_url" validate:"omitempty,url"`
	Path         string        `yaml:"path" default:"/v1/forecast"`
	APIKey       string        `yaml:"api_key"`
	Model        string        `yaml:"model"`
	RatePerMin   int           `yaml:"rate_per_minute" default:"30" validate:"gte=1"`
	Timeout      time.Duration `yaml:"timeout" default:"20s" validate:"gt=0"`
	HorizonHours int           `yaml:"horizon_hours" default:"4" validate:"gte=1"`
}

type Producers struct {
	LanguageModel   Remote `yaml:"language_model"`
	TimeSeriesModel Remote `yaml:"time_series_model"`
}

type Paper struct {
	FeeRate        float64 `yaml:"fee_rate" default:"0.0005" validate:"gte=0,lt=0.01"`
	SlippageBpsMax int     `yaml:"slippage_bps_max" default:"5" validate:"gte=0"`
	RatePerSecond  float64 `yaml:"rate_per_second" default:"10" validate:"gt=0"`
	ReplayPath     string  `yaml:"replay_path"`
}

// Market configures price history and, when BaseURL is set, the live
// last-price poller. Without it the engine runs on a replay file.
type Market struct {
	HistoryRetention time.Duration `yaml:"history_retention" default:"48h" validate:"gt=0"`
	Window           int           `yaml:"window" default:"100" validate:"gte=20"`
	BaseURL          string        `yaml:"base_url" validate:"omitempty,url"`
	Path             string        `yaml:"path" default:"/v1/ticker"`
	RatePerMin       int           `yaml:"rate_per_minute" default:"60" validate:"gte=1"`
	Timeout          time.Duration `yaml:"timeout" default:"5s" validate:"gt=0"`
	MaxPriceJump     float64       `yaml:"max_price_jump" default:"0.2" validate:"gte=0"`
}

type HTTPServer struct {
	Addr string `yaml:"addr" default:":8090"`
}

// Control guards the operator command endpoint. An empty secret disables
// signature checks; an empty allowlist admits every user.
type Control struct {
	SigningSecretEnv string        `yaml:"signing_secret_env" default:"SWAPFUSION_CONTROL_SECRET"`
	AllowedUsers     []string      `yaml:"allowed_users"`
	MaxSkew          time.Duration `yaml:"max_skew" default:"5m" validate:"gt=0"`
}

type Root struct {
	TradingMode string      `yaml:"trading_mode" default:"paper" validate:"oneof=paper dry-run"`
	Instruments []string    `yaml:"instruments" validate:"required,min=1,dive,required"`
	Logging     Logging     `yaml:"logging"`
	Account     Account     `yaml:"account"`
	Session     Session     `yaml:"session"`
	Fusion      Fusion      `yaml:"fusion"`
	Oscillation Oscillation `yaml:"oscillation"`
	Risk        Risk        `yaml:"risk"`
	Orders      Orders      `yaml:"orders"`
	Forecast    Forecast    `yaml:"forecast"`
	Producers   Producers   `yaml:"producers"`
	Paper       Paper       `yaml:"paper"`
	Market      Market      `yaml:"market"`
	HTTP        HTTPServer  `yaml:"http"`
	Control     Control     `yaml:"control"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("clock", func(fl validator.FieldLevel) bool {
		_, err := time.Parse("15:04", fl.Field().String())
		return err == nil
	})
	return v
}

// Load reads path, applies defaults and validates.
func Load(path string) (Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Root{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML bytes, applies defaults and validates.
func Parse(b []byte) (Root, error) {
	var c Root
	if err := defaults.Set(&c); err != nil {
		return c, fmt.Errorf("config defaults: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// Default returns the defaulted configuration for the given instruments.
func Default(instruments ...string) Root {
	var c Root
	_ = defaults.Set(&c)
	c.Instruments = instruments
	return c
}

func (c Root) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if sum := c.Fusion.Weights.Sum(); math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("fusion.weights must sum to 1.0, got %.4f", sum)
	}
	if c.Risk.MaxInstrumentRatio > c.Risk.MaxTotalRatio {
		return fmt.Errorf("risk.max_instrument_ratio %.2f exceeds max_total_ratio %.2f",
			c.Risk.MaxInstrumentRatio, c.Risk.MaxTotalRatio)
	}
	for name, r := range map[string]Remote{
		"language_model":    c.Producers.LanguageModel,
		"time_series_model": c.Producers.TimeSeriesModel,
	} {
		if r.Enabled && r.BaseURL == "" {
			return fmt.Errorf("producers.%s.base_url is required when enabled", name)
		}
	}
	if _, err := c.Session.Clock(); err != nil {
		return err
	}
	return nil
}

// Clock resolves the session window in its location.
func (s Session) Clock() (Window, error) {
	loc, err := time.LoadLocation(s.Location)
	if err != nil {
		return Window{}, fmt.Errorf("session.location: %w", err)
	}
	parse := func(v string) (time.Duration, error) {
		t, err := time.Parse("15:04", v)
		if err != nil {
			return 0, err
		}
		return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
	}
	start, err := parse(s.Start)
	if err != nil {
		return Window{}, fmt.Errorf("session.start: %w", err)
	}
	end, err := parse(s.End)
	if err != nil {
		return Window{}, fmt.Errorf("session.end: %w", err)
	}
	force, err := parse(s.ForceClose)
	if err != nil {
		return Window{}, fmt.Errorf("session.force_close: %w", err)
	}
	if end <= start {
		return Window{}, fmt.Errorf("session.end %s must be after start %s", s.End, s.Start)
	}
	if force < end {
		return Window{}, fmt.Errorf("session.force_close %s must not precede end %s", s.ForceClose, s.End)
	}
	return Window{Location: loc, Start: start, End: end, ForceClose: force}, nil
}

// Window holds offsets from local midnight.
type Window struct {
	Location   *time.Location
	Start      time.Duration
	End        time.Duration
	ForceClose time.Duration
}

func (w Window) offset(t time.Time) time.Duration {
	t = t.In(w.Location)
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second
}

// Open reports whether new evaluations may run at t.
func (w Window) Open(t time.Time) bool {
	off := w.offset(t)
	return off >= w.Start && off < w.End
}

// PastForceClose reports whether t is at or after the flatten time.
func (w Window) PastForceClose(t time.Time) bool {
	return w.offset(t) >= w.ForceClose
}

// Day is the trading date of t in the window's location.
func (w Window) Day(t time.Time) string {
	return t.In(w.Location).Format("2006-01-02")
}
