// Package config loads the engine configuration. Structure comes from
// a JSON file; credentials come from the environment (optionally via a
// .env file) so secrets never live next to tunables.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/risk"
	"main/pkg/conn"
)

const (
	envMakerToken   = "MAKER_API_TOKEN"
	envHedgeKey     = "HEDGE_API_KEY"
	envPostgresPass = "POSTGRES_PASSWORD"
)

// FileConfig mirrors the JSON config layout.
type FileConfig struct {
	Symbol    string          `json:"symbol"`
	Quote     QuoteConfig     `json:"quote"`
	Risk      RiskConfig      `json:"risk"`
	Hedge     HedgeConfig     `json:"hedge"`
	Feed      FeedConfig      `json:"feed"`
	Maker     MakerConfig     `json:"maker"`
	HedgeAPI  HedgeAPIConfig  `json:"hedgeVenue"`
	Engine    EngineConfig    `json:"engine"`
	Journal   JournalConfig   `json:"journal"`
	Profiling ProfilingConfig `json:"profiling"`
}

// QuoteConfig shapes the resting quote.
type QuoteConfig struct {
	SpreadPct         decimal.Decimal `json:"spreadPct"`
	CancelDistancePct decimal.Decimal `json:"cancelDistancePct"`
	OrderQty          decimal.Decimal `json:"orderQty"`
	PricePrecision    int32           `json:"pricePrecision"`
	IntervalSec       int             `json:"intervalSec"`
}

// RiskConfig mirrors the risk limits.
type RiskConfig struct {
	MaxPositionSize   decimal.Decimal `json:"maxPositionSize"`
	MaxDailyLoss      decimal.Decimal `json:"maxDailyLoss"`
	EmergencyStopLoss decimal.Decimal `json:"emergencyStopLoss"`
	MaxOpenOrders     int             `json:"maxOpenOrders"`
}

// HedgeConfig tunes hedge submission.
type HedgeConfig struct {
	MaxAttempts    int `json:"maxAttempts"`
	RetryBackoffMs int `json:"retryBackoffMs"`
}

// FeedConfig points at the private order stream.
type FeedConfig struct {
	URL                  string `json:"url"`
	ReconnectIntervalSec int    `json:"reconnectIntervalSec"`
}

// MakerConfig points at the maker venue's REST API.
type MakerConfig struct {
	BaseURL string `json:"baseUrl"`
}

// HedgeAPIConfig points at the hedge venue.
type HedgeAPIConfig struct {
	BaseURL      string `json:"baseUrl"`
	AccountIndex int    `json:"accountIndex"`
	MarketID     int    `json:"marketId"`
}

// EngineConfig holds orchestration tunables.
type EngineConfig struct {
	StatusIntervalSec     int             `json:"statusIntervalSec"`
	HedgeWaitSec          int             `json:"hedgeWaitSec"`
	VerifyIntervalSec     int             `json:"verifyIntervalSec"`
	ExposureTolerance     decimal.Decimal `json:"exposureTolerance"`
	FlattenOnExit         bool            `json:"flattenOnExit"`
	CloseSpreadPct        decimal.Decimal `json:"closeSpreadPct"`
	CloseRetryIntervalSec int             `json:"closeRetryIntervalSec"`
}

// JournalConfig enables hedge persistence.
type JournalConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Database string `json:"database"`
	SSLMode  string `json:"sslMode"`
}

// ProfilingConfig enables the continuous profiler.
type ProfilingConfig struct {
	Enabled       bool   `json:"enabled"`
	ServerAddress string `json:"serverAddress"`
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Symbol string

	Quote struct {
		SpreadPct         decimal.Decimal
		CancelDistancePct decimal.Decimal
		OrderQty          decimal.Decimal
		PricePrecision    int32
		Interval          time.Duration
	}

	Risk risk.Config

	Hedge struct {
		MaxAttempts  int
		RetryBackoff time.Duration
	}

	Feed struct {
		URL               string
		Token             string
		ReconnectInterval time.Duration
	}

	Maker struct {
		BaseURL string
		Token   string
	}

	HedgeVenue struct {
		BaseURL      string
		APIKey       string
		AccountIndex int
		MarketID     int
	}

	Engine struct {
		StatusInterval     time.Duration
		HedgeWait          time.Duration
		VerifyInterval     time.Duration
		ExposureTolerance  decimal.Decimal
		FlattenOnExit      bool
		CloseSpreadPct     decimal.Decimal
		CloseRetryInterval time.Duration
	}

	Journal struct {
		Enabled bool
		Option  conn.PostgresOption
	}

	Profiling ProfilingConfig
}

// Load reads the JSON file, overlays environment credentials and
// validates the result.
func Load(path string) (Loaded, error) {
	if err := godotenv.Load(); err != nil {
		logs.Debugf("no .env file loaded: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, errors.Wrapf(err, "read config %s", path)
	}
	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, errors.Wrapf(err, "parse config %s", path)
	}
	return resolve(cfg)
}

func resolve(cfg FileConfig) (Loaded, error) {
	var out Loaded

	if cfg.Symbol == "" {
		return out, errors.New("symbol is empty")
	}
	out.Symbol = cfg.Symbol

	if !cfg.Quote.SpreadPct.IsPositive() {
		return out, errors.New("quote.spreadPct must be > 0")
	}
	if !cfg.Quote.OrderQty.IsPositive() {
		return out, errors.New("quote.orderQty must be > 0")
	}
	if cfg.Quote.CancelDistancePct.LessThan(cfg.Quote.SpreadPct) {
		return out, errors.New("quote.cancelDistancePct must be >= quote.spreadPct")
	}
	out.Quote.SpreadPct = cfg.Quote.SpreadPct
	out.Quote.CancelDistancePct = cfg.Quote.CancelDistancePct
	out.Quote.OrderQty = cfg.Quote.OrderQty
	out.Quote.PricePrecision = cfg.Quote.PricePrecision
	if out.Quote.PricePrecision <= 0 {
		out.Quote.PricePrecision = 2
	}
	out.Quote.Interval = seconds(cfg.Quote.IntervalSec, 5*time.Second)

	out.Risk = risk.Config{
		MaxPositionSize:   cfg.Risk.MaxPositionSize,
		MaxDailyLoss:      cfg.Risk.MaxDailyLoss,
		EmergencyStopLoss: cfg.Risk.EmergencyStopLoss,
		MaxOpenOrders:     cfg.Risk.MaxOpenOrders,
	}

	out.Hedge.MaxAttempts = cfg.Hedge.MaxAttempts
	out.Hedge.RetryBackoff = time.Duration(cfg.Hedge.RetryBackoffMs) * time.Millisecond

	if cfg.Feed.URL == "" {
		return out, errors.New("feed.url is empty")
	}
	out.Feed.URL = cfg.Feed.URL
	out.Feed.ReconnectInterval = seconds(cfg.Feed.ReconnectIntervalSec, 5*time.Second)

	if cfg.Maker.BaseURL == "" {
		return out, errors.New("maker.baseUrl is empty")
	}
	out.Maker.BaseURL = cfg.Maker.BaseURL

	token := os.Getenv(envMakerToken)
	if token == "" {
		return out, errors.Errorf("%s is not set", envMakerToken)
	}
	out.Maker.Token = token
	out.Feed.Token = token

	if cfg.HedgeAPI.BaseURL == "" {
		return out, errors.New("hedgeVenue.baseUrl is empty")
	}
	out.HedgeVenue.BaseURL = cfg.HedgeAPI.BaseURL
	out.HedgeVenue.AccountIndex = cfg.HedgeAPI.AccountIndex
	out.HedgeVenue.MarketID = cfg.HedgeAPI.MarketID
	key := os.Getenv(envHedgeKey)
	if key == "" {
		return out, errors.Errorf("%s is not set", envHedgeKey)
	}
	out.HedgeVenue.APIKey = key

	out.Engine.StatusInterval = seconds(cfg.Engine.StatusIntervalSec, time.Hour)
	out.Engine.HedgeWait = seconds(cfg.Engine.HedgeWaitSec, 30*time.Second)
	out.Engine.VerifyInterval = seconds(cfg.Engine.VerifyIntervalSec, 60*time.Second)
	out.Engine.ExposureTolerance = cfg.Engine.ExposureTolerance
	out.Engine.FlattenOnExit = cfg.Engine.FlattenOnExit
	out.Engine.CloseSpreadPct = cfg.Engine.CloseSpreadPct
	out.Engine.CloseRetryInterval = seconds(cfg.Engine.CloseRetryIntervalSec, 10*time.Second)

	out.Journal.Enabled = cfg.Journal.Enabled
	if cfg.Journal.Enabled {
		out.Journal.Option = conn.PostgresOption{
			Host:     cfg.Journal.Host,
			Port:     cfg.Journal.Port,
			User:     cfg.Journal.User,
			Password: os.Getenv(envPostgresPass),
			Database: cfg.Journal.Database,
			SSLMode:  cfg.Journal.SSLMode,
		}
	}

	out.Profiling = cfg.Profiling
	if out.Profiling.Enabled && out.Profiling.ServerAddress == "" {
		return out, errors.New("profiling.serverAddress is empty")
	}

	return out, nil
}

func seconds(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}
