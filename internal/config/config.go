package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Mode string

const (
	ModePaper   Mode = "paper"
	ModeTestnet Mode = "testnet"
	ModeLive    Mode = "live"
)

// Config is the full bot configuration. It is immutable after Load: the
// strategy copies the tunable grid parameters into its own cycle state and
// adapts those, never this struct.
type Config struct {
	Mode           Mode                 `yaml:"mode"`
	Pair           string               `yaml:"pair"`
	InstanceID     string               `yaml:"instance_id"`
	Cycle          CycleConfig          `yaml:"cycle"`
	Grid           GridConfig           `yaml:"grid"`
	Profit         ProfitConfig         `yaml:"profit"`
	Fees           FeesConfig           `yaml:"fees"`
	Indicators     IndicatorsConfig     `yaml:"indicators"`
	Exchange       ExchangeConfig       `yaml:"exchange"`
	Paper          PaperConfig          `yaml:"paper"`
	State          StateConfig          `yaml:"state"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Observability  ObservabilityConfig  `yaml:"observability"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	Timeouts       TimeoutsConfig       `yaml:"timeouts"`
}

type CycleConfig struct {
	// StartOnBuy selects the first cycle direction.
	StartOnBuy *bool `yaml:"start_on_buy"`
	// DepositSecond funds buy cycles (quote asset), DepositFirst funds
	// sell cycles (base asset).
	DepositSecond Decimal `yaml:"deposit_second"`
	DepositFirst  Decimal `yaml:"deposit_first"`
	Reverse       *bool   `yaml:"reverse"`
	// ReverseThresholdPct releases a held reverse decision once price
	// drifts this far from the grid end price.
	ReverseThresholdPct Decimal `yaml:"reverse_threshold_pct"`
	CollectAssets       bool    `yaml:"collect_assets"`
	GridOnly            bool    `yaml:"grid_only"`
}

type GridConfig struct {
	OrderQ      int      `yaml:"order_q"`
	OverPrice   Decimal  `yaml:"over_price"`
	Martin      Decimal  `yaml:"martin"`
	LinearGridK *Decimal `yaml:"linear_grid_k"`
	// MaxCount caps concurrently open grid orders; the rest wait in the
	// hold queue.
	MaxCount          int   `yaml:"max_count"`
	UpdateIntervalSec int64 `yaml:"update_interval_sec"`
}

type ProfitConfig struct {
	TargetPct Decimal `yaml:"target_pct"`
	// MaxPct enables adaptive profit when > 0; bounded below by
	// TargetPct plus fees.
	MaxPct Decimal `yaml:"max_pct"`
}

type FeesConfig struct {
	MakerPct Decimal `yaml:"maker_pct"`
	TakerPct Decimal `yaml:"taker_pct"`
	// InPair: fee withheld from the traded pair itself rather than a
	// designated fee asset. InSecond: withheld from the quote leg.
	InPair   *bool `yaml:"in_pair"`
	InSecond bool  `yaml:"in_second"`
}

type IndicatorsConfig struct {
	Bollinger BollingerConfig `yaml:"bollinger"`
	ADX       ADXConfig       `yaml:"adx"`
}

type BollingerConfig struct {
	CandleInterval  string  `yaml:"candle_interval"`
	NumberOfCandles int     `yaml:"number_of_candles"`
	Deviation       Decimal `yaml:"deviation"`
}

type ADXConfig struct {
	CandleInterval  string  `yaml:"candle_interval"`
	NumberOfCandles int     `yaml:"number_of_candles"`
	Period          int     `yaml:"period"`
	Threshold       Decimal `yaml:"threshold"`
	// PriceThresholdPct gates the immediate reverse on recent movement.
	PriceThresholdPct Decimal `yaml:"price_threshold_pct"`
}

type ExchangeConfig struct {
	APIKey                 string `yaml:"api_key"`
	APISecret              string `yaml:"api_secret"`
	RestBaseURL            string `yaml:"rest_base_url"`
	WSBaseURL              string `yaml:"ws_base_url"`
	RecvWindowMs           int64  `yaml:"recv_window_ms"`
	HTTPTimeoutSec         int64  `yaml:"http_timeout_sec"`
	UserStreamKeepaliveSec int64  `yaml:"user_stream_keepalive_sec"`
}

// PaperConfig drives paper mode: a recorded price history replayed against
// the in-memory exchange.
type PaperConfig struct {
	DataPath     string           `yaml:"data_path"`
	InitialBase  Decimal          `yaml:"initial_base"`
	InitialQuote Decimal          `yaml:"initial_quote"`
	StartPrice   Decimal          `yaml:"start_price"`
	Rules        PaperRulesConfig `yaml:"rules"`
}

type PaperRulesConfig struct {
	MinQty      Decimal `yaml:"min_qty"`
	QtyStep     Decimal `yaml:"qty_step"`
	MinNotional Decimal `yaml:"min_notional"`
	PriceTick   Decimal `yaml:"price_tick"`
}

type StateConfig struct {
	Dir          string `yaml:"dir"`
	LockTakeover *bool  `yaml:"lock_takeover"`
}

type CircuitBreakerConfig struct {
	Enabled              bool  `yaml:"enabled"`
	MaxPlaceFailures     int   `yaml:"max_place_failures"`
	MaxCancelFailures    int   `yaml:"max_cancel_failures"`
	MaxReconnectFailures int   `yaml:"max_reconnect_failures"`
	ReconnectCooldownSec int64 `yaml:"reconnect_cooldown_sec"`
	ReconnectProbePasses int   `yaml:"reconnect_probe_passes"`
}

type ObservabilityConfig struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Telegram TelegramConfig `yaml:"telegram"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type TelegramConfig struct {
	Enabled         bool   `yaml:"enabled"`
	BotToken        string `yaml:"bot_token"`
	ChatID          string `yaml:"chat_id"`
	APIBaseURL      string `yaml:"api_base_url"`
	TimeoutSec      int64  `yaml:"timeout_sec"`
	CommandsEnabled bool   `yaml:"commands_enabled"`
	PollTimeoutSec  int64  `yaml:"poll_timeout_sec"`
}

type RuntimeConfig struct {
	HeartbeatSec       int64 `yaml:"heartbeat_sec"`
	AlertDropReportSec int64 `yaml:"alert_drop_report_sec"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SQLitePath string `yaml:"sqlite_path"`
}

type TimeoutsConfig struct {
	PlaceOrderSec  int64 `yaml:"place_order_sec"`
	CancelOrderSec int64 `yaml:"cancel_order_sec"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	c.Pair = strings.ToUpper(strings.TrimSpace(c.Pair))
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	c.Exchange.APIKey = strings.TrimSpace(c.Exchange.APIKey)
	c.Exchange.APISecret = strings.TrimSpace(c.Exchange.APISecret)
	c.Exchange.RestBaseURL = strings.TrimSpace(c.Exchange.RestBaseURL)
	c.Exchange.WSBaseURL = strings.TrimSpace(c.Exchange.WSBaseURL)
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.Observability.Logging.Level = strings.ToLower(strings.TrimSpace(c.Observability.Logging.Level))
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
	c.Metrics.SQLitePath = strings.TrimSpace(c.Metrics.SQLitePath)
	c.Indicators.Bollinger.CandleInterval = strings.TrimSpace(c.Indicators.Bollinger.CandleInterval)
	c.Indicators.ADX.CandleInterval = strings.TrimSpace(c.Indicators.ADX.CandleInterval)
	if c.Exchange.APIKey == "" {
		c.Exchange.APIKey = strings.TrimSpace(os.Getenv("EXCHANGE_API_KEY"))
	}
	if c.Exchange.APISecret == "" {
		c.Exchange.APISecret = strings.TrimSpace(os.Getenv("EXCHANGE_API_SECRET"))
	}
	if c.Observability.Telegram.BotToken == "" {
		c.Observability.Telegram.BotToken = strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN"))
	}
}

func boolPtr(v bool) *bool { return &v }

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModePaper
	}
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if c.Cycle.StartOnBuy == nil {
		c.Cycle.StartOnBuy = boolPtr(true)
	}
	// Cycle.Reverse stays nil unless set: absence means the trend check
	// decides per cycle.
	if c.Cycle.ReverseThresholdPct.IsZero() {
		c.Cycle.ReverseThresholdPct = dec("0.5")
	}
	if c.Grid.OrderQ == 0 {
		c.Grid.OrderQ = 10
	}
	if c.Grid.OverPrice.IsZero() {
		c.Grid.OverPrice = dec("0.6")
	}
	if c.Grid.Martin.IsZero() {
		c.Grid.Martin = dec("1.10")
	}
	if c.Grid.LinearGridK == nil {
		k := dec("0")
		c.Grid.LinearGridK = &k
	}
	if c.Grid.MaxCount == 0 {
		c.Grid.MaxCount = 20
	}
	if c.Grid.UpdateIntervalSec == 0 {
		c.Grid.UpdateIntervalSec = 120
	}
	if c.Profit.TargetPct.IsZero() {
		c.Profit.TargetPct = dec("0.25")
	}
	if c.Fees.MakerPct.IsZero() {
		c.Fees.MakerPct = dec("0.1")
	}
	if c.Fees.TakerPct.IsZero() {
		c.Fees.TakerPct = dec("0.1")
	}
	if c.Fees.InPair == nil {
		c.Fees.InPair = boolPtr(true)
	}
	if c.Indicators.Bollinger.CandleInterval == "" {
		c.Indicators.Bollinger.CandleInterval = "15m"
	}
	if c.Indicators.Bollinger.NumberOfCandles == 0 {
		c.Indicators.Bollinger.NumberOfCandles = 20
	}
	if c.Indicators.Bollinger.Deviation.IsZero() {
		c.Indicators.Bollinger.Deviation = dec("2")
	}
	if c.Indicators.ADX.CandleInterval == "" {
		c.Indicators.ADX.CandleInterval = "1m"
	}
	if c.Indicators.ADX.NumberOfCandles == 0 {
		c.Indicators.ADX.NumberOfCandles = 60
	}
	if c.Indicators.ADX.Period == 0 {
		c.Indicators.ADX.Period = 14
	}
	if c.Indicators.ADX.Threshold.IsZero() {
		c.Indicators.ADX.Threshold = dec("25")
	}
	if c.Indicators.ADX.PriceThresholdPct.IsZero() {
		c.Indicators.ADX.PriceThresholdPct = dec("0.05")
	}
	if c.Exchange.RecvWindowMs == 0 {
		c.Exchange.RecvWindowMs = 5000
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 15
	}
	if c.Exchange.UserStreamKeepaliveSec == 0 {
		c.Exchange.UserStreamKeepaliveSec = 30
	}
	if c.CircuitBreaker.MaxPlaceFailures == 0 {
		c.CircuitBreaker.MaxPlaceFailures = 5
	}
	if c.CircuitBreaker.MaxCancelFailures == 0 {
		c.CircuitBreaker.MaxCancelFailures = 5
	}
	if c.CircuitBreaker.MaxReconnectFailures == 0 {
		c.CircuitBreaker.MaxReconnectFailures = 10
	}
	if c.CircuitBreaker.ReconnectCooldownSec == 0 {
		c.CircuitBreaker.ReconnectCooldownSec = 30
	}
	if c.CircuitBreaker.ReconnectProbePasses == 0 {
		c.CircuitBreaker.ReconnectProbePasses = 1
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.State.LockTakeover == nil {
		c.State.LockTakeover = boolPtr(true)
	}
	if c.Observability.Logging.Level == "" {
		c.Observability.Logging.Level = "info"
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
	if c.Observability.Telegram.PollTimeoutSec == 0 {
		c.Observability.Telegram.PollTimeoutSec = 30
	}
	if c.Observability.Runtime.HeartbeatSec == 0 {
		c.Observability.Runtime.HeartbeatSec = 60
	}
	if c.Observability.Runtime.AlertDropReportSec == 0 {
		c.Observability.Runtime.AlertDropReportSec = 60
	}
	if c.Metrics.SQLitePath == "" {
		c.Metrics.SQLitePath = "state/cycles.db"
	}
	if c.Paper.Rules.MinQty.IsZero() {
		c.Paper.Rules.MinQty = dec("0.00001")
	}
	if c.Paper.Rules.QtyStep.IsZero() {
		c.Paper.Rules.QtyStep = dec("0.00001")
	}
	if c.Paper.Rules.MinNotional.IsZero() {
		c.Paper.Rules.MinNotional = dec("5")
	}
	if c.Paper.Rules.PriceTick.IsZero() {
		c.Paper.Rules.PriceTick = dec("0.01")
	}
	if c.Timeouts.PlaceOrderSec == 0 {
		c.Timeouts.PlaceOrderSec = 15
	}
	if c.Timeouts.CancelOrderSec == 0 {
		c.Timeouts.CancelOrderSec = 15
	}
	if c.Exchange.RestBaseURL == "" {
		switch c.Mode {
		case ModeTestnet:
			c.Exchange.RestBaseURL = "https://testnet.binance.vision"
		case ModeLive:
			c.Exchange.RestBaseURL = "https://api.binance.com"
		}
	}
	if c.Exchange.WSBaseURL == "" {
		switch c.Mode {
		case ModeTestnet:
			c.Exchange.WSBaseURL = "wss://stream.testnet.binance.vision"
		case ModeLive:
			c.Exchange.WSBaseURL = "wss://stream.binance.com:9443"
		}
	}
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModePaper, ModeTestnet, ModeLive:
	default:
		return fmt.Errorf("mode must be paper, testnet, or live")
	}
	if c.Pair == "" {
		return fmt.Errorf("pair is required")
	}
	if !isValidPair(c.Pair) {
		return fmt.Errorf("pair must match [A-Z0-9], length 6..20")
	}
	if !isValidInstanceID(c.InstanceID) {
		return fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24")
	}

	if c.Cycle.CollectAssets && c.Cycle.GridOnly {
		return fmt.Errorf("cycle collect_assets and grid_only are mutually exclusive")
	}
	one := decimal.NewFromInt(1)
	startDeposit := c.Cycle.DepositSecond
	if !*c.Cycle.StartOnBuy {
		startDeposit = c.Cycle.DepositFirst
	}
	if startDeposit.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("cycle deposit for the starting side must be > 0")
	}
	if c.Cycle.ReverseThresholdPct.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("cycle reverse_threshold_pct must be > 0")
	}

	if c.Grid.OrderQ < 1 {
		return fmt.Errorf("grid order_q must be >= 1")
	}
	if c.Grid.OverPrice.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("grid over_price must be > 0")
	}
	if c.Grid.OrderQ > 1 && c.Grid.Martin.Cmp(one) <= 0 {
		return fmt.Errorf("grid martin must be > 1")
	}
	if c.Grid.MaxCount < 1 {
		return fmt.Errorf("grid max_count must be >= 1")
	}
	if c.Grid.UpdateIntervalSec < 0 || c.Grid.UpdateIntervalSec > 86400 {
		return fmt.Errorf("grid update_interval_sec must be between 0 and 86400")
	}

	if c.Profit.TargetPct.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("profit target_pct must be > 0")
	}
	if c.Profit.MaxPct.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("profit max_pct must be >= 0")
	}
	if c.Profit.MaxPct.Cmp(decimal.Zero) > 0 {
		// The adaptive band [target+fee, max] must not be empty.
		feeFloor := c.Profit.TargetPct.Add(c.Fees.MakerPct.Mul(decimal.NewFromInt(2)))
		if c.Profit.MaxPct.Decimal.Cmp(feeFloor) < 0 {
			return fmt.Errorf("profit max_pct %s must be >= target_pct plus round-trip fee %s",
				c.Profit.MaxPct, feeFloor)
		}
	}
	if c.Fees.MakerPct.Cmp(decimal.Zero) < 0 || c.Fees.TakerPct.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("fees must be >= 0")
	}

	if c.Indicators.Bollinger.NumberOfCandles < 2 {
		return fmt.Errorf("indicators bollinger.number_of_candles must be >= 2")
	}
	if c.Indicators.Bollinger.Deviation.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("indicators bollinger.deviation must be > 0")
	}
	if c.Indicators.ADX.Period < 1 {
		return fmt.Errorf("indicators adx.period must be >= 1")
	}
	if c.Indicators.ADX.NumberOfCandles < 2*c.Indicators.ADX.Period+1 {
		return fmt.Errorf("indicators adx.number_of_candles must be >= 2*period+1")
	}
	if c.Indicators.ADX.Threshold.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("indicators adx.threshold must be > 0")
	}

	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxPlaceFailures < 1 || c.CircuitBreaker.MaxCancelFailures < 1 ||
			c.CircuitBreaker.MaxReconnectFailures < 1 {
			return fmt.Errorf("circuit_breaker failure limits must be >= 1")
		}
		if c.CircuitBreaker.ReconnectCooldownSec < 1 || c.CircuitBreaker.ReconnectCooldownSec > 3600 {
			return fmt.Errorf("circuit_breaker.reconnect_cooldown_sec must be between 1 and 3600")
		}
		if c.CircuitBreaker.ReconnectProbePasses < 1 || c.CircuitBreaker.ReconnectProbePasses > 20 {
			return fmt.Errorf("circuit_breaker.reconnect_probe_passes must be between 1 and 20")
		}
	}

	if c.Observability.Runtime.HeartbeatSec < 0 || c.Observability.Runtime.HeartbeatSec > 3600 {
		return fmt.Errorf("observability.runtime.heartbeat_sec must be between 0 and 3600")
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if c.Observability.Telegram.TimeoutSec < 1 || c.Observability.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(c.Observability.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
	}

	if c.Timeouts.PlaceOrderSec < 1 || c.Timeouts.PlaceOrderSec > 300 {
		return fmt.Errorf("timeouts.place_order_sec must be between 1 and 300")
	}
	if c.Timeouts.CancelOrderSec < 1 || c.Timeouts.CancelOrderSec > 300 {
		return fmt.Errorf("timeouts.cancel_order_sec must be between 1 and 300")
	}

	if c.Mode == ModePaper {
		if c.Paper.DataPath == "" {
			return fmt.Errorf("paper data_path is required for paper mode")
		}
		if c.Paper.StartPrice.Cmp(decimal.Zero) <= 0 {
			return fmt.Errorf("paper start_price must be > 0")
		}
	}
	if c.Mode != ModePaper {
		if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
			return fmt.Errorf("exchange api_key/api_secret are required for %s mode", c.Mode)
		}
		if c.Exchange.RestBaseURL == "" || c.Exchange.WSBaseURL == "" {
			return fmt.Errorf("exchange rest_base_url/ws_base_url are required for %s mode", c.Mode)
		}
		if c.Exchange.RecvWindowMs < 1 || c.Exchange.RecvWindowMs > 60000 {
			return fmt.Errorf("exchange recv_window_ms must be between 1 and 60000")
		}
		if c.Exchange.HTTPTimeoutSec < 1 || c.Exchange.HTTPTimeoutSec > 120 {
			return fmt.Errorf("exchange http_timeout_sec must be between 1 and 120")
		}
		if c.Exchange.UserStreamKeepaliveSec < 1 || c.Exchange.UserStreamKeepaliveSec > 3600 {
			return fmt.Errorf("exchange user_stream_keepalive_sec must be between 1 and 3600")
		}
		if err := validateURL(c.Exchange.RestBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("exchange rest_base_url %v", err)
		}
		if err := validateURL(c.Exchange.WSBaseURL, "ws", "wss"); err != nil {
			return fmt.Errorf("exchange ws_base_url %v", err)
		}
	}
	return nil
}

func dec(s string) Decimal {
	return Decimal{decimal.RequireFromString(s)}
}

func isValidInstanceID(v string) bool {
	if len(v) < 1 || len(v) > 24 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func isValidPair(v string) bool {
	if len(v) < 6 || len(v) > 20 {
		return false
	}
	for _, r := range v {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
