package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"papertrader/internal/database"
	"papertrader/internal/exits"
	"papertrader/internal/gatekeeper"
	"papertrader/internal/logging"
	"papertrader/internal/pricefeed"
	"papertrader/internal/risk"
)

// ErrInvalid is wrapped by every Validate failure
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	EngineConfig     EngineConfig     `json:"engine" yaml:"engine"`
	RiskConfig       RiskConfig       `json:"risk" yaml:"risk"`
	GatekeeperConfig GatekeeperConfig `json:"gatekeeper" yaml:"gatekeeper"`
	StorageConfig    StorageConfig    `json:"storage" yaml:"storage"`
	PriceFeedConfig  PriceFeedConfig  `json:"price_feed" yaml:"price_feed"`
	LoggingConfig    logging.Config   `json:"logging" yaml:"logging"`
	ServerConfig     ServerConfig     `json:"server" yaml:"server"`
	RedisConfig      RedisConfig      `json:"redis" yaml:"redis"`
	DatabaseConfig   DatabaseConfig   `json:"database" yaml:"database"`
}

// EngineConfig selects the strategy variant and paces the loop
type EngineConfig struct {
	Variant              string   `json:"variant" yaml:"variant"`
	StartBalance         float64  `json:"start_balance_usdt" yaml:"start_balance_usdt"`
	LoopInterval         Duration `json:"loop_interval" yaml:"loop_interval"`
	RestartDelay         Duration `json:"restart_delay" yaml:"restart_delay"`
	EquityLogMinInterval Duration `json:"equity_log_min_interval" yaml:"equity_log_min_interval"`
}

type RiskConfig struct {
	RiskPct    float64 `json:"risk_pct" yaml:"risk_pct"`         // Fraction of balance lost at the stop
	Slippage   float64 `json:"slippage" yaml:"slippage"`         // Fraction applied against every fill
	FeePerSide float64 `json:"fee_per_side" yaml:"fee_per_side"` // Fraction of exit notional
	SLBuffer   float64 `json:"sl_buffer" yaml:"sl_buffer"`       // Stop distance beyond the reference levels
}

type GatekeeperConfig struct {
	MaxOpenTrades        int  `json:"max_open_trades" yaml:"max_open_trades"`
	OnePositionPerSymbol bool `json:"one_position_per_symbol" yaml:"one_position_per_symbol"`
	NoHedge              bool `json:"no_hedge" yaml:"no_hedge"`
}

type StorageConfig struct {
	DataDir    string `json:"data_dir" yaml:"data_dir"`       // Per-variant state lives in <data_dir>/<variant>
	SignalsCSV string `json:"signals_csv" yaml:"signals_csv"` // Confirmed signal feed
}

type PriceFeedConfig struct {
	BaseURLs       []string `json:"base_urls" yaml:"base_urls"`
	CacheTTL       Duration `json:"cache_ttl" yaml:"cache_ttl"`
	StaleMaxAge    Duration `json:"stale_max_age" yaml:"stale_max_age"`
	CooldownStep   Duration `json:"cooldown_step" yaml:"cooldown_step"`
	CooldownMax    Duration `json:"cooldown_max" yaml:"cooldown_max"`
	MaxAttempts    int      `json:"max_attempts" yaml:"max_attempts"`
	RequestTimeout Duration `json:"request_timeout" yaml:"request_timeout"`
}

type ServerConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	Host            string `json:"host" yaml:"host"`
	Port            int    `json:"port" yaml:"port"`
	AllowedOrigins  string `json:"allowed_origins" yaml:"allowed_origins"` // Comma-separated, "*" for any
	ReadTimeout     int    `json:"read_timeout" yaml:"read_timeout"`       // Seconds
	WriteTimeout    int    `json:"write_timeout" yaml:"write_timeout"`     // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// RedisConfig enables the shared last-known price tier
type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	PoolSize int    `json:"pool_size" yaml:"pool_size"`
}

// DatabaseConfig enables mirroring journal records into Postgres
type DatabaseConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	Database string `json:"database" yaml:"database"`
	SSLMode  string `json:"ssl_mode" yaml:"ssl_mode"`
	MaxConns int    `json:"max_conns" yaml:"max_conns"`
}

// Duration reads "45s" style strings or a number of seconds
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v interface{}
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v interface{}) error {
	switch x := v.(type) {
	case float64:
		d.Duration = time.Duration(x * float64(time.Second))
	case int:
		d.Duration = time.Duration(x) * time.Second
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", x, err)
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// Default returns the production settings
func Default() *Config {
	pf := pricefeed.DefaultConfig()
	return &Config{
		EngineConfig: EngineConfig{
			Variant:              exits.VariantA,
			StartBalance:         10000,
			LoopInterval:         Duration{45 * time.Second},
			RestartDelay:         Duration{10 * time.Second},
			EquityLogMinInterval: Duration{60 * time.Second},
		},
		RiskConfig: RiskConfig{
			RiskPct:    0.01,
			Slippage:   0.0005,
			FeePerSide: 0,
			SLBuffer:   0.001,
		},
		GatekeeperConfig: GatekeeperConfig{
			MaxOpenTrades:        3,
			OnePositionPerSymbol: true,
			NoHedge:              true,
		},
		StorageConfig: StorageConfig{
			DataDir:    "data/paper",
			SignalsCSV: "data/signals/signals_confirmed.csv",
		},
		PriceFeedConfig: PriceFeedConfig{
			BaseURLs:       pf.BaseURLs,
			CacheTTL:       Duration{pf.CacheTTL},
			StaleMaxAge:    Duration{pf.StaleMaxAge},
			CooldownStep:   Duration{pf.CooldownStep},
			CooldownMax:    Duration{pf.CooldownMax},
			MaxAttempts:    pf.MaxAttempts,
			RequestTimeout: Duration{pf.RequestTimeout},
		},
		LoggingConfig: logging.DefaultConfig(),
		ServerConfig: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8090,
			AllowedOrigins:  "*",
			ReadTimeout:     30,
			WriteTimeout:    30,
			ShutdownTimeout: 10,
		},
		RedisConfig: RedisConfig{
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		DatabaseConfig: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "papertrader",
			Database: "papertrader",
			SSLMode:  "disable",
			MaxConns: 5,
		},
	}
}

// Load reads .env, then the config file at path (JSON or YAML by extension),
// then environment overrides. A missing file leaves the defaults in place.
func Load(path string) (*Config, error) {
	// .env never overrides variables already set in the process
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		if err := loadFromFile(path, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(filename string, cfg *Config) error {
	file, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(file, cfg)
	default:
		err = json.Unmarshal(file, cfg)
	}
	if err != nil {
		return fmt.Errorf("error parsing config file %s: %w", filename, err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	e := &cfg.EngineConfig
	e.Variant = getEnvOrDefault("PT_TAG", e.Variant)
	e.StartBalance = getEnvFloatOrDefault("START_BALANCE_USDT", e.StartBalance)
	e.LoopInterval.Duration = getEnvSecondsOrDefault("PAPER_LOOP_SECONDS", e.LoopInterval.Duration)
	e.RestartDelay.Duration = getEnvDurationOrDefault("PT_RESTART_DELAY", e.RestartDelay.Duration)
	e.EquityLogMinInterval.Duration = getEnvDurationOrDefault("PT_EQUITY_LOG_MIN_INTERVAL", e.EquityLogMinInterval.Duration)

	r := &cfg.RiskConfig
	r.RiskPct = getEnvFloatOrDefault("RISK_PCT", r.RiskPct)
	r.Slippage = getEnvFloatOrDefault("SLIPPAGE", r.Slippage)
	r.FeePerSide = getEnvFloatOrDefault("FEE_PER_SIDE", r.FeePerSide)
	r.SLBuffer = getEnvFloatOrDefault("SL_BUFFER", r.SLBuffer)

	g := &cfg.GatekeeperConfig
	g.MaxOpenTrades = getEnvIntOrDefault("MAX_OPEN_TRADES", g.MaxOpenTrades)
	g.OnePositionPerSymbol = getEnvBoolOrDefault("ONE_POSITION_PER_SYMBOL", g.OnePositionPerSymbol)
	g.NoHedge = getEnvBoolOrDefault("NO_HEDGE", g.NoHedge)

	s := &cfg.StorageConfig
	s.DataDir = getEnvOrDefault("PT_DATA_DIR", s.DataDir)
	s.SignalsCSV = getEnvOrDefault("SIGNAL_CSV", getEnvOrDefault("SIGNALS_CSV", s.SignalsCSV))

	if v := os.Getenv("BINANCE_BASE_URLS"); v != "" {
		cfg.PriceFeedConfig.BaseURLs = splitList(v)
	}

	l := &cfg.LoggingConfig
	l.Level = getEnvOrDefault("LOG_LEVEL", l.Level)
	l.Output = getEnvOrDefault("LOG_OUTPUT", l.Output)
	l.JSONFormat = getEnvBoolOrDefault("LOG_JSON", l.JSONFormat)
	l.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", l.IncludeFile)

	srv := &cfg.ServerConfig
	srv.Enabled = getEnvBoolOrDefault("WEB_ENABLED", srv.Enabled)
	srv.Host = getEnvOrDefault("WEB_HOST", srv.Host)
	srv.Port = getEnvIntOrDefault("WEB_PORT", srv.Port)
	srv.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", srv.AllowedOrigins)

	rd := &cfg.RedisConfig
	rd.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", rd.Enabled)
	rd.Address = getEnvOrDefault("REDIS_ADDRESS", rd.Address)
	rd.Password = getEnvOrDefault("REDIS_PASSWORD", rd.Password)
	rd.DB = getEnvIntOrDefault("REDIS_DB", rd.DB)

	db := &cfg.DatabaseConfig
	db.Enabled = getEnvBoolOrDefault("DB_ENABLED", db.Enabled)
	db.Host = getEnvOrDefault("DB_HOST", db.Host)
	db.Port = getEnvIntOrDefault("DB_PORT", db.Port)
	db.User = getEnvOrDefault("DB_USER", db.User)
	db.Password = getEnvOrDefault("DB_PASSWORD", db.Password)
	db.Database = getEnvOrDefault("DB_NAME", db.Database)
	db.SSLMode = getEnvOrDefault("DB_SSLMODE", db.SSLMode)
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	if _, err := exits.ByName(c.EngineConfig.Variant); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.EngineConfig.StartBalance <= 0 {
		return fmt.Errorf("%w: start_balance_usdt must be positive", ErrInvalid)
	}
	if c.EngineConfig.LoopInterval.Duration <= 0 {
		return fmt.Errorf("%w: loop_interval must be positive", ErrInvalid)
	}
	if c.RiskConfig.RiskPct <= 0 || c.RiskConfig.RiskPct >= 1 {
		return fmt.Errorf("%w: risk_pct must be in (0,1), got %v", ErrInvalid, c.RiskConfig.RiskPct)
	}
	if c.RiskConfig.Slippage < 0 || c.RiskConfig.FeePerSide < 0 || c.RiskConfig.SLBuffer < 0 {
		return fmt.Errorf("%w: slippage, fee_per_side and sl_buffer must not be negative", ErrInvalid)
	}
	if c.GatekeeperConfig.MaxOpenTrades < 1 {
		return fmt.Errorf("%w: max_open_trades must be at least 1", ErrInvalid)
	}
	if c.StorageConfig.DataDir == "" || c.StorageConfig.SignalsCSV == "" {
		return fmt.Errorf("%w: data_dir and signals_csv are required", ErrInvalid)
	}
	if len(c.PriceFeedConfig.BaseURLs) == 0 {
		return fmt.Errorf("%w: at least one price feed base URL is required", ErrInvalid)
	}
	return nil
}

// VariantDir is where one variant keeps its state and journal files
func (c *Config) VariantDir(variant string) string {
	return filepath.Join(c.StorageConfig.DataDir, variant)
}

// Risk converts to the sizing model settings
func (c *Config) Risk() risk.Config {
	return risk.Config{
		RiskPct:    c.RiskConfig.RiskPct,
		Slippage:   c.RiskConfig.Slippage,
		FeePerSide: c.RiskConfig.FeePerSide,
		StopBuffer: c.RiskConfig.SLBuffer,
	}
}

// Gatekeeper converts to the admission settings
func (c *Config) Gatekeeper() gatekeeper.Config {
	return gatekeeper.Config{
		MaxActiveManaged:    c.GatekeeperConfig.MaxOpenTrades,
		EnforceOnePerSymbol: c.GatekeeperConfig.OnePositionPerSymbol,
		EnforceNoHedge:      c.GatekeeperConfig.NoHedge,
	}
}

// PriceFeed converts to the price feed tuning, keeping defaults for unset values
func (c *Config) PriceFeed() pricefeed.Config {
	pf := pricefeed.DefaultConfig()
	p := c.PriceFeedConfig
	if len(p.BaseURLs) > 0 {
		pf.BaseURLs = p.BaseURLs
	}
	if p.CacheTTL.Duration > 0 {
		pf.CacheTTL = p.CacheTTL.Duration
	}
	if p.StaleMaxAge.Duration > 0 {
		pf.StaleMaxAge = p.StaleMaxAge.Duration
	}
	if p.CooldownStep.Duration > 0 {
		pf.CooldownStep = p.CooldownStep.Duration
	}
	if p.CooldownMax.Duration > 0 {
		pf.CooldownMax = p.CooldownMax.Duration
	}
	if p.MaxAttempts > 0 {
		pf.MaxAttempts = p.MaxAttempts
	}
	if p.RequestTimeout.Duration > 0 {
		pf.RequestTimeout = p.RequestTimeout.Duration
	}
	return pf
}

// Database converts to the Postgres connection settings
func (c *Config) Database() database.Config {
	d := c.DatabaseConfig
	return database.Config{
		Host:     d.Host,
		Port:     d.Port,
		User:     d.User,
		Password: d.Password,
		Database: d.Database,
		SSLMode:  d.SSLMode,
		MaxConns: int32(d.MaxConns),
	}
}

// Origins splits the CORS origin list
func (s ServerConfig) Origins() []string {
	return splitList(s.AllowedOrigins)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvSecondsOrDefault reads a plain number of seconds, fractions allowed
func getEnvSecondsOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if secs, err := strconv.ParseFloat(value, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return defaultValue
}

// GenerateSampleConfig writes the defaults as JSON or YAML, by extension
func GenerateSampleConfig(filename string) error {
	cfg := Default()

	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
