package ops

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
	"gopkg.in/yaml.v3"

	"quoter/internal/chaos"
	"quoter/internal/errors"
	"quoter/internal/marketdata"
	"quoter/internal/order"
	"quoter/internal/risk"
	"quoter/internal/scheduler"
	"quoter/internal/schema"
	"quoter/internal/venue"
	"quoter/pkg/conn"
	"quoter/pkg/exception"
)

// Venue adapter kinds.
const (
	KindSim = "sim"
	KindCEX = "cex"
	KindDEX = "dex"
)

// StorageMemory keeps state in process only. Nothing survives a restart.
const StorageMemory = "memory"

// Environment overrides. Secrets never live in the YAML file.
const (
	EnvDBPassword   = "QUOTER_DB_PASSWORD"
	EnvDBHost       = "QUOTER_DB_HOST"
	EnvNATSURL      = "QUOTER_NATS_URL"
	EnvAdminAddr    = "QUOTER_ADMIN_ADDR"
	EnvLogLevel     = "QUOTER_LOG_LEVEL"
	EnvPyroscopeURL = "QUOTER_PYROSCOPE_URL"
)

// FileConfig mirrors the YAML config layout.
type FileConfig struct {
	App         AppConfig          `yaml:"app"`
	Admin       AdminConfig        `yaml:"admin"`
	Storage     StorageConfig      `yaml:"storage"`
	Feed        FeedConfig         `yaml:"feed"`
	MarketData  MarketDataConfig   `yaml:"marketdata"`
	Scheduler   SchedulerConfig    `yaml:"scheduler"`
	Order       OrderConfig        `yaml:"order"`
	Chaos       ChaosConfig        `yaml:"chaos"`
	Params      ParamsConfig       `yaml:"params"`
	Venues      []VenueConfig      `yaml:"venues"`
	Instruments []InstrumentConfig `yaml:"instruments"`
}

type AppConfig struct {
	Name          string        `yaml:"name"`
	LogLevel      string        `yaml:"log_level"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	PyroscopeURL  string        `yaml:"pyroscope_url"`
}

type AdminConfig struct {
	Addr      string           `yaml:"addr"`
	Operators []OperatorConfig `yaml:"operators"`
}

// OperatorConfig names the environment variable holding an operator's token.
type OperatorConfig struct {
	ID       string `yaml:"id"`
	TokenEnv string `yaml:"token_env"`
}

type StorageConfig struct {
	Driver        string        `yaml:"driver"`
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	User          string        `yaml:"user"`
	Database      string        `yaml:"database"`
	SSLMode       string        `yaml:"sslmode"`
	Path          string        `yaml:"path"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type FeedConfig struct {
	Enabled bool          `yaml:"enabled"`
	NATSURL string        `yaml:"nats_url"`
	MaxAge  time.Duration `yaml:"max_age"`
}

type MarketDataConfig struct {
	Lambda       float64       `yaml:"lambda"`
	Lookback     int           `yaml:"lookback"`
	StaleAfter   time.Duration `yaml:"stale_after"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type SchedulerConfig struct {
	FillsInterval     time.Duration `yaml:"fills_interval"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	CoolDown          time.Duration `yaml:"cool_down"`
}

type OrderConfig struct {
	QueueSize            int           `yaml:"queue_size"`
	VenueErrorThreshold  int           `yaml:"venue_error_threshold"`
	MaxOrderSize         string        `yaml:"max_order_size"`
	MaxPriceDeviationBps int64         `yaml:"max_price_deviation_bps"`
	OrderRateLimit       int           `yaml:"order_rate_limit"`
	OrderRateWindow      time.Duration `yaml:"order_rate_window"`
}

type ChaosConfig struct {
	Seed          int64         `yaml:"seed"`
	ErrorRate     float64       `yaml:"error_rate"`
	DropRate      float64       `yaml:"drop_rate"`
	DuplicateRate float64       `yaml:"duplicate_rate"`
	ReorderWindow int           `yaml:"reorder_window"`
	MaxDelay      time.Duration `yaml:"max_delay"`
}

// ParamsConfig overrides fields of the default ParameterSet. Unset fields keep
// the value they inherit.
type ParamsConfig struct {
	SpreadFloor      *string        `yaml:"spread_floor"`
	Beta             *float64       `yaml:"beta"`
	Gamma            *float64       `yaml:"gamma"`
	Kappa            *float64       `yaml:"kappa"`
	TimeHorizon      *float64       `yaml:"time_horizon"`
	VolCeiling       *float64       `yaml:"vol_ceiling"`
	RefreshInterval  *time.Duration `yaml:"refresh_interval"`
	SoftLimit        *string        `yaml:"soft_limit"`
	HardLimit        *string        `yaml:"hard_limit"`
	MaxQuoteNotional *string        `yaml:"max_quote_notional"`
	RequoteTicks     *int64         `yaml:"requote_ticks"`
	WidenFactor      *float64       `yaml:"widen_factor"`
	QuotingEnabled   *bool          `yaml:"quoting_enabled"`
}

type VenueConfig struct {
	Name          string            `yaml:"name"`
	Kind          string            `yaml:"kind"`
	BaseURL       string            `yaml:"base_url"`
	WSURL         string            `yaml:"ws_url"`
	KeyEnv        string            `yaml:"key_env"`
	SecretEnv     string            `yaml:"secret_env"`
	WalletEnv     string            `yaml:"wallet_env"`
	Timeout       time.Duration     `yaml:"timeout"`
	RatePerSecond float64           `yaml:"rate_per_second"`
	Burst         int               `yaml:"burst"`
	MaxQueueDepth int               `yaml:"max_queue_depth"`
	FeeRate       string            `yaml:"fee_rate"`
	Balances      map[string]string `yaml:"balances"`
}

type InstrumentConfig struct {
	Symbol       string            `yaml:"symbol"`
	Base         string            `yaml:"base"`
	Quote        string            `yaml:"quote"`
	TickSize     string            `yaml:"tick_size"`
	MinSize      string            `yaml:"min_size"`
	SizeStep     string            `yaml:"size_step"`
	Venues       []string          `yaml:"venues"`
	VenueSymbols map[string]string `yaml:"venue_symbols"`
	Params       ParamsConfig      `yaml:"params"`
}

// VenueSpec is a resolved venue entry.
type VenueSpec struct {
	Name      string
	Kind      string
	BaseURL   string
	WSURL     string
	APIKey    string
	APISecret string
	WalletEnv string
	Timeout   time.Duration
	Guard     venue.GuardConfig
	FeeRate   decimal.Decimal
	Balances  map[string]decimal.Decimal
}

type StorageSpec struct {
	Option        conn.Option
	FlushInterval time.Duration
}

type FeedSpec struct {
	Enabled bool
	URL     string
	MaxAge  time.Duration
}

type AdminSpec struct {
	Addr string
	// Operators maps operator id to token.
	Operators map[string]string
}

type SchedulerSpec struct {
	Config            scheduler.Config
	PollInterval      time.Duration
	FillsInterval     time.Duration
	ReconcileInterval time.Duration
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	App        AppConfig
	Registry   *schema.Registry
	Venues     []VenueSpec
	Params     map[string]schema.ParameterSet
	Storage    StorageSpec
	Feed       FeedSpec
	Admin      AdminSpec
	MarketData marketdata.Config
	Scheduler  SchedulerSpec
	Order      order.Config
	Chaos      chaos.Config
}

// Venue returns the resolved entry of a venue.
func (l Loaded) Venue(name string) (VenueSpec, bool) {
	for _, v := range l.Venues {
		if v.Name == name {
			return v, true
		}
	}
	return VenueSpec{}, false
}

// Load reads .env files (missing ones are ignored), then the YAML config, and
// resolves it. Every failure is Fatal.
func Load(path string, envFiles ...string) (Loaded, error) {
	loadEnv(envFiles...)
	cfg, err := Read(path)
	if err != nil {
		return Loaded{}, err
	}
	applyEnv(&cfg)
	return Resolve(cfg)
}

// Read parses a YAML config file without resolving it.
func Read(path string) (FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, errors.Fatal(errors.Wrap(err, "read config"))
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return FileConfig{}, errors.Fatal(errors.Wrapf(exception.ErrConfigInvalid, "decode yaml: %v", err))
	}
	return cfg, nil
}

// LoadRegistry reads a config file and only builds the registry.
func LoadRegistry(path string) (*schema.Registry, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	return buildRegistry(cfg.Venues, cfg.Instruments)
}

func loadEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		_ = godotenv.Load(f)
	}
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv(EnvDBHost); v != "" {
		cfg.Storage.Host = v
	}
	if v := os.Getenv(EnvNATSURL); v != "" {
		cfg.Feed.NATSURL = v
	}
	if v := os.Getenv(EnvAdminAddr); v != "" {
		cfg.Admin.Addr = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv(EnvPyroscopeURL); v != "" {
		cfg.App.PyroscopeURL = v
	}
}

// Resolve validates cfg and builds the runtime configuration.
func Resolve(cfg FileConfig) (Loaded, error) {
	if len(cfg.Instruments) == 0 {
		return Loaded{}, errors.Fatal(exception.ErrConfigNoInstrument)
	}
	registry, err := buildRegistry(cfg.Venues, cfg.Instruments)
	if err != nil {
		return Loaded{}, err
	}

	venues := make([]VenueSpec, 0, len(cfg.Venues))
	for _, vc := range cfg.Venues {
		spec, err := resolveVenue(vc)
		if err != nil {
			return Loaded{}, err
		}
		venues = append(venues, spec)
	}

	defaults, err := resolveParams(schema.DefaultParameterSet(), cfg.Params)
	if err != nil {
		return Loaded{}, invalid("params: %v", err)
	}
	params := make(map[string]schema.ParameterSet, len(cfg.Instruments))
	for _, ic := range cfg.Instruments {
		p, err := resolveParams(defaults, ic.Params)
		if err != nil {
			return Loaded{}, invalid("params of %s: %v", ic.Symbol, err)
		}
		if err := p.Validate(); err != nil {
			return Loaded{}, invalid("params of %s: %v", ic.Symbol, err)
		}
		params[ic.Symbol] = p
	}

	orderCfg, err := resolveOrder(cfg.Order)
	if err != nil {
		return Loaded{}, err
	}
	chaosCfg := chaos.Config(cfg.Chaos)
	if chaosCfg.ReorderWindow <= 0 {
		chaosCfg.ReorderWindow = 1
	}
	if err := chaosCfg.Validate(); err != nil {
		return Loaded{}, invalid("chaos: %v", err)
	}

	app := cfg.App
	if app.Name == "" {
		app.Name = "quoter"
	}
	if app.LogLevel == "" {
		app.LogLevel = "info"
	}
	if _, err := ParseLogLevel(app.LogLevel); err != nil {
		return Loaded{}, err
	}
	if app.ShutdownGrace <= 0 {
		app.ShutdownGrace = 10 * time.Second
	}

	operators := make(map[string]string, len(cfg.Admin.Operators))
	for _, op := range cfg.Admin.Operators {
		if op.ID == "" || op.TokenEnv == "" {
			return Loaded{}, invalid("operator needs id and token_env")
		}
		token := os.Getenv(op.TokenEnv)
		if token == "" {
			return Loaded{}, invalid("operator %s: %s not set", op.ID, op.TokenEnv)
		}
		operators[op.ID] = token
	}
	adminAddr := cfg.Admin.Addr
	if adminAddr == "" {
		adminAddr = ":8080"
	}

	feed := FeedSpec{Enabled: cfg.Feed.Enabled, URL: cfg.Feed.NATSURL, MaxAge: cfg.Feed.MaxAge}
	if feed.Enabled && feed.URL == "" {
		return Loaded{}, invalid("feed enabled without nats_url")
	}

	return Loaded{
		App:      app,
		Registry: registry,
		Venues:   venues,
		Params:   params,
		Storage:  resolveStorage(cfg.Storage),
		Feed:     feed,
		Admin:    AdminSpec{Addr: adminAddr, Operators: operators},
		MarketData: marketdata.Config{
			Lambda:     cfg.MarketData.Lambda,
			Lookback:   cfg.MarketData.Lookback,
			StaleAfter: cfg.MarketData.StaleAfter,
		},
		Scheduler: SchedulerSpec{
			Config: scheduler.Config{
				FailureThreshold: cfg.Scheduler.FailureThreshold,
				CoolDown:         cfg.Scheduler.CoolDown,
			},
			PollInterval:      orDefault(cfg.MarketData.PollInterval, time.Second),
			FillsInterval:     orDefault(cfg.Scheduler.FillsInterval, 2*time.Second),
			ReconcileInterval: orDefault(cfg.Scheduler.ReconcileInterval, time.Minute),
		},
		Order: orderCfg,
		Chaos: chaosCfg,
	}, nil
}

func invalid(format string, args ...any) error {
	return errors.Fatal(errors.Wrapf(exception.ErrConfigInvalid, format, args...))
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func buildRegistry(venues []VenueConfig, instruments []InstrumentConfig) (*schema.Registry, error) {
	reg := schema.NewRegistry()
	for _, v := range venues {
		if err := reg.AddVenue(v.Name); err != nil {
			return nil, invalid("%v", err)
		}
	}
	for _, ic := range instruments {
		for _, name := range ic.Venues {
			if !reg.HasVenue(name) {
				return nil, errors.Fatal(errors.Wrapf(exception.ErrConfigUnknownVenue, "%s of %s", name, ic.Symbol))
			}
		}
		inst, err := resolveInstrument(ic)
		if err != nil {
			return nil, err
		}
		if err := reg.AddInstrument(inst, ic.Venues...); err != nil {
			return nil, invalid("%v", err)
		}
	}
	return reg, nil
}

func resolveInstrument(ic InstrumentConfig) (schema.Instrument, error) {
	inst := schema.Instrument{
		Symbol:       ic.Symbol,
		Base:         ic.Base,
		Quote:        ic.Quote,
		VenueSymbols: ic.VenueSymbols,
	}
	var err error
	if inst.TickSize, err = parseDecimal(ic.TickSize, decimal.Zero); err != nil {
		return schema.Instrument{}, invalid("tick_size of %s: %v", ic.Symbol, err)
	}
	if inst.MinSize, err = parseDecimal(ic.MinSize, decimal.Zero); err != nil {
		return schema.Instrument{}, invalid("min_size of %s: %v", ic.Symbol, err)
	}
	if inst.SizeStep, err = parseDecimal(ic.SizeStep, decimal.Zero); err != nil {
		return schema.Instrument{}, invalid("size_step of %s: %v", ic.Symbol, err)
	}
	if inst.Base == "" || inst.Quote == "" {
		return schema.Instrument{}, invalid("instrument %s needs base and quote assets", ic.Symbol)
	}
	return inst, nil
}

func resolveVenue(vc VenueConfig) (VenueSpec, error) {
	spec := VenueSpec{
		Name:      vc.Name,
		Kind:      strings.ToLower(vc.Kind),
		BaseURL:   vc.BaseURL,
		WSURL:     vc.WSURL,
		WalletEnv: vc.WalletEnv,
		Timeout:   vc.Timeout,
		Guard:     venue.DefaultGuardConfig(),
	}
	if vc.RatePerSecond > 0 {
		spec.Guard.RatePerSecond = vc.RatePerSecond
	}
	if vc.Burst > 0 {
		spec.Guard.Burst = vc.Burst
	}
	if vc.MaxQueueDepth > 0 {
		spec.Guard.MaxQueueDepth = vc.MaxQueueDepth
	}

	switch spec.Kind {
	case KindSim:
		fee, err := parseDecimal(vc.FeeRate, decimal.Zero)
		if err != nil {
			return VenueSpec{}, invalid("fee_rate of %s: %v", vc.Name, err)
		}
		spec.FeeRate = fee
		spec.Balances = make(map[string]decimal.Decimal, len(vc.Balances))
		for asset, amount := range vc.Balances {
			v, err := parseDecimal(amount, decimal.Zero)
			if err != nil {
				return VenueSpec{}, invalid("balance %s of %s: %v", asset, vc.Name, err)
			}
			spec.Balances[asset] = v
		}
	case KindCEX:
		if vc.BaseURL == "" {
			return VenueSpec{}, invalid("venue %s needs base_url", vc.Name)
		}
		spec.APIKey = os.Getenv(vc.KeyEnv)
		spec.APISecret = os.Getenv(vc.SecretEnv)
		if spec.APIKey == "" || spec.APISecret == "" {
			return VenueSpec{}, errors.Fatal(errors.Wrapf(exception.ErrVenueMissingCredentials, "%s: set %s and %s", vc.Name, vc.KeyEnv, vc.SecretEnv))
		}
	case KindDEX:
		if vc.BaseURL == "" {
			return VenueSpec{}, invalid("venue %s needs base_url", vc.Name)
		}
	default:
		return VenueSpec{}, errors.Fatal(errors.Wrapf(exception.ErrConfigUnknownAdapter, "%q of %s", vc.Kind, vc.Name))
	}
	return spec, nil
}

func resolveParams(base schema.ParameterSet, pc ParamsConfig) (schema.ParameterSet, error) {
	p := base
	var err error
	if pc.SpreadFloor != nil {
		if p.SpreadFloor, err = decimal.NewFromString(*pc.SpreadFloor); err != nil {
			return p, errors.Wrap(err, "spread_floor")
		}
	}
	if pc.SoftLimit != nil {
		if p.SoftLimit, err = decimal.NewFromString(*pc.SoftLimit); err != nil {
			return p, errors.Wrap(err, "soft_limit")
		}
	}
	if pc.HardLimit != nil {
		if p.HardLimit, err = decimal.NewFromString(*pc.HardLimit); err != nil {
			return p, errors.Wrap(err, "hard_limit")
		}
	}
	if pc.MaxQuoteNotional != nil {
		if p.MaxQuoteNotional, err = decimal.NewFromString(*pc.MaxQuoteNotional); err != nil {
			return p, errors.Wrap(err, "max_quote_notional")
		}
	}
	if pc.Beta != nil {
		p.Beta = *pc.Beta
	}
	if pc.Gamma != nil {
		p.Gamma = *pc.Gamma
	}
	if pc.Kappa != nil {
		p.Kappa = *pc.Kappa
	}
	if pc.TimeHorizon != nil {
		p.TimeHorizon = *pc.TimeHorizon
	}
	if pc.VolCeiling != nil {
		p.VolCeiling = *pc.VolCeiling
	}
	if pc.RefreshInterval != nil {
		p.RefreshInterval = *pc.RefreshInterval
	}
	if pc.RequoteTicks != nil {
		p.RequoteTicks = *pc.RequoteTicks
	}
	if pc.WidenFactor != nil {
		p.WidenFactor = *pc.WidenFactor
	}
	if pc.QuotingEnabled != nil {
		p.QuotingEnabled = *pc.QuotingEnabled
	}
	return p, nil
}

func resolveOrder(oc OrderConfig) (order.Config, error) {
	cfg := order.DefaultConfig()
	if oc.QueueSize > 0 {
		cfg.QueueSize = oc.QueueSize
	}
	if oc.VenueErrorThreshold > 0 {
		cfg.VenueErrorThreshold = oc.VenueErrorThreshold
	}
	maxSize, err := parseDecimal(oc.MaxOrderSize, decimal.Zero)
	if err != nil {
		return order.Config{}, invalid("max_order_size: %v", err)
	}
	if oc.MaxPriceDeviationBps < 0 || oc.OrderRateLimit < 0 {
		return order.Config{}, invalid("order limits must be >= 0")
	}
	cfg.BaseLimits = risk.Limits{
		MaxOrderSize:         maxSize,
		OrderRateLimit:       oc.OrderRateLimit,
		OrderRateWindow:      oc.OrderRateWindow,
		MaxPriceDeviationBps: oc.MaxPriceDeviationBps,
	}
	return cfg, nil
}

func resolveStorage(sc StorageConfig) StorageSpec {
	opt := conn.Option{
		Driver:   strings.ToLower(sc.Driver),
		Host:     sc.Host,
		Port:     sc.Port,
		User:     sc.User,
		Password: os.Getenv(EnvDBPassword),
		Database: sc.Database,
		SSLMode:  sc.SSLMode,
		Path:     sc.Path,
	}
	if opt.Driver == "" {
		opt.Driver = conn.DriverPostgres
	}
	if opt.Port == 0 && opt.Driver == conn.DriverPostgres {
		opt.Port = 5432
	}
	return StorageSpec{Option: opt, FlushInterval: orDefault(sc.FlushInterval, 5*time.Second)}
}

func parseDecimal(s string, def decimal.Decimal) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "parse decimal "+strconv.Quote(s))
	}
	return v, nil
}

// ParseLogLevel maps log_level onto a logger level. Unknown names are
// rejected instead of silencing the logger.
func ParseLogLevel(level string) (logs.Level, error) {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return logs.NewLevel(level), nil
	}
	return 0, invalid("log_level %q", level)
}

// NewLogger builds the process logger at the configured level.
func (a AppConfig) NewLogger() logs.Logger {
	level, err := ParseLogLevel(a.LogLevel)
	if err != nil {
		level = logs.LevelInfo
	}
	return logs.New(level)
}
