package ops

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"tradelog/internal/aggregate"
	"tradelog/internal/chaos"
	"tradelog/internal/core"
	"tradelog/internal/ingest"
	"tradelog/internal/ingest/binance"
	"tradelog/internal/ingest/ibkr"
	"tradelog/internal/ingest/paper"
	"tradelog/internal/ingest/zerodha"
	"tradelog/internal/mdg"
	"tradelog/internal/normalize"
	"tradelog/internal/og"
	"tradelog/internal/recorder"
	"tradelog/internal/schema"
	"tradelog/pkg/backoff"
	"tradelog/pkg/conn"
)

const (
	envPrefix = "TRADELOG"
	istOffset = 5*time.Hour + 30*time.Minute
	nseOpen   = 9*time.Hour + 15*time.Minute
)

// FileConfig mirrors the config file layout.
type FileConfig struct {
	Log        LogConfig        `mapstructure:"log"`
	Tracker    TrackerConfig    `mapstructure:"tracker"`
	Normalizer NormalizerConfig `mapstructure:"normalizer"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Aggregate  AggregateConfig  `mapstructure:"aggregate"`
	Venues     []VenueConfig    `mapstructure:"venues"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Profiling  ProfilingConfig  `mapstructure:"profiling"`
}

type LogConfig struct {
	Dir         string        `mapstructure:"dir"`
	NoSync      bool          `mapstructure:"no_sync"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     BackoffConfig `mapstructure:"backoff"`
}

type BackoffConfig struct {
	Min    time.Duration `mapstructure:"min"`
	Max    time.Duration `mapstructure:"max"`
	Factor float64       `mapstructure:"factor"`
	Jitter float64       `mapstructure:"jitter"`
}

func (b BackoffConfig) resolve() backoff.Backoff {
	if b == (BackoffConfig{}) {
		return backoff.Default()
	}
	return backoff.Backoff{Min: b.Min, Max: b.Max, Factor: b.Factor, Jitter: b.Jitter}
}

type TrackerConfig struct {
	Shards         int           `mapstructure:"shards"`
	Horizon        time.Duration `mapstructure:"horizon"`
	MaxProvisional int           `mapstructure:"max_provisional"`
}

type NormalizerConfig struct {
	CandlePolicy string `mapstructure:"candle_policy"`
}

type EngineConfig struct {
	Lateness    time.Duration `mapstructure:"lateness"`
	ExpireEvery time.Duration `mapstructure:"expire_every"`
	MaxReopen   int           `mapstructure:"max_reopen"`
	Backoff     BackoffConfig `mapstructure:"backoff"`
}

type AggregateConfig struct {
	Timeframes []string `mapstructure:"timeframes"`
}

// VenueConfig describes one venue. Kind picks the adapter; credentials left
// empty are read from TRADELOG_<NAME>_API_KEY, _SECRET_KEY and
// _ACCESS_TOKEN.
type VenueConfig struct {
	Name        string        `mapstructure:"name"`
	Kind        string        `mapstructure:"kind"`
	UTCOffset   time.Duration `mapstructure:"utc_offset"`
	SessionOpen time.Duration `mapstructure:"session_open"`
	Symbols     []string      `mapstructure:"symbols"`
	Timeframes  []string      `mapstructure:"timeframes"`
	Ticks       *bool         `mapstructure:"ticks"`
	Executions  bool          `mapstructure:"executions"`

	APIKey            string           `mapstructure:"api_key"`
	SecretKey         string           `mapstructure:"secret_key"`
	AccessToken       string           `mapstructure:"access_token"`
	BaseURL           string           `mapstructure:"base_url"`
	WSURL             string           `mapstructure:"ws_url"`
	Account           string           `mapstructure:"account"`
	Instruments       map[string]int64 `mapstructure:"instruments"`
	RequestsPerSecond float64          `mapstructure:"requests_per_second"`
	PollInterval      time.Duration    `mapstructure:"poll_interval"`
	History           int              `mapstructure:"history"`
	Lookback          time.Duration    `mapstructure:"lookback"`
	HistoryOnly       bool             `mapstructure:"history_only"`
	HTTPTimeout       time.Duration    `mapstructure:"http_timeout"`

	Paper PaperConfig `mapstructure:"paper"`
}

type PaperConfig struct {
	Seed          int64         `mapstructure:"seed"`
	Start         time.Time     `mapstructure:"start"`
	Step          time.Duration `mapstructure:"step"`
	BasePrice     float64       `mapstructure:"base_price"`
	Volatility    float64       `mapstructure:"volatility"`
	Ticks         int           `mapstructure:"ticks"`
	Bars          int           `mapstructure:"bars"`
	Pace          time.Duration `mapstructure:"pace"`
	FillParts     int           `mapstructure:"fill_parts"`
	SlippageBps   float64       `mapstructure:"slippage_bps"`
	CommissionBps float64       `mapstructure:"commission_bps"`
	MaxQty        float64       `mapstructure:"max_qty"`
	Chaos         ChaosConfig   `mapstructure:"chaos"`
}

type ChaosConfig struct {
	Seed          int64         `mapstructure:"seed"`
	DropRate      float64       `mapstructure:"drop_rate"`
	DuplicateRate float64       `mapstructure:"duplicate_rate"`
	ReorderWindow int           `mapstructure:"reorder_window"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
}

// ArchiveConfig enables the SQL mirror when Driver is set.
type ArchiveConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	Path   string `mapstructure:"path"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type ProfilingConfig struct {
	Server string `mapstructure:"server"`
	App    string `mapstructure:"app"`
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	File          FileConfig
	Registry      *schema.Registry
	Venues        *ingest.Usecase
	Subscriptions []core.Subscription
	Recorder      recorder.Config
	Tracker       og.TrackerConfig
	Normalizer    normalize.Config
	Engine        core.Config
	// Aggregate is nil when no timeframes are configured.
	Aggregate *aggregate.Config
	// Archive is nil when the mirror is disabled.
	Archive   *conn.Option
	HTTPAddr  string
	Profiling ProfilingConfig
}

// LoadEnv loads KEY=VALUE pairs from the .env files, when present, into the
// process environment. Existing variables win.
func LoadEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

// Read parses the config file at path with TRADELOG_ environment overrides.
// The format follows the file extension (yaml, json, toml).
func Read(path string) (FileConfig, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return FileConfig{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg FileConfig
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToTimeHookFunc(time.RFC3339),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return FileConfig{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.dir", "data/logs")
	v.SetDefault("log.no_sync", false)
	v.SetDefault("log.max_attempts", 5)
	v.SetDefault("normalizer.candle_policy", "closed_only")
	v.SetDefault("engine.lateness", 2*time.Second)
	v.SetDefault("engine.max_reopen", 10)
	v.SetDefault("tracker.horizon", 30*time.Second)
	v.SetDefault("archive.driver", "")
	v.SetDefault("archive.dsn", "")
	v.SetDefault("http.addr", "")
	v.SetDefault("profiling.server", "")
	v.SetDefault("profiling.app", "tradelog")
}

// Load reads the config file and resolves it.
func Load(path string) (Loaded, error) {
	cfg, err := Read(path)
	if err != nil {
		return Loaded{}, err
	}
	return Resolve(cfg)
}

// Resolve builds the registry, the venue clients, and the component configs.
func Resolve(cfg FileConfig) (Loaded, error) {
	if len(cfg.Venues) == 0 {
		return Loaded{}, fmt.Errorf("config has no venues")
	}
	policy, err := normalize.ParseCandlePolicy(cfg.Normalizer.CandlePolicy)
	if err != nil {
		return Loaded{}, err
	}

	out := Loaded{
		File:       cfg,
		Registry:   schema.NewRegistry(),
		Venues:     ingest.NewUsecase(),
		Normalizer: normalize.Config{CandlePolicy: policy},
		Tracker: og.TrackerConfig{
			Shards:         cfg.Tracker.Shards,
			Horizon:        cfg.Tracker.Horizon,
			MaxProvisional: cfg.Tracker.MaxProvisional,
		},
		HTTPAddr:  cfg.HTTP.Addr,
		Profiling: cfg.Profiling,
	}

	out.Recorder = recorder.DefaultConfig(cfg.Log.Dir)
	out.Recorder.NoSync = cfg.Log.NoSync
	if cfg.Log.MaxAttempts > 0 {
		out.Recorder.MaxAttempts = cfg.Log.MaxAttempts
	}
	out.Recorder.Backoff = cfg.Log.Backoff.resolve()
	out.Recorder.Registry = out.Registry
	if err := out.Recorder.Validate(); err != nil {
		return Loaded{}, err
	}

	for _, vc := range cfg.Venues {
		subs, err := out.addVenue(vc)
		if err != nil {
			return Loaded{}, fmt.Errorf("venue %s: %w", vc.Name, err)
		}
		out.Subscriptions = append(out.Subscriptions, subs...)
	}

	out.Engine = core.Config{
		Subscriptions: out.Subscriptions,
		Lateness:      cfg.Engine.Lateness,
		ExpireEvery:   cfg.Engine.ExpireEvery,
		MaxReopen:     cfg.Engine.MaxReopen,
		Backoff:       cfg.Engine.Backoff.resolve(),
	}
	if err := out.Engine.Validate(); err != nil {
		return Loaded{}, err
	}

	if len(cfg.Aggregate.Timeframes) > 0 {
		tfs, err := timeframes(cfg.Aggregate.Timeframes)
		if err != nil {
			return Loaded{}, fmt.Errorf("aggregate: %w", err)
		}
		agg := aggregate.Config{Timeframes: tfs, Registry: out.Registry}
		if err := agg.Validate(); err != nil {
			return Loaded{}, err
		}
		out.Aggregate = &agg
	}

	if cfg.Archive.Driver != "" {
		out.Archive = &conn.Option{Driver: cfg.Archive.Driver, ConnString: cfg.Archive.DSN, Path: cfg.Archive.Path}
	}
	return out, nil
}

func (l *Loaded) addVenue(vc VenueConfig) ([]core.Subscription, error) {
	if vc.Name == "" {
		return nil, fmt.Errorf("venue name is empty")
	}
	if vc.Kind == "" {
		vc.Kind = vc.Name
	}
	if vc.Kind == "zerodha" && vc.UTCOffset == 0 {
		vc.UTCOffset = istOffset
	}
	if vc.Kind == "zerodha" && vc.SessionOpen == 0 {
		vc.SessionOpen = nseOpen
	}
	vc = withEnvSecrets(vc)
	if _, err := l.Registry.AddVenue(vc.Name, vc.Kind, vc.UTCOffset); err != nil {
		return nil, err
	}
	if err := l.Registry.SetSessionOpen(vc.Name, vc.SessionOpen); err != nil {
		return nil, err
	}
	for _, sym := range vc.Symbols {
		if _, err := l.Registry.AddSymbol(vc.Name, sym); err != nil {
			return nil, err
		}
	}

	client, err := newClient(vc)
	if err != nil {
		return nil, err
	}
	if err := l.Venues.Register(vc.Name, client); err != nil {
		return nil, err
	}

	tfs, err := timeframes(vc.Timeframes)
	if err != nil {
		return nil, err
	}
	var subs []core.Subscription
	for _, sym := range vc.Symbols {
		if vc.Ticks == nil || *vc.Ticks {
			subs = append(subs, core.Subscription{Venue: vc.Name, Kind: schema.KindTick, Symbol: sym})
		}
		for _, tf := range tfs {
			subs = append(subs, core.Subscription{Venue: vc.Name, Kind: schema.KindCandle, Symbol: sym, Timeframe: tf})
		}
	}
	if vc.Executions {
		subs = append(subs, core.Subscription{Venue: vc.Name, Kind: schema.KindOrder})
	}
	return subs, nil
}

func newClient(vc VenueConfig) (ingest.Client, error) {
	switch vc.Kind {
	case "binance":
		return binance.New(binance.Config{
			Name:              vc.Name,
			APIKey:            vc.APIKey,
			SecretKey:         vc.SecretKey,
			RESTBaseURL:       vc.BaseURL,
			WSBaseURL:         vc.WSURL,
			HTTPTimeout:       vc.HTTPTimeout,
			RequestsPerSecond: vc.RequestsPerSecond,
			History:           vc.History,
			HistoryOnly:       vc.HistoryOnly,
		}), nil
	case "zerodha":
		return zerodha.New(zerodha.Config{
			Name:              vc.Name,
			APIKey:            vc.APIKey,
			AccessToken:       vc.AccessToken,
			BaseURL:           vc.BaseURL,
			WSURL:             vc.WSURL,
			Instruments:       vc.Instruments,
			PollInterval:      vc.PollInterval,
			RequestsPerSecond: vc.RequestsPerSecond,
			Lookback:          vc.Lookback,
			HistoryOnly:       vc.HistoryOnly,
			HTTPTimeout:       vc.HTTPTimeout,
		}), nil
	case "ibkr":
		return ibkr.New(ibkr.Config{
			Name:        vc.Name,
			StreamURL:   vc.WSURL,
			OrderURL:    vc.BaseURL,
			Account:     vc.Account,
			HTTPTimeout: vc.HTTPTimeout,
		}), nil
	case "paper":
		p := vc.Paper
		return paper.New(paper.Config{
			Name: vc.Name,
			Generator: mdg.Config{
				Seed:       p.Seed,
				Symbols:    vc.Symbols,
				Start:      p.Start,
				Step:       p.Step,
				BasePrice:  p.BasePrice,
				Volatility: p.Volatility,
			},
			Ticks:         p.Ticks,
			Bars:          p.Bars,
			Pace:          p.Pace,
			FillParts:     p.FillParts,
			SlippageBps:   p.SlippageBps,
			CommissionBps: p.CommissionBps,
			MaxQty:        p.MaxQty,
			Chaos: chaos.Config{
				Seed:          p.Chaos.Seed,
				DropRate:      p.Chaos.DropRate,
				DuplicateRate: p.Chaos.DuplicateRate,
				ReorderWindow: p.Chaos.ReorderWindow,
				MaxDelay:      p.Chaos.MaxDelay,
			},
		})
	default:
		return nil, fmt.Errorf("unknown venue kind %q", vc.Kind)
	}
}

func withEnvSecrets(vc VenueConfig) VenueConfig {
	prefix := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(vc.Name, "-", "_")) + "_"
	if vc.APIKey == "" {
		vc.APIKey = os.Getenv(prefix + "API_KEY")
	}
	if vc.SecretKey == "" {
		vc.SecretKey = os.Getenv(prefix + "SECRET_KEY")
	}
	if vc.AccessToken == "" {
		vc.AccessToken = os.Getenv(prefix + "ACCESS_TOKEN")
	}
	return vc
}

func timeframes(names []string) ([]schema.Timeframe, error) {
	out := make([]schema.Timeframe, 0, len(names))
	for _, name := range names {
		tf, err := schema.ParseTimeframe(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		out = append(out, tf)
	}
	return out, nil
}
