// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"jitdex.org/jitmaker/client/comms"
	"jitdex.org/jitmaker/client/dispatch"
	"jitdex.org/jitmaker/client/mm"
	"jitdex.org/jitmaker/dex"
	"jitdex.org/jitmaker/dex/config"
	"jitdex.org/jitmaker/dex/order"
)

const (
	appName            = "jitmaker"
	configFilename     = "jitmaker.conf"
	defaultDebugLevel  = "info"
	defaultMaxLogZips  = 16
	defaultReconnects  = 10
	defaultLeverage    = 1.0
	defaultSpread      = -0.01
	defaultVolatility  = 0.015
	marketSectionLabel = "market"
)

var defaultAppData = func() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "." + appName
	}
	return filepath.Join(home, "."+appName)
}()

// Config is the jitmaker configuration. Values are taken from the command
// line, then the environment, then the config file.
type Config struct {
	AppData    string `long:"appdata" description:"Path to application directory."`
	ConfigPath string `long:"config" description:"Path to an INI configuration file."`
	LogDir     string `long:"logdir" description:"Directory to log output. Default is <appdata>/logs."`
	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}, or subsystem levels, e.g. info,MM=debug,DISP=trace"`
	MaxLogZips int    `long:"maxlogzips" description:"The number of zipped log files created by the log rotator to be retained."`

	RPCURL      string   `long:"rpcurl" env:"RPC_URL" description:"JSON-RPC HTTP endpoint."`
	WSURL       string   `long:"wsurl" env:"WS_URL" description:"JSON-RPC websocket endpoint. Derived from rpcurl if not set."`
	WSCert      string   `long:"wscert" env:"WS_CERT" description:"TLS certificate for the websocket endpoint."`
	Reconnects  int      `long:"maxreconnects" env:"MAX_RECONNECTS" description:"Consecutive failed websocket reconnect attempts before jitmaker exits."`
	SendURLs    []string `long:"sendurl" env:"SEND_URLS" env-delim:"," description:"Endpoints to submit transactions through. May be repeated. Defaults to rpcurl."`
	PrivateKey  string   `long:"privatekey" env:"PRIVATE_KEY" description:"Signing key, or a path to a file containing it. base58, hex or JSON byte array."`
	SubAccounts []uint16 `long:"subaccount" env:"SUBACCOUNTS" env-delim:"," description:"Subaccounts to quote from, in order of preference. May be repeated. Default 0."`
	ProgramID   string   `long:"programid" env:"PROGRAM_ID" description:"Venue program id."`
	MarketsFile string   `long:"markets" env:"MARKETS_FILE" description:"INI file with one [market.<index>] or [market.<kind>-<index>] section per market. Default is market 0 perp."`
	Ignore      []string `long:"ignore" description:"Taker accounts never to counter. May be repeated."`

	VolatilityAlpha float64       `long:"volalpha" description:"Smoothing factor of the volatility estimate, (0, 1]."`
	MaxSnapshotLag  uint64        `long:"maxlag" description:"Skip evaluation when the order book lags the clock by more than this many slots. 0 disables."`
	CUPrice         uint64        `long:"cuprice" description:"Compute unit price sent with every submission."`
	CULimit         uint32        `long:"culimit" description:"Compute unit limit sent with every submission."`
	SendRate        float64       `long:"sendrate" description:"Sustained sends per second per endpoint."`
	ConfirmTimeout  time.Duration `long:"confirmtimeout" description:"How long to wait for a submission to land."`
	PollInterval    time.Duration `long:"pollinterval" description:"Account state polling interval."`

	// Markets is derived from MarketsFile.
	Markets []*mm.MarketConfig
}

func defaultConfig() *Config {
	return &Config{
		AppData:    defaultAppData,
		ConfigPath: filepath.Join(defaultAppData, configFilename),
		DebugLevel: defaultDebugLevel,
		MaxLogZips: defaultMaxLogZips,
		Reconnects: defaultReconnects,
		CUPrice:    dispatch.DefaultComputeUnitPrice,
		CULimit:    dispatch.DefaultComputeUnitLimit,
	}
}

// cleanAndExpandPath expands environment variables and a leading ~ in path.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return path
	}
	path = os.ExpandEnv(path)
	if rest, found := strings.CutPrefix(path, "~"); found {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, rest)
		}
	}
	return filepath.Clean(path)
}

// loadConfig parses the command line arguments and the config file. Command
// line arguments take precedence.
func loadConfig(args []string) (*Config, error) {
	// Pre-parse for the config file path and help.
	preCfg := defaultConfig()
	preParser := flags.NewParser(preCfg, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := preParser.ParseArgs(args); err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			preParser.WriteHelp(os.Stdout)
			os.Exit(0)
		}
		return nil, err
	}

	cfg := defaultConfig()
	if preCfg.AppData != defaultAppData {
		preCfg.AppData = cleanAndExpandPath(preCfg.AppData)
		if preCfg.ConfigPath == cfg.ConfigPath {
			preCfg.ConfigPath = filepath.Join(preCfg.AppData, configFilename)
		}
	}
	cfg.ConfigPath = cleanAndExpandPath(preCfg.ConfigPath)

	parser := flags.NewParser(cfg, flags.HelpFlag|flags.PassDoubleDash)
	if err := flags.NewIniParser(parser).ParseFile(cfg.ConfigPath); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
		// Missing file is not an error.
	}
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	cfg.AppData = preCfg.AppData

	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolve checks the config and sets derived fields.
func (cfg *Config) resolve() error {
	if cfg.RPCURL == "" {
		return errors.New("no rpc url. set RPC_URL or --rpcurl")
	}
	if cfg.PrivateKey == "" {
		return errors.New("no signing key. set PRIVATE_KEY or --privatekey")
	}
	if cfg.Reconnects <= 0 {
		return fmt.Errorf("maxreconnects must be positive, got %d", cfg.Reconnects)
	}
	if cfg.WSURL == "" {
		wsURL, err := websocketURL(cfg.RPCURL)
		if err != nil {
			return err
		}
		cfg.WSURL = wsURL
	}
	if len(cfg.SendURLs) == 0 {
		cfg.SendURLs = []string{cfg.RPCURL}
	}
	if len(cfg.SubAccounts) == 0 {
		cfg.SubAccounts = []uint16{0}
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.AppData, "logs")
	}
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.WSCert = cleanAndExpandPath(cfg.WSCert)

	if cfg.MarketsFile == "" {
		cfg.Markets = []*mm.MarketConfig{defaultMarketConfig(order.MarketID{Index: 0, Kind: order.Perp})}
		return nil
	}
	mkts, err := parseMarkets(cleanAndExpandPath(cfg.MarketsFile))
	if err != nil {
		return fmt.Errorf("error parsing markets file: %w", err)
	}
	cfg.Markets = mkts
	return nil
}

// engineConfig is the market maker configuration.
func (cfg *Config) engineConfig() *mm.Config {
	return &mm.Config{
		Markets:         cfg.Markets,
		SubAccounts:     cfg.SubAccounts,
		ProgramID:       cfg.ProgramID,
		IgnoreAccounts:  cfg.Ignore,
		VolatilityAlpha: cfg.VolatilityAlpha,
		MaxSnapshotLag:  cfg.MaxSnapshotLag,
		ComputeBudget: &dispatch.ComputeBudget{
			UnitPrice: cfg.CUPrice,
			UnitLimit: cfg.CULimit,
		},
	}
}

// wsConfig is the websocket configuration. A lost connection is abandoned
// after Reconnects failed attempts so that the loss is fatal.
func (cfg *Config) wsConfig(logger dex.Logger) *comms.WsCfg {
	return &comms.WsCfg{
		URL:           cfg.WSURL,
		CertFile:      cfg.WSCert,
		MaxReconnects: cfg.Reconnects,
		Logger:        logger,
	}
}

// websocketURL derives the websocket endpoint from an HTTP endpoint.
func websocketURL(rpcURL string) (string, error) {
	u, err := url.Parse(rpcURL)
	if err != nil {
		return "", fmt.Errorf("invalid rpc url %q: %w", rpcURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported rpc url scheme %q", u.Scheme)
	}
	return u.String(), nil
}

func defaultMarketConfig(id order.MarketID) *mm.MarketConfig {
	return &mm.MarketConfig{
		MarketIndex:         id.Index,
		Kind:                id.Kind,
		TargetLeverage:      defaultLeverage,
		Spread:              defaultSpread,
		VolatilityThreshold: defaultVolatility,
	}
}

// marketSection is a [market.*] section of the markets file.
type marketSection struct {
	Kind       string  `ini:"kind"`
	Leverage   float64 `ini:"leverage"`
	Spread     float64 `ini:"spread"`
	Volatility float64 `ini:"volatility"`
	StepSize   float64 `ini:"stepsize"`
}

// parseMarketSuffix parses a section suffix of "<index>" or
// "<kind>-<index>". The kind defaults to perp.
func parseMarketSuffix(suffix string) (order.MarketID, bool, error) {
	kind, idx, hasKind := strings.Cut(suffix, "-")
	if !hasKind {
		idx = kind
	}
	i, err := strconv.ParseUint(idx, 10, 16)
	if err != nil {
		return order.MarketID{}, false, fmt.Errorf("invalid market index %q", idx)
	}
	id := order.MarketID{Index: uint16(i), Kind: order.Perp}
	if hasKind {
		if id.Kind, err = order.ParseMarketKind(kind); err != nil {
			return order.MarketID{}, false, err
		}
	}
	return id, hasKind, nil
}

// marketKeys are the keys allowed in a [market.*] section.
var marketKeys = map[string]bool{
	"kind":       true,
	"leverage":   true,
	"spread":     true,
	"volatility": true,
	"stepsize":   true,
}

// checkMarketKeys rejects unknown keys in [market.*] sections, which would
// otherwise be silently ignored.
func checkMarketKeys(path string) error {
	opts, err := config.Options(path)
	if err != nil {
		return err
	}
	for k := range opts {
		rest, found := strings.CutPrefix(k, marketSectionLabel+".")
		if !found {
			continue
		}
		key := rest[strings.LastIndex(rest, ".")+1:]
		if !marketKeys[key] {
			return fmt.Errorf("unknown key %q in [%s.%s]", key, marketSectionLabel, strings.TrimSuffix(rest, "."+key))
		}
	}
	return nil
}

// parseMarkets parses the markets file. Unset keys take the defaults.
func parseMarkets(path string) ([]*mm.MarketConfig, error) {
	type parsed struct {
		id      order.MarketID
		hasKind bool
		sec     *marketSection
	}
	var secs []*parsed
	err := config.ParseSections(path, marketSectionLabel, func(suffix string) (any, error) {
		id, hasKind, err := parseMarketSuffix(suffix)
		if err != nil {
			return nil, err
		}
		p := &parsed{
			id:      id,
			hasKind: hasKind,
			sec: &marketSection{
				Kind:       id.Kind.String(),
				Leverage:   defaultLeverage,
				Spread:     defaultSpread,
				Volatility: defaultVolatility,
			},
		}
		secs = append(secs, p)
		return p.sec, nil
	})
	if err != nil {
		return nil, err
	}
	if len(secs) == 0 {
		return nil, fmt.Errorf("no [%s.*] sections", marketSectionLabel)
	}
	if err := checkMarketKeys(path); err != nil {
		return nil, err
	}

	mkts := make([]*mm.MarketConfig, 0, len(secs))
	for _, p := range secs {
		kind, err := order.ParseMarketKind(p.sec.Kind)
		if err != nil {
			return nil, fmt.Errorf("market %s: %w", p.id, err)
		}
		if p.hasKind && kind != p.id.Kind {
			return nil, fmt.Errorf("market %s: kind %s does not match section name", p.id, kind)
		}
		mkts = append(mkts, &mm.MarketConfig{
			MarketIndex:         p.id.Index,
			Kind:                kind,
			TargetLeverage:      p.sec.Leverage,
			Spread:              p.sec.Spread,
			VolatilityThreshold: p.sec.Volatility,
			StepSize:            p.sec.StepSize,
		})
	}
	return mkts, nil
}
