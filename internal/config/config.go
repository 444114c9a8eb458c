// Package config resolves the relay's settings.
//
// Every setting has a built-in default and can be overridden, in increasing
// precedence, by an optional YAML file, an AERO_LAN_SIGNALING_* environment
// variable and a command-line flag. YAML keys are the flag names.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/netaddr"
	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/policy"
)

const envVarPrefix = "AERO_LAN_SIGNALING_"

const (
	DefaultListenAddr        = "0.0.0.0:3001"
	DefaultControlPort       = 3001
	DefaultDiscoveryPort     = 3002
	DefaultDiscoveryListenIP = "0.0.0.0"
	DefaultMode              = ModeDev
	DefaultShutdown          = 15 * time.Second

	DefaultBroadcastInterval = 10 * time.Second
	DefaultProbeBatchSize    = 20
	DefaultProbeBatchDelay   = 50 * time.Millisecond
	DefaultProbeTimeout      = 500 * time.Millisecond
	MaxProbeTimeout          = 500 * time.Millisecond
	DefaultSettleDelay       = 1 * time.Second
	DefaultFinalDelay        = 500 * time.Millisecond

	DefaultForwardTimeout = 3 * time.Second
	DefaultPollTimeout    = 3 * time.Second
	DefaultPollInterval   = 5 * time.Second
	DefaultQueueLimit     = 256
	DefaultQueueTTL       = 5 * time.Minute

	DefaultMaxSignalingMessageBytes      = 64 * 1024
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultControlRequestsPerSecond      = 20
)

const (
	flagConfig                        = "config"
	flagListenAddr                    = "listen-addr"
	flagDiscoveryPort                 = "discovery-port"
	flagDiscoveryListenIP             = "discovery-listen-ip"
	flagLocalAddress                  = "local-address"
	flagDisplayName                   = "display-name"
	flagHostID                        = "host-id"
	flagBroadcastTargets              = "broadcast-targets"
	flagBroadcastInterval             = "broadcast-interval"
	flagProbeBatchSize                = "probe-batch-size"
	flagProbeBatchDelay               = "probe-batch-delay"
	flagProbeTimeout                  = "probe-timeout"
	flagDisableProbe                  = "disable-probe"
	flagSettleDelay                   = "settle-delay"
	flagFinalDelay                    = "final-delay"
	flagForwardTimeout                = "forward-timeout"
	flagPollTimeout                   = "poll-timeout"
	flagPollInterval                  = "poll-interval"
	flagQueueLimit                    = "queue-limit"
	flagQueueTTL                      = "queue-ttl"
	flagValidatePayloads              = "validate-payloads"
	flagMaxSignalingMessageBytes      = "max-signaling-message-bytes"
	flagMaxSignalingMessagesPerSecond = "max-signaling-messages-per-second"
	flagSignalingWSPingInterval       = "signaling-ws-ping-interval"
	flagSignalingWSIdleTimeout        = "signaling-ws-idle-timeout"
	flagAllowedOrigins                = "allowed-origins"
	flagAllowLoopbackOrigins          = "allow-loopback-origins"
	flagTargetAllowCIDRs              = "target-allow-cidrs"
	flagTargetDenyCIDRs               = "target-deny-cidrs"
	flagAllowPublicTargets            = "allow-public-targets"
	flagControlRequestsPerSecond      = "control-requests-per-second"
	flagMode                          = "mode"
	flagLogFormat                     = "log-format"
	flagLogLevel                      = "log-level"
	flagShutdownTimeout               = "shutdown-timeout"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr string
	// ControlPort is the port other relays reach this one on; it is the
	// ListenAddr port unless that is 0.
	ControlPort int

	DiscoveryPort     int
	DiscoveryListenIP string
	// LocalAddress overrides interface detection when set.
	LocalAddress string
	DisplayName  string
	HostID       string

	BroadcastTargets  []string
	BroadcastInterval time.Duration
	ProbeBatchSize    int
	ProbeBatchDelay   time.Duration
	ProbeTimeout      time.Duration
	DisableProbe      bool
	SettleDelay       time.Duration
	FinalDelay        time.Duration

	ForwardTimeout time.Duration
	PollTimeout    time.Duration
	// PollInterval drives the background poller; 0 disables it.
	PollInterval time.Duration
	QueueLimit   int
	QueueTTL     time.Duration

	ValidatePayloads              bool
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SignalingWSPingInterval       time.Duration
	SignalingWSIdleTimeout        time.Duration

	AllowedOrigins       []string
	AllowLoopbackOrigins bool

	// Targets other relays may be contacted at over HTTP.
	TargetAllowCIDRs   []string
	TargetDenyCIDRs    []string
	AllowPublicTargets bool

	// ControlRequestsPerSecond limits /forward and /poll-signaling per
	// source IP. 0 disables the limit.
	ControlRequestsPerSecond float64

	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// ConfigFile is the YAML file the settings were read from, if any.
	ConfigFile string
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func envVarFor(flagName string) string {
	return envVarPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	var (
		configFile          string
		listenAddr          string
		localAddress        string
		broadcastTargetsStr string
		allowedOriginsStr   string
		targetAllowStr      string
		targetDenyStr       string
		modeStr             string
		logFormatStr        string
		logLevelStr         string
		maxMessageBytes     int
		cfg                 Config
	)

	fs := pflag.NewFlagSet("aero-lan-signaling-relay", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.SortFlags = false

	fs.StringVar(&configFile, flagConfig, "", "Optional YAML config file (env "+envVarFor(flagConfig)+")")
	fs.StringVar(&listenAddr, flagListenAddr, DefaultListenAddr, "Control plane HTTP listen address (host:port)")
	fs.IntVar(&cfg.DiscoveryPort, flagDiscoveryPort, DefaultDiscoveryPort, "UDP port for discovery broadcasts")
	fs.StringVar(&cfg.DiscoveryListenIP, flagDiscoveryListenIP, DefaultDiscoveryListenIP, "IP the discovery socket binds to")
	fs.StringVar(&localAddress, flagLocalAddress, "", "Address advertised to peers (default: first non-loopback IPv4)")
	fs.StringVar(&cfg.DisplayName, flagDisplayName, "", "Name advertised to peers (default: hostname)")
	fs.StringVar(&cfg.HostID, flagHostID, "", "Stable host identifier (default: random per process)")
	fs.StringVar(&broadcastTargetsStr, flagBroadcastTargets, "", "Comma-separated discovery datagram targets (default: 255.255.255.255 and the local /24 broadcast)")
	fs.DurationVar(&cfg.BroadcastInterval, flagBroadcastInterval, DefaultBroadcastInterval, "Interval between periodic discovery broadcasts")
	fs.IntVar(&cfg.ProbeBatchSize, flagProbeBatchSize, DefaultProbeBatchSize, "Concurrent /health probes per batch")
	fs.DurationVar(&cfg.ProbeBatchDelay, flagProbeBatchDelay, DefaultProbeBatchDelay, "Pause between probe batches")
	fs.DurationVar(&cfg.ProbeTimeout, flagProbeTimeout, DefaultProbeTimeout, "Timeout of a single /health probe (at most 500ms)")
	fs.BoolVar(&cfg.DisableProbe, flagDisableProbe, false, "Skip the /24 health probe during discovery rounds")
	fs.DurationVar(&cfg.SettleDelay, flagSettleDelay, DefaultSettleDelay, "Wait after the first broadcast of a round")
	fs.DurationVar(&cfg.FinalDelay, flagFinalDelay, DefaultFinalDelay, "Wait after the second broadcast of a round")
	fs.DurationVar(&cfg.ForwardTimeout, flagForwardTimeout, DefaultForwardTimeout, "Timeout for POST /forward to another relay")
	fs.DurationVar(&cfg.PollTimeout, flagPollTimeout, DefaultPollTimeout, "Timeout for GET /poll-signaling on another relay")
	fs.DurationVar(&cfg.PollInterval, flagPollInterval, DefaultPollInterval, "Background poll interval for queued signaling (0 = disabled)")
	fs.IntVar(&cfg.QueueLimit, flagQueueLimit, DefaultQueueLimit, "Pending envelopes kept per address")
	fs.DurationVar(&cfg.QueueTTL, flagQueueTTL, DefaultQueueTTL, "How long pending envelopes are kept")
	fs.BoolVar(&cfg.ValidatePayloads, flagValidatePayloads, false, "Reject offer/answer/ice_candidate payloads that are not WebRTC session descriptions or candidate inits")
	fs.IntVar(&maxMessageBytes, flagMaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes, "Max size of a signaling WebSocket message")
	fs.IntVar(&cfg.MaxSignalingMessagesPerSecond, flagMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond, "Max signaling messages per second per session")
	fs.DurationVar(&cfg.SignalingWSPingInterval, flagSignalingWSPingInterval, DefaultSignalingWSPingInterval, "Interval between WebSocket pings")
	fs.DurationVar(&cfg.SignalingWSIdleTimeout, flagSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout, "Close sessions silent for this long")
	fs.StringVar(&allowedOriginsStr, flagAllowedOrigins, "", "Comma-separated allowed browser origins (default: same host)")
	fs.BoolVar(&cfg.AllowLoopbackOrigins, flagAllowLoopbackOrigins, true, "Allow browser origins served from localhost")
	fs.StringVar(&targetAllowStr, flagTargetAllowCIDRs, "", "Comma-separated CIDRs relays may be contacted at (default: private ranges)")
	fs.StringVar(&targetDenyStr, flagTargetDenyCIDRs, "", "Comma-separated CIDRs relays are never contacted at")
	fs.BoolVar(&cfg.AllowPublicTargets, flagAllowPublicTargets, false, "Allow forwarding and polling to non-private addresses")
	fs.Float64Var(&cfg.ControlRequestsPerSecond, flagControlRequestsPerSecond, DefaultControlRequestsPerSecond, "Max /forward and /poll-signaling requests per second per source IP (0 = unlimited)")
	fs.StringVar(&modeStr, flagMode, string(DefaultMode), "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, flagLogFormat, "", "Log format: text or json (default depends on mode)")
	fs.StringVar(&logLevelStr, flagLogLevel, "", "Log level: debug, info, warn, error (default depends on mode)")
	fs.DurationVar(&cfg.ShutdownTimeout, flagShutdownTimeout, DefaultShutdown, "Graceful shutdown timeout")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if !fs.Changed(flagConfig) {
		configFile = strings.TrimSpace(envOrDefault(lookup, envVarFor(flagConfig), ""))
	}
	fileValues, err := readFile(configFile, fs)
	if err != nil {
		return Config{}, err
	}

	// Flags given on the command line win; env beats the file.
	var applyErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if applyErr != nil || f.Name == flagConfig || f.Changed {
			return
		}
		if raw, ok := lookup(envVarFor(f.Name)); ok && strings.TrimSpace(raw) != "" {
			if err := fs.Set(f.Name, strings.TrimSpace(raw)); err != nil {
				applyErr = fmt.Errorf("invalid %s %q: %w", envVarFor(f.Name), raw, err)
			}
			return
		}
		if raw, ok := fileValues[f.Name]; ok {
			if err := fs.Set(f.Name, raw); err != nil {
				applyErr = fmt.Errorf("invalid %s in %s %q: %w", f.Name, configFile, raw, err)
			}
		}
	})
	if applyErr != nil {
		return Config{}, applyErr
	}

	cfg.ConfigFile = configFile
	cfg.ListenAddr = strings.TrimSpace(listenAddr)
	cfg.MaxSignalingMessageBytes = int64(maxMessageBytes)
	cfg.BroadcastTargets = splitList(broadcastTargetsStr)
	cfg.AllowedOrigins = splitList(allowedOriginsStr)
	cfg.TargetAllowCIDRs = splitList(targetAllowStr)
	cfg.TargetDenyCIDRs = splitList(targetDenyStr)
	cfg.DisplayName = strings.TrimSpace(cfg.DisplayName)
	cfg.HostID = strings.TrimSpace(cfg.HostID)

	if cfg.Mode, err = parseMode(modeStr); err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(logFormatStr) == "" {
		logFormatStr = defaultLogFormatForMode(modeStr)
	}
	if cfg.LogFormat, err = parseLogFormat(logFormatStr); err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(logLevelStr) == "" {
		logLevelStr = defaultLogLevelForMode(modeStr)
	}
	if cfg.LogLevel, err = parseLogLevel(logLevelStr); err != nil {
		return Config{}, err
	}

	if cfg.ControlPort, err = controlPortFromListenAddr(cfg.ListenAddr); err != nil {
		return Config{}, fmt.Errorf("invalid %s %q: %w", flagListenAddr, cfg.ListenAddr, err)
	}
	if localAddress = strings.TrimSpace(localAddress); localAddress != "" {
		addr, err := netaddr.Parse(localAddress)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", flagLocalAddress, localAddress, err)
		}
		cfg.LocalAddress = addr.String()
	}
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// readFile loads path and returns its values keyed by flag name, rendered
// the way the flag parses them. Unknown keys are an error.
func readFile(path string, fs *pflag.FlagSet) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	out := make(map[string]string, len(raw))
	var unknown []string
	for key, v := range raw {
		if key == flagConfig || fs.Lookup(key) == nil {
			unknown = append(unknown, key)
			continue
		}
		out[key] = yamlScalar(v)
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("config file %s: unknown keys %s", path, strings.Join(unknown, ", "))
	}
	return out, nil
}

func yamlScalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, yamlScalar(item))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(t)
	}
}

func validate(cfg Config) error {
	if err := checkPort(flagDiscoveryPort, cfg.DiscoveryPort); err != nil {
		return err
	}
	if ip := net.ParseIP(cfg.DiscoveryListenIP); ip == nil || ip.To4() == nil {
		return fmt.Errorf("invalid %s %q: expected an IPv4 address", flagDiscoveryListenIP, cfg.DiscoveryListenIP)
	}
	for _, target := range cfg.BroadcastTargets {
		if ip := net.ParseIP(target); ip == nil || ip.To4() == nil {
			return fmt.Errorf("invalid %s entry %q: expected an IPv4 address", flagBroadcastTargets, target)
		}
	}
	if cfg.ProbeBatchSize <= 0 {
		return fmt.Errorf("invalid %s %d: must be > 0", flagProbeBatchSize, cfg.ProbeBatchSize)
	}
	if cfg.QueueLimit <= 0 {
		return fmt.Errorf("invalid %s %d: must be > 0", flagQueueLimit, cfg.QueueLimit)
	}
	if cfg.MaxSignalingMessageBytes <= 0 {
		return fmt.Errorf("invalid %s %d: must be > 0", flagMaxSignalingMessageBytes, cfg.MaxSignalingMessageBytes)
	}
	if cfg.ProbeTimeout > MaxProbeTimeout {
		return fmt.Errorf("invalid %s %s: must be <= %s", flagProbeTimeout, cfg.ProbeTimeout, MaxProbeTimeout)
	}
	if cfg.ControlRequestsPerSecond < 0 {
		return fmt.Errorf("invalid %s %v: must be >= 0", flagControlRequestsPerSecond, cfg.ControlRequestsPerSecond)
	}
	if cfg.MaxSignalingMessagesPerSecond <= 0 {
		return fmt.Errorf("invalid %s %d: must be > 0", flagMaxSignalingMessagesPerSecond, cfg.MaxSignalingMessagesPerSecond)
	}

	positive := []struct {
		name string
		d    time.Duration
	}{
		{flagBroadcastInterval, cfg.BroadcastInterval},
		{flagProbeTimeout, cfg.ProbeTimeout},
		{flagForwardTimeout, cfg.ForwardTimeout},
		{flagPollTimeout, cfg.PollTimeout},
		{flagQueueTTL, cfg.QueueTTL},
		{flagSignalingWSPingInterval, cfg.SignalingWSPingInterval},
		{flagSignalingWSIdleTimeout, cfg.SignalingWSIdleTimeout},
		{flagShutdownTimeout, cfg.ShutdownTimeout},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return fmt.Errorf("invalid %s %s: must be > 0", p.name, p.d)
		}
	}
	nonNegative := []struct {
		name string
		d    time.Duration
	}{
		{flagProbeBatchDelay, cfg.ProbeBatchDelay},
		{flagSettleDelay, cfg.SettleDelay},
		{flagFinalDelay, cfg.FinalDelay},
		{flagPollInterval, cfg.PollInterval},
	}
	for _, p := range nonNegative {
		if p.d < 0 {
			return fmt.Errorf("invalid %s %s: must be >= 0", p.name, p.d)
		}
	}
	if cfg.SignalingWSIdleTimeout <= cfg.SignalingWSPingInterval {
		return fmt.Errorf("invalid %s %s: must be greater than %s (%s)",
			flagSignalingWSIdleTimeout, cfg.SignalingWSIdleTimeout, flagSignalingWSPingInterval, cfg.SignalingWSPingInterval)
	}

	if _, err := policy.New(cfg.TargetAllowCIDRs, cfg.TargetDenyCIDRs, cfg.AllowPublicTargets); err != nil {
		return fmt.Errorf("invalid %s/%s: %w", flagTargetAllowCIDRs, flagTargetDenyCIDRs, err)
	}
	if _, invalid := origin.NewPolicy(cfg.AllowedOrigins, cfg.AllowLoopbackOrigins); len(invalid) > 0 {
		return fmt.Errorf("invalid %s %q (expected full origin like http://192.168.1.10:8080)", flagAllowedOrigins, invalid[0])
	}
	return nil
}

var errPortRange = errors.New("port out of range")

func checkPort(name string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid %s %d: %w", name, port, errPortRange)
	}
	return nil
}

func controlPortFromListenAddr(listenAddr string) (int, error) {
	_, rawPort, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", rawPort)
	}
	if port < 0 || port > 65535 {
		return 0, errPortRange
	}
	if port == 0 {
		return DefaultControlPort, nil
	}
	return port, nil
}

func splitList(raw string) []string {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			out = append(out, entry)
		}
	}
	return out
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}
