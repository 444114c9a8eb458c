package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pion/transport/v3/stdnet"
	"github.com/spf13/pflag"

	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/clients"
	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/controlapi"
	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/discovery"
	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/peers"
	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/policy"
	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

const queueSweepInterval = 30 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	hostID, displayName := resolveIdentity(cfg)

	nw, err := stdnet.NewNet()
	if err != nil {
		logger.Error("failed to enumerate network interfaces", "err", err)
		os.Exit(1)
	}

	m := metrics.New()
	peerRegistry := peers.NewRegistry()
	clientRegistry := clients.NewRegistry()
	client := controlapi.NewClient(controlapi.ClientConfig{
		ProbeTimeout:   cfg.ProbeTimeout,
		ForwardTimeout: cfg.ForwardTimeout,
		PollTimeout:    cfg.PollTimeout,
	})

	engine, err := discovery.New(discovery.Config{
		HostID:            hostID,
		DisplayName:       displayName,
		ControlPort:       cfg.ControlPort,
		DiscoveryPort:     cfg.DiscoveryPort,
		ListenIP:          cfg.DiscoveryListenIP,
		LocalAddress:      cfg.LocalAddress,
		BroadcastTargets:  cfg.BroadcastTargets,
		BroadcastInterval: cfg.BroadcastInterval,
		ProbeBatchSize:    cfg.ProbeBatchSize,
		ProbeBatchDelay:   cfg.ProbeBatchDelay,
		ProbeTimeout:      cfg.ProbeTimeout,
		SettleDelay:       cfg.SettleDelay,
		FinalDelay:        cfg.FinalDelay,
		DisableProbe:      cfg.DisableProbe,
	}, nw, peerRegistry, client, m, logger)
	if err != nil {
		logger.Error("failed to configure discovery", "err", err)
		os.Exit(2)
	}
	local := engine.LocalAddress()

	logger.Info("starting aero-lan-signaling-relay",
		"listen_addr", cfg.ListenAddr,
		"control_port", cfg.ControlPort,
		"discovery_port", cfg.DiscoveryPort,
		"local_address", local.String(),
		"host_id", hostID,
		"display_name", displayName,
		"mode", cfg.Mode,
		"config_file", cfg.ConfigFile,
		"queue_limit", cfg.QueueLimit,
		"queue_ttl", cfg.QueueTTL,
		"poll_interval", cfg.PollInterval,
		"validate_payloads", cfg.ValidatePayloads,
	)
	logStartupWarnings(logger, cfg, local.String())

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt}, httpserver.Identity{
		LocalAddress: local.String(),
		HostID:       hostID,
		DisplayName:  displayName,
		ControlPort:  cfg.ControlPort,
	})

	targets, err := policy.New(cfg.TargetAllowCIDRs, cfg.TargetDenyCIDRs, cfg.AllowPublicTargets)
	if err != nil {
		logger.Error("failed to configure target policy", "err", err)
		os.Exit(2)
	}

	queue := signaling.NewPendingQueue(cfg.QueueLimit, cfg.QueueTTL, m)
	relay := signaling.NewRelay(signaling.RelayConfig{
		LocalAddress:     local,
		ControlPort:      cfg.ControlPort,
		ValidatePayloads: cfg.ValidatePayloads,
		Clients:          clientRegistry,
		Peers:            peerRegistry,
		Queue:            queue,
		Remote:           client,
		Targets:          targets,
		Metrics:          m,
		Logger:           logger,
	})
	controlLimiter := ratelimit.New(ratelimit.Config{
		PerSecond: cfg.ControlRequestsPerSecond,
		OnEvict: func() {
			logger.Debug("control_rate_limit_bucket_evicted")
		},
	})
	sig := signaling.NewServer(signaling.ServerConfig{
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		PingInterval:         cfg.SignalingWSPingInterval,
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		CheckOrigin:          srv.Origins().CheckRequest,
		ControlLimiter:       controlLimiter,
	}, relay, m, logger)

	engine.RegisterRoutes(srv.Mux())
	sig.RegisterRoutes(srv.Mux())
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))
	srv.AddReadinessCheck("discovery", engine.Ready)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(ctx); err != nil {
		logger.Error("failed to start discovery", "err", err)
		os.Exit(1)
	}
	go queue.RunSweeper(ctx, queueSweepInterval)
	go relay.RunPoller(ctx, cfg.PollInterval)
	go func() {
		found, err := engine.Round(ctx)
		if err != nil {
			logger.Warn("initial discovery round failed", "err", err)
			return
		}
		logger.Info("initial discovery round complete", "peers", len(found))
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		sig.Close()
		_ = engine.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	sig.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	if err := engine.Close(); err != nil {
		logger.Warn("discovery close failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// resolveIdentity fills in the host id and display name when they are not
// configured. The host id is regenerated on every start.
func resolveIdentity(cfg config.Config) (hostID, displayName string) {
	hostID = cfg.HostID
	if hostID == "" {
		hostID = uuid.NewString()
	}
	displayName = cfg.DisplayName
	if displayName == "" {
		if h, err := os.Hostname(); err == nil && h != "" {
			displayName = h
		} else {
			displayName = "aero-relay"
		}
	}
	return hostID, displayName
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
