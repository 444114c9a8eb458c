package main

import (
	"log/slog"
	"net/netip"

	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config, localAddress string) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.AllowLoopbackOrigins {
		logger.Warn("startup security warning: loopback origins are allowed while --mode=prod",
			"warning_code", "loopback_origins_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.AllowPublicTargets {
		logger.Warn("startup security warning: --allow-public-targets lets clients make this relay send HTTP requests to any address",
			"warning_code", "allow_public_targets",
			"target_allow_cidrs", cfg.TargetAllowCIDRs,
			"mode", cfg.Mode,
		)
	}

	if cfg.ValidatePayloads {
		logger.Info("signaling payload validation enabled; offer, answer and ice_candidate payloads that are not WebRTC session descriptions or candidate inits are rejected",
			"warning_code", "payload_validation_enabled",
			"mode", cfg.Mode,
		)
	}

	if ip, err := netip.ParseAddr(localAddress); err == nil && ip.IsLoopback() {
		logger.Warn("startup warning: no LAN interface found; advertising a loopback address, so peers cannot reach this relay",
			"warning_code", "local_address_loopback",
			"local_address", localAddress,
		)
	}

	if cfg.DisableProbe && len(cfg.BroadcastTargets) == 0 {
		logger.Info("subnet probe disabled; discovery relies on broadcast only",
			"warning_code", "probe_disabled",
		)
	}
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
