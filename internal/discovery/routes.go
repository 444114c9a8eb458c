package discovery

import (
	"context"
	"net/http"
	"time"

	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/controlapi"
)

// RegisterRoutes mounts GET /peers and POST /discover.
func (e *Engine) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+controlapi.PathPeers, e.handlePeers)
	mux.HandleFunc("POST "+controlapi.PathDiscover, e.handleDiscover)
}

func (e *Engine) handlePeers(w http.ResponseWriter, r *http.Request) {
	controlapi.WriteJSON(w, http.StatusOK, controlapi.PeersResponse{
		Success: true,
		Peers:   e.registry.Snapshot(),
	})
}

// handleDiscover runs a round synchronously, or joins the one already
// running. The round is detached from the request context so a client that
// gives up does not leave the registry half-populated; Round bounds it by
// RoundBudget.
func (e *Engine) handleDiscover(w http.ResponseWriter, r *http.Request) {
	snap, err := e.Round(context.WithoutCancel(r.Context()))
	if err != nil {
		e.log.Warn("discovery_round_cut_short", "err", err)
	}
	controlapi.WriteJSON(w, http.StatusOK, controlapi.DiscoverResponse{
		Success:      true,
		Peers:        snap,
		LocalAddress: e.local.String(),
	})
}

// RoundBudget is an upper bound on how long Round takes when every probe
// times out, with slack for the broadcasts.
func (e *Engine) RoundBudget() time.Duration {
	var probe time.Duration
	if !e.cfg.DisableProbe {
		batches := (253 + e.cfg.ProbeBatchSize - 1) / e.cfg.ProbeBatchSize
		probe = time.Duration(batches) * (e.cfg.ProbeTimeout + e.cfg.ProbeBatchDelay)
	}
	return probe + e.cfg.SettleDelay + e.cfg.FinalDelay + 2*time.Second
}
