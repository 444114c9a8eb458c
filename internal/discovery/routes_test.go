package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/controlapi"
	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/netaddr"
	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/peers"
)

func TestDiscoverRoute_NoPeers(t *testing.T) {
	prober := &fakeProber{respond: func(context.Context, netaddr.Addr) (controlapi.HealthResponse, error) {
		return controlapi.HealthResponse{}, errors.New("refused")
	}}
	e, _, _ := newTestEngine(t, Config{
		ProbeBatchSize: 253,
		SettleDelay:    10 * time.Millisecond,
		FinalDelay:     10 * time.Millisecond,
	}, prober)

	mux := http.NewServeMux()
	e.RegisterRoutes(mux)

	start := time.Now()
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/discover", nil))
	if elapsed := time.Since(start); elapsed > e.RoundBudget() {
		t.Fatalf("POST /discover took %v, budget %v", elapsed, e.RoundBudget())
	}

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["success"] != true {
		t.Fatalf("body=%v", body)
	}
	peersList, ok := body["peers"].([]any)
	if !ok || len(peersList) != 0 {
		t.Fatalf("peers=%v, want empty array", body["peers"])
	}
	if body["localAddress"] != "10.0.0.1" {
		t.Fatalf("localAddress=%v", body["localAddress"])
	}
}

func TestPeersRoute(t *testing.T) {
	e, reg, _ := newTestEngine(t, Config{}, nil)
	reg.AddOrUpdate(peers.Record{Address: netaddr.MustParse("10.0.0.3"), DisplayName: "tv", ControlPort: 3001, LastSeen: time.Now()})

	mux := http.NewServeMux()
	e.RegisterRoutes(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/peers", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	var body controlapi.PeersResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Success || len(body.Peers) != 1 || body.Peers[0].Address.String() != "10.0.0.3" {
		t.Fatalf("body=%+v", body)
	}
}

func TestDiscoverRoute_JoinsRunningRound(t *testing.T) {
	release := make(chan struct{})
	prober := gatedProber(release)
	e, _, m := newTestEngine(t, Config{
		ProbeBatchSize: 253,
		ProbeTimeout:   2 * time.Second,
		SettleDelay:    10 * time.Millisecond,
		FinalDelay:     10 * time.Millisecond,
	}, prober)

	mux := http.NewServeMux()
	e.RegisterRoutes(mux)

	go func() { _, _ = e.Round(context.Background()) }()
	waitUntil(t, "startup round to start probing", func() bool { return prober.calls.Load() > 0 })

	rr := httptest.NewRecorder()
	served := make(chan struct{})
	go func() {
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/discover", nil))
		close(served)
	}()
	waitUntil(t, "/discover to join the round", func() bool { return m.Get(metrics.DiscoveryRoundsJoined) == 1 })
	close(release)

	select {
	case <-served:
	case <-time.After(e.RoundBudget()):
		t.Fatalf("/discover did not finish within %v", e.RoundBudget())
	}
	var body controlapi.DiscoverResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Success || len(body.Peers) != 1 || body.Peers[0].Address.String() != "10.0.0.250" {
		t.Fatalf("body=%+v", body)
	}
	if got := m.Get(metrics.DiscoveryRounds); got != 1 {
		t.Fatalf("discovery_rounds=%d, want 1", got)
	}
}
