package signaling

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/clients"
	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/controlapi"
	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/netaddr"
	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/peers"
	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/policy"
)

type liveRelay struct {
	relay   *Relay
	clients *clients.Registry
	peers   *peers.Registry
	metrics *metrics.Metrics
	port    int
}

// startLiveRelay serves a relay on a loopback port and talks to other relays
// through a real control plane client.
func startLiveRelay(t *testing.T, local string, targets *policy.TargetPolicy) *liveRelay {
	t.Helper()
	lr := &liveRelay{
		clients: clients.NewRegistry(),
		peers:   peers.NewRegistry(),
		metrics: metrics.New(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	lr.relay = NewRelay(RelayConfig{
		LocalAddress: netaddr.MustParse(local),
		Clients:      lr.clients,
		Peers:        lr.peers,
		Remote:       controlapi.NewClient(controlapi.ClientConfig{}),
		Targets:      targets,
		Metrics:      lr.metrics,
		Logger:       logger,
	})
	srv := NewServer(ServerConfig{}, lr.relay, lr.metrics, logger)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	lr.port = ts.Listener.Addr().(*net.TCPAddr).Port
	return lr
}

func (lr *liveRelay) session(t *testing.T, addr string) (*clients.Session, *recorder) {
	t.Helper()
	rec := &recorder{}
	s := clients.NewSession(netaddr.MustParse(addr), rec)
	lr.clients.Connect(s)
	return s, rec
}

func (lr *liveRelay) knows(addr string, port int) {
	lr.peers.AddOrUpdate(peers.Record{Address: netaddr.MustParse(addr), ControlPort: port})
}

func TestCrossRelay_ForwardReachesRemoteSession(t *testing.T) {
	a := startLiveRelay(t, "192.168.1.10", nil)
	b := startLiveRelay(t, "192.168.1.20", nil)

	// The remote relay is reachable on loopback, so its browser is keyed there.
	_, got := b.session(t, "127.0.0.1")
	a.knows("127.0.0.1", b.port)

	sender, _ := a.session(t, "192.168.1.5")
	msg := []byte(`{"type":"connection_request","targetAddress":"127.0.0.1","fromName":"alice","payload":{"n":1}}`)
	if err := a.relay.HandleClient(context.Background(), sender, msg); err != nil {
		t.Fatalf("HandleClient: %v", err)
	}

	envs := got.envelopes()
	if len(envs) != 1 {
		t.Fatalf("remote session got %d envelopes, want 1", len(envs))
	}
	// The receiving relay only trusts the transport source.
	if envs[0].Type != TypeConnectionRequest || envs[0].FromAddress != "127.0.0.1" || envs[0].FromName != "alice" {
		t.Fatalf("envelope=%+v", envs[0])
	}
	if a.metrics.Get(metrics.DeliveredRemote) != 1 || b.metrics.Get(metrics.ForwardReceived) != 1 {
		t.Fatalf("a=%v b=%v", a.metrics.Snapshot(), b.metrics.Snapshot())
	}
	if _, ok := a.peers.Get(netaddr.MustParse("192.168.1.5")); !ok {
		t.Fatalf("sending relay did not register the requester")
	}
}

func TestCrossRelay_UndeliveredIsQueuedAndPolled(t *testing.T) {
	loopbackOnly, err := policy.New([]string{"127.0.0.0/8"}, nil, false)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	a := startLiveRelay(t, "192.168.1.10", loopbackOnly)
	b := startLiveRelay(t, "192.168.1.20", nil)
	a.knows("127.0.0.1", b.port)
	b.knows("127.0.0.1", a.port)

	// No session for the target on b: b answers delivered=false and a queues.
	sender, _ := a.session(t, "192.168.1.5")
	if err := a.relay.HandleClient(context.Background(), sender,
		[]byte(`{"type":"offer","targetAddress":"127.0.0.1","payload":{}}`)); err != nil {
		t.Fatalf("HandleClient: %v", err)
	}
	if a.metrics.Get(metrics.ForwardFailures) != 1 {
		t.Fatalf("forward_failures=%d, want 1", a.metrics.Get(metrics.ForwardFailures))
	}

	// A LAN target outside the policy is never contacted and is queued too.
	if err := a.relay.HandleClient(context.Background(), sender,
		[]byte(`{"type":"offer","targetAddress":"192.168.1.77","payload":{}}`)); err != nil {
		t.Fatalf("HandleClient: %v", err)
	}
	if a.metrics.Get(metrics.TargetDenied) != 1 {
		t.Fatalf("target_denied=%d, want 1", a.metrics.Get(metrics.TargetDenied))
	}

	s, got := b.session(t, "192.168.1.77")
	if n := b.relay.PollRemote(context.Background(), netaddr.MustParse("127.0.0.1"), netaddr.MustParse("192.168.1.77"), s); n != 1 {
		t.Fatalf("delivered=%d, want 1", n)
	}
	envs := got.envelopes()
	if len(envs) != 1 || envs[0].FromAddress != "127.0.0.1" || envs[0].TargetAddress != "192.168.1.77" {
		t.Fatalf("envelopes=%+v", envs)
	}

	// Drained: a second poll returns nothing.
	if n := b.relay.PollRemote(context.Background(), netaddr.MustParse("127.0.0.1"), netaddr.MustParse("192.168.1.77"), s); n != 0 {
		t.Fatalf("second poll delivered %d", n)
	}
	if got := len(a.relay.Poll(netaddr.MustParse("127.0.0.1"))); got != 1 {
		t.Fatalf("queued for 127.0.0.1: %d, want 1", got)
	}
}
