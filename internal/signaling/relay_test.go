package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/clients"
	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/netaddr"
	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/peers"
	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/policy"
)

const testSDP = "v=0\r\no=- 4215775240449105457 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\nc=IN IP4 0.0.0.0\r\na=mid:0\r\n"

// recorder is a clients.Sender that keeps every message it was asked to send.
type recorder struct {
	mu   sync.Mutex
	msgs []any
	err  error
}

func (r *recorder) Send(v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, v)
	return nil
}

func (r *recorder) envelopes() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Envelope
	for _, m := range r.msgs {
		if env, ok := m.(Envelope); ok {
			out = append(out, env)
		}
	}
	return out
}

func (r *recorder) last() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return nil
	}
	return r.msgs[len(r.msgs)-1]
}

type forwardCall struct {
	target netaddr.Addr
	port   int
	env    Envelope
}

type fakeRemote struct {
	mu         sync.Mutex
	forwardErr error
	forwards   []forwardCall
	polled     map[netaddr.Addr][]json.RawMessage
	pollErr    error
	pollCalls  int
}

func (f *fakeRemote) Forward(_ context.Context, target netaddr.Addr, port int, envelope any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	env, _ := envelope.(Envelope)
	f.forwards = append(f.forwards, forwardCall{target: target, port: port, env: env})
	return f.forwardErr
}

func (f *fakeRemote) Poll(_ context.Context, target netaddr.Addr, _ int, _ netaddr.Addr) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollCalls++
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	msgs := f.polled[target]
	delete(f.polled, target)
	return msgs, nil
}

func (f *fakeRemote) forwardCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.forwards)
}

type relayFixture struct {
	relay   *Relay
	peers   *peers.Registry
	clients *clients.Registry
	queue   *PendingQueue
	remote  *fakeRemote
	metrics *metrics.Metrics
}

func newRelayFixture(t *testing.T, validate bool) *relayFixture {
	t.Helper()
	m := metrics.New()
	f := &relayFixture{
		peers:   peers.NewRegistry(),
		clients: clients.NewRegistry(),
		queue:   NewPendingQueue(0, 0, m),
		remote:  &fakeRemote{polled: make(map[netaddr.Addr][]json.RawMessage)},
		metrics: m,
	}
	f.relay = NewRelay(RelayConfig{
		LocalAddress:     netaddr.MustParse("192.168.1.10"),
		ControlPort:      3001,
		ValidatePayloads: validate,
		Clients:          f.clients,
		Peers:            f.peers,
		Queue:            f.queue,
		Remote:           f.remote,
		Metrics:          m,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return f
}

// connect opens a session observed at observed and registers it as addr.
func (f *relayFixture) connect(t *testing.T, observed, addr string) (*clients.Session, *recorder) {
	t.Helper()
	rec := &recorder{}
	s := clients.NewSession(netaddr.MustParse(observed), rec)
	f.clients.Connect(s)
	if addr != "" {
		if err := f.relay.HandleClient(context.Background(), s, []byte(`{"type":"register","address":"`+addr+`"}`)); err != nil {
			t.Fatalf("register %s: %v", addr, err)
		}
	}
	return s, rec
}

func TestHandleClient_FromAddressIsOverwritten(t *testing.T) {
	f := newRelayFixture(t, false)
	a, _ := f.connect(t, "192.168.1.20", "")
	_, bRec := f.connect(t, "192.168.1.30", "192.168.1.30")

	msg := `{"type":"connection_request","targetAddress":"192.168.1.30","fromAddress":"6.6.6.6","fromName":"alice","payload":{"fromAddress":"6.6.6.6"}}`
	if err := f.relay.HandleClient(context.Background(), a, []byte(msg)); err != nil {
		t.Fatalf("HandleClient: %v", err)
	}

	envs := bRec.envelopes()
	if len(envs) != 1 {
		t.Fatalf("delivered=%d, want 1", len(envs))
	}
	if envs[0].FromAddress != "192.168.1.20" {
		t.Fatalf("fromAddress=%q, want 192.168.1.20", envs[0].FromAddress)
	}
	if envs[0].FromName != "alice" || envs[0].Timestamp == 0 {
		t.Fatalf("unexpected envelope %+v", envs[0])
	}
	if f.remote.forwardCount() != 0 {
		t.Fatalf("local delivery must not forward")
	}
	if got := f.metrics.Get(metrics.DeliveredLocal); got != 1 {
		t.Fatalf("delivered_local=%d, want 1", got)
	}
}

func TestHandleClient_ConnectionRequestSelfRegistersSender(t *testing.T) {
	f := newRelayFixture(t, false)
	a, _ := f.connect(t, "192.168.1.20", "")
	f.connect(t, "192.168.1.30", "192.168.1.30")

	msg := `{"type":"connection_request","targetAddress":"192.168.1.30","fromName":"alice"}`
	if err := f.relay.HandleClient(context.Background(), a, []byte(msg)); err != nil {
		t.Fatalf("HandleClient: %v", err)
	}
	rec, ok := f.peers.Get(netaddr.MustParse("192.168.1.20"))
	if !ok {
		t.Fatalf("sender not in peer registry")
	}
	if rec.DisplayName != "alice" || rec.ControlPort != 3001 {
		t.Fatalf("unexpected record %+v", rec)
	}

	// Other envelope types never add peers.
	c, _ := f.connect(t, "192.168.1.40", "")
	if err := f.relay.HandleClient(context.Background(), c, []byte(`{"type":"connection_accept","targetAddress":"192.168.1.30"}`)); err != nil {
		t.Fatalf("HandleClient: %v", err)
	}
	if _, ok := f.peers.Get(netaddr.MustParse("192.168.1.40")); ok {
		t.Fatalf("connection_accept must not self-register")
	}
}

func TestHandleClient_ConnectionRequestFromOwnOrLoopbackIsNotAPeer(t *testing.T) {
	f := newRelayFixture(t, false)
	f.connect(t, "192.168.1.30", "192.168.1.30")
	msg := []byte(`{"type":"connection_request","targetAddress":"192.168.1.30"}`)

	own, _ := f.connect(t, "192.168.1.10", "")
	if err := f.relay.HandleClient(context.Background(), own, msg); err != nil {
		t.Fatalf("HandleClient: %v", err)
	}
	f.relay.Receive(Envelope{Type: TypeConnectionRequest, TargetAddress: "192.168.1.30"}, netaddr.MustParse("127.0.0.1"))

	if n := f.peers.Len(); n != 0 {
		t.Fatalf("peers=%+v, want none", f.peers.Snapshot())
	}
	if got := f.metrics.Get(metrics.PeersSelfAdded); got != 0 {
		t.Fatalf("peers_self_registered=%d, want 0", got)
	}
}

func TestHandleClient_RegisterTwiceOnlyLatestReceives(t *testing.T) {
	f := newRelayFixture(t, false)
	_, first := f.connect(t, "192.168.1.50", "192.168.1.30")
	_, second := f.connect(t, "192.168.1.51", "192.168.1.30")
	sender, _ := f.connect(t, "192.168.1.20", "")

	if err := f.relay.HandleClient(context.Background(), sender, []byte(`{"type":"offer","targetAddress":"192.168.1.30","payload":{}}`)); err != nil {
		t.Fatalf("HandleClient: %v", err)
	}
	if n := len(first.envelopes()); n != 0 {
		t.Fatalf("evicted session received %d envelopes", n)
	}
	if n := len(second.envelopes()); n != 1 {
		t.Fatalf("latest session received %d envelopes, want 1", n)
	}
	if got := f.metrics.Get(metrics.AddressConflicts); got != 1 {
		t.Fatalf("address_conflicts=%d, want 1", got)
	}
}

func TestHandleClient_PingAnsweredWithPong(t *testing.T) {
	f := newRelayFixture(t, false)
	s, rec := f.connect(t, "192.168.1.20", "")

	if err := f.relay.HandleClient(context.Background(), s, []byte(`{"type":"ping","targetAddress":"192.168.1.30"}`)); err != nil {
		t.Fatalf("HandleClient: %v", err)
	}
	msg, ok := rec.last().(serverMessage)
	if !ok || msg.Type != TypePong {
		t.Fatalf("last message=%#v, want pong", rec.last())
	}
	if f.remote.forwardCount() != 0 || f.queue.Len(netaddr.MustParse("192.168.1.30")) != 0 {
		t.Fatalf("ping must never be relayed")
	}
}

func TestHandleClient_MalformedReturnsProtocolError(t *testing.T) {
	f := newRelayFixture(t, false)
	s, _ := f.connect(t, "192.168.1.20", "")

	cases := map[string]string{
		"invalid json":   `{"type":`,
		"missing type":   `{"targetAddress":"192.168.1.30"}`,
		"unknown type":   `{"type":"teleport"}`,
		"missing target": `{"type":"offer"}`,
		"bad register":   `{"type":"register","address":"bad host"}`,
	}
	for name, msg := range cases {
		err := f.relay.HandleClient(context.Background(), s, []byte(msg))
		var perr *ProtocolError
		if !errors.As(err, &perr) {
			t.Fatalf("%s: err=%v, want ProtocolError", name, err)
		}
	}
	if got := f.metrics.Get(metrics.MessagesMalformed); got != uint64(len(cases)) {
		t.Fatalf("messages_malformed=%d, want %d", got, len(cases))
	}
}

func TestHandleClient_ValidatesPayloads(t *testing.T) {
	f := newRelayFixture(t, true)
	s, _ := f.connect(t, "192.168.1.20", "")
	_, target := f.connect(t, "192.168.1.30", "192.168.1.30")

	offer, _ := json.Marshal(map[string]string{"type": "offer", "sdp": testSDP})
	cand := `{"candidate":"candidate:1 1 udp 2130706431 192.168.1.20 51234 typ host","sdpMid":"0","sdpMLineIndex":0}`

	good := []string{
		`{"type":"offer","targetAddress":"192.168.1.30","payload":` + string(offer) + `}`,
		`{"type":"ice_candidate","targetAddress":"192.168.1.30","payload":` + cand + `}`,
		`{"type":"ice_candidate","targetAddress":"192.168.1.30","payload":{"candidate":""}}`,
	}
	for _, msg := range good {
		if err := f.relay.HandleClient(context.Background(), s, []byte(msg)); err != nil {
			t.Fatalf("HandleClient(%s): %v", msg, err)
		}
	}
	if n := len(target.envelopes()); n != len(good) {
		t.Fatalf("delivered=%d, want %d", n, len(good))
	}

	bad := []string{
		`{"type":"offer","targetAddress":"192.168.1.30"}`,
		`{"type":"answer","targetAddress":"192.168.1.30","payload":` + string(offer) + `}`,
		`{"type":"offer","targetAddress":"192.168.1.30","payload":{"type":"offer","sdp":"not sdp"}}`,
		`{"type":"ice_candidate","targetAddress":"192.168.1.30","payload":{"candidate":"candidate:garbage"}}`,
	}
	for _, msg := range bad {
		err := f.relay.HandleClient(context.Background(), s, []byte(msg))
		var perr *ProtocolError
		if !errors.As(err, &perr) || perr.Code != CodeInvalidPayload {
			t.Fatalf("HandleClient(%s): err=%v, want invalid_payload", msg, err)
		}
	}
	if n := len(target.envelopes()); n != len(good) {
		t.Fatalf("invalid payloads were delivered")
	}
}

func TestHandleClient_OpaquePayloadsRelayedWithoutValidation(t *testing.T) {
	f := newRelayFixture(t, false)
	s, _ := f.connect(t, "192.168.1.20", "")
	_, target := f.connect(t, "192.168.1.30", "192.168.1.30")

	payloads := map[string]string{
		TypeOffer:        `{"sdp":{"type":"offer","sdp":"custom"}}`,
		TypeAnswer:       `"opaque-blob"`,
		TypeICECandidate: `{"candidate":{"candidate":"nested"}}`,
	}
	for typ, payload := range payloads {
		msg := `{"type":"` + typ + `","targetAddress":"192.168.1.30","payload":` + payload + `}`
		if err := f.relay.HandleClient(context.Background(), s, []byte(msg)); err != nil {
			t.Fatalf("HandleClient(%s): %v", msg, err)
		}
	}

	envs := target.envelopes()
	if len(envs) != len(payloads) {
		t.Fatalf("delivered=%d, want %d", len(envs), len(payloads))
	}
	for _, env := range envs {
		if string(env.Payload) != payloads[env.Type] {
			t.Fatalf("%s payload=%s, want %s", env.Type, env.Payload, payloads[env.Type])
		}
	}
}

func TestDeliver_RemoteUsesRegistryControlPort(t *testing.T) {
	f := newRelayFixture(t, false)
	target := netaddr.MustParse("192.168.1.77")
	f.peers.AddOrUpdate(peers.Record{Address: target, ControlPort: 4001, LastSeen: time.Now()})

	tier := f.relay.Deliver(context.Background(), target, Envelope{Type: TypeOffer, TargetAddress: target.String()})
	if tier != TierRemote {
		t.Fatalf("tier=%v, want remote", tier)
	}
	if f.remote.forwards[0].port != 4001 {
		t.Fatalf("port=%d, want 4001", f.remote.forwards[0].port)
	}

	other := netaddr.MustParse("192.168.1.78")
	f.relay.Deliver(context.Background(), other, Envelope{Type: TypeOffer, TargetAddress: other.String()})
	if f.remote.forwards[1].port != 3001 {
		t.Fatalf("port=%d, want default 3001", f.remote.forwards[1].port)
	}
}

func TestDeliver_FailedForwardIsPolledExactlyOnce(t *testing.T) {
	f := newRelayFixture(t, false)
	f.remote.forwardErr = errors.New("connection refused")
	s, _ := f.connect(t, "192.168.1.20", "")

	if err := f.relay.HandleClient(context.Background(), s, []byte(`{"type":"offer","targetAddress":"192.168.1.99","payload":{}}`)); err != nil {
		t.Fatalf("HandleClient: %v", err)
	}
	if f.remote.forwardCount() != 1 {
		t.Fatalf("forwards=%d, want 1", f.remote.forwardCount())
	}

	target := netaddr.MustParse("192.168.1.99")
	got := f.relay.Poll(target)
	if len(got) != 1 || got[0].FromAddress != "192.168.1.20" {
		t.Fatalf("first poll=%+v", got)
	}
	if again := f.relay.Poll(target); len(again) != 0 {
		t.Fatalf("second poll returned %d envelopes", len(again))
	}
}

func TestDeliver_OwnAddressWithoutSessionQueuesWithoutForwarding(t *testing.T) {
	f := newRelayFixture(t, false)
	local := f.relay.LocalAddress()

	if tier := f.relay.Deliver(context.Background(), local, Envelope{Type: TypeOffer, TargetAddress: local.String()}); tier != TierQueued {
		t.Fatalf("tier=%v, want queued", tier)
	}
	if f.remote.forwardCount() != 0 {
		t.Fatalf("must not forward to self")
	}
}

func TestRegister_FlushesEnvelopesQueuedForOwnAddress(t *testing.T) {
	f := newRelayFixture(t, false)
	local := f.relay.LocalAddress()
	for i := 0; i < 2; i++ {
		f.relay.Deliver(context.Background(), local, Envelope{Type: TypeOffer, TargetAddress: local.String(), Timestamp: int64(i)})
	}

	_, rec := f.connect(t, "192.168.1.20", local.String())
	envs := rec.envelopes()
	if len(envs) != 2 || envs[0].Timestamp != 0 || envs[1].Timestamp != 1 {
		t.Fatalf("envelopes=%+v, want both queued envelopes in order", envs)
	}
	if msg, ok := rec.msgs[0].(serverMessage); !ok || msg.Type != TypeRegistered {
		t.Fatalf("first message=%+v, want registered", rec.msgs[0])
	}
	if f.queue.Len(local) != 0 {
		t.Fatalf("queue not drained")
	}
}

func TestFlushQueued_RequeuesOnSendFailure(t *testing.T) {
	f := newRelayFixture(t, false)
	addr := netaddr.MustParse("192.168.1.40")
	f.queue.Push(addr, Envelope{Type: TypeOffer, Timestamp: 1})
	f.queue.Push(addr, Envelope{Type: TypeOffer, Timestamp: 2})

	rec := &recorder{err: errors.New("broken pipe")}
	s := clients.NewSession(addr, rec)
	if n := f.relay.FlushQueued(s, addr); n != 0 {
		t.Fatalf("sent=%d, want 0", n)
	}
	got := f.queue.Drain(addr)
	if len(got) != 2 || got[0].Timestamp != 1 {
		t.Fatalf("requeued=%+v", got)
	}
}

func TestDeliver_LocalSendFailureFallsThrough(t *testing.T) {
	f := newRelayFixture(t, false)
	_, rec := f.connect(t, "192.168.1.30", "192.168.1.30")
	rec.err = errors.New("broken pipe")

	tier := f.relay.Deliver(context.Background(), netaddr.MustParse("192.168.1.30"), Envelope{Type: TypeOffer})
	if tier != TierRemote {
		t.Fatalf("tier=%v, want remote", tier)
	}
}

func TestDeliver_TargetPolicyBlocksForwardAndPoll(t *testing.T) {
	f := newRelayFixture(t, false)
	f.relay.targets = policy.NewLANPolicy()
	public := netaddr.MustParse("8.8.8.8")

	if tier := f.relay.Deliver(context.Background(), public, Envelope{Type: TypeOffer, TargetAddress: public.String()}); tier != TierQueued {
		t.Fatalf("tier=%v, want queued", tier)
	}
	if f.remote.forwardCount() != 0 {
		t.Fatalf("forwarded to a denied target")
	}

	s, _ := f.connect(t, "192.168.1.30", "192.168.1.30")
	if n := f.relay.PollRemote(context.Background(), public, netaddr.MustParse("192.168.1.30"), s); n != 0 {
		t.Fatalf("delivered=%d from denied peer", n)
	}
	if f.remote.pollCalls != 0 {
		t.Fatalf("polled a denied peer")
	}
	if got := f.metrics.Get(metrics.TargetDenied); got != 2 {
		t.Fatalf("target_denied=%d, want 2", got)
	}

	lan := netaddr.MustParse("192.168.1.99")
	if tier := f.relay.Deliver(context.Background(), lan, Envelope{Type: TypeOffer}); tier != TierRemote {
		t.Fatalf("LAN tier=%v, want remote", tier)
	}
}

func TestReceive_SetsSenderFromTransport(t *testing.T) {
	f := newRelayFixture(t, false)
	_, rec := f.connect(t, "192.168.1.30", "192.168.1.30")

	env := Envelope{Type: TypeConnectionRequest, TargetAddress: "192.168.1.30", FromAddress: "6.6.6.6", FromName: "bob"}
	if !f.relay.Receive(env, netaddr.MustParse("192.168.1.40")) {
		t.Fatalf("expected delivered")
	}
	envs := rec.envelopes()
	if len(envs) != 1 || envs[0].FromAddress != "192.168.1.40" {
		t.Fatalf("envelopes=%+v", envs)
	}
	if _, ok := f.peers.Get(netaddr.MustParse("192.168.1.40")); !ok {
		t.Fatalf("forwarding relay not self-registered")
	}

	if f.relay.Receive(Envelope{Type: TypeOffer, TargetAddress: "192.168.1.31"}, netaddr.MustParse("192.168.1.40")) {
		t.Fatalf("expected not delivered for unknown target")
	}
}

func TestPollRemote_DeliversWithPeerAsSender(t *testing.T) {
	f := newRelayFixture(t, false)
	s, rec := f.connect(t, "192.168.1.30", "192.168.1.30")
	peer := netaddr.MustParse("192.168.1.60")

	good, _ := json.Marshal(Envelope{Type: TypeAnswer, TargetAddress: "192.168.1.30", FromAddress: "1.1.1.1"})
	f.remote.polled[peer] = []json.RawMessage{good, json.RawMessage(`{"type":"register"}`), json.RawMessage(`nope`)}

	if n := f.relay.PollRemote(context.Background(), peer, netaddr.MustParse("192.168.1.30"), s); n != 1 {
		t.Fatalf("delivered=%d, want 1", n)
	}
	envs := rec.envelopes()
	if len(envs) != 1 || envs[0].FromAddress != peer.String() {
		t.Fatalf("envelopes=%+v", envs)
	}

	f.remote.pollErr = errors.New("timeout")
	if n := f.relay.PollRemote(context.Background(), peer, netaddr.MustParse("192.168.1.30"), s); n != 0 {
		t.Fatalf("delivered=%d on error", n)
	}
	if got := f.metrics.Get(metrics.PollRemoteFailed); got != 1 {
		t.Fatalf("poll_remote_failed=%d, want 1", got)
	}
}

func TestHandleClient_PollSignalingMessage(t *testing.T) {
	f := newRelayFixture(t, false)
	s, rec := f.connect(t, "192.168.1.30", "192.168.1.30")
	peer := netaddr.MustParse("192.168.1.60")
	raw, _ := json.Marshal(Envelope{Type: TypeOffer, TargetAddress: "192.168.1.30"})
	f.remote.polled[peer] = []json.RawMessage{raw}

	if err := f.relay.HandleClient(context.Background(), s, []byte(`{"type":"poll_signaling","targetAddress":"192.168.1.60"}`)); err != nil {
		t.Fatalf("HandleClient: %v", err)
	}
	if n := len(rec.envelopes()); n != 1 {
		t.Fatalf("delivered=%d, want 1", n)
	}
}

func TestRunPoller_PollsKnownPeersForMappedAddresses(t *testing.T) {
	f := newRelayFixture(t, false)
	_, rec := f.connect(t, "192.168.1.30", "192.168.1.30")
	peer := netaddr.MustParse("192.168.1.60")
	f.peers.AddOrUpdate(peers.Record{Address: peer, ControlPort: 3001, LastSeen: time.Now()})
	f.peers.AddOrUpdate(peers.Record{Address: f.relay.LocalAddress(), ControlPort: 3001, LastSeen: time.Now()})
	raw, _ := json.Marshal(Envelope{Type: TypeOffer, TargetAddress: "192.168.1.30"})
	f.remote.polled[peer] = []json.RawMessage{raw}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.relay.RunPoller(ctx, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.envelopes()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("poller never delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}
