package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/clients"
	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/netaddr"
	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/peers"
	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/policy"
)

const DefaultControlPort = 3001

// Tier is the delivery path an envelope took.
type Tier int

const (
	TierLocal Tier = iota + 1
	TierRemote
	TierQueued
)

func (t Tier) String() string {
	switch t {
	case TierLocal:
		return "local"
	case TierRemote:
		return "remote"
	case TierQueued:
		return "queued"
	default:
		return "unknown"
	}
}

// Remote is the outbound side of the control plane: pushing an envelope to
// another relay and draining what another relay queued for us.
type Remote interface {
	Forward(ctx context.Context, target netaddr.Addr, port int, envelope any) error
	Poll(ctx context.Context, target netaddr.Addr, port int, address netaddr.Addr) ([]json.RawMessage, error)
}

type RelayConfig struct {
	// LocalAddress is this relay's advertised address.
	LocalAddress netaddr.Addr
	// ControlPort is used for peers whose registry record carries none.
	ControlPort      int
	ValidatePayloads bool

	Clients *clients.Registry
	Peers   *peers.Registry
	Queue   *PendingQueue
	Remote  Remote
	// Targets restricts which relays Remote may contact. Nil allows all.
	Targets *policy.TargetPolicy
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type handlerFunc func(ctx context.Context, s *clients.Session, msg clientMessage) error

// Relay routes envelopes between local sessions, remote relays and the
// pending queue.
type Relay struct {
	local            netaddr.Addr
	controlPort      int
	validatePayloads bool

	clients *clients.Registry
	peers   *peers.Registry
	queue   *PendingQueue
	remote  Remote
	targets *policy.TargetPolicy
	metrics *metrics.Metrics
	log     *slog.Logger

	now      func() time.Time
	handlers map[string]handlerFunc
}

func NewRelay(cfg RelayConfig) *Relay {
	if cfg.ControlPort <= 0 {
		cfg.ControlPort = DefaultControlPort
	}
	if cfg.Clients == nil {
		cfg.Clients = clients.NewRegistry()
	}
	if cfg.Peers == nil {
		cfg.Peers = peers.NewRegistry()
	}
	if cfg.Queue == nil {
		cfg.Queue = NewPendingQueue(0, 0, cfg.Metrics)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := &Relay{
		local:            cfg.LocalAddress,
		controlPort:      cfg.ControlPort,
		validatePayloads: cfg.ValidatePayloads,
		clients:          cfg.Clients,
		peers:            cfg.Peers,
		queue:            cfg.Queue,
		remote:           cfg.Remote,
		targets:          cfg.Targets,
		metrics:          cfg.Metrics,
		log:              cfg.Logger.With("component", "signaling"),
		now:              time.Now,
	}
	r.handlers = map[string]handlerFunc{
		TypeRegister:          r.handleRegister,
		TypePing:              r.handlePing,
		TypePollSignaling:     r.handlePollSignaling,
		TypeConnectionRequest: r.handleEnvelope,
		TypeConnectionAccept:  r.handleEnvelope,
		TypeConnectionReject:  r.handleEnvelope,
		TypeOffer:             r.handleEnvelope,
		TypeAnswer:            r.handleEnvelope,
		TypeICECandidate:      r.handleEnvelope,
	}
	return r
}

func (r *Relay) LocalAddress() netaddr.Addr { return r.local }

func (r *Relay) Clients() *clients.Registry { return r.clients }

func (r *Relay) Queue() *PendingQueue { return r.queue }

// HandleClient dispatches one raw message from a local session. A
// *ProtocolError is returned for malformed or rejected messages; the session
// should report it and keep going.
func (r *Relay) HandleClient(ctx context.Context, s *clients.Session, data []byte) error {
	msg, err := parseClientMessage(data)
	if err != nil {
		r.metrics.Inc(metrics.MessagesMalformed)
		return err
	}
	h, ok := r.handlers[msg.Type]
	if !ok {
		r.metrics.Inc(metrics.MessagesMalformed)
		return protocolErrorf(CodeUnknownType, "unsupported message type %q", msg.Type)
	}
	err = h(ctx, s, msg)
	var perr *ProtocolError
	if errors.As(err, &perr) {
		r.metrics.Inc(metrics.MessagesMalformed)
	}
	return err
}

// senderAddress is the identity stamped on envelopes from s: its registered
// address, or the observed one if it was evicted or never connected.
func (r *Relay) senderAddress(s *clients.Session) netaddr.Addr {
	if addr, ok := r.clients.AddressOf(s); ok {
		return addr
	}
	return s.Observed
}

func (r *Relay) handleRegister(_ context.Context, s *clients.Session, msg clientMessage) error {
	addr, err := netaddr.Parse(msg.Address)
	if err != nil {
		return protocolErrorf(CodeInvalidAddress, "register: %v", err)
	}
	if evicted := r.clients.Register(s, addr); evicted != nil {
		r.metrics.Inc(metrics.AddressConflicts)
		r.log.Info("address_conflict",
			"address", addr.String(),
			"session_id", s.ID,
			"evicted_session_id", evicted.ID,
		)
	}
	r.log.Debug("session_registered", "session_id", s.ID, "address", addr.String())
	if err := s.Send(serverMessage{Type: TypeRegistered, Address: addr.String()}); err != nil {
		return err
	}
	r.FlushQueued(s, addr)
	return nil
}

// FlushQueued sends s everything queued here for addr, which s has just
// taken. Envelopes from a failed send onwards go back on the queue. It
// returns how many were sent.
func (r *Relay) FlushQueued(s *clients.Session, addr netaddr.Addr) int {
	envs := r.queue.Drain(addr)
	for i, env := range envs {
		if err := s.Send(env); err != nil {
			r.log.Debug("queued_flush_failed", "session_id", s.ID, "address", addr.String(), "err", err)
			for _, rest := range envs[i:] {
				r.queue.Push(addr, rest)
			}
			return i
		}
		r.metrics.Inc(metrics.DeliveredLocal)
	}
	if len(envs) > 0 {
		r.log.Info("pending_queue_flushed", "address", addr.String(), "session_id", s.ID, "count", len(envs))
	}
	return len(envs)
}

func (r *Relay) handlePing(_ context.Context, s *clients.Session, _ clientMessage) error {
	return s.Send(serverMessage{Type: TypePong, Timestamp: r.now().UnixMilli()})
}

func (r *Relay) handleEnvelope(ctx context.Context, s *clients.Session, msg clientMessage) error {
	target, err := netaddr.Parse(msg.TargetAddress)
	if err != nil {
		return protocolErrorf(CodeInvalidAddress, "%s: targetAddress: %v", msg.Type, err)
	}
	if r.validatePayloads {
		if err := ValidatePayload(msg.Type, msg.Payload); err != nil {
			return protocolErrorf(CodeInvalidPayload, "%v", err)
		}
	}

	from := r.senderAddress(s)
	env := Envelope{
		Type:          msg.Type,
		TargetAddress: target.String(),
		FromAddress:   from.String(),
		FromName:      msg.FromName,
		Payload:       msg.Payload,
		Timestamp:     r.now().UnixMilli(),
	}
	if env.Type == TypeConnectionRequest {
		r.selfRegister(from, env.FromName)
	}

	tier := r.Deliver(ctx, target, env)
	r.log.Debug("envelope_delivered",
		"type", env.Type,
		"from", env.FromAddress,
		"target", env.TargetAddress,
		"tier", tier.String(),
	)
	return nil
}

// Deliver pushes env to target through the first tier that succeeds. It
// never fails; the worst case is TierQueued. Queued envelopes wait for a
// remote relay to poll them or for a local session to take target.
func (r *Relay) Deliver(ctx context.Context, target netaddr.Addr, env Envelope) Tier {
	if s, ok := r.clients.Lookup(target); ok {
		err := s.Send(env)
		if err == nil {
			r.metrics.Inc(metrics.DeliveredLocal)
			return TierLocal
		}
		r.log.Debug("local_delivery_failed", "session_id", s.ID, "target", target.String(), "err", err)
	}

	// Forwarding to ourselves would only come back as undelivered.
	if target != r.local && r.remote != nil && r.targetAllowed(target) {
		err := r.remote.Forward(ctx, target, r.controlPortFor(target), env)
		if err == nil {
			r.metrics.Inc(metrics.DeliveredRemote)
			return TierRemote
		}
		r.metrics.Inc(metrics.ForwardFailures)
		r.log.Debug("forward_failed", "target", target.String(), "type", env.Type, "err", err)
	}

	if dropped := r.queue.Push(target, env); dropped > 0 {
		r.log.Warn("pending_queue_overflow", "target", target.String(), "dropped", dropped)
	}
	return TierQueued
}

// Receive accepts an envelope pushed by another relay over /forward and hands
// it to the local session mapped to its target. from replaces whatever sender
// the envelope claims. It reports whether a session took it.
func (r *Relay) Receive(env Envelope, from netaddr.Addr) bool {
	r.metrics.Inc(metrics.ForwardReceived)

	env.FromAddress = from.String()
	env.Timestamp = r.now().UnixMilli()
	if env.Type == TypeConnectionRequest {
		r.selfRegister(from, env.FromName)
	}

	target, err := netaddr.Parse(env.TargetAddress)
	if err != nil {
		return false
	}
	s, ok := r.clients.Lookup(target)
	if !ok {
		return false
	}
	if err := s.Send(env); err != nil {
		r.log.Debug("local_delivery_failed", "session_id", s.ID, "target", target.String(), "err", err)
		return false
	}
	r.metrics.Inc(metrics.DeliveredLocal)
	return true
}

// Poll drains everything queued here for addr.
func (r *Relay) Poll(addr netaddr.Addr) []Envelope {
	msgs := r.queue.Drain(addr)
	r.metrics.Inc(metrics.PollServed)
	if len(msgs) > 0 {
		r.log.Info("pending_queue_drained", "address", addr.String(), "count", len(msgs))
	}
	return msgs
}

func (r *Relay) handlePollSignaling(ctx context.Context, s *clients.Session, msg clientMessage) error {
	target, err := netaddr.Parse(msg.TargetAddress)
	if err != nil {
		return protocolErrorf(CodeInvalidAddress, "poll_signaling: targetAddress: %v", err)
	}
	r.PollRemote(ctx, target, r.senderAddress(s), s)
	return nil
}

// PollRemote drains what the relay at peer queued for addr and sends every
// envelope to s. Each envelope's sender becomes peer. Network failures are
// logged and counted, never returned.
func (r *Relay) PollRemote(ctx context.Context, peer, addr netaddr.Addr, s *clients.Session) int {
	if r.remote == nil || !r.targetAllowed(peer) {
		return 0
	}
	raws, err := r.remote.Poll(ctx, peer, r.controlPortFor(peer), addr)
	if err != nil {
		r.metrics.Inc(metrics.PollRemoteFailed)
		r.log.Debug("poll_remote_failed", "peer", peer.String(), "address", addr.String(), "err", err)
		return 0
	}
	r.metrics.Inc(metrics.PollRemoteOK)

	delivered := 0
	for _, raw := range raws {
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil || !relayable(env.Type) {
			r.metrics.Inc(metrics.MessagesMalformed)
			r.log.Warn("polled_envelope_malformed", "peer", peer.String())
			continue
		}
		env.FromAddress = peer.String()
		env.Timestamp = r.now().UnixMilli()
		if env.Type == TypeConnectionRequest {
			r.selfRegister(peer, env.FromName)
		}
		if err := s.Send(env); err != nil {
			r.log.Debug("local_delivery_failed", "session_id", s.ID, "err", err)
			continue
		}
		r.metrics.Inc(metrics.DeliveredLocal)
		delivered++
	}
	return delivered
}

// RunPoller polls every known peer for every locally mapped address each
// interval until ctx is done.
func (r *Relay) RunPoller(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollAll(ctx)
		}
	}
}

func (r *Relay) pollAll(ctx context.Context) {
	addrs := r.clients.Addresses()
	if len(addrs) == 0 {
		return
	}
	for _, rec := range r.peers.Snapshot() {
		if rec.Address == r.local {
			continue
		}
		for _, addr := range addrs {
			s, ok := r.clients.Lookup(addr)
			if !ok {
				continue
			}
			r.PollRemote(ctx, rec.Address, addr, s)
		}
	}
}

func (r *Relay) targetAllowed(addr netaddr.Addr) bool {
	if err := r.targets.Allow(addr); err != nil {
		r.metrics.Inc(metrics.TargetDenied)
		r.log.Debug("target_denied", "target", addr.String(), "err", err)
		return false
	}
	return true
}

// selfRegister records the sender of a connection request as a peer so it is
// visible even when discovery missed it. Our own address and loopback are
// skipped on purpose: no other relay can reach this host through them.
func (r *Relay) selfRegister(addr netaddr.Addr, name string) {
	if !addr.IsValid() || addr == r.local || addr.IsLoopback() {
		return
	}
	port := r.controlPort
	if rec, ok := r.peers.Get(addr); ok && rec.ControlPort > 0 {
		port = rec.ControlPort
		if name == "" {
			name = rec.DisplayName
		}
	}
	_, added := r.peers.AddOrUpdate(peers.Record{
		Address:     addr,
		DisplayName: name,
		ControlPort: port,
		LastSeen:    r.now(),
	})
	if added {
		r.metrics.Inc(metrics.PeersSelfAdded)
		r.log.Info("peer_self_registered", "address", addr.String(), "name", name)
	}
}

func (r *Relay) controlPortFor(addr netaddr.Addr) int {
	if rec, ok := r.peers.Get(addr); ok && rec.ControlPort > 0 {
		return rec.ControlPort
	}
	return r.controlPort
}
