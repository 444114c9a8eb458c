// Package discovery finds other relays on the local network and records them
// in the peer registry.
//
// Two methods run per round: a UDP broadcast that every listening relay
// answers with a unicast response, and an active probe of the local /24 that
// calls GET /health on every host. A periodic broadcast keeps already running
// relays visible between rounds.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/transport/v3"

	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/controlapi"
	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/netaddr"
	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/peers"
)

const (
	DefaultDiscoveryPort     = 3002
	DefaultBroadcastInterval = 10 * time.Second
	DefaultProbeBatchSize    = 20
	DefaultProbeBatchDelay   = 50 * time.Millisecond
	DefaultSettleDelay       = 1000 * time.Millisecond
	DefaultFinalDelay        = 500 * time.Millisecond
)

var (
	ErrNotStarted = errors.New("discovery: listener not started")
	ErrClosed     = errors.New("discovery: engine closed")
)

// Prober checks whether a relay answers on target's control port.
type Prober interface {
	Health(ctx context.Context, target netaddr.Addr, port int) (controlapi.HealthResponse, error)
}

type Config struct {
	HostID      string
	DisplayName string
	ControlPort int

	DiscoveryPort int
	// ListenIP is the IP the discovery socket binds to. Empty means all
	// interfaces.
	ListenIP string
	// LocalAddress overrides interface based detection.
	LocalAddress string
	// BroadcastTargets are IPs datagrams are sent to. Empty means the limited
	// broadcast address plus the directed broadcast address of the local /24.
	BroadcastTargets []string

	BroadcastInterval time.Duration
	ProbeBatchSize    int
	ProbeBatchDelay   time.Duration
	ProbeTimeout      time.Duration
	SettleDelay       time.Duration
	FinalDelay        time.Duration
	// DisableProbe skips the /24 health probe in rounds.
	DisableProbe bool
}

func (c *Config) applyDefaults() {
	if c.DiscoveryPort <= 0 {
		c.DiscoveryPort = DefaultDiscoveryPort
	}
	if c.BroadcastInterval <= 0 {
		c.BroadcastInterval = DefaultBroadcastInterval
	}
	if c.ProbeBatchSize <= 0 {
		c.ProbeBatchSize = DefaultProbeBatchSize
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = controlapi.DefaultProbeTimeout
	}
	if c.ProbeBatchDelay <= 0 {
		c.ProbeBatchDelay = DefaultProbeBatchDelay
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	if c.FinalDelay <= 0 {
		c.FinalDelay = DefaultFinalDelay
	}
}

type Engine struct {
	cfg      Config
	log      *slog.Logger
	net      transport.Net
	registry *peers.Registry
	prober   Prober
	metrics  *metrics.Metrics

	local   netaddr.Addr
	targets []*net.UDPAddr

	now func() time.Time

	roundMu sync.Mutex
	round   *roundCall

	mu      sync.Mutex
	conn    net.PacketConn
	started bool
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New builds an Engine. nw is stdnet in production and a virtual network in
// tests; prober may be nil when probing is disabled.
func New(cfg Config, nw transport.Net, registry *peers.Registry, prober Prober, m *metrics.Metrics, logger *slog.Logger) (*Engine, error) {
	cfg.applyDefaults()
	if cfg.HostID == "" {
		return nil, fmt.Errorf("discovery: host id must not be empty")
	}
	if cfg.ControlPort <= 0 || cfg.ControlPort > 65535 {
		return nil, fmt.Errorf("discovery: invalid control port %d", cfg.ControlPort)
	}
	if registry == nil {
		return nil, fmt.Errorf("discovery: registry is required")
	}
	if prober == nil {
		cfg.DisableProbe = true
	}
	if logger == nil {
		logger = slog.Default()
	}

	local, err := DetectLocalAddress(nw, cfg.LocalAddress)
	if err != nil {
		return nil, fmt.Errorf("discovery: local address: %w", err)
	}

	targets, err := resolveTargets(cfg.BroadcastTargets, local, cfg.DiscoveryPort)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:      cfg,
		log:      logger.With("component", "discovery"),
		net:      nw,
		registry: registry,
		prober:   prober,
		metrics:  m,
		local:    local,
		targets:  targets,
		now:      time.Now,
		done:     make(chan struct{}),
	}, nil
}

func resolveTargets(raw []string, local netaddr.Addr, port int) ([]*net.UDPAddr, error) {
	var addrs []netaddr.Addr
	if len(raw) == 0 {
		addrs = append(addrs, netaddr.MustParse("255.255.255.255"))
		if b, ok := netaddr.Broadcast24(local); ok {
			addrs = append(addrs, b)
		}
	} else {
		for _, s := range raw {
			a, err := netaddr.Parse(s)
			if err != nil {
				return nil, fmt.Errorf("discovery: broadcast target %q: %w", s, err)
			}
			if !a.IsIP() {
				return nil, fmt.Errorf("discovery: broadcast target %q must be an IP", s)
			}
			addrs = append(addrs, a)
		}
	}

	seen := make(map[netaddr.Addr]bool, len(addrs))
	out := make([]*net.UDPAddr, 0, len(addrs))
	for _, a := range addrs {
		if seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, net.UDPAddrFromAddrPort(netip.AddrPortFrom(a.IP(), uint16(port))))
	}
	return out, nil
}

// LocalAddress is the address this process advertises to peers.
func (e *Engine) LocalAddress() netaddr.Addr { return e.local }

func (e *Engine) HostID() string { return e.cfg.HostID }

// Ready reports whether the discovery socket is bound.
func (e *Engine) Ready() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.closed:
		return ErrClosed
	case e.conn == nil:
		return ErrNotStarted
	}
	return nil
}

// Start binds the discovery socket and launches the receive loop and the
// periodic broadcast.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.started {
		return nil
	}
	if e.net == nil {
		return fmt.Errorf("discovery: no network configured")
	}

	listenIP := e.cfg.ListenIP
	if listenIP == "" {
		listenIP = "0.0.0.0"
	}
	listenAddr := net.JoinHostPort(listenIP, strconv.Itoa(e.cfg.DiscoveryPort))
	conn, err := e.net.ListenPacket("udp4", listenAddr)
	if err != nil {
		return fmt.Errorf("discovery: listen %s: %w", listenAddr, err)
	}
	if err := enableBroadcast(conn); err != nil {
		e.log.Warn("discovery_broadcast_sockopt_failed", "err", err)
	}
	e.conn = conn
	e.started = true

	e.wg.Add(2)
	go e.receiveLoop(conn)
	go e.broadcastLoop(ctx)

	e.log.Info("discovery_started",
		"listen_addr", conn.LocalAddr().String(),
		"local_address", e.local.String(),
		"host_id", e.cfg.HostID,
	)
	return nil
}

// Close stops both loops and releases the socket. It is safe to call more
// than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.done)
	conn := e.conn
	e.conn = nil
	e.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	e.wg.Wait()
	return err
}

func (e *Engine) packetConn() net.PacketConn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}

func (e *Engine) receiveLoop(conn net.PacketConn) {
	defer e.wg.Done()

	buf := make([]byte, maxDatagramBytes)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-e.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			e.log.Debug("discovery_read_failed", "err", err)
			continue
		}
		e.HandleDatagram(buf[:n], from)
	}
}

func (e *Engine) broadcastLoop(ctx context.Context) {
	defer e.wg.Done()

	if err := e.Broadcast(); err != nil {
		e.log.Debug("discovery_broadcast_failed", "err", err)
	}

	ticker := time.NewTicker(e.cfg.BroadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.Broadcast(); err != nil {
				e.log.Debug("discovery_broadcast_failed", "err", err)
			}
		case <-ctx.Done():
			return
		case <-e.done:
			return
		}
	}
}

func (e *Engine) message(typ string) Message {
	return Message{
		Type:      typ,
		Address:   e.local.String(),
		Port:      e.cfg.ControlPort,
		HostID:    e.cfg.HostID,
		Timestamp: e.now().UnixMilli(),
		Name:      e.cfg.DisplayName,
	}
}

// Broadcast sends one DISCOVERY_REQUEST to every broadcast target. It fails
// only when every send failed.
func (e *Engine) Broadcast() error {
	conn := e.packetConn()
	if conn == nil {
		return ErrNotStarted
	}
	b, err := json.Marshal(e.message(TypeRequest))
	if err != nil {
		return err
	}

	var lastErr error
	sent := 0
	for _, target := range e.targets {
		if _, err := conn.WriteTo(b, target); err != nil {
			e.metrics.Inc(metrics.DiscoveryDatagramSendErr)
			lastErr = fmt.Errorf("discovery: send to %s: %w", target, err)
			continue
		}
		sent++
		e.metrics.Inc(metrics.DiscoveryDatagramsSent)
	}
	if sent == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

// HandleDatagram processes one inbound discovery datagram. Malformed payloads
// and our own broadcasts are dropped.
func (e *Engine) HandleDatagram(b []byte, from net.Addr) {
	e.metrics.Inc(metrics.DiscoveryDatagramsRecv)

	msg, err := decodeMessage(b)
	if err != nil {
		e.metrics.Inc(metrics.DiscoveryDatagramsBad)
		e.log.Warn("discovery_datagram_malformed", "from", addrString(from), "err", err)
		return
	}
	if msg.HostID == e.cfg.HostID {
		return
	}

	// The datagram source is what we can actually reach; the self-reported
	// address is only a fallback.
	addr, err := netaddr.FromNetAddr(from)
	if err != nil || !addr.IsValid() || (addr.IsIP() && addr.IP().IsUnspecified()) {
		addr, err = netaddr.Parse(msg.Address)
		if err != nil {
			e.metrics.Inc(metrics.DiscoveryDatagramsBad)
			e.log.Warn("discovery_datagram_unaddressable", "from", addrString(from), "address", msg.Address)
			return
		}
	}

	e.register(peers.Record{
		Address:     addr,
		DisplayName: msg.Name,
		ControlPort: msg.Port,
		LastSeen:    e.now(),
	}, msg.Type)

	if msg.Type != TypeRequest {
		return
	}
	conn := e.packetConn()
	if conn == nil || from == nil {
		return
	}
	resp, err := json.Marshal(e.message(TypeResponse))
	if err != nil {
		return
	}
	if _, err := conn.WriteTo(resp, from); err != nil {
		e.metrics.Inc(metrics.DiscoveryDatagramSendErr)
		e.log.Debug("discovery_response_failed", "to", from.String(), "err", err)
		return
	}
	e.metrics.Inc(metrics.DiscoveryDatagramsSent)
}

func (e *Engine) register(rec peers.Record, via string) {
	applied, added := e.registry.AddOrUpdate(rec)
	if !applied {
		return
	}
	if added {
		e.metrics.Inc(metrics.DiscoveryPeersAdded)
		e.log.Info("peer_discovered",
			"address", rec.Address.String(),
			"name", rec.DisplayName,
			"control_port", rec.ControlPort,
			"via", via,
		)
	}
}

// Probe calls GET /health on every other host of the local /24 in batches of
// ProbeBatchSize, waiting ProbeBatchDelay between batches. Failures are
// counted and otherwise ignored. It returns the number of responders.
func (e *Engine) Probe(ctx context.Context) int {
	if e.cfg.DisableProbe {
		return 0
	}
	hosts := netaddr.Subnet24Hosts(e.local)
	if len(hosts) == 0 {
		return 0
	}

	var found atomic.Int64
	batch := e.cfg.ProbeBatchSize
	for start := 0; start < len(hosts); start += batch {
		if ctx.Err() != nil {
			break
		}
		end := min(start+batch, len(hosts))

		var wg sync.WaitGroup
		for _, host := range hosts[start:end] {
			wg.Add(1)
			go func(host netaddr.Addr) {
				defer wg.Done()
				if e.probeOne(ctx, host) {
					found.Add(1)
				}
			}(host)
		}
		wg.Wait()

		if end < len(hosts) && !sleepCtx(ctx, e.cfg.ProbeBatchDelay) {
			break
		}
	}
	return int(found.Load())
}

func (e *Engine) probeOne(ctx context.Context, host netaddr.Addr) bool {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ProbeTimeout)
	defer cancel()

	resp, err := e.prober.Health(ctx, host, e.cfg.ControlPort)
	if err != nil {
		e.metrics.Inc(metrics.ProbeFailure)
		e.log.Debug("probe_failed", "address", host.String(), "err", err)
		return false
	}
	if resp.HostID != "" && resp.HostID == e.cfg.HostID {
		return false
	}
	e.metrics.Inc(metrics.ProbeSuccess)

	port := resp.ControlPort
	if port <= 0 {
		port = e.cfg.ControlPort
	}
	e.register(peers.Record{
		Address:     host,
		DisplayName: resp.DisplayName,
		ControlPort: port,
		LastSeen:    e.now(),
	}, "probe")
	return true
}

// roundCall is a round in flight. Callers that arrive while it runs wait on
// done and share its result.
type roundCall struct {
	done  chan struct{}
	peers []peers.Record
	err   error
}

// Round runs one full discovery round and returns the resulting registry
// snapshot. A call made while another round is running does not start a
// second one; it waits for that round and returns the same snapshot.
//
// The round is bounded by RoundBudget from the moment it starts. Cancelling
// ctx cuts it short, and the snapshot taken at that point is returned along
// with the error. A caller whose ctx ends while waiting on another round gets
// the current registry contents and ctx's error.
func (e *Engine) Round(ctx context.Context) ([]peers.Record, error) {
	e.roundMu.Lock()
	if c := e.round; c != nil {
		e.roundMu.Unlock()
		e.metrics.Inc(metrics.DiscoveryRoundsJoined)
		select {
		case <-c.done:
			return c.peers, c.err
		case <-ctx.Done():
			return e.registry.Snapshot(), ctx.Err()
		}
	}
	c := &roundCall{done: make(chan struct{})}
	e.round = c
	e.roundMu.Unlock()

	c.peers, c.err = e.runRound(ctx)

	e.roundMu.Lock()
	e.round = nil
	e.roundMu.Unlock()
	close(c.done)
	return c.peers, c.err
}

func (e *Engine) runRound(ctx context.Context) ([]peers.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, e.RoundBudget())
	defer cancel()

	start := time.Now()
	e.metrics.Inc(metrics.DiscoveryRounds)
	e.registry.Clear()

	if err := e.Broadcast(); err != nil {
		e.log.Debug("discovery_broadcast_failed", "err", err)
	}
	responders := e.Probe(ctx)

	if sleepCtx(ctx, e.cfg.SettleDelay) {
		if err := e.Broadcast(); err != nil {
			e.log.Debug("discovery_broadcast_failed", "err", err)
		}
		sleepCtx(ctx, e.cfg.FinalDelay)
	}

	snap := e.registry.Snapshot()
	e.log.Info("discovery_round_complete",
		"peers", len(snap),
		"probe_responders", responders,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return snap, ctx.Err()
}

// sleepCtx waits for d and reports whether it was not interrupted.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
