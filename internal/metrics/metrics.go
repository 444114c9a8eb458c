package metrics

import "sync"

// Event names. Every counter is exported as one label value of a single
// Prometheus metric, so names stay flat and snake_case.
const (
	DiscoveryRounds          = "discovery_rounds"
	DiscoveryRoundsJoined    = "discovery_rounds_joined"
	DiscoveryDatagramsSent   = "discovery_datagrams_sent"
	DiscoveryDatagramsRecv   = "discovery_datagrams_received"
	DiscoveryDatagramsBad    = "discovery_datagrams_malformed"
	DiscoveryDatagramSendErr = "discovery_datagram_send_errors"
	DiscoveryPeersAdded      = "discovery_peers_added"
	ProbeSuccess             = "probe_success"
	ProbeFailure             = "probe_failure"

	SessionsOpened      = "signal_sessions_opened"
	SessionsClosed      = "signal_sessions_closed"
	SessionsRateLimited = "signal_messages_rate_limited"
	SessionsOversize    = "signal_messages_oversize"
	MessagesMalformed   = "signal_messages_malformed"
	AddressConflicts    = "signal_address_conflicts"

	DeliveredLocal   = "signal_delivered_local"
	DeliveredRemote  = "signal_delivered_remote"
	ForwardFailures  = "signal_forward_failures"
	TargetDenied     = "signal_target_denied"
	ForwardReceived  = "signal_forward_received"
	EnvelopesQueued  = "signal_envelopes_queued"
	QueueDropped     = "signal_queue_dropped"
	QueueExpired     = "signal_queue_expired"
	PollServed       = "signal_poll_served"
	PollRemoteOK     = "signal_poll_remote_success"
	PollRemoteFailed = "signal_poll_remote_failure"
	PeersSelfAdded   = "signal_peers_self_registered"

	ControlRateLimited = "control_requests_rate_limited"
)

// Metrics is a minimal, concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
