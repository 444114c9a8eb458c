// Package peers holds the deduplicated set of LAN peers known to this process.
package peers

import (
	"sort"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/netaddr"
)

// Record is one known peer. Address is the unique key.
type Record struct {
	Address     netaddr.Addr `json:"address"`
	DisplayName string       `json:"displayName,omitempty"`
	ControlPort int          `json:"controlPort"`
	LastSeen    time.Time    `json:"lastSeen"`
}

// Registry is safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	peers map[netaddr.Addr]Record
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[netaddr.Addr]Record)}
}

// AddOrUpdate stores rec unless a record for the same address with a newer
// LastSeen already exists. Equal timestamps apply. It reports whether rec was
// stored and whether the address was previously unknown.
func (r *Registry) AddOrUpdate(rec Record) (applied, added bool) {
	if !rec.Address.IsValid() {
		return false, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.peers[rec.Address]
	if ok && rec.LastSeen.Before(cur.LastSeen) {
		return false, false
	}
	r.peers[rec.Address] = rec
	return true, !ok
}

// Clear removes every record.
func (r *Registry) Clear() {
	r.mu.Lock()
	clear(r.peers)
	r.mu.Unlock()
}

func (r *Registry) Get(addr netaddr.Addr) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.peers[addr]
	return rec, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Snapshot returns a copy of all records. Callers must not rely on the order;
// it is sorted by address only so JSON output is stable.
func (r *Registry) Snapshot() []Record {
	r.mu.Lock()
	out := make([]Record, 0, len(r.peers))
	for _, rec := range r.peers {
		out = append(out, rec)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.String() < out[j].Address.String()
	})
	return out
}
