// Package clients tracks the live local signaling sessions and the network
// address each one represents.
//
// The address to session mapping is 1:1. A session is first keyed by its
// transport-observed address; an explicit registration replaces that key with
// the self-declared one and evicts whichever session held it before. Evicted
// sessions are not closed.
package clients

import (
	"sync"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/netaddr"
)

// Sender delivers one outbound message to a session's connection.
type Sender interface {
	Send(v any) error
}

type Session struct {
	ID       string
	Observed netaddr.Addr

	sender Sender
}

func NewSession(observed netaddr.Addr, sender Sender) *Session {
	return &Session{
		ID:       uuid.NewString(),
		Observed: observed,
		sender:   sender,
	}
}

func (s *Session) Send(v any) error {
	return s.sender.Send(v)
}

type Registry struct {
	mu        sync.Mutex
	byAddr    map[netaddr.Addr]*Session
	bySession map[*Session]netaddr.Addr
}

func NewRegistry() *Registry {
	return &Registry{
		byAddr:    make(map[netaddr.Addr]*Session),
		bySession: make(map[*Session]netaddr.Addr),
	}
}

// Connect keys s by its observed address. It returns the session that
// previously held that address, if any.
func (r *Registry) Connect(s *Session) (evicted *Session) {
	if !s.Observed.IsValid() {
		return nil
	}
	return r.bind(s, s.Observed)
}

// Register rebinds s to addr. It returns the session that previously held
// addr, if any; that session stays open but no longer receives envelopes for
// addr.
func (r *Registry) Register(s *Session, addr netaddr.Addr) (evicted *Session) {
	return r.bind(s, addr)
}

func (r *Registry) bind(s *Session, addr netaddr.Addr) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.bySession[s]; ok {
		if prev == addr {
			return nil
		}
		if r.byAddr[prev] == s {
			delete(r.byAddr, prev)
		}
	}

	var evicted *Session
	if other, ok := r.byAddr[addr]; ok && other != s {
		evicted = other
		delete(r.bySession, other)
	}
	r.byAddr[addr] = s
	r.bySession[s] = addr
	return evicted
}

// Disconnect removes s's mapping if s still owns it.
func (r *Registry) Disconnect(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	addr, ok := r.bySession[s]
	if !ok {
		return
	}
	delete(r.bySession, s)
	if r.byAddr[addr] == s {
		delete(r.byAddr, addr)
	}
}

// Lookup returns the session currently mapped to addr.
func (r *Registry) Lookup(addr netaddr.Addr) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byAddr[addr]
	return s, ok
}

// AddressOf returns the address s is currently mapped to. Evicted sessions
// have none.
func (r *Registry) AddressOf(s *Session) (netaddr.Addr, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	addr, ok := r.bySession[s]
	return addr, ok
}

// Addresses returns every currently mapped address.
func (r *Registry) Addresses() []netaddr.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]netaddr.Addr, 0, len(r.byAddr))
	for addr := range r.byAddr {
		out = append(out, addr)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byAddr)
}
