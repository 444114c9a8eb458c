// Package signaling relays connection-setup envelopes between local
// WebSocket sessions and the relays of other peers on the LAN.
//
// An envelope from a local session is delivered through the first tier that
// works: a local session mapped to the destination address, a POST /forward
// to the destination's relay, or the pending queue, which the destination's
// relay drains with GET /poll-signaling.
package signaling
