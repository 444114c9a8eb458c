// Package controlapi defines the JSON bodies of the control plane and the
// outbound client one relay uses to talk to another relay's control plane.
package controlapi

import (
	"encoding/json"
	"net/http"

	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/peers"
)

const (
	PathHealth   = "/health"
	PathPeers    = "/peers"
	PathDiscover = "/discover"
	PathForward  = "/forward"
	PathPoll     = "/poll-signaling"
	PathSignal   = "/signal"
)

type HealthResponse struct {
	Success      bool   `json:"success"`
	Status       string `json:"status"`
	Timestamp    int64  `json:"timestamp"`
	LocalAddress string `json:"localAddress"`
	HostID       string `json:"hostId,omitempty"`
	DisplayName  string `json:"displayName,omitempty"`
	ControlPort  int    `json:"controlPort,omitempty"`
}

type PeersResponse struct {
	Success bool           `json:"success"`
	Peers   []peers.Record `json:"peers"`
}

type DiscoverResponse struct {
	Success      bool           `json:"success"`
	Peers        []peers.Record `json:"peers"`
	LocalAddress string         `json:"localAddress"`
}

type ForwardResponse struct {
	Success   bool   `json:"success"`
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

// PollResponse carries envelopes as raw JSON; the signaling package owns
// their schema.
type PollResponse struct {
	Success  bool              `json:"success"`
	Messages []json.RawMessage `json:"messages"`
	Count    int               `json:"count"`
	Error    string            `json:"error,omitempty"`
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}

func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorResponse{Success: false, Error: message})
}
