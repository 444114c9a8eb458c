package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	TypeRequest  = "DISCOVERY_REQUEST"
	TypeResponse = "DISCOVERY_RESPONSE"

	// maxDatagramBytes bounds the receive buffer. Discovery messages are a few
	// hundred bytes; anything close to this is garbage.
	maxDatagramBytes = 8 * 1024
)

var ErrMalformedDatagram = errors.New("discovery: malformed datagram")

// Message is the JSON body of a discovery datagram. Port is the sender's
// control plane port; Timestamp is unix milliseconds.
type Message struct {
	Type      string `json:"type"`
	Address   string `json:"address"`
	Port      int    `json:"port"`
	HostID    string `json:"hostId"`
	Timestamp int64  `json:"timestamp"`
	Name      string `json:"name,omitempty"`
}

func decodeMessage(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedDatagram, err)
	}
	switch m.Type {
	case TypeRequest, TypeResponse:
	default:
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrMalformedDatagram, m.Type)
	}
	if m.HostID == "" {
		return Message{}, fmt.Errorf("%w: missing hostId", ErrMalformedDatagram)
	}
	if m.Port <= 0 || m.Port > 65535 {
		return Message{}, fmt.Errorf("%w: invalid port %d", ErrMalformedDatagram, m.Port)
	}
	return m, nil
}
