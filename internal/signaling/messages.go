package signaling

import (
	"encoding/json"
	"fmt"
)

// Envelope types exchanged between peers.
const (
	TypeConnectionRequest = "connection_request"
	TypeConnectionAccept  = "connection_accept"
	TypeConnectionReject  = "connection_reject"
	TypeOffer             = "offer"
	TypeAnswer            = "answer"
	TypeICECandidate      = "ice_candidate"
	TypePing              = "ping"
)

// Session control messages.
const (
	TypeRegister      = "register"
	TypePollSignaling = "poll_signaling"

	TypeConnected  = "connected"
	TypeRegistered = "registered"
	TypePong       = "pong"
	TypeError      = "error"
)

// Error codes sent in error frames.
const (
	CodeBadMessage     = "bad_message"
	CodeInvalidAddress = "invalid_address"
	CodeInvalidPayload = "invalid_payload"
	CodeUnknownType    = "unknown_type"
	CodeRateLimited    = "rate_limited"
	CodeInternal       = "internal_error"
)

// Envelope is the unit relayed between peers. FromAddress and Timestamp are
// always assigned by the relay that accepts the envelope.
type Envelope struct {
	Type          string          `json:"type"`
	TargetAddress string          `json:"targetAddress,omitempty"`
	FromAddress   string          `json:"fromAddress"`
	FromName      string          `json:"fromName,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     int64           `json:"timestamp"`
}

// relayable reports whether typ may travel between relays. ping is answered
// locally and never forwarded.
func relayable(typ string) bool {
	switch typ {
	case TypeConnectionRequest, TypeConnectionAccept, TypeConnectionReject,
		TypeOffer, TypeAnswer, TypeICECandidate:
		return true
	default:
		return false
	}
}

// clientMessage is anything a local session may send. Unknown fields,
// including a claimed fromAddress, are ignored.
type clientMessage struct {
	Type          string          `json:"type"`
	Address       string          `json:"address,omitempty"`
	TargetAddress string          `json:"targetAddress,omitempty"`
	FromName      string          `json:"fromName,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

func parseClientMessage(data []byte) (clientMessage, error) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return clientMessage{}, &ProtocolError{Code: CodeBadMessage, Message: "invalid JSON: " + err.Error()}
	}
	if msg.Type == "" {
		return clientMessage{}, &ProtocolError{Code: CodeBadMessage, Message: "missing type"}
	}
	return msg, nil
}

// serverMessage is a control frame sent to a local session.
type serverMessage struct {
	Type        string `json:"type"`
	YourAddress string `json:"yourAddress,omitempty"`
	Address     string `json:"address,omitempty"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
}

// ProtocolError is a malformed or rejected client message. The session
// receives it as an error frame and stays open.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string { return e.Code + ": " + e.Message }

func protocolErrorf(code, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}
