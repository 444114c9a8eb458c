package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"
)

var ErrInvalidPayload = errors.New("signaling: invalid payload")

// ValidatePayload checks that offer and answer payloads are session
// descriptions of the matching type with parseable SDP, and that
// ice_candidate payloads are ICE candidate inits. Other types are not
// inspected. The payload itself is never rewritten.
func ValidatePayload(typ string, payload json.RawMessage) error {
	switch typ {
	case TypeOffer, TypeAnswer:
		return validateSessionDescription(typ, payload)
	case TypeICECandidate:
		return validateCandidate(payload)
	default:
		return nil
	}
}

func validateSessionDescription(typ string, payload json.RawMessage) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: %s missing payload", ErrInvalidPayload, typ)
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalidPayload, typ, err)
	}

	want := webrtc.SDPTypeOffer
	if typ == TypeAnswer {
		want = webrtc.SDPTypeAnswer
	}
	if desc.Type != want {
		return fmt.Errorf("%w: %s payload has type %q", ErrInvalidPayload, typ, desc.Type.String())
	}
	if strings.TrimSpace(desc.SDP) == "" {
		return fmt.Errorf("%w: %s payload missing sdp", ErrInvalidPayload, typ)
	}
	if _, err := desc.Unmarshal(); err != nil {
		return fmt.Errorf("%w: %s sdp: %v", ErrInvalidPayload, typ, err)
	}
	return nil
}

func validateCandidate(payload json.RawMessage) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: ice_candidate missing payload", ErrInvalidPayload)
	}
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &cand); err != nil {
		return fmt.Errorf("%w: ice_candidate payload: %v", ErrInvalidPayload, err)
	}
	// An empty candidate marks end-of-candidates.
	raw := strings.TrimPrefix(strings.TrimSpace(cand.Candidate), "candidate:")
	if raw == "" {
		return nil
	}
	if _, err := ice.UnmarshalCandidate(raw); err != nil {
		return fmt.Errorf("%w: ice_candidate: %v", ErrInvalidPayload, err)
	}
	return nil
}
