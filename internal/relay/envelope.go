package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// envelopeSchema is the accepted control envelope version
const envelopeSchema = "nlip-stream/1"

// ControlEnvelope is the optional tagged body of a start request. Both relay
// protocol variants (bare endpoints and enveloped requests) funnel into this
// one shape; the session ID inside the envelope must agree with the path
// parameter, and a mismatch fails closed before any routing happens.
type ControlEnvelope struct {
	Schema    string `json:"schema,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// parseControlEnvelope validates an optional envelope body against the path
// session ID. An empty body is valid: the bare-endpoint variant sends none.
func parseControlEnvelope(body []byte, pathSessionID string) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}

	var env ControlEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("invalid control envelope: %w", err)
	}

	if env.Schema != "" && env.Schema != envelopeSchema {
		return fmt.Errorf("unsupported envelope schema %q", env.Schema)
	}
	if env.SessionID != "" && env.SessionID != pathSessionID {
		return fmt.Errorf("envelope session %q does not match path session %q", env.SessionID, pathSessionID)
	}
	return nil
}
