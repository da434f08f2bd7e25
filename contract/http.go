package contract

import "encoding/json"

// PortRequest is the body of a POST to the HTTP port.
type PortRequest struct {
	Session string          `json:"session"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type SessionOpened struct {
	ID string `json:"id"`
}
