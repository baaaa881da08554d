package ws

import (
	"encoding/json"

	"github.com/driftlabs/tunnel/pkg/tunnel/provider"
)

// command is a control frame sent to the gateway.
type command struct {
	ID      int64             `json:"id"`
	Action  string            `json:"action"` // "subscribe", "unsubscribe", "publish", "ping"
	Channel string            `json:"channel,omitempty"`
	Message *provider.Message `json:"message,omitempty"`
}

// frame is any inbound frame from the gateway.
type frame struct {
	Type    string            `json:"type"` // "ack", "error", "message"
	ID      int64             `json:"id,omitempty"`
	Code    string            `json:"code,omitempty"`
	Reason  string            `json:"message,omitempty"`
	Message *provider.Message `json:"msg,omitempty"`
}

// codeUnauthorized is the gateway error code mapped to an
// AuthorizationError.
const codeUnauthorized = "unauthorized"

func parseFrame(data []byte) (frame, bool) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, false
	}
	switch f.Type {
	case "ack", "error", "message":
		return f, true
	}
	return frame{}, false
}
