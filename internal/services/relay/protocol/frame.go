// Package protocol decodes client frames and dispatches them to handlers.
//
// A frame is three newline separated segments: version, endpoint and an
// endpoint specific JSON payload. The payload may itself contain newlines.
package protocol

import (
	"fmt"
	"strings"

	apperrors "github.com/louisbranch/chatrelay/internal/platform/errors"
)

// SupportedVersion is the only protocol version accepted.
const SupportedVersion = "0"

// Endpoint names a request handler.
type Endpoint string

const (
	EndpointAuth        Endpoint = "auth"
	EndpointLogout      Endpoint = "logout"
	EndpointSetReaction Endpoint = "set_reaction"
	EndpointSendMessage Endpoint = "send_message"
)

// Request is a decoded frame.
type Request struct {
	Version  string
	Endpoint Endpoint
	Payload  string
}

// Decode splits and validates a frame. Errors carry the client-facing
// message.
func Decode(frame string) (Request, error) {
	segments := strings.SplitN(frame, "\n", 3)
	version := segments[0]
	if version != SupportedVersion {
		return Request{}, apperrors.New(apperrors.CodeProtocolVersion, fmt.Sprintf("Incorrect api version (%s)", version))
	}
	if len(segments) < 3 {
		return Request{}, apperrors.New(apperrors.CodeProtocolFrame, "malformed frame")
	}
	endpoint := Endpoint(segments[1])
	if _, ok := handlers[endpoint]; !ok {
		return Request{}, apperrors.New(apperrors.CodeProtocolEndpoint, fmt.Sprintf("Unknown endpoint (%s)", segments[1]))
	}
	return Request{Version: version, Endpoint: endpoint, Payload: segments[2]}, nil
}
