// Package errors provides the relay's structured error type.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Protocol errors are reported to the offending caller only.
	CodeProtocolVersion  Code = "PROTOCOL_VERSION"
	CodeProtocolEndpoint Code = "PROTOCOL_ENDPOINT"
	CodeProtocolPayload  Code = "PROTOCOL_PAYLOAD"
	CodeProtocolFrame    Code = "PROTOCOL_FRAME"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"

	// Auth errors block connection establishment.
	CodeAuthRequired       Code = "AUTH_REQUIRED"
	CodeAuthInvalid        Code = "AUTH_INVALID"
	CodeAuthUnknownSubject Code = "AUTH_UNKNOWN_SUBJECT"
	CodeAccountExists      Code = "ACCOUNT_EXISTS"

	// Store errors surface to the single requester.
	CodeNotFound         Code = "NOT_FOUND"
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"

	// Stream errors are fatal for the affected collection.
	CodeStreamLost Code = "STREAM_LOST"

	// Registry errors.
	CodeSessionExists Code = "SESSION_EXISTS"
	CodeSessionClosed Code = "SESSION_CLOSED"
)

// HTTPStatus maps domain codes to the status used by the HTTP front-door.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeProtocolVersion,
		CodeProtocolEndpoint,
		CodeProtocolPayload,
		CodeProtocolFrame,
		CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeAuthRequired,
		CodeAuthInvalid,
		CodeAuthUnknownSubject:
		return http.StatusUnauthorized
	case CodeAccountExists,
		CodeSessionExists:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeStoreUnavailable,
		CodeStreamLost,
		CodeSessionClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
