package domain

import "encoding/json"

// Status is the outcome carried by a Response.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusError   Status = "ERROR"
)

// Response is the only shape ever sent to a client. Absent fields are
// encoded as explicit nulls.
type Response struct {
	Data   any     `json:"data"`
	Error  *string `json:"error"`
	Status Status  `json:"status"`
}

// Success wraps data in a SUCCESS response.
func Success(data any) Response {
	return Response{Data: data, Status: StatusSuccess}
}

// Failure builds an ERROR response carrying message.
func Failure(message string) Response {
	return Response{Error: &message, Status: StatusError}
}

// Encode serializes r for the wire.
func (r Response) Encode() ([]byte, error) {
	return json.Marshal(r)
}
