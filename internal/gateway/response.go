package gateway

import "encoding/json"

// Request is the transport-neutral RPC envelope.
type Request struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId"`
}

// Response is the structured reply for a Request.
type Response struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Respond converts a Dispatch outcome into a Response.
func Respond(result any, err error) Response {
	if err != nil {
		return Response{Success: false, Error: err.Error()}
	}
	return Response{Success: true, Result: result}
}
