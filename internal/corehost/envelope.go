// Package corehost implements the long-running core host's request/response
// contract: the typed envelope, the capability dispatch map, bearer-token
// authentication, and idempotent replay. It is the single front door every
// transient client (TUI, MCP bridge, CLI) speaks to.
package corehost

// SessionProfile is a coarse-grained authorization class on the client
// envelope.
type SessionProfile string

const (
	ProfileViewer     SessionProfile = "viewer"
	ProfilePlanner    SessionProfile = "planner"
	ProfilePairWorker SessionProfile = "pair_worker"
	ProfileOperator   SessionProfile = "operator"
	ProfileMaintainer SessionProfile = "maintainer"
)

// SessionOrigin identifies which kind of client issued a request.
type SessionOrigin string

const (
	OriginLegacy     SessionOrigin = "legacy"
	OriginKagan      SessionOrigin = "kagan"
	OriginKaganAdmin SessionOrigin = "kagan_admin"
	OriginTUI        SessionOrigin = "tui"
)

// Request is one client call over the IPC wire, newline-delimited JSON.
type Request struct {
	RequestID      string                 `json:"request_id"`
	SessionID      string                 `json:"session_id"`
	SessionProfile SessionProfile         `json:"session_profile"`
	SessionOrigin  SessionOrigin          `json:"session_origin"`
	ClientVersion  string                 `json:"client_version,omitempty"`
	Capability     string                 `json:"capability"`
	Method         string                 `json:"method"`
	Params         map[string]interface{} `json:"params"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	BearerToken    string                 `json:"bearer_token"`
}

// ErrorPayload is the structured failure shape carried by an envelope-level
// error response.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response is the server's reply; it always echoes RequestID and never
// echoes the bearer token.
type Response struct {
	RequestID string                 `json:"request_id"`
	OK        bool                   `json:"ok"`
	Result    map[string]interface{} `json:"result,omitempty"`
	Error     *ErrorPayload          `json:"error,omitempty"`
}

// Success builds an ok:true response.
func Success(requestID string, result map[string]interface{}) *Response {
	return &Response{RequestID: requestID, OK: true, Result: result}
}

// Failure builds an ok:false response with a structured error.
func Failure(requestID, code, message string) *Response {
	return &Response{RequestID: requestID, OK: false, Error: &ErrorPayload{Code: code, Message: message}}
}
