package github

import "github.com/kagan-sh/kagan/internal/corehost"

// Capability-local error codes, returned in HandlerError.Code the same way
// the dispatcher's own taxonomy does (corehost.ErrCode is an open string
// enum; capabilities are expected to extend it rather than overload the
// generic codes).
const (
	errProjectRequired   corehost.ErrCode = "GH_PROJECT_REQUIRED"
	errRepoRequired      corehost.ErrCode = "GH_REPO_REQUIRED"
	errNotConnected      corehost.ErrCode = "GH_NOT_CONNECTED"
	errMetadataInvalid   corehost.ErrCode = "GH_REPO_METADATA_INVALID"
	errIssueRequired     corehost.ErrCode = "GH_ISSUE_REQUIRED"
	errTaskRequired      corehost.ErrCode = "GH_TASK_REQUIRED"
	errPRNumberRequired  corehost.ErrCode = "GH_PR_NUMBER_REQUIRED"
	errPRNotFound        corehost.ErrCode = "GH_PR_NOT_FOUND"
	errPRCreateFailed    corehost.ErrCode = "GH_PR_CREATE_FAILED"
	errNoLinkedPR        corehost.ErrCode = "GH_NO_LINKED_PR"
	errAlreadyConnected  corehost.ErrCode = "GH_ALREADY_CONNECTED"
	errLeaseStateError   corehost.ErrCode = "GH_LEASE_STATE_ERROR"
	errLeaseHeldByOther  corehost.ErrCode = "GH_LEASE_HELD_BY_OTHER"
)

// opResult is the uniform success/failure envelope every handler in this
// plugin returns, matching the bundled GitHub plugin's response shape.
type opResult map[string]interface{}

func errResult(code corehost.ErrCode, message, hint string) opResult {
	r := opResult{"success": false, "code": code, "message": message}
	if hint != "" {
		r["hint"] = hint
	}
	return r
}

func okResult(code, message string, extra map[string]interface{}) opResult {
	r := opResult{"success": true, "code": code, "message": message}
	for k, v := range extra {
		r[k] = v
	}
	return r
}
