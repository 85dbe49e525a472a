package corehost

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kagan-sh/kagan/internal/common/logger"
)

func testServerLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func newTestServer(t *testing.T, token string, d *Dispatcher) *Server {
	t.Helper()
	return NewServer(token, d, NewIdempotencyCache(0), testServerLogger(t))
}

func marshalRequest(t *testing.T, req Request) []byte {
	t.Helper()
	b, err := json.Marshal(req)
	require.NoError(t, err)
	return b
}

func TestHandleLine_MalformedJSON(t *testing.T) {
	s := newTestServer(t, "tok", NewDispatcher())
	resp := s.handleLine(context.Background(), []byte("not json"))
	require.NotNil(t, resp)
	assert.False(t, resp.OK)
	assert.Equal(t, ErrParseError, resp.Error.Code)
}

func TestHandleLine_MissingRequestID(t *testing.T) {
	s := newTestServer(t, "tok", NewDispatcher())
	req := marshalRequest(t, Request{Capability: "tasks", Method: "list", BearerToken: "tok"})
	resp := s.handleLine(context.Background(), req)
	require.NotNil(t, resp)
	assert.False(t, resp.OK)
	assert.Equal(t, ErrParseError, resp.Error.Code)
}

func TestHandleLine_BadBearerTokenFails(t *testing.T) {
	s := newTestServer(t, "correct-token", NewDispatcher())
	req := marshalRequest(t, Request{RequestID: "r1", Capability: "tasks", Method: "list", BearerToken: "wrong"})
	resp := s.handleLine(context.Background(), req)
	require.NotNil(t, resp)
	assert.False(t, resp.OK)
	assert.Equal(t, ErrAuthFailed, resp.Error.Code)
	assert.Equal(t, "r1", resp.RequestID)
}

func TestHandleLine_MissingCapabilityOrMethod(t *testing.T) {
	s := newTestServer(t, "tok", NewDispatcher())
	req := marshalRequest(t, Request{RequestID: "r1", BearerToken: "tok"})
	resp := s.handleLine(context.Background(), req)
	require.NotNil(t, resp)
	assert.False(t, resp.OK)
	assert.Equal(t, ErrValidationError, resp.Error.Code)
}

func TestHandleLine_UnknownCapabilityMethod(t *testing.T) {
	s := newTestServer(t, "tok", NewDispatcher())
	req := marshalRequest(t, Request{RequestID: "r1", Capability: "tasks", Method: "nope", BearerToken: "tok"})
	resp := s.handleLine(context.Background(), req)
	require.NotNil(t, resp)
	assert.False(t, resp.OK)
	assert.Equal(t, ErrUnsupportedAction, resp.Error.Code)
}

func TestHandleLine_SuccessfulDispatch(t *testing.T) {
	d := NewDispatcher()
	require.NoError(t, d.Register("tasks", "list", func(ctx context.Context, req *Request) (map[string]interface{}, error) {
		return map[string]interface{}{"count": 0}, nil
	}))
	s := newTestServer(t, "tok", d)

	req := marshalRequest(t, Request{RequestID: "r1", Capability: "tasks", Method: "list", BearerToken: "tok"})
	resp := s.handleLine(context.Background(), req)
	require.NotNil(t, resp)
	assert.True(t, resp.OK)
	assert.Equal(t, "r1", resp.RequestID)
	assert.Equal(t, float64(0), resp.Result["count"])
}

func TestHandleLine_HandlerErrorBecomesStructuredFailure(t *testing.T) {
	d := NewDispatcher()
	require.NoError(t, d.Register("tasks", "get", func(ctx context.Context, req *Request) (map[string]interface{}, error) {
		return nil, NewError(ErrTaskNotFound, "no such task")
	}))
	s := newTestServer(t, "tok", d)

	req := marshalRequest(t, Request{RequestID: "r1", Capability: "tasks", Method: "get", BearerToken: "tok"})
	resp := s.handleLine(context.Background(), req)
	require.NotNil(t, resp)
	assert.False(t, resp.OK)
	assert.Equal(t, ErrTaskNotFound, resp.Error.Code)
	assert.Equal(t, "no such task", resp.Error.Message)
}

func TestHandleLine_HandlerPanicRecovers(t *testing.T) {
	d := NewDispatcher()
	require.NoError(t, d.Register("tasks", "crash", func(ctx context.Context, req *Request) (map[string]interface{}, error) {
		panic("boom")
	}))
	s := newTestServer(t, "tok", d)

	req := marshalRequest(t, Request{RequestID: "r1", Capability: "tasks", Method: "crash", BearerToken: "tok"})
	resp := s.handleLine(context.Background(), req)
	require.NotNil(t, resp)
	assert.False(t, resp.OK)
	assert.Equal(t, ErrInternalError, resp.Error.Code)
}

func TestHandleLine_UncaughtErrorBecomesInternalError(t *testing.T) {
	d := NewDispatcher()
	require.NoError(t, d.Register("tasks", "fail", func(ctx context.Context, req *Request) (map[string]interface{}, error) {
		return nil, assertNotNilErr
	}))
	s := newTestServer(t, "tok", d)

	req := marshalRequest(t, Request{RequestID: "r1", Capability: "tasks", Method: "fail", BearerToken: "tok"})
	resp := s.handleLine(context.Background(), req)
	require.NotNil(t, resp)
	assert.False(t, resp.OK)
	assert.Equal(t, ErrInternalError, resp.Error.Code)
}

var assertNotNilErr = &plainError{"boom"}

type plainError struct{ s string }

func (e *plainError) Error() string { return e.s }

func TestActiveClients_StartsAtZero(t *testing.T) {
	s := newTestServer(t, "tok", NewDispatcher())
	assert.EqualValues(t, 0, s.ActiveClients())
}
