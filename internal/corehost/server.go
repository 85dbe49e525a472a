package corehost

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"net"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kagan-sh/kagan/internal/common/logger"
	"github.com/kagan-sh/kagan/internal/transport"
)

// MaxLineBytes bounds one newline-delimited IPC message (mirrors
// transport.MaxLineBytes so both layers agree on the limit).
const MaxLineBytes = transport.MaxLineBytes

// Server is the IPC-layer request/response loop: one per-connection
// cooperative reader that authenticates, validates, dispatches, and writes
// back in strict request-arrival order.
type Server struct {
	token      string
	dispatcher *Dispatcher
	idem       *IdempotencyCache
	log        *logger.Logger

	activeClients int64
	onConnect     func()
	onDisconnect  func()
}

// NewServer builds a Server bound to a bearer token, dispatch table, and
// idempotency cache.
func NewServer(token string, dispatcher *Dispatcher, idem *IdempotencyCache, log *logger.Logger) *Server {
	return &Server{token: token, dispatcher: dispatcher, idem: idem, log: log}
}

// OnClientConnect/OnClientDisconnect register hooks a caller can use to
// drive idle-shutdown behavior off the connected-client count.
func (s *Server) OnClientConnect(fn func())    { s.onConnect = fn }
func (s *Server) OnClientDisconnect(fn func()) { s.onDisconnect = fn }

// ActiveClients returns the current connected-client count.
func (s *Server) ActiveClients() int64 { return atomic.LoadInt64(&s.activeClients) }

// HandleConn implements transport.ConnHandler: one connection, one
// cooperative read loop, responses emitted in strict request-arrival order.
func (s *Server) HandleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	atomic.AddInt64(&s.activeClients, 1)
	if s.onConnect != nil {
		s.onConnect()
	}
	defer func() {
		atomic.AddInt64(&s.activeClients, -1)
		if s.onDisconnect != nil {
			s.onDisconnect()
		}
	}()

	reader := bufio.NewReaderSize(conn, 4096)
	encoder := json.NewEncoder(conn)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := readBoundedLine(reader, MaxLineBytes)
		if err != nil {
			if err == errLineTooLong {
				s.log.Warn("ipc connection closed: line exceeded MAX_LINE_BYTES")
			}
			return
		}
		if len(line) == 0 {
			continue
		}

		resp := s.handleLine(ctx, line)
		if resp == nil {
			// request_id mismatch or framing breach: protocol error, close.
			return
		}
		if err := encoder.Encode(resp); err != nil {
			return
		}
	}
}

func (s *Server) handleLine(ctx context.Context, line []byte) *Response {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Failure("unknown", ErrParseError, "malformed request envelope")
	}
	if req.RequestID == "" {
		return Failure("unknown", ErrParseError, "missing request_id")
	}

	if subtle.ConstantTimeCompare([]byte(req.BearerToken), []byte(s.token)) != 1 {
		return Failure(req.RequestID, ErrAuthFailed, "invalid bearer token")
	}
	req.BearerToken = "" // never retained past auth

	if req.Capability == "" || req.Method == "" {
		return Failure(req.RequestID, ErrValidationError, "capability and method are required")
	}

	handler, ok := s.dispatcher.Lookup(req.Capability, req.Method)
	if !ok {
		return Failure(req.RequestID, ErrUnsupportedAction, "no handler for "+req.Capability+"."+req.Method)
	}

	run := func() *Response {
		return s.invoke(ctx, handler, &req)
	}
	if s.idem != nil {
		return s.idem.Execute(req.Capability, req.Method, req.IdempotencyKey, req.SessionID, run)
	}
	return run()
}

// invoke calls the handler and recovers from panics, translating any
// uncaught failure into INTERNAL_ERROR without leaking details.
func (s *Server) invoke(ctx context.Context, h Handler, req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panicked", zap.Any("panic", r), zap.String("capability", req.Capability), zap.String("method", req.Method))
			resp = Failure(req.RequestID, ErrInternalError, "internal error")
		}
	}()

	result, err := h(ctx, req)
	if err != nil {
		if he, ok := err.(*HandlerError); ok {
			return Failure(req.RequestID, he.Code, he.Message)
		}
		s.log.Error("handler returned uncaught error", zap.Error(err), zap.String("capability", req.Capability), zap.String("method", req.Method))
		return Failure(req.RequestID, ErrInternalError, err.Error())
	}
	return Success(req.RequestID, result)
}
