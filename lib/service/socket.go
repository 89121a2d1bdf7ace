// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/telemetryd/telemetryd/lib/codec"
	"github.com/telemetryd/telemetryd/lib/ipc"
	"github.com/telemetryd/telemetryd/lib/peercred"
)

// ActionFunc processes a socket request for a specific action. The
// caller parameter is the kernel-verified identity of the connecting
// process; raw is the full CBOR request (including the "action"
// field). The handler decodes action-specific fields from this raw
// message.
//
// Return a value to include in the success response, or an error for
// a failure response. If the returned value is nil, the response
// contains only {ok: true}. If non-nil, the value is marshaled as
// CBOR and placed in the response's "data" field. Errors built with
// lib/ipc carry their classification into the response's "code"
// field; everything else is reported as internal.
type ActionFunc func(ctx context.Context, caller peercred.Cred, raw []byte) (any, error)

// StreamFunc processes a socket request whose response is a stream
// rather than a single envelope. The server hands the connection over
// after routing: the handler owns deadlines and every write from that
// point, including the initial envelope (use Ack or Fail). The
// connection is closed when the handler returns.
type StreamFunc func(ctx context.Context, caller peercred.Cred, raw []byte, conn net.Conn) error

// Response is the wire-format envelope for all socket protocol
// responses. Handlers return a result value (or nil) and an error;
// the server wraps these into a Response before encoding.
type Response struct {
	OK    bool             `cbor:"ok"`
	Code  ipc.Code         `cbor:"code,omitempty"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// SocketServer serves a CBOR request-response protocol on a Unix
// socket. Each connection handles exactly one request: the client
// writes a CBOR value, the server processes it and writes a CBOR
// response, then the connection closes. Stream actions extend this
// with handler-written data after the envelope; their connections
// stay open until the handler returns.
//
// Actions are registered with Handle or HandleStream before calling
// Serve. Unknown actions receive an error response.
type SocketServer struct {
	socketPath string
	handlers   map[string]ActionFunc
	streams    map[string]StreamFunc
	logger     *slog.Logger

	// ready is closed once the listener is accepting connections.
	ready chan struct{}

	// activeConnections tracks in-flight request handlers for graceful
	// shutdown. Serve waits for all active connections to complete
	// before returning.
	activeConnections sync.WaitGroup
}

// NewSocketServer creates a server that will listen on socketPath.
// Register actions with Handle and HandleStream before calling Serve.
func NewSocketServer(socketPath string, logger *slog.Logger) *SocketServer {
	return &SocketServer{
		socketPath: socketPath,
		handlers:   make(map[string]ActionFunc),
		streams:    make(map[string]StreamFunc),
		logger:     logger,
		ready:      make(chan struct{}),
	}
}

// Handle registers a handler for the given action name. Panics if the
// action is already registered.
func (s *SocketServer) Handle(action string, handler ActionFunc) {
	if s.registered(action) {
		panic(fmt.Sprintf("service.SocketServer: duplicate handler for action %q", action))
	}
	s.handlers[action] = handler
}

// HandleStream registers a streaming handler for the given action
// name. Panics if the action is already registered.
func (s *SocketServer) HandleStream(action string, handler StreamFunc) {
	if s.registered(action) {
		panic(fmt.Sprintf("service.SocketServer: duplicate handler for action %q", action))
	}
	s.streams[action] = handler
}

func (s *SocketServer) registered(action string) bool {
	if _, exists := s.handlers[action]; exists {
		return true
	}
	_, exists := s.streams[action]
	return exists
}

// Ready returns a channel that is closed once the server is accepting
// connections. Useful for tests and for startup ordering in the
// daemon.
func (s *SocketServer) Ready() <-chan struct{} {
	return s.ready
}

// Serve starts accepting connections on the Unix socket and dispatches
// requests to registered action handlers. Blocks until ctx is
// cancelled, then stops accepting new connections and waits for active
// handlers to complete.
//
// Any existing socket file at the configured path is removed before
// listening. The socket file is removed on return.
func (s *SocketServer) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("socket server listening", "path", s.socketPath)
	close(s.ready)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

// readTimeout is how long we wait for the client to send its request.
// A well-behaved client sends the request immediately after connecting.
const readTimeout = 30 * time.Second

// writeTimeout is how long we wait for the response to be written.
const writeTimeout = 10 * time.Second

// maxRequestSize is the maximum size of a single CBOR request.
// 1 MB is generous: the largest request body is a collection config,
// and those run well under 100 KB.
const maxRequestSize = 1024 * 1024

// handleConnection processes one request-response cycle.
func (s *SocketServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	caller, err := peercred.FromConn(conn)
	if err != nil {
		s.writeFailure(conn, ipc.Internalf("reading peer credentials: %v", err))
		return
	}

	conn.SetReadDeadline(time.Now().Add(readTimeout))

	// Decode one CBOR value from the connection. CBOR is self-
	// delimiting so no framing protocol is needed. LimitReader
	// prevents a malicious client from exhausting memory.
	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			// Client connected but sent nothing.
			return
		}
		s.writeFailure(conn, ipc.IllegalArgumentf("invalid request: %v", err))
		return
	}

	// Extract the action field for routing.
	var header struct {
		Action string `cbor:"action"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		s.writeFailure(conn, ipc.IllegalArgumentf("invalid request: %v", err))
		return
	}
	if header.Action == "" {
		s.writeFailure(conn, ipc.IllegalArgumentf("missing required field: action"))
		return
	}

	if stream, exists := s.streams[header.Action]; exists {
		// The handler owns the connection from here, including
		// deadlines and the initial envelope.
		conn.SetReadDeadline(time.Time{})
		if err := stream(ctx, caller, []byte(raw), conn); err != nil {
			s.logger.Debug("stream action failed",
				"action", header.Action,
				"uid", caller.UID,
				"error", err,
			)
		}
		return
	}

	handler, exists := s.handlers[header.Action]
	if !exists {
		s.writeFailure(conn, ipc.IllegalArgumentf("unknown action %q", header.Action))
		return
	}

	result, err := handler(ctx, caller, []byte(raw))
	if err != nil {
		s.logger.Debug("action failed",
			"action", header.Action,
			"uid", caller.UID,
			"error", err,
		)
		s.writeFailure(conn, err)
		return
	}

	s.writeSuccess(conn, result)
}

// writeFailure sends a failure response: {ok: false, code, error}.
// Write failures are logged at debug level - the connection is
// closing regardless, and the caller has already received the error.
func (s *SocketServer) writeFailure(conn net.Conn, failure error) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(Response{
		OK:    false,
		Code:  ipc.CodeOf(failure),
		Error: failure.Error(),
	}); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}

// writeSuccess sends a success response. If result is nil, the
// response is {ok: true}. If non-nil, the value is marshaled as CBOR
// and placed in the "data" field: {ok: true, data: <cbor>}.
func (s *SocketServer) writeSuccess(conn net.Conn, result any) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	response := Response{OK: true}

	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.writeFailure(conn, ipc.Internalf("marshaling response: %v", err))
			return
		}
		response.Data = data
	}

	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("failed to write success response", "error", err)
	}
}

// Ack writes the {ok: true} envelope that precedes stream data.
// Stream handlers call this exactly once, before their first payload
// write.
func Ack(conn net.Conn) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	return codec.NewEncoder(conn).Encode(Response{OK: true})
}

// Fail writes a failure envelope from a stream handler that has not
// yet written anything. After Fail the handler must return without
// streaming.
func Fail(conn net.Conn, failure error) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	return codec.NewEncoder(conn).Encode(Response{
		OK:    false,
		Code:  ipc.CodeOf(failure),
		Error: failure.Error(),
	})
}
