// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/telemetryd/telemetryd/lib/codec"
	"github.com/telemetryd/telemetryd/lib/ipc"
)

// dialTimeout is the maximum time to wait for a connection to the
// service socket. This is separate from the server's read/write
// timeouts - it covers only the connect phase.
const dialTimeout = 5 * time.Second

// responseReadTimeout is how long the client waits for the server to
// send a response after writing the request. Matched to the server's
// readTimeout + writeTimeout to account for handler execution time.
const responseReadTimeout = 45 * time.Second

// maxResponseSize is the maximum size of a single CBOR response.
// Larger than the server's request limit because get-data responses
// carry whole report payloads; anything bigger than this belongs on
// the get-data-fd streaming path.
const maxResponseSize = 64 * 1024 * 1024

// ServiceError is returned by Call when the server responds with
// ok=false. It carries the server's failure classification alongside
// the message and the action that failed.
type ServiceError struct {
	Action  string
	Code    ipc.Code
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service error on %q: %s", e.Action, e.Message)
}

// Client sends CBOR requests to a telemetryd service socket. Each
// Call opens a new connection (matching the server's one-request-per-
// connection model), sends the request, reads the response, and
// closes the connection. The server identifies the caller through the
// kernel's peer credentials; there is nothing to configure client-side.
type Client struct {
	socketPath string
}

// NewClient creates a client for the service socket at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Call sends a request to the service and decodes the response. The
// request's Action field must be set.
//
// On success (response ok=true), if result is non-nil and the
// response contains data, the data is CBOR-decoded into result.
//
// On failure (response ok=false), returns a *ServiceError containing
// the server's code and error message. Connection and encoding errors
// are returned as plain errors (not *ServiceError).
func (c *Client) Call(ctx context.Context, request ipc.Request, result any) error {
	if request.Action == "" {
		return fmt.Errorf("request has no action")
	}

	response, err := c.send(ctx, request)
	if err != nil {
		return fmt.Errorf("calling %q on %s: %w", request.Action, c.socketPath, err)
	}

	if !response.OK {
		return &ServiceError{
			Action:  request.Action,
			Code:    response.Code,
			Message: response.Error,
		}
	}

	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("decoding response data for %q: %w", request.Action, err)
		}
	}

	return nil
}

// Stream sends a request for a streaming action and returns the live
// connection after the server's initial envelope. The caller reads
// the stream's payload from the connection and must close it; closing
// is also how the client ends server-push streams early.
//
// A failure envelope is returned as *ServiceError, with the
// connection already closed.
func (c *Client) Stream(ctx context.Context, request ipc.Request) (net.Conn, error) {
	if request.Action == "" {
		return nil, fmt.Errorf("request has no action")
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", c.socketPath, err)
	}

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		conn.Close()
		return nil, fmt.Errorf("writing request: %w", err)
	}

	// No half-close here: stream connections stay open in both
	// directions, and for registration streams the client-side close
	// is the protocol's death notification.
	conn.SetReadDeadline(time.Now().Add(responseReadTimeout))
	decoder := codec.NewDecoder(io.LimitReader(conn, maxResponseSize))
	var response Response
	if err := decoder.Decode(&response); err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading stream ack: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	if !response.OK {
		conn.Close()
		return nil, &ServiceError{
			Action:  request.Action,
			Code:    response.Code,
			Message: response.Error,
		}
	}

	// The ack decoder may have buffered bytes past the envelope when
	// the server's stream payload landed in the same read. Fold the
	// remainder back in front of the connection so framing survives.
	return &streamConn{Conn: conn, reader: io.MultiReader(decoder.Buffered(), conn)}, nil
}

// streamConn is a net.Conn whose reads drain the ack decoder's
// buffered remainder before touching the wire again.
type streamConn struct {
	net.Conn
	reader io.Reader
}

func (c *streamConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// send connects to the socket, writes the request, and reads the
// response. Each call creates a new connection.
func (c *Client) send(ctx context.Context, request ipc.Request) (*Response, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	// Write the request.
	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}

	// Half-close the write side. CBOR is self-delimiting so this
	// isn't strictly necessary, but it lets the server's read side
	// see EOF cleanly.
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	// Read the response.
	conn.SetReadDeadline(time.Now().Add(responseReadTimeout))
	var response Response
	if err := codec.NewDecoder(io.LimitReader(conn, maxResponseSize)).Decode(&response); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	return &response, nil
}
