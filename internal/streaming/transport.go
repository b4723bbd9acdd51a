// Package streaming carries execution events from the gateway to consumers:
// the typed event union, SSE and WebSocket transports, the resumable client
// and the in-process hub the gateway fans out through.
package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// FrameHeartbeat is the server keepalive frame. It resets the client
// watchdog and is never dispatched.
const FrameHeartbeat = "heartbeat"

// ResumeParam is the query parameter carrying the resume cursor.
const ResumeParam = "since"

var (
	// ErrUnauthorized is fatal: the client stops reconnecting.
	ErrUnauthorized = errors.New("streaming: unauthorized")
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("streaming: client closed")
)

// Frame is one named message as read off the wire, before decoding.
type Frame struct {
	Type string          `json:"type"`
	Seq  int64           `json:"seq,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// OpenRequest describes one connection attempt.
type OpenRequest struct {
	Endpoint   string
	ResumeFrom int64
	Header     http.Header
}

// Conn is one live connection. Frames is closed when the connection ends;
// Err then reports why (nil for an orderly end of stream).
type Conn interface {
	Frames() <-chan Frame
	Err() error
	Close() error
}

// Transport opens connections. Implementations must return an error wrapping
// ErrUnauthorized when the server rejects the credentials.
type Transport interface {
	Open(ctx context.Context, req OpenRequest) (Conn, error)
}

// StatusError is a non-success HTTP status seen while opening a stream.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("streaming: unexpected status %d %s", e.Code, http.StatusText(e.Code))
}

// classifyStatus maps an HTTP status to a transport error.
func classifyStatus(code int) error {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrUnauthorized, &StatusError{Code: code})
	default:
		return &StatusError{Code: code}
	}
}

// resumeURL appends the resume cursor to endpoint.
func resumeURL(endpoint string, resumeFrom int64) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if resumeFrom > 0 {
		q := u.Query()
		q.Set(ResumeParam, strconv.FormatInt(resumeFrom, 10))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// bearer returns a header set carrying the token, merged over base.
func bearer(base http.Header, token string) http.Header {
	h := base.Clone()
	if h == nil {
		h = http.Header{}
	}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}
