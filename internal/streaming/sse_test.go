package streaming

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentgraph/internal/logging"
)

func collectFrames(t *testing.T, conn Conn) []Frame {
	t.Helper()
	var out []Frame
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-conn.Frames():
			if !ok {
				return out
			}
			out = append(out, f)
		case <-timeout:
			t.Fatal("timed out reading frames")
		}
	}
}

func TestSSEParser(t *testing.T) {
	p := &sseParser{}
	var got []Frame
	input := ": keepalive\n\nevent: message\nid: 3\ndata: {\"a\":\ndata: 1}\n\ndata: plain\n\nevent: heartbeat\n\nid: junk\nevent: finish\ndata: {}\n\n"
	for _, line := range strings.Split(input, "\n") {
		if f, ok := p.line(line); ok {
			got = append(got, f)
		}
	}
	require.Len(t, got, 4)
	assert.Equal(t, Frame{Type: "message", Seq: 3, Data: []byte("{\"a\":\n1}")}, got[0])
	assert.Equal(t, "message", got[1].Type)
	assert.Equal(t, "plain", string(got[1].Data))
	assert.Equal(t, Frame{Type: FrameHeartbeat}, got[2])
	assert.Equal(t, int64(0), got[3].Seq)
}

func TestWriteSSE_ParsesBack(t *testing.T) {
	var b strings.Builder
	require.NoError(t, WriteSSE(&b, Frame{Type: "content_delta", Seq: 12, Data: []byte("{\"content\":\"a\"}")}))
	require.NoError(t, WriteSSE(&b, Frame{Type: FrameHeartbeat}))
	assert.Equal(t, "event: content_delta\nid: 12\ndata: {\"content\":\"a\"}\n\nevent: heartbeat\ndata: {}\n\n", b.String())

	p := &sseParser{}
	var got []Frame
	for _, line := range strings.Split(b.String(), "\n") {
		if f, ok := p.line(line); ok {
			got = append(got, f)
		}
	}
	require.Len(t, got, 2)
	assert.Equal(t, int64(12), got[0].Seq)
	assert.Equal(t, FrameHeartbeat, got[1].Type)
}

func TestSSETransport_ResumeAndAuthHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get(ResumeParam))
		assert.Equal(t, "5", r.Header.Get("Last-Event-ID"))
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		assert.Equal(t, "yes", r.Header.Get("X-Trace"))

		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		fmt.Fprint(w, ": ping\n\n")
		fmt.Fprint(w, "event: message\nid: 6\ndata: {\"role\":\"assistant\",\ndata: \"content\":\"hi\"}\n\n")
		fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n")
	}))
	defer srv.Close()

	tr := &SSETransport{Token: "s3cret", Logger: logging.Discard()}
	conn, err := tr.Open(context.Background(), OpenRequest{
		Endpoint:   srv.URL + "/executions/e1/events",
		ResumeFrom: 5,
		Header:     http.Header{"X-Trace": []string{"yes"}},
	})
	require.NoError(t, err)
	defer conn.Close()

	frames := collectFrames(t, conn)
	require.Len(t, frames, 2)
	assert.Equal(t, "message", frames[0].Type)
	assert.Equal(t, int64(6), frames[0].Seq)
	assert.JSONEq(t, `{"role":"assistant","content":"hi"}`, string(frames[0].Data))
	assert.Equal(t, FrameHeartbeat, frames[1].Type)
	assert.NoError(t, conn.Err())
}

func TestSSETransport_StatusErrors(t *testing.T) {
	for _, code := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))
		_, err := (&SSETransport{}).Open(context.Background(), OpenRequest{Endpoint: srv.URL})
		srv.Close()
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnauthorized)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	_, err := (&SSETransport{}).Open(context.Background(), OpenRequest{Endpoint: srv.URL})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnauthorized))
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
}

func TestSSETransport_RejectsWrongContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, "{}")
	}))
	defer srv.Close()

	_, err := (&SSETransport{}).Open(context.Background(), OpenRequest{Endpoint: srv.URL})
	require.Error(t, err)
}

func TestSSETransport_CloseStopsReader(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	conn, err := (&SSETransport{}).Open(context.Background(), OpenRequest{Endpoint: srv.URL})
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	select {
	case _, ok := <-conn.Frames():
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("frames channel not closed")
	}
}
