package streaming

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/rendis/agentgraph/internal/logging"
	"github.com/rendis/agentgraph/pkg/schema"
)

// maxSSELine bounds a single SSE line; full_sync payloads can be large.
const maxSSELine = 4 << 20

// SSETransport opens text/event-stream connections over HTTP.
type SSETransport struct {
	Client *http.Client
	Token  string
	Header http.Header
	Logger *slog.Logger
}

// Open issues the GET and starts parsing the stream.
func (t *SSETransport) Open(ctx context.Context, req OpenRequest) (Conn, error) {
	target, err := resumeURL(req.Endpoint, req.ResumeFrom)
	if err != nil {
		return nil, err
	}

	connCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(connCtx, http.MethodGet, target, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header = bearer(mergeHeader(t.Header, req.Header), t.Token)
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	if req.ResumeFrom > 0 {
		httpReq.Header.Set("Last-Event-ID", strconv.FormatInt(req.ResumeFrom, 10))
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("sse connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, classifyStatus(resp.StatusCode)
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != "text/event-stream" {
		resp.Body.Close()
		cancel()
		return nil, schema.NewErrorf(schema.ErrCodeProtocol, "unexpected content type %q", mt)
	}

	c := &sseConn{
		body:   resp.Body,
		cancel: cancel,
		frames: make(chan Frame),
		logger: logging.OrDefault(t.Logger),
	}
	go c.readLoop(connCtx)
	return c, nil
}

type sseConn struct {
	body   io.ReadCloser
	cancel context.CancelFunc
	frames chan Frame
	logger *slog.Logger

	mu  sync.Mutex
	err error
}

func (c *sseConn) Frames() <-chan Frame { return c.frames }

func (c *sseConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *sseConn) Close() error {
	c.cancel()
	return c.body.Close()
}

func (c *sseConn) readLoop(ctx context.Context) {
	defer close(c.frames)
	defer c.body.Close()

	p := &sseParser{}
	scanner := bufio.NewScanner(c.body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	for scanner.Scan() {
		f, ok := p.line(scanner.Text())
		if !ok {
			continue
		}
		select {
		case c.frames <- f:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.mu.Lock()
		c.err = fmt.Errorf("sse read: %w", err)
		c.mu.Unlock()
	}
}

// sseParser accumulates field lines until a blank line completes a frame.
type sseParser struct {
	event string
	id    string
	data  []string
}

// line feeds one line and returns a frame when the line dispatches one.
func (p *sseParser) line(s string) (Frame, bool) {
	if s == "" {
		return p.dispatch()
	}
	if strings.HasPrefix(s, ":") {
		return Frame{}, false
	}
	field, value, _ := strings.Cut(s, ":")
	value = strings.TrimPrefix(value, " ")
	switch field {
	case "event":
		p.event = value
	case "data":
		p.data = append(p.data, value)
	case "id":
		p.id = value
	}
	return Frame{}, false
}

func (p *sseParser) dispatch() (Frame, bool) {
	defer func() { p.event, p.id, p.data = "", "", nil }()
	if p.event == "" && len(p.data) == 0 {
		return Frame{}, false
	}
	f := Frame{Type: p.event}
	if f.Type == "" {
		f.Type = "message"
	}
	if p.id != "" {
		if n, err := strconv.ParseInt(p.id, 10, 64); err == nil {
			f.Seq = n
		}
	}
	if len(p.data) > 0 {
		f.Data = []byte(strings.Join(p.data, "\n"))
	}
	return f, true
}

// WriteSSE writes one frame in text/event-stream form. A zero Seq omits the id line.
func WriteSSE(w io.Writer, f Frame) error {
	var b strings.Builder
	fmt.Fprintf(&b, "event: %s\n", f.Type)
	if f.Seq > 0 {
		fmt.Fprintf(&b, "id: %d\n", f.Seq)
	}
	data := string(f.Data)
	if data == "" {
		data = "{}"
	}
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	_, err := io.WriteString(w, b.String())
	return err
}

func mergeHeader(base, extra http.Header) http.Header {
	out := base.Clone()
	if out == nil {
		out = http.Header{}
	}
	for k, vs := range extra {
		for _, v := range vs {
			out.Add(k, v)
		}
	}
	return out
}
