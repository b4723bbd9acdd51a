package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/rendis/agentgraph/internal/logging"
)

// Close codes the gateway uses to reject credentials on an upgraded socket.
const (
	StatusUnauthorized websocket.StatusCode = 4401
	StatusForbidden    websocket.StatusCode = 4403
)

const defaultWSReadLimit = 4 << 20

// WSTransport reads JSON envelopes {"type","seq","data"} from a WebSocket.
type WSTransport struct {
	HTTPClient *http.Client
	Token      string
	Header     http.Header
	ReadLimit  int64
	Logger     *slog.Logger
}

// Open dials the endpoint and starts the read loop.
func (t *WSTransport) Open(ctx context.Context, req OpenRequest) (Conn, error) {
	target, err := resumeURL(req.Endpoint, req.ResumeFrom)
	if err != nil {
		return nil, err
	}

	conn, resp, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPClient: t.HTTPClient,
		HTTPHeader: bearer(mergeHeader(t.Header, req.Header), t.Token),
	})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, classifyStatus(resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}
	limit := t.ReadLimit
	if limit <= 0 {
		limit = defaultWSReadLimit
	}
	conn.SetReadLimit(limit)

	connCtx, cancel := context.WithCancel(ctx)
	c := &wsConn{
		conn:   conn,
		cancel: cancel,
		frames: make(chan Frame),
		logger: logging.OrDefault(t.Logger),
	}
	go c.readLoop(connCtx)
	return c, nil
}

type wsConn struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
	frames chan Frame
	logger *slog.Logger

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

func (c *wsConn) Frames() <-chan Frame { return c.frames }

func (c *wsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.conn.CloseNow()
	})
	return nil
}

func (c *wsConn) readLoop(ctx context.Context) {
	defer close(c.frames)
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.setErr(closeError(err))
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
			c.logger.Warn("dropping malformed websocket envelope", "error", err, "size", len(data))
			continue
		}
		select {
		case c.frames <- f:
		case <-ctx.Done():
			return
		}
	}
}

func (c *wsConn) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// closeError maps a read error to the transport taxonomy. Normal closes are
// orderly ends of stream.
func closeError(err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return nil
	case StatusUnauthorized, StatusForbidden:
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return fmt.Errorf("websocket read: %w", err)
}
