package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/rendis/agentgraph/internal/logging"
	"github.com/rendis/agentgraph/internal/streaming"
	"github.com/rendis/agentgraph/pkg/schema"
)

const wsWriteTimeout = 10 * time.Second

// errEvicted ends a stream whose hub subscription was dropped for falling
// behind. The client resumes from the log.
var errEvicted = errors.New("subscriber evicted")

// handleSSE streams an execution as Server-Sent Events.
func (g *Gateway) handleSSE(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("id")
	since, err := resumeCursor(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := g.store.GetExecution(r.Context(), executionID); err != nil {
		writeStoreError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	done := g.metrics.SubscriberConnected("sse")
	defer done()

	send := func(f streaming.Frame) error {
		if err := streaming.WriteSSE(w, f); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	g.serveStream(r.Context(), executionID, since, send)
}

// handleWS streams an execution over a WebSocket as JSON frame envelopes.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("id")
	since, err := resumeCursor(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: g.opts.OriginPatterns})
	if err != nil {
		g.logger.Warn("websocket accept failed", "execution_id", executionID, "error", err)
		return
	}
	defer conn.CloseNow()

	if !g.authorized(r) {
		conn.Close(streaming.StatusUnauthorized, "unauthorized")
		return
	}
	if _, err := g.store.GetExecution(r.Context(), executionID); err != nil {
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			conn.Close(websocket.StatusPolicyViolation, "execution not found")
		} else {
			conn.Close(websocket.StatusInternalError, "store unavailable")
		}
		return
	}

	done := g.metrics.SubscriberConnected("ws")
	defer done()

	// Clients never send data frames; CloseRead handles control frames and
	// cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	send := func(f streaming.Frame) error {
		wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		defer cancel()
		return wsjson.Write(wctx, conn, f)
	}
	err = g.serveStream(ctx, executionID, since, send)
	if errors.Is(err, errEvicted) {
		conn.Close(websocket.StatusTryAgainLater, "subscriber too slow")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// serveStream subscribes to live events, catches the subscriber up from the
// log and then forwards live events with a keepalive until ctx ends or a
// write fails. Subscribing first means no event published during catch-up
// is missed; live events at or below the catch-up cursor are skipped.
func (g *Gateway) serveStream(ctx context.Context, executionID string, since int64, send func(streaming.Frame) error) error {
	ctx = logging.WithExecutionID(ctx, executionID)
	live, cancel, err := g.hub.Subscribe(ctx, streaming.Filter{ExecutionID: executionID})
	if err != nil {
		return err
	}
	defer cancel()

	cursor, err := g.catchUp(ctx, executionID, since, send)
	if err != nil {
		if ctx.Err() == nil {
			logging.LogWith(ctx, g.logger).Warn("catch-up failed", "since", since, "error", err)
		}
		return err
	}

	ticker := time.NewTicker(g.opts.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-live:
			if !ok {
				logging.LogWith(ctx, g.logger).Warn("stream subscriber evicted", "cursor", cursor)
				return errEvicted
			}
			if env.Seq > 0 && env.Seq <= cursor {
				continue
			}
			if err := send(env.Frame()); err != nil {
				return err
			}
			cursor = max(cursor, env.Seq)
		case <-ticker.C:
			if err := send(streaming.Frame{Type: streaming.FrameHeartbeat}); err != nil {
				return err
			}
		}
	}
}

// catchUp replays events after since. When the events right after since are
// no longer retained it sends a full_sync instead. It returns the highest
// sequence the subscriber now holds.
func (g *Gateway) catchUp(ctx context.Context, executionID string, since int64, send func(streaming.Frame) error) (int64, error) {
	events, err := g.store.GetEvents(ctx, executionID, since)
	if err != nil {
		return 0, err
	}

	if len(events) > 0 && events[0].Seq == since+1 {
		for _, rec := range events {
			if err := send(streaming.Frame{Type: rec.Type, Seq: rec.Seq, Data: rec.Data}); err != nil {
				return 0, err
			}
		}
		g.metrics.RecordReplayed(len(events))
		return events[len(events)-1].Seq, nil
	}

	if len(events) == 0 {
		latest, err := g.store.LatestSeq(ctx, executionID)
		if err != nil {
			return 0, err
		}
		if latest <= since {
			return since, nil
		}
	}
	return g.sendFullSync(ctx, executionID, send)
}

func (g *Gateway) sendFullSync(ctx context.Context, executionID string, send func(streaming.Frame) error) (int64, error) {
	exec, err := g.store.GetExecution(ctx, executionID)
	if err != nil {
		return 0, err
	}
	p, messages, cursor, err := g.project(ctx, exec)
	if err != nil {
		return 0, err
	}
	data, err := json.Marshal(&streaming.FullSyncEvent{Messages: messages, Nodes: p.Snapshot()})
	if err != nil {
		return 0, err
	}
	if err := send(streaming.Frame{Type: schema.EventFullSync, Seq: cursor, Data: data}); err != nil {
		return 0, err
	}
	g.metrics.RecordFullSync()
	logging.LogWith(ctx, g.logger).Info("sent full_sync", "seq", cursor)
	return cursor, nil
}

// resumeCursor reads the resume position from the since query parameter,
// falling back to the SSE Last-Event-ID header.
func resumeCursor(r *http.Request) (int64, error) {
	v := r.URL.Query().Get(streaming.ResumeParam)
	if v == "" {
		v = r.Header.Get("Last-Event-ID")
	}
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, schema.NewErrorf(schema.ErrCodeInvalidParams, "invalid resume cursor %q", v)
	}
	return n, nil
}
