package streaming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/agentgraph/internal/logging"
	"github.com/rendis/agentgraph/internal/metrics"
	"github.com/rendis/agentgraph/pkg/schema"
)

// State is the connection lifecycle of a Client.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateStale        State = "stale"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// ValidTransitions defines allowed client state transitions.
var ValidTransitions = map[State][]State{
	StateIdle:         {StateConnecting, StateClosed},
	StateConnecting:   {StateOpen, StateReconnecting, StateClosed},
	StateOpen:         {StateStale, StateReconnecting, StateClosed},
	StateStale:        {StateReconnecting, StateClosed},
	StateReconnecting: {StateOpen, StateClosed},
	StateClosed:       {},
}

func isValidTransition(from, to State) bool {
	for _, allowed := range ValidTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// DefaultHeartbeatTimeout is how long a connection may stay silent before it
// is considered stale. Servers must send heartbeats more often than this.
const DefaultHeartbeatTimeout = 65 * time.Second

// Options configures a Client.
type Options struct {
	Transport Transport
	Handler   Handler
	Header    http.Header

	HeartbeatTimeout time.Duration
	Backoff          Backoff

	// OnConnection reports visibility changes. err is set for the failure
	// that caused a reconnect or a fatal close.
	OnConnection func(status schema.ConnectionStatus, err error)
	// OnGap reports a sequence jump. The event at got is still delivered.
	OnGap         func(expected, got int64)
	OnStateChange func(from, to State)

	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// DefaultOptions returns options with the default watchdog and backoff.
func DefaultOptions() Options {
	return Options{
		HeartbeatTimeout: DefaultHeartbeatTimeout,
		Backoff:          DefaultBackoff(),
	}
}

// Stats counts what a client has seen across all of its sessions.
type Stats struct {
	Dispatched int64 `json:"dispatched"`
	Duplicates int64 `json:"duplicates"`
	Malformed  int64 `json:"malformed"`
	Gaps       int64 `json:"gaps"`
	Heartbeats int64 `json:"heartbeats"`
	Reconnects int64 `json:"reconnects"`
}

// Client consumes one resumable event stream. Events are deduplicated by seq
// and dispatched to the Handler from a single goroutine per session.
type Client struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	session *session
	latest  *session
	err     error

	closeOnce sync.Once
	done      chan struct{}

	dispatched atomic.Int64
	duplicates atomic.Int64
	malformed  atomic.Int64
	gaps       atomic.Int64
	heartbeats atomic.Int64
	reconnects atomic.Int64
}

// session is one Open call: its own cursor, goroutine and callback gate.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	lastSeq atomic.Int64
	ordered bool

	cbMu       sync.Mutex
	closed     atomic.Bool
	inCallback atomic.Bool
}

func newSession(ctx context.Context, resumeFrom int64) *session {
	sctx, cancel := context.WithCancel(ctx)
	s := &session{ctx: sctx, cancel: cancel, done: make(chan struct{}), ordered: resumeFrom > 0}
	s.lastSeq.Store(resumeFrom)
	return s
}

// NewClient creates an idle client.
func NewClient(opts Options) (*Client, error) {
	if opts.Transport == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "streaming client requires a transport")
	}
	if opts.Handler == nil {
		opts.Handler = BaseHandler{}
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	return &Client{
		opts:   opts,
		logger: logging.OrDefault(opts.Logger).With("component", "stream_client"),
		state:  StateIdle,
		done:   make(chan struct{}),
	}, nil
}

// Open starts a session against endpoint, resuming after resumeFrom. Any prior
// session is torn down first and the state machine restarts from Idle. Open
// does not block on the network.
func (c *Client) Open(ctx context.Context, endpoint string, resumeFrom int64) error {
	if resumeFrom < 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "negative resume cursor %d", resumeFrom)
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	prev := c.session
	c.session = nil
	c.mu.Unlock()

	if prev != nil {
		prev.stop()
	}

	s := newSession(ctx, resumeFrom)

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		s.cancel()
		return ErrClosed
	}
	c.session = s
	c.latest = s
	c.state = StateIdle
	c.err = nil
	c.mu.Unlock()

	go c.run(s, endpoint)
	return nil
}

// Close stops the session: watchdog, pending reconnect and dispatch loop.
// It waits for the loop to exit unless a callback is running, so it is safe
// to call from a callback. No callback starts after Close returns, and Close
// itself invokes none. Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.state = StateClosed
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.done) })
	if s != nil {
		s.stop()
	}
	return nil
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastSeq returns the highest accepted seq of the most recent session.
func (c *Client) LastSeq() int64 {
	c.mu.Lock()
	s := c.latest
	c.mu.Unlock()
	if s == nil {
		return 0
	}
	return s.lastSeq.Load()
}

// Err returns the fatal error that closed the client, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed once the client reaches Closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Stats returns a snapshot of the counters.
func (c *Client) Stats() Stats {
	return Stats{
		Dispatched: c.dispatched.Load(),
		Duplicates: c.duplicates.Load(),
		Malformed:  c.malformed.Load(),
		Gaps:       c.gaps.Load(),
		Heartbeats: c.heartbeats.Load(),
		Reconnects: c.reconnects.Load(),
	}
}

// --- session loop ---

func (c *Client) run(s *session, endpoint string) {
	defer close(s.done)

	if !c.transition(s, StateConnecting) {
		return
	}

	attempt := 0
	for {
		req := OpenRequest{Endpoint: endpoint, ResumeFrom: s.lastSeq.Load(), Header: c.opts.Header}
		conn, err := c.opts.Transport.Open(s.ctx, req)
		if err != nil {
			if s.ctx.Err() != nil {
				c.finish(s, nil)
				return
			}
			if errors.Is(err, ErrUnauthorized) {
				c.finish(s, err)
				return
			}
			c.logger.Warn("stream connect failed", "endpoint", endpoint, "attempt", attempt, "error", err)
			if !c.retry(s, err, metrics.ReconnectError, c.opts.Backoff.Delay(attempt)) {
				return
			}
			attempt++
			continue
		}

		c.transition(s, StateOpen)
		c.notifyConnection(s, schema.ConnectionConnected, nil)
		c.logger.Debug("stream open", "endpoint", endpoint, "resume_from", req.ResumeFrom)

		stale, received, err := c.consume(s, conn)
		conn.Close()

		if s.ctx.Err() != nil {
			c.finish(s, nil)
			return
		}
		if errors.Is(err, ErrUnauthorized) {
			c.finish(s, err)
			return
		}
		if received {
			attempt = 0
		}
		if stale {
			c.logger.Warn("stream stale, reconnecting", "endpoint", endpoint, "timeout", c.opts.HeartbeatTimeout, "last_seq", s.lastSeq.Load())
			c.transition(s, StateStale)
			if !c.retry(s, errStale, metrics.ReconnectStale, 0) {
				return
			}
			continue
		}
		if err == nil {
			err = errStreamEnded
		}
		c.logger.Warn("stream interrupted", "endpoint", endpoint, "error", err)
		if !c.retry(s, err, metrics.ReconnectError, c.opts.Backoff.Delay(attempt)) {
			return
		}
		attempt++
	}
}

var (
	errStale       = errors.New("streaming: no frames within heartbeat timeout")
	errStreamEnded = errors.New("streaming: stream ended")
)

// retry moves to Reconnecting and waits. It returns false when the session
// ended during the wait.
func (c *Client) retry(s *session, cause error, reason string, delay time.Duration) bool {
	c.reconnects.Add(1)
	c.opts.Metrics.RecordReconnect(reason)
	if c.transition(s, StateReconnecting) {
		c.notifyConnection(s, schema.ConnectionReconnecting, cause)
	}
	if err := waitForBackoff(s.ctx, delay); err != nil {
		c.finish(s, nil)
		return false
	}
	return true
}

// consume reads frames until the watchdog fires, the connection ends or the
// session is cancelled.
func (c *Client) consume(s *session, conn Conn) (stale, received bool, err error) {
	watchdog := time.NewTimer(c.opts.HeartbeatTimeout)
	defer watchdog.Stop()

	frames := conn.Frames()
	for {
		select {
		case <-s.ctx.Done():
			return false, received, nil
		case <-watchdog.C:
			return true, received, nil
		case f, ok := <-frames:
			if !ok {
				return false, received, conn.Err()
			}
			received = true
			watchdog.Reset(c.opts.HeartbeatTimeout)
			c.handleFrame(s, f)
		}
	}
}

// handleFrame applies dedup, decode and gap detection, then dispatches.
// lastSeq only advances after a successful decode.
func (c *Client) handleFrame(s *session, f Frame) {
	if f.Type == FrameHeartbeat {
		c.heartbeats.Add(1)
		return
	}

	last := s.lastSeq.Load()
	if f.Seq > 0 && f.Seq <= last {
		c.duplicates.Add(1)
		c.opts.Metrics.RecordDropped(metrics.DropDuplicate)
		c.logger.Debug("dropping duplicate event", "type", f.Type, "seq", f.Seq, "last_seq", last)
		return
	}

	ev, err := Decode(f.Type, f.Seq, f.Data)
	if err != nil {
		c.malformed.Add(1)
		c.opts.Metrics.RecordDropped(metrics.DropMalformed)
		c.logger.Warn("dropping malformed event", "type", f.Type, "seq", f.Seq, "error", err)
		return
	}

	if f.Seq > 0 {
		if s.ordered && f.Seq > last+1 && f.Type != schema.EventFullSync {
			c.gaps.Add(1)
			c.opts.Metrics.RecordGap()
			c.logger.Warn("event sequence gap", "expected", last+1, "got", f.Seq, "type", f.Type)
			if c.opts.OnGap != nil {
				c.deliver(s, func() { c.opts.OnGap(last+1, f.Seq) })
			}
		}
		s.lastSeq.Store(f.Seq)
		s.ordered = true
	}

	c.dispatched.Add(1)
	c.opts.Metrics.RecordDispatched(f.Type)
	c.deliver(s, func() { ev.Accept(c.opts.Handler) })
}

// transition applies a state change for the current session only.
func (c *Client) transition(s *session, to State) bool {
	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return false
	}
	from := c.state
	if from == to {
		c.mu.Unlock()
		return false
	}
	if !isValidTransition(from, to) {
		c.mu.Unlock()
		c.logger.Debug("ignoring invalid state transition", "from", from, "to", to)
		return false
	}
	c.state = to
	c.mu.Unlock()

	if c.opts.OnStateChange != nil {
		c.deliver(s, func() { c.opts.OnStateChange(from, to) })
	}
	return true
}

// finish ends the session from inside its loop. A non-nil err is fatal.
func (c *Client) finish(s *session, err error) {
	if err != nil {
		c.logger.Error("stream closed", "error", err)
		c.mu.Lock()
		if c.session == s {
			c.err = err
		}
		c.mu.Unlock()
	}
	if !c.transition(s, StateClosed) {
		return
	}
	c.notifyConnection(s, schema.ConnectionDisconnected, err)
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) notifyConnection(s *session, status schema.ConnectionStatus, err error) {
	if c.opts.OnConnection == nil {
		return
	}
	c.deliver(s, func() { c.opts.OnConnection(status, err) })
}

// deliver runs fn unless the session has been stopped.
func (c *Client) deliver(s *session, fn func()) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.inCallback.Store(true)
	defer s.inCallback.Store(false)
	if s.closed.Load() {
		return
	}
	fn()
}

// stop cancels the session and waits for its loop unless a callback is
// executing at that moment.
func (s *session) stop() {
	s.closed.Store(true)
	s.cancel()
	if s.inCallback.Load() {
		return
	}
	<-s.done
}

func (s State) String() string { return string(s) }

// Describe renders the stats for logs.
func (st Stats) Describe() string {
	return fmt.Sprintf("dispatched=%d duplicates=%d malformed=%d gaps=%d heartbeats=%d reconnects=%d",
		st.Dispatched, st.Duplicates, st.Malformed, st.Gaps, st.Heartbeats, st.Reconnects)
}
