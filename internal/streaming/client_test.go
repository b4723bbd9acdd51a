package streaming

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/rendis/agentgraph/internal/logging"
	"github.com/rendis/agentgraph/pkg/schema"
)

// --- fakes ---

type fakeConn struct {
	frames    chan Frame
	err       error
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan Frame, 64), closed: make(chan struct{})}
}

func (c *fakeConn) Frames() <-chan Frame { return c.frames }
func (c *fakeConn) Err() error           { return c.err }
func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// end finishes the stream with err.
func (c *fakeConn) end(err error) {
	c.err = err
	close(c.frames)
}

type openResult struct {
	conn *fakeConn
	err  error
}

type fakeTransport struct {
	results chan openResult

	mu   sync.Mutex
	reqs []OpenRequest
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{results: make(chan openResult, 16)}
}

func (t *fakeTransport) Open(ctx context.Context, req OpenRequest) (Conn, error) {
	t.mu.Lock()
	t.reqs = append(t.reqs, req)
	t.mu.Unlock()
	select {
	case r := <-t.results:
		if r.err != nil {
			return nil, r.err
		}
		return r.conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) requests() []OpenRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.reqs)
}

func msgFrame(seq int64) Frame {
	return Frame{Type: schema.EventMessage, Seq: seq, Data: []byte(fmt.Sprintf(`{"role":"assistant","content":"m%d"}`, seq))}
}

type recorder struct {
	mu   sync.Mutex
	seqs []int64
}

func (r *recorder) handler() Handler {
	return HandlerFunc(func(ev Event) {
		r.mu.Lock()
		r.seqs = append(r.seqs, ev.Seq())
		r.mu.Unlock()
	})
}

func (r *recorder) got() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.seqs)
}

func newTestClient(t *testing.T, tr Transport, mutate func(*Options)) *Client {
	t.Helper()
	opts := DefaultOptions()
	opts.Transport = tr
	opts.Logger = logging.Discard()
	opts.Backoff = Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := NewClient(opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// syncClient wires a client to a session without starting the loop, so
// frames can be fed synchronously.
func syncClient(t *testing.T, h Handler, resumeFrom int64) (*Client, *session) {
	t.Helper()
	c := newTestClient(t, newFakeTransport(), func(o *Options) { o.Handler = h })
	return c, attachSession(c, resumeFrom)
}

func attachSession(c *Client, resumeFrom int64) *session {
	s := newSession(context.Background(), resumeFrom)
	close(s.done)
	c.session, c.latest = s, s
	return s
}

// --- sequencing ---

func TestClient_DedupIdempotence(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		seqs := rapid.SliceOfN(rapid.Int64Range(0, 30), 0, 60).Draw(rt, "seqs")

		once := &recorder{}
		c1, s1 := syncClient(t, once.handler(), 0)
		for _, n := range seqs {
			c1.handleFrame(s1, msgFrame(n))
		}

		// Each sequenced frame delivered twice in a row, as a reconnect replay
		// would. Unsequenced frames are never deduplicated, so they go once.
		twice := &recorder{}
		c2, s2 := syncClient(t, twice.handler(), 0)
		for _, n := range seqs {
			c2.handleFrame(s2, msgFrame(n))
			if n > 0 {
				c2.handleFrame(s2, msgFrame(n))
			}
		}

		assert.Equal(rt, once.got(), twice.got())

		var want []int64
		var last int64
		for _, n := range seqs {
			if n > 0 && n <= last {
				continue
			}
			want = append(want, n)
			last = max(last, n)
		}
		assert.Equal(rt, want, once.got())
		assert.Equal(rt, last, c1.LastSeq())
	})
}

func TestClient_GapFreeOrdering(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 40).Draw(rt, "n")
		var gaps atomic.Int64
		rec := &recorder{}
		c := newTestClient(t, newFakeTransport(), func(o *Options) {
			o.Handler = rec.handler()
			o.OnGap = func(expected, got int64) { gaps.Add(1) }
		})
		s := attachSession(c, 0)

		for i := 1; i <= n; i++ {
			c.handleFrame(s, msgFrame(int64(i)))
		}
		got := rec.got()
		require.Len(rt, got, n)
		for i, seq := range got {
			assert.Equal(rt, int64(i+1), seq)
		}
		assert.Zero(rt, gaps.Load())
		assert.Zero(rt, c.Stats().Gaps)
	})
}

func TestClient_GapReportedAndAccepted(t *testing.T) {
	var gaps [][2]int64
	rec := &recorder{}
	c := newTestClient(t, newFakeTransport(), func(o *Options) {
		o.Handler = rec.handler()
		o.OnGap = func(expected, got int64) { gaps = append(gaps, [2]int64{expected, got}) }
	})
	s := attachSession(c, 0)

	for _, n := range []int64{1, 2, 5, 6} {
		c.handleFrame(s, msgFrame(n))
	}
	assert.Equal(t, []int64{1, 2, 5, 6}, rec.got())
	assert.Equal(t, [][2]int64{{3, 5}}, gaps)
	assert.Equal(t, int64(1), c.Stats().Gaps)
}

func TestClient_GapAfterResumeCursor(t *testing.T) {
	var gaps [][2]int64
	c := newTestClient(t, newFakeTransport(), func(o *Options) {
		o.OnGap = func(expected, got int64) { gaps = append(gaps, [2]int64{expected, got}) }
	})
	s := attachSession(c, 3)

	c.handleFrame(s, msgFrame(5))
	assert.Equal(t, [][2]int64{{4, 5}}, gaps)

	// A full_sync is a snapshot; jumping ahead is expected.
	c.handleFrame(s, Frame{Type: schema.EventFullSync, Seq: 40, Data: []byte(`{"messages":[]}`)})
	assert.Len(t, gaps, 1)
	assert.Equal(t, int64(40), c.LastSeq())
}

func TestClient_UnsequencedAndMalformed(t *testing.T) {
	rec := &recorder{}
	c, s := syncClient(t, rec.handler(), 0)

	c.handleFrame(s, msgFrame(1))
	c.handleFrame(s, Frame{Type: schema.EventStatusChange, Data: []byte(`{"status":"idle"}`)})
	c.handleFrame(s, Frame{Type: schema.EventMessage, Seq: 2, Data: []byte(`{"role":`)})
	c.handleFrame(s, Frame{Type: "unknown_kind", Seq: 2, Data: []byte(`{}`)})
	assert.Equal(t, int64(1), c.LastSeq(), "failed decodes must not advance the cursor")

	c.handleFrame(s, msgFrame(2))
	c.handleFrame(s, Frame{Type: FrameHeartbeat})

	assert.Equal(t, []int64{1, 0, 2}, rec.got())
	st := c.Stats()
	assert.Equal(t, int64(2), st.Malformed)
	assert.Equal(t, int64(1), st.Heartbeats)
	assert.Equal(t, int64(3), st.Dispatched)
}

// --- lifecycle ---

func TestClient_NewClientRequiresTransport(t *testing.T) {
	_, err := NewClient(Options{})
	require.Error(t, err)
}

func TestClient_StreamsAndReconnectsOnEnd(t *testing.T) {
	tr := newFakeTransport()
	rec := &recorder{}
	var statuses []schema.ConnectionStatus
	var mu sync.Mutex
	c := newTestClient(t, tr, func(o *Options) {
		o.Handler = rec.handler()
		o.OnConnection = func(st schema.ConnectionStatus, err error) {
			mu.Lock()
			statuses = append(statuses, st)
			mu.Unlock()
		}
	})

	first := newFakeConn()
	first.frames <- msgFrame(1)
	first.frames <- msgFrame(2)
	first.end(nil)
	second := newFakeConn()
	second.frames <- msgFrame(2)
	second.frames <- msgFrame(3)
	tr.results <- openResult{conn: first}
	tr.results <- openResult{conn: second}

	require.NoError(t, c.Open(context.Background(), "http://gw/executions/e1/events", 0))

	require.Eventually(t, func() bool { return len(rec.got()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{1, 2, 3}, rec.got())

	reqs := tr.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, int64(0), reqs[0].ResumeFrom)
	assert.Equal(t, int64(2), reqs[1].ResumeFrom)
	assert.Equal(t, StateOpen, c.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []schema.ConnectionStatus{
		schema.ConnectionConnected, schema.ConnectionReconnecting, schema.ConnectionConnected,
	}, statuses)
}

func TestClient_WatchdogReconnectsWithResume(t *testing.T) {
	tr := newFakeTransport()
	var mu sync.Mutex
	var states []State
	c := newTestClient(t, tr, func(o *Options) {
		o.HeartbeatTimeout = 40 * time.Millisecond
		o.OnStateChange = func(from, to State) {
			mu.Lock()
			states = append(states, to)
			mu.Unlock()
		}
	})

	silent := newFakeConn()
	silent.frames <- msgFrame(1)
	silent.frames <- msgFrame(2)
	tr.results <- openResult{conn: silent}
	tr.results <- openResult{conn: newFakeConn()}

	require.NoError(t, c.Open(context.Background(), "http://gw/x", 0))

	require.Eventually(t, func() bool { return len(tr.requests()) >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), tr.requests()[1].ResumeFrom)
	select {
	case <-silent.closed:
	case <-time.After(time.Second):
		t.Fatal("stale connection was not torn down")
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) >= 5
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []State{StateConnecting, StateOpen, StateStale, StateReconnecting, StateOpen}, states[:5])
	mu.Unlock()
}

func TestClient_HeartbeatsKeepConnectionAlive(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(t, tr, func(o *Options) { o.HeartbeatTimeout = 80 * time.Millisecond })

	conn := newFakeConn()
	tr.results <- openResult{conn: conn}
	require.NoError(t, c.Open(context.Background(), "http://gw/x", 0))

	for range 10 {
		time.Sleep(20 * time.Millisecond)
		conn.frames <- Frame{Type: FrameHeartbeat}
	}
	assert.Len(t, tr.requests(), 1)
	assert.Equal(t, StateOpen, c.State())
	assert.GreaterOrEqual(t, c.Stats().Heartbeats, int64(9))
}

func TestClient_UnauthorizedIsFatal(t *testing.T) {
	tr := newFakeTransport()
	var lastStatus atomic.Value
	c := newTestClient(t, tr, func(o *Options) {
		o.OnConnection = func(st schema.ConnectionStatus, err error) { lastStatus.Store(st) }
	})
	tr.results <- openResult{err: fmt.Errorf("open: %w", ErrUnauthorized)}

	require.NoError(t, c.Open(context.Background(), "http://gw/x", 0))

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not close on unauthorized")
	}
	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, c.Err(), ErrUnauthorized)
	assert.Equal(t, schema.ConnectionDisconnected, lastStatus.Load())
	assert.Len(t, tr.requests(), 1)
	assert.ErrorIs(t, c.Open(context.Background(), "http://gw/x", 0), ErrClosed)
}

func TestClient_UnauthorizedMidStream(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(t, tr, nil)
	conn := newFakeConn()
	conn.frames <- msgFrame(1)
	conn.end(fmt.Errorf("%w: close 4401", ErrUnauthorized))
	tr.results <- openResult{conn: conn}

	require.NoError(t, c.Open(context.Background(), "http://gw/x", 0))
	<-c.Done()
	assert.ErrorIs(t, c.Err(), ErrUnauthorized)
	assert.Equal(t, int64(1), c.LastSeq())
}

func TestClient_TransientErrorsRetry(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(t, tr, nil)
	tr.results <- openResult{err: errors.New("connection refused")}
	tr.results <- openResult{err: &StatusError{Code: 503}}
	tr.results <- openResult{conn: newFakeConn()}

	require.NoError(t, c.Open(context.Background(), "http://gw/x", 0))
	require.Eventually(t, func() bool { return c.State() == StateOpen }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, tr.requests(), 3)
	assert.Equal(t, int64(2), c.Stats().Reconnects)
	assert.NoError(t, c.Err())
}

func TestClient_CloseIsIdempotentAndSilencesCallbacks(t *testing.T) {
	tr := newFakeTransport()
	var calls atomic.Int64
	c := newTestClient(t, tr, func(o *Options) {
		o.Handler = HandlerFunc(func(Event) { calls.Add(1) })
	})
	conn := newFakeConn()
	conn.frames <- msgFrame(1)
	tr.results <- openResult{conn: conn}

	require.NoError(t, c.Open(context.Background(), "http://gw/x", 0))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())

	conn.frames <- msgFrame(2)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int64(1), calls.Load())
	assert.NoError(t, c.Err())
	assert.ErrorIs(t, c.Open(context.Background(), "http://gw/x", 0), ErrClosed)

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestClient_CloseFromCallback(t *testing.T) {
	tr := newFakeTransport()
	var c *Client
	var calls atomic.Int64
	c = newTestClient(t, tr, func(o *Options) {
		o.Handler = HandlerFunc(func(Event) {
			calls.Add(1)
			c.Close()
		})
	})
	conn := newFakeConn()
	conn.frames <- msgFrame(1)
	conn.frames <- msgFrame(2)
	tr.results <- openResult{conn: conn}

	require.NoError(t, c.Open(context.Background(), "http://gw/x", 0))
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("close from callback deadlocked")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), calls.Load())
}

func TestClient_OpenReplacesSession(t *testing.T) {
	tr := newFakeTransport()
	rec := &recorder{}
	c := newTestClient(t, tr, func(o *Options) { o.Handler = rec.handler() })

	old := newFakeConn()
	old.frames <- msgFrame(4)
	tr.results <- openResult{conn: old}
	require.NoError(t, c.Open(context.Background(), "http://gw/a", 3))
	require.Eventually(t, func() bool { return len(rec.got()) == 1 }, 2*time.Second, 5*time.Millisecond)

	fresh := newFakeConn()
	fresh.frames <- msgFrame(1)
	tr.results <- openResult{conn: fresh}
	require.NoError(t, c.Open(context.Background(), "http://gw/b", 0))

	<-old.closed
	require.Eventually(t, func() bool { return len(rec.got()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{4, 1}, rec.got())
	assert.Equal(t, int64(1), c.LastSeq())

	reqs := tr.requests()
	assert.Equal(t, "http://gw/b", reqs[len(reqs)-1].Endpoint)
}

func TestClient_ContextCancelCloses(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(t, tr, nil)
	tr.results <- openResult{conn: newFakeConn()}

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Open(ctx, "http://gw/x", 0))
	require.Eventually(t, func() bool { return c.State() == StateOpen }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not close after context cancel")
	}
	assert.Equal(t, StateClosed, c.State())
	assert.NoError(t, c.Err())
}

func TestTransitionTable(t *testing.T) {
	for from, tos := range ValidTransitions {
		for _, to := range tos {
			assert.True(t, isValidTransition(from, to), "%s -> %s", from, to)
		}
		if from != StateClosed {
			assert.True(t, isValidTransition(from, StateClosed), "%s must reach closed", from)
		}
	}
	assert.Empty(t, ValidTransitions[StateClosed])
	assert.False(t, isValidTransition(StateIdle, StateOpen))
	assert.False(t, isValidTransition(StateStale, StateOpen))
}
