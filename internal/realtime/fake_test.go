package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/salonkit/concierge/internal/backoff"
	"github.com/salonkit/concierge/internal/observability"
)

// fakeConn is an in-memory Conn scripted by tests. Outbound frames are
// recorded and passed to onFrame; inbound frames are injected with push.
type fakeConn struct {
	mu      sync.Mutex
	writes  []frame
	onFrame func(f frame, c *fakeConn)

	in        chan []byte
	pong      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	// autoHandshake answers session.update with session.created.
	autoHandshake bool
	// autoPong answers every ping immediately.
	autoPong bool
}

func newFakeConn(onFrame func(frame, *fakeConn)) *fakeConn {
	return &fakeConn{
		onFrame:       onFrame,
		in:            make(chan []byte, 256),
		pong:          make(chan struct{}, 1),
		closed:        make(chan struct{}),
		autoHandshake: true,
		autoPong:      true,
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}

	c.mu.Lock()
	c.writes = append(c.writes, f)
	handler := c.onFrame
	c.mu.Unlock()

	if f.Type == frameSessionUpdate && c.autoHandshake {
		c.push(frame{Type: frameSessionCreated})
	}
	// Scripts run synchronously so tests observe frames in write order.
	if handler != nil {
		handler(f, c)
	}
	return nil
}

// push injects a server frame.
func (c *fakeConn) push(f frame) {
	data, _ := json.Marshal(f)
	select {
	case c.in <- data:
	case <-c.closed:
	}
}

func (c *fakeConn) Ping(deadline time.Time) error {
	if c.autoPong {
		select {
		case c.pong <- struct{}{}:
		default:
		}
	}
	return nil
}

func (c *fakeConn) Pong() <-chan struct{} { return c.pong }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) written() []frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]frame(nil), c.writes...)
}

func (c *fakeConn) writtenOfType(frameType string) []frame {
	var out []frame
	for _, f := range c.written() {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

// fakeDialer hands out fakeConns and can refuse the first dials.
type fakeDialer struct {
	mu        sync.Mutex
	conns     []*fakeConn
	onFrame   func(frame, *fakeConn)
	failDials int
	dials     int
	// noAutoHandshake leaves session.update unanswered so tests can
	// script the handshake themselves.
	noAutoHandshake bool
}

func (d *fakeDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dials <= d.failDials {
		return nil, errors.New("dial refused")
	}
	c := newFakeConn(d.onFrame)
	if d.noAutoHandshake {
		c.autoHandshake = false
	}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error"})
}

func testOptions() Options {
	return Options{
		URL:              "ws://inference.test/v1/realtime",
		APIKey:           "sk-test",
		Model:            "gpt-realtime",
		Instructions:     "You are a salon booking assistant.",
		Capacity:         4,
		ConnectAttempts:  2,
		ConnectBackoff:   backoff.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2},
		HandshakeTimeout: time.Second,
		// Ping loop idles unless a test shortens this.
		PingInterval:     time.Hour,
		PingBaseTimeout:  5 * time.Second,
		PingMaxTimeout:   30 * time.Second,
		PingGrowthFactor: 0.5,
		FailureThreshold: 5,
		RecoveryTimeout:  50 * time.Millisecond,
	}
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func expectClosed(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel, got event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
