package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/V-prajit/Terminator/decision"
	"github.com/V-prajit/Terminator/presence"
	"github.com/V-prajit/Terminator/protocol"
	"github.com/V-prajit/Terminator/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTransport struct {
	mu         sync.Mutex
	messages   []protocol.Message
	failWrites bool
	failPings  bool
	pings      int
	closed     bool
	closeCode  int
}

func (f *fakeTransport) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errors.New("broken pipe")
	}
	f.messages = append(f.messages, v.(protocol.Message))
	return nil
}

func (f *fakeTransport) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPings {
		return errors.New("broken pipe")
	}
	f.pings++
	return nil
}

func (f *fakeTransport) Close(code int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	return nil
}

func (f *fakeTransport) setFailWrites(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrites = v
}

func (f *fakeTransport) Messages() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Message(nil), f.messages...)
}

func (f *fakeTransport) OfType(msgType string) []protocol.Message {
	var out []protocol.Message
	for _, m := range f.Messages() {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// waitFor blocks until the transport has received n messages of msgType and
// returns them.
func waitFor(t *testing.T, f *fakeTransport, msgType string, n int) []protocol.Message {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.OfType(msgType)) >= n
	}, 2*time.Second, 5*time.Millisecond, "waiting for %d %s message(s)", n, msgType)
	return f.OfType(msgType)
}

// settle waits for queued writes to drain so absence can be asserted.
func settle() {
	time.Sleep(50 * time.Millisecond)
}

func dataMap(t *testing.T, msg protocol.Message) map[string]any {
	t.Helper()
	b, err := json.Marshal(msg.Data)
	require.NoError(t, err)
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(b, &out))
	return out
}

type testEnv struct {
	manager    *session.Manager
	registry   *Registry
	dispatcher *Dispatcher
	presence   *presence.MemoryStore
}

func newTestEnv(t *testing.T, engine decision.Engine, mutate ...func(*session.Config)) *testEnv {
	t.Helper()
	store := presence.NewMemoryStore(time.Minute)
	env := newTestEnvWithStore(t, engine, store, mutate...)
	env.presence = store
	return env
}

func newTestEnvWithStore(t *testing.T, engine decision.Engine, store presence.Store, mutate ...func(*session.Config)) *testEnv {
	t.Helper()
	cfg := session.DefaultConfig()
	cfg.DecisionInterval = 0
	for _, fn := range mutate {
		fn(&cfg)
	}
	manager := session.NewManager(cfg, testLogger())
	registry := NewRegistry("relay-test", store, 64, testLogger())
	dispatcher := NewDispatcher(manager, registry, engine, time.Second, testLogger())
	t.Cleanup(func() { dispatcher.Shutdown("test done") })
	return &testEnv{manager: manager, registry: registry, dispatcher: dispatcher}
}

func (e *testEnv) connect(t *testing.T) (*Connection, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	return e.registry.Register(ft, nil), ft
}

func (e *testEnv) send(t *testing.T, c *Connection, msgType string, payload any) {
	t.Helper()
	e.dispatcher.Handle(context.Background(), c, frame(t, msgType, payload))
}

func frame(t *testing.T, msgType string, payload any) []byte {
	t.Helper()
	env := map[string]any{"type": msgType}
	if payload != nil {
		env["payload"] = payload
	}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return raw
}

// within fails the test unless fn returns before d elapses.
func within(t *testing.T, d time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("still blocked after %s", d)
	}
}

// blockingCloseTransport is a peer whose close handshake hangs until
// unblock is called.
type blockingCloseTransport struct {
	fakeTransport
	closing chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingCloseTransport() *blockingCloseTransport {
	return &blockingCloseTransport{closing: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingCloseTransport) Close(code int, reason string) error {
	close(b.closing)
	<-b.release
	return b.fakeTransport.Close(code, reason)
}

func (b *blockingCloseTransport) unblock() {
	b.once.Do(func() { close(b.release) })
}

// gatedStore holds presence writes for one session until unblock is called.
type gatedStore struct {
	*presence.MemoryStore
	sessionID string
	entered   chan struct{}
	release   chan struct{}
	enterOnce sync.Once
	once      sync.Once
}

func newGatedStore(sessionID string) *gatedStore {
	return &gatedStore{
		MemoryStore: presence.NewMemoryStore(time.Minute),
		sessionID:   sessionID,
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (s *gatedStore) Put(ctx context.Context, record *presence.Record) error {
	if record.SessionID == s.sessionID {
		s.enterOnce.Do(func() { close(s.entered) })
		select {
		case <-s.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.MemoryStore.Put(ctx, record)
}

func (s *gatedStore) unblock() {
	s.once.Do(func() { close(s.release) })
}

// testContext stands in for testing.T.Context (Go 1.24+): a context that is
// canceled when the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
