package decision

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V-prajit/Terminator/broker"
	"github.com/V-prajit/Terminator/pattern"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memBroker is an in-process broker that fans every publish out to all
// subscribers of the channel.
type memBroker struct {
	mu   sync.Mutex
	subs map[string][]chan broker.Message
}

func newMemBroker() *memBroker {
	return &memBroker{subs: make(map[string][]chan broker.Message)}
}

func (b *memBroker) Publish(ctx context.Context, channel string, msg broker.Message) error {
	b.mu.Lock()
	subs := append([]chan broker.Message(nil), b.subs[channel]...)
	b.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *memBroker) Subscribe(ctx context.Context, channel string) (<-chan broker.Message, error) {
	ch := make(chan broker.Message, 16)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()
	out := make(chan broker.Message, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-ch:
				out <- m
			}
		}
	}()
	return out, nil
}

func (b *memBroker) Type() string { return "memory" }
func (b *memBroker) Close() error { return nil }

func sampleRequest() Request {
	return Request{
		SessionID: "ABC123",
		Participants: []Participant{
			{ID: "p1", CurrentPosition: 3, RecentPositions: []int{1, 2, 3}},
			{ID: "p2", CurrentPosition: 1, RecentPositions: []int{3, 2, 1}},
		},
		CrossPatternMetrics: map[string]pattern.Metric{
			pattern.InverseMovement: {Correlation: 1, Confidence: 1},
			pattern.MirrorMovement:  {Correlation: 0, Confidence: 1},
		},
		ElapsedTime: 12.5,
		Tick:        4,
	}
}

func TestResponse_Validate(t *testing.T) {
	assert.ErrorIs(t, Response{}.Validate(), ErrEmptyDecision)
	assert.Error(t, Response{Decision: "x", Params: json.RawMessage(`{bad`)}.Validate())
	assert.NoError(t, Response{Decision: "x", Params: json.RawMessage(`{"lane":1}`)}.Validate())
	assert.NoError(t, Response{Decision: "x"}.Validate())
}

func TestHeuristicEngine(t *testing.T) {
	e := NewHeuristicEngine()

	testCases := []struct {
		name         string
		metrics      map[string]pattern.Metric
		wantDecision string
		wantParams   string
	}{
		{
			name:         "Inverse movement blocks both predicted lanes",
			metrics:      map[string]pattern.Metric{pattern.InverseMovement: {Correlation: 1, Confidence: 1}},
			wantDecision: "block_lanes",
			wantParams:   `{"lanes":[4,0]}`,
		},
		{
			name:         "Mirror movement blocks one lane",
			metrics:      map[string]pattern.Metric{pattern.MirrorMovement: {Correlation: 1, Confidence: 1}},
			wantDecision: "block_lane",
			wantParams:   `{"lanes":[4]}`,
		},
		{
			name:         "Low confidence falls back to the busiest lane",
			metrics:      map[string]pattern.Metric{pattern.InverseMovement: {Correlation: 1, Confidence: 0.25}},
			wantDecision: "spawn_obstacle",
			wantParams:   `{"lane":1}`,
		},
		{
			name:         "No metrics",
			metrics:      map[string]pattern.Metric{},
			wantDecision: "spawn_obstacle",
			wantParams:   `{"lane":1}`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := sampleRequest()
			req.CrossPatternMetrics = tc.metrics
			resp, err := e.Decide(context.Background(), req)
			require.NoError(t, err)
			require.NoError(t, resp.Validate())
			assert.Equal(t, tc.wantDecision, resp.Decision)
			assert.JSONEq(t, tc.wantParams, string(resp.Params))
			assert.NotEmpty(t, resp.Explain)
		})
	}

	_, err := e.Decide(context.Background(), Request{SessionID: "EMPTY1"})
	assert.Error(t, err)
}

const testScript = `
function decide(req)
  local p = req.participants[1]
  return {
    decision = "spawn_obstacle",
    params = { lane = p.currentPosition, tick = req.tick },
    explain = "chasing " .. p.id,
    debate = { { speaker = "lua", text = "sessions " .. req.sessionId } },
  }
end
`

func TestLuaEngine(t *testing.T) {
	e, err := NewLuaEngineFromSource("test.lua", testScript)
	require.NoError(t, err)
	defer e.Close()

	req := sampleRequest()
	req.RequestID = "req-1"
	resp, err := e.Decide(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, resp.Validate())

	assert.Equal(t, "spawn_obstacle", resp.Decision)
	assert.JSONEq(t, `{"lane":3,"tick":4}`, string(resp.Params))
	assert.Equal(t, "chasing p1", resp.Explain)
	require.Len(t, resp.Debate, 1)
	assert.Equal(t, "sessions ABC123", resp.Debate[0].Text)
	assert.Equal(t, "req-1", resp.RequestID)
}

func TestLuaEngine_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.lua")
	require.NoError(t, os.WriteFile(path, []byte(testScript), 0o644))
	e, err := NewLuaEngine(path)
	require.NoError(t, err)
	defer e.Close()
	assert.Equal(t, "lua", e.Name())

	_, err = NewLuaEngine(filepath.Join(t.TempDir(), "missing.lua"))
	assert.Error(t, err)
}

func TestLuaEngine_InvalidScripts(t *testing.T) {
	_, err := NewLuaEngineFromSource("syntax.lua", "function decide(")
	assert.Error(t, err)

	_, err = NewLuaEngineFromSource("nofn.lua", "x = 1")
	assert.Error(t, err)

	e, err := NewLuaEngineFromSource("scalar.lua", "function decide(req) return 42 end")
	require.NoError(t, err)
	defer e.Close()
	_, err = e.Decide(context.Background(), sampleRequest())
	assert.Error(t, err)
}

func TestLuaEngine_Cancellation(t *testing.T) {
	e, err := NewLuaEngineFromSource("loop.lua", "function decide(req) while true do end end")
	require.NoError(t, err)
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = e.Decide(ctx, sampleRequest())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBrokerEngine_RoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := newMemBroker()
	worker := &Worker{
		Broker:          b,
		Engine:          NewHeuristicEngine(),
		RequestChannel:  "requests",
		ResponseChannel: "responses",
		Timeout:         time.Second,
		Logger:          testLogger(),
	}
	go worker.Run(ctx)

	engine := NewBrokerEngine(b, "relay-a", "requests", "responses", testLogger())
	_, err := engine.Decide(ctx, sampleRequest())
	assert.ErrorIs(t, err, ErrEngineNotStarted)
	require.NoError(t, engine.Start(ctx))

	// Another relay instance must not steal the response.
	other := NewBrokerEngine(b, "relay-b", "requests", "responses", testLogger())
	require.NoError(t, other.Start(ctx))

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.subs["requests"]) == 1
	}, time.Second, 10*time.Millisecond)

	decideCtx, decideCancel := context.WithTimeout(ctx, 2*time.Second)
	defer decideCancel()
	resp, err := engine.Decide(decideCtx, sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "block_lanes", resp.Decision)
	assert.Equal(t, "ABC123", resp.SessionID)
	assert.NotEmpty(t, resp.RequestID)
}

func TestBrokerEngine_Timeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := NewBrokerEngine(newMemBroker(), "relay-a", "requests", "responses", testLogger())
	require.NoError(t, engine.Start(ctx))

	decideCtx, decideCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer decideCancel()
	_, err := engine.Decide(decideCtx, sampleRequest())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	engine.mu.Lock()
	assert.Empty(t, engine.pending)
	engine.mu.Unlock()
}

func TestLuaEngine_BundledScript(t *testing.T) {
	e, err := NewLuaEngine(filepath.Join("..", "scripts", "decide.lua"))
	require.NoError(t, err)
	defer e.Close()

	resp, err := e.Decide(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "block_lanes", resp.Decision)
	assert.JSONEq(t, `{"lanes":[3,1]}`, string(resp.Params))
	require.Len(t, resp.Debate, 1)
	assert.Equal(t, "strategist", resp.Debate[0].Speaker)

	req := sampleRequest()
	req.CrossPatternMetrics = nil
	resp, err = e.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "spawn_obstacle", resp.Decision)
	assert.JSONEq(t, `{"lane":3}`, string(resp.Params))
	assert.Equal(t, "targeting p1", resp.Explain)
}
