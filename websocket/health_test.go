package websocket

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type terminations struct {
	mu    sync.Mutex
	codes map[string]int
}

func (tr *terminations) record(c *Connection, code int, _ string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.codes[c.ID] = code
}

func (tr *terminations) get(id string) (int, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	code, ok := tr.codes[id]
	return code, ok
}

func newMonitor(r *Registry, tr *terminations) *Monitor {
	return &Monitor{
		Registry:  r,
		Terminate: tr.record,
		Interval:  10 * time.Millisecond,
		Timeout:   time.Minute,
		Logger:    testLogger(),
	}
}

func TestMonitor_Sweep(t *testing.T) {
	r := NewRegistry("relay-1", nil, 8, testLogger())
	tr := &terminations{codes: map[string]int{}}
	m := newMonitor(r, tr)

	idleT, brokenT, liveT, deadPingT := &fakeTransport{}, &fakeTransport{}, &fakeTransport{}, &fakeTransport{failPings: true}
	idle := r.Register(idleT, nil)
	broken := r.Register(brokenT, nil)
	live := r.Register(liveT, nil)
	deadPing := r.Register(deadPingT, nil)

	now := time.Now()
	idle.touch(now.Add(-2 * time.Minute))
	broken.markUnhealthy()

	assert.Equal(t, 2, m.Sweep(now))

	code, ok := tr.get(idle.ID)
	require.True(t, ok)
	assert.Equal(t, websocket.ClosePolicyViolation, code)
	code, ok = tr.get(broken.ID)
	require.True(t, ok)
	assert.Equal(t, websocket.CloseInternalServerErr, code)

	_, ok = tr.get(live.ID)
	assert.False(t, ok)
	assert.Equal(t, 1, liveT.pings)
	assert.True(t, live.Healthy())

	_, ok = tr.get(deadPing.ID)
	assert.False(t, ok, "a failed ping is terminated on the next pass")
	assert.False(t, deadPing.Healthy())
}

func TestMonitor_TouchKeepsConnectionAlive(t *testing.T) {
	r := NewRegistry("relay-1", nil, 8, testLogger())
	tr := &terminations{codes: map[string]int{}}
	m := newMonitor(r, tr)
	m.Timeout = 50 * time.Millisecond

	c := r.Register(&fakeTransport{}, nil)
	later := time.Now().Add(40 * time.Millisecond)
	assert.Zero(t, m.Sweep(later))

	c.touch(later)
	assert.Zero(t, m.Sweep(later.Add(30*time.Millisecond)), "activity resets the timeout")
	assert.Equal(t, 1, m.Sweep(later.Add(time.Second)))
}

func TestMonitor_RunTerminatesThroughDispatcher(t *testing.T) {
	env := newTestEnv(t, nil)
	c, ft := env.connect(t)
	c.markUnhealthy()

	m := &Monitor{
		Registry:  env.registry,
		Terminate: env.dispatcher.Disconnect,
		Interval:  5 * time.Millisecond,
		Timeout:   time.Minute,
		Logger:    testLogger(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool { return env.registry.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, ft.Closed())
}

func TestMonitor_SweepTerminatesConcurrently(t *testing.T) {
	r := NewRegistry("relay-1", nil, 8, testLogger())
	var barrier sync.WaitGroup
	barrier.Add(2)
	m := &Monitor{
		Registry: r,
		// Each termination waits for the other, so a sequential sweep never returns.
		Terminate: func(*Connection, int, string) {
			barrier.Done()
			barrier.Wait()
		},
		Interval: time.Second,
		Timeout:  time.Minute,
		Logger:   testLogger(),
	}

	now := time.Now()
	r.Register(&fakeTransport{}, nil).touch(now.Add(-2 * time.Minute))
	r.Register(&fakeTransport{}, nil).markUnhealthy()

	var terminated int
	within(t, 2*time.Second, func() { terminated = m.Sweep(now) })
	assert.Equal(t, 2, terminated)
}
