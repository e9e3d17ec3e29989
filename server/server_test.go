package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V-prajit/Terminator/broker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type closingBroker struct {
	closed bool
	err    error
}

func (b *closingBroker) Publish(context.Context, string, broker.Message) error { return nil }
func (b *closingBroker) Subscribe(context.Context, string) (<-chan broker.Message, error) {
	return nil, nil
}
func (b *closingBroker) Type() string { return "test" }
func (b *closingBroker) Close() error {
	b.closed = true
	return b.err
}

func newTestServer() *Server {
	ws := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) }
	stats := func() map[string]any { return map[string]any{"total_sessions": 3} }
	return NewServer(":0", ws, stats, time.Second, time.Second, testLogger())
}

func TestServer_Health(t *testing.T) {
	srv := newTestServer()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, map[string]any{"total_sessions": float64(3)}, body["stats"])

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_RoutesWebSocket(t *testing.T) {
	srv := newTestServer()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestServer_ShutdownClosesBroker(t *testing.T) {
	srv := newTestServer()
	b := &closingBroker{}
	require.NoError(t, srv.Shutdown(context.Background(), nil, b))
	assert.True(t, b.closed)

	failing := &closingBroker{err: errors.New("boom")}
	err := newTestServer().Shutdown(context.Background(), nil, failing)
	assert.ErrorIs(t, err, failing.err)

	assert.NoError(t, newTestServer().Shutdown(context.Background(), nil, nil))
}
