package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V-prajit/Terminator/config"
	"github.com/V-prajit/Terminator/protocol"
)

func testWSConfig() *config.WebSocketConfig {
	return &config.WebSocketConfig{
		MaxConnections:   10,
		MessageSizeLimit: 64 * 1024,
		HandshakeTimeout: 5,
		PingInterval:     25,
		ActivityTimeout:  60,
		WriteTimeout:     5,
		SendBuffer:       64,
		MaxRetries:       1,
	}
}

func startServer(t *testing.T, env *testEnv, auth *config.AuthConfig, wsCfg *config.WebSocketConfig) *httptest.Server {
	t.Helper()
	var validator *JWTValidator
	if auth.Enabled {
		validator = NewJWTValidator(auth, nil, testLogger())
	}
	h := NewHandler(env.registry, env.dispatcher, env.manager, validator, auth, wsCfg, testLogger())
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		resp.Body.Close()
		conn.Close()
	})
	return conn
}

// readUntil reads messages until one of msgType arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg protocol.Message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == msgType {
			return msg
		}
	}
}

func TestHandler_EndToEnd(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := startServer(t, env, &config.AuthConfig{}, testWSConfig())

	alice := dial(t, srv, "")
	welcome := readUntil(t, alice, protocol.TypeWelcome)
	data := welcome.Data.(map[string]any)
	assert.NotEmpty(t, data["connectionId"])
	assert.Contains(t, data, "stats")

	bob := dial(t, srv, "")
	readUntil(t, bob, protocol.TypeWelcome)

	require.NoError(t, alice.WriteJSON(map[string]any{
		"type":    protocol.TypeJoinAsPlayer,
		"payload": map[string]any{"participantId": "alice", "sessionId": "e2e"},
	}))
	readUntil(t, alice, protocol.TypeParticipantJoined)

	require.NoError(t, bob.WriteJSON(map[string]any{
		"type":    protocol.TypeJoinAsPlayer,
		"payload": map[string]any{"participantId": "bob", "sessionId": "E2E"},
	}))
	readUntil(t, alice, protocol.TypeGameStarted)
	readUntil(t, bob, protocol.TypeGameStarted)

	require.NoError(t, alice.WriteJSON(map[string]any{
		"type":    protocol.TypePlayerMove,
		"payload": map[string]any{"direction": "right", "lane": 2},
	}))
	move := readUntil(t, bob, protocol.TypePlayerMove)
	moveData := move.Data.(map[string]any)
	assert.Equal(t, "alice", moveData["participantId"])
	assert.EqualValues(t, 2, moveData["lane"])

	require.NoError(t, bob.WriteMessage(websocket.TextMessage, []byte("garbage")))
	errMsg := readUntil(t, bob, protocol.TypeError)
	assert.Equal(t, string(protocol.MalformedEnvelope), errMsg.Data.(map[string]any)["errorType"])

	require.NoError(t, alice.Close())
	disc := readUntil(t, bob, protocol.TypeParticipantDisconnected)
	assert.Equal(t, "alice", disc.Data.(map[string]any)["participantId"])
	require.Eventually(t, func() bool { return env.registry.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_ConnectionLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	wsCfg := testWSConfig()
	wsCfg.MaxConnections = 1
	srv := startServer(t, env, &config.AuthConfig{}, wsCfg)

	first := dial(t, srv, "")
	readUntil(t, first, protocol.TypeWelcome)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandler_Authentication(t *testing.T) {
	env := newTestEnv(t, nil)
	auth := &config.AuthConfig{Enabled: true, JWTSecret: "secret", TokenQueryParam: "token"}
	srv := startServer(t, env, auth, testWSConfig())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"?token=nope", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token := signToken(t, "secret", CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}, jwt.SigningMethodHS256)
	conn := dial(t, srv, "?token="+token)
	readUntil(t, conn, protocol.TypeWelcome)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    protocol.TypeJoinAsPlayer,
		"payload": map[string]any{"sessionId": "SECURE"},
	}))
	joined := readUntil(t, conn, protocol.TypeParticipantJoined)
	assert.Equal(t, "alice", joined.Data.(map[string]any)["participantId"])
}
