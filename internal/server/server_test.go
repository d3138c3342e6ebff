// internal/server/server_test.go
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/hexedge/deskpilot/internal/config"
	"github.com/hexedge/deskpilot/internal/desktop"
	"github.com/hexedge/deskpilot/internal/llmclient"
	"github.com/hexedge/deskpilot/internal/session"
	"github.com/hexedge/deskpilot/internal/transcript"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubBackend accepts every action.
type stubBackend struct{}

func (stubBackend) CaptureScreen(context.Context) (*desktop.Screenshot, error) {
	return &desktop.Screenshot{Data: []byte("png"), MIME: "image/png"}, nil
}
func (stubBackend) MoveMouse(context.Context, int, int) error   { return nil }
func (stubBackend) Click(context.Context, desktop.Button) error { return nil }
func (stubBackend) Close(context.Context) error                 { return nil }

// stubClient always answers with a final answer.
type stubClient struct{}

func (stubClient) Generate(context.Context, llmclient.GenerationRequest) (string, error) {
	return "Done", nil
}

func newTestServer(t *testing.T) (*httptest.Server, *session.Manager) {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Agent.UseDescriber = false
	cfg.Agent.PrimaryVision = true

	manager := session.NewManagerWithFactories(cfg, zap.NewNop(),
		func(context.Context, config.DesktopConfig, *zap.Logger) (desktop.Backend, error) {
			return stubBackend{}, nil
		},
		func(config.ModelConfig, *zap.Logger) (llmclient.Client, error) {
			return stubClient{}, nil
		},
	)

	srv := New(cfg.Server, manager, zap.NewNop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		// Drop keep-alive connections so their read loops exit before the
		// leak check runs.
		http.DefaultClient.CloseIdleConnections()
		ts.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Shutdown(shutdownCtx)
	})
	return ts, manager
}

func startSession(t *testing.T, ts *httptest.Server, goal string) session.Info {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"goal": goal})
	resp, err := http.Post(ts.URL+"/api/v1/sessions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var info session.Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	require.NotEmpty(t, info.ID)
	return info
}

func TestStartSession(t *testing.T) {
	ts, _ := newTestServer(t)
	info := startSession(t, ts, "click the Submit button")
	assert.Equal(t, "click the Submit button", info.Goal)
}

func TestStartSession_RejectsBadOverride(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Post(ts.URL+"/api/v1/sessions", "application/json",
		strings.NewReader(`{"goal": "loop", "max_turns": 0}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartSession_MissingGoal(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Post(ts.URL+"/api/v1/sessions", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetSession(t *testing.T) {
	ts, _ := newTestServer(t)
	info := startSession(t, ts, "goal")

	resp, err := http.Get(ts.URL + "/api/v1/sessions/" + info.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got session.Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, info.ID, got.ID)
}

func TestGetSession_NotFound(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/v1/sessions/no-such-id")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTranscriptEndpoint(t *testing.T) {
	ts, manager := newTestServer(t)
	info := startSession(t, ts, "goal")

	// Wait for the session to finish so the transcript is stable.
	require.Eventually(t, func() bool {
		got, ok := manager.Get(info.ID)
		return ok && got.Status != session.StatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get(ts.URL + "/api/v1/sessions/" + info.ID + "/transcript")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Turns []transcript.Turn `json:"turns"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.NotEmpty(t, payload.Turns)
	assert.Equal(t, transcript.KindGoal, payload.Turns[0].Kind)
	assert.Equal(t, transcript.KindFinalAnswer, payload.Turns[len(payload.Turns)-1].Kind)
}

func TestCancelSession(t *testing.T) {
	ts, _ := newTestServer(t)
	info := startSession(t, ts, "goal")

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/sessions/"+info.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestCancelSession_NotFound(t *testing.T) {
	ts, _ := newTestServer(t)
	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/sessions/no-such-id", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebsocketFeed(t *testing.T) {
	ts, _ := newTestServer(t)
	info := startSession(t, ts, "stream me")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/sessions/" + info.ID
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	// The feed replays history and then streams; we must eventually see the
	// goal and the final answer.
	sawGoal, sawFinal := false, false
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !(sawGoal && sawFinal) {
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var turn transcript.Turn
		require.NoError(t, json.Unmarshal(payload, &turn))
		switch turn.Kind {
		case transcript.KindGoal:
			sawGoal = true
		case transcript.KindFinalAnswer:
			sawFinal = true
		}
	}
	assert.True(t, sawGoal, "feed should deliver the goal turn")
	assert.True(t, sawFinal, "feed should deliver the final answer turn")
}

func TestWebsocketFeed_UnknownSession(t *testing.T) {
	ts, _ := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/sessions/no-such-id"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	if resp != nil {
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	}
}
