// internal/agent/session_test.go
package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hexedge/deskpilot/internal/config"
	"github.com/hexedge/deskpilot/internal/describer"
	"github.com/hexedge/deskpilot/internal/desktop"
	"github.com/hexedge/deskpilot/internal/transcript"
)

func defaultAgentConfig() config.AgentConfig {
	return config.AgentConfig{
		MaxTurns: 10,
		AllowedActions: []config.ActionName{
			config.ActionNameScreenshot,
			config.ActionNameMouseMove,
			config.ActionNameLeftClick,
		},
		MaxAttempts:   3,
		UseDescriber:  false,
		PrimaryVision: true,
	}
}

func newTestSession(client *scriptedClient, backend desktop.Backend, desc describer.Describer, cfg config.AgentConfig) (*Session, *transcript.Transcript) {
	logger := zap.NewNop()
	desktopCfg := config.DesktopConfig{ViewportWidth: 1280, ViewportHeight: 800}
	tr := transcript.New(logger)
	executor := NewExecutor(backend, cfg, desktopCfg, logger)
	return NewSession(cfg, desktopCfg, client, desc, executor, tr, logger), tr
}

func kinds(turns []transcript.Turn) []transcript.Kind {
	out := make([]transcript.Kind, len(turns))
	for i, turn := range turns {
		out[i] = turn.Kind
	}
	return out
}

func TestRun_ClickTheSubmitButtonScenario(t *testing.T) {
	// Screenshot, mouse_move, left_click, then the final answer.
	client := &scriptedClient{replies: []string{
		`{"action": "screenshot", "thought": "I need to see the screen."}`,
		`{"action": "mouse_move", "coordinate": [640, 480], "thought": "Submit is at (640, 480)."}`,
		`{"action": "left_click", "thought": "Clicking Submit."}`,
		`Done`,
	}}

	backend := new(mockBackend)
	backend.On("CaptureScreen", mock.Anything).Return(&desktop.Screenshot{Data: []byte("png"), MIME: "image/png"}, nil).Once()
	backend.On("MoveMouse", mock.Anything, 640, 480).Return(nil).Once()
	backend.On("Click", mock.Anything, desktop.ButtonLeft).Return(nil).Once()

	desc := new(mockDescriber)
	desc.On("Describe", mock.Anything, mock.Anything, "image/png").
		Return("A form with a Submit button centered at (640, 480).", nil).Once()

	cfg := defaultAgentConfig()
	cfg.UseDescriber = true
	cfg.PrimaryVision = false

	session, tr := newTestSession(client, backend, desc, cfg)
	result := session.Run(context.Background(), "click the Submit button")

	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, "Done", result.FinalAnswer)
	assert.Equal(t, 4, result.Turns)
	assert.Equal(t, 4, client.callCount())

	require.Equal(t, []transcript.Kind{
		transcript.KindGoal,
		transcript.KindModelReply,
		transcript.KindActionResult,
		transcript.KindDescriberNote,
		transcript.KindModelReply,
		transcript.KindActionResult,
		transcript.KindModelReply,
		transcript.KindActionResult,
		transcript.KindModelReply,
		transcript.KindFinalAnswer,
	}, kinds(tr.Render()))

	backend.AssertExpectations(t)
	desc.AssertExpectations(t)
}

func TestRun_DescriberReplacesRawImageInTranscript(t *testing.T) {
	client := &scriptedClient{replies: []string{
		`{"action": "screenshot"}`,
		`Done`,
	}}
	backend := new(mockBackend)
	backend.On("CaptureScreen", mock.Anything).Return(&desktop.Screenshot{Data: []byte("png"), MIME: "image/png"}, nil).Once()

	desc := new(mockDescriber)
	desc.On("Describe", mock.Anything, mock.Anything, "image/png").
		Return("An empty desktop with a taskbar.", nil).Once()

	cfg := defaultAgentConfig()
	cfg.UseDescriber = true
	cfg.PrimaryVision = false

	session, tr := newTestSession(client, backend, desc, cfg)
	result := session.Run(context.Background(), "describe the desktop")
	require.Equal(t, OutcomeCompleted, result.Outcome)

	sawDescriberText := false
	for _, turn := range tr.Render() {
		assert.Empty(t, turn.ImageB64, "raw image must not enter the transcript when the describer is on")
		if turn.Kind == transcript.KindDescriberNote {
			assert.Equal(t, "An empty desktop with a taskbar.", turn.Text)
			sawDescriberText = true
		}
	}
	assert.True(t, sawDescriberText)
}

func TestRun_ActionPrecedenceOverFinalAnswerMarker(t *testing.T) {
	client := &scriptedClient{replies: []string{
		"The task is complete. Final answer: clicked.\n```json\n{\"action\": \"mouse_move\", \"coordinate\": [100, 100]}\n```",
		`Done`,
	}}
	backend := new(mockBackend)
	backend.On("MoveMouse", mock.Anything, 100, 100).Return(nil).Once()

	session, _ := newTestSession(client, backend, nil, defaultAgentConfig())
	result := session.Run(context.Background(), "move the mouse")

	// The first turn was non-terminal despite the final-answer prose.
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, 2, result.Turns)
	backend.AssertNumberOfCalls(t, "MoveMouse", 1)
}

func TestRun_DisallowedActionTerminatesWithoutDispatch(t *testing.T) {
	client := &scriptedClient{replies: []string{
		`{"action": "left_click"}`,
	}}
	backend := new(mockBackend)

	cfg := defaultAgentConfig()
	cfg.AllowedActions = []config.ActionName{config.ActionNameScreenshot, config.ActionNameMouseMove}

	session, _ := newTestSession(client, backend, nil, cfg)
	result := session.Run(context.Background(), "click something")

	assert.Equal(t, OutcomePolicyViolation, result.Outcome)
	assert.Contains(t, result.Reason, "left_click")
	backend.AssertNotCalled(t, "Click")
	backend.AssertNotCalled(t, "MoveMouse")
	backend.AssertNotCalled(t, "CaptureScreen")
}

func TestRun_UnknownActionTerminatesWithoutDispatch(t *testing.T) {
	client := &scriptedClient{replies: []string{
		`{"action": "double_click"}`,
	}}
	backend := new(mockBackend)

	session, _ := newTestSession(client, backend, nil, defaultAgentConfig())
	result := session.Run(context.Background(), "double click")

	assert.Equal(t, OutcomePolicyViolation, result.Outcome)
	backend.AssertNotCalled(t, "Click")
}

func TestRun_BudgetExceededAfterExactlyOneDispatch(t *testing.T) {
	client := &scriptedClient{replies: []string{
		`{"action": "mouse_move", "coordinate": [1, 1]}`,
	}}
	backend := new(mockBackend)
	backend.On("MoveMouse", mock.Anything, 1, 1).Return(nil).Once()

	cfg := defaultAgentConfig()
	cfg.MaxTurns = 1

	session, _ := newTestSession(client, backend, nil, cfg)
	result := session.Run(context.Background(), "keep moving")

	assert.Equal(t, OutcomeBudgetExceeded, result.Outcome)
	assert.Empty(t, result.FinalAnswer)
	assert.Contains(t, result.Reason, "task incomplete")
	backend.AssertNumberOfCalls(t, "MoveMouse", 1)
}

func TestRun_BackendRetryProducesSingleActionResult(t *testing.T) {
	client := &scriptedClient{replies: []string{
		`{"action": "mouse_move", "coordinate": [50, 60]}`,
		`Done`,
	}}
	backend := new(mockBackend)
	backend.On("MoveMouse", mock.Anything, 50, 60).Return(desktop.ErrUnavailable).Once()
	backend.On("MoveMouse", mock.Anything, 50, 60).Return(nil).Once()

	session, tr := newTestSession(client, backend, nil, defaultAgentConfig())
	result := session.Run(context.Background(), "move the mouse")

	assert.Equal(t, OutcomeCompleted, result.Outcome)

	actionResults := 0
	for _, turn := range tr.Render() {
		if turn.Kind == transcript.KindActionResult {
			actionResults++
			assert.Equal(t, "ok", turn.Status)
			assert.Equal(t, 50, turn.X)
			assert.Equal(t, 60, turn.Y)
		}
	}
	assert.Equal(t, 1, actionResults, "retry must collapse into exactly one ActionResult")
	backend.AssertNumberOfCalls(t, "MoveMouse", 2)
}

func TestRun_BackendExhaustionTerminates(t *testing.T) {
	client := &scriptedClient{replies: []string{
		`{"action": "screenshot"}`,
	}}
	backend := new(mockBackend)
	backend.On("CaptureScreen", mock.Anything).Return(nil, desktop.ErrUnavailable)

	cfg := defaultAgentConfig()
	cfg.MaxAttempts = 2

	session, _ := newTestSession(client, backend, nil, cfg)
	result := session.Run(context.Background(), "look at the screen")

	assert.Equal(t, OutcomeBackendUnavailable, result.Outcome)
	backend.AssertNumberOfCalls(t, "CaptureScreen", 2)
}

func TestRun_ModelFailureTerminates(t *testing.T) {
	client := &scriptedClient{err: errors.New("connection refused")}
	backend := new(mockBackend)

	session, _ := newTestSession(client, backend, nil, defaultAgentConfig())
	result := session.Run(context.Background(), "anything")

	assert.Equal(t, OutcomeModelUnavailable, result.Outcome)
	assert.Equal(t, 0, result.Turns)
}

func TestRun_MalformedActionTreatedAsFinalAnswer(t *testing.T) {
	raw := `{"action": "mouse_move"}`
	client := &scriptedClient{replies: []string{raw}}
	backend := new(mockBackend)

	session, tr := newTestSession(client, backend, nil, defaultAgentConfig())
	result := session.Run(context.Background(), "move somewhere")

	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, raw, result.FinalAnswer)
	backend.AssertNotCalled(t, "MoveMouse")

	turns := tr.Render()
	assert.Equal(t, transcript.KindFinalAnswer, turns[len(turns)-1].Kind)
}

func TestRun_CancelledBeforeModelCall(t *testing.T) {
	client := &scriptedClient{replies: []string{`Done`}}
	backend := new(mockBackend)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	session, _ := newTestSession(client, backend, nil, defaultAgentConfig())
	result := session.Run(ctx, "anything")

	assert.Equal(t, OutcomeCancelled, result.Outcome)
	assert.Equal(t, 0, client.callCount())
}

func TestRun_DescriberFailureDegradesWithoutVisionFallback(t *testing.T) {
	client := &scriptedClient{replies: []string{
		`{"action": "screenshot"}`,
	}}
	backend := new(mockBackend)
	backend.On("CaptureScreen", mock.Anything).Return(&desktop.Screenshot{Data: []byte("png"), MIME: "image/png"}, nil).Once()

	desc := new(mockDescriber)
	desc.On("Describe", mock.Anything, mock.Anything, mock.Anything).
		Return("", describer.ErrUnavailable)

	cfg := defaultAgentConfig()
	cfg.UseDescriber = true
	cfg.PrimaryVision = false

	session, _ := newTestSession(client, backend, desc, cfg)
	result := session.Run(context.Background(), "look around")

	assert.Equal(t, OutcomeDescriberDegraded, result.Outcome)
}

func TestRun_DescriberFailureFallsBackToRawImageWithVision(t *testing.T) {
	client := &scriptedClient{replies: []string{
		`{"action": "screenshot"}`,
		`Done`,
	}}
	backend := new(mockBackend)
	backend.On("CaptureScreen", mock.Anything).Return(&desktop.Screenshot{Data: []byte("png"), MIME: "image/png"}, nil).Once()

	desc := new(mockDescriber)
	desc.On("Describe", mock.Anything, mock.Anything, mock.Anything).
		Return("", describer.ErrUnavailable)

	cfg := defaultAgentConfig()
	cfg.UseDescriber = true
	cfg.PrimaryVision = true

	session, tr := newTestSession(client, backend, desc, cfg)
	result := session.Run(context.Background(), "look around")

	assert.Equal(t, OutcomeCompleted, result.Outcome)

	sawImage := false
	for _, turn := range tr.Render() {
		if turn.Kind == transcript.KindActionResult && turn.ImageB64 != "" {
			sawImage = true
		}
	}
	assert.True(t, sawImage, "fallback must attach the raw screenshot")
}

func TestRun_BlindPrimaryNeverReceivesRawScreenshot(t *testing.T) {
	// With neither describer nor vision there is no path for the image;
	// the session must degrade instead of attaching it.
	client := &scriptedClient{replies: []string{
		`{"action": "screenshot"}`,
	}}
	backend := new(mockBackend)
	backend.On("CaptureScreen", mock.Anything).Return(&desktop.Screenshot{Data: []byte("png"), MIME: "image/png"}, nil).Once()

	cfg := defaultAgentConfig()
	cfg.UseDescriber = false
	cfg.PrimaryVision = false

	session, tr := newTestSession(client, backend, nil, cfg)
	result := session.Run(context.Background(), "look at the screen")

	assert.Equal(t, OutcomeDescriberDegraded, result.Outcome)
	for _, turn := range tr.Render() {
		assert.Empty(t, turn.ImageB64, "raw screenshot must never enter the transcript for a text-only primary")
	}
}

func TestRun_ActionLevelFailureIsObservedNotTerminal(t *testing.T) {
	client := &scriptedClient{replies: []string{
		`{"action": "left_click"}`,
		`Done`,
	}}
	backend := new(mockBackend)
	backend.On("Click", mock.Anything, desktop.ButtonLeft).
		Return(errors.New("left click failed: target detached")).Once()

	session, tr := newTestSession(client, backend, nil, defaultAgentConfig())
	result := session.Run(context.Background(), "click it")

	assert.Equal(t, OutcomeCompleted, result.Outcome)

	sawFailure := false
	for _, turn := range tr.Render() {
		if turn.Kind == transcript.KindActionResult && turn.Status != "ok" {
			sawFailure = true
		}
	}
	assert.True(t, sawFailure, "the failed action must appear in the transcript for the model to observe")
	backend.AssertNumberOfCalls(t, "Click", 1)
}
