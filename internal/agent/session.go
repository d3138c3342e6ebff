// internal/agent/session.go
package agent

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hexedge/deskpilot/internal/config"
	"github.com/hexedge/deskpilot/internal/describer"
	"github.com/hexedge/deskpilot/internal/llmclient"
	"github.com/hexedge/deskpilot/internal/transcript"
)

// Session runs one goal against one desktop. Turns execute strictly
// sequentially: at most one outstanding model call and one outstanding
// action at any time. A session is single-use; Run may be called once.
type Session struct {
	cfg        config.AgentConfig
	primary    llmclient.Client
	describer  describer.Describer
	executor   *Executor
	transcript *transcript.Transcript
	prompts    *promptBuilder
	logger     *zap.Logger
}

// NewSession assembles a session. The describer may be nil when
// use_describer is off.
func NewSession(
	cfg config.AgentConfig,
	desktopCfg config.DesktopConfig,
	primary llmclient.Client,
	desc describer.Describer,
	executor *Executor,
	tr *transcript.Transcript,
	logger *zap.Logger,
) *Session {
	return &Session{
		cfg:        cfg,
		primary:    primary,
		describer:  desc,
		executor:   executor,
		transcript: tr,
		prompts:    newPromptBuilder(cfg, desktopCfg),
		logger:     logger.Named("session"),
	}
}

// Run drives the loop until the model gives a final answer, a budget or
// policy boundary is hit, or the context is cancelled. It never returns an
// error: every failure class maps onto a terminal Result so one session's
// trouble cannot take down its neighbors.
func (s *Session) Run(ctx context.Context, goal string) Result {
	s.transcript.Append(transcript.Turn{Kind: transcript.KindGoal, Text: goal})
	systemPrompt := s.prompts.SystemPrompt(goal)

	for turn := 1; turn <= s.cfg.MaxTurns; turn++ {
		// Cancellation takes effect between turns, before the model call.
		if err := ctx.Err(); err != nil {
			return s.terminate(OutcomeCancelled, "session cancelled", turn-1)
		}

		rawReply, err := s.decide(ctx, systemPrompt)
		if err != nil {
			s.logger.Error("Primary model call failed", zap.Int("turn", turn), zap.Error(err))
			return s.terminate(OutcomeModelUnavailable,
				fmt.Sprintf("primary model unavailable: %v", err), turn-1)
		}
		s.transcript.Append(transcript.Turn{Kind: transcript.KindModelReply, Text: rawReply})

		reply := ParseReply(rawReply)
		if !reply.IsAction {
			s.transcript.Append(transcript.Turn{Kind: transcript.KindFinalAnswer, Text: reply.FinalAnswer})
			s.logger.Info("Session completed", zap.Int("turns", turn))
			return Result{Outcome: OutcomeCompleted, FinalAnswer: reply.FinalAnswer, Turns: turn}
		}

		// Policy gate. Runs before any executor involvement so a forbidden
		// action never produces a dispatch.
		if ok, reason := s.actionPermitted(reply.Action); !ok {
			s.logger.Warn("Policy violation", zap.String("action", string(reply.Action.Type)), zap.Int("turn", turn))
			return s.terminate(OutcomePolicyViolation, reason, turn)
		}

		obs, err := s.executor.Execute(ctx, reply.Action)
		switch {
		case err == nil:
			if done, result := s.record(ctx, reply.Action, obs, turn); done {
				return result
			}

		case errors.Is(err, ErrMalformedAction):
			// The reply looked like an action but its parameters do not
			// hold together. Per the loop contract this is the model's
			// final answer, not a crash.
			s.logger.Warn("Malformed action request, treating reply as final answer",
				zap.Int("turn", turn), zap.Error(err))
			s.transcript.Append(transcript.Turn{Kind: transcript.KindFinalAnswer, Text: reply.Raw})
			return Result{Outcome: OutcomeCompleted, FinalAnswer: reply.Raw, Turns: turn}

		case errors.Is(err, ErrBackendUnavailable):
			s.logger.Error("Desktop backend unavailable", zap.Int("turn", turn), zap.Error(err))
			return s.terminate(OutcomeBackendUnavailable,
				fmt.Sprintf("desktop backend unreachable after %d attempts", s.cfg.MaxAttempts), turn)

		default:
			// The action reached the desktop and failed there. The model
			// observes the failure and must re-inspect the screen before
			// trying anything position-dependent again.
			s.transcript.Append(transcript.Turn{
				Kind:   transcript.KindActionResult,
				Action: string(reply.Action.Type),
				Status: string(ClassifyError(err)),
				Text:   fmt.Sprintf("action failed: %v", err),
			})
		}
	}

	s.transcript.Append(transcript.Turn{
		Kind: transcript.KindSystemNote,
		Text: fmt.Sprintf("turn budget of %d exhausted without a final answer", s.cfg.MaxTurns),
	})
	s.logger.Info("Turn budget exhausted", zap.Int("max_turns", s.cfg.MaxTurns))
	return Result{
		Outcome: OutcomeBudgetExceeded,
		Reason:  "task incomplete: turn budget exhausted",
		Turns:   s.cfg.MaxTurns,
	}
}

// decide asks the primary model for the next step. The transcript supplies
// the full conversation so far.
func (s *Session) decide(ctx context.Context, systemPrompt string) (string, error) {
	callCtx := ctx
	if s.cfg.DecideTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.cfg.DecideTimeout)
		defer cancel()
	}

	out, err := s.primary.Generate(callCtx, llmclient.GenerationRequest{
		SystemPrompt: systemPrompt,
		Messages:     s.transcript.ModelRequest(),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	return out, nil
}

// actionPermitted checks the closed set and the session policy.
func (s *Session) actionPermitted(action Action) (bool, string) {
	name, known := action.Type.ConfigName()
	if !known {
		return false, fmt.Sprintf("model requested unknown action %q", action.Type)
	}
	if !s.cfg.ActionAllowed(name) {
		return false, fmt.Sprintf("action %q is not permitted for this session", action.Type)
	}
	return true, ""
}

// record writes the action result into the transcript, routing screenshots
// through the describer when configured. It returns a terminal Result when
// the describer path degrades with no fallback.
func (s *Session) record(ctx context.Context, action Action, obs Observation, turn int) (bool, Result) {
	result := transcript.Turn{
		Kind:   transcript.KindActionResult,
		Action: string(action.Type),
		Status: "ok",
		Text:   obs.Text,
	}
	if action.Type == ActionMouseMove {
		result.X, result.Y = action.X, action.Y
	}

	if action.Type != ActionScreenshot {
		s.transcript.Append(result)
		return false, Result{}
	}

	if s.cfg.UseDescriber && s.describer != nil {
		text, err := s.describe(ctx, obs)
		if err == nil {
			// The raw image stays out of the transcript; the description
			// replaces it entirely.
			s.transcript.Append(result)
			s.transcript.Append(transcript.Turn{Kind: transcript.KindDescriberNote, Text: text})
			return false, Result{}
		}

		s.logger.Warn("Describer failed", zap.Int("turn", turn), zap.Error(err))
		if !s.cfg.PrimaryVision {
			s.transcript.Append(result)
			return true, s.terminate(OutcomeDescriberDegraded,
				"describer unavailable; session cannot continue without vision", turn)
		}
		s.transcript.Append(transcript.Turn{
			Kind: transcript.KindSystemNote,
			Text: "describer unavailable; falling back to raw screenshot input",
		})
	}

	// Raw images may only reach a vision-capable primary. Without vision
	// and without a describer there is no way to deliver the screenshot.
	if !s.cfg.PrimaryVision {
		s.transcript.Append(result)
		return true, s.terminate(OutcomeDescriberDegraded,
			"screenshot captured but the primary model cannot consume images", turn)
	}

	result.ImageB64 = obs.ImageB64
	result.ImageMIME = obs.ImageMIME
	s.transcript.Append(result)
	return false, Result{}
}

// describe runs the describer bridge with its own timeout.
func (s *Session) describe(ctx context.Context, obs Observation) (string, error) {
	callCtx := ctx
	if s.cfg.DescribeTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.cfg.DescribeTimeout)
		defer cancel()
	}
	return s.describer.Describe(callCtx, obs.ImageB64, obs.ImageMIME)
}

// terminate records the reason and builds the terminal result.
func (s *Session) terminate(outcome Outcome, reason string, turns int) Result {
	s.transcript.Append(transcript.Turn{Kind: transcript.KindSystemNote, Text: reason})
	return Result{Outcome: outcome, Reason: reason, Turns: turns}
}
