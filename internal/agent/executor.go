// internal/agent/executor.go
package agent

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/hexedge/deskpilot/internal/config"
	"github.com/hexedge/deskpilot/internal/desktop"
)

// Executor dispatches validated actions to the desktop backend and
// normalizes the result into one Observation per action.
//
// Transport-level failures (the backend was never reached) are retried up to
// the attempt budget for every action kind. Failures after the backend
// accepted the action are not retried: the desktop's state is unknown and a
// blind repeat could click the wrong thing.
type Executor struct {
	backend     desktop.Backend
	maxAttempts int
	width       int
	height      int
	logger      *zap.Logger
}

// NewExecutor wires an executor to a backend under the session policy.
func NewExecutor(backend desktop.Backend, agentCfg config.AgentConfig, desktopCfg config.DesktopConfig, logger *zap.Logger) *Executor {
	return &Executor{
		backend:     backend,
		maxAttempts: agentCfg.MaxAttempts,
		width:       desktopCfg.ViewportWidth,
		height:      desktopCfg.ViewportHeight,
		logger:      logger.Named("executor"),
	}
}

// Execute runs one action. The caller has already checked the session
// policy; Execute still validates parameters as a last line of defense.
func (e *Executor) Execute(ctx context.Context, action Action) (Observation, error) {
	if err := action.Validate(); err != nil {
		return Observation{}, err
	}
	if action.Type == ActionMouseMove {
		if action.X >= e.width || action.Y >= e.height {
			return Observation{}, fmt.Errorf("%w: coordinate (%d,%d) outside %dx%d viewport",
				ErrMalformedAction, action.X, action.Y, e.width, e.height)
		}
	}

	var obs Observation
	operation := func() error {
		var err error
		obs, err = e.dispatch(ctx, action)
		if err == nil {
			return nil
		}
		if errors.Is(err, desktop.ErrUnavailable) {
			e.logger.Warn("Desktop backend unreachable, retrying",
				zap.String("action", string(action.Type)), zap.Error(err))
			return err
		}
		return backoff.Permanent(err)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 250 * time.Millisecond
	expBackoff.MaxInterval = 2 * time.Second

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(expBackoff, uint64(e.maxAttempts-1)), ctx))
	if err != nil {
		if errors.Is(err, desktop.ErrUnavailable) {
			return Observation{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		return Observation{}, err
	}
	return obs, nil
}

// dispatch performs a single attempt.
func (e *Executor) dispatch(ctx context.Context, action Action) (Observation, error) {
	switch action.Type {
	case ActionScreenshot:
		shot, err := e.backend.CaptureScreen(ctx)
		if err != nil {
			return Observation{}, err
		}
		return Observation{
			ActionType: ActionScreenshot,
			Text:       "screenshot captured",
			ImageB64:   base64.StdEncoding.EncodeToString(shot.Data),
			ImageMIME:  shot.MIME,
		}, nil

	case ActionMouseMove:
		if err := e.backend.MoveMouse(ctx, action.X, action.Y); err != nil {
			return Observation{}, err
		}
		return Observation{
			ActionType: ActionMouseMove,
			Text:       fmt.Sprintf("cursor moved to (%d, %d)", action.X, action.Y),
		}, nil

	case ActionLeftClick:
		if err := e.backend.Click(ctx, desktop.ButtonLeft); err != nil {
			return Observation{}, err
		}
		return Observation{
			ActionType: ActionLeftClick,
			Text:       "left click dispatched at the current cursor position",
		}, nil

	default:
		return Observation{}, fmt.Errorf("%w: %q", ErrUnsupportedAction, action.Type)
	}
}
