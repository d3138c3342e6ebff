// internal/agent/models.go
package agent

import (
	"fmt"

	"github.com/hexedge/deskpilot/internal/config"
)

// ActionType enumerates the closed set of desktop actions plus the synthetic
// finish marker. The model cannot invent new types; anything outside this set
// is rejected before it reaches the executor.
type ActionType string

const (
	ActionScreenshot ActionType = "screenshot"
	ActionMouseMove  ActionType = "mouse_move"
	ActionLeftClick  ActionType = "left_click"

	// ActionFinish is not a desktop action. The parser emits it when the
	// model signals task completion instead of requesting an action.
	ActionFinish ActionType = "finish"
)

// Action is a single decision produced by the primary model.
type Action struct {
	Type ActionType `json:"action"`

	// X and Y are only meaningful for mouse_move. They are viewport
	// coordinates in pixels.
	X int `json:"x,omitempty"`
	Y int `json:"y,omitempty"`

	// HasCoordinate records whether the model actually supplied a
	// coordinate pair, so validation can distinguish (0,0) from absent.
	HasCoordinate bool `json:"-"`

	// Thought carries the model's stated reasoning, kept for the transcript.
	Thought string `json:"thought,omitempty"`

	// Answer holds the final answer text when Type is ActionFinish.
	Answer string `json:"answer,omitempty"`
}

// ConfigName maps the action type onto the policy vocabulary used in
// configuration. ActionFinish has no policy name; it is always permitted.
func (t ActionType) ConfigName() (config.ActionName, bool) {
	switch t {
	case ActionScreenshot:
		return config.ActionNameScreenshot, true
	case ActionMouseMove:
		return config.ActionNameMouseMove, true
	case ActionLeftClick:
		return config.ActionNameLeftClick, true
	default:
		return "", false
	}
}

// Validate enforces the per-action parameter rules: mouse_move requires a
// coordinate pair, the others must not carry one.
func (a Action) Validate() error {
	switch a.Type {
	case ActionMouseMove:
		if !a.HasCoordinate {
			return fmt.Errorf("%w: mouse_move requires a coordinate", ErrMalformedAction)
		}
		if a.X < 0 || a.Y < 0 {
			return fmt.Errorf("%w: coordinate (%d,%d) is out of range", ErrMalformedAction, a.X, a.Y)
		}
	case ActionScreenshot, ActionLeftClick:
		if a.HasCoordinate {
			return fmt.Errorf("%w: %s does not accept a coordinate", ErrMalformedAction, a.Type)
		}
	case ActionFinish:
		// No parameters to check.
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedAction, a.Type)
	}
	return nil
}

// Observation is what an executed action produced. Mouse actions carry a
// short confirmation string; screenshots carry the image alongside it.
type Observation struct {
	ActionType ActionType `json:"action"`
	Text       string     `json:"text,omitempty"`
	ImageB64   string     `json:"image_b64,omitempty"`
	ImageMIME  string     `json:"image_mime,omitempty"`
}

// Outcome is the terminal status of a session run.
type Outcome string

const (
	OutcomeCompleted          Outcome = "completed"
	OutcomeBudgetExceeded     Outcome = "budget_exceeded"
	OutcomePolicyViolation    Outcome = "policy_violation"
	OutcomeBackendUnavailable Outcome = "backend_unavailable"
	OutcomeModelUnavailable   Outcome = "model_unavailable"
	OutcomeDescriberDegraded  Outcome = "describer_degraded"
	OutcomeCancelled          Outcome = "cancelled"
)

// Result is returned by Session.Run. FinalAnswer is only set when Outcome is
// OutcomeCompleted; Reason explains every other outcome.
type Result struct {
	Outcome     Outcome `json:"outcome"`
	FinalAnswer string  `json:"final_answer,omitempty"`
	Reason      string  `json:"reason,omitempty"`
	Turns       int     `json:"turns"`
}
