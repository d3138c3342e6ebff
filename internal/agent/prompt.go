// internal/agent/prompt.go
package agent

import (
	"fmt"
	"strings"

	"github.com/hexedge/deskpilot/internal/config"
)

// promptBuilder assembles the primary model's system prompt from the session
// policy. Only allowed actions are ever described to the model; everything
// else stays invisible rather than forbidden.
type promptBuilder struct {
	allowed []config.ActionName
	width   int
	height  int
	viaText bool
}

func newPromptBuilder(agentCfg config.AgentConfig, desktopCfg config.DesktopConfig) *promptBuilder {
	return &promptBuilder{
		allowed: agentCfg.AllowedActions,
		width:   desktopCfg.ViewportWidth,
		height:  desktopCfg.ViewportHeight,
		viaText: agentCfg.UseDescriber || !agentCfg.PrimaryVision,
	}
}

// SystemPrompt renders the full system prompt for the session.
func (p *promptBuilder) SystemPrompt(goal string) string {
	var b strings.Builder

	fmt.Fprintf(&b, `You are an autonomous computer-use agent operating a graphical desktop.
The screen is %d pixels wide and %d pixels tall. The origin (0, 0) is the
top-left corner; x grows rightward and y grows downward.

Your goal:
%s

`, p.width, p.height, goal)

	b.WriteString(p.actionListPrompt())
	b.WriteString(p.closingPrompt())
	return b.String()
}

// actionListPrompt describes each allowed action with a JSON example.
func (p *promptBuilder) actionListPrompt() string {
	var b strings.Builder
	b.WriteString("You can take exactly one of the following actions per turn:\n\n")

	for _, name := range p.allowed {
		switch name {
		case config.ActionNameScreenshot:
			b.WriteString(`- "screenshot": capture the current screen to see its state. Takes no parameters.
  Example: {"action": "screenshot", "thought": "I need to see the screen first."}
`)
		case config.ActionNameMouseMove:
			fmt.Fprintf(&b, `- "mouse_move": move the cursor to a pixel coordinate. Requires "coordinate": [x, y] with 0 <= x < %d and 0 <= y < %d.
  Example: {"action": "mouse_move", "coordinate": [640, 400], "thought": "Moving over the button."}
`, p.width, p.height)
		case config.ActionNameLeftClick:
			b.WriteString(`- "left_click": press and release the left mouse button at the current cursor position. Takes no parameters.
  Example: {"action": "left_click", "thought": "Clicking the button under the cursor."}
`)
		}
	}
	b.WriteString("\n")
	return b.String()
}

// closingPrompt states the reply contract. The wording matters: the loop
// treats any reply without a JSON action object as the final answer.
func (p *promptBuilder) closingPrompt() string {
	var b strings.Builder
	b.WriteString(`Reply with a single JSON object for exactly one action, and nothing else.
Do not request more than one action per reply.

When the goal is fully achieved, reply with your final answer as plain text
with no JSON object in it. The final answer ends the session, so only give it
once you have verified the result on screen.
`)
	if p.viaText {
		b.WriteString(`
Screenshots are returned to you as detailed text descriptions of the screen,
including the approximate pixel coordinates of visible elements. Use those
coordinates to aim mouse_move.
`)
	}
	return b.String()
}
