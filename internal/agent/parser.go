// internal/agent/parser.go
package agent

import (
	"fmt"
	"regexp"
	"strings"

	json "github.com/json-iterator/go"
)

// jsonBlockRegex extracts the first JSON payload from a markdown code fence.
// Models frequently wrap their action object in ```json ... ``` despite
// instructions to reply with bare JSON.
var jsonBlockRegex = regexp.MustCompile(fmt.Sprintf("(?s)%s(?:json)?\\s*(.*?)\\s*%s", "```", "```"))

// Reply is the parsed form of one primary-model response. Exactly one of
// Action or FinalAnswer is meaningful: when IsAction is true the turn
// continues with a dispatch, otherwise FinalAnswer terminates the session.
type Reply struct {
	IsAction    bool
	Action      Action
	FinalAnswer string

	// Raw preserves the unmodified model output for the transcript.
	Raw string
}

// rawAction mirrors the JSON shape the model is instructed to emit. The
// coordinate is a two-element array to match the prompt examples.
type rawAction struct {
	Action     string  `json:"action"`
	Coordinate []int   `json:"coordinate"`
	Thought    string  `json:"thought"`
	Answer     string  `json:"answer"`
	Confidence float64 `json:"confidence"`
}

// ParseReply interprets one model response. The contract:
//
//   - A well-formed action object anywhere in the reply wins, even if the
//     surrounding prose reads like a final answer.
//   - A reply with no extractable action object is the final answer verbatim.
//   - ParseReply never fails; a malformed action object (unknown type, bad
//     coordinate arity) surfaces later through Action.Validate.
func ParseReply(text string) Reply {
	reply := Reply{Raw: text}

	payload, ok := extractJSONObject(text)
	if !ok {
		reply.FinalAnswer = strings.TrimSpace(text)
		return reply
	}

	var raw rawAction
	if err := json.Unmarshal([]byte(payload), &raw); err != nil || raw.Action == "" {
		// JSON-looking but not an action request. Treat the whole reply as
		// the final answer rather than guessing.
		reply.FinalAnswer = strings.TrimSpace(text)
		return reply
	}

	action := Action{
		Type:    ActionType(strings.ToLower(strings.TrimSpace(raw.Action))),
		Thought: raw.Thought,
		Answer:  raw.Answer,
	}
	if len(raw.Coordinate) == 2 {
		action.X = raw.Coordinate[0]
		action.Y = raw.Coordinate[1]
		action.HasCoordinate = true
	} else if len(raw.Coordinate) != 0 {
		// Wrong arity still counts as a supplied coordinate so validation
		// rejects it instead of silently dropping it.
		action.HasCoordinate = true
		action.X, action.Y = -1, -1
	}

	if action.Type == ActionFinish {
		reply.FinalAnswer = strings.TrimSpace(raw.Answer)
		if reply.FinalAnswer == "" {
			reply.FinalAnswer = strings.TrimSpace(text)
		}
		return reply
	}

	reply.IsAction = true
	reply.Action = action
	return reply
}

// extractJSONObject finds the most plausible JSON object inside free text.
// It prefers a fenced code block, falling back to slicing from the first '{'
// to the last '}'.
func extractJSONObject(text string) (string, bool) {
	if matches := jsonBlockRegex.FindStringSubmatch(text); len(matches) > 1 {
		candidate := strings.TrimSpace(matches[1])
		if strings.HasPrefix(candidate, "{") {
			return candidate, true
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end < start {
		return "", false
	}
	return text[start : end+1], true
}
