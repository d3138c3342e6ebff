// internal/transcript/transcript.go
package transcript

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hexedge/deskpilot/internal/llmclient"
)

// Kind classifies a transcript turn.
type Kind string

const (
	// KindGoal is the user's task statement, always the first turn.
	KindGoal Kind = "goal"
	// KindModelReply is one raw primary-model response.
	KindModelReply Kind = "model_reply"
	// KindActionResult records the outcome of one dispatched action.
	KindActionResult Kind = "action_result"
	// KindDescriberNote carries the describer's text for a screenshot.
	KindDescriberNote Kind = "describer_note"
	// KindFinalAnswer is the terminal turn when the session completes.
	KindFinalAnswer Kind = "final_answer"
	// KindSystemNote records loop-level events (policy stops, budget
	// exhaustion) for auditability.
	KindSystemNote Kind = "system_note"
)

// Turn is one append-only transcript entry.
type Turn struct {
	Seq  int       `json:"seq"`
	Kind Kind      `json:"kind"`
	At   time.Time `json:"at"`

	Text string `json:"text,omitempty"`

	// Action and Status are set on action results.
	Action string `json:"action,omitempty"`
	Status string `json:"status,omitempty"`

	// X and Y record the coordinate of a mouse_move result.
	X int `json:"x,omitempty"`
	Y int `json:"y,omitempty"`

	// ImageB64 is only populated when a raw screenshot goes to a
	// vision-capable primary model. With the describer enabled the image
	// never enters the transcript.
	ImageB64  string `json:"image_b64,omitempty"`
	ImageMIME string `json:"image_mime,omitempty"`
}

// Transcript is the append-only record of one session. Turns are never
// removed or reordered; sequence numbers are assigned on append and are
// strictly increasing.
type Transcript struct {
	mu      sync.RWMutex
	turns   []Turn
	nextSeq int

	subscribers map[int]chan Turn
	nextSubID   int
	closed      bool

	logger *zap.Logger
}

// New creates an empty transcript.
func New(logger *zap.Logger) *Transcript {
	return &Transcript{
		subscribers: make(map[int]chan Turn),
		logger:      logger.Named("transcript"),
	}
}

// Append records a turn, assigning its sequence number and timestamp, and
// broadcasts it to subscribers. The stored turn is returned.
func (t *Transcript) Append(turn Turn) Turn {
	t.mu.Lock()
	turn.Seq = t.nextSeq
	turn.At = time.Now().UTC()
	t.nextSeq++
	t.turns = append(t.turns, turn)

	// Broadcast without blocking the writer. A subscriber that cannot keep
	// up loses turns rather than stalling the session.
	for id, ch := range t.subscribers {
		select {
		case ch <- turn:
		default:
			t.logger.Warn("Dropping transcript event for slow subscriber",
				zap.Int("subscriber", id), zap.Int("seq", turn.Seq))
		}
	}
	t.mu.Unlock()
	return turn
}

// Render returns a copy of all turns in append order.
func (t *Transcript) Render() []Turn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Turn, len(t.turns))
	copy(out, t.turns)
	return out
}

// Len reports the number of turns recorded so far.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.turns)
}

// Subscribe registers a live feed of appended turns. The returned cancel
// function must be called to release the subscription; after Shutdown the
// channel is closed.
func (t *Transcript) Subscribe(buffer int) (<-chan Turn, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Turn, buffer)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := t.nextSubID
	t.nextSubID++
	t.subscribers[id] = ch
	t.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			if _, ok := t.subscribers[id]; ok {
				delete(t.subscribers, id)
				close(ch)
			}
			t.mu.Unlock()
		})
	}
	return ch, cancel
}

// Shutdown closes all subscriber channels. Append still works afterwards;
// events are simply no longer delivered.
func (t *Transcript) Shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for id, ch := range t.subscribers {
		close(ch)
		delete(t.subscribers, id)
	}
}

// ModelRequest projects the transcript into the provider-neutral message
// list for the next primary-model call. Terminal and bookkeeping turns are
// skipped; everything the model said comes back verbatim as assistant turns.
func (t *Transcript) ModelRequest() []llmclient.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	messages := make([]llmclient.Message, 0, len(t.turns))
	for _, turn := range t.turns {
		switch turn.Kind {
		case KindGoal:
			messages = append(messages, llmclient.Message{
				Role: llmclient.RoleUser,
				Text: turn.Text,
			})
		case KindModelReply:
			messages = append(messages, llmclient.Message{
				Role: llmclient.RoleAssistant,
				Text: turn.Text,
			})
		case KindActionResult:
			msg := llmclient.Message{
				Role:      llmclient.RoleUser,
				Text:      fmt.Sprintf("Observation (%s): %s", turn.Action, turn.Text),
				ImageB64:  turn.ImageB64,
				ImageMIME: turn.ImageMIME,
			}
			messages = append(messages, msg)
		case KindDescriberNote:
			messages = append(messages, llmclient.Message{
				Role: llmclient.RoleUser,
				Text: "Screen description:\n" + turn.Text,
			})
		case KindFinalAnswer, KindSystemNote:
			// Not part of the model's view.
		}
	}
	return messages
}
