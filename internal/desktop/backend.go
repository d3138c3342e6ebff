// internal/desktop/backend.go
package desktop

import (
	"context"
	"errors"
)

// ErrUnavailable means the backend could not be reached at all: the action
// never touched the desktop and retrying is safe. Callers classify with
// errors.Is.
var ErrUnavailable = errors.New("desktop backend unavailable")

// Button identifies a mouse button for Click.
type Button string

const ButtonLeft Button = "left"

// Screenshot is one captured frame of the desktop.
type Screenshot struct {
	Data []byte
	MIME string
}

// Backend abstracts the desktop a session drives. Implementations are safe
// for use from a single session goroutine; they are not required to be safe
// for concurrent use.
type Backend interface {
	// CaptureScreen grabs the current frame.
	CaptureScreen(ctx context.Context) (*Screenshot, error)

	// MoveMouse places the cursor at viewport pixel (x, y).
	MoveMouse(ctx context.Context, x, y int) error

	// Click presses and releases the given button at the current cursor
	// position.
	Click(ctx context.Context, button Button) error

	// Close releases the backend and its underlying target.
	Close(ctx context.Context) error
}
