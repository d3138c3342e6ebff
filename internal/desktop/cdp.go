// internal/desktop/cdp.go
package desktop

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/hexedge/deskpilot/internal/config"
)

// CDPBackend drives a Chrome DevTools target as the virtual desktop.
// The viewport is the screen; the agent's coordinates map directly onto
// viewport pixels.
type CDPBackend struct {
	cfg    config.DesktopConfig
	logger *zap.Logger

	browserCtx context.Context
	cancels    []context.CancelFunc

	mu      sync.Mutex
	cursorX float64
	cursorY float64
}

var _ Backend = (*CDPBackend)(nil)

// NewCDPBackend connects to the desktop target. With a devtools URL it
// attaches to a running browser; otherwise it launches a local headless one
// sized to the configured viewport.
func NewCDPBackend(ctx context.Context, cfg config.DesktopConfig, logger *zap.Logger) (*CDPBackend, error) {
	b := &CDPBackend{
		cfg:    cfg,
		logger: logger.Named("desktop.cdp"),
	}

	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if cfg.DevToolsURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(ctx, cfg.DevToolsURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight),
		)
		allocCtx, allocCancel = chromedp.NewExecAllocator(ctx, opts...)
	}
	b.cancels = append(b.cancels, allocCancel)

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	b.cancels = append(b.cancels, browserCancel)
	b.browserCtx = browserCtx

	// Materialize the target and pin the viewport so coordinates are stable.
	err := chromedp.Run(browserCtx,
		emulation.SetDeviceMetricsOverride(int64(cfg.ViewportWidth), int64(cfg.ViewportHeight), 1.0, false),
	)
	if err != nil {
		b.shutdown()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	b.logger.Info("Desktop backend ready",
		zap.Int("width", cfg.ViewportWidth),
		zap.Int("height", cfg.ViewportHeight),
		zap.Bool("remote", cfg.DevToolsURL != ""))
	return b, nil
}

// CaptureScreen grabs the current frame in the configured format.
func (b *CDPBackend) CaptureScreen(ctx context.Context) (*Screenshot, error) {
	opCtx, cancel := b.opContext(ctx)
	defer cancel()

	var buf []byte
	err := chromedp.Run(opCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		params := page.CaptureScreenshot()
		if strings.EqualFold(b.cfg.ScreenshotFormat, "jpeg") {
			params = params.WithFormat(page.CaptureScreenshotFormatJpeg).
				WithQuality(int64(b.cfg.ScreenshotQuality))
		} else {
			params = params.WithFormat(page.CaptureScreenshotFormatPng)
		}
		var err error
		buf, err = params.Do(ctx)
		return err
	}))
	if err != nil {
		return nil, b.normalize("capture screenshot", err)
	}

	mime := "image/png"
	if strings.EqualFold(b.cfg.ScreenshotFormat, "jpeg") {
		mime = "image/jpeg"
	}
	return &Screenshot{Data: buf, MIME: mime}, nil
}

// MoveMouse places the cursor and remembers the position for Click.
func (b *CDPBackend) MoveMouse(ctx context.Context, x, y int) error {
	opCtx, cancel := b.opContext(ctx)
	defer cancel()

	fx, fy := float64(x), float64(y)
	err := chromedp.Run(opCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseMoved, fx, fy).Do(ctx)
	}))
	if err != nil {
		return b.normalize("mouse move", err)
	}

	b.mu.Lock()
	b.cursorX, b.cursorY = fx, fy
	b.mu.Unlock()
	return nil
}

// Click presses and releases at the current cursor position.
func (b *CDPBackend) Click(ctx context.Context, button Button) error {
	if button != ButtonLeft {
		return fmt.Errorf("unsupported mouse button %q", button)
	}

	opCtx, cancel := b.opContext(ctx)
	defer cancel()

	b.mu.Lock()
	x, y := b.cursorX, b.cursorY
	b.mu.Unlock()

	err := chromedp.Run(opCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		press := input.DispatchMouseEvent(input.MousePressed, x, y).
			WithButton(input.Left).
			WithButtons(1).
			WithClickCount(1)
		if err := press.Do(ctx); err != nil {
			return err
		}
		release := input.DispatchMouseEvent(input.MouseReleased, x, y).
			WithButton(input.Left).
			WithClickCount(1)
		return release.Do(ctx)
	}))
	if err != nil {
		return b.normalize("left click", err)
	}
	return nil
}

// Close tears down the browser contexts in reverse order.
func (b *CDPBackend) Close(_ context.Context) error {
	b.shutdown()
	return nil
}

func (b *CDPBackend) shutdown() {
	for i := len(b.cancels) - 1; i >= 0; i-- {
		b.cancels[i]()
	}
}

// opContext derives the per-action context. The caller's context governs
// cancellation; the backend's context ties the operation to the browser
// session; the action timeout bounds both.
func (b *CDPBackend) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	opCtx := b.browserCtx
	if ctx != nil {
		var cancel context.CancelFunc
		opCtx, cancel = mergeCancel(b.browserCtx, ctx)
		if b.cfg.ActionTimeout > 0 {
			timeoutCtx, timeoutCancel := context.WithTimeout(opCtx, b.cfg.ActionTimeout)
			return timeoutCtx, func() { timeoutCancel(); cancel() }
		}
		return opCtx, cancel
	}
	return context.WithTimeout(opCtx, b.cfg.ActionTimeout)
}

// mergeCancel returns a child of parent that is additionally cancelled when
// other is done.
func mergeCancel(parent, other context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(other, cancel)
	return merged, func() { stop(); cancel() }
}

// normalize maps transport-level failures onto ErrUnavailable so the
// executor can tell "never reached the desktop" apart from action failures.
func (b *CDPBackend) normalize(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "websocket") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "could not dial") ||
		(strings.Contains(msg, "context canceled") && b.browserCtx.Err() != nil) {
		b.logger.Warn("Desktop transport failure", zap.String("op", op), zap.Error(err))
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	return fmt.Errorf("%s failed: %w", op, err)
}
