// internal/agent/mocks_test.go
package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/hexedge/deskpilot/internal/desktop"
	"github.com/hexedge/deskpilot/internal/llmclient"
)

// mockBackend is a testify mock of the desktop backend.
type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) CaptureScreen(ctx context.Context) (*desktop.Screenshot, error) {
	args := m.Called(ctx)
	if shot := args.Get(0); shot != nil {
		return shot.(*desktop.Screenshot), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockBackend) MoveMouse(ctx context.Context, x, y int) error {
	args := m.Called(ctx, x, y)
	return args.Error(0)
}

func (m *mockBackend) Click(ctx context.Context, button desktop.Button) error {
	args := m.Called(ctx, button)
	return args.Error(0)
}

func (m *mockBackend) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// scriptedClient replays a fixed sequence of model replies. Calls beyond
// the script fail, which keeps runaway loops visible in tests.
type scriptedClient struct {
	mu      sync.Mutex
	replies []string
	calls   int
	err     error
}

func (c *scriptedClient) Generate(_ context.Context, _ llmclient.GenerationRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	if c.calls >= len(c.replies) {
		return "", fmt.Errorf("scripted client exhausted after %d calls", c.calls)
	}
	reply := c.replies[c.calls]
	c.calls++
	return reply, nil
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// mockDescriber is a testify mock of the describer bridge.
type mockDescriber struct {
	mock.Mock
}

func (m *mockDescriber) Describe(ctx context.Context, imageB64, imageMIME string) (string, error) {
	args := m.Called(ctx, imageB64, imageMIME)
	return args.String(0), args.Error(1)
}
