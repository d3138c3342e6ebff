// internal/session/manager.go
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hexedge/deskpilot/internal/agent"
	"github.com/hexedge/deskpilot/internal/config"
	"github.com/hexedge/deskpilot/internal/describer"
	"github.com/hexedge/deskpilot/internal/desktop"
	"github.com/hexedge/deskpilot/internal/llmclient"
	"github.com/hexedge/deskpilot/internal/transcript"
)

// Status tracks a managed session through its lifecycle.
type Status string

const (
	StatusRunning   Status = "running"
	StatusFinished  Status = "finished"
	StatusCancelled Status = "cancelled"
)

// Info is the externally visible snapshot of one session.
type Info struct {
	ID        string        `json:"id"`
	Goal      string        `json:"goal"`
	Status    Status        `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	Result    *agent.Result `json:"result,omitempty"`
}

// handle is the manager's internal record of one session.
type handle struct {
	info       Info
	transcript *transcript.Transcript
	cancel     context.CancelFunc
}

// BackendFactory builds the desktop backend for a new session. Each session
// owns its backend; sessions share no desktop state.
type BackendFactory func(ctx context.Context, cfg config.DesktopConfig, logger *zap.Logger) (desktop.Backend, error)

// ClientFactory builds an LLM client for a named model configuration.
type ClientFactory func(cfg config.ModelConfig, logger *zap.Logger) (llmclient.Client, error)

// ErrInvalidRequest marks Start failures caused by the caller's input rather
// than the backend or model setup.
var ErrInvalidRequest = errors.New("invalid session request")

// StartOptions carries per-session overrides of the configured agent
// settings. Nil fields keep the configured value.
type StartOptions struct {
	MaxTurns     *int
	UseDescriber *bool
}

// apply merges the overrides into a copy of the configured agent settings.
func (o StartOptions) apply(cfg config.AgentConfig) (config.AgentConfig, error) {
	if o.MaxTurns != nil {
		if *o.MaxTurns <= 0 {
			return cfg, fmt.Errorf("%w: max_turns override must be positive", ErrInvalidRequest)
		}
		cfg.MaxTurns = *o.MaxTurns
	}
	if o.UseDescriber != nil {
		cfg.UseDescriber = *o.UseDescriber
	}
	// The merged settings must still be a workable session: a text-only
	// primary model cannot consume screenshots without the describer.
	if cfg.ActionAllowed(config.ActionNameScreenshot) && !cfg.UseDescriber && !cfg.PrimaryVision {
		return cfg, fmt.Errorf("%w: use_describer=false needs a vision-capable primary model while screenshots are allowed", ErrInvalidRequest)
	}
	return cfg, nil
}

// Manager owns all live sessions in serve mode. Sessions run concurrently,
// each on its own goroutine with its own transcript and backend.
type Manager struct {
	cfg    *config.Config
	logger *zap.Logger

	newBackend BackendFactory
	newClient  ClientFactory

	mu       sync.RWMutex
	sessions map[string]*handle
	wg       sync.WaitGroup
}

// NewManager builds a manager with the production factories.
func NewManager(cfg *config.Config, logger *zap.Logger) *Manager {
	return NewManagerWithFactories(cfg, logger,
		func(ctx context.Context, dcfg config.DesktopConfig, l *zap.Logger) (desktop.Backend, error) {
			return desktop.NewCDPBackend(ctx, dcfg, l)
		},
		llmclient.NewClient,
	)
}

// NewManagerWithFactories allows the backend and client construction to be
// swapped, mainly by tests.
func NewManagerWithFactories(cfg *config.Config, logger *zap.Logger, backends BackendFactory, clients ClientFactory) *Manager {
	return &Manager{
		cfg:        cfg,
		logger:     logger.Named("session_manager"),
		newBackend: backends,
		newClient:  clients,
		sessions:   make(map[string]*handle),
	}
}

// Start creates a session for the goal and launches its run asynchronously.
// The returned Info reflects the session at creation time.
func (m *Manager) Start(ctx context.Context, goal string, opts StartOptions) (Info, error) {
	if goal == "" {
		return Info{}, fmt.Errorf("%w: goal must not be empty", ErrInvalidRequest)
	}

	agentCfg, err := opts.apply(m.cfg.Agent)
	if err != nil {
		return Info{}, err
	}

	primary, err := m.newClient(m.cfg.LLM.Models[agentCfg.PrimaryModel], m.logger)
	if err != nil {
		return Info{}, fmt.Errorf("building primary model client: %w", err)
	}

	var desc describer.Describer
	if agentCfg.UseDescriber {
		descClient, err := m.newClient(m.cfg.LLM.Models[agentCfg.DescriberModel], m.logger)
		if err != nil {
			return Info{}, fmt.Errorf("building describer client: %w", err)
		}
		desc = describer.NewVisionDescriber(descClient, m.logger)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	backend, err := m.newBackend(runCtx, m.cfg.Desktop, m.logger)
	if err != nil {
		cancel()
		return Info{}, fmt.Errorf("starting desktop backend: %w", err)
	}

	id := uuid.NewString()
	tr := transcript.New(m.logger)
	executor := agent.NewExecutor(backend, agentCfg, m.cfg.Desktop, m.logger)
	sess := agent.NewSession(agentCfg, m.cfg.Desktop, primary, desc, executor, tr, m.logger.With(zap.String("session_id", id)))

	info := Info{
		ID:        id,
		Goal:      goal,
		Status:    StatusRunning,
		CreatedAt: time.Now().UTC(),
	}
	h := &handle{
		info:       info,
		transcript: tr,
		cancel:     cancel,
	}

	m.mu.Lock()
	m.sessions[id] = h
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		defer func() {
			if err := backend.Close(context.Background()); err != nil {
				m.logger.Warn("Backend close failed", zap.String("session_id", id), zap.Error(err))
			}
			tr.Shutdown()
		}()

		result := sess.Run(runCtx, goal)

		m.mu.Lock()
		h.info.Result = &result
		if result.Outcome == agent.OutcomeCancelled {
			h.info.Status = StatusCancelled
		} else {
			h.info.Status = StatusFinished
		}
		m.mu.Unlock()

		m.logger.Info("Session finished",
			zap.String("session_id", id),
			zap.String("outcome", string(result.Outcome)),
			zap.Int("turns", result.Turns))
	}()

	return info, nil
}

// Get returns the snapshot for a session id.
func (m *Manager) Get(id string) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.sessions[id]
	if !ok {
		return Info{}, false
	}
	return h.info, true
}

// Transcript exposes a session's transcript for rendering and live feeds.
func (m *Manager) Transcript(id string) (*transcript.Transcript, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return h.transcript, true
}

// Cancel requests cancellation of a running session. The cancellation takes
// effect between turns; an in-flight call is allowed to finish first.
func (m *Manager) Cancel(id string) bool {
	m.mu.RLock()
	h, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	h.cancel()
	return true
}

// List returns snapshots of all sessions in no particular order.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.sessions))
	for _, h := range m.sessions {
		out = append(out, h.info)
	}
	return out
}

// Shutdown cancels every session and waits for their goroutines, bounded by
// the context.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	for _, h := range m.sessions {
		h.cancel()
	}
	m.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session manager shutdown timed out: %w", ctx.Err())
	}
}
