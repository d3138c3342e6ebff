// internal/server/server.go
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hexedge/deskpilot/internal/config"
	"github.com/hexedge/deskpilot/internal/session"
)

// Server exposes the session manager over HTTP: a small JSON API for
// lifecycle operations and a websocket feed of live transcript turns.
type Server struct {
	cfg     config.ServerConfig
	manager *session.Manager
	logger  *zap.Logger
	engine  *gin.Engine
}

// startRequest is the body of POST /api/v1/sessions. The optional fields
// override the configured agent settings for this session only.
type startRequest struct {
	Goal         string `json:"goal" binding:"required"`
	MaxTurns     *int   `json:"max_turns,omitempty"`
	UseDescriber *bool  `json:"use_describer,omitempty"`
}

// New wires the routes.
func New(cfg config.ServerConfig, manager *session.Manager, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:     cfg,
		manager: manager,
		logger:  logger.Named("server"),
		engine:  gin.New(),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.engine.Group("/api/v1")
	{
		api.POST("/sessions", s.handleStart)
		api.GET("/sessions", s.handleList)
		api.GET("/sessions/:id", s.handleGet)
		api.GET("/sessions/:id/transcript", s.handleTranscript)
		api.DELETE("/sessions/:id", s.handleCancel)
	}
	s.engine.GET("/ws/sessions/:id", s.handleFeed)
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the context is cancelled, then drains gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("Session server listening", zap.String("addr", s.cfg.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("Shutting down session server")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) handleStart(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "goal is required"})
		return
	}

	info, err := s.manager.Start(c.Request.Context(), req.Goal, session.StartOptions{
		MaxTurns:     req.MaxTurns,
		UseDescriber: req.UseDescriber,
	})
	if err != nil {
		if errors.Is(err, session.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error("Failed to start session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (s *Server) handleList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.manager.List()})
}

func (s *Server) handleGet(c *gin.Context) {
	info, ok := s.manager.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleTranscript(c *gin.Context) {
	tr, ok := s.manager.Transcript(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"turns": tr.Render()})
}

func (s *Server) handleCancel(c *gin.Context) {
	if !s.manager.Cancel(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

// handleFeed upgrades to a websocket and streams transcript turns. The
// current transcript is replayed first so late joiners see the whole
// session.
func (s *Server) handleFeed(c *gin.Context) {
	tr, ok := s.manager.Transcript(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	upgrader := newUpgrader(s.cfg.AllowedOrigins)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	turns, cancel := tr.Subscribe(64)

	// Replay history before going live. A turn appended between Subscribe
	// and Render may arrive twice; clients dedupe on seq.
	for _, turn := range tr.Render() {
		payload, err := json.Marshal(turn)
		if err != nil {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			cancel()
			_ = conn.Close()
			return
		}
	}

	feed := &wsFeed{
		conn:   conn,
		turns:  turns,
		cancel: cancel,
		logger: s.logger,
	}
	feed.serve()
}

// requestLogger is a minimal structured access log.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
