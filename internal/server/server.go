// Package server exposes the assistant core over HTTP: task lifecycle,
// executor control, conversations with streamed turns, knowledge ingestion
// and retrieval, triggers, and usage reporting.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ember/internal/conversation"
	"ember/internal/executor"
	"ember/internal/knowledge"
	"ember/internal/logging"
	"ember/internal/task"
	"ember/internal/trigger"
	"ember/internal/usage"
)

// Config tunes the HTTP server.
type Config struct {
	Addr string
	// AllowOrigins restricts CORS; empty allows every origin.
	AllowOrigins []string
	Debug        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c *Config) normalize() {
	if c.Addr == "" {
		c.Addr = ":8720"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	// Streaming turns hold the response open; the write timeout must cover
	// a whole generation.
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Minute
	}
}

// Deps are the collaborators the handlers call into. Tasks and Exec are
// required; the rest may be nil, disabling their endpoints.
type Deps struct {
	Tasks         task.Store
	Exec          *executor.Executor
	Conversations conversation.Store
	Turns         *conversation.Driver
	Knowledge     *knowledge.Library
	Triggers      *trigger.Service
	Usage         usage.Store
	Metrics       *prometheus.Registry
	Logger        logging.Logger
}

// Server is the HTTP front of the assistant core.
type Server struct {
	cfg    Config
	deps   Deps
	engine *gin.Engine
	http   *http.Server
	logger logging.Logger
	start  time.Time
}

// New wires the server and its routes.
func New(cfg Config, deps Deps) (*Server, error) {
	cfg.normalize()
	if deps.Tasks == nil || deps.Exec == nil {
		return nil, fmt.Errorf("server: task store and executor are required")
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.AllowOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
	engine.Use(cors.New(corsConfig))

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		engine: engine,
		logger: logging.OrNop(deps.Logger),
		start:  time.Now(),
		http: &http.Server{
			Addr:         cfg.Addr,
			Handler:      engine,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	api := s.engine.Group("/api")

	api.GET("/health", s.handleHealth)

	tasks := api.Group("/tasks")
	{
		tasks.POST("", s.createTask)
		tasks.GET("", s.listTasks)
		tasks.GET("/:id", s.getTask)
		tasks.GET("/:id/children", s.taskChildren)
		tasks.POST("/:id/prioritize", s.prioritizeTask)
		tasks.POST("/:id/interrupt", s.interruptTask)
		tasks.POST("/:id/input", s.provideTaskInput)
	}

	exec := api.Group("/executor")
	{
		exec.GET("/status", s.executorStatus)
		exec.POST("/pause", s.pauseExecutor)
		exec.POST("/resume", s.resumeExecutor)
	}

	if s.deps.Conversations != nil && s.deps.Turns != nil {
		convs := api.Group("/conversations")
		{
			convs.POST("", s.createConversation)
			convs.GET("", s.listConversations)
			convs.GET("/:id", s.getConversation)
			convs.GET("/:id/messages", s.listMessages)
			convs.POST("/:id/messages", s.submitTurn)
			convs.POST("/:id/stream", s.streamTurn)
		}
	}

	if s.deps.Knowledge != nil {
		kn := api.Group("/knowledge")
		{
			kn.POST("/items", s.ingestSource)
			kn.POST("/items/batch", s.ingestBatch)
			kn.POST("/query", s.queryKnowledge)
			kn.GET("/stats", s.knowledgeStats)
		}
	}

	if s.deps.Triggers != nil {
		trs := api.Group("/triggers")
		{
			trs.GET("", s.listTriggers)
			trs.POST("", s.registerTrigger)
			trs.DELETE("/:id", s.removeTrigger)
			trs.POST("/:id/fire", s.fireTrigger)
		}
	}

	if s.deps.Usage != nil {
		api.GET("/usage", s.usageTotals)
	}

	if s.deps.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(
			promhttp.HandlerFor(s.deps.Metrics, promhttp.HandlerOpts{})))
	}
}

// Handler exposes the routed engine, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("server: listening on %s", s.cfg.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	respond(c, http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.start).String(),
	})
}
