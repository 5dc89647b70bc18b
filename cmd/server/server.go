package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	cidpkg "voicerelay/internal/cid"
	"voicerelay/internal/config"
	"voicerelay/internal/metrics"
	"voicerelay/internal/otelutil"
	"voicerelay/internal/relay"
	"voicerelay/internal/state"
	"voicerelay/internal/types"
	"voicerelay/internal/upstream"
)

// ShutdownTimeout bounds how long Run waits for connections to drain.
var ShutdownTimeout = 10 * time.Second

type Server struct {
	router    *gin.Engine
	cfg       *config.Config
	registry  *state.Registry
	relay     *relay.Relay
	reaper    *relay.Reaper
	promReg   *prometheus.Registry
	startedAt time.Time

	httpServer   *http.Server
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewServer wires the relay, reaper and HTTP routes for cfg. Upstream
// sessions are opened through dialer.
func NewServer(cfg *config.Config, dialer upstream.Dialer) *Server {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	registry := state.NewRegistry()
	r := relay.New(registry, dialer, relay.Config{
		Session:           cfg.Upstream.Session,
		HasCredential:     cfg.HasAPIKey(),
		ClientQueueSize:   cfg.Relay.ClientQueueSize,
		UpstreamQueueSize: cfg.Relay.UpstreamQueueSize,
	}, m)

	s := &Server{
		cfg:       cfg,
		registry:  registry,
		relay:     r,
		reaper:    relay.NewReaper(r, cfg.Relay.ReapInterval, cfg.Relay.IdleTimeout),
		promReg:   promReg,
		startedAt: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	if s.cfg.Server.Production {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(s.cidMiddleware())
	s.router.Use(s.otelMiddleware())
	s.router.Use(requestLogger())
	s.router.Use(s.corsMiddleware())

	s.router.GET("/health", s.handleHealth)
	s.router.GET("/api/stats", s.handleStats)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{})))
	s.router.GET("/voice", s.handleWebSocket)
}

// cidMiddleware ensures every request carries a correlation id on its
// context and echoes it back in the response header.
func (s *Server) cidMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := cidpkg.FromRequest(c.Request)
		c.Request = c.Request.WithContext(cidpkg.WithCID(c.Request.Context(), cid))
		c.Writer.Header().Set(cidpkg.HeaderName, cid)
		c.Next()
	}
}

// otelMiddleware starts a span per request.
func (s *Server) otelMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		attrs := []attribute.KeyValue{
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.target", c.Request.URL.Path),
		}
		if cid := cidpkg.CIDFromContext(ctx); cid != "" {
			attrs = append(attrs, attribute.String(cidpkg.AttributeName, cid))
		}
		ctx, span := otelutil.Tracer().Start(ctx, c.Request.Method+" "+c.FullPath(), trace.WithAttributes(attrs...))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		l := cidpkg.Logger(c.Request.Context(), log.Logger)
		l.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

// corsMiddleware allows any origin in development and only the configured
// origin in production.
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := "*"
		if s.cfg.Server.Production {
			origin = s.cfg.Server.CORSOrigin
		}
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, "+cidpkg.HeaderName)
		h.Set("Access-Control-Expose-Headers", cidpkg.HeaderName)
		if origin != "*" {
			h.Set("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// originPatterns returns the websocket origin patterns. coder/websocket
// matches on host, so the configured origin is reduced to its host.
func (s *Server) originPatterns() []string {
	if !s.cfg.Server.Production {
		return []string{"*"}
	}
	u, err := url.Parse(s.cfg.Server.CORSOrigin)
	if err != nil || u.Host == "" {
		return []string{s.cfg.Server.CORSOrigin}
	}
	return []string{u.Host}
}

func (s *Server) handleWebSocket(c *gin.Context) {
	if s.relay.Closing() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server shutting down"})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns(),
	})
	if err != nil {
		log.Warn().Err(err).Str("remote", c.ClientIP()).Msg("failed to upgrade connection")
		return
	}
	conn.SetReadLimit(s.cfg.Relay.ReadLimit)

	ctx := c.Request.Context()
	cid := cidpkg.CIDFromContext(ctx)
	if err := s.relay.Serve(ctx, conn, cid); err != nil && !errors.Is(err, relay.ErrShuttingDown) {
		log.Error().Err(err).Str("cid", cid).Msg("connection ended with error")
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, types.HealthStatus{
		Status:            "ok",
		ActiveConnections: s.registry.Count(),
		Uptime:            time.Since(s.startedAt).Seconds(),
		Model:             s.cfg.Upstream.Session.Model,
		HasAPIKey:         s.cfg.HasAPIKey(),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.Stats())
}

// Run serves HTTP until ctx is cancelled, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	go s.reaper.Run(reaperCtx)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", s.cfg.Server.Port).Str("model", s.cfg.Upstream.Session.Model).
			Bool("has_api_key", s.cfg.HasAPIKey()).Msg("voice relay listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown closes every relayed connection and stops the HTTP server. Only
// the first call does any work.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		log.Info().Msg("shutting down server")
		if err := s.relay.Shutdown(ctx); err != nil {
			s.shutdownErr = err
		}
		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(ctx); err != nil && s.shutdownErr == nil {
				s.shutdownErr = err
			}
		}
		log.Info().Msg("server shutdown complete")
	})
	return s.shutdownErr
}
