// Package statushttp is the read-only operator surface: order archive and
// audit queries, portfolio and trigger status, the equity chart and a
// websocket feed of bus traffic. Nothing here mutates system state.
package statushttp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"conclave/internal/logger"

	"github.com/gin-gonic/gin"
)

// Server serves the status API over one listener.
type Server struct {
	addr   string
	router *gin.Engine
	hub    *Hub
}

// NewServer wires the routes. At least one data source must be present.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Orders == nil && cfg.Book == nil && cfg.Trigger == nil {
		return nil, errors.New("status server requires an order archive, a book or a trigger")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9884"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := NewRouter(cfg)
	api.Register(router.Group("/api"))
	router.GET("/equity", api.handleEquity)

	var hub *Hub
	if cfg.Bus != nil {
		hub = NewHub(cfg.Bus)
		router.GET("/ws", hub.handleWS)
	}

	return &Server{addr: cfg.Addr, router: router, hub: hub}, nil
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Handler exposes the route tree for tests and embedding.
func (s *Server) Handler() http.Handler {
	if s == nil {
		return nil
	}
	return s.router
}

// Start serves until ctx is cancelled or the listener fails. Cancellation
// drains in-flight requests before returning nil.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if s.hub != nil {
		defer s.hub.Close()
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
	}()

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		<-stopped
		return nil
	}
	return err
}

// requestLogger traces operator calls for later correlation with the
// audit trail.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		target := c.Request.URL.Path
		if q := c.Request.URL.RawQuery; q != "" {
			target += "?" + q
		}
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s",
			c.Request.Method, target, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}
