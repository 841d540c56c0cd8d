// Package server exposes the pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/zulandar/mathreel/internal/models"
	"github.com/zulandar/mathreel/internal/pipeline"
)

// Service is the session surface the handlers use. *pipeline.Orchestrator
// satisfies it.
type Service interface {
	Intake(ctx context.Context, image []byte, contentType, quality string) (*models.Session, error)
	Result(ctx context.Context, sessionID string) (*pipeline.Result, error)
	Events(ctx context.Context, sessionID string) ([]models.SessionEvent, error)
}

// Runner executes sessions. *dispatch.Dispatcher satisfies it.
type Runner interface {
	Do(ctx context.Context, sessionID string) (*pipeline.Result, error)
	Submit(sessionID string) error
}

// StartOpts holds configuration for the HTTP server.
type StartOpts struct {
	Service        Service
	Runner         Runner
	Gatherer       prometheus.Gatherer // serves /metrics when set
	Port           int
	MaxUploadBytes int64
	PollInterval   time.Duration // event stream poll interval
	UploadLimit    rate.Limit    // uploads per second on /process-image; 0 means unlimited
	UploadBurst    int
	ServiceName    string // span name prefix for request tracing
	Logger         *slog.Logger
	Out            io.Writer
}

func (o *StartOpts) defaults() error {
	if o.Service == nil {
		return fmt.Errorf("server: service is required")
	}
	if o.Runner == nil {
		return fmt.Errorf("server: runner is required")
	}
	if o.Port <= 0 {
		o.Port = 8080
	}
	if o.MaxUploadBytes <= 0 {
		o.MaxUploadBytes = 10 << 20
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.UploadLimit > 0 && o.UploadBurst <= 0 {
		o.UploadBurst = 1
	}
	if o.ServiceName == "" {
		o.ServiceName = "mathreel"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if err := opts.defaults(); err != nil {
		return nil, err
	}
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware(opts.ServiceName), requestLogger(opts.Logger))
	registerRoutes(router, opts)
	return router, nil
}

// Start launches the HTTP server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	gin.SetMode(gin.ReleaseMode)
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "mathreel listening on http://localhost%s\n", srv.Addr)
	}

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// rateLimit rejects requests beyond the limiter's budget with 429.
func rateLimit(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many uploads, retry later"})
			return
		}
		c.Next()
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed", time.Since(start),
		)
	}
}
