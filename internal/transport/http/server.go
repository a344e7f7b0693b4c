package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yanun0323/logs"

	"tradelog/internal/archive"
	"tradelog/internal/obs"
	"tradelog/internal/og"
)

const defaultAddr = ":8080"

// ServerConfig describes the read-only query API dependencies. Archive is
// optional.
type ServerConfig struct {
	Addr    string
	Tracker *og.Tracker
	Metrics *obs.Metrics
	Archive *archive.Archive
}

// Server serves tracker state and pipeline counters over HTTP.
type Server struct {
	addr   string
	router *gin.Engine
}

// NewServer builds the router.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Tracker == nil {
		return nil, errors.New("http server requires a tracker")
	}
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	h := &handler{tracker: cfg.Tracker, metrics: cfg.Metrics, archive: cfg.Archive}
	router.GET("/metrics", h.handleMetrics)
	router.GET("/orders", h.handleOrders)
	router.GET("/orders/:id", h.handleOrder)

	return &Server{addr: cfg.Addr, router: router}, nil
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logs.Infof("http api listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logs.Debugf("[api] %s %s status=%d cost=%s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
