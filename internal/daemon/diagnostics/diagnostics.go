// Package diagnostics is a loopback-only HTTP introspection server for
// the registry: GET /devices, GET /devices/:id, GET /metrics. It is the
// Go-native read-only analogue of the control socket's "list devices"
// query (spec.md section 4.9), grounded on the gin.New()/router.Group
// idiom in
// _examples/guiperry-HASHER/cmd/driver/hasher-host/main.go's runAPIServer.
package diagnostics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"iguanaird/internal/daemon/logging"
	"iguanaird/internal/daemon/registry"
)

// Lister is the subset of *registry.Registry diagnostics needs. registry
// does not import this package, so depending on its DeviceInfo directly
// here does not create a cycle.
type Lister interface {
	Devices() []registry.DeviceInfo
}

// Server wraps a gin.Engine bound to a loopback address.
type Server struct {
	httpSrv *http.Server
	log     *logging.Logger
}

// New builds a diagnostics Server listening on addr (e.g. "127.0.0.1:7890"),
// serving reads from lister.
func New(addr string, lister Lister, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/devices", func(c *gin.Context) {
		c.JSON(http.StatusOK, lister.Devices())
	})

	router.GET("/devices/:id", func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid device id"})
			return
		}
		for _, d := range lister.Devices() {
			if d.ID == id {
				c.JSON(http.StatusOK, d)
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "no such device"})
	})

	router.GET("/metrics", func(c *gin.Context) {
		devices := lister.Devices()
		var totalRequests, totalErrors uint64
		for _, d := range devices {
			totalRequests += d.Stats.TotalRequests
			totalErrors += d.Stats.TotalErrors
		}
		c.JSON(http.StatusOK, gin.H{
			"device_count":   len(devices),
			"total_requests": totalRequests,
			"total_errors":   totalErrors,
		})
	})

	return &Server{
		httpSrv: &http.Server{Addr: addr, Handler: router},
		log:     logger,
	}
}

// Run serves until ctx is cancelled, then shuts the HTTP server down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("diagnostics: listening on %s", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("diagnostics: shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}
