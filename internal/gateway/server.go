// Package gateway exposes the HTTP surface: campaign CRUD, chat reads,
// channel mode control, provider webhook ingestion and the SSE event
// stream.
package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/courier/internal/channel"
	"github.com/zulandar/courier/internal/connmode"
	"github.com/zulandar/courier/internal/ingest"
	"github.com/zulandar/courier/internal/notify"
	"gorm.io/gorm"
)

// StartOpts holds configuration for the gateway server.
type StartOpts struct {
	DB         *gorm.DB
	Registry   *channel.Registry
	Modes      *connmode.Manager
	Normalizer *ingest.Normalizer
	Hub        *notify.Hub
	Port       int
	Out        io.Writer
}

// Start launches the gateway HTTP server. It blocks until ctx is
// cancelled, then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	router, err := Router(opts)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Courier gateway listening on :%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}

// Router builds the gin engine with all routes registered. Exposed
// separately so tests can drive it with httptest.
func Router(opts StartOpts) (*gin.Engine, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("gateway: db is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("gateway: channel registry is required")
	}
	if opts.Normalizer == nil {
		return nil, fmt.Errorf("gateway: normalizer is required")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts)
	return router, nil
}
