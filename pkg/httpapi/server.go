package httpapi

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"tangram.dev/tangram/pkg/checkin"
	"tangram.dev/tangram/pkg/config"
	"tangram.dev/tangram/pkg/database"
	"tangram.dev/tangram/pkg/index"
	"tangram.dev/tangram/pkg/log"
	"tangram.dev/tangram/pkg/messenger"
	"tangram.dev/tangram/pkg/metrics"
	"tangram.dev/tangram/pkg/runtime"
	"tangram.dev/tangram/pkg/store"
	"tangram.dev/tangram/pkg/sync"
)

// Deps are the components the HTTP surface sits in front of; Server
// owns none of their lifecycles.
type Deps struct {
	Store     store.Store
	Index     index.Index
	Database  *database.DB
	Messenger messenger.Messenger
	Runtime   *runtime.Runtime

	ChunkParams checkin.ChunkParams
	Version     string
}

// Server is the echo-backed HTTP/2 + SSE external surface (§6.1).
type Server struct {
	echo   *echo.Echo
	deps   Deps
	local  sync.LocalPeer
	logger zerolog.Logger

	listener net.Listener
}

// New builds the Server and registers every route group. It does not
// start listening; call Serve for that.
func New(deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodDelete},
	}))
	e.Use(requestMetrics())

	s := &Server{
		echo:   e,
		deps:   deps,
		local:  sync.NewLocalPeer(deps.Store, deps.Index, deps.Database),
		logger: log.WithComponent("httpapi"),
	}
	s.routes()
	return s
}

// requestMetrics records tangram_http_requests_total/duration per
// route as a prometheus observer middleware.
func requestMetrics() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			route := c.Path()
			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			metrics.HTTPRequestsTotal.WithLabelValues(route, http.StatusText(status)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

func (s *Server) routes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	s.echo.GET("/objects/:id", s.handleGetObject)
	s.echo.HEAD("/objects/:id", s.handleHeadObject)
	s.echo.PUT("/objects/:id", s.handlePutObject)

	s.echo.GET("/processes/:id", s.handleGetProcess)
	s.echo.HEAD("/processes/:id", s.handleHeadProcess)
	s.echo.PUT("/processes/:id", s.handlePutProcessPayload)
	s.echo.POST("/processes", s.handleSpawnProcess)
	s.echo.POST("/processes/:id/cancel", s.handleCancelProcess)

	s.echo.GET("/tags/:tag", s.handleGetTag)
	s.echo.PUT("/tags/:tag", s.handlePutTag)
	s.echo.DELETE("/tags/:tag", s.handleDeleteTag)

	s.echo.POST("/checkin", s.handleCheckin)
	s.echo.POST("/checkout", s.handleCheckout)

	s.echo.GET("/index/:id", s.handleGetIndexNode)
	s.echo.POST("/index/update", s.handleIndexUpdate)
	s.echo.POST("/clean", s.handleClean)

	s.echo.POST("/remotes", s.handlePostRemote)
	s.echo.GET("/remotes", s.handleListRemotes)
	s.echo.DELETE("/remotes/:name", s.handleDeleteRemote)

	s.echo.POST("/sync", s.handleSyncCall)
	s.echo.POST("/sync/stream", s.handleSyncStream)
}

// Serve binds network/address (tcp or unix, per §6.1) and blocks
// serving until the listener is closed.
func (s *Server) Serve(cfg config.HTTPConfig) error {
	ln, err := net.Listen(cfg.Network, cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info().Str("network", cfg.Network).Str("address", cfg.Address).Msg("httpapi listening")
	return s.echo.Server.Serve(ln)
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.deps.Version,
	})
}
