package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/nevotalya/dj-server/internal/config"
	"github.com/nevotalya/dj-server/internal/core"
)

// NewServer builds the HTTP server: the health check, the REST endpoints and
// the WebSocket relay endpoint, with CORS applied across all of them.
func NewServer(hub *core.Hub, cfg config.Config, clock clockwork.Clock, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(LoggerMiddleware(logger))

	engine.GET("/health", healthHandler)

	api := NewAPIHandlers(hub, logger)
	engine.GET("/api/stats", api.Stats)
	engine.GET("/api/users/:id", api.VisibleUsers)

	engine.GET("/ws", gin.WrapH(NewWSHandler(hub, clock, cfg.HeartbeatPeriod, cfg.FrameBudget, logger)))

	corsWrapper := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{stdhttp.MethodGet, stdhttp.MethodHead},
		AllowedHeaders: []string{"*"},
	})

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           corsWrapper.Handler(engine),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}
