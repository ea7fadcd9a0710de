package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/timmy/surveyflow/internal/api/handler"
	"github.com/timmy/surveyflow/internal/api/middleware"
	"github.com/timmy/surveyflow/internal/logger"
)

// OpsOptions configures the operational HTTP surface of a worker process.
type OpsOptions struct {
	Mode     string
	Gatherer prometheus.Gatherer
	Checks   map[string]handler.Check
}

// SetupOpsRouter configures the Gin router serving /health and /metrics.
// Parameters:
//   - log: base logger for request logs.
//   - opts: gin mode, metrics gatherer (nil uses the default registry) and health checks.
// Returns:
//   - *gin.Engine: router ready to be served.
func SetupOpsRouter(log *logger.Logger, opts OpsOptions) *gin.Engine {
	// Set Gin mode
	switch opts.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := gin.New()

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log, "/health", "/metrics"))

	healthHandler := handler.NewHealthHandler(opts.Checks)

	r.GET("/health", healthHandler.Health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return r
}
