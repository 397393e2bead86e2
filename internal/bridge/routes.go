package bridge

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRouter builds the gin engine with all routes registered.
func NewRouter(h *Handlers, log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLog(log))

	RegisterRoutes(r, h)
	return r
}

// RegisterRoutes attaches every endpoint to the router.
//
//	GET  /health          service status + engine snapshot
//	POST /assert          admit one assertion or a batch (shape-gated)
//	POST /retract         tombstone a fact and cascade
//	GET  /query           pattern match or substring search
//	GET  /why             justification DAG for a fact
//	GET  /subgraph        bounded neighborhood extraction
//	GET  /render          subgraph as JSON or SVG via external renderer
//	POST /rules/load      compile and install a rule pack
//	GET  /rules/stat      rule counts by kind
//	GET  /contradictions  recorded contradiction events
//	GET  /audit/recent    newest audit events (when configured)
//	GET  /metrics         prometheus scrape surface
func RegisterRoutes(r *gin.Engine, h *Handlers) {
	r.GET("/health", h.Health)
	r.POST("/assert", h.Assert)
	r.POST("/retract", h.Retract)
	r.GET("/query", h.Query)
	r.GET("/why", h.Why)
	r.GET("/subgraph", h.Subgraph)
	r.GET("/render", h.Render)
	r.POST("/rules/load", h.RulesLoad)
	r.GET("/rules/stat", h.RulesStat)
	r.GET("/contradictions", h.Contradictions)
	r.GET("/audit/recent", h.AuditRecent)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// requestLog logs each request with a generated request ID and feeds the
// per-path counters.
func requestLog(log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("http")
	return func(c *gin.Context) {
		reqID := uuid.NewString()
		c.Set("request_id", reqID)
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		requestsTotal.WithLabelValues(c.FullPath(), strconv.Itoa(status)).Inc()
		log.Info("request",
			zap.String("request_id", reqID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("elapsed", time.Since(start)))
	}
}
