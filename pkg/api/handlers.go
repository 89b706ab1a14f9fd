package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"dbpool/pkg/health"
	"dbpool/pkg/logger"
	"dbpool/pkg/pool"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler exposes the pool's operational surface over HTTP. It consumes the
// manager only through its public operations; pool internals stay private.
type Handler struct {
	mgr          *pool.Manager
	monitor      *health.Monitor
	pushInterval time.Duration
	log          *logger.Logger
}

// NewHandler creates an API handler
func NewHandler(mgr *pool.Manager, monitor *health.Monitor, pushInterval time.Duration) *Handler {
	if pushInterval <= 0 {
		pushInterval = 2 * time.Second
	}
	return &Handler{
		mgr:          mgr,
		monitor:      monitor,
		pushInterval: pushInterval,
		log:          logger.Get(),
	}
}

// Router builds the gin engine with all routes registered
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(CORSMiddleware())
	r.Use(RequestLogger())

	api := r.Group("/api")
	{
		api.GET("/health", h.HandleHealth)
		api.GET("/status", h.HandleStatus)
		api.GET("/ws/stats", h.HandleStatsFeed)
	}
	return r
}

// HandleHealth probes the database through the pool and reports overall
// service health. Returns 503 when the probe fails.
func (h *Handler) HandleHealth(c *gin.Context) {
	report := h.mgr.HealthCheck(c.Request.Context())

	status := health.StatusHealthy
	if report.Status != pool.StatusHealthy {
		status = health.StatusUnhealthy
	}
	h.monitor.SetComponentStatusWithDetails("connection_pool", status, report.Error, report.Pool)

	code := http.StatusOK
	if status != health.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"pool":    report,
		"service": h.monitor.GetHealth(),
	})
}

// HandleStatus returns the pool occupancy snapshot.
func (h *Handler) HandleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.mgr.Status())
}

// HandleStatsFeed upgrades to a websocket and pushes pool snapshots on an
// interval until the peer goes away. This is the boundary the external
// dashboard consumes.
func (h *Handler) HandleStatsFeed(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.ErrorWithErr("websocket upgrade failed", err)
		return
	}
	defer conn.Close()

	// Drain control frames so pings and close messages are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.pushInterval)
	defer ticker.Stop()

	for {
		if err := conn.WriteJSON(h.mgr.Status()); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("stats feed closed", "error", err)
			}
			return
		}
		select {
		case <-ticker.C:
		case <-c.Request.Context().Done():
			return
		}
	}
}
