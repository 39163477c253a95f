// Package httpapi exposes the chessroom HTTP surface: health and room
// inspection endpoints, and the websocket upgrade endpoint.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cory-johannsen/chessroom/internal/game/session"
)

// WSPath is where the websocket endpoint is mounted.
const WSPath = "/ws"

// NewRouter routes WSPath to ws and everything else to the gin engine.
//
// The websocket handler is mounted beside gin rather than inside it: the
// upgrade writes its 101 status before hijacking the connection, and gin's
// ResponseWriter refuses to hijack once a status has been written.
//
// Precondition: coord, ws and logger must be non-nil.
func NewRouter(coord *session.Coordinator, ws http.Handler, logger *zap.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(WSPath, ws)
	mux.Handle("/", NewEngine(coord, logger))
	return mux
}

// NewEngine builds the gin engine serving the health and room endpoints.
func NewEngine(coord *session.Coordinator, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	r.GET("/healthz", HealthHandler(coord))

	api := r.Group("/api")
	api.GET("/rooms", ListRoomsHandler(coord))
	api.GET("/rooms/:id", GetRoomHandler(coord))

	return r
}

// HealthHandler reports liveness and current load.
func HealthHandler(coord *session.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"engine":      coord.Registry().Engine().Name(),
			"rooms":       coord.Registry().Len(),
			"connections": coord.ConnectionCount(),
		})
	}
}

// ListRoomsHandler lists live rooms ordered by id.
func ListRoomsHandler(coord *session.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": coord.Registry().List()})
	}
}

// GetRoomHandler returns a snapshot of one room. Broken rooms are reported
// as not found, as they are to connected clients.
func GetRoomHandler(coord *session.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		rm, ok := coord.Registry().Get(c.Param("id"))
		if !ok || rm.Broken() != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "room-not-found"})
			return
		}
		c.JSON(http.StatusOK, rm.Snapshot())
	}
}

// requestLogger logs every request gin serves at debug level.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}
