// Package api assembles the admin HTTP surface: gin router,
// middleware, and the device/operator WebSocket upgrade endpoint.
package api

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/facegate/internal/api/handlers"
)

// Deps collects everything the router needs to mount handlers.
type Deps struct {
	System     *handlers.SystemHandler
	Users      *handlers.UsersHandler
	Attendance *handlers.AttendanceHandler
	WSHandler  http.HandlerFunc
}

// New builds the gin engine: recovery, logging, CORS, then the routes
// themselves. The WebSocket endpoint is mounted as a raw http.Handler
// wrapped for gin, since the Session Registry does its own upgrade.
func New(d Deps) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(LoggingMiddleware())
	engine.Use(cors.Default())

	engine.GET("/healthz", d.System.Healthz)
	engine.GET("/readyz", d.System.Readyz)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	engine.GET("/ws", gin.WrapF(d.WSHandler))

	v1 := engine.Group("/v1")
	{
		v1.GET("/users", d.Users.List)
		v1.GET("/users/:id", d.Users.Get)
		v1.GET("/attendance", d.Attendance.List)
	}

	return engine
}
