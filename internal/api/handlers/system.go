package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger is anything with a health check, satisfied by
// *storage.PostgresStore, *storage.MinIOStore, and *queue.Producer.
type Pinger interface {
	Ping(ctx context.Context) error
}

// simplePinger adapts a dependency whose Ping takes no context (the
// NATS producer) to the Pinger interface.
type simplePinger struct {
	ping func() error
}

func (p simplePinger) Ping(ctx context.Context) error { return p.ping() }

func SimplePinger(ping func() error) Pinger { return simplePinger{ping: ping} }

// SystemHandler serves the ambient health/readiness surface.
type SystemHandler struct {
	checks map[string]Pinger
}

func NewSystemHandler(checks map[string]Pinger) *SystemHandler {
	return &SystemHandler{checks: checks}
}

func (h *SystemHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *SystemHandler) Readyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	results := map[string]string{}
	healthy := true
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			results[name] = err.Error()
			healthy = false
			continue
		}
		results[name] = "ok"
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status": map[bool]string{true: "ready", false: "not ready"}[healthy],
		"checks": results,
	})
}
