// Package handler exposes the process's ambient observability surface.
// The merchant-facing session API is out of scope; this is operator-only.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/dmz4pf/kasgate-sub001/internal/core/ports"
	"github.com/dmz4pf/kasgate-sub001/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RouterDeps wires the ambient HTTP surface's dependencies.
type RouterDeps struct {
	HealthCheckers []ports.HealthChecker
	RPCState       func() ports.ConnState
	StartedAt      time.Time
}

// SetupRouter builds the gin engine for the ambient surface: request-id
// tagging, /healthz and /metrics. No merchant-facing routes live here.
func SetupRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestID())

	r.GET("/healthz", healthzHandler(deps.HealthCheckers))
	r.GET("/metrics", metricsHandler(deps))

	return r
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("request_id", uuid.New().String())
		c.Next()
	}
}

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func healthzHandler(checkers []ports.HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		results := make([]checkResult, 0, len(checkers))
		healthy := true
		for _, ch := range checkers {
			res := checkResult{Name: ch.Name(), Status: "ok"}
			if err := ch.Ping(ctx); err != nil {
				res.Status = "down"
				res.Error = err.Error()
				healthy = false
			}
			results = append(results, res)
		}

		if !healthy {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": results})
			return
		}
		response.OK(c, gin.H{"status": "ok", "checks": results})
	}
}

func metricsHandler(deps RouterDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := gin.H{"uptime_seconds": int64(time.Since(deps.StartedAt).Seconds())}
		if deps.RPCState != nil {
			body["rpc_connection_state"] = string(deps.RPCState())
		}
		response.OK(c, body)
	}
}
