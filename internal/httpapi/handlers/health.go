package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/marketplace-chat/internal/common"
)

type check struct {
	Status  string `json:"status"` // "pass" or "fail"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

// Health pings the relational store and, when configured, redis.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]check{"db": runCheck(ctx, h.pingDB)}
	if h.Redis != nil {
		checks["redis"] = runCheck(ctx, h.Redis.Ping)
	}

	status, code := "healthy", http.StatusOK
	for _, ch := range checks {
		if ch.Status != "pass" {
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	c.JSON(code, gin.H{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) pingDB(ctx context.Context) error {
	sqlDB, err := h.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func runCheck(ctx context.Context, ping func(context.Context) error) check {
	start := time.Now()
	if err := ping(ctx); err != nil {
		return check{Status: "fail", Message: "connection failed"}
	}
	return check{Status: "pass", Latency: time.Since(start).String()}
}
