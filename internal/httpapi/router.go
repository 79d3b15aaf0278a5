package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/suPer8Hu/marketplace-chat/internal/common"
	"github.com/suPer8Hu/marketplace-chat/internal/httpapi/handlers"
	"github.com/suPer8Hu/marketplace-chat/internal/httpapi/middleware"
)

func NewRouter(h *handlers.Handler) *gin.Engine {
	if !h.Cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(h.Logger))
	r.Use(middleware.Logger(h.Logger))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)
	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// socket endpoint
	r.GET("/cable", h.Cable)
	return r
}
