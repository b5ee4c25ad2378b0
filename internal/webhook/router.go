// Package webhook exposes the HTTP endpoints that external systems call:
// panel user events, payment top-ups, metrics and health.
package webhook

import (
	"context"
	"net/http"
	"net/netip"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"vpn-subscriptions/internal/utils"
)

type Router struct {
	handler    *Handler
	allowed    []netip.Prefix
	registry   *prometheus.Registry
	releaseGin bool
}

func NewRouter(handler *Handler, allowed []netip.Prefix, registry *prometheus.Registry, release bool) *Router {
	return &Router{
		handler:    handler,
		allowed:    allowed,
		registry:   registry,
		releaseGin: release,
	}
}

func (r *Router) Setup() *gin.Engine {
	if r.releaseGin {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger())
	// webhook callers connect directly, so the socket address is the client ip
	_ = engine.SetTrustedProxies(nil)

	engine.GET("/healthz", r.health)
	if r.registry != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})))
	}

	hooks := engine.Group("/webhooks")
	hooks.Use(AllowIPs(r.allowed))
	{
		hooks.POST("/panel", r.handler.HandlePanel)
		hooks.POST("/topup", r.handler.HandleTopUp)
	}
	return engine
}

func (r *Router) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := gin.H{"database": "ok", "redis": "ok"}
	code := http.StatusOK

	if sqlDB, err := r.handler.DB.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		status["database"] = "unavailable"
		code = http.StatusServiceUnavailable
	}
	if r.handler.Redis != nil {
		if err := r.handler.Redis.Ping(ctx).Err(); err != nil {
			status["redis"] = "unavailable"
			code = http.StatusServiceUnavailable
		}
	}
	c.JSON(code, status)
}

// AllowIPs rejects requests from outside the allowlist.
func AllowIPs(allowed []netip.Prefix) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !utils.IsAllowedIP(c.ClientIP(), allowed) {
			log.Warn().Str("ip", c.ClientIP()).Str("path", c.FullPath()).Msg("Webhook from disallowed address")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("ip", c.ClientIP()).
			Msg("HTTP request")
	}
}
