package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tmarchal/bourse/server/internal/handler"
	"golang.org/x/time/rate"
)

type Config struct {
	StockHandler *handler.StockHandler

	// RequestsPerSecond caps the whole read API; the burst is fixed at
	// twice the sustained rate.
	RequestsPerSecond float64
}

func NewRouter(cfg *Config) *gin.Engine {
	router := gin.Default()
	router.Use(rateLimit(cfg.RequestsPerSecond))

	api := router.Group("/v1/")
	registerStockRoutes(api, cfg.StockHandler)

	return router
}

func rateLimit(requestsPerSecond float64) gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(requestsPerSecond), int(2*requestsPerSecond))
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
