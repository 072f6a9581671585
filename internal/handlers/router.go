package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/blink-duel/internal/middleware"
)

// RouterStore is everything the HTTP surface needs from storage
type RouterStore interface {
	Store
	QueueReader
	MatchReader
}

type RouterConfig struct {
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	TokenTTL       time.Duration
}

// NewRouter wires the relay's HTTP and WebSocket endpoints
func NewRouter(cfg RouterConfig, relay *Relay, store RouterStore) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger())

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", Login(cfg.JWTSecret, cfg.TokenTTL))
		apiGroup.GET("/queue", QueueStats(relay, store))
		apiGroup.GET("/matches/:matchId", GetMatch(store))
	}

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/signal", middleware.JWTAuth(cfg.JWTSecret), relay.HandleSignaling)
	}

	return router
}
