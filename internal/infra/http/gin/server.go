package ginserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	gin "github.com/gin-gonic/gin"

	"gigdeal/internal/infra/config"
	"gigdeal/internal/infra/obs"
)

type ChatHTTP interface {
	GetChat(c *gin.Context)
	SendMessage(c *gin.Context)
	ApprovePrice(c *gin.Context)
	MarkRead(c *gin.Context)
	CreateChat(c *gin.Context)
}

type AuthHTTP interface {
	IssueToken(c *gin.Context)
}

type Handlers struct {
	Chat           ChatHTTP
	Auth           AuthHTTP
	Push           gin.HandlerFunc
	AuthMiddleware gin.HandlerFunc
}

func NewServer(cfg config.Sandbox, obsMW obs.Middleware, health obs.HealthHandlers, h Handlers) *http.Server {
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           NewRouter(cfg.Common, obsMW, health, h),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// NewRouter builds the gin engine; the auth route is only mounted in dev envs.
func NewRouter(cfg config.Common, obsMW obs.Middleware, health obs.HealthHandlers, h Handlers) *gin.Engine {
	mode := configureGinMode(cfg.Env)
	if obsMW.Logger != nil {
		obsMW.Logger.Info("gin initialized", "mode", mode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(obsMW.RequestID())
	router.Use(obsMW.AccessLog())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization", "Idempotency-Key", obs.HeaderRequestID},
		ExposeHeaders: []string{
			"Content-Length",
			"Content-Type",
			obs.HeaderRequestID,
		},
		MaxAge: 12 * time.Hour,
	}))
	if h.AuthMiddleware != nil {
		router.Use(h.AuthMiddleware)
	}

	router.GET("/livez", health.Livez)
	router.GET("/readyz", health.Readyz)

	if h.Auth != nil && cfg.Dev() {
		router.POST("/auth/token", h.Auth.IssueToken)
	}
	if h.Chat != nil {
		chat := router.Group("/chat")
		chat.POST("/create-chat", h.Chat.CreateChat)
		chat.GET("/get-chat/:id", h.Chat.GetChat)
		chat.POST("/send-message/:id", h.Chat.SendMessage)
		chat.PATCH("/approve-price/:id", h.Chat.ApprovePrice)
		chat.POST("/mark-as-read/:id", h.Chat.MarkRead)
		chat.PUT("/mark-as-read/:id", h.Chat.MarkRead)
	}
	if h.Push != nil {
		router.GET("/ws", h.Push)
	}
	return router
}

func configureGinMode(env string) string {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "debug":
		gin.SetMode(gin.DebugMode)
		return gin.DebugMode
	case "test", "testing":
		gin.SetMode(gin.TestMode)
		return gin.TestMode
	default:
		gin.SetMode(gin.ReleaseMode)
		return gin.ReleaseMode
	}
}
