// Package web serves the automation REST API.
package web

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"smarthome-automations/internal/metrics"
	"smarthome-automations/internal/utils"
	"smarthome-automations/internal/web/api"
	"smarthome-automations/internal/web/middleware"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Auth is the token side of the auth module
type Auth interface {
	api.Authenticator
	api.PasswordChanger
	middleware.TokenValidator
}

type Dependencies struct {
	Auth          Auth
	Users         api.UserStore
	Notifications api.NotificationLister
	Devices       api.DeviceReader
	Automations   api.AutomationStore
	Logs          api.LogStore
	Validator     api.AutomationValidator
	Engine        api.EngineInterface

	// Health reports whether the process can serve traffic. Nil means always healthy.
	Health      func(ctx context.Context) error
	CORSOrigins []string
	Release     bool
}

type WebServer struct {
	router *gin.Engine
	server *http.Server
	log    zerolog.Logger
}

func NewWebServer(addr string, deps Dependencies) *WebServer {
	if deps.Release {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	middlewareManager := middleware.NewMiddlewareManager(deps.Auth)
	router.Use(middlewareManager.Recovery(), middlewareManager.RequestLogger(), corsMiddleware(deps.CORSOrigins))

	router.GET("/healthz", func(c *gin.Context) {
		if deps.Health != nil {
			if err := deps.Health(c); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api.RegisterAuthRoutes(router, deps.Auth)
	api.RegisterUserRoutes(router, middlewareManager, deps.Users, deps.Auth)
	api.RegisterDeviceRoutes(router, middlewareManager, deps.Devices)
	api.RegisterNotificationRoutes(router, middlewareManager, deps.Notifications)
	api.RegisterAutomationRoutes(router, middlewareManager, api.AutomationDependencies{
		Automations: deps.Automations,
		Logs:        deps.Logs,
		Validator:   deps.Validator,
		Engine:      deps.Engine,
	})

	return &WebServer{
		router: router,
		server: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: utils.Component("http"),
	}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

// Handler exposes the router, mainly for tests
func (ws *WebServer) Handler() http.Handler {
	return ws.router
}

// Start serves until Shutdown is called
func (ws *WebServer) Start() error {
	ws.log.Info().Str("addr", ws.server.Addr).Msg("HTTP server listening")
	if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones, websocket streams excepted
func (ws *WebServer) Shutdown(ctx context.Context) error {
	return ws.server.Shutdown(ctx)
}
