package api

import (
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	echoswagger "github.com/swaggo/echo-swagger"

	_ "github.com/poolmux/poolmux/docs"
	"github.com/poolmux/poolmux/internal/api/handler"
	"github.com/poolmux/poolmux/internal/api/middleware"
	"github.com/poolmux/poolmux/internal/core/ports"
)

// retryAfterSeconds is the hint clients get on 503 responses. The pool
// reshuffles on every release, so immediate retry is reasonable.
const retryAfterSeconds = 1

// RouterDeps carries the already-wired core services into the transport
// layer. The router builds only HTTP glue; nothing here owns state.
type RouterDeps struct {
	Orchestrator  ports.Orchestrator
	Admin         ports.PoolAdmin
	Readiness     *handler.ReadinessHandler
	APIKeys       []string
	JWTSecret     string
	AdminPassword string
	TokenTTL      time.Duration
	Log           zerolog.Logger
}

// NewRouter builds and returns the Echo instance with all routes registered.
func NewRouter(deps RouterDeps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Validator = handler.NewValidator()
	e.HTTPErrorHandler = NewHTTPErrorHandler(deps.Log, retryAfterSeconds)

	// --- Global middleware ---
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.RequestID())
	e.Use(echomiddleware.Logger())
	e.Use(echoprometheus.NewMiddleware("poolmux"))

	// --- Handlers ---
	executeHandler := handler.NewExecuteHandler(deps.Orchestrator)
	accountHandler := handler.NewAccountHandler(deps.Admin)
	policyHandler := handler.NewPolicyHandler(deps.Admin)
	poolHandler := handler.NewPoolHandler(deps.Admin)
	authHandler := handler.NewAuthHandler(deps.AdminPassword, deps.JWTSecret, deps.TokenTTL)
	healthHandler := handler.NewHealthHandler()

	// --- Serving path (API key gated) ---
	e.POST("/v1/execute", executeHandler.Execute, middleware.APIKey(deps.APIKeys))

	// --- Auth ---
	e.POST("/auth/login", authHandler.Login)

	// --- Operator surface (JWT + RBAC) ---
	admin := e.Group("/v1", middleware.Auth(deps.JWTSecret), middleware.RBAC(middleware.RoleAdmin))
	admin.GET("/accounts", accountHandler.List)
	admin.POST("/accounts", accountHandler.Import)
	admin.GET("/accounts/:id", accountHandler.Get)
	admin.PATCH("/accounts/:id/status", accountHandler.PatchStatus)
	admin.DELETE("/accounts/:id", accountHandler.Delete)
	admin.GET("/policy", policyHandler.Get)
	admin.PUT("/policy", policyHandler.Put)
	admin.GET("/proxies", poolHandler.Proxies)
	admin.GET("/stats", poolHandler.Stats)

	// --- Health probes (no auth required) ---
	e.GET("/health", healthHandler.Liveness)         // liveness  – is the process alive?
	e.GET("/health/ready", deps.Readiness.Readiness) // readiness – are dependencies up?

	// --- Observability ---
	e.GET("/metrics", echoprometheus.NewHandler())
	e.GET("/swagger/*", echoswagger.WrapHandler)

	return e
}
