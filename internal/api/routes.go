// Package api assembles the admin HTTP surface: versioned handlers under
// /api/v1 behind token auth, the public webhook receiver, health and the
// internal metrics endpoint.
package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"vpnhub/internal/api/middleware"
	v1 "vpnhub/internal/api/v1"
	"vpnhub/internal/ledger"
	"vpnhub/internal/payments"
	"vpnhub/internal/repository"
	"vpnhub/internal/service"
	"vpnhub/internal/settings"
	"vpnhub/pkg/logger"
)

type Deps struct {
	Pool          *pgxpool.Pool
	Logger        *zap.Logger
	LogStore      *logger.SystemLogStore
	InternalToken string

	Auth    *service.AuthService
	Tariffs *service.TariffService
	Keys    *service.KeyService
	Users   *service.UserService
	Coupons *service.CouponService

	KeyRepo     repository.KeyRepository
	UserRepo    repository.UserRepository
	PaymentRepo repository.PaymentRepository
	AdminRepo   repository.AdminRepository
	CouponRepo  repository.CouponRepository

	Ledger    *ledger.Ledger
	Devices   v1.DeviceManager
	Settings  *settings.Store
	Registry  *payments.Registry
	Processor *payments.Processor
}

func NewRouter(deps Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Admin-Token"},
		MaxAge:           12 * time.Hour,
		AllowCredentials: false,
	}))

	system := v1.NewSystemHandler(deps.Pool, deps.UserRepo, deps.KeyRepo, deps.PaymentRepo, deps.LogStore)
	router.GET("/health", system.Health)

	// Webhooks authenticate through provider signatures, not admin tokens.
	hooks := router.Group("/")
	hooks.Use(middleware.RateLimitByIP(120, time.Minute))
	v1.RegisterPaymentRoutes(hooks, deps.Registry, deps.Processor, deps.Logger)

	admin := router.Group("/api/v1")
	admin.Use(middleware.AdminAuth(deps.Auth))
	v1.RegisterSettingsRoutes(admin, deps.Settings)
	v1.RegisterTariffRoutes(admin, deps.Tariffs)
	v1.RegisterKeyRoutes(admin, deps.Keys, deps.KeyRepo, deps.Devices)
	v1.RegisterUserRoutes(admin, deps.Users, deps.Coupons, deps.UserRepo, deps.Ledger)
	v1.RegisterCouponRoutes(admin, deps.CouponRepo)
	v1.RegisterAdminRoutes(admin, deps.Auth, deps.AdminRepo)
	v1.RegisterSystemRoutes(admin, system)

	internal := router.Group("/internal")
	internal.Use(middleware.InternalTokenAuth(deps.InternalToken))
	internal.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}
