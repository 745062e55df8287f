package routes

import (
	"log/slog"
	"net/http"

	"github.com/fortexa/loginguard/internal/auth"
	"github.com/fortexa/loginguard/internal/handlers"
	"github.com/fortexa/loginguard/internal/middleware"
	pkghttp "github.com/fortexa/loginguard/pkg/http"
	"github.com/go-chi/chi/v5"
)

// Handlers groups the HTTP handlers served by the API
type Handlers struct {
	Auth          *handlers.AuthHandler
	MFA           *handlers.MFAHandler
	Devices       *handlers.DeviceHandler
	SecurityAdmin *handlers.SecurityAdminHandler
	Rules         *handlers.RuleHandler
	Health        http.HandlerFunc
	Metrics       http.Handler
}

// Dependencies are what the route middleware needs
type Dependencies struct {
	TokenManager     *auth.TokenManager
	Users            auth.UserRepository
	Revocations      auth.TokenRevocationChecker
	RevocationConfig auth.RevocationConfig
	APILimiter       middleware.APILimiter
	AuthRateLimit    middleware.RateLimitConfig
	IPConfig         *pkghttp.IPConfig
	Logger           *slog.Logger
}

// RegisterRoutes registers all application routes
func RegisterRoutes(router chi.Router, h Handlers, deps Dependencies) {
	if h.Health != nil {
		router.Get("/health", h.Health)
	}
	if h.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", h.Metrics)
	}

	// Public routes - no authentication required
	authLimit := middleware.RateLimitByIP(deps.AuthRateLimit)
	router.With(authLimit).Post("/auth/login", h.Auth.Login)
	router.With(authLimit).Post("/auth/refresh", h.Auth.RefreshToken)
	router.With(authLimit).Post("/auth/challenge/verify", h.Auth.VerifyChallenge)

	// Protected routes - authentication required
	router.Group(func(r chi.Router) {
		r.Use(auth.AuthMiddlewareWithRevocation(deps.TokenManager, deps.Revocations, deps.RevocationConfig, deps.Logger))
		r.Use(middleware.APIRateLimit(deps.APILimiter, deps.IPConfig, deps.Logger))

		// Session
		r.Post("/auth/logout", h.Auth.Logout)
		r.Post("/auth/logout-all", h.Auth.LogoutAll)

		// Trusted devices
		r.Get("/auth/devices", h.Devices.List)
		r.Delete("/auth/devices/{deviceID}", h.Devices.Revoke)

		// MFA enrollment
		r.Post("/mfa/setup", h.MFA.InitiateSetup)
		r.Post("/mfa/setup/verify", h.MFA.VerifySetup)
		r.Get("/mfa/status", h.MFA.GetStatus)
		r.Delete("/mfa/devices/{deviceID}", h.MFA.RemoveDevice)

		// Admin-only routes
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(deps.Users, "admin"))

			r.Route("/admin/security", func(r chi.Router) {
				r.Get("/events", h.SecurityAdmin.ListEvents)
				r.Post("/events/{eventID}/resolve", h.SecurityAdmin.ResolveEvent)
				r.Get("/attempts", h.SecurityAdmin.ListAttempts)

				r.Get("/ips", h.SecurityAdmin.FlaggedIPs)
				r.Get("/ips/{ip}", h.SecurityAdmin.IPStats)
				r.Post("/ips/{ip}/blacklist", h.SecurityAdmin.BlacklistIP)
				r.Post("/ips/{ip}/whitelist", h.SecurityAdmin.WhitelistIP)
				r.Get("/ips/{ip}/intel", h.SecurityAdmin.LookupIntel)

				r.Get("/accounts/locked", h.SecurityAdmin.LockedAccounts)
				r.Post("/accounts/{userID}/unlock", h.SecurityAdmin.UnlockAccount)
				r.Get("/summary", h.SecurityAdmin.Summary)

				r.Route("/rules", func(r chi.Router) {
					r.Get("/", h.Rules.List)
					r.Post("/", h.Rules.Create)
					r.Get("/{ruleID}", h.Rules.Get)
					r.Patch("/{ruleID}", h.Rules.Update)
					r.Delete("/{ruleID}", h.Rules.Delete)
				})
			})
		})
	})
}
