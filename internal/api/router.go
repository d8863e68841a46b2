package api

import (
	"github.com/gin-gonic/gin"

	"github.com/adamscao/pkiserver/internal/api/handlers"
	"github.com/adamscao/pkiserver/internal/api/middleware"
	"github.com/adamscao/pkiserver/internal/ca"
	"github.com/adamscao/pkiserver/internal/config"
	"github.com/adamscao/pkiserver/internal/db/repository"
	"github.com/adamscao/pkiserver/internal/session"
)

// Server represents the HTTP server
type Server struct {
	router *gin.Engine
	config *config.Config
}

// NewServer wires the middleware chain and routes. Order matters: the
// request log wraps everything, the mTLS pipeline establishes identity,
// and the MFA gate blocks protected routes until the second factor is
// verified.
func NewServer(
	cfg *config.Config,
	manager *ca.Manager,
	sessions *session.Store,
	userRepo *repository.UserRepository,
	certRepo *repository.CertRepository,
	tokenRepo *repository.TokenRepository,
	auditRepo *repository.AuditRepository,
) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	pipeline := middleware.NewMTLSPipeline(certRepo, userRepo, tokenRepo, auditRepo, sessions)

	router.Use(gin.Recovery())
	router.Use(middleware.Logger())
	router.Use(pipeline.Handler())
	router.Use(middleware.MFAGate())

	authHandler := handlers.NewAuthHandler(userRepo, auditRepo, sessions)
	mfaHandler := handlers.NewMFAHandler(userRepo, tokenRepo, auditRepo, sessions,
		cfg.MFA.Issuer, cfg.MFA.Skew, cfg.GetTokenValidity())
	caHandler := handlers.NewCAHandler(manager)
	certHandler := handlers.NewCertHandler(manager, certRepo, auditRepo)
	adminHandler := handlers.NewAdminHandler(manager, userRepo, certRepo, auditRepo)

	v1 := router.Group("/v1")
	{
		// Public trust material
		caGroup := v1.Group("/ca")
		{
			caGroup.GET("/certificate", caHandler.GetCACertificate)
			caGroup.GET("/crl", caHandler.GetCRL)
		}

		// Login and the MFA state machine
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/login", authHandler.Login)
			authGroup.POST("/logout", authHandler.Logout)
			authGroup.GET("/whoami", authHandler.Whoami)

			mfa := authGroup.Group("/mfa")
			{
				mfa.GET("/setup", mfaHandler.BeginSetup)
				mfa.POST("/setup", mfaHandler.CompleteSetup)
				mfa.POST("/verify", mfaHandler.VerifyChallenge)
				mfa.GET("/status", mfaHandler.Status)
			}
		}

		// Certificate lifecycle (behind the MFA gate)
		certs := v1.Group("/certs")
		{
			certs.GET("", certHandler.ListCertificates)
			certs.POST("/issue", certHandler.IssueCertificate)
			certs.POST("/renew", certHandler.RenewCertificate)
			certs.POST("/revoke", certHandler.RevokeCertificate)
			certs.POST("/:serial/bundle", certHandler.DownloadBundle)
		}

		// Admin endpoints (deployment token, outside the session flow)
		admin := v1.Group("/admin")
		admin.Use(middleware.AdminAuth(cfg.Admin.Token))
		{
			admin.POST("/users", adminHandler.CreateUser)
			admin.GET("/users", adminHandler.ListUsers)
			admin.POST("/users/:username/active", adminHandler.SetUserActive)
			admin.GET("/audit", adminHandler.ListAuditLogs)
		}
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return &Server{
		router: router,
		config: cfg,
	}
}

// Run starts the HTTP server
func (s *Server) Run() error {
	return s.router.Run(s.config.Server.ListenAddr)
}

// Router returns the underlying Gin router
func (s *Server) Router() *gin.Engine {
	return s.router
}
