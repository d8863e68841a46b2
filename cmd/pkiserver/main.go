package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/adamscao/pkiserver/internal/api"
	"github.com/adamscao/pkiserver/internal/ca"
	"github.com/adamscao/pkiserver/internal/config"
	"github.com/adamscao/pkiserver/internal/db"
	"github.com/adamscao/pkiserver/internal/db/repository"
	"github.com/adamscao/pkiserver/internal/scheduler"
	"github.com/adamscao/pkiserver/internal/secrets"
	"github.com/adamscao/pkiserver/internal/session"
)

var (
	// Version information (set via ldflags)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "/etc/pkiserver/config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("PKI Server\n")
		fmt.Printf("Version:    %s\n", Version)
		fmt.Printf("Commit:     %s\n", Commit)
		fmt.Printf("Build Time: %s\n", BuildTime)
		os.Exit(0)
	}

	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg)
	log.Info().Str("version", Version).Str("commit", Commit).Msg("starting PKI server")

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Database.Path).Msg("failed to open database")
	}
	defer database.Close()

	if err := db.RunMigrations(database); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	encryptor, err := secrets.New(cfg.Encryption.Key)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid encryption key")
	}

	caRepo := repository.NewCARepository(database.DB)
	certRepo := repository.NewCertRepository(database.DB)
	revRepo := repository.NewRevocationRepository(database.DB)
	crlRepo := repository.NewCRLRepository(database.DB)
	userRepo := repository.NewUserRepository(database.DB)
	tokenRepo := repository.NewTokenRepository(database.DB)
	auditRepo := repository.NewAuditRepository(database.DB)

	// Bootstrap is idempotent: an existing active CA is reused.
	caRow, created, err := ca.BootstrapCA(caRepo, encryptor, ca.BootstrapParams{
		Name:         cfg.CA.Name,
		ValidityDays: cfg.CA.ValidityDays,
		Algorithm:    cfg.CA.KeyAlgorithm,
		KeyBits:      cfg.CA.KeyBits,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("CA bootstrap failed")
	}
	if created {
		log.Info().Str("name", caRow.Name).Time("valid_until", caRow.ValidUntil).Msg("certificate authority created")
	}

	manager, err := ca.NewManager(caRepo, certRepo, revRepo, crlRepo, encryptor, ca.Options{
		LeafValidityDays: cfg.CA.LeafValidityDays,
		CRLValidityDays:  cfg.CRL.ValidityDays,
		LeafAlgorithm:    cfg.CA.LeafAlgorithm,
		LeafKeyBits:      cfg.CA.LeafKeyBits,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize CA manager")
	}

	if cfg.Export.CACertPath != "" {
		if err := manager.ExportCACertificate(cfg.Export.CACertPath); err != nil {
			log.Error().Err(err).Str("path", cfg.Export.CACertPath).Msg("CA certificate export failed")
		}
	}

	sessions := session.NewStore(cfg.GetSessionTTL(), cfg.GetPendingMFATTL())
	defer sessions.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Rotation.Enabled {
		sched := scheduler.New(manager, certRepo, tokenRepo, auditRepo, scheduler.Options{
			RenewWithinDays:     cfg.Rotation.RenewWithinDays,
			RenewCheckInterval:  cfg.GetRenewCheckInterval(),
			CRLRebuildInterval:  cfg.GetCRLRebuildInterval(),
			ExpireCheckInterval: cfg.GetExpireCheckInterval(),
			CRLExportPath:       cfg.Export.CRLPath,
		})
		sched.Start(ctx)
		defer sched.Stop()
	}

	server := api.NewServer(cfg, manager, sessions, userRepo, certRepo, tokenRepo, auditRepo)

	go func() {
		log.Info().Str("addr", cfg.Server.ListenAddr).Msg("HTTP server listening")
		if err := server.Run(); err != nil {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil || cfg.Logging.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if cfg.Logging.Format == "text" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
