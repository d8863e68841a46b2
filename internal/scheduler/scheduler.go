package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/adamscao/pkiserver/internal/ca"
	"github.com/adamscao/pkiserver/internal/db/repository"
	"github.com/adamscao/pkiserver/internal/models"
)

// Certificates this close to expiry get logged by the sweep, in days.
const warnWithinDays = 30

// Audit entries older than this are dropped by the sweep, in days.
const auditRetentionDays = 365

// Options configures the background rotation jobs.
type Options struct {
	RenewWithinDays     int
	RenewCheckInterval  time.Duration
	CRLRebuildInterval  time.Duration
	ExpireCheckInterval time.Duration

	// CRLExportPath, when set, mirrors each rebuilt CRL to disk for
	// the reverse proxy to pick up.
	CRLExportPath string
}

// Scheduler runs the certificate rotation loops: proactive renewal of
// expiring certificates, periodic CRL rebuilds, and an expiry sweep
// that warns about certificates running out.
type Scheduler struct {
	manager   *ca.Manager
	certRepo  *repository.CertRepository
	tokenRepo *repository.TokenRepository
	auditRepo *repository.AuditRepository
	opts      Options

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. Call Start to launch the loops.
func New(
	manager *ca.Manager,
	certRepo *repository.CertRepository,
	tokenRepo *repository.TokenRepository,
	auditRepo *repository.AuditRepository,
	opts Options,
) *Scheduler {
	return &Scheduler{
		manager:   manager,
		certRepo:  certRepo,
		tokenRepo: tokenRepo,
		auditRepo: auditRepo,
		opts:      opts,
	}
}

// Start launches the background loops. Each job also runs once at
// startup so a restart never leaves a stale CRL behind.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(3)
	go s.loop(ctx, s.opts.RenewCheckInterval, "renew", s.renewExpiring)
	go s.loop(ctx, s.opts.CRLRebuildInterval, "crl_rebuild", s.rebuildCRL)
	go s.loop(ctx, s.opts.ExpireCheckInterval, "expire_sweep", s.sweepExpired)

	log.Info().
		Int("renew_within_days", s.opts.RenewWithinDays).
		Dur("renew_interval", s.opts.RenewCheckInterval).
		Dur("crl_interval", s.opts.CRLRebuildInterval).
		Msg("rotation scheduler started")
}

// Stop cancels the loops and waits for them to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, name string, job func() error) {
	defer s.wg.Done()

	run := func() {
		if err := job(); err != nil {
			log.Error().Err(err).Str("job", name).Msg("scheduled job failed")
		}
	}
	run()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

// renewExpiring issues replacements for certificates inside the renewal
// window. The old certificate stays valid until its own expiry, so the
// holder has the whole window to pick up the new one.
func (s *Scheduler) renewExpiring() error {
	window := time.Duration(s.opts.RenewWithinDays) * 24 * time.Hour
	certs, err := s.certRepo.ListExpiringWithin(window)
	if err != nil {
		return err
	}

	for _, cert := range certs {
		if cert.Revoked || cert.Superseded() {
			continue
		}

		issued, err := s.manager.Renew(cert, 0)
		if err != nil {
			log.Error().Err(err).Str("serial", cert.SerialNumber).Msg("automatic renewal failed")
			continue
		}

		log.Info().
			Str("old_serial", cert.SerialNumber).
			Str("new_serial", issued.Certificate.SerialNumber).
			Time("old_expiry", cert.NotAfter).
			Msg("certificate renewed automatically")

		s.auditRepo.Create(&models.AuditLog{
			Action:   models.ActionCertRenew,
			ClientIP: "scheduler",
			Success:  true,
			Details:  `{"old_serial":"` + cert.SerialNumber + `","new_serial":"` + issued.Certificate.SerialNumber + `"}`,
		})
	}
	return nil
}

// rebuildCRL publishes a fresh CRL and mirrors it to disk if an export
// path is configured.
func (s *Scheduler) rebuildCRL() error {
	snapshot, err := s.manager.GenerateCRL()
	if err != nil {
		return err
	}

	log.Info().
		Int64("crl_number", snapshot.CRLNumber).
		Time("next_update", snapshot.NextUpdate).
		Msg("CRL rebuilt")

	s.auditRepo.Create(&models.AuditLog{
		Action:   models.ActionCRLRebuild,
		ClientIP: "scheduler",
		Success:  true,
	})

	if s.opts.CRLExportPath != "" {
		if err := s.manager.ExportCRL(s.opts.CRLExportPath); err != nil {
			log.Error().Err(err).Str("path", s.opts.CRLExportPath).Msg("CRL export failed")
		}
	}
	return nil
}

// sweepExpired logs expired certificates, warns about upcoming
// expiries, and clears out expired API tokens and aged audit entries.
func (s *Scheduler) sweepExpired() error {
	expired, err := s.certRepo.ListExpired()
	if err != nil {
		return err
	}
	for _, cert := range expired {
		log.Info().
			Str("serial", cert.SerialNumber).
			Time("expired_at", cert.NotAfter).
			Msg("certificate expired")
	}

	expiring, err := s.certRepo.ListExpiringWithin(warnWithinDays * 24 * time.Hour)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, cert := range expiring {
		if cert.Revoked || cert.Superseded() {
			continue
		}
		log.Warn().
			Str("serial", cert.SerialNumber).
			Str("subject_dn", cert.SubjectDN).
			Int("days_remaining", int(cert.NotAfter.Sub(now).Hours()/24)).
			Msg("certificate approaching expiry")
	}

	if n, err := s.tokenRepo.DeleteExpired(); err == nil && n > 0 {
		log.Info().Int64("count", n).Msg("expired API tokens removed")
	}

	cutoff := now.AddDate(0, 0, -auditRetentionDays)
	if n, err := s.auditRepo.DeleteOld(cutoff); err == nil && n > 0 {
		log.Info().Int64("count", n).Time("before", cutoff).Msg("old audit entries removed")
	}
	return nil
}
