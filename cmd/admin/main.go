package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/adamscao/pkiserver/internal/auth"
	"github.com/adamscao/pkiserver/internal/ca"
	"github.com/adamscao/pkiserver/internal/config"
	"github.com/adamscao/pkiserver/internal/db"
	"github.com/adamscao/pkiserver/internal/db/repository"
	"github.com/adamscao/pkiserver/internal/models"
	"github.com/adamscao/pkiserver/internal/secrets"
)

var (
	configPath string
	cfg        *config.Config
	database   *db.DB
)

var rootCmd = &cobra.Command{
	Use:   "admin",
	Short: "PKI server administration tool",
	Long:  "Administrative tool for managing the certificate authority, certificates, users and revocation lists",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/pkiserver/config.yaml", "Config file path")

	rootCmd.AddCommand(caCmd)
	rootCmd.AddCommand(crlCmd)
	rootCmd.AddCommand(certCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(auditCmd)
}

func initDB() error {
	var err error
	cfg, err = config.LoadWithEnv(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	database, err = db.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	return db.RunMigrations(database)
}

func newManager() (*ca.Manager, error) {
	enc, err := secrets.New(cfg.Encryption.Key)
	if err != nil {
		return nil, err
	}
	return ca.NewManager(
		repository.NewCARepository(database.DB),
		repository.NewCertRepository(database.DB),
		repository.NewRevocationRepository(database.DB),
		repository.NewCRLRepository(database.DB),
		enc,
		ca.Options{
			LeafValidityDays: cfg.CA.LeafValidityDays,
			CRLValidityDays:  cfg.CRL.ValidityDays,
			LeafAlgorithm:    cfg.CA.LeafAlgorithm,
			LeafKeyBits:      cfg.CA.LeafKeyBits,
		},
	)
}

// --- ca ---

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Manage the certificate authority",
}

var caForce bool

var caInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the certificate authority",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initDB(); err != nil {
			return err
		}
		defer database.Close()

		enc, err := secrets.New(cfg.Encryption.Key)
		if err != nil {
			return err
		}

		caRow, created, err := ca.BootstrapCA(repository.NewCARepository(database.DB), enc, ca.BootstrapParams{
			Name:         cfg.CA.Name,
			ValidityDays: cfg.CA.ValidityDays,
			Algorithm:    cfg.CA.KeyAlgorithm,
			KeyBits:      cfg.CA.KeyBits,
			Force:        caForce,
		})
		if err != nil {
			return err
		}

		if created {
			fmt.Printf("Certificate authority %q created\n", caRow.Name)
		} else {
			fmt.Printf("Certificate authority %q already exists (use --force to replace)\n", caRow.Name)
		}
		fmt.Printf("Valid until: %s\n", caRow.ValidUntil.Format("2006-01-02"))
		return nil
	},
}

var caExportPath string

var caExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the CA certificate PEM to a file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initDB(); err != nil {
			return err
		}
		defer database.Close()

		manager, err := newManager()
		if err != nil {
			return err
		}

		path := caExportPath
		if path == "" {
			path = cfg.Export.CACertPath
		}
		if path == "" {
			return fmt.Errorf("no export path: set --out or export.ca_cert_path")
		}
		if err := manager.ExportCACertificate(path); err != nil {
			return err
		}
		fmt.Printf("CA certificate written to %s\n", path)
		return nil
	},
}

// --- crl ---

var crlCmd = &cobra.Command{
	Use:   "crl",
	Short: "Manage the certificate revocation list",
}

var crlRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Sign and store a fresh CRL",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initDB(); err != nil {
			return err
		}
		defer database.Close()

		manager, err := newManager()
		if err != nil {
			return err
		}

		snapshot, err := manager.GenerateCRL()
		if err != nil {
			return err
		}
		fmt.Printf("CRL #%d signed, next update %s\n", snapshot.CRLNumber, snapshot.NextUpdate.Format("2006-01-02 15:04"))
		return nil
	},
}

var crlExportPath string

var crlExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the latest CRL PEM to a file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initDB(); err != nil {
			return err
		}
		defer database.Close()

		manager, err := newManager()
		if err != nil {
			return err
		}

		path := crlExportPath
		if path == "" {
			path = cfg.Export.CRLPath
		}
		if path == "" {
			return fmt.Errorf("no export path: set --out or export.crl_path")
		}
		if err := manager.ExportCRL(path); err != nil {
			return err
		}
		fmt.Printf("CRL written to %s\n", path)
		return nil
	},
}

// --- cert ---

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Manage certificates",
}

var (
	certUsername     string
	certCommonName   string
	certType         string
	certValidityDays int
)

var certIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a client certificate",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initDB(); err != nil {
			return err
		}
		defer database.Close()

		manager, err := newManager()
		if err != nil {
			return err
		}

		params := ca.IssueParams{
			CommonName:   certCommonName,
			CertType:     certType,
			ValidityDays: certValidityDays,
		}
		if certType == models.CertTypeUser {
			user, err := repository.NewUserRepository(database.DB).GetByUsername(certUsername)
			if err != nil {
				return fmt.Errorf("unknown user %q", certUsername)
			}
			params.User = user
		} else if certCommonName == "" {
			return fmt.Errorf("--cn is required for service certificates")
		}

		issued, err := manager.IssueLeaf(params)
		if err != nil {
			return err
		}

		fmt.Printf("Issued certificate serial %s\n", issued.Certificate.SerialNumber)
		fmt.Printf("Subject: %s\n", issued.Certificate.SubjectDN)
		fmt.Printf("Expires: %s\n\n", issued.Certificate.NotAfter.Format("2006-01-02"))
		fmt.Println(issued.Certificate.CertificatePEM)
		fmt.Println(issued.PrivateKeyPEM)
		return nil
	},
}

var (
	revokeSerial   string
	revokeUsername string
	revokeReason   string
)

var certRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke certificates by serial or username",
	RunE: func(cmd *cobra.Command, args []string) error {
		if (revokeSerial == "") == (revokeUsername == "") {
			return fmt.Errorf("exactly one of --serial or --user is required")
		}

		if err := initDB(); err != nil {
			return err
		}
		defer database.Close()

		manager, err := newManager()
		if err != nil {
			return err
		}

		certRepo := repository.NewCertRepository(database.DB)
		var certs []*models.Certificate
		if revokeSerial != "" {
			cert, err := certRepo.GetBySerial(revokeSerial)
			if err != nil {
				return fmt.Errorf("unknown serial %q", revokeSerial)
			}
			certs = append(certs, cert)
		} else {
			user, err := repository.NewUserRepository(database.DB).GetByUsername(revokeUsername)
			if err != nil {
				return fmt.Errorf("unknown user %q", revokeUsername)
			}
			all, err := certRepo.ListByUser(user.ID)
			if err != nil {
				return err
			}
			for _, cert := range all {
				if !cert.Revoked {
					certs = append(certs, cert)
				}
			}
			if len(certs) == 0 {
				fmt.Printf("User %s has no certificates to revoke\n", user.Username)
				return nil
			}
		}

		for _, cert := range certs {
			if err := manager.Revoke(cert, revokeReason, "admin-cli"); err != nil {
				return err
			}
			fmt.Printf("Certificate %s revoked (%s)\n", cert.SerialNumber, revokeReason)
		}
		fmt.Println("Run 'admin crl rebuild' to publish the revocation")
		return nil
	},
}

var certListCmd = &cobra.Command{
	Use:   "list",
	Short: "List certificates of the active CA",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initDB(); err != nil {
			return err
		}
		defer database.Close()

		manager, err := newManager()
		if err != nil {
			return err
		}

		certs, err := repository.NewCertRepository(database.DB).ListByCA(manager.ActiveCA().ID)
		if err != nil {
			return err
		}
		if len(certs) == 0 {
			fmt.Println("No certificates found")
			return nil
		}

		fmt.Printf("%-10s %-8s %-40s %-12s %s\n", "Serial", "Type", "Subject", "Expires", "Status")
		for _, cert := range certs {
			status := "valid"
			switch {
			case cert.Revoked:
				status = "revoked"
			case cert.Superseded():
				status = "superseded"
			}
			fmt.Printf("%-10s %-8s %-40s %-12s %s\n",
				cert.SerialNumber,
				cert.CertType,
				cert.SubjectDN,
				cert.NotAfter.Format("2006-01-02"),
				status,
			)
		}
		return nil
	},
}

var (
	bundleSerial   string
	bundlePassword string
	bundleOut      string
)

var certBundleCmd = &cobra.Command{
	Use:   "export-p12",
	Short: "Export a certificate as a PKCS#12 bundle",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initDB(); err != nil {
			return err
		}
		defer database.Close()

		manager, err := newManager()
		if err != nil {
			return err
		}

		cert, err := repository.NewCertRepository(database.DB).GetBySerial(bundleSerial)
		if err != nil {
			return fmt.Errorf("unknown serial %q", bundleSerial)
		}

		data, err := manager.ExportPKCS12(cert, bundlePassword)
		if err != nil {
			return err
		}
		if err := os.WriteFile(bundleOut, data, 0o600); err != nil {
			return err
		}
		fmt.Printf("PKCS#12 bundle written to %s\n", bundleOut)
		return nil
	},
}

// --- audit ---

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit log",
}

var (
	auditUser   string
	auditAction string
	auditLimit  int
	auditSince  string
)

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show recent audit entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initDB(); err != nil {
			return err
		}
		defer database.Close()

		logs, err := repository.NewAuditRepository(database.DB).List(auditUser, auditAction, auditLimit)
		if err != nil {
			return err
		}
		printAuditLogs(logs)
		return nil
	},
}

var auditFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "Show recent failed authentication attempts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initDB(); err != nil {
			return err
		}
		defer database.Close()

		window, err := time.ParseDuration(auditSince)
		if err != nil {
			return fmt.Errorf("invalid --since duration %q", auditSince)
		}

		logs, err := repository.NewAuditRepository(database.DB).ListFailedAuth(time.Now().Add(-window), auditLimit)
		if err != nil {
			return err
		}
		printAuditLogs(logs)
		return nil
	},
}

func printAuditLogs(logs []*models.AuditLog) {
	if len(logs) == 0 {
		fmt.Println("No audit entries found")
		return
	}

	fmt.Printf("%-20s %-18s %-15s %-16s %-4s %s\n", "Timestamp", "Action", "Username", "Client", "OK", "Error")
	for _, entry := range logs {
		ok := "yes"
		if !entry.Success {
			ok = "no"
		}
		fmt.Printf("%-20s %-18s %-15s %-16s %-4s %s\n",
			entry.Timestamp.Format("2006-01-02 15:04:05"),
			entry.Action,
			entry.Username,
			entry.ClientIP,
			ok,
			entry.ErrorMsg,
		)
	}
}

// --- user ---

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
}

var (
	username string
	email    string
	password string
	isAdmin  bool
)

var userCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new user",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initDB(); err != nil {
			return err
		}
		defer database.Close()

		passwordHash, err := auth.HashPassword(password)
		if err != nil {
			return fmt.Errorf("failed to hash password: %w", err)
		}

		user := &models.User{
			Username:     username,
			Email:        email,
			PasswordHash: passwordHash,
			IsActive:     true,
			IsAdmin:      isAdmin,
		}
		if err := repository.NewUserRepository(database.DB).Create(user); err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}

		fmt.Printf("User %s created (ID %d)\n", user.Username, user.ID)
		fmt.Println("MFA enrollment happens on first login")
		return nil
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all users",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initDB(); err != nil {
			return err
		}
		defer database.Close()

		users, err := repository.NewUserRepository(database.DB).List()
		if err != nil {
			return fmt.Errorf("failed to list users: %w", err)
		}
		if len(users) == 0 {
			fmt.Println("No users found")
			return nil
		}

		fmt.Printf("%-5s %-20s %-8s %-8s %-6s %s\n", "ID", "Username", "Active", "Admin", "MFA", "Created")
		for _, user := range users {
			fmt.Printf("%-5d %-20s %-8t %-8t %-6t %s\n",
				user.ID,
				user.Username,
				user.IsActive,
				user.IsAdmin,
				user.MFAConfigured(),
				user.CreatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return nil
	},
}

var userDisableCmd = &cobra.Command{
	Use:   "disable [username]",
	Short: "Disable a user account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initDB(); err != nil {
			return err
		}
		defer database.Close()

		userRepo := repository.NewUserRepository(database.DB)
		user, err := userRepo.GetByUsername(args[0])
		if err != nil {
			return fmt.Errorf("unknown user %q", args[0])
		}
		if err := userRepo.SetActive(user.ID, false); err != nil {
			return err
		}

		fmt.Printf("User %s disabled\n", user.Username)
		fmt.Println("Revoke their certificates with 'admin cert revoke' if needed")
		return nil
	},
}

func init() {
	caInitCmd.Flags().BoolVar(&caForce, "force", false, "Replace an existing active CA")
	caExportCmd.Flags().StringVar(&caExportPath, "out", "", "Output path (defaults to export.ca_cert_path)")
	caCmd.AddCommand(caInitCmd, caExportCmd)

	crlExportCmd.Flags().StringVar(&crlExportPath, "out", "", "Output path (defaults to export.crl_path)")
	crlCmd.AddCommand(crlRebuildCmd, crlExportCmd)

	certIssueCmd.Flags().StringVarP(&certUsername, "user", "u", "", "Username the certificate belongs to")
	certIssueCmd.Flags().StringVar(&certCommonName, "cn", "", "Common name (defaults to the username)")
	certIssueCmd.Flags().StringVar(&certType, "type", models.CertTypeUser, "Certificate type: user or service")
	certIssueCmd.Flags().IntVar(&certValidityDays, "validity-days", 0, "Validity in days (defaults from config)")

	certRevokeCmd.Flags().StringVar(&revokeSerial, "serial", "", "Certificate serial")
	certRevokeCmd.Flags().StringVar(&revokeUsername, "user", "", "Revoke all live certificates of this user")
	certRevokeCmd.Flags().StringVar(&revokeReason, "reason", models.ReasonUnspecified, "Revocation reason")

	certBundleCmd.Flags().StringVar(&bundleSerial, "serial", "", "Certificate serial (required)")
	certBundleCmd.Flags().StringVar(&bundlePassword, "password", "", "Bundle password (empty for passwordless)")
	certBundleCmd.Flags().StringVar(&bundleOut, "out", "bundle.p12", "Output path")
	certBundleCmd.MarkFlagRequired("serial")

	certCmd.AddCommand(certIssueCmd, certRevokeCmd, certListCmd, certBundleCmd)

	userCreateCmd.Flags().StringVarP(&username, "username", "u", "", "Username (required)")
	userCreateCmd.Flags().StringVar(&email, "email", "", "Email address")
	userCreateCmd.Flags().StringVarP(&password, "password", "p", "", "Password (required)")
	userCreateCmd.Flags().BoolVar(&isAdmin, "admin", false, "Grant admin privileges")
	userCreateCmd.MarkFlagRequired("username")
	userCreateCmd.MarkFlagRequired("password")

	userCmd.AddCommand(userCreateCmd, userListCmd, userDisableCmd)

	auditCmd.PersistentFlags().IntVar(&auditLimit, "limit", 50, "Maximum entries to show")
	auditListCmd.Flags().StringVarP(&auditUser, "user", "u", "", "Filter by username")
	auditListCmd.Flags().StringVar(&auditAction, "action", "", "Filter by action")
	auditFailedCmd.Flags().StringVar(&auditSince, "since", "24h", "Look-back window")
	auditCmd.AddCommand(auditListCmd, auditFailedCmd)
}
