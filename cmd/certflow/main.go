package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blockadesystems/certflow/internal/audit"
	"github.com/blockadesystems/certflow/internal/config"
	"github.com/blockadesystems/certflow/internal/engine"
	"github.com/blockadesystems/certflow/internal/fault"
	"github.com/blockadesystems/certflow/internal/model"
	"github.com/blockadesystems/certflow/internal/storage"
	"github.com/blockadesystems/certflow/internal/transport"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	logger = l.With(zap.String("package", "main"))
}

type app struct {
	cfg      *config.Config
	store    storage.Storage
	tp       *transport.Client
	accounts *engine.AccountEngine
	orders   *engine.OrderEngine
	authzs   *engine.AuthzEngine
	certs    *engine.CertificateEngine
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	store, err := storage.NewStorage(
		cfg.StorageType,
		cfg.DBHost,
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBName,
		cfg.DBPort,
		cfg.DBSSLMode,
	)
	if err != nil {
		logger.Fatal("failed to initialize storage", zap.Error(err), zap.String("storage_type", cfg.StorageType))
	}
	defer store.Close()

	tp := transport.New(cfg.DirectoryURL, cfg.HTTPTimeout)
	auditLog := audit.New(logger)
	a := &app{
		cfg:      cfg,
		store:    store,
		tp:       tp,
		accounts: engine.NewAccountEngine(tp, store, auditLog),
		orders:   engine.NewOrderEngine(tp, store, auditLog),
		authzs:   engine.NewAuthzEngine(tp, store, auditLog),
		certs:    engine.NewCertificateEngine(tp, store, auditLog),
	}

	ctx := context.Background()
	if err := a.run(ctx, os.Args[1], os.Args[2:]); err != nil {
		reportFault(err)
		os.Exit(1)
	}
}

func (a *app) run(ctx context.Context, command string, args []string) error {
	switch command {
	case "register":
		return a.cmdRegister(ctx, args)
	case "order":
		return a.cmdOrder(ctx, args)
	case "prepare":
		return a.cmdPrepare(ctx, args)
	case "respond":
		return a.cmdRespond(ctx, args)
	case "finalize":
		return a.cmdFinalize(ctx, args)
	case "download":
		return a.cmdDownload(ctx, args)
	case "status":
		return a.cmdStatus(ctx, args)
	case "revoke":
		return a.cmdRevoke(ctx, args)
	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

// cmdRegister registers a new account with the configured CA.
func (a *app) cmdRegister(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	email := fs.String("email", a.cfg.ContactEmail, "contact email for the account")
	fs.Parse(args)

	acc, err := a.accounts.RegisterByEmail(ctx, *email, a.cfg.AccountKeySize, true)
	if err != nil {
		return err
	}
	fmt.Printf("Account registered: %s (status %s)\n", acc.AccountURL, acc.Status)
	return nil
}

// cmdOrder places an order for the given domains using the account
// registered for the configured CA.
func (a *app) cmdOrder(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("order", flag.ExitOnError)
	email := fs.String("email", a.cfg.ContactEmail, "account contact email")
	domains := fs.String("domains", "", "comma-separated domains to order")
	fs.Parse(args)

	if *domains == "" {
		return fmt.Errorf("order requires -domains")
	}
	acc, err := a.lookupAccount(ctx, *email)
	if err != nil {
		return err
	}
	order, err := a.orders.Create(ctx, acc, strings.Split(*domains, ","))
	if err != nil {
		return err
	}
	fmt.Printf("Order %s created (status %s), %d authorization(s)\n",
		order.ID, order.Status, len(order.Authorizations))
	return nil
}

// cmdPrepare fetches the order's authorizations and prints the TXT records
// the operator must publish.
func (a *app) cmdPrepare(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("prepare", flag.ExitOnError)
	orderID := fs.String("order", "", "order ID")
	fs.Parse(args)

	order, err := a.store.GetOrder(ctx, *orderID)
	if err != nil {
		return err
	}
	for _, authz := range order.Authorizations {
		if _, err := a.authzs.FetchDetails(ctx, authz); err != nil {
			return err
		}
		ch, err := a.authzs.PrepareDNSChallenge(ctx, authz, order.Account)
		if err != nil {
			return err
		}
		record := ch.DNSRecord()
		fmt.Printf("Publish TXT record:\n  %s\n  %s\n", record.Name, record.Value)
	}
	return nil
}

// cmdRespond tells the CA to validate each pending challenge and polls
// until every authorization settles.
func (a *app) cmdRespond(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("respond", flag.ExitOnError)
	orderID := fs.String("order", "", "order ID")
	timeout := fs.Duration("timeout", 2*time.Minute, "polling deadline")
	fs.Parse(args)

	order, err := a.store.GetOrder(ctx, *orderID)
	if err != nil {
		return err
	}
	for _, authz := range order.Authorizations {
		ch, err := a.authzs.DNSChallenge(authz)
		if err != nil {
			return err
		}
		if ch.Status == model.StatusPending {
			if _, err := a.authzs.Complete(ctx, ch, order.Account); err != nil {
				return err
			}
		}
		if err := a.pollChallenge(ctx, ch, *timeout); err != nil {
			return err
		}
		fmt.Printf("Authorization for %s: %s\n", authz.Identifier.Value, authz.Status)
	}
	return nil
}

// pollChallenge re-checks the challenge until it leaves the pending and
// processing states or the deadline passes.
func (a *app) pollChallenge(ctx context.Context, ch *model.Challenge, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	interval := 2 * time.Second
	for {
		if ch.Status != model.StatusPending && ch.Status != model.StatusProcessing {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("challenge %s still %s after %s", ch.URL, ch.Status, timeout)
		}
		time.Sleep(interval)
		if interval < 10*time.Second {
			interval += time.Second
		}
		if _, err := a.authzs.CheckStatus(ctx, ch); err != nil {
			return err
		}
	}
}

// cmdFinalize finalizes a ready order with a generated key and CSR.
func (a *app) cmdFinalize(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("finalize", flag.ExitOnError)
	orderID := fs.String("order", "", "order ID")
	fs.Parse(args)

	order, err := a.store.GetOrder(ctx, *orderID)
	if err != nil {
		return err
	}
	if _, err := a.orders.RefreshStatus(ctx, order); err != nil {
		return err
	}
	if !a.orders.IsReady(order) {
		return fmt.Errorf("order %s is not ready (status %s)", order.ID, order.Status)
	}
	if _, err := a.orders.FinalizeWithAutoCSR(ctx, order); err != nil {
		return err
	}
	fmt.Printf("Order %s finalized (status %s)\n", order.ID, order.Status)
	return nil
}

// cmdDownload polls the order until it turns valid, then downloads the
// certificate and writes the PEM files.
func (a *app) cmdDownload(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	orderID := fs.String("order", "", "order ID")
	outPrefix := fs.String("out", "certificate", "output file prefix")
	timeout := fs.Duration("timeout", 2*time.Minute, "polling deadline")
	fs.Parse(args)

	order, err := a.store.GetOrder(ctx, *orderID)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(*timeout)
	for order.CertificateURL == "" || order.Status == model.StatusProcessing {
		if time.Now().After(deadline) {
			return fmt.Errorf("order %s has no certificate after %s", order.ID, *timeout)
		}
		time.Sleep(2 * time.Second)
		if _, err := a.orders.RefreshStatus(ctx, order); err != nil {
			return err
		}
	}

	cert, err := a.orders.DownloadCertificate(ctx, order)
	if err != nil {
		return err
	}
	certFile := *outPrefix + ".pem"
	if err := os.WriteFile(certFile, []byte(cert.FullChainPEM()), 0644); err != nil {
		return err
	}
	if cert.PrivateKeyPEM != "" {
		keyFile := *outPrefix + ".key"
		if err := os.WriteFile(keyFile, []byte(cert.PrivateKeyPEM), 0600); err != nil {
			return err
		}
	}
	fmt.Printf("Certificate %s written to %s (expires %s)\n",
		cert.SerialNumber, certFile, cert.NotAfter.Format(time.RFC3339))
	return nil
}

// cmdStatus prints the current local and server-side state of an order.
func (a *app) cmdStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	orderID := fs.String("order", "", "order ID")
	fs.Parse(args)

	order, err := a.store.GetOrder(ctx, *orderID)
	if err != nil {
		return err
	}
	if _, err := a.orders.RefreshStatus(ctx, order); err != nil {
		return err
	}
	fmt.Printf("Order %s: %s\n", order.ID, order.Status)
	for _, authz := range order.Authorizations {
		domain := "?"
		if authz.Identifier != nil {
			domain = authz.Identifier.Value
		}
		fmt.Printf("  authorization %s: %s\n", domain, authz.Status)
	}
	if order.CertificateURL != "" {
		fmt.Printf("  certificate: %s\n", order.CertificateURL)
	}
	return nil
}

// cmdRevoke revokes the certificate attached to an order.
func (a *app) cmdRevoke(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("revoke", flag.ExitOnError)
	orderID := fs.String("order", "", "order ID")
	reason := fs.Int("reason", 0, "RFC 5280 revocation reason code")
	fs.Parse(args)

	certs, err := a.certs.FindByOrderID(ctx, *orderID)
	if err != nil {
		return err
	}
	if len(certs) == 0 {
		return fmt.Errorf("no certificate stored for order %s", *orderID)
	}
	cert := certs[0]
	if cert.Order == nil {
		order, err := a.store.GetOrder(ctx, *orderID)
		if err != nil {
			return err
		}
		cert.Order = order
	}
	if _, err := a.certs.Revoke(ctx, cert, *reason); err != nil {
		return err
	}
	fmt.Printf("Certificate %s revoked\n", cert.SerialNumber)
	return nil
}

// lookupAccount finds the stored account for the configured CA by email.
func (a *app) lookupAccount(ctx context.Context, email string) (*model.Account, error) {
	if email == "" {
		return nil, fmt.Errorf("no account email given (set -email or CERTFLOW_CONTACT_EMAIL)")
	}
	acc, err := a.accounts.FindAccountByEmail(ctx, email, a.cfg.DirectoryURL)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, fmt.Errorf("no account registered for %s, run `certflow register` first", email)
	}
	return acc, nil
}

// reportFault prints a fault with its kind so operators can tell a CA
// refusal from a local mistake.
func reportFault(err error) {
	switch {
	case fault.IsServer(err):
		if sf := fault.AsServer(err); sf != nil && sf.Problem != nil {
			logger.Error("CA rejected the request",
				zap.String("type", sf.Problem.Type), zap.String("detail", sf.Problem.Detail))
			return
		}
		logger.Error("CA rejected the request", zap.Error(err))
	case fault.IsValidation(err):
		logger.Error("invalid input", zap.Error(err))
	case fault.IsOperation(err):
		logger.Error("operation not possible in current state", zap.Error(err))
	default:
		logger.Error("request failed", zap.Error(err))
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `certflow - ACME dns-01 certificate client

Usage:
  certflow register -email you@example.com
  certflow order    -email you@example.com -domains example.com,www.example.com
  certflow prepare  -order <id>
  certflow respond  -order <id>
  certflow finalize -order <id>
  certflow download -order <id> [-out prefix]
  certflow status   -order <id>
  certflow revoke   -order <id> [-reason n]

Configuration comes from CERTFLOW_* environment variables.
`)
}
