package engine

import (
	"context"
	"encoding/base64"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blockadesystems/certflow/internal/audit"
	"github.com/blockadesystems/certflow/internal/fault"
	"github.com/blockadesystems/certflow/internal/keys"
	"github.com/blockadesystems/certflow/internal/model"
	"github.com/blockadesystems/certflow/internal/storage"
	"github.com/blockadesystems/certflow/internal/transport"
)

// CertificateEngine inspects and revokes issued certificates and produces
// CSRs for manual finalization.
type CertificateEngine struct {
	tp    *transport.Client
	store storage.Storage
	audit *audit.Logger
}

// NewCertificateEngine builds a certificate engine over the shared
// collaborators.
func NewCertificateEngine(tp *transport.Client, store storage.Storage, auditLog *audit.Logger) *CertificateEngine {
	return &CertificateEngine{tp: tp, store: store, audit: auditLog}
}

// GenerateCSR builds a DER-encoded CSR for the given domains signed with
// the supplied private key. The first domain becomes the common name; all
// domains become SAN entries.
func (e *CertificateEngine) GenerateCSR(domains []string, privateKeyPEM string) ([]byte, error) {
	if len(domains) == 0 {
		return nil, fault.Validationf("no domains given for CSR")
	}
	return keys.GenerateCSR(domains, privateKeyPEM)
}

// IsCertificateValid reports whether the certificate is locally usable: a
// usable status, a not-after time still in the future, and PEM material
// that parses as a well-formed certificate.
func (e *CertificateEngine) IsCertificateValid(cert *model.Certificate) bool {
	if cert == nil || !cert.Valid || cert.IsExpired() {
		return false
	}
	_, err := keys.ParseCertificatePEM(cert.CertificatePEM)
	return err == nil
}

// IsExpired reports whether the certificate's not-after time has passed.
func (e *CertificateEngine) IsExpired(cert *model.Certificate) bool {
	return cert != nil && cert.IsExpired()
}

// IsExpiringWithin reports whether the certificate expires inside the next
// `days` days.
func (e *CertificateEngine) IsExpiringWithin(cert *model.Certificate, days int) bool {
	return cert != nil && cert.IsExpiringWithin(days)
}

// DaysUntilExpiry returns the day count to expiry; the second return is
// false when the certificate carries no not-after time.
func (e *CertificateEngine) DaysUntilExpiry(cert *model.Certificate) (int, bool) {
	if cert == nil {
		return 0, false
	}
	return cert.DaysUntilExpiry()
}

// ContainsDomain reports exact membership of the domain in the
// certificate's SAN list.
func (e *CertificateEngine) ContainsDomain(cert *model.Certificate, domain string) bool {
	return cert != nil && cert.ContainsDomain(domain)
}

// FullChainPEM returns the certificate's leaf concatenated with its chain.
func (e *CertificateEngine) FullChainPEM(cert *model.Certificate) string {
	if cert == nil {
		return ""
	}
	return cert.FullChainPEM()
}

// Revoke revokes the certificate at the CA's revokeCert resource,
// authenticated with the owning account's key. On success the local status
// becomes revoked with the revocation time recorded; on a server refusal
// (for example an already-revoked certificate) the local status is left
// unchanged and the fault propagates.
func (e *CertificateEngine) Revoke(ctx context.Context, cert *model.Certificate, reason int) (*model.Certificate, error) {
	if cert == nil || cert.CertificatePEM == "" {
		return nil, fault.Operationf("Invalid certificate data")
	}
	acc := certificateAccount(cert)
	if acc == nil || acc.AccountURL == "" || acc.PrivateKeyPEM == "" {
		return nil, fault.Operationf("Invalid account data")
	}
	der, err := keys.CertificateDER(cert.CertificatePEM)
	if err != nil {
		return nil, err
	}
	dir, err := e.tp.Directory(ctx)
	if err != nil {
		return nil, err
	}
	payload := revokePayload{
		Certificate: base64.RawURLEncoding.EncodeToString(der),
		Reason:      reason,
	}
	if _, err := e.tp.Post(ctx, dir.RevokeCert, payload, acc.PrivateKeyPEM, acc.AccountURL); err != nil {
		e.audit.Exception(err, "certificate", cert.ID, map[string]any{"serial": cert.SerialNumber})
		return nil, err
	}

	cert.SetStatus(model.StatusRevoked)
	cert.RevokedAt = time.Now()
	if err := e.store.SaveCertificate(ctx, cert); err != nil {
		return nil, err
	}
	e.audit.Operation("revokeCertificate", "certificate revoked", "certificate", cert.ID,
		map[string]any{"serial": cert.SerialNumber, "reason": reason}, zapcore.InfoLevel)
	logger.Info("certificate revoked",
		zap.String("serial", cert.SerialNumber), zap.Int("reason", reason))
	return cert, nil
}

// FindByDomain returns persisted certificates covering a domain.
func (e *CertificateEngine) FindByDomain(ctx context.Context, domain string) ([]*model.Certificate, error) {
	return e.store.GetCertificatesByDomain(ctx, domain)
}

// FindByOrderID returns persisted certificates for an order.
func (e *CertificateEngine) FindByOrderID(ctx context.Context, orderID string) ([]*model.Certificate, error) {
	return e.store.GetCertificatesByOrderID(ctx, orderID)
}

// FindByStatus returns persisted certificates with the given status.
func (e *CertificateEngine) FindByStatus(ctx context.Context, status string) ([]*model.Certificate, error) {
	return e.store.GetCertificatesByStatus(ctx, status)
}

// FindExpiring returns valid certificates expiring within `days` days,
// soonest first.
func (e *CertificateEngine) FindExpiring(ctx context.Context, days int) ([]*model.Certificate, error) {
	return e.store.GetExpiringCertificates(ctx, days)
}

// FindValid returns all locally valid certificates, soonest expiry first.
func (e *CertificateEngine) FindValid(ctx context.Context) ([]*model.Certificate, error) {
	return e.store.GetValidCertificates(ctx)
}

// certificateAccount walks the entity graph to the owning account.
func certificateAccount(cert *model.Certificate) *model.Account {
	if cert.Order == nil {
		return nil
	}
	return cert.Order.Account
}
