package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blockadesystems/certflow/internal/audit"
	"github.com/blockadesystems/certflow/internal/fault"
	"github.com/blockadesystems/certflow/internal/keys"
	"github.com/blockadesystems/certflow/internal/model"
	"github.com/blockadesystems/certflow/internal/storage"
	"github.com/blockadesystems/certflow/internal/transport"
)

// AccountEngine registers, locates and deactivates ACME accounts on a
// single CA.
type AccountEngine struct {
	tp    *transport.Client
	store storage.Storage
	audit *audit.Logger
}

// NewAccountEngine builds an account engine over the shared transport,
// storage and audit collaborators.
func NewAccountEngine(tp *transport.Client, store storage.Storage, auditLog *audit.Logger) *AccountEngine {
	return &AccountEngine{tp: tp, store: store, audit: auditLog}
}

// Register creates a new account at the CA's newAccount resource using the
// supplied key pair and persists the result. The private key is validated
// before any network call.
func (e *AccountEngine) Register(ctx context.Context, contacts []string, termsAgreed bool, privateKeyPEM string) (*model.Account, error) {
	key, err := keys.ParseRSAPrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	jwk, err := keys.PublicKeyJWK(key)
	if err != nil {
		return nil, err
	}

	dir, err := e.tp.Directory(ctx)
	if err != nil {
		return nil, err
	}
	payload := newAccountPayload{Contact: contacts, TermsOfServiceAgreed: termsAgreed}
	resp, err := e.tp.Post(ctx, dir.NewAccount, payload, privateKeyPEM, "")
	if err != nil {
		e.audit.Exception(err, "account", "", map[string]any{"contacts": contacts})
		return nil, err
	}

	var body accountResponse
	if err := resp.Decode(&body); err != nil {
		return nil, fault.Transportf("parse new account response", err)
	}

	acc := &model.Account{
		ServerURL:      e.tp.DirectoryURL(),
		AccountURL:     resp.Location(),
		PrivateKeyPEM:  privateKeyPEM,
		PublicKeyJWK:   jwk,
		Contact:        contacts,
		TermsOfService: termsAgreed,
	}
	if len(body.Contact) > 0 {
		acc.Contact = body.Contact
	}
	acc.SetStatus(body.Status)

	if err := e.store.SaveAccount(ctx, acc); err != nil {
		return nil, err
	}
	e.audit.Operation("registerAccount", "account registered", "account", acc.ID,
		map[string]any{"account_url": acc.AccountURL, "status": acc.Status}, zapcore.InfoLevel)
	logger.Info("account registered", zap.String("accountID", acc.ID), zap.String("accountURL", acc.AccountURL))
	return acc, nil
}

// RegisterByEmail generates a fresh RSA key pair of the given size and
// registers an account with a single mailto contact. Underlying protocol
// faults are wrapped in a registration error that preserves the cause.
func (e *AccountEngine) RegisterByEmail(ctx context.Context, email string, keySize int, termsAgreed bool) (*model.Account, error) {
	if email == "" {
		return nil, fault.Validationf("contact email is empty")
	}
	keyPEM, err := keys.GenerateRSAKeyPEM(keySize)
	if err != nil {
		return nil, err
	}
	acc, err := e.Register(ctx, []string{"mailto:" + email}, termsAgreed, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("account registration failed: %w", err)
	}
	return acc, nil
}

// FindAccountByEmail looks up a persisted account by contact email,
// optionally restricted to one server URL. No network call is made.
func (e *AccountEngine) FindAccountByEmail(ctx context.Context, email, serverURL string) (*model.Account, error) {
	return e.store.GetAccountByEmail(ctx, email, serverURL)
}

// FindAccountsByServerURL returns all persisted accounts for a CA.
func (e *AccountEngine) FindAccountsByServerURL(ctx context.Context, serverURL string) ([]*model.Account, error) {
	return e.store.GetAccountsByServerURL(ctx, serverURL)
}

// FindAccountsByStatus returns all persisted accounts with the given status.
func (e *AccountEngine) FindAccountsByStatus(ctx context.Context, status string) ([]*model.Account, error) {
	return e.store.GetAccountsByStatus(ctx, status)
}

// IsAccountValid reports the account's local validity. A stale but locally
// valid account counts as valid; callers needing freshness must refresh.
func (e *AccountEngine) IsAccountValid(acc *model.Account) bool {
	return acc != nil && acc.IsValid()
}

// Deactivate posts a deactivation request authenticated with the account's
// own key and persists the resulting status.
func (e *AccountEngine) Deactivate(ctx context.Context, acc *model.Account) (*model.Account, error) {
	if acc == nil || acc.AccountURL == "" || acc.PrivateKeyPEM == "" {
		return nil, fault.Operationf("Invalid account data")
	}
	resp, err := e.tp.Post(ctx, acc.AccountURL, deactivatePayload{Status: model.StatusDeactivated}, acc.PrivateKeyPEM, acc.AccountURL)
	if err != nil {
		e.audit.Exception(err, "account", acc.ID, nil)
		return nil, err
	}
	var body accountResponse
	if err := resp.Decode(&body); err != nil {
		return nil, fault.Transportf("parse account deactivation response", err)
	}
	acc.SetStatus(model.StatusDeactivated)
	if err := e.store.SaveAccount(ctx, acc); err != nil {
		return nil, err
	}
	e.audit.Operation("deactivateAccount", "account deactivated", "account", acc.ID, nil, zapcore.InfoLevel)
	return acc, nil
}

// UpdateContacts replaces the account's contact list at the CA and persists
// the change locally.
func (e *AccountEngine) UpdateContacts(ctx context.Context, acc *model.Account, newContacts []string) (*model.Account, error) {
	if acc == nil || acc.AccountURL == "" || acc.PrivateKeyPEM == "" {
		return nil, fault.Operationf("Invalid account data")
	}
	resp, err := e.tp.Post(ctx, acc.AccountURL, updateAccountPayload{Contact: newContacts}, acc.PrivateKeyPEM, acc.AccountURL)
	if err != nil {
		e.audit.Exception(err, "account", acc.ID, map[string]any{"contacts": newContacts})
		return nil, err
	}
	var body accountResponse
	if err := resp.Decode(&body); err != nil {
		return nil, fault.Transportf("parse account update response", err)
	}
	acc.Contact = newContacts
	if len(body.Contact) > 0 {
		acc.Contact = body.Contact
	}
	if err := e.store.SaveAccount(ctx, acc); err != nil {
		return nil, err
	}
	e.audit.Operation("updateAccountContacts", "account contacts updated", "account", acc.ID, nil, zapcore.InfoLevel)
	return acc, nil
}
