package engine

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blockadesystems/certflow/internal/audit"
	"github.com/blockadesystems/certflow/internal/fault"
	"github.com/blockadesystems/certflow/internal/keys"
	"github.com/blockadesystems/certflow/internal/model"
	"github.com/blockadesystems/certflow/internal/storage"
	"github.com/blockadesystems/certflow/internal/transport"
)

// dnsChallengePrefix is prepended to the (wildcard-stripped) domain to form
// the TXT record name (RFC 8555 section 8.4).
const dnsChallengePrefix = "_acme-challenge."

// AuthzEngine drives dns-01 authorizations: fetching details, preparing the
// TXT record material, responding to challenges and polling their outcome.
type AuthzEngine struct {
	tp    *transport.Client
	store storage.Storage
	audit *audit.Logger
}

// NewAuthzEngine builds an authorization engine over the shared
// collaborators.
func NewAuthzEngine(tp *transport.Client, store storage.Storage, auditLog *audit.Logger) *AuthzEngine {
	return &AuthzEngine{tp: tp, store: store, audit: auditLog}
}

// FetchDetails fetches the authorization resource at its URL and fills in
// the stub created at order time: identifier, expiry, wildcard flag and the
// challenge list. Only dns-01 challenges are materialized locally; other
// types the CA offers are ignored. The identifier is linked back to the
// owning order's identifier by value, accepting the wildcard-stripped form.
func (e *AuthzEngine) FetchDetails(ctx context.Context, authz *model.Authorization) (*model.Authorization, error) {
	if authz == nil || authz.URL == "" {
		return nil, fault.Operationf("Invalid authorization or account data")
	}
	resp, err := e.tp.Get(ctx, authz.URL)
	if err != nil {
		e.audit.Exception(err, "authorization", authz.ID, map[string]any{"url": authz.URL})
		return nil, err
	}
	var body authorizationResponse
	if err := resp.Decode(&body); err != nil {
		return nil, fault.Transportf("parse authorization response", err)
	}

	authz.SetStatus(body.Status)
	if !body.Expires.IsZero() {
		authz.Expires = body.Expires
	}
	authz.Wildcard = body.Wildcard
	e.linkIdentifier(authz, body.Identifier.Value)

	for _, wc := range body.Challenges {
		if wc.Type != model.ChallengeTypeDNS01 {
			continue
		}
		ch := authz.ChallengeByURL(wc.URL)
		if ch == nil {
			ch = &model.Challenge{URL: wc.URL, Type: wc.Type}
			authz.AddChallenge(ch)
		}
		ch.Token = wc.Token
		ch.SetStatus(wc.Status)
		if !wc.Validated.IsZero() {
			ch.Validated = wc.Validated
		}
		ch.Error = wc.Error
	}

	if err := e.store.SaveAuthorization(ctx, authz); err != nil {
		return nil, err
	}
	logger.Debug("authorization fetched",
		zap.String("authzURL", authz.URL),
		zap.String("status", authz.Status),
		zap.Int("challenges", len(authz.Challenges)))
	return authz, nil
}

// linkIdentifier attaches the order identifier whose value matches the
// authorization's identifier. Wildcard authorizations carry the stripped
// value on the wire, so "*."+value also matches.
func (e *AuthzEngine) linkIdentifier(authz *model.Authorization, value string) {
	if authz.Order == nil || value == "" {
		return
	}
	for _, id := range authz.Order.Identifiers {
		if id.Value == value || id.Value == "*."+value {
			authz.Identifier = id
			authz.IdentifierID = id.ID
			return
		}
	}
}

// DNSChallenge returns the authorization's dns-01 challenge, or an
// operation fault when the CA offered none.
func (e *AuthzEngine) DNSChallenge(authz *model.Authorization) (*model.Challenge, error) {
	for _, ch := range authz.Challenges {
		if ch.Type == model.ChallengeTypeDNS01 {
			return ch, nil
		}
	}
	return nil, fault.Operationf("No dns-01 challenge available for authorization")
}

// PrepareDNSChallenge computes the key authorization and TXT record tuple
// for the authorization's dns-01 challenge and persists them. The record
// name is the _acme-challenge label on the identifier value with any "*."
// prefix stripped.
func (e *AuthzEngine) PrepareDNSChallenge(ctx context.Context, authz *model.Authorization, acc *model.Account) (*model.Challenge, error) {
	if authz == nil || acc == nil || acc.PrivateKeyPEM == "" {
		return nil, fault.Operationf("Invalid authorization or account data")
	}
	ch, err := e.DNSChallenge(authz)
	if err != nil {
		return nil, err
	}
	if ch.Token == "" {
		return nil, fault.Operationf("Invalid challenge or account data")
	}
	keyAuth, err := keys.KeyAuthorization(ch.Token, acc.PrivateKeyPEM)
	if err != nil {
		return nil, err
	}

	domain := ""
	if authz.Identifier != nil {
		domain = authz.Identifier.Value
	}
	if domain == "" {
		return nil, fault.Operationf("Invalid authorization or account data")
	}
	ch.KeyAuthorization = keyAuth
	ch.DNSRecordName = dnsChallengePrefix + strings.TrimPrefix(domain, "*.")
	ch.DNSRecordValue = DNSRecordValue(keyAuth)
	ch.SetStatus(model.StatusPending)

	if err := e.store.SaveChallenge(ctx, ch); err != nil {
		return nil, err
	}
	e.audit.Operation("prepareDnsChallenge", "dns-01 challenge prepared", "challenge", ch.ID,
		map[string]any{"record": ch.DNSRecordName}, zapcore.InfoLevel)
	logger.Info("dns-01 challenge prepared",
		zap.String("record", ch.DNSRecordName),
		zap.String("value", ch.DNSRecordValue))
	return ch, nil
}

// SetupDNSRecord returns the TXT tuple for the authorization's dns-01
// challenge, preparing it first when the record material is not yet
// populated. Talking to a DNS provider is the caller's job.
func (e *AuthzEngine) SetupDNSRecord(ctx context.Context, authz *model.Authorization, acc *model.Account) (model.DNSRecord, error) {
	if authz != nil {
		if ch, err := e.DNSChallenge(authz); err == nil &&
			ch.DNSRecordName != "" && ch.DNSRecordValue != "" {
			return ch.DNSRecord(), nil
		}
	}
	ch, err := e.PrepareDNSChallenge(ctx, authz, acc)
	if err != nil {
		return model.DNSRecord{}, err
	}
	return ch.DNSRecord(), nil
}

// DNSChallengeRecord returns the TXT tuple for an already-prepared
// challenge without recomputing anything.
func (e *AuthzEngine) DNSChallengeRecord(ch *model.Challenge) (model.DNSRecord, error) {
	if ch == nil || ch.DNSRecordName == "" || ch.DNSRecordValue == "" {
		return model.DNSRecord{}, fault.Operationf("Challenge has no prepared DNS record")
	}
	return ch.DNSRecord(), nil
}

// Respond tells the CA the challenge is ready for validation by posting an
// empty JSON object to the challenge URL, then applies the CA's immediate
// challenge state.
func (e *AuthzEngine) Respond(ctx context.Context, ch *model.Challenge, acc *model.Account) (*model.Challenge, error) {
	if ch == nil || ch.URL == "" || acc == nil || acc.AccountURL == "" || acc.PrivateKeyPEM == "" {
		return nil, fault.Operationf("Invalid challenge or account data")
	}
	resp, err := e.tp.Post(ctx, ch.URL, struct{}{}, acc.PrivateKeyPEM, acc.AccountURL)
	if err != nil {
		e.audit.Exception(err, "challenge", ch.ID, map[string]any{"url": ch.URL})
		return nil, err
	}
	var body challengeResponse
	if err := resp.Decode(&body); err != nil {
		return nil, fault.Transportf("parse challenge response", err)
	}
	applyChallengeResponse(ch, &body)
	if err := e.store.SaveChallenge(ctx, ch); err != nil {
		return nil, err
	}
	e.audit.Operation("respondChallenge", "challenge response submitted", "challenge", ch.ID,
		map[string]any{"status": ch.Status}, zapcore.InfoLevel)
	return ch, nil
}

// Start is an alias of Respond.
func (e *AuthzEngine) Start(ctx context.Context, ch *model.Challenge, acc *model.Account) (*model.Challenge, error) {
	return e.Respond(ctx, ch, acc)
}

// Validate is an alias of Respond.
func (e *AuthzEngine) Validate(ctx context.Context, ch *model.Challenge, acc *model.Account) (*model.Challenge, error) {
	return e.Respond(ctx, ch, acc)
}

// Complete responds to the challenge only when it is still pending.
func (e *AuthzEngine) Complete(ctx context.Context, ch *model.Challenge, acc *model.Account) (*model.Challenge, error) {
	if ch == nil {
		return nil, fault.Operationf("Invalid challenge or account data")
	}
	if ch.Status != model.StatusPending {
		return nil, fault.Operationf("Challenge must be in PENDING status to complete")
	}
	return e.Respond(ctx, ch, acc)
}

// CheckStatus re-fetches the challenge resource and applies the current
// server state. On a valid outcome the owning authorization is marked valid
// as well.
func (e *AuthzEngine) CheckStatus(ctx context.Context, ch *model.Challenge) (*model.Challenge, error) {
	if ch == nil || ch.URL == "" {
		return nil, fault.Operationf("Invalid challenge or account data")
	}
	resp, err := e.tp.Get(ctx, ch.URL)
	if err != nil {
		return nil, err
	}
	var body challengeResponse
	if err := resp.Decode(&body); err != nil {
		return nil, fault.Transportf("parse challenge response", err)
	}
	applyChallengeResponse(ch, &body)
	if ch.Status == model.StatusValid && ch.Authorization != nil {
		ch.Authorization.SetStatus(model.StatusValid)
		if err := e.store.SaveAuthorization(ctx, ch.Authorization); err != nil {
			return nil, err
		}
	} else if err := e.store.SaveChallenge(ctx, ch); err != nil {
		return nil, err
	}
	logger.Debug("challenge status checked",
		zap.String("challengeURL", ch.URL), zap.String("status", ch.Status))
	return ch, nil
}

// CleanupDNSRecord clears the prepared record material from the challenge.
// Actual DNS deletion is the caller's responsibility; this only forgets the
// tuple so it is not re-published.
func (e *AuthzEngine) CleanupDNSRecord(ctx context.Context, ch *model.Challenge) error {
	if ch == nil {
		return nil
	}
	record := ch.DNSRecordName
	ch.DNSRecordName = ""
	ch.DNSRecordValue = ""
	if err := e.store.SaveChallenge(ctx, ch); err != nil {
		return err
	}
	if record != "" {
		logger.Info("dns record material cleared", zap.String("record", record))
	}
	return nil
}

// Deactivate posts a deactivation request to the authorization URL and
// applies the resulting status.
func (e *AuthzEngine) Deactivate(ctx context.Context, authz *model.Authorization, acc *model.Account) (*model.Authorization, error) {
	if authz == nil || authz.URL == "" || acc == nil || acc.AccountURL == "" || acc.PrivateKeyPEM == "" {
		return nil, fault.Operationf("Invalid authorization or account data")
	}
	resp, err := e.tp.Post(ctx, authz.URL, deactivatePayload{Status: model.StatusDeactivated}, acc.PrivateKeyPEM, acc.AccountURL)
	if err != nil {
		e.audit.Exception(err, "authorization", authz.ID, nil)
		return nil, err
	}
	var body authorizationResponse
	if err := resp.Decode(&body); err != nil {
		return nil, fault.Transportf("parse authorization response", err)
	}
	authz.SetStatus(model.StatusDeactivated)
	if err := e.store.SaveAuthorization(ctx, authz); err != nil {
		return nil, err
	}
	e.audit.Operation("deactivateAuthorization", "authorization deactivated", "authorization", authz.ID, nil, zapcore.InfoLevel)
	return authz, nil
}

// IsChallengeValid reports local challenge validity.
func (e *AuthzEngine) IsChallengeValid(ch *model.Challenge) bool {
	return ch != nil && ch.Status == model.StatusValid
}

// IsAuthorizationValid reports whether the authorization is valid and not
// expired.
func (e *AuthzEngine) IsAuthorizationValid(authz *model.Authorization) bool {
	return authz != nil && authz.Status == model.StatusValid && !authz.IsExpired()
}

// IsAuthorizationExpired reports authorization expiry, with the status
// taking precedence over the timestamp.
func (e *AuthzEngine) IsAuthorizationExpired(authz *model.Authorization) bool {
	return authz != nil && authz.IsExpired()
}

// FindByDomain returns the most recent persisted authorization for a
// domain.
func (e *AuthzEngine) FindByDomain(ctx context.Context, domain string) (*model.Authorization, error) {
	return e.store.GetAuthorizationByDomain(ctx, domain)
}

// FindByStatus returns persisted authorizations with the given status.
func (e *AuthzEngine) FindByStatus(ctx context.Context, status string) ([]*model.Authorization, error) {
	return e.store.GetAuthorizationsByStatus(ctx, status)
}

// DNSRecordValue derives the TXT record value from a key authorization:
// the base64url encoding, without padding, of its SHA-256 digest.
// The result is always 43 characters.
func DNSRecordValue(keyAuthorization string) string {
	sum := sha256.Sum256([]byte(keyAuthorization))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func applyChallengeResponse(ch *model.Challenge, body *challengeResponse) {
	ch.SetStatus(body.Status)
	if body.Token != "" {
		ch.Token = body.Token
	}
	if !body.Validated.IsZero() {
		ch.Validated = body.Validated
	}
	if body.Error != nil {
		// An error document is authoritative over the reported status.
		ch.Error = body.Error
		ch.SetStatus(model.StatusInvalid)
	}
}
