package engine

import (
	"context"
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

// OrderEngine places and drives certificate orders through the ACME order
// lifecycle: creation, finalization and certificate download.
type OrderEngine struct {
	tp    *transport.Client
	store storage.Storage
	audit *audit.Logger
}

// NewOrderEngine builds an order engine over the shared collaborators.
func NewOrderEngine(tp *transport.Client, store storage.Storage, auditLog *audit.Logger) *OrderEngine {
	return &OrderEngine{tp: tp, store: store, audit: auditLog}
}

// Create places a new order for the given domains under the account. All
// domains become dns identifiers; a leading "*." marks the identifier as
// wildcard but stays in the value verbatim. The CA's authorization URLs come
// back as stub authorizations that FetchDetails later fills in.
func (e *OrderEngine) Create(ctx context.Context, acc *model.Account, domains []string) (*model.Order, error) {
	if acc == nil || acc.AccountURL == "" || acc.PrivateKeyPEM == "" {
		return nil, fault.Operationf("Invalid account data")
	}
	if len(domains) == 0 {
		return nil, fault.Validationf("no domains given for order")
	}

	dir, err := e.tp.Directory(ctx)
	if err != nil {
		return nil, err
	}
	payload := newOrderPayload{}
	for _, d := range domains {
		payload.Identifiers = append(payload.Identifiers, wireIdentifier{Type: "dns", Value: d})
	}
	resp, err := e.tp.Post(ctx, dir.NewOrder, payload, acc.PrivateKeyPEM, acc.AccountURL)
	if err != nil {
		e.audit.Exception(err, "order", "", map[string]any{"domains": domains})
		return nil, err
	}
	var body orderResponse
	if err := resp.Decode(&body); err != nil {
		return nil, fault.Transportf("parse new order response", err)
	}

	order := &model.Order{
		OrderURL:    resp.Location(),
		FinalizeURL: body.Finalize,
		Expires:     body.Expires,
	}
	order.SetStatus(body.Status)
	acc.AddOrder(order)

	for _, wid := range body.Identifiers {
		order.AddIdentifier(&model.Identifier{
			Type:     wid.Type,
			Value:    wid.Value,
			Wildcard: strings.HasPrefix(wid.Value, "*."),
		})
	}
	if len(order.Identifiers) == 0 {
		// CA omitted identifiers in the response; fall back to the request.
		for _, id := range payload.Identifiers {
			order.AddIdentifier(&model.Identifier{
				Type:     id.Type,
				Value:    id.Value,
				Wildcard: strings.HasPrefix(id.Value, "*."),
			})
		}
	}
	for _, authzURL := range body.Authorizations {
		authz := &model.Authorization{URL: authzURL}
		authz.SetStatus(model.StatusPending)
		order.AddAuthorization(authz)
	}

	if err := e.store.SaveOrder(ctx, order); err != nil {
		return nil, err
	}
	e.audit.Operation("createOrder", "order created", "order", order.ID,
		map[string]any{"domains": domains, "order_url": order.OrderURL}, zapcore.InfoLevel)
	logger.Info("order created",
		zap.String("orderID", order.ID),
		zap.Strings("domains", domains),
		zap.String("status", order.Status))
	return order, nil
}

// Finalize submits a DER-encoded CSR to the order's finalize URL and applies
// the CA's resulting order state.
func (e *OrderEngine) Finalize(ctx context.Context, order *model.Order, csrDER []byte) (*model.Order, error) {
	acc := order.Account
	if acc == nil || acc.AccountURL == "" || acc.PrivateKeyPEM == "" {
		return nil, fault.Operationf("Invalid account data")
	}
	if order.FinalizeURL == "" {
		return nil, fault.Operationf("Order has no finalize URL")
	}
	payload := finalizePayload{CSR: base64.RawURLEncoding.EncodeToString(csrDER)}
	resp, err := e.tp.Post(ctx, order.FinalizeURL, payload, acc.PrivateKeyPEM, acc.AccountURL)
	if err != nil {
		e.audit.Exception(err, "order", order.ID, nil)
		return nil, err
	}
	var body orderResponse
	if err := resp.Decode(&body); err != nil {
		return nil, fault.Transportf("parse finalize response", err)
	}
	applyOrderResponse(order, &body)
	if err := e.store.SaveOrder(ctx, order); err != nil {
		return nil, err
	}
	e.audit.Operation("finalizeOrder", "order finalized", "order", order.ID,
		map[string]any{"status": order.Status}, zapcore.InfoLevel)
	return order, nil
}

// FinalizeWithAutoCSR generates a fresh certificate key pair, builds a CSR
// covering all order domains and finalizes with it. The generated key is
// retained on the order so the downloaded certificate can carry it.
func (e *OrderEngine) FinalizeWithAutoCSR(ctx context.Context, order *model.Order) (*model.Order, error) {
	keyPEM, err := keys.GenerateRSAKeyPEM(keys.DefaultKeySize)
	if err != nil {
		return nil, err
	}
	csrDER, err := keys.GenerateCSR(order.DomainValues(), keyPEM)
	if err != nil {
		return nil, err
	}
	order.CertificateKeyPEM = keyPEM
	return e.Finalize(ctx, order, csrDER)
}

// RefreshStatus re-fetches the order resource and applies the server's
// current state. Any failure, including a server problem document, is
// reported as a transport fault wrapping the cause.
func (e *OrderEngine) RefreshStatus(ctx context.Context, order *model.Order) (*model.Order, error) {
	if order.OrderURL == "" {
		return nil, fault.Transportf("get order status", fault.Operationf("order has no URL"))
	}
	resp, err := e.tp.Get(ctx, order.OrderURL)
	if err != nil {
		return nil, fault.Transportf("get order status", err)
	}
	var body orderResponse
	if err := resp.Decode(&body); err != nil {
		return nil, fault.Transportf("get order status", err)
	}
	applyOrderResponse(order, &body)
	if err := e.store.SaveOrder(ctx, order); err != nil {
		return nil, err
	}
	logger.Debug("order status refreshed",
		zap.String("orderID", order.ID), zap.String("status", order.Status))
	return order, nil
}

// DownloadCertificate fetches the issued certificate once the order is
// valid, splits leaf from chain and persists the result attached to the
// order. The order must carry a certificate URL; refresh first if it does
// not.
func (e *OrderEngine) DownloadCertificate(ctx context.Context, order *model.Order) (*model.Certificate, error) {
	if order.CertificateURL == "" {
		return nil, fault.Operationf("Certificate URL not available")
	}
	resp, err := e.tp.Get(ctx, order.CertificateURL)
	if err != nil {
		e.audit.Exception(err, "order", order.ID, nil)
		return nil, err
	}
	pemChain := strings.TrimSpace(string(resp.Body))
	if pemChain == "" {
		return nil, fault.Operationf("Empty certificate received")
	}

	leafPEM, chainPEM := splitPEMChain(pemChain)
	cert := model.NewCertificate()
	cert.CertificatePEM = leafPEM
	cert.ChainPEM = chainPEM
	cert.PrivateKeyPEM = order.CertificateKeyPEM
	cert.SetStatus(model.StatusIssued)

	leaf, err := keys.ParseCertificatePEM(leafPEM)
	if err != nil {
		return nil, fault.Validationf("downloaded certificate is not valid PEM: %v", err)
	}
	cert.SerialNumber = leaf.SerialNumber.Text(16)
	cert.Fingerprint = keys.FingerprintSHA256(leaf)
	cert.NotBefore = leaf.NotBefore
	cert.NotAfter = leaf.NotAfter
	cert.Issuer = leaf.Issuer.CommonName
	cert.Domains = leaf.DNSNames
	if len(cert.Domains) == 0 && leaf.Subject.CommonName != "" {
		cert.Domains = []string{leaf.Subject.CommonName}
	}

	cert.Order = order
	cert.OrderID = order.ID
	order.Certificate = cert

	if err := e.store.SaveCertificate(ctx, cert); err != nil {
		return nil, err
	}
	e.audit.Operation("downloadCertificate", "certificate downloaded", "certificate", cert.ID,
		map[string]any{"serial": cert.SerialNumber, "notAfter": cert.NotAfter}, zapcore.InfoLevel)
	logger.Info("certificate downloaded",
		zap.String("orderID", order.ID),
		zap.String("serial", cert.SerialNumber),
		zap.Time("notAfter", cert.NotAfter))
	return cert, nil
}

// IsReady reports whether the order can be finalized: status ready, a
// finalize URL present, not expired, and every authorization valid and
// unexpired with at least one valid challenge.
func (e *OrderEngine) IsReady(order *model.Order) bool {
	if order == nil || order.Status != model.StatusReady || order.FinalizeURL == "" || order.IsExpired() {
		return false
	}
	if len(order.Authorizations) == 0 {
		return false
	}
	for _, authz := range order.Authorizations {
		if authz.Status != model.StatusValid || authz.IsExpired() {
			return false
		}
		hasValid := false
		for _, ch := range authz.Challenges {
			if ch.Status == model.StatusValid {
				hasValid = true
				break
			}
		}
		if !hasValid {
			return false
		}
	}
	return true
}

// FindByAccount returns persisted orders for an account, newest first.
func (e *OrderEngine) FindByAccount(ctx context.Context, accountID string) ([]*model.Order, error) {
	return e.store.GetOrdersByAccountID(ctx, accountID)
}

// FindByStatus returns persisted orders with the given status.
func (e *OrderEngine) FindByStatus(ctx context.Context, status string) ([]*model.Order, error) {
	return e.store.GetOrdersByStatus(ctx, status)
}

// applyOrderResponse folds a CA order document into the local entity.
// Authorization URLs not seen before become stubs; existing ones are left
// untouched.
func applyOrderResponse(order *model.Order, body *orderResponse) {
	order.SetStatus(body.Status)
	if !body.Expires.IsZero() {
		order.Expires = body.Expires
	}
	if body.Finalize != "" {
		order.FinalizeURL = body.Finalize
	}
	if body.Certificate != "" {
		order.CertificateURL = body.Certificate
	}
	if body.Error != nil {
		order.Error = body.Error.Detail
	}
	for _, authzURL := range body.Authorizations {
		if existing := authorizationByURL(order, authzURL); existing == nil {
			authz := &model.Authorization{URL: authzURL}
			authz.SetStatus(model.StatusPending)
			order.AddAuthorization(authz)
		}
	}
}

func authorizationByURL(order *model.Order, url string) *model.Authorization {
	for _, authz := range order.Authorizations {
		if authz.URL == url {
			return authz
		}
	}
	return nil
}

// splitPEMChain separates the first PEM block from the rest of a
// concatenated application/pem-certificate-chain body.
func splitPEMChain(pemChain string) (leaf, chain string) {
	const endMarker = "-----END CERTIFICATE-----"
	idx := strings.Index(pemChain, endMarker)
	if idx < 0 {
		return pemChain, ""
	}
	cut := idx + len(endMarker)
	leaf = strings.TrimSpace(pemChain[:cut])
	chain = strings.TrimSpace(pemChain[cut:])
	return leaf, chain
}
