// internal/testutils/acme_server.go
package testutils

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

// FakeCA is an in-memory ACME server for exercising the client engines in
// tests. It speaks just enough RFC 8555: directory, nonces, flattened JWS
// request bodies (decoded, not signature-verified), account and order
// lifecycle, dns-01 authorizations and real certificate issuance signed by
// a throwaway CA key.
type FakeCA struct {
	Echo   *echo.Echo
	server *httptest.Server

	mu       sync.Mutex
	caKey    *rsa.PrivateKey
	caCert   *x509.Certificate
	accounts map[string]*fakeAccount
	orders   map[string]*fakeOrder
	authzs   map[string]*fakeAuthz
	revoked  map[string]bool
	nextID   int

	// FailValidation makes every challenge response come back invalid.
	FailValidation bool
	// DeferValidation leaves responded challenges in processing until
	// CompleteValidation is called.
	DeferValidation bool
}

type fakeAccount struct {
	id      string
	status  string
	contact []string
}

type fakeOrder struct {
	id        string
	accountID string
	status    string
	expires   time.Time
	domains   []string
	authzIDs  []string
	certPEM   string
}

type fakeAuthz struct {
	id        string
	orderID   string
	domain    string // wildcard prefix already stripped
	wildcard  bool
	status    string
	expires   time.Time
	challenge *fakeChallenge
}

type fakeChallenge struct {
	id     string
	status string
	token  string
}

// NewFakeCA starts a fake ACME server. The returned server is shut down
// via t.Cleanup.
func NewFakeCA(t *testing.T) *FakeCA {
	t.Helper()

	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate fake CA key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Fake ACME Root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour * 365),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("Failed to self-sign fake CA certificate: %v", err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		t.Fatalf("Failed to parse fake CA certificate: %v", err)
	}

	ca := &FakeCA{
		Echo:     echo.New(),
		caKey:    caKey,
		caCert:   caCert,
		accounts: make(map[string]*fakeAccount),
		orders:   make(map[string]*fakeOrder),
		authzs:   make(map[string]*fakeAuthz),
		revoked:  make(map[string]bool),
	}
	ca.Echo.HideBanner = true
	ca.routes()
	ca.server = httptest.NewServer(ca.Echo)
	t.Cleanup(ca.server.Close)
	return ca
}

// DirectoryURL returns the URL clients point at.
func (ca *FakeCA) DirectoryURL() string {
	return ca.server.URL + "/directory"
}

// URL returns the server's base URL.
func (ca *FakeCA) URL() string {
	return ca.server.URL
}

func (ca *FakeCA) routes() {
	e := ca.Echo
	e.GET("/directory", ca.handleDirectory)
	e.HEAD("/acme/new-nonce", ca.handleNewNonce)
	e.GET("/acme/new-nonce", ca.handleNewNonce)
	e.POST("/acme/new-account", ca.handleNewAccount)
	e.POST("/acme/new-order", ca.handleNewOrder)
	e.POST("/acme/acct/:id", ca.handleAccount)
	e.GET("/acme/order/:id", ca.handleGetOrder)
	e.POST("/acme/order/:id/finalize", ca.handleFinalize)
	e.GET("/acme/authz/:id", ca.handleGetAuthz)
	e.POST("/acme/authz/:id", ca.handleDeactivateAuthz)
	e.GET("/acme/chall/:id", ca.handleGetChallenge)
	e.POST("/acme/chall/:id", ca.handleRespondChallenge)
	e.GET("/acme/cert/:id", ca.handleGetCertificate)
	e.POST("/acme/revoke-cert", ca.handleRevoke)
}

func (ca *FakeCA) handleDirectory(c echo.Context) error {
	base := ca.server.URL
	return c.JSON(http.StatusOK, map[string]any{
		"newNonce":   base + "/acme/new-nonce",
		"newAccount": base + "/acme/new-account",
		"newOrder":   base + "/acme/new-order",
		"revokeCert": base + "/acme/revoke-cert",
		"keyChange":  base + "/acme/key-change",
		"meta": map[string]any{
			"termsOfService": base + "/terms",
		},
	})
}

func (ca *FakeCA) handleNewNonce(c echo.Context) error {
	ca.setNonce(c)
	return c.NoContent(http.StatusNoContent)
}

func (ca *FakeCA) handleNewAccount(c echo.Context) error {
	ca.setNonce(c)
	var payload struct {
		Contact              []string `json:"contact"`
		TermsOfServiceAgreed bool     `json:"termsOfServiceAgreed"`
	}
	if err := ca.decodeJWS(c, &payload); err != nil {
		return ca.problem(c, http.StatusBadRequest, "malformed", err.Error())
	}
	ca.mu.Lock()
	acc := &fakeAccount{id: ca.allocateID(), status: "valid", contact: payload.Contact}
	ca.accounts[acc.id] = acc
	ca.mu.Unlock()

	c.Response().Header().Set("Location", ca.server.URL+"/acme/acct/"+acc.id)
	return c.JSON(http.StatusCreated, map[string]any{
		"status":  acc.status,
		"contact": acc.contact,
		"orders":  ca.server.URL + "/acme/acct/" + acc.id + "/orders",
	})
}

func (ca *FakeCA) handleAccount(c echo.Context) error {
	ca.setNonce(c)
	ca.mu.Lock()
	defer ca.mu.Unlock()
	acc, ok := ca.accounts[c.Param("id")]
	if !ok {
		return ca.problem(c, http.StatusNotFound, "accountDoesNotExist", "no such account")
	}
	var payload struct {
		Status  string   `json:"status"`
		Contact []string `json:"contact"`
	}
	if err := ca.decodeJWS(c, &payload); err != nil {
		return ca.problem(c, http.StatusBadRequest, "malformed", err.Error())
	}
	if payload.Status == "deactivated" {
		acc.status = "deactivated"
	}
	if len(payload.Contact) > 0 {
		acc.contact = payload.Contact
	}
	return c.JSON(http.StatusOK, map[string]any{"status": acc.status, "contact": acc.contact})
}

func (ca *FakeCA) handleNewOrder(c echo.Context) error {
	ca.setNonce(c)
	var payload struct {
		Identifiers []struct {
			Type  string `json:"type"`
			Value string `json:"value"`
		} `json:"identifiers"`
	}
	if err := ca.decodeJWS(c, &payload); err != nil {
		return ca.problem(c, http.StatusBadRequest, "malformed", err.Error())
	}
	if len(payload.Identifiers) == 0 {
		return ca.problem(c, http.StatusBadRequest, "malformed", "no identifiers in order")
	}

	ca.mu.Lock()
	order := &fakeOrder{
		id:      ca.allocateID(),
		status:  "pending",
		expires: time.Now().Add(24 * time.Hour),
	}
	for _, ident := range payload.Identifiers {
		order.domains = append(order.domains, ident.Value)
		authz := &fakeAuthz{
			id:       ca.allocateID(),
			orderID:  order.id,
			domain:   strings.TrimPrefix(ident.Value, "*."),
			wildcard: strings.HasPrefix(ident.Value, "*."),
			status:   "pending",
			expires:  order.expires,
			challenge: &fakeChallenge{
				status: "pending",
				token:  randomToken(),
			},
		}
		authz.challenge.id = authz.id
		ca.authzs[authz.id] = authz
		order.authzIDs = append(order.authzIDs, authz.id)
	}
	ca.orders[order.id] = order
	doc := ca.orderDoc(order)
	ca.mu.Unlock()

	c.Response().Header().Set("Location", ca.server.URL+"/acme/order/"+order.id)
	return c.JSON(http.StatusCreated, doc)
}

func (ca *FakeCA) handleGetOrder(c echo.Context) error {
	ca.setNonce(c)
	ca.mu.Lock()
	defer ca.mu.Unlock()
	order, ok := ca.orders[c.Param("id")]
	if !ok {
		return ca.problem(c, http.StatusNotFound, "malformed", "no such order")
	}
	return c.JSON(http.StatusOK, ca.orderDoc(order))
}

func (ca *FakeCA) handleGetAuthz(c echo.Context) error {
	ca.setNonce(c)
	ca.mu.Lock()
	defer ca.mu.Unlock()
	authz, ok := ca.authzs[c.Param("id")]
	if !ok {
		return ca.problem(c, http.StatusNotFound, "malformed", "no such authorization")
	}
	return c.JSON(http.StatusOK, ca.authzDoc(authz))
}

func (ca *FakeCA) handleDeactivateAuthz(c echo.Context) error {
	ca.setNonce(c)
	ca.mu.Lock()
	defer ca.mu.Unlock()
	authz, ok := ca.authzs[c.Param("id")]
	if !ok {
		return ca.problem(c, http.StatusNotFound, "malformed", "no such authorization")
	}
	var payload struct {
		Status string `json:"status"`
	}
	if err := ca.decodeJWS(c, &payload); err != nil {
		return ca.problem(c, http.StatusBadRequest, "malformed", err.Error())
	}
	if payload.Status == "deactivated" {
		authz.status = "deactivated"
	}
	return c.JSON(http.StatusOK, ca.authzDoc(authz))
}

func (ca *FakeCA) handleGetChallenge(c echo.Context) error {
	ca.setNonce(c)
	ca.mu.Lock()
	defer ca.mu.Unlock()
	authz, ok := ca.authzs[c.Param("id")]
	if !ok {
		return ca.problem(c, http.StatusNotFound, "malformed", "no such challenge")
	}
	return c.JSON(http.StatusOK, ca.challengeDoc(authz))
}

func (ca *FakeCA) handleRespondChallenge(c echo.Context) error {
	ca.setNonce(c)
	ca.mu.Lock()
	defer ca.mu.Unlock()
	authz, ok := ca.authzs[c.Param("id")]
	if !ok {
		return ca.problem(c, http.StatusNotFound, "malformed", "no such challenge")
	}
	var payload map[string]any
	if err := ca.decodeJWS(c, &payload); err != nil {
		return ca.problem(c, http.StatusBadRequest, "malformed", err.Error())
	}

	switch {
	case ca.FailValidation:
		authz.challenge.status = "invalid"
		authz.status = "invalid"
	case ca.DeferValidation:
		authz.challenge.status = "processing"
	default:
		ca.markAuthzValid(authz)
	}
	return c.JSON(http.StatusOK, ca.challengeDoc(authz))
}

// CompleteValidation flips every processing challenge to valid. Used with
// DeferValidation to test polling.
func (ca *FakeCA) CompleteValidation() {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	for _, authz := range ca.authzs {
		if authz.challenge.status == "processing" {
			ca.markAuthzValid(authz)
		}
	}
}

// markAuthzValid marks the challenge and authorization valid and promotes
// the owning order to ready when every authorization is valid. Callers hold
// the mutex.
func (ca *FakeCA) markAuthzValid(authz *fakeAuthz) {
	authz.challenge.status = "valid"
	authz.status = "valid"
	order := ca.orders[authz.orderID]
	if order == nil {
		return
	}
	for _, id := range order.authzIDs {
		if ca.authzs[id].status != "valid" {
			return
		}
	}
	order.status = "ready"
}

func (ca *FakeCA) handleFinalize(c echo.Context) error {
	ca.setNonce(c)
	ca.mu.Lock()
	defer ca.mu.Unlock()
	order, ok := ca.orders[c.Param("id")]
	if !ok {
		return ca.problem(c, http.StatusNotFound, "malformed", "no such order")
	}
	if order.status != "ready" {
		return ca.problem(c, http.StatusForbidden, "orderNotReady", "order is not ready for finalization")
	}
	var payload struct {
		CSR string `json:"csr"`
	}
	if err := ca.decodeJWS(c, &payload); err != nil {
		return ca.problem(c, http.StatusBadRequest, "malformed", err.Error())
	}
	csrDER, err := base64.RawURLEncoding.DecodeString(payload.CSR)
	if err != nil {
		return ca.problem(c, http.StatusBadRequest, "badCSR", "csr is not base64url")
	}
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return ca.problem(c, http.StatusBadRequest, "badCSR", "csr does not parse")
	}

	leafPEM, err := ca.issue(csr, order.domains)
	if err != nil {
		return ca.problem(c, http.StatusInternalServerError, "serverInternal", err.Error())
	}
	order.certPEM = leafPEM
	order.status = "valid"
	return c.JSON(http.StatusOK, ca.orderDoc(order))
}

// issue signs a certificate for the CSR's public key covering the order
// domains. Callers hold the mutex.
func (ca *FakeCA) issue(csr *x509.CertificateRequest, domains []string) (string, error) {
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return "", err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: domains[0]},
		DNSNames:     domains,
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.caCert, csr.PublicKey, ca.caKey)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})), nil
}

func (ca *FakeCA) handleGetCertificate(c echo.Context) error {
	ca.setNonce(c)
	ca.mu.Lock()
	defer ca.mu.Unlock()
	order, ok := ca.orders[c.Param("id")]
	if !ok || order.certPEM == "" {
		return ca.problem(c, http.StatusNotFound, "malformed", "certificate not issued")
	}
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.caCert.Raw})
	chain := order.certPEM + "\n" + string(caPEM)
	return c.Blob(http.StatusOK, "application/pem-certificate-chain", []byte(chain))
}

func (ca *FakeCA) handleRevoke(c echo.Context) error {
	ca.setNonce(c)
	var payload struct {
		Certificate string `json:"certificate"`
		Reason      int    `json:"reason"`
	}
	if err := ca.decodeJWS(c, &payload); err != nil {
		return ca.problem(c, http.StatusBadRequest, "malformed", err.Error())
	}
	der, err := base64.RawURLEncoding.DecodeString(payload.Certificate)
	if err != nil {
		return ca.problem(c, http.StatusBadRequest, "malformed", "certificate is not base64url")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return ca.problem(c, http.StatusBadRequest, "malformed", "certificate does not parse")
	}
	serial := cert.SerialNumber.Text(16)

	ca.mu.Lock()
	defer ca.mu.Unlock()
	if ca.revoked[serial] {
		return ca.problem(c, http.StatusBadRequest, "alreadyRevoked", "Certificate has already been revoked")
	}
	ca.revoked[serial] = true
	return c.NoContent(http.StatusOK)
}

func (ca *FakeCA) orderDoc(order *fakeOrder) map[string]any {
	identifiers := make([]map[string]any, 0, len(order.domains))
	for _, d := range order.domains {
		identifiers = append(identifiers, map[string]any{"type": "dns", "value": d})
	}
	authzURLs := make([]string, 0, len(order.authzIDs))
	for _, id := range order.authzIDs {
		authzURLs = append(authzURLs, ca.server.URL+"/acme/authz/"+id)
	}
	doc := map[string]any{
		"status":         order.status,
		"expires":        order.expires.Format(time.RFC3339),
		"identifiers":    identifiers,
		"authorizations": authzURLs,
		"finalize":       ca.server.URL + "/acme/order/" + order.id + "/finalize",
	}
	if order.certPEM != "" {
		doc["certificate"] = ca.server.URL + "/acme/cert/" + order.id
	}
	return doc
}

func (ca *FakeCA) authzDoc(authz *fakeAuthz) map[string]any {
	doc := map[string]any{
		"status":     authz.status,
		"expires":    authz.expires.Format(time.RFC3339),
		"identifier": map[string]any{"type": "dns", "value": authz.domain},
		"challenges": []map[string]any{ca.challengeDoc(authz)},
	}
	if authz.wildcard {
		doc["wildcard"] = true
	}
	return doc
}

func (ca *FakeCA) challengeDoc(authz *fakeAuthz) map[string]any {
	doc := map[string]any{
		"type":   "dns-01",
		"url":    ca.server.URL + "/acme/chall/" + authz.challenge.id,
		"status": authz.challenge.status,
		"token":  authz.challenge.token,
	}
	if authz.challenge.status == "valid" {
		doc["validated"] = time.Now().Format(time.RFC3339)
	}
	return doc
}

// decodeJWS unwraps a flattened JWS request body into the payload value.
// Signatures are accepted unverified; the shape must still be a flattened
// serialization with all three members present.
func (ca *FakeCA) decodeJWS(c echo.Context, payload any) error {
	var envelope struct {
		Protected string `json:"protected"`
		Payload   string `json:"payload"`
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(c.Request().Body).Decode(&envelope); err != nil {
		return fmt.Errorf("request body is not JSON: %w", err)
	}
	if envelope.Protected == "" || envelope.Signature == "" {
		return fmt.Errorf("request body is not a flattened JWS")
	}
	if envelope.Payload == "" {
		// POST-as-GET or a bare {} payload.
		return nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(envelope.Payload)
	if err != nil {
		return fmt.Errorf("JWS payload is not base64url: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, payload); err != nil {
		return fmt.Errorf("JWS payload is not JSON: %w", err)
	}
	return nil
}

func (ca *FakeCA) problem(c echo.Context, status int, typ, detail string) error {
	return c.JSON(status, map[string]any{
		"type":   "urn:ietf:params:acme:error:" + typ,
		"detail": detail,
		"status": status,
	})
}

func (ca *FakeCA) setNonce(c echo.Context) {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	c.Response().Header().Set("Replay-Nonce", hex.EncodeToString(buf))
}

// allocateID hands out sequential IDs. Callers hold the mutex.
func (ca *FakeCA) allocateID() string {
	ca.nextID++
	return fmt.Sprintf("%d", ca.nextID)
}

func randomToken() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}
