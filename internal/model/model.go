package model

import (
	"encoding/json"
	"time"
)

// Entity status values as they appear on the wire (RFC 8555 section 7.1.6).
const (
	StatusPending     = "pending"
	StatusReady       = "ready"
	StatusProcessing  = "processing"
	StatusValid       = "valid"
	StatusInvalid     = "invalid"
	StatusDeactivated = "deactivated"
	StatusExpired     = "expired"
	StatusRevoked     = "revoked"
	StatusIssued      = "issued"
)

// ChallengeTypeDNS01 is the only challenge type this client drives.
const ChallengeTypeDNS01 = "dns-01"

// Account represents a client-side ACME account registered against a CA.
type Account struct {
	ID             string    `json:"id" db:"id"`
	ServerURL      string    `json:"serverUrl" db:"server_url"`        // directory URL of the CA
	AccountURL     string    `json:"accountUrl" db:"account_url"`      // CA-assigned location, empty until registered
	PrivateKeyPEM  string    `json:"-" db:"private_key_pem"`           // PKCS#8 PEM
	PublicKeyJWK   string    `json:"-" db:"public_key_jwk"`            // JWK JSON string {kty,n,e}
	Status         string    `json:"status" db:"status"`               // pending, valid, deactivated
	Contact        []string  `json:"contact,omitempty" db:"contact"`   // e.g. "mailto:..."
	TermsOfService bool      `json:"termsOfServiceAgreed" db:"tos_agreed"`
	Valid          bool      `json:"valid" db:"valid"`
	Orders         []*Order  `json:"-" db:"-"`
	CreatedAt      time.Time `json:"-" db:"created_at"`
	LastModifiedAt time.Time `json:"-" db:"last_modified_at"`
}

// SetStatus updates the status and keeps the derived Valid flag in sync.
// The Valid flag is never set independently.
func (a *Account) SetStatus(status string) {
	a.Status = status
	a.Valid = status == StatusValid
}

// IsValid reports whether the account is locally valid. No network call is
// made; callers needing freshness must refresh explicitly.
func (a *Account) IsValid() bool {
	return a.Status == StatusValid
}

// AddOrder attaches an order to the account. A no-op if the order is already
// present (matched by pointer, or by ID once persisted).
func (a *Account) AddOrder(o *Order) {
	for _, existing := range a.Orders {
		if existing == o || (o.ID != "" && existing.ID == o.ID) {
			return
		}
	}
	o.Account = a
	o.AccountID = a.ID
	a.Orders = append(a.Orders, o)
}

// Order represents a certificate order placed with the CA.
type Order struct {
	ID                string           `json:"id" db:"id"`
	AccountID         string           `json:"-" db:"account_id"`
	Account           *Account         `json:"-" db:"-"`
	OrderURL          string           `json:"orderUrl" db:"order_url"`
	FinalizeURL       string           `json:"finalize" db:"finalize_url"`
	CertificateURL    string           `json:"certificate,omitempty" db:"certificate_url"` // empty until the order is valid
	Status            string           `json:"status" db:"status"`                         // pending, ready, processing, valid, invalid
	Expires           time.Time        `json:"expires" db:"expires_at"`
	Error             string           `json:"error,omitempty" db:"error_message"`
	CertificateKeyPEM string           `json:"-" db:"certificate_key_pem"` // key generated for auto-CSR finalization
	Valid             bool             `json:"valid" db:"valid"`
	Identifiers       []*Identifier    `json:"identifiers" db:"-"`
	Authorizations    []*Authorization `json:"-" db:"-"`
	Certificate       *Certificate     `json:"-" db:"-"` // at most one, set on download
	CreatedAt         time.Time        `json:"-" db:"created_at"`
	LastModifiedAt    time.Time        `json:"-" db:"last_modified_at"`
}

// SetStatus updates the status and keeps the derived Valid flag in sync.
func (o *Order) SetStatus(status string) {
	o.Status = status
	o.Valid = status == StatusValid
}

// IsExpired reports whether the order's expiry timestamp has passed.
func (o *Order) IsExpired() bool {
	return !o.Expires.IsZero() && o.Expires.Before(time.Now())
}

// AddIdentifier attaches an identifier, de-duplicated by identity.
func (o *Order) AddIdentifier(id *Identifier) {
	for _, existing := range o.Identifiers {
		if existing == id || (id.ID != "" && existing.ID == id.ID) {
			return
		}
	}
	id.Order = o
	id.OrderID = o.ID
	o.Identifiers = append(o.Identifiers, id)
}

// AddAuthorization attaches an authorization, de-duplicated by identity.
// Authorizations fetched more than once (same URL) are also treated as the
// same resource.
func (o *Order) AddAuthorization(authz *Authorization) {
	for _, existing := range o.Authorizations {
		if existing == authz || (authz.ID != "" && existing.ID == authz.ID) ||
			(authz.URL != "" && existing.URL == authz.URL) {
			return
		}
	}
	authz.Order = o
	authz.OrderID = o.ID
	o.Authorizations = append(o.Authorizations, authz)
}

// DomainValues returns the identifier values in order.
func (o *Order) DomainValues() []string {
	domains := make([]string, 0, len(o.Identifiers))
	for _, id := range o.Identifiers {
		domains = append(domains, id.Value)
	}
	return domains
}

// Identifier is a single requested domain within an order. Wildcard domains
// keep the literal "*." value with the Wildcard flag set.
type Identifier struct {
	ID       string `json:"id" db:"id"`
	OrderID  string `json:"-" db:"order_id"`
	Order    *Order `json:"-" db:"-"`
	Type     string `json:"type" db:"type"` // "dns"
	Value    string `json:"value" db:"value"`
	Wildcard bool   `json:"wildcard" db:"wildcard"`
	Valid    bool   `json:"valid" db:"valid"`
}

// Authorization represents the CA's authorization resource for one identifier.
type Authorization struct {
	ID           string       `json:"id" db:"id"`
	OrderID      string       `json:"-" db:"order_id"`
	Order        *Order       `json:"-" db:"-"`
	IdentifierID string       `json:"-" db:"identifier_id"`
	Identifier   *Identifier  `json:"-" db:"-"`
	URL          string       `json:"url" db:"url"`
	Status       string       `json:"status" db:"status"` // pending, valid, invalid, expired, revoked
	Expires      time.Time    `json:"expires,omitempty" db:"expires_at"`
	Wildcard     bool         `json:"wildcard" db:"wildcard"`
	Valid        bool         `json:"valid" db:"valid"`
	Challenges   []*Challenge `json:"challenges" db:"-"`
	CreatedAt    time.Time    `json:"-" db:"created_at"`
}

// SetStatus updates the status and keeps the derived Valid flag in sync.
func (a *Authorization) SetStatus(status string) {
	a.Status = status
	a.Valid = status == StatusValid
}

// IsExpired reports whether the authorization can no longer be used. The
// status is authoritative: StatusExpired counts as expired even when the
// expiry timestamp is still in the future.
func (a *Authorization) IsExpired() bool {
	if a.Status == StatusExpired {
		return true
	}
	return !a.Expires.IsZero() && a.Expires.Before(time.Now())
}

// AddChallenge attaches a challenge, de-duplicated by identity or URL.
func (a *Authorization) AddChallenge(ch *Challenge) {
	for _, existing := range a.Challenges {
		if existing == ch || (ch.ID != "" && existing.ID == ch.ID) ||
			(ch.URL != "" && existing.URL == ch.URL) {
			return
		}
	}
	ch.Authorization = a
	ch.AuthorizationID = a.ID
	a.Challenges = append(a.Challenges, ch)
}

// ChallengeByURL returns the owned challenge with the given URL, or nil.
func (a *Authorization) ChallengeByURL(url string) *Challenge {
	for _, ch := range a.Challenges {
		if ch.URL == url {
			return ch
		}
	}
	return nil
}

// DNSRecord is the TXT record tuple handed to operators or DNS automation.
type DNSRecord struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Type  string `json:"type"` // always "TXT"
}

// Challenge represents a dns-01 challenge under an authorization.
type Challenge struct {
	ID               string          `json:"id" db:"id"`
	AuthorizationID  string          `json:"-" db:"authorization_id"`
	Authorization    *Authorization  `json:"-" db:"-"`
	URL              string          `json:"url" db:"url"`
	Type             string          `json:"type" db:"type"` // dns-01
	Status           string          `json:"status" db:"status"`
	Token            string          `json:"token" db:"token"`
	KeyAuthorization string          `json:"-" db:"key_authorization"`
	DNSRecordName    string          `json:"dnsRecordName,omitempty" db:"dns_record_name"`
	DNSRecordValue   string          `json:"dnsRecordValue,omitempty" db:"dns_record_value"`
	Validated        time.Time       `json:"validated,omitempty" db:"validated_at"`
	Error            *ProblemDetails `json:"error,omitempty" db:"-"`
	Valid            bool            `json:"valid" db:"valid"`
	CreatedAt        time.Time       `json:"-" db:"created_at"`
}

// SetStatus updates the status and keeps the derived Valid flag in sync.
func (c *Challenge) SetStatus(status string) {
	c.Status = status
	c.Valid = status == StatusValid
}

// FullDNSRecordName returns the stored record name verbatim, or "" when the
// challenge has not been prepared. Prefixing happens at prepare time, never
// at read time.
func (c *Challenge) FullDNSRecordName() string {
	return c.DNSRecordName
}

// DNSRecord returns the TXT tuple for this challenge.
func (c *Challenge) DNSRecord() DNSRecord {
	return DNSRecord{Name: c.DNSRecordName, Value: c.DNSRecordValue, Type: "TXT"}
}

// Certificate represents an issued certificate downloaded from the CA.
// Certificates do not go through a pending phase locally, so the initial
// status is StatusValid; StatusIssued is an equally usable state.
type Certificate struct {
	ID             string    `json:"id" db:"id"`
	OrderID        string    `json:"-" db:"order_id"`
	Order          *Order    `json:"-" db:"-"`
	Status         string    `json:"status" db:"status"` // valid, issued, expired, revoked
	CertificatePEM string    `json:"-" db:"certificate_pem"`
	ChainPEM       string    `json:"-" db:"chain_pem"`
	PrivateKeyPEM  string    `json:"-" db:"private_key_pem"`
	SerialNumber   string    `json:"serialNumber" db:"serial_number"`
	Fingerprint    string    `json:"fingerprint" db:"fingerprint"`
	Domains        []string  `json:"domains" db:"domains"`
	NotBefore      time.Time `json:"notBefore,omitempty" db:"not_before"`
	NotAfter       time.Time `json:"notAfter,omitempty" db:"not_after"`
	Issuer         string    `json:"issuer" db:"issuer"`
	RevokedAt      time.Time `json:"revokedAt,omitempty" db:"revoked_at"`
	Valid          bool      `json:"valid" db:"valid"`
	CreatedAt      time.Time `json:"-" db:"created_at"`
}

// NewCertificate returns a certificate in its default usable state.
func NewCertificate() *Certificate {
	c := &Certificate{}
	c.SetStatus(StatusValid)
	return c
}

// SetStatus updates the status and keeps the derived Valid flag in sync.
// Both StatusValid and StatusIssued count as usable.
func (c *Certificate) SetStatus(status string) {
	c.Status = status
	c.Valid = status == StatusValid || status == StatusIssued
}

// IsExpired reports whether the not-after time is set and in the past.
func (c *Certificate) IsExpired() bool {
	return !c.NotAfter.IsZero() && c.NotAfter.Before(time.Now())
}

// IsExpiringWithin reports whether the not-after time is set and falls within
// the next `days` days. A certificate expiring in exactly `days` days counts.
func (c *Certificate) IsExpiringWithin(days int) bool {
	if c.NotAfter.IsZero() {
		return false
	}
	until := time.Until(c.NotAfter)
	return until >= 0 && until <= time.Duration(days)*24*time.Hour
}

// DaysUntilExpiry returns the signed day count to the not-after time. The
// second return is false when not-after is unset.
func (c *Certificate) DaysUntilExpiry() (int, bool) {
	if c.NotAfter.IsZero() {
		return 0, false
	}
	return int(time.Until(c.NotAfter).Hours() / 24), true
}

// ContainsDomain reports exact, case-sensitive membership in the stored
// domain list. No wildcard expansion: "*.example.com" does not match
// "sub.example.com".
func (c *Certificate) ContainsDomain(domain string) bool {
	for _, d := range c.Domains {
		if d == domain {
			return true
		}
	}
	return false
}

// FullChainPEM returns the leaf PEM concatenated with the chain PEM when a
// chain is present, else the leaf alone.
func (c *Certificate) FullChainPEM() string {
	if c.ChainPEM == "" {
		return c.CertificatePEM
	}
	return c.CertificatePEM + "\n" + c.ChainPEM
}

// ProblemDetails represents an ACME error object (RFC 7807 / RFC 8555
// Section 6.7).
type ProblemDetails struct {
	Type        string          `json:"type"`
	Detail      string          `json:"detail"`
	Status      int             `json:"status,omitempty"`
	Instance    string          `json:"instance,omitempty"`
	Subproblems json.RawMessage `json:"subproblems,omitempty"`
}
