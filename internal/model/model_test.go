package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/blockadesystems/certflow/internal/model"
)

func TestSetStatusKeepsValidInSync(t *testing.T) {
	acc := &model.Account{}
	acc.SetStatus(model.StatusValid)
	assert.True(t, acc.Valid, "valid status should set the Valid flag")

	acc.SetStatus(model.StatusDeactivated)
	assert.False(t, acc.Valid, "deactivated status should clear the Valid flag")

	order := &model.Order{}
	order.SetStatus(model.StatusReady)
	assert.False(t, order.Valid, "ready is not valid")
	order.SetStatus(model.StatusValid)
	assert.True(t, order.Valid)

	ch := &model.Challenge{}
	ch.SetStatus(model.StatusProcessing)
	assert.False(t, ch.Valid)
	ch.SetStatus(model.StatusValid)
	assert.True(t, ch.Valid)
}

func TestCertificateValidStates(t *testing.T) {
	cert := model.NewCertificate()
	assert.Equal(t, model.StatusValid, cert.Status, "new certificates start valid")
	assert.True(t, cert.Valid)

	cert.SetStatus(model.StatusIssued)
	assert.True(t, cert.Valid, "issued certificates are usable")

	cert.SetStatus(model.StatusRevoked)
	assert.False(t, cert.Valid)

	cert.SetStatus(model.StatusExpired)
	assert.False(t, cert.Valid)
}

func TestAuthorizationIsExpired(t *testing.T) {
	authz := &model.Authorization{}
	assert.False(t, authz.IsExpired(), "no expiry set means not expired")

	authz.Expires = time.Now().Add(time.Hour)
	assert.False(t, authz.IsExpired())

	authz.Expires = time.Now().Add(-time.Hour)
	assert.True(t, authz.IsExpired())

	// Status takes precedence over a future timestamp.
	authz.Expires = time.Now().Add(time.Hour)
	authz.SetStatus(model.StatusExpired)
	assert.True(t, authz.IsExpired(), "expired status overrides a future expiry timestamp")
}

func TestOwnershipDeDuplication(t *testing.T) {
	acc := &model.Account{ID: "a1"}
	order := &model.Order{ID: "o1"}
	acc.AddOrder(order)
	acc.AddOrder(order)
	acc.AddOrder(&model.Order{ID: "o1"})
	assert.Len(t, acc.Orders, 1, "the same order must not be attached twice")
	assert.Same(t, acc, order.Account, "back-pointer should be set")
	assert.Equal(t, "a1", order.AccountID)

	authz := &model.Authorization{URL: "https://ca/authz/1"}
	order.AddAuthorization(authz)
	order.AddAuthorization(&model.Authorization{URL: "https://ca/authz/1"})
	assert.Len(t, order.Authorizations, 1, "authorizations de-duplicate by URL")

	ch := &model.Challenge{URL: "https://ca/chall/1"}
	authz.AddChallenge(ch)
	authz.AddChallenge(&model.Challenge{URL: "https://ca/chall/1"})
	assert.Len(t, authz.Challenges, 1, "challenges de-duplicate by URL")
	assert.Same(t, ch, authz.ChallengeByURL("https://ca/chall/1"))
	assert.Nil(t, authz.ChallengeByURL("https://ca/chall/2"))
}

func TestOrderDomainValues(t *testing.T) {
	order := &model.Order{}
	order.AddIdentifier(&model.Identifier{Type: "dns", Value: "example.com"})
	order.AddIdentifier(&model.Identifier{Type: "dns", Value: "*.example.com", Wildcard: true})
	assert.Equal(t, []string{"example.com", "*.example.com"}, order.DomainValues())
}

func TestCertificateExpiryHelpers(t *testing.T) {
	cert := model.NewCertificate()

	_, known := cert.DaysUntilExpiry()
	assert.False(t, known, "unset not-after has no day count")
	assert.False(t, cert.IsExpired())
	assert.False(t, cert.IsExpiringWithin(365), "unset not-after never counts as expiring")

	cert.NotAfter = time.Now().Add(10 * 24 * time.Hour)
	days, known := cert.DaysUntilExpiry()
	assert.True(t, known)
	assert.InDelta(t, 10, days, 1)
	assert.True(t, cert.IsExpiringWithin(30))
	assert.False(t, cert.IsExpiringWithin(5))
	assert.False(t, cert.IsExpired())

	cert.NotAfter = time.Now().Add(-time.Hour)
	assert.True(t, cert.IsExpired())
	assert.False(t, cert.IsExpiringWithin(30), "already expired is not expiring")
}

func TestCertificateContainsDomain(t *testing.T) {
	cert := model.NewCertificate()
	cert.Domains = []string{"example.com", "*.example.com"}

	assert.True(t, cert.ContainsDomain("example.com"))
	assert.True(t, cert.ContainsDomain("*.example.com"))
	assert.False(t, cert.ContainsDomain("sub.example.com"), "no wildcard expansion on lookup")
	assert.False(t, cert.ContainsDomain("EXAMPLE.COM"), "matching is case-sensitive")
}

func TestCertificateFullChainPEM(t *testing.T) {
	cert := model.NewCertificate()
	cert.CertificatePEM = "leaf"
	assert.Equal(t, "leaf", cert.FullChainPEM())

	cert.ChainPEM = "chain"
	assert.Equal(t, "leaf\nchain", cert.FullChainPEM())
}

func TestChallengeDNSRecord(t *testing.T) {
	ch := &model.Challenge{
		DNSRecordName:  "_acme-challenge.example.com",
		DNSRecordValue: "abc",
	}
	record := ch.DNSRecord()
	assert.Equal(t, "_acme-challenge.example.com", record.Name)
	assert.Equal(t, "abc", record.Value)
	assert.Equal(t, "TXT", record.Type)
	assert.Equal(t, "_acme-challenge.example.com", ch.FullDNSRecordName())
}

func TestOrderIsExpired(t *testing.T) {
	order := &model.Order{}
	assert.False(t, order.IsExpired(), "zero expiry means no expiry known")

	order.Expires = time.Now().Add(-time.Minute)
	assert.True(t, order.IsExpired())
}
