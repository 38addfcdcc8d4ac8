package engine_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/certflow/internal/engine"
	"github.com/blockadesystems/certflow/internal/fault"
	"github.com/blockadesystems/certflow/internal/keys"
	"github.com/blockadesystems/certflow/internal/model"
)

func TestFetchDetails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, order := env.placeOrder(t, "example.com")

	authz := order.Authorizations[0]
	_, err := env.authzs.FetchDetails(ctx, authz)
	require.NoError(t, err)

	assert.Equal(t, model.StatusPending, authz.Status)
	assert.False(t, authz.Expires.IsZero())
	require.NotNil(t, authz.Identifier, "the identifier is linked to the owning order's identifier")
	assert.Equal(t, "example.com", authz.Identifier.Value)

	require.Len(t, authz.Challenges, 1, "only dns-01 challenges are materialized")
	ch := authz.Challenges[0]
	assert.Equal(t, model.ChallengeTypeDNS01, ch.Type)
	assert.NotEmpty(t, ch.URL)
	assert.NotEmpty(t, ch.Token)
}

func TestFetchDetailsLinksWildcardIdentifier(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, order := env.placeOrder(t, "*.example.com")

	authz := order.Authorizations[0]
	_, err := env.authzs.FetchDetails(ctx, authz)
	require.NoError(t, err)

	assert.True(t, authz.Wildcard)
	require.NotNil(t, authz.Identifier,
		"the stripped wire value must link back to the wildcard identifier")
	assert.Equal(t, "*.example.com", authz.Identifier.Value)
}

func TestFetchDetailsIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, order := env.placeOrder(t, "example.com")

	authz := order.Authorizations[0]
	_, err := env.authzs.FetchDetails(ctx, authz)
	require.NoError(t, err)
	_, err = env.authzs.FetchDetails(ctx, authz)
	require.NoError(t, err)

	assert.Len(t, authz.Challenges, 1, "re-fetching must not duplicate challenges")
}

func TestPrepareDNSChallenge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acc, order := env.placeOrder(t, "example.com")

	authz := order.Authorizations[0]
	_, err := env.authzs.FetchDetails(ctx, authz)
	require.NoError(t, err)

	ch, err := env.authzs.PrepareDNSChallenge(ctx, authz, acc)
	require.NoError(t, err)

	key, err := keys.ParseRSAPrivateKey(acc.PrivateKeyPEM)
	require.NoError(t, err)
	thumbprint, err := keys.Thumbprint(key)
	require.NoError(t, err)

	assert.Equal(t, ch.Token+"."+thumbprint, ch.KeyAuthorization)
	assert.Equal(t, "_acme-challenge.example.com", ch.DNSRecordName)
	assert.Equal(t, engine.DNSRecordValue(ch.KeyAuthorization), ch.DNSRecordValue)
	assert.Len(t, ch.DNSRecordValue, 43, "TXT value is an unpadded base64url sha-256")
	assert.NotContains(t, ch.DNSRecordValue, "=")

	record := ch.DNSRecord()
	assert.Equal(t, "TXT", record.Type)
	assert.Equal(t, ch.DNSRecordName, record.Name)
	assert.Equal(t, ch.DNSRecordValue, record.Value)
}

func TestPrepareDNSChallengeStripsWildcardPrefix(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acc, order := env.placeOrder(t, "*.example.com")

	authz := order.Authorizations[0]
	_, err := env.authzs.FetchDetails(ctx, authz)
	require.NoError(t, err)

	ch, err := env.authzs.PrepareDNSChallenge(ctx, authz, acc)
	require.NoError(t, err)
	assert.Equal(t, "_acme-challenge.example.com", ch.DNSRecordName,
		"the wildcard prefix never appears in the record name")
}

func TestPrepareDNSChallengeResetsStatusToPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acc, order := env.placeOrder(t, "example.com")

	authz := order.Authorizations[0]
	_, err := env.authzs.FetchDetails(ctx, authz)
	require.NoError(t, err)

	ch := authz.Challenges[0]
	ch.SetStatus(model.StatusProcessing)

	_, err = env.authzs.PrepareDNSChallenge(ctx, authz, acc)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, ch.Status,
		"preparing puts the challenge back in pending")
}

func TestSetupDNSRecordReusesPreparedMaterial(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acc, order := env.placeOrder(t, "example.com")

	authz := order.Authorizations[0]
	_, err := env.authzs.FetchDetails(ctx, authz)
	require.NoError(t, err)

	record, err := env.authzs.SetupDNSRecord(ctx, authz, acc)
	require.NoError(t, err)
	assert.Equal(t, "_acme-challenge.example.com", record.Name)

	again, err := env.authzs.SetupDNSRecord(ctx, authz, acc)
	require.NoError(t, err)
	assert.Equal(t, record, again, "an already-prepared record is returned as-is")
}

func TestPrepareDNSChallengeRequiresAccountKey(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.authzs.PrepareDNSChallenge(context.Background(), &model.Authorization{}, &model.Account{})
	require.Error(t, err)
	assert.True(t, fault.IsOperation(err))
	assert.Equal(t, "Invalid authorization or account data", err.Error())
}

func TestDNSRecordValueIsDeterministic(t *testing.T) {
	v1 := engine.DNSRecordValue("token.thumbprint")
	v2 := engine.DNSRecordValue("token.thumbprint")
	assert.Equal(t, v1, v2)
	assert.Len(t, v1, 43)
	assert.NotEqual(t, v1, engine.DNSRecordValue("other.thumbprint"))
}

func TestCompleteRequiresPendingChallenge(t *testing.T) {
	env := newTestEnv(t)
	acc := env.registerAccount(t)

	ch := &model.Challenge{URL: "https://ca/chall/1", Type: model.ChallengeTypeDNS01}
	ch.SetStatus(model.StatusValid)

	_, err := env.authzs.Complete(context.Background(), ch, acc)
	require.Error(t, err)
	assert.True(t, fault.IsOperation(err))
	assert.Equal(t, "Challenge must be in PENDING status to complete", err.Error())
}

func TestRespondMarksAuthorizationValid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acc, order := env.placeOrder(t, "example.com")

	authz := order.Authorizations[0]
	_, err := env.authzs.FetchDetails(ctx, authz)
	require.NoError(t, err)
	ch, err := env.authzs.PrepareDNSChallenge(ctx, authz, acc)
	require.NoError(t, err)

	_, err = env.authzs.Respond(ctx, ch, acc)
	require.NoError(t, err)
	assert.Equal(t, model.StatusValid, ch.Status)
	assert.True(t, env.authzs.IsChallengeValid(ch))
}

func TestRespondRequiresChallengeData(t *testing.T) {
	env := newTestEnv(t)
	acc := env.registerAccount(t)

	_, err := env.authzs.Respond(context.Background(), &model.Challenge{}, acc)
	require.Error(t, err)
	assert.True(t, fault.IsOperation(err))
	assert.Equal(t, "Invalid challenge or account data", err.Error())
}

func TestFailedValidation(t *testing.T) {
	env := newTestEnv(t)
	env.ca.FailValidation = true
	ctx := context.Background()
	acc, order := env.placeOrder(t, "example.com")

	authz := order.Authorizations[0]
	_, err := env.authzs.FetchDetails(ctx, authz)
	require.NoError(t, err)
	ch, err := env.authzs.PrepareDNSChallenge(ctx, authz, acc)
	require.NoError(t, err)

	_, err = env.authzs.Complete(ctx, ch, acc)
	require.NoError(t, err, "a failed validation is a state, not a fault")
	assert.Equal(t, model.StatusInvalid, ch.Status)
	assert.False(t, env.authzs.IsChallengeValid(ch))

	_, err = env.orders.RefreshStatus(ctx, order)
	require.NoError(t, err)
	assert.False(t, env.orders.IsReady(order))
}

func TestCheckStatusAfterDeferredValidation(t *testing.T) {
	env := newTestEnv(t)
	env.ca.DeferValidation = true
	ctx := context.Background()
	acc, order := env.placeOrder(t, "example.com")

	authz := order.Authorizations[0]
	_, err := env.authzs.FetchDetails(ctx, authz)
	require.NoError(t, err)
	ch, err := env.authzs.PrepareDNSChallenge(ctx, authz, acc)
	require.NoError(t, err)

	_, err = env.authzs.Complete(ctx, ch, acc)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, ch.Status)

	_, err = env.authzs.CheckStatus(ctx, ch)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, ch.Status, "still processing until the CA finishes")

	env.ca.CompleteValidation()
	_, err = env.authzs.CheckStatus(ctx, ch)
	require.NoError(t, err)
	assert.Equal(t, model.StatusValid, ch.Status)
	assert.Equal(t, model.StatusValid, authz.Status,
		"a valid challenge promotes its authorization")
	assert.True(t, env.authzs.IsAuthorizationValid(authz))
}

func TestCheckStatusErrorDocumentForcesInvalid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	confused := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"type": "dns-01",
			"url": "https://ca/chall/1",
			"status": "processing",
			"error": {"type": "urn:ietf:params:acme:error:dns", "detail": "no TXT record found"}
		}`))
	}))
	defer confused.Close()

	ch := &model.Challenge{URL: confused.URL + "/chall/1", Type: model.ChallengeTypeDNS01}
	ch.SetStatus(model.StatusProcessing)

	_, err := env.authzs.CheckStatus(ctx, ch)
	require.NoError(t, err)

	assert.Equal(t, model.StatusInvalid, ch.Status,
		"an error document wins over the status the CA reports beside it")
	require.NotNil(t, ch.Error)
	assert.Equal(t, "no TXT record found", ch.Error.Detail)
}

func TestDeactivateAuthorization(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acc, order := env.placeOrder(t, "example.com")

	authz := order.Authorizations[0]
	_, err := env.authzs.FetchDetails(ctx, authz)
	require.NoError(t, err)

	_, err = env.authzs.Deactivate(ctx, authz, acc)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeactivated, authz.Status)
	assert.False(t, env.authzs.IsAuthorizationValid(authz))
}

func TestCleanupDNSRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acc, order := env.placeOrder(t, "example.com")

	authz := order.Authorizations[0]
	_, err := env.authzs.FetchDetails(ctx, authz)
	require.NoError(t, err)
	ch, err := env.authzs.PrepareDNSChallenge(ctx, authz, acc)
	require.NoError(t, err)

	require.NoError(t, env.authzs.CleanupDNSRecord(ctx, ch))
	assert.Empty(t, ch.DNSRecordName)
	assert.Empty(t, ch.DNSRecordValue)

	_, err = env.authzs.DNSChallengeRecord(ch)
	require.Error(t, err)
	assert.True(t, fault.IsOperation(err))
}

func TestFindAuthorizationByDomain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, order := env.placeOrder(t, "example.com")

	authz := order.Authorizations[0]
	_, err := env.authzs.FetchDetails(ctx, authz)
	require.NoError(t, err)

	found, err := env.authzs.FindByDomain(ctx, "example.com")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, authz.ID, found.ID)

	none, err := env.authzs.FindByDomain(ctx, "missing.example.com")
	require.NoError(t, err)
	assert.Nil(t, none)
}
