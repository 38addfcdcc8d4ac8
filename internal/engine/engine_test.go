package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/blockadesystems/certflow/internal/audit"
	"github.com/blockadesystems/certflow/internal/engine"
	"github.com/blockadesystems/certflow/internal/model"
	"github.com/blockadesystems/certflow/internal/storage"
	"github.com/blockadesystems/certflow/internal/testutils"
	"github.com/blockadesystems/certflow/internal/transport"
)

// testEnv bundles a fake CA with a full engine set over in-memory storage.
type testEnv struct {
	ca       *testutils.FakeCA
	store    *storage.MemoryStorage
	tp       *transport.Client
	accounts *engine.AccountEngine
	orders   *engine.OrderEngine
	authzs   *engine.AuthzEngine
	certs    *engine.CertificateEngine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ca := testutils.NewFakeCA(t)
	store := storage.NewMemoryStorage()
	tp := transport.New(ca.DirectoryURL(), 0)
	auditLog := audit.New(zaptest.NewLogger(t))
	return &testEnv{
		ca:       ca,
		store:    store,
		tp:       tp,
		accounts: engine.NewAccountEngine(tp, store, auditLog),
		orders:   engine.NewOrderEngine(tp, store, auditLog),
		authzs:   engine.NewAuthzEngine(tp, store, auditLog),
		certs:    engine.NewCertificateEngine(tp, store, auditLog),
	}
}

// registerAccount registers a fresh account against the fake CA.
func (env *testEnv) registerAccount(t *testing.T) *model.Account {
	t.Helper()
	acc, err := env.accounts.RegisterByEmail(context.Background(), "ops@example.com", 2048, true)
	require.NoError(t, err)
	return acc
}

// placeOrder registers an account and places an order for the domains.
func (env *testEnv) placeOrder(t *testing.T, domains ...string) (*model.Account, *model.Order) {
	t.Helper()
	acc := env.registerAccount(t)
	order, err := env.orders.Create(context.Background(), acc, domains)
	require.NoError(t, err)
	return acc, order
}

// authorizeOrder fetches, prepares and completes every authorization so the
// order becomes ready.
func (env *testEnv) authorizeOrder(t *testing.T, acc *model.Account, order *model.Order) {
	t.Helper()
	ctx := context.Background()
	for _, authz := range order.Authorizations {
		_, err := env.authzs.FetchDetails(ctx, authz)
		require.NoError(t, err)
		ch, err := env.authzs.PrepareDNSChallenge(ctx, authz, acc)
		require.NoError(t, err)
		_, err = env.authzs.Complete(ctx, ch, acc)
		require.NoError(t, err)
	}
	_, err := env.orders.RefreshStatus(ctx, order)
	require.NoError(t, err)
}

// issueCertificate runs the full happy path up to a downloaded certificate.
func (env *testEnv) issueCertificate(t *testing.T, domains ...string) (*model.Account, *model.Order, *model.Certificate) {
	t.Helper()
	ctx := context.Background()
	acc, order := env.placeOrder(t, domains...)
	env.authorizeOrder(t, acc, order)
	_, err := env.orders.FinalizeWithAutoCSR(ctx, order)
	require.NoError(t, err)
	_, err = env.orders.RefreshStatus(ctx, order)
	require.NoError(t, err)
	cert, err := env.orders.DownloadCertificate(ctx, order)
	require.NoError(t, err)
	return acc, order, cert
}
