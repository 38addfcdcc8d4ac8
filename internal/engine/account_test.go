package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/certflow/internal/fault"
	"github.com/blockadesystems/certflow/internal/model"
)

func TestRegisterByEmail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	acc, err := env.accounts.RegisterByEmail(ctx, "ops@example.com", 2048, true)
	require.NoError(t, err)

	assert.Equal(t, model.StatusValid, acc.Status)
	assert.True(t, acc.Valid)
	assert.True(t, env.accounts.IsAccountValid(acc))
	assert.NotEmpty(t, acc.AccountURL, "the CA's Location header becomes the account URL")
	assert.NotEmpty(t, acc.PrivateKeyPEM)
	assert.NotEmpty(t, acc.PublicKeyJWK)
	assert.Equal(t, env.tp.DirectoryURL(), acc.ServerURL)
	assert.Equal(t, []string{"mailto:ops@example.com"}, acc.Contact)

	found, err := env.accounts.FindAccountByEmail(ctx, "ops@example.com", env.tp.DirectoryURL())
	require.NoError(t, err)
	require.NotNil(t, found, "the registered account must be persisted")
	assert.Equal(t, acc.ID, found.ID)
}

func TestRegisterByEmailRequiresEmail(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.accounts.RegisterByEmail(context.Background(), "", 2048, true)
	require.Error(t, err)
	assert.True(t, fault.IsValidation(err))
}

func TestRegisterWithBadKeyMaterial(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.accounts.Register(context.Background(), []string{"mailto:ops@example.com"}, true, "not a key")
	require.Error(t, err)
	assert.True(t, fault.IsValidation(err), "bad key material must fail before any network call")
}

func TestDeactivateAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acc := env.registerAccount(t)

	_, err := env.accounts.Deactivate(ctx, acc)
	require.NoError(t, err)

	assert.Equal(t, model.StatusDeactivated, acc.Status)
	assert.False(t, acc.Valid)
	assert.False(t, env.accounts.IsAccountValid(acc))

	deactivated, err := env.accounts.FindAccountsByStatus(ctx, model.StatusDeactivated)
	require.NoError(t, err)
	assert.Len(t, deactivated, 1)
}

func TestDeactivateRequiresRegisteredAccount(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.accounts.Deactivate(context.Background(), &model.Account{})
	require.Error(t, err)
	assert.True(t, fault.IsOperation(err))
}

func TestUpdateContacts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acc := env.registerAccount(t)

	updated, err := env.accounts.UpdateContacts(ctx, acc, []string{"mailto:new@example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"mailto:new@example.com"}, updated.Contact)

	found, err := env.accounts.FindAccountByEmail(ctx, "new@example.com", "")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, acc.ID, found.ID)
}

func TestFindAccountsByServerURL(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerAccount(t)

	accounts, err := env.accounts.FindAccountsByServerURL(ctx, env.tp.DirectoryURL())
	require.NoError(t, err)
	assert.Len(t, accounts, 1)

	none, err := env.accounts.FindAccountsByServerURL(ctx, "https://other-ca.example.com/directory")
	require.NoError(t, err)
	assert.Empty(t, none)
}
