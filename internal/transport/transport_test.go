package transport_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/certflow/internal/fault"
	"github.com/blockadesystems/certflow/internal/keys"
	"github.com/blockadesystems/certflow/internal/transport"
)

// newDirectoryServer serves a directory document plus a nonce endpoint and
// counts directory hits.
func newDirectoryServer(t *testing.T, dirHits *atomic.Int32, extra func(w http.ResponseWriter, r *http.Request) bool) *httptest.Server {
	t.Helper()
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/directory":
			dirHits.Add(1)
			json.NewEncoder(w).Encode(map[string]any{
				"newNonce":   server.URL + "/new-nonce",
				"newAccount": server.URL + "/new-account",
				"newOrder":   server.URL + "/new-order",
				"revokeCert": server.URL + "/revoke-cert",
			})
		case "/new-nonce":
			w.Header().Set("Replay-Nonce", "nonce-123")
			w.WriteHeader(http.StatusNoContent)
		default:
			if extra == nil || !extra(w, r) {
				http.NotFound(w, r)
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestDirectoryIsFetchedOnce(t *testing.T) {
	var dirHits atomic.Int32
	server := newDirectoryServer(t, &dirHits, nil)

	client := transport.New(server.URL+"/directory", 0)
	ctx := context.Background()

	dir1, err := client.Directory(ctx)
	require.NoError(t, err)
	dir2, err := client.Directory(ctx)
	require.NoError(t, err)

	assert.Same(t, dir1, dir2, "the cached directory should be returned")
	assert.Equal(t, int32(1), dirHits.Load(), "the directory must be fetched exactly once per client")
	assert.Equal(t, server.URL+"/new-nonce", dir1.NewNonce)
}

func TestNonceRequiresReplayNonceHeader(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/directory":
			json.NewEncoder(w).Encode(map[string]any{"newNonce": server.URL + "/new-nonce"})
		case "/new-nonce":
			// No Replay-Nonce header.
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer server.Close()

	client := transport.New(server.URL+"/directory", 0)
	_, err := client.Nonce(context.Background())
	require.Error(t, err)
	assert.True(t, fault.IsTransport(err))
	assert.Contains(t, err.Error(), "Replay-Nonce")
}

func TestPostSendsFlattenedJWSWithEmbeddedJWK(t *testing.T) {
	keyPEM, err := keys.GenerateRSAKeyPEM(2048)
	require.NoError(t, err)

	var captured struct {
		Protected string `json:"protected"`
		Payload   string `json:"payload"`
		Signature string `json:"signature"`
	}
	var dirHits atomic.Int32
	var server *httptest.Server
	server = newDirectoryServer(t, &dirHits, func(w http.ResponseWriter, r *http.Request) bool {
		if r.URL.Path != "/new-account" {
			return false
		}
		assert.Equal(t, "application/jose+json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Location", server.URL+"/acct/1")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"status":"valid"}`))
		return true
	})

	client := transport.New(server.URL+"/directory", 0)
	resp, err := client.Post(context.Background(), server.URL+"/new-account",
		map[string]any{"termsOfServiceAgreed": true}, keyPEM, "")
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, server.URL+"/acct/1", resp.Location())

	require.NotEmpty(t, captured.Protected, "flattened JWS must carry a protected header")
	require.NotEmpty(t, captured.Signature)

	headerJSON, err := base64.RawURLEncoding.DecodeString(captured.Protected)
	require.NoError(t, err)
	var header map[string]any
	require.NoError(t, json.Unmarshal(headerJSON, &header))

	assert.Equal(t, "RS256", header["alg"])
	assert.Equal(t, "nonce-123", header["nonce"])
	assert.Equal(t, server.URL+"/new-account", header["url"])
	assert.Contains(t, header, "jwk", "new-account requests embed the public JWK")
	assert.NotContains(t, header, "kid")

	payloadJSON, err := base64.RawURLEncoding.DecodeString(captured.Payload)
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(payloadJSON, &payload))
	assert.Equal(t, true, payload["termsOfServiceAgreed"])
}

func TestPostUsesKidForRegisteredAccounts(t *testing.T) {
	keyPEM, err := keys.GenerateRSAKeyPEM(2048)
	require.NoError(t, err)

	var header map[string]any
	var dirHits atomic.Int32
	server := newDirectoryServer(t, &dirHits, func(w http.ResponseWriter, r *http.Request) bool {
		if r.URL.Path != "/new-order" {
			return false
		}
		var envelope struct {
			Protected string `json:"protected"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&envelope))
		headerJSON, err := base64.RawURLEncoding.DecodeString(envelope.Protected)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(headerJSON, &header))
		w.Write([]byte(`{"status":"pending"}`))
		return true
	})

	client := transport.New(server.URL+"/directory", 0)
	accountURL := server.URL + "/acct/1"
	_, err = client.Post(context.Background(), server.URL+"/new-order",
		map[string]any{}, keyPEM, accountURL)
	require.NoError(t, err)

	assert.Equal(t, accountURL, header["kid"], "registered accounts sign with kid")
	assert.NotContains(t, header, "jwk", "kid and jwk are mutually exclusive")
}

func TestNonTwoHundredBecomesServerFault(t *testing.T) {
	var dirHits atomic.Int32
	server := newDirectoryServer(t, &dirHits, func(w http.ResponseWriter, r *http.Request) bool {
		if r.URL.Path != "/boom" {
			return false
		}
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"type":"urn:ietf:params:acme:error:unauthorized","detail":"account is deactivated","status":403}`))
		return true
	})

	client := transport.New(server.URL+"/directory", 0)
	_, err := client.Get(context.Background(), server.URL+"/boom")
	require.Error(t, err)

	sf := fault.AsServer(err)
	require.NotNil(t, sf, "a problem response must surface as a server fault")
	assert.Equal(t, "urn:ietf:params:acme:error:unauthorized", sf.Problem.Type)
	assert.Equal(t, "account is deactivated", sf.Problem.Detail, "the CA's detail is surfaced verbatim")
	assert.Equal(t, 403, sf.Problem.Status)
	assert.Equal(t, "account is deactivated", err.Error())
}

func TestUnparseableProblemBodyGetsSyntheticDocument(t *testing.T) {
	var dirHits atomic.Int32
	server := newDirectoryServer(t, &dirHits, func(w http.ResponseWriter, r *http.Request) bool {
		if r.URL.Path != "/boom" {
			return false
		}
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream exploded"))
		return true
	})

	client := transport.New(server.URL+"/directory", 0)
	_, err := client.Get(context.Background(), server.URL+"/boom")
	require.Error(t, err)

	sf := fault.AsServer(err)
	require.NotNil(t, sf)
	assert.Equal(t, "urn:ietf:params:acme:error:serverInternal", sf.Problem.Type)
	assert.Equal(t, "upstream exploded", sf.Problem.Detail)
	assert.Equal(t, 502, sf.Problem.Status)
}

func TestInvalidURLIsAValidationFault(t *testing.T) {
	keyPEM, err := keys.GenerateRSAKeyPEM(2048)
	require.NoError(t, err)

	client := transport.New("https://example.com/directory", 0)
	for _, bad := range []string{"", "not-a-url", "ftp://example.com/x", "/relative/path"} {
		_, err := client.Get(context.Background(), bad)
		assert.True(t, fault.IsValidation(err), "GET %q should be rejected before any I/O", bad)

		_, err = client.Post(context.Background(), bad, map[string]any{}, keyPEM, "")
		assert.True(t, fault.IsValidation(err), "POST %q should be rejected before any I/O", bad)
	}
}

func TestFreshNonceFetchedPerPost(t *testing.T) {
	keyPEM, err := keys.GenerateRSAKeyPEM(2048)
	require.NoError(t, err)

	var nonceHits atomic.Int32
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/directory":
			json.NewEncoder(w).Encode(map[string]any{
				"newNonce": server.URL + "/new-nonce",
			})
		case "/new-nonce":
			nonceHits.Add(1)
			w.Header().Set("Replay-Nonce", "n")
			w.WriteHeader(http.StatusNoContent)
		case "/post":
			w.Write([]byte(`{"ok":true}`))
		}
	}))
	defer server.Close()

	client := transport.New(server.URL+"/directory", 0)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := client.Post(ctx, server.URL+"/post", map[string]any{}, keyPEM, server.URL+"/acct/1")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), nonceHits.Load(), "every POST must fetch its own nonce")
}
