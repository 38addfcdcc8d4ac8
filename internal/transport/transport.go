// Package transport implements the authenticated ACME HTTP layer: directory
// discovery (cached per client), replay-nonce supply, JWS-signed POST
// requests in flattened JSON serialization, and translation of HTTP/JSON
// faults into the taxonomy in internal/fault.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blockadesystems/certflow/internal/fault"
	"github.com/blockadesystems/certflow/internal/keys"
	"github.com/blockadesystems/certflow/internal/model"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "transport"))
}

const (
	contentTypeJOSE   = "application/jose+json"
	headerReplayNonce = "Replay-Nonce"

	defaultTimeout = 30 * time.Second
)

// Directory is the CA's resource map, the entry point of the protocol.
type Directory struct {
	NewNonce   string `json:"newNonce"`
	NewAccount string `json:"newAccount"`
	NewOrder   string `json:"newOrder"`
	NewAuthz   string `json:"newAuthz,omitempty"`
	RevokeCert string `json:"revokeCert"`
	KeyChange  string `json:"keyChange,omitempty"`
	Meta       struct {
		TermsOfService          string   `json:"termsOfService,omitempty"`
		Website                 string   `json:"website,omitempty"`
		CAAIdentities           []string `json:"caaIdentities,omitempty"`
		ExternalAccountRequired bool     `json:"externalAccountRequired,omitempty"`
	} `json:"meta,omitempty"`
}

// Response carries a parsed-enough ACME response: status, headers (Location
// and Replay-Nonce matter to callers) and the raw JSON body.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return errors.New("transport: empty response body")
	}
	return json.Unmarshal(r.Body, v)
}

// Location returns the Location response header.
func (r *Response) Location() string {
	return r.Header.Get("Location")
}

// Client talks to a single ACME CA. The directory is fetched once per client
// lifetime and cached; the cache is write-once-then-read and safe for
// concurrent use. Nonces are never cached: a fresh one is fetched
// immediately before every signed POST.
type Client struct {
	directoryURL string
	httpClient   *http.Client

	mu  sync.Mutex
	dir *Directory
}

// DirectoryURL returns the directory URL this client was built for.
func (c *Client) DirectoryURL() string { return c.directoryURL }

// New creates a transport client for the CA at directoryURL. A timeout of 0
// selects the default of 30 seconds.
func New(directoryURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		directoryURL: directoryURL,
		httpClient:   &http.Client{Timeout: timeout},
	}
}

// Directory returns the CA's directory, fetching it on first use.
func (c *Client) Directory(ctx context.Context) (*Directory, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dir != nil {
		return c.dir, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.directoryURL, nil)
	if err != nil {
		return nil, fault.Transportf("get directory", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fault.Transportf("get directory", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Transportf("get directory", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fault.Transportf("get directory",
			fmt.Errorf("unexpected status %d from %s", resp.StatusCode, c.directoryURL))
	}
	var dir Directory
	if err := json.Unmarshal(body, &dir); err != nil {
		return nil, fault.Transportf("get directory", err)
	}
	c.dir = &dir
	logger.Debug("directory fetched and cached", zap.String("url", c.directoryURL))
	return c.dir, nil
}

// Nonce obtains a fresh replay nonce from the CA's newNonce resource.
func (c *Client) Nonce(ctx context.Context) (string, error) {
	dir, err := c.Directory(ctx)
	if err != nil {
		return "", err
	}
	if dir.NewNonce == "" {
		return "", fault.Transportf("get nonce", errors.New("directory has no newNonce resource"))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, dir.NewNonce, nil)
	if err != nil {
		return "", fault.Transportf("get nonce", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fault.Transportf("get nonce", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	nonce := resp.Header.Get(headerReplayNonce)
	if nonce == "" {
		return "", fault.Transportf("get nonce", errors.New("response is missing the Replay-Nonce header"))
	}
	return nonce, nil
}

// Get performs an unauthenticated GET and returns the response. Non-2xx
// responses are translated into server faults carrying the CA's problem
// document.
func (c *Client) Get(ctx context.Context, rawURL string) (*Response, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fault.Transportf("get "+rawURL, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fault.Transportf("get "+rawURL, err)
	}
	defer resp.Body.Close()
	return readResponse(resp)
}

// Post signs payload as a flattened JWS with the supplied account key and
// POSTs it to rawURL. When accountURL is empty the public JWK is embedded in
// the protected header (new-account case); otherwise kid=accountURL is used.
// A fresh nonce is fetched immediately before the request.
func (c *Client) Post(ctx context.Context, rawURL string, payload any, privateKeyPEM, accountURL string) (*Response, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	key, err := keys.ParseRSAPrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fault.Transportf("encode request payload", err)
	}

	nonce, err := c.Nonce(ctx)
	if err != nil {
		return nil, err
	}

	opts := &jose.SignerOptions{NonceSource: staticNonce(nonce)}
	opts.WithHeader("url", rawURL)
	signingKey := jose.SigningKey{Algorithm: jose.RS256, Key: key}
	if accountURL == "" {
		opts.EmbedJWK = true
	} else {
		signingKey.Key = jose.JSONWebKey{Key: key, KeyID: accountURL, Algorithm: string(jose.RS256)}
	}
	signer, err := jose.NewSigner(signingKey, opts)
	if err != nil {
		return nil, fault.Validationf("failed to build JWS signer: %v", err)
	}
	jws, err := signer.Sign(body)
	if err != nil {
		return nil, fault.Validationf("failed to sign request payload: %v", err)
	}
	serialized := jws.FullSerialize()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(serialized))
	if err != nil {
		return nil, fault.Transportf("post "+rawURL, err)
	}
	req.Header.Set("Content-Type", contentTypeJOSE)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fault.Transportf("post "+rawURL, err)
	}
	defer resp.Body.Close()
	logger.Debug("signed request sent",
		zap.String("url", rawURL), zap.Int("status", resp.StatusCode), zap.Bool("kid", accountURL != ""))
	return readResponse(resp)
}

// staticNonce hands a pre-fetched nonce to the JWS signer. Nonces are
// single-use, so a new value is fetched for every request.
type staticNonce string

func (n staticNonce) Nonce() (string, error) { return string(n), nil }

func validateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" ||
		(parsed.Scheme != "https" && parsed.Scheme != "http") {
		return fault.Validationf("invalid request URL %q", rawURL)
	}
	return nil
}

func readResponse(resp *http.Response) (*Response, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Transportf("read response body", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &fault.Server{Problem: parseProblem(body, resp.StatusCode)}
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// parseProblem decodes an ACME problem+json body, falling back to a synthetic
// document when the body is not parseable.
func parseProblem(body []byte, status int) *model.ProblemDetails {
	var problem model.ProblemDetails
	if err := json.Unmarshal(body, &problem); err != nil || (problem.Type == "" && problem.Detail == "") {
		return &model.ProblemDetails{
			Type:   "urn:ietf:params:acme:error:serverInternal",
			Detail: strings.TrimSpace(string(body)),
			Status: status,
		}
	}
	if problem.Status == 0 {
		problem.Status = status
	}
	return &problem
}
