//go:build integration

package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/chinmina/regtoken/internal/config"
	"github.com/chinmina/regtoken/internal/server"
	"github.com/chinmina/regtoken/internal/testhelpers"
	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "https://issuer.example.com"
	testAudience = "regtoken"
)

// APITestHarness manages the complete test environment for API integration
// tests: a mock registration service, a Redis-compatible store and the API
// server wired the same way the service is at startup.
type APITestHarness struct {
	t            *testing.T
	Server       *httptest.Server
	Registration *MockRegistrationServer
	Redis        *miniredis.Miniredis
	jwk          jose.JSONWebKey
}

// APITestHarnessOption configures the API test harness.
type APITestHarnessOption func(*config.Config)

// WithIdentityFile configures the harness to read the device identity from
// the given file instead of static values.
func WithIdentityFile(path string) APITestHarnessOption {
	return func(cfg *config.Config) {
		cfg.Identity = config.IdentityConfig{File: path}
	}
}

// WithPushScopes marks scopes as requiring a push credential.
func WithPushScopes(scopes ...string) APITestHarnessOption {
	return func(cfg *config.Config) {
		cfg.App.PushScopes = scopes
	}
}

// NewAPITestHarness creates a complete test harness with the mock
// registration service and the API server. Cleanup is handled automatically
// via t.Cleanup().
func NewAPITestHarness(t *testing.T, options ...APITestHarnessOption) *APITestHarness {
	t.Helper()
	testhelpers.SetupLogger(t)

	registration := NewMockRegistrationServer(t)
	mr := miniredis.RunT(t)
	jwk := testhelpers.GenerateJWK(t)

	cfg := config.Config{
		Authorization: config.AuthorizationConfig{
			Audience:            testAudience,
			IssuerURL:           testIssuer,
			ConfigurationStatic: testhelpers.JWKS(t, jwk),
		},
		App: config.AppConfig{
			Version:         "1.0.0",
			ID:              "com.example.app",
			RefreshInterval: 168 * time.Hour,
		},
		Identity: config.IdentityConfig{
			InstanceID: "iid-1",
			DeviceID:   "device-1",
			Secret:     "secret-1",
		},
		Registration: config.RegistrationConfig{
			URL:     registration.URL(),
			Timeout: 5 * time.Second,
		},
		Store: config.StoreConfig{
			Type: "redis",
			Redis: config.RedisConfig{
				Address: mr.Addr(),
				TLS:     false,
				Prefix:  "regtoken:",
			},
		},
	}

	for _, opt := range options {
		opt(&cfg)
	}

	require.NoError(t, cfg.Store.Validate())
	require.NoError(t, cfg.Identity.Validate())

	hooks := &server.ShutdownHooks{}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hooks.Execute(ctx)
	})

	tokens, identities, err := configureTokenManager(context.Background(), cfg, hooks)
	require.NoError(t, err)

	handler, err := configureServerRoutes(cfg, tokens, identities)
	require.NoError(t, err)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &APITestHarness{
		t:            t,
		Server:       srv,
		Registration: registration,
		Redis:        mr,
		jwk:          jwk,
	}
}

// ValidJWT returns a bearer token accepted by the API server.
func (h *APITestHarness) ValidJWT() string {
	h.t.Helper()
	return testhelpers.CreateJWT(h.t, h.jwk, testhelpers.ValidClaims(testIssuer, testAudience, "device-agent"))
}

// Client returns a client for the API server.
func (h *APITestHarness) Client() *TestClient {
	return &TestClient{
		baseURL: h.Server.URL,
		client:  http.DefaultClient,
	}
}

// RegistrationCall is a single request received by the mock registration
// service.
type RegistrationCall struct {
	Authorization string
	Form          url.Values
}

// MockRegistrationServer stands in for the remote registration service. Fetch
// requests receive a token derived from the sender and scope; delete requests
// are acknowledged.
type MockRegistrationServer struct {
	server *httptest.Server

	mu      sync.Mutex
	calls   []RegistrationCall
	issued  int
	failure string
}

func NewMockRegistrationServer(t *testing.T) *MockRegistrationServer {
	t.Helper()

	m := &MockRegistrationServer{}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.server.Close)

	return m
}

func (m *MockRegistrationServer) URL() string {
	return m.server.URL
}

// FailWith makes subsequent requests answer with the given error reason.
func (m *MockRegistrationServer) FailWith(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = reason
}

// Calls returns a copy of the requests received so far.
func (m *MockRegistrationServer) Calls() []RegistrationCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	calls := make([]RegistrationCall, len(m.calls))
	copy(calls, m.calls)
	return calls
}

// CallsMatching counts received requests for which match returns true.
func (m *MockRegistrationServer) CallsMatching(match func(RegistrationCall) bool) int {
	n := 0
	for _, c := range m.Calls() {
		if match(c) {
			n++
		}
	}
	return n
}

func (m *MockRegistrationServer) handle(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, RegistrationCall{
		Authorization: r.Header.Get("Authorization"),
		Form:          r.PostForm,
	})

	if m.failure != "" {
		fmt.Fprintf(w, "Error=%s", m.failure)
		return
	}

	if r.PostForm.Get("delete") == "true" {
		fmt.Fprint(w, "deleted=true")
		return
	}

	m.issued++
	fmt.Fprintf(w, "token=%s-%s-%d", r.PostForm.Get("sender"), r.PostForm.Get("scope"), m.issued)
}

func isFetch(c RegistrationCall) bool {
	return c.Form.Get("delete") == ""
}

func isDeleteAll(c RegistrationCall) bool {
	return c.Form.Get("iid-operation") == "delete"
}

// APIError represents a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Body       []byte
	Message    string // parsed from JSON error response if available
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error %d", e.StatusCode)
}

// TestClient provides typed access to the API endpoints for testing.
type TestClient struct {
	baseURL string
	client  *http.Client
}

// Response wraps raw HTTP response for low-level assertions.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// Request performs a low-level HTTP request and returns the raw response.
// This method is useful for testing error cases and edge conditions.
func (c *TestClient) Request(method, path, token string, body io.Reader) (*Response, error) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       bodyBytes,
		Headers:    resp.Header,
	}, nil
}

// do sends payload as JSON and decodes a JSON response into result when one
// is given. Non-2xx responses are returned as *APIError.
func (c *TestClient) do(method, path, token string, payload, result any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	resp, err := c.Request(method, path, token, body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: resp.Body}
		var parsed ErrorResponse
		if json.Unmarshal(resp.Body, &parsed) == nil {
			apiErr.Message = parsed.Error
		}
		return apiErr
	}

	if result == nil || len(resp.Body) == 0 {
		return nil
	}

	if err := json.Unmarshal(resp.Body, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}

	return nil
}

// Token requests a registration token for the sender and scope.
func (c *TestClient) Token(jwt, authorizedEntity, scope string) (string, error) {
	var resp tokenResponse
	err := c.do(http.MethodPost, "/token", jwt, tokenRequest{
		AuthorizedEntity: authorizedEntity,
		Scope:            scope,
	}, &resp)

	return resp.Token, err
}

// DeleteToken deletes the token for the sender and scope.
func (c *TestClient) DeleteToken(jwt, authorizedEntity, scope string) error {
	return c.do(http.MethodDelete, "/token", jwt, tokenRequest{
		AuthorizedEntity: authorizedEntity,
		Scope:            scope,
	}, nil)
}

// DeleteAllTokens deletes every token, on the server unless local is set.
func (c *TestClient) DeleteAllTokens(jwt string, local bool) error {
	return c.do(http.MethodDelete, fmt.Sprintf("/tokens?local=%t", local), jwt, nil, nil)
}

// PushCredential replaces the push credential, returning the invalidated keys.
func (c *TestClient) PushCredential(jwt string, credential []byte, sandbox bool) (pushCredentialResponse, error) {
	var resp pushCredentialResponse
	err := c.do(http.MethodPost, "/push-credential", jwt, pushCredentialRequest{
		Credential: base64.StdEncoding.EncodeToString(credential),
		Sandbox:    sandbox,
	}, &resp)

	return resp, err
}

// RefreshPolicy runs the refresh policy check for the configured identity.
func (c *TestClient) RefreshPolicy(jwt string) (bool, error) {
	var resp refreshPolicyResponse
	err := c.do(http.MethodPost, "/refresh-policy", jwt, nil, &resp)

	return resp.RefetchDefault, err
}
