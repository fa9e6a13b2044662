package remote_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/chinmina/regtoken/internal/config"
	"github.com/chinmina/regtoken/internal/identity"
	"github.com/chinmina/regtoken/internal/remote"
	"github.com/chinmina/regtoken/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testIdentity = identity.Identity{
	InstanceID: "iid-1",
	DeviceID:   "4242",
	Secret:     "s3cret",
}

type capturedRequest struct {
	auth string
	form url.Values
}

func setupServer(t *testing.T, status int, body string) (*remote.Client, *capturedRequest) {
	t.Helper()

	captured := &capturedRequest{}
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))

		require.NoError(t, r.ParseForm())
		captured.auth = r.Header.Get("Authorization")
		captured.form = r.PostForm

		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(svr.Close)

	client, err := remote.New(config.RegistrationConfig{URL: svr.URL, Timeout: 5 * time.Second}, svr.Client())
	require.NoError(t, err)

	return client, captured
}

func TestClient_Fetch(t *testing.T) {
	client, captured := setupServer(t, http.StatusOK, "token=T1\n")

	issued, err := client.Perform(context.Background(), remote.Request{
		Action:     remote.Fetch,
		Key:        token.Key{AuthorizedEntity: "sender123", Scope: "fcm"},
		Identity:   testIdentity,
		AppVersion: "1.2.3",
		Options: map[string]string{
			"apns_token":   "0a0b",
			"apns_sandbox": "1",
		},
	})

	require.NoError(t, err)
	assert.Equal(t, "T1", issued)

	assert.Equal(t, "AidLogin 4242:s3cret", captured.auth)
	assert.Equal(t, "sender123", captured.form.Get("sender"))
	assert.Equal(t, "fcm", captured.form.Get("scope"))
	assert.Equal(t, "fcm", captured.form.Get("X-scope"))
	assert.Equal(t, "4242", captured.form.Get("device"))
	assert.Equal(t, "iid-1", captured.form.Get("appid"))
	assert.Equal(t, "1.2.3", captured.form.Get("app_ver"))
	assert.Equal(t, "0a0b", captured.form.Get("X-apns_token"))
	assert.Equal(t, "1", captured.form.Get("X-apns_sandbox"))
	assert.Empty(t, captured.form.Get("delete"))
}

func TestClient_Delete(t *testing.T) {
	client, captured := setupServer(t, http.StatusOK, "deleted=sender123")

	issued, err := client.Perform(context.Background(), remote.Request{
		Action:   remote.Delete,
		Key:      token.Key{AuthorizedEntity: "sender123", Scope: "fcm"},
		Identity: testIdentity,
	})

	require.NoError(t, err)
	assert.Empty(t, issued)
	assert.Equal(t, "true", captured.form.Get("delete"))
	assert.Empty(t, captured.form.Get("iid-operation"))
}

func TestClient_DeleteAll(t *testing.T) {
	client, captured := setupServer(t, http.StatusOK, "")

	_, err := client.Perform(context.Background(), remote.Request{
		Action:   remote.DeleteAll,
		Key:      token.WildcardKey,
		Identity: testIdentity,
	})

	require.NoError(t, err)
	assert.Equal(t, "*", captured.form.Get("sender"))
	assert.Equal(t, "*", captured.form.Get("scope"))
	assert.Equal(t, "true", captured.form.Get("delete"))
	assert.Equal(t, "delete", captured.form.Get("iid-operation"))
}

func TestClient_Failures(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		expected string
	}{
		{
			name:     "service error",
			status:   http.StatusOK,
			body:     "Error=PHONE_REGISTRATION_ERROR",
			expected: "PHONE_REGISTRATION_ERROR",
		},
		{
			name:     "http status",
			status:   http.StatusServiceUnavailable,
			body:     "",
			expected: "HTTP 503",
		},
		{
			name:     "missing token",
			status:   http.StatusOK,
			body:     "something=else",
			expected: "response contained no token",
		},
		{
			name:     "malformed body",
			status:   http.StatusOK,
			body:     "token=%zz",
			expected: "malformed response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := setupServer(t, tt.status, tt.body)

			_, err := client.Perform(context.Background(), remote.Request{
				Action:   remote.Fetch,
				Key:      token.Key{AuthorizedEntity: "sender", Scope: "fcm"},
				Identity: testIdentity,
			})

			require.Error(t, err)
			assert.ErrorIs(t, err, token.ErrNetworkOperationFailed)
			assert.ErrorContains(t, err, tt.expected)

			var opErr token.OperationError
			require.ErrorAs(t, err, &opErr)
			status, _ := opErr.Status()
			assert.Equal(t, http.StatusBadGateway, status)
		})
	}
}

func TestClient_TransportFailure(t *testing.T) {
	svr := httptest.NewServer(http.NotFoundHandler())
	svr.Close()

	client, err := remote.New(config.RegistrationConfig{URL: svr.URL}, nil)
	require.NoError(t, err)

	_, err = client.Perform(context.Background(), remote.Request{
		Action:   remote.Fetch,
		Key:      token.Key{AuthorizedEntity: "sender", Scope: "fcm"},
		Identity: testIdentity,
	})

	assert.ErrorIs(t, err, token.ErrNetworkOperationFailed)
	assert.ErrorContains(t, err, "transport failure")
}

func TestClient_MissingCheckin(t *testing.T) {
	client, err := remote.New(config.RegistrationConfig{URL: "https://registration.local/register"}, nil)
	require.NoError(t, err)

	_, err = client.Perform(context.Background(), remote.Request{
		Action:   remote.Fetch,
		Key:      token.Key{AuthorizedEntity: "sender", Scope: "fcm"},
		Identity: identity.Identity{InstanceID: "iid-1"},
	})

	assert.ErrorIs(t, err, token.ErrInvalidKeyPair)
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{name: "empty", url: ""},
		{name: "unparseable", url: "://nope"},
		{name: "wrong scheme", url: "ftp://registration.local"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := remote.New(config.RegistrationConfig{URL: tt.url}, nil)
			assert.Error(t, err)
		})
	}
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "fetch", remote.Fetch.String())
	assert.Equal(t, "delete", remote.Delete.String())
	assert.Equal(t, "delete_all", remote.DeleteAll.String())
	assert.Equal(t, "unknown", remote.Action(42).String())
}
