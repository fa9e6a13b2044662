package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chinmina/regtoken/internal/config"
	"github.com/chinmina/regtoken/internal/token"
	"github.com/rs/zerolog/log"
)

// responseLimitBytes bounds how much of a response body is read. Responses
// are a single short form-encoded line.
const responseLimitBytes = 16 << 10

// Client is an Operator posting form-encoded registration requests to the
// registration service, authenticated with the device checkin credentials.
type Client struct {
	url     *url.URL
	timeout time.Duration
	client  *http.Client
}

// Compile-time check to ensure Client implements Operator
var _ Operator = (*Client)(nil)

// New creates a registration client. When httpClient is nil the default
// client is used, which carries the process-wide instrumented transport.
func New(cfg config.RegistrationConfig, httpClient *http.Client) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("registration URL must be configured")
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("could not parse registration URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("registration URL must be http(s), got %q", u.Scheme)
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		url:     u,
		timeout: cfg.Timeout,
		client:  httpClient,
	}, nil
}

func (c *Client) Perform(ctx context.Context, req Request) (string, error) {
	if !req.Identity.HasCheckin() {
		return "", token.ErrInvalidKeyPair
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	form := encodeForm(req)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("could not create registration request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Authorization", fmt.Sprintf("AidLogin %s:%s", req.Identity.DeviceID, req.Identity.Secret))

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", token.OperationError{Reason: "transport failure", Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, responseLimitBytes))
	if err != nil {
		return "", token.OperationError{Reason: "response read failure", Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		log.Ctx(ctx).Info().
			Int("status", resp.StatusCode).
			Stringer("action", req.Action).
			Msg("registration: service rejected request")

		return "", token.OperationError{Reason: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}

	return parseResponse(req.Action, string(body))
}

func encodeForm(req Request) url.Values {
	form := url.Values{}

	// Options are prefixed to keep them apart from the protocol fields.
	for k, v := range req.Options {
		form.Set("X-"+k, v)
	}

	form.Set("sender", req.Key.AuthorizedEntity)
	form.Set("X-subtype", req.Key.AuthorizedEntity)
	form.Set("scope", req.Key.Scope)
	form.Set("X-scope", req.Key.Scope)
	form.Set("device", req.Identity.DeviceID)
	form.Set("appid", req.Identity.InstanceID)

	if req.AppVersion != "" {
		form.Set("app_ver", req.AppVersion)
	}

	switch req.Action {
	case Delete:
		form.Set("delete", "true")
	case DeleteAll:
		form.Set("delete", "true")
		form.Set("iid-operation", "delete")
	}

	return form
}

// parseResponse interprets a "token=<t>" or "Error=<reason>" body.
func parseResponse(action Action, body string) (string, error) {
	values, err := url.ParseQuery(strings.TrimSpace(body))
	if err != nil {
		return "", token.OperationError{Reason: "malformed response", Cause: err}
	}

	if reason := values.Get("Error"); reason != "" {
		return "", token.OperationError{Reason: reason}
	}

	if action != Fetch {
		return "", nil
	}

	issued := values.Get("token")
	if issued == "" {
		return "", token.OperationError{Reason: "response contained no token"}
	}

	return issued, nil
}
