package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/chinmina/regtoken/internal/audit"
	"github.com/chinmina/regtoken/internal/identity"
	"github.com/chinmina/regtoken/internal/token"
	"github.com/rs/zerolog/log"
)

// HTTPStatuser provides HTTP status information for errors
type HTTPStatuser interface {
	Status() (int, string)
}

// TokenManager is the token lifecycle API exposed over HTTP.
type TokenManager interface {
	GetToken(ctx context.Context, authorizedEntity, scope string, options token.Options) (string, error)
	DeleteToken(ctx context.Context, authorizedEntity, scope string, id identity.Identity) error
	DeleteAllTokens(ctx context.Context, id identity.Identity) error
	DeleteAllTokensLocally(ctx context.Context) error
	CheckTokenRefreshPolicy(ctx context.Context, instanceID string) (bool, error)
	UpdateToPushCredential(ctx context.Context, credential []byte, sandbox bool) ([]token.Info, error)
}

type tokenRequest struct {
	AuthorizedEntity string         `json:"authorizedEntity"`
	Scope            string         `json:"scope"`
	Options          map[string]any `json:"options,omitempty"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

type pushCredentialRequest struct {
	// Credential is the base64 encoded device push token.
	Credential string `json:"credential"`
	Sandbox    bool   `json:"sandbox"`
}

type pushCredentialResponse struct {
	Invalidated []token.Key `json:"invalidated"`
}

type refreshPolicyRequest struct {
	InstanceID string `json:"instanceID,omitempty"`
}

type refreshPolicyResponse struct {
	RefetchDefault bool `json:"refetchDefault"`
}

func handlePostToken(tokens TokenManager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		entry := audit.Log(r.Context())
		entry.Action = "fetch"

		var req tokenRequest
		if err := readJSON(r, &req); err != nil {
			failRequest(w, r, err)
			return
		}
		entry.AuthorizedEntity = req.AuthorizedEntity
		entry.Scope = req.Scope

		options, err := decodeOptions(req.Options)
		if err != nil {
			failRequest(w, r, err)
			return
		}

		tok, err := tokens.GetToken(r.Context(), req.AuthorizedEntity, req.Scope, options)
		if err != nil {
			failRequest(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, tokenResponse{Token: tok})
	})
}

func handleDeleteToken(tokens TokenManager, identities identity.Provider) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		entry := audit.Log(r.Context())
		entry.Action = "delete"

		var req tokenRequest
		if err := readJSON(r, &req); err != nil {
			failRequest(w, r, err)
			return
		}
		entry.AuthorizedEntity = req.AuthorizedEntity
		entry.Scope = req.Scope

		id, err := identities.Resolve(r.Context())
		if err != nil {
			failRequest(w, r, fmt.Errorf("%w: %w", token.ErrInvalidKeyPair, err))
			return
		}
		entry.InstanceID = id.InstanceID

		if err := tokens.DeleteToken(r.Context(), req.AuthorizedEntity, req.Scope, id); err != nil {
			failRequest(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	})
}

// handleDeleteAllTokens deletes every token for the current identity. With
// local=true only the cache is cleared and the server is not contacted.
func handleDeleteAllTokens(tokens TokenManager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		entry := audit.Log(r.Context())
		entry.AuthorizedEntity = token.Wildcard
		entry.Scope = token.Wildcard

		local := false
		if raw := r.URL.Query().Get("local"); raw != "" {
			var err error
			local, err = strconv.ParseBool(raw)
			if err != nil {
				failRequest(w, r, fmt.Errorf("%w: local must be a boolean", token.ErrInvalidRequest))
				return
			}
		}

		var err error
		if local {
			entry.Action = "delete_all_local"
			err = tokens.DeleteAllTokensLocally(r.Context())
		} else {
			entry.Action = "delete_all"
			err = tokens.DeleteAllTokens(r.Context(), identity.Identity{})
		}
		if err != nil {
			failRequest(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	})
}

func handlePostPushCredential(tokens TokenManager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		entry := audit.Log(r.Context())
		entry.Action = "update_push_credential"

		var req pushCredentialRequest
		if err := readJSON(r, &req); err != nil {
			failRequest(w, r, err)
			return
		}

		credential, err := base64.StdEncoding.DecodeString(req.Credential)
		if err != nil {
			failRequest(w, r, fmt.Errorf("%w: credential must be base64 encoded", token.ErrInvalidRequest))
			return
		}

		invalidated, err := tokens.UpdateToPushCredential(r.Context(), credential, req.Sandbox)
		if err != nil {
			failRequest(w, r, err)
			return
		}

		// token values are never returned, only the keys to refetch
		resp := pushCredentialResponse{Invalidated: make([]token.Key, 0, len(invalidated))}
		for _, info := range invalidated {
			resp.Invalidated = append(resp.Invalidated, info.Key())
			entry.Invalidated = append(entry.Invalidated, info.Key().String())
		}

		writeJSON(w, http.StatusOK, resp)
	})
}

func handlePostRefreshPolicy(tokens TokenManager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		entry := audit.Log(r.Context())
		entry.Action = "refresh_policy"

		// the body is optional: the current identity is used without one
		var req refreshPolicyRequest
		if err := readJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			failRequest(w, r, err)
			return
		}
		entry.InstanceID = req.InstanceID

		refetch, err := tokens.CheckTokenRefreshPolicy(r.Context(), req.InstanceID)
		if err != nil {
			failRequest(w, r, err)
			return
		}
		entry.RefetchDefault = refetch

		writeJSON(w, http.StatusOK, refreshPolicyResponse{RefetchDefault: refetch})
	})
}

func handleHealthCheck() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

func maxRequestSize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.MaxBytesHandler(next, limit)
	}
}

// decodeOptions converts JSON request options to fetch options. The push
// credential arrives base64 encoded and is passed on as bytes.
func decodeOptions(raw map[string]any) (token.Options, error) {
	options := token.Options(raw).Clone()

	v, ok := options[token.OptionPushCredential]
	if !ok || v == nil {
		return options, nil
	}

	encoded, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be a base64 string", token.ErrInvalidRequest, token.OptionPushCredential)
	}

	credential, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be a base64 string", token.ErrInvalidRequest, token.OptionPushCredential)
	}
	options[token.OptionPushCredential] = credential

	return options, nil
}

// readJSON decodes the request body into v. An empty body is reported as
// io.EOF; any other decoding failure is an invalid request.
func readJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return io.EOF
	}

	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return err
	}

	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errRequestTooLarge
	}

	return fmt.Errorf("%w: %w", token.ErrInvalidRequest, err)
}

type requestTooLargeError struct{}

func (requestTooLargeError) Error() string { return "request body too large" }

func (requestTooLargeError) Status() (int, string) {
	return http.StatusRequestEntityTooLarge, "request body too large"
}

var errRequestTooLarge error = requestTooLargeError{}

// failRequest records the failure in the audit entry and writes the error
// response. An empty body on an endpoint that requires one is an invalid
// request.
func failRequest(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, io.EOF) {
		err = fmt.Errorf("%w: request body required", token.ErrInvalidRequest)
	}

	audit.Log(r.Context()).Error = err.Error()

	status, message := errorStatus(err)
	log.Ctx(r.Context()).Info().Err(err).Int("status", status).Msg("token request failed")

	writeJSONError(w, status, message)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		requestError(w, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		// record failure to log: trying to respond to the client at this
		// point will likely fail
		log.Info().Err(err).Msg("failed to write response")
	}
}

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeJSONError writes a JSON error response with the given status code and message.
func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{Error: message}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		// At this point the status code has been written, so we can only log
		log.Info().Msgf("failed to write JSON error response: %v", err)
	}
}

// errorStatus extracts HTTP status code and message from an error.
// Returns (StatusInternalServerError, StatusText) for errors that don't implement HTTPStatuser.
func errorStatus(err error) (int, string) {
	var statuser HTTPStatuser
	if errors.As(err, &statuser) {
		return statuser.Status()
	}
	return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
}

func requestError(w http.ResponseWriter, statusCode int) {
	http.Error(w, http.StatusText(statusCode), statusCode)
}

// maxDrainBytes bounds how much of an unread request body is discarded.
const maxDrainBytes = 5 * 1024

// drainRequestBody drains the request body by reading and discarding the contents.
// This is useful to ensure the request body is fully consumed, which is important
// for connection reuse in HTTP/1 clients.
func drainRequestBody(r *http.Request) {
	if r.Body != nil {
		// 5kb max: after this we'll assume the client is broken or malicious
		// and close the connection
		io.CopyN(io.Discard, r.Body, maxDrainBytes)
	}
}
