package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/klipach/firebridge/log"
	"golang.org/x/oauth2"
)

const (
	defaultIdentityToolkitURL = "https://identitytoolkit.googleapis.com"
	defaultSecureTokenURL     = "https://securetoken.googleapis.com"

	googleProviderID = "google.com"
	apiKeyParam      = "key"
)

// loggingRoundTripper logs every call made to the Firebase REST endpoints.
// Bodies carry tokens and are never logged.
type loggingRoundTripper struct {
	rt http.RoundTripper
}

func (lrt *loggingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	logger := log.LoggerFromContext(req.Context())
	start := time.Now()
	resp, err := lrt.rt.RoundTrip(req)
	attrs := []any{
		slog.String("method", req.Method),
		slog.String("url", redactedURL(req.URL)),
		slog.Duration("elapsed", time.Since(start)),
	}
	if err != nil {
		logger.Warn("firebase request failed", append(attrs, log.Err(err))...)
		return nil, err
	}
	logger.Debug("firebase request", append(attrs, slog.Int("status", resp.StatusCode))...)
	return resp, nil
}

func redactedURL(u *url.URL) string {
	c := *u
	q := c.Query()
	if q.Has(apiKeyParam) {
		q.Set(apiKeyParam, "REDACTED")
		c.RawQuery = q.Encode()
	}
	return c.String()
}

// restClient talks to the Identity Toolkit and Secure Token REST APIs the web SDK uses.
type restClient struct {
	apiKey         string
	httpClient     *http.Client
	identityURL    string
	secureTokenURL string
}

type signInResponse struct {
	LocalID      string `json:"localId"`
	Email        string `json:"email"`
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
}

type lookupResponse struct {
	Users []struct {
		LocalID string `json:"localId"`
		Email   string `json:"email"`
	} `json:"users"`
}

type refreshResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    string `json:"expires_in"`
	UserID       string `json:"user_id"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *restClient) endpoint(base, path string) string {
	return base + path + "?" + url.Values{apiKeyParam: {c.apiKey}}.Encode()
}

func (c *restClient) signInWithIdp(ctx context.Context, googleIDToken, requestURI string) (*signInResponse, error) {
	body := map[string]any{
		"postBody":            url.Values{"id_token": {googleIDToken}, "providerId": {googleProviderID}}.Encode(),
		"requestUri":          requestURI,
		"returnSecureToken":   true,
		"returnIdpCredential": true,
	}
	var resp signInResponse
	if err := c.postJSON(ctx, c.endpoint(c.identityURL, "/v1/accounts:signInWithIdp"), body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *restClient) signInWithCustomToken(ctx context.Context, customToken string) (*signInResponse, error) {
	body := map[string]any{
		"token":             customToken,
		"returnSecureToken": true,
	}
	var resp signInResponse
	if err := c.postJSON(ctx, c.endpoint(c.identityURL, "/v1/accounts:signInWithCustomToken"), body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *restClient) lookup(ctx context.Context, idToken string) (uid, email string, err error) {
	var resp lookupResponse
	if err := c.postJSON(ctx, c.endpoint(c.identityURL, "/v1/accounts:lookup"), map[string]any{"idToken": idToken}, &resp); err != nil {
		return "", "", err
	}
	if len(resp.Users) == 0 {
		return "", "", &ProviderError{Code: CodeUserNotFound, Message: "no account for token"}
	}
	return resp.Users[0].LocalID, resp.Users[0].Email, nil
}

// refresh exchanges a refresh token for a new ID token.
func (c *restClient) refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(c.secureTokenURL, "/v1/token"), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp refreshResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return newToken(resp.IDToken, resp.RefreshToken, resp.ExpiresIn), nil
}

func (c *restClient) postJSON(ctx context.Context, endpoint string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *restClient) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ProviderError{Code: CodeNetworkRequestFailed, Message: "request to identity provider failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read identity provider response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		if err := json.Unmarshal(body, &e); err != nil || e.Error.Message == "" {
			return &ProviderError{
				Code:    CodeInternalError,
				Message: fmt.Sprintf("unexpected status code: %d", resp.StatusCode),
			}
		}
		return &ProviderError{Code: codeFromServerMessage(e.Error.Message), Message: e.Error.Message}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode identity provider response: %w", err)
	}
	return nil
}

// newToken stores a Firebase ID token in an oauth2.Token so expiry checks come for free.
func newToken(idToken, refreshToken, expiresIn string) *oauth2.Token {
	seconds, err := strconv.Atoi(expiresIn)
	if err != nil || seconds <= 0 {
		seconds = 3600
	}
	return &oauth2.Token{
		AccessToken:  idToken,
		TokenType:    "Bearer",
		RefreshToken: refreshToken,
		Expiry:       time.Now().Add(time.Duration(seconds) * time.Second),
	}
}
