package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/klipach/firebridge/log"
	"golang.org/x/oauth2"
)

const (
	googleIssuer = "https://accounts.google.com"
	callbackPath = "/__/auth/handler"
)

// Flow performs the interactive part of a sign-in and returns the Google ID token
// together with the redirect URI it was issued for.
type Flow interface {
	Run(ctx context.Context) (idToken, requestURI string, err error)
}

// Opener shows the consent page to the user, typically by launching a browser.
type Opener func(ctx context.Context, url string) error

// LogOpener only logs the URL, for headless hosts.
func LogOpener(ctx context.Context, url string) error {
	log.LoggerFromContext(ctx).Info("open this URL to sign in", slog.String("url", url))
	return nil
}

// Popup is the server-side equivalent of signInWithPopup(GoogleAuthProvider): it sends the
// user to Google and waits for the redirect, on a one-shot loopback listener on addr or,
// with WithCallbackURL, on a shared Callbacks.
type Popup struct {
	config   oauth2.Config
	verifier *oidc.IDTokenVerifier
	addr     string
	open     Opener

	redirectURL string
	callbacks   *Callbacks
}

type PopupOption func(*Popup)

// WithCallbackURL sends Google's redirect to redirectURL, which must be served by
// callbacks, instead of to a loopback listener on addr.
func WithCallbackURL(redirectURL string, callbacks *Callbacks) PopupOption {
	return func(p *Popup) {
		p.redirectURL = redirectURL
		p.callbacks = callbacks
	}
}

func NewPopup(config oauth2.Config, verifier *oidc.IDTokenVerifier, addr string, open Opener, opts ...PopupOption) *Popup {
	if open == nil {
		open = LogOpener
	}
	p := &Popup{config: config, verifier: verifier, addr: addr, open: open}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GooglePopup discovers Google's OIDC endpoints on first use.
type GooglePopup struct {
	clientID     string
	clientSecret string
	addr         string
	open         Opener
	opts         []PopupOption

	mu    sync.Mutex
	popup *Popup
}

func NewGooglePopup(clientID, clientSecret, addr string, open Opener, opts ...PopupOption) *GooglePopup {
	return &GooglePopup{clientID: clientID, clientSecret: clientSecret, addr: addr, open: open, opts: opts}
}

func (g *GooglePopup) Run(ctx context.Context) (string, string, error) {
	if g.clientID == "" {
		return "", "", &ProviderError{Code: CodeArgumentError, Message: "google oauth client id is not configured"}
	}
	p, err := g.get(ctx)
	if err != nil {
		return "", "", &ProviderError{Code: CodeInternalError, Message: "google discovery failed", Err: err}
	}
	return p.Run(ctx)
}

func (g *GooglePopup) get(ctx context.Context) (*Popup, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.popup != nil {
		return g.popup, nil
	}
	provider, err := oidc.NewProvider(ctx, googleIssuer)
	if err != nil {
		return nil, err
	}
	g.popup = NewPopup(
		oauth2.Config{
			ClientID:     g.clientID,
			ClientSecret: g.clientSecret,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
		},
		provider.Verifier(&oidc.Config{ClientID: g.clientID}),
		g.addr,
		g.open,
		g.opts...,
	)
	return g.popup, nil
}

func (p *Popup) Run(ctx context.Context) (string, string, error) {
	state, err := randomString()
	if err != nil {
		return "", "", err
	}
	nonce, err := randomString()
	if err != nil {
		return "", "", err
	}
	codeVerifier := oauth2.GenerateVerifier()

	callbacks, redirectURI := p.callbacks, p.redirectURL
	if callbacks == nil {
		callbacks = NewCallbacks()
		var stop func()
		redirectURI, stop, err = p.listen(ctx, callbacks)
		if err != nil {
			return "", "", err
		}
		defer stop()
	}
	results, forget := callbacks.expect(state)
	defer forget()

	cfg := p.config
	cfg.RedirectURL = redirectURI

	open := p.open
	if o := OpenerFromContext(ctx); o != nil {
		open = o
	}
	authURL := cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(codeVerifier), oidc.Nonce(nonce))
	if err := open(ctx, authURL); err != nil {
		return "", "", &ProviderError{Code: CodeInternalError, Message: "cannot open sign-in page", Err: err}
	}

	var res callbackResult
	select {
	case <-ctx.Done():
		return "", "", &ProviderError{Code: CodeCancelledPopupRequest, Message: "sign-in cancelled", Err: ctx.Err()}
	case res = <-results:
	}
	if res.err != nil {
		return "", "", res.err
	}

	token, err := cfg.Exchange(ctx, res.code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return "", "", &ProviderError{Code: CodeInvalidCredential, Message: "code exchange failed", Err: err}
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return "", "", &ProviderError{Code: CodeInvalidCredential, Message: "no id_token in token response"}
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return "", "", &ProviderError{Code: CodeInvalidCredential, Message: "id_token verification failed", Err: err}
	}
	if idToken.Nonce != nonce {
		return "", "", &ProviderError{Code: CodeMissingOrInvalidNonce, Message: "id_token nonce mismatch"}
	}
	return rawIDToken, redirectURI, nil
}

// listen serves callbacks on a one-shot loopback listener and returns its redirect URI.
func (p *Popup) listen(ctx context.Context, callbacks *Callbacks) (string, func(), error) {
	ln, err := net.Listen("tcp", p.addr)
	if err != nil {
		return "", nil, &ProviderError{Code: CodeInternalError, Message: "cannot listen for sign-in callback", Err: err}
	}
	mux := http.NewServeMux()
	mux.Handle(callbackPath, callbacks)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() { _ = srv.Serve(ln) }()
	stop := func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return "http://" + ln.Addr().String() + callbackPath, stop, nil
}

func randomString() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate random value: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
