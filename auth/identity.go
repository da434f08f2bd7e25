package auth

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// tokens are refreshed this long before they expire
const refreshWindow = 5 * time.Minute

// User is a signed-in identity.
type User interface {
	UID() string
	Email() string
	// IDToken returns a Firebase ID token, refreshing it when it is about to expire.
	IDToken(ctx context.Context) (string, error)
}

// Firebase is a client-side Firebase Authentication session: it holds the current user and
// tells observers about every sign-in and sign-out.
type Firebase struct {
	rest *restClient
	flow Flow

	mu      sync.Mutex
	current *firebaseUser

	notifyMu  sync.Mutex
	observers map[int]func(User)
	nextID    int
}

type Option func(*Firebase)

// WithHTTPClient sets the client used for REST calls. Its transport is wrapped with request logging.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Firebase) {
		rt := c.Transport
		if rt == nil {
			rt = http.DefaultTransport
		}
		f.rest.httpClient = &http.Client{Transport: &loggingRoundTripper{rt: rt}, Timeout: c.Timeout}
	}
}

// WithEndpoints points the client at other Identity Toolkit and Secure Token hosts, e.g. the emulator.
func WithEndpoints(identityToolkitURL, secureTokenURL string) Option {
	return func(f *Firebase) {
		f.rest.identityURL = identityToolkitURL
		f.rest.secureTokenURL = secureTokenURL
	}
}

func NewFirebase(apiKey string, flow Flow, opts ...Option) *Firebase {
	f := &Firebase{
		rest: &restClient{
			apiKey: apiKey,
			httpClient: &http.Client{
				Transport: &loggingRoundTripper{rt: http.DefaultTransport},
				Timeout:   30 * time.Second,
			},
			identityURL:    defaultIdentityToolkitURL,
			secureTokenURL: defaultSecureTokenURL,
		},
		flow:      flow,
		observers: make(map[int]func(User)),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SignIn runs the interactive flow and exchanges its Google credential for a Firebase session.
func (f *Firebase) SignIn(ctx context.Context) (User, error) {
	if f.rest.apiKey == "" {
		return nil, &ProviderError{Code: CodeInvalidAPIKey, Message: "api key is not configured"}
	}
	if f.flow == nil {
		return nil, &ProviderError{Code: CodeOperationNotAllowed, Message: "no interactive sign-in flow configured"}
	}
	googleIDToken, requestURI, err := f.flow.Run(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := f.rest.signInWithIdp(ctx, googleIDToken, requestURI)
	if err != nil {
		var perr *ProviderError
		if errors.As(err, &perr) && carriesCredential(perr.Code) {
			perr.Credential = googleIDToken
		}
		return nil, err
	}
	u := f.newUser(resp.LocalID, resp.Email, newToken(resp.IDToken, resp.RefreshToken, resp.ExpiresIn))
	f.setCurrent(u)
	return u, nil
}

// SignInWithCustomToken exchanges an Admin SDK custom token for a Firebase session.
func (f *Firebase) SignInWithCustomToken(ctx context.Context, customToken string) (User, error) {
	resp, err := f.rest.signInWithCustomToken(ctx, customToken)
	if err != nil {
		return nil, err
	}
	uid, email := resp.LocalID, resp.Email
	if uid == "" {
		uid, email, err = f.rest.lookup(ctx, resp.IDToken)
		if err != nil {
			return nil, err
		}
	}
	u := f.newUser(uid, email, newToken(resp.IDToken, resp.RefreshToken, resp.ExpiresIn))
	f.setCurrent(u)
	return u, nil
}

// SignOut forgets the current user. Signing out while signed out does nothing.
func (f *Firebase) SignOut(_ context.Context) error {
	f.setCurrent(nil)
	return nil
}

// CurrentUser returns the signed-in user or nil.
func (f *Firebase) CurrentUser() User {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return nil
	}
	return f.current
}

// OnAuthStateChanged calls fn with the current user right away and again after every
// transition. The returned func removes the observer. Observers run in the signing
// goroutine and must not sign in or out themselves.
func (f *Firebase) OnAuthStateChanged(fn func(User)) func() {
	f.notifyMu.Lock()
	defer f.notifyMu.Unlock()

	id := f.nextID
	f.nextID++
	f.observers[id] = fn
	fn(f.CurrentUser())

	return func() {
		f.notifyMu.Lock()
		defer f.notifyMu.Unlock()
		delete(f.observers, id)
	}
}

func (f *Firebase) setCurrent(u *firebaseUser) {
	f.notifyMu.Lock()
	defer f.notifyMu.Unlock()

	f.mu.Lock()
	prev := f.current
	f.current = u
	f.mu.Unlock()

	if prev == nil && u == nil {
		return
	}
	var next User
	if u != nil {
		next = u
	}
	for _, fn := range f.observers {
		fn(next)
	}
}

func (f *Firebase) newUser(uid, email string, token *oauth2.Token) *firebaseUser {
	return &firebaseUser{uid: uid, email: email, rest: f.rest, token: token}
}

type firebaseUser struct {
	uid   string
	email string
	rest  *restClient

	mu    sync.Mutex
	token *oauth2.Token
}

func (u *firebaseUser) UID() string {
	return u.uid
}

func (u *firebaseUser) Email() string {
	return u.email
}

func (u *firebaseUser) IDToken(ctx context.Context) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.token.Expiry.After(time.Now().Add(refreshWindow)) {
		return u.token.AccessToken, nil
	}
	token, err := u.rest.refresh(ctx, u.token.RefreshToken)
	if err != nil {
		return "", err
	}
	if token.RefreshToken == "" {
		token.RefreshToken = u.token.RefreshToken
	}
	u.token = token
	return token.AccessToken, nil
}
