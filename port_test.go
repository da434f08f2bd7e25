package firebridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	"github.com/klipach/firebridge/auth"
	"github.com/klipach/firebridge/bridge"
	"github.com/klipach/firebridge/config"
	"github.com/klipach/firebridge/contract"
	"github.com/klipach/firebridge/log"
	"github.com/klipach/firebridge/messages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testUser struct {
	uid, email, token string
}

func (u *testUser) UID() string                             { return u.uid }
func (u *testUser) Email() string                           { return u.email }
func (u *testUser) IDToken(context.Context) (string, error) { return u.token, nil }

type testIdentity struct {
	mu        sync.Mutex
	user      auth.User
	current   auth.User
	observers []func(auth.User)
}

func (i *testIdentity) SignIn(context.Context) (auth.User, error) {
	i.notify(i.user)
	return i.user, nil
}

func (i *testIdentity) SignOut(context.Context) error {
	i.notify(nil)
	return nil
}

func (i *testIdentity) notify(u auth.User) {
	i.mu.Lock()
	i.current = u
	observers := append([]func(auth.User){}, i.observers...)
	i.mu.Unlock()
	for _, fn := range observers {
		fn(u)
	}
}

func (i *testIdentity) OnAuthStateChanged(fn func(auth.User)) func() {
	i.mu.Lock()
	i.observers = append(i.observers, fn)
	current := i.current
	i.mu.Unlock()
	fn(current)
	return func() {}
}

type testVerifier map[string]string

func (v testVerifier) VerifyIDToken(_ context.Context, idToken string) (*firebaseauth.Token, error) {
	uid, ok := v[idToken]
	if !ok {
		return nil, errors.New("invalid id token")
	}
	return &firebaseauth.Token{UID: uid}, nil
}

func newTestServer(t *testing.T, store *messages.Memory) (*Server, *httptest.Server) {
	t.Helper()
	logger := slog.New(log.NewCloudLoggingHandlerTo(io.Discard, slog.LevelDebug))
	newBridge := func(port bridge.Port) *bridge.Bridge {
		identity := &testIdentity{user: &testUser{uid: "u1", email: "ada@example.com", token: "token-u1"}}
		return bridge.New(identity, store, port, bridge.WithLogger(logger))
	}
	srv := NewServer(newBridge, testVerifier{"token-u1": "u1", "token-u2": "u2"})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, ts
}

type eventStream struct {
	body   io.ReadCloser
	events chan contract.Event
}

func openStream(t *testing.T, url string) (*eventStream, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	stream := &eventStream{body: resp.Body, events: make(chan contract.Event, 64)}
	t.Cleanup(func() { _ = resp.Body.Close() })
	go func() {
		defer close(stream.events)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			data, ok := strings.CutPrefix(scanner.Text(), "data: ")
			if !ok {
				continue
			}
			var raw struct {
				Name    string          `json:"name"`
				Payload json.RawMessage `json:"payload"`
			}
			if err := json.Unmarshal([]byte(data), &raw); err != nil {
				continue
			}
			stream.events <- contract.Event{Name: raw.Name, Payload: raw.Payload}
		}
	}()

	first := stream.next(t)
	require.Equal(t, contract.EventSession, first.Name)
	var opened contract.SessionOpened
	require.NoError(t, json.Unmarshal(first.Payload.(json.RawMessage), &opened))
	require.NotEmpty(t, opened.ID)
	return stream, opened.ID
}

func (s *eventStream) next(t *testing.T) contract.Event {
	t.Helper()
	select {
	case e, ok := <-s.events:
		require.True(t, ok, "stream closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return contract.Event{}
	}
}

// until skips events until one named name arrives.
func (s *eventStream) until(t *testing.T, name string) json.RawMessage {
	t.Helper()
	for {
		e := s.next(t)
		if e.Name == name {
			return e.Payload.(json.RawMessage)
		}
	}
}

func post(t *testing.T, url, token string, body any) int {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req, err := http.NewRequest(http.MethodPost, url, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestPortSignInAndSave(t *testing.T) {
	store := messages.NewMemory()
	_, ts := newTestServer(t, store)
	stream, id := openStream(t, ts.URL)

	status := post(t, ts.URL, "", contract.PortRequest{Session: id, Name: contract.IntentSignIn})
	require.Equal(t, http.StatusAccepted, status)

	var info contract.SignInInfo
	require.NoError(t, json.Unmarshal(stream.until(t, contract.EventSignInInfo), &info))
	assert.Equal(t, contract.SignInInfo{Token: "token-u1", Email: "ada@example.com", UID: "u1"}, info)

	var initial contract.ReceiveMessages
	require.NoError(t, json.Unmarshal(stream.until(t, contract.EventReceiveMessages), &initial))
	assert.Equal(t, []string{}, initial.Messages)

	payload, err := json.Marshal(contract.SaveMessage{Content: "if a<b and b>c then", UID: "u1"})
	require.NoError(t, err)
	status = post(t, ts.URL, "token-u1", contract.PortRequest{Session: id, Name: contract.IntentSaveMessage, Payload: payload})
	require.Equal(t, http.StatusAccepted, status)

	var saved contract.ReceiveMessages
	require.NoError(t, json.Unmarshal(stream.until(t, contract.EventReceiveMessages), &saved))
	assert.Equal(t, []string{"if a<b and b>c then"}, saved.Messages)
}

func TestPortRequests(t *testing.T) {
	store := messages.NewMemory()
	_, ts := newTestServer(t, store)
	_, id := openStream(t, ts.URL)

	save := func(uid string) json.RawMessage {
		payload, err := json.Marshal(contract.SaveMessage{Content: "hi", UID: uid})
		require.NoError(t, err)
		return payload
	}

	tests := []struct {
		name     string
		token    string
		body     any
		expected int
	}{
		{
			name:     "malformed body",
			body:     "{not json",
			expected: http.StatusBadRequest,
		},
		{
			name:     "missing name",
			body:     contract.PortRequest{Session: id},
			expected: http.StatusBadRequest,
		},
		{
			name:     "unknown session",
			body:     contract.PortRequest{Session: "nope", Name: contract.IntentSignOut},
			expected: http.StatusNotFound,
		},
		{
			name:     "save without token",
			body:     contract.PortRequest{Session: id, Name: contract.IntentSaveMessage, Payload: save("u1")},
			expected: http.StatusUnauthorized,
		},
		{
			name:     "save with invalid token",
			token:    "forged",
			body:     contract.PortRequest{Session: id, Name: contract.IntentSaveMessage, Payload: save("u1")},
			expected: http.StatusUnauthorized,
		},
		{
			name:     "save for another user",
			token:    "token-u2",
			body:     contract.PortRequest{Session: id, Name: contract.IntentSaveMessage, Payload: save("u1")},
			expected: http.StatusForbidden,
		},
		{
			name:     "unknown intent is accepted",
			body:     contract.PortRequest{Session: id, Name: "launchRocket"},
			expected: http.StatusAccepted,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, post(t, ts.URL, tt.token, tt.body))
		})
	}
}

func TestPortMethods(t *testing.T) {
	_, ts := newTestServer(t, messages.NewMemory())

	req, err := http.NewRequest(http.MethodPut, ts.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Get(ts.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotAcceptable, resp.StatusCode)
}

func TestPortClosesSessionOnDisconnect(t *testing.T) {
	store := messages.NewMemory()
	srv, ts := newTestServer(t, store)
	stream, id := openStream(t, ts.URL)

	require.Equal(t, http.StatusAccepted, post(t, ts.URL, "", contract.PortRequest{Session: id, Name: contract.IntentSignIn}))
	stream.until(t, contract.EventReceiveMessages)
	require.Equal(t, 1, store.Watchers("u1"))
	require.Equal(t, 1, srv.Sessions())

	require.NoError(t, stream.body.Close())

	require.Eventually(t, func() bool {
		return srv.Sessions() == 0 && store.Watchers("u1") == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, http.StatusNotFound, post(t, ts.URL, "", contract.PortRequest{Session: id, Name: contract.IntentSignOut}))
}

func TestPortHeartbeat(t *testing.T) {
	logger := slog.New(log.NewCloudLoggingHandlerTo(io.Discard, slog.LevelDebug))
	newBridge := func(port bridge.Port) *bridge.Bridge {
		return bridge.New(&testIdentity{}, messages.NewMemory(), port, bridge.WithLogger(logger))
	}
	ts := httptest.NewServer(NewServer(newBridge, nil, WithHeartbeat(time.Millisecond)))
	t.Cleanup(ts.Close)

	stream, _ := openStream(t, ts.URL)
	var stuff contract.ReceiveStuff
	require.NoError(t, json.Unmarshal(stream.until(t, contract.EventReceiveStuff), &stuff))
	assert.Equal(t, 2, stuff.Value)
}

// consentIdentity opens a consent page before signing in, the way auth.Popup does.
type consentIdentity struct {
	testIdentity
	url string
}

func (i *consentIdentity) SignIn(ctx context.Context) (auth.User, error) {
	open := auth.OpenerFromContext(ctx)
	if open == nil {
		return nil, errors.New("no opener on context")
	}
	if err := open(ctx, i.url); err != nil {
		return nil, err
	}
	return i.testIdentity.SignIn(ctx)
}

func TestPortSendsConsentPage(t *testing.T) {
	logger := slog.New(log.NewCloudLoggingHandlerTo(io.Discard, slog.LevelDebug))
	consentURL := "https://accounts.google.com/o/oauth2/auth?state=s1"
	newBridge := func(port bridge.Port) *bridge.Bridge {
		identity := &consentIdentity{
			testIdentity: testIdentity{user: &testUser{uid: "u1", email: "ada@example.com", token: "token-u1"}},
			url:          consentURL,
		}
		return bridge.New(identity, messages.NewMemory(), port, bridge.WithLogger(logger))
	}
	ts := httptest.NewServer(NewServer(newBridge, nil))
	t.Cleanup(ts.Close)

	stream, id := openStream(t, ts.URL)
	require.Equal(t, http.StatusAccepted, post(t, ts.URL, "", contract.PortRequest{Session: id, Name: contract.IntentSignIn}))

	redirect := stream.next(t)
	require.Equal(t, contract.EventSignInRedirect, redirect.Name)
	var payload contract.SignInRedirect
	require.NoError(t, json.Unmarshal(redirect.Payload.(json.RawMessage), &payload))
	assert.Equal(t, consentURL, payload.URL)

	stream.until(t, contract.EventSignInInfo)
}

func newDeployedServer(t *testing.T, cfg *config.Config) (*Server, *httptest.Server) {
	t.Helper()
	logger := slog.New(log.NewCloudLoggingHandlerTo(io.Discard, slog.LevelDebug))
	srv := newServer(cfg, testVerifier{"token-u1": "u1"}, messages.NewMemory(), logger)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestDeployedSignInWithoutRedirectURL(t *testing.T) {
	_, ts := newDeployedServer(t, &config.Config{
		Firebase:    config.Firebase{APIKey: "key"},
		GoogleOAuth: config.GoogleOAuth{ClientID: "client", RedirectAddr: "127.0.0.1:0"},
	})
	stream, id := openStream(t, ts.URL)

	require.Equal(t, http.StatusAccepted, post(t, ts.URL, "", contract.PortRequest{Session: id, Name: contract.IntentSignIn}))

	var signInErr contract.SignInError
	require.NoError(t, json.Unmarshal(stream.until(t, contract.EventSignInError), &signInErr))
	assert.Equal(t, auth.CodeOperationNotAllowed, signInErr.Code)
}

func TestDeployedRoutesCallbacks(t *testing.T) {
	srv, ts := newDeployedServer(t, &config.Config{
		Firebase: config.Firebase{APIKey: "key"},
		GoogleOAuth: config.GoogleOAuth{
			ClientID:    "client",
			RedirectURL: "https://example.run.app/Port",
		},
	})
	require.NotNil(t, srv.callbacks)

	// a redirect nobody is waiting for is answered by the callback handler, not the stream
	resp, err := http.Get(ts.URL + "?state=unknown&code=auth-code")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "Unknown or completed sign-in")
	assert.Equal(t, 0, srv.Sessions())
}
