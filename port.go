package firebridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/google/uuid"
	"github.com/klipach/firebridge/auth"
	"github.com/klipach/firebridge/bridge"
	"github.com/klipach/firebridge/config"
	"github.com/klipach/firebridge/contract"
	"github.com/klipach/firebridge/log"
	"github.com/klipach/firebridge/messages"
	"github.com/klipach/firebridge/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	sessionIDLogField = "sessionID"
	intentLogField    = "intent"
	userIDLogField    = "userID"

	maxBodyBytes = 1 << 20
	eventBuffer  = 64
)

var errSessionClosed = errors.New("session closed")

var (
	registry = prometheus.NewRegistry()
	recorder = metrics.NewCollector(registry)

	setupOnce sync.Once
	server    *Server
	setupErr  error
)

func init() {
	functions.HTTP("Port", Port)
	functions.HTTP("Metrics", Metrics)
}

// Port serves the HTTP port: GET opens an event stream, POST delivers an intent.
func Port(w http.ResponseWriter, r *http.Request) {
	setupOnce.Do(func() {
		server, setupErr = newServerFromEnv(r.Context())
	})
	if setupErr != nil {
		log.LoggerFromContext(r.Context()).Error("error while setting up port", log.Err(setupErr))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	server.ServeHTTP(w, r)
}

// Metrics serves the Prometheus metrics of this instance.
func Metrics(w http.ResponseWriter, r *http.Request) {
	metrics.Handler(registry).ServeHTTP(w, r)
}

func newServerFromEnv(ctx context.Context) (*Server, error) {
	logger := log.LoggerFromContext(ctx)
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	cfg.LogPresence(ctx, logger)

	app, err := cfg.FirebaseApp(context.WithoutCancel(ctx))
	if err != nil {
		return nil, err
	}
	verifier, err := auth.NewAdminClient(ctx, app)
	if err != nil {
		return nil, fmt.Errorf("init auth client: %w", err)
	}
	store, _, err := messages.Open(context.WithoutCancel(ctx), app, cfg.Bridge.Store)
	if err != nil {
		return nil, err
	}
	return newServer(cfg, verifier, store, logger), nil
}

// newServer wires the deployed port. Google's redirect can only reach this function through
// GOOGLE_OAUTH_REDIRECT_URL; without it sign-in fails with auth/operation-not-allowed.
func newServer(cfg *config.Config, verifier auth.TokenVerifier, store bridge.Store, logger *slog.Logger) *Server {
	callbacks := auth.NewCallbacks()
	var flow auth.Flow
	if cfg.GoogleOAuth.RedirectURL != "" {
		flow = auth.NewGooglePopup(
			cfg.GoogleOAuth.ClientID,
			cfg.GoogleOAuth.ClientSecret,
			cfg.GoogleOAuth.RedirectAddr,
			auth.LogOpener,
			auth.WithCallbackURL(cfg.GoogleOAuth.RedirectURL, callbacks),
		)
	} else {
		logger.Warn("GOOGLE_OAUTH_REDIRECT_URL is not set, sign-in is disabled")
	}

	newBridge := func(port bridge.Port) *bridge.Bridge {
		identity := auth.NewFirebase(cfg.Firebase.APIKey, flow)
		return bridge.New(identity, store, port, bridge.WithLogger(logger), bridge.WithMetrics(recorder))
	}
	var heartbeat time.Duration
	if cfg.Bridge.Heartbeat {
		heartbeat = cfg.Bridge.HeartbeatInterval
	}
	return NewServer(newBridge, verifier, WithHeartbeat(heartbeat), WithCallbacks(callbacks))
}

// BridgeFactory builds the bridge for a new session around its port.
type BridgeFactory func(port bridge.Port) *bridge.Bridge

type ServerOption func(*Server)

// WithHeartbeat sends receiveStuff on every session at the given interval. Zero disables it.
func WithHeartbeat(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.heartbeat = interval
	}
}

// WithCallbacks serves OAuth redirects arriving as GET requests on the port.
func WithCallbacks(callbacks *auth.Callbacks) ServerOption {
	return func(s *Server) {
		s.callbacks = callbacks
	}
}

type session struct {
	bridge *bridge.Bridge
	events chan contract.Event
	done   chan struct{}
}

// Server keeps one bridge per open event stream.
type Server struct {
	newBridge BridgeFactory
	verifier  auth.TokenVerifier
	heartbeat time.Duration
	callbacks *auth.Callbacks

	mu       sync.Mutex
	sessions map[string]*session
}

func NewServer(newBridge BridgeFactory, verifier auth.TokenVerifier, opts ...ServerOption) *Server {
	s := &Server{
		newBridge: newBridge,
		verifier:  verifier,
		sessions:  make(map[string]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if s.callbacks != nil && auth.IsCallback(r) {
			s.callbacks.ServeHTTP(w, r)
			return
		}
		s.stream(w, r)
	case http.MethodPost:
		s.dispatch(w, r)
	default:
		log.LoggerFromContext(r.Context()).Error("invalid method: " + r.Method)
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// Sessions returns the number of open event streams.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.LoggerFromContext(ctx)

	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		logger.Error("event stream not accepted", slog.String("accept", r.Header.Get("Accept")))
		http.Error(w, "Not Acceptable", http.StatusNotAcceptable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		logger.Error("streaming unsupported!")
		http.Error(w, "Streaming unsupported!", http.StatusInternalServerError)
		return
	}

	id := uuid.NewString()
	logger = logger.With(slog.String(sessionIDLogField, id))
	ctx = log.WithLogger(ctx, logger)

	sess := &session{
		events: make(chan contract.Event, eventBuffer),
		done:   make(chan struct{}),
	}
	send := func(ctx context.Context, event contract.Event) error {
		select {
		case sess.events <- event:
			return nil
		case <-sess.done:
			return errSessionClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	sess.bridge = s.newBridge(bridge.PortFunc(send))

	// the consent page is opened by the front-end
	ctx = auth.WithOpener(ctx, func(ctx context.Context, url string) error {
		return send(ctx, contract.Event{Name: contract.EventSignInRedirect, Payload: contract.SignInRedirect{URL: url}})
	})

	sess.bridge.Start(ctx)
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	logger.Info("session opened")

	defer func() {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		close(sess.done)
		sess.bridge.Close()
		logger.Info("session closed")
	}()

	// set SSE headers for streaming
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if err := writeEvent(w, flusher, contract.Event{Name: contract.EventSession, Payload: contract.SessionOpened{ID: id}}); err != nil {
		logger.Error("error while opening session", log.Err(err))
		return
	}
	if s.heartbeat > 0 {
		go sess.bridge.Heartbeat(ctx, s.heartbeat)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-sess.events:
			if err := writeEvent(w, flusher, event); err != nil {
				logger.Error("error while writing event", slog.String("event", event.Name), log.Err(err))
				return
			}
		}
	}
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	logger := log.LoggerFromContext(r.Context())

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		logger.Error("error while reading request body", log.Err(err))
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	var req contract.PortRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Session == "" || req.Name == "" {
		if err == nil {
			err = errors.New("session and name are required")
		}
		logger.Error("error while decoding request", log.Err(err))
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	logger = logger.With(slog.String(sessionIDLogField, req.Session), slog.String(intentLogField, req.Name))

	s.mu.Lock()
	sess, ok := s.sessions[req.Session]
	s.mu.Unlock()
	if !ok {
		logger.Error("unknown session")
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	if req.Name == contract.IntentSaveMessage {
		if status := s.authorizeSave(r, req.Payload, logger); status != http.StatusOK {
			http.Error(w, http.StatusText(status), status)
			return
		}
	}

	sess.bridge.Dispatch(contract.Intent{Name: req.Name, Payload: req.Payload})
	w.WriteHeader(http.StatusAccepted)
}

// authorizeSave checks that the caller's ID token belongs to the uid the message is saved for.
// A payload that does not decode is left to the bridge, which answers with invalid-argument.
func (s *Server) authorizeSave(r *http.Request, payload json.RawMessage, logger *slog.Logger) int {
	if s.verifier == nil {
		return http.StatusOK
	}
	token, err := auth.Authenticate(r, s.verifier)
	if err != nil {
		logger.Error("error while authenticating", log.Err(err))
		return http.StatusUnauthorized
	}
	var data contract.SaveMessage
	if err := json.Unmarshal(payload, &data); err != nil {
		return http.StatusOK
	}
	if data.UID != token.UID {
		logger.Error("uid mismatch", slog.String(userIDLogField, token.UID), slog.String("payloadUID", data.UID))
		return http.StatusForbidden
	}
	return http.StatusOK
}

func writeEvent(w io.Writer, flusher http.Flusher, event contract.Event) error {
	jsonData, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", jsonData); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
