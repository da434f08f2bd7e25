// Package bridge connects a front-end's port interface to Firebase Authentication and
// Firestore. Intents come in through Dispatch, events go out through a Port.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"

	"github.com/klipach/firebridge/auth"
	"github.com/klipach/firebridge/contract"
	"github.com/klipach/firebridge/log"
	"github.com/klipach/firebridge/metrics"
)

// Identity is the authentication provider.
type Identity interface {
	SignIn(ctx context.Context) (auth.User, error)
	SignOut(ctx context.Context) error
	// OnAuthStateChanged calls fn with the current user (nil when signed out) and after
	// every transition, returning a func that removes the observer.
	OnAuthStateChanged(fn func(auth.User)) func()
}

// Store is the per-user message collection.
type Store interface {
	Add(ctx context.Context, uid, content string) (string, error)
	// Watch calls fn with the full collection on every change until ctx is done.
	Watch(ctx context.Context, uid string, fn func(docs []map[string]any)) error
}

// Port delivers events to the front-end.
type Port interface {
	Send(ctx context.Context, event contract.Event) error
}

type PortFunc func(ctx context.Context, event contract.Event) error

func (f PortFunc) Send(ctx context.Context, event contract.Event) error {
	return f(ctx, event)
}

type Option func(*Bridge)

func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

func WithMetrics(recorder metrics.Recorder) Option {
	return func(b *Bridge) {
		b.metrics = recorder
	}
}

type subscription struct {
	uid    string
	cancel context.CancelFunc
}

type Bridge struct {
	identity Identity
	store    Store
	port     Port
	logger   *slog.Logger
	metrics  metrics.Recorder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.Mutex
	started         bool
	closed          bool
	authSeq         uint64
	session         *contract.SignInInfo
	watch           *subscription
	unsubscribeAuth func()
}

func New(identity Identity, store Store, port Port, opts ...Option) *Bridge {
	b := &Bridge{
		identity: identity,
		store:    store,
		port:     port,
		// stdout may be the event stream
		logger:   slog.New(log.NewCloudLoggingHandlerTo(os.Stderr, slog.LevelInfo)),
		metrics:  metrics.Nop{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start installs the auth-state observer. The bridge lives until ctx is done or Close is called.
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.ctx, b.cancel = context.WithCancel(log.WithLogger(ctx, b.logger))
	b.mu.Unlock()

	unsubscribe := b.identity.OnAuthStateChanged(b.onAuthStateChanged)

	b.mu.Lock()
	b.unsubscribeAuth = unsubscribe
	b.mu.Unlock()
}

// Run starts the bridge and dispatches intents until ctx is done or intents is closed.
func (b *Bridge) Run(ctx context.Context, intents <-chan contract.Intent) error {
	b.Start(ctx)
	defer b.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case intent, ok := <-intents:
			if !ok {
				return nil
			}
			b.Dispatch(intent)
		}
	}
}

// Close removes the auth observer, releases the message subscription and waits for
// in-flight provider calls to finish.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed || !b.started {
		b.closed = true
		b.mu.Unlock()
		return
	}
	b.closed = true
	unsubscribe := b.unsubscribeAuth
	b.releaseWatchLocked()
	b.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	b.cancel()
	b.wg.Wait()
}

// Dispatch handles one intent without waiting for the provider.
func (b *Bridge) Dispatch(intent contract.Intent) {
	b.metrics.RecordIntent(intent.Name)
	logger := b.logger.With(slog.String("intent", intent.Name))

	switch intent.Name {
	case contract.IntentSignIn:
		logger.Info("sign in called")
		b.signIn()
	case contract.IntentSignOut:
		logger.Info("sign out called")
		b.signOut()
	case contract.IntentSaveMessage:
		var data contract.SaveMessage
		if err := json.Unmarshal(intent.Payload, &data); err != nil {
			logger.Error("error while decoding payload", log.Err(err))
			b.sendError(invalidArgument("saveMessage payload must be an object with content and uid"))
			return
		}
		if data.UID == "" {
			b.sendError(invalidArgument("saveMessage requires a uid"))
			return
		}
		b.saveMessage(data)
	case contract.IntentSendStuff:
		logger.Info("received stuff", slog.String("payload", string(intent.Payload)))
	default:
		logger.Warn("unknown intent")
	}
}

func (b *Bridge) signIn() {
	b.spawn(func(ctx context.Context) {
		user, err := b.identity.SignIn(ctx)
		if err != nil {
			b.logger.Error("error while signing in", log.Err(err))
			b.metrics.RecordProviderError(contract.IntentSignIn)
			b.sendError(errorPayload(err))
			return
		}
		// the observer has already seen this user, forward under its transition
		seq := b.currentSeq()
		token, err := user.IDToken(ctx)
		if err != nil {
			b.logger.Error("error while retrieving id token", log.Err(err))
			b.metrics.RecordProviderError("getIdToken")
			return
		}
		b.forwardSession(seq, contract.SignInInfo{Token: token, Email: user.Email(), UID: user.UID()})
	})
}

func (b *Bridge) signOut() {
	b.mu.Lock()
	b.releaseWatchLocked()
	b.session = nil
	b.mu.Unlock()

	b.spawn(func(ctx context.Context) {
		if err := b.identity.SignOut(ctx); err != nil {
			b.logger.Error("error while signing out", log.Err(err))
			b.metrics.RecordProviderError(contract.IntentSignOut)
		}
	})
}

func (b *Bridge) saveMessage(data contract.SaveMessage) {
	b.spawn(func(ctx context.Context) {
		logger := b.logger.With(slog.String("uid", data.UID))
		id, err := b.store.Add(ctx, data.UID, data.Content)
		if err != nil {
			logger.Error("error while saving message", log.Err(err))
			b.metrics.RecordProviderError(contract.IntentSaveMessage)
			b.sendError(errorPayload(err))
			return
		}
		logger.Info("message saved", slog.String("documentID", id))
	})
}

// onAuthStateChanged runs on the identity provider's goroutine and must not block on it.
func (b *Bridge) onAuthStateChanged(user auth.User) {
	b.mu.Lock()
	b.authSeq++
	seq := b.authSeq
	if user == nil {
		b.releaseWatchLocked()
		b.session = nil
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	b.spawn(func(ctx context.Context) {
		token, err := user.IDToken(ctx)
		if err != nil {
			b.logger.Error("error when retrieving cached user", log.Err(err))
			b.metrics.RecordProviderError("getIdToken")
			return
		}
		b.forwardSession(seq, contract.SignInInfo{Token: token, Email: user.Email(), UID: user.UID()})
		b.watchMessages(seq, user.UID())
	})
}

// forwardSession sends signInInfo unless the same session was already sent or a newer
// auth transition happened since seq.
func (b *Bridge) forwardSession(seq uint64, info contract.SignInInfo) {
	b.mu.Lock()
	if seq != b.authSeq || (b.session != nil && *b.session == info) {
		b.mu.Unlock()
		return
	}
	b.session = &info
	b.mu.Unlock()

	b.send(contract.EventSignInInfo, info)
}

// watchMessages replaces the current message subscription with one for uid.
func (b *Bridge) watchMessages(seq uint64, uid string) {
	b.mu.Lock()
	if seq != b.authSeq || b.closed {
		b.mu.Unlock()
		return
	}
	b.releaseWatchLocked()
	ctx, cancel := context.WithCancel(b.ctx)
	b.watch = &subscription{uid: uid, cancel: cancel}
	b.metrics.RecordSubscription(1)
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		logger := b.logger.With(slog.String("uid", uid))
		err := b.store.Watch(ctx, uid, func(docs []map[string]any) {
			if ctx.Err() != nil {
				return
			}
			b.send(contract.EventReceiveMessages, contract.ReceiveMessages{Messages: MessageContents(docs)})
		})
		if err != nil {
			logger.Error("message listener failed", log.Err(err))
			b.metrics.RecordProviderError("onSnapshot")
		}
	}()
}

// releaseWatchLocked cancels the message subscription. b.mu must be held.
func (b *Bridge) releaseWatchLocked() {
	if b.watch == nil {
		return
	}
	b.watch.cancel()
	b.watch = nil
	b.metrics.RecordSubscription(-1)
}

func (b *Bridge) currentSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.authSeq
}

// spawn runs fn on its own goroutine, tied to the bridge lifetime.
func (b *Bridge) spawn(fn func(ctx context.Context)) {
	b.mu.Lock()
	if b.closed || !b.started {
		b.mu.Unlock()
		b.logger.Warn("bridge is not running, dropping call")
		return
	}
	b.wg.Add(1)
	ctx := b.ctx
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		fn(ctx)
	}()
}

func (b *Bridge) sendError(payload contract.SignInError) {
	b.send(contract.EventSignInError, payload)
}

func (b *Bridge) send(name string, payload any) {
	b.mu.Lock()
	ctx := b.ctx
	b.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := b.port.Send(ctx, contract.Event{Name: name, Payload: payload}); err != nil {
		b.logger.Error("error while sending event", slog.String("event", name), log.Err(err))
		return
	}
	b.metrics.RecordEvent(name)
}

// MessageContents lists the content of every document in order, skipping documents
// without a non-empty string content.
func MessageContents(docs []map[string]any) []string {
	contents := make([]string, 0, len(docs))
	for _, doc := range docs {
		content, ok := doc[contract.FirestoreContentField].(string)
		if !ok || content == "" {
			continue
		}
		contents = append(contents, content)
	}
	return contents
}
