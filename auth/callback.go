package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var pagePolicy = bluemonday.StrictPolicy()

type openerKey struct{}

// WithOpener makes sign-ins running under ctx show the consent page through open
// instead of the flow's own opener.
func WithOpener(ctx context.Context, open Opener) context.Context {
	return context.WithValue(ctx, openerKey{}, open)
}

// OpenerFromContext returns the opener set by WithOpener, or nil.
func OpenerFromContext(ctx context.Context) Opener {
	open, _ := ctx.Value(openerKey{}).(Opener)
	return open
}

type callbackResult struct {
	code string
	err  error
}

// Callbacks receives OAuth redirects and hands each one to the sign-in waiting for its
// state. One Callbacks can serve many concurrent sign-ins behind a single public URL.
type Callbacks struct {
	mu      sync.Mutex
	pending map[string]chan callbackResult
}

func NewCallbacks() *Callbacks {
	return &Callbacks{pending: make(map[string]chan callbackResult)}
}

// expect registers state and returns the channel its redirect is delivered on, with a
// func that forgets state again.
func (c *Callbacks) expect(state string) (<-chan callbackResult, func()) {
	ch := make(chan callbackResult, 1)
	c.mu.Lock()
	c.pending[state] = ch
	c.mu.Unlock()
	return ch, func() {
		c.mu.Lock()
		delete(c.pending, state)
		c.mu.Unlock()
	}
}

// Pending returns the number of sign-ins waiting for a redirect.
func (c *Callbacks) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// IsCallback reports whether r looks like an OAuth redirect.
func IsCallback(r *http.Request) bool {
	q := r.URL.Query()
	return r.Method == http.MethodGet && q.Has("state") && (q.Has("code") || q.Has("error"))
}

func (c *Callbacks) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	res := callbackResult{code: r.FormValue("code")}
	switch errCode := r.FormValue("error"); {
	case errCode == "access_denied":
		res.err = &ProviderError{Code: CodePopupClosedByUser, Message: "the user closed the sign-in page"}
	case errCode != "":
		res.err = &ProviderError{Code: CodeInternalError, Message: fmt.Sprintf("%s: %s", errCode, r.FormValue("error_description"))}
	case res.code == "":
		http.Error(w, "Missing code parameter", http.StatusBadRequest)
		return
	}

	state := r.FormValue("state")
	c.mu.Lock()
	ch, ok := c.pending[state]
	delete(c.pending, state)
	c.mu.Unlock()
	if !ok {
		http.Error(w, "Unknown or completed sign-in", http.StatusBadRequest)
		return
	}
	ch <- res

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if res.err != nil {
		// error_description comes from the query string
		fmt.Fprintf(w, "<html><body>Sign-in failed: %s. You can close this window.</body></html>",
			pagePolicy.Sanitize(r.FormValue("error_description")))
		return
	}
	fmt.Fprint(w, "<html><body>Signed in. You can close this window.</body></html>")
}
