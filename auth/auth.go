package auth

import (
	"context"
	"net/http"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
)

// TokenVerifier is satisfied by the Admin SDK auth client.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

// NewAdminClient returns the Admin SDK auth client for app.
func NewAdminClient(ctx context.Context, app *firebase.App) (*auth.Client, error) {
	return app.Auth(ctx)
}

// Authenticate verifies the bearer ID token carried by req.
func Authenticate(req *http.Request, verifier TokenVerifier) (*auth.Token, error) {
	jwtToken, err := bearerTokenFromRequest(req)
	if err != nil {
		return nil, err
	}
	return verifier.VerifyIDToken(req.Context(), jwtToken)
}
