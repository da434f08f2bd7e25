package auth

import (
	"errors"
	"net/http"
	"strings"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
)

var (
	ErrMissingAuthorizationHeader = errors.New("missing Authorization header")
	ErrInvalidAuthorizationHeader = errors.New("invalid Authorization header")
)

// bearerTokenFromRequest extracts the Firebase ID token the front-end sends with each port call.
func bearerTokenFromRequest(r *http.Request) (string, error) {
	header := r.Header.Get(authorizationHeader)
	if header == "" {
		return "", ErrMissingAuthorizationHeader
	}
	token, ok := strings.CutPrefix(header, bearerPrefix)
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return "", ErrInvalidAuthorizationHeader
	}
	return token, nil
}
