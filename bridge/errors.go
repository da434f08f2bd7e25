package bridge

import (
	"errors"
	"strings"
	"unicode"

	"github.com/klipach/firebridge/auth"
	"github.com/klipach/firebridge/contract"
	"google.golang.org/grpc/status"
)

const (
	codeInvalidArgument = "invalid-argument"
	codeUnknown         = "unknown"
	firestoreCodePrefix = "firestore/"
)

func invalidArgument(message string) contract.SignInError {
	return contract.SignInError{Code: codeInvalidArgument, Message: message}
}

// errorPayload turns a provider failure into the {code, message} the front-end shows.
func errorPayload(err error) contract.SignInError {
	var perr *auth.ProviderError
	if errors.As(err, &perr) {
		return contract.SignInError{Code: perr.Code, Message: perr.Message, Credential: perr.Credential}
	}
	var se interface{ GRPCStatus() *status.Status }
	if errors.As(err, &se) && se.GRPCStatus() != nil {
		s := se.GRPCStatus()
		return contract.SignInError{
			Code:    firestoreCodePrefix + kebab(s.Code().String()),
			Message: s.Message(),
		}
	}
	return contract.SignInError{Code: codeUnknown, Message: err.Error()}
}

// kebab turns "PermissionDenied" into "permission-denied".
func kebab(s string) string {
	var sb strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				sb.WriteByte('-')
			}
			r = unicode.ToLower(r)
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
