package auth

import (
	"fmt"
	"strings"
)

const codePrefix = "auth/"

const (
	CodeInvalidAPIKey          = codePrefix + "invalid-api-key"
	CodeArgumentError          = codePrefix + "argument-error"
	CodePopupClosedByUser      = codePrefix + "popup-closed-by-user"
	CodeCancelledPopupRequest  = codePrefix + "cancelled-popup-request"
	CodeInternalError          = codePrefix + "internal-error"
	CodeNetworkRequestFailed   = codePrefix + "network-request-failed"
	CodeAccountExists          = codePrefix + "account-exists-with-different-credential"
	CodeCredentialAlreadyInUse = codePrefix + "credential-already-in-use"
	CodeInvalidCredential      = codePrefix + "invalid-credential"
	CodeUserDisabled           = codePrefix + "user-disabled"
	CodeUserTokenExpired       = codePrefix + "user-token-expired"
	CodeInvalidCustomToken     = codePrefix + "invalid-custom-token"
	CodeOperationNotAllowed    = codePrefix + "operation-not-allowed"
	CodeInvalidRefreshToken    = codePrefix + "invalid-refresh-token"
	CodeTooManyRequests        = codePrefix + "too-many-requests"
	CodeEmailAlreadyInUse      = codePrefix + "email-already-in-use"
	CodeUserNotFound           = codePrefix + "user-not-found"
	CodeInvalidUserToken       = codePrefix + "invalid-user-token"
	CodeMissingOrInvalidNonce  = codePrefix + "missing-or-invalid-nonce"
)

// serverCodes maps Identity Toolkit error messages to the client SDK codes the front-end knows.
var serverCodes = map[string]string{
	"INVALID_API_KEY":                  CodeInvalidAPIKey,
	"API_KEY_INVALID":                  CodeInvalidAPIKey,
	"INVALID_IDP_RESPONSE":             CodeInvalidCredential,
	"FEDERATED_USER_ID_ALREADY_LINKED": CodeCredentialAlreadyInUse,
	"EMAIL_EXISTS":                     CodeEmailAlreadyInUse,
	"USER_DISABLED":                    CodeUserDisabled,
	"USER_NOT_FOUND":                   CodeUserNotFound,
	"TOKEN_EXPIRED":                    CodeUserTokenExpired,
	"INVALID_ID_TOKEN":                 CodeInvalidUserToken,
	"INVALID_CUSTOM_TOKEN":             CodeInvalidCustomToken,
	"CREDENTIAL_MISMATCH":              CodeInvalidCustomToken,
	"INVALID_REFRESH_TOKEN":            CodeInvalidRefreshToken,
	"OPERATION_NOT_ALLOWED":            CodeOperationNotAllowed,
	"TOO_MANY_ATTEMPTS_TRY_LATER":      CodeTooManyRequests,
	"MISSING_OR_INVALID_NONCE":         CodeMissingOrInvalidNonce,
}

// ProviderError is a failure reported by the identity provider.
type ProviderError struct {
	Code    string
	Message string
	// Credential is the Google ID token that could not be used, set for account conflicts.
	Credential string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// codeFromServerMessage turns "INVALID_IDP_RESPONSE : detail" into "auth/invalid-credential".
// Unknown messages become auth/<kebab-case>.
func codeFromServerMessage(message string) string {
	name, _, _ := strings.Cut(message, ":")
	name = strings.TrimSpace(name)
	if code, ok := serverCodes[name]; ok {
		return code
	}
	if name == "" {
		return CodeInternalError
	}
	return codePrefix + strings.ReplaceAll(strings.ToLower(name), "_", "-")
}

func carriesCredential(code string) bool {
	return code == CodeCredentialAlreadyInUse || code == CodeAccountExists || code == CodeEmailAlreadyInUse
}
