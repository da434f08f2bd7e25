package contract

import "encoding/json"

// inbound intents
const (
	IntentSignIn      = "signIn"
	IntentSignOut     = "signOut"
	IntentSaveMessage = "saveMessage"
	IntentSendStuff   = "sendStuff"
)

// outbound events
const (
	EventSignInInfo      = "signInInfo"
	EventSignInError     = "signInError"
	EventReceiveMessages = "receiveMessages"
	EventReceiveStuff    = "receiveStuff"
	EventSession         = "session"
	EventSignInRedirect  = "signInRedirect"
)

// Intent is a message sent by the front-end to the bridge.
type Intent struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is a message sent by the bridge to the front-end.
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload"`
}

type SignInInfo struct {
	Token string `json:"token"`
	Email string `json:"email"`
	UID   string `json:"uid"`
}

type SignInError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Credential string `json:"credential,omitempty"`
}

// SignInRedirect carries the consent page the front-end must open to finish signIn.
type SignInRedirect struct {
	URL string `json:"url"`
}

type SaveMessage struct {
	Content string `json:"content"`
	UID     string `json:"uid"`
}

type ReceiveMessages struct {
	Messages []string `json:"messages"`
}

type ReceiveStuff struct {
	Value int `json:"value"`
}
