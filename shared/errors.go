package shared

import "errors"

var (
	ErrNoLogger             = errors.New("no logger provided")
	ErrMissingCredential    = errors.New("no API key configured")
	ErrNoTokenProvider      = errors.New("no token provider configured")
	ErrClientNotInitialized = errors.New("client not initialized")
	ErrCallAlreadyActive    = errors.New("call already active")
	ErrNoCallActive         = errors.New("no call active")
	ErrEHandlerAlreadySet   = errors.New("event handler already set")
	ErrErrHandlerAlreadySet = errors.New("error handler already set")
	ErrClientClosed         = errors.New("client closed")
)

// DefaultTokenFetchMessage is used when the token endpoint error body
// carries no message of its own.
const DefaultTokenFetchMessage = "failed to fetch call token"

// TokenFetchError reports a non-success response from the token endpoint.
type TokenFetchError struct {
	StatusCode int
	Message    string
}

func (e *TokenFetchError) Error() string {
	if e.Message != "" {
		return "fetching token: " + e.Message
	}
	return "fetching token: " + DefaultTokenFetchMessage
}
