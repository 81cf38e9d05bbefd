package tokencache

import (
	"errors"

	"github.com/giantswarm/oauth-tokencache/flow"
	"github.com/giantswarm/oauth-tokencache/providers"
	"github.com/giantswarm/oauth-tokencache/storage"
)

// Error types returned by Client. See package flow.
type (
	InteractionRequiredError = flow.InteractionRequiredError
	ServiceError             = flow.ServiceError
	InvalidArgumentError     = flow.InvalidArgumentError
)

// Error codes carried by InteractionRequiredError and ServiceError.
const (
	CodeNoTokensFound       = flow.CodeNoTokensFound
	CodeNoAccount           = flow.CodeNoAccount
	CodeAmbiguousAccount    = flow.CodeAmbiguousAccount
	CodeInvalidGrant        = flow.CodeInvalidGrant
	CodeInteractionRequired = flow.CodeInteractionRequired
	CodeConsentRequired     = flow.CodeConsentRequired
	CodeLoginRequired       = flow.CodeLoginRequired
	CodeThrottled           = flow.CodeThrottled
	CodeTransportError      = flow.CodeTransportError
	CodeInvalidResponse     = flow.CodeInvalidResponse
	CodeUnknownError        = flow.CodeUnknownError
	CodeCacheError          = flow.CodeCacheError
)

var (
	// ErrInteractionRequired matches every *InteractionRequiredError.
	ErrInteractionRequired = flow.ErrInteractionRequired

	// ErrInvalidArgument matches every *InvalidArgumentError.
	ErrInvalidArgument = flow.ErrInvalidArgument

	// ErrInteractionCancelled is returned when the user abandoned an interactive sign-in.
	ErrInteractionCancelled = providers.ErrInteractionCancelled

	// ErrAccountNotFound is returned by Account for an unknown home account id.
	ErrAccountNotFound = errors.New("account not found")

	// ErrStateMismatch means the authorization response does not belong to
	// the request that was sent.
	ErrStateMismatch = errors.New("authorization state mismatch")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client is closed")
)

// IsInteractionRequired reports whether err asks for user interaction.
func IsInteractionRequired(err error) bool {
	return flow.IsInteractionRequired(err)
}

// IsRetryable reports whether err is a transient service failure.
func IsRetryable(err error) bool {
	return flow.IsRetryable(err)
}

// IsNotFound reports whether err means a record or account does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) || errors.Is(err, storage.ErrNotFound)
}
