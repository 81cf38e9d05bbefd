package flow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/giantswarm/oauth-tokencache/providers"
	"github.com/giantswarm/oauth-tokencache/resolver"
	"github.com/giantswarm/oauth-tokencache/storage"
)

var (
	// ErrInteractionRequired matches every *InteractionRequiredError.
	ErrInteractionRequired = errors.New("interaction required")

	// ErrInvalidArgument matches every *InvalidArgumentError.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Error codes carried by InteractionRequiredError and ServiceError.
const (
	CodeNoTokensFound       = resolver.ReasonNoTokensFound
	CodeNoAccount           = resolver.ReasonNoAccount
	CodeAmbiguousAccount    = resolver.ReasonAmbiguousAccount
	CodeInvalidGrant        = providers.ErrorInvalidGrant
	CodeInteractionRequired = providers.ErrorInteractionRequired
	CodeConsentRequired     = providers.ErrorConsentRequired
	CodeLoginRequired       = providers.ErrorLoginRequired

	CodeThrottled       = "throttled"
	CodeTransportError  = "transport_error"
	CodeInvalidResponse = "invalid_response"
	CodeUnknownError    = "unknown_error"
	CodeCacheError      = "cache_error"
)

// InteractionRequiredError means no silent path is left. The user has to
// complete an interactive flow.
type InteractionRequiredError struct {
	Code          string
	SubError      string
	Description   string
	CorrelationID string
	// Claims is a claims challenge to pass to the interactive request.
	Claims string
	Err    error
}

func (e *InteractionRequiredError) Error() string {
	msg := "interaction required: " + e.Code
	if e.SubError != "" {
		msg += " (" + e.SubError + ")"
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	return msg
}

// Is matches ErrInteractionRequired.
func (e *InteractionRequiredError) Is(target error) bool {
	return target == ErrInteractionRequired
}

func (e *InteractionRequiredError) Unwrap() error {
	return e.Err
}

// ServiceError is a token endpoint failure that the user cannot fix by
// signing in. Retryable errors are transient.
type ServiceError struct {
	Code          string
	Description   string
	SubError      string
	StatusCode    int
	CorrelationID string
	Retryable     bool
	// RetryAfter is the server's hint, zero when none was given.
	RetryAfter time.Duration
	Err        error
}

func (e *ServiceError) Error() string {
	msg := "token service error: " + e.Code
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Description != "" {
		msg += ": " + e.Description
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// InvalidArgumentError rejects a malformed request before any I/O.
type InvalidArgumentError struct {
	Message string
	Err     error
}

func (e *InvalidArgumentError) Error() string {
	return "invalid argument: " + e.Message
}

// Is matches ErrInvalidArgument and storage.ErrInvalidArgument.
func (e *InvalidArgumentError) Is(target error) bool {
	return target == ErrInvalidArgument || target == storage.ErrInvalidArgument
}

func (e *InvalidArgumentError) Unwrap() error {
	return e.Err
}

// cacheError classifies a credential store failure as a retryable
// ServiceError. Cancellation is returned as the context error.
func cacheError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return &ServiceError{
		Code:        CodeCacheError,
		Description: op + ": " + err.Error(),
		Retryable:   true,
		Err:         err,
	}
}

func invalidArgument(err error) *InvalidArgumentError {
	return &InvalidArgumentError{Message: err.Error(), Err: err}
}

// IsInteractionRequired reports whether err asks for user interaction.
func IsInteractionRequired(err error) bool {
	return errors.Is(err, ErrInteractionRequired)
}

// IsRetryable reports whether err is a transient service failure.
func IsRetryable(err error) bool {
	var svcErr *ServiceError
	return errors.As(err, &svcErr) && svcErr.Retryable
}

// ============================================================
// Classification
// ============================================================

// failureKind is how an endpoint failure is handled.
type failureKind int

const (
	failureFatal failureKind = iota
	failureTransient
	failureInvalidGrant
	failureInteraction
	failureCancelled
)

func (k failureKind) String() string {
	switch k {
	case failureTransient:
		return "transient"
	case failureInvalidGrant:
		return "invalid_grant"
	case failureInteraction:
		return "interaction_required"
	case failureCancelled:
		return "cancelled"
	default:
		return "error"
	}
}

// classify sorts an endpoint error. A transport timeout is transient even
// though it may wrap context.DeadlineExceeded.
func classify(err error) failureKind {
	var tokenErr *providers.TokenErrorResponse
	if errors.As(err, &tokenErr) {
		switch tokenErr.Code {
		case providers.ErrorInvalidGrant:
			return failureInvalidGrant
		case providers.ErrorInteractionRequired, providers.ErrorConsentRequired, providers.ErrorLoginRequired:
			return failureInteraction
		case providers.ErrorServerError, providers.ErrorTemporarilyUnavailable:
			return failureTransient
		}
		if tokenErr.StatusCode >= 500 || tokenErr.StatusCode == http.StatusTooManyRequests {
			return failureTransient
		}
		return failureFatal
	}

	var transportErr *providers.TransportError
	if errors.As(err, &transportErr) {
		return failureTransient
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return failureCancelled
	}
	return failureFatal
}

// serviceError converts an endpoint error that is not an interaction signal.
func serviceError(err error, retryable bool, correlationID string) *ServiceError {
	svcErr := &ServiceError{
		Code:          CodeUnknownError,
		Retryable:     retryable,
		CorrelationID: correlationID,
		Err:           err,
	}

	var tokenErr *providers.TokenErrorResponse
	var transportErr *providers.TransportError
	switch {
	case errors.As(err, &tokenErr):
		svcErr.Code = tokenErr.Code
		svcErr.Description = tokenErr.Description
		svcErr.SubError = tokenErr.SubError()
		svcErr.StatusCode = tokenErr.StatusCode
		if tokenErr.CorrelationID != "" {
			svcErr.CorrelationID = tokenErr.CorrelationID
		}
	case errors.As(err, &transportErr):
		svcErr.Code = CodeTransportError
		svcErr.StatusCode = transportErr.StatusCode
		svcErr.RetryAfter = transportErr.RetryAfter
	}
	return svcErr
}

// interactionError converts an OAuth error that needs the user.
func interactionError(err error, correlationID string) *InteractionRequiredError {
	irErr := &InteractionRequiredError{Code: CodeInteractionRequired, CorrelationID: correlationID, Err: err}

	var tokenErr *providers.TokenErrorResponse
	if errors.As(err, &tokenErr) {
		irErr.Code = tokenErr.Code
		irErr.SubError = tokenErr.SubError()
		irErr.Description = tokenErr.Description
		irErr.Claims = tokenErr.Claims
		if tokenErr.CorrelationID != "" {
			irErr.CorrelationID = tokenErr.CorrelationID
		}
	}
	return irErr
}

// ExchangeError converts a failed authorization code redemption. The cache
// is never touched on this path.
func ExchangeError(ctx context.Context, err error, correlationID string) error {
	kind := classify(err)
	if ctx.Err() != nil {
		kind = failureCancelled
	}

	switch kind {
	case failureCancelled:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("code redemption cancelled: %w", ctxErr)
		}
		return fmt.Errorf("code redemption cancelled: %w", err)
	case failureInvalidGrant, failureInteraction:
		return interactionError(err, correlationID)
	case failureTransient:
		return serviceError(err, true, correlationID)
	default:
		return serviceError(err, false, correlationID)
	}
}
