package providers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
)

// FailoverReason categorizes why a model request failed.
type FailoverReason string

const (
	// FailoverRateLimit indicates throttling (HTTP 429).
	FailoverRateLimit FailoverReason = "rate_limit"

	// FailoverOverloaded indicates the API is temporarily over capacity (HTTP 529).
	FailoverOverloaded FailoverReason = "overloaded"

	// FailoverAuth indicates rejected or missing credentials (HTTP 401, 403).
	FailoverAuth FailoverReason = "auth"

	// FailoverBilling indicates quota or payment issues (HTTP 402).
	FailoverBilling FailoverReason = "billing"

	// FailoverTimeout indicates the request did not finish in time.
	FailoverTimeout FailoverReason = "timeout"

	// FailoverServerError indicates a 5xx from the API or its proxy.
	FailoverServerError FailoverReason = "server_error"

	// FailoverInvalidRequest indicates a malformed request (HTTP 400, 413).
	FailoverInvalidRequest FailoverReason = "invalid_request"

	// FailoverModelUnavailable indicates the model id is unknown to the backend.
	FailoverModelUnavailable FailoverReason = "model_unavailable"

	// FailoverNetwork indicates the connection could not be established.
	FailoverNetwork FailoverReason = "network"

	FailoverUnknown FailoverReason = "unknown"
)

// IsRetryable reports whether opening a new stream may succeed.
func (r FailoverReason) IsRetryable() bool {
	switch r {
	case FailoverRateLimit, FailoverOverloaded, FailoverTimeout, FailoverServerError, FailoverNetwork:
		return true
	default:
		return false
	}
}

// ProviderError is a classified model API failure.
type ProviderError struct {
	Reason FailoverReason

	// Provider is the backend name: anthropic, bedrock or vertex.
	Provider string
	Model    string

	// Status is the HTTP status code, if any.
	Status int

	// Code is the API error type, e.g. overloaded_error.
	Code      string
	Message   string
	RequestID string
	Cause     error
}

func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError classifies cause by its message.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{Provider: provider, Model: model, Cause: cause, Reason: FailoverUnknown}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = ClassifyError(cause)
	}
	return err
}

// WithStatus sets the HTTP status and reclassifies from it.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if reason := classifyStatusCode(status); reason != FailoverUnknown {
		e.Reason = reason
	}
	return e
}

// WithCode sets the API error type. Known codes take precedence over the
// status classification.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if reason := classifyErrorCode(code); reason != FailoverUnknown {
		e.Reason = reason
	}
	return e
}

func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// ClassifyError maps an unstructured error to a FailoverReason.
func ClassifyError(err error) FailoverReason {
	if err == nil {
		return FailoverUnknown
	}
	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "timeout"),
		strings.Contains(errStr, "deadline exceeded"),
		strings.Contains(errStr, "etimedout"):
		return FailoverTimeout
	case strings.Contains(errStr, "rate limit"),
		strings.Contains(errStr, "rate_limit"),
		strings.Contains(errStr, "too many requests"),
		strings.Contains(errStr, "throttl"):
		return FailoverRateLimit
	case strings.Contains(errStr, "overloaded"):
		return FailoverOverloaded
	case strings.Contains(errStr, "unauthorized"),
		strings.Contains(errStr, "invalid x-api-key"),
		strings.Contains(errStr, "authentication"),
		strings.Contains(errStr, "accessdenied"),
		strings.Contains(errStr, "unrecognizedclient"):
		return FailoverAuth
	case strings.Contains(errStr, "billing"),
		strings.Contains(errStr, "quota"),
		strings.Contains(errStr, "credit balance"):
		return FailoverBilling
	case strings.Contains(errStr, "model not found"),
		strings.Contains(errStr, "not_found_error"),
		strings.Contains(errStr, "model identifier is invalid"):
		return FailoverModelUnavailable
	case strings.Contains(errStr, "connection refused"),
		strings.Contains(errStr, "connection reset"),
		strings.Contains(errStr, "no such host"),
		strings.Contains(errStr, "unexpected eof"):
		return FailoverNetwork
	case strings.Contains(errStr, "internal server"),
		strings.Contains(errStr, "bad gateway"),
		strings.Contains(errStr, "service unavailable"):
		return FailoverServerError
	}
	return FailoverUnknown
}

func classifyStatusCode(status int) FailoverReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return FailoverAuth
	case status == http.StatusPaymentRequired:
		return FailoverBilling
	case status == http.StatusTooManyRequests:
		return FailoverRateLimit
	case status == http.StatusBadRequest || status == http.StatusRequestEntityTooLarge:
		return FailoverInvalidRequest
	case status == http.StatusNotFound:
		return FailoverModelUnavailable
	case status == 529:
		return FailoverOverloaded
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		return FailoverTimeout
	case status >= 500:
		return FailoverServerError
	default:
		return FailoverUnknown
	}
}

func classifyErrorCode(code string) FailoverReason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "throttlingexception":
		return FailoverRateLimit
	case "overloaded_error", "serviceunavailableexception":
		return FailoverOverloaded
	case "authentication_error", "permission_error", "accessdeniedexception":
		return FailoverAuth
	case "billing_error":
		return FailoverBilling
	case "not_found_error", "resourcenotfoundexception":
		return FailoverModelUnavailable
	case "invalid_request_error", "request_too_large", "validationexception":
		return FailoverInvalidRequest
	case "api_error", "internalserverexception":
		return FailoverServerError
	case "timeout_error", "modeltimeoutexception":
		return FailoverTimeout
	default:
		return FailoverUnknown
	}
}

// GetProviderError extracts a ProviderError from an error chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr, true
	}
	return nil, false
}

// IsRetryable reports whether err is worth another stream attempt.
func IsRetryable(err error) bool {
	if providerErr, ok := GetProviderError(err); ok {
		return providerErr.Reason.IsRetryable()
	}
	return ClassifyError(err).IsRetryable()
}

type apiErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

// wrapError turns SDK and transport errors into a *ProviderError.
func wrapError(err error, provider, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return NewProviderError(provider, model, err)
	}

	providerErr := (&ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    err,
		Reason:   FailoverUnknown,
		Message:  "model request failed",
	}).WithStatus(apiErr.StatusCode)
	if apiErr.RequestID != "" {
		providerErr.RequestID = apiErr.RequestID
	}

	var payload apiErrorPayload
	if raw := apiErr.RawJSON(); raw != "" && json.Unmarshal([]byte(raw), &payload) == nil {
		if payload.Error.Message != "" {
			providerErr.WithMessage(payload.Error.Message)
		}
		if payload.Error.Type != "" {
			providerErr.WithCode(payload.Error.Type)
		}
		if payload.RequestID != "" {
			providerErr.WithRequestID(payload.RequestID)
		}
	}
	return providerErr
}
