package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// ErrorKind represents the category of error.
type ErrorKind string

const (
	KindValidation      ErrorKind = "validation"
	KindAuthentication  ErrorKind = "authentication"
	KindRateLimit       ErrorKind = "rate_limit"
	KindAPI             ErrorKind = "api"
	KindServer          ErrorKind = "server"
	KindProtocol        ErrorKind = "protocol"
	KindUnsupported     ErrorKind = "unsupported_operation"
	KindBackpressure    ErrorKind = "backpressure"
	KindTransport       ErrorKind = "transport"
	KindUnknownProvider ErrorKind = "unknown_provider"
)

// Error represents a provider-neutral LLM error.
type Error struct {
	Kind     ErrorKind
	Provider string
	Message  string
	// Status is the HTTP status code, when the error came from a response.
	Status int
	// Attempts is the number of attempts made before the error was surfaced.
	Attempts   int
	RetryAfter *time.Duration
	// Hint is a remediation suggestion for the caller.
	Hint string
	Err  error
}

// Sentinels for errors.Is matching on kind.
var (
	ErrValidation      = &Error{Kind: KindValidation}
	ErrAuthentication  = &Error{Kind: KindAuthentication}
	ErrRateLimit       = &Error{Kind: KindRateLimit}
	ErrAPI             = &Error{Kind: KindAPI}
	ErrProtocol        = &Error{Kind: KindProtocol}
	ErrUnsupported     = &Error{Kind: KindUnsupported}
	ErrBackpressure    = &Error{Kind: KindBackpressure}
	ErrTransport       = &Error{Kind: KindTransport}
	ErrUnknownProvider = &Error{Kind: KindUnknownProvider}
)

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind. This lets the package
// sentinels be used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether the retry controller may re-attempt the call.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimit, KindServer, KindProtocol:
		return true
	}
	return false
}

// KindOf returns the kind of err, or "" if err is not an *Error.
func KindOf(err error) ErrorKind {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Kind
	}
	return ""
}

// AttemptsOf returns how many attempts were made before err, or 0.
func AttemptsOf(err error) int {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Attempts
	}
	return 0
}

// IsRateLimitError checks if an error is a rate limit error.
func IsRateLimitError(err error) bool {
	return KindOf(err) == KindRateLimit
}

// IsRetryableError checks if an error is retryable.
func IsRetryableError(err error) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Retryable()
	}
	return false
}

// ExtractRetryAfter extracts the retry-after duration from an error.
func ExtractRetryAfter(err error) *time.Duration {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.RetryAfter
	}
	return nil
}

// NewValidationError creates an error for input the vendor cannot express.
func NewValidationError(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NewAuthenticationError creates a credential error.
func NewAuthenticationError(message string, status int) *Error {
	return &Error{Kind: KindAuthentication, Message: message, Status: status}
}

// NewRateLimitError creates a new rate limit error.
func NewRateLimitError(message string, retryAfter *time.Duration, providerErr error) *Error {
	return &Error{
		Kind:       KindRateLimit,
		Message:    message,
		Status:     http.StatusTooManyRequests,
		RetryAfter: retryAfter,
		Hint:       ErrRateLimitHint,
		Err:        providerErr,
	}
}

// NewAPIError creates a non-retryable vendor error.
func NewAPIError(status int, message string, providerErr error) *Error {
	return &Error{Kind: KindAPI, Status: status, Message: message, Err: providerErr}
}

// NewServerError creates a transient 5xx error.
func NewServerError(status int, message string) *Error {
	return &Error{Kind: KindServer, Status: status, Message: message}
}

// NewProtocolError creates an error for an undecodable or unexpected payload.
func NewProtocolError(message string, cause error) *Error {
	return &Error{Kind: KindProtocol, Message: message, Err: cause}
}

// NewUnsupportedOperationError reports an operation the provider does not offer.
func NewUnsupportedOperationError(provider, op string) *Error {
	return &Error{
		Kind:     KindUnsupported,
		Provider: provider,
		Message:  op + " is not supported",
	}
}

// NewBackpressureError is returned when no concurrency slot became free in time.
func NewBackpressureError(waited time.Duration, limit int) *Error {
	return &Error{
		Kind:    KindBackpressure,
		Message: fmt.Sprintf("no request slot free after %s (limit %d)", waited, limit),
		Hint:    "raise the concurrency limit or the admission timeout",
	}
}

// NewTransportError wraps a network failure the transport could not recover from.
func NewTransportError(cause error) *Error {
	return &Error{Kind: KindTransport, Message: "network failure", Err: cause}
}

// NewUnknownProviderError is returned by the factory for an unregistered name.
func NewUnknownProviderError(name string, known []string) *Error {
	return &Error{
		Kind:    KindUnknownProvider,
		Message: fmt.Sprintf("unknown LLM provider %q (registered: %s)", name, strings.Join(known, ", ")),
	}
}

// Redact removes every occurrence of secret from s.
func Redact(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, "[REDACTED]")
}

// ErrorMessage pulls a human readable message out of a vendor error body.
// It falls back to the trimmed body text.
func ErrorMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		for _, path := range []string{"error.message", "message", "error.msg", "msg", "error"} {
			if r := gjson.GetBytes(body, path); r.Exists() && r.Type == gjson.String && r.Str != "" {
				return r.Str
			}
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorMessage {
		cut := maxErrorMessage
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	if msg == "" {
		return "empty error body"
	}
	return msg
}

// maxErrorMessage caps raw body text quoted in an error, in bytes.
const maxErrorMessage = 512

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func ParseRetryAfter(h http.Header) *time.Duration {
	if h == nil {
		return nil
	}
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return nil
	}
	if seconds, err := strconv.ParseFloat(v, 64); err == nil && seconds >= 0 {
		d := time.Duration(seconds * float64(time.Second))
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}

// DefaultClassify maps an HTTP status onto an error kind. Adapters start
// from this and refine it with vendor error codes.
func DefaultClassify(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthentication
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusBadRequest || status == http.StatusNotFound ||
		status == http.StatusRequestEntityTooLarge || status == http.StatusUnprocessableEntity:
		return KindAPI
	case status >= 500:
		return KindServer
	default:
		return KindAPI
	}
}
