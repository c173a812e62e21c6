package llm

import (
	"io"
	"net/http"
	"time"
)

// Framing selects how a streamed body is split into events.
type Framing int

const (
	// FramingSSE splits the body into server-sent events.
	FramingSSE Framing = iota
	// FramingNDJSON treats every non-empty line as one event.
	FramingNDJSON
)

// WireRequest is a fully built vendor HTTP request.
type WireRequest struct {
	Method  string
	URL     string
	Header  http.Header
	Body    []byte
	Stream  bool
	Framing Framing
	// Model is the model the request targets. The client reports it when a
	// vendor response does not name its model.
	Model string
	// Timeout bounds the whole response for unary calls and the gap between
	// events for streams. Zero means the transport default.
	Timeout time.Duration
}

// WireResponse is a vendor HTTP response. For successful stream requests
// Body is nil and Events yields the framed events.
type WireResponse struct {
	Status int
	Header http.Header
	Body   []byte
	Events EventStream
}

// OK reports whether the status is 2xx.
func (r *WireResponse) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// RawEvent is one framed event of a streamed response.
type RawEvent struct {
	// Event is the SSE event name, empty for NDJSON and unnamed events.
	Event string
	Data  []byte
}

// EventStream yields raw events. Next returns io.EOF once the body is exhausted.
type EventStream interface {
	Next() (RawEvent, error)
	io.Closer
}

// Adapter translates between the neutral model and one vendor's wire format.
// Adapters do no I/O; every method except the constructor is pure.
type Adapter interface {
	// Name returns the registered provider name.
	Name() string

	// BaseURL returns the vendor endpoint root the adapter targets.
	BaseURL() string

	// BuildRequest translates a chat call into a vendor request.
	// It returns a validation error for input the vendor cannot express.
	BuildRequest(messages []Message, opts CallOptions, stream bool) (*WireRequest, error)

	// ParseResponse translates a successful unary response.
	ParseResponse(resp *WireResponse) (*Response, error)

	// ParseStreamEvent translates one raw stream event.
	ParseStreamEvent(ev RawEvent) (StreamEvent, error)

	// SupportsEmbedding is a static capability flag.
	SupportsEmbedding() bool

	// ClassifyHTTPStatus maps a non-2xx response onto an error kind.
	ClassifyHTTPStatus(status int, body []byte) ErrorKind
}

// Embedder is implemented by adapters whose SupportsEmbedding returns true.
// One request embeds every text; the response holds the vectors in input order.
type Embedder interface {
	BuildEmbeddingRequest(texts []string, opts CallOptions) (*WireRequest, error)
	ParseEmbeddingResponse(resp *WireResponse) ([]Embedding, error)
}

// ModelLister is implemented by adapters that know the models their vendor
// offers. The list is static and informational; other model names are still
// sent as given.
type ModelLister interface {
	SupportedModels() []string
}

// RetryAfterHinter lets an adapter read a vendor specific retry-after hint.
type RetryAfterHinter interface {
	RetryAfter(resp *WireResponse) *time.Duration
}

// ErrorFromResponse builds the error for a non-2xx response using the
// adapter's classification.
func ErrorFromResponse(a Adapter, resp *WireResponse) *Error {
	kind := a.ClassifyHTTPStatus(resp.Status, resp.Body)
	e := &Error{
		Kind:     kind,
		Provider: a.Name(),
		Status:   resp.Status,
		Message:  ErrorMessage(resp.Body),
	}
	if kind == KindRateLimit {
		e.Hint = ErrRateLimitHint
		if h, ok := a.(RetryAfterHinter); ok {
			e.RetryAfter = h.RetryAfter(resp)
		}
		if e.RetryAfter == nil {
			e.RetryAfter = ParseRetryAfter(resp.Header)
		}
	}
	return e
}

// ErrRateLimitHint is the remediation text attached to rate limit errors.
const ErrRateLimitHint = "reduce request rate or concurrency, or raise max_retries and max_delay"
