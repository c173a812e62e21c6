// Package transport executes vendor HTTP requests over pooled, per-host
// connections and frames streamed bodies into raw events.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/aschepis/backscratcher/unillm/logger"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxIdleConnsPerHost = 16
	DefaultConnectTimeout      = 10 * time.Second
	DefaultReadTimeout         = 30 * time.Second
	DefaultKeepAlive           = 30 * time.Second
	DefaultIdleConnTimeout     = 90 * time.Second
	// MaxSafeRetries bounds the immediate re-sends of requests that never reached the server.
	MaxSafeRetries = 2
)

// ErrIdleTimeout is reported when a stream read waited longer than its read timeout.
var ErrIdleTimeout = errors.New("stream idle timeout")

// Options configures a Transport. Zero values select the defaults.
type Options struct {
	MaxIdleConnsPerHost int
	ConnectTimeout      time.Duration
	ReadTimeout         time.Duration
	Logger              *zerolog.Logger
}

type pool struct {
	client *http.Client
	http   *http.Transport
	refs   int
}

var (
	poolsMu sync.Mutex
	pools   = make(map[string]*pool)
)

// Transport sends requests for one target host. Every Transport for the
// same host shares one connection pool.
type Transport struct {
	key         string
	pool        *pool
	readTimeout time.Duration
	logger      zerolog.Logger
	closeOnce   sync.Once
}

// New binds a Transport to the host of baseURL, creating the host pool on
// first use. The pool settings of the first binding win.
func New(baseURL string, opts Options) (*Transport, error) {
	key, err := hostKey(baseURL)
	if err != nil {
		return nil, err
	}
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = DefaultMaxIdleConnsPerHost
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	l := logger.Default()
	if opts.Logger != nil {
		l = *opts.Logger
	}

	poolsMu.Lock()
	p, ok := pools[key]
	if !ok {
		p = newPool(opts)
		pools[key] = p
	}
	p.refs++
	poolsMu.Unlock()

	return &Transport{
		key:         key,
		pool:        p,
		readTimeout: opts.ReadTimeout,
		logger:      logger.Component(l, "transport").With().Str("host", key).Logger(),
	}, nil
}

func newPool(opts Options) *pool {
	ht := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: DefaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          opts.MaxIdleConnsPerHost,
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	// Deadlines are enforced per request through the context, so the client has none.
	return &pool{client: &http.Client{Transport: ht}, http: ht}
}

func hostKey(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid base URL %q: scheme and host are required", baseURL)
	}
	return u.Scheme + "://" + u.Host, nil
}

// Close drops this Transport's reference to the host pool. The pool itself
// lives until Shutdown, so later clients for the same host reuse its
// connections.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		poolsMu.Lock()
		defer poolsMu.Unlock()
		if t.pool.refs > 0 {
			t.pool.refs--
		}
	})
	return nil
}

// Shutdown closes the idle connections of every host pool and forgets the
// pools. Call it once at process exit.
func Shutdown() {
	poolsMu.Lock()
	defer poolsMu.Unlock()
	for key, p := range pools {
		p.http.CloseIdleConnections()
		delete(pools, key)
	}
}

// Stats returns the number of Transports bound to each host pool.
func Stats() map[string]int {
	poolsMu.Lock()
	defer poolsMu.Unlock()
	out := make(map[string]int, len(pools))
	for key, p := range pools {
		out[key] = p.refs
	}
	return out
}

// Execute performs req. Non-2xx bodies are always read in full. For a 2xx
// stream request the response carries an EventStream that owns the connection
// until it is closed.
func (t *Transport) Execute(ctx context.Context, req *llm.WireRequest) (*llm.WireResponse, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = t.readTimeout
	}

	for attempt := 0; ; attempt++ {
		start := time.Now()
		resp, wroteHeaders, err := t.do(ctx, req, timeout)
		if err == nil {
			t.logger.Debug().
				Str("url", req.URL).
				Int("status", resp.Status).
				Bool("stream", req.Stream).
				Dur("elapsed", time.Since(start)).
				Msg("request completed")
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if attempt < MaxSafeRetries && safeToRetry(err, wroteHeaders) {
			t.logger.Debug().Err(err).Int("attempt", attempt+1).Msg("retrying request that never reached the server")
			continue
		}
		t.logger.Warn().Err(err).Str("url", req.URL).Int("attempts", attempt+1).Msg("request failed")
		return nil, llm.NewTransportError(err)
	}
}

func (t *Transport) do(ctx context.Context, req *llm.WireRequest, timeout time.Duration) (*llm.WireResponse, bool, error) {
	var (
		reqCtx context.Context
		cancel context.CancelFunc
		idle   *idleTimer
	)
	if req.Stream {
		reqCtx, cancel = context.WithCancel(ctx)
		idle = newIdleTimer(timeout, cancel)
	} else {
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
	}

	var wroteHeaders atomic.Bool
	reqCtx = httptrace.WithClientTrace(reqCtx, &httptrace.ClientTrace{
		WroteHeaders: func() { wroteHeaders.Store(true) },
	})

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		cancel()
		return nil, false, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	httpResp, err := t.pool.client.Do(httpReq)
	if err != nil {
		idle.stop()
		cancel()
		if idle.fired() {
			err = ErrIdleTimeout
		}
		return nil, wroteHeaders.Load(), err
	}

	out := &llm.WireResponse{Status: httpResp.StatusCode, Header: httpResp.Header}
	ok := httpResp.StatusCode >= 200 && httpResp.StatusCode < 300
	if req.Stream && ok {
		// Each read on the stream re-arms the timer.
		idle.stop()
		out.Events = newEventStream(httpResp, req.Framing, idle, cancel)
		return out, true, nil
	}

	body, err := io.ReadAll(httpResp.Body)
	_ = httpResp.Body.Close()
	idle.stop()
	cancel()
	if err != nil {
		return nil, true, fmt.Errorf("read response body: %w", err)
	}
	out.Body = body
	return out, true, nil
}

// safeToRetry reports whether err proves the request was never processed.
func safeToRetry(err error, wroteHeaders bool) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return !wroteHeaders && errors.Is(err, syscall.ECONNRESET)
}
