// Package httpkit builds the HTTP clients for Gestella's outbound calls
// (model providers, embeddings, CalDAV). Every client shares one set of
// connection timeouts and sends the build's User-Agent.
package httpkit

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/buildinfo"
)

// Transport limits. Model clients raise ResponseHeaderTimeout since a
// cold model can take minutes to load.
const (
	DialTimeout           = 10 * time.Second
	TLSHandshakeTimeout   = 10 * time.Second
	ResponseHeaderTimeout = 15 * time.Second
	IdleConnTimeout       = 90 * time.Second

	defaultClientTimeout = 30 * time.Second
)

// NewTransport returns a fresh transport carrying the shared limits.
// Callers may adjust fields before handing it to WithTransport.
func NewTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: DialTimeout, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   TLSHandshakeTimeout,
		ResponseHeaderTimeout: ResponseHeaderTimeout,
		IdleConnTimeout:       IdleConnTimeout,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   5,
	}
}

// ClientOption adjusts a client built by NewClient.
type ClientOption func(*options)

type options struct {
	timeout   time.Duration
	userAgent string
	transport *http.Transport
	retries   int
	pause     time.Duration
	logger    *slog.Logger
}

// WithTimeout caps the whole exchange. Zero means no cap, leaving the
// deadline to the request context (streaming model calls).
func WithTimeout(d time.Duration) ClientOption {
	return func(o *options) { o.timeout = d }
}

func WithUserAgent(ua string) ClientOption {
	return func(o *options) { o.userAgent = ua }
}

func WithTransport(t *http.Transport) ClientOption {
	return func(o *options) { o.transport = t }
}

// WithRetry re-sends a request up to count times when the connection
// could not be established. See IsDialError.
func WithRetry(count int, pause time.Duration) ClientOption {
	return func(o *options) {
		o.retries = count
		o.pause = pause
	}
}

// WithLogger receives debug records for each retry.
func WithLogger(l *slog.Logger) ClientOption {
	return func(o *options) { o.logger = l }
}

// NewClient builds an *http.Client from opts.
func NewClient(opts ...ClientOption) *http.Client {
	o := options{timeout: defaultClientTimeout, userAgent: buildinfo.UserAgent()}
	for _, apply := range opts {
		apply(&o)
	}
	if o.transport == nil {
		o.transport = NewTransport()
	}

	var rt http.RoundTripper = identify(o.transport, o.userAgent)
	if o.retries > 0 {
		rt = &retryTransport{base: rt, count: o.retries, delay: o.pause, logger: o.logger}
	}
	return &http.Client{Timeout: o.timeout, Transport: rt}
}

// WrapTransport adds the User-Agent header to requests sent through
// base. The OAuth token client is built by the oauth2 package and is
// wrapped after the fact.
func WrapTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = NewTransport()
	}
	return identify(base, buildinfo.UserAgent())
}

func identify(base http.RoundTripper, ua string) http.RoundTripper {
	return roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.Header.Get("User-Agent") != "" {
			return base.RoundTrip(req)
		}
		out := req.Clone(req.Context())
		out.Header.Set("User-Agent", ua)
		return base.RoundTrip(out)
	})
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

// DrainAndClose discards up to limit unread bytes so the connection can
// be reused, then closes rc.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	io.CopyN(io.Discard, rc, limit)
	rc.Close()
}

// ReadErrorBody returns at most limit bytes of an error response body
// and releases the connection.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	defer DrainAndClose(rc, 1024)
	head, err := io.ReadAll(io.LimitReader(rc, limit))
	if err != nil {
		return fmt.Sprintf("(error body unreadable: %v)", err)
	}
	return string(head)
}
