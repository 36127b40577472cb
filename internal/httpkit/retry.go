package httpkit

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"syscall"
	"time"
)

// IsDialError reports whether err means no connection was made, so the
// server never saw the request. A reset connection does not count: the
// request may already have been processed.
func IsDialError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == syscall.ECONNREFUSED || errno == syscall.EHOSTUNREACH || errno == syscall.ENETUNREACH
}

type retryTransport struct {
	base   http.RoundTripper
	count  int
	delay  time.Duration
	logger *slog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	// A consumed body that cannot be rewound rules out a resend.
	replayable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil

	for attempt := 1; attempt <= t.count && IsDialError(err) && replayable; attempt++ {
		if t.logger != nil {
			t.logger.Debug("connection failed, retrying",
				"method", req.Method, "url", req.URL.Redacted(), "attempt", attempt, "error", err)
		}
		if werr := t.wait(req); werr != nil {
			return nil, werr
		}
		next, cerr := cloneForRetry(req)
		if cerr != nil {
			return nil, cerr
		}
		resp, err = t.base.RoundTrip(next)
	}
	return resp, err
}

func (t *retryTransport) wait(req *http.Request) error {
	timer := time.NewTimer(t.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-req.Context().Done():
		return req.Context().Err()
	}
}

func cloneForRetry(req *http.Request) (*http.Request, error) {
	next := req.Clone(req.Context())
	if req.GetBody == nil {
		return next, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("rewind request body: %w", err)
	}
	next.Body = body
	return next, nil
}
