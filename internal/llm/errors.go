package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrModelUnavailable marks a transient provider failure: transport
// errors, timeouts, rate limiting and server-side errors. Callers may
// retry with backoff.
var ErrModelUnavailable = errors.New("model unavailable")

// ProtocolError reports a response the client could not turn into a
// valid answer or tool request, such as tool arguments that are not a
// JSON object. It is fatal for the turn.
type ProtocolError struct {
	Provider string
	Detail   string
	Err      error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("%s protocol error: %s", e.Provider, e.Detail)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// unavailable wraps err so that errors.Is(err, ErrModelUnavailable)
// holds while keeping the original cause in the chain.
func unavailable(provider string, err error) error {
	return fmt.Errorf("%s: %w: %w", provider, ErrModelUnavailable, err)
}

// statusError classifies a non-2xx HTTP status. Request timeouts, rate
// limits and 5xx responses are transient; everything else (bad key,
// bad request, unknown model) is returned as a plain error.
func statusError(provider string, status int, body string) error {
	err := fmt.Errorf("%s API error %d: %s", provider, status, body)
	if retryableStatus(status) {
		return fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}
	return err
}

func retryableStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= 500
}
