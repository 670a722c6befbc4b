package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

var (
	// ErrNotFound is returned when the registry has no such extension or file.
	ErrNotFound = errors.New("registry: not found")

	// ErrRateLimited is returned when the registry quota is exhausted.
	ErrRateLimited = errors.New("registry: rate limited")

	// ErrNetworkUnavailable is returned when the registry cannot be reached
	// or answers with a server error.
	ErrNetworkUnavailable = errors.New("registry: network unavailable")

	// ErrUnexpectedStatus is returned for any other non-success response.
	ErrUnexpectedStatus = errors.New("registry: unexpected status")

	// ErrNoCache is returned when the registry is unavailable and nothing
	// has been cached yet.
	ErrNoCache = errors.New("registry: unavailable and no cached catalog")

	// ErrInvalidConfig is returned by New for an unusable Config.
	ErrInvalidConfig = errors.New("registry: invalid config")
)

// RateLimitError carries the time the quota resets, when known.
type RateLimitError struct {
	Reset time.Time
}

func (e *RateLimitError) Error() string {
	if e.Reset.IsZero() {
		return ErrRateLimited.Error()
	}
	return fmt.Sprintf("%v until %s", ErrRateLimited, e.Reset.UTC().Format(time.RFC3339))
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// StatusError reports an HTTP status that is not otherwise classified.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v %d from %s", ErrUnexpectedStatus, e.Code, e.URL)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrUnexpectedStatus
}

// Classify maps a transport error or HTTP response to one of the registry
// errors. It is the only place that interprets status codes.
//
// A nil error and a 2xx response yield nil. Caller cancellation is returned
// unchanged.
func Classify(resp *http.Response, err error) error {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	if resp == nil {
		return fmt.Errorf("%w: no response", ErrNetworkUnavailable)
	}

	url := ""
	if resp.Request != nil && resp.Request.URL != nil {
		url = resp.Request.URL.String()
	}

	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, url)
	case code == http.StatusTooManyRequests:
		return &RateLimitError{Reset: resetTime(resp.Header)}
	case code == http.StatusForbidden && isRateLimited(resp.Header):
		return &RateLimitError{Reset: resetTime(resp.Header)}
	case code >= 500:
		return fmt.Errorf("%w: status %d from %s", ErrNetworkUnavailable, code, url)
	default:
		return &StatusError{Code: code, URL: url}
	}
}

// isRateLimited recognizes GitHub's primary and secondary limit responses.
func isRateLimited(h http.Header) bool {
	return h.Get("X-RateLimit-Remaining") == "0" || h.Get("Retry-After") != ""
}

func resetTime(h http.Header) time.Time {
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Unix(sec, 0)
		}
	}
	if v := h.Get("Retry-After"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil {
			return time.Now().Add(time.Duration(sec) * time.Second)
		}
	}
	return time.Time{}
}

// degradable reports errors that fall back to the cached catalog.
func degradable(err error) bool {
	return errors.Is(err, ErrNetworkUnavailable) || errors.Is(err, ErrRateLimited)
}
