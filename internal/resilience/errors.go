package resilience

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"syscall"
)

// TransientError wraps an error that is safe to retry (timeouts, resets,
// retryable upstream statuses).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps err as transient with an optional HTTP status.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// ConfigError is a fatal configuration problem: missing proxy credentials
// while the provider is enabled, invalid filter bounds, unusable DSN.
// Never retried; surfaced to the operator. Status carries the HTTP code
// when the problem was reported by a proxy (407), 0 otherwise.
type ConfigError struct {
	Reason string
	Status int
}

func (e *ConfigError) Error() string { return "configuration error: " + e.Reason }

// NewConfigError returns a ConfigError with the given reason.
func NewConfigError(reason string) *ConfigError {
	return &ConfigError{Reason: reason}
}

// NewProxyAuthError returns the ConfigError for rejected proxy
// credentials, tagged with status 407 so exit-code mapping can tell it
// apart from other configuration problems.
func NewProxyAuthError(reason string) *ConfigError {
	return &ConfigError{Reason: reason, Status: 407}
}

// IsConfigError reports whether the chain contains a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// StatusError is a non-2xx upstream response. Dispositions vary by code:
// 404 is benign in stage 3, 403 refreshes the session, 429 backs off,
// 407 is fatal at the proxy, 502/525 get one gateway retry.
type StatusError struct {
	Status int
	URL    string
}

func (e *StatusError) Error() string {
	if e.URL == "" {
		return "upstream status " + strconv.Itoa(e.Status)
	}
	return "upstream status " + strconv.Itoa(e.Status) + " for " + e.URL
}

// NewStatusError returns a StatusError for the given code and URL.
func NewStatusError(status int, url string) *StatusError {
	return &StatusError{Status: status, URL: url}
}

// StatusOf extracts the HTTP status from the chain, 0 if none.
func StatusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	var te *TransientError
	if errors.As(err, &te) {
		return te.StatusCode
	}
	var ce *ConfigError
	if errors.As(err, &ce) && ce.Status != 0 {
		return ce.Status
	}
	return 0
}

// ParseError means an upstream payload did not have the expected shape:
// build id not found, missing pageProps, malformed report. Retried once
// with a fresh session, then surfaced.
type ParseError struct {
	What string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return "parse error: " + e.What
	}
	return "parse error: " + e.What + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error { return e.Err }

// NewParseError returns a ParseError describing what failed to parse.
func NewParseError(what string, err error) *ParseError {
	return &ParseError{What: what, Err: err}
}

// IsParseError reports whether the chain contains a ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// ProxyExhaustedError means rotation evidence shows every configured proxy
// port is saturated. The job pauses with resumable state rather than erroring.
type ProxyExhaustedError struct {
	Provider string
	Ports    int
}

func (e *ProxyExhaustedError) Error() string {
	return "proxy exhausted: all " + strconv.Itoa(e.Ports) + " " + e.Provider + " ports saturated"
}

// IsProxyExhausted reports whether the chain contains a ProxyExhaustedError.
func IsProxyExhausted(err error) bool {
	var pe *ProxyExhaustedError
	return errors.As(err, &pe)
}

// IsTransient reports whether err (or anything in its chain) is worth
// retrying: an explicit TransientError, a network timeout, a connection
// level failure, or a message matching known transient patterns from
// HTTP client internals.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus reports whether the status code indicates a
// server-side condition worth retrying.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
