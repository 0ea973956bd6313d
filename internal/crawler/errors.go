package crawler

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// ErrorKind is the coarse failure taxonomy used for retry decisions and
// reporting.
type ErrorKind string

const (
	KindTimeout    ErrorKind = "timeout"
	KindConnection ErrorKind = "connection"
	KindTLS        ErrorKind = "tls"
	KindHTTP       ErrorKind = "http"
	KindProxy      ErrorKind = "proxy"
	KindParse      ErrorKind = "parse"
)

// FetchError wraps a failed fetch with its classification. StatusCode is set
// only for KindHTTP.
type FetchError struct {
	Kind       ErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Kind == KindHTTP {
		return fmt.Sprintf("fetch %s: http status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether the failure class is worth another attempt.
// Timeouts, connection and proxy errors are transient; HTTP errors retry only
// on 429 and 5xx. TLS failures and client errors fail fast.
func (e *FetchError) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindConnection, KindProxy:
		return true
	case KindHTTP:
		return e.StatusCode == 429 || e.StatusCode >= 500
	default:
		return false
	}
}

// classifyFetchError maps a transport-level error to a FetchError. usedProxy
// biases connection-level failures toward the proxy classification so the pool
// gets the report.
func classifyFetchError(rawURL string, err error, usedProxy bool) *FetchError {
	kind := KindConnection

	var netErr net.Error
	var tlsRecordErr tls.RecordHeaderError
	var certErr *tls.CertificateVerificationError
	var urlErr *url.Error

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	case errors.As(err, &certErr), errors.As(err, &tlsRecordErr):
		kind = KindTLS
	case errors.As(err, &urlErr):
		// url.Error wraps the transport failure; recurse on the cause.
		inner := classifyFetchError(rawURL, urlErr.Err, usedProxy)
		kind = inner.Kind
	}

	if kind == KindConnection && usedProxy {
		kind = KindProxy
	}

	return &FetchError{Kind: kind, URL: rawURL, Err: err}
}
