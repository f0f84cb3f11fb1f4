// Package ferrors classifies failures surfaced by the transport engine into
// the closed taxonomy the rest of fetchcore reports against: Timeout, DNS,
// SSL, Proxy, HTTP, Network, Parse, and Script. No fetch failure is ever
// allowed to escape as an unclassified error; Classify always returns one
// of these kinds, defaulting to Network.
package ferrors

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// Kind is one of the closed set of failure categories a FetchResult.Error
// can be attributed to.
type Kind string

const (
	KindTimeout Kind = "timeout"
	KindDNS     Kind = "dns"
	KindSSL     Kind = "ssl"
	KindProxy   Kind = "proxy"
	KindHTTP    Kind = "http"
	KindNetwork Kind = "network"
	KindParse   Kind = "parse"
	KindScript  Kind = "script"
)

// Error wraps an underlying error with its classified Kind, and optionally
// the HTTP status code involved (meaningful only for KindHTTP).
type Error struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// CounterName is the metrics counter this error should be tallied under,
// e.g. "fetch_error_timeout".
func (e *Error) CounterName() string {
	return "fetch_error_" + string(e.Kind)
}

// New wraps err with an explicit Kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// NewHTTP wraps a non-transport HTTP-level failure (e.g. a proxy
// CONNECT failure surfaced as a status) with its status code.
func NewHTTP(statusCode int, err error) *Error {
	return &Error{Kind: KindHTTP, StatusCode: statusCode, Err: err}
}

// Classify inspects err (typically returned from an http.Client.Do or
// net.Dialer.DialContext call) and attributes it to one of the closed set
// of Kinds. A *ferrors.Error passed in is returned unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var ferr *Error
	if errors.As(err, &ferr) {
		return ferr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(KindTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return New(KindTimeout, err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return New(KindTimeout, err)
		}
		return New(KindDNS, err)
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return New(KindSSL, err)
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return New(KindSSL, err)
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return New(KindTimeout, err)
		}
		return Classify(urlErr.Unwrap())
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return New(KindTimeout, err)
		}
		// net/http wraps failures reaching or negotiating with a proxy in
		// an OpError whose Op is "proxyconnect".
		if opErr.Op == "proxyconnect" {
			return New(KindProxy, err)
		}
		return New(KindNetwork, err)
	}

	return New(KindNetwork, err)
}
