package ferrors

import (
	"context"
	"errors"
	"net"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyNil(t *testing.T) {
	assert.Nil(t, Classify(nil))
}

func TestClassifyDNSError(t *testing.T) {
	err := &net.DNSError{Err: "no such host", Name: "nope.invalid"}
	ferr := Classify(err)
	assert.Equal(t, KindDNS, ferr.Kind)
	assert.Equal(t, "fetch_error_dns", ferr.CounterName())
}

func TestClassifyDNSTimeout(t *testing.T) {
	err := &net.DNSError{Err: "timeout", Name: "slow.invalid", IsTimeout: true}
	ferr := Classify(err)
	assert.Equal(t, KindTimeout, ferr.Kind)
}

func TestClassifyContextDeadline(t *testing.T) {
	ferr := Classify(context.DeadlineExceeded)
	assert.Equal(t, KindTimeout, ferr.Kind)
}

func TestClassifyURLErrorUnwraps(t *testing.T) {
	inner := &net.DNSError{Err: "no such host"}
	err := &url.Error{Op: "Get", URL: "http://nope.invalid", Err: inner}
	ferr := Classify(err)
	assert.Equal(t, KindDNS, ferr.Kind)
}

func TestClassifyAlreadyWrapped(t *testing.T) {
	original := New(KindProxy, errors.New("proxy refused"))
	ferr := Classify(original)
	assert.Same(t, original, ferr)
}

func TestClassifyDefaultsToNetwork(t *testing.T) {
	ferr := Classify(errors.New("something unexpected"))
	assert.Equal(t, KindNetwork, ferr.Kind)
}

func TestNewHTTPCarriesStatus(t *testing.T) {
	ferr := NewHTTP(503, errors.New("service unavailable"))
	assert.Equal(t, KindHTTP, ferr.Kind)
	assert.Equal(t, 503, ferr.StatusCode)
}
