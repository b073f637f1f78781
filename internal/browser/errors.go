package browser

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind classifies a fetch failure so callers never inspect error text.
type Kind int

const (
	// KindOther is any failure not attributable to a known class.
	KindOther Kind = iota
	// KindNavigationTimeout means the navigate or script timeout expired.
	KindNavigationTimeout
	// KindDNSFailure means the target host name did not resolve.
	KindDNSFailure
	// KindTLSFailure means the TLS handshake failed (version, cipher or protocol).
	KindTLSFailure
	// KindHostUnreachable means no route to the target host.
	KindHostUnreachable
	// KindElementNotFound means the page loaded but the selector matched nothing.
	KindElementNotFound
)

var kindNames = map[Kind]string{
	KindOther:             "other",
	KindNavigationTimeout: "navigation_timeout",
	KindDNSFailure:        "dns_failure",
	KindTLSFailure:        "tls_failure",
	KindHostUnreachable:   "host_unreachable",
	KindElementNotFound:   "element_not_found",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Op names the session step that failed.
type Op string

const (
	// OpConnect is session creation.
	OpConnect Op = "connect"
	// OpNavigate is page navigation.
	OpNavigate Op = "navigate"
	// OpExtract is element extraction.
	OpExtract Op = "extract"
)

// FetchError is the structured failure produced at the session boundary.
type FetchError struct {
	Kind Kind
	Op   Op
	URL  string
	Err  error
}

// Error implements error.
func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Op, e.URL, e.Kind)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.URL, e.Kind, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// KindOf reports the kind carried by err, or KindOther.
func KindOf(err error) Kind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindOther
}

// ErrSessionClosed is returned by sessions used after Close.
var ErrSessionClosed = errors.New("session closed")

// Chrome reports network failures as "net::ERR_*" codes inside the
// navigation error text; this table is the only place they are inspected.
var chromeNetCodes = []struct {
	code string
	kind Kind
}{
	{"net::ERR_NAME_NOT_RESOLVED", KindDNSFailure},
	{"net::ERR_NAME_RESOLUTION_FAILED", KindDNSFailure},
	{"net::ERR_ADDRESS_UNREACHABLE", KindHostUnreachable},
	{"net::ERR_SSL_VERSION_OR_CIPHER_MISMATCH", KindTLSFailure},
	{"net::ERR_SSL_PROTOCOL_ERROR", KindTLSFailure},
	{"net::ERR_TIMED_OUT", KindNavigationTimeout},
}

func chromeKind(err error) Kind {
	if err == nil {
		return KindOther
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNavigationTimeout
	}
	msg := err.Error()
	for _, c := range chromeNetCodes {
		if strings.Contains(msg, c.code) {
			return c.kind
		}
	}
	return KindOther
}

func netKind(err error) Kind {
	if err == nil {
		return KindOther
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return KindNavigationTimeout
		}
		return KindDNSFailure
	}
	if isTLSError(err) {
		return KindTLSFailure
	}
	if errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return KindHostUnreachable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNavigationTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindNavigationTimeout
	}
	return KindOther
}

// isTLSError matches handshake and protocol failures only. Certificate
// verification errors are not downgraded; Chrome reports those as
// net::ERR_CERT_* and both drivers classify them as Other.
func isTLSError(err error) bool {
	var (
		alert  tls.AlertError
		header tls.RecordHeaderError
	)
	return errors.As(err, &alert) || errors.As(err, &header)
}
