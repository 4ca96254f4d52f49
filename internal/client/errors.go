package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
)

// Failure kinds reported by DispatchError.Kind and the upstream error metric.
const (
	KindTimeout  = "timeout"
	KindCanceled = "canceled"
	KindDNS      = "dns"
	KindTLS      = "tls"
	KindConnect  = "connect"
	KindOther    = "other"
	// KindClientBody marks a round trip abandoned because the inbound request
	// body could not be read. The upstream is not at fault.
	KindClientBody = "client_body"
)

// DispatchError reports a failed upstream round trip. No response headers
// were received, so the caller may still answer the client.
type DispatchError struct {
	Method string
	Host   string
	Kind   string
	Err    error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s to %s (%s): %v", e.Method, e.Host, e.Kind, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Classify maps a round-trip error to one of the Kind constants.
func Classify(err error) string {
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindDNS
	}

	var (
		certErr      *tls.CertificateVerificationError
		unknownAuth  x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		invalidCert  x509.CertificateInvalidError
		recordHdrErr tls.RecordHeaderError
		alertErr     tls.AlertError
	)
	if errors.As(err, &certErr) || errors.As(err, &unknownAuth) || errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidCert) || errors.As(err, &recordHdrErr) || errors.As(err, &alertErr) {
		return KindTLS
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		// crypto/tls reports an alert sent by the peer as a "remote error"
		// wrapping an unexported alert type.
		if opErr.Op == "remote error" {
			return KindTLS
		}
		return KindConnect
	}

	return KindOther
}
