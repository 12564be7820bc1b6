package xio

import (
	"crypto/tls"
	"fmt"
)

var tlsVersions = map[uint16]string{
	tls.VersionTLS10: "TLS1.0",
	tls.VersionTLS11: "TLS1.1",
	tls.VersionTLS12: "TLS1.2",
	tls.VersionTLS13: "TLS1.3",
}

// TLSInfo returns human-readable strings about a TLS connection state, for
// logging.
func TLSInfo(cs tls.ConnectionState) (version, ciphersuite string) {
	version, ok := tlsVersions[cs.Version]
	if !ok {
		version = fmt.Sprintf("TLS %x", cs.Version)
	}
	return version, tls.CipherSuiteName(cs.CipherSuite)
}
