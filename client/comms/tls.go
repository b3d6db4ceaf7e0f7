// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package comms

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"

	"jitdex.org/jitmaker/dex"
)

// ErrInvalidCert is returned when a provided certificate cannot be added to
// the root CA pool.
const ErrInvalidCert = dex.ErrorKind("invalid certificate")

// TLSConfig prepares a *tls.Config struct using the provided cert. A nil
// config is returned for an empty cert so that the system roots are used.
func TLSConfig(URL string, cert []byte) (*tls.Config, error) {
	if len(cert) == 0 {
		return nil, nil
	}

	uri, err := url.Parse(URL)
	if err != nil {
		return nil, fmt.Errorf("error parsing URL: %w", err)
	}

	rootCAs, _ := x509.SystemCertPool()
	if rootCAs == nil {
		rootCAs = x509.NewCertPool()
	}

	if ok := rootCAs.AppendCertsFromPEM(cert); !ok {
		return nil, ErrInvalidCert
	}

	return &tls.Config{
		RootCAs:    rootCAs,
		MinVersion: tls.VersionTLS12,
		ServerName: uri.Hostname(),
	}, nil
}

// loadCert reads the certificate file, if one is specified.
func loadCert(certFile string) ([]byte, error) {
	if certFile == "" {
		return nil, nil
	}
	b, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("error reading certificate %q: %w", certFile, err)
	}
	return b, nil
}
