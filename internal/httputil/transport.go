package httputil

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// DefaultTransportWithMinTLS12 returns a pooled HTTP transport that
// refuses TLS versions below 1.2.
func DefaultTransportWithMinTLS12() http.RoundTripper {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
}
