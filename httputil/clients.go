package httputil

import (
	"crypto/tls"
	"net/http"
	"net/url"
	"time"
)

// NewProxiedClient builds an HTTP client that routes through the given
// egress proxy. HTTP/2 is disabled because several portals fingerprint
// h2 traffic from datacenter ranges.
func NewProxiedClient(proxyURL string, timeout time.Duration) (*http.Client, error) {
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		Proxy:             http.ProxyURL(parsed),
		ForceAttemptHTTP2: false,
		TLSNextProto:      make(map[string]func(string, *tls.Conn) http.RoundTripper),
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}

// NewDirectClient is for first-party endpoints (probe targets, APIs)
// that must not go through the scraping proxies.
func NewDirectClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
