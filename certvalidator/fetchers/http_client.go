package fetchers

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"time"
)

// DefaultUserAgent identifies OCSP, timestamp and fetch requests.
const DefaultUserAgent = "goxades/1.0"

// HTTPClientConfig describes the HTTP client shared by the OCSP, TSA and
// fetch paths.
type HTTPClientConfig struct {
	// Timeout bounds a whole exchange. Zero leaves it to the transport.
	Timeout time.Duration

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration

	// ProxyURL replaces the proxy taken from the environment.
	ProxyURL string

	// MinTLSVersion for https endpoints.
	MinTLSVersion uint16

	// UserAgent is set on requests that carry none.
	UserAgent string
}

// DefaultHTTPClientConfig returns TLS 1.2, a 30s dial timeout and the
// default user agent.
func DefaultHTTPClientConfig() *HTTPClientConfig {
	return &HTTPClientConfig{
		DialTimeout:   30 * time.Second,
		MinTLSVersion: tls.VersionTLS12,
		UserAgent:     DefaultUserAgent,
	}
}

// NewHTTPClient builds the client. Only a malformed ProxyURL fails.
func NewHTTPClient(config *HTTPClientConfig) (*http.Client, error) {
	if config == nil {
		config = DefaultHTTPClientConfig()
	}

	proxy := http.ProxyFromEnvironment
	if config.ProxyURL != "" {
		u, err := url.Parse(config.ProxyURL)
		if err != nil {
			return nil, err
		}
		proxy = http.ProxyURL(u)
	}

	dialer := &net.Dialer{Timeout: config.DialTimeout, KeepAlive: 30 * time.Second}
	var rt http.RoundTripper = &http.Transport{
		Proxy:               proxy,
		DialContext:         dialer.DialContext,
		TLSClientConfig:     &tls.Config{MinVersion: config.MinTLSVersion},
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if config.UserAgent != "" {
		rt = &userAgentTransport{next: rt, agent: config.UserAgent}
	}
	return &http.Client{Transport: rt, Timeout: config.Timeout}, nil
}

type userAgentTransport struct {
	next  http.RoundTripper
	agent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.next.RoundTrip(req)
	}
	// A RoundTripper must not modify the caller's request.
	r := req.Clone(req.Context())
	r.Header.Set("User-Agent", t.agent)
	return t.next.RoundTrip(r)
}

// BaseTransport returns the *http.Transport beneath the user agent layer
// of a client built by NewHTTPClient, or nil.
func BaseTransport(client *http.Client) *http.Transport {
	rt := client.Transport
	if ua, ok := rt.(*userAgentTransport); ok {
		rt = ua.next
	}
	t, _ := rt.(*http.Transport)
	return t
}
