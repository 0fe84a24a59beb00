package config

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/georgepadayatti/goxades/certvalidator/fetchers"
)

// DefaultHTTPTimeout is the request timeout, in seconds, when none is
// configured.
const DefaultHTTPTimeout = 30

// HTTPConfig configures the client shared by the TSA, OCSP and fetch
// paths.
type HTTPConfig struct {
	// Timeout is the overall request timeout in seconds.
	Timeout int `yaml:"timeout" json:"timeout,omitempty"`

	// DialTimeout bounds connection establishment, in seconds.
	DialTimeout int `yaml:"dial-timeout" json:"dial_timeout,omitempty"`

	// ProxyURL overrides the proxy taken from the environment.
	ProxyURL string `yaml:"proxy-url" json:"proxy_url,omitempty"`

	// MinTLSVersion is "1.2" or "1.3".
	MinTLSVersion string `yaml:"min-tls-version" json:"min_tls_version,omitempty"`

	UserAgent string `yaml:"user-agent" json:"user_agent,omitempty"`
}

var tlsVersions = map[string]uint16{
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	if c == nil {
		return nil
	}
	if c.Timeout < 0 {
		return NewConfigError("timeout", "must not be negative")
	}
	if c.DialTimeout < 0 {
		return NewConfigError("dial-timeout", "must not be negative")
	}
	if c.ProxyURL != "" {
		if err := checkHTTPURL(c.ProxyURL); err != nil {
			return invalid("proxy-url", err)
		}
	}
	if c.MinTLSVersion != "" {
		if _, ok := tlsVersions[c.MinTLSVersion]; !ok {
			return invalid("min-tls-version", fmt.Errorf("unsupported TLS version %q", c.MinTLSVersion))
		}
	}
	return nil
}

// Client builds the HTTP client. A nil configuration yields the defaults.
func (c *HTTPConfig) Client() (*http.Client, error) {
	hc := fetchers.DefaultHTTPClientConfig()
	hc.Timeout = DefaultHTTPTimeout * time.Second
	if c != nil {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if c.Timeout > 0 {
			hc.Timeout = time.Duration(c.Timeout) * time.Second
		}
		if c.DialTimeout > 0 {
			hc.DialTimeout = time.Duration(c.DialTimeout) * time.Second
		}
		hc.ProxyURL = c.ProxyURL
		if v, ok := tlsVersions[c.MinTLSVersion]; ok {
			hc.MinTLSVersion = v
		}
		if c.UserAgent != "" {
			hc.UserAgent = c.UserAgent
		}
	}
	return fetchers.NewHTTPClient(hc)
}
