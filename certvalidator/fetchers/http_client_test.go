package fetchers

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPClient(t *testing.T) {
	t.Run("DefaultConfig", func(t *testing.T) {
		client, err := NewHTTPClient(nil)
		require.NoError(t, err)
		transport := BaseTransport(client)
		require.NotNil(t, transport)
		assert.Equal(t, uint16(tls.VersionTLS12), transport.TLSClientConfig.MinVersion)
		assert.Zero(t, client.Timeout)
	})

	t.Run("Timeout", func(t *testing.T) {
		config := DefaultHTTPClientConfig()
		config.Timeout = 5 * time.Second
		client, err := NewHTTPClient(config)
		require.NoError(t, err)
		assert.Equal(t, 5*time.Second, client.Timeout)
	})

	t.Run("Proxy", func(t *testing.T) {
		config := DefaultHTTPClientConfig()
		config.ProxyURL = "http://proxy.example.test:3128"
		client, err := NewHTTPClient(config)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "http://crl.example.test/ca.crl", nil)
		proxy, err := BaseTransport(client).Proxy(req)
		require.NoError(t, err)
		assert.Equal(t, "proxy.example.test:3128", proxy.Host)
	})

	t.Run("BadProxy", func(t *testing.T) {
		config := DefaultHTTPClientConfig()
		config.ProxyURL = "://bad"
		_, err := NewHTTPClient(config)
		assert.Error(t, err)
	})

	t.Run("NoUserAgent", func(t *testing.T) {
		config := DefaultHTTPClientConfig()
		config.UserAgent = ""
		client, err := NewHTTPClient(config)
		require.NoError(t, err)
		_, ok := client.Transport.(*http.Transport)
		assert.True(t, ok)
	})
}

func TestUserAgentTransport(t *testing.T) {
	agents := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agents <- r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	config := DefaultHTTPClientConfig()
	config.UserAgent = "goxades-test"
	client, err := NewHTTPClient(config)
	require.NoError(t, err)

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "caller")
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "goxades-test", <-agents)
	assert.Equal(t, "caller", <-agents)
	assert.Equal(t, "caller", req.Header.Get("User-Agent"))
}
