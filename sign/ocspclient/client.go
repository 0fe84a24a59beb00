package ocspclient

import (
	"bytes"
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/georgepadayatti/goxades/keys"
)

const (
	requestContentType  = "application/ocsp-request"
	responseContentType = "application/ocsp-response"

	// DefaultMaxResponseSize bounds the bytes read from a responder.
	DefaultMaxResponseSize = 10 * 1024 * 1024
)

// Client posts OCSP requests. It never retries; a failed exchange is
// reported to the caller, which decides whether to try another responder.
type Client struct {
	HTTPClient      *http.Client
	MaxResponseSize int64
	Logger          *zap.Logger
}

// NewClient creates a client using the transport's default timeouts.
func NewClient() *Client {
	return &Client{
		HTTPClient:      &http.Client{},
		MaxResponseSize: DefaultMaxResponseSize,
		Logger:          zap.NewNop(),
	}
}

// Send posts req to url and returns the raw response body.
func (c *Client) Send(ctx context.Context, url string, req *Request) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req.DER))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	httpReq.Header.Set("Content-Type", requestContentType)
	httpReq.Header.Set("Accept", responseContentType)

	c.logger().Debug("sending OCSP request", zap.String("url", url), zap.String("serial", req.SerialNumber.String()))

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: HTTP %d from %s", ErrProtocol, resp.StatusCode, url)
	}

	limit := c.MaxResponseSize
	if limit <= 0 {
		limit = DefaultMaxResponseSize
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrTransport, err)
	}
	return body, nil
}

// Check builds a request for subject, sends it to url and parses the answer.
func (c *Client) Check(ctx context.Context, url string, subject, issuer *x509.Certificate, requestor *pkix.Name, signer keys.Signer) (*Response, error) {
	req, err := BuildRequest(subject, issuer, requestor, signer)
	if err != nil {
		return nil, err
	}
	raw, err := c.Send(ctx, url, req)
	if err != nil {
		return nil, err
	}
	resp, err := ParseResponse(raw, req.Nonce, subject, issuer)
	if err != nil {
		return nil, err
	}
	c.logger().Debug("OCSP status received",
		zap.String("url", url),
		zap.String("serial", subject.SerialNumber.String()),
		zap.Stringer("status", resp.Status))
	return resp, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		return http.DefaultClient
	}
	return c.HTTPClient
}

func (c *Client) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
