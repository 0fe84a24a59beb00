// Package fetchers retrieves revocation lists, issuer certificates and
// detached content over HTTP(S) or from local file URIs.
package fetchers

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/digitorus/pkcs7"
	"go.uber.org/zap"

	"github.com/georgepadayatti/goxades/keys"
)

// Common errors
var (
	ErrFetchFailed          = errors.New("fetch failed")
	ErrUnsupportedScheme    = errors.New("unsupported URL scheme")
	ErrCRLParseFailed       = errors.New("CRL parse failed")
	ErrCertParseFailed      = errors.New("certificate parse failed")
	ErrNoDistributionPoints = errors.New("no CRL distribution points")
	ErrNoIssuerURL          = errors.New("no caIssuers URL")
)

// FetcherConfig configures the fetcher behavior.
type FetcherConfig struct {
	// HTTP client timeout
	Timeout time.Duration
	// Maximum response size in bytes
	MaxResponseSize int64
	// User-Agent header
	UserAgent string
	// AllowFileURLs permits file:// URIs in Fetch.
	AllowFileURLs bool

	// HTTPClient allows using a custom HTTP client, for example one
	// built with NewHTTPClient. If nil, a client with Timeout is created.
	HTTPClient *http.Client

	Logger *zap.Logger
}

// DefaultConfig returns the default fetcher configuration.
func DefaultConfig() *FetcherConfig {
	return &FetcherConfig{
		Timeout:         30 * time.Second,
		MaxResponseSize: 10 * 1024 * 1024, // 10 MB
		UserAgent:       DefaultUserAgent,
		AllowFileURLs:   true,
	}
}

// Fetcher performs single-shot GETs. Failures are returned to the caller;
// nothing is cached or retried.
type Fetcher struct {
	config *FetcherConfig
	client *http.Client
	logger *zap.Logger
}

// NewFetcher creates a new fetcher.
func NewFetcher(config *FetcherConfig) *Fetcher {
	if config == nil {
		config = DefaultConfig()
	}

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Fetcher{
		config: config,
		client: client,
		logger: logger,
	}
}

// Fetch returns the bytes behind urlStr.
func (f *Fetcher) Fetch(ctx context.Context, urlStr string) ([]byte, error) {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid URL: %v", ErrFetchFailed, err)
	}

	switch parsedURL.Scheme {
	case "http", "https":
		return f.fetchHTTP(ctx, urlStr)
	case "file":
		if !f.config.AllowFileURLs {
			return nil, fmt.Errorf("%w: file URLs are disabled", ErrUnsupportedScheme)
		}
		return f.fetchFile(parsedURL)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, parsedURL.Scheme)
	}
}

func (f *Fetcher) fetchHTTP(ctx context.Context, urlStr string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	if f.config.UserAgent != "" {
		req.Header.Set("User-Agent", f.config.UserAgent)
	}

	f.logger.Debug("fetching", zap.String("url", urlStr))

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d from %s", ErrFetchFailed, resp.StatusCode, urlStr)
	}

	return f.readLimited(resp.Body)
}

func (f *Fetcher) fetchFile(u *url.URL) ([]byte, error) {
	path := u.Path
	if path == "" {
		path = u.Opaque
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer file.Close()
	return f.readLimited(file)
}

func (f *Fetcher) readLimited(r io.Reader) ([]byte, error) {
	limit := f.config.MaxResponseSize
	if limit <= 0 {
		limit = DefaultConfig().MaxResponseSize
	}
	data, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return data, nil
}

// CRLFetcher fetches Certificate Revocation Lists.
type CRLFetcher struct {
	fetcher *Fetcher
}

// NewCRLFetcher creates a CRL fetcher on top of f.
func NewCRLFetcher(f *Fetcher) *CRLFetcher {
	return &CRLFetcher{fetcher: f}
}

// FetchCRL fetches a DER or PEM CRL from a URL.
func (f *CRLFetcher) FetchCRL(ctx context.Context, urlStr string) (*x509.RevocationList, error) {
	data, err := f.fetcher.Fetch(ctx, urlStr)
	if err != nil {
		return nil, err
	}
	return ParseCRL(data)
}

// FetchCRLsForCert fetches the CRLs named in cert's distribution points.
func (f *CRLFetcher) FetchCRLsForCert(ctx context.Context, cert *x509.Certificate) ([]*x509.RevocationList, error) {
	if len(cert.CRLDistributionPoints) == 0 {
		return nil, ErrNoDistributionPoints
	}

	var crls []*x509.RevocationList
	var lastErr error

	for _, dp := range cert.CRLDistributionPoints {
		crl, err := f.FetchCRL(ctx, dp)
		if err != nil {
			lastErr = err
			continue
		}
		crls = append(crls, crl)
	}

	if len(crls) == 0 && lastErr != nil {
		return nil, lastErr
	}

	return crls, nil
}

// CertFetcher fetches certificates.
type CertFetcher struct {
	fetcher *Fetcher
}

// NewCertFetcher creates a certificate fetcher on top of f.
func NewCertFetcher(f *Fetcher) *CertFetcher {
	return &CertFetcher{fetcher: f}
}

// FetchCertificates fetches a DER, PEM or PKCS#7 certs-only bundle.
func (f *CertFetcher) FetchCertificates(ctx context.Context, urlStr string) ([]*x509.Certificate, error) {
	data, err := f.fetcher.Fetch(ctx, urlStr)
	if err != nil {
		return nil, err
	}
	return ParseCertificates(data)
}

// FetchIssuingCertificate downloads cert's issuer from its caIssuers URLs.
// Only a certificate whose key verifies cert's signature is returned.
func (f *CertFetcher) FetchIssuingCertificate(ctx context.Context, cert *x509.Certificate) (*x509.Certificate, error) {
	if len(cert.IssuingCertificateURL) == 0 {
		return nil, ErrNoIssuerURL
	}

	lastErr := fmt.Errorf("%w: no issuer for %s", ErrFetchFailed, cert.Subject)
	for _, u := range cert.IssuingCertificateURL {
		candidates, err := f.FetchCertificates(ctx, u)
		if err != nil {
			lastErr = err
			continue
		}
		for _, c := range candidates {
			if cert.CheckSignatureFrom(c) == nil {
				return c, nil
			}
		}
	}
	return nil, lastErr
}

// ParseCRL decodes a DER or PEM revocation list.
func ParseCRL(data []byte) (*x509.RevocationList, error) {
	der := data
	if block := pemBlock(data, "X509 CRL"); block != nil {
		der = block
	}
	crl, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCRLParseFailed, err)
	}
	return crl, nil
}

// ParseCertificates decodes DER, PEM or a PKCS#7 certs-only structure
// (the usual .p7c served at caIssuers URLs).
func ParseCertificates(data []byte) ([]*x509.Certificate, error) {
	if certs, err := keys.LoadCertsFromPemDerData(data); err == nil && len(certs) > 0 {
		return certs, nil
	}
	p7, err := pkcs7.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertParseFailed, err)
	}
	if len(p7.Certificates) == 0 {
		return nil, ErrCertParseFailed
	}
	return p7.Certificates, nil
}

func pemBlock(data []byte, blockType string) []byte {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil
		}
		if block.Type == blockType {
			return block.Bytes
		}
	}
}
