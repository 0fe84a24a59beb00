package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/georgepadayatti/goxades/certvalidator/fetchers"
	"github.com/georgepadayatti/goxades/keys"
	"github.com/georgepadayatti/goxades/sign/algorithms"
	"github.com/georgepadayatti/goxades/sign/timestamps"
	"github.com/georgepadayatti/goxades/sign/xades"
)

// UpgradeConfig holds the sources used to add timestamps and
// validation data.
type UpgradeConfig struct {
	// Level is "T" or "XL".
	Level     string           `yaml:"level" json:"level,omitempty"`
	Timestamp *TimestampConfig `yaml:"timestamp" json:"timestamp,omitempty"`
	Digest    string           `yaml:"digest" json:"digest,omitempty"`

	OCSPServers []string `yaml:"ocsp-servers" json:"ocsp_servers,omitempty"`
	// OCSPFromCertificate consults the AIA OCSP URL before OCSPServers.
	OCSPFromCertificate bool `yaml:"ocsp-from-certificate" json:"ocsp_from_certificate,omitempty"`

	CRLFiles []string `yaml:"crl-files" json:"crl_files,omitempty"`
	CRLURLs  []string `yaml:"crl-urls" json:"crl_urls,omitempty"`
	// CRLFromCertificate downloads the CRLs named in the distribution
	// points of the signature's certificates.
	CRLFromCertificate bool `yaml:"crl-from-certificate" json:"crl_from_certificate,omitempty"`

	// ExtraCerts are certificate files added to the chain-building pool.
	ExtraCerts          []string `yaml:"extra-certs" json:"extra_certs,omitempty"`
	FetchMissingIssuers bool     `yaml:"fetch-missing-issuers" json:"fetch_missing_issuers,omitempty"`
}

// TimestampConfig contains timestamp service configuration.
type TimestampConfig struct {
	// URL is the timestamp service URL.
	URL string `yaml:"url" json:"url"`

	// Username for HTTP authentication.
	Username string `yaml:"username" json:"username,omitempty"`

	// Password for HTTP authentication.
	Password string `yaml:"password" json:"password,omitempty"`

	// Timeout is the request timeout in seconds.
	Timeout int `yaml:"timeout" json:"timeout,omitempty"`
}

// Validate validates the timestamp configuration.
func (c *TimestampConfig) Validate() error {
	if c.URL == "" {
		return NewConfigError("url", "timestamp URL is required")
	}
	if err := checkHTTPURL(c.URL); err != nil {
		return invalid("url", err)
	}
	if c.Timeout < 0 {
		return NewConfigError("timeout", "must not be negative")
	}
	return nil
}

// Timestamper builds the HTTP client for the TSA.
func (c *TimestampConfig) Timestamper(logger *zap.Logger) *timestamps.HTTPTimestamper {
	ts := timestamps.NewHTTPTimestamper(c.URL)
	if c.Username != "" {
		ts.SetCredentials(c.Username, c.Password)
	}
	if c.Timeout > 0 {
		ts.HTTPClient.Timeout = time.Duration(c.Timeout) * time.Second
	}
	if logger != nil {
		ts.Logger = logger
	}
	return ts
}

// Validate checks the configuration without touching files or network.
func (c *UpgradeConfig) Validate() error {
	if c.Level != "" {
		if _, err := xades.ParseLevel(c.Level); err != nil {
			return invalid("level", err)
		}
	}
	if c.Timestamp != nil {
		if err := c.Timestamp.Validate(); err != nil {
			return within("timestamp", err)
		}
	}
	if c.Digest != "" {
		if _, err := algorithms.DigestByName(c.Digest); err != nil {
			return invalid("digest", err)
		}
	}
	for i, u := range c.OCSPServers {
		if err := checkHTTPURL(u); err != nil {
			return invalid(fmt.Sprintf("ocsp-servers[%d]", i), err)
		}
	}
	for i, u := range c.CRLURLs {
		if _, err := url.Parse(u); err != nil {
			return invalid(fmt.Sprintf("crl-urls[%d]", i), err)
		}
	}
	return nil
}

// TargetLevel returns the configured level, XL when unset.
func (c *UpgradeConfig) TargetLevel() xades.Level {
	if c.Level == "" {
		return xades.LevelXL
	}
	level, _ := xades.ParseLevel(c.Level)
	return level
}

// Parameters loads CRL and certificate files, downloads CRLURLs through
// fetcher and assembles the upgrade parameters.
func (c *UpgradeConfig) Parameters(ctx context.Context, fetcher *fetchers.Fetcher, logger *zap.Logger) (*xades.UpgradeParameters, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &xades.UpgradeParameters{
		GetOCSPURLFromCertificate: c.OCSPFromCertificate,
		FetchMissingIssuers:       c.FetchMissingIssuers,
	}
	if c.Timestamp != nil {
		p.Timestamper = c.Timestamp.Timestamper(logger)
	}
	if c.Digest != "" {
		p.DigestMethod, _ = algorithms.DigestByName(c.Digest)
	}
	for _, u := range c.OCSPServers {
		p.OCSPServers = append(p.OCSPServers, xades.OCSPServer{URL: u})
	}

	certs, err := keys.LoadCertsFromPemDerFiles(c.ExtraCerts)
	if err != nil {
		return nil, &ConfigError{Field: "upgrade.extra-certs", Message: err.Error(), Err: err}
	}
	p.ExtraCertificates = certs

	for i, file := range c.CRLFiles {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, &ConfigError{Field: fmt.Sprintf("upgrade.crl-files[%d]", i), Message: err.Error(), Err: err}
		}
		crl, err := fetchers.ParseCRL(data)
		if err != nil {
			return nil, invalid(fmt.Sprintf("upgrade.crl-files[%d]", i), err)
		}
		p.CRLs = append(p.CRLs, crl)
	}
	if len(c.CRLURLs) > 0 {
		if fetcher == nil {
			cfg := fetchers.DefaultConfig()
			cfg.Logger = logger
			fetcher = fetchers.NewFetcher(cfg)
		}
		crls := fetchers.NewCRLFetcher(fetcher)
		for _, u := range c.CRLURLs {
			crl, err := crls.FetchCRL(ctx, u)
			if err != nil {
				return nil, fmt.Errorf("downloading CRL %s: %w", u, err)
			}
			logger.Debug("CRL downloaded", zap.String("url", u), zap.String("issuer", crl.Issuer.String()))
			p.CRLs = append(p.CRLs, crl)
		}
	}
	return p, nil
}

func checkHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return nil
	default:
		return fmt.Errorf("%q is not an http(s) URL", raw)
	}
}
