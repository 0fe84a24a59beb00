// Package testpki builds throw-away certificate hierarchies for tests.
package testpki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/georgepadayatti/goxades/keys"
)

// Identity is a certificate and its private key.
type Identity struct {
	Cert *x509.Certificate
	Key  *rsa.PrivateKey
}

// Option adjusts a certificate template before issuance.
type Option func(*x509.Certificate)

// WithOCSP sets the AIA OCSP URLs.
func WithOCSP(urls ...string) Option {
	return func(c *x509.Certificate) { c.OCSPServer = urls }
}

// WithIssuerURL sets the AIA caIssuers URLs.
func WithIssuerURL(urls ...string) Option {
	return func(c *x509.Certificate) { c.IssuingCertificateURL = urls }
}

// WithCRLDistributionPoints sets the CRL distribution point URLs.
func WithCRLDistributionPoints(urls ...string) Option {
	return func(c *x509.Certificate) { c.CRLDistributionPoints = urls }
}

// WithExtKeyUsage sets the extended key usages.
func WithExtKeyUsage(usages ...x509.ExtKeyUsage) Option {
	return func(c *x509.Certificate) { c.ExtKeyUsage = usages }
}

// WithValidity overrides the validity window.
func WithValidity(notBefore, notAfter time.Time) Option {
	return func(c *x509.Certificate) {
		c.NotBefore = notBefore
		c.NotAfter = notAfter
	}
}

// NewRoot creates a self-signed root CA.
func NewRoot(t testing.TB, cn string, opts ...Option) *Identity {
	t.Helper()
	return issue(t, nil, caTemplate(cn), opts)
}

// NewCA issues a subordinate CA.
func (id *Identity) NewCA(t testing.TB, cn string, opts ...Option) *Identity {
	t.Helper()
	return issue(t, id, caTemplate(cn), opts)
}

// NewLeaf issues an end-entity certificate suitable for signing.
func (id *Identity) NewLeaf(t testing.TB, cn string, opts ...Option) *Identity {
	t.Helper()
	tmpl := baseTemplate(cn)
	tmpl.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment
	return issue(t, id, tmpl, opts)
}

// NewTSA issues a time-stamping certificate.
func (id *Identity) NewTSA(t testing.TB, cn string, opts ...Option) *Identity {
	t.Helper()
	tmpl := baseTemplate(cn)
	tmpl.KeyUsage = x509.KeyUsageDigitalSignature
	tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping}
	return issue(t, id, tmpl, opts)
}

// NewOCSPResponder issues a delegated OCSP signing certificate.
func (id *Identity) NewOCSPResponder(t testing.TB, cn string, opts ...Option) *Identity {
	t.Helper()
	tmpl := baseTemplate(cn)
	tmpl.KeyUsage = x509.KeyUsageDigitalSignature
	tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageOCSPSigning}
	return issue(t, id, tmpl, opts)
}

// Signer wraps the identity as a keys.Signer.
func (id *Identity) Signer(t testing.TB, chain ...*x509.Certificate) *keys.SimpleSigner {
	t.Helper()
	s, err := keys.NewSimpleSigner(id.Cert, id.Key, chain...)
	require.NoError(t, err)
	return s
}

// NewECSigner issues a P-256 end-entity certificate and returns it as a
// signer carrying id's certificate as its chain.
func (id *Identity) NewECSigner(t testing.TB, cn string) *keys.SimpleSigner {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := baseTemplate(cn)
	tmpl.KeyUsage = x509.KeyUsageDigitalSignature
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 63))
	require.NoError(t, err)
	tmpl.SerialNumber = serial

	der, err := x509.CreateCertificate(rand.Reader, tmpl, id.Cert, &key.PublicKey, id.Key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	s, err := keys.NewSimpleSigner(cert, key, id.Cert)
	require.NoError(t, err)
	return s
}

// CRL issues a revocation list listing revoked.
func (id *Identity) CRL(t testing.TB, thisUpdate, nextUpdate time.Time, revoked ...*x509.Certificate) *x509.RevocationList {
	t.Helper()
	tmpl := &x509.RevocationList{
		Number:     big.NewInt(time.Now().UnixNano()),
		ThisUpdate: thisUpdate,
		NextUpdate: nextUpdate,
	}
	for _, c := range revoked {
		tmpl.RevokedCertificateEntries = append(tmpl.RevokedCertificateEntries, x509.RevocationListEntry{
			SerialNumber:   c.SerialNumber,
			RevocationTime: thisUpdate.Add(-time.Minute),
		})
	}
	der, err := x509.CreateRevocationList(rand.Reader, tmpl, id.Cert, id.Key)
	require.NoError(t, err)
	crl, err := x509.ParseRevocationList(der)
	require.NoError(t, err)
	return crl
}

func baseTemplate(cn string) *x509.Certificate {
	now := time.Now()
	return &x509.Certificate{
		Subject: pkix.Name{
			CommonName:   cn,
			Organization: []string{"goxades test"},
			Country:      []string{"ES"},
		},
		NotBefore: now.Add(-24 * time.Hour),
		NotAfter:  now.Add(365 * 24 * time.Hour),
	}
}

func caTemplate(cn string) *x509.Certificate {
	tmpl := baseTemplate(cn)
	tmpl.IsCA = true
	tmpl.BasicConstraintsValid = true
	tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
	return tmpl
}

func issue(t testing.TB, parent *Identity, tmpl *x509.Certificate, opts []Option) *Identity {
	t.Helper()
	for _, opt := range opts {
		opt(tmpl)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 63))
	require.NoError(t, err)
	tmpl.SerialNumber = serial

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	issuerCert, issuerKey := tmpl, key
	if parent != nil {
		issuerCert, issuerKey = parent.Cert, parent.Key
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, issuerCert, &key.PublicKey, issuerKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &Identity{Cert: cert, Key: key}
}
