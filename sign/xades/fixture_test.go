package xades

import (
	"context"
	"crypto/x509"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/georgepadayatti/goxades/generated/etsi"
	"github.com/georgepadayatti/goxades/internal/testpki"
	"github.com/georgepadayatti/goxades/sign/ocspclient"
	"github.com/georgepadayatti/goxades/sign/timestamps"
)

// pki is Root -> CA -> {signer, TSA}.
type pki struct {
	root   *testpki.Identity
	ca     *testpki.Identity
	signer *testpki.Identity
	tsa    *testpki.Identity
	ts     *timestamps.DummyTimeStamper
}

func newPKI(t *testing.T) *pki {
	t.Helper()
	root := testpki.NewRoot(t, "XAdES Test Root")
	ca := root.NewCA(t, "XAdES Test CA")
	tsa := ca.NewTSA(t, "XAdES Test TSA")
	return &pki{
		root:   root,
		ca:     ca,
		signer: ca.NewLeaf(t, "XAdES Test Signer"),
		tsa:    tsa,
		ts:     timestamps.NewDummyTimeStamper(tsa.Cert, tsa.Key).WithCertsToEmbed([]*x509.Certificate{ca.Cert}),
	}
}

func (p *pki) params(t *testing.T, packaging Packaging) *SignatureParameters {
	t.Helper()
	return &SignatureParameters{
		Signer:    p.signer.Signer(t, p.ca.Cert),
		Packaging: packaging,
	}
}

// crls returns current lists from the root and the CA, the latter
// revoking revoked.
func (p *pki) crls(t *testing.T, revoked ...*x509.Certificate) []*x509.RevocationList {
	t.Helper()
	now := time.Now()
	return []*x509.RevocationList{
		p.root.CRL(t, now.Add(-time.Hour), now.Add(24*time.Hour)),
		p.ca.CRL(t, now.Add(-time.Hour), now.Add(24*time.Hour), revoked...),
	}
}

func (p *pki) upgradeParams(t *testing.T) *UpgradeParameters {
	t.Helper()
	return &UpgradeParameters{
		Timestamper:       p.ts,
		ExtraCertificates: []*x509.Certificate{p.root.Cert},
	}
}

// responder serves OCSP for certificates issued by the CA.
func (p *pki) responder(t *testing.T, status ocspclient.Status) (*ocspclient.DummyResponder, string) {
	t.Helper()
	r := ocspclient.NewDummyResponder(p.ca.Cert, p.ca.Cert, p.ca.Key)
	r.DefaultStatus = status
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return r, srv.URL
}

func sign(t *testing.T, e *Engine, content []byte, params *SignatureParameters) *SignatureDocument {
	t.Helper()
	doc, err := e.Sign(context.Background(), content, params)
	require.NoError(t, err)
	return doc
}

func requireValid(t *testing.T, e *Engine, doc *SignatureDocument) {
	t.Helper()
	res := e.Validate(context.Background(), doc)
	require.True(t, res.Valid, res.Reason)
}

// reload serialises doc and loads the signature with the same id.
func reload(t *testing.T, doc *SignatureDocument) *SignatureDocument {
	t.Helper()
	raw, err := doc.Bytes()
	require.NoError(t, err)
	docs, err := Load(raw)
	require.NoError(t, err)
	for _, d := range docs {
		if d.SignatureID() == doc.SignatureID() {
			return d
		}
	}
	t.Fatalf("signature %s not found after reload", doc.SignatureID())
	return nil
}

func unsignedProperties(t *testing.T, doc *SignatureDocument) *etsi.UnsignedSignatureProperties {
	t.Helper()
	qp, err := doc.QualifyingProperties()
	require.NoError(t, err)
	require.NotNil(t, qp.UnsignedProperties)
	require.NotNil(t, qp.UnsignedProperties.UnsignedSignatureProperties)
	return qp.UnsignedProperties.UnsignedSignatureProperties
}

func certificateValues(t *testing.T, usp *etsi.UnsignedSignatureProperties) []*x509.Certificate {
	t.Helper()
	require.NotNil(t, usp.CertificateValues)
	var out []*x509.Certificate
	for _, enc := range usp.CertificateValues.EncapsulatedX509Certificate {
		der, err := enc.Bytes()
		require.NoError(t, err)
		cert, err := x509.ParseCertificate(der)
		require.NoError(t, err)
		out = append(out, cert)
	}
	return out
}
