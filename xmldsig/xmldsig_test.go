package xmldsig

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/georgepadayatti/goxades/generated/w3c"
	"github.com/georgepadayatti/goxades/internal/testpki"
	"github.com/georgepadayatti/goxades/sign/algorithms"
)

func parse(t *testing.T, s string) *etree.Document {
	t.Helper()
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(s))
	return doc
}

func TestCanonicalizeInheritsNamespaces(t *testing.T) {
	doc := parse(t, `<a:root xmlns:a="urn:a" xmlns:b="urn:b"><a:child>x</a:child></a:root>`)
	child := doc.Root().ChildElements()[0]

	exc, err := Canonicalize(child, w3c.AlgExcC14N)
	require.NoError(t, err)
	assert.Equal(t, `<a:child xmlns:a="urn:a">x</a:child>`, string(exc))

	inc, err := Canonicalize(child, w3c.AlgC14N)
	require.NoError(t, err)
	assert.Equal(t, `<a:child xmlns:a="urn:a" xmlns:b="urn:b">x</a:child>`, string(inc))

	// The source tree is left untouched.
	assert.Len(t, doc.Root().Attr, 2)

	_, err = Canonicalize(child, "urn:unknown")
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestTransformEnvelopedSignature(t *testing.T) {
	doc := parse(t, `<doc Id="d"><data>1</data><ds:Signature xmlns:ds="http://www.w3.org/2000/09/xmldsig#"><ds:SignedInfo></ds:SignedInfo></ds:Signature></doc>`)
	sig := doc.Root().ChildElements()[1]

	out, err := TransformElement(doc.Root(), sig, []w3c.Transform{
		{Algorithm: w3c.AlgEnvelopedSignature},
		{Algorithm: w3c.AlgExcC14N},
	})
	require.NoError(t, err)
	assert.Equal(t, `<doc Id="d"><data>1</data></doc>`, string(out))
	assert.Len(t, doc.Root().ChildElements(), 2, "source document keeps the signature")
}

func TestTransformBase64(t *testing.T) {
	doc := parse(t, `<DOCUMENT><CONTENT Id="c">aGVs
bG8=</CONTENT></DOCUMENT>`)
	out, err := TransformElement(FindByID(doc.Root(), "c"), nil, []w3c.Transform{{Algorithm: w3c.AlgBase64}})
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))
}

func TestTransformDefaultsToInclusiveC14N(t *testing.T) {
	doc := parse(t, `<root><item Id="i" b="2" a="1"/></root>`)
	out, err := TransformElement(FindByID(doc.Root(), "i"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, `<item Id="i" a="1" b="2"></item>`, string(out))
}

func TestTransformXPathSubtract(t *testing.T) {
	doc := parse(t, `<doc><keep>1</keep><secret>2</secret><nested><secret>3</secret></nested></doc>`)
	out, err := TransformElement(doc.Root(), nil, []w3c.Transform{
		{Algorithm: w3c.AlgXPathFilter2, XPath: []w3c.XPathFilter{{Filter: FilterSubtract, Value: "//secret"}}},
		{Algorithm: w3c.AlgC14N},
	})
	require.NoError(t, err)
	assert.Equal(t, `<doc><keep>1</keep><nested></nested></doc>`, string(out))

	_, err = TransformElement(doc.Root(), nil, []w3c.Transform{
		{Algorithm: w3c.AlgXPathFilter2, XPath: []w3c.XPathFilter{{Filter: FilterIntersect, Value: "//keep"}}},
	})
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestTransformOctets(t *testing.T) {
	out, err := TransformOctets([]byte(`<r b="1"  a="2"/>`), []w3c.Transform{{Algorithm: w3c.AlgC14N}})
	require.NoError(t, err)
	assert.Equal(t, `<r a="2" b="1"></r>`, string(out))

	raw, err := TransformOctets([]byte("binary"), nil)
	require.NoError(t, err)
	assert.Equal(t, "binary", string(raw))

	_, err = TransformOctets([]byte("x"), []w3c.Transform{{Algorithm: w3c.AlgEnvelopedSignature}})
	assert.ErrorIs(t, err, ErrMalformedSignature)
}

const signatureTemplate = `<root><data Id="data-1">payload</data>` +
	`<ds:Signature xmlns:ds="http://www.w3.org/2000/09/xmldsig#" Id="sig">` +
	`<ds:SignedInfo>` +
	`<ds:CanonicalizationMethod Algorithm="http://www.w3.org/2001/10/xml-exc-c14n#"/>` +
	`<ds:SignatureMethod Algorithm="SIGMETHOD"/>` +
	`<ds:Reference URI="#data-1"><ds:Transforms><ds:Transform Algorithm="http://www.w3.org/2001/10/xml-exc-c14n#"/></ds:Transforms>` +
	`<ds:DigestMethod Algorithm="http://www.w3.org/2001/04/xmlenc#sha256"/><ds:DigestValue></ds:DigestValue></ds:Reference>` +
	`<ds:Reference URI="https://example.test/file.bin">` +
	`<ds:DigestMethod Algorithm="http://www.w3.org/2001/04/xmlenc#sha256"/><ds:DigestValue></ds:DigestValue></ds:Reference>` +
	`</ds:SignedInfo><ds:SignatureValue></ds:SignatureValue></ds:Signature></root>`

func resolver(ctx context.Context, uri string) ([]byte, error) {
	if uri == "https://example.test/file.bin" {
		return []byte("external"), nil
	}
	return nil, errors.New("not found")
}

func ecdsaIdentity(t *testing.T) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: "ecdsa signer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}

func signedDocument(t *testing.T, method algorithms.SignatureAlgorithm, signer crypto.Signer) *etree.Document {
	t.Helper()
	doc := parse(t, strings.Replace(signatureTemplate, "SIGMETHOD", method.URI, 1))
	sig := FindByID(doc.Root(), "sig")
	require.NotNil(t, sig)

	require.NoError(t, DigestReferences(context.Background(), sig, resolver))
	require.NoError(t, Sign(sig, signer))

	// Verification always runs on a re-parsed copy.
	out, err := doc.WriteToBytes()
	require.NoError(t, err)
	back := etree.NewDocument()
	require.NoError(t, back.ReadFromBytes(out))
	return back
}

func TestSignAndVerify(t *testing.T) {
	root := testpki.NewRoot(t, "Root")
	leaf := root.NewLeaf(t, "Signer")
	ecCert, ecKey := ecdsaIdentity(t)

	tests := []struct {
		name   string
		method algorithms.SignatureAlgorithm
		cert   *x509.Certificate
		signer crypto.Signer
	}{
		{"RSA-SHA256", algorithms.RSASHA256, leaf.Cert, leaf.Key},
		{"RSA-SHA512", algorithms.RSASHA512, leaf.Cert, leaf.Key},
		{"ECDSA-SHA256", algorithms.ECDSASHA256, ecCert, ecKey},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			doc := signedDocument(t, tc.method, tc.signer)
			sig := FindByID(doc.Root(), "sig")
			require.NotNil(t, sig)

			refs := References(sig)
			require.Len(t, refs, 2)
			want := sha256.Sum256([]byte(`<data Id="data-1">payload</data>`))
			assert.Equal(t, base64.StdEncoding.EncodeToString(want[:]),
				ChildNS(refs[0], dsig.Namespace, dsig.DigestValueTag).Text())
			ext := sha256.Sum256([]byte("external"))
			assert.Equal(t, base64.StdEncoding.EncodeToString(ext[:]),
				ChildNS(refs[1], dsig.Namespace, dsig.DigestValueTag).Text())

			require.NoError(t, VerifyReferences(context.Background(), sig, resolver))
			require.NoError(t, VerifySignedInfo(sig, tc.cert))

			if tc.method.KeyType == x509.ECDSA {
				raw, err := w3c.DecodeBase64(ChildNS(sig, dsig.Namespace, dsig.SignatureValueTag).Text())
				require.NoError(t, err)
				assert.Len(t, raw, 64, "P-256 signatures are r||s")
			}
		})
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	root := testpki.NewRoot(t, "Root")
	leaf := root.NewLeaf(t, "Signer")
	other := root.NewLeaf(t, "Other")

	doc := signedDocument(t, algorithms.RSASHA256, leaf.Key)
	sig := FindByID(doc.Root(), "sig")

	assert.ErrorIs(t, VerifySignedInfo(sig, other.Cert), ErrSignatureInvalid)

	FindByID(doc.Root(), "data-1").SetText("changed")
	assert.ErrorIs(t, VerifyReferences(context.Background(), sig, resolver), ErrDigestMismatch)

	FindByID(doc.Root(), "data-1").CreateAttr("Id", "renamed")
	assert.ErrorIs(t, VerifyReferences(context.Background(), sig, resolver), ErrReferenceNotFound)

	assert.ErrorIs(t, VerifyReferences(context.Background(), sig, nil), ErrReferenceNotFound)
}

func TestKeyInfoCertificates(t *testing.T) {
	root := testpki.NewRoot(t, "Root")
	leaf := root.NewLeaf(t, "Signer")

	ki := &w3c.KeyInfo{}
	ki.AddX509Certificate(leaf.Cert.Raw)
	ki.AddX509Certificate(root.Cert.Raw)
	out, err := xml.Marshal(w3c.Signature{KeyInfo: ki})
	require.NoError(t, err)

	doc := parse(t, string(out))
	certs, err := KeyInfoCertificates(doc.Root())
	require.NoError(t, err)
	require.Len(t, certs, 2)
	assert.True(t, certs[0].Equal(leaf.Cert))
	assert.True(t, certs[1].Equal(root.Cert))
}
