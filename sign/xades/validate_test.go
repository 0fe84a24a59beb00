package xades

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/georgepadayatti/goxades/generated/etsi"
)

func encapsulatedTimeStamp(t *testing.T, doc *SignatureDocument) *etree.Element {
	t.Helper()
	stamps := doc.signatureTimeStamps()
	require.Len(t, stamps, 1)
	el := childNS(stamps[0], etsi.XAdESNamespace, "EncapsulatedTimeStamp")
	require.NotNil(t, el)
	return el
}

func TestValidateNoSignature(t *testing.T) {
	res := NewEngine().Validate(context.Background(), nil)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonNoSignature, res.Reason)
}

func TestValidateTimestampMismatch(t *testing.T) {
	p := newPKI(t)
	e := NewEngine()
	a := detachedSignature(t, p, e)
	b := detachedSignature(t, p, e)
	require.NoError(t, e.UpgradeToT(context.Background(), a, p.upgradeParams(t)))
	require.NoError(t, e.UpgradeToT(context.Background(), b, p.upgradeParams(t)))

	encapsulatedTimeStamp(t, a).SetText(encapsulatedTimeStamp(t, b).Text())

	res := e.Validate(context.Background(), a)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonTimeStampMismatch, res.Reason)
}

func TestValidateUnreadableTimestamp(t *testing.T) {
	p := newPKI(t)
	e := NewEngine()
	doc := detachedSignature(t, p, e)
	require.NoError(t, e.UpgradeToT(context.Background(), doc, p.upgradeParams(t)))

	encapsulatedTimeStamp(t, doc).SetText(base64.StdEncoding.EncodeToString([]byte("not a token")))

	res := e.Validate(context.Background(), doc)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonUnreadableTimeStamp, res.Reason)
}

func TestValidateSigningCertificateMismatch(t *testing.T) {
	p := newPKI(t)
	e := NewEngine()
	doc := detachedSignature(t, p, e)

	first := doc.Signature().FindElement(".//X509Certificate")
	require.NotNil(t, first)
	first.SetText(base64.StdEncoding.EncodeToString(p.ca.Cert.Raw))

	res := e.Validate(context.Background(), doc)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonSigningCertificate, res.Reason)
}

func TestValidateMissingKeyInfo(t *testing.T) {
	p := newPKI(t)
	e := NewEngine()
	doc := detachedSignature(t, p, e)

	ki := doc.Signature().FindElement("./KeyInfo")
	require.NotNil(t, ki)
	doc.Signature().RemoveChild(ki)

	res := e.Validate(context.Background(), doc)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonNoCertificate, res.Reason)
}

func TestValidateSignatureValueTampered(t *testing.T) {
	p := newPKI(t)
	e := NewEngine()
	doc := detachedSignature(t, p, e)

	sv := doc.SignatureValue()
	raw, err := base64.StdEncoding.DecodeString(sv.Text())
	require.NoError(t, err)
	raw[0] ^= 0xff
	sv.SetText(base64.StdEncoding.EncodeToString(raw))

	res := e.Validate(context.Background(), doc)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonSignatureInvalid, res.Reason)
}
