package ades

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/xml"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateTestCert(t *testing.T) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(4242),
		Subject: pkix.Name{
			Organization: []string{"Test Org"},
			CommonName:   "Test Certificate",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func passed(id string) *SignatureInfo {
	return &SignatureInfo{ID: id, SignatureLevel: LevelBES, Conclusion: NewValidationConclusion(IndicationPassed, "")}
}

func TestValidationConclusion(t *testing.T) {
	c := NewValidationConclusion(IndicationFailed, SubIndicationHashFailure)
	c.AddError("validation", "digest mismatch")
	c.AddWarning("trust", "not evaluated")

	assert.True(t, c.IsFailed())
	assert.False(t, c.IsPassed())
	require.Len(t, c.Errors, 1)
	assert.Equal(t, "digest mismatch", c.Errors[0].Value)
	require.Len(t, c.Warnings, 1)

	var nilConclusion *ValidationConclusion
	assert.False(t, nilConclusion.IsPassed())
	assert.False(t, nilConclusion.IsFailed())
}

func TestNewCertificateInfo(t *testing.T) {
	cert := generateTestCert(t)
	info := NewCertificateInfo(cert)

	assert.Contains(t, info.Subject, "Test Certificate")
	assert.Equal(t, "4242", info.SerialNumber)
	assert.False(t, info.IsCA)
	assert.Equal(t, []string{"digitalSignature", "contentCommitment"}, info.KeyUsage)
	assert.Equal(t, []string{"emailProtection"}, info.ExtendedKeyUsage)

	assert.True(t, info.IsValidAt(time.Now()))
	assert.False(t, info.IsValidAt(time.Now().Add(-48*time.Hour)))
	assert.False(t, info.IsValidAt(time.Now().Add(2*365*24*time.Hour)))
}

func TestDetectLevel(t *testing.T) {
	now := time.Now()
	sts := &TimestampInfo{Type: TimestampSignature, ProductionTime: now}
	refs := &TimestampInfo{Type: TimestampSigAndRefs, ProductionTime: now}
	certs := []*CertificateInfo{{Subject: "CN=CA"}}
	revs := []*RevocationInfo{{Type: RevocationCRL, ProductionTime: now}}

	tests := []struct {
		name string
		sig  *SignatureInfo
		want string
	}{
		{"bare", &SignatureInfo{}, LevelBES},
		{"timestamped", &SignatureInfo{Timestamps: []*TimestampInfo{sts}}, LevelT},
		{"refs timestamp only", &SignatureInfo{Timestamps: []*TimestampInfo{refs}}, LevelBES},
		{"values without refs timestamp", &SignatureInfo{
			Timestamps:        []*TimestampInfo{sts},
			CertificateValues: certs,
			RevocationData:    revs,
		}, LevelT},
		{"complete", &SignatureInfo{
			Timestamps:        []*TimestampInfo{sts, refs},
			CertificateValues: certs,
			RevocationData:    revs,
		}, LevelXL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectLevel(tt.sig))
		})
	}
}

func TestValidationReportConclusion(t *testing.T) {
	r := NewValidationReport("report-1", time.Now())
	assert.Equal(t, IndicationIndeterminate, r.Conclusion.Indication)
	assert.Equal(t, SubIndicationSignedDataNotFound, r.Conclusion.SubIndication)

	r.AddSignature(passed("sig-1"))
	assert.True(t, r.Conclusion.IsPassed())

	r.AddSignature(&SignatureInfo{
		ID:         "sig-2",
		Conclusion: NewValidationConclusion(IndicationIndeterminate, SubIndicationNoSignerCertFound),
	})
	assert.Equal(t, IndicationIndeterminate, r.Conclusion.Indication)
	assert.Equal(t, SubIndicationNoSignerCertFound, r.Conclusion.SubIndication)

	r.AddSignature(&SignatureInfo{
		ID:         "sig-3",
		Conclusion: NewValidationConclusion(IndicationFailed, SubIndicationSigCryptoFailure),
	})
	assert.Equal(t, IndicationFailed, r.Conclusion.Indication)
	assert.Equal(t, SubIndicationNoSignerCertFound, r.Conclusion.SubIndication)

	assert.Equal(t, 1, r.PassedCount())
	assert.Equal(t, 1, r.FailedCount())
}

func TestValidationReportJSON(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewValidationReport("report-1", at)
	sig := passed("sig-1")
	sig.SignerCertificate = NewCertificateInfo(generateTestCert(t))
	r.AddSignature(sig)

	data, err := r.ToJSON()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "report-1", decoded["id"])
	assert.Equal(t, "2024-03-01T12:00:00Z", decoded["validationTime"])
	sigs, ok := decoded["signatures"].([]any)
	require.True(t, ok)
	require.Len(t, sigs, 1)
	first := sigs[0].(map[string]any)
	assert.Equal(t, LevelBES, first["signatureLevel"])
	assert.Contains(t, first, "signerCertificate")
}

func TestValidationReportXML(t *testing.T) {
	r := NewValidationReport("report-1", time.Now())
	r.AddSignature(passed("sig-1"))

	data, err := r.ToXML()
	require.NoError(t, err)

	var decoded struct {
		XMLName    xml.Name `xml:"ValidationReport"`
		ID         string   `xml:"Id,attr"`
		Signatures []struct {
			ID    string `xml:"Id,attr"`
			Level string `xml:"SignatureLevel"`
		} `xml:"Signatures>Signature"`
		Indication string `xml:"Conclusion>Indication"`
	}
	require.NoError(t, xml.Unmarshal(data, &decoded))
	assert.Equal(t, "report-1", decoded.ID)
	require.Len(t, decoded.Signatures, 1)
	assert.Equal(t, "sig-1", decoded.Signatures[0].ID)
	assert.Equal(t, LevelBES, decoded.Signatures[0].Level)
	assert.Equal(t, IndicationPassed, decoded.Indication)
}

func TestValidationReportText(t *testing.T) {
	r := NewValidationReport("report-1", time.Now())
	r.Document = &DocumentInfo{Filename: "invoice.xml", MimeType: "text/xml"}

	signingTime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	sig := passed("sig-1")
	sig.SigningTime = &signingTime
	sig.CommitmentTypes = []string{"proof-of-origin"}
	sig.CertificateValues = []*CertificateInfo{{Subject: "CN=Embedded CA"}}
	r.AddSignature(sig)

	failed := &SignatureInfo{
		ID:               "sig-2",
		SignatureLevel:   LevelT,
		CounterSignature: true,
		Conclusion:       NewValidationConclusion(IndicationFailed, SubIndicationSigCryptoFailure),
	}
	failed.Conclusion.AddError("validation", "signature verification failed")
	r.AddSignature(failed)

	text := r.ToText(false)
	assert.Contains(t, text, "Document: invoice.xml (text/xml)")
	assert.Contains(t, text, "Result: FAILED (SIG_CRYPTO_FAILURE)")
	assert.Contains(t, text, "Signatures: 2 total, 1 passed, 1 failed")
	assert.Contains(t, text, "Signing time: 2024-03-01T12:00:00Z")
	assert.Contains(t, text, "Commitments: proof-of-origin")
	assert.Contains(t, text, "Countersignature")
	assert.Contains(t, text, "ERROR: validation - signature verification failed")
	assert.NotContains(t, text, "Embedded CA")

	assert.Contains(t, r.ToText(true), "Certificate: CN=Embedded CA")
}
