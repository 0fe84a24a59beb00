package etsi

import (
	"encoding/xml"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/georgepadayatti/goxades/generated/w3c"
)

func TestNewQualifyingProperties(t *testing.T) {
	qp := NewQualifyingProperties("Signature-1")
	assert.Equal(t, "#Signature-1", qp.Target)
	require.NotNil(t, qp.SignedProperties)
	require.NotNil(t, qp.SignedProperties.SignedSignatureProperties)
	require.NotNil(t, qp.UnsignedProperties)
	require.NotNil(t, qp.UnsignedProperties.UnsignedSignatureProperties)
}

func TestQualifyingPropertiesRoundTrip(t *testing.T) {
	signingTime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	qp := NewQualifyingProperties("Signature-1")
	qp.SignedProperties.ID = "SignedProperties-1"
	ssp := qp.SignedProperties.SignedSignatureProperties
	ssp.SigningTime = &signingTime
	ssp.SigningCertificate = &SigningCertificate{Cert: []CertIDType{{
		CertDigest: NewDigestAlgAndValue("http://www.w3.org/2001/04/xmlenc#sha256", []byte{0xAA}),
		IssuerSerial: w3c.X509IssuerSerial{
			X509IssuerName:   "CN=Root,O=Test",
			X509SerialNumber: "42",
		},
	}}}
	ssp.SignaturePolicyIdentifier = &SignaturePolicyIdentifier{SignaturePolicyImplied: &Empty{}}
	ssp.SignerRole = &SignerRole{ClaimedRoles: &ClaimedRolesListType{
		ClaimedRole: []AnyType{NewTextAny("Buyer & <Seller>")},
	}}
	ssp.SignatureProductionPlace = &SignatureProductionPlace{City: "Madrid", CountryName: "ES"}
	qp.SignedProperties.SignedDataObjectProperties = &SignedDataObjectProperties{
		DataObjectFormat: []DataObjectFormat{{ObjectReference: "#Reference-1", MimeType: "text/plain"}},
		CommitmentTypeIndication: []CommitmentTypeIndication{{
			CommitmentTypeID:     ObjectIdentifierType{Identifier: IdentifierType{Value: CommitmentProofOfOrigin}},
			AllSignedDataObjects: &Empty{},
		}},
	}

	out, err := xml.Marshal(qp)
	require.NoError(t, err)
	s := string(out)
	assert.Contains(t, s, `<SigningTime>2024-03-01T12:00:00Z</SigningTime>`)
	assert.Contains(t, s, `<SignaturePolicyImplied></SignaturePolicyImplied>`)
	assert.Contains(t, s, `Buyer &amp; &lt;Seller&gt;`)
	assert.Contains(t, s, `<X509IssuerName xmlns="http://www.w3.org/2000/09/xmldsig#">CN=Root,O=Test</X509IssuerName>`)
	assert.NotContains(t, s, "CounterSignature")

	var back QualifyingProperties
	require.NoError(t, xml.Unmarshal(out, &back))
	bssp := back.SignedProperties.SignedSignatureProperties
	require.NotNil(t, bssp.SigningTime)
	assert.True(t, signingTime.Equal(*bssp.SigningTime))
	assert.Equal(t, "42", bssp.SigningCertificate.Cert[0].IssuerSerial.X509SerialNumber)
	assert.NotNil(t, bssp.SignaturePolicyIdentifier.SignaturePolicyImplied)
	assert.Nil(t, bssp.SignaturePolicyIdentifier.SignaturePolicyID)
	assert.Equal(t, "Buyer & <Seller>", bssp.SignerRole.ClaimedRoles.ClaimedRole[0].Text())
	dof := back.SignedProperties.SignedDataObjectProperties.DataObjectFormat
	require.Len(t, dof, 1)
	assert.Equal(t, "text/plain", dof[0].MimeType)
	assert.Equal(t, "#Reference-1", dof[0].ObjectReference)
}

func TestUnsignedPropertiesParse(t *testing.T) {
	doc := `<xades:UnsignedProperties xmlns:xades="http://uri.etsi.org/01903/v1.3.2#" xmlns:ds="http://www.w3.org/2000/09/xmldsig#">
  <xades:UnsignedSignatureProperties>
    <xades:SignatureTimeStamp Id="ts1">
      <ds:CanonicalizationMethod Algorithm="http://www.w3.org/TR/2001/REC-xml-c14n-20010315"/>
      <xades:EncapsulatedTimeStamp>AQID</xades:EncapsulatedTimeStamp>
    </xades:SignatureTimeStamp>
    <xades:CertificateValues>
      <xades:EncapsulatedX509Certificate>BAU=</xades:EncapsulatedX509Certificate>
    </xades:CertificateValues>
  </xades:UnsignedSignatureProperties>
</xades:UnsignedProperties>`
	var up UnsignedProperties
	require.NoError(t, xml.Unmarshal([]byte(doc), &up))
	usp := up.UnsignedSignatureProperties
	require.Len(t, usp.SignatureTimeStamp, 1)
	token, err := usp.SignatureTimeStamp[0].Token()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, token)
	assert.Equal(t, w3c.AlgC14N, usp.SignatureTimeStamp[0].CanonicalizationMethod.Algorithm)
	require.NotNil(t, usp.CertificateValues)
	der, err := usp.CertificateValues.EncapsulatedX509Certificate[0].Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5}, der)
	assert.Empty(t, usp.SigAndRefsTimeStamp)
}

func TestCompleteRevocationRefsMarshal(t *testing.T) {
	refs := CompleteRevocationRefs{
		CRLRefs: &CRLRefsType{CRLRef: []CRLRefType{{
			DigestAlgAndValue: NewDigestAlgAndValue("http://www.w3.org/2001/04/xmlenc#sha256", []byte{1}),
			CRLIdentifier: &CRLIdentifierType{
				Issuer:    "CN=CA",
				IssueTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
				Number:    big.NewInt(7),
			},
		}}},
		OCSPRefs: &OCSPRefsType{OCSPRef: []OCSPRefType{{
			OCSPIdentifier: OCSPIdentifierType{
				ResponderID: ResponderIDType{ByName: "CN=Responder"},
				ProducedAt:  time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
			},
		}}},
	}
	out, err := xml.Marshal(refs)
	require.NoError(t, err)
	s := string(out)
	assert.True(t, strings.HasPrefix(s, `<CompleteRevocationRefs xmlns="http://uri.etsi.org/01903/v1.3.2#">`), s)
	assert.Contains(t, s, `<Number>7</Number>`)
	assert.Contains(t, s, `<ByName>CN=Responder</ByName>`)
	assert.NotContains(t, s, "ByKey")

	var back CompleteRevocationRefs
	require.NoError(t, xml.Unmarshal(out, &back))
	assert.Equal(t, int64(7), back.CRLRefs.CRLRef[0].CRLIdentifier.Number.Int64())
}

func TestSigAndRefsTimeStampElementName(t *testing.T) {
	ts := SigAndRefsTimeStamp{XAdESTimeStampType: XAdESTimeStampType{
		ID:                    "SigAndRefsTimeStamp-1",
		EncapsulatedTimeStamp: []EncapsulatedPKIDataType{{Value: "AQID"}},
	}}
	out, err := xml.Marshal(ts)
	require.NoError(t, err)
	assert.Contains(t, string(out), `<SigAndRefsTimeStamp xmlns="http://uri.etsi.org/01903/v1.3.2#" Id="SigAndRefsTimeStamp-1">`)
	assert.Contains(t, string(out), `<EncapsulatedTimeStamp>AQID</EncapsulatedTimeStamp>`)
}
