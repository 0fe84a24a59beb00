// Package etsi provides ETSI XML structures for electronic signatures.
//
// Implements the XAdES (XML Advanced Electronic Signatures) structures of
// ETSI TS 101 903 V1.3.2 needed for the BES, T and XL forms. Only the
// outermost element of each tree carries the namespace; nested elements
// inherit it on output and match any namespace on input.
package etsi

import (
	"encoding/xml"
	"math/big"
	"strings"
	"time"

	"github.com/georgepadayatti/goxades/generated/w3c"
)

// XAdES namespace
const XAdESNamespace = "http://uri.etsi.org/01903/v1.3.2#"

// Reference types used in ds:Reference/@Type.
const (
	TypeSignedProperties       = "http://uri.etsi.org/01903#SignedProperties"
	TypeCountersignedSignature = "http://uri.etsi.org/01903#CountersignedSignature"
	TypeObject                 = "http://www.w3.org/2000/09/xmldsig#Object"
)

// Commitment type URIs defined by TS 101 903.
const (
	CommitmentProofOfOrigin   = "http://uri.etsi.org/01903/v1.2.2#ProofOfOrigin"
	CommitmentProofOfReceipt  = "http://uri.etsi.org/01903/v1.2.2#ProofOfReceipt"
	CommitmentProofOfDelivery = "http://uri.etsi.org/01903/v1.2.2#ProofOfDelivery"
	CommitmentProofOfSender   = "http://uri.etsi.org/01903/v1.2.2#ProofOfSender"
	CommitmentProofOfApproval = "http://uri.etsi.org/01903/v1.2.2#ProofOfApproval"
	CommitmentProofOfCreation = "http://uri.etsi.org/01903/v1.2.2#ProofOfCreation"
)

// QualifierType represents the OID qualifier type.
type QualifierType string

const (
	QualifierOIDAsURI QualifierType = "OIDAsURI"
	QualifierOIDAsURN QualifierType = "OIDAsURN"
)

// Empty marks presence-only elements such as SignaturePolicyImplied.
type Empty struct{}

// AnyType contains wildcard content.
type AnyType struct {
	Content []byte `xml:",innerxml"`
}

// NewTextAny wraps plain text, escaping markup characters.
func NewTextAny(text string) AnyType {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(text))
	return AnyType{Content: []byte(b.String())}
}

// Text returns the content with markup unescaped, for text-only values.
func (a AnyType) Text() string {
	var out struct {
		Value string `xml:",chardata"`
	}
	if err := xml.Unmarshal([]byte("<v>"+string(a.Content)+"</v>"), &out); err != nil {
		return string(a.Content)
	}
	return out.Value
}

// EncapsulatedPKIDataType contains base64 encoded PKI data.
type EncapsulatedPKIDataType struct {
	Value    string `xml:",chardata"`
	ID       string `xml:"Id,attr,omitempty"`
	Encoding string `xml:"Encoding,attr,omitempty"`
}

// Bytes decodes the encapsulated value.
func (e EncapsulatedPKIDataType) Bytes() ([]byte, error) {
	return w3c.DecodeBase64(e.Value)
}

// DigestAlgAndValueType pairs a digest method with its value.
type DigestAlgAndValueType struct {
	DigestMethod *w3c.DigestMethod `xml:"http://www.w3.org/2000/09/xmldsig# DigestMethod"`
	DigestValue  *w3c.DigestValue  `xml:"http://www.w3.org/2000/09/xmldsig# DigestValue"`
}

// NewDigestAlgAndValue builds a DigestAlgAndValueType.
func NewDigestAlgAndValue(alg string, digest []byte) DigestAlgAndValueType {
	return DigestAlgAndValueType{
		DigestMethod: &w3c.DigestMethod{Algorithm: alg},
		DigestValue:  w3c.NewDigestValue(digest),
	}
}

// CertIDType identifies a certificate by digest and issuer/serial.
type CertIDType struct {
	CertDigest   DigestAlgAndValueType `xml:"CertDigest"`
	IssuerSerial w3c.X509IssuerSerial  `xml:"IssuerSerial"`
	URI          string                `xml:"URI,attr,omitempty"`
}

// CertIDListType is a list of certificate identifiers.
type CertIDListType struct {
	Cert []CertIDType `xml:"Cert"`
}

// SigningCertificate holds the signing certificate reference.
type SigningCertificate struct {
	Cert []CertIDType `xml:"Cert"`
}

// IdentifierType contains an identifier with qualifier.
type IdentifierType struct {
	Qualifier QualifierType `xml:"Qualifier,attr,omitempty"`
	Value     string        `xml:",chardata"`
}

// DocumentationReferencesType contains documentation references.
type DocumentationReferencesType struct {
	DocumentationReference []string `xml:"DocumentationReference"`
}

// ObjectIdentifierType contains an object identifier.
type ObjectIdentifierType struct {
	Identifier              IdentifierType               `xml:"Identifier"`
	Description             string                       `xml:"Description,omitempty"`
	DocumentationReferences *DocumentationReferencesType `xml:"DocumentationReferences,omitempty"`
}

// SigPolicyQualifier carries a policy qualifier; only SPURI is modelled.
type SigPolicyQualifier struct {
	SPURI string `xml:"SPURI,omitempty"`
}

// SigPolicyQualifiersListType contains policy qualifiers.
type SigPolicyQualifiersListType struct {
	SigPolicyQualifier []SigPolicyQualifier `xml:"SigPolicyQualifier"`
}

// SignaturePolicyIdType identifies an explicit signature policy.
type SignaturePolicyIdType struct {
	SigPolicyID         ObjectIdentifierType         `xml:"SigPolicyId"`
	Transforms          *w3c.Transforms              `xml:"http://www.w3.org/2000/09/xmldsig# Transforms,omitempty"`
	SigPolicyHash       DigestAlgAndValueType        `xml:"SigPolicyHash"`
	SigPolicyQualifiers *SigPolicyQualifiersListType `xml:"SigPolicyQualifiers,omitempty"`
}

// SignaturePolicyIdentifier is either an explicit policy or implied.
type SignaturePolicyIdentifier struct {
	SignaturePolicyID      *SignaturePolicyIdType `xml:"SignaturePolicyId,omitempty"`
	SignaturePolicyImplied *Empty                 `xml:"SignaturePolicyImplied,omitempty"`
}

// SignatureProductionPlace contains the signature production place.
type SignatureProductionPlace struct {
	City            string `xml:"City,omitempty"`
	StateOrProvince string `xml:"StateOrProvince,omitempty"`
	PostalCode      string `xml:"PostalCode,omitempty"`
	CountryName     string `xml:"CountryName,omitempty"`
}

// ClaimedRolesListType contains claimed roles.
type ClaimedRolesListType struct {
	ClaimedRole []AnyType `xml:"ClaimedRole"`
}

// CertifiedRolesListType contains certified roles.
type CertifiedRolesListType struct {
	CertifiedRole []EncapsulatedPKIDataType `xml:"CertifiedRole"`
}

// SignerRole contains signer role information.
type SignerRole struct {
	ClaimedRoles   *ClaimedRolesListType   `xml:"ClaimedRoles,omitempty"`
	CertifiedRoles *CertifiedRolesListType `xml:"CertifiedRoles,omitempty"`
}

// SignedSignatureProperties contains signed signature properties.
type SignedSignatureProperties struct {
	SigningTime               *time.Time                 `xml:"SigningTime,omitempty"`
	SigningCertificate        *SigningCertificate        `xml:"SigningCertificate,omitempty"`
	SignaturePolicyIdentifier *SignaturePolicyIdentifier `xml:"SignaturePolicyIdentifier,omitempty"`
	SignatureProductionPlace  *SignatureProductionPlace  `xml:"SignatureProductionPlace,omitempty"`
	SignerRole                *SignerRole                `xml:"SignerRole,omitempty"`
	ID                        string                     `xml:"Id,attr,omitempty"`
}

// DataObjectFormat describes the format of a signed data object.
type DataObjectFormat struct {
	Description      string                `xml:"Description,omitempty"`
	ObjectIdentifier *ObjectIdentifierType `xml:"ObjectIdentifier,omitempty"`
	MimeType         string                `xml:"MimeType,omitempty"`
	Encoding         string                `xml:"Encoding,omitempty"`
	ObjectReference  string                `xml:"ObjectReference,attr"`
}

// CommitmentTypeQualifiersListType contains commitment qualifiers.
type CommitmentTypeQualifiersListType struct {
	CommitmentTypeQualifier []AnyType `xml:"CommitmentTypeQualifier"`
}

// CommitmentTypeIndication indicates a commitment type.
type CommitmentTypeIndication struct {
	CommitmentTypeID         ObjectIdentifierType              `xml:"CommitmentTypeId"`
	ObjectReference          []string                          `xml:"ObjectReference,omitempty"`
	AllSignedDataObjects     *Empty                            `xml:"AllSignedDataObjects,omitempty"`
	CommitmentTypeQualifiers *CommitmentTypeQualifiersListType `xml:"CommitmentTypeQualifiers,omitempty"`
}

// SignedDataObjectProperties contains signed data object properties.
type SignedDataObjectProperties struct {
	DataObjectFormat         []DataObjectFormat         `xml:"DataObjectFormat,omitempty"`
	CommitmentTypeIndication []CommitmentTypeIndication `xml:"CommitmentTypeIndication,omitempty"`
	ID                       string                     `xml:"Id,attr,omitempty"`
}

// SignedProperties contains the signed properties.
type SignedProperties struct {
	XMLName                    xml.Name                    `xml:"http://uri.etsi.org/01903/v1.3.2# SignedProperties"`
	SignedSignatureProperties  *SignedSignatureProperties  `xml:"SignedSignatureProperties"`
	SignedDataObjectProperties *SignedDataObjectProperties `xml:"SignedDataObjectProperties,omitempty"`
	ID                         string                      `xml:"Id,attr,omitempty"`
}

// XAdESTimeStampType carries an encapsulated RFC 3161 token.
type XAdESTimeStampType struct {
	CanonicalizationMethod *w3c.CanonicalizationMethod `xml:"http://www.w3.org/2000/09/xmldsig# CanonicalizationMethod,omitempty"`
	EncapsulatedTimeStamp  []EncapsulatedPKIDataType   `xml:"EncapsulatedTimeStamp"`
	ID                     string                      `xml:"Id,attr,omitempty"`
}

// Token returns the first encapsulated token.
func (ts *XAdESTimeStampType) Token() ([]byte, error) {
	if len(ts.EncapsulatedTimeStamp) == 0 {
		return nil, nil
	}
	return ts.EncapsulatedTimeStamp[0].Bytes()
}

// SignatureTimeStamp is a timestamp over the SignatureValue.
type SignatureTimeStamp struct {
	XMLName xml.Name `xml:"http://uri.etsi.org/01903/v1.3.2# SignatureTimeStamp"`
	XAdESTimeStampType
}

// SigAndRefsTimeStamp is a timestamp over the signature and its references.
type SigAndRefsTimeStamp struct {
	XMLName xml.Name `xml:"http://uri.etsi.org/01903/v1.3.2# SigAndRefsTimeStamp"`
	XAdESTimeStampType
}

// CompleteCertificateRefs references the certificates of the chain.
type CompleteCertificateRefs struct {
	XMLName  xml.Name       `xml:"http://uri.etsi.org/01903/v1.3.2# CompleteCertificateRefs"`
	CertRefs CertIDListType `xml:"CertRefs"`
	ID       string         `xml:"Id,attr,omitempty"`
}

// CRLIdentifierType identifies a CRL.
type CRLIdentifierType struct {
	Issuer    string    `xml:"Issuer"`
	IssueTime time.Time `xml:"IssueTime"`
	Number    *big.Int  `xml:"Number,omitempty"`
	URI       string    `xml:"URI,attr,omitempty"`
}

// CRLRefType references a CRL.
type CRLRefType struct {
	DigestAlgAndValue DigestAlgAndValueType `xml:"DigestAlgAndValue"`
	CRLIdentifier     *CRLIdentifierType    `xml:"CRLIdentifier,omitempty"`
}

// CRLRefsType contains CRL references.
type CRLRefsType struct {
	CRLRef []CRLRefType `xml:"CRLRef"`
}

// ResponderIDType identifies an OCSP responder.
type ResponderIDType struct {
	ByName string `xml:"ByName,omitempty"`
	ByKey  string `xml:"ByKey,omitempty"`
}

// OCSPIdentifierType identifies an OCSP response.
type OCSPIdentifierType struct {
	ResponderID ResponderIDType `xml:"ResponderID"`
	ProducedAt  time.Time       `xml:"ProducedAt"`
	URI         string          `xml:"URI,attr,omitempty"`
}

// OCSPRefType references an OCSP response.
type OCSPRefType struct {
	OCSPIdentifier    OCSPIdentifierType     `xml:"OCSPIdentifier"`
	DigestAlgAndValue *DigestAlgAndValueType `xml:"DigestAlgAndValue,omitempty"`
}

// OCSPRefsType contains OCSP references.
type OCSPRefsType struct {
	OCSPRef []OCSPRefType `xml:"OCSPRef"`
}

// CompleteRevocationRefs references the revocation data of the chain.
type CompleteRevocationRefs struct {
	XMLName  xml.Name      `xml:"http://uri.etsi.org/01903/v1.3.2# CompleteRevocationRefs"`
	CRLRefs  *CRLRefsType  `xml:"CRLRefs,omitempty"`
	OCSPRefs *OCSPRefsType `xml:"OCSPRefs,omitempty"`
	ID       string        `xml:"Id,attr,omitempty"`
}

// CertificateValues embeds certificates.
type CertificateValues struct {
	XMLName                     xml.Name                  `xml:"http://uri.etsi.org/01903/v1.3.2# CertificateValues"`
	EncapsulatedX509Certificate []EncapsulatedPKIDataType `xml:"EncapsulatedX509Certificate"`
	ID                          string                    `xml:"Id,attr,omitempty"`
}

// CRLValuesType contains encapsulated CRLs.
type CRLValuesType struct {
	EncapsulatedCRLValue []EncapsulatedPKIDataType `xml:"EncapsulatedCRLValue"`
}

// OCSPValuesType contains encapsulated OCSP responses.
type OCSPValuesType struct {
	EncapsulatedOCSPValue []EncapsulatedPKIDataType `xml:"EncapsulatedOCSPValue"`
}

// RevocationValues embeds revocation data.
type RevocationValues struct {
	XMLName    xml.Name        `xml:"http://uri.etsi.org/01903/v1.3.2# RevocationValues"`
	CRLValues  *CRLValuesType  `xml:"CRLValues,omitempty"`
	OCSPValues *OCSPValuesType `xml:"OCSPValues,omitempty"`
	ID         string          `xml:"Id,attr,omitempty"`
}

// CounterSignature wraps a ds:Signature over another signature's value.
type CounterSignature struct {
	Content []byte `xml:",innerxml"`
}

// UnsignedSignatureProperties contains unsigned signature properties.
// Properties are appended in the order they are produced; on input this
// struct only records what is present.
type UnsignedSignatureProperties struct {
	CounterSignature        []CounterSignature       `xml:"CounterSignature,omitempty"`
	SignatureTimeStamp      []XAdESTimeStampType     `xml:"SignatureTimeStamp,omitempty"`
	CompleteCertificateRefs *CompleteCertificateRefs `xml:"CompleteCertificateRefs,omitempty"`
	CompleteRevocationRefs  *CompleteRevocationRefs  `xml:"CompleteRevocationRefs,omitempty"`
	SigAndRefsTimeStamp     []XAdESTimeStampType     `xml:"SigAndRefsTimeStamp,omitempty"`
	CertificateValues       *CertificateValues       `xml:"CertificateValues,omitempty"`
	RevocationValues        *RevocationValues        `xml:"RevocationValues,omitempty"`
	ID                      string                   `xml:"Id,attr,omitempty"`
}

// UnsignedProperties contains the unsigned properties.
type UnsignedProperties struct {
	XMLName                     xml.Name                     `xml:"http://uri.etsi.org/01903/v1.3.2# UnsignedProperties"`
	UnsignedSignatureProperties *UnsignedSignatureProperties `xml:"UnsignedSignatureProperties"`
	ID                          string                       `xml:"Id,attr,omitempty"`
}

// QualifyingProperties is the root element for XAdES properties.
type QualifyingProperties struct {
	XMLName            xml.Name            `xml:"http://uri.etsi.org/01903/v1.3.2# QualifyingProperties"`
	SignedProperties   *SignedProperties   `xml:"SignedProperties"`
	UnsignedProperties *UnsignedProperties `xml:"UnsignedProperties,omitempty"`
	Target             string              `xml:"Target,attr"`
	ID                 string              `xml:"Id,attr,omitempty"`
}

// NewQualifyingProperties creates qualifying properties targeting the
// signature with the given id.
func NewQualifyingProperties(target string) *QualifyingProperties {
	return &QualifyingProperties{
		Target:             "#" + target,
		SignedProperties:   NewSignedProperties(),
		UnsignedProperties: NewUnsignedProperties(),
	}
}

// NewSignedProperties creates new signed properties.
func NewSignedProperties() *SignedProperties {
	return &SignedProperties{SignedSignatureProperties: &SignedSignatureProperties{}}
}

// NewUnsignedProperties creates new, empty unsigned properties.
func NewUnsignedProperties() *UnsignedProperties {
	return &UnsignedProperties{UnsignedSignatureProperties: &UnsignedSignatureProperties{}}
}
