// Package w3c provides W3C XML Digital Signature structures.
//
// Implements structures defined in XML Signature Syntax and Processing (Second Edition)
// https://www.w3.org/TR/xmldsig-core/
//
// Binary values (digests, signature values, certificates) are kept in
// their base64 lexical form so documents round-trip byte for byte.
package w3c

import (
	"encoding/base64"
	"encoding/xml"
	"strings"
)

// Namespace is the XML Digital Signature namespace.
const Namespace = "http://www.w3.org/2000/09/xmldsig#"

// XPathFilter2Namespace is the XML-Signature XPath Filter 2.0 namespace.
const XPathFilter2Namespace = "http://www.w3.org/2002/06/xmldsig-filter2"

// Transform and canonicalization algorithm URIs. Digest and signature
// method URIs live in the algorithms registry.
const (
	AlgC14N                = "http://www.w3.org/TR/2001/REC-xml-c14n-20010315"
	AlgC14NWithComments    = "http://www.w3.org/TR/2001/REC-xml-c14n-20010315#WithComments"
	AlgC14N11              = "http://www.w3.org/2006/12/xml-c14n11"
	AlgExcC14N             = "http://www.w3.org/2001/10/xml-exc-c14n#"
	AlgExcC14NWithComments = "http://www.w3.org/2001/10/xml-exc-c14n#WithComments"

	AlgEnvelopedSignature = "http://www.w3.org/2000/09/xmldsig#enveloped-signature"
	AlgBase64             = "http://www.w3.org/2000/09/xmldsig#base64"
	AlgXPathFilter2       = "http://www.w3.org/2002/06/xmldsig-filter2"
)

// CanonicalizationMethod specifies the canonicalization algorithm.
type CanonicalizationMethod struct {
	XMLName   xml.Name `xml:"http://www.w3.org/2000/09/xmldsig# CanonicalizationMethod"`
	Algorithm string   `xml:"Algorithm,attr"`
}

// DigestMethod specifies the digest algorithm.
type DigestMethod struct {
	XMLName   xml.Name `xml:"http://www.w3.org/2000/09/xmldsig# DigestMethod"`
	Algorithm string   `xml:"Algorithm,attr"`
}

// DigestValue contains the base64 digest value.
type DigestValue struct {
	XMLName xml.Name `xml:"http://www.w3.org/2000/09/xmldsig# DigestValue"`
	Value   string   `xml:",chardata"`
}

// NewDigestValue encodes a raw digest.
func NewDigestValue(digest []byte) *DigestValue {
	return &DigestValue{Value: base64.StdEncoding.EncodeToString(digest)}
}

// Bytes decodes the digest, ignoring embedded whitespace.
func (d *DigestValue) Bytes() ([]byte, error) {
	return DecodeBase64(d.Value)
}

// SignatureMethod specifies the signature algorithm.
type SignatureMethod struct {
	XMLName   xml.Name `xml:"http://www.w3.org/2000/09/xmldsig# SignatureMethod"`
	Algorithm string   `xml:"Algorithm,attr"`
}

// SignatureValue contains the base64 signature value.
type SignatureValue struct {
	XMLName xml.Name `xml:"http://www.w3.org/2000/09/xmldsig# SignatureValue"`
	Value   string   `xml:",chardata"`
	ID      string   `xml:"Id,attr,omitempty"`
}

// XPathFilter is an XPath Filter 2.0 expression.
type XPathFilter struct {
	XMLName xml.Name `xml:"http://www.w3.org/2002/06/xmldsig-filter2 XPath"`
	Filter  string   `xml:"Filter,attr"`
	Value   string   `xml:",chardata"`
}

// Transform specifies a transformation.
type Transform struct {
	XMLName   xml.Name      `xml:"http://www.w3.org/2000/09/xmldsig# Transform"`
	Algorithm string        `xml:"Algorithm,attr"`
	XPath     []XPathFilter `xml:"http://www.w3.org/2002/06/xmldsig-filter2 XPath,omitempty"`
}

// Transforms contains a list of transforms.
type Transforms struct {
	XMLName    xml.Name    `xml:"http://www.w3.org/2000/09/xmldsig# Transforms"`
	Transforms []Transform `xml:"http://www.w3.org/2000/09/xmldsig# Transform"`
}

// X509IssuerSerial contains X509 issuer and serial number. The serial is
// kept as a decimal string because certificate serials exceed int64.
type X509IssuerSerial struct {
	X509IssuerName   string `xml:"http://www.w3.org/2000/09/xmldsig# X509IssuerName"`
	X509SerialNumber string `xml:"http://www.w3.org/2000/09/xmldsig# X509SerialNumber"`
}

// X509Data contains X509 certificate data.
type X509Data struct {
	XMLName          xml.Name           `xml:"http://www.w3.org/2000/09/xmldsig# X509Data"`
	X509IssuerSerial []X509IssuerSerial `xml:"http://www.w3.org/2000/09/xmldsig# X509IssuerSerial,omitempty"`
	X509SubjectName  []string           `xml:"http://www.w3.org/2000/09/xmldsig# X509SubjectName,omitempty"`
	X509Certificate  []string           `xml:"http://www.w3.org/2000/09/xmldsig# X509Certificate,omitempty"`
}

// KeyInfo contains key information.
type KeyInfo struct {
	XMLName  xml.Name   `xml:"http://www.w3.org/2000/09/xmldsig# KeyInfo"`
	ID       string     `xml:"Id,attr,omitempty"`
	X509Data []X509Data `xml:"http://www.w3.org/2000/09/xmldsig# X509Data,omitempty"`
}

// Certificates returns the DER certificates carried in X509Data.
func (ki *KeyInfo) Certificates() ([][]byte, error) {
	var out [][]byte
	for _, data := range ki.X509Data {
		for _, c := range data.X509Certificate {
			der, err := DecodeBase64(c)
			if err != nil {
				return nil, err
			}
			out = append(out, der)
		}
	}
	return out, nil
}

// Reference contains a reference to a resource.
type Reference struct {
	XMLName      xml.Name      `xml:"http://www.w3.org/2000/09/xmldsig# Reference"`
	Transforms   *Transforms   `xml:"http://www.w3.org/2000/09/xmldsig# Transforms,omitempty"`
	DigestMethod *DigestMethod `xml:"http://www.w3.org/2000/09/xmldsig# DigestMethod"`
	DigestValue  *DigestValue  `xml:"http://www.w3.org/2000/09/xmldsig# DigestValue"`
	ID           string        `xml:"Id,attr,omitempty"`
	URI          string        `xml:"URI,attr,omitempty"`
	Type         string        `xml:"Type,attr,omitempty"`
}

// SignedInfo contains the signed information.
type SignedInfo struct {
	XMLName                xml.Name                `xml:"http://www.w3.org/2000/09/xmldsig# SignedInfo"`
	CanonicalizationMethod *CanonicalizationMethod `xml:"http://www.w3.org/2000/09/xmldsig# CanonicalizationMethod"`
	SignatureMethod        *SignatureMethod        `xml:"http://www.w3.org/2000/09/xmldsig# SignatureMethod"`
	Reference              []Reference             `xml:"http://www.w3.org/2000/09/xmldsig# Reference"`
	ID                     string                  `xml:"Id,attr,omitempty"`
}

// Object contains an embedded object.
type Object struct {
	XMLName  xml.Name `xml:"http://www.w3.org/2000/09/xmldsig# Object"`
	ID       string   `xml:"Id,attr,omitempty"`
	MimeType string   `xml:"MimeType,attr,omitempty"`
	Encoding string   `xml:"Encoding,attr,omitempty"`
	Content  []byte   `xml:",innerxml"`
}

// Signature is the root element for XML signatures.
type Signature struct {
	XMLName        xml.Name        `xml:"http://www.w3.org/2000/09/xmldsig# Signature"`
	SignedInfo     *SignedInfo     `xml:"http://www.w3.org/2000/09/xmldsig# SignedInfo"`
	SignatureValue *SignatureValue `xml:"http://www.w3.org/2000/09/xmldsig# SignatureValue"`
	KeyInfo        *KeyInfo        `xml:"http://www.w3.org/2000/09/xmldsig# KeyInfo,omitempty"`
	Object         []Object        `xml:"http://www.w3.org/2000/09/xmldsig# Object,omitempty"`
	ID             string          `xml:"Id,attr,omitempty"`
}

// NewReference creates a reference with the given transforms.
func NewReference(id, uri, digestAlg string, transforms ...Transform) Reference {
	ref := Reference{
		ID:           id,
		URI:          uri,
		DigestMethod: &DigestMethod{Algorithm: digestAlg},
		DigestValue:  &DigestValue{},
	}
	if len(transforms) > 0 {
		ref.Transforms = &Transforms{Transforms: transforms}
	}
	return ref
}

// AddX509Certificate appends a DER certificate to the first X509Data.
func (ki *KeyInfo) AddX509Certificate(der []byte) {
	if len(ki.X509Data) == 0 {
		ki.X509Data = append(ki.X509Data, X509Data{})
	}
	ki.X509Data[0].X509Certificate = append(ki.X509Data[0].X509Certificate, base64.StdEncoding.EncodeToString(der))
}

// ReferenceByURI returns the first reference with the given URI.
func (s *Signature) ReferenceByURI(uri string) *Reference {
	if s.SignedInfo == nil {
		return nil
	}
	for i := range s.SignedInfo.Reference {
		if s.SignedInfo.Reference[i].URI == uri {
			return &s.SignedInfo.Reference[i]
		}
	}
	return nil
}

// DecodeBase64 decodes base64 text that may be wrapped over several lines.
func DecodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(strings.Join(strings.Fields(s), ""))
}
