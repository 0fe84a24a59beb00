package ocspclient

import (
	"bytes"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"time"

	xocsp "golang.org/x/crypto/ocsp"
)

// Status is the certificate status reported by a responder.
type Status int

const (
	Good Status = iota
	Revoked
	Unknown
)

func (s Status) String() string {
	switch s {
	case Good:
		return "good"
	case Revoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// Response is a parsed and verified OCSP response for one certificate.
type Response struct {
	Status           Status
	SerialNumber     *big.Int
	ProducedAt       time.Time
	ThisUpdate       time.Time
	NextUpdate       time.Time
	RevokedAt        time.Time
	RevocationReason int

	// Exactly one of RawResponderName and ResponderKeyHash is set.
	RawResponderName []byte
	ResponderKeyHash []byte

	// Certificates embedded by the responder, signer first.
	Certificates []*x509.Certificate

	Raw []byte

	responder *x509.Certificate
}

// ResponderCertificate returns the embedded certificate that signed the
// response, or nil when the issuer signed it without embedding one.
func (r *Response) ResponderCertificate() *x509.Certificate {
	return r.responder
}

// IssuedByIssuer reports whether the response was signed by the issuer
// or by a responder the issuer certified. Otherwise the responder
// belongs to another hierarchy and its chain has to be established
// separately.
func (r *Response) IssuedByIssuer(issuer *x509.Certificate) bool {
	if r.responder == nil || r.responder.Equal(issuer) {
		return true
	}
	return bytes.Equal(r.responder.RawIssuer, issuer.RawSubject) &&
		r.responder.CheckSignatureFrom(issuer) == nil
}

// ResponderName returns the responder's distinguished name, if the
// responder identified itself by name.
func (r *Response) ResponderName() (pkix.Name, bool) {
	var name pkix.Name
	if len(r.RawResponderName) == 0 {
		return name, false
	}
	var rdn pkix.RDNSequence
	if _, err := asn1.Unmarshal(r.RawResponderName, &rdn); err != nil {
		return name, false
	}
	name.FillFromRDNSequence(&rdn)
	return name, true
}

type responseASN1 struct {
	Status   asn1.Enumerated
	Response responseBytes `asn1:"explicit,tag:0,optional"`
}

type responseBytes struct {
	ResponseType asn1.ObjectIdentifier
	Response     []byte
}

type basicResponse struct {
	TBSResponseData    responseData
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          asn1.BitString
	Certificates       []asn1.RawValue `asn1:"explicit,tag:0,optional"`
}

type responseData struct {
	Raw                asn1.RawContent
	Version            int `asn1:"optional,default:0,explicit,tag:0"`
	RawResponderID     asn1.RawValue
	ProducedAt         time.Time `asn1:"generalized"`
	Responses          []asn1.RawValue
	ResponseExtensions []pkix.Extension `asn1:"explicit,tag:1,optional"`
}

// ParseResponse decodes raw, picks the single response that matches
// subject, verifies the response signature and checks that the response
// echoes expectedNonce.
//
// A response carrying a responder certificate must be signed by it; that
// certificate may come from a different hierarchy than issuer (see
// IssuedByIssuer). A response without one must be signed by issuer. The
// CertID of the selected response must name issuer. A nil issuer skips
// the issuer checks.
func ParseResponse(raw, expectedNonce []byte, subject, issuer *x509.Certificate) (*Response, error) {
	// Without an issuer x/crypto only checks the signature against the
	// embedded responder certificate, if there is one.
	parsed, err := xocsp.ParseResponseForCert(raw, subject, nil)
	if err != nil {
		var re xocsp.ResponseError
		if errors.As(err, &re) {
			return nil, fmt.Errorf("%w: responder status %s", ErrProtocol, re.Status)
		}
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	basic, err := decodeBasic(raw)
	if err != nil {
		return nil, err
	}
	if issuer != nil {
		if parsed.Certificate == nil {
			if err := parsed.CheckSignatureFrom(issuer); err != nil {
				return nil, fmt.Errorf("%w: bad OCSP signature: %v", ErrProtocol, err)
			}
		}
		if err := checkCertID(basic, parsed, issuer); err != nil {
			return nil, err
		}
	}

	if expectedNonce != nil {
		got := findNonce(basic.TBSResponseData.ResponseExtensions)
		if got == nil {
			got = findNonce(parsed.Extensions)
		}
		if got == nil {
			return nil, fmt.Errorf("%w: response carries no nonce", ErrNonceMismatch)
		}
		if !bytes.Equal(got, expectedNonce) {
			return nil, ErrNonceMismatch
		}
	}

	resp := &Response{
		SerialNumber:     parsed.SerialNumber,
		ProducedAt:       parsed.ProducedAt,
		ThisUpdate:       parsed.ThisUpdate,
		NextUpdate:       parsed.NextUpdate,
		RevokedAt:        parsed.RevokedAt,
		RevocationReason: parsed.RevocationReason,
		RawResponderName: parsed.RawResponderName,
		ResponderKeyHash: parsed.ResponderKeyHash,
		Raw:              raw,
		responder:        parsed.Certificate,
	}
	switch parsed.Status {
	case xocsp.Good:
		resp.Status = Good
	case xocsp.Revoked:
		resp.Status = Revoked
	default:
		resp.Status = Unknown
	}

	for _, c := range basic.Certificates {
		cert, err := x509.ParseCertificate(c.FullBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: embedded certificate: %v", ErrProtocol, err)
		}
		resp.Certificates = append(resp.Certificates, cert)
	}

	return resp, nil
}

func decodeBasic(raw []byte) (*basicResponse, error) {
	var outer responseASN1
	if _, err := asn1.Unmarshal(raw, &outer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	var basic basicResponse
	if _, err := asn1.Unmarshal(outer.Response.Response, &basic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return &basic, nil
}

// singleResponseID is the leading CertID of a SingleResponse; the
// remaining fields are left to x/crypto.
type singleResponseID struct {
	CertID certID
}

// checkCertID verifies that the response selected by x/crypto identifies
// its certificate through issuer.
func checkCertID(basic *basicResponse, parsed *xocsp.Response, issuer *x509.Certificate) error {
	for _, raw := range basic.TBSResponseData.Responses {
		var single singleResponseID
		if _, err := asn1.Unmarshal(raw.FullBytes, &single); err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		if single.CertID.SerialNumber == nil || single.CertID.SerialNumber.Cmp(parsed.SerialNumber) != 0 {
			continue
		}
		nameHash, keyHash, err := issuerHashes(issuer, parsed.IssuerHash)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		if !bytes.Equal(single.CertID.NameHash, nameHash) || !bytes.Equal(single.CertID.IssuerKeyHash, keyHash) {
			return fmt.Errorf("%w: response is for a certificate of another issuer", ErrProtocol)
		}
		return nil
	}
	return fmt.Errorf("%w: no response for serial %s", ErrProtocol, parsed.SerialNumber)
}

func findNonce(exts []pkix.Extension) []byte {
	for _, ext := range exts {
		if ext.Id.Equal(OIDNonce) {
			return unwrapNonce(ext.Value)
		}
	}
	return nil
}

// GetAiaOcspURL returns the first OCSP URL in cert's Authority
// Information Access extension, or "" if there is none.
func GetAiaOcspURL(cert *x509.Certificate) string {
	if cert == nil || len(cert.OCSPServer) == 0 {
		return ""
	}
	return cert.OCSPServer[0]
}
