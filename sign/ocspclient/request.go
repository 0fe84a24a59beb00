// Package ocspclient implements the OCSP side of revocation checking:
// building nonce-protected (optionally signed) requests, posting them to a
// responder and classifying the returned certificate status.
package ocspclient

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	_ "crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/georgepadayatti/goxades/keys"
)

// Common errors
var (
	ErrProtocol       = errors.New("OCSP protocol error")
	ErrNonceMismatch  = fmt.Errorf("%w: nonce mismatch", ErrProtocol)
	ErrTransport      = errors.New("OCSP transport error")
	ErrInvalidRequest = errors.New("invalid OCSP request")
)

// OIDs used in requests and responses.
var (
	OIDNonce           = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 2}
	oidSHA1            = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	oidSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	oidECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
)

type certID struct {
	HashAlgorithm pkix.AlgorithmIdentifier
	NameHash      []byte
	IssuerKeyHash []byte
	SerialNumber  *big.Int
}

type singleRequest struct {
	Cert       certID
	Extensions []pkix.Extension `asn1:"explicit,tag:0,optional"`
}

// tbsRequestOut carries context tags by hand because encoding/asn1 ignores
// tag parameters on RawValue fields when marshalling.
type tbsRequestOut struct {
	RequestorName asn1.RawValue `asn1:"optional"`
	RequestList   []singleRequest
	Extensions    asn1.RawValue `asn1:"optional"`
}

type tbsRequestIn struct {
	Raw           asn1.RawContent
	Version       int           `asn1:"explicit,tag:0,default:0,optional"`
	RequestorName asn1.RawValue `asn1:"explicit,tag:1,optional"`
	RequestList   []singleRequest
	Extensions    []pkix.Extension `asn1:"explicit,tag:2,optional"`
}

type requestSignature struct {
	Algorithm pkix.AlgorithmIdentifier
	Signature asn1.BitString
	Certs     []asn1.RawValue `asn1:"explicit,tag:0,optional"`
}

type ocspRequestOut struct {
	TBSRequest asn1.RawValue
	Signature  asn1.RawValue `asn1:"optional"`
}

type ocspRequestIn struct {
	TBSRequest tbsRequestIn
	Signature  requestSignature `asn1:"explicit,tag:0,optional"`
}

// Request is an encoded OCSP request together with the nonce it carries.
type Request struct {
	DER          []byte
	Nonce        []byte
	SerialNumber *big.Int
}

// ParsedRequest is the decoded form of a request, as seen by a responder.
type ParsedRequest struct {
	SerialNumbers  []*big.Int
	IssuerNameHash []byte
	IssuerKeyHash  []byte
	Nonce          []byte
	NonceExtension *pkix.Extension
	RequestorName  *pkix.Name
	Signed         bool
	Certificates   []*x509.Certificate
}

var nonceState struct {
	sync.Mutex
	last int64
}

// nextNonce derives a nonce from the wall clock in nanoseconds, forced to
// be strictly increasing within the process. It detects replays; it is
// not meant to be unpredictable.
func nextNonce() []byte {
	nonceState.Lock()
	defer nonceState.Unlock()

	n := time.Now().UnixNano()
	if n <= nonceState.last {
		n = nonceState.last + 1
	}
	nonceState.last = n

	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, uint64(n))
	return out
}

// BuildRequest builds a request for subject, identified through issuer.
// requestor, when set, is sent as the requestorName. When signer is set
// the request is signed and the signer's certificate chain attached.
func BuildRequest(subject, issuer *x509.Certificate, requestor *pkix.Name, signer keys.Signer) (*Request, error) {
	if subject == nil || issuer == nil {
		return nil, fmt.Errorf("%w: subject and issuer are required", ErrInvalidRequest)
	}

	id, err := newCertID(subject, issuer)
	if err != nil {
		return nil, err
	}

	nonce := nextNonce()
	nonceValue, err := asn1.Marshal(nonce)
	if err != nil {
		return nil, err
	}
	exts, err := asn1.Marshal([]pkix.Extension{{Id: OIDNonce, Value: nonceValue}})
	if err != nil {
		return nil, err
	}

	tbs := tbsRequestOut{
		RequestList: []singleRequest{{Cert: id}},
		Extensions:  asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 2, IsCompound: true, Bytes: exts},
	}
	if signer != nil && requestor == nil {
		subjectName := signer.Certificate().Subject
		requestor = &subjectName
	}
	if requestor != nil {
		name, err := asn1.Marshal(requestor.ToRDNSequence())
		if err != nil {
			return nil, err
		}
		generalName, err := asn1.Marshal(asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 4, IsCompound: true, Bytes: name})
		if err != nil {
			return nil, err
		}
		tbs.RequestorName = asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 1, IsCompound: true, Bytes: generalName}
	}

	tbsDER, err := asn1.Marshal(tbs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode TBSRequest: %w", err)
	}

	out := ocspRequestOut{TBSRequest: asn1.RawValue{FullBytes: tbsDER}}
	if signer != nil {
		sig, err := signRequest(tbsDER, signer)
		if err != nil {
			return nil, err
		}
		out.Signature = asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: sig}
	}

	der, err := asn1.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode OCSPRequest: %w", err)
	}
	return &Request{DER: der, Nonce: nonce, SerialNumber: subject.SerialNumber}, nil
}

func newCertID(subject, issuer *x509.Certificate) (certID, error) {
	nameHash, keyHash, err := issuerHashes(issuer, crypto.SHA1)
	if err != nil {
		return certID{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return certID{
		HashAlgorithm: pkix.AlgorithmIdentifier{Algorithm: oidSHA1, Parameters: asn1.NullRawValue},
		NameHash:      nameHash,
		IssuerKeyHash: keyHash,
		SerialNumber:  subject.SerialNumber,
	}, nil
}

// issuerHashes returns the CertID hashes of issuer's name and public key.
func issuerHashes(issuer *x509.Certificate, h crypto.Hash) ([]byte, []byte, error) {
	if !h.Available() {
		return nil, nil, fmt.Errorf("CertID hash %v unavailable", h)
	}
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(issuer.RawSubjectPublicKeyInfo, &spki); err != nil {
		return nil, nil, fmt.Errorf("issuer public key: %v", err)
	}
	nh := h.New()
	nh.Write(issuer.RawSubject)
	kh := h.New()
	kh.Write(spki.PublicKey.RightAlign())
	return nh.Sum(nil), kh.Sum(nil), nil
}

func signRequest(tbsDER []byte, signer keys.Signer) ([]byte, error) {
	var alg pkix.AlgorithmIdentifier
	switch signer.Public().(type) {
	case *rsa.PublicKey:
		alg = pkix.AlgorithmIdentifier{Algorithm: oidSHA256WithRSA, Parameters: asn1.NullRawValue}
	case *ecdsa.PublicKey:
		alg = pkix.AlgorithmIdentifier{Algorithm: oidECDSAWithSHA256}
	default:
		return nil, fmt.Errorf("%w: unsupported requestor key %T", ErrInvalidRequest, signer.Public())
	}

	h := crypto.SHA256.New()
	h.Write(tbsDER)
	sig, err := signer.Sign(rand.Reader, h.Sum(nil), crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("failed to sign OCSP request: %w", err)
	}

	certs := []asn1.RawValue{{FullBytes: signer.Certificate().Raw}}
	for _, c := range signer.Chain() {
		certs = append(certs, asn1.RawValue{FullBytes: c.Raw})
	}

	return asn1.Marshal(requestSignature{
		Algorithm: alg,
		Signature: asn1.BitString{Bytes: sig, BitLength: 8 * len(sig)},
		Certs:     certs,
	})
}

// ParseRequest decodes a DER encoded OCSP request.
func ParseRequest(der []byte) (*ParsedRequest, error) {
	var req ocspRequestIn
	rest, err := asn1.Unmarshal(der, &req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidRequest)
	}
	if len(req.TBSRequest.RequestList) == 0 {
		return nil, fmt.Errorf("%w: empty request list", ErrInvalidRequest)
	}

	out := &ParsedRequest{
		IssuerNameHash: req.TBSRequest.RequestList[0].Cert.NameHash,
		IssuerKeyHash:  req.TBSRequest.RequestList[0].Cert.IssuerKeyHash,
	}
	for _, r := range req.TBSRequest.RequestList {
		out.SerialNumbers = append(out.SerialNumbers, r.Cert.SerialNumber)
	}
	for i, ext := range req.TBSRequest.Extensions {
		if ext.Id.Equal(OIDNonce) {
			out.NonceExtension = &req.TBSRequest.Extensions[i]
			out.Nonce = unwrapNonce(ext.Value)
		}
	}

	// The RawValue keeps the [1] wrapper; the GeneralName sits inside it.
	if wrapper := req.TBSRequest.RequestorName; len(wrapper.Bytes) > 0 {
		var gn asn1.RawValue
		if _, err := asn1.Unmarshal(wrapper.Bytes, &gn); err == nil && gn.Class == asn1.ClassContextSpecific && gn.Tag == 4 {
			var rdn pkix.RDNSequence
			if _, err := asn1.Unmarshal(gn.Bytes, &rdn); err == nil {
				var name pkix.Name
				name.FillFromRDNSequence(&rdn)
				out.RequestorName = &name
			}
		}
	}

	if len(req.Signature.Signature.Bytes) > 0 {
		out.Signed = true
		for _, raw := range req.Signature.Certs {
			cert, err := x509.ParseCertificate(raw.FullBytes)
			if err != nil {
				return nil, fmt.Errorf("%w: requestor certificate: %v", ErrInvalidRequest, err)
			}
			out.Certificates = append(out.Certificates, cert)
		}
		if len(out.Certificates) > 0 {
			sigAlg := x509.SHA256WithRSA
			if req.Signature.Algorithm.Algorithm.Equal(oidECDSAWithSHA256) {
				sigAlg = x509.ECDSAWithSHA256
			}
			if err := out.Certificates[0].CheckSignature(sigAlg, req.TBSRequest.Raw, req.Signature.Signature.RightAlign()); err != nil {
				return nil, fmt.Errorf("%w: bad request signature: %v", ErrInvalidRequest, err)
			}
		}
	}

	return out, nil
}

// unwrapNonce returns the nonce octets. RFC 8954 wraps them in an OCTET
// STRING inside extnValue; some responders echo the bare bytes.
func unwrapNonce(value []byte) []byte {
	var inner []byte
	if rest, err := asn1.Unmarshal(value, &inner); err == nil && len(rest) == 0 {
		return inner
	}
	return value
}
