// Package algorithms is the registry of digest and signature algorithms
// understood by the signing and upgrade pipeline. Every other package
// resolves algorithm URIs and OIDs through here.
package algorithms

import (
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"strings"

	// Register hash implementations.
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"

	dsig "github.com/russellhaering/goxmldsig"
)

// Common errors
var (
	ErrUnknownDigest    = errors.New("unknown digest algorithm")
	ErrUnknownSignature = errors.New("unknown signature algorithm")
)

// Digest algorithm URIs
const (
	URISHA1   = "http://www.w3.org/2000/09/xmldsig#sha1"
	URISHA256 = "http://www.w3.org/2001/04/xmlenc#sha256"
	URISHA384 = "http://www.w3.org/2001/04/xmldsig-more#sha384"
	URISHA512 = "http://www.w3.org/2001/04/xmlenc#sha512"
)

// Digest algorithm OIDs
var (
	OIDSHA1   = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	OIDSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OIDSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
)

// DigestAlgorithm describes a hash function by name, XML URI and ASN.1 OID.
type DigestAlgorithm struct {
	Name string
	URI  string
	OID  asn1.ObjectIdentifier
	Hash crypto.Hash
}

// Supported digest algorithms.
var (
	SHA1   = DigestAlgorithm{Name: "SHA1", URI: URISHA1, OID: OIDSHA1, Hash: crypto.SHA1}
	SHA256 = DigestAlgorithm{Name: "SHA256", URI: URISHA256, OID: OIDSHA256, Hash: crypto.SHA256}
	SHA384 = DigestAlgorithm{Name: "SHA384", URI: URISHA384, OID: OIDSHA384, Hash: crypto.SHA384}
	SHA512 = DigestAlgorithm{Name: "SHA512", URI: URISHA512, OID: OIDSHA512, Hash: crypto.SHA512}
)

var digests = []DigestAlgorithm{SHA1, SHA256, SHA384, SHA512}

// IsZero reports whether d is the zero value.
func (d DigestAlgorithm) IsZero() bool {
	return d.URI == ""
}

// Sum hashes data with the algorithm.
func (d DigestAlgorithm) Sum(data []byte) []byte {
	h := d.Hash.New()
	h.Write(data)
	return h.Sum(nil)
}

func (d DigestAlgorithm) String() string {
	return d.Name
}

// Digests returns all supported digest algorithms.
func Digests() []DigestAlgorithm {
	out := make([]DigestAlgorithm, len(digests))
	copy(out, digests)
	return out
}

// DigestByName looks a digest up by name. Matching ignores case and dashes,
// so "sha-256", "SHA256" and "sha256" are equivalent.
func DigestByName(name string) (DigestAlgorithm, error) {
	n := normalizeName(name)
	for _, d := range digests {
		if normalizeName(d.Name) == n {
			return d, nil
		}
	}
	return DigestAlgorithm{}, fmt.Errorf("%w: %s", ErrUnknownDigest, name)
}

// DigestByURI looks a digest up by its XML-DSig URI.
func DigestByURI(uri string) (DigestAlgorithm, error) {
	for _, d := range digests {
		if d.URI == uri {
			return d, nil
		}
	}
	return DigestAlgorithm{}, fmt.Errorf("%w: %s", ErrUnknownDigest, uri)
}

// DigestByOID looks a digest up by its ASN.1 object identifier.
func DigestByOID(oid asn1.ObjectIdentifier) (DigestAlgorithm, error) {
	for _, d := range digests {
		if d.OID.Equal(oid) {
			return d, nil
		}
	}
	return DigestAlgorithm{}, fmt.Errorf("%w: %s", ErrUnknownDigest, oid)
}

// DigestByHash looks a digest up by its crypto.Hash.
func DigestByHash(h crypto.Hash) (DigestAlgorithm, error) {
	for _, d := range digests {
		if d.Hash == h {
			return d, nil
		}
	}
	return DigestAlgorithm{}, fmt.Errorf("%w: %v", ErrUnknownDigest, h)
}

// SignatureAlgorithm pairs a digest with a public key algorithm.
type SignatureAlgorithm struct {
	Name    string
	URI     string
	Digest  DigestAlgorithm
	KeyType x509.PublicKeyAlgorithm
}

// Supported signature algorithms.
var (
	RSASHA1     = SignatureAlgorithm{Name: "RSAwithSHA1", URI: dsig.RSASHA1SignatureMethod, Digest: SHA1, KeyType: x509.RSA}
	RSASHA256   = SignatureAlgorithm{Name: "RSAwithSHA256", URI: dsig.RSASHA256SignatureMethod, Digest: SHA256, KeyType: x509.RSA}
	RSASHA384   = SignatureAlgorithm{Name: "RSAwithSHA384", URI: dsig.RSASHA384SignatureMethod, Digest: SHA384, KeyType: x509.RSA}
	RSASHA512   = SignatureAlgorithm{Name: "RSAwithSHA512", URI: dsig.RSASHA512SignatureMethod, Digest: SHA512, KeyType: x509.RSA}
	ECDSASHA256 = SignatureAlgorithm{Name: "ECDSAwithSHA256", URI: dsig.ECDSASHA256SignatureMethod, Digest: SHA256, KeyType: x509.ECDSA}
	ECDSASHA384 = SignatureAlgorithm{Name: "ECDSAwithSHA384", URI: dsig.ECDSASHA384SignatureMethod, Digest: SHA384, KeyType: x509.ECDSA}
	ECDSASHA512 = SignatureAlgorithm{Name: "ECDSAwithSHA512", URI: dsig.ECDSASHA512SignatureMethod, Digest: SHA512, KeyType: x509.ECDSA}
)

var signatures = []SignatureAlgorithm{
	RSASHA1, RSASHA256, RSASHA384, RSASHA512,
	ECDSASHA256, ECDSASHA384, ECDSASHA512,
}

// IsZero reports whether s is the zero value.
func (s SignatureAlgorithm) IsZero() bool {
	return s.URI == ""
}

func (s SignatureAlgorithm) String() string {
	return s.Name
}

// X509 returns the matching x509.SignatureAlgorithm, used for verification.
func (s SignatureAlgorithm) X509() x509.SignatureAlgorithm {
	switch s.URI {
	case RSASHA1.URI:
		return x509.SHA1WithRSA
	case RSASHA256.URI:
		return x509.SHA256WithRSA
	case RSASHA384.URI:
		return x509.SHA384WithRSA
	case RSASHA512.URI:
		return x509.SHA512WithRSA
	case ECDSASHA256.URI:
		return x509.ECDSAWithSHA256
	case ECDSASHA384.URI:
		return x509.ECDSAWithSHA384
	case ECDSASHA512.URI:
		return x509.ECDSAWithSHA512
	}
	return x509.UnknownSignatureAlgorithm
}

// Signatures returns all supported signature algorithms.
func Signatures() []SignatureAlgorithm {
	out := make([]SignatureAlgorithm, len(signatures))
	copy(out, signatures)
	return out
}

// SignatureByName looks a signature algorithm up by name.
func SignatureByName(name string) (SignatureAlgorithm, error) {
	n := normalizeName(name)
	for _, s := range signatures {
		if normalizeName(s.Name) == n {
			return s, nil
		}
	}
	return SignatureAlgorithm{}, fmt.Errorf("%w: %s", ErrUnknownSignature, name)
}

// SignatureByURI looks a signature algorithm up by its XML-DSig URI.
func SignatureByURI(uri string) (SignatureAlgorithm, error) {
	for _, s := range signatures {
		if s.URI == uri {
			return s, nil
		}
	}
	return SignatureAlgorithm{}, fmt.Errorf("%w: %s", ErrUnknownSignature, uri)
}

// SignatureFor returns the signature algorithm for a key type and digest.
func SignatureFor(keyType x509.PublicKeyAlgorithm, digest DigestAlgorithm) (SignatureAlgorithm, error) {
	for _, s := range signatures {
		if s.KeyType == keyType && s.Digest.URI == digest.URI {
			return s, nil
		}
	}
	return SignatureAlgorithm{}, fmt.Errorf("%w: %v with %s", ErrUnknownSignature, keyType, digest.Name)
}

func normalizeName(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "", "_", "", " ", "").Replace(name))
}
