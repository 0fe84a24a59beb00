package xades

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/georgepadayatti/goxades/generated/w3c"
	"github.com/georgepadayatti/goxades/keys"
	"github.com/georgepadayatti/goxades/sign/ades"
	"github.com/georgepadayatti/goxades/sign/algorithms"
	"github.com/georgepadayatti/goxades/sign/timestamps"
)

// Packaging selects where the signed content lives relative to the
// signature.
type Packaging int

const (
	// Enveloped places the signature inside the signed XML document.
	Enveloped Packaging = iota
	// Enveloping places the content in a ds:Object of the signature.
	Enveloping
	// InternallyDetached places content and signature as siblings under
	// a synthetic DOCUMENT root.
	InternallyDetached
	// InternallyDetachedHash is InternallyDetached carrying only the
	// digest of the content.
	InternallyDetachedHash
	// ExternallyDetached references content by URI.
	ExternallyDetached
)

func (p Packaging) String() string {
	switch p {
	case Enveloped:
		return "enveloped"
	case Enveloping:
		return "enveloping"
	case InternallyDetached:
		return "internally-detached"
	case InternallyDetachedHash:
		return "internally-detached-hash"
	case ExternallyDetached:
		return "externally-detached"
	default:
		return fmt.Sprintf("packaging(%d)", int(p))
	}
}

// ParsePackaging parses the String form of a packaging mode.
func ParsePackaging(s string) (Packaging, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "enveloped":
		return Enveloped, nil
	case "enveloping":
		return Enveloping, nil
	case "internally-detached", "detached":
		return InternallyDetached, nil
	case "internally-detached-hash":
		return InternallyDetachedHash, nil
	case "externally-detached":
		return ExternallyDetached, nil
	}
	return 0, fmt.Errorf("%w: unknown packaging %q", ErrConfiguration, s)
}

// Level is an XAdES form reachable by upgrading.
type Level int

const (
	LevelT Level = iota + 1
	LevelXL
)

func (l Level) String() string {
	switch l {
	case LevelT:
		return "T"
	case LevelXL:
		return "XL"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel accepts "T", "XL" and their XAdES- prefixed forms.
func ParseLevel(s string) (Level, error) {
	switch strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "XADES-") {
	case "T":
		return LevelT, nil
	case "XL":
		return LevelXL, nil
	}
	return 0, fmt.Errorf("%w: unknown level %q", ErrConfiguration, s)
}

// SignerRole lists claimed roles as text and certified roles as DER
// attribute certificates.
type SignerRole struct {
	Claimed   []string
	Certified [][]byte
}

// Commitment is a CommitmentTypeIndication.
type Commitment struct {
	Type ades.CommitmentType
	// URI overrides Type with a commitment outside TS 101 903.
	URI         string
	Description string
	// Qualifiers are raw XML fragments or text.
	Qualifiers []string
	// AllSignedDataObjects commits to every signed object instead of the
	// content reference.
	AllSignedDataObjects bool
}

func (c Commitment) typeURI() string {
	if c.URI != "" {
		return c.URI
	}
	return c.Type.URI()
}

// ProductionPlace is the SignatureProductionPlace.
type ProductionPlace struct {
	City            string
	StateOrProvince string
	PostalCode      string
	CountryName     string
}

// XPathTransform is an XPath Filter 2.0 step added to the content
// reference. Expressions use the etree path syntax.
type XPathTransform struct {
	Filter     string
	Expression string
}

// SignatureParameters configures Sign, CoSign and CounterSign. The engine
// never modifies it.
type SignatureParameters struct {
	Signer keys.Signer

	// DigestMethod defaults to SHA-256. It is used for references and
	// the SigningCertificate digest.
	DigestMethod algorithms.DigestAlgorithm
	// SignatureMethod defaults to the signer's key type with DigestMethod.
	SignatureMethod algorithms.SignatureAlgorithm
	// CanonicalizationMethod of SignedInfo; defaults to exclusive C14N.
	CanonicalizationMethod string

	Packaging Packaging
	// SigningTime defaults to the engine clock.
	SigningTime time.Time

	// Policy nil means SignaturePolicyImplied.
	Policy          *ades.SignaturePolicy
	SignerRole      *SignerRole
	Commitments     []Commitment
	ProductionPlace *ProductionPlace

	// DestinationXPath selects the parent of an enveloped signature.
	// Other packagings reject it.
	DestinationXPath string
	XPathTransforms  []XPathTransform

	MimeType         string
	Encoding         string
	Description      string
	ObjectIdentifier string

	// ExternalURI addresses externally detached content.
	ExternalURI string
}

// OCSPServer is a responder to consult, with an optional requestor name
// and signing identity for signed requests.
type OCSPServer struct {
	URL       string
	Requestor *pkix.Name
	Signer    keys.Signer
}

// UpgradeParameters configures UpgradeToT and UpgradeToXL.
type UpgradeParameters struct {
	Timestamper timestamps.Timestamper
	// DigestMethod for timestamp imprints and references; defaults to
	// SHA-256.
	DigestMethod algorithms.DigestAlgorithm

	OCSPServers []OCSPServer
	CRLs        []*x509.RevocationList
	// GetOCSPURLFromCertificate consults the AIA OCSP URL before the
	// configured servers.
	GetOCSPURLFromCertificate bool

	// ExtraCertificates join the chain-building pool.
	ExtraCertificates []*x509.Certificate
	// FetchMissingIssuers downloads issuers from AIA caIssuers URLs.
	FetchMissingIssuers bool
}

func (p *SignatureParameters) digest() algorithms.DigestAlgorithm {
	if p.DigestMethod.IsZero() {
		return algorithms.SHA256
	}
	return p.DigestMethod
}

func (p *SignatureParameters) canonicalization() string {
	if p.CanonicalizationMethod == "" {
		return w3c.AlgExcC14N
	}
	return p.CanonicalizationMethod
}

func (p *SignatureParameters) signatureMethod() (algorithms.SignatureAlgorithm, error) {
	if !p.SignatureMethod.IsZero() {
		return p.SignatureMethod, nil
	}
	return algorithms.SignatureFor(p.Signer.Certificate().PublicKeyAlgorithm, p.digest())
}

func (p *UpgradeParameters) digest() algorithms.DigestAlgorithm {
	if p.DigestMethod.IsZero() {
		return algorithms.SHA256
	}
	return p.DigestMethod
}

// checkSigner reports configuration problems common to every signing
// operation.
func (p *SignatureParameters) checkSigner(op string) error {
	if p == nil {
		return configError(op, "no signature parameters")
	}
	if p.Signer == nil || p.Signer.Certificate() == nil {
		return configError(op, "no signer")
	}
	sm, err := p.signatureMethod()
	if err != nil {
		return newError(KindConfiguration, op, "no signature method for signer key", err)
	}
	if sm.KeyType != p.Signer.Certificate().PublicKeyAlgorithm {
		return configError(op, "signature method %s does not match the signer key", sm)
	}
	if c := p.canonicalization(); c != w3c.AlgExcC14N && c != w3c.AlgC14N && c != w3c.AlgC14N11 &&
		c != w3c.AlgExcC14NWithComments && c != w3c.AlgC14NWithComments {
		return configError(op, "unsupported canonicalization %q", c)
	}
	for _, c := range p.Commitments {
		if c.typeURI() == "" {
			return configError(op, "commitment without a type")
		}
	}
	for _, x := range p.XPathTransforms {
		if x.Expression == "" {
			return configError(op, "empty XPath transform")
		}
	}
	if p.Policy != nil {
		if err := p.Policy.Validate(); err != nil {
			return newError(KindConfiguration, op, "signature policy", err)
		}
	}
	return nil
}

// nfc normalises user supplied text before it is signed.
func nfc(s string) string {
	return norm.NFC.String(s)
}
