// Package ades provides the Advanced Electronic Signature vocabulary used
// by the XAdES properties: commitment types and explicit signature
// policies, together with the validation report produced by the verifier.
package ades

import (
	"encoding/asn1"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/georgepadayatti/goxades/generated/etsi"
	"github.com/georgepadayatti/goxades/sign/algorithms"
)

// Common errors
var (
	ErrInvalidOID        = errors.New("invalid OID")
	ErrInvalidCommitment = errors.New("invalid commitment type")
	ErrInvalidPolicyID   = errors.New("invalid signature policy identifier")
)

// Commitment type OIDs from RFC 5126. TS 101 903 reuses the same
// commitments under URIs.
var (
	OIDProofOfOrigin   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 6, 1}
	OIDProofOfReceipt  = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 6, 2}
	OIDProofOfDelivery = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 6, 3}
	OIDProofOfSender   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 6, 4}
	OIDProofOfApproval = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 6, 5}
	OIDProofOfCreation = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 6, 6}
)

// CommitmentType represents a signature commitment type.
type CommitmentType int

const (
	CommitmentProofOfOrigin CommitmentType = iota
	CommitmentProofOfReceipt
	CommitmentProofOfDelivery
	CommitmentProofOfSender
	CommitmentProofOfApproval
	CommitmentProofOfCreation
)

var commitmentTypes = []CommitmentType{
	CommitmentProofOfOrigin,
	CommitmentProofOfReceipt,
	CommitmentProofOfDelivery,
	CommitmentProofOfSender,
	CommitmentProofOfApproval,
	CommitmentProofOfCreation,
}

// String returns the string representation of the commitment type.
func (c CommitmentType) String() string {
	switch c {
	case CommitmentProofOfOrigin:
		return "proof_of_origin"
	case CommitmentProofOfReceipt:
		return "proof_of_receipt"
	case CommitmentProofOfDelivery:
		return "proof_of_delivery"
	case CommitmentProofOfSender:
		return "proof_of_sender"
	case CommitmentProofOfApproval:
		return "proof_of_approval"
	case CommitmentProofOfCreation:
		return "proof_of_creation"
	default:
		return "unknown"
	}
}

// OID returns the ASN.1 OID for the commitment type.
func (c CommitmentType) OID() asn1.ObjectIdentifier {
	switch c {
	case CommitmentProofOfOrigin:
		return OIDProofOfOrigin
	case CommitmentProofOfReceipt:
		return OIDProofOfReceipt
	case CommitmentProofOfDelivery:
		return OIDProofOfDelivery
	case CommitmentProofOfSender:
		return OIDProofOfSender
	case CommitmentProofOfApproval:
		return OIDProofOfApproval
	case CommitmentProofOfCreation:
		return OIDProofOfCreation
	default:
		return nil
	}
}

// URI returns the XAdES CommitmentTypeId URI.
func (c CommitmentType) URI() string {
	switch c {
	case CommitmentProofOfOrigin:
		return etsi.CommitmentProofOfOrigin
	case CommitmentProofOfReceipt:
		return etsi.CommitmentProofOfReceipt
	case CommitmentProofOfDelivery:
		return etsi.CommitmentProofOfDelivery
	case CommitmentProofOfSender:
		return etsi.CommitmentProofOfSender
	case CommitmentProofOfApproval:
		return etsi.CommitmentProofOfApproval
	case CommitmentProofOfCreation:
		return etsi.CommitmentProofOfCreation
	default:
		return ""
	}
}

// ParseCommitmentType accepts the String form ("proof_of_origin"), the
// XAdES URI, or the URI fragment ("ProofOfOrigin").
func ParseCommitmentType(s string) (CommitmentType, error) {
	needle := strings.TrimSpace(s)
	for _, c := range commitmentTypes {
		uri := c.URI()
		fragment := uri[strings.LastIndexByte(uri, '#')+1:]
		if needle == c.String() || needle == uri || strings.EqualFold(needle, fragment) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidCommitment, s)
}

// CommitmentTypeFromURI maps a CommitmentTypeId back to its type.
func CommitmentTypeFromURI(uri string) (CommitmentType, bool) {
	for _, c := range commitmentTypes {
		if c.URI() == uri {
			return c, true
		}
	}
	return 0, false
}

// SignaturePolicy identifies an explicit signature policy document.
type SignaturePolicy struct {
	// Identifier is an OID ("2.16.724.1.3.1.1.2.1.9"), an OID URN
	// ("urn:oid:…") or a URI.
	Identifier  string
	Description string
	// URI is the SPURI qualifier, where the policy document is published.
	URI          string
	DigestMethod algorithms.DigestAlgorithm
	Digest       []byte
}

// NewSignaturePolicy hashes the policy document with digest.
func NewSignaturePolicy(identifier string, document []byte, digest algorithms.DigestAlgorithm) (*SignaturePolicy, error) {
	p := &SignaturePolicy{
		Identifier:   strings.TrimSpace(identifier),
		DigestMethod: digest,
		Digest:       digest.Sum(document),
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks that the policy can be written as a SignaturePolicyId.
func (p *SignaturePolicy) Validate() error {
	if p.Identifier == "" {
		return fmt.Errorf("%w: empty identifier", ErrInvalidPolicyID)
	}
	if p.DigestMethod.IsZero() || len(p.Digest) == 0 {
		return fmt.Errorf("%w: missing policy hash", ErrInvalidPolicyID)
	}
	if len(p.Digest) != p.DigestMethod.Hash.Size() {
		return fmt.Errorf("%w: %d byte hash for %s", ErrInvalidPolicyID, len(p.Digest), p.DigestMethod)
	}
	return nil
}

// IdentifierValue returns the SigPolicyId identifier and its qualifier.
// Bare OIDs are written as OID URNs.
func (p *SignaturePolicy) IdentifierValue() (string, etsi.QualifierType) {
	id := p.Identifier
	switch {
	case strings.HasPrefix(strings.ToLower(id), "urn:oid:"):
		return id, etsi.QualifierOIDAsURN
	case IsOID(id):
		return "urn:oid:" + id, etsi.QualifierOIDAsURN
	default:
		return id, ""
	}
}

// ParseOID parses a dotted OID string.
func ParseOID(s string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(strings.TrimPrefix(strings.ToLower(s), "urn:oid:"), ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOID, s)
	}
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidOID, s)
		}
		oid[i] = n
	}
	return oid, nil
}

// IsOID reports whether s is a bare dotted OID.
func IsOID(s string) bool {
	_, err := ParseOID(s)
	return err == nil && !strings.HasPrefix(strings.ToLower(s), "urn:")
}
