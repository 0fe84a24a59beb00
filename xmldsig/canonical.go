// Package xmldsig implements the parts of XML-DSig processing needed to
// produce and check XAdES signatures: canonicalization of subtrees,
// reference transforms and digests, and SignedInfo signing and
// verification. Canonicalization itself is delegated to goxmldsig.
package xmldsig

import (
	"errors"
	"fmt"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/russellhaering/goxmldsig/etreeutils"

	"github.com/georgepadayatti/goxades/generated/w3c"
)

// Common errors
var (
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrReferenceNotFound    = errors.New("reference target not found")
	ErrDigestMismatch       = errors.New("reference digest mismatch")
	ErrSignatureInvalid     = errors.New("signature value does not verify")
	ErrMalformedSignature   = errors.New("malformed signature element")
)

// Canonicalizer returns the goxmldsig canonicalizer for a C14N method URI.
func Canonicalizer(uri string) (dsig.Canonicalizer, error) {
	switch uri {
	case w3c.AlgExcC14N:
		return dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList(""), nil
	case w3c.AlgExcC14NWithComments:
		return dsig.MakeC14N10ExclusiveWithCommentsCanonicalizerWithPrefixList(""), nil
	case w3c.AlgC14N:
		return dsig.MakeC14N10RecCanonicalizer(), nil
	case w3c.AlgC14NWithComments:
		return dsig.MakeC14N10WithCommentsCanonicalizer(), nil
	case w3c.AlgC14N11:
		return dsig.MakeC14N11Canonicalizer(), nil
	default:
		return nil, fmt.Errorf("%w: canonicalization %q", ErrUnsupportedAlgorithm, uri)
	}
}

// IsCanonicalization reports whether uri names a supported C14N method.
func IsCanonicalization(uri string) bool {
	_, err := Canonicalizer(uri)
	return err == nil
}

// Canonicalize serialises el with the given method. Namespaces declared on
// the ancestors of el are taken into account; el itself is not modified.
func Canonicalize(el *etree.Element, method string) ([]byte, error) {
	c, err := Canonicalizer(method)
	if err != nil {
		return nil, err
	}
	detached, err := detach(el)
	if err != nil {
		return nil, err
	}
	return c.Canonicalize(detached)
}

// detach copies el and declares every in-scope namespace on the copy.
func detach(el *etree.Element) (*etree.Element, error) {
	ctx, err := etreeutils.NSBuildParentContext(el)
	if err != nil {
		return nil, err
	}
	return etreeutils.NSDetatch(ctx, el)
}
