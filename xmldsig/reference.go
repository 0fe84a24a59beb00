package xmldsig

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/georgepadayatti/goxades/generated/w3c"
	"github.com/georgepadayatti/goxades/sign/algorithms"
)

// Resolver returns the bytes behind a reference URI that does not point
// into the signature's own document.
type Resolver func(ctx context.Context, uri string) ([]byte, error)

// idAttributes are the attribute names accepted as element ids.
var idAttributes = []string{"Id", "ID", "id"}

// FindByID returns the element of the tree holding el whose id is id.
func FindByID(el *etree.Element, id string) *etree.Element {
	var found *etree.Element
	var walk func(*etree.Element) bool
	walk = func(e *etree.Element) bool {
		for _, name := range idAttributes {
			if a := e.SelectAttr(name); a != nil && a.Space == "" && a.Value == id {
				found = e
				return true
			}
		}
		for _, c := range e.ChildElements() {
			if walk(c) {
				return true
			}
		}
		return false
	}
	walk(documentElement(el))
	return found
}

// ChildNS returns the first child of el with the given namespace and tag.
func ChildNS(el *etree.Element, namespace, tag string) *etree.Element {
	if el == nil {
		return nil
	}
	for _, c := range el.ChildElements() {
		if c.Tag == tag && c.NamespaceURI() == namespace {
			return c
		}
	}
	return nil
}

// ChildrenNS returns the children of el with the given namespace and tag.
func ChildrenNS(el *etree.Element, namespace, tag string) []*etree.Element {
	var out []*etree.Element
	if el == nil {
		return out
	}
	for _, c := range el.ChildElements() {
		if c.Tag == tag && c.NamespaceURI() == namespace {
			out = append(out, c)
		}
	}
	return out
}

// References returns the ds:Reference elements of the signature's SignedInfo.
func References(signature *etree.Element) []*etree.Element {
	return ChildrenNS(ChildNS(signature, dsig.Namespace, dsig.SignedInfoTag), dsig.Namespace, dsig.ReferenceTag)
}

// ParseTransforms reads the ds:Transforms of a reference.
func ParseTransforms(ref *etree.Element) []w3c.Transform {
	var out []w3c.Transform
	for _, t := range ChildrenNS(ChildNS(ref, dsig.Namespace, dsig.TransformsTag), dsig.Namespace, dsig.TransformTag) {
		tr := w3c.Transform{Algorithm: t.SelectAttrValue(dsig.AlgorithmAttr, "")}
		for _, x := range ChildrenNS(t, w3c.XPathFilter2Namespace, "XPath") {
			tr.XPath = append(tr.XPath, w3c.XPathFilter{
				Filter: x.SelectAttrValue("Filter", ""),
				Value:  x.Text(),
			})
		}
		out = append(out, tr)
	}
	return out
}

// ReferenceOctets dereferences ref and applies its transforms.
func ReferenceOctets(ctx context.Context, signature, ref *etree.Element, resolve Resolver) ([]byte, error) {
	uri := ref.SelectAttrValue(dsig.URIAttr, "")
	transforms := ParseTransforms(ref)

	switch {
	case uri == "":
		return TransformElement(documentElement(signature), signature, transforms)
	case strings.HasPrefix(uri, "#"):
		target := FindByID(signature, uri[1:])
		if target == nil {
			return nil, fmt.Errorf("%w: %s", ErrReferenceNotFound, uri)
		}
		return TransformElement(target, signature, transforms)
	default:
		if resolve == nil {
			return nil, fmt.Errorf("%w: no resolver for %s", ErrReferenceNotFound, uri)
		}
		data, err := resolve(ctx, uri)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrReferenceNotFound, uri, err)
		}
		return TransformOctets(data, transforms)
	}
}

// DigestReference computes the digest of ref with its DigestMethod.
func DigestReference(ctx context.Context, signature, ref *etree.Element, resolve Resolver) ([]byte, error) {
	dm := ChildNS(ref, dsig.Namespace, dsig.DigestMethodTag)
	if dm == nil {
		return nil, fmt.Errorf("%w: reference without DigestMethod", ErrMalformedSignature)
	}
	alg, err := algorithms.DigestByURI(dm.SelectAttrValue(dsig.AlgorithmAttr, ""))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, err)
	}
	octets, err := ReferenceOctets(ctx, signature, ref, resolve)
	if err != nil {
		return nil, err
	}
	return alg.Sum(octets), nil
}

// DigestReferences fills the DigestValue of every reference whose value
// is still empty.
func DigestReferences(ctx context.Context, signature *etree.Element, resolve Resolver) error {
	for _, ref := range References(signature) {
		dv := ChildNS(ref, dsig.Namespace, dsig.DigestValueTag)
		if dv == nil {
			return fmt.Errorf("%w: reference without DigestValue", ErrMalformedSignature)
		}
		if strings.TrimSpace(dv.Text()) != "" {
			continue
		}
		digest, err := DigestReference(ctx, signature, ref, resolve)
		if err != nil {
			return err
		}
		dv.SetText(base64.StdEncoding.EncodeToString(digest))
	}
	return nil
}

// VerifyReferences recomputes every reference digest and compares it with
// the stored DigestValue.
func VerifyReferences(ctx context.Context, signature *etree.Element, resolve Resolver) error {
	refs := References(signature)
	if len(refs) == 0 {
		return fmt.Errorf("%w: no references", ErrMalformedSignature)
	}
	for _, ref := range refs {
		dv := ChildNS(ref, dsig.Namespace, dsig.DigestValueTag)
		if dv == nil {
			return fmt.Errorf("%w: reference without DigestValue", ErrMalformedSignature)
		}
		want, err := w3c.DecodeBase64(dv.Text())
		if err != nil {
			return fmt.Errorf("%w: DigestValue: %v", ErrMalformedSignature, err)
		}
		got, err := DigestReference(ctx, signature, ref, resolve)
		if err != nil {
			return err
		}
		if !bytes.Equal(got, want) {
			return fmt.Errorf("%w: %s", ErrDigestMismatch, ref.SelectAttrValue(dsig.URIAttr, ""))
		}
	}
	return nil
}
