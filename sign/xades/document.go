package xades

import (
	"crypto/x509"
	"io"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/georgepadayatti/goxades/generated/etsi"
	"github.com/georgepadayatti/goxades/xmldsig"
)

// SignatureDocument is one ds:Signature within its XML document. The
// etree document is the only model; property builders regenerate
// subtrees and splice them into it.
type SignatureDocument struct {
	doc          *etree.Document
	signature    *etree.Element
	contentRefID string
}

// Document returns the underlying tree.
func (d *SignatureDocument) Document() *etree.Document {
	return d.doc
}

// Signature returns the ds:Signature element.
func (d *SignatureDocument) Signature() *etree.Element {
	return d.signature
}

// SignatureID returns the Id of the ds:Signature element.
func (d *SignatureDocument) SignatureID() string {
	return d.signature.SelectAttrValue("Id", "")
}

// ContentReferenceID returns the Id of the reference that carries the
// DataObjectFormat and commitments.
func (d *SignatureDocument) ContentReferenceID() string {
	return d.contentRefID
}

// Bytes serialises the whole document.
func (d *SignatureDocument) Bytes() ([]byte, error) {
	return d.doc.WriteToBytes()
}

// WriteTo serialises the whole document to w.
func (d *SignatureDocument) WriteTo(w io.Writer) (int64, error) {
	return d.doc.WriteTo(w)
}

// Clone deep-copies the document. The copy shares nothing with d.
func (d *SignatureDocument) Clone() *SignatureDocument {
	doc := copyDocument(d.doc)
	var sig *etree.Element
	if path, ok := xmldsig.PathTo(&d.doc.Element, d.signature); ok {
		sig = xmldsig.FollowPath(&doc.Element, path)
	}
	if id := d.SignatureID(); sig == nil && id != "" && doc.Root() != nil {
		sig = xmldsig.FindByID(doc.Root(), id)
	}
	return &SignatureDocument{
		doc:          doc,
		signature:    sig,
		contentRefID: d.contentRefID,
	}
}

// copyDocument deep-copies src. etree's Copy leaves the top-level tokens
// pointing at a detached element, so they are moved onto the copy.
func copyDocument(src *etree.Document) *etree.Document {
	doc := src.Copy()
	children := append([]etree.Token(nil), doc.Child...)
	doc.Child = nil
	for _, t := range children {
		doc.AddChild(t)
	}
	return doc
}

// commit makes d take over the state of other, a clone that was modified
// successfully.
func (d *SignatureDocument) commit(other *SignatureDocument) {
	d.doc = other.doc
	d.signature = other.signature
	d.contentRefID = other.contentRefID
}

// resync serialises the document and parses it again, so the live tree
// is exactly what a reader of the output will see.
func (d *SignatureDocument) resync() error {
	path, inTree := xmldsig.PathTo(&d.doc.Element, d.signature)
	id := d.SignatureID()
	if !inTree && id == "" {
		return lookupError("resync", "signature element is not part of the document")
	}

	raw, err := d.doc.WriteToBytes()
	if err != nil {
		return err
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return err
	}

	var sig *etree.Element
	if id != "" {
		sig = xmldsig.FindByID(doc.Root(), id)
	}
	if sig == nil && inTree {
		sig = xmldsig.FollowPath(&doc.Element, path)
	}
	if sig == nil {
		return lookupError("resync", "signature element lost after reserialisation")
	}
	d.doc = doc
	d.signature = sig
	return nil
}

// SignatureValue returns the ds:SignatureValue element.
func (d *SignatureDocument) SignatureValue() *etree.Element {
	return childNS(d.signature, dsig.Namespace, dsig.SignatureValueTag)
}

// Certificates returns the KeyInfo certificates, signer first.
func (d *SignatureDocument) Certificates() ([]*x509.Certificate, error) {
	return xmldsig.KeyInfoCertificates(d.signature)
}

// qualifyingPropertiesElement finds the QualifyingProperties targeting
// this signature, falling back to the first one present.
func (d *SignatureDocument) qualifyingPropertiesElement() *etree.Element {
	target := "#" + d.SignatureID()
	var first *etree.Element
	for _, obj := range childrenNS(d.signature, dsig.Namespace, "Object") {
		for _, qp := range childrenNS(obj, etsi.XAdESNamespace, "QualifyingProperties") {
			if qp.SelectAttrValue("Target", "") == target {
				return qp
			}
			if first == nil {
				first = qp
			}
		}
	}
	return first
}

// QualifyingProperties decodes the XAdES properties of the signature.
func (d *SignatureDocument) QualifyingProperties() (*etsi.QualifyingProperties, error) {
	el := d.qualifyingPropertiesElement()
	if el == nil {
		return nil, lookupError("qualifying-properties", "signature %q has no QualifyingProperties", d.SignatureID())
	}
	var qp etsi.QualifyingProperties
	if err := unmarshalElement(el, &qp); err != nil {
		return nil, newError(KindLookup, "qualifying-properties", "decoding QualifyingProperties", err)
	}
	return &qp, nil
}

// unsignedSignatureProperties returns the UnsignedSignatureProperties
// element, creating it and its UnsignedProperties parent when asked.
func (d *SignatureDocument) unsignedSignatureProperties(create bool) (*etree.Element, error) {
	qp := d.qualifyingPropertiesElement()
	if qp == nil {
		return nil, lookupError("unsigned-properties", "signature %q has no QualifyingProperties", d.SignatureID())
	}
	up := childNS(qp, etsi.XAdESNamespace, "UnsignedProperties")
	if up == nil {
		if !create {
			return nil, nil
		}
		up = qp.CreateElement("UnsignedProperties")
		up.Space = qp.Space
	}
	usp := childNS(up, etsi.XAdESNamespace, "UnsignedSignatureProperties")
	if usp == nil {
		if !create {
			return nil, nil
		}
		usp = up.CreateElement("UnsignedSignatureProperties")
		usp.Space = up.Space
	}
	return usp, nil
}

// signatureTimeStamps returns the SignatureTimeStamp elements.
func (d *SignatureDocument) signatureTimeStamps() []*etree.Element {
	usp, _ := d.unsignedSignatureProperties(false)
	return childrenNS(usp, etsi.XAdESNamespace, "SignatureTimeStamp")
}

// Load returns one SignatureDocument per ds:Signature found in data,
// including countersignatures. All of them share the parsed tree.
func Load(data []byte) ([]*SignatureDocument, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, newError(KindConfiguration, "load", "input is not XML", err)
	}
	if doc.Root() == nil {
		return nil, lookupError("load", "empty document")
	}

	var out []*SignatureDocument
	for _, sig := range descendantsNS(doc.Root(), dsig.Namespace, "Signature") {
		out = append(out, &SignatureDocument{
			doc:          doc,
			signature:    sig,
			contentRefID: contentReferenceID(sig),
		})
	}
	if len(out) == 0 {
		return nil, lookupError("load", "no ds:Signature element found")
	}
	return out, nil
}

// contentReferenceID picks the first reference that is not the
// SignedProperties reference.
func contentReferenceID(signature *etree.Element) string {
	for _, ref := range xmldsig.References(signature) {
		if ref.SelectAttrValue("Type", "") != etsi.TypeSignedProperties {
			return ref.SelectAttrValue("Id", "")
		}
	}
	return ""
}

// contentReference returns the reference element with the content id.
func (d *SignatureDocument) contentReference() *etree.Element {
	for _, ref := range xmldsig.References(d.signature) {
		if d.contentRefID != "" && ref.SelectAttrValue("Id", "") == d.contentRefID {
			return ref
		}
	}
	for _, ref := range xmldsig.References(d.signature) {
		if ref.SelectAttrValue("Type", "") != etsi.TypeSignedProperties {
			return ref
		}
	}
	return nil
}
