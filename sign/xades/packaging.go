package xades

import (
	"encoding/base64"
	"mime"
	"net/url"
	"strings"

	"github.com/beevik/etree"

	"github.com/georgepadayatti/goxades/generated/etsi"
	"github.com/georgepadayatti/goxades/generated/w3c"
	"github.com/georgepadayatti/goxades/xmldsig"
)

// Carrier element names of internally detached signatures.
const (
	carrierDocumentTag = "DOCUMENT"
	carrierContentTag  = "CONTENT"
)

// packaged is the outcome of packaging: where the signature goes and
// the reference over the content.
type packaged struct {
	// doc is nil when the signature is the document root.
	doc *etree.Document
	// parent receives the signature element.
	parent *etree.Element
	// object is the enveloping ds:Object holding the content.
	object    *etree.Element
	reference w3c.Reference
	mimeType  string
	encoding  string
}

// pack builds the carrier document and content reference for content.
func pack(op string, content []byte, p *SignatureParameters) (*packaged, error) {
	if p.Packaging != ExternallyDetached && len(content) == 0 {
		return nil, configError(op, "no content to sign")
	}
	if p.DestinationXPath != "" && p.Packaging != Enveloped {
		return nil, configError(op, "a destination XPath applies to enveloped packaging only")
	}

	refID := newID("Reference")
	digest := p.digest().URI

	switch p.Packaging {
	case Enveloped:
		doc, ok := parseXML(content)
		if !ok {
			return nil, configError(op, "enveloped packaging needs an XML document")
		}
		root := doc.Root()
		uri := ""
		if id := root.SelectAttrValue("Id", ""); id != "" {
			uri = "#" + id
		}
		parent := root
		if p.DestinationXPath != "" {
			path, err := etree.CompilePath(p.DestinationXPath)
			if err != nil {
				return nil, newError(KindConfiguration, op, "destination XPath", err)
			}
			matches := doc.FindElementsPath(path)
			if len(matches) == 0 {
				return nil, lookupError(op, "destination XPath %q matches no element", p.DestinationXPath)
			}
			parent = matches[0]
		}
		ref := w3c.NewReference(refID, uri, digest, withXPath(p,
			w3c.Transform{Algorithm: w3c.AlgEnvelopedSignature},
			w3c.Transform{Algorithm: w3c.AlgExcC14N})...)
		return &packaged{doc: doc, parent: parent, reference: ref, mimeType: p.MimeType, encoding: p.Encoding}, nil

	case Enveloping:
		objID := newID("CONTENT")
		obj := etree.NewElement("Object")
		obj.Space = prefixDSig
		obj.CreateAttr("Id", objID)
		out := &packaged{object: obj, mimeType: p.MimeType, encoding: p.Encoding}

		var transforms []w3c.Transform
		if payload, ok := xmlPayload(content, p.MimeType); ok {
			obj.AddChild(payload.Root())
			transforms = withXPath(p, w3c.Transform{Algorithm: w3c.AlgC14N})
			if out.mimeType == "" {
				out.mimeType = "text/xml"
			}
		} else {
			obj.SetText(base64.StdEncoding.EncodeToString(content))
			out.encoding = w3c.AlgBase64
			transforms = []w3c.Transform{{Algorithm: w3c.AlgBase64}}
		}
		if out.mimeType != "" {
			obj.CreateAttr("MimeType", out.mimeType)
		}
		if out.encoding != "" {
			obj.CreateAttr("Encoding", out.encoding)
		}
		out.reference = w3c.NewReference(refID, "#"+objID, digest, transforms...)
		out.reference.Type = etsi.TypeObject
		return out, nil

	case InternallyDetached, InternallyDetachedHash:
		if p.MimeType == "" {
			return nil, configError(op, "internally detached packaging needs a MIME type")
		}
		doc := etree.NewDocument()
		root := doc.CreateElement(carrierDocumentTag)
		contentID := newID("CONTENT")
		c := root.CreateElement(carrierContentTag)
		c.CreateAttr("Id", contentID)
		c.CreateAttr("MimeType", p.MimeType)
		out := &packaged{doc: doc, parent: root, mimeType: p.MimeType}

		var transforms []w3c.Transform
		switch payload, ok := xmlPayload(content, p.MimeType); {
		case p.Packaging == InternallyDetachedHash:
			out.encoding = p.digest().URI
			c.CreateAttr("Encoding", out.encoding)
			c.SetText(base64.StdEncoding.EncodeToString(p.digest().Sum(content)))
			transforms = []w3c.Transform{{Algorithm: w3c.AlgBase64}}
		case ok:
			c.AddChild(payload.Root())
			transforms = withXPath(p, w3c.Transform{Algorithm: w3c.AlgC14N})
		default:
			out.encoding = w3c.AlgBase64
			c.CreateAttr("Encoding", out.encoding)
			c.SetText(base64.StdEncoding.EncodeToString(content))
			transforms = []w3c.Transform{{Algorithm: w3c.AlgBase64}}
		}
		out.reference = w3c.NewReference(refID, "#"+contentID, digest, transforms...)
		return out, nil

	case ExternallyDetached:
		u, err := url.Parse(p.ExternalURI)
		if p.ExternalURI == "" || err != nil || !u.IsAbs() {
			return nil, configError(op, "externally detached packaging needs an absolute URI, got %q", p.ExternalURI)
		}
		switch u.Scheme {
		case "file", "http", "https":
		default:
			return nil, configError(op, "unsupported external URI scheme %q", u.Scheme)
		}
		return &packaged{
			reference: w3c.NewReference(refID, p.ExternalURI, digest),
			mimeType:  p.MimeType,
			encoding:  p.Encoding,
		}, nil
	}
	return nil, configError(op, "unknown packaging %v", p.Packaging)
}

// withXPath inserts the configured XPath Filter 2.0 steps ahead of the
// final canonicalization of a node-set reference.
func withXPath(p *SignatureParameters, transforms ...w3c.Transform) []w3c.Transform {
	if len(p.XPathTransforms) == 0 {
		return transforms
	}
	filter := w3c.Transform{Algorithm: w3c.AlgXPathFilter2}
	for _, x := range p.XPathTransforms {
		f := x.Filter
		if f == "" {
			f = xmldsig.FilterSubtract
		}
		filter.XPath = append(filter.XPath, w3c.XPathFilter{Filter: f, Value: x.Expression})
	}
	last := len(transforms) - 1
	out := append([]w3c.Transform{}, transforms[:last]...)
	out = append(out, filter)
	return append(out, transforms[last])
}

func parseXML(content []byte) (*etree.Document, bool) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(content); err != nil || doc.Root() == nil {
		return nil, false
	}
	return doc, true
}

// xmlPayload parses content when it should be embedded as markup: the
// MIME type, when given, must be an XML type.
func xmlPayload(content []byte, mimeType string) (*etree.Document, bool) {
	if mimeType != "" && !isXMLMimeType(mimeType) {
		return nil, false
	}
	return parseXML(content)
}

func isXMLMimeType(mimeType string) bool {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return false
	}
	return mt == "text/xml" || mt == "application/xml" || strings.HasSuffix(mt, "+xml")
}
