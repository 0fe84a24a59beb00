package xades

import (
	"encoding/xml"
	"fmt"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/russellhaering/goxmldsig/etreeutils"

	"github.com/georgepadayatti/goxades/generated/etsi"
	"github.com/georgepadayatti/goxades/generated/w3c"
)

// Prefixes written for the namespaces the engine produces.
const (
	prefixDSig   = "ds"
	prefixXAdES  = "xades"
	prefixXPath2 = "dsig-xpath"
)

var namespacePrefixes = map[string]string{
	dsig.Namespace:            prefixDSig,
	etsi.XAdESNamespace:       prefixXAdES,
	w3c.XPathFilter2Namespace: prefixXPath2,
}

// opaque elements hold caller supplied markup, which keeps whatever
// namespaces it was written with.
var opaque = map[string]bool{
	"CommitmentTypeQualifier": true,
	"ClaimedRole":             true,
	"Object":                  true,
	"CounterSignature":        true,
}

// newID returns a fresh element id with the given prefix.
func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// toElement marshals v and rewrites the result with the ds, xades and
// dsig-xpath prefixes. encoding/xml only writes default namespace
// declarations, which would collide with the signed document's own.
func toElement(v any) (*etree.Element, error) {
	raw, err := xml.Marshal(v)
	if err != nil {
		return nil, err
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, err
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("marshalling %T produced no element", v)
	}

	type named struct {
		el *etree.Element
		ns string
	}
	var elements []named
	var walk func(*etree.Element)
	walk = func(e *etree.Element) {
		elements = append(elements, named{e, e.NamespaceURI()})
		if opaque[e.Tag] {
			return
		}
		for _, c := range e.ChildElements() {
			walk(c)
		}
	}
	walk(root)

	used := map[string]string{}
	for _, n := range elements {
		prefix, ok := namespacePrefixes[n.ns]
		if !ok {
			continue
		}
		n.el.Space = prefix
		n.el.RemoveAttr("xmlns")
		used[prefix] = n.ns
	}
	for _, prefix := range []string{prefixDSig, prefixXAdES, prefixXPath2} {
		if ns, ok := used[prefix]; ok {
			root.CreateAttr("xmlns:"+prefix, ns)
		}
	}

	root.Parent().RemoveChild(root)
	return root, nil
}

// splice appends child to parent and drops namespace declarations on
// child that parent already has in scope.
func splice(parent, child *etree.Element) {
	insertChild(parent, child, -1)
}

// spliceAfter inserts child right after sibling.
func spliceAfter(sibling, child *etree.Element) {
	insertChild(sibling.Parent(), child, sibling.Index()+1)
}

func insertChild(parent, child *etree.Element, index int) {
	if index < 0 {
		parent.AddChild(child)
	} else {
		parent.InsertChildAt(index, child)
	}
	for _, a := range append([]etree.Attr(nil), child.Attr...) {
		if a.Space != "xmlns" {
			continue
		}
		if lookupNamespace(parent, a.Key) == a.Value {
			child.RemoveAttr("xmlns:" + a.Key)
		}
	}
}

// lookupNamespace resolves prefix at el by walking its ancestors.
func lookupNamespace(el *etree.Element, prefix string) string {
	for cur := el; cur != nil; cur = cur.Parent() {
		if a := cur.SelectAttr("xmlns:" + prefix); a != nil {
			return a.Value
		}
	}
	return ""
}

// standalone copies el into its own document with every in-scope
// namespace declared, so it can be serialised on its own.
func standalone(el *etree.Element) (*etree.Document, error) {
	ctx, err := etreeutils.NSBuildParentContext(el)
	if err != nil {
		return nil, err
	}
	detached, err := etreeutils.NSDetatch(ctx, el)
	if err != nil {
		return nil, err
	}
	doc := etree.NewDocument()
	doc.SetRoot(detached)
	return doc, nil
}

// unmarshalElement decodes el into v with encoding/xml.
func unmarshalElement(el *etree.Element, v any) error {
	doc, err := standalone(el)
	if err != nil {
		return err
	}
	raw, err := doc.WriteToBytes()
	if err != nil {
		return err
	}
	return xml.Unmarshal(raw, v)
}

func childNS(el *etree.Element, ns, tag string) *etree.Element {
	if el == nil {
		return nil
	}
	for _, c := range el.ChildElements() {
		if c.Tag == tag && c.NamespaceURI() == ns {
			return c
		}
	}
	return nil
}

func childrenNS(el *etree.Element, ns, tag string) []*etree.Element {
	var out []*etree.Element
	if el == nil {
		return out
	}
	for _, c := range el.ChildElements() {
		if c.Tag == tag && c.NamespaceURI() == ns {
			out = append(out, c)
		}
	}
	return out
}

// descendantsNS returns every element below el, el included, with the
// given namespace and tag, in document order.
func descendantsNS(el *etree.Element, ns, tag string) []*etree.Element {
	var out []*etree.Element
	var walk func(*etree.Element)
	walk = func(e *etree.Element) {
		if e.Tag == tag && e.NamespaceURI() == ns {
			out = append(out, e)
		}
		for _, c := range e.ChildElements() {
			walk(c)
		}
	}
	if el != nil {
		walk(el)
	}
	return out
}
