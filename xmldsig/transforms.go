package xmldsig

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"

	"github.com/georgepadayatti/goxades/generated/w3c"
)

// Filter values of an XPath Filter 2.0 expression.
const (
	FilterSubtract  = "subtract"
	FilterIntersect = "intersect"
	FilterUnion     = "union"
)

// transformInput is either a node-set, rooted at a detached copy of the
// reference target, or an octet stream.
type transformInput struct {
	node   *etree.Element
	octets []byte
}

// TransformElement applies transforms to target and returns the octets to
// digest. signature is the enclosing ds:Signature, removed by the
// enveloped-signature transform when it lies inside target.
func TransformElement(target, signature *etree.Element, transforms []w3c.Transform) ([]byte, error) {
	node, err := detach(target)
	if err != nil {
		return nil, err
	}
	in := &transformInput{node: node}
	for _, t := range transforms {
		switch {
		case t.Algorithm == w3c.AlgEnvelopedSignature:
			if in.node == nil {
				return nil, fmt.Errorf("%w: enveloped-signature over octets", ErrMalformedSignature)
			}
			if signature != nil {
				removeMapped(target, in.node, []*etree.Element{signature})
			}
		case t.Algorithm == w3c.AlgXPathFilter2:
			if in.node == nil {
				return nil, fmt.Errorf("%w: XPath filter over octets", ErrMalformedSignature)
			}
			if err := applyXPathFilters(target, in.node, t.XPath); err != nil {
				return nil, err
			}
		default:
			if err := in.apply(t); err != nil {
				return nil, err
			}
		}
	}
	return in.finish()
}

// TransformOctets applies transforms to content addressed by a URI that
// lies outside the document.
func TransformOctets(data []byte, transforms []w3c.Transform) ([]byte, error) {
	in := &transformInput{octets: data}
	for _, t := range transforms {
		if err := in.apply(t); err != nil {
			return nil, err
		}
	}
	return in.finish()
}

func (in *transformInput) apply(t w3c.Transform) error {
	switch {
	case t.Algorithm == w3c.AlgBase64:
		text := string(in.octets)
		if in.node != nil {
			text = textContent(in.node)
		}
		decoded, err := w3c.DecodeBase64(text)
		if err != nil {
			return fmt.Errorf("%w: base64 transform: %v", ErrMalformedSignature, err)
		}
		in.node, in.octets = nil, decoded
		return nil
	case IsCanonicalization(t.Algorithm):
		if in.node == nil {
			doc := etree.NewDocument()
			if err := doc.ReadFromBytes(in.octets); err != nil {
				return fmt.Errorf("%w: canonicalizing octets: %v", ErrMalformedSignature, err)
			}
			if doc.Root() == nil {
				return fmt.Errorf("%w: canonicalizing empty input", ErrMalformedSignature)
			}
			in.node = doc.Root()
		}
		c, _ := Canonicalizer(t.Algorithm)
		out, err := c.Canonicalize(in.node)
		if err != nil {
			return err
		}
		in.node, in.octets = nil, out
		return nil
	case t.Algorithm == w3c.AlgEnvelopedSignature || t.Algorithm == w3c.AlgXPathFilter2:
		return fmt.Errorf("%w: %s needs a same-document reference", ErrMalformedSignature, t.Algorithm)
	default:
		return fmt.Errorf("%w: transform %q", ErrUnsupportedAlgorithm, t.Algorithm)
	}
}

// finish converts a remaining node-set to octets with inclusive C14N 1.0.
func (in *transformInput) finish() ([]byte, error) {
	if in.node == nil {
		return in.octets, nil
	}
	c, _ := Canonicalizer(w3c.AlgC14N)
	return c.Canonicalize(in.node)
}

// applyXPathFilters evaluates each expression against the whole document
// holding target and removes the matches from clone. Only
// subtract filters are supported; expressions use etree path syntax.
func applyXPathFilters(target, clone *etree.Element, filters []w3c.XPathFilter) error {
	root := documentElement(target)
	for _, f := range filters {
		if f.Filter != FilterSubtract {
			return fmt.Errorf("%w: XPath filter %q", ErrUnsupportedAlgorithm, f.Filter)
		}
		expr := strings.TrimSpace(f.Value)
		path, err := etree.CompilePath(expr)
		if err != nil {
			return fmt.Errorf("%w: XPath %q: %v", ErrMalformedSignature, expr, err)
		}
		removeMapped(target, clone, root.FindElementsPath(path))
	}
	return nil
}

// removeMapped removes from clone the counterparts of the given elements of
// the original tree. Elements outside original are ignored.
func removeMapped(original, clone *etree.Element, elements []*etree.Element) {
	var doomed []*etree.Element
	for _, el := range elements {
		path, ok := PathTo(original, el)
		if !ok || len(path) == 0 {
			continue
		}
		if mapped := FollowPath(clone, path); mapped != nil {
			doomed = append(doomed, mapped)
		}
	}
	for _, el := range doomed {
		if p := el.Parent(); p != nil {
			p.RemoveChild(el)
		}
	}
}

// PathTo returns the child token indexes leading from ancestor to el.
func PathTo(ancestor, el *etree.Element) ([]int, bool) {
	var path []int
	for cur := el; cur != nil; cur = cur.Parent() {
		if cur == ancestor {
			for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
				path[i], path[j] = path[j], path[i]
			}
			return path, true
		}
		path = append(path, cur.Index())
	}
	return nil, false
}

// FollowPath resolves a PathTo result against another tree of the same shape.
func FollowPath(el *etree.Element, path []int) *etree.Element {
	for _, i := range path {
		if i < 0 || i >= len(el.Child) {
			return nil
		}
		child, ok := el.Child[i].(*etree.Element)
		if !ok {
			return nil
		}
		el = child
	}
	return el
}

// textContent concatenates the character data of el and its descendants.
func textContent(el *etree.Element) string {
	var b strings.Builder
	var walk func(*etree.Element)
	walk = func(e *etree.Element) {
		for _, tok := range e.Child {
			switch t := tok.(type) {
			case *etree.CharData:
				b.WriteString(t.Data)
			case *etree.Element:
				walk(t)
			}
		}
	}
	walk(el)
	return b.String()
}

// documentElement returns the root element of the tree holding el.
func documentElement(el *etree.Element) *etree.Element {
	top := el
	for top.Parent() != nil {
		top = top.Parent()
	}
	if top.Tag == "" {
		if children := top.ChildElements(); len(children) > 0 {
			return children[0]
		}
	}
	return top
}
