// Package xades assembles XAdES signatures and upgrades them to the
// long-term forms. It packages content, builds the qualifying
// properties, signs through the xmldsig package, and adds timestamps,
// certificate values and revocation evidence for the T and XL forms.
package xades

import (
	"context"
	"errors"

	"github.com/beevik/etree"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/georgepadayatti/goxades/certvalidator/fetchers"
	"github.com/georgepadayatti/goxades/generated/etsi"
	"github.com/georgepadayatti/goxades/generated/w3c"
	"github.com/georgepadayatti/goxades/keys"
	"github.com/georgepadayatti/goxades/sign/ocspclient"
	"github.com/georgepadayatti/goxades/xmldsig"
)

// Engine signs, upgrades and validates XAdES signatures. It holds no
// per-document state and may be shared; documents themselves are
// single-writer.
type Engine struct {
	logger  *zap.Logger
	clock   clockwork.Clock
	fetcher *fetchers.Fetcher
	ocsp    *ocspclient.Client
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock sets the clock used for signing times and CRL freshness.
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithFetcher sets the fetcher used for external references, CRL
// distribution points and AIA issuer downloads.
func WithFetcher(f *fetchers.Fetcher) Option {
	return func(e *Engine) { e.fetcher = f }
}

// WithOCSPClient sets the OCSP client.
func WithOCSPClient(c *ocspclient.Client) Option {
	return func(e *Engine) { e.ocsp = c }
}

// NewEngine creates an engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		logger: zap.NewNop(),
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.fetcher == nil {
		cfg := fetchers.DefaultConfig()
		cfg.Logger = e.logger
		e.fetcher = fetchers.NewFetcher(cfg)
	}
	if e.ocsp == nil {
		e.ocsp = ocspclient.NewClient()
		e.ocsp.Logger = e.logger
	}
	return e
}

// resolve dereferences URIs outside the signed document.
func (e *Engine) resolve(ctx context.Context, uri string) ([]byte, error) {
	e.logger.Debug("resolving external reference", zap.String("uri", uri))
	return e.fetcher.Fetch(ctx, uri)
}

// Sign packages content and produces a XAdES-BES signature over it.
// content is ignored for externally detached signatures.
func (e *Engine) Sign(ctx context.Context, content []byte, params *SignatureParameters) (*SignatureDocument, error) {
	const op = "sign"
	if err := params.checkSigner(op); err != nil {
		return nil, err
	}
	pk, err := pack(op, content, params)
	if err != nil {
		return nil, err
	}

	var objects []*etree.Element
	if pk.object != nil {
		objects = append(objects, pk.object)
	}
	sig, err := e.newSignature(op, params, pk.reference, pk.mimeType, pk.encoding, objects...)
	if err != nil {
		return nil, err
	}

	doc := pk.doc
	if doc == nil {
		doc = etree.NewDocument()
		doc.SetRoot(sig)
	} else {
		splice(pk.parent, sig)
	}

	out := &SignatureDocument{doc: doc, signature: sig, contentRefID: pk.reference.ID}
	if err := e.finish(ctx, op, out, params.Signer); err != nil {
		return nil, err
	}
	e.logger.Info("signature created",
		zap.String("signature", out.SignatureID()),
		zap.Stringer("packaging", params.Packaging))
	return out, nil
}

// CoSign adds a parallel signature over the content of existing. The
// new signature is placed right after the existing one; existing itself
// is left untouched.
func (e *Engine) CoSign(ctx context.Context, existing *SignatureDocument, params *SignatureParameters) (*SignatureDocument, error) {
	const op = "cosign"
	if err := params.checkSigner(op); err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, configError(op, "no signature to co-sign")
	}

	clone := existing.Clone()
	prior := clone.contentReference()
	if prior == nil {
		return nil, lookupError(op, "signature %q has no content reference", clone.SignatureID())
	}
	transforms := xmldsig.ParseTransforms(prior)
	for _, t := range transforms {
		if t.Algorithm == w3c.AlgEnvelopedSignature {
			return nil, configError(op, "enveloped signatures cannot be co-signed")
		}
	}
	if clone.signature == clone.doc.Root() {
		return nil, configError(op, "signature is the document root and has no room for a sibling")
	}

	mimeType, encoding := params.MimeType, params.Encoding
	if mimeType == "" {
		mimeType, encoding = clone.dataObjectFormat(prior.SelectAttrValue("Id", ""))
	}

	ref := w3c.NewReference(newID("Reference"), prior.SelectAttrValue("URI", ""), params.digest().URI, transforms...)
	ref.Type = prior.SelectAttrValue("Type", "")

	sig, err := e.newSignature(op, params, ref, mimeType, encoding)
	if err != nil {
		return nil, err
	}
	spliceAfter(clone.signature, sig)

	out := &SignatureDocument{doc: clone.doc, signature: sig, contentRefID: ref.ID}
	if err := e.finish(ctx, op, out, params.Signer); err != nil {
		return nil, err
	}
	e.logger.Info("co-signature created",
		zap.String("signature", out.SignatureID()),
		zap.String("cosigned", existing.SignatureID()))
	return out, nil
}

// CounterSign signs the SignatureValue of existing and stores the new
// signature as a CounterSignature in its unsigned properties. The
// returned document is focused on the countersignature.
func (e *Engine) CounterSign(ctx context.Context, existing *SignatureDocument, params *SignatureParameters) (*SignatureDocument, error) {
	const op = "countersign"
	if err := params.checkSigner(op); err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, configError(op, "no signature to counter-sign")
	}

	clone := existing.Clone()
	sv := clone.SignatureValue()
	if sv == nil {
		return nil, lookupError(op, "signature %q has no SignatureValue", clone.SignatureID())
	}
	svID := sv.SelectAttrValue("Id", "")
	if svID == "" {
		svID = newID("SignatureValue")
		sv.CreateAttr("Id", svID)
	}

	ref := w3c.NewReference(newID("Reference"), "#"+svID, params.digest().URI,
		w3c.Transform{Algorithm: w3c.AlgExcC14N})
	ref.Type = etsi.TypeCountersignedSignature

	usp, err := clone.unsignedSignatureProperties(true)
	if err != nil {
		return nil, err
	}
	sig, err := e.newSignature(op, params, ref, params.MimeType, params.Encoding)
	if err != nil {
		return nil, err
	}
	holder := usp.CreateElement("CounterSignature")
	holder.Space = usp.Space
	splice(holder, sig)

	out := &SignatureDocument{doc: clone.doc, signature: sig, contentRefID: ref.ID}
	if err := e.finish(ctx, op, out, params.Signer); err != nil {
		return nil, err
	}
	e.logger.Info("countersignature created",
		zap.String("signature", out.SignatureID()),
		zap.String("countersigned", existing.SignatureID()))
	return out, nil
}

// newSignature builds an unsigned ds:Signature with the content
// reference, the SignedProperties reference, KeyInfo and the
// QualifyingProperties object. objects are placed ahead of the
// properties object.
func (e *Engine) newSignature(op string, p *SignatureParameters, content w3c.Reference, mimeType, encoding string, objects ...*etree.Element) (*etree.Element, error) {
	sm, err := p.signatureMethod()
	if err != nil {
		return nil, newError(KindConfiguration, op, "signature method", err)
	}
	signingTime := p.SigningTime
	if signingTime.IsZero() {
		signingTime = e.clock.Now()
	}

	sigID := newID("Signature")
	spID := newID("SignedProperties")
	spRef := w3c.NewReference(newID("Reference"), "#"+spID, p.digest().URI,
		w3c.Transform{Algorithm: w3c.AlgExcC14N})
	spRef.Type = etsi.TypeSignedProperties

	s := &w3c.Signature{
		ID: sigID,
		SignedInfo: &w3c.SignedInfo{
			CanonicalizationMethod: &w3c.CanonicalizationMethod{Algorithm: p.canonicalization()},
			SignatureMethod:        &w3c.SignatureMethod{Algorithm: sm.URI},
			Reference:              []w3c.Reference{content, spRef},
		},
		SignatureValue: &w3c.SignatureValue{ID: newID("SignatureValue")},
		KeyInfo:        keyInfo(p.Signer),
	}
	sig, err := toElement(s)
	if err != nil {
		return nil, newError(KindConfiguration, op, "building signature", err)
	}
	// An empty URI selects the whole document and must be written.
	for _, ref := range xmldsig.References(sig) {
		if ref.SelectAttr("URI") == nil && ref.SelectAttrValue("Id", "") == content.ID {
			ref.CreateAttr("URI", content.URI)
		}
	}

	qp := buildQualifyingProperties(p, propertiesInput{
		signatureID:        sigID,
		signedPropertiesID: spID,
		contentRefID:       content.ID,
		signingTime:        signingTime,
		mimeType:           mimeType,
		encoding:           encoding,
	})
	qpEl, err := toElement(qp)
	if err != nil {
		return nil, newError(KindConfiguration, op, "building qualifying properties", err)
	}

	for _, obj := range objects {
		splice(sig, obj)
	}
	holder := sig.CreateElement("Object")
	holder.Space = prefixDSig
	splice(holder, qpEl)
	return sig, nil
}

func keyInfo(signer keys.Signer) *w3c.KeyInfo {
	ki := &w3c.KeyInfo{}
	ki.AddX509Certificate(signer.Certificate().Raw)
	for _, c := range signer.Chain() {
		ki.AddX509Certificate(c.Raw)
	}
	return ki
}

// finish digests the references, signs SignedInfo and re-reads the
// document from its serialised form.
func (e *Engine) finish(ctx context.Context, op string, doc *SignatureDocument, signer keys.Signer) error {
	if err := xmldsig.DigestReferences(ctx, doc.signature, e.resolve); err != nil {
		return classifyXMLDSig(op, "computing reference digests", err)
	}
	if err := xmldsig.Sign(doc.signature, signer); err != nil {
		return classifyXMLDSig(op, "signing SignedInfo", err)
	}
	if err := doc.resync(); err != nil {
		return classify(op, "reloading signed document", err)
	}
	return nil
}

func classifyXMLDSig(op, msg string, err error) error {
	switch {
	case errors.Is(err, xmldsig.ErrReferenceNotFound):
		return newError(KindLookup, op, msg, err)
	case errors.Is(err, xmldsig.ErrUnsupportedAlgorithm), errors.Is(err, xmldsig.ErrMalformedSignature):
		return newError(KindConfiguration, op, msg, err)
	}
	return classify(op, msg, err)
}

// dataObjectFormat returns the MIME type and encoding recorded for the
// reference with the given id.
func (d *SignatureDocument) dataObjectFormat(refID string) (string, string) {
	qp, err := d.QualifyingProperties()
	if err != nil || qp.SignedProperties == nil || qp.SignedProperties.SignedDataObjectProperties == nil {
		return "", ""
	}
	for _, dof := range qp.SignedProperties.SignedDataObjectProperties.DataObjectFormat {
		if dof.ObjectReference == "#"+refID {
			return dof.MimeType, dof.Encoding
		}
	}
	return "", ""
}
