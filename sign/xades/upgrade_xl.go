package xades

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/beevik/etree"
	"go.uber.org/zap"

	"github.com/georgepadayatti/goxades/certvalidator"
	"github.com/georgepadayatti/goxades/certvalidator/fetchers"
	"github.com/georgepadayatti/goxades/generated/etsi"
	"github.com/georgepadayatti/goxades/sign/algorithms"
	"github.com/georgepadayatti/goxades/sign/ocspclient"
	"github.com/georgepadayatti/goxades/xmldsig"
)

// oidOCSPNoCheck marks responder certificates that need no revocation
// check of their own.
var oidOCSPNoCheck = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 5}

// EvidenceKind tells which revocation source produced a piece of evidence.
type EvidenceKind int

const (
	EvidenceCRL EvidenceKind = iota + 1
	EvidenceOCSP
)

func (k EvidenceKind) String() string {
	switch k {
	case EvidenceCRL:
		return "crl"
	case EvidenceOCSP:
		return "ocsp"
	default:
		return "unknown"
	}
}

// RevocationEvidence is a CRL or OCSP response proving a certificate was
// not revoked. The fields that apply depend on Kind.
type RevocationEvidence struct {
	Kind EvidenceKind

	// CRL
	Issuer     string
	ThisUpdate time.Time
	Number     *big.Int

	// OCSP
	ResponderName    string
	ResponderKeyHash []byte
	ProducedAt       time.Time

	Raw []byte
}

// crlRef builds the CompleteRevocationRefs entry of a CRL.
func (ev RevocationEvidence) crlRef(digest algorithms.DigestAlgorithm) etsi.CRLRefType {
	return etsi.CRLRefType{
		DigestAlgAndValue: etsi.NewDigestAlgAndValue(digest.URI, digest.Sum(ev.Raw)),
		CRLIdentifier: &etsi.CRLIdentifierType{
			Issuer:    ev.Issuer,
			IssueTime: ev.ThisUpdate.UTC(),
			Number:    ev.Number,
		},
	}
}

func (ev RevocationEvidence) ocspRef(digest algorithms.DigestAlgorithm) etsi.OCSPRefType {
	id := etsi.ResponderIDType{ByName: ev.ResponderName}
	if ev.ResponderName == "" {
		id.ByKey = base64.StdEncoding.EncodeToString(ev.ResponderKeyHash)
	}
	dv := etsi.NewDigestAlgAndValue(digest.URI, digest.Sum(ev.Raw))
	return etsi.OCSPRefType{
		OCSPIdentifier: etsi.OCSPIdentifierType{
			ResponderID: id,
			ProducedAt:  ev.ProducedAt.UTC(),
		},
		DigestAlgAndValue: &dv,
	}
}

// validationData accumulates what an XL upgrade embeds. Certificates and
// revocation data are recorded once each, in discovery order.
type validationData struct {
	digest       algorithms.DigestAlgorithm
	certificates []*x509.Certificate
	seen         map[[32]byte]bool
	evidence     []RevocationEvidence
	seenEvidence map[string]bool
}

func newValidationData(digest algorithms.DigestAlgorithm) *validationData {
	return &validationData{
		digest:       digest,
		seen:         map[[32]byte]bool{},
		seenEvidence: map[string]bool{},
	}
}

// addCertificate records cert and reports whether it was new.
func (v *validationData) addCertificate(cert *x509.Certificate) bool {
	fp := certvalidator.CertificateFingerprint(cert)
	if v.seen[fp] {
		return false
	}
	v.seen[fp] = true
	v.certificates = append(v.certificates, cert)
	return true
}

func (v *validationData) addEvidence(ev RevocationEvidence) {
	key := string(algorithms.SHA256.Sum(ev.Raw))
	if v.seenEvidence[key] {
		return
	}
	v.seenEvidence[key] = true
	v.evidence = append(v.evidence, ev)
}

func (v *validationData) certificateRefs() *etsi.CompleteCertificateRefs {
	refs := &etsi.CompleteCertificateRefs{ID: newID("CompleteCertificateRefs")}
	for _, c := range v.certificates {
		refs.CertRefs.Cert = append(refs.CertRefs.Cert, certID(c, v.digest))
	}
	return refs
}

func (v *validationData) revocationRefs() *etsi.CompleteRevocationRefs {
	refs := &etsi.CompleteRevocationRefs{ID: newID("CompleteRevocationRefs")}
	for _, ev := range v.evidence {
		switch ev.Kind {
		case EvidenceCRL:
			if refs.CRLRefs == nil {
				refs.CRLRefs = &etsi.CRLRefsType{}
			}
			refs.CRLRefs.CRLRef = append(refs.CRLRefs.CRLRef, ev.crlRef(v.digest))
		case EvidenceOCSP:
			if refs.OCSPRefs == nil {
				refs.OCSPRefs = &etsi.OCSPRefsType{}
			}
			refs.OCSPRefs.OCSPRef = append(refs.OCSPRefs.OCSPRef, ev.ocspRef(v.digest))
		}
	}
	return refs
}

func (v *validationData) certificateValues() *etsi.CertificateValues {
	values := &etsi.CertificateValues{ID: newID("CertificateValues")}
	for _, c := range v.certificates {
		values.EncapsulatedX509Certificate = append(values.EncapsulatedX509Certificate,
			etsi.EncapsulatedPKIDataType{Value: base64.StdEncoding.EncodeToString(c.Raw)})
	}
	return values
}

func (v *validationData) revocationValues() *etsi.RevocationValues {
	values := &etsi.RevocationValues{ID: newID("RevocationValues")}
	for _, ev := range v.evidence {
		enc := etsi.EncapsulatedPKIDataType{Value: base64.StdEncoding.EncodeToString(ev.Raw)}
		switch ev.Kind {
		case EvidenceCRL:
			if values.CRLValues == nil {
				values.CRLValues = &etsi.CRLValuesType{}
			}
			values.CRLValues.EncapsulatedCRLValue = append(values.CRLValues.EncapsulatedCRLValue, enc)
		case EvidenceOCSP:
			if values.OCSPValues == nil {
				values.OCSPValues = &etsi.OCSPValuesType{}
			}
			values.OCSPValues.EncapsulatedOCSPValue = append(values.OCSPValues.EncapsulatedOCSPValue, enc)
		}
	}
	return values
}

// walkItem is a certificate waiting to have its chain and revocation
// status collected. addSelf is false for certificates that are already
// carried elsewhere: the signer in KeyInfo, a TSA in its token.
type walkItem struct {
	cert    *x509.Certificate
	addSelf bool
	extra   []*x509.Certificate
}

// UpgradeToXL adds the complete certificate and revocation references,
// a SigAndRefsTimeStamp over them, and the certificate and revocation
// values. A signature that has no SignatureTimeStamp gets one first.
// doc is only modified on success.
func (e *Engine) UpgradeToXL(ctx context.Context, doc *SignatureDocument, params *UpgradeParameters) error {
	const op = "upgrade-xl"
	if err := checkUpgrade(op, doc, params); err != nil {
		return err
	}

	work := doc.Clone()
	if usp, _ := work.unsignedSignatureProperties(false); childNS(usp, etsi.XAdESNamespace, "CompleteCertificateRefs") != nil {
		return configError(op, "signature %q already carries validation data", work.SignatureID())
	}
	if len(work.signatureTimeStamps()) == 0 {
		e.logger.Debug("adding missing SignatureTimeStamp", zap.String("signature", work.SignatureID()))
		if err := e.addSignatureTimeStamp(ctx, op, work, params); err != nil {
			return err
		}
	}

	keyInfo, err := work.Certificates()
	if err != nil {
		return newError(KindLookup, op, "reading KeyInfo certificates", err)
	}
	if len(keyInfo) == 0 {
		return lookupError(op, "signature %q has no signing certificate", work.SignatureID())
	}

	pool := append(append([]*x509.Certificate{}, params.ExtraCertificates...), keyInfo...)
	opts := []certvalidator.ChainBuilderOption{certvalidator.WithLogger(e.logger)}
	if params.FetchMissingIssuers {
		opts = append(opts, certvalidator.WithIssuerFetcher(fetchers.NewCertFetcher(e.fetcher)))
	}
	builder := certvalidator.NewChainBuilder(pool, opts...)
	data := newValidationData(params.digest())

	if err := e.collect(ctx, op, builder, data, params, walkItem{cert: keyInfo[0], extra: keyInfo}); err != nil {
		return err
	}
	for _, el := range work.signatureTimeStamps() {
		_, token, err := timeStampToken(el)
		if err != nil {
			return newError(KindConfiguration, op, "decoding SignatureTimeStamp", err)
		}
		tsa := timestampSigner(token.Certificates)
		if tsa == nil {
			e.logger.Debug("timestamp token carries no signer certificate")
			continue
		}
		if err := e.collect(ctx, op, builder, data, params, walkItem{cert: tsa, extra: token.Certificates}); err != nil {
			return err
		}
	}

	usp, err := work.unsignedSignatureProperties(true)
	if err != nil {
		return err
	}
	certRefs, err := toElement(data.certificateRefs())
	if err != nil {
		return newError(KindConfiguration, op, "building CompleteCertificateRefs", err)
	}
	revRefs, err := toElement(data.revocationRefs())
	if err != nil {
		return newError(KindConfiguration, op, "building CompleteRevocationRefs", err)
	}
	splice(usp, certRefs)
	splice(usp, revRefs)

	var covered []*etree.Element
	covered = append(covered, work.SignatureValue())
	covered = append(covered, work.signatureTimeStamps()...)
	covered = append(covered, certRefs, revRefs)
	var octets bytes.Buffer
	for _, el := range covered {
		c14n, err := xmldsig.Canonicalize(el, timestampCanonicalization)
		if err != nil {
			return newError(KindConfiguration, op, "canonicalizing "+el.Tag, err)
		}
		octets.Write(c14n)
	}
	ts, err := e.timestamp(ctx, op, "SigAndRefsTimeStamp", octets.Bytes(), params.digest(), params.Timestamper)
	if err != nil {
		return err
	}

	for _, v := range []any{
		&etsi.SigAndRefsTimeStamp{XAdESTimeStampType: ts},
		data.certificateValues(),
		data.revocationValues(),
	} {
		el, err := toElement(v)
		if err != nil {
			return newError(KindConfiguration, op, fmt.Sprintf("building %T", v), err)
		}
		splice(usp, el)
	}

	if err := work.resync(); err != nil {
		return classify(op, "reloading upgraded document", err)
	}
	doc.commit(work)
	e.logger.Info("signature upgraded",
		zap.String("signature", doc.SignatureID()),
		zap.Stringer("level", LevelXL),
		zap.Int("certificates", len(data.certificates)),
		zap.Int("revocation_values", len(data.evidence)))
	return nil
}

// collect walks from start towards the root, recording every issuer and
// the revocation evidence for every certificate on the way. OCSP
// responders met on the way are walked in turn.
func (e *Engine) collect(ctx context.Context, op string, builder *certvalidator.ChainBuilder, data *validationData, params *UpgradeParameters, start walkItem) error {
	stack := []walkItem{start}
	for len(stack) > 0 {
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if item.addSelf && !data.addCertificate(item.cert) {
			continue
		}
		chain := builder.BuildChain(ctx, item.cert, item.extra...)
		if len(chain) < 2 {
			continue
		}
		issuer := chain[1]
		stack = append(stack, walkItem{cert: issuer, addSelf: true, extra: item.extra})

		if hasOCSPNoCheck(item.cert) {
			continue
		}
		responder, err := e.checkRevocation(ctx, op, data, params, item.cert, issuer)
		if err != nil {
			return err
		}
		if responder != nil {
			stack = append(stack, *responder)
		}
	}
	e.logger.Debug("certificate path collected",
		zap.String("start", start.cert.Subject.String()),
		zap.Int("known_certificates", builder.Store().Count()))
	return nil
}

// checkRevocation proves cert was not revoked by issuer. A current CRL
// from the caller wins; otherwise the OCSP servers are tried in order.
// The returned item is an OCSP responder that is neither the issuer nor
// already known.
func (e *Engine) checkRevocation(ctx context.Context, op string, data *validationData, params *UpgradeParameters, cert, issuer *x509.Certificate) (*walkItem, error) {
	subject := cert.Subject.String()
	if crl := certvalidator.FindCRL(params.CRLs, issuer, e.clock.Now()); crl != nil {
		if entry := certvalidator.RevokedEntry(crl, cert); entry != nil {
			return nil, revokedError(op, &certvalidator.RevokedError{
				Subject:   subject,
				Reason:    certvalidator.CRLReason(entry.ReasonCode),
				RevokedAt: entry.RevocationTime,
				Source:    "CRL of " + crl.Issuer.String(),
			})
		}
		e.logger.Debug("revocation status from CRL", zap.String("subject", subject))
		data.addEvidence(RevocationEvidence{
			Kind:       EvidenceCRL,
			Issuer:     crl.Issuer.String(),
			ThisUpdate: crl.ThisUpdate,
			Number:     crl.Number,
			Raw:        crl.Raw,
		})
		return nil, nil
	}

	servers := make([]OCSPServer, 0, len(params.OCSPServers)+1)
	if params.GetOCSPURLFromCertificate {
		if u := ocspclient.GetAiaOcspURL(cert); u != "" {
			servers = append(servers, OCSPServer{URL: u})
		}
	}
	servers = append(servers, params.OCSPServers...)

	var lastErr error
	for _, srv := range servers {
		resp, err := e.ocsp.Check(ctx, srv.URL, cert, issuer, srv.Requestor, srv.Signer)
		if err != nil {
			if errors.Is(err, ocspclient.ErrTransport) {
				e.logger.Warn("OCSP server unreachable", zap.String("url", srv.URL), zap.Error(err))
				lastErr = err
				continue
			}
			return nil, classify(op, "OCSP "+srv.URL, err)
		}

		switch resp.Status {
		case ocspclient.Revoked:
			return nil, revokedError(op, &certvalidator.RevokedError{
				Subject:   subject,
				Reason:    certvalidator.CRLReason(resp.RevocationReason),
				RevokedAt: resp.RevokedAt,
				Source:    "OCSP " + srv.URL,
			})
		case ocspclient.Good:
			e.logger.Debug("revocation status from OCSP", zap.String("subject", subject), zap.String("url", srv.URL))
			ev := RevocationEvidence{
				Kind:             EvidenceOCSP,
				ResponderKeyHash: resp.ResponderKeyHash,
				ProducedAt:       resp.ProducedAt,
				Raw:              resp.Raw,
			}
			if name, ok := resp.ResponderName(); ok {
				ev.ResponderName = name.String()
			}
			data.addEvidence(ev)

			responder := resp.ResponderCertificate()
			if responder == nil || certvalidator.NamesEqual(responder.Subject, issuer.Subject) {
				return nil, nil
			}
			if !resp.IssuedByIssuer(issuer) {
				e.logger.Debug("OCSP responder outside the issuer hierarchy",
					zap.String("responder", responder.Subject.String()),
					zap.String("issuer", issuer.Subject.String()))
			}
			return &walkItem{cert: responder, addSelf: true, extra: resp.Certificates}, nil
		default:
			e.logger.Debug("OCSP status unknown", zap.String("subject", subject), zap.String("url", srv.URL))
		}
	}

	if lastErr != nil {
		return nil, newError(KindTrust, op, "no revocation status for "+subject, fmt.Errorf("%w: %w", ErrUndetermined, lastErr))
	}
	return nil, newError(KindTrust, op, "no revocation status for "+subject, ErrUndetermined)
}

func revokedError(op string, rerr *certvalidator.RevokedError) error {
	return newError(KindTrust, op, "", fmt.Errorf("%w: %w", ErrRevoked, rerr))
}

func hasOCSPNoCheck(cert *x509.Certificate) bool {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oidOCSPNoCheck) {
			return true
		}
	}
	return false
}

// timestampSigner picks the TSA certificate out of a token's
// certificates: the one that issued none of the others.
func timestampSigner(certs []*x509.Certificate) *x509.Certificate {
	for _, c := range certs {
		if certvalidator.IsSelfSigned(c) {
			continue
		}
		issuer := false
		for _, o := range certs {
			if o != c && certvalidator.IssuedBy(o, c) {
				issuer = true
				break
			}
		}
		if !issuer {
			return c
		}
	}
	return nil
}
