package xades

import (
	"context"
	"crypto/x509"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/ocsp"

	"github.com/georgepadayatti/goxades/generated/etsi"
	"github.com/georgepadayatti/goxades/sign/ades"
	"github.com/georgepadayatti/goxades/sign/timestamps"
)

// reasonConclusions maps Validate reasons onto ETSI indications.
var reasonConclusions = map[string][2]string{
	ReasonNoSignature:           {ades.IndicationFailed, ades.SubIndicationFormatFailure},
	ReasonNoCertificate:         {ades.IndicationIndeterminate, ades.SubIndicationNoSignerCertFound},
	ReasonUnreadableCertificate: {ades.IndicationFailed, ades.SubIndicationFormatFailure},
	ReasonSigningCertificate:    {ades.IndicationFailed, ades.SubIndicationSigConstraintsFailure},
	ReasonSignatureInvalid:      {ades.IndicationFailed, ades.SubIndicationSigCryptoFailure},
	ReasonUnreadableTimeStamp:   {ades.IndicationFailed, ades.SubIndicationFormatFailure},
	ReasonTimeStampMismatch:     {ades.IndicationFailed, ades.SubIndicationNoValidTimestamp},
}

// Report validates every signature in docs and summarises the result.
// Trust and revocation status are not evaluated; embedded evidence is
// only listed.
func (e *Engine) Report(ctx context.Context, docs []*SignatureDocument) *ades.ValidationReport {
	report := ades.NewValidationReport(uuid.NewString(), e.clock.Now())
	for _, doc := range docs {
		report.AddSignature(e.signatureInfo(ctx, doc))
	}
	e.logger.Debug("validation report built",
		zap.Int("signatures", len(report.Signatures)),
		zap.String("indication", report.Conclusion.Indication))
	return report
}

func (e *Engine) signatureInfo(ctx context.Context, doc *SignatureDocument) *ades.SignatureInfo {
	info := &ades.SignatureInfo{
		ID:               doc.SignatureID(),
		CounterSignature: isCounterSignature(doc.signature),
	}
	if sm := doc.signature.FindElement("./SignedInfo/SignatureMethod"); sm != nil {
		info.SignatureAlgorithm = sm.SelectAttrValue("Algorithm", "")
	}
	if certs, err := doc.Certificates(); err == nil && len(certs) > 0 {
		info.SignerCertificate = ades.NewCertificateInfo(certs[0])
	}

	if qp, err := doc.QualifyingProperties(); err == nil {
		e.describeSigned(info, doc, qp.SignedProperties)
		if qp.UnsignedProperties != nil {
			e.describeUnsigned(info, qp.UnsignedProperties.UnsignedSignatureProperties)
		}
	}
	info.SignatureLevel = ades.DetectLevel(info)

	res := e.Validate(ctx, doc)
	if res.Valid {
		info.Conclusion = ades.NewValidationConclusion(ades.IndicationPassed, "")
		return info
	}
	c, ok := reasonConclusions[res.Reason]
	if !ok {
		c = [2]string{ades.IndicationIndeterminate, ""}
	}
	info.Conclusion = ades.NewValidationConclusion(c[0], c[1])
	info.Conclusion.AddError("validation", res.Reason)
	return info
}

func (e *Engine) describeSigned(info *ades.SignatureInfo, doc *SignatureDocument, sp *etsi.SignedProperties) {
	if sp == nil {
		return
	}
	if ssp := sp.SignedSignatureProperties; ssp != nil {
		info.SigningTime = ssp.SigningTime
		if pid := ssp.SignaturePolicyIdentifier; pid != nil && pid.SignaturePolicyID != nil {
			info.Policy = pid.SignaturePolicyID.SigPolicyID.Identifier.Value
		}
		if pp := ssp.SignatureProductionPlace; pp != nil {
			info.ProductionPlace = &ades.SignatureProductionPlace{
				City:            pp.City,
				StateOrProvince: pp.StateOrProvince,
				PostalCode:      pp.PostalCode,
				CountryName:     pp.CountryName,
			}
		}
		if sr := ssp.SignerRole; sr != nil {
			role := &ades.SignerRole{}
			if sr.ClaimedRoles != nil {
				for _, r := range sr.ClaimedRoles.ClaimedRole {
					role.ClaimedRoles = append(role.ClaimedRoles, r.Text())
				}
			}
			if sr.CertifiedRoles != nil {
				role.CertifiedRoles = len(sr.CertifiedRoles.CertifiedRole)
			}
			info.SignerRole = role
		}
	}
	if sdop := sp.SignedDataObjectProperties; sdop != nil {
		for _, dof := range sdop.DataObjectFormat {
			if dof.ObjectReference == "#"+doc.ContentReferenceID() {
				info.MimeType = dof.MimeType
			}
		}
		for _, cti := range sdop.CommitmentTypeIndication {
			uri := cti.CommitmentTypeID.Identifier.Value
			if ct, ok := ades.CommitmentTypeFromURI(uri); ok {
				info.CommitmentTypes = append(info.CommitmentTypes, ct.String())
			} else {
				info.CommitmentTypes = append(info.CommitmentTypes, uri)
			}
		}
	}
}

func (e *Engine) describeUnsigned(info *ades.SignatureInfo, usp *etsi.UnsignedSignatureProperties) {
	if usp == nil {
		return
	}
	for _, ts := range usp.SignatureTimeStamp {
		info.Timestamps = append(info.Timestamps, e.timestampInfo(ades.TimestampSignature, ts))
	}
	for _, ts := range usp.SigAndRefsTimeStamp {
		info.Timestamps = append(info.Timestamps, e.timestampInfo(ades.TimestampSigAndRefs, ts))
	}
	if cv := usp.CertificateValues; cv != nil {
		for _, enc := range cv.EncapsulatedX509Certificate {
			der, err := enc.Bytes()
			if err != nil {
				continue
			}
			cert, err := x509.ParseCertificate(der)
			if err != nil {
				e.logger.Debug("unreadable CertificateValues entry", zap.Error(err))
				continue
			}
			info.CertificateValues = append(info.CertificateValues, ades.NewCertificateInfo(cert))
		}
	}
	rv := usp.RevocationValues
	if rv == nil {
		return
	}
	if rv.CRLValues != nil {
		for _, enc := range rv.CRLValues.EncapsulatedCRLValue {
			der, err := enc.Bytes()
			if err != nil {
				continue
			}
			crl, err := x509.ParseRevocationList(der)
			if err != nil {
				e.logger.Debug("unreadable CRL value", zap.Error(err))
				continue
			}
			info.RevocationData = append(info.RevocationData, &ades.RevocationInfo{
				Type:           ades.RevocationCRL,
				Issuer:         crl.Issuer.String(),
				ProductionTime: crl.ThisUpdate.UTC(),
			})
		}
	}
	if rv.OCSPValues != nil {
		for _, enc := range rv.OCSPValues.EncapsulatedOCSPValue {
			der, err := enc.Bytes()
			if err != nil {
				continue
			}
			resp, err := ocsp.ParseResponse(der, nil)
			if err != nil {
				e.logger.Debug("unreadable OCSP value", zap.Error(err))
				continue
			}
			rev := &ades.RevocationInfo{Type: ades.RevocationOCSP, ProductionTime: resp.ProducedAt.UTC()}
			if resp.Certificate != nil {
				rev.Issuer = resp.Certificate.Subject.String()
			}
			info.RevocationData = append(info.RevocationData, rev)
		}
	}
}

func (e *Engine) timestampInfo(typ string, ts etsi.XAdESTimeStampType) *ades.TimestampInfo {
	info := &ades.TimestampInfo{ID: ts.ID, Type: typ}
	raw, err := ts.Token()
	if err != nil || raw == nil {
		return info
	}
	token, err := timestamps.ParseToken(raw)
	if err != nil {
		e.logger.Debug("unreadable timestamp", zap.String("id", ts.ID), zap.Error(err))
		return info
	}
	info.ProductionTime = token.GenTime.UTC()
	info.DigestAlgorithm = token.HashAlgorithm.String()
	if tsa := timestampSigner(token.Certificates); tsa != nil {
		info.TSA = ades.NewCertificateInfo(tsa)
	}
	return info
}

// isCounterSignature reports whether signature sits inside a
// CounterSignature property.
func isCounterSignature(signature *etree.Element) bool {
	parent := signature.Parent()
	return parent != nil && parent.Tag == "CounterSignature"
}
