package xades

import (
	"bytes"
	"context"
	"crypto/x509"

	"go.uber.org/zap"

	"github.com/georgepadayatti/goxades/generated/etsi"
	"github.com/georgepadayatti/goxades/generated/w3c"
	"github.com/georgepadayatti/goxades/sign/algorithms"
	"github.com/georgepadayatti/goxades/xmldsig"
)

// Reasons reported by Validate.
const (
	ReasonNoSignature           = "no signature"
	ReasonNoCertificate         = "no signing certificate in KeyInfo"
	ReasonUnreadableCertificate = "KeyInfo certificate cannot be parsed"
	ReasonSigningCertificate    = "KeyInfo certificate does not match SigningCertificate"
	ReasonSignatureInvalid      = "signature verification failed"
	ReasonUnreadableTimeStamp   = "SignatureTimeStamp cannot be decoded"
	ReasonTimeStampMismatch     = "SignatureTimeStamp does not cover the SignatureValue"
)

// ValidationResult is the outcome of Validate. Reason is empty when
// Valid is set.
type ValidationResult struct {
	Valid  bool
	Reason string
}

func invalid(reason string) ValidationResult {
	return ValidationResult{Reason: reason}
}

// Validate checks the references and SignedInfo signature against the
// first KeyInfo certificate, and every SignatureTimeStamp against the
// SignatureValue. It does not check trust or revocation.
func (e *Engine) Validate(ctx context.Context, doc *SignatureDocument) ValidationResult {
	if doc == nil || doc.signature == nil {
		return invalid(ReasonNoSignature)
	}
	log := e.logger.With(zap.String("signature", doc.SignatureID()))

	certs, err := doc.Certificates()
	if err != nil {
		log.Debug("KeyInfo certificates", zap.Error(err))
		return invalid(ReasonUnreadableCertificate)
	}
	if len(certs) == 0 {
		return invalid(ReasonNoCertificate)
	}
	if !doc.matchesSigningCertificate(certs[0]) {
		return invalid(ReasonSigningCertificate)
	}

	if err := xmldsig.VerifyReferences(ctx, doc.signature, e.resolve); err != nil {
		log.Debug("reference verification failed", zap.Error(err))
		return invalid(ReasonSignatureInvalid)
	}
	if err := xmldsig.VerifySignedInfo(doc.signature, certs[0]); err != nil {
		log.Debug("SignedInfo verification failed", zap.Error(err))
		return invalid(ReasonSignatureInvalid)
	}

	for _, el := range doc.signatureTimeStamps() {
		ts, token, err := timeStampToken(el)
		if err != nil {
			log.Debug("SignatureTimeStamp", zap.Error(err))
			return invalid(ReasonUnreadableTimeStamp)
		}
		method := w3c.AlgC14N
		if ts.CanonicalizationMethod != nil && ts.CanonicalizationMethod.Algorithm != "" {
			method = ts.CanonicalizationMethod.Algorithm
		}
		octets, err := xmldsig.Canonicalize(doc.SignatureValue(), method)
		if err != nil {
			log.Debug("canonicalizing SignatureValue", zap.Error(err))
			return invalid(ReasonTimeStampMismatch)
		}
		if err := token.VerifyData(octets); err != nil {
			log.Debug("SignatureTimeStamp mismatch", zap.Error(err))
			return invalid(ReasonTimeStampMismatch)
		}
	}
	return ValidationResult{Valid: true}
}

// matchesSigningCertificate reports whether cert is listed in the
// SigningCertificate property. Signatures without the property match.
func (d *SignatureDocument) matchesSigningCertificate(cert *x509.Certificate) bool {
	qp, err := d.QualifyingProperties()
	if err != nil || qp.SignedProperties == nil || qp.SignedProperties.SignedSignatureProperties == nil {
		return true
	}
	sc := qp.SignedProperties.SignedSignatureProperties.SigningCertificate
	if sc == nil || len(sc.Cert) == 0 {
		return true
	}
	for _, id := range sc.Cert {
		if certIDMatches(id, cert) {
			return true
		}
	}
	return false
}

func certIDMatches(id etsi.CertIDType, cert *x509.Certificate) bool {
	dv := id.CertDigest
	if dv.DigestMethod == nil || dv.DigestValue == nil {
		return false
	}
	alg, err := algorithms.DigestByURI(dv.DigestMethod.Algorithm)
	if err != nil {
		return false
	}
	want, err := dv.DigestValue.Bytes()
	if err != nil {
		return false
	}
	return bytes.Equal(alg.Sum(cert.Raw), want)
}
