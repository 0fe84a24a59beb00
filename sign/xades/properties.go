package xades

import (
	"crypto/x509"
	"encoding/base64"
	"time"

	"github.com/georgepadayatti/goxades/generated/etsi"
	"github.com/georgepadayatti/goxades/generated/w3c"
	"github.com/georgepadayatti/goxades/sign/ades"
	"github.com/georgepadayatti/goxades/sign/algorithms"
)

// certID identifies cert by digest, issuer name and decimal serial.
func certID(cert *x509.Certificate, digest algorithms.DigestAlgorithm) etsi.CertIDType {
	return etsi.CertIDType{
		CertDigest: etsi.NewDigestAlgAndValue(digest.URI, digest.Sum(cert.Raw)),
		IssuerSerial: w3c.X509IssuerSerial{
			X509IssuerName:   cert.Issuer.String(),
			X509SerialNumber: cert.SerialNumber.String(),
		},
	}
}

// propertiesInput carries what the properties need from the signature
// being built.
type propertiesInput struct {
	signatureID        string
	signedPropertiesID string
	contentRefID       string
	signingTime        time.Time
	mimeType           string
	encoding           string
}

// buildQualifyingProperties assembles the SignedProperties of a new
// signature and an empty UnsignedProperties.
func buildQualifyingProperties(p *SignatureParameters, in propertiesInput) *etsi.QualifyingProperties {
	qp := etsi.NewQualifyingProperties(in.signatureID)
	qp.SignedProperties.ID = in.signedPropertiesID

	ssp := qp.SignedProperties.SignedSignatureProperties
	signingTime := in.signingTime.UTC().Truncate(time.Second)
	ssp.SigningTime = &signingTime
	ssp.SigningCertificate = &etsi.SigningCertificate{
		Cert: []etsi.CertIDType{certID(p.Signer.Certificate(), p.digest())},
	}
	ssp.SignaturePolicyIdentifier = policyIdentifier(p)
	if pp := p.ProductionPlace; pp != nil {
		ssp.SignatureProductionPlace = &etsi.SignatureProductionPlace{
			City:            nfc(pp.City),
			StateOrProvince: nfc(pp.StateOrProvince),
			PostalCode:      nfc(pp.PostalCode),
			CountryName:     nfc(pp.CountryName),
		}
	}
	ssp.SignerRole = signerRole(p.SignerRole)

	sdop := &etsi.SignedDataObjectProperties{}
	ref := "#" + in.contentRefID
	if in.contentRefID != "" && (in.mimeType != "" || p.Description != "" || p.ObjectIdentifier != "") {
		dof := etsi.DataObjectFormat{
			Description:     nfc(p.Description),
			MimeType:        in.mimeType,
			Encoding:        in.encoding,
			ObjectReference: ref,
		}
		if p.ObjectIdentifier != "" {
			dof.ObjectIdentifier = &etsi.ObjectIdentifierType{
				Identifier: objectIdentifier(p.ObjectIdentifier),
			}
		}
		sdop.DataObjectFormat = append(sdop.DataObjectFormat, dof)
	}
	for _, c := range p.Commitments {
		cti := etsi.CommitmentTypeIndication{
			CommitmentTypeID: etsi.ObjectIdentifierType{
				Identifier:  etsi.IdentifierType{Value: c.typeURI()},
				Description: nfc(c.Description),
			},
		}
		if c.AllSignedDataObjects || in.contentRefID == "" {
			cti.AllSignedDataObjects = &etsi.Empty{}
		} else {
			cti.ObjectReference = []string{ref}
		}
		if len(c.Qualifiers) > 0 {
			q := &etsi.CommitmentTypeQualifiersListType{}
			for _, raw := range c.Qualifiers {
				q.CommitmentTypeQualifier = append(q.CommitmentTypeQualifier, etsi.AnyType{Content: []byte(nfc(raw))})
			}
			cti.CommitmentTypeQualifiers = q
		}
		sdop.CommitmentTypeIndication = append(sdop.CommitmentTypeIndication, cti)
	}
	if len(sdop.DataObjectFormat) > 0 || len(sdop.CommitmentTypeIndication) > 0 {
		qp.SignedProperties.SignedDataObjectProperties = sdop
	}
	return qp
}

func policyIdentifier(p *SignatureParameters) *etsi.SignaturePolicyIdentifier {
	if p.Policy == nil {
		return &etsi.SignaturePolicyIdentifier{SignaturePolicyImplied: &etsi.Empty{}}
	}
	id, qualifier := p.Policy.IdentifierValue()
	spid := &etsi.SignaturePolicyIdType{
		SigPolicyID: etsi.ObjectIdentifierType{
			Identifier:  etsi.IdentifierType{Qualifier: qualifier, Value: id},
			Description: nfc(p.Policy.Description),
		},
		SigPolicyHash: etsi.NewDigestAlgAndValue(p.Policy.DigestMethod.URI, p.Policy.Digest),
	}
	if p.Policy.URI != "" {
		spid.SigPolicyQualifiers = &etsi.SigPolicyQualifiersListType{
			SigPolicyQualifier: []etsi.SigPolicyQualifier{{SPURI: p.Policy.URI}},
		}
	}
	return &etsi.SignaturePolicyIdentifier{SignaturePolicyID: spid}
}

func signerRole(r *SignerRole) *etsi.SignerRole {
	if r == nil || (len(r.Claimed) == 0 && len(r.Certified) == 0) {
		return nil
	}
	out := &etsi.SignerRole{}
	if len(r.Claimed) > 0 {
		out.ClaimedRoles = &etsi.ClaimedRolesListType{}
		for _, role := range r.Claimed {
			out.ClaimedRoles.ClaimedRole = append(out.ClaimedRoles.ClaimedRole, etsi.NewTextAny(nfc(role)))
		}
	}
	if len(r.Certified) > 0 {
		out.CertifiedRoles = &etsi.CertifiedRolesListType{}
		for _, der := range r.Certified {
			out.CertifiedRoles.CertifiedRole = append(out.CertifiedRoles.CertifiedRole, etsi.EncapsulatedPKIDataType{
				Value: base64.StdEncoding.EncodeToString(der),
			})
		}
	}
	return out
}

// objectIdentifier writes bare OIDs as OID URNs.
func objectIdentifier(id string) etsi.IdentifierType {
	if ades.IsOID(id) {
		return etsi.IdentifierType{Qualifier: etsi.QualifierOIDAsURN, Value: "urn:oid:" + id}
	}
	return etsi.IdentifierType{Value: id}
}
