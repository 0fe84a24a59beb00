// Validation report in the spirit of ETSI TS 119 102-2, reduced to what
// the XAdES verifier reports.

package ades

import (
	"crypto/x509"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"
	"time"
)

// Validation indications per ETSI EN 319 102-1.
const (
	IndicationPassed        = "PASSED"
	IndicationFailed        = "FAILED"
	IndicationIndeterminate = "INDETERMINATE"
)

// Sub-indications used by the verifier.
const (
	SubIndicationFormatFailure         = "FORMAT_FAILURE"
	SubIndicationHashFailure           = "HASH_FAILURE"
	SubIndicationSigCryptoFailure      = "SIG_CRYPTO_FAILURE"
	SubIndicationSigConstraintsFailure = "SIG_CONSTRAINTS_FAILURE"
	SubIndicationNoSignerCertFound     = "NO_SIGNER_CERT_FOUND"
	SubIndicationNoValidTimestamp      = "NO_VALID_TIMESTAMP"
	SubIndicationSignedDataNotFound    = "SIGNED_DATA_NOT_FOUND"
)

// Timestamp types.
const (
	TimestampSignature  = "SIGNATURE_TIMESTAMP"
	TimestampSigAndRefs = "SIG_AND_REFS_TIMESTAMP"
)

// Revocation data types.
const (
	RevocationCRL  = "CRL"
	RevocationOCSP = "OCSP"
)

// Signature levels reported by DetectLevel.
const (
	LevelBES = "XAdES-BES"
	LevelT   = "XAdES-T"
	LevelXL  = "XAdES-XL"
)

// ValidationConclusion is the outcome for one signature or a whole report.
type ValidationConclusion struct {
	Indication    string           `json:"indication" xml:"Indication"`
	SubIndication string           `json:"subIndication,omitempty" xml:"SubIndication,omitempty"`
	Errors        []ValidationNote `json:"errors,omitempty" xml:"Errors>Error,omitempty"`
	Warnings      []ValidationNote `json:"warnings,omitempty" xml:"Warnings>Warning,omitempty"`
}

// ValidationNote is a keyed error or warning message.
type ValidationNote struct {
	Key   string `json:"key" xml:"Key"`
	Value string `json:"value" xml:"Value"`
}

// NewValidationConclusion creates a conclusion with the given indication.
func NewValidationConclusion(indication, subIndication string) *ValidationConclusion {
	return &ValidationConclusion{Indication: indication, SubIndication: subIndication}
}

// AddError records an error.
func (c *ValidationConclusion) AddError(key, value string) {
	c.Errors = append(c.Errors, ValidationNote{Key: key, Value: value})
}

// AddWarning records a warning.
func (c *ValidationConclusion) AddWarning(key, value string) {
	c.Warnings = append(c.Warnings, ValidationNote{Key: key, Value: value})
}

func (c *ValidationConclusion) IsPassed() bool {
	return c != nil && c.Indication == IndicationPassed
}

func (c *ValidationConclusion) IsFailed() bool {
	return c != nil && c.Indication == IndicationFailed
}

// CertificateInfo describes a certificate in the report.
type CertificateInfo struct {
	Subject          string    `json:"subject" xml:"Subject"`
	Issuer           string    `json:"issuer" xml:"Issuer"`
	SerialNumber     string    `json:"serialNumber" xml:"SerialNumber"`
	NotBefore        time.Time `json:"notBefore" xml:"NotBefore"`
	NotAfter         time.Time `json:"notAfter" xml:"NotAfter"`
	IsCA             bool      `json:"isCA" xml:"IsCA"`
	KeyUsage         []string  `json:"keyUsage,omitempty" xml:"KeyUsage>Usage,omitempty"`
	ExtendedKeyUsage []string  `json:"extendedKeyUsage,omitempty" xml:"ExtendedKeyUsage>Usage,omitempty"`
}

var keyUsageNames = []struct {
	usage x509.KeyUsage
	name  string
}{
	{x509.KeyUsageDigitalSignature, "digitalSignature"},
	{x509.KeyUsageContentCommitment, "contentCommitment"},
	{x509.KeyUsageKeyEncipherment, "keyEncipherment"},
	{x509.KeyUsageDataEncipherment, "dataEncipherment"},
	{x509.KeyUsageKeyAgreement, "keyAgreement"},
	{x509.KeyUsageCertSign, "keyCertSign"},
	{x509.KeyUsageCRLSign, "cRLSign"},
}

var extKeyUsageNames = map[x509.ExtKeyUsage]string{
	x509.ExtKeyUsageServerAuth:      "serverAuth",
	x509.ExtKeyUsageClientAuth:      "clientAuth",
	x509.ExtKeyUsageCodeSigning:     "codeSigning",
	x509.ExtKeyUsageEmailProtection: "emailProtection",
	x509.ExtKeyUsageTimeStamping:    "timeStamping",
	x509.ExtKeyUsageOCSPSigning:     "OCSPSigning",
}

// NewCertificateInfo summarises cert.
func NewCertificateInfo(cert *x509.Certificate) *CertificateInfo {
	info := &CertificateInfo{
		Subject:      cert.Subject.String(),
		Issuer:       cert.Issuer.String(),
		SerialNumber: cert.SerialNumber.String(),
		NotBefore:    cert.NotBefore.UTC(),
		NotAfter:     cert.NotAfter.UTC(),
		IsCA:         cert.IsCA,
	}
	for _, ku := range keyUsageNames {
		if cert.KeyUsage&ku.usage != 0 {
			info.KeyUsage = append(info.KeyUsage, ku.name)
		}
	}
	for _, eku := range cert.ExtKeyUsage {
		if name, ok := extKeyUsageNames[eku]; ok {
			info.ExtendedKeyUsage = append(info.ExtendedKeyUsage, name)
		}
	}
	return info
}

// IsValidAt reports whether at falls within the validity period.
func (c *CertificateInfo) IsValidAt(at time.Time) bool {
	return !at.Before(c.NotBefore) && !at.After(c.NotAfter)
}

// TimestampInfo describes a timestamp carried by a signature.
type TimestampInfo struct {
	ID              string           `json:"id,omitempty" xml:"Id,attr,omitempty"`
	Type            string           `json:"type" xml:"Type"`
	ProductionTime  time.Time        `json:"productionTime" xml:"ProductionTime"`
	DigestAlgorithm string           `json:"digestAlgorithm,omitempty" xml:"DigestAlgorithm,omitempty"`
	TSA             *CertificateInfo `json:"tsa,omitempty" xml:"TSA,omitempty"`
}

// RevocationInfo describes embedded revocation data.
type RevocationInfo struct {
	Type           string    `json:"type" xml:"Type"`
	Issuer         string    `json:"issuer,omitempty" xml:"Issuer,omitempty"`
	ProductionTime time.Time `json:"productionTime" xml:"ProductionTime"`
}

// SignerRole lists the roles claimed by the signer.
type SignerRole struct {
	ClaimedRoles   []string `json:"claimedRoles,omitempty" xml:"ClaimedRoles>Role,omitempty"`
	CertifiedRoles int      `json:"certifiedRoles,omitempty" xml:"CertifiedRoles,omitempty"`
}

// SignatureProductionPlace is where the signer claims to have signed.
type SignatureProductionPlace struct {
	City            string `json:"city,omitempty" xml:"City,omitempty"`
	StateOrProvince string `json:"stateOrProvince,omitempty" xml:"StateOrProvince,omitempty"`
	PostalCode      string `json:"postalCode,omitempty" xml:"PostalCode,omitempty"`
	CountryName     string `json:"countryName,omitempty" xml:"CountryName,omitempty"`
}

// SignatureInfo is the report entry of one signature.
type SignatureInfo struct {
	ID                 string                    `json:"id" xml:"Id,attr"`
	SignatureLevel     string                    `json:"signatureLevel" xml:"SignatureLevel"`
	Packaging          string                    `json:"packaging,omitempty" xml:"Packaging,omitempty"`
	CounterSignature   bool                      `json:"counterSignature,omitempty" xml:"CounterSignature,omitempty"`
	SigningTime        *time.Time                `json:"signingTime,omitempty" xml:"SigningTime,omitempty"`
	SignatureAlgorithm string                    `json:"signatureAlgorithm,omitempty" xml:"SignatureAlgorithm,omitempty"`
	MimeType           string                    `json:"mimeType,omitempty" xml:"MimeType,omitempty"`
	Policy             string                    `json:"policy,omitempty" xml:"Policy,omitempty"`
	ProductionPlace    *SignatureProductionPlace `json:"productionPlace,omitempty" xml:"ProductionPlace,omitempty"`
	SignerRole         *SignerRole               `json:"signerRole,omitempty" xml:"SignerRole,omitempty"`
	CommitmentTypes    []string                  `json:"commitmentTypes,omitempty" xml:"CommitmentTypes>Type,omitempty"`
	SignerCertificate  *CertificateInfo          `json:"signerCertificate,omitempty" xml:"SignerCertificate,omitempty"`
	CertificateValues  []*CertificateInfo        `json:"certificateValues,omitempty" xml:"CertificateValues>Certificate,omitempty"`
	Timestamps         []*TimestampInfo          `json:"timestamps,omitempty" xml:"Timestamps>Timestamp,omitempty"`
	RevocationData     []*RevocationInfo         `json:"revocationData,omitempty" xml:"RevocationData>Revocation,omitempty"`
	Conclusion         *ValidationConclusion     `json:"conclusion" xml:"Conclusion"`
}

// HasTimestamp reports whether the signature carries a timestamp of the
// given type.
func (s *SignatureInfo) HasTimestamp(typ string) bool {
	for _, ts := range s.Timestamps {
		if ts.Type == typ {
			return true
		}
	}
	return false
}

// DetectLevel derives the XAdES form from the properties present.
func DetectLevel(sig *SignatureInfo) string {
	if !sig.HasTimestamp(TimestampSignature) {
		return LevelBES
	}
	if sig.HasTimestamp(TimestampSigAndRefs) && len(sig.CertificateValues) > 0 && len(sig.RevocationData) > 0 {
		return LevelXL
	}
	return LevelT
}

// DocumentInfo describes the verified file.
type DocumentInfo struct {
	Filename string `json:"filename,omitempty" xml:"Filename,omitempty"`
	MimeType string `json:"mimeType,omitempty" xml:"MimeType,omitempty"`
	Size     int64  `json:"size,omitempty" xml:"Size,omitempty"`
}

// ValidationReport collects the results for every signature of a document.
type ValidationReport struct {
	XMLName        xml.Name              `json:"-" xml:"ValidationReport"`
	ID             string                `json:"id" xml:"Id,attr"`
	ValidationTime time.Time             `json:"validationTime" xml:"ValidationTime"`
	Document       *DocumentInfo         `json:"document,omitempty" xml:"Document,omitempty"`
	Signatures     []*SignatureInfo      `json:"signatures,omitempty" xml:"Signatures>Signature,omitempty"`
	Conclusion     *ValidationConclusion `json:"conclusion" xml:"Conclusion"`
}

// NewValidationReport creates an empty report.
func NewValidationReport(id string, at time.Time) *ValidationReport {
	return &ValidationReport{
		ID:             id,
		ValidationTime: at.UTC(),
		Conclusion:     NewValidationConclusion(IndicationIndeterminate, SubIndicationSignedDataNotFound),
	}
}

// AddSignature appends sig and recomputes the overall conclusion.
func (r *ValidationReport) AddSignature(sig *SignatureInfo) {
	r.Signatures = append(r.Signatures, sig)
	r.computeConclusion()
}

// computeConclusion is PASSED when every signature passed, FAILED when
// one failed and INDETERMINATE otherwise. The first non-empty
// sub-indication is carried over.
func (r *ValidationReport) computeConclusion() {
	if len(r.Signatures) == 0 {
		r.Conclusion = NewValidationConclusion(IndicationIndeterminate, SubIndicationSignedDataNotFound)
		return
	}
	allPassed, failed := true, false
	var sub string
	for _, sig := range r.Signatures {
		if sig.Conclusion.IsPassed() {
			continue
		}
		allPassed = false
		if sig.Conclusion.IsFailed() {
			failed = true
		}
		if sub == "" && sig.Conclusion != nil {
			sub = sig.Conclusion.SubIndication
		}
	}
	switch {
	case allPassed:
		r.Conclusion = NewValidationConclusion(IndicationPassed, "")
	case failed:
		r.Conclusion = NewValidationConclusion(IndicationFailed, sub)
	default:
		r.Conclusion = NewValidationConclusion(IndicationIndeterminate, sub)
	}
}

// PassedCount returns the number of signatures that passed.
func (r *ValidationReport) PassedCount() int {
	n := 0
	for _, sig := range r.Signatures {
		if sig.Conclusion.IsPassed() {
			n++
		}
	}
	return n
}

// FailedCount returns the number of signatures that failed.
func (r *ValidationReport) FailedCount() int {
	n := 0
	for _, sig := range r.Signatures {
		if sig.Conclusion.IsFailed() {
			n++
		}
	}
	return n
}

// ToJSON serializes the report to indented JSON.
func (r *ValidationReport) ToJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// ToXML serializes the report to indented XML.
func (r *ValidationReport) ToXML() ([]byte, error) {
	return xml.MarshalIndent(r, "", "  ")
}

// ToText renders the report for a terminal. verbose adds the embedded
// certificates and revocation data.
func (r *ValidationReport) ToText(verbose bool) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Validation time: %s\n", r.ValidationTime.Format(time.RFC3339))
	if r.Document != nil {
		fmt.Fprintf(&sb, "Document: %s", r.Document.Filename)
		if r.Document.MimeType != "" {
			fmt.Fprintf(&sb, " (%s)", r.Document.MimeType)
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "Result: %s\n", conclusionText(r.Conclusion))
	fmt.Fprintf(&sb, "Signatures: %d total, %d passed, %d failed\n",
		len(r.Signatures), r.PassedCount(), r.FailedCount())

	for i, sig := range r.Signatures {
		fmt.Fprintf(&sb, "\n[%d] %s\n", i+1, sig.ID)
		fmt.Fprintf(&sb, "  Level: %s\n", sig.SignatureLevel)
		if sig.CounterSignature {
			sb.WriteString("  Countersignature\n")
		}
		if sig.SigningTime != nil {
			fmt.Fprintf(&sb, "  Signing time: %s\n", sig.SigningTime.Format(time.RFC3339))
		}
		if sig.SignerCertificate != nil {
			fmt.Fprintf(&sb, "  Signer: %s\n", sig.SignerCertificate.Subject)
			fmt.Fprintf(&sb, "  Issuer: %s\n", sig.SignerCertificate.Issuer)
		}
		if len(sig.CommitmentTypes) > 0 {
			fmt.Fprintf(&sb, "  Commitments: %s\n", strings.Join(sig.CommitmentTypes, ", "))
		}
		for _, ts := range sig.Timestamps {
			fmt.Fprintf(&sb, "  Timestamp: %s at %s\n", ts.Type, ts.ProductionTime.Format(time.RFC3339))
		}
		if verbose {
			for _, c := range sig.CertificateValues {
				fmt.Fprintf(&sb, "  Certificate: %s\n", c.Subject)
			}
			for _, rev := range sig.RevocationData {
				fmt.Fprintf(&sb, "  Revocation: %s %s\n", rev.Type, rev.ProductionTime.Format(time.RFC3339))
			}
		}
		fmt.Fprintf(&sb, "  Result: %s\n", conclusionText(sig.Conclusion))
		if sig.Conclusion != nil {
			for _, e := range sig.Conclusion.Errors {
				fmt.Fprintf(&sb, "    ERROR: %s - %s\n", e.Key, e.Value)
			}
			for _, w := range sig.Conclusion.Warnings {
				fmt.Fprintf(&sb, "    WARNING: %s - %s\n", w.Key, w.Value)
			}
		}
	}
	return sb.String()
}

func conclusionText(c *ValidationConclusion) string {
	if c == nil {
		return IndicationIndeterminate
	}
	if c.SubIndication == "" {
		return c.Indication
	}
	return c.Indication + " (" + c.SubIndication + ")"
}
