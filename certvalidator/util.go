// Package certvalidator provides the certificate store, chain building
// and CRL matching used by the long-term validation upgrade.
package certvalidator

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"strings"
)

func canonicalNameString(name pkix.Name) string {
	atvs := name.Names
	if len(atvs) == 0 {
		for _, rdn := range name.ToRDNSequence() {
			atvs = append(atvs, rdn...)
		}
	}

	parts := make([]string, 0, len(atvs))
	for _, atv := range atvs {
		value := normalizeRDNValue(atv.Value)
		parts = append(parts, fmt.Sprintf("%s=%s", atv.Type.String(), value))
	}
	return strings.Join(parts, ",")
}

func normalizeRDNValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		return normalizeDNString(v)
	default:
		return fmt.Sprint(v)
	}
}

// normalizeDNString collapses whitespace and folds case, the usual
// comparison rules for directory strings.
func normalizeDNString(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	return strings.ToLower(strings.Join(strings.Fields(trimmed), " "))
}

// NamesEqual compares two distinguished names after normalization.
func NamesEqual(a, b pkix.Name) bool {
	return canonicalNameString(a) == canonicalNameString(b)
}

// CertificateFingerprint returns the SHA-256 fingerprint of a certificate.
func CertificateFingerprint(cert *x509.Certificate) [32]byte {
	return sha256.Sum256(cert.Raw)
}

// IssuedBy reports whether issuer's name and key identifier match cert's
// issuer fields. It does not check the signature.
func IssuedBy(cert, issuer *x509.Certificate) bool {
	if len(cert.AuthorityKeyId) > 0 && len(issuer.SubjectKeyId) > 0 {
		return bytes.Equal(cert.AuthorityKeyId, issuer.SubjectKeyId)
	}
	return bytes.Equal(cert.RawIssuer, issuer.RawSubject) || NamesEqual(cert.Issuer, issuer.Subject)
}

// IsSelfSigned reports whether cert is signed by its own key.
func IsSelfSigned(cert *x509.Certificate) bool {
	if !bytes.Equal(cert.RawIssuer, cert.RawSubject) {
		return false
	}
	return cert.CheckSignatureFrom(cert) == nil
}
