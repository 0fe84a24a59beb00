package certvalidator

import (
	"bytes"
	"crypto/x509"
	"time"
)

// FindCRL returns the first list issued and signed by issuer that is
// still current at now. Lists without a nextUpdate are treated as current.
func FindCRL(crls []*x509.RevocationList, issuer *x509.Certificate, now time.Time) *x509.RevocationList {
	for _, crl := range crls {
		if crl == nil || !bytes.Equal(crl.RawIssuer, issuer.RawSubject) {
			continue
		}
		if !crl.NextUpdate.IsZero() && now.After(crl.NextUpdate) {
			continue
		}
		if crl.CheckSignatureFrom(issuer) != nil {
			continue
		}
		return crl
	}
	return nil
}

// RevokedEntry returns cert's entry in crl, or nil when it is not listed.
func RevokedEntry(crl *x509.RevocationList, cert *x509.Certificate) *x509.RevocationListEntry {
	for i := range crl.RevokedCertificateEntries {
		entry := &crl.RevokedCertificateEntries[i]
		if entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
			return entry
		}
	}
	return nil
}
