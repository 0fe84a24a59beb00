package certvalidator

import (
	"errors"
	"fmt"
	"time"
)

// ErrCertRevoked is matched by every RevokedError.
var ErrCertRevoked = errors.New("certificate revoked")

// CRLReason is the RFC 5280 reasonCode of a revoked entry. OCSP reports
// the same codes.
type CRLReason int

const (
	CRLReasonUnspecified          CRLReason = 0
	CRLReasonKeyCompromise        CRLReason = 1
	CRLReasonCACompromise         CRLReason = 2
	CRLReasonAffiliationChanged   CRLReason = 3
	CRLReasonSuperseded           CRLReason = 4
	CRLReasonCessationOfOperation CRLReason = 5
	CRLReasonCertificateHold      CRLReason = 6
	CRLReasonRemoveFromCRL        CRLReason = 8
	CRLReasonPrivilegeWithdrawn   CRLReason = 9
	CRLReasonAACompromise         CRLReason = 10
)

var crlReasonNames = map[CRLReason]string{
	CRLReasonUnspecified:          "unspecified",
	CRLReasonKeyCompromise:        "key compromise",
	CRLReasonCACompromise:         "CA compromise",
	CRLReasonAffiliationChanged:   "affiliation changed",
	CRLReasonSuperseded:           "superseded",
	CRLReasonCessationOfOperation: "cessation of operation",
	CRLReasonCertificateHold:      "certificate hold",
	CRLReasonRemoveFromCRL:        "remove from CRL",
	CRLReasonPrivilegeWithdrawn:   "privilege withdrawn",
	CRLReasonAACompromise:         "AA compromise",
}

func (r CRLReason) String() string {
	if name, ok := crlReasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("unknown reason (%d)", int(r))
}

// RevokedError reports a certificate found on a revocation source.
type RevokedError struct {
	Subject   string
	Reason    CRLReason
	RevokedAt time.Time
	Source    string
}

func (e *RevokedError) Error() string {
	return fmt.Sprintf("certificate %q revoked at %s (%s, via %s)",
		e.Subject, e.RevokedAt.UTC().Format(time.RFC3339), e.Reason, e.Source)
}

// Unwrap lets errors.Is match ErrCertRevoked.
func (e *RevokedError) Unwrap() error {
	return ErrCertRevoked
}
