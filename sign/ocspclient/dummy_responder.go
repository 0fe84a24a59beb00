package ocspclient

import (
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	xocsp "golang.org/x/crypto/ocsp"
)

// DummyResponder is an in-process OCSP responder for tests and local
// tooling. It answers for certificates issued by Issuer and signs with
// the responder certificate and key it was built with.
type DummyResponder struct {
	Issuer        *x509.Certificate
	ResponderCert *x509.Certificate
	ResponderKey  crypto.Signer

	// DefaultStatus is returned for serials without an explicit status.
	DefaultStatus Status
	// NonceOverride replaces the echoed nonce; OmitNonce drops it.
	NonceOverride []byte
	OmitNonce     bool
	// EmbedIssuer embeds the issuer certificate when the issuer signs.
	EmbedIssuer bool

	mu       sync.Mutex
	statuses map[string]Status
	requests int
}

// NewDummyResponder creates a responder answering Good by default.
func NewDummyResponder(issuer, responderCert *x509.Certificate, key crypto.Signer) *DummyResponder {
	return &DummyResponder{
		Issuer:        issuer,
		ResponderCert: responderCert,
		ResponderKey:  key,
		DefaultStatus: Good,
		statuses:      make(map[string]Status),
	}
}

// SetStatus records the status to report for a serial number.
func (r *DummyResponder) SetStatus(serial *big.Int, status Status) *DummyResponder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[serial.String()] = status
	return r
}

// Requests returns how many requests have been answered.
func (r *DummyResponder) Requests() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests
}

// Respond produces a DER response for a DER request.
func (r *DummyResponder) Respond(der []byte) ([]byte, error) {
	req, err := ParseRequest(der)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.requests++
	status, ok := r.statuses[req.SerialNumbers[0].String()]
	r.mu.Unlock()
	if !ok {
		status = r.DefaultStatus
	}

	now := time.Now()
	template := xocsp.Response{
		SerialNumber: req.SerialNumbers[0],
		ThisUpdate:   now.Add(-time.Hour),
		NextUpdate:   now.Add(24 * time.Hour),
	}
	switch status {
	case Good:
		template.Status = xocsp.Good
	case Revoked:
		template.Status = xocsp.Revoked
		template.RevokedAt = now.Add(-2 * time.Hour)
		template.RevocationReason = xocsp.KeyCompromise
	default:
		template.Status = xocsp.Unknown
	}
	if r.EmbedIssuer || !r.ResponderCert.Equal(r.Issuer) {
		template.Certificate = r.ResponderCert
	}

	if !r.OmitNonce && req.NonceExtension != nil {
		ext := *req.NonceExtension
		if r.NonceOverride != nil {
			ext = pkix.Extension{Id: OIDNonce, Value: r.NonceOverride}
		}
		template.ExtraExtensions = []pkix.Extension{ext}
	}

	resp, err := xocsp.CreateResponse(r.Issuer, r.ResponderCert, template, r.ResponderKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create OCSP response: %w", err)
	}
	return resp, nil
}

// ServeHTTP implements http.Handler.
func (r *DummyResponder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost || req.Header.Get("Content-Type") != requestContentType {
		http.Error(w, "expected an OCSP POST", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := r.Respond(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", responseContentType)
	_, _ = w.Write(resp)
}
