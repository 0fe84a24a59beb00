package timestamps

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/digitorus/timestamp"

	"github.com/georgepadayatti/goxades/sign/algorithms"
)

// DummyTimeStamper acts as its own TSA for testing purposes.
// It accepts all requests and signs them using the provided certificate.
type DummyTimeStamper struct {
	// TSACert is the TSA signing certificate.
	TSACert *x509.Certificate

	// TSAKey is the TSA private key.
	TSAKey crypto.Signer

	// CertsToEmbed are additional certificates to include in the token.
	CertsToEmbed []*x509.Certificate

	// FixedTime is a fixed time to use instead of current time.
	// If nil, current time is used.
	FixedTime *time.Time

	// IncludeNonce controls whether to echo the nonce from requests.
	IncludeNonce bool

	// Policy is the TSA policy OID.
	Policy asn1.ObjectIdentifier

	// Username and Password, when set, are required as Basic auth by
	// ServeHTTP.
	Username string
	Password string

	mu       sync.Mutex
	requests int
}

// NewDummyTimeStamper creates a new dummy timestamper.
func NewDummyTimeStamper(cert *x509.Certificate, key crypto.Signer) *DummyTimeStamper {
	return &DummyTimeStamper{
		TSACert:      cert,
		TSAKey:       key,
		IncludeNonce: true,
		Policy:       DefaultPolicy,
	}
}

// WithCertsToEmbed adds certificates to embed in tokens.
func (d *DummyTimeStamper) WithCertsToEmbed(certs []*x509.Certificate) *DummyTimeStamper {
	d.CertsToEmbed = certs
	return d
}

// WithFixedTime sets a fixed timestamp time.
func (d *DummyTimeStamper) WithFixedTime(t time.Time) *DummyTimeStamper {
	d.FixedTime = &t
	return d
}

// WithoutNonce disables nonce echoing.
func (d *DummyTimeStamper) WithoutNonce() *DummyTimeStamper {
	d.IncludeNonce = false
	return d
}

// WithPolicy sets the TSA policy OID.
func (d *DummyTimeStamper) WithPolicy(policy asn1.ObjectIdentifier) *DummyTimeStamper {
	d.Policy = policy
	return d
}

// WithCredentials makes ServeHTTP demand Basic auth.
func (d *DummyTimeStamper) WithCredentials(username, password string) *DummyTimeStamper {
	d.Username = username
	d.Password = password
	return d
}

// Requests returns how many requests have been answered.
func (d *DummyTimeStamper) Requests() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests
}

// Timestamp implements Timestamper without a network round trip. The
// reply goes through the same checks as one received over HTTP.
func (d *DummyTimeStamper) Timestamp(_ context.Context, digest []byte, alg algorithms.DigestAlgorithm) ([]byte, error) {
	req, der, err := newRequest(digest, alg, true)
	if err != nil {
		return nil, err
	}
	reply, err := d.Respond(der)
	if err != nil {
		return nil, err
	}
	return checkReply(req, reply)
}

// Respond answers a DER TimeStampReq with a DER TimeStampResp.
func (d *DummyTimeStamper) Respond(der []byte) ([]byte, error) {
	req, err := timestamp.ParseRequest(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse request: %w", err)
	}
	// The signing-certificate attribute is always ESSCertIDv2 over the
	// imprint hash, which cannot be SHA-1.
	if req.HashAlgorithm == crypto.SHA1 {
		return nil, fmt.Errorf("%w: SHA-1 message imprints are not supported", ErrTimestampRejected)
	}

	d.mu.Lock()
	d.requests++
	d.mu.Unlock()

	genTime := time.Now()
	if d.FixedTime != nil {
		genTime = *d.FixedTime
	}

	serialNumber, err := generateSerialNumber()
	if err != nil {
		return nil, err
	}

	ts := timestamp.Timestamp{
		HashAlgorithm:     req.HashAlgorithm,
		HashedMessage:     req.HashedMessage,
		Time:              genTime,
		Accuracy:          time.Second,
		SerialNumber:      serialNumber,
		Policy:            d.Policy,
		Certificates:      d.CertsToEmbed,
		AddTSACertificate: true,
	}
	if d.IncludeNonce {
		ts.Nonce = req.Nonce
	}

	resp, err := ts.CreateResponseWithOpts(d.TSACert, d.TSAKey, crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("failed to create timestamp response: %w", err)
	}
	return resp, nil
}

// ServeHTTP implements http.Handler so the dummy can back a test server.
func (d *DummyTimeStamper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.Header.Get("Content-Type") != queryContentType {
		http.Error(w, "expected a timestamp query", http.StatusBadRequest)
		return
	}
	if d.Username != "" {
		user, pass, ok := r.BasicAuth()
		if !ok || user != d.Username || pass != d.Password {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := d.Respond(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", replyContentType)
	_, _ = w.Write(resp)
}

func generateSerialNumber() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 63))
}
