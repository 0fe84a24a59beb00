// Package timestamps provides RFC 3161 timestamp support: an HTTP client
// for Time-Stamp Authorities, token decoding, and an in-process TSA for
// tests and offline tooling.
package timestamps

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/digitorus/pkcs7"
	"github.com/digitorus/timestamp"
	"go.uber.org/zap"

	"github.com/georgepadayatti/goxades/sign/algorithms"
)

const (
	queryContentType = "application/timestamp-query"
	replyContentType = "application/timestamp-reply"

	maxReplySize = 10 * 1024 * 1024
)

// DefaultPolicy is the TSA policy used by the dummy timestamper.
var DefaultPolicy = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 4146, 2, 2}

// Common errors
var (
	ErrTimestampFailed   = errors.New("timestamp request failed")
	ErrTimestampRejected = errors.New("timestamp request rejected")
	ErrInvalidTimestamp  = errors.New("invalid timestamp")
	ErrTimestampMismatch = errors.New("timestamp message imprint mismatch")
)

// Timestamper obtains a TimeStampToken over a precomputed digest.
type Timestamper interface {
	Timestamp(ctx context.Context, digest []byte, alg algorithms.DigestAlgorithm) ([]byte, error)
}

// HTTPTimestamper implements Timestamper against a remote TSA. A failed
// exchange is returned to the caller; there is no retry.
type HTTPTimestamper struct {
	URL        string
	HTTPClient *http.Client
	Username   string
	Password   string
	// CertReq asks the TSA to embed its certificate in the token.
	CertReq bool
	Logger  *zap.Logger
}

// NewHTTPTimestamper creates a new HTTP timestamper.
func NewHTTPTimestamper(url string) *HTTPTimestamper {
	return &HTTPTimestamper{
		URL:        url,
		HTTPClient: &http.Client{},
		CertReq:    true,
		Logger:     zap.NewNop(),
	}
}

// SetCredentials sets HTTP Basic authentication credentials.
func (t *HTTPTimestamper) SetCredentials(username, password string) {
	t.Username = username
	t.Password = password
}

// Timestamp implements Timestamper.
func (t *HTTPTimestamper) Timestamp(ctx context.Context, digest []byte, alg algorithms.DigestAlgorithm) ([]byte, error) {
	req, der, err := newRequest(digest, alg, t.CertReq)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(der))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimestampFailed, err)
	}
	httpReq.Header.Set("Content-Type", queryContentType)
	if t.Username != "" {
		httpReq.SetBasicAuth(t.Username, t.Password)
	}

	logger := t.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("requesting timestamp", zap.String("url", t.URL), zap.Stringer("digest", alg))

	client := t.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimestampFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d", ErrTimestampFailed, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimestampFailed, err)
	}

	return checkReply(req, body)
}

// newRequest builds a TimeStampReq with a fresh random nonce.
func newRequest(digest []byte, alg algorithms.DigestAlgorithm, certReq bool) (*timestamp.Request, []byte, error) {
	if alg.IsZero() {
		return nil, nil, fmt.Errorf("%w: no digest algorithm", ErrTimestampFailed)
	}
	if len(digest) != alg.Hash.Size() {
		return nil, nil, fmt.Errorf("%w: %d byte digest for %s", ErrTimestampFailed, len(digest), alg)
	}

	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, nil, err
	}

	req := &timestamp.Request{
		HashAlgorithm: alg.Hash,
		HashedMessage: digest,
		Certificates:  certReq,
		Nonce:         nonce,
	}
	der, err := req.Marshal()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	return req, der, nil
}

// checkReply parses a TimeStampResp and checks it answers req.
func checkReply(req *timestamp.Request, reply []byte) ([]byte, error) {
	ts, err := timestamp.ParseResponse(reply)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimestampRejected, err)
	}
	if len(ts.RawToken) == 0 {
		return nil, fmt.Errorf("%w: response carries no token", ErrInvalidTimestamp)
	}
	if ts.Nonce == nil || ts.Nonce.Cmp(req.Nonce) != 0 {
		return nil, fmt.Errorf("%w: nonce mismatch", ErrInvalidTimestamp)
	}
	if ts.HashAlgorithm != req.HashAlgorithm || !bytes.Equal(ts.HashedMessage, req.HashedMessage) {
		return nil, ErrTimestampMismatch
	}
	return ts.RawToken, nil
}

// Token is a decoded TimeStampToken.
type Token struct {
	Raw           []byte
	HashAlgorithm crypto.Hash
	HashedMessage []byte
	GenTime       time.Time
	SerialNumber  *big.Int
	Nonce         *big.Int
	Policy        asn1.ObjectIdentifier
	// Certificates is the token's SignedData certificate store, unordered.
	Certificates []*x509.Certificate
}

// ParseToken decodes a DER TimeStampToken and verifies its CMS signature
// against the certificates it carries.
func ParseToken(raw []byte) (*Token, error) {
	ts, err := timestamp.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	p7, err := pkcs7.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	return &Token{
		Raw:           raw,
		HashAlgorithm: ts.HashAlgorithm,
		HashedMessage: ts.HashedMessage,
		GenTime:       ts.Time,
		SerialNumber:  ts.SerialNumber,
		Nonce:         ts.Nonce,
		Policy:        ts.Policy,
		Certificates:  p7.Certificates,
	}, nil
}

// DigestAlgorithm returns the registry entry for the imprint's hash.
func (t *Token) DigestAlgorithm() (algorithms.DigestAlgorithm, error) {
	return algorithms.DigestByHash(t.HashAlgorithm)
}

// VerifyData recomputes the imprint over data with the token's own hash
// algorithm and compares it.
func (t *Token) VerifyData(data []byte) error {
	if !t.HashAlgorithm.Available() {
		return fmt.Errorf("%w: hash %v unavailable", ErrInvalidTimestamp, t.HashAlgorithm)
	}
	h := t.HashAlgorithm.New()
	h.Write(data)
	if !bytes.Equal(h.Sum(nil), t.HashedMessage) {
		return ErrTimestampMismatch
	}
	return nil
}
