package timestamps

import (
	"bytes"
	"context"
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/digitorus/timestamp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/georgepadayatti/goxades/internal/testpki"
	"github.com/georgepadayatti/goxades/sign/algorithms"
)

func newTestTSA(t *testing.T) (*testpki.Identity, *testpki.Identity) {
	t.Helper()
	root := testpki.NewRoot(t, "TSA Test Root")
	return root, root.NewTSA(t, "Test TSA")
}

func TestDummyTimestampRoundTrip(t *testing.T) {
	root, tsa := newTestTSA(t)
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	d := NewDummyTimeStamper(tsa.Cert, tsa.Key).
		WithFixedTime(fixed).
		WithCertsToEmbed([]*x509.Certificate{root.Cert})

	data := []byte("signature value bytes")
	digest := sha256.Sum256(data)

	raw, err := d.Timestamp(context.Background(), digest[:], algorithms.SHA256)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Requests())

	token, err := ParseToken(raw)
	require.NoError(t, err)
	assert.True(t, token.GenTime.Equal(fixed))
	assert.Equal(t, digest[:], token.HashedMessage)
	assert.True(t, token.Policy.Equal(DefaultPolicy))
	assert.NotNil(t, token.Nonce)
	assert.True(t, containsCert(token.Certificates, tsa.Cert))
	assert.True(t, containsCert(token.Certificates, root.Cert))

	alg, err := token.DigestAlgorithm()
	require.NoError(t, err)
	assert.Equal(t, algorithms.SHA256, alg)

	assert.NoError(t, token.VerifyData(data))
	assert.ErrorIs(t, token.VerifyData([]byte("tampered")), ErrTimestampMismatch)
}

func TestDummyTimestampDigests(t *testing.T) {
	_, tsa := newTestTSA(t)
	d := NewDummyTimeStamper(tsa.Cert, tsa.Key)

	for _, alg := range algorithms.Digests() {
		t.Run(alg.Name, func(t *testing.T) {
			raw, err := d.Timestamp(context.Background(), alg.Sum([]byte("x")), alg)
			if alg.Hash == crypto.SHA1 {
				assert.ErrorIs(t, err, ErrTimestampRejected)
				return
			}
			require.NoError(t, err)
			token, err := ParseToken(raw)
			require.NoError(t, err)
			assert.Equal(t, alg.Hash, token.HashAlgorithm)
			assert.NoError(t, token.VerifyData([]byte("x")))
		})
	}
}

func TestDummyTimestampWithoutNonce(t *testing.T) {
	_, tsa := newTestTSA(t)
	d := NewDummyTimeStamper(tsa.Cert, tsa.Key).WithoutNonce()

	_, err := d.Timestamp(context.Background(), algorithms.SHA256.Sum(nil), algorithms.SHA256)
	assert.ErrorIs(t, err, ErrInvalidTimestamp)
}

func TestDummyTimestampPolicy(t *testing.T) {
	_, tsa := newTestTSA(t)
	policy := asn1.ObjectIdentifier{1, 2, 3, 4, 5}
	d := NewDummyTimeStamper(tsa.Cert, tsa.Key).WithPolicy(policy)

	raw, err := d.Timestamp(context.Background(), algorithms.SHA256.Sum([]byte("p")), algorithms.SHA256)
	require.NoError(t, err)
	token, err := ParseToken(raw)
	require.NoError(t, err)
	assert.True(t, token.Policy.Equal(policy))
}

func TestTimestampRejectsBadDigestLength(t *testing.T) {
	_, tsa := newTestTSA(t)
	d := NewDummyTimeStamper(tsa.Cert, tsa.Key)

	_, err := d.Timestamp(context.Background(), []byte{1, 2, 3}, algorithms.SHA256)
	assert.ErrorIs(t, err, ErrTimestampFailed)
	assert.Zero(t, d.Requests())
}

func TestHTTPTimestamper(t *testing.T) {
	_, tsa := newTestTSA(t)
	d := NewDummyTimeStamper(tsa.Cert, tsa.Key)
	srv := httptest.NewServer(d)
	defer srv.Close()

	client := NewHTTPTimestamper(srv.URL)
	digest := algorithms.SHA512.Sum([]byte("payload"))

	raw, err := client.Timestamp(context.Background(), digest, algorithms.SHA512)
	require.NoError(t, err)

	token, err := ParseToken(raw)
	require.NoError(t, err)
	assert.Equal(t, digest, token.HashedMessage)
	assert.Equal(t, 1, d.Requests())
}

func TestHTTPTimestamperBasicAuth(t *testing.T) {
	_, tsa := newTestTSA(t)
	d := NewDummyTimeStamper(tsa.Cert, tsa.Key).WithCredentials("alice", "secret")
	srv := httptest.NewServer(d)
	defer srv.Close()

	client := NewHTTPTimestamper(srv.URL)
	digest := algorithms.SHA256.Sum([]byte("payload"))

	_, err := client.Timestamp(context.Background(), digest, algorithms.SHA256)
	assert.ErrorIs(t, err, ErrTimestampFailed)

	client.SetCredentials("alice", "secret")
	_, err = client.Timestamp(context.Background(), digest, algorithms.SHA256)
	assert.NoError(t, err)
}

func TestHTTPTimestamperServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, queryContentType, r.Header.Get("Content-Type"))
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPTimestamper(srv.URL).Timestamp(context.Background(), algorithms.SHA256.Sum(nil), algorithms.SHA256)
	assert.ErrorIs(t, err, ErrTimestampFailed)
}

func TestHTTPTimestamperImprintMismatch(t *testing.T) {
	_, tsa := newTestTSA(t)
	d := NewDummyTimeStamper(tsa.Cert, tsa.Key)

	// Answers with a token over a different digest, keeping the nonce.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		req, err := timestamp.ParseRequest(body)
		require.NoError(t, err)
		req.HashedMessage = bytes.Repeat([]byte{0xAA}, len(req.HashedMessage))
		forged, err := req.Marshal()
		require.NoError(t, err)
		resp, err := d.Respond(forged)
		require.NoError(t, err)
		_, _ = w.Write(resp)
	}))
	defer srv.Close()

	_, err := NewHTTPTimestamper(srv.URL).Timestamp(context.Background(), algorithms.SHA256.Sum([]byte("a")), algorithms.SHA256)
	assert.ErrorIs(t, err, ErrTimestampMismatch)
}

func TestHTTPTimestamperGarbageReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not DER"))
	}))
	defer srv.Close()

	_, err := NewHTTPTimestamper(srv.URL).Timestamp(context.Background(), algorithms.SHA256.Sum(nil), algorithms.SHA256)
	assert.ErrorIs(t, err, ErrTimestampRejected)
}

func TestParseTokenGarbage(t *testing.T) {
	_, err := ParseToken([]byte("nope"))
	assert.ErrorIs(t, err, ErrInvalidTimestamp)
}

func containsCert(certs []*x509.Certificate, want *x509.Certificate) bool {
	for _, c := range certs {
		if c.Equal(want) {
			return true
		}
	}
	return false
}
