package ocspclient

import (
	"context"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xocsp "golang.org/x/crypto/ocsp"

	"github.com/georgepadayatti/goxades/internal/testpki"
)

type ocspFixture struct {
	ca        *testpki.Identity
	responder *testpki.Identity
	leaf      *testpki.Identity
}

func newOCSPFixture(t *testing.T) *ocspFixture {
	t.Helper()
	ca := testpki.NewRoot(t, "OCSP Test Root")
	return &ocspFixture{
		ca:        ca,
		responder: ca.NewOCSPResponder(t, "OCSP Test Responder"),
		leaf:      ca.NewLeaf(t, "OCSP Test Leaf", testpki.WithOCSP("http://ocsp.example.test")),
	}
}

func (f *ocspFixture) serve(t *testing.T, r *DummyResponder) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestBuildRequestRoundTrip(t *testing.T) {
	f := newOCSPFixture(t)
	requestor := &pkix.Name{CommonName: "Requestor", Organization: []string{"goxades"}}

	req, err := BuildRequest(f.leaf.Cert, f.ca.Cert, requestor, nil)
	require.NoError(t, err)
	require.Len(t, req.Nonce, 8)
	assert.Equal(t, f.leaf.Cert.SerialNumber, req.SerialNumber)

	parsed, err := ParseRequest(req.DER)
	require.NoError(t, err)
	require.Len(t, parsed.SerialNumbers, 1)
	assert.Equal(t, 0, parsed.SerialNumbers[0].Cmp(f.leaf.Cert.SerialNumber))
	assert.Equal(t, req.Nonce, parsed.Nonce)
	require.NotNil(t, parsed.NonceExtension)
	assert.True(t, parsed.NonceExtension.Id.Equal(OIDNonce))
	require.NotNil(t, parsed.RequestorName)
	assert.Equal(t, "Requestor", parsed.RequestorName.CommonName)
	assert.False(t, parsed.Signed)
	assert.Len(t, parsed.IssuerNameHash, 20)
	assert.Len(t, parsed.IssuerKeyHash, 20)
}

func TestBuildRequestSigned(t *testing.T) {
	f := newOCSPFixture(t)
	requestor := f.ca.NewLeaf(t, "Signed Requestor")

	req, err := BuildRequest(f.leaf.Cert, f.ca.Cert, nil, requestor.Signer(t, f.ca.Cert))
	require.NoError(t, err)

	parsed, err := ParseRequest(req.DER)
	require.NoError(t, err)
	assert.True(t, parsed.Signed)
	require.Len(t, parsed.Certificates, 2)
	assert.True(t, parsed.Certificates[0].Equal(requestor.Cert))
	require.NotNil(t, parsed.RequestorName)
	assert.Equal(t, "Signed Requestor", parsed.RequestorName.CommonName)
}

func TestBuildRequestRequiresIssuer(t *testing.T) {
	f := newOCSPFixture(t)
	_, err := BuildRequest(f.leaf.Cert, nil, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestNoncesIncrease(t *testing.T) {
	prev := nextNonce()
	for i := 0; i < 100; i++ {
		next := nextNonce()
		assert.True(t, string(next) > string(prev), "nonce %d did not increase", i)
		prev = next
	}
}

func TestClientCheckStatus(t *testing.T) {
	f := newOCSPFixture(t)

	tests := []struct {
		name   string
		status Status
	}{
		{"good", Good},
		{"revoked", Revoked},
		{"unknown", Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			responder := NewDummyResponder(f.ca.Cert, f.responder.Cert, f.responder.Key)
			responder.SetStatus(f.leaf.Cert.SerialNumber, tt.status)
			srv := f.serve(t, responder)

			resp, err := NewClient().Check(context.Background(), srv.URL, f.leaf.Cert, f.ca.Cert, nil, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.Status)
			assert.Equal(t, 1, responder.Requests())

			require.Len(t, resp.Certificates, 1)
			assert.True(t, resp.ResponderCertificate().Equal(f.responder.Cert))
			name, ok := resp.ResponderName()
			require.True(t, ok)
			assert.Equal(t, "OCSP Test Responder", name.CommonName)
			if tt.status == Revoked {
				assert.False(t, resp.RevokedAt.IsZero())
			}
		})
	}
}

func TestClientCheckIssuerSignedResponse(t *testing.T) {
	f := newOCSPFixture(t)
	responder := NewDummyResponder(f.ca.Cert, f.ca.Cert, f.ca.Key)
	srv := f.serve(t, responder)

	resp, err := NewClient().Check(context.Background(), srv.URL, f.leaf.Cert, f.ca.Cert, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Good, resp.Status)
	assert.Empty(t, resp.Certificates)
	assert.Nil(t, resp.ResponderCertificate())
}

func TestClientCheckIssuerSignedResponseEmbeddingIssuer(t *testing.T) {
	f := newOCSPFixture(t)
	responder := NewDummyResponder(f.ca.Cert, f.ca.Cert, f.ca.Key)
	responder.EmbedIssuer = true
	srv := f.serve(t, responder)

	resp, err := NewClient().Check(context.Background(), srv.URL, f.leaf.Cert, f.ca.Cert, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Good, resp.Status)
	require.Len(t, resp.Certificates, 1)
	assert.True(t, resp.ResponderCertificate().Equal(f.ca.Cert))
	assert.True(t, resp.IssuedByIssuer(f.ca.Cert))
}

func TestClientCheckResponderFromOtherHierarchy(t *testing.T) {
	f := newOCSPFixture(t)
	other := testpki.NewRoot(t, "OCSP Other Root")
	delegated := other.NewOCSPResponder(t, "OCSP Other Responder")

	responder := NewDummyResponder(f.ca.Cert, delegated.Cert, delegated.Key)
	responder.SetStatus(f.leaf.Cert.SerialNumber, Revoked)
	srv := f.serve(t, responder)

	resp, err := NewClient().Check(context.Background(), srv.URL, f.leaf.Cert, f.ca.Cert, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Revoked, resp.Status)
	require.NotNil(t, resp.ResponderCertificate())
	assert.True(t, resp.ResponderCertificate().Equal(delegated.Cert))
	assert.False(t, resp.IssuedByIssuer(f.ca.Cert))

	// The delegated responder of the issuer itself is not a bridge.
	raw, err := NewDummyResponder(f.ca.Cert, f.responder.Cert, f.responder.Key).Respond(mustRequest(t, f).DER)
	require.NoError(t, err)
	direct, err := ParseResponse(raw, nil, f.leaf.Cert, f.ca.Cert)
	require.NoError(t, err)
	assert.True(t, direct.IssuedByIssuer(f.ca.Cert))
}

func TestParseResponseBadIssuerSignature(t *testing.T) {
	f := newOCSPFixture(t)
	stranger := testpki.NewRoot(t, "Impostor Root")

	// Signed by a key that is not the issuer's, with no certificate embedded.
	now := time.Now()
	raw, err := xocsp.CreateResponse(f.ca.Cert, stranger.Cert, xocsp.Response{
		Status:       xocsp.Good,
		SerialNumber: f.leaf.Cert.SerialNumber,
		ThisUpdate:   now.Add(-time.Hour),
		NextUpdate:   now.Add(time.Hour),
	}, stranger.Key)
	require.NoError(t, err)

	_, err = ParseResponse(raw, nil, f.leaf.Cert, f.ca.Cert)
	assert.ErrorIs(t, err, ErrProtocol)

	// Without an issuer there is nothing to verify against.
	resp, err := ParseResponse(raw, nil, f.leaf.Cert, nil)
	require.NoError(t, err)
	assert.Nil(t, resp.ResponderCertificate())
}

func mustRequest(t *testing.T, f *ocspFixture) *Request {
	t.Helper()
	req, err := BuildRequest(f.leaf.Cert, f.ca.Cert, nil, nil)
	require.NoError(t, err)
	return req
}

func TestParseResponseNonceMismatch(t *testing.T) {
	f := newOCSPFixture(t)
	other, err := asn1.Marshal([]byte("not-the-nonce"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		setup func(*DummyResponder)
	}{
		{"different nonce", func(r *DummyResponder) { r.NonceOverride = other }},
		{"missing nonce", func(r *DummyResponder) { r.OmitNonce = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			responder := NewDummyResponder(f.ca.Cert, f.responder.Cert, f.responder.Key)
			tt.setup(responder)
			srv := f.serve(t, responder)

			resp, err := NewClient().Check(context.Background(), srv.URL, f.leaf.Cert, f.ca.Cert, nil, nil)
			require.Error(t, err)
			assert.Nil(t, resp)
			assert.ErrorIs(t, err, ErrNonceMismatch)
			assert.ErrorIs(t, err, ErrProtocol)
		})
	}
}

func TestParseResponseWrongIssuer(t *testing.T) {
	f := newOCSPFixture(t)
	stranger := testpki.NewRoot(t, "Unrelated Root")

	req, err := BuildRequest(f.leaf.Cert, f.ca.Cert, nil, nil)
	require.NoError(t, err)
	raw, err := NewDummyResponder(f.ca.Cert, f.responder.Cert, f.responder.Key).Respond(req.DER)
	require.NoError(t, err)

	_, err = ParseResponse(raw, req.Nonce, f.leaf.Cert, stranger.Cert)
	assert.ErrorIs(t, err, ErrProtocol)

	resp, err := ParseResponse(raw, req.Nonce, f.leaf.Cert, f.ca.Cert)
	require.NoError(t, err)
	assert.Equal(t, Good, resp.Status)
	assert.Equal(t, raw, resp.Raw)
}

func TestParseResponseGarbage(t *testing.T) {
	_, err := ParseResponse([]byte("garbage"), nil, nil, nil)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestSendHTTPError(t *testing.T) {
	f := newOCSPFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, requestContentType, r.Header.Get("Content-Type"))
		assert.Equal(t, responseContentType, r.Header.Get("Accept"))
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient().Check(context.Background(), srv.URL, f.leaf.Cert, f.ca.Cert, nil, nil)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestSendTransportError(t *testing.T) {
	f := newOCSPFixture(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient().Check(context.Background(), url, f.leaf.Cert, f.ca.Cert, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.False(t, errors.Is(err, ErrProtocol))
}

func TestGetAiaOcspURL(t *testing.T) {
	f := newOCSPFixture(t)
	assert.Equal(t, "http://ocsp.example.test", GetAiaOcspURL(f.leaf.Cert))
	assert.Equal(t, "", GetAiaOcspURL(f.ca.Cert))
	assert.Equal(t, "", GetAiaOcspURL(nil))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "good", Good.String())
	assert.Equal(t, "revoked", Revoked.String())
	assert.Equal(t, "unknown", Unknown.String())
}
