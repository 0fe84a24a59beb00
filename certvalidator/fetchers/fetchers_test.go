package fetchers

import (
	"context"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/digitorus/pkcs7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/georgepadayatti/goxades/internal/testpki"
)

func TestFetchHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "goxades/1.0", r.Header.Get("User-Agent"))
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte("payload"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewFetcher(nil)

	data, err := f.Fetch(context.Background(), srv.URL+"/ok")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	_, err = f.Fetch(context.Background(), srv.URL+"/missing")
	assert.ErrorIs(t, err, ErrFetchFailed)
}

func TestFetchSizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 1024))
	}))
	defer srv.Close()

	config := DefaultConfig()
	config.MaxResponseSize = 100
	data, err := NewFetcher(config).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Len(t, data, 100)
}

func TestFetchFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "content.bin")
	require.NoError(t, os.WriteFile(path, []byte("detached"), 0o600))

	data, err := NewFetcher(nil).Fetch(context.Background(), "file://"+path)
	require.NoError(t, err)
	assert.Equal(t, []byte("detached"), data)

	config := DefaultConfig()
	config.AllowFileURLs = false
	_, err = NewFetcher(config).Fetch(context.Background(), "file://"+path)
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestFetchUnsupportedScheme(t *testing.T) {
	_, err := NewFetcher(nil).Fetch(context.Background(), "ftp://example.test/x")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestFetchCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewFetcher(nil).Fetch(ctx, srv.URL)
	assert.ErrorIs(t, err, ErrFetchFailed)
}

func TestCRLFetcher(t *testing.T) {
	ca := testpki.NewRoot(t, "CRL Root")
	revoked := ca.NewLeaf(t, "Revoked Leaf")
	now := time.Now()
	crl := ca.CRL(t, now, now.Add(time.Hour), revoked.Cert)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/der":
			_, _ = w.Write(crl.Raw)
		case "/pem":
			_ = pem.Encode(w, &pem.Block{Type: "X509 CRL", Bytes: crl.Raw})
		default:
			_, _ = w.Write([]byte("junk"))
		}
	}))
	defer srv.Close()

	fetcher := NewCRLFetcher(NewFetcher(nil))

	for _, path := range []string{"/der", "/pem"} {
		got, err := fetcher.FetchCRL(context.Background(), srv.URL+path)
		require.NoError(t, err, path)
		require.Len(t, got.RevokedCertificateEntries, 1)
		assert.Equal(t, 0, got.RevokedCertificateEntries[0].SerialNumber.Cmp(revoked.Cert.SerialNumber))
	}

	_, err := fetcher.FetchCRL(context.Background(), srv.URL+"/junk")
	assert.ErrorIs(t, err, ErrCRLParseFailed)
}

func TestFetchCRLsForCert(t *testing.T) {
	ca := testpki.NewRoot(t, "CRL Root")
	leaf := ca.NewLeaf(t, "No DP")

	_, err := NewCRLFetcher(NewFetcher(nil)).FetchCRLsForCert(context.Background(), leaf.Cert)
	assert.ErrorIs(t, err, ErrNoDistributionPoints)

	crl := ca.CRL(t, time.Now(), time.Now().Add(time.Hour))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ca.crl" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(crl.Raw)
	}))
	defer srv.Close()

	// The unreachable point is skipped once another one answers.
	withDP := ca.NewLeaf(t, "With DP", testpki.WithCRLDistributionPoints(srv.URL+"/missing.crl", srv.URL+"/ca.crl"))
	got, err := NewCRLFetcher(NewFetcher(nil)).FetchCRLsForCert(context.Background(), withDP.Cert)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, crl.Raw, got[0].Raw)

	broken := ca.NewLeaf(t, "Broken DP", testpki.WithCRLDistributionPoints(srv.URL+"/missing.crl"))
	_, err = NewCRLFetcher(NewFetcher(nil)).FetchCRLsForCert(context.Background(), broken.Cert)
	assert.ErrorIs(t, err, ErrFetchFailed)
}

func TestFetchIssuingCertificate(t *testing.T) {
	root := testpki.NewRoot(t, "AIA Root")
	other := testpki.NewRoot(t, "Decoy Root")

	p7c, err := pkcs7.DegenerateCertificate(append(append([]byte{}, other.Cert.Raw...), root.Cert.Raw...))
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/root.cer":
			_, _ = w.Write(root.Cert.Raw)
		case "/bundle.p7c":
			_, _ = w.Write(p7c)
		case "/decoy.pem":
			_ = pem.Encode(w, &pem.Block{Type: "CERTIFICATE", Bytes: other.Cert.Raw})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	fetcher := NewCertFetcher(NewFetcher(nil))

	tests := []struct {
		name    string
		urls    []string
		wantErr bool
	}{
		{"der", []string{srv.URL + "/root.cer"}, false},
		{"pkcs7 bundle", []string{srv.URL + "/bundle.p7c"}, false},
		{"fallback after decoy", []string{srv.URL + "/decoy.pem", srv.URL + "/missing", srv.URL + "/root.cer"}, false},
		{"only decoy", []string{srv.URL + "/decoy.pem"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			leaf := root.NewLeaf(t, "AIA Leaf", testpki.WithIssuerURL(tt.urls...))
			issuer, err := fetcher.FetchIssuingCertificate(context.Background(), leaf.Cert)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, issuer.Equal(root.Cert))
		})
	}

	noAIA := root.NewLeaf(t, "No AIA")
	_, err = fetcher.FetchIssuingCertificate(context.Background(), noAIA.Cert)
	assert.ErrorIs(t, err, ErrNoIssuerURL)
}
