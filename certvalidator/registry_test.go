package certvalidator

import (
	"context"
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/georgepadayatti/goxades/certvalidator/fetchers"
	"github.com/georgepadayatti/goxades/internal/testpki"
)

func TestSimpleCertificateStore(t *testing.T) {
	root := testpki.NewRoot(t, "Store Root")
	leaf := root.NewLeaf(t, "Store Leaf")

	store := NewSimpleCertificateStore()
	assert.True(t, store.Register(root.Cert))
	assert.False(t, store.Register(root.Cert), "duplicate registration")
	store.RegisterMultiple(nil)
	assert.Equal(t, 1, store.Count())

	assert.True(t, store.Contains(root.Cert))
	assert.False(t, store.Contains(leaf.Cert))
	byName := store.RetrieveByName(root.Cert.Subject)
	require.Len(t, byName, 1)
	byName[0] = leaf.Cert
	assert.True(t, store.RetrieveByName(root.Cert.Subject)[0].Equal(root.Cert), "lookup result aliases the index")
	assert.Empty(t, store.RetrieveByName(leaf.Cert.Subject))

	issuer := store.FindIssuer(leaf.Cert)
	require.NotNil(t, issuer)
	assert.True(t, issuer.Equal(root.Cert))

	store.Register(leaf.Cert)
	all := store.All()
	require.Len(t, all, 2)
	assert.True(t, all[0].Equal(root.Cert))
}

func TestFindIssuerRejectsImpostor(t *testing.T) {
	root := testpki.NewRoot(t, "Same Name")
	impostor := testpki.NewRoot(t, "Same Name")
	leaf := root.NewLeaf(t, "Leaf")

	store := NewSimpleCertificateStore()
	store.Register(impostor.Cert)
	assert.Nil(t, store.FindIssuer(leaf.Cert))

	store.Register(root.Cert)
	assert.True(t, store.FindIssuer(leaf.Cert).Equal(root.Cert))
}

func TestBuildChain(t *testing.T) {
	root := testpki.NewRoot(t, "Chain Root")
	inter := root.NewCA(t, "Chain Intermediate")
	leaf := inter.NewLeaf(t, "Chain Leaf")

	t.Run("full pool", func(t *testing.T) {
		chain := NewChainBuilder([]*x509.Certificate{root.Cert, inter.Cert}).BuildChain(context.Background(), leaf.Cert)
		require.Len(t, chain, 3)
		assert.True(t, chain[0].Equal(leaf.Cert))
		assert.True(t, chain[1].Equal(inter.Cert))
		assert.True(t, chain[2].Equal(root.Cert))
	})

	t.Run("extra certificates", func(t *testing.T) {
		b := NewChainBuilder([]*x509.Certificate{root.Cert})
		assert.Len(t, b.BuildChain(context.Background(), leaf.Cert), 1)
		assert.Len(t, b.BuildChain(context.Background(), leaf.Cert, inter.Cert), 3)
	})

	t.Run("root alone", func(t *testing.T) {
		chain := NewChainBuilder(nil).BuildChain(context.Background(), root.Cert)
		assert.Len(t, chain, 1)
	})
}

func TestBuildChainFetchesMissingIssuer(t *testing.T) {
	root := testpki.NewRoot(t, "AIA Root")
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(root.Cert.Raw)
	}))
	defer srv.Close()

	leaf := root.NewLeaf(t, "AIA Leaf", testpki.WithIssuerURL(srv.URL+"/root.cer"))

	without := NewChainBuilder(nil).BuildChain(context.Background(), leaf.Cert)
	assert.Len(t, without, 1)
	assert.Zero(t, hits.Load())

	b := NewChainBuilder(nil, WithIssuerFetcher(fetchers.NewCertFetcher(fetchers.NewFetcher(nil))))
	chain := b.BuildChain(context.Background(), leaf.Cert)
	require.Len(t, chain, 2)
	assert.True(t, chain[1].Equal(root.Cert))
	assert.True(t, b.Store().Contains(root.Cert))

	// Downloaded issuers are kept in the pool.
	b.BuildChain(context.Background(), leaf.Cert)
	assert.Equal(t, int32(1), hits.Load())
}
