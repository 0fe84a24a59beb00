package certvalidator

import (
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/georgepadayatti/goxades/internal/testpki"
)

func TestFindCRL(t *testing.T) {
	root := testpki.NewRoot(t, "CRL Root")
	other := testpki.NewRoot(t, "Other Root")
	leaf := root.NewLeaf(t, "CRL Leaf")
	now := time.Now()

	expired := root.CRL(t, now.Add(-48*time.Hour), now.Add(-24*time.Hour))
	foreign := other.CRL(t, now, now.Add(time.Hour))
	current := root.CRL(t, now, now.Add(time.Hour), leaf.Cert)

	assert.Nil(t, FindCRL(nil, root.Cert, now))
	assert.Nil(t, FindCRL([]*x509.RevocationList{expired, foreign}, root.Cert, now))

	found := FindCRL([]*x509.RevocationList{expired, foreign, current}, root.Cert, now)
	require.NotNil(t, found)
	assert.Equal(t, current.Raw, found.Raw)

	entry := RevokedEntry(found, leaf.Cert)
	require.NotNil(t, entry)
	assert.Equal(t, 0, entry.SerialNumber.Cmp(leaf.Cert.SerialNumber))
	assert.Nil(t, RevokedEntry(found, root.Cert))

	// The expired list is still usable when checked at an earlier time.
	assert.NotNil(t, FindCRL([]*x509.RevocationList{expired}, root.Cert, now.Add(-36*time.Hour)))
}
