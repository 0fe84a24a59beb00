package certvalidator

import (
	"crypto/x509/pkix"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/georgepadayatti/goxades/internal/testpki"
)

func TestNamesEqual(t *testing.T) {
	a := pkix.Name{CommonName: "Test  CA", Organization: []string{"ACME"}}
	b := pkix.Name{CommonName: " test ca", Organization: []string{"acme"}}
	c := pkix.Name{CommonName: "Other CA", Organization: []string{"ACME"}}

	assert.True(t, NamesEqual(a, b))
	assert.False(t, NamesEqual(a, c))
}

func TestIssuedByAndSelfSigned(t *testing.T) {
	root := testpki.NewRoot(t, "Util Root")
	other := testpki.NewRoot(t, "Util Other")
	leaf := root.NewLeaf(t, "Util Leaf")

	assert.True(t, IssuedBy(leaf.Cert, root.Cert))
	assert.False(t, IssuedBy(leaf.Cert, other.Cert))

	assert.True(t, IsSelfSigned(root.Cert))
	assert.False(t, IsSelfSigned(leaf.Cert))

	assert.Equal(t, CertificateFingerprint(root.Cert), CertificateFingerprint(root.Cert))
	assert.NotEqual(t, CertificateFingerprint(root.Cert), CertificateFingerprint(leaf.Cert))
}
