package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"io"
)

// Signer is a signing identity: a crypto.Signer bound to its certificate.
type Signer interface {
	crypto.Signer
	// Certificate returns the signing certificate.
	Certificate() *x509.Certificate
	// Chain returns additional certificates shipped with the identity,
	// not including Certificate.
	Chain() []*x509.Certificate
}

// SimpleSigner implements Signer using an in-memory private key.
type SimpleSigner struct {
	cert  *x509.Certificate
	key   crypto.Signer
	chain []*x509.Certificate
}

// NewSimpleSigner binds key to cert. It fails if the key does not belong
// to the certificate.
func NewSimpleSigner(cert *x509.Certificate, key crypto.Signer, chain ...*x509.Certificate) (*SimpleSigner, error) {
	if !publicKeysEqual(cert.PublicKey, key.Public()) {
		return nil, ErrKeyMismatch
	}
	return &SimpleSigner{cert: cert, key: key, chain: chain}, nil
}

// Public implements crypto.Signer.
func (s *SimpleSigner) Public() crypto.PublicKey {
	return s.key.Public()
}

// Sign implements crypto.Signer.
func (s *SimpleSigner) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return s.key.Sign(rand, digest, opts)
}

// Certificate implements Signer.
func (s *SimpleSigner) Certificate() *x509.Certificate {
	return s.cert
}

// Chain implements Signer.
func (s *SimpleSigner) Chain() []*x509.Certificate {
	return s.chain
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	switch k := a.(type) {
	case *rsa.PublicKey:
		return k.Equal(b)
	case *ecdsa.PublicKey:
		return k.Equal(b)
	case ed25519.PublicKey:
		return k.Equal(b)
	}
	return false
}
