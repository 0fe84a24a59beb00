package keys

import (
	"crypto"
	"crypto/x509"
	"fmt"
	"os"

	"software.sslmate.com/src/go-pkcs12"
)

// PKCS12Credential holds a certificate and key loaded from a PKCS#12 file.
type PKCS12Credential struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.Signer
	CACerts     []*x509.Certificate
}

// LoadPKCS12 reads and decodes a PKCS#12 bundle from disk.
func LoadPKCS12(filename string, passphrase string) (*PKCS12Credential, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", filename, err)
	}
	return LoadPKCS12Data(data, passphrase)
}

// LoadPKCS12Data decodes a PKCS#12 bundle.
func LoadPKCS12Data(data []byte, passphrase string) (*PKCS12Credential, error) {
	key, cert, caCerts, err := pkcs12.DecodeChain(data, passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	signer, err := toSigner(key)
	if err != nil {
		return nil, err
	}
	return &PKCS12Credential{
		Certificate: cert,
		PrivateKey:  signer,
		CACerts:     caCerts,
	}, nil
}

// Signer returns the credential as a Signer, with the bundled CA
// certificates (plus any extras) as its chain.
func (c *PKCS12Credential) Signer(extra ...*x509.Certificate) (*SimpleSigner, error) {
	chain := append(append([]*x509.Certificate{}, c.CACerts...), extra...)
	return NewSimpleSigner(c.Certificate, c.PrivateKey, chain...)
}
