package config

import (
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/georgepadayatti/goxades/keys"
)

// Signer types.
const (
	SignerPemDer = "pemder"
	SignerPKCS12 = "pkcs12"
	SignerPKCS11 = "pkcs11"
)

// SignerConfig selects where the signing key lives.
type SignerConfig struct {
	// Type is "pemder", "pkcs12" or "pkcs11".
	Type   string                 `yaml:"type" json:"type"`
	PemDer *PemDerSignatureConfig `yaml:"pemder" json:"pemder,omitempty"`
	PKCS12 *PKCS12SignatureConfig `yaml:"pkcs12" json:"pkcs12,omitempty"`
	PKCS11 *PKCS11SignatureConfig `yaml:"pkcs11" json:"pkcs11,omitempty"`
}

// Validate checks that the section matching Type is present and complete.
func (c *SignerConfig) Validate() error {
	switch strings.ToLower(c.Type) {
	case SignerPemDer:
		if c.PemDer == nil {
			return missing("pemder")
		}
		return within("pemder", c.PemDer.Validate())
	case SignerPKCS12:
		if c.PKCS12 == nil {
			return missing("pkcs12")
		}
		return within("pkcs12", c.PKCS12.Validate())
	case SignerPKCS11:
		if c.PKCS11 == nil {
			return missing("pkcs11")
		}
		return within("pkcs11", c.PKCS11.Validate())
	case "":
		return missing("type")
	default:
		return invalid("type", fmt.Errorf("unknown signer type %q", c.Type))
	}
}

// Load opens the signing identity. The returned close function releases
// token sessions and is never nil.
func (c *SignerConfig) Load() (keys.Signer, func() error, error) {
	noop := func() error { return nil }
	if err := c.Validate(); err != nil {
		return nil, noop, err
	}
	switch strings.ToLower(c.Type) {
	case SignerPemDer:
		s, err := c.PemDer.Load()
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	case SignerPKCS12:
		s, err := c.PKCS12.Load()
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	default:
		s, err := c.PKCS11.Load()
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	}
}

// PemDerSignatureConfig contains configuration for signing using PEM/DER files.
type PemDerSignatureConfig struct {
	// KeyFile is the path to the private key file.
	KeyFile string `yaml:"key-file" json:"key_file"`

	// CertFile is the path to the certificate file.
	CertFile string `yaml:"cert-file" json:"cert_file"`

	// OtherCertsFiles are paths to chain certificates embedded in KeyInfo.
	OtherCertsFiles []string `yaml:"other-certs" json:"other_certs,omitempty"`

	// KeyPassphrase is the private key passphrase.
	KeyPassphrase string `yaml:"key-passphrase" json:"key_passphrase,omitempty"`
}

// Validate validates the PEM/DER signature configuration.
func (c *PemDerSignatureConfig) Validate() error {
	if c.KeyFile == "" {
		return missing("key-file")
	}
	if c.CertFile == "" {
		return missing("cert-file")
	}
	return nil
}

// Load reads the certificate, key and chain.
func (c *PemDerSignatureConfig) Load() (*keys.SimpleSigner, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return keys.LoadSignerFromPemDer(c.CertFile, c.KeyFile, c.GetPassphraseBytes(), c.OtherCertsFiles...)
}

// GetPassphraseBytes returns the passphrase as bytes.
func (c *PemDerSignatureConfig) GetPassphraseBytes() []byte {
	if c.KeyPassphrase == "" {
		return nil
	}
	return []byte(c.KeyPassphrase)
}

// PKCS12SignatureConfig contains configuration for signing using a PKCS#12 file.
type PKCS12SignatureConfig struct {
	// PFXFile is the path to the PKCS#12 file.
	PFXFile string `yaml:"pfx-file" json:"pfx_file"`

	// OtherCertsFiles are paths to other certificate files.
	OtherCertsFiles []string `yaml:"other-certs" json:"other_certs,omitempty"`

	// PFXPassphrase is the PKCS#12 passphrase.
	PFXPassphrase string `yaml:"pfx-passphrase" json:"pfx_passphrase,omitempty"`
}

// Validate validates the PKCS12 signature configuration.
func (c *PKCS12SignatureConfig) Validate() error {
	if c.PFXFile == "" {
		return missing("pfx-file")
	}
	return nil
}

// Load decodes the bundle. Its CA certificates and OtherCertsFiles form
// the chain.
func (c *PKCS12SignatureConfig) Load() (*keys.SimpleSigner, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	cred, err := keys.LoadPKCS12(c.PFXFile, c.PFXPassphrase)
	if err != nil {
		return nil, err
	}
	other, err := keys.LoadCertsFromPemDerFiles(c.OtherCertsFiles)
	if err != nil {
		return nil, fmt.Errorf("failed to load other certs: %w", err)
	}
	return cred.Signer(other...)
}

// PKCS11SignatureConfig contains configuration for PKCS#11 signing.
type PKCS11SignatureConfig struct {
	// ModulePath is the path to the PKCS#11 module shared object (.so/.dylib/.dll).
	ModulePath string `yaml:"module-path" json:"module_path"`

	// SlotNo is the slot number to use. If nil, TokenLabel or the first
	// slot with a token is used.
	SlotNo *int `yaml:"slot-no" json:"slot_no,omitempty"`

	TokenLabel string `yaml:"token-label" json:"token_label,omitempty"`

	// CertLabel is the PKCS#11 label of the signer's certificate.
	CertLabel string `yaml:"cert-label" json:"cert_label,omitempty"`

	// CertID is the hex PKCS#11 ID of the signer's certificate.
	CertID string `yaml:"cert-id" json:"cert_id,omitempty"`

	// KeyLabel and KeyID default to the certificate's.
	KeyLabel string `yaml:"key-label" json:"key_label,omitempty"`
	KeyID    string `yaml:"key-id" json:"key_id,omitempty"`

	// UserPIN is the user PIN. Empty skips login.
	UserPIN string `yaml:"user-pin" json:"user_pin,omitempty"`

	// OtherCertsFiles are chain certificates not stored on the token.
	OtherCertsFiles []string `yaml:"other-certs" json:"other_certs,omitempty"`
}

// Validate validates the PKCS#11 configuration.
func (c *PKCS11SignatureConfig) Validate() error {
	if c.ModulePath == "" {
		return missing("module-path")
	}
	if c.CertLabel == "" && c.CertID == "" {
		return NewConfigError("cert-label", "either cert-label or cert-id must be specified")
	}
	if _, err := ProcessPKCS11ID(c.CertID); err != nil {
		return invalid("cert-id", err)
	}
	if _, err := ProcessPKCS11ID(c.KeyID); err != nil {
		return invalid("key-id", err)
	}
	return nil
}

// Options converts the configuration for keys.OpenPKCS11Signer.
func (c *PKCS11SignatureConfig) Options() (keys.PKCS11Options, error) {
	if err := c.Validate(); err != nil {
		return keys.PKCS11Options{}, err
	}
	certID, _ := ProcessPKCS11ID(c.CertID)
	keyID, _ := ProcessPKCS11ID(c.KeyID)
	return keys.PKCS11Options{
		ModulePath: c.ModulePath,
		SlotNo:     c.SlotNo,
		TokenLabel: c.TokenLabel,
		UserPIN:    c.UserPIN,
		CertLabel:  c.CertLabel,
		CertID:     certID,
		KeyLabel:   c.KeyLabel,
		KeyID:      keyID,
	}, nil
}

// Load opens the token session.
func (c *PKCS11SignatureConfig) Load() (*keys.PKCS11Signer, error) {
	opts, err := c.Options()
	if err != nil {
		return nil, err
	}
	var chain []*x509.Certificate
	if len(c.OtherCertsFiles) > 0 {
		if chain, err = keys.LoadCertsFromPemDerFiles(c.OtherCertsFiles); err != nil {
			return nil, fmt.Errorf("failed to load other certs: %w", err)
		}
	}
	s, err := keys.OpenPKCS11Signer(opts)
	if err != nil {
		return nil, err
	}
	return s.WithChain(chain...), nil
}

// ProcessPKCS11ID decodes a hex object id, tolerating ':' separators.
// The empty string yields nil.
func ProcessPKCS11ID(value string) ([]byte, error) {
	value = strings.ReplaceAll(strings.TrimSpace(value), ":", "")
	if value == "" {
		return nil, nil
	}
	id, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("PKCS#11 id must be hex: %w", err)
	}
	return id, nil
}
