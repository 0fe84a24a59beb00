package config

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/georgepadayatti/goxades/keys"
	"github.com/georgepadayatti/goxades/sign/ades"
	"github.com/georgepadayatti/goxades/sign/algorithms"
	"github.com/georgepadayatti/goxades/sign/xades"
)

// SigningConfig holds the signing identity and signature options.
type SigningConfig struct {
	Signer *SignerConfig `yaml:"signer" json:"signer,omitempty"`

	// Digest names the reference digest ("sha256", "sha-512", ...).
	Digest string `yaml:"digest" json:"digest,omitempty"`
	// SignatureMethod names the algorithm ("RSAwithSHA256", "ecdsa-with-sha384", ...).
	// It defaults to the key type with Digest.
	SignatureMethod  string `yaml:"signature-method" json:"signature_method,omitempty"`
	Canonicalization string `yaml:"canonicalization" json:"canonicalization,omitempty"`
	Packaging        string `yaml:"packaging" json:"packaging,omitempty"`

	MimeType         string `yaml:"mime-type" json:"mime_type,omitempty"`
	Encoding         string `yaml:"encoding" json:"encoding,omitempty"`
	Description      string `yaml:"description" json:"description,omitempty"`
	ObjectIdentifier string `yaml:"object-identifier" json:"object_identifier,omitempty"`

	Policy          *PolicyConfig          `yaml:"policy" json:"policy,omitempty"`
	SignerRoles     []string               `yaml:"signer-roles" json:"signer_roles,omitempty"`
	Commitments     []CommitmentConfig     `yaml:"commitments" json:"commitments,omitempty"`
	ProductionPlace *ProductionPlaceConfig `yaml:"production-place" json:"production_place,omitempty"`

	DestinationXPath string   `yaml:"destination-xpath" json:"destination_xpath,omitempty"`
	XPathSubtract    []string `yaml:"xpath-subtract" json:"xpath_subtract,omitempty"`
	ExternalURI      string   `yaml:"external-uri" json:"external_uri,omitempty"`
}

// PolicyConfig is an explicit signature policy. The hash is computed
// from File or given directly as base64 DigestValue.
type PolicyConfig struct {
	Identifier  string `yaml:"identifier" json:"identifier"`
	Description string `yaml:"description" json:"description,omitempty"`
	URI         string `yaml:"uri" json:"uri,omitempty"`
	File        string `yaml:"file" json:"file,omitempty"`
	Digest      string `yaml:"digest" json:"digest,omitempty"`
	DigestValue string `yaml:"digest-value" json:"digest_value,omitempty"`
}

// CommitmentConfig is a CommitmentTypeIndication. Type accepts the
// names understood by ades.ParseCommitmentType; URI overrides it.
type CommitmentConfig struct {
	Type                 string   `yaml:"type" json:"type,omitempty"`
	URI                  string   `yaml:"uri" json:"uri,omitempty"`
	Description          string   `yaml:"description" json:"description,omitempty"`
	Qualifiers           []string `yaml:"qualifiers" json:"qualifiers,omitempty"`
	AllSignedDataObjects bool     `yaml:"all-signed-data-objects" json:"all_signed_data_objects,omitempty"`
}

type ProductionPlaceConfig struct {
	City            string `yaml:"city" json:"city,omitempty"`
	StateOrProvince string `yaml:"state-or-province" json:"state_or_province,omitempty"`
	PostalCode      string `yaml:"postal-code" json:"postal_code,omitempty"`
	CountryName     string `yaml:"country-name" json:"country_name,omitempty"`
}

// Validate checks names and enumerations without touching the
// filesystem.
func (c *SigningConfig) Validate() error {
	if c.Signer != nil {
		if err := c.Signer.Validate(); err != nil {
			return within("signer", err)
		}
	}
	if c.Digest != "" {
		if _, err := algorithms.DigestByName(c.Digest); err != nil {
			return invalid("digest", err)
		}
	}
	if c.SignatureMethod != "" {
		if _, err := algorithms.SignatureByName(c.SignatureMethod); err != nil {
			return invalid("signature-method", err)
		}
	}
	if c.Packaging != "" {
		if _, err := xades.ParsePackaging(c.Packaging); err != nil {
			return invalid("packaging", err)
		}
	}
	if c.ObjectIdentifier != "" {
		if _, err := ades.ParseOID(c.ObjectIdentifier); err != nil {
			return invalid("object-identifier", err)
		}
	}
	if p := c.Policy; p != nil {
		if p.Identifier == "" {
			return missing("policy.identifier")
		}
		if (p.File == "") == (p.DigestValue == "") {
			return NewConfigError("policy", "exactly one of file or digest-value must be specified")
		}
		if p.Digest != "" {
			if _, err := algorithms.DigestByName(p.Digest); err != nil {
				return invalid("policy.digest", err)
			}
		}
	}
	for i, cm := range c.Commitments {
		field := fmt.Sprintf("commitments[%d]", i)
		if cm.URI == "" && cm.Type == "" {
			return missing(field + ".type")
		}
		if cm.URI == "" {
			if _, err := ades.ParseCommitmentType(cm.Type); err != nil {
				return invalid(field+".type", err)
			}
		}
	}
	return nil
}

// Parameters builds signature parameters around signer. Values given
// on the command line are applied by the caller afterwards.
func (c *SigningConfig) Parameters(signer keys.Signer) (*xades.SignatureParameters, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	p := &xades.SignatureParameters{
		Signer:                 signer,
		CanonicalizationMethod: c.Canonicalization,
		MimeType:               c.MimeType,
		Encoding:               c.Encoding,
		Description:            c.Description,
		ObjectIdentifier:       c.ObjectIdentifier,
		DestinationXPath:       c.DestinationXPath,
		ExternalURI:            c.ExternalURI,
	}
	if c.Digest != "" {
		p.DigestMethod, _ = algorithms.DigestByName(c.Digest)
	}
	if c.SignatureMethod != "" {
		p.SignatureMethod, _ = algorithms.SignatureByName(c.SignatureMethod)
	}
	if c.Packaging != "" {
		p.Packaging, _ = xades.ParsePackaging(c.Packaging)
	}

	if c.Policy != nil {
		policy, err := c.Policy.load()
		if err != nil {
			return nil, err
		}
		p.Policy = policy
	}
	if len(c.SignerRoles) > 0 {
		p.SignerRole = &xades.SignerRole{Claimed: c.SignerRoles}
	}
	for _, cm := range c.Commitments {
		commitment := xades.Commitment{
			URI:                  cm.URI,
			Description:          cm.Description,
			Qualifiers:           cm.Qualifiers,
			AllSignedDataObjects: cm.AllSignedDataObjects,
		}
		if cm.URI == "" {
			commitment.Type, _ = ades.ParseCommitmentType(cm.Type)
		}
		p.Commitments = append(p.Commitments, commitment)
	}
	if pp := c.ProductionPlace; pp != nil {
		p.ProductionPlace = &xades.ProductionPlace{
			City:            pp.City,
			StateOrProvince: pp.StateOrProvince,
			PostalCode:      pp.PostalCode,
			CountryName:     pp.CountryName,
		}
	}
	for _, expr := range c.XPathSubtract {
		p.XPathTransforms = append(p.XPathTransforms, xades.XPathTransform{Filter: "subtract", Expression: expr})
	}
	return p, nil
}

func (p *PolicyConfig) load() (*ades.SignaturePolicy, error) {
	digest := algorithms.SHA256
	if p.Digest != "" {
		digest, _ = algorithms.DigestByName(p.Digest)
	}
	var policy *ades.SignaturePolicy
	if p.File != "" {
		doc, err := os.ReadFile(p.File)
		if err != nil {
			return nil, &ConfigError{Field: "signing.policy.file", Message: "cannot read policy document", Err: err}
		}
		if policy, err = ades.NewSignaturePolicy(p.Identifier, doc, digest); err != nil {
			return nil, invalid("signing.policy", err)
		}
	} else {
		value, err := base64.StdEncoding.DecodeString(p.DigestValue)
		if err != nil {
			return nil, invalid("signing.policy.digest-value", err)
		}
		policy = &ades.SignaturePolicy{Identifier: p.Identifier, DigestMethod: digest, Digest: value}
		if err := policy.Validate(); err != nil {
			return nil, invalid("signing.policy", err)
		}
	}
	policy.Description = p.Description
	policy.URI = p.URI
	return policy, nil
}
