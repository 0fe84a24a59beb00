package xmldsig

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"fmt"
	"math/big"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/georgepadayatti/goxades/generated/w3c"
	"github.com/georgepadayatti/goxades/sign/algorithms"
)

type ecdsaSignature struct {
	R, S *big.Int
}

// SignedInfoOctets canonicalizes SignedInfo with its declared method.
func SignedInfoOctets(signature *etree.Element) ([]byte, error) {
	si := ChildNS(signature, dsig.Namespace, dsig.SignedInfoTag)
	if si == nil {
		return nil, fmt.Errorf("%w: missing SignedInfo", ErrMalformedSignature)
	}
	cm := ChildNS(si, dsig.Namespace, dsig.CanonicalizationMethodTag)
	if cm == nil {
		return nil, fmt.Errorf("%w: missing CanonicalizationMethod", ErrMalformedSignature)
	}
	return Canonicalize(si, cm.SelectAttrValue(dsig.AlgorithmAttr, ""))
}

// SignatureMethod returns the algorithm declared in SignedInfo.
func SignatureMethod(signature *etree.Element) (algorithms.SignatureAlgorithm, error) {
	sm := ChildNS(ChildNS(signature, dsig.Namespace, dsig.SignedInfoTag), dsig.Namespace, dsig.SignatureMethodTag)
	if sm == nil {
		return algorithms.SignatureAlgorithm{}, fmt.Errorf("%w: missing SignatureMethod", ErrMalformedSignature)
	}
	alg, err := algorithms.SignatureByURI(sm.SelectAttrValue(dsig.AlgorithmAttr, ""))
	if err != nil {
		return alg, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, err)
	}
	return alg, nil
}

// Sign computes the signature over SignedInfo and stores it in
// SignatureValue. References must already carry their digests.
func Sign(signature *etree.Element, signer crypto.Signer) error {
	alg, err := SignatureMethod(signature)
	if err != nil {
		return err
	}
	sv := ChildNS(signature, dsig.Namespace, dsig.SignatureValueTag)
	if sv == nil {
		return fmt.Errorf("%w: missing SignatureValue", ErrMalformedSignature)
	}
	octets, err := SignedInfoOctets(signature)
	if err != nil {
		return err
	}

	raw, err := signer.Sign(rand.Reader, alg.Digest.Sum(octets), alg.Digest.Hash)
	if err != nil {
		return fmt.Errorf("signing SignedInfo: %w", err)
	}
	if pub, ok := signer.Public().(*ecdsa.PublicKey); ok {
		if raw, err = ecdsaToRaw(raw, pub); err != nil {
			return err
		}
	}
	sv.SetText(base64.StdEncoding.EncodeToString(raw))
	return nil
}

// VerifySignedInfo checks SignatureValue against cert.
func VerifySignedInfo(signature *etree.Element, cert *x509.Certificate) error {
	alg, err := SignatureMethod(signature)
	if err != nil {
		return err
	}
	sv := ChildNS(signature, dsig.Namespace, dsig.SignatureValueTag)
	if sv == nil {
		return fmt.Errorf("%w: missing SignatureValue", ErrMalformedSignature)
	}
	raw, err := w3c.DecodeBase64(sv.Text())
	if err != nil {
		return fmt.Errorf("%w: SignatureValue: %v", ErrMalformedSignature, err)
	}
	octets, err := SignedInfoOctets(signature)
	if err != nil {
		return err
	}
	if _, ok := cert.PublicKey.(*ecdsa.PublicKey); ok {
		if raw, err = ecdsaFromRaw(raw); err != nil {
			return err
		}
	}
	if err := cert.CheckSignature(alg.X509(), octets, raw); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return nil
}

// KeyInfoCertificates returns the certificates of ds:KeyInfo/ds:X509Data,
// in document order.
func KeyInfoCertificates(signature *etree.Element) ([]*x509.Certificate, error) {
	var out []*x509.Certificate
	ki := ChildNS(signature, dsig.Namespace, dsig.KeyInfoTag)
	for _, data := range ChildrenNS(ki, dsig.Namespace, dsig.X509DataTag) {
		for _, c := range ChildrenNS(data, dsig.Namespace, dsig.X509CertificateTag) {
			der, err := w3c.DecodeBase64(c.Text())
			if err != nil {
				return nil, fmt.Errorf("%w: X509Certificate: %v", ErrMalformedSignature, err)
			}
			cert, err := x509.ParseCertificate(der)
			if err != nil {
				return nil, fmt.Errorf("%w: X509Certificate: %v", ErrMalformedSignature, err)
			}
			out = append(out, cert)
		}
	}
	return out, nil
}

// ecdsaToRaw converts an ASN.1 ECDSA signature to the fixed-size r||s
// form XML-DSig uses.
func ecdsaToRaw(der []byte, pub *ecdsa.PublicKey) ([]byte, error) {
	var sig ecdsaSignature
	if _, err := asn1.Unmarshal(der, &sig); err != nil {
		return nil, fmt.Errorf("decoding ECDSA signature: %w", err)
	}
	size := (pub.Curve.Params().BitSize + 7) / 8
	out := make([]byte, 2*size)
	sig.R.FillBytes(out[:size])
	sig.S.FillBytes(out[size:])
	return out, nil
}

func ecdsaFromRaw(raw []byte) ([]byte, error) {
	if len(raw) == 0 || len(raw)%2 != 0 {
		return nil, fmt.Errorf("%w: ECDSA signature length %d", ErrSignatureInvalid, len(raw))
	}
	half := len(raw) / 2
	return asn1.Marshal(ecdsaSignature{
		R: new(big.Int).SetBytes(raw[:half]),
		S: new(big.Int).SetBytes(raw[half:]),
	})
}
