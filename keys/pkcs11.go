package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync"

	"github.com/miekg/pkcs11"
)

// PKCS#11 errors
var (
	ErrPKCS11ModuleLoad    = errors.New("failed to load PKCS#11 module")
	ErrPKCS11NoToken       = errors.New("no matching PKCS#11 token")
	ErrPKCS11LoginFailed   = errors.New("PKCS#11 login failed")
	ErrPKCS11NoCert        = errors.New("certificate not found on token")
	ErrPKCS11NoKey         = errors.New("private key not found on token")
	ErrPKCS11SignFailed    = errors.New("PKCS#11 signing failed")
	ErrPKCS11Unsupported   = errors.New("unsupported PKCS#11 signing parameters")
	ErrPKCS11MultipleMatch = errors.New("multiple PKCS#11 objects match")
)

// PKCS11Options selects a token, certificate and key.
type PKCS11Options struct {
	ModulePath string
	// SlotNo picks a slot by index; TokenLabel picks one by label.
	SlotNo     *int
	TokenLabel string
	UserPIN    string
	CertLabel  string
	CertID     []byte
	KeyLabel   string
	KeyID      []byte
}

// PKCS11Signer signs with a key held on a PKCS#11 token.
type PKCS11Signer struct {
	mu      sync.Mutex
	ctx     *pkcs11.Ctx
	session pkcs11.SessionHandle
	key     pkcs11.ObjectHandle
	cert    *x509.Certificate
	chain   []*x509.Certificate
}

// OpenPKCS11Signer loads the module, logs in and locates the signing
// certificate and key. The key defaults to the certificate's label/id.
func OpenPKCS11Signer(opts PKCS11Options) (*PKCS11Signer, error) {
	ctx := pkcs11.New(opts.ModulePath)
	if ctx == nil {
		return nil, fmt.Errorf("%w: %s", ErrPKCS11ModuleLoad, opts.ModulePath)
	}
	if err := ctx.Initialize(); err != nil {
		ctx.Destroy()
		return nil, fmt.Errorf("%w: %v", ErrPKCS11ModuleLoad, err)
	}

	s := &PKCS11Signer{ctx: ctx}
	slot, err := s.findSlot(opts)
	if err != nil {
		s.teardown()
		return nil, err
	}

	session, err := ctx.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		s.teardown()
		return nil, fmt.Errorf("failed to open PKCS#11 session: %w", err)
	}
	s.session = session

	if opts.UserPIN != "" {
		if err := ctx.Login(session, pkcs11.CKU_USER, opts.UserPIN); err != nil {
			s.Close()
			return nil, fmt.Errorf("%w: %v", ErrPKCS11LoginFailed, err)
		}
	}

	if err := s.load(opts); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *PKCS11Signer) findSlot(opts PKCS11Options) (uint, error) {
	slots, err := s.ctx.GetSlotList(true)
	if err != nil {
		return 0, fmt.Errorf("failed to list slots: %w", err)
	}
	if len(slots) == 0 {
		return 0, fmt.Errorf("%w: no slots with tokens", ErrPKCS11NoToken)
	}

	if opts.SlotNo != nil {
		if *opts.SlotNo < 0 || *opts.SlotNo >= len(slots) {
			return 0, fmt.Errorf("%w: slot %d out of range", ErrPKCS11NoToken, *opts.SlotNo)
		}
		return slots[*opts.SlotNo], nil
	}
	if opts.TokenLabel != "" {
		for _, slot := range slots {
			info, err := s.ctx.GetTokenInfo(slot)
			if err != nil {
				continue
			}
			if strings.TrimRight(info.Label, " ") == opts.TokenLabel {
				return slot, nil
			}
		}
		return 0, fmt.Errorf("%w: label %q", ErrPKCS11NoToken, opts.TokenLabel)
	}
	if len(slots) > 1 {
		return 0, fmt.Errorf("%w: multiple tokens present, specify slot or label", ErrPKCS11NoToken)
	}
	return slots[0], nil
}

func (s *PKCS11Signer) load(opts PKCS11Options) error {
	certObj, err := s.findOne(pkcs11.CKO_CERTIFICATE, opts.CertLabel, opts.CertID, ErrPKCS11NoCert)
	if err != nil {
		return err
	}
	attrs, err := s.ctx.GetAttributeValue(s.session, certObj, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
	})
	if err != nil || len(attrs) == 0 {
		return fmt.Errorf("%w: cannot read certificate value", ErrPKCS11NoCert)
	}
	cert, err := x509.ParseCertificate(attrs[0].Value)
	if err != nil {
		return fmt.Errorf("failed to parse token certificate: %w", err)
	}
	s.cert = cert

	keyLabel, keyID := opts.KeyLabel, opts.KeyID
	if keyLabel == "" && keyID == nil {
		keyLabel, keyID = opts.CertLabel, opts.CertID
	}
	key, err := s.findOne(pkcs11.CKO_PRIVATE_KEY, keyLabel, keyID, ErrPKCS11NoKey)
	if err != nil {
		return err
	}
	s.key = key
	return nil
}

func (s *PKCS11Signer) findOne(class uint, label string, id []byte, notFound error) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_CLASS, class)}
	if label != "" {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_LABEL, label))
	}
	if id != nil {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_ID, id))
	}

	if err := s.ctx.FindObjectsInit(s.session, template); err != nil {
		return 0, fmt.Errorf("FindObjectsInit failed: %w", err)
	}
	defer s.ctx.FindObjectsFinal(s.session)

	objs, _, err := s.ctx.FindObjects(s.session, 2)
	if err != nil {
		return 0, fmt.Errorf("FindObjects failed: %w", err)
	}
	switch len(objs) {
	case 0:
		return 0, fmt.Errorf("%w: label=%q id=%s", notFound, label, hex.EncodeToString(id))
	case 1:
		return objs[0], nil
	default:
		return 0, fmt.Errorf("%w: label=%q id=%s", ErrPKCS11MultipleMatch, label, hex.EncodeToString(id))
	}
}

// WithChain attaches extra certificates to the identity.
func (s *PKCS11Signer) WithChain(chain ...*x509.Certificate) *PKCS11Signer {
	s.chain = append(s.chain, chain...)
	return s
}

// Public implements crypto.Signer.
func (s *PKCS11Signer) Public() crypto.PublicKey {
	return s.cert.PublicKey
}

// Certificate implements Signer.
func (s *PKCS11Signer) Certificate() *x509.Certificate {
	return s.cert
}

// Chain implements Signer.
func (s *PKCS11Signer) Chain() []*x509.Certificate {
	return s.chain
}

// Sign implements crypto.Signer. RSA keys use CKM_RSA_PKCS over a
// DigestInfo; EC keys use CKM_ECDSA and the result is DER encoded.
func (s *PKCS11Signer) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var mech uint
	input := digest
	switch s.cert.PublicKey.(type) {
	case *rsa.PublicKey:
		if _, pss := opts.(*rsa.PSSOptions); pss {
			return nil, fmt.Errorf("%w: RSASSA-PSS", ErrPKCS11Unsupported)
		}
		wrapped, err := wrapDigestInfo(opts.HashFunc(), digest)
		if err != nil {
			return nil, err
		}
		mech, input = pkcs11.CKM_RSA_PKCS, wrapped
	case *ecdsa.PublicKey:
		mech = pkcs11.CKM_ECDSA
	default:
		return nil, fmt.Errorf("%w: key type %T", ErrPKCS11Unsupported, s.cert.PublicKey)
	}

	if err := s.ctx.SignInit(s.session, []*pkcs11.Mechanism{pkcs11.NewMechanism(mech, nil)}, s.key); err != nil {
		return nil, fmt.Errorf("%w: SignInit: %v", ErrPKCS11SignFailed, err)
	}
	sig, err := s.ctx.Sign(s.session, input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPKCS11SignFailed, err)
	}
	if mech == pkcs11.CKM_ECDSA {
		return encodeECDSASignature(sig)
	}
	return sig, nil
}

// Close logs out and releases the module.
func (s *PKCS11Signer) Close() error {
	if s.ctx == nil {
		return nil
	}
	_ = s.ctx.Logout(s.session)
	err := s.ctx.CloseSession(s.session)
	s.teardown()
	return err
}

func (s *PKCS11Signer) teardown() {
	_ = s.ctx.Finalize()
	s.ctx.Destroy()
	s.ctx = nil
}

var digestInfoOIDs = map[crypto.Hash]asn1.ObjectIdentifier{
	crypto.SHA1:   {1, 3, 14, 3, 2, 26},
	crypto.SHA256: {2, 16, 840, 1, 101, 3, 4, 2, 1},
	crypto.SHA384: {2, 16, 840, 1, 101, 3, 4, 2, 2},
	crypto.SHA512: {2, 16, 840, 1, 101, 3, 4, 2, 3},
}

// wrapDigestInfo wraps a digest in a PKCS#1 DigestInfo structure.
func wrapDigestInfo(h crypto.Hash, digest []byte) ([]byte, error) {
	oid, ok := digestInfoOIDs[h]
	if !ok {
		return nil, fmt.Errorf("%w: hash %v", ErrPKCS11Unsupported, h)
	}

	type algorithmIdentifier struct {
		Algorithm  asn1.ObjectIdentifier
		Parameters asn1.RawValue `asn1:"optional"`
	}
	type digestInfo struct {
		DigestAlgorithm algorithmIdentifier
		Digest          []byte
	}

	return asn1.Marshal(digestInfo{
		DigestAlgorithm: algorithmIdentifier{
			Algorithm:  oid,
			Parameters: asn1.RawValue{Tag: asn1.TagNull},
		},
		Digest: digest,
	})
}

// encodeECDSASignature converts a raw r||s signature to DER.
func encodeECDSASignature(raw []byte) ([]byte, error) {
	if len(raw) == 0 || len(raw)%2 != 0 {
		return nil, fmt.Errorf("invalid ECDSA signature length: %d", len(raw))
	}
	half := len(raw) / 2
	return asn1.Marshal(struct{ R, S *big.Int }{
		R: new(big.Int).SetBytes(raw[:half]),
		S: new(big.Int).SetBytes(raw[half:]),
	})
}
