package certvalidator

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"sync"

	"go.uber.org/zap"

	"github.com/georgepadayatti/goxades/certvalidator/fetchers"
)

// SimpleCertificateStore indexes certificates by fingerprint and subject.
type SimpleCertificateStore struct {
	mu sync.RWMutex

	// Insertion order, for deterministic lookups.
	order []*x509.Certificate

	// Main storage keyed by fingerprint
	certs map[[32]byte]*x509.Certificate

	// Index by subject name hash for issuer lookups
	subjectMap map[string][]*x509.Certificate
}

// NewSimpleCertificateStore creates a new SimpleCertificateStore.
func NewSimpleCertificateStore() *SimpleCertificateStore {
	return &SimpleCertificateStore{
		certs:      make(map[[32]byte]*x509.Certificate),
		subjectMap: make(map[string][]*x509.Certificate),
	}
}

// Register adds a certificate to the store.
// Returns true if the certificate was newly added.
func (s *SimpleCertificateStore) Register(cert *x509.Certificate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	fp := CertificateFingerprint(cert)
	if _, exists := s.certs[fp]; exists {
		return false
	}

	s.certs[fp] = cert
	s.order = append(s.order, cert)

	subjectKey := subjectHashKey(cert.Subject)
	s.subjectMap[subjectKey] = append(s.subjectMap[subjectKey], cert)

	return true
}

// RegisterMultiple adds multiple certificates to the store.
func (s *SimpleCertificateStore) RegisterMultiple(certs []*x509.Certificate) {
	for _, cert := range certs {
		if cert != nil {
			s.Register(cert)
		}
	}
}

// Contains reports whether cert is in the store.
func (s *SimpleCertificateStore) Contains(cert *x509.Certificate) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.certs[CertificateFingerprint(cert)]
	return ok
}

// RetrieveByName retrieves certificates by subject name.
func (s *SimpleCertificateStore) RetrieveByName(name pkix.Name) []*x509.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]*x509.Certificate(nil), s.subjectMap[subjectHashKey(name)]...)
}

// All returns all certificates in insertion order.
func (s *SimpleCertificateStore) All() []*x509.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]*x509.Certificate(nil), s.order...)
}

// Count returns the number of certificates in the store.
func (s *SimpleCertificateStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.certs)
}

// FindIssuer returns the stored certificate whose key verifies cert's
// signature, preferring candidates whose names and key ids match.
func (s *SimpleCertificateStore) FindIssuer(cert *x509.Certificate) *x509.Certificate {
	for _, candidate := range s.RetrieveByName(cert.Issuer) {
		if IssuedBy(cert, candidate) && cert.CheckSignatureFrom(candidate) == nil {
			return candidate
		}
	}
	for _, candidate := range s.All() {
		if cert.CheckSignatureFrom(candidate) == nil {
			return candidate
		}
	}
	return nil
}

// subjectHashKey creates a hash key from a subject name.
func subjectHashKey(name pkix.Name) string {
	h := sha256.Sum256([]byte(canonicalNameString(name)))
	return string(h[:])
}

// ChainBuilder orders certificates into a path from a leaf towards its
// root. It is the X.509 chain-builder collaborator of the upgrade
// pipeline: it does not decide trust, it only finds issuers.
type ChainBuilder struct {
	store   *SimpleCertificateStore
	fetcher *fetchers.CertFetcher
	logger  *zap.Logger
}

// ChainBuilderOption configures a ChainBuilder.
type ChainBuilderOption func(*ChainBuilder)

// WithIssuerFetcher enables downloading missing issuers from AIA
// caIssuers URLs.
func WithIssuerFetcher(f *fetchers.CertFetcher) ChainBuilderOption {
	return func(b *ChainBuilder) { b.fetcher = f }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ChainBuilderOption {
	return func(b *ChainBuilder) { b.logger = l }
}

// NewChainBuilder creates a builder over the given certificate pool.
func NewChainBuilder(pool []*x509.Certificate, opts ...ChainBuilderOption) *ChainBuilder {
	b := &ChainBuilder{
		store:  NewSimpleCertificateStore(),
		logger: zap.NewNop(),
	}
	b.store.RegisterMultiple(pool)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Store exposes the pool, including any downloaded issuers.
func (b *ChainBuilder) Store() *SimpleCertificateStore {
	return b.store
}

// BuildChain returns cert followed by its issuers, as far as they can be
// found in the pool, extra or (when enabled) via AIA. A chain of length
// one means no issuer was found. Self-signed certificates end the chain.
func (b *ChainBuilder) BuildChain(ctx context.Context, cert *x509.Certificate, extra ...*x509.Certificate) []*x509.Certificate {
	b.store.RegisterMultiple(extra)

	chain := []*x509.Certificate{cert}
	seen := map[[32]byte]bool{CertificateFingerprint(cert): true}

	current := cert
	for !IsSelfSigned(current) {
		issuer := b.store.FindIssuer(current)
		if issuer == nil {
			issuer = b.fetchIssuer(ctx, current)
		}
		if issuer == nil {
			break
		}
		fp := CertificateFingerprint(issuer)
		if seen[fp] {
			break
		}
		seen[fp] = true
		chain = append(chain, issuer)
		current = issuer
	}

	return chain
}

func (b *ChainBuilder) fetchIssuer(ctx context.Context, cert *x509.Certificate) *x509.Certificate {
	if b.fetcher == nil || len(cert.IssuingCertificateURL) == 0 {
		return nil
	}
	issuer, err := b.fetcher.FetchIssuingCertificate(ctx, cert)
	if err != nil {
		b.logger.Debug("issuer download failed",
			zap.String("subject", cert.Subject.String()), zap.Error(err))
		return nil
	}
	b.logger.Debug("downloaded issuer",
		zap.String("subject", cert.Subject.String()),
		zap.String("issuer", issuer.Subject.String()))
	b.store.Register(issuer)
	return issuer
}
