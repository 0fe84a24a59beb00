package cli

import (
	"context"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/georgepadayatti/goxades/certvalidator/fetchers"
	"github.com/georgepadayatti/goxades/config"
	"github.com/georgepadayatti/goxades/keys"
	"github.com/georgepadayatti/goxades/sign/ocspclient"
	"github.com/georgepadayatti/goxades/sign/timestamps"
	"github.com/georgepadayatti/goxades/sign/xades"
)

func progName() string {
	return filepath.Base(os.Args[0])
}

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string {
	if s == nil {
		return ""
	}
	return strings.Join(*s, ",")
}

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// parseFlags reports whether the command is done and with which exit
// code. -h is not an error.
func parseFlags(fs *flag.FlagSet, args []string) (int, bool) {
	err := fs.Parse(args)
	switch {
	case err == nil:
		return 0, false
	case errors.Is(err, flag.ErrHelp):
		return 0, true
	default:
		return 2, true
	}
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

// CommonOptions are accepted by every command.
type CommonOptions struct {
	ConfigFile string
	Debug      bool
}

func (o *CommonOptions) register(fs *flag.FlagSet) {
	fs.StringVar(&o.ConfigFile, "config", "", "YAML configuration file")
	fs.BoolVar(&o.Debug, "debug", false, "Enable debug logging")
}

// SignerOptions select the signing identity on the command line. They
// take precedence over signing.signer in the configuration.
type SignerOptions struct {
	CertFile string
	KeyFile  string
	KeyPass  string
	Chain    stringList
	PFXFile  string
	PFXPass  string
}

func (o *SignerOptions) register(fs *flag.FlagSet) {
	fs.StringVar(&o.CertFile, "cert", "", "Signing certificate (PEM or DER)")
	fs.StringVar(&o.KeyFile, "key", "", "Private key (PEM or DER)")
	fs.StringVar(&o.KeyPass, "key-pass", "", "Private key passphrase")
	fs.Var(&o.Chain, "chain", "Chain certificate file embedded in KeyInfo (repeatable)")
	fs.StringVar(&o.PFXFile, "pfx", "", "PKCS#12 file holding the key and certificates")
	fs.StringVar(&o.PFXPass, "pfx-pass", "", "PKCS#12 passphrase")
}

func (o *SignerOptions) signerConfig(cfg *config.Config) (*config.SignerConfig, error) {
	switch {
	case o.PFXFile != "":
		return &config.SignerConfig{
			Type: config.SignerPKCS12,
			PKCS12: &config.PKCS12SignatureConfig{
				PFXFile:         o.PFXFile,
				PFXPassphrase:   o.PFXPass,
				OtherCertsFiles: o.Chain,
			},
		}, nil
	case o.CertFile != "" || o.KeyFile != "":
		return &config.SignerConfig{
			Type: config.SignerPemDer,
			PemDer: &config.PemDerSignatureConfig{
				CertFile:        o.CertFile,
				KeyFile:         o.KeyFile,
				KeyPassphrase:   o.KeyPass,
				OtherCertsFiles: o.Chain,
			},
		}, nil
	case cfg.Signing != nil && cfg.Signing.Signer != nil:
		return cfg.Signing.Signer, nil
	}
	return nil, errors.New("no signing identity: use -cert and -key, -pfx, or signing.signer in the configuration")
}

// SigningOptions override the signature options of the configuration.
type SigningOptions struct {
	Digest          string
	SignatureMethod string
	MimeType        string
	Description     string
	PolicyID        string
	PolicyFile      string
	Roles           stringList
	Commitments     stringList
}

func (o *SigningOptions) register(fs *flag.FlagSet) {
	fs.StringVar(&o.Digest, "digest", "", "Digest algorithm: sha256, sha384, sha512 (default sha256)")
	fs.StringVar(&o.SignatureMethod, "signature-method", "", "Signature algorithm, e.g. RSAwithSHA256 (default from key and digest)")
	fs.StringVar(&o.MimeType, "mime-type", "", "MIME type of the signed content (detected when empty)")
	fs.StringVar(&o.Description, "description", "", "Description of the signed content")
	fs.StringVar(&o.PolicyID, "policy-id", "", "Signature policy OID")
	fs.StringVar(&o.PolicyFile, "policy-file", "", "Signature policy document hashed into the policy identifier")
	fs.Var(&o.Roles, "role", "Claimed signer role (repeatable)")
	fs.Var(&o.Commitments, "commitment", "Commitment type, e.g. proof_of_approval (repeatable)")
}

// apply layers the flags over a copy of the configured signing section.
func (o *SigningOptions) apply(cfg *config.Config) *config.SigningConfig {
	var sc config.SigningConfig
	if cfg.Signing != nil {
		sc = *cfg.Signing
	}
	if o.Digest != "" {
		sc.Digest = o.Digest
	}
	if o.SignatureMethod != "" {
		sc.SignatureMethod = o.SignatureMethod
	}
	if o.MimeType != "" {
		sc.MimeType = o.MimeType
	}
	if o.Description != "" {
		sc.Description = o.Description
	}
	if o.PolicyID != "" || o.PolicyFile != "" {
		sc.Policy = &config.PolicyConfig{Identifier: o.PolicyID, File: o.PolicyFile}
	}
	if len(o.Roles) > 0 {
		sc.SignerRoles = append(append([]string{}, sc.SignerRoles...), o.Roles...)
	}
	if len(o.Commitments) > 0 {
		commitments := append([]config.CommitmentConfig{}, sc.Commitments...)
		for _, c := range o.Commitments {
			commitments = append(commitments, config.CommitmentConfig{Type: c})
		}
		sc.Commitments = commitments
	}
	return &sc
}

// UpgradeOptions override the upgrade section of the configuration.
type UpgradeOptions struct {
	Level        string
	TSA          string
	TSAUser      string
	TSAPass      string
	OCSP         stringList
	OCSPFromCert bool
	// CRLs are files or URLs.
	CRLs         stringList
	CRLFromCert  bool
	ExtraCerts   stringList
	FetchIssuers bool
}

func (o *UpgradeOptions) register(fs *flag.FlagSet, levelUsage string) {
	fs.StringVar(&o.Level, "level", "", levelUsage)
	fs.StringVar(&o.TSA, "tsa", "", "URL of the Time-Stamp Authority")
	fs.StringVar(&o.TSAUser, "tsa-user", "", "Time-Stamp Authority username")
	fs.StringVar(&o.TSAPass, "tsa-pass", "", "Time-Stamp Authority password")
	fs.Var(&o.OCSP, "ocsp", "OCSP responder URL (repeatable, tried in order)")
	fs.BoolVar(&o.OCSPFromCert, "ocsp-aia", false, "Consult the OCSP URL of each certificate first")
	fs.Var(&o.CRLs, "crl", "CRL file or URL (repeatable)")
	fs.BoolVar(&o.CRLFromCert, "crl-dp", false, "Download the CRLs named in the distribution points of the KeyInfo certificates")
	fs.Var(&o.ExtraCerts, "extra-cert", "Certificate file added to the chain-building pool (repeatable)")
	fs.BoolVar(&o.FetchIssuers, "fetch-issuers", false, "Download missing issuers from AIA caIssuers URLs")
}

func (o *UpgradeOptions) apply(cfg *config.Config) *config.UpgradeConfig {
	var uc config.UpgradeConfig
	if cfg.Upgrade != nil {
		uc = *cfg.Upgrade
	}
	if o.Level != "" {
		uc.Level = o.Level
	}
	switch {
	case o.TSA != "":
		uc.Timestamp = &config.TimestampConfig{URL: o.TSA, Username: o.TSAUser, Password: o.TSAPass}
	case o.TSAUser != "" && uc.Timestamp != nil:
		ts := *uc.Timestamp
		ts.Username, ts.Password = o.TSAUser, o.TSAPass
		uc.Timestamp = &ts
	}
	if len(o.OCSP) > 0 {
		uc.OCSPServers = append(append([]string{}, uc.OCSPServers...), o.OCSP...)
	}
	uc.OCSPFromCertificate = uc.OCSPFromCertificate || o.OCSPFromCert
	uc.FetchMissingIssuers = uc.FetchMissingIssuers || o.FetchIssuers
	uc.CRLFromCertificate = uc.CRLFromCertificate || o.CRLFromCert

	files, urls := append([]string{}, uc.CRLFiles...), append([]string{}, uc.CRLURLs...)
	for _, crl := range o.CRLs {
		if strings.Contains(crl, "://") {
			urls = append(urls, crl)
		} else {
			files = append(files, crl)
		}
	}
	uc.CRLFiles, uc.CRLURLs = files, urls
	if len(o.ExtraCerts) > 0 {
		uc.ExtraCerts = append(append([]string{}, uc.ExtraCerts...), o.ExtraCerts...)
	}
	return &uc
}

// environment is what a command needs after reading its configuration.
type environment struct {
	config  *config.Config
	logger  *zap.Logger
	client  *http.Client
	fetcher *fetchers.Fetcher
	engine  *xades.Engine
}

func newEnvironment(o *CommonOptions) (*environment, error) {
	cfg, err := loadConfig(o.ConfigFile)
	if err != nil {
		return nil, err
	}
	logger, err := cfg.Logging.Build(o.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	client, err := cfg.HTTP.Client()
	if err != nil {
		return nil, err
	}

	fc := fetchers.DefaultConfig()
	fc.HTTPClient = client
	fc.Logger = logger
	// The shared client sets the configured user agent.
	fc.UserAgent = ""
	fetcher := fetchers.NewFetcher(fc)

	oc := ocspclient.NewClient()
	oc.HTTPClient = client
	oc.Logger = logger

	return &environment{
		config:  cfg,
		logger:  logger,
		client:  client,
		fetcher: fetcher,
		engine: xades.NewEngine(
			xades.WithLogger(logger),
			xades.WithFetcher(fetcher),
			xades.WithOCSPClient(oc),
		),
	}, nil
}

func (env *environment) close() {
	_ = env.logger.Sync()
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.ParseConfig(nil)
	}
	return config.LoadConfig(path)
}

// loadSigner opens the signing identity. The close function is never nil.
func (env *environment) loadSigner(o *SignerOptions) (keys.Signer, func() error, error) {
	sc, err := o.signerConfig(env.config)
	if err != nil {
		return nil, func() error { return nil }, err
	}
	signer, closeSigner, err := sc.Load()
	if err != nil {
		return nil, closeSigner, fmt.Errorf("failed to load signer: %w", err)
	}
	env.logger.Debug("signer loaded",
		zap.String("type", sc.Type),
		zap.String("subject", signer.Certificate().Subject.String()))
	return signer, closeSigner, nil
}

// upgrade brings doc to the level of uc.
func (env *environment) upgrade(ctx context.Context, doc *xades.SignatureDocument, uc *config.UpgradeConfig) error {
	params, err := env.upgradeParameters(ctx, uc)
	if err != nil {
		return err
	}
	return env.upgradeWith(ctx, doc, uc, params)
}

func (env *environment) upgradeWith(ctx context.Context, doc *xades.SignatureDocument, uc *config.UpgradeConfig, params *xades.UpgradeParameters) error {
	if uc.CRLFromCertificate {
		params = env.withDistributionPointCRLs(ctx, doc, params)
	}
	return env.engine.Upgrade(ctx, doc, uc.TargetLevel(), params)
}

// withDistributionPointCRLs adds the CRLs published for the KeyInfo
// certificates. Download failures are only logged since OCSP may still
// settle the status.
func (env *environment) withDistributionPointCRLs(ctx context.Context, doc *xades.SignatureDocument, params *xades.UpgradeParameters) *xades.UpgradeParameters {
	certs, err := doc.Certificates()
	if err != nil {
		env.logger.Warn("cannot read KeyInfo certificates", zap.Error(err))
		return params
	}
	out := *params
	out.CRLs = append([]*x509.RevocationList{}, params.CRLs...)
	crls := fetchers.NewCRLFetcher(env.fetcher)
	for _, cert := range certs {
		fetched, err := crls.FetchCRLsForCert(ctx, cert)
		switch {
		case errors.Is(err, fetchers.ErrNoDistributionPoints):
		case err != nil:
			env.logger.Warn("CRL download failed", zap.String("subject", cert.Subject.String()), zap.Error(err))
		default:
			out.CRLs = append(out.CRLs, fetched...)
		}
	}
	return &out
}

func (env *environment) upgradeParameters(ctx context.Context, uc *config.UpgradeConfig) (*xades.UpgradeParameters, error) {
	params, err := uc.Parameters(ctx, env.fetcher, env.logger)
	if err != nil {
		return nil, err
	}
	if params.Timestamper == nil {
		return nil, errors.New("no timestamp authority: use -tsa or upgrade.timestamp in the configuration")
	}
	// The TSA shares the transport; a configured TSA timeout still wins.
	if ts, ok := params.Timestamper.(*timestamps.HTTPTimestamper); ok {
		client := *env.client
		if ts.HTTPClient != nil && ts.HTTPClient.Timeout > 0 {
			client.Timeout = ts.HTTPClient.Timeout
		}
		ts.HTTPClient = &client
	}
	return params, nil
}

func readSignatures(path string) ([]*xades.SignatureDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read input file: %w", err)
	}
	return xades.Load(data)
}

// findSignature returns the signature with the given Id, or the first
// signature that is not a countersignature.
func findSignature(docs []*xades.SignatureDocument, id string) (*xades.SignatureDocument, error) {
	for _, d := range docs {
		if (id == "" && !isCounterSignature(d)) || (id != "" && d.SignatureID() == id) {
			return d, nil
		}
	}
	if id == "" {
		return docs[0], nil
	}
	return nil, fmt.Errorf("no signature with Id %q", id)
}

func isCounterSignature(d *xades.SignatureDocument) bool {
	parent := d.Signature().Parent()
	return parent != nil && parent.Tag == "CounterSignature"
}

func writeDocument(path string, doc *xades.SignatureDocument) error {
	data, err := doc.Bytes()
	if err != nil {
		return fmt.Errorf("failed to serialise document: %w", err)
	}
	return writeOutput(path, data)
}

func writeOutput(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}
	return nil
}

// detectMimeType sniffs content and drops MIME parameters.
func detectMimeType(content []byte) string {
	mt, _, err := mime.ParseMediaType(mimetype.Detect(content).String())
	if err != nil {
		return "application/octet-stream"
	}
	return mt
}
