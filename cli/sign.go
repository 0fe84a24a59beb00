package cli

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/georgepadayatti/goxades/sign/xades"
)

// SignOptions contains options for the sign command.
type SignOptions struct {
	Common  CommonOptions
	Signer  SignerOptions
	Signing SigningOptions
	Upgrade UpgradeOptions

	Packaging   string
	Destination string
	Subtract    stringList
	ExternalURI string
}

// SignCommand implements the 'sign' command.
func SignCommand(args []string) int {
	signFlags := newFlagSet("sign")

	var opts SignOptions
	opts.Common.register(signFlags)
	opts.Signer.register(signFlags)
	opts.Signing.register(signFlags)
	opts.Upgrade.register(signFlags, "Upgrade the new signature to T or XL")
	signFlags.StringVar(&opts.Packaging, "packaging", "", "enveloped, enveloping, internally-detached, internally-detached-hash or externally-detached (default enveloped)")
	signFlags.StringVar(&opts.Destination, "destination", "", "Path of the element receiving an enveloped signature (default the root)")
	signFlags.Var(&opts.Subtract, "subtract", "Path of a subtree excluded from the signed content (repeatable)")
	signFlags.StringVar(&opts.ExternalURI, "external-uri", "", "URI of externally detached content (default the input file)")

	signFlags.Usage = func() {
		prog := progName()
		fmt.Fprintf(stderr, "Usage: %s sign [options] <input> <output.xml>\n\n", prog)
		fmt.Fprintln(stderr, "Create a XAdES-BES signature over a file.")
		fmt.Fprintln(stderr, "")
		fmt.Fprintln(stderr, "Arguments:")
		fmt.Fprintln(stderr, "  input       File to sign (an XML document for enveloped packaging)")
		fmt.Fprintln(stderr, "  output.xml  Output file for the signed document")
		fmt.Fprintln(stderr, "")
		fmt.Fprintln(stderr, "Options:")
		signFlags.PrintDefaults()
		fmt.Fprintln(stderr, "")
		fmt.Fprintln(stderr, "Examples:")
		fmt.Fprintf(stderr, "  %s sign -cert cert.pem -key key.pem invoice.xml signed.xml\n", prog)
		fmt.Fprintf(stderr, "  %s sign -pfx id.p12 -pfx-pass secret -packaging enveloping report.pdf signed.xml\n", prog)
		fmt.Fprintf(stderr, "  %s sign -config goxades.yaml -level T -tsa http://tsa.example.com invoice.xml signed.xml\n", prog)
	}

	if code, done := parseFlags(signFlags, args[2:]); done {
		return code
	}
	if signFlags.NArg() < 2 {
		signFlags.Usage()
		return 1
	}

	inputPath := signFlags.Arg(0)
	outputPath := signFlags.Arg(1)

	if err := runSign(context.Background(), inputPath, outputPath, &opts); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Successfully signed %s: %s\n", inputPath, outputPath)
	return 0
}

// runSign performs the actual signing.
func runSign(ctx context.Context, inputPath, outputPath string, opts *SignOptions) error {
	env, err := newEnvironment(&opts.Common)
	if err != nil {
		return err
	}
	defer env.close()

	signer, closeSigner, err := env.loadSigner(&opts.Signer)
	defer closeSigner()
	if err != nil {
		return err
	}

	sc := opts.Signing.apply(env.config)
	if opts.Packaging != "" {
		sc.Packaging = opts.Packaging
	}
	if opts.Destination != "" {
		sc.DestinationXPath = opts.Destination
	}
	if len(opts.Subtract) > 0 {
		sc.XPathSubtract = append(append([]string{}, sc.XPathSubtract...), opts.Subtract...)
	}
	if opts.ExternalURI != "" {
		sc.ExternalURI = opts.ExternalURI
	}
	params, err := sc.Parameters(signer)
	if err != nil {
		return err
	}

	var content []byte
	if params.Packaging != xades.ExternallyDetached || params.ExternalURI == "" {
		if content, err = os.ReadFile(inputPath); err != nil {
			return fmt.Errorf("failed to read input file: %w", err)
		}
	}
	if params.Packaging == xades.ExternallyDetached && params.ExternalURI == "" {
		abs, err := filepath.Abs(inputPath)
		if err != nil {
			return err
		}
		params.ExternalURI = (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
	}
	if params.MimeType == "" && content != nil {
		params.MimeType = detectMimeType(content)
		env.logger.Debug("detected content type", zap.String("mimeType", params.MimeType))
	}

	doc, err := env.engine.Sign(ctx, content, params)
	if err != nil {
		return fmt.Errorf("failed to sign: %w", err)
	}

	if opts.Upgrade.Level != "" {
		if err := env.upgrade(ctx, doc, opts.Upgrade.apply(env.config)); err != nil {
			return fmt.Errorf("failed to upgrade: %w", err)
		}
	}

	return writeDocument(outputPath, doc)
}
