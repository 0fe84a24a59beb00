package cli

import (
	"context"
	"fmt"

	"github.com/georgepadayatti/goxades/sign/xades"
)

// AddSignatureOptions contains options for the cosign and countersign
// commands.
type AddSignatureOptions struct {
	Common  CommonOptions
	Signer  SignerOptions
	Signing SigningOptions
	Upgrade UpgradeOptions

	// Signature is the Id of the signature to co-sign or counter-sign.
	Signature string
}

// addFunc creates the new signature next to or inside existing.
type addFunc func(e *xades.Engine, ctx context.Context, existing *xades.SignatureDocument, params *xades.SignatureParameters) (*xades.SignatureDocument, error)

// CoSignCommand implements the 'cosign' command.
func CoSignCommand(args []string) int {
	return addSignatureCommand(args, "cosign",
		"Add a parallel signature over the content signed by an existing signature.",
		(*xades.Engine).CoSign)
}

// CounterSignCommand implements the 'countersign' command.
func CounterSignCommand(args []string) int {
	return addSignatureCommand(args, "countersign",
		"Counter-sign the SignatureValue of an existing signature.",
		(*xades.Engine).CounterSign)
}

func addSignatureCommand(args []string, name, summary string, add addFunc) int {
	fs := newFlagSet(name)

	var opts AddSignatureOptions
	opts.Common.register(fs)
	opts.Signer.register(fs)
	opts.Signing.register(fs)
	opts.Upgrade.register(fs, "Upgrade the new signature to T or XL")
	fs.StringVar(&opts.Signature, "signature", "", "Id of the existing signature (default the first one)")

	fs.Usage = func() {
		prog := progName()
		fmt.Fprintf(stderr, "Usage: %s %s [options] <signed.xml> <output.xml>\n\n", prog, name)
		fmt.Fprintln(stderr, summary)
		fmt.Fprintln(stderr, "")
		fmt.Fprintln(stderr, "Arguments:")
		fmt.Fprintln(stderr, "  signed.xml  Document holding the existing signature")
		fmt.Fprintln(stderr, "  output.xml  Output file for the updated document")
		fmt.Fprintln(stderr, "")
		fmt.Fprintln(stderr, "Options:")
		fs.PrintDefaults()
		fmt.Fprintln(stderr, "")
		fmt.Fprintln(stderr, "Examples:")
		fmt.Fprintf(stderr, "  %s %s -cert cert.pem -key key.pem signed.xml out.xml\n", prog, name)
		fmt.Fprintf(stderr, "  %s %s -pfx id.p12 -signature Signature-1 signed.xml out.xml\n", prog, name)
	}

	if code, done := parseFlags(fs, args[2:]); done {
		return code
	}
	if fs.NArg() < 2 {
		fs.Usage()
		return 1
	}

	inputPath := fs.Arg(0)
	outputPath := fs.Arg(1)

	id, err := runAddSignature(context.Background(), inputPath, outputPath, &opts, add)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Successfully added signature %s: %s\n", id, outputPath)
	return 0
}

// runAddSignature returns the Id of the new signature.
func runAddSignature(ctx context.Context, inputPath, outputPath string, opts *AddSignatureOptions, add addFunc) (string, error) {
	env, err := newEnvironment(&opts.Common)
	if err != nil {
		return "", err
	}
	defer env.close()

	docs, err := readSignatures(inputPath)
	if err != nil {
		return "", err
	}
	existing, err := findSignature(docs, opts.Signature)
	if err != nil {
		return "", err
	}

	signer, closeSigner, err := env.loadSigner(&opts.Signer)
	defer closeSigner()
	if err != nil {
		return "", err
	}
	params, err := opts.Signing.apply(env.config).Parameters(signer)
	if err != nil {
		return "", err
	}

	doc, err := add(env.engine, ctx, existing, params)
	if err != nil {
		return "", err
	}
	if opts.Upgrade.Level != "" {
		if err := env.upgrade(ctx, doc, opts.Upgrade.apply(env.config)); err != nil {
			return "", fmt.Errorf("failed to upgrade: %w", err)
		}
	}
	return doc.SignatureID(), writeDocument(outputPath, doc)
}
