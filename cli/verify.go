package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/georgepadayatti/goxades/sign/ades"
	"github.com/georgepadayatti/goxades/sign/xades"
)

// VerifyOptions contains options for the verify command.
type VerifyOptions struct {
	Common  CommonOptions
	JSON    bool
	XML     bool
	Verbose bool
}

// VerifyCommand implements the 'verify' command. It returns 1 unless
// every signature passed.
func VerifyCommand(args []string) int {
	verifyFlags := newFlagSet("verify")

	var opts VerifyOptions
	opts.Common.register(verifyFlags)
	verifyFlags.BoolVar(&opts.JSON, "json", false, "Output results in JSON format")
	verifyFlags.BoolVar(&opts.XML, "xml", false, "Output results in XML format")
	verifyFlags.BoolVar(&opts.Verbose, "verbose", false, "Show certificate and revocation details")

	verifyFlags.Usage = func() {
		prog := progName()
		fmt.Fprintf(stderr, "Usage: %s verify [options] <signed.xml>\n\n", prog)
		fmt.Fprintln(stderr, "Verify the XAdES signature(s) of a document.")
		fmt.Fprintln(stderr, "")
		fmt.Fprintln(stderr, "Arguments:")
		fmt.Fprintln(stderr, "  signed.xml  Document to verify")
		fmt.Fprintln(stderr, "")
		fmt.Fprintln(stderr, "Options:")
		verifyFlags.PrintDefaults()
		fmt.Fprintln(stderr, "")
		fmt.Fprintln(stderr, "Examples:")
		fmt.Fprintf(stderr, "  %s verify signed.xml\n", prog)
		fmt.Fprintf(stderr, "  %s verify -json signed.xml\n", prog)
		fmt.Fprintf(stderr, "  %s verify -verbose signed.xml\n", prog)
	}

	if code, done := parseFlags(verifyFlags, args[2:]); done {
		return code
	}
	if verifyFlags.NArg() < 1 {
		verifyFlags.Usage()
		return 1
	}
	if opts.JSON && opts.XML {
		fmt.Fprintln(stderr, "Error: -json and -xml are mutually exclusive")
		return 1
	}

	report, err := runVerify(context.Background(), verifyFlags.Arg(0), &opts)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if err := writeReport(report, &opts); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	// Exit with non-zero code if any signature is not valid
	if !report.Conclusion.IsPassed() {
		return 1
	}
	return 0
}

// runVerify builds the validation report of a document.
func runVerify(ctx context.Context, inputPath string, opts *VerifyOptions) (*ades.ValidationReport, error) {
	env, err := newEnvironment(&opts.Common)
	if err != nil {
		return nil, err
	}
	defer env.close()

	data, err := os.ReadFile(inputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read input file: %w", err)
	}
	docs, err := xades.Load(data)
	if err != nil {
		return nil, err
	}

	report := env.engine.Report(ctx, docs)
	report.Document = &ades.DocumentInfo{
		Filename: filepath.Base(inputPath),
		MimeType: detectMimeType(data),
		Size:     int64(len(data)),
	}
	return report, nil
}

func writeReport(report *ades.ValidationReport, opts *VerifyOptions) error {
	switch {
	case opts.JSON:
		out, err := report.ToJSON()
		if err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
		fmt.Fprintln(stdout, string(out))
	case opts.XML:
		out, err := report.ToXML()
		if err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
		fmt.Fprintln(stdout, string(out))
	default:
		fmt.Fprint(stdout, report.ToText(opts.Verbose))
	}
	return nil
}
