package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/georgepadayatti/goxades/sign/xades"
)

// UpgradeCommandOptions contains options for the upgrade command.
type UpgradeCommandOptions struct {
	Common  CommonOptions
	Upgrade UpgradeOptions

	// Signature restricts the upgrade to one signature. By default every
	// signature except countersignatures is upgraded.
	Signature string
}

// UpgradeCommand implements the 'upgrade' command.
func UpgradeCommand(args []string) int {
	upgradeFlags := newFlagSet("upgrade")

	var opts UpgradeCommandOptions
	opts.Common.register(upgradeFlags)
	opts.Upgrade.register(upgradeFlags, "Target level: T or XL (default XL)")
	upgradeFlags.StringVar(&opts.Signature, "signature", "", "Id of the signature to upgrade")

	upgradeFlags.Usage = func() {
		prog := progName()
		fmt.Fprintf(stderr, "Usage: %s upgrade [options] <signed.xml> <output.xml>\n\n", prog)
		fmt.Fprintln(stderr, "Add a signature timestamp (T) and the complete validation data (XL).")
		fmt.Fprintln(stderr, "")
		fmt.Fprintln(stderr, "Arguments:")
		fmt.Fprintln(stderr, "  signed.xml  Document holding XAdES signatures")
		fmt.Fprintln(stderr, "  output.xml  Output file for the upgraded document")
		fmt.Fprintln(stderr, "")
		fmt.Fprintln(stderr, "Options:")
		upgradeFlags.PrintDefaults()
		fmt.Fprintln(stderr, "")
		fmt.Fprintln(stderr, "Examples:")
		fmt.Fprintf(stderr, "  %s upgrade -level T -tsa http://tsa.example.com signed.xml signed-t.xml\n", prog)
		fmt.Fprintf(stderr, "  %s upgrade -tsa http://tsa.example.com -ocsp-aia -crl root.crl signed.xml signed-xl.xml\n", prog)
		fmt.Fprintf(stderr, "  %s upgrade -config goxades.yaml -signature Signature-1 signed.xml signed-xl.xml\n", prog)
	}

	if code, done := parseFlags(upgradeFlags, args[2:]); done {
		return code
	}
	if upgradeFlags.NArg() < 2 {
		upgradeFlags.Usage()
		return 1
	}

	inputPath := upgradeFlags.Arg(0)
	outputPath := upgradeFlags.Arg(1)

	n, level, err := runUpgrade(context.Background(), inputPath, outputPath, &opts)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Upgraded %d signature(s) to XAdES-%s: %s\n", n, level, outputPath)
	return 0
}

// runUpgrade upgrades the selected signatures one after the other and
// returns how many were changed. A signature already carrying a
// timestamp is skipped when the target is T.
func runUpgrade(ctx context.Context, inputPath, outputPath string, opts *UpgradeCommandOptions) (int, xades.Level, error) {
	env, err := newEnvironment(&opts.Common)
	if err != nil {
		return 0, 0, err
	}
	defer env.close()

	data, err := os.ReadFile(inputPath)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read input file: %w", err)
	}
	docs, err := xades.Load(data)
	if err != nil {
		return 0, 0, err
	}

	var targets []int
	for i, d := range docs {
		if (opts.Signature != "" && d.SignatureID() == opts.Signature) ||
			(opts.Signature == "" && !isCounterSignature(d)) {
			targets = append(targets, i)
		}
	}
	if len(targets) == 0 {
		return 0, 0, fmt.Errorf("no signature with Id %q", opts.Signature)
	}

	uc := opts.Upgrade.apply(env.config)
	level := uc.TargetLevel()
	params, err := env.upgradeParameters(ctx, uc)
	if err != nil {
		return 0, 0, err
	}

	upgraded := 0
	for n, i := range targets {
		// Every upgrade replaces the tree, so the others are re-read.
		if n > 0 {
			if docs, err = xades.Load(data); err != nil {
				return 0, 0, err
			}
		}
		doc := docs[i]
		err := env.upgradeWith(ctx, doc, uc, params)
		if level == xades.LevelT && errors.Is(err, xades.ErrTimestampPresent) {
			env.logger.Info("signature already timestamped", zap.String("signature", doc.SignatureID()))
			continue
		}
		if err != nil {
			return 0, 0, fmt.Errorf("signature %s: %w", doc.SignatureID(), err)
		}
		if data, err = doc.Bytes(); err != nil {
			return 0, 0, err
		}
		upgraded++
	}

	return upgraded, level, writeOutput(outputPath, data)
}
