// Package cli provides the command-line interface for creating,
// upgrading and verifying XAdES signatures.
package cli

import (
	"fmt"
	"io"
	"os"
)

// Version information
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// osExit is a variable for os.Exit to allow testing
var osExit = os.Exit

// Output streams, swapped by tests.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// Run executes the CLI with the given arguments.
// This is the main entry point for the CLI.
func Run(args []string) {
	if len(args) < 2 {
		Usage()
		return
	}

	command := args[1]

	var code int
	switch command {
	case "sign":
		code = SignCommand(args)
	case "cosign":
		code = CoSignCommand(args)
	case "countersign":
		code = CounterSignCommand(args)
	case "upgrade":
		code = UpgradeCommand(args)
	case "verify":
		code = VerifyCommand(args)
	case "version":
		VersionCommand()
	case "help", "-h", "--help":
		Usage()
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", command)
		Usage()
		code = 1
	}
	if code != 0 {
		osExit(code)
	}
}

// Usage prints the CLI usage information.
func Usage() {
	prog := progName()
	fmt.Fprintf(stdout, "goxades - XAdES signing, upgrade and verification tool\n\n")
	fmt.Fprintf(stdout, "Usage: %s <command> [options] <args>\n\n", prog)
	fmt.Fprintln(stdout, "Commands:")
	fmt.Fprintln(stdout, "  sign         Create a XAdES-BES signature, optionally upgraded to T or XL")
	fmt.Fprintln(stdout, "  cosign       Add a parallel signature over the content of a signed document")
	fmt.Fprintln(stdout, "  countersign  Add a countersignature to an existing signature")
	fmt.Fprintln(stdout, "  upgrade      Upgrade signatures to XAdES-T or XAdES-XL")
	fmt.Fprintln(stdout, "  verify       Verify the signature(s) of a XAdES document")
	fmt.Fprintln(stdout, "  version      Show version information")
	fmt.Fprintln(stdout, "  help         Show this help message")
	fmt.Fprintln(stdout, "")
	fmt.Fprintf(stdout, "Use '%s <command> -h' for command-specific help\n", prog)
	fmt.Fprintln(stdout, "")
	fmt.Fprintln(stdout, "Examples:")
	fmt.Fprintf(stdout, "  %s sign -cert cert.pem -key key.pem -packaging enveloping report.pdf signed.xml\n", prog)
	fmt.Fprintf(stdout, "  %s upgrade -level XL -tsa http://tsa.example.com -crl ca.crl signed.xml signed-xl.xml\n", prog)
	fmt.Fprintf(stdout, "  %s verify -json signed-xl.xml\n", prog)
}

// VersionCommand prints version information.
func VersionCommand() {
	fmt.Fprintf(stdout, "goxades version %s\n", Version)
	fmt.Fprintf(stdout, "Build time: %s\n", BuildTime)
}
