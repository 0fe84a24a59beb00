// Command goxades creates, upgrades and verifies XAdES signatures.
//
// Usage:
//
//	goxades <command> [options] <args>
//
// Commands:
//
//	sign         Create a XAdES-BES signature, optionally upgraded to T or XL
//	cosign       Add a parallel signature
//	countersign  Add a countersignature
//	upgrade      Upgrade signatures to XAdES-T or XAdES-XL
//	verify       Verify the signature(s) of a document
//	version      Show version information
//	help         Show help message
//
// Examples:
//
//	# Sign an XML document with an enveloped signature
//	goxades sign -cert cert.pem -key key.pem invoice.xml signed.xml
//
//	# Add timestamp and validation data
//	goxades upgrade -level XL -tsa http://tsa.example.com -ocsp-aia signed.xml signed-xl.xml
//
//	# Verify with JSON output
//	goxades verify -json signed-xl.xml
package main

import (
	"os"

	"github.com/georgepadayatti/goxades/cli"
)

// These variables are set at build time using ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/goxades
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	cli.Version = version
	cli.BuildTime = buildTime
	cli.Run(os.Args)
}
