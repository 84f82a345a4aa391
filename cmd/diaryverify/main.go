// Command diaryverify verifies exported diary archives without a
// running daemon, so it serves:
// - Offline regulatory audits
// - Receiving-site spot checks before loading an archive
// - Automated verification pipelines
//
// Usage:
//
//	diaryverify [flags] <archive.gz>
//
// Examples:
//
//	# Verify against the trial's published key
//	diaryverify -key signing_key.pub archive.gz
//
//	# Internal-consistency check with the archive's embedded key
//	diaryverify archive.gz
//
//	# Machine-readable result for a pipeline
//	diaryverify -format json -key signing_key.pub archive.gz
package main

import (
	"crypto/ed25519"
	"flag"
	"fmt"
	"io"
	"os"

	"diaryd/internal/signer"
	"diaryd/internal/verify"
)

// Version information (set at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	keyPath := flag.String("key", "", "path to the Ed25519 public key (default: archive's embedded key)")
	formatStr := flag.String("format", "text", "output format: text, json")
	output := flag.String("output", "", "output file (default: stdout)")
	quiet := flag.Bool("quiet", false, "quiet mode - no report, exit code only")
	exitCode := flag.Bool("exit-code", true, "exit non-zero when verification fails")
	versionFlag := flag.Bool("version", false, "print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "diaryverify - Verify exported diary archives\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <archive.gz>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nWithout -key the manifest signature is checked against the key\n")
		fmt.Fprintf(os.Stderr, "embedded in the archive. That proves the archive is internally\n")
		fmt.Fprintf(os.Stderr, "consistent but not who produced it; the report flags the difference.\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -key signing_key.pub archive.gz\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -format json archive.gz\n", os.Args[0])
	}

	flag.Parse()

	if *versionFlag {
		fmt.Printf("diaryverify %s (commit: %s, built: %s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Error: archive file required\n\n")
		flag.Usage()
		os.Exit(2)
	}

	var pub ed25519.PublicKey
	if *keyPath != "" {
		loaded, err := signer.LoadPublicKey(*keyPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading public key: %v\n", err)
			os.Exit(2)
		}
		pub = loaded
	}

	in, err := openArchive(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening archive: %v\n", err)
		os.Exit(1)
	}
	defer in.Close()

	report, err := verify.Archive(in, pub)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Verification error: %v\n", err)
		os.Exit(1)
	}

	var w io.Writer = os.Stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating output file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		w = f
	}

	if !*quiet {
		switch *formatStr {
		case "text":
			err = report.WriteText(w)
		case "json":
			err = report.WriteJSON(w)
		default:
			fmt.Fprintf(os.Stderr, "Error: unknown format: %s (use text or json)\n", *formatStr)
			os.Exit(2)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error writing report: %v\n", err)
			os.Exit(1)
		}
	}

	if *exitCode && !report.OK() {
		os.Exit(1)
	}
}

// openArchive opens the archive file, or stdin for "-".
func openArchive(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}
