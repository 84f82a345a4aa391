// diaryd - Tamper-evident event log for clinical trial subject diaries
//
//	diaryd init           Create the data directory, config, and signing key
//	diaryd run            Run the capture daemon
//	diaryd check-config   Validate the configuration and exit
//	diaryd version        Print version information
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"diaryd/internal/config"
	"diaryd/internal/logging"
	"diaryd/internal/signer"
)

// Version information (set at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		cmdInit()
	case "run":
		cmdRun()
	case "check-config":
		cmdCheckConfig()
	case "version", "-version", "--version":
		fmt.Printf("diaryd %s (commit: %s, built: %s)\n", version, commit, buildTime)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`diaryd - Tamper-evident event log for subject diaries

USAGE:
    diaryd <command> [options]

COMMANDS:
    init            One-time setup: data directory, config, signing key
    run             Run the capture daemon
    check-config    Validate the configuration file and exit
    version         Print version information
    help            Show this help message

OPTIONS (run, check-config):
    -config <path>  Path to config file (default: <data dir>/config.toml)

The daemon serves the capture API over HTTP and the operator control
plane over a unix socket (use diaryctl). Exported archives verify
offline with diaryverify.`)
}

func cmdInit() {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(os.Args[2:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf("Error loading config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fatalf("Error creating directories: %v", err)
	}

	path := *configPath
	if path == "" {
		path = config.ConfigPath()
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := config.SaveConfig(cfg, path); err != nil {
			fatalf("Error writing config: %v", err)
		}
		fmt.Printf("Wrote default config: %s\n", path)
	}

	if _, err := os.Stat(cfg.Signing.KeyPath); os.IsNotExist(err) {
		fmt.Println("Generating Ed25519 signing key...")
		pub, err := signer.GenerateKeyPair(cfg.Signing.KeyPath)
		if err != nil {
			fatalf("Error generating key: %v", err)
		}
		fmt.Printf("  Public key: %s...\n", hex.EncodeToString(pub[:8]))
	}

	fmt.Println()
	fmt.Println("diaryd initialized.")
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Printf("  1. Review %s (targets, schema dir, listen address)\n", path)
	fmt.Printf("  2. Drop form schemas into %s\n", cfg.Schemas.Dir)
	fmt.Println("  3. Start the daemon with 'diaryd run'")
}

func cmdRun() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(os.Args[2:])

	path := *configPath
	if path == "" {
		path = config.ConfigPath()
	}

	cfg, err := config.Load(path)
	if err != nil {
		fatalf("Error loading config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		fatalf("Invalid config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fatalf("Error creating directories: %v", err)
	}

	crashDir := filepath.Join(filepath.Dir(cfg.Logging.FilePath), "crashes")
	defer logging.CaptureCrash(crashDir, version)

	d, err := newDaemon(cfg)
	if err != nil {
		fatalf("Error starting daemon: %v", err)
	}
	d.watchConfig(path)
	if err := d.run(); err != nil {
		fatalf("Daemon failed: %v", err)
	}
}

func cmdCheckConfig() {
	fs := flag.NewFlagSet("check-config", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(os.Args[2:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf("Error loading config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		fatalf("Invalid config: %v", err)
	}

	fmt.Println("Config OK")
	fmt.Printf("  storage:  %s\n", describeStorage(cfg))
	fmt.Printf("  api:      %s\n", describeAPI(cfg))
	fmt.Printf("  targets:  %d configured\n", len(cfg.Delivery.Targets))
	fmt.Printf("  schemas:  %s\n", orNone(cfg.Schemas.Dir))
	fmt.Printf("  socket:   %s\n", describeIPC(cfg))
}

func describeStorage(cfg *config.Config) string {
	if cfg.Storage.Driver == "postgres" {
		return "postgres"
	}
	return fmt.Sprintf("sqlite at %s", cfg.Storage.Path)
}

func describeAPI(cfg *config.Config) string {
	if !cfg.API.Enabled {
		return "disabled"
	}
	return cfg.API.ListenAddr
}

func describeIPC(cfg *config.Config) string {
	if !cfg.IPC.Enabled {
		return "disabled"
	}
	return cfg.IPC.SocketPath
}

func orNone(s string) string {
	if s == "" {
		return "(none, structural validation only)"
	}
	return s
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
