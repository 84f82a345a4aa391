// diaryctl is the operator CLI for diaryd. It speaks the control
// protocol over the daemon's unix socket; the socket's file mode is the
// authorization boundary, and every command records the acting operator
// in the audit trail.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"diaryd/internal/config"
	"diaryd/internal/ipc"
)

var (
	configPath = flag.String("config", "", "path to config file")
	socketPath = flag.String("socket", "", "control socket path (default from config)")
	actorID    = flag.String("actor", os.Getenv("USER"), "operator identity recorded in the audit trail")
	tenantID   = flag.String("tenant", "", "tenant the command applies to")
	fromSeq    = flag.Int64("from", 0, "export range start (0 = genesis)")
	toSeq      = flag.Int64("to", 0, "export range end (0 = current head)")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	switch cmd := flag.Arg(0); cmd {
	case "ping":
		cmdPing()
	case "status":
		cmdStatus()
	case "delivery":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "Usage: diaryctl delivery <target> [limit]")
			os.Exit(1)
		}
		cmdDelivery(flag.Arg(1), optionalInt(flag.Arg(2), 20))
	case "skip":
		if flag.NArg() < 4 {
			fmt.Fprintln(os.Stderr, "Usage: diaryctl -tenant <id> skip <target> <sequence> <reason>")
			os.Exit(1)
		}
		cmdSkip(flag.Arg(1), flag.Arg(2), strings.Join(flag.Args()[3:], " "))
	case "verify":
		cmdVerify()
	case "resume":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "Usage: diaryctl -tenant <id> resume <reason>")
			os.Exit(1)
		}
		cmdResume(strings.Join(flag.Args()[1:], " "))
	case "export":
		output := ""
		if flag.NArg() >= 2 {
			output = flag.Arg(1)
		}
		cmdExport(output)
	case "reload-schemas":
		cmdReloadSchemas()
	case "withdraw":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "Usage: diaryctl -tenant <id> withdraw <conflict-id>")
			os.Exit(1)
		}
		cmdWithdraw(flag.Arg(1))
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `diaryctl - Operator CLI for diaryd

Usage: diaryctl [options] <command> [args]

Commands:
  ping                          Check the daemon answers
  status                        Daemon status: tenants, heads, halts
  delivery <target> [limit]     Delivery ledger and lag for a target
  skip <target> <seq> <reason>  Skip one stuck delivery
  verify                        Re-verify the tenant's hash chain
  resume <reason>               Lift a tenant halt after review
  export [output]               Export a signed archive
  reload-schemas                Recompile the form schemas
  withdraw <conflict-id>        Close a pending conflict record
  help                          Show this help message

Options:
  -config <path>   Path to config file (default: platform config dir)
  -socket <path>   Control socket path (default from config)
  -actor <id>      Operator identity for the audit trail (default: $USER)
  -tenant <id>     Tenant the command applies to
  -from, -to       Export sequence range (0 = genesis / current head)

Example:
  diaryctl -tenant trial-204 -from 1 -to 500 export archive.gz`)
}

// socket resolves the control socket path: flag first, config second.
func socket() string {
	if *socketPath != "" {
		return *socketPath
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg.IPC.SocketPath
}

func dial() *ipc.Client {
	path := socket()
	cli, err := ipc.Dial(ipc.ClientOptions{SocketPath: path})
	if err != nil {
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			fmt.Fprintf(os.Stderr, "diaryd is not running (no socket at %s)\n", path)
		} else {
			fmt.Fprintf(os.Stderr, "Error connecting to daemon: %v\n", err)
		}
		os.Exit(1)
	}
	return cli
}

// operator builds the audit stanza every tenant-scoped command carries.
func operator() ipc.Operator {
	if *actorID == "" {
		fmt.Fprintln(os.Stderr, "An operator identity is required (-actor)")
		os.Exit(2)
	}
	if *tenantID == "" {
		fmt.Fprintln(os.Stderr, "A tenant is required (-tenant)")
		os.Exit(2)
	}
	return ipc.Operator{ActorID: *actorID, TenantID: *tenantID}
}

func cmdPing() {
	cli := dial()
	defer cli.Close()

	start := time.Now()
	if err := cli.Ping(); err != nil {
		fail(err)
	}
	fmt.Printf("diaryd answered in %s\n", time.Since(start).Round(time.Microsecond))
}

func cmdStatus() {
	cli := dial()
	defer cli.Close()

	st, err := cli.Status()
	if err != nil {
		fail(err)
	}

	fmt.Println("=== diaryd Status ===")
	fmt.Println()
	fmt.Printf("Version:        %s\n", st.Version)
	fmt.Printf("Uptime:         %s\n", (time.Duration(st.UptimeSeconds) * time.Second).String())
	fmt.Printf("Ready:          %v\n", st.Ready)
	fmt.Printf("Total events:   %d\n", st.TotalEvents)
	fmt.Printf("Open conflicts: %d\n", st.OpenConflicts)
	if len(st.Forms) > 0 {
		fmt.Printf("Forms:          %s\n", strings.Join(st.Forms, ", "))
	} else {
		fmt.Println("Forms:          (none, structural validation only)")
	}
	fmt.Println()

	fmt.Println("Tenants:")
	if len(st.Tenants) == 0 {
		fmt.Println("  (no events recorded)")
		return
	}
	fmt.Printf("  %-20s %-10s %s\n", "TENANT", "HEAD", "CHAIN")
	for _, t := range st.Tenants {
		chain := "ok"
		if t.Halted {
			chain = "HALTED: " + t.HaltReason
		}
		fmt.Printf("  %-20s %-10d %s\n", t.TenantID, t.Head, chain)
	}
}

func cmdDelivery(target string, limit int) {
	cli := dial()
	defer cli.Close()

	st, err := cli.DeliveryStatus(operator(), target, limit)
	if err != nil {
		fail(err)
	}

	fmt.Printf("=== Delivery: %s ===\n", st.Target)
	fmt.Println()
	fmt.Printf("Lag: %d event(s) unresolved\n", st.Lag)
	fmt.Println()

	if len(st.Deliveries) == 0 {
		fmt.Println("No delivery rows recorded yet.")
		return
	}
	fmt.Printf("%-10s %-12s %-9s %-24s %s\n", "SEQ", "STATUS", "ATTEMPTS", "NEXT RETRY", "LAST ERROR")
	for _, row := range st.Deliveries {
		retry := "-"
		if row.NextRetryNs > 0 {
			retry = time.Unix(0, row.NextRetryNs).Format(time.RFC3339)
		}
		lastErr := row.LastError
		if len(lastErr) > 48 {
			lastErr = lastErr[:45] + "..."
		}
		fmt.Printf("%-10d %-12s %-9d %-24s %s\n", row.SequenceID, row.Status, row.Attempts, retry, lastErr)
	}
}

func cmdSkip(target, seqStr, reason string) {
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid sequence %q\n", seqStr)
		os.Exit(2)
	}

	cli := dial()
	defer cli.Close()

	skipped, err := cli.SkipDelivery(operator(), target, seq, reason)
	if err != nil {
		fail(err)
	}
	if !skipped {
		fmt.Printf("Nothing to skip: %s/%d is missing or already terminal.\n", target, seq)
		return
	}
	fmt.Printf("Skipped %s/%d. The event stays in the log; an annotation\n", target, seq)
	fmt.Println("recording the bypass was appended to the affected record.")
}

func cmdVerify() {
	cli := dial()
	defer cli.Close()

	report, err := cli.VerifyChain(operator())
	if err != nil {
		fail(err)
	}

	fmt.Println("=== Chain Verification ===")
	fmt.Println()
	fmt.Printf("Tenant:  %s\n", report.TenantID)
	fmt.Printf("Checked: %d event(s) up to sequence %d\n", report.Checked, report.HeadSeq)
	if report.HeadHash != "" {
		fmt.Printf("Head:    %s\n", report.HeadHash)
	}

	if report.Valid {
		fmt.Println()
		fmt.Println("Chain verification PASSED")
		return
	}

	fmt.Println()
	fmt.Println("Chain verification FAILED")
	if len(report.Corrupted) > 0 {
		fmt.Printf("  Corrupted sequences: %v\n", report.Corrupted)
	}
	if report.Failure != "" {
		fmt.Printf("  %s\n", report.Failure)
	}
	fmt.Println("  The tenant chain is halted. Investigate, restore from a")
	fmt.Println("  verified archive if needed, then 'diaryctl resume <reason>'.")
	os.Exit(1)
}

func cmdResume(reason string) {
	cli := dial()
	defer cli.Close()

	if err := cli.ResumeChain(operator(), reason); err != nil {
		fail(err)
	}
	fmt.Printf("Tenant %s resumed.\n", *tenantID)
}

func cmdExport(output string) {
	cli := dial()
	defer cli.Close()

	resp, err := cli.Export(operator(), *fromSeq, *toSeq)
	if err != nil {
		fail(err)
	}

	if output == "" {
		output = fmt.Sprintf("%s-%d-%d.diary.gz", resp.TenantID, resp.FromSeq, resp.ToSeq)
	}
	if err := os.WriteFile(output, resp.Archive, 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing archive: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Archive exported to: %s\n", output)
	fmt.Println()
	fmt.Println("Archive Summary:")
	fmt.Printf("  Tenant:    %s\n", resp.TenantID)
	fmt.Printf("  Sequences: %d through %d\n", resp.FromSeq, resp.ToSeq)
	fmt.Printf("  Events:    %d\n", resp.EventCount)
	fmt.Printf("  Size:      %s\n", formatBytes(int64(len(resp.Archive))))
	fmt.Println()
	fmt.Println("Verify offline with: diaryverify", output)
}

func cmdReloadSchemas() {
	cli := dial()
	defer cli.Close()

	forms, err := cli.ReloadSchemas(operator())
	if err != nil {
		fail(err)
	}
	fmt.Printf("Schemas reloaded: %d form(s) in effect.\n", forms)
}

func cmdWithdraw(idStr string) {
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid conflict id %q\n", idStr)
		os.Exit(2)
	}

	cli := dial()
	defer cli.Close()

	withdrawn, err := cli.WithdrawConflict(operator(), id)
	if err != nil {
		fail(err)
	}
	if !withdrawn {
		fmt.Printf("Conflict %d is unknown, outside the tenant, or already closed.\n", id)
		return
	}
	fmt.Printf("Conflict %d withdrawn.\n", id)
}

// fail prints a protocol error with its code and exits.
func fail(err error) {
	var ce *ipc.CallError
	if errors.As(err, &ce) {
		switch ce.Code {
		case ipc.ErrDenied:
			fmt.Fprintf(os.Stderr, "Denied: %s\n", ce.Message)
		case ipc.ErrValidation, ipc.ErrInvalidRequest:
			fmt.Fprintf(os.Stderr, "Rejected: %s\n", ce.Message)
		case ipc.ErrIntegrity:
			fmt.Fprintf(os.Stderr, "Integrity failure: %s\n", ce.Message)
		default:
			fmt.Fprintf(os.Stderr, "Error: %s\n", ce.Message)
		}
	} else {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(1)
}

func optionalInt(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid number %q\n", s)
		os.Exit(2)
	}
	return n
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
