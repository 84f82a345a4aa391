package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"time"
)

// CrashReport is the JSON document written when the daemon dies on a
// panic. It carries enough to reconstruct the failure without a core
// dump. Diary content never appears in it.
type CrashReport struct {
	Time      time.Time `json:"time"`
	Version   string    `json:"version"`
	GoVersion string    `json:"go_version"`
	OS        string    `json:"os"`
	Arch      string    `json:"arch"`
	Panic     string    `json:"panic"`
	Stack     string    `json:"stack"`
}

// WriteCrashReport captures a panic value and the current stack into a
// timestamped file under dir and returns the file path.
func WriteCrashReport(dir, version string, panicValue any) (string, error) {
	report := CrashReport{
		Time:      time.Now().UTC(),
		Version:   version,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Panic:     fmt.Sprintf("%v", panicValue),
		Stack:     string(debug.Stack()),
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("crash directory: %w", err)
	}
	path := filepath.Join(dir, "crash-"+report.Time.Format(rotStamp)+".json")

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode crash report: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

// CaptureCrash recovers a panic on the current goroutine, writes a
// crash report under dir, and re-panics so the process still exits
// non-zero. It must be deferred directly:
//
//	defer logging.CaptureCrash(crashDir, version)
func CaptureCrash(dir, version string) {
	r := recover()
	if r == nil {
		return
	}
	path, err := WriteCrashReport(dir, version, r)
	if err != nil {
		fmt.Fprintf(os.Stderr, "diaryd: crash report not written: %v\n", err)
	} else {
		fmt.Fprintf(os.Stderr, "diaryd: crash report written to %s\n", path)
	}
	panic(r)
}
