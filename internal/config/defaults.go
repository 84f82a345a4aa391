package config

import (
	"os"
	"path/filepath"
	"strconv"
)

// systemDataDir resolves the base data directory when DIARYD_DATA_DIR
// is unset. A root service keeps state under /var/lib the way packaged
// installs expect; anything else lands in the XDG data home so a
// development instance stays inside the invoking user's home.
func systemDataDir() string {
	if os.Geteuid() == 0 {
		return "/var/lib/diaryd"
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "diaryd")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "/var/lib/diaryd"
	}
	return filepath.Join(home, ".local", "share", "diaryd")
}

// runtimeSocketDir resolves where the control socket lives: /run for a
// root service, the XDG runtime dir for a user one, and a per-uid tmp
// directory when neither applies.
func runtimeSocketDir() string {
	if os.Geteuid() == 0 {
		return "/run/diaryd"
	}
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		return filepath.Join(xdg, "diaryd")
	}
	return filepath.Join(os.TempDir(), "diaryd-"+strconv.Itoa(os.Getuid()))
}
