// Package service manages the nomad-loggerd systemd unit.
package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	unitName   = "nomad-loggerd.service"
	binaryName = "nomad-loggerd"
	systemDir  = "/etc/systemd/system"
)

// Options controls how the unit is rendered and installed.
type Options struct {
	// BinaryPath defaults to nomad-loggerd found in PATH.
	BinaryPath string
	// ConfigPath is passed to the agent with --config when set.
	ConfigPath string
	// Watchdog is the systemd WatchdogSec. Zero disables the watchdog.
	Watchdog time.Duration
	// User installs a user unit instead of a system unit.
	User bool
}

// UnitContents returns the systemd unit file for opts. The agent notifies
// readiness over sd_notify, so the unit is Type=notify.
func UnitContents(opts Options) string {
	cmdline := opts.BinaryPath
	if opts.ConfigPath != "" {
		cmdline += " --config " + opts.ConfigPath
	}
	var watchdog string
	if opts.Watchdog > 0 {
		watchdog = fmt.Sprintf("WatchdogSec=%d\n", int(opts.Watchdog.Seconds()))
	}
	target := "multi-user.target"
	after := "After=network-online.target nomad.service\nWants=network-online.target\n"
	if opts.User {
		target = "default.target"
		after = ""
	}
	return fmt.Sprintf(`[Unit]
Description=nomad-logger agent, ships Nomad allocation logs
Documentation=https://github.com/attachmentgenie/nomad-logger
%s
[Service]
Type=notify
ExecStart=%s
Restart=on-failure
RestartSec=5
%sTimeoutStopSec=30

[Install]
WantedBy=%s
`, after, cmdline, watchdog, target)
}

// UnitPath returns the path of the unit file.
func UnitPath(user bool) (string, error) {
	if !user {
		return filepath.Join(systemDir, unitName), nil
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine user config directory: %w", err)
	}
	return filepath.Join(configDir, "systemd", "user", unitName), nil
}

// Install writes the unit file, reloads systemd, and enables+starts the service.
func Install(opts Options) error {
	if opts.BinaryPath == "" {
		p, err := exec.LookPath(binaryName)
		if err != nil {
			return fmt.Errorf("%s not found in PATH: %w", binaryName, err)
		}
		opts.BinaryPath = p
	}
	binaryPath, err := filepath.Abs(opts.BinaryPath)
	if err != nil {
		return fmt.Errorf("cannot resolve %s path: %w", binaryName, err)
	}
	opts.BinaryPath = binaryPath

	unitPath, err := UnitPath(opts.User)
	if err != nil {
		return err
	}
	if err := WriteUnit(unitPath, opts); err != nil {
		return err
	}

	if err := systemctl(opts.User, "daemon-reload"); err != nil {
		return err
	}
	return systemctl(opts.User, "enable", "--now", unitName)
}

// WriteUnit renders opts into path, creating parent directories.
func WriteUnit(path string, opts Options) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(UnitContents(opts)), 0o644); err != nil {
		return fmt.Errorf("cannot write unit file: %w", err)
	}
	return nil
}

// Uninstall stops+disables the service, removes the unit file, and reloads systemd.
func Uninstall(user bool) error {
	// Best-effort stop and disable; ignore errors if not running.
	_ = systemctl(user, "stop", unitName)
	_ = systemctl(user, "disable", unitName)

	unitPath, err := UnitPath(user)
	if err != nil {
		return err
	}

	if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot remove unit file: %w", err)
	}

	return systemctl(user, "daemon-reload")
}

// Status returns a human-readable status string.
func Status(socketPath string, user bool) string {
	var lines []string

	if _, err := os.Stat(socketPath); err == nil {
		lines = append(lines, "socket: active ("+socketPath+")")
	} else {
		lines = append(lines, "socket: inactive ("+socketPath+")")
	}

	scope := "system"
	if user {
		scope = "user"
	}
	unitPath, err := UnitPath(user)
	if err == nil {
		if _, statErr := os.Stat(unitPath); statErr == nil {
			out, runErr := exec.Command("systemctl", scopeArgs(user, "is-active", unitName)...).Output()
			state := strings.TrimSpace(string(out))
			if runErr != nil && state == "" {
				state = "unknown"
			}
			lines = append(lines, "systemd "+scope+" service: "+state)
		} else {
			lines = append(lines, "systemd "+scope+" service: not installed")
		}
	}

	return strings.Join(lines, "\n")
}

func scopeArgs(user bool, args ...string) []string {
	if user {
		return append([]string{"--user"}, args...)
	}
	return args
}

func systemctl(user bool, args ...string) error {
	full := scopeArgs(user, args...)
	cmd := exec.Command("systemctl", full...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("systemctl %s: %w", strings.Join(full, " "), err)
	}
	return nil
}
