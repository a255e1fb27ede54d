package service

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestUnitContents(t *testing.T) {
	got := UnitContents(Options{
		BinaryPath: "/usr/local/bin/nomad-loggerd",
		ConfigPath: "/etc/nomad-logger/config.yaml",
		Watchdog:   30 * time.Second,
	})

	for _, want := range []string{
		"ExecStart=/usr/local/bin/nomad-loggerd --config /etc/nomad-logger/config.yaml",
		"Type=notify",
		"Restart=on-failure",
		"WatchdogSec=30",
		"After=network-online.target nomad.service",
		"WantedBy=multi-user.target",
		"[Install]",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("unit file missing %q", want)
		}
	}
}

func TestUnitContentsUser(t *testing.T) {
	got := UnitContents(Options{BinaryPath: "/home/ops/bin/nomad-loggerd", User: true})
	if !strings.Contains(got, "ExecStart=/home/ops/bin/nomad-loggerd\n") {
		t.Errorf("unexpected ExecStart in:\n%s", got)
	}
	if strings.Contains(got, "WatchdogSec") {
		t.Error("watchdog should be omitted when zero")
	}
	if !strings.Contains(got, "WantedBy=default.target") {
		t.Error("user unit should be wanted by default.target")
	}
}

func TestUnitPath(t *testing.T) {
	path, err := UnitPath(false)
	if err != nil {
		t.Fatalf("UnitPath() error: %v", err)
	}
	if path != "/etc/systemd/system/nomad-loggerd.service" {
		t.Errorf("UnitPath(false) = %q", path)
	}

	path, err = UnitPath(true)
	if err != nil {
		t.Fatalf("UnitPath(true) error: %v", err)
	}
	if !strings.HasSuffix(path, "systemd/user/nomad-loggerd.service") {
		t.Errorf("UnitPath(true) = %q, want suffix systemd/user/nomad-loggerd.service", path)
	}
}

func TestWriteUnit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "units", unitName)
	if err := WriteUnit(path, Options{BinaryPath: "/bin/nomad-loggerd"}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "ExecStart=/bin/nomad-loggerd") {
		t.Errorf("written unit missing ExecStart:\n%s", data)
	}
}

func TestStatusNoSocket(t *testing.T) {
	got := Status(filepath.Join(t.TempDir(), "missing.sock"), true)
	if !strings.Contains(got, "socket: inactive") {
		t.Errorf("Status() should report inactive socket, got: %s", got)
	}
}

func TestStatusWithSocket(t *testing.T) {
	// A regular file stands in for the socket.
	f, err := os.CreateTemp("", "nomad-logger-test-*.sock")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	f.Close()

	got := Status(f.Name(), true)
	if !strings.Contains(got, "socket: active") {
		t.Errorf("Status() should report active socket, got: %s", got)
	}
}
