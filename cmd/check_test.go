package cmd

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roamd.hcl")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestRunCheck_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
wifi_interface = "wlan0"
vpn_interface  = "wg0"
known_networks = ["HomeNet", "HomeNet-5G"]
fwmark         = 51000
route_table    = 1000

journal {
    path = "/var/lib/roamd/journal.db"
}
`)

	if err := RunCheck(configPath, true); err != nil {
		t.Errorf("RunCheck() error = %v, want nil", err)
	}
}

func TestRunCheck_InvalidSyntax(t *testing.T) {
	configPath := writeConfig(t, `
journal {
    # Missing closing brace
`)

	if err := RunCheck(configPath, false); err == nil {
		t.Error("RunCheck() error = nil, want parse error")
	}
}

func TestRunCheck_ReservedTable(t *testing.T) {
	configPath := writeConfig(t, `
wifi_interface = "wlan0"
vpn_interface  = "wg0"
known_networks = []
fwmark         = 51000
route_table    = 254
`)

	if err := RunCheck(configPath, false); err == nil {
		t.Error("RunCheck() error = nil, want validation error")
	}
}

func TestRunCheck_EmptyPath(t *testing.T) {
	if err := RunCheck("", false); err == nil {
		t.Error("RunCheck() error = nil, want usage error")
	}
}
