package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// LoadFile loads, decodes, and validates an HCL config file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Reason: fmt.Sprintf("failed to read config file: %v", err)}
	}
	return Load(data, path)
}

// Load decodes and validates HCL config bytes. The filename is used in
// parse diagnostics only.
func Load(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, &Error{Reason: fmt.Sprintf("HCL parse error: %s", diags.Error())}
	}

	var cfg Config
	if diags := gohcl.DecodeBody(file.Body, nil, &cfg); diags.HasErrors() {
		return nil, &Error{Reason: fmt.Sprintf("HCL decode error: %s", diags.Error())}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
