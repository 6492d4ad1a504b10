package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"grimm.is/roamd/internal/brand"
	"grimm.is/roamd/internal/config"
)

// RunCheck validates the configuration file syntax and semantics.
func RunCheck(configFile string, verbose bool) error {
	if len(configFile) == 0 {
		return fmt.Errorf("usage: %s check [-v] <config-file>\nExample: %s check -v %s", brand.Name, brand.Name, config.DefaultPath)
	}

	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	fmt.Printf("Configuration valid!\n")
	fmt.Printf("WiFi interface: %s\n", cfg.WifiInterface)
	fmt.Printf("VPN interface: %s\n", cfg.VPNInterface)
	fmt.Printf("Known networks: %d\n", len(cfg.KnownNetworks))

	families := "v4"
	if cfg.IPv6 {
		families = "v4+v6"
	}
	fmt.Printf("Policy rule: fwmark 0x%x lookup %d (%s)\n", cfg.Fwmark, cfg.RouteTable, families)

	if verbose {
		fmt.Println()
		printSummary(cfg)
	}

	return nil
}

func printSummary(cfg *config.Config) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)

	// Known networks
	fmt.Fprintln(w, "KNOWN NETWORK\tTUNNEL")
	for _, name := range cfg.KnownNetworks {
		fmt.Fprintf(w, "%s\tdisabled\n", name)
	}
	fmt.Fprintf(w, "%s\tenabled\n", "(any other)")
	fmt.Fprintln(w)
	w.Flush()

	// Subsystems
	fmt.Fprintln(w, "SUBSYSTEM\tSETTING")
	fmt.Fprintf(w, "log\tlevel=%s json=%t\n", cfg.Log.Level, cfg.Log.JSON)
	if cfg.DNS.Manage {
		fmt.Fprintf(w, "dns\tmanage routing domain on %s\n", cfg.VPNInterface)
	} else {
		fmt.Fprintf(w, "dns\toff\n")
	}
	if cfg.Journal != nil {
		fmt.Fprintf(w, "journal\t%s\n", cfg.Journal.Path)
	} else {
		fmt.Fprintf(w, "journal\toff\n")
	}
	if cfg.Metrics != nil {
		fmt.Fprintf(w, "metrics\t%s\n", cfg.Metrics.Listen)
	} else {
		fmt.Fprintf(w, "metrics\toff\n")
	}
	w.Flush()
}
