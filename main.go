package main

import (
	"flag"
	"fmt"
	"os"

	"grimm.is/roamd/cmd"
	"grimm.is/roamd/internal/brand"
	"grimm.is/roamd/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		startFlags := flag.NewFlagSet("start", flag.ExitOnError)
		configFile := startFlags.String("config", config.DefaultPath, "Configuration file")
		startFlags.StringVar(configFile, "c", config.DefaultPath, "Configuration file (short)")
		startFlags.Parse(os.Args[2:])

		if len(startFlags.Args()) > 0 {
			*configFile = startFlags.Arg(0)
		}

		if err := cmd.RunStart(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Start failed: %v\n", err)
			os.Exit(1)
		}

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		verbose := checkFlags.Bool("verbose", false, "Verbose output")
		checkFlags.BoolVar(verbose, "v", false, "Verbose output (short)")
		checkFlags.Parse(os.Args[2:])

		configFile := config.DefaultPath
		if len(checkFlags.Args()) > 0 {
			configFile = checkFlags.Arg(0)
		}

		if err := cmd.RunCheck(configFile, *verbose); err != nil {
			fmt.Fprintf(os.Stderr, "Check failed: %v\n", err)
			os.Exit(1)
		}

	case "version":
		fmt.Printf("%s version %s\n", brand.Name, brand.Version)
		fmt.Printf("Build: %s\n", brand.BuildTime)

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`%s - %s

Usage:
  %s <command> [options]

Commands:
  start     Run the daemon in the foreground
            Options: --config (-c) <file>
  check     Validate configuration file
            Options: --verbose (-v)
  version   Print version information

Signals:
  SIGHUP    Re-assert the current tunnel state
  SIGINT    Graceful shutdown, reverting routing and DNS state
  SIGTERM   Graceful shutdown, reverting routing and DNS state

Examples:
  %s start
  %s start -c %s
  %s check -v %s
`,
		brand.Name, brand.Description,
		brand.Name,
		brand.Name,
		brand.Name, config.DefaultPath,
		brand.Name, config.DefaultPath)
}
