package main

import (
	"flag"
	"fmt"
	"os"
)

// parseFlags reads the command line. The region flag overrides
// MONITOR_REGION; everything else is environment-driven.
func parseFlags(args []string) (region string, err error) {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.StringVar(&region, "region", "", "region tag this worker probes from (overrides MONITOR_REGION)")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	return region, nil
}

func main() {
	region, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if region != "" {
		// Validation stays in LoadEnvConfig; the flag just takes
		// precedence over the environment.
		os.Setenv("MONITOR_REGION", region)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
