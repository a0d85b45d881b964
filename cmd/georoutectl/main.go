package main

import (
	"fmt"
	"os"

	"github.com/dray-io/georoute/internal/config"
	"github.com/dray-io/georoute/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		fmt.Printf("georoutectl version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch cmd := os.Args[1]; cmd {
	case "resolve":
		os.Exit(runResolve(os.Args[2:]))
	case "probe":
		os.Exit(runProbe(os.Args[2:]))
	case "epk":
		os.Exit(runEPK(os.Args[2:]))
	case "version":
		fmt.Printf("georoutectl version %s (built %s, commit %s)\n", version, buildTime, gitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: georoutectl <command> [options]

Commands:
  resolve     Fetch the account topology and print effective endpoints
  probe       Send operations through the full retry and failover path
  epk         Print the effective partition key of a partition key
  version     Print version information

Run 'georoutectl <command> --help' for more information on a command.`)
}

// loadConfig loads path if given, otherwise GEOROUTE_CONFIG and the
// environment, and configures the global logger from the result.
func loadConfig(path string) (*config.Config, *logging.Logger, error) {
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFromPath(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, nil, err
	}
	logger := logging.Configure(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	return cfg, logger, nil
}
