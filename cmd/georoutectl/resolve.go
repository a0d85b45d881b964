package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/dray-io/georoute/internal/config"
	"github.com/dray-io/georoute/internal/partition"
	"github.com/dray-io/georoute/internal/routing"
	"github.com/dray-io/georoute/internal/topology"
)

func runResolve(args []string) int {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	endpoint := fs.String("endpoint", "", "Override account endpoint")
	preferred := fs.String("preferred", "", "Comma-separated preferred regions (overrides config)")

	fs.Usage = func() {
		fmt.Println(`Usage: georoutectl resolve [options]

Fetch the account topology and print the effective read and write
endpoints in the order operations would try them.

Options:`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, logger, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	if *endpoint != "" {
		cfg.Account.Endpoint = *endpoint
	}
	if *preferred != "" {
		cfg.Account.PreferredRegions = splitList(*preferred)
	}
	if cfg.Account.Endpoint == "" {
		fmt.Fprintln(os.Stderr, "account endpoint is required (--endpoint or account.endpoint)")
		return 1
	}
	account, err := url.Parse(cfg.Account.Endpoint)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid account endpoint: %v\n", err)
		return 1
	}

	mgr := routing.NewManager(managerConfig(cfg, account), topology.NewHTTPFetcher(cfg.Routing.FetchTimeout),
		routing.WithLogger(logger))
	if err := mgr.Refresh(context.Background(), true); err != nil {
		fmt.Fprintf(os.Stderr, "failed to fetch topology: %v\n", err)
		return 1
	}
	printEndpoints(os.Stdout, mgr)
	return 0
}

func managerConfig(cfg *config.Config, account *url.URL) routing.ManagerConfig {
	return routing.ManagerConfig{
		AccountEndpoint:          account,
		PreferredRegions:         cfg.Account.PreferredRegions,
		UnavailableWindow:        cfg.Routing.UnavailableWindow,
		RefreshInterval:          cfg.Routing.RefreshInterval,
		ForcedRefreshMinInterval: cfg.Routing.ForcedRefreshMinInterval,
		RefreshOnPrimaryFailure:  cfg.Routing.RefreshOnPrimaryFailure,
		FetchTimeout:             cfg.Routing.FetchTimeout,
	}
}

func printEndpoints(w io.Writer, mgr *routing.Manager) {
	topo := mgr.Topology()
	for _, kind := range []topology.OperationKind{topology.Write, topology.Read} {
		fmt.Fprintf(w, "%s endpoints:\n", kind)
		for i, u := range mgr.ResolveEndpoints(kind, nil) {
			region := "?"
			for _, re := range topo.Regions(kind) {
				if re.Key() == topology.EndpointKey(u) {
					region = re.Region
					break
				}
			}
			fmt.Fprintf(w, "  %d. %-20s %s\n", i+1, region, u)
		}
	}
}

func runEPK(args []string) int {
	fs := flag.NewFlagSet("epk", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Println(`Usage: georoutectl epk <partition-key>...

Print the effective partition key of each argument.`)
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 1
	}
	for _, pk := range fs.Args() {
		fmt.Printf("%s\t%s\n", partition.EffectivePartitionKey(pk), pk)
	}
	return 0
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
