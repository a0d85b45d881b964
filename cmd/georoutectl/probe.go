package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dray-io/georoute/internal/client"
	"github.com/dray-io/georoute/internal/metrics"
	"github.com/dray-io/georoute/internal/retry"
	"github.com/dray-io/georoute/internal/topology"
)

func runProbe(args []string) int {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	path := fs.String("path", "/", "Resource path to request on each endpoint")
	resource := fs.String("resource", "", "Resource ID used for partition routing")
	partitionKey := fs.String("partition-key", "", "Partition key for each operation")
	write := fs.Bool("write", false, "Issue writes instead of reads")
	count := fs.Int("count", 1, "Number of operations")
	preferred := fs.String("preferred", "", "Comma-separated preferred regions (overrides config)")
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on this address while probing")

	fs.Usage = func() {
		fmt.Println(`Usage: georoutectl probe [options]

Send operations through the retry and failover path and print the outcome
of each, including the endpoints tried.

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
	if *preferred != "" {
		cfg.Account.PreferredRegions = splitList(*preferred)
	}
	if *metricsAddr != "" {
		cfg.Observability.MetricsAddr = *metricsAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []client.Option
	opts = append(opts, client.WithLogger(logger))
	if *metricsAddr != "" {
		opts = append(opts,
			client.WithRoutingMetrics(metrics.NewRoutingMetrics()),
			client.WithRetryMetrics(metrics.NewRetryMetrics()))
		srv := metrics.NewServer(cfg.Observability.MetricsAddr)
		if err := srv.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to start metrics server: %v\n", err)
			return 1
		}
		defer srv.Close()
		logger.Infof("metrics server listening", map[string]any{"addr": srv.Addr()})
	}

	c, err := client.New(cfg, client.Deps{
		Fetcher:   topology.NewHTTPFetcher(cfg.Routing.FetchTimeout),
		Transport: newHTTPTransport(cfg.Routing.FetchTimeout),
	}, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create client: %v\n", err)
		return 1
	}
	if err := c.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer c.Close()

	kind := topology.Read
	if *write {
		kind = topology.Write
	}

	failed := 0
	for i := 1; i <= *count && ctx.Err() == nil; i++ {
		op := &retry.Operation{
			Kind:         kind,
			ResourceID:   *resource,
			PartitionKey: *partitionKey,
			Path:         *path,
			Payload:      map[string]any{"probe": i},
		}
		resp, rc, err := c.Do(ctx, op)
		if err != nil {
			failed++
			var re *retry.Error
			if errors.As(err, &re) {
				fmt.Printf("op %d: FAILED kind=%s last=%s attempts=%d endpoints=%v activity=%s\n",
					i, re.Kind, re.Last, re.Attempts, re.Endpoints, re.ActivityID)
			} else {
				fmt.Printf("op %d: FAILED %v\n", i, err)
			}
			continue
		}
		fmt.Printf("op %d: status=%d attempts=%d endpoint=%s failed=%d activity=%s\n",
			i, resp.StatusCode, rc.AttemptIndex, rc.Attempted[len(rc.Attempted)-1], len(rc.FailedEndpoints), rc.ActivityID)
	}

	if entries := c.Manager().UnavailableEntries(); len(entries) > 0 {
		fmt.Println("unavailable endpoints:")
		for _, e := range entries {
			fmt.Printf("  %s (%s) until %s\n", e.Endpoint, e.Kind, e.ExpiresAt.Format("15:04:05"))
		}
	}
	if failed > 0 {
		return 1
	}
	return 0
}
