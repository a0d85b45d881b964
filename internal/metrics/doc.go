// Package metrics provides Prometheus metrics for the routing and retry layers.
//
// Exposed metrics include:
//   - Topology refresh latency and count, by success/failure
//   - Endpoints marked unavailable, by operation kind
//   - Forced (out-of-band) refreshes, by reason
//   - Current size of the unavailable-endpoint set
//   - Sends by classified outcome, operations by terminal status
//   - Backoff delays and failovers
//
// Components take small recorder interfaces, so a nil recorder disables
// metrics and tests can pass fakes.
//
// Usage:
//
//	routingMetrics := metrics.NewRoutingMetrics()
//	retryMetrics := metrics.NewRetryMetrics()
//
//	c, err := client.New(cfg, deps,
//		client.WithRoutingMetrics(routingMetrics),
//		client.WithRetryMetrics(retryMetrics))
//
//	srv := metrics.NewServer(":9090")
//	srv.Start()
package metrics
