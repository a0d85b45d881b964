// Package routing decides which regional endpoint an operation should use.
//
// # Effective endpoints
//
// The account topology lists write and read regions in server priority
// order. For each operation kind the effective list is that order with the
// caller's preferred regions promoted to the front and every endpoint that
// recently failed for that kind removed:
//
//	topology read regions:  [eastus, westus, northeurope]
//	preferred:              [westus, northeurope]
//	unavailable (read):     {northeurope}
//	effective (read):       [westus, eastus]
//
// If every endpoint is unavailable, the one marked earliest is returned on
// its own, since it is the most likely to have recovered.
//
// # Unavailability
//
// Marks are per (endpoint, kind) and expire after a fixed window. Expired
// entries are ignored immediately and evicted lazily by the next lookup that
// can take the writer lock without waiting.
//
// # Refresh
//
// A Manager refreshes the topology on a timer and on demand. Concurrent
// refreshes collapse into one fetch. Forced refreshes caused by endpoint
// failures are rate limited. A failed refresh keeps the last good topology.
package routing
