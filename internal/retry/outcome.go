package retry

import (
	"context"
	"errors"
	"net/http"
)

// Sub-status codes that refine a response status.
const (
	// SubStatusWriteForbidden accompanies 403 when the region no longer
	// accepts writes.
	SubStatusWriteForbidden = 3
	// SubStatusReadSessionNotAvailable accompanies 404 when the region has
	// not caught up to the session token.
	SubStatusReadSessionNotAvailable = 1002
)

// Outcome classifies one attempt. Every attempt maps to exactly one value
// and the handler has one transition per value.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	// OutcomeStalePartition means the partition layout changed under the
	// request (split or merge).
	OutcomeStalePartition
	OutcomeTransientNetwork
	OutcomeThrottled
	OutcomeRegionUnavailable
	// OutcomeTopologyStale means the endpoint no longer serves this kind
	// of operation, so the account topology is out of date.
	OutcomeTopologyStale
	OutcomeInvalid
	OutcomeTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeStalePartition:
		return "stale_partition"
	case OutcomeTransientNetwork:
		return "transient_network"
	case OutcomeThrottled:
		return "throttled"
	case OutcomeRegionUnavailable:
		return "region_unavailable"
	case OutcomeTopologyStale:
		return "topology_stale"
	case OutcomeInvalid:
		return "invalid"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Classify maps a transport result to an Outcome. A *TransportError is
// OutcomeTransientNetwork even when it wraps a deadline; a bare context
// error is OutcomeTimeout; any other error is OutcomeTransientNetwork.
func Classify(resp *Response, err error) Outcome {
	if err != nil {
		var te *TransportError
		if errors.As(err, &te) {
			return OutcomeTransientNetwork
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return OutcomeTimeout
		}
		return OutcomeTransientNetwork
	}
	if resp == nil {
		return OutcomeTransientNetwork
	}

	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return OutcomeSuccess
	case code == http.StatusGone:
		return OutcomeStalePartition
	case code == http.StatusRequestTimeout, code == http.StatusBadGateway, code == http.StatusGatewayTimeout:
		return OutcomeTransientNetwork
	case code == http.StatusTooManyRequests:
		return OutcomeThrottled
	case code == http.StatusServiceUnavailable:
		return OutcomeRegionUnavailable
	case code == http.StatusForbidden && resp.SubStatus == SubStatusWriteForbidden,
		code == http.StatusNotFound && resp.SubStatus == SubStatusReadSessionNotAvailable:
		return OutcomeTopologyStale
	default:
		return OutcomeInvalid
	}
}
