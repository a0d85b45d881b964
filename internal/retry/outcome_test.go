package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		resp *Response
		err  error
		want Outcome
	}{
		{"ok", &Response{StatusCode: 200}, nil, OutcomeSuccess},
		{"created", &Response{StatusCode: 201}, nil, OutcomeSuccess},
		{"gone", &Response{StatusCode: 410}, nil, OutcomeStalePartition},
		{"request timeout", &Response{StatusCode: 408}, nil, OutcomeTransientNetwork},
		{"bad gateway", &Response{StatusCode: 502}, nil, OutcomeTransientNetwork},
		{"gateway timeout", &Response{StatusCode: 504}, nil, OutcomeTransientNetwork},
		{"throttled", &Response{StatusCode: 429}, nil, OutcomeThrottled},
		{"unavailable", &Response{StatusCode: 503}, nil, OutcomeRegionUnavailable},
		{"write forbidden", &Response{StatusCode: 403, SubStatus: SubStatusWriteForbidden}, nil, OutcomeTopologyStale},
		{"read session", &Response{StatusCode: 404, SubStatus: SubStatusReadSessionNotAvailable}, nil, OutcomeTopologyStale},
		{"forbidden", &Response{StatusCode: 403}, nil, OutcomeInvalid},
		{"not found", &Response{StatusCode: 404}, nil, OutcomeInvalid},
		{"unauthorized", &Response{StatusCode: 401}, nil, OutcomeInvalid},
		{"server error", &Response{StatusCode: 500}, nil, OutcomeInvalid},
		{"transport", nil, &TransportError{Err: errors.New("connection refused")}, OutcomeTransientNetwork},
		{"transport timeout", nil, &TransportError{Timeout: true, Err: context.DeadlineExceeded}, OutcomeTransientNetwork},
		{"plain error", nil, errors.New("eof"), OutcomeTransientNetwork},
		{"deadline", nil, context.DeadlineExceeded, OutcomeTimeout},
		{"cancelled", nil, fmt.Errorf("send: %w", context.Canceled), OutcomeTimeout},
		{"nil response", nil, nil, OutcomeTransientNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.resp, tt.err); got != tt.want {
				t.Errorf("Classify = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestOutcomeStringsDistinct(t *testing.T) {
	seen := map[string]Outcome{}
	for o := OutcomeSuccess; o <= OutcomeTimeout; o++ {
		s := o.String()
		if s == "unknown" {
			t.Errorf("outcome %d has no name", o)
		}
		if prev, ok := seen[s]; ok {
			t.Errorf("outcomes %d and %d share name %q", prev, o, s)
		}
		seen[s] = o
	}
	if Outcome(http.StatusOK).String() != "unknown" {
		t.Error("out-of-range outcome should be unknown")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := &StatusError{StatusCode: 400}
	err := error(&Error{Kind: KindInvalid, Last: OutcomeInvalid, Attempts: 1, Endpoints: []string{"https://a"}, Err: cause})

	if !errors.Is(err, ErrInvalidRequest) {
		t.Error("expected ErrInvalidRequest")
	}
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != 400 {
		t.Errorf("expected StatusError 400, got %v", se)
	}
	var re *Error
	if !errors.As(err, &re) || re.Retryable() {
		t.Error("invalid request must not be retryable")
	}

	budget := &Error{Kind: KindRetryBudgetExhausted, Last: OutcomeThrottled}
	if !errors.Is(budget, ErrRetryBudgetExhausted) || !budget.Retryable() {
		t.Error("budget exhaustion should match its sentinel and be retryable")
	}
}
