package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/dray-io/georoute/internal/retry"
	"github.com/dray-io/georoute/internal/session"
	"github.com/dray-io/georoute/internal/topology"
)

// Response headers understood by httpTransport.
const (
	headerActivityID       = "x-ms-activity-id"
	headerSessionToken     = "x-ms-session-token"
	headerSubStatus        = "x-ms-substatus"
	headerRetryAfterMs     = "x-ms-retry-after-ms"
	headerPartitionRangeID = "x-ms-documentdb-partitionkeyrangeid"
)

const maxResponseBytes = 4 << 20

// httpTransport sends operations as plain HTTP: reads are GETs and writes
// are POSTs of the JSON-encoded payload.
type httpTransport struct {
	client *http.Client
}

func newHTTPTransport(timeout time.Duration) *httpTransport {
	return &httpTransport{client: &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}}
}

func (t *httpTransport) Send(ctx context.Context, endpoint *url.URL, op *retry.Operation) (*retry.Response, error) {
	target := endpoint.ResolveReference(&url.URL{Path: op.Path})

	method := http.MethodGet
	var body io.Reader
	if op.Kind == topology.Write {
		method = http.MethodPost
		data, err := json.Marshal(op.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(headerActivityID, op.ActivityID)
	if op.SessionToken != "" {
		req.Header.Set(headerSessionToken, op.SessionToken)
	}
	if op.PartitionRangeID != "" {
		req.Header.Set(headerPartitionRangeID, op.PartitionRangeID)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var ne net.Error
		return nil, &retry.TransportError{Timeout: errors.As(err, &ne) && ne.Timeout(), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &retry.TransportError{Err: fmt.Errorf("read body: %w", err)}
	}
	return decodeResponse(resp, data)
}

func decodeResponse(resp *http.Response, body []byte) (*retry.Response, error) {
	out := &retry.Response{StatusCode: resp.StatusCode, Body: json.RawMessage(body)}
	if v := resp.Header.Get(headerSubStatus); v != "" {
		sub, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("bad %s header %q: %w", headerSubStatus, v, err)
		}
		out.SubStatus = sub
	}
	if v := resp.Header.Get(headerRetryAfterMs); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad %s header %q: %w", headerRetryAfterMs, v, err)
		}
		out.RetryAfter = time.Duration(ms) * time.Millisecond
	}
	if v := resp.Header.Get(headerSessionToken); v != "" {
		tokens, err := session.ParseHeader(v)
		if err != nil {
			return nil, err
		}
		out.SessionTokens = tokens
	}
	return out, nil
}
