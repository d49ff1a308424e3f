package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/arohanajit/kvstore-ecs/internal/metrics"
)

// NodePath is where storage nodes accept coordinator requests
const NodePath = "/ecs"

const maxResponseSize = 1 << 20

// Transport sends one request to a storage node and waits for its answer.
// It fails on refusal, remote close or when ctx expires.
type Transport interface {
	Send(ctx context.Context, addr string, req Request) (Response, error)
}

// HTTPTransport carries requests as JSON over HTTP POST
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates a transport. Deadlines come from the caller's
// context, so the client needs no timeout of its own.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{client: client}
}

// Send posts req to http://addr/ecs
func (t *HTTPTransport) Send(ctx context.Context, addr string, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", addr, NodePath)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("%w: http status %d", ErrUnexpectedResponse, resp.StatusCode)
	}

	var out Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if out.ID != "" && out.ID != req.ID {
		return out, fmt.Errorf("%w: response id %s for request %s", ErrUnexpectedResponse, out.ID, req.ID)
	}
	if out.Status == StatusError {
		return out, &RemoteError{Status: req.Status, Message: out.Message}
	}
	return out, nil
}

// InstrumentedTransport records metrics and debug logs for every call
type InstrumentedTransport struct {
	next    Transport
	metrics *metrics.PrometheusMetrics
	logger  *zap.Logger
}

// Instrument wraps next
func Instrument(next Transport, logger *zap.Logger) *InstrumentedTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InstrumentedTransport{
		next:    next,
		metrics: metrics.GetMetrics(),
		logger:  logger,
	}
}

func (t *InstrumentedTransport) Send(ctx context.Context, addr string, req Request) (Response, error) {
	start := time.Now()
	resp, err := t.next.Send(ctx, addr, req)
	elapsed := time.Since(start)

	t.metrics.RecordRPC(string(req.Status), err == nil, elapsed.Seconds())
	t.logger.Debug("Node RPC",
		zap.String("addr", addr),
		zap.String("status", string(req.Status)),
		zap.String("request_id", req.ID),
		zap.Duration("elapsed", elapsed),
		zap.Error(err))
	return resp, err
}
