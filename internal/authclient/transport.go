package authclient

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RequestIDHeader carries the correlation id stamped on every outgoing request.
const RequestIDHeader = "X-Request-ID"

// Transport is an http.RoundTripper that authorizes requests through the pipeline and
// retries a request once when the server rejects its token.
type Transport struct {
	pipeline *Pipeline
	base     http.RoundTripper
	logger   *zap.Logger
	metrics  MetricsRecorder
}

// NewTransport wraps base, or http.DefaultTransport when base is nil.
func NewTransport(pipeline *Pipeline, base http.RoundTripper, logger *zap.Logger, metrics MetricsRecorder) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Transport{pipeline: pipeline, base: base, logger: logger, metrics: metrics}
}

// RoundTrip implements http.RoundTripper.
func (transport *Transport) RoundTrip(request *http.Request) (*http.Response, error) {
	replayable, bufferErr := withReplayableBody(request)
	if bufferErr != nil {
		return nil, fmt.Errorf("authclient.transport.body: %w", bufferErr)
	}
	if replayable.Header.Get(RequestIDHeader) == "" {
		replayable.Header.Set(RequestIDHeader, uuid.NewString())
	}

	ctx := replayable.Context()
	authorized, usedToken, authorizeErr := transport.pipeline.Authorize(ctx, replayable)
	if authorizeErr != nil {
		if replayable.Body != nil {
			_ = replayable.Body.Close()
		}
		return nil, authorizeErr
	}
	response, sendErr := transport.base.RoundTrip(authorized)
	if sendErr != nil {
		return nil, sendErr
	}

	decision := transport.pipeline.OnAuthFailure(authorized, response)
	if !decision.Retry {
		return response, nil
	}
	renewedToken, renewErr := transport.pipeline.manager.RenewRejected(ctx, usedToken)
	if renewErr != nil || renewedToken == "" {
		transport.logger.Info("request rejected and not retried",
			zap.String("code", "authclient.transport.retry_skipped"),
			zap.String("request_id", authorized.Header.Get(RequestIDHeader)),
			zap.Error(renewErr))
		return response, nil
	}

	retry := authorized.Clone(withRetried(ctx))
	if replayable.GetBody != nil {
		body, bodyErr := replayable.GetBody()
		if bodyErr != nil {
			return response, nil
		}
		retry.Body = body
	}
	_, _ = io.Copy(io.Discard, response.Body)
	_ = response.Body.Close()

	retry.Header.Set("Authorization", "Bearer "+renewedToken)
	transport.metrics.Increment(EventRequestRetried)
	transport.logger.Debug("retrying request with renewed token",
		zap.String("code", "authclient.transport.retry"),
		zap.String("request_id", retry.Header.Get(RequestIDHeader)))
	return transport.base.RoundTrip(retry)
}

// withReplayableBody returns a clone whose body can be produced again for a retry.
func withReplayableBody(request *http.Request) (*http.Request, error) {
	clone := request.Clone(request.Context())
	if request.Body == nil || request.Body == http.NoBody || request.GetBody != nil {
		return clone, nil
	}
	payload, readErr := io.ReadAll(request.Body)
	_ = request.Body.Close()
	if readErr != nil {
		return nil, readErr
	}
	clone.Body = io.NopCloser(bytes.NewReader(payload))
	clone.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	clone.ContentLength = int64(len(payload))
	return clone, nil
}
