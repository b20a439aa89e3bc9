package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"chronoplan/internal/domain"
)

// Config describes the callback endpoint of one feature module.
type Config struct {
	URL        string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
	Headers    map[string]string
}

// Executor delivers a task payload to a feature module over HTTP.
type Executor struct {
	module  domain.SourceModule
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
}

// Request is the body POSTed to the callback URL.
type Request struct {
	Module  domain.SourceModule `json:"module"`
	Payload domain.Payload      `json:"payload"`
	SentAt  time.Time           `json:"sent_at"`
}

// Response is the optional JSON body a callback may return.
type Response struct {
	Outcome domain.Outcome `json:"outcome"`
	Error   string         `json:"error,omitempty"`
}

func New(module domain.SourceModule, cfg Config) (*Executor, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook for %s: URL is required", module)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	e := &Executor{module: module, cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RatePerSec)
			if burst < 1 {
				burst = 1
			}
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return e, nil
}

func (e *Executor) Execute(ctx context.Context, p domain.Payload) (domain.Outcome, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return domain.OutcomeTimeout, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	body, err := json.Marshal(Request{Module: e.module, Payload: p, SentAt: time.Now().UTC()})
	if err != nil {
		return domain.OutcomeFailure, domain.NoRetry(fmt.Errorf("encode payload: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return domain.OutcomeFailure, domain.NoRetry(fmt.Errorf("failed to create HTTP request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range e.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return domain.OutcomeTimeout, fmt.Errorf("HTTP request failed: %w", err)
		}
		return domain.OutcomeFailure, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return domain.OutcomeFailure, fmt.Errorf("failed to read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusAlreadyReported:
		return domain.OutcomeSkipped, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var r Response
		if len(respBody) > 0 && json.Unmarshal(respBody, &r) == nil && r.Outcome == domain.OutcomeSkipped {
			return domain.OutcomeSkipped, nil
		}
		return domain.OutcomeSuccess, nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return domain.OutcomeTimeout, fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return domain.OutcomeFailure, fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	default:
		// The callback refused this payload; retrying cannot help.
		return domain.OutcomeFailure, domain.NoRetry(fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody)))
	}
}
