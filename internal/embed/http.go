package embed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	qaerrors "github.com/supnum/qarag/internal/errors"
)

// maxErrorBody bounds how much of an error response is kept in the message.
const maxErrorBody = 512

// httpCaller performs JSON POSTs against an embedding API with a per-attempt
// timeout, an optional request rate limit and retry on transient failures.
type httpCaller struct {
	provider string
	client   *http.Client
	limiter  *rate.Limiter
	timeout  time.Duration
	retry    qaerrors.RetryConfig
	headers  map[string]string
}

func newHTTPCaller(provider string, timeout time.Duration, maxRetries int, requestsPerSecond float64) *httpCaller {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	return &httpCaller{
		provider: provider,
		// No client-wide Timeout: each attempt gets its own context deadline.
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		limiter: rate.NewLimiter(limit, 1),
		timeout: timeout,
		retry:   qaerrors.ProviderRetryConfig(maxRetries),
		headers: map[string]string{},
	}
}

// postJSON sends body to url and returns the response body of a 2xx reply.
func (c *httpCaller) postJSON(ctx context.Context, url string, body []byte) ([]byte, error) {
	attempt := 0
	return qaerrors.RetryWithResult(ctx, c.retry, func() ([]byte, error) {
		attempt++
		data, err := c.doOnce(ctx, url, body)
		if err != nil {
			slog.Debug("embedding_attempt_failed",
				slog.String("provider", c.provider),
				slog.Int("attempt", attempt),
				slog.Bool("retryable", qaerrors.IsRetryable(err)),
				slog.String("error", err.Error()))
		}
		return data, err
	})
}

func (c *httpCaller) doOnce(ctx context.Context, url string, body []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, qaerrors.ProviderPermanent(fmt.Sprintf("%s: build request", c.provider), err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, qaerrors.ProviderTransient(fmt.Sprintf("%s: request failed", c.provider), err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, qaerrors.ProviderTransient(fmt.Sprintf("%s: read response", c.provider), err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(c.provider, resp.StatusCode, data)
	}
	return data, nil
}

func (c *httpCaller) close() {
	if t, ok := c.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}

// classifyStatus maps an HTTP error status to the provider error taxonomy.
// 429 and 5xx are transient; every other 4xx is permanent.
func classifyStatus(provider string, status int, body []byte) error {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > maxErrorBody {
		snippet = snippet[:maxErrorBody]
	}

	var reason string
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		reason = "unauthorized"
	case status == http.StatusNotFound:
		reason = "not found"
	case status == http.StatusTooManyRequests:
		reason = "rate limited"
	case status >= 500:
		reason = "server error"
	default:
		reason = "bad request"
	}

	msg := fmt.Sprintf("%s: %s (status %d): %s", provider, reason, status, snippet)
	var err *qaerrors.QAError
	if status == http.StatusTooManyRequests || status >= 500 {
		err = qaerrors.ProviderTransient(msg, nil)
	} else {
		err = qaerrors.ProviderPermanent(msg, nil)
		if reason == "unauthorized" {
			err.WithSuggestion("Check the embedding API token (HF_TOKEN or embeddings.token)")
		}
	}
	return err.WithDetail("status", fmt.Sprint(status)).WithDetail("provider", provider)
}

// isContextErr reports cancellation or deadline errors from the caller's context.
func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// classifyDecodeError reports a 2xx body that does not have the expected
// shape. Repeating the request would not change it.
func classifyDecodeError(provider string, err error) error {
	return qaerrors.ProviderPermanent(provider+": unexpected response shape", err).
		WithDetail("provider", provider)
}
