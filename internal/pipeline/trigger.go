package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/andresmejia3/facestage/internal/types"
)

// InvocationTypeHeader marks an HTTP invocation as fire-and-forget when set to "Event".
const InvocationTypeHeader = "X-Invocation-Type"

// InvokeFunc runs the resolver stage for a payload.
type InvokeFunc func(ctx context.Context, p types.InvokePayload) types.Response

// LocalTrigger runs invocations asynchronously in-process. The caller does not wait for
// the outcome, which is logged.
type LocalTrigger struct {
	fn     InvokeFunc
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewLocalTrigger(fn InvokeFunc, logger *slog.Logger) *LocalTrigger {
	return &LocalTrigger{fn: fn, logger: logger}
}

func (t *LocalTrigger) Invoke(ctx context.Context, p types.InvokePayload) error {
	if _, err := p.Ref(); err != nil {
		return err
	}
	// The invocation outlives the caller, so it must not inherit its cancellation.
	bg := context.WithoutCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		resp := t.fn(bg, p)
		if resp.StatusCode != http.StatusOK {
			t.logger.Warn("async invocation failed", "key", p.ImageFileName, "kind", resp.Kind, "message", resp.Message)
		}
	}()
	return nil
}

// Wait blocks until every invocation started so far has finished.
func (t *LocalTrigger) Wait() { t.wg.Wait() }

// HTTPTrigger posts the payload to a resolver service's /invoke/resolve endpoint.
type HTTPTrigger struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewHTTPTrigger targets baseURL. perSecond <= 0 disables rate limiting.
func NewHTTPTrigger(baseURL string, perSecond float64, logger *slog.Logger) *HTTPTrigger {
	limit := rate.Inf
	burst := 1
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = max(1, int(perSecond))
	}
	return &HTTPTrigger{
		url:     strings.TrimRight(baseURL, "/") + "/invoke/resolve",
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

func (t *HTTPTrigger) Invoke(ctx context.Context, p types.InvokePayload) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(InvocationTypeHeader, "Event")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("resolver returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	t.logger.Debug("resolver invoked", "key", p.ImageFileName, "status", resp.StatusCode)
	return nil
}
