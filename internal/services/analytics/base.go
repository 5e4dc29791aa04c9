package analytics

import (
	"context"
	"fmt"
	"time"

	xhttp "RegimeTrader/pkg/http"
	"RegimeTrader/pkg/retry"
)

// HTTPServiceBase is the shared client for remote model services.
type HTTPServiceBase struct {
	baseURL string
	client  *xhttp.Client
}

func NewHTTPServiceBase(baseURL string, timeout time.Duration) *HTTPServiceBase {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPServiceBase{
		baseURL: baseURL,
		client:  xhttp.NewClient(xhttp.WithTimeout(timeout)),
	}
}

// PostJSON posts the given payload to `path` under baseURL and decodes JSON into dest.
func (b *HTTPServiceBase) PostJSON(ctx context.Context, path string, payload interface{}, dest interface{}) error {
	if b.client == nil || b.baseURL == "" {
		return fmt.Errorf("model http client not initialized")
	}
	err := b.client.SendAndParse(ctx, &xhttp.RequestOptions{
		Method: xhttp.MethodPost,
		URL:    b.baseURL + path,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
		Body: payload,
	}, dest)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	return nil
}

// PostJSONWithRetry posts JSON with up to `attempts` tries; 4xx responses are not retried.
func (b *HTTPServiceBase) PostJSONWithRetry(ctx context.Context, path string, payload interface{}, dest interface{}, attempts int) error {
	p := retry.Policy{
		MaxAttempts: attempts,
		BaseBackoff: 50 * time.Millisecond,
		MaxBackoff:  time.Second,
		Retryable:   xhttp.IsTransient,
	}
	return p.Do(ctx, func(ctx context.Context) error {
		return b.PostJSON(ctx, path, payload, dest)
	}, nil)
}
