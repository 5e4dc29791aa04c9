package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"RegimeTrader/internal/domain/models"
)

// HTTPSink posts events one by one to the collection server.
// Retrying is the emitter's job, so the resty client never retries on its own.
type HTTPSink struct {
	client *resty.Client
}

func NewHTTPSink(baseURL, nodeID string, timeout time.Duration) *HTTPSink {
	baseURL = strings.TrimSuffix(strings.TrimRight(baseURL, "/"), "/collect")
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Node-ID", nodeID)
	return &HTTPSink{client: client}
}

// Send stops at the first event the server does not accept and returns how many went through.
func (s *HTTPSink) Send(ctx context.Context, batch []models.TelemetryEvent) (int, error) {
	for i, ev := range batch {
		resp, err := s.client.R().
			SetContext(ctx).
			SetBody(ev).
			Post(endpoint(ev.Kind))
		if err != nil {
			return i, &TelemetryError{Sink: "http", Kind: ev.Kind, Accepted: i, Total: len(batch), Err: err}
		}
		if resp.StatusCode() != http.StatusOK {
			return i, &TelemetryError{
				Sink:     "http",
				Kind:     ev.Kind,
				Accepted: i,
				Total:    len(batch),
				Err:      fmt.Errorf("status %d", resp.StatusCode()),
			}
		}
	}
	return len(batch), nil
}

// Ping checks that the collector answers.
func (s *HTTPSink) Ping(ctx context.Context) error {
	resp, err := s.client.R().SetContext(ctx).SetBody(map[string]interface{}{"test": true}).Post("/ping")
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("collector ping: status %d", resp.StatusCode())
	}
	return nil
}

func (s *HTTPSink) Close() error { return nil }
