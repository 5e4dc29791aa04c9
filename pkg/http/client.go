package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	MethodGet    = http.MethodGet
	MethodPost   = http.MethodPost
	MethodPut    = http.MethodPut
	MethodDelete = http.MethodDelete
)

const formContentType = "application/x-www-form-urlencoded"

// RequestOptions describes one outbound call.
type RequestOptions struct {
	Method      string
	URL         string
	Headers     map[string]string
	QueryParams map[string][]string
	Body        interface{}
}

// Client is a thin JSON client over resty. It never retries; callers decide
// with IsTransient.
type Client struct {
	r *resty.Client
}

type ClientOption func(*resty.Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(r *resty.Client) { r.SetTimeout(timeout) }
}

// WithUserAgent sets the User-Agent header on every request.
func WithUserAgent(ua string) ClientOption {
	return func(r *resty.Client) { r.SetHeader("User-Agent", ua) }
}

func NewClient(opts ...ClientOption) *Client {
	r := resty.New().
		SetTimeout(30 * time.Second).
		SetRetryCount(0).
		SetHeader("User-Agent", "regimetrader")
	for _, opt := range opts {
		opt(r)
	}
	return &Client{r: r}
}

// SendAndParse executes the request and decodes a 2xx body into dest.
// dest may be nil, *[]byte, an io.Writer, or anything encoding/json accepts.
// Non-2xx responses come back as *StatusError.
func (c *Client) SendAndParse(ctx context.Context, opts *RequestOptions, dest interface{}) error {
	req := c.r.R().SetContext(ctx).SetHeaders(opts.Headers)
	if len(opts.QueryParams) > 0 {
		req.SetQueryParamsFromValues(url.Values(opts.QueryParams))
	}
	if err := setBody(req, opts); err != nil {
		return err
	}

	resp, err := req.Execute(opts.Method, opts.URL)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if !resp.IsSuccess() {
		body := resp.Body()
		if len(body) > 4096 {
			body = body[:4096]
		}
		return &StatusError{Code: resp.StatusCode(), Body: string(body)}
	}

	switch v := dest.(type) {
	case nil:
		return nil
	case *[]byte:
		*v = resp.Body()
	case io.Writer:
		if _, err := v.Write(resp.Body()); err != nil {
			return fmt.Errorf("copy body: %w", err)
		}
	default:
		if err := json.Unmarshal(resp.Body(), dest); err != nil {
			return fmt.Errorf("decode json: %w", err)
		}
	}
	return nil
}

func setBody(req *resty.Request, opts *RequestOptions) error {
	if opts.Body == nil {
		return nil
	}
	if form, ok := opts.Body.(map[string]string); ok && opts.Headers["Content-Type"] == formContentType {
		req.SetFormData(form)
		return nil
	}
	switch v := opts.Body.(type) {
	case []byte, string, io.Reader:
		req.SetBody(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal json: %w", err)
		}
		req.SetBody(b)
	}
	if req.Header.Get("Content-Type") == "" {
		req.SetHeader("Content-Type", "application/json")
	}
	return nil
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// IsTransient reports whether err is worth retrying: transport failures,
// 5xx and 429 are; other 4xx and caller cancellation are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	return true
}
