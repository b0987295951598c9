package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/astro-web3/gateway-authz/pkg/tracer"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultTimeout = 10 * time.Second
	// DefaultRetry is zero: calls carrying authorization decisions must not be replayed.
	DefaultRetry = 0
)

var (
	//nolint:gochecknoglobals // Global HTTP client is intentional for application-wide requests
	client *resty.Client
	//nolint:gochecknoglobals // Guards client replacement by Configure
	clientMu sync.Mutex
)

func newClient(timeout time.Duration, retries int) *resty.Client {
	return resty.New().
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
}

// Configure replaces the shared client. Call it once at startup.
func Configure(timeout time.Duration, retries int) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if retries < 0 {
		retries = DefaultRetry
	}

	clientMu.Lock()
	defer clientMu.Unlock()
	client = newClient(timeout, retries)
}

// Client returns the shared HTTP client instance.
func Client() *resty.Client {
	clientMu.Lock()
	defer clientMu.Unlock()
	if client == nil {
		client = newClient(DefaultTimeout, DefaultRetry)
	}
	return client
}

type RequestOption func(*resty.Request)

func WithBody(body any) RequestOption {
	return func(r *resty.Request) {
		r.SetBody(body)
	}
}

// WithResult decodes 2xx bodies into result and error bodies into errResult.
func WithResult(result, errResult any) RequestOption {
	return func(r *resty.Request) {
		if result != nil {
			r.SetResult(result)
		}
		if errResult != nil {
			r.SetError(errResult)
		}
	}
}

func WithHeader(key, value string) RequestOption {
	return func(r *resty.Request) {
		if value != "" {
			r.SetHeader(key, value)
		}
	}
}

func Request(ctx context.Context, method, url string, opts ...RequestOption) (*resty.Response, error) {
	ctx, span := startClientSpan(ctx, "http.Request", method, url)
	defer span.End()

	request := Client().R().SetContext(ctx)

	for _, opt := range opts {
		opt(request)
	}

	injectTracingHeaders(ctx, request)

	resp, err := request.Execute(method, url)

	recordSpan(span, resp, err)
	return resp, err
}

func Post(ctx context.Context, url string, opts ...RequestOption) (*resty.Response, error) {
	return Request(ctx, http.MethodPost, url, opts...)
}

func startClientSpan(ctx context.Context, spanName, method, url string) (context.Context, trace.Span) {
	return tracer.Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.url", url),
		),
	)
}

func recordSpan(span trace.Span, resp *resty.Response, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	if resp == nil {
		return
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode()))
	if resp.IsError() {
		span.SetStatus(codes.Error, resp.Status())
		return
	}
	span.SetStatus(codes.Ok, "")
}
