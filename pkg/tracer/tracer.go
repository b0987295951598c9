package tracer

import (
	"context"
	"sync"

	"github.com/astro-web3/gateway-authz/pkg/otel"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	defaultTracer trace.Tracer
	initOnce      sync.Once
	errInit       error
)

// InitTracer installs the process-wide tracer. Only the first call has effect.
func InitTracer(serviceName string, cfg otel.Config) error {
	initOnce.Do(func() {
		cfg.ServiceName = serviceName
		t, err := otel.InitTracer(cfg)
		if err != nil {
			errInit = err
			return
		}

		defaultTracer = t
	})

	return errInit
}

// Start opens a span on the installed tracer, or a noop span before InitTracer.
func Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	if defaultTracer == nil {
		return noop.NewTracerProvider().Tracer("noop").Start(ctx, spanName, opts...)
	}

	return defaultTracer.Start(ctx, spanName, opts...)
}
