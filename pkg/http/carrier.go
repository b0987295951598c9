package http

import (
	"context"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func injectTracingHeaders(ctx context.Context, request *resty.Request) {
	propagator := otel.GetTextMapPropagator()
	if propagator == nil {
		return
	}
	if request.Header == nil {
		request.Header = make(map[string][]string)
	}
	propagator.Inject(ctx, propagation.HeaderCarrier(request.Header))
}
