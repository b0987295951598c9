package authz

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/astro-web3/gateway-authz/internal/domain/authz"
	"github.com/astro-web3/gateway-authz/pkg/metrics"
	"github.com/astro-web3/gateway-authz/pkg/tracer"
	"go.opentelemetry.io/otel/attribute"
)

type Service interface {
	// Authorize returns nil when the request may be dispatched. On allow the
	// verified claims are merged into call.Meta. Denials wrap authz.ErrUnauthorized.
	Authorize(ctx context.Context, call *authz.CallContext, header http.Header) error
}

type service struct {
	domainService authz.Service
	metrics       *metrics.Metrics
}

func NewService(domainService authz.Service, m *metrics.Metrics) Service {
	return &service{
		domainService: domainService,
		metrics:       m,
	}
}

func (s *service) Authorize(ctx context.Context, call *authz.CallContext, header http.Header) error {
	ctx, span := tracer.Start(ctx, "app.authz.Authorize")
	defer span.End()

	if call == nil {
		call = &authz.CallContext{}
	}

	start := time.Now()
	decision := s.domainService.Authorize(ctx, call, header)
	s.metrics.ObserveDecision(string(decision.Class), decision.Allow, time.Since(start))

	span.SetAttributes(
		attribute.String("authz.token_class", string(decision.Class)),
		attribute.String("authz.token_type", decision.Type),
	)

	if !decision.Allow {
		span.SetAttributes(
			attribute.Bool("authz.allowed", false),
			attribute.String("authz.reason", decision.Reason),
		)
		return fmt.Errorf("%w: %s", authz.ErrUnauthorized, decision.Reason)
	}

	span.SetAttributes(attribute.Bool("authz.allowed", true))
	return nil
}
