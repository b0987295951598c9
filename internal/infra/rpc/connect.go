package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"connectrpc.com/connect"
	"github.com/astro-web3/gateway-authz/internal/domain/authz"
	"github.com/astro-web3/gateway-authz/internal/infra/registry"
	"github.com/astro-web3/gateway-authz/pkg/logger"
	"github.com/astro-web3/gateway-authz/pkg/tracer"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/types/known/structpb"
)

type connectCaller struct {
	httpClient connect.HTTPClient
	resolver   registry.Resolver
}

// NewConnectCaller calls actions as connect unary procedures carrying
// google.protobuf.Struct messages encoded as JSON.
func NewConnectCaller(httpClient connect.HTTPClient, resolver registry.Resolver) Caller {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &connectCaller{
		httpClient: httpClient,
		resolver:   resolver,
	}
}

func (c *connectCaller) Call(
	ctx context.Context,
	action string,
	params map[string]any,
	call *authz.CallContext,
) (map[string]any, error) {
	ctx, span := tracer.Start(ctx, "rpc.Call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.system", "connect"),
			attribute.String("rpc.action", action),
		),
	)
	defer span.End()

	service, method, err := SplitAction(action)
	if err != nil {
		return nil, err
	}

	endpoint, err := c.resolver.Endpoint(ctx, service)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	plain, err := normalize(params)
	if err != nil {
		return nil, err
	}
	msg, err := structpb.NewStruct(plain)
	if err != nil {
		return nil, fmt.Errorf("failed to build request message: %w", err)
	}

	headers, err := callHeaders(call)
	if err != nil {
		return nil, err
	}

	client := connect.NewClient[structpb.Struct, structpb.Struct](
		c.httpClient,
		endpoint+Procedure(service, method),
		connect.WithProtoJSON(),
	)

	req := connect.NewRequest(msg)
	for k, v := range headers {
		req.Header().Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header()))

	resp, err := client.CallUnary(ctx, req)
	if err != nil {
		span.RecordError(err)
		logger.DebugContext(ctx, "remote call failed",
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
		return nil, fromConnectError(action, err)
	}

	return resp.Msg.AsMap(), nil
}

var rejectionCodes = map[connect.Code]struct{}{
	connect.CodeInvalidArgument:    {},
	connect.CodeNotFound:           {},
	connect.CodeAlreadyExists:      {},
	connect.CodePermissionDenied:   {},
	connect.CodeFailedPrecondition: {},
	connect.CodeOutOfRange:         {},
	connect.CodeUnauthenticated:    {},
}

func fromConnectError(action string, err error) error {
	var connectErr *connect.Error
	if !errors.As(err, &connectErr) {
		return fmt.Errorf("%w: %s: %w", ErrCallFailed, action, err)
	}

	_, rejected := rejectionCodes[connectErr.Code()]
	return &RemoteError{
		Action:   action,
		Code:     connectErr.Code().String(),
		Message:  connectErr.Message(),
		Rejected: rejected,
	}
}
