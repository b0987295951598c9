package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"connectrpc.com/connect"
	authzapp "github.com/astro-web3/gateway-authz/internal/app/authz"
	"github.com/astro-web3/gateway-authz/internal/domain/authz"
	"github.com/astro-web3/gateway-authz/pkg/logger"
	"github.com/astro-web3/gateway-authz/pkg/tracer"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServicePath    = "/gateway.v1.AuthorizationService/"
	CheckProcedure = ServicePath + "Check"
)

var errUnauthorized = errors.New("Unauthorized") //nolint:staticcheck // wire message

type Handler struct {
	appService authzapp.Service
}

func NewHandler(appService authzapp.Service) *Handler {
	return &Handler{
		appService: appService,
	}
}

// Check authorizes the request described by {headers:{...}} and answers
// {allowed:true, meta:{...}} or CodeUnauthenticated.
func (h *Handler) Check(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	ctx, span := tracer.Start(ctx, "transport.grpc.Check")
	defer span.End()

	header := requestHeader(req.Msg)
	call := &authz.CallContext{RequestID: header.Get("X-Request-ID")}

	if err := h.appService.Authorize(ctx, call, header); err != nil {
		span.SetAttributes(attribute.Bool("authz.allowed", false))
		logger.WarnContext(ctx, "authorization denied", slog.String("reason", err.Error()))
		return nil, connect.NewError(connect.CodeUnauthenticated, errUnauthorized)
	}

	span.SetAttributes(attribute.Bool("authz.allowed", true))

	meta, err := metaValue(call.Meta)
	if err != nil {
		span.RecordError(err)
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	msg, err := structpb.NewStruct(map[string]any{
		"allowed": true,
		"meta":    meta,
	})
	if err != nil {
		span.RecordError(err)
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	return connect.NewResponse(msg), nil
}

func requestHeader(msg *structpb.Struct) http.Header {
	header := http.Header{}

	fields := msg.GetFields()["headers"].GetStructValue().GetFields()
	for key, value := range fields {
		if list := value.GetListValue(); list != nil {
			for _, v := range list.GetValues() {
				header.Add(key, v.GetStringValue())
			}
			continue
		}
		header.Set(key, value.GetStringValue())
	}

	return header
}

func metaValue(meta authz.Meta) (map[string]any, error) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal meta: %w", err)
	}

	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal meta: %w", err)
	}
	return out, nil
}
