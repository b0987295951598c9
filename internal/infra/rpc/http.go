package rpc

import (
	"context"
	"fmt"
	"net/http"

	"github.com/astro-web3/gateway-authz/internal/domain/authz"
	"github.com/astro-web3/gateway-authz/internal/infra/registry"
	httpclient "github.com/astro-web3/gateway-authz/pkg/http"
)

// errorBody matches the JSON error envelope of connect and of the gateway.
type errorBody struct {
	Code    any    `json:"code"`
	Message string `json:"message"`
}

type httpCaller struct {
	resolver registry.Resolver
}

// NewHTTPCaller posts params as JSON to <endpoint>/<service>/<method>. The
// wire format matches connect's JSON unary protocol.
func NewHTTPCaller(resolver registry.Resolver) Caller {
	return &httpCaller{resolver: resolver}
}

func (c *httpCaller) Call(
	ctx context.Context,
	action string,
	params map[string]any,
	call *authz.CallContext,
) (map[string]any, error) {
	service, method, err := SplitAction(action)
	if err != nil {
		return nil, err
	}

	endpoint, err := c.resolver.Endpoint(ctx, service)
	if err != nil {
		return nil, err
	}

	headers, err := callHeaders(call)
	if err != nil {
		return nil, err
	}

	body := params
	if body == nil {
		body = map[string]any{}
	}

	opts := []httpclient.RequestOption{httpclient.WithBody(body)}
	for k, v := range headers {
		opts = append(opts, httpclient.WithHeader(k, v))
	}

	var result map[string]any
	var errResult errorBody
	opts = append(opts, httpclient.WithResult(&result, &errResult))

	resp, err := httpclient.Post(ctx, endpoint+Procedure(service, method), opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCallFailed, action, err)
	}
	if resp.IsError() {
		return nil, &RemoteError{
			Action:   action,
			Code:     fmt.Sprint(errResult.Code),
			Status:   resp.StatusCode(),
			Message:  errResult.Message,
			Rejected: resp.StatusCode() < http.StatusInternalServerError,
		}
	}

	if result == nil {
		result = map[string]any{}
	}
	return result, nil
}
