package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/astro-web3/gateway-authz/internal/domain/authz"
)

const (
	HeaderMeta      = "X-Gateway-Meta"
	HeaderRequestID = "X-Request-ID"
)

var (
	ErrInvalidAction = errors.New("invalid action name")
	ErrCallFailed    = errors.New("remote call failed")
)

// Caller invokes an action ("<service>.<method>") on a remote service.
// call may be nil; when set its meta and request id travel with the request.
type Caller interface {
	Call(ctx context.Context, action string, params map[string]any, call *authz.CallContext) (map[string]any, error)
}

// SplitAction splits "v1.users.resolveToken" into "v1.users" and "resolveToken".
func SplitAction(action string) (service, method string, err error) {
	idx := strings.LastIndex(action, ".")
	if idx <= 0 || idx == len(action)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	return action[:idx], action[idx+1:], nil
}

// Procedure is the HTTP path an action is served on.
func Procedure(service, method string) string {
	return "/" + service + "/" + method
}

// EncodeMeta serializes call meta for the HeaderMeta header.
func EncodeMeta(meta authz.Meta) (string, error) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to marshal meta: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// normalize converts params into plain JSON values so that they fit structpb.
func normalize(params map[string]any) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}

	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}
	return out, nil
}

func callHeaders(call *authz.CallContext) (map[string]string, error) {
	headers := map[string]string{}
	if call == nil {
		return headers, nil
	}

	meta, err := EncodeMeta(call.Meta)
	if err != nil {
		return nil, err
	}
	headers[HeaderMeta] = meta
	if call.RequestID != "" {
		headers[HeaderRequestID] = call.RequestID
	}
	return headers, nil
}
