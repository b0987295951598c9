package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"sort"
	"strings"

	authzapp "github.com/astro-web3/gateway-authz/internal/app/authz"
	"github.com/astro-web3/gateway-authz/internal/config"
	"github.com/astro-web3/gateway-authz/internal/domain/authz"
	"github.com/astro-web3/gateway-authz/internal/infra/registry"
	"github.com/astro-web3/gateway-authz/internal/infra/rpc"
	"github.com/astro-web3/gateway-authz/pkg/logger"
	"github.com/astro-web3/gateway-authz/pkg/metrics"
	"github.com/astro-web3/gateway-authz/pkg/tracer"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

const callKey = "call"

// ErrorResponse is the JSON body of every error the gateway answers with.
type ErrorResponse struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Code    int    `json:"code"`
	Type    string `json:"type,omitempty"`
}

// Unauthorized is sent for every denied request, whatever the reason.
var Unauthorized = ErrorResponse{
	Name:    "UnAuthorizedError",
	Message: "Unauthorized",
	Code:    http.StatusUnauthorized,
	Type:    "INVALID_TOKEN",
}

var (
	errNotFound = ErrorResponse{
		Name:    "NotFoundError",
		Message: "Not found",
		Code:    http.StatusNotFound,
		Type:    "NOT_FOUND",
	}
	errServiceNotFound = ErrorResponse{
		Name:    "ServiceNotFoundError",
		Message: "Service not found",
		Code:    http.StatusNotFound,
		Type:    "SERVICE_NOT_FOUND",
	}
	errInvalidBody = ErrorResponse{
		Name:    "BadRequestError",
		Message: "Invalid request body",
		Code:    http.StatusBadRequest,
		Type:    "INVALID_REQUEST_BODY",
	}
	errServiceUnavailable = ErrorResponse{
		Name:    "ServiceUnavailableError",
		Message: "Service unavailable",
		Code:    http.StatusServiceUnavailable,
		Type:    "SERVICE_UNAVAILABLE",
	}
)

// rejectionStatus maps connect error codes onto HTTP statuses.
var rejectionStatus = map[string]int{
	"invalid_argument":    http.StatusBadRequest,
	"not_found":           http.StatusNotFound,
	"already_exists":      http.StatusConflict,
	"permission_denied":   http.StatusForbidden,
	"failed_precondition": http.StatusBadRequest,
	"out_of_range":        http.StatusBadRequest,
	"unauthenticated":     http.StatusUnauthorized,
}

type Handler struct {
	appService authzapp.Service
	caller     rpc.Caller
	metrics    *metrics.Metrics
}

func NewHandler(appService authzapp.Service, caller rpc.Caller, m *metrics.Metrics) *Handler {
	return &Handler{
		appService: appService,
		caller:     caller,
		metrics:    m,
	}
}

// Authorize is the middleware of routes with authorization enabled.
func (h *Handler) Authorize(c *gin.Context) {
	if !h.authorize(c) {
		return
	}
	c.Next()
}

func (h *Handler) authorize(c *gin.Context) bool {
	ctx, span := tracer.Start(c.Request.Context(), "transport.http.Authorize")
	defer span.End()

	if err := h.appService.Authorize(ctx, callContext(c), c.Request.Header); err != nil {
		logger.WarnContext(ctx, "authorization denied",
			slog.String("path", c.Request.URL.Path),
			slog.String("reason", err.Error()),
		)
		c.AbortWithStatusJSON(http.StatusUnauthorized, Unauthorized)
		return false
	}

	return true
}

// Dispatch calls action with the request params and the call context built
// by Authorize, and answers with the action result.
func (h *Handler) Dispatch(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h.dispatch(c, action)
	}
}

func (h *Handler) dispatch(c *gin.Context, action string) {
	ctx, span := tracer.Start(c.Request.Context(), "transport.http.Dispatch")
	defer span.End()

	span.SetAttributes(attribute.String("gateway.action", action))

	params, err := requestParams(c)
	if err != nil {
		logger.DebugContext(ctx, "invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, errInvalidBody)
		return
	}

	result, err := h.caller.Call(ctx, action, params, callContext(c))
	if err != nil {
		span.RecordError(err)
		status, body := dispatchError(err)
		if status != http.StatusNotFound {
			h.metrics.ObserveDispatch(action, err)
		}
		logger.WarnContext(ctx, "action failed",
			slog.String("action", action),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
		c.JSON(status, body)
		return
	}

	h.metrics.ObserveDispatch(action, nil)
	c.JSON(http.StatusOK, result)
}

type autoRoute struct {
	prefix        string
	authorization bool
}

// AutoAlias serves routes configured without aliases: /<prefix>/a/b/c calls
// action a.b.c. It is installed as the NoRoute handler.
func (h *Handler) AutoAlias(routes []config.Route) gin.HandlerFunc {
	var auto []autoRoute
	for _, r := range routes {
		if len(r.Aliases) > 0 {
			continue
		}
		auto = append(auto, autoRoute{
			prefix:        strings.TrimSuffix(r.Path, "/"),
			authorization: r.Authorization,
		})
	}
	sort.SliceStable(auto, func(i, j int) bool {
		return len(auto[i].prefix) > len(auto[j].prefix)
	})

	return func(c *gin.Context) {
		route, action, ok := matchAutoRoute(auto, c.Request.URL.Path)
		if !ok {
			c.JSON(http.StatusNotFound, errNotFound)
			return
		}

		if route.authorization && !h.authorize(c) {
			return
		}
		h.dispatch(c, action)
	}
}

func matchAutoRoute(routes []autoRoute, path string) (autoRoute, string, bool) {
	for _, r := range routes {
		rest, ok := strings.CutPrefix(path, r.prefix)
		if !ok || (rest != "" && rest[0] != '/') {
			continue
		}

		segments := strings.FieldsFunc(rest, func(c rune) bool { return c == '/' })
		if len(segments) < 2 {
			continue
		}
		return r, strings.Join(segments, "."), true
	}

	return autoRoute{}, "", false
}

func callContext(c *gin.Context) *authz.CallContext {
	if v, ok := c.Get(callKey); ok {
		if call, ok := v.(*authz.CallContext); ok {
			return call
		}
	}

	call := &authz.CallContext{RequestID: c.GetString(requestIDKey)}
	c.Set(callKey, call)
	return call
}

// requestParams merges query values, path params and a JSON object body,
// later sources winning.
func requestParams(c *gin.Context) (map[string]any, error) {
	params := map[string]any{}

	for key, values := range c.Request.URL.Query() {
		if len(values) == 1 {
			params[key] = values[0]
		} else {
			params[key] = values
		}
	}

	for _, p := range c.Params {
		params[p.Key] = p.Value
	}

	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return params, nil
	}

	var body map[string]any
	if err := json.NewDecoder(c.Request.Body).Decode(&body); err != nil {
		if errors.Is(err, io.EOF) {
			return params, nil
		}
		return nil, err
	}
	maps.Copy(params, body)

	return params, nil
}

func dispatchError(err error) (int, ErrorResponse) {
	var remote *rpc.RemoteError

	switch {
	case errors.Is(err, registry.ErrServiceNotFound), errors.Is(err, rpc.ErrInvalidAction):
		return http.StatusNotFound, errServiceNotFound
	case errors.As(err, &remote) && remote.Rejected:
		status := remote.Status
		if status == 0 {
			status = rejectionStatus[remote.Code]
		}
		if status == 0 {
			status = http.StatusBadRequest
		}
		return status, ErrorResponse{
			Name:    "RequestRejectedError",
			Message: remote.Message,
			Code:    status,
			Type:    strings.ToUpper(remote.Code),
		}
	default:
		return http.StatusServiceUnavailable, errServiceUnavailable
	}
}
