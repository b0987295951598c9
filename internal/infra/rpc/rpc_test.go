package rpc_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/astro-web3/gateway-authz/internal/domain/authz"
	"github.com/astro-web3/gateway-authz/internal/infra/registry"
	"github.com/astro-web3/gateway-authz/internal/infra/rpc"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

type unaryFunc func(context.Context, *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error)

func newBackend(t *testing.T, handlers map[string]unaryFunc) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	for procedure, fn := range handlers {
		mux.Handle(procedure, connect.NewUnaryHandler(procedure, fn))
	}

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// decodeMeta reads the X-Gateway-Meta header the way a backend node does.
func decodeMeta(value string) (authz.Meta, error) {
	var meta authz.Meta
	if value == "" {
		return meta, nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return meta, err
	}
	err = json.Unmarshal(raw, &meta)
	return meta, err
}

func reply(t *testing.T, v map[string]any) *connect.Response[structpb.Struct] {
	t.Helper()

	msg, err := structpb.NewStruct(v)
	require.NoError(t, err)
	return connect.NewResponse(msg)
}

func callers(srv *httptest.Server) map[string]rpc.Caller {
	resolver := registry.NewStatic(map[string]string{"v1.users": srv.URL}, "")
	return map[string]rpc.Caller{
		"connect": rpc.NewConnectCaller(srv.Client(), resolver),
		"http":    rpc.NewHTTPCaller(resolver),
	}
}

func TestSplitAction(t *testing.T) {
	tests := []struct {
		action      string
		wantService string
		wantMethod  string
		wantErr     bool
	}{
		{action: "v1.users.resolveToken", wantService: "v1.users", wantMethod: "resolveToken"},
		{action: "agents.verify", wantService: "agents", wantMethod: "verify"},
		{action: "verify", wantErr: true},
		{action: ".verify", wantErr: true},
		{action: "users.", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			service, method, err := rpc.SplitAction(tt.action)
			if tt.wantErr {
				require.ErrorIs(t, err, rpc.ErrInvalidAction)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantService, service)
			assert.Equal(t, tt.wantMethod, method)
		})
	}
}

func TestMetaEncoding(t *testing.T) {
	meta := authz.Meta{
		User: &authz.Identity{ID: "xyz", Email: "test@test.de"},
		ACL:  &authz.ACL{AccessToken: "acl"},
	}

	encoded, err := rpc.EncodeMeta(meta)
	require.NoError(t, err)

	decoded, err := decodeMeta(encoded)
	require.NoError(t, err)
	assert.Equal(t, meta, decoded)

	empty, err := decodeMeta("")
	require.NoError(t, err)
	assert.Equal(t, authz.Meta{}, empty)

	_, err = decodeMeta("%%%")
	require.Error(t, err)
}

func TestCaller_Success(t *testing.T) {
	var gotToken, gotRequestID string
	var gotMeta authz.Meta

	srv := newBackend(t, map[string]unaryFunc{
		"/v1.users/me": func(_ context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
			gotToken = req.Msg.GetFields()["token"].GetStringValue()
			gotRequestID = req.Header().Get(rpc.HeaderRequestID)
			meta, err := decodeMeta(req.Header().Get(rpc.HeaderMeta))
			if err != nil {
				return nil, connect.NewError(connect.CodeInvalidArgument, err)
			}
			gotMeta = meta
			return reply(t, map[string]any{"action": "me", "count": 2}), nil
		},
	})

	for name, caller := range callers(srv) {
		t.Run(name, func(t *testing.T) {
			call := &authz.CallContext{
				RequestID: "req-1",
				Meta:      authz.Meta{User: &authz.Identity{ID: "xyz"}},
			}

			res, err := caller.Call(context.Background(), "v1.users.me", map[string]any{"token": "abc"}, call)
			require.NoError(t, err)

			assert.Equal(t, "me", res["action"])
			assert.EqualValues(t, 2, res["count"])
			assert.Equal(t, "abc", gotToken)
			assert.Equal(t, "req-1", gotRequestID)
			require.NotNil(t, gotMeta.User)
			assert.Equal(t, "xyz", gotMeta.User.ID)
		})
	}
}

func TestCaller_Rejection(t *testing.T) {
	srv := newBackend(t, map[string]unaryFunc{
		"/v1.users/resolveToken": func(context.Context, *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
			return nil, connect.NewError(connect.CodeUnauthenticated, errors.New("Unvalid token"))
		},
	})

	for name, caller := range callers(srv) {
		t.Run(name, func(t *testing.T) {
			_, err := caller.Call(context.Background(), "v1.users.resolveToken", map[string]any{"token": "abc"}, nil)
			require.ErrorIs(t, err, rpc.ErrCallFailed)
			assert.True(t, rpc.IsRejection(err))

			var remote *rpc.RemoteError
			require.ErrorAs(t, err, &remote)
			assert.Equal(t, "Unvalid token", remote.Message)
		})
	}
}

func TestCaller_InternalError(t *testing.T) {
	srv := newBackend(t, map[string]unaryFunc{
		"/v1.users/resolveToken": func(context.Context, *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
			return nil, connect.NewError(connect.CodeInternal, errors.New("db down"))
		},
	})

	for name, caller := range callers(srv) {
		t.Run(name, func(t *testing.T) {
			_, err := caller.Call(context.Background(), "v1.users.resolveToken", nil, nil)
			require.ErrorIs(t, err, rpc.ErrCallFailed)
			assert.False(t, rpc.IsRejection(err))
		})
	}
}

func TestCaller_Unreachable(t *testing.T) {
	srv := newBackend(t, nil)
	all := callers(srv)
	srv.Close()

	for name, caller := range all {
		t.Run(name, func(t *testing.T) {
			_, err := caller.Call(context.Background(), "v1.users.resolveToken", nil, nil)
			require.ErrorIs(t, err, rpc.ErrCallFailed)
			assert.False(t, rpc.IsRejection(err))
		})
	}
}

func TestCaller_UnknownService(t *testing.T) {
	srv := newBackend(t, nil)

	for name, caller := range callers(srv) {
		t.Run(name, func(t *testing.T) {
			_, err := caller.Call(context.Background(), "v1.agents.verify", nil, nil)
			require.ErrorIs(t, err, registry.ErrServiceNotFound)
		})
	}
}

type stubCaller struct {
	calls atomic.Int32
	fn    func(action string, params map[string]any) (map[string]any, error)
}

func (s *stubCaller) Call(_ context.Context, action string, params map[string]any, _ *authz.CallContext) (map[string]any, error) {
	s.calls.Add(1)
	return s.fn(action, params)
}

func TestVerifier(t *testing.T) {
	t.Run("identity resolver", func(t *testing.T) {
		stub := &stubCaller{fn: func(action string, params map[string]any) (map[string]any, error) {
			assert.Equal(t, "v1.users.resolveToken", action)
			assert.Equal(t, "tok", params["token"])
			return map[string]any{
				"user": map[string]any{"id": "xyz", "email": "test@test.de", "verified": true, "extra": "dropped"},
			}, nil
		}}

		claims, err := rpc.NewVerifier(stub, "v1.users.resolveToken", authz.ClassUser).Verify(context.Background(), "tok")
		require.NoError(t, err)

		identity, ok := claims.(*authz.Identity)
		require.True(t, ok)
		assert.Equal(t, authz.Identity{ID: "xyz", Email: "test@test.de", Verified: true}, *identity)
	})

	t.Run("service verifier", func(t *testing.T) {
		stub := &stubCaller{fn: func(action string, _ map[string]any) (map[string]any, error) {
			assert.Equal(t, "agents.verify", action)
			return map[string]any{"service": map[string]any{"id": "agent-1", "name": "flow"}}, nil
		}}

		claims, err := rpc.NewVerifier(stub, "agents.verify", authz.ClassService).Verify(context.Background(), "tok")
		require.NoError(t, err)
		assert.Equal(t, authz.ClassService, claims.Class())
	})

	t.Run("wrong variant", func(t *testing.T) {
		stub := &stubCaller{fn: func(string, map[string]any) (map[string]any, error) {
			return map[string]any{"service": map[string]any{"id": "agent-1"}}, nil
		}}

		_, err := rpc.NewVerifier(stub, "users.resolveToken", authz.ClassUser).Verify(context.Background(), "tok")
		require.ErrorIs(t, err, rpc.ErrUnexpectedResult)
	})

	t.Run("malformed result", func(t *testing.T) {
		stub := &stubCaller{fn: func(string, map[string]any) (map[string]any, error) {
			return map[string]any{"user": "not-an-object"}, nil
		}}

		_, err := rpc.NewVerifier(stub, "users.resolveToken", authz.ClassUser).Verify(context.Background(), "tok")
		require.ErrorIs(t, err, rpc.ErrUnexpectedResult)
	})

	t.Run("call error", func(t *testing.T) {
		stub := &stubCaller{fn: func(string, map[string]any) (map[string]any, error) {
			return nil, rpc.ErrCallFailed
		}}

		_, err := rpc.NewVerifier(stub, "users.resolveToken", authz.ClassUser).Verify(context.Background(), "tok")
		require.ErrorIs(t, err, rpc.ErrCallFailed)
	})
}

func TestWithCircuitBreaker_OpensOnFailures(t *testing.T) {
	stub := &stubCaller{fn: func(string, map[string]any) (map[string]any, error) {
		return nil, errors.Join(rpc.ErrCallFailed, errors.New("connection refused"))
	}}

	caller := rpc.WithCircuitBreaker(stub, rpc.BreakerSettings{
		Timeout:          time.Minute,
		FailureThreshold: 2,
	})

	for range 2 {
		_, err := caller.Call(context.Background(), "users.resolveToken", nil, nil)
		require.ErrorIs(t, err, rpc.ErrCallFailed)
	}

	_, err := caller.Call(context.Background(), "users.resolveToken", nil, nil)
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	require.ErrorIs(t, err, rpc.ErrCallFailed)
	assert.EqualValues(t, 2, stub.calls.Load())

	// Other services keep their own breaker.
	_, err = caller.Call(context.Background(), "agents.verify", nil, nil)
	require.NotErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestWithCircuitBreaker_RejectionsDoNotTrip(t *testing.T) {
	stub := &stubCaller{fn: func(string, map[string]any) (map[string]any, error) {
		return nil, &rpc.RemoteError{Action: "users.resolveToken", Code: "unauthenticated", Rejected: true}
	}}

	caller := rpc.WithCircuitBreaker(stub, rpc.BreakerSettings{FailureThreshold: 1, Timeout: time.Minute})

	for range 3 {
		_, err := caller.Call(context.Background(), "users.resolveToken", nil, nil)
		require.True(t, rpc.IsRejection(err))
	}
	assert.EqualValues(t, 3, stub.calls.Load())
}

func TestWithCircuitBreaker_PassesResult(t *testing.T) {
	stub := &stubCaller{fn: func(string, map[string]any) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	}}

	res, err := rpc.WithCircuitBreaker(stub, rpc.BreakerSettings{}).Call(context.Background(), "users.me", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, true, res["ok"])
}
