package grpc_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"connectrpc.com/connect"
	"github.com/astro-web3/gateway-authz/internal/domain/authz"
	grpctransport "github.com/astro-web3/gateway-authz/internal/transport/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

type mockAppService struct {
	authorizeFunc func(ctx context.Context, call *authz.CallContext, header http.Header) error
}

func (m *mockAppService) Authorize(ctx context.Context, call *authz.CallContext, header http.Header) error {
	return m.authorizeFunc(ctx, call, header)
}

func newClient(t *testing.T, app *mockAppService) *connect.Client[structpb.Struct, structpb.Struct] {
	t.Helper()

	path, handler := grpctransport.NewRouter(grpctransport.NewHandler(app))
	mux := http.NewServeMux()
	mux.Handle(path, handler)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return connect.NewClient[structpb.Struct, structpb.Struct](
		srv.Client(),
		srv.URL+grpctransport.CheckProcedure,
		connect.WithProtoJSON(),
	)
}

func checkRequest(t *testing.T, headers map[string]any) *connect.Request[structpb.Struct] {
	t.Helper()

	msg, err := structpb.NewStruct(map[string]any{"headers": headers})
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	return connect.NewRequest(msg)
}

func TestHandler_Check_Allowed(t *testing.T) {
	var gotAuthorization, gotRequestID string

	client := newClient(t, &mockAppService{
		authorizeFunc: func(_ context.Context, call *authz.CallContext, header http.Header) error {
			gotAuthorization = header.Get("Authorization")
			gotRequestID = call.RequestID
			call.Meta.User = &authz.Identity{ID: "xyz"}
			call.Meta.ACL = &authz.ACL{AccessToken: "acl"}
			return nil
		},
	})

	resp, err := client.CallUnary(context.Background(), checkRequest(t, map[string]any{
		"authorization": "Bearer token",
		"x-request-id":  "req-1",
	}))
	if err != nil {
		t.Fatalf("expected allow, got %v", err)
	}

	if gotAuthorization != "Bearer token" {
		t.Errorf("expected authorization header to be forwarded, got %q", gotAuthorization)
	}
	if gotRequestID != "req-1" {
		t.Errorf("expected request id req-1, got %q", gotRequestID)
	}

	fields := resp.Msg.GetFields()
	if !fields["allowed"].GetBoolValue() {
		t.Error("expected allowed to be true")
	}
	meta := fields["meta"].GetStructValue().GetFields()
	if id := meta["user"].GetStructValue().GetFields()["id"].GetStringValue(); id != "xyz" {
		t.Errorf("expected meta.user.id xyz, got %q", id)
	}
	if token := meta["acl"].GetStructValue().GetFields()["accessToken"].GetStringValue(); token != "acl" {
		t.Errorf("expected meta.acl.accessToken acl, got %q", token)
	}
	if _, ok := meta["service"]; ok {
		t.Error("expected no service slot")
	}
}

func TestHandler_Check_Denied(t *testing.T) {
	client := newClient(t, &mockAppService{
		authorizeFunc: func(context.Context, *authz.CallContext, http.Header) error {
			return fmt.Errorf("%w: no token", authz.ErrUnauthorized)
		},
	})

	_, err := client.CallUnary(context.Background(), checkRequest(t, map[string]any{}))

	var connectErr *connect.Error
	if !errors.As(err, &connectErr) {
		t.Fatalf("expected connect error, got %v", err)
	}
	if connectErr.Code() != connect.CodeUnauthenticated {
		t.Errorf("expected code %v, got %v", connect.CodeUnauthenticated, connectErr.Code())
	}
	if connectErr.Message() != "Unauthorized" {
		t.Errorf("expected message Unauthorized, got %q", connectErr.Message())
	}
}

func TestHandler_Check_MultiValueHeader(t *testing.T) {
	var got []string

	client := newClient(t, &mockAppService{
		authorizeFunc: func(_ context.Context, _ *authz.CallContext, header http.Header) error {
			got = header.Values("X-Forwarded-For")
			return nil
		},
	})

	_, err := client.CallUnary(context.Background(), checkRequest(t, map[string]any{
		"x-forwarded-for": []any{"10.0.0.1", "10.0.0.2"},
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 values, got %v", got)
	}
}

func TestHandler_Check_PanicRecovered(t *testing.T) {
	client := newClient(t, &mockAppService{
		authorizeFunc: func(context.Context, *authz.CallContext, http.Header) error {
			panic("boom")
		},
	})

	_, err := client.CallUnary(context.Background(), checkRequest(t, map[string]any{}))
	if connect.CodeOf(err) != connect.CodeInternal {
		t.Errorf("expected internal error, got %v", err)
	}
}
