package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"

	"connectrpc.com/connect"
	grpctransport "github.com/astro-web3/gateway-authz/internal/transport/grpc"
	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/protobuf/types/known/structpb"
)

// Mints a token of the given type with a throwaway key and asks the gateway
// to authorize it. The backend decides whether the token is valid.
func main() {
	if len(os.Args) < 2 {
		log.Fatalf("Usage: %s <token-type|token> [server-addr]", os.Args[0])
	}

	token := os.Args[1]
	if token == "user_token" || token == "service_token" || token == "identity" {
		minted, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"type": token,
			"sub":  "e2e",
		}).SignedString([]byte("e2e-secret"))
		if err != nil {
			log.Fatalf("Failed to mint token: %v", err)
		}
		token = minted
	}

	serverAddr := "http://localhost:3000"
	if len(os.Args) > 2 {
		serverAddr = "http://localhost" + os.Args[2]
	}

	client := connect.NewClient[structpb.Struct, structpb.Struct](
		http.DefaultClient,
		serverAddr+grpctransport.CheckProcedure,
		connect.WithProtoJSON(),
	)

	msg, err := structpb.NewStruct(map[string]any{
		"headers": map[string]any{
			"authorization":    "Bearer " + token,
			"x-imicros-xtoken": "e2e-access-token",
		},
	})
	if err != nil {
		log.Fatalf("Failed to build request: %v", err)
	}

	resp, err := client.CallUnary(context.Background(), connect.NewRequest(msg))
	if err != nil {
		var connectErr *connect.Error
		if errors.As(err, &connectErr) {
			fmt.Printf("Authorization DENIED (%s): %s\n", connectErr.Code(), connectErr.Message())
			os.Exit(1)
		}
		log.Fatalf("Request failed: %v", err)
	}

	meta, err := json.MarshalIndent(resp.Msg.GetFields()["meta"].AsInterface(), "", "  ")
	if err != nil {
		log.Fatalf("Failed to format meta: %v", err)
	}

	fmt.Println("Authorization ALLOWED")
	fmt.Printf("Meta:\n%s\n", meta)
}
