package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/astro-web3/gateway-authz/internal/domain/authz"
)

var ErrUnexpectedResult = errors.New("unexpected verification result")

// verificationResult is the bounded shape accepted from verification actions.
type verificationResult struct {
	User    *authz.Identity        `json:"user"`
	Service *authz.ServiceIdentity `json:"service"`
}

type verifier struct {
	caller Caller
	action string
	class  authz.TokenClass
}

// NewVerifier calls action with {token} and decodes the reply into claims of
// the given class.
func NewVerifier(caller Caller, action string, class authz.TokenClass) authz.Verifier {
	return &verifier{caller: caller, action: action, class: class}
}

func (v *verifier) Verify(ctx context.Context, token string) (authz.Claims, error) {
	res, err := v.caller.Call(ctx, v.action, map[string]any{"token": token}, nil)
	if err != nil {
		return nil, err
	}

	return decodeClaims(res, v.class)
}

func decodeClaims(res map[string]any, class authz.TokenClass) (authz.Claims, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal verification result: %w", err)
	}

	var result verificationResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnexpectedResult, err)
	}

	switch {
	case class == authz.ClassUser && result.User != nil:
		return result.User, nil
	case class == authz.ClassService && result.Service != nil:
		return result.Service, nil
	default:
		return nil, fmt.Errorf("%w: no %s claims", ErrUnexpectedResult, class)
	}
}
