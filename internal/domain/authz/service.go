package authz

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/astro-web3/gateway-authz/pkg/logger"
	"github.com/astro-web3/gateway-authz/pkg/tracer"
	"go.opentelemetry.io/otel/attribute"
)

// Verifier delegates token verification to a downstream capability.
type Verifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

// TokenType binds an unverified type tag to the capability that verifies it.
type TokenType struct {
	Tag      string
	Class    TokenClass
	Verifier Verifier
}

type Service interface {
	// Classify maps a raw token to its class and effective type tag.
	Classify(token string) (TokenClass, string)

	// Authorize runs one authorization check and, on allow, populates call.Meta.
	Authorize(ctx context.Context, call *CallContext, header http.Header) *Decision
}

type service struct {
	types             map[string]TokenType
	accessTokenHeader string
}

func NewService(types []TokenType, accessTokenHeader string) Service {
	if accessTokenHeader == "" {
		accessTokenHeader = DefaultAccessTokenHeader
	}

	byTag := make(map[string]TokenType, len(types))
	for _, t := range types {
		if t.Tag == "" || t.Verifier == nil {
			continue
		}
		byTag[t.Tag] = t
	}

	return &service{
		types:             byTag,
		accessTokenHeader: accessTokenHeader,
	}
}

func (s *service) Classify(token string) (TokenClass, string) {
	tag := DecodeType(token)
	t, ok := s.types[tag]
	if !ok {
		return ClassUnknown, tag
	}
	return t.Class, tag
}

func (s *service) Authorize(ctx context.Context, call *CallContext, header http.Header) *Decision {
	token, ok := ExtractToken(header)
	if !ok {
		return deny(ClassUnknown, "", ErrNoToken.Error())
	}

	class, tag := s.Classify(token)
	if class == ClassUnknown {
		return deny(class, tag, fmt.Sprintf("%s: %q", ErrUnrecognizedType, tag))
	}

	claims, err := s.verify(ctx, s.types[tag], token)
	if err != nil {
		logger.DebugContext(ctx, "unvalid token",
			slog.String("type", tag),
			slog.String("error", err.Error()),
		)
		return deny(class, tag, err.Error())
	}

	call.Meta.Merge(claims)

	if accessToken := header.Get(s.accessTokenHeader); accessToken != "" {
		call.Meta.ACL = &ACL{AccessToken: accessToken}
		logger.DebugContext(ctx, "Request access token", slog.String("token", accessToken))
	}

	return &Decision{
		Allow: true,
		Class: class,
		Type:  tag,
	}
}

func (s *service) verify(ctx context.Context, t TokenType, token string) (Claims, error) {
	ctx, span := tracer.Start(ctx, "domain.authz.verify")
	defer span.End()

	span.SetAttributes(
		attribute.String("authz.token_type", t.Tag),
		attribute.String("authz.token_class", string(t.Class)),
	)

	claims, err := t.Verifier.Verify(ctx, token)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}
	if claims == nil {
		return nil, fmt.Errorf("%w: empty result", ErrVerificationFailed)
	}

	return claims, nil
}

func deny(class TokenClass, tag, reason string) *Decision {
	return &Decision{
		Allow:  false,
		Class:  class,
		Type:   tag,
		Reason: reason,
	}
}
