package authz

import "errors"

// TokenClass selects the verification path for a presented token.
type TokenClass string

const (
	ClassUser    TokenClass = "user"
	ClassService TokenClass = "service"
	ClassUnknown TokenClass = "unknown"
)

// UnknownType is the effective type tag of a token whose payload could not be
// decoded or carries no usable "type" claim.
const UnknownType = "unknown"

// Default type tags recognized by the dual and single variant deployments.
const (
	TypeUserToken    = "user_token"
	TypeServiceToken = "service_token"
	TypeIdentity     = "identity"
)

// DefaultAccessTokenHeader carries the opaque access-control token that is
// passed through to the dispatched action.
const DefaultAccessTokenHeader = "x-imicros-xtoken"

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNoToken            = errors.New("no token")
	ErrUnrecognizedType   = errors.New("unrecognized token type")
	ErrVerificationFailed = errors.New("token verification failed")
)

// Claims is the verified identity returned by a downstream capability.
// It is either *Identity or *ServiceIdentity.
type Claims interface {
	Class() TokenClass
	mergeInto(meta *Meta)
}

// Identity is a user resolved from a user token.
type Identity struct {
	ID       string `json:"id"`
	Email    string `json:"email,omitempty"`
	Verified bool   `json:"verified,omitempty"`
	Locale   string `json:"locale,omitempty"`
	Token    string `json:"token,omitempty"`
}

func (*Identity) Class() TokenClass { return ClassUser }

func (i *Identity) mergeInto(meta *Meta) {
	meta.User = i
}

// ServiceIdentity is an agent resolved from a service token.
type ServiceIdentity struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Owner string `json:"owner,omitempty"`
	Token string `json:"token,omitempty"`
}

func (*ServiceIdentity) Class() TokenClass { return ClassService }

func (s *ServiceIdentity) mergeInto(meta *Meta) {
	meta.Service = s
}

// ACL holds access-control data forwarded untouched to the dispatched action.
type ACL struct {
	AccessToken string `json:"accessToken"`
}

// Meta is the metadata subtree of a call context.
type Meta struct {
	User    *Identity        `json:"user,omitempty"`
	Service *ServiceIdentity `json:"service,omitempty"`
	ACL     *ACL             `json:"acl,omitempty"`
}

// Merge applies verified claims to the metadata. Only the slot owned by the
// claims variant is replaced.
func (m *Meta) Merge(claims Claims) {
	if claims == nil {
		return
	}
	claims.mergeInto(m)
}

// CallContext is the per-request state handed to the dispatched action.
type CallContext struct {
	RequestID string
	Meta      Meta
}

// Decision is the outcome of a single authorization check. Reason is for logs
// and spans only and never reaches the caller.
type Decision struct {
	Allow  bool
	Class  TokenClass
	Type   string
	Reason string
}
