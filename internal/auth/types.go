package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Sentinel errors surfaced by the authentication subsystem. Callers match
// them with errors.Is; the HTTP layer maps them onto status codes.
var (
	ErrDisabled           = errors.New("authentication disabled")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnsupportedGrant   = errors.New("unsupported grant type")
	ErrInvalidToken       = errors.New("invalid token")
	ErrMissingToken       = errors.New("missing bearer token")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrSubjectRevoked     = errors.New("subject is disabled")
)

// Permission names understood by the verification engine. Seeds may grant any
// subset; the API middleware checks them per route.
const (
	PermissionVerifySubmit  = "verify:submit"
	PermissionConsensusVote = "consensus:vote"
	PermissionAgentsManage  = "agents:manage"
)

// Store is the account catalogue behind the authentication service.
// Implementations are called concurrently.
type Store interface {
	FindUserByUsername(ctx context.Context, username string) (*User, error)
	LoadSubject(ctx context.Context, userID int64) (*Subject, error)
}

// SeedWriter is the optional bootstrap hook: stores that support it accept
// declarative seed accounts at startup.
type SeedWriter interface {
	ApplySeed(ctx context.Context, seed Seed) error
}

// User is a persisted account record including its password hash.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Disabled     bool
}

// Subject is the authenticated identity attached to a request. It carries
// the roles and permissions in effect when the access token was verified.
type Subject struct {
	ID          int64
	Username    string
	Roles       []string
	Permissions []string
	Disabled    bool

	permissionsSet map[string]struct{}
}

// canonicalPermission is the form permissions are compared in.
func canonicalPermission(perm string) string {
	return strings.ToLower(strings.TrimSpace(perm))
}

// normalise builds the lookup set used by permission checks. Idempotent.
func (s *Subject) normalise() {
	if s == nil || s.permissionsSet != nil {
		return
	}
	set := make(map[string]struct{}, len(s.Permissions))
	for _, perm := range s.Permissions {
		set[canonicalPermission(perm)] = struct{}{}
	}
	s.permissionsSet = set
}

// Normalise exposes normalise to store implementations in other packages.
func (s *Subject) Normalise() {
	s.normalise()
}

// HasPermission reports whether the subject holds the given permission.
// Comparison is case-insensitive and ignores surrounding whitespace.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	_, ok := s.permissionsSet[canonicalPermission(permission)]
	return ok
}

// Authorize checks every listed permission and fails on the first one the
// subject is missing. Revoked subjects are rejected outright.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	if s.Disabled {
		return ErrSubjectRevoked
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}

// Clone returns an independent copy safe to hand to other goroutines.
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	clone := &Subject{
		ID:          s.ID,
		Username:    s.Username,
		Roles:       slices.Clone(s.Roles),
		Permissions: slices.Clone(s.Permissions),
		Disabled:    s.Disabled,
	}
	clone.normalise()
	return clone
}

// TokenRequest is the payload accepted by the token issuance endpoint.
type TokenRequest struct {
	GrantType string `json:"grant_type"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

// TokenPair carries the issued access token plus an optional refresh token.
type TokenPair struct {
	AccessToken      string   `json:"access_token"`
	ExpiresIn        int64    `json:"expires_in"`
	RefreshToken     string   `json:"refresh_token,omitempty"`
	RefreshExpiresIn int64    `json:"refresh_expires_in,omitempty"`
	TokenType        string   `json:"token_type"`
	Subject          *Subject `json:"-"`
}

// Config selects the authentication mode and its parameters.
type Config struct {
	Mode  Mode
	Token TokenOptions
	Seeds []Seed
}

// Mode selects how the engine authenticates callers.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeToken    Mode = "token"
)

// TokenOptions parameterises local HMAC-signed token issuance. TTLs are in
// seconds.
type TokenOptions struct {
	Secret     string
	Issuer     string
	Audience   []string
	AccessTTL  int64
	RefreshTTL int64
}

// Seed defines an initial account with its roles and permissions.
type Seed struct {
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Disabled    bool     `json:"disabled,omitempty"`
}
