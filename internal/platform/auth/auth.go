// Package auth guards the operator HTTP surface with static bearer tokens that carry
// a role. Reads need viewer, writes need editor.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/animus-labs/modelops/internal/platform/env"
)

type Mode string

const (
	ModeToken    Mode = "token"
	ModeDisabled Mode = "disabled"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Identity struct {
	Subject string
	Roles   []string
}

// Grant binds one bearer token to a subject and role.
type Grant struct {
	Subject string
	Role    string
	Token   string
}

type Config struct {
	Mode   Mode
	Grants []Grant
}

// ConfigFromEnv reads MODELOPS_AUTH_MODE and MODELOPS_AUTH_TOKENS, a comma separated
// list of subject:role:token entries.
func ConfigFromEnv() (Config, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(env.String("MODELOPS_AUTH_MODE", string(ModeDisabled)))))
	cfg := Config{Mode: mode}
	for i, entry := range env.List("MODELOPS_AUTH_TOKENS", nil) {
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 {
			return Config{}, fmt.Errorf("MODELOPS_AUTH_TOKENS[%d] must be subject:role:token", i)
		}
		cfg.Grants = append(cfg.Grants, Grant{
			Subject: strings.TrimSpace(parts[0]),
			Role:    strings.ToLower(strings.TrimSpace(parts[1])),
			Token:   strings.TrimSpace(parts[2]),
		})
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeDisabled:
		return nil
	case ModeToken:
	default:
		return fmt.Errorf("MODELOPS_AUTH_MODE must be token or disabled (got %q)", c.Mode)
	}
	if len(c.Grants) == 0 {
		return errors.New("MODELOPS_AUTH_TOKENS is required when MODELOPS_AUTH_MODE=token")
	}
	for i, g := range c.Grants {
		if g.Subject == "" || g.Token == "" {
			return fmt.Errorf("MODELOPS_AUTH_TOKENS[%d] needs a subject and a token", i)
		}
		if roleLevels[g.Role] == 0 {
			return fmt.Errorf("MODELOPS_AUTH_TOKENS[%d] has unknown role %q", i, g.Role)
		}
	}
	return nil
}

type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

type TokenAuthenticator struct {
	grants []hashedGrant
}

type hashedGrant struct {
	digest   [sha256.Size]byte
	identity Identity
}

func NewTokenAuthenticator(grants []Grant) *TokenAuthenticator {
	a := &TokenAuthenticator{grants: make([]hashedGrant, 0, len(grants))}
	for _, g := range grants {
		a.grants = append(a.grants, hashedGrant{
			digest:   sha256.Sum256([]byte(g.Token)),
			identity: Identity{Subject: g.Subject, Roles: []string{g.Role}},
		})
	}
	return a
}

func (a *TokenAuthenticator) Authenticate(_ context.Context, r *http.Request) (Identity, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return Identity{}, ErrUnauthenticated
	}
	digest := sha256.Sum256([]byte(strings.TrimSpace(token)))
	for _, g := range a.grants {
		if subtle.ConstantTimeCompare(digest[:], g.digest[:]) == 1 {
			return g.identity, nil
		}
	}
	return Identity{}, errors.New("unknown bearer token")
}

type ctxKeyIdentity struct{}

func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	return identity, ok
}
