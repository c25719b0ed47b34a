package config

import (
	"fmt"

	"github.com/rjcorwin/mew-protocol-sub005/internal/capability"
)

// Grant is what a Resolver returns for a valid token: the space and
// participant identity the gateway should use for the join, plus the
// capability set to attach to the new Participant record.
type Grant struct {
	SpaceID       string
	ParticipantID string
	Capabilities  []capability.Capability
}

// Resolver implements the `resolve(token) → {space, id, caps}` contract
// of spec.md §6: given a bearer token presented on join, look up the
// space and capability grant it authorizes. Kept as an interface so the
// gateway can be wired against alternatives (a database-backed resolver,
// a remote auth service) without depending on the YAML-backed default.
type Resolver interface {
	Resolve(token string) (Grant, error)
}

// ErrUnknownToken is returned by StaticResolver.Resolve when no
// participant in the space configuration carries the presented token.
type ErrUnknownToken struct {
	Token string
}

func (e *ErrUnknownToken) Error() string {
	return fmt.Sprintf("unknown join token")
}

// StaticResolver resolves tokens against a single SpaceConfig loaded at
// startup — the default Resolver for a gateway running one space.
type StaticResolver struct {
	cfg *SpaceConfig
}

// NewStaticResolver builds a StaticResolver over cfg.
func NewStaticResolver(cfg *SpaceConfig) *StaticResolver {
	return &StaticResolver{cfg: cfg}
}

// Resolve looks up token among the space's configured participants.
func (r *StaticResolver) Resolve(token string) (Grant, error) {
	for _, p := range r.cfg.Participants {
		if p.Token == token {
			return Grant{
				SpaceID:       r.cfg.SpaceID,
				ParticipantID: p.ID,
				Capabilities:  p.Capabilities,
			}, nil
		}
	}
	return Grant{}, &ErrUnknownToken{Token: token}
}
