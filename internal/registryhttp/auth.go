package registryhttp

import (
	"context"

	"github.com/keithlinneman/linnemanlabs-registry/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-registry/internal/registry"
)

// IdentityProvider resolves a presented API key to a Principal.
// Handlers never inspect key material; an unknown key resolves to
// (nil, nil).
type IdentityProvider interface {
	Identify(ctx context.Context, key string) (*registry.Principal, error)
}

// KeyAuthenticator is a static key table resolved at startup. Lookups
// compare in constant time so response timing does not leak how much
// of a guessed key matched.
type KeyAuthenticator struct {
	keys []keyEntry
}

type keyEntry struct {
	key       string
	principal registry.Principal
}

// NewKeyAuthenticator builds an authenticator from key -> principal
// pairs.
func NewKeyAuthenticator(keys map[string]registry.Principal) *KeyAuthenticator {
	a := &KeyAuthenticator{}
	for k, p := range keys {
		a.keys = append(a.keys, keyEntry{key: k, principal: p})
	}
	return a
}

func (a *KeyAuthenticator) Identify(_ context.Context, key string) (*registry.Principal, error) {
	if key == "" {
		return nil, nil
	}
	for _, e := range a.keys {
		if cryptoutil.HashEqual(e.key, key) {
			p := e.principal
			return &p, nil
		}
	}
	return nil, nil
}
