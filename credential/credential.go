// Package credential provides read-only access to per-owner secrets
// used by task runners to authenticate against external systems.
package credential

import (
	"github.com/fieldsync/fieldsync/config"
	"github.com/fieldsync/fieldsync/errors"
)

// Credential is a username/secret pair for one owner
type Credential struct {
	Username string
	Secret   string
}

// Source resolves credentials by owner ID
type Source interface {
	// Lookup returns the credential for ownerID, or ErrNotFound
	Lookup(ownerID string) (Credential, error)
}

// StaticSource serves credentials from the loaded configuration.
// The map is never mutated after construction.
type StaticSource struct {
	entries map[string]config.CredentialEntry
}

// NewStaticSource builds a Source from config credential entries
func NewStaticSource(entries map[string]config.CredentialEntry) *StaticSource {
	copied := make(map[string]config.CredentialEntry, len(entries))
	for k, v := range entries {
		copied[k] = v
	}
	return &StaticSource{entries: copied}
}

// Lookup implements Source
func (s *StaticSource) Lookup(ownerID string) (Credential, error) {
	entry, ok := s.entries[ownerID]
	if !ok {
		return Credential{}, errors.NewNotFoundError("credential for owner " + ownerID)
	}
	return Credential{Username: entry.Username, Secret: entry.Secret}, nil
}
