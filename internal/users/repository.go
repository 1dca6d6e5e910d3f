// Package users provides the user-repository collaborator: lookup of
// SHA1(SHA1(password)) by username. The catalog itself (how it's
// populated, refreshed, distributed) is an external concern; this
// package only defines the interface the core depends on plus one
// concrete, hot-reloadable implementation.
package users

import (
	"encoding/hex"
	"fmt"
)

// DigestLen is the length of a SHA1(SHA1(password)) digest.
const DigestLen = 20

// Repository looks up the stored double-SHA1 password digest for a
// username. Implementations are treated as read-only during a
// connection's lifetime.
type Repository interface {
	LookupPasswordSHA1(service, username string) (digest [DigestLen]byte, found bool)
}

// YAMLCatalog is a Repository backed by an in-memory map, normally
// populated by cmd/mxgateway from the users-catalog YAML file and
// replaced through Manager.Swap when the config watcher reports a change.
type YAMLCatalog struct {
	// byService maps service name -> username -> hex-encoded digest, so a
	// single catalog can back several listeners the way the MaxScale
	// source's user cache is keyed per service.
	byService map[string]map[string]string
}

// NewYAMLCatalog builds a catalog from service -> username -> hex40
// entries. Hex strings that fail to decode to exactly DigestLen bytes
// are rejected so a typo in the catalog fails fast at load time rather
// than silently denying auth at connection time.
func NewYAMLCatalog(raw map[string]map[string]string) (*YAMLCatalog, error) {
	byService := make(map[string]map[string]string, len(raw))
	for service, users := range raw {
		for username, hexDigest := range users {
			if _, err := decodeDigest(hexDigest); err != nil {
				return nil, fmt.Errorf("catalog entry %s/%s: %w", service, username, err)
			}
		}
		byService[service] = users
	}
	return &YAMLCatalog{byService: byService}, nil
}

func decodeDigest(hexDigest string) ([DigestLen]byte, error) {
	var out [DigestLen]byte
	b, err := hex.DecodeString(hexDigest)
	if err != nil {
		return out, fmt.Errorf("invalid hex digest: %w", err)
	}
	if len(b) != DigestLen {
		return out, fmt.Errorf("digest must be %d bytes, got %d", DigestLen, len(b))
	}
	copy(out[:], b)
	return out, nil
}

// LookupPasswordSHA1 implements Repository.
func (c *YAMLCatalog) LookupPasswordSHA1(service, username string) (digest [DigestLen]byte, found bool) {
	if c == nil {
		return digest, false
	}
	users, ok := c.byService[service]
	if !ok {
		return digest, false
	}
	hexDigest, ok := users[username]
	if !ok {
		return digest, false
	}
	d, err := decodeDigest(hexDigest)
	if err != nil {
		// Construction already validated every entry; this can only mean
		// the catalog was mutated out of band. Treat as not found rather
		// than panicking on a connection's auth path.
		return digest, false
	}
	return d, true
}

// Reload builds a new catalog from raw and returns it; the receiver is
// left unchanged, so LookupPasswordSHA1 calls on it stay safe while
// Reload runs. Callers install the result with Manager.Swap.
func (c *YAMLCatalog) Reload(raw map[string]map[string]string) (*YAMLCatalog, error) {
	return NewYAMLCatalog(raw)
}
