package config

import (
	"encoding/base64"
	"fmt"

	"github.com/ssmanji89/emailprocer/pkg/crypto"
)

// BuildKeyRing decodes the configured base64 key material into a
// crypto.KeyRing ready for use by the Store.
func (c *Config) BuildKeyRing() (*crypto.KeyRing, error) {
	keys := make(map[string][]byte, len(c.Encryption.Keys))
	for id, encoded := range c.Encryption.Keys {
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decoding key %q: %w", id, err)
		}
		keys[id] = decoded
	}
	return crypto.NewKeyRing(keys, c.Encryption.ActiveKeyID)
}
