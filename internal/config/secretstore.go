package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/kuuji/linkmesh/internal/wgcrypto"
)

// SecretStore abstracts persistence of the single long-term private key a
// peer or the headlink server holds, per spec.md's "OUT OF SCOPE" note on
// key persistence — the core only needs Load/Save, not a choice of format.
type SecretStore interface {
	Load() (wgcrypto.Key, error)
	Save(key wgcrypto.Key) error
}

// secretJSON is the literal on-disk shape spec.md mandates:
// {"secret": "<hex X25519 private key>"}.
type secretJSON struct {
	Secret string `json:"secret"`
}

// FileSecretStore implements SecretStore as a single JSON file at Path,
// the minimal format spec.md requires independent of the richer split-TOML
// model internal/config otherwise uses for the rest of a peer's settings.
type FileSecretStore struct {
	Path string
}

func (s FileSecretStore) Load() (wgcrypto.Key, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return wgcrypto.Key{}, fmt.Errorf("reading secret file %s: %w", s.Path, err)
	}
	var doc secretJSON
	if err := json.Unmarshal(raw, &doc); err != nil {
		return wgcrypto.Key{}, fmt.Errorf("decoding secret file %s: %w", s.Path, err)
	}
	b, err := hex.DecodeString(doc.Secret)
	if err != nil || len(b) != wgcrypto.KeySize {
		return wgcrypto.Key{}, fmt.Errorf("secret file %s: invalid hex private key", s.Path)
	}
	var key wgcrypto.Key
	copy(key[:], b)
	return key, nil
}

func (s FileSecretStore) Save(key wgcrypto.Key) error {
	doc := secretJSON{Secret: hex.EncodeToString(key[:])}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding secret file: %w", err)
	}
	if err := os.WriteFile(s.Path, raw, 0600); err != nil {
		return fmt.Errorf("writing secret file %s: %w", s.Path, err)
	}
	return nil
}
