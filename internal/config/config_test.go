package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kuuji/linkmesh/internal/wgcrypto"
)

func TestDefaultConfigHasStunServers(t *testing.T) {
	cfg := DefaultConfig()
	if len(cfg.STUN.Servers) != len(DefaultSTUNServers) {
		t.Fatalf("default STUN servers count = %d, want %d", len(cfg.STUN.Servers), len(DefaultSTUNServers))
	}
}

func TestSaveAndLoadConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "linkmesh", "config.toml")

	var priv wgcrypto.Key
	priv[0] = 0x42

	original := &Config{
		Network: NetworkConfig{Name: "home", Server: "headlink.example.com:9443", Token: "join-token-abc"},
		Device:  DeviceConfig{Hostname: "laptop", PrivateKey: priv, Address: "10.10.0.3/24"},
		STUN:    STUNConfig{Servers: []string{"stun:stun.example.com:3478"}},
	}

	if err := SaveConfig(path, original); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config file not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0664 {
		t.Errorf("config.toml permissions = %o, want 0664", perm)
	}
	secretsInfo, err := os.Stat(SecretsPathFromConfig(path))
	if err != nil {
		t.Fatalf("secrets file not created: %v", err)
	}
	if perm := secretsInfo.Mode().Perm(); perm != 0660 {
		t.Errorf("secrets.toml permissions = %o, want 0660", perm)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Network.Name != original.Network.Name || loaded.Network.Server != original.Network.Server {
		t.Errorf("network fields = %+v, want %+v", loaded.Network, original.Network)
	}
	if loaded.Network.Token != original.Network.Token {
		t.Errorf("token = %q, want %q (secrets.toml round trip)", loaded.Network.Token, original.Network.Token)
	}
	if loaded.Device.PrivateKey != original.Device.PrivateKey {
		t.Error("private key did not round-trip through secrets.toml")
	}
	if loaded.Device.Address != original.Device.Address {
		t.Errorf("address = %q, want %q", loaded.Device.Address, original.Device.Address)
	}
}

func TestLoadPublicConfigOmitsSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	var priv wgcrypto.Key
	priv[0] = 0x7
	cfg := &Config{
		Network: NetworkConfig{Name: "home", Server: "headlink.example.com:9443", Token: "should-not-leak"},
		Device:  DeviceConfig{Hostname: "laptop", PrivateKey: priv},
	}
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	pub, err := LoadPublicConfig(path)
	if err != nil {
		t.Fatalf("LoadPublicConfig: %v", err)
	}
	if pub.Network.Token != "" {
		t.Error("LoadPublicConfig must not read secrets.toml's token")
	}
	if !pub.Device.PrivateKey.IsZero() {
		t.Error("LoadPublicConfig must not read secrets.toml's private key")
	}
}

func TestLoadConfigMissingSecretsLeavesZeroValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg := &Config{Network: NetworkConfig{Name: "home", Server: "headlink.example.com:9443"}}
	if err := writeFile(path, 0664, toConfigFile(cfg)); err != nil {
		t.Fatalf("writeFile: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig with no secrets.toml: %v", err)
	}
	if !loaded.Device.PrivateKey.IsZero() {
		t.Error("expected zero-value private key when secrets.toml is absent")
	}
}

func TestPublicKeyRequiresPrivateKeySet(t *testing.T) {
	cfg := DefaultConfig()
	if _, err := cfg.PublicKey(); err == nil {
		t.Fatal("expected an error deriving PublicKey from an unset private key")
	}

	var priv wgcrypto.Key
	priv[0] = 0x9
	cfg.Device.PrivateKey = priv
	pub, err := cfg.PublicKey()
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	if pub.IsZero() {
		t.Fatal("derived public key should not be zero")
	}
}
