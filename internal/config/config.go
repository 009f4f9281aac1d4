// Package config persists the peer's local settings and exposes the
// headlink server's storage behind a small abstract interface (spec.md
// §1's "Persistence interface" collaborator, §4.9/§6's on-disk formats).
// Grounded directly on the split world-readable config.toml / restricted
// secrets.toml model, generalized to linkmesh's network/device/STUN fields.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/kuuji/linkmesh/internal/wgcrypto"
)

// DefaultSTUNServers are the public STUN servers used when none are configured.
var DefaultSTUNServers = []string{
	"stun:stun.cloudflare.com:3478",
	"stun:stun.l.google.com:19302",
}

// DefaultConfigDir is the system-wide config directory for linkmesh.
const DefaultConfigDir = "/etc/linkmesh"

const secretsFileName = "secrets.toml"

// Config is the top-level peer configuration, persisted as config.toml plus
// secrets.toml at DefaultConfigDir.
type Config struct {
	Network NetworkConfig `toml:"network"`
	Device  DeviceConfig  `toml:"device"`
	STUN    STUNConfig    `toml:"stun"`
}

// NetworkConfig identifies the linkmesh network and its headlink server.
type NetworkConfig struct {
	// Name is a human-readable name for this network.
	Name string `toml:"name"`

	// Server is the headlink host:port this peer connects to (spec §6
	// --server flag).
	Server string `toml:"server"`

	// Token is the join token presented on first handshake, if any (spec §3
	// "If token is present, look up the token...").
	Token string `toml:"token,omitempty"`
}

// DeviceConfig identifies this device within the network.
type DeviceConfig struct {
	// Hostname is a human-readable name for this device (spec §6
	// --hostname flag).
	Hostname string `toml:"hostname"`

	// PrivateKey is this device's long-term Curve25519 static key.
	PrivateKey wgcrypto.Key `toml:"private_key"`

	// TunName names the kernel TUN interface (spec §6 --tun-name flag;
	// empty picks tundev's platform default).
	TunName string `toml:"tun_name,omitempty"`

	// Address is this device's tunnel address in CIDR notation, assigned
	// by the headlink server on first ReqConfig and cached here.
	Address string `toml:"address,omitempty"`

	// EndpointAddr and Port are the direct-UDP endpoint this device
	// advertises to peers (spec §6 --endpoint-addr/--port flags).
	EndpointAddr string `toml:"endpoint_addr,omitempty"`
	Port         uint16 `toml:"port,omitempty"`

	// ListenAddr is the peer-local admin HTTP listen address (spec §6
	// --listen-addr flag).
	ListenAddr string `toml:"listen_addr,omitempty"`
}

// STUNConfig lists the STUN servers used for NAT-UDP endpoint discovery.
type STUNConfig struct {
	Servers []string `toml:"servers"`
}

// configFile is the TOML representation for config.toml (world-readable, no secrets).
type configFile struct {
	Network netConfigFile `toml:"network"`
	Device  devConfigFile `toml:"device"`
	STUN    STUNConfig    `toml:"stun"`
}

type netConfigFile struct {
	Name   string `toml:"name"`
	Server string `toml:"server"`
}

type devConfigFile struct {
	Hostname     string `toml:"hostname"`
	TunName      string `toml:"tun_name,omitempty"`
	Address      string `toml:"address,omitempty"`
	EndpointAddr string `toml:"endpoint_addr,omitempty"`
	Port         uint16 `toml:"port,omitempty"`
	ListenAddr   string `toml:"listen_addr,omitempty"`
}

// secretsFile is the TOML representation for secrets.toml (0660,
// restricted to the user running the peer agent).
type secretsFile struct {
	Network netSecretsFile `toml:"network"`
	Device  devSecretsFile `toml:"device"`
}

type netSecretsFile struct {
	Token string `toml:"token,omitempty"`
}

type devSecretsFile struct {
	PrivateKey wgcrypto.Key `toml:"private_key"`
}

func toConfigFile(cfg *Config) *configFile {
	return &configFile{
		Network: netConfigFile{Name: cfg.Network.Name, Server: cfg.Network.Server},
		Device: devConfigFile{
			Hostname:     cfg.Device.Hostname,
			TunName:      cfg.Device.TunName,
			Address:      cfg.Device.Address,
			EndpointAddr: cfg.Device.EndpointAddr,
			Port:         cfg.Device.Port,
			ListenAddr:   cfg.Device.ListenAddr,
		},
		STUN: cfg.STUN,
	}
}

func toSecretsFile(cfg *Config) *secretsFile {
	return &secretsFile{
		Network: netSecretsFile{Token: cfg.Network.Token},
		Device:  devSecretsFile{PrivateKey: cfg.Device.PrivateKey},
	}
}

func mergeSecrets(cfg *Config, s *secretsFile) {
	cfg.Network.Token = s.Network.Token
	cfg.Device.PrivateKey = s.Device.PrivateKey
}

// DefaultConfig returns a Config populated with sensible defaults. Network-
// and device-specific fields are left empty for `linkmesh init`/explicit
// flags to fill in.
func DefaultConfig() *Config {
	return &Config{
		STUN: STUNConfig{Servers: append([]string(nil), DefaultSTUNServers...)},
	}
}

// DefaultConfigPath returns the default path for linkmesh's config file.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir, "config.toml")
}

// SecretsPathFromConfig derives the secrets.toml path from a config.toml path.
func SecretsPathFromConfig(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), secretsFileName)
}

// LoadConfig reads config.toml and secrets.toml, merging them into one
// Config. Missing secrets.toml leaves secret fields at their zero value,
// supporting commands that only need the public portion.
func LoadConfig(path string) (*Config, error) {
	cfg, err := LoadPublicConfig(path)
	if err != nil {
		return nil, err
	}

	secretsPath := SecretsPathFromConfig(path)
	var sec secretsFile
	if _, err := toml.DecodeFile(secretsPath, &sec); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading secrets file %s: %w", secretsPath, err)
		}
	} else {
		mergeSecrets(cfg, &sec)
	}
	return cfg, nil
}

// LoadPublicConfig reads only config.toml, the world-readable portion.
func LoadPublicConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// SaveConfig writes both config.toml (0664) and secrets.toml (0660) to the
// directory containing path.
func SaveConfig(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	if err := writeFile(path, 0664, toConfigFile(cfg)); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	secretsPath := SecretsPathFromConfig(path)
	if err := writeFile(secretsPath, 0660, toSecretsFile(cfg)); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	return nil
}

func writeFile(path string, mode os.FileMode, v interface{}) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("encoding TOML: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), mode); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return os.Chmod(path, mode)
}

// PublicKey derives this device's public key from its configured private key.
func (c *Config) PublicKey() (wgcrypto.Key, error) {
	if c.Device.PrivateKey.IsZero() {
		return wgcrypto.Key{}, errors.New("device private key is not set")
	}
	return wgcrypto.PublicKey(c.Device.PrivateKey), nil
}

func applyDefaults(cfg *Config) {
	if len(cfg.STUN.Servers) == 0 {
		cfg.STUN.Servers = append([]string(nil), DefaultSTUNServers...)
	}
}
