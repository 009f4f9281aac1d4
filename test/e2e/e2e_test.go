//go:build e2e

// Package e2e runs end-to-end tests for the mesh in Docker containers.
//
// Each test spins up a headlink server and several linkmesh peer containers,
// each with a real TUN device, and verifies connectivity (ICMP ping) through
// the encrypted tunnel once every peer has joined the network and been
// assigned an address.
//
// Prerequisites:
//   - Docker with the compose plugin
//   - /dev/net/tun available on the host
//   - Run with: go test -tags e2e -v -timeout 180s ./test/e2e/
package e2e

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kuuji/linkmesh/internal/config"
	"github.com/kuuji/linkmesh/internal/controladmin"
	"github.com/kuuji/linkmesh/internal/wgcrypto"
)

// peer describes a linkmesh peer in the test topology.
type peer struct {
	name     string // docker compose service name and device hostname
	adminURL string // admin API address reachable from the test host
}

var peers = []peer{
	{name: "alpha", adminURL: "localhost:15514"},
	{name: "bravo", adminURL: "localhost:15515"},
	{name: "charlie", adminURL: "localhost:15516"},
}

// composeFile is the path to the docker-compose.yml relative to the project root.
const composeFile = "test/e2e/docker-compose.yml"

// networkToken is the join token every peer container presents; the
// headlink container is provisioned with a matching token via
// `linkmesh-headlink token add` in the compose setup.
const networkToken = "e2e-test-token"

// projectRoot returns the absolute path to the project root.
// It walks up from the test file's directory until it finds go.mod.
func projectRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	root := filepath.Join(dir, "..", "..")
	root, err = filepath.Abs(root)
	if err != nil {
		t.Fatalf("abs: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "go.mod")); err != nil {
		t.Fatalf("project root not found (no go.mod at %s)", root)
	}
	return root
}

// generateConfigs creates TOML config files for each peer in a temporary
// directory structure: configs/{alpha,bravo,charlie}/config.toml. Peer
// addresses are left unset — the headlink server assigns them on the
// first ReqConfig round trip, and the test discovers them afterward
// through each peer's admin API.
func generateConfigs(t *testing.T, configDir string) {
	t.Helper()
	for _, p := range peers {
		privKey, err := wgcrypto.GenerateKey()
		if err != nil {
			t.Fatalf("generating key for %s: %v", p.name, err)
		}

		cfg := &config.Config{
			Device: config.DeviceConfig{
				Hostname:   p.name,
				PrivateKey: privKey,
			},
			Network: config.NetworkConfig{
				Name:   "e2e-mesh",
				Server: "headlink:9797",
				Token:  networkToken,
			},
		}

		peerDir := filepath.Join(configDir, p.name)
		if err := os.MkdirAll(peerDir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", peerDir, err)
		}

		cfgPath := filepath.Join(peerDir, "config.toml")
		if err := config.SaveConfig(cfgPath, cfg); err != nil {
			t.Fatalf("saving config for %s: %v", p.name, err)
		}

		t.Logf("generated config for %s at %s", p.name, cfgPath)
	}
}

// compose runs docker compose with the given arguments from the project root.
func compose(t *testing.T, root string, args ...string) (string, error) {
	t.Helper()
	fullArgs := append([]string{"compose", "-f", composeFile}, args...)
	cmd := exec.Command("docker", fullArgs...)
	cmd.Dir = root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		return stdout.String(), fmt.Errorf("%s\nstderr: %s", err, stderr.String())
	}
	return stdout.String(), nil
}

// dockerExec runs a command inside a running compose service container.
func dockerExec(t *testing.T, root, service string, args ...string) (string, error) {
	t.Helper()
	fullArgs := append([]string{"compose", "-f", composeFile, "exec", "-T", service}, args...)
	cmd := exec.Command("docker", fullArgs...)
	cmd.Dir = root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		return stdout.String(), fmt.Errorf("%s\nstdout: %s\nstderr: %s", err, stdout.String(), stderr.String())
	}
	return stdout.String(), nil
}

// composeLogs fetches logs from a compose service.
func composeLogs(t *testing.T, root, service string) string {
	t.Helper()
	out, _ := compose(t, root, "logs", "--no-color", service)
	return out
}

// waitForAddress polls a peer's admin API until it reports an assigned
// tunnel address, returning just the IP (no mask).
func waitForAddress(t *testing.T, p peer, timeout time.Duration) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		status, err := controladmin.FetchStatus(ctx, p.adminURL)
		if err == nil && status.Address != "" {
			ip := strings.SplitN(status.Address, "/", 2)[0]
			t.Logf("%s: assigned address %s", p.name, ip)
			return ip
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s to be assigned an address", p.name)
	return ""
}

// waitForPing polls until a ping from src to dstIP succeeds.
func waitForPing(t *testing.T, root, srcService, dstIP string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		_, err := dockerExec(t, root, srcService, "ping", "-c", "1", "-W", "1", dstIP)
		if err == nil {
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for ping from %s to %s", srcService, dstIP)
}

// ping runs a single ping and returns an error if it fails.
func ping(t *testing.T, root, srcService, dstIP string) error {
	t.Helper()
	_, err := dockerExec(t, root, srcService, "ping", "-c", "3", "-W", "2", dstIP)
	return err
}

// --- Tests ---

// TestE2E_ThreePeerMesh verifies that three linkmesh peers can join a
// network through a headlink server and ping each other through the
// encrypted tunnel once addresses are assigned.
func TestE2E_ThreePeerMesh(t *testing.T) {
	root := projectRoot(t)
	configDir := filepath.Join(root, "test", "e2e", "configs")

	os.RemoveAll(configDir)
	generateConfigs(t, configDir)

	t.Log("building and starting containers...")
	if _, err := compose(t, root, "up", "-d", "--build"); err != nil {
		t.Fatalf("compose up: %v", err)
	}

	t.Cleanup(func() {
		t.Log("tearing down containers...")
		if _, err := compose(t, root, "down", "--volumes", "--remove-orphans", "--timeout", "10"); err != nil {
			t.Logf("compose down error: %v", err)
		}
		os.RemoveAll(configDir)
	})

	t.Log("waiting for addresses to be assigned...")
	addrs := make(map[string]string, len(peers))
	for _, p := range peers {
		addrs[p.name] = waitForAddress(t, p, 30*time.Second)
	}

	t.Log("waiting for mesh connectivity...")
	for _, p := range peers {
		for _, other := range peers {
			if p.name == other.name {
				continue
			}
			t.Logf("waiting for %s -> %s (%s)...", p.name, other.name, addrs[other.name])
			waitForPing(t, root, p.name, addrs[other.name], 30*time.Second)
		}
	}

	t.Log("running ping assertions...")
	for _, src := range peers {
		for _, dst := range peers {
			if src.name == dst.name {
				continue
			}
			t.Run(fmt.Sprintf("%s->%s", src.name, dst.name), func(t *testing.T) {
				if err := ping(t, root, src.name, addrs[dst.name]); err != nil {
					t.Logf("=== %s logs ===\n%s", src.name, composeLogs(t, root, src.name))
					t.Logf("=== %s logs ===\n%s", dst.name, composeLogs(t, root, dst.name))
					t.Errorf("ping %s -> %s failed: %v", src.name, addrs[dst.name], err)
				}
			})
		}
	}
}

// TestE2E_PeerDeparture verifies that when a peer leaves, the remaining
// peers can still communicate, and that the departed peer can rejoin
// and restore full mesh connectivity.
func TestE2E_PeerDeparture(t *testing.T) {
	root := projectRoot(t)
	configDir := filepath.Join(root, "test", "e2e", "configs")

	os.RemoveAll(configDir)
	generateConfigs(t, configDir)

	t.Log("building and starting containers...")
	if _, err := compose(t, root, "up", "-d", "--build"); err != nil {
		t.Fatalf("compose up: %v", err)
	}

	t.Cleanup(func() {
		t.Log("tearing down containers...")
		if _, err := compose(t, root, "down", "--volumes", "--remove-orphans", "--timeout", "10"); err != nil {
			t.Logf("compose down error: %v", err)
		}
		os.RemoveAll(configDir)
	})

	t.Log("waiting for addresses to be assigned...")
	addrs := make(map[string]string, len(peers))
	for _, p := range peers {
		addrs[p.name] = waitForAddress(t, p, 30*time.Second)
	}

	t.Log("waiting for mesh connectivity...")
	for _, p := range peers {
		for _, other := range peers {
			if p.name == other.name {
				continue
			}
			waitForPing(t, root, p.name, addrs[other.name], 30*time.Second)
		}
	}

	t.Log("stopping charlie...")
	if _, err := compose(t, root, "stop", "charlie"); err != nil {
		t.Fatalf("stopping charlie: %v", err)
	}
	time.Sleep(3 * time.Second)

	t.Log("verifying alpha <-> bravo connectivity after charlie's departure...")
	if err := ping(t, root, "alpha", addrs["bravo"]); err != nil {
		t.Errorf("alpha -> bravo failed after charlie left: %v", err)
	}
	if err := ping(t, root, "bravo", addrs["alpha"]); err != nil {
		t.Errorf("bravo -> alpha failed after charlie left: %v", err)
	}

	t.Log("restarting charlie...")
	if _, err := compose(t, root, "start", "charlie"); err != nil {
		t.Fatalf("starting charlie: %v", err)
	}
	waitForAddress(t, peer{name: "charlie", adminURL: "localhost:15516"}, 30*time.Second)

	t.Log("waiting for charlie to rejoin mesh...")
	for _, p := range peers {
		if p.name == "charlie" {
			continue
		}
		waitForPing(t, root, "charlie", addrs[p.name], 30*time.Second)
		waitForPing(t, root, p.name, addrs["charlie"], 30*time.Second)
	}

	t.Log("verifying full mesh after charlie's return...")
	for _, src := range peers {
		for _, dst := range peers {
			if src.name == dst.name {
				continue
			}
			if err := ping(t, root, src.name, addrs[dst.name]); err != nil {
				t.Errorf("ping %s -> %s failed after rejoin: %v", src.name, addrs[dst.name], err)
			}
		}
	}
}
