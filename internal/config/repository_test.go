package config

import (
	"context"
	"net/netip"
	"path/filepath"
	"testing"

	"github.com/kuuji/linkmesh/internal/headlink"
	"github.com/kuuji/linkmesh/internal/wgcrypto"
	"github.com/kuuji/linkmesh/internal/wireproto"
)

func fillPubKey(b byte) wireproto.PubKey {
	var k wireproto.PubKey
	for i := range k {
		k[i] = b
	}
	return k
}

func TestMemRepositoryTokenAndPeerLookup(t *testing.T) {
	ctx := context.Background()
	repo := NewMemRepository()
	cidr := netip.MustParsePrefix("10.20.0.0/24")
	peer := fillPubKey(0x01)
	repo.AddNetwork(7, cidr, []headlink.PeerRecord{{PubKey: peer, Enabled: true}})
	repo.AddToken("join-me", 7)

	id, ok, err := repo.LookupToken(ctx, "join-me")
	if err != nil || !ok || id != 7 {
		t.Fatalf("LookupToken = (%d, %v, %v), want (7, true, nil)", id, ok, err)
	}

	if _, ok, _ := repo.LookupToken(ctx, "nonexistent"); ok {
		t.Fatal("expected unknown token to miss")
	}

	rec, networkID, ok, err := repo.LookupPeer(ctx, peer)
	if err != nil || !ok || networkID != 7 || rec.PubKey != peer {
		t.Fatalf("LookupPeer = (%+v, %d, %v, %v)", rec, networkID, ok, err)
	}

	gotCIDR, peers, ok, err := repo.Network(ctx, 7)
	if err != nil || !ok || gotCIDR != cidr || len(peers) != 1 {
		t.Fatalf("Network = (%v, %v, %v, %v)", gotCIDR, peers, ok, err)
	}
}

func TestMemRepositoryPersistIPThenLookup(t *testing.T) {
	ctx := context.Background()
	repo := NewMemRepository()
	cidr := netip.MustParsePrefix("10.20.0.0/24")
	peer := fillPubKey(0x02)
	repo.AddNetwork(1, cidr, []headlink.PeerRecord{{PubKey: peer, Enabled: true}})

	ip := netip.MustParseAddr("10.20.0.3")
	if err := repo.PersistIP(ctx, 1, peer, ip); err != nil {
		t.Fatalf("PersistIP: %v", err)
	}

	rec, _, ok, err := repo.LookupPeer(ctx, peer)
	if err != nil || !ok || rec.IP != ip {
		t.Fatalf("LookupPeer after PersistIP = (%+v, %v, %v)", rec, ok, err)
	}
}

func TestSQLiteRepositoryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	repo, err := OpenSQLiteRepository(filepath.Join(dir, "headlink.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteRepository: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	cidr := netip.MustParsePrefix("10.30.0.0/24")
	if _, err := repo.CreateNetwork(ctx, 42, cidr); err != nil {
		t.Fatalf("CreateNetwork: %v", err)
	}
	if err := repo.AddToken(ctx, "tok-1", 42); err != nil {
		t.Fatalf("AddToken: %v", err)
	}

	id, ok, err := repo.LookupToken(ctx, "tok-1")
	if err != nil || !ok || id != 42 {
		t.Fatalf("LookupToken = (%d, %v, %v), want (42, true, nil)", id, ok, err)
	}

	peer := fillPubKey(0x09)
	ip := netip.MustParseAddr("10.30.0.5")
	if err := repo.PersistIP(ctx, 42, peer, ip); err != nil {
		t.Fatalf("PersistIP: %v", err)
	}

	rec, networkID, ok, err := repo.LookupPeer(ctx, peer)
	if err != nil || !ok || networkID != 42 || rec.IP != ip {
		t.Fatalf("LookupPeer = (%+v, %d, %v, %v)", rec, networkID, ok, err)
	}

	gotCIDR, peers, ok, err := repo.Network(ctx, 42)
	if err != nil || !ok || gotCIDR != cidr || len(peers) != 1 {
		t.Fatalf("Network = (%v, %v, %v, %v)", gotCIDR, peers, ok, err)
	}
}

func TestSQLiteSecretStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	repo, err := OpenSQLiteRepository(filepath.Join(dir, "headlink.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteRepository: %v", err)
	}
	defer repo.Close()

	store := NewSQLiteSecretStore(repo)
	var key wgcrypto.Key
	key[0] = 0x5a

	if err := store.Save(key); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded != key {
		t.Fatalf("loaded key %v, want %v", loaded, key)
	}

	// Saving again overwrites rather than conflicting on the primary key.
	key[1] = 0x5b
	if err := store.Save(key); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	loaded, err = store.Load()
	if err != nil || loaded != key {
		t.Fatalf("loaded key after overwrite = (%v, %v), want (%v, nil)", loaded, err, key)
	}
}

func TestFileSecretStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := FileSecretStore{Path: filepath.Join(dir, "config.json")}

	var key wgcrypto.Key
	key[0] = 0x11
	if err := store.Save(key); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded != key {
		t.Fatalf("loaded key %v, want %v", loaded, key)
	}
}
