// Repository implementations for internal/headlink.Repository: a
// modernc.org/sqlite-backed store for production and an in-memory store for
// tests, per spec.md's "Persisted state (server)" note (a single secret
// row, plus tables for networks, peers, peer-extra-transports, and
// network-tokens).
package config

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/netip"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/kuuji/linkmesh/internal/headlink"
	"github.com/kuuji/linkmesh/internal/wgcrypto"
	"github.com/kuuji/linkmesh/internal/wireproto"
)

const schema = `
CREATE TABLE IF NOT EXISTS config (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS networks (
	id   INTEGER PRIMARY KEY,
	cidr TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS peers (
	network_id    INTEGER NOT NULL,
	pubkey        BLOB NOT NULL,
	ip            TEXT NOT NULL DEFAULT '',
	port          INTEGER NOT NULL DEFAULT 0,
	enabled       INTEGER NOT NULL DEFAULT 1,
	default_proto TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (network_id, pubkey)
);
CREATE TABLE IF NOT EXISTS peer_extra_transports (
	network_id INTEGER NOT NULL,
	pubkey     BLOB NOT NULL,
	proto      TEXT NOT NULL,
	params     BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS network_tokens (
	token      TEXT PRIMARY KEY,
	network_id INTEGER NOT NULL,
	disabled   INTEGER NOT NULL DEFAULT 0
);
`

// SQLiteRepository is the durable headlink.Repository backed by a
// modernc.org/sqlite (pure-Go, no cgo) database file.
type SQLiteRepository struct {
	db *sql.DB
}

// OpenSQLiteRepository opens (creating if absent) a sqlite database at path
// and ensures its schema exists.
func OpenSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema to %s: %w", path, err)
	}
	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error { return r.db.Close() }

func (r *SQLiteRepository) LookupToken(ctx context.Context, token string) (uint64, bool, error) {
	var networkID uint64
	var disabled bool
	err := r.db.QueryRowContext(ctx,
		`SELECT network_id, disabled FROM network_tokens WHERE token = ?`, token,
	).Scan(&networkID, &disabled)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("looking up token: %w", err)
	}
	if disabled {
		return 0, false, nil
	}
	return networkID, true, nil
}

func (r *SQLiteRepository) LookupPeer(ctx context.Context, pubKey wireproto.PubKey) (headlink.PeerRecord, uint64, bool, error) {
	var networkID uint64
	var ipStr, defaultProto string
	var port uint32
	var enabled bool
	err := r.db.QueryRowContext(ctx,
		`SELECT network_id, ip, port, enabled, default_proto FROM peers WHERE pubkey = ?`,
		pubKey[:],
	).Scan(&networkID, &ipStr, &port, &enabled, &defaultProto)
	if err == sql.ErrNoRows {
		return headlink.PeerRecord{}, 0, false, nil
	}
	if err != nil {
		return headlink.PeerRecord{}, 0, false, fmt.Errorf("looking up peer: %w", err)
	}

	rec := headlink.PeerRecord{PubKey: pubKey, Port: port, Enabled: enabled, DefaultProto: defaultProto}
	if ipStr != "" {
		if ip, err := netip.ParseAddr(ipStr); err == nil {
			rec.IP = ip
		}
	}
	extras, err := r.extraTransports(ctx, networkID, pubKey)
	if err != nil {
		return headlink.PeerRecord{}, 0, false, err
	}
	rec.ExtraTransports = extras
	return rec, networkID, true, nil
}

func (r *SQLiteRepository) Network(ctx context.Context, networkID uint64) (netip.Prefix, []headlink.PeerRecord, bool, error) {
	var cidrStr string
	if err := r.db.QueryRowContext(ctx,
		`SELECT cidr FROM networks WHERE id = ?`, networkID,
	).Scan(&cidrStr); err != nil {
		if err == sql.ErrNoRows {
			return netip.Prefix{}, nil, false, nil
		}
		return netip.Prefix{}, nil, false, fmt.Errorf("looking up network: %w", err)
	}
	cidr, err := netip.ParsePrefix(cidrStr)
	if err != nil {
		return netip.Prefix{}, nil, false, fmt.Errorf("parsing stored cidr %q: %w", cidrStr, err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT pubkey, ip, port, enabled, default_proto FROM peers WHERE network_id = ?`, networkID,
	)
	if err != nil {
		return netip.Prefix{}, nil, false, fmt.Errorf("listing network peers: %w", err)
	}
	defer rows.Close()

	var peers []headlink.PeerRecord
	for rows.Next() {
		var pubkeyBlob []byte
		var ipStr, defaultProto string
		var port uint32
		var enabled bool
		if err := rows.Scan(&pubkeyBlob, &ipStr, &port, &enabled, &defaultProto); err != nil {
			return netip.Prefix{}, nil, false, fmt.Errorf("scanning peer row: %w", err)
		}
		var rec headlink.PeerRecord
		copy(rec.PubKey[:], pubkeyBlob)
		rec.Port = port
		rec.Enabled = enabled
		rec.DefaultProto = defaultProto
		if ipStr != "" {
			if ip, err := netip.ParseAddr(ipStr); err == nil {
				rec.IP = ip
			}
		}
		extras, err := r.extraTransports(ctx, networkID, rec.PubKey)
		if err != nil {
			return netip.Prefix{}, nil, false, err
		}
		rec.ExtraTransports = extras
		peers = append(peers, rec)
	}
	return cidr, peers, true, rows.Err()
}

func (r *SQLiteRepository) PersistIP(ctx context.Context, networkID uint64, pubKey wireproto.PubKey, ip netip.Addr) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE peers SET ip = ? WHERE network_id = ? AND pubkey = ?`,
		ip.String(), networkID, pubKey[:],
	)
	if err != nil {
		return fmt.Errorf("persisting assigned ip: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO peers (network_id, pubkey, ip, enabled) VALUES (?, ?, ?, 1)`,
			networkID, pubKey[:], ip.String(),
		)
		if err != nil {
			return fmt.Errorf("inserting peer with assigned ip: %w", err)
		}
	}
	return nil
}

func (r *SQLiteRepository) extraTransports(ctx context.Context, networkID uint64, pubKey wireproto.PubKey) ([]headlink.ExtraTransportParam, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT proto, params FROM peer_extra_transports WHERE network_id = ? AND pubkey = ?`,
		networkID, pubKey[:],
	)
	if err != nil {
		return nil, fmt.Errorf("listing extra transports: %w", err)
	}
	defer rows.Close()

	var out []headlink.ExtraTransportParam
	for rows.Next() {
		var p headlink.ExtraTransportParam
		if err := rows.Scan(&p.Proto, &p.Params); err != nil {
			return nil, fmt.Errorf("scanning extra transport row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreateNetwork inserts a new network row, using id if nonzero or a fresh
// snowflake id otherwise, and returns the id used.
func (r *SQLiteRepository) CreateNetwork(ctx context.Context, id uint64, cidr netip.Prefix) (uint64, error) {
	if id == 0 {
		id = NewSnowflakeGenerator().Next()
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO networks (id, cidr) VALUES (?, ?)`, id, cidr.String())
	if err != nil {
		return 0, fmt.Errorf("creating network: %w", err)
	}
	return id, nil
}

// AddToken registers a join token bound to networkID.
func (r *SQLiteRepository) AddToken(ctx context.Context, token string, networkID uint64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO network_tokens (token, network_id, disabled) VALUES (?, ?, 0)`, token, networkID)
	if err != nil {
		return fmt.Errorf("adding token: %w", err)
	}
	return nil
}

// SQLiteSecretStore persists the server's single static secret as a JSON
// blob in the same database's config table, matching spec.md's "single row
// secret in a key-value config table containing the JSON-serialized
// {private_key: hex}".
type SQLiteSecretStore struct {
	db *sql.DB
}

func NewSQLiteSecretStore(r *SQLiteRepository) *SQLiteSecretStore {
	return &SQLiteSecretStore{db: r.db}
}

func (s *SQLiteSecretStore) Load() (keyOut wgcrypto.Key, err error) {
	var value string
	if err := s.db.QueryRow(`SELECT value FROM config WHERE key = 'secret'`).Scan(&value); err != nil {
		return keyOut, fmt.Errorf("reading secret row: %w", err)
	}
	var doc struct {
		PrivateKey string `json:"private_key"`
	}
	if err := json.Unmarshal([]byte(value), &doc); err != nil {
		return keyOut, fmt.Errorf("decoding secret row: %w", err)
	}
	b, err := hex.DecodeString(doc.PrivateKey)
	if err != nil {
		return keyOut, fmt.Errorf("decoding stored private key: %w", err)
	}
	copy(keyOut[:], b)
	return keyOut, nil
}

func (s *SQLiteSecretStore) Save(key wgcrypto.Key) error {
	doc := struct {
		PrivateKey string `json:"private_key"`
	}{PrivateKey: hex.EncodeToString(key[:])}
	value, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding secret row: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO config (key, value) VALUES ('secret', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, string(value))
	if err != nil {
		return fmt.Errorf("writing secret row: %w", err)
	}
	return nil
}

// MemRepository is an in-memory headlink.Repository for tests and the
// single-process "no persistence configured" fallback.
type MemRepository struct {
	mu       sync.Mutex
	networks map[uint64]memNetwork
	tokens   map[string]uint64
}

type memNetwork struct {
	cidr  netip.Prefix
	peers map[wireproto.PubKey]*headlink.PeerRecord
}

func NewMemRepository() *MemRepository {
	return &MemRepository{
		networks: make(map[uint64]memNetwork),
		tokens:   make(map[string]uint64),
	}
}

func (m *MemRepository) AddNetwork(id uint64, cidr netip.Prefix, initial []headlink.PeerRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make(map[wireproto.PubKey]*headlink.PeerRecord, len(initial))
	for i := range initial {
		rec := initial[i]
		peers[rec.PubKey] = &rec
	}
	m.networks[id] = memNetwork{cidr: cidr, peers: peers}
}

func (m *MemRepository) AddToken(token string, networkID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token] = networkID
}

func (m *MemRepository) LookupToken(ctx context.Context, token string) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.tokens[token]
	return id, ok, nil
}

func (m *MemRepository) LookupPeer(ctx context.Context, pubKey wireproto.PubKey) (headlink.PeerRecord, uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, net := range m.networks {
		if rec, ok := net.peers[pubKey]; ok {
			return *rec, id, true, nil
		}
	}
	return headlink.PeerRecord{}, 0, false, nil
}

func (m *MemRepository) Network(ctx context.Context, networkID uint64) (netip.Prefix, []headlink.PeerRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	net, ok := m.networks[networkID]
	if !ok {
		return netip.Prefix{}, nil, false, nil
	}
	out := make([]headlink.PeerRecord, 0, len(net.peers))
	for _, rec := range net.peers {
		out = append(out, *rec)
	}
	return net.cidr, out, true, nil
}

func (m *MemRepository) PersistIP(ctx context.Context, networkID uint64, pubKey wireproto.PubKey, ip netip.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	net, ok := m.networks[networkID]
	if !ok {
		return fmt.Errorf("config: unknown network %d", networkID)
	}
	rec, ok := net.peers[pubKey]
	if !ok {
		rec = &headlink.PeerRecord{PubKey: pubKey, Enabled: true}
		net.peers[pubKey] = rec
	}
	rec.IP = ip
	return nil
}
