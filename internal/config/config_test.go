package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bitcoin.RPCPass = "secret"
	require.NoError(t, cfg.Validate())
}

func TestDefaultConfigCookieAuthSkipsUserPass(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bitcoin.CookiePath = "/data/.cookie"
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadStartHeight(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bitcoin.RPCPass = "secret"
	cfg.Indexer.StartHeight = -2
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "start_height")
}

func TestValidateRejectsUnknownNetwork(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bitcoin.RPCPass = "secret"
	cfg.Bitcoin.Network = "funkynet"
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "network")
}

func TestValidateRejectsOversizeUTXOsLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bitcoin.RPCPass = "secret"
	cfg.Indexer.UTXOsLimit = 5000
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "utxos_limit")
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `
[server]
listen = "127.0.0.1:60001"
http_addr = "127.0.0.1:4000"
max_connections = 10
request_timeout_seconds = 15

[bitcoin]
network = "regtest"
rpc_host = "127.0.0.1:18443"
rpc_user = "u"
rpc_pass = "p"
zmq_block_addr = "tcp://127.0.0.1:28332"
zmq_tx_addr = "tcp://127.0.0.1:28333"

[storage]
db_path = "./testdata/index.db"
max_reorg_depth = 100

[indexer]
start_height = 0
checkpoint_interval = 50
undo_prune_interval = 500

[logging]
level = "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:60001", cfg.Server.Listen)
	require.Equal(t, int64(15*1e9), cfg.Server.RequestTimeout.Nanoseconds())
	require.Equal(t, "regtest", cfg.Bitcoin.Network)
	// Fields absent from the TOML keep their defaults.
	require.Equal(t, 500, cfg.Indexer.UTXOsLimit)
}

func TestStringMasksPassword(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bitcoin.RPCPass = "hunter2"
	require.NotContains(t, cfg.String(), "hunter2")
	require.Contains(t, cfg.String(), "****")
}
