// Package daemon wraps a Bitcoin Core JSON-RPC connection with retrying,
// typed accessors and cookie-file authentication, so the indexer and
// query layers never touch rpcclient.Client directly.
package daemon

import (
    "os"
    "strings"
    "time"

    "github.com/btcsuite/btcd/btcjson"
    "github.com/btcsuite/btcd/btcutil"
    "github.com/btcsuite/btcd/chaincfg/chainhash"
    "github.com/btcsuite/btcd/rpcclient"
    "github.com/btcsuite/btcd/wire"

    "github.com/dedooxyz/btcindex/internal/errs"
)

// Config describes how to reach and authenticate against a Bitcoin Core
// node. Either User/Pass or CookiePath must be set; CookiePath takes
// precedence when both are present, matching bitcoind's own
// .cookie-over-rpcuser convention.
type Config struct {
    Host       string
    User       string
    Pass       string
    CookiePath string
    DisableTLS bool
}

// Client wraps *rpcclient.Client with exponential-backoff retry on
// connection failures. Calls during initial sync retry indefinitely
// (there's nothing useful to do but wait for the daemon); calls on the
// query hot path give up after a bounded number of attempts so a stuck
// daemon surfaces as an error rather than hanging a request forever.
type Client struct {
    rpc *rpcclient.Client

    baseBackoff time.Duration
    maxBackoff  time.Duration
}

// New connects to the daemon described by cfg. Connection is verified
// with a GetBlockCount round trip before returning.
func New(cfg Config) (*Client, error) {
    user, pass := cfg.User, cfg.Pass
    if cfg.CookiePath != "" {
        data, err := os.ReadFile(cfg.CookiePath)
        if err != nil {
            return nil, errs.Wrapf(errs.Connection, err,
                "failed to read cookie file %s", cfg.CookiePath)
        }
        parts := strings.SplitN(strings.TrimSpace(string(data)), ":", 2)
        if len(parts) != 2 {
            return nil, errs.Newf(errs.Connection,
                "malformed cookie file %s", cfg.CookiePath)
        }
        user, pass = parts[0], parts[1]
    }

    connCfg := &rpcclient.ConnConfig{
        Host:         cfg.Host,
        User:         user,
        Pass:         pass,
        HTTPPostMode: true,
        DisableTLS:   cfg.DisableTLS,
    }

    rpc, err := rpcclient.New(connCfg, nil)
    if err != nil {
        return nil, errs.Wrap(errs.Connection, err, "failed to create RPC client")
    }

    if _, err := rpc.GetBlockCount(); err != nil {
        rpc.Shutdown()
        return nil, errs.Wrap(errs.Connection, err, "failed to reach daemon")
    }

    return &Client{
        rpc:         rpc,
        baseBackoff: time.Second,
        maxBackoff:  30 * time.Second,
    }, nil
}

func (c *Client) Shutdown() {
    c.rpc.Shutdown()
}

// retryBudget bounds how many times withRetry will retry a
// connection-class failure. Unlimited is for calls made while catching
// up to the daemon's tip, where there's nothing useful to do but wait;
// MaxAttempts bounds calls on the request-serving hot path, so a stuck
// daemon surfaces as an error rather than hanging a request forever.
type retryBudget struct {
    Unlimited   bool
    MaxAttempts int
}

var (
    queryBudget = retryBudget{MaxAttempts: 3}
    syncBudget  = retryBudget{Unlimited: true}
)

// withRetry retries fn on connection-class errors using capped
// exponential backoff, per budget.
func withRetry(budget retryBudget, baseBackoff, maxBackoff time.Duration, fn func() error) error {
    backoff := baseBackoff
    for try := 0; budget.Unlimited || try < budget.MaxAttempts; try++ {
        err := fn()
        if err == nil {
            return nil
        }
        if !isRetryable(err) {
            return err
        }
        if !budget.Unlimited && try == budget.MaxAttempts-1 {
            return errs.Wrap(errs.Connection, err, "daemon call failed after retries")
        }
        time.Sleep(backoff)
        backoff *= 2
        if backoff > maxBackoff {
            backoff = maxBackoff
        }
    }
    return nil
}

func isRetryable(err error) bool {
    if err == nil {
        return false
    }
    msg := strings.ToLower(err.Error())
    return strings.Contains(msg, "connection refused") ||
        strings.Contains(msg, "timeout") ||
        strings.Contains(msg, "eof") ||
        strings.Contains(msg, "broken pipe") ||
        strings.Contains(msg, "no route to host")
}

func (c *Client) GetBlockCount() (int64, error) {
    var out int64
    err := withRetry(queryBudget, c.baseBackoff, c.maxBackoff, func() error {
        v, err := c.rpc.GetBlockCount()
        out = v
        return err
    })
    return out, err
}

func (c *Client) GetBestBlockHash() (*chainhash.Hash, error) {
    var out *chainhash.Hash
    err := withRetry(queryBudget, c.baseBackoff, c.maxBackoff, func() error {
        v, err := c.rpc.GetBestBlockHash()
        out = v
        return err
    })
    return out, err
}

func (c *Client) GetBlockHash(height int64) (*chainhash.Hash, error) {
    var out *chainhash.Hash
    err := withRetry(queryBudget, c.baseBackoff, c.maxBackoff, func() error {
        v, err := c.rpc.GetBlockHash(height)
        out = v
        return err
    })
    return out, err
}

// GetBlockHashSync behaves like GetBlockHash but retries connection
// failures indefinitely rather than giving up after a few attempts.
// Use it on the initial catch-up / chain-walk path, where aborting a
// multi-thousand-block sync over one transient daemon hiccup is worse
// than waiting.
func (c *Client) GetBlockHashSync(height int64) (*chainhash.Hash, error) {
    var out *chainhash.Hash
    err := withRetry(syncBudget, c.baseBackoff, c.maxBackoff, func() error {
        v, err := c.rpc.GetBlockHash(height)
        out = v
        return err
    })
    return out, err
}

func (c *Client) GetBlock(hash *chainhash.Hash) (*wire.MsgBlock, error) {
    var out *wire.MsgBlock
    err := withRetry(queryBudget, c.baseBackoff, c.maxBackoff, func() error {
        v, err := c.rpc.GetBlock(hash)
        out = v
        return err
    })
    return out, err
}

// GetBlockSync is the sync-path counterpart of GetBlock; see
// GetBlockHashSync.
func (c *Client) GetBlockSync(hash *chainhash.Hash) (*wire.MsgBlock, error) {
    var out *wire.MsgBlock
    err := withRetry(syncBudget, c.baseBackoff, c.maxBackoff, func() error {
        v, err := c.rpc.GetBlock(hash)
        out = v
        return err
    })
    return out, err
}

func (c *Client) GetBlockHeaderVerbose(hash *chainhash.Hash) (*btcjson.GetBlockHeaderVerboseResult, error) {
    var out *btcjson.GetBlockHeaderVerboseResult
    err := withRetry(queryBudget, c.baseBackoff, c.maxBackoff, func() error {
        v, err := c.rpc.GetBlockHeaderVerbose(hash)
        out = v
        return err
    })
    return out, err
}

func (c *Client) GetRawTransaction(hash *chainhash.Hash) (*btcutil.Tx, error) {
    var out *btcutil.Tx
    err := withRetry(queryBudget, c.baseBackoff, c.maxBackoff, func() error {
        v, err := c.rpc.GetRawTransaction(hash)
        out = v
        return err
    })
    return out, err
}

func (c *Client) SendRawTransaction(tx *wire.MsgTx, allowHighFees bool) (*chainhash.Hash, error) {
    var out *chainhash.Hash
    err := withRetry(queryBudget, c.baseBackoff, c.maxBackoff, func() error {
        v, err := c.rpc.SendRawTransaction(tx, allowHighFees)
        out = v
        return err
    })
    return out, err
}

func (c *Client) GetRawMempool() ([]*chainhash.Hash, error) {
    var out []*chainhash.Hash
    err := withRetry(queryBudget, c.baseBackoff, c.maxBackoff, func() error {
        v, err := c.rpc.GetRawMempool()
        out = v
        return err
    })
    return out, err
}

func (c *Client) EstimateSmartFee(confTarget int64, mode *btcjson.EstimateSmartFeeMode) (*btcjson.EstimateSmartFeeResult, error) {
    var out *btcjson.EstimateSmartFeeResult
    err := withRetry(queryBudget, c.baseBackoff, c.maxBackoff, func() error {
        v, err := c.rpc.EstimateSmartFee(confTarget, mode)
        out = v
        return err
    })
    return out, err
}

// WaitForSync retries GetBlockCount indefinitely until the daemon
// answers, used during startup when the daemon may still be loading
// its block index.
func (c *Client) WaitForSync() (int64, error) {
    var out int64
    err := withRetry(syncBudget, c.baseBackoff, c.maxBackoff, func() error {
        v, err := c.rpc.GetBlockCount()
        out = v
        return err
    })
    return out, err
}

// Raw exposes the underlying rpcclient.Client for calls this wrapper
// doesn't cover (e.g. getblockchaininfo, whose response shape varies
// across Core versions and is easier to unmarshal ad hoc via
// RawRequest).
func (c *Client) Raw() *rpcclient.Client {
    return c.rpc
}
