// Package query provides a protocol-agnostic read/write facade over the
// Store, Mempool, Chain, and Daemon layers, shared by the Electrum and
// REST servers so neither talks to storage or the mempool overlay
// directly.
package query

import (
    "bytes"
    "crypto/sha256"
    "encoding/hex"
    "fmt"
    "sort"

    "github.com/btcsuite/btcd/chaincfg/chainhash"
    "github.com/btcsuite/btcd/wire"

    "github.com/dedooxyz/btcindex/internal/daemon"
    "github.com/dedooxyz/btcindex/internal/errs"
    "github.com/dedooxyz/btcindex/internal/indexer"
    "github.com/dedooxyz/btcindex/internal/storage"
)

// Facade is the shared entry point both servers query through.
type Facade struct {
    db      *storage.DB
    mempool *indexer.MempoolOverlay
    chain   *indexer.ChainManager
    daemon  *daemon.Client
}

func New(db *storage.DB, mempool *indexer.MempoolOverlay,
    chain *indexer.ChainManager, daemonClient *daemon.Client) *Facade {
    return &Facade{db: db, mempool: mempool, chain: chain, daemon: daemonClient}
}

// Snapshot pins a *storage.StoreSnapshot for the lifetime of a single
// request; the mempool overlay is read under its own lock per call, so
// a snapshot covers the confirmed-chain half of a request's view while
// mempool state is read live. Callers must Close the returned view.
type View struct {
    f    *Facade
    snap *storage.StoreSnapshot
}

func (f *Facade) Snapshot() *View {
    return &View{f: f, snap: f.db.Snapshot()}
}

func (v *View) Close() error {
    return v.snap.Close()
}

// TxResult is the confirmed-or-mempool location of a transaction.
type TxResult struct {
    Txid      string
    Height    int32 // 0 means unconfirmed
    RawTx     *wire.MsgTx
    Confirmed bool
}

// GetTx returns the raw transaction for txidHex, checking the mempool
// first, then the compact per-block blob storage, falling back to the
// daemon for a transaction this index hasn't (or can't) store — e.g. a
// non-wallet transaction on a pruned node with no local copy.
func (v *View) GetTx(txidHex string) (*TxResult, error) {
    if tx, ok := v.f.mempool.GetTransaction(txidHex); ok && tx.RawTx != nil {
        return &TxResult{Txid: txidHex, Height: 0, RawTx: tx.RawTx}, nil
    }

    txid, err := decodeTxid(txidHex)
    if err != nil {
        return nil, err
    }

    height, txIndex, found, err := v.f.db.GetTxPos(txid)
    if err != nil {
        return nil, errs.Wrap(errs.Store, err, "failed to look up tx position")
    }

    if found {
        tx, err := v.txFromBlob(height, txIndex)
        if err != nil {
            return nil, err
        }
        return &TxResult{Txid: txidHex, Height: height, RawTx: tx, Confirmed: true}, nil
    }

    if v.f.daemon == nil {
        return nil, errs.Newf(errs.NotFound, "transaction %s not found", txidHex)
    }

    hash, err := chainhash.NewHashFromStr(txidHex)
    if err != nil {
        return nil, errs.Wrap(errs.BadRequest, err, "invalid txid")
    }
    btx, err := v.f.daemon.GetRawTransaction(hash)
    if err != nil {
        return nil, errs.Wrapf(errs.NotFound, err, "transaction %s not found", txidHex)
    }
    return &TxResult{Txid: txidHex, Height: 0, RawTx: btx.MsgTx()}, nil
}

func (v *View) txFromBlob(height int32, txIndex uint32) (*wire.MsgTx, error) {
    blob, err := v.snap.GetTxBlob(height)
    if err != nil {
        return nil, errs.Wrap(errs.Store, err, "failed to load tx blob")
    }
    offsets, err := v.snap.GetTxOffsets(height)
    if err != nil {
        return nil, errs.Wrap(errs.Store, err, "failed to load tx offsets")
    }
    if int(txIndex) >= len(offsets) {
        return nil, errs.Newf(errs.Store, "tx index %d out of range for height %d", txIndex, height)
    }

    start := offsets[txIndex]
    end := uint32(len(blob))
    if int(txIndex)+1 < len(offsets) {
        end = offsets[txIndex+1]
    }

    tx := &wire.MsgTx{}
    if err := tx.Deserialize(bytes.NewReader(blob[start:end])); err != nil {
        return nil, errs.Wrap(errs.Parse, err, "failed to deserialize tx")
    }
    return tx, nil
}

// TxStatus reports a transaction's confirmation state.
type TxStatus struct {
    Confirmed   bool
    BlockHeight int32
    InMempool   bool
}

func (v *View) GetTxStatus(txidHex string) (*TxStatus, error) {
    if _, ok := v.f.mempool.GetTransaction(txidHex); ok {
        return &TxStatus{InMempool: true}, nil
    }

    txid, err := decodeTxid(txidHex)
    if err != nil {
        return nil, err
    }

    height, _, found, err := v.f.db.GetTxPos(txid)
    if err != nil {
        return nil, errs.Wrap(errs.Store, err, "failed to look up tx position")
    }
    if !found {
        return nil, errs.Newf(errs.NotFound, "transaction %s not found", txidHex)
    }

    return &TxStatus{Confirmed: true, BlockHeight: height}, nil
}

// HistoryEntry is one confirmed-or-mempool appearance of a scripthash in
// a transaction.
type HistoryEntry struct {
    TxidHex string
    Height  int32 // 0 for mempool
    Fee     int64 // only set for mempool entries
}

// AddressHistory returns every transaction touching scripthash, confirmed
// history first (ascending height) then mempool entries, matching
// Electrum's status-hash ordering. includeMempool lets callers that only
// want confirmed history skip it. Used where the full history is needed
// outright (status-hash computation); REST's paginated /txs endpoint goes
// through AddressHistoryPage instead.
func (v *View) AddressHistory(scripthash []byte, includeMempool bool) ([]HistoryEntry, error) {
    var history []HistoryEntry
    seen := make(map[string]bool)

    prefix, err := storage.MakeHistoryPrefix(scripthash)
    if err != nil {
        return nil, errs.Wrap(errs.BadRequest, err, "invalid scripthash")
    }

    iter, err := v.snap.NewPrefixIterator(prefix)
    if err != nil {
        return nil, errs.Wrap(errs.Store, err, "failed to iterate history")
    }
    defer iter.Close()

    txidCache := make(map[int32][][]byte)

    for iter.First(); iter.Valid(); iter.Next() {
        _, height, txIndex, _, err := storage.ParseHistoryKey(iter.Key())
        if err != nil {
            continue
        }

        txids, ok := txidCache[height]
        if !ok {
            txids, err = v.snap.GetBlockTxids(height)
            if err != nil {
                continue
            }
            txidCache[height] = txids
        }
        if int(txIndex) >= len(txids) {
            continue
        }

        txidHex := indexer.TxidToHex(txids[txIndex])
        if seen[txidHex] {
            continue
        }
        seen[txidHex] = true

        history = append(history, HistoryEntry{TxidHex: txidHex, Height: height})
    }

    sort.Slice(history, func(i, j int) bool { return history[i].Height < history[j].Height })

    if includeMempool {
        mempoolTxids := v.f.mempool.GetScripthashTransactions(scripthash)
        sort.Strings(mempoolTxids)

        for _, txidHex := range mempoolTxids {
            if seen[txidHex] {
                continue
            }
            seen[txidHex] = true

            fee := int64(0)
            if tx, ok := v.f.mempool.GetTransaction(txidHex); ok {
                fee = tx.Fee
            }
            history = append(history, HistoryEntry{TxidHex: txidHex, Height: 0, Fee: fee})
        }
    }

    return history, nil
}

// AddressHistoryPage returns a cursor-paginated slice of scripthash's
// history in the same order as AddressHistory (confirmed ascending by
// height, then mempool). afterCursor, if non-empty, skips entries up to
// and including the matching txid; limit caps the number of entries
// returned. It reports the page's starting offset, the total history
// length, and the cursor to pass as afterCursor on the next call, empty
// once the history is exhausted.
func (v *View) AddressHistoryPage(scripthash []byte, afterCursor string, limit int, includeMempool bool) ([]HistoryEntry, int, int, string, error) {
    history, err := v.AddressHistory(scripthash, includeMempool)
    if err != nil {
        return nil, 0, 0, "", err
    }

    start := 0
    if afterCursor != "" {
        for i, entry := range history {
            if entry.TxidHex == afterCursor {
                start = i + 1
                break
            }
        }
    }

    if start >= len(history) {
        return nil, len(history), start, "", nil
    }

    end := len(history)
    if limit > 0 && start+limit < end {
        end = start + limit
    }

    page := history[start:end]

    nextCursor := ""
    if end < len(history) {
        nextCursor = page[len(page)-1].TxidHex
    }

    return page, len(history), start, nextCursor, nil
}

// Balance holds confirmed and unconfirmed satoshi totals for a scripthash.
type Balance struct {
    Confirmed   int64
    Unconfirmed int64
}

func (v *View) Balance(scripthash []byte) (*Balance, error) {
    stats, err := v.snap.GetAddressStats(scripthash)
    if err != nil {
        return nil, errs.Wrap(errs.Store, err, "failed to load address stats")
    }

    var confirmed int64
    if stats != nil {
        confirmed = stats.FundedSum - stats.SpentSum
    }

    unconfirmed := v.f.mempool.GetBalance(scripthash)

    return &Balance{Confirmed: confirmed, Unconfirmed: unconfirmed}, nil
}

// AddressStats is the funded/spent/tx-count summary served by
// /address/{a}/stats, backed by the X-prefixed cache row that block
// indexing updates in each block's batch.
type AddressStats struct {
    FundedSum       int64
    SpentSum        int64
    TxCount         uint32
    FirstSeenHeight int32
}

func (v *View) AddressStats(scripthash []byte) (*AddressStats, error) {
    stats, err := v.snap.GetAddressStats(scripthash)
    if err != nil {
        return nil, errs.Wrap(errs.Store, err, "failed to load address stats")
    }
    if stats == nil {
        return &AddressStats{}, nil
    }
    return &AddressStats{
        FundedSum:       stats.FundedSum,
        SpentSum:        stats.SpentSum,
        TxCount:         stats.TxCount,
        FirstSeenHeight: stats.FirstSeenHeight,
    }, nil
}

// UTXO is one unspent output belonging to a scripthash.
type UTXO struct {
    TxidHex string
    Vout    uint32
    Height  int32 // 0 for mempool
    Value   int64
}

func (v *View) UTXOs(scripthash []byte) ([]UTXO, error) {
    var utxos []UTXO

    utxoPrefix, err := storage.MakeUTXOPrefix(scripthash)
    if err != nil {
        return nil, errs.Wrap(errs.BadRequest, err, "invalid scripthash")
    }

    iter, err := v.snap.NewPrefixIterator(utxoPrefix)
    if err != nil {
        return nil, errs.Wrap(errs.Store, err, "failed to iterate utxos")
    }
    defer iter.Close()

    for iter.First(); iter.Valid(); iter.Next() {
        _, txid, vout, err := storage.ParseUTXOKey(iter.Key())
        if err != nil {
            continue
        }

        valueCopy := make([]byte, len(iter.Value()))
        copy(valueCopy, iter.Value())

        utxo, err := storage.DecodeUTXOValue(valueCopy)
        if err != nil {
            continue
        }

        if v.f.mempool.IsOutputSpent(txid, vout) {
            continue
        }

        utxos = append(utxos, UTXO{
            TxidHex: indexer.TxidToHex(txid),
            Vout:    vout,
            Height:  utxo.Height,
            Value:   utxo.Value,
        })
    }

    for _, out := range v.f.mempool.GetUnspentOutputs(scripthash) {
        utxos = append(utxos, UTXO{
            TxidHex: indexer.TxidToHex(out.Txid),
            Vout:    out.Vout,
            Height:  0,
            Value:   out.Value,
        })
    }

    return utxos, nil
}

// UTXOsPage returns a slice of scripthash's UTXOs starting at startIndex
// (0-based) up to limit entries, along with the total UTXO count, mirroring
// spec's utxos(scripthash, start_index, limit) operation.
func (v *View) UTXOsPage(scripthash []byte, startIndex, limit int) ([]UTXO, int, error) {
    utxos, err := v.UTXOs(scripthash)
    if err != nil {
        return nil, 0, err
    }

    total := len(utxos)
    if startIndex >= total {
        return nil, total, nil
    }

    end := total
    if limit > 0 && startIndex+limit < end {
        end = startIndex + limit
    }

    return utxos[startIndex:end], total, nil
}

// Outspend describes whether and how a specific output has been spent.
type Outspend struct {
    Spent   bool
    TxidHex string
    Vin     uint32
    Height  int32 // 0 if the spender is unconfirmed
}

func (v *View) Outspend(txidHex string, vout uint32) (*Outspend, error) {
    txid, err := decodeTxid(txidHex)
    if err != nil {
        return nil, err
    }

    // Confirmed spends live in the persisted O-index, written at the
    // same time the spent UTXO/TxIndex rows are deleted, so this still
    // resolves after the output has left the UTXO set.
    spend, err := v.snap.GetOutspend(txid, vout)
    if err != nil {
        return nil, errs.Wrap(errs.Store, err, "failed to look up outspend")
    }
    if spend != nil {
        return &Outspend{
            Spent:   true,
            TxidHex: indexer.TxidToHex(spend.SpenderTxid),
            Vin:     spend.SpenderVin,
            Height:  spend.Height,
        }, nil
    }

    if spender, ok := v.f.mempool.SpenderOf(txid, vout); ok {
        return &Outspend{Spent: true, TxidHex: spender}, nil
    }

    return &Outspend{Spent: false}, nil
}

func (v *View) MerkleProof(txidHex string) (*MerkleProof, error) {
    txid, err := decodeTxid(txidHex)
    if err != nil {
        return nil, err
    }

    height, _, found, err := v.f.db.GetTxPos(txid)
    if err != nil {
        return nil, errs.Wrap(errs.Store, err, "failed to look up tx position")
    }
    if !found {
        return nil, errs.Newf(errs.NotFound, "transaction %s not confirmed", txidHex)
    }

    txids, err := v.snap.GetBlockTxids(height)
    if err != nil {
        return nil, errs.Wrap(errs.Store, err, "failed to load block txids")
    }

    pos := -1
    for i, id := range txids {
        if bytes.Equal(id, txid) {
            pos = i
            break
        }
    }
    if pos < 0 {
        return nil, errs.Newf(errs.NotFound, "tx not found in block at height %d", height)
    }

    return &MerkleProof{
        BlockHeight: height,
        Pos:         pos,
        Merkle:      buildMerkleBranch(txids, pos),
    }, nil
}

// ComputeScripthashStatus computes Electrum's status hash for a
// scripthash: sha256 of "txid:height:" repeated for every history entry,
// confirmed ascending then mempool, or "" if the scripthash has no
// history.
func (v *View) ComputeScripthashStatus(scripthash []byte) (string, error) {
    history, err := v.AddressHistory(scripthash, true)
    if err != nil {
        return "", err
    }
    if len(history) == 0 {
        return "", nil
    }

    var buf bytes.Buffer
    for _, entry := range history {
        fmt.Fprintf(&buf, "%s:%d:", entry.TxidHex, entry.Height)
    }

    hash := sha256.Sum256(buf.Bytes())
    return hex.EncodeToString(hash[:]), nil
}

// FeeEstimates returns fee-rate estimates in satoshis per virtual byte
// for a fixed set of confirmation targets, converted from the daemon's
// estimatesmartfee rate in BTC/kB (1 BTC/kB = 1e5 sat/vB). Targets the
// daemon has no estimate for are left out. Backs REST's /fee-estimates.
func (v *View) FeeEstimates() (map[int64]float64, error) {
    targets := []int64{1, 2, 3, 5, 10, 25, 50, 100}
    estimates := make(map[int64]float64, len(targets))

    for _, target := range targets {
        result, err := v.f.daemon.EstimateSmartFee(target, nil)
        if err != nil || result.FeeRate == nil {
            continue
        }
        estimates[target] = *result.FeeRate * 1e5
    }

    return estimates, nil
}

// Holder is one entry in the top-holders ranking.
type Holder struct {
    ScripthashHex string
    Balance       int64
}

// TopHolders scans the whole X-prefixed address-stats cache and returns
// the top `limit` scripthashes by confirmed balance. Callers (REST) must
// rate-limit this themselves; it is a full table scan.
func (v *View) TopHolders(limit int) ([]Holder, error) {
    iter, err := v.snap.NewPrefixIterator(storage.AddressStatsPrefix())
    if err != nil {
        return nil, errs.Wrap(errs.Store, err, "failed to iterate address stats")
    }
    defer iter.Close()

    var holders []Holder
    for iter.First(); iter.Valid(); iter.Next() {
        scripthash, err := storage.ParseAddressStatsKey(iter.Key())
        if err != nil {
            continue
        }

        valueCopy := make([]byte, len(iter.Value()))
        copy(valueCopy, iter.Value())
        stats, err := storage.DecodeAddressStatsValue(valueCopy)
        if err != nil {
            continue
        }

        balance := stats.FundedSum - stats.SpentSum
        if balance <= 0 {
            continue
        }

        holders = append(holders, Holder{
            ScripthashHex: hex.EncodeToString(scripthash),
            Balance:       balance,
        })
    }

    sort.Slice(holders, func(i, j int) bool { return holders[i].Balance > holders[j].Balance })

    if limit > 0 && len(holders) > limit {
        holders = holders[:limit]
    }
    return holders, nil
}

// TotalSupply sums funded-spent across every cached scripthash, backing
// both /blockchain/getsupply and /blockchain/total-coin (spec.md treats
// them as aliases of the same computation).
func (v *View) TotalSupply() (int64, error) {
    iter, err := v.snap.NewPrefixIterator(storage.AddressStatsPrefix())
    if err != nil {
        return 0, errs.Wrap(errs.Store, err, "failed to iterate address stats")
    }
    defer iter.Close()

    var total int64
    for iter.First(); iter.Valid(); iter.Next() {
        valueCopy := make([]byte, len(iter.Value()))
        copy(valueCopy, iter.Value())
        stats, err := storage.DecodeAddressStatsValue(valueCopy)
        if err != nil {
            continue
        }
        total += stats.FundedSum - stats.SpentSum
    }

    return total, nil
}

// Broadcast submits a raw transaction to the daemon and, on acceptance,
// optimistically mirrors it into the mempool overlay so a client polling
// this index immediately after broadcast sees it without waiting for
// the next reconcile/ZMQ tick.
func (f *Facade) Broadcast(rawTx []byte) (string, error) {
    tx := &wire.MsgTx{}
    if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
        return "", errs.Wrap(errs.BadRequest, err, "invalid raw transaction")
    }

    hash, err := f.daemon.SendRawTransaction(tx, false)
    if err != nil {
        return "", errs.Wrap(errs.RpcError, err, "broadcast rejected")
    }

    if _, err := f.mempool.AddTransaction(tx); err != nil {
        return hash.String(), nil
    }

    return hash.String(), nil
}

// FeeHistogram forwards to the mempool overlay's bucketed fee-rate
// histogram, serving both mempool.get_fee_histogram and REST's /mempool.
func (f *Facade) FeeHistogram() indexer.FeeHistogram {
    return f.mempool.FeeHistogram()
}

// MempoolSummary is the aggregate view served by REST's /mempool.
type MempoolSummary struct {
    Count      int
    VSize      int64
    TotalFee   int64
}

// MempoolSummary aggregates the current mempool overlay for /mempool.
func (f *Facade) MempoolSummary() MempoolSummary {
    txs := f.mempool.AllTransactions()

    summary := MempoolSummary{Count: len(txs)}
    for _, tx := range txs {
        summary.VSize += tx.VSize
        summary.TotalFee += tx.Fee
    }
    return summary
}

// MempoolTxids returns every txid currently held in the mempool overlay,
// backing REST's /mempool/txids.
func (f *Facade) MempoolTxids() []string {
    txs := f.mempool.AllTransactions()
    txids := make([]string, len(txs))
    for i, tx := range txs {
        txids[i] = tx.TxidHex
    }
    return txids
}

// RecentMempoolTx is one entry in the /mempool/recent feed.
type RecentMempoolTx struct {
    TxidHex   string
    Fee       int64
    VSize     int64
    FirstSeen int64
}

// MempoolRecent returns up to limit of the most recently seen mempool
// transactions, newest first, backing REST's /mempool/recent.
func (f *Facade) MempoolRecent(limit int) []RecentMempoolTx {
    txs := f.mempool.AllTransactions()

    sort.Slice(txs, func(i, j int) bool {
        return txs[i].FirstSeen.After(txs[j].FirstSeen)
    })

    if limit > 0 && len(txs) > limit {
        txs = txs[:limit]
    }

    result := make([]RecentMempoolTx, len(txs))
    for i, tx := range txs {
        result[i] = RecentMempoolTx{
            TxidHex:   tx.TxidHex,
            Fee:       tx.Fee,
            VSize:     tx.VSize,
            FirstSeen: tx.FirstSeen.Unix(),
        }
    }
    return result
}

// CurrentHeight exposes the chain manager's tip height for /sync and
// /blocks/tip/height.
func (f *Facade) CurrentHeight() int32 {
    return f.chain.GetCurrentHeight()
}

func (f *Facade) CurrentHash() chainhash.Hash {
    return f.chain.GetCurrentHash()
}

// SyncStatus reports how far the index trails the daemon's chain tip,
// backing REST's /sync.
type SyncStatus struct {
    IndexHeight int32
    DaemonTip   int32
    Synced      bool
}

func (f *Facade) SyncStatus() (*SyncStatus, error) {
    indexHeight := f.chain.GetCurrentHeight()

    tip, err := f.daemon.GetBlockCount()
    if err != nil {
        return nil, errs.Wrap(errs.RpcError, err, "failed to get daemon block count")
    }

    return &SyncStatus{
        IndexHeight: indexHeight,
        DaemonTip:   int32(tip),
        Synced:      int64(indexHeight) >= tip,
    }, nil
}

func decodeTxid(txidHex string) ([]byte, error) {
    hash, err := chainhash.NewHashFromStr(txidHex)
    if err != nil {
        return nil, errs.Wrap(errs.BadRequest, err, "invalid txid")
    }
    return indexer.TxidFromHash(hash), nil
}
