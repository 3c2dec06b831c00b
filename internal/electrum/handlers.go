package electrum

import (
    "bytes"
    "encoding/hex"
    "encoding/json"
    "fmt"
    "log"

    "github.com/dedooxyz/btcindex/internal/errs"
    "github.com/dedooxyz/btcindex/internal/indexer"
    "github.com/dedooxyz/btcindex/internal/metrics"
)

// translateErr maps a typed internal/errs error into the -32000..-32099
// domain range, falling back to the standard JSON-RPC internal-error code
// for anything not carrying a typed Kind.
func translateErr(err error) *Error {
    switch errs.KindOf(err) {
    case errs.NotFound:
        return &Error{Code: ErrCodeNotFound, Message: err.Error()}
    case errs.BadRequest:
        return &Error{Code: ErrCodeBadRequest, Message: err.Error()}
    case errs.RpcError:
        return &Error{Code: ErrCodeUpstream, Message: err.Error()}
    default:
        return &Error{Code: ErrCodeInternal, Message: err.Error()}
    }
}

func (h *ConnectionHandler) handleMethod(method string,
    params json.RawMessage) (interface{}, *Error) {
    metrics.ElectrumRequestsTotal.WithLabelValues(method).Inc()

    switch method {
    case "server.version":
        return h.handleServerVersion(params)
    case "server.banner":
        return h.handleServerBanner(params)
    case "server.donation_address":
        return h.handleServerDonationAddress(params)
    case "server.peers.subscribe":
        return h.handleServerPeersSubscribe(params)
    case "server.ping":
        return h.handleServerPing(params)
    case "server.features":
        return h.handleServerFeatures(params)

    case "blockchain.headers.subscribe":
        return h.handleHeadersSubscribe(params)
    case "blockchain.block.header":
        return h.handleBlockHeader(params)
    case "blockchain.block.headers":
        return h.handleBlockHeaders(params)
    case "blockchain.estimatefee":
        return h.handleEstimateFee(params)
    case "blockchain.relayfee":
        return h.handleRelayFee(params)

    case "blockchain.scripthash.get_history":
        return h.handleScripthashGetHistory(params)
    case "blockchain.scripthash.get_balance":
        return h.handleScripthashGetBalance(params)
    case "blockchain.scripthash.listunspent":
        return h.handleScripthashListUnspent(params)
    case "blockchain.scripthash.subscribe":
        return h.handleScripthashSubscribe(params)
    case "blockchain.scripthash.unsubscribe":
        return h.handleScripthashUnsubscribe(params)
    case "blockchain.scripthash.get_mempool":
        return h.handleScripthashGetMempool(params)

    case "blockchain.transaction.get":
        return h.handleTransactionGet(params)
    case "blockchain.transaction.broadcast":
        return h.handleTransactionBroadcast(params)
    case "blockchain.transaction.get_merkle":
        return h.handleTransactionGetMerkle(params)
    case "blockchain.transaction.id_from_pos":
        return h.handleTransactionIdFromPos(params)

    case "mempool.get_fee_histogram":
        return h.handleMempoolFeeHistogram(params)

    default:
        if h.logReqs {
            log.Printf("⚠️  [%d] Unknown method: %s", h.connID, method)
        }
        return nil, &Error{
            Code:    ErrCodeMethodNotFound,
            Message: fmt.Sprintf("unknown method: %s", method),
        }
    }
}

// ============================================================================
// Server Methods
// ============================================================================

func (h *ConnectionHandler) handleServerVersion(params json.RawMessage) (interface{}, *Error) {
    var args []interface{}
    if err := json.Unmarshal(params, &args); err != nil {
        args = []interface{}{}
    }

    clientName := "unknown"
    if len(args) > 0 {
        if name, ok := args[0].(string); ok {
            clientName = name
        }
    }

    if h.logReqs {
        log.Printf("   [%d] Client: %s", h.connID, clientName)
    }

    return []string{
        "btcindex/0.1.0",
        "1.4",
    }, nil
}

func (h *ConnectionHandler) handleServerBanner(params json.RawMessage) (interface{}, *Error) {
    checkpoint, _ := h.server.db.LoadCheckpoint()
    start := checkpoint.StartHeight

    banner := fmt.Sprintf(`
         ╔════════════════════════════════════════════════════════════╗
         ║                       btcindex Server                      ║
         ║              Forward-Indexing • Pruned Node Ready          ║
         ╠════════════════════════════════════════════════════════════╣
         ║ Indexed from block: %-10d                                  ║
         ║ Current height:     %-10d                                  ║
         ║                                                            ║
         ║ ⚠️  DO NOT IMPORT WALLETS CREATED BEFORE block %d          ║
         ║     create a fresh wallet.                                 ║
         ╚════════════════════════════════════════════════════════════╝
`, start, checkpoint.Height, start)

    return banner, nil
}

func (h *ConnectionHandler) handleServerDonationAddress(params json.RawMessage) (interface{}, *Error) {
    return "", nil
}

func (h *ConnectionHandler) handleServerPeersSubscribe(params json.RawMessage) (interface{}, *Error) {
    return []interface{}{}, nil
}

func (h *ConnectionHandler) handleServerPing(params json.RawMessage) (interface{}, *Error) {
    return nil, nil
}

func (h *ConnectionHandler) handleServerFeatures(params json.RawMessage) (interface{}, *Error) {
    genesisHash := ""
    if h.server.client != nil {
        if h0, err := h.server.client.GetBlockHash(0); err == nil {
            genesisHash = h0.String()
        }
    }

    return map[string]interface{}{
        "server_version": "btcindex/0.1.0",
        "protocol_min":   "1.4",
        "protocol_max":   "1.4",
        "genesis_hash":   genesisHash,
        "hash_function":  "sha256",
        "pruning":        nil,
        "hosts":          map[string]interface{}{},
    }, nil
}

// ============================================================================
// Header Methods
// ============================================================================

func (h *ConnectionHandler) handleHeadersSubscribe(params json.RawMessage) (interface{}, *Error) {
    h.server.subs.SubscribeHeaders(h.writer)

    checkpoint, err := h.server.db.LoadCheckpoint()
    if err != nil {
        return nil, &Error{Code: ErrCodeInternal, Message: err.Error()}
    }

    if checkpoint.Height == 0 {
        return nil, &Error{Code: ErrCodeInternal, Message: "no blocks indexed"}
    }

    headerHex, err := h.server.db.GetHeaderHex(checkpoint.Height)
    if err != nil {
        return nil, &Error{Code: ErrCodeInternal, Message: err.Error()}
    }

    return map[string]interface{}{
        "height": checkpoint.Height,
        "hex":    headerHex,
    }, nil
}

func (h *ConnectionHandler) handleBlockHeader(params json.RawMessage) (interface{}, *Error) {
    var args []interface{}
    if err := json.Unmarshal(params, &args); err != nil || len(args) < 1 {
        return nil, &Error{Code: ErrCodeInvalidParams, Message: "expected [height]"}
    }

    height, ok := args[0].(float64)
    if !ok {
        return nil, &Error{Code: ErrCodeInvalidParams, Message: "height must be a number"}
    }

    headerHex, err := h.server.db.GetHeaderHex(int32(height))
    if err != nil {
        return nil, &Error{Code: ErrCodeInternal, Message: err.Error()}
    }

    if len(args) > 1 {
        return map[string]interface{}{
            "header": headerHex,
        }, nil
    }

    return headerHex, nil
}

func (h *ConnectionHandler) handleBlockHeaders(params json.RawMessage) (interface{}, *Error) {
    var args []interface{}
    if err := json.Unmarshal(params, &args); err != nil || len(args) < 2 {
        return nil, &Error{Code: ErrCodeInvalidParams, Message: "expected [start_height, count]"}
    }

    startHeight, ok := args[0].(float64)
    if !ok {
        return nil, &Error{Code: ErrCodeInvalidParams, Message: "start_height must be a number"}
    }

    count, ok := args[1].(float64)
    if !ok {
        return nil, &Error{Code: ErrCodeInvalidParams, Message: "count must be a number"}
    }

    if count > 2016 {
        count = 2016
    }

    var headers bytes.Buffer
    actualCount := 0

    for i := int32(startHeight); i < int32(startHeight+count); i++ {
        header, err := h.server.db.GetHeader(i)
        if err != nil {
            break
        }
        headers.Write(header)
        actualCount++
    }

    return map[string]interface{}{
        "count": actualCount,
        "hex":   hex.EncodeToString(headers.Bytes()),
        "max":   2016,
    }, nil
}

// ============================================================================
// Fee Methods
// ============================================================================

func (h *ConnectionHandler) handleEstimateFee(params json.RawMessage) (interface{}, *Error) {
    var args []interface{}
    if err := json.Unmarshal(params, &args); err != nil || len(args) < 1 {
        args = []interface{}{float64(6)}
    }

    numBlocks := int64(6)
    if n, ok := args[0].(float64); ok {
        numBlocks = int64(n)
    }

    result, err := h.server.client.EstimateSmartFee(numBlocks, nil)
    if err != nil {
        return float64(-1), nil
    }

    if result.FeeRate == nil {
        return float64(-1), nil
    }

    return *result.FeeRate, nil
}

func (h *ConnectionHandler) handleRelayFee(params json.RawMessage) (interface{}, *Error) {
    return 0.00001, nil
}

// ============================================================================
// Scripthash Methods
// ============================================================================

func (h *ConnectionHandler) handleScripthashGetHistory(params json.RawMessage) (interface{}, *Error) {
    scripthash, err := h.parseScripthashParam(params)
    if err != nil {
        return nil, err
    }

    view := h.server.query.Snapshot()
    defer view.Close()

    entries, queryErr := view.AddressHistory(scripthash, true)
    if queryErr != nil {
        return nil, translateErr(queryErr)
    }

    if limit := h.server.config.Indexer.ElectrumTxsLimit; limit > 0 && len(entries) > limit {
        return nil, &Error{
            Code:    ErrCodeBadRequest,
            Message: fmt.Sprintf("history has %d entries, more than the limit of %d", len(entries), limit),
        }
    }

    history := make([]map[string]interface{}, 0, len(entries))
    for _, e := range entries {
        history = append(history, map[string]interface{}{
            "tx_hash": e.TxidHex,
            "height":  int(e.Height),
        })
    }

    return history, nil
}

func (h *ConnectionHandler) handleScripthashGetBalance(params json.RawMessage) (interface{}, *Error) {
    scripthash, err := h.parseScripthashParam(params)
    if err != nil {
        return nil, err
    }

    view := h.server.query.Snapshot()
    defer view.Close()

    balance, queryErr := view.Balance(scripthash)
    if queryErr != nil {
        return nil, translateErr(queryErr)
    }

    return map[string]interface{}{
        "confirmed":   balance.Confirmed,
        "unconfirmed": balance.Unconfirmed,
    }, nil
}

func (h *ConnectionHandler) handleScripthashListUnspent(params json.RawMessage) (interface{}, *Error) {
    scripthash, err := h.parseScripthashParam(params)
    if err != nil {
        return nil, err
    }

    view := h.server.query.Snapshot()
    defer view.Close()

    utxos, queryErr := view.UTXOs(scripthash)
    if queryErr != nil {
        return nil, translateErr(queryErr)
    }

    result := make([]map[string]interface{}, 0, len(utxos))
    for _, u := range utxos {
        result = append(result, map[string]interface{}{
            "tx_hash": u.TxidHex,
            "tx_pos":  u.Vout,
            "height":  u.Height,
            "value":   u.Value,
        })
    }

    return result, nil
}

func (h *ConnectionHandler) handleScripthashSubscribe(params json.RawMessage) (interface{}, *Error) {
    scripthash, err := h.parseScripthashParam(params)
    if err != nil {
        return nil, err
    }

    scripthashHex := hex.EncodeToString(scripthash)

    h.server.subs.SubscribeScripthash(h.writer, scripthashHex)

    status, queryErr := h.server.ComputeScripthashStatus(scripthash)
    if queryErr != nil {
        return nil, &Error{Code: ErrCodeInternal, Message: queryErr.Error()}
    }

    if status == "" {
        return nil, nil
    }

    return status, nil
}

func (h *ConnectionHandler) handleScripthashUnsubscribe(params json.RawMessage) (interface{}, *Error) {
    scripthash, err := h.parseScripthashParam(params)
    if err != nil {
        return nil, err
    }

    scripthashHex := hex.EncodeToString(scripthash)
    h.server.subs.UnsubscribeScripthash(h.writer, scripthashHex)

    return true, nil
}

func (h *ConnectionHandler) handleScripthashGetMempool(params json.RawMessage) (interface{}, *Error) {
    scripthash, err := h.parseScripthashParam(params)
    if err != nil {
        return nil, err
    }

    txids := h.server.mempool.GetScripthashTransactions(scripthash)

    result := make([]map[string]interface{}, 0, len(txids))
    for _, txid := range txids {
        fee := int64(0)
        if tx, ok := h.server.mempool.GetTransaction(txid); ok {
            fee = tx.Fee
        }
        result = append(result, map[string]interface{}{
            "tx_hash": txid,
            "height":  0,
            "fee":     fee,
        })
    }

    return result, nil
}

// ============================================================================
// Transaction Methods
// ============================================================================

func (h *ConnectionHandler) handleTransactionGet(params json.RawMessage) (interface{}, *Error) {
    var args []interface{}
    if err := json.Unmarshal(params, &args); err != nil || len(args) < 1 {
        return nil, &Error{Code: ErrCodeInvalidParams, Message: "expected [txid]"}
    }

    txidStr, ok := args[0].(string)
    if !ok {
        return nil, &Error{Code: ErrCodeInvalidParams, Message: "txid must be a string"}
    }

    verbose := false
    if len(args) > 1 {
        if v, ok := args[1].(bool); ok {
            verbose = v
        }
    }

    if verbose {
        return nil, &Error{Code: ErrCodeMethodNotFound, Message: "verbose transaction.get not implemented"}
    }

    view := h.server.query.Snapshot()
    defer view.Close()

    result, queryErr := view.GetTx(txidStr)
    if queryErr != nil {
        return nil, translateErr(queryErr)
    }

    var buf bytes.Buffer
    if err := result.RawTx.Serialize(&buf); err != nil {
        return nil, &Error{Code: ErrCodeInternal, Message: err.Error()}
    }

    return hex.EncodeToString(buf.Bytes()), nil
}

func (h *ConnectionHandler) handleTransactionBroadcast(params json.RawMessage) (interface{}, *Error) {
    var args []interface{}
    if err := json.Unmarshal(params, &args); err != nil || len(args) < 1 {
        return nil, &Error{Code: ErrCodeInvalidParams, Message: "expected [raw_tx]"}
    }

    rawTxHex, ok := args[0].(string)
    if !ok {
        return nil, &Error{Code: ErrCodeInvalidParams, Message: "raw_tx must be a hex string"}
    }

    rawTxBytes, err := hex.DecodeString(rawTxHex)
    if err != nil {
        return nil, &Error{Code: ErrCodeInvalidParams, Message: "invalid hex"}
    }

    txidHex, queryErr := h.server.query.Broadcast(rawTxBytes)
    if queryErr != nil {
        return nil, translateErr(queryErr)
    }

    log.Printf("📤 [%d] Broadcast tx: %s", h.connID, txidHex)

    return txidHex, nil
}

func (h *ConnectionHandler) handleTransactionGetMerkle(params json.RawMessage) (interface{}, *Error) {
    var args []interface{}
    if err := json.Unmarshal(params, &args); err != nil || len(args) < 2 {
        return nil, &Error{Code: ErrCodeInvalidParams, Message: "expected [txid, height]"}
    }

    txidStr, ok := args[0].(string)
    if !ok {
        return nil, &Error{Code: ErrCodeInvalidParams, Message: "txid must be a string"}
    }

    if _, ok := args[1].(float64); !ok {
        return nil, &Error{Code: ErrCodeInvalidParams, Message: "height must be a number"}
    }

    view := h.server.query.Snapshot()
    defer view.Close()

    proof, queryErr := view.MerkleProof(txidStr)
    if queryErr != nil {
        return nil, translateErr(queryErr)
    }

    return proof, nil
}

func (h *ConnectionHandler) handleTransactionIdFromPos(params json.RawMessage) (interface{}, *Error) {
    var args []interface{}
    if err := json.Unmarshal(params, &args); err != nil || len(args) < 2 {
        return nil, &Error{Code: ErrCodeInvalidParams, Message: "expected [height, tx_pos]"}
    }

    heightFloat, ok := args[0].(float64)
    if !ok {
        return nil, &Error{Code: ErrCodeInvalidParams, Message: "height must be a number"}
    }

    posFloat, ok := args[1].(float64)
    if !ok {
        return nil, &Error{Code: ErrCodeInvalidParams, Message: "tx_pos must be a number"}
    }

    merkle := false
    if len(args) > 2 {
        if m, ok := args[2].(bool); ok {
            merkle = m
        }
    }

    height := int32(heightFloat)
    pos := int(posFloat)

    txids, err := h.server.db.GetBlockTxids(height)
    if err != nil {
        return nil, &Error{Code: ErrCodeInternal, Message: err.Error()}
    }
    if pos < 0 || pos >= len(txids) {
        return nil, &Error{Code: ErrCodeInvalidParams, Message: "tx_pos out of range"}
    }

    txidHex := indexer.TxidToHex(txids[pos])

    if !merkle {
        return txidHex, nil
    }

    view := h.server.query.Snapshot()
    defer view.Close()

    proof, queryErr := view.MerkleProof(txidHex)
    if queryErr != nil {
        return nil, translateErr(queryErr)
    }

    return map[string]interface{}{
        "tx_hash": txidHex,
        "merkle":  proof.Merkle,
    }, nil
}

// ============================================================================
// Mempool Methods
// ============================================================================

func (h *ConnectionHandler) handleMempoolFeeHistogram(params json.RawMessage) (interface{}, *Error) {
    histogram := h.server.query.FeeHistogram()

    result := make([][2]int64, 0, len(histogram))
    result = append(result, histogram...)

    return result, nil
}

// ============================================================================
// Helper Methods
// ============================================================================

func (h *ConnectionHandler) parseScripthashParam(params json.RawMessage) ([]byte, *Error) {
    var args []interface{}
    if err := json.Unmarshal(params, &args); err != nil || len(args) < 1 {
        return nil, &Error{Code: ErrCodeInvalidParams, Message: "expected [scripthash]"}
    }

    scripthashHex, ok := args[0].(string)
    if !ok {
        return nil, &Error{Code: ErrCodeInvalidParams, Message: "scripthash must be a hex string"}
    }

    scripthash, err := hex.DecodeString(scripthashHex)
    if err != nil {
        return nil, &Error{Code: ErrCodeInvalidParams, Message: "invalid scripthash hex"}
    }

    if len(scripthash) != 32 {
        return nil, &Error{Code: ErrCodeInvalidParams, Message: "scripthash must be 32 bytes"}
    }

    return scripthash, nil
}