package storage

import (
    "encoding/binary"
    "errors"
    "fmt"
)

const (
    PrefixUTXO    byte = 'u'
    PrefixHistory byte = 'h'
    PrefixTxIndex byte = 't'
    PrefixUndo    byte = 'd'
    PrefixHeader  byte = 'b'
    PrefixMempool byte = 'm'
    PrefixBlockTx byte = 'x'

    PrefixTxPos  byte = 'p'
    PrefixTxBlob byte = 'r'
    PrefixTxOffs byte = 'o'

    // PrefixAddressStats tags the per-scripthash funded/spent/tx-count
    // cache row, updated in each block's batch, used by address_stats
    // and top_holders.
    PrefixAddressStats byte = 'X'

    // PrefixMempoolTx tags a full per-transaction mempool record
    // (fee/vsize/first-seen, keyed by txid alone), distinct from
    // PrefixMempool's per-output records, so a restart can rehydrate
    // full MempoolTransaction detail rather than just outputs.
    PrefixMempoolTx byte = 'S'

    // PrefixAddress tags the address-string -> scripthash index used by
    // /address-prefix search. The mapping is a pure function of the
    // address string, not chain state, so entries are written once and
    // never touched by reorg rollback.
    PrefixAddress byte = 'A'

    // PrefixOutspend tags the spent-outpoint -> spender index
    // (O|txid|vout -> spender txid/vin/height), written alongside the
    // UTXO/TxIndex deletion at spend time so /tx/{txid}/outspend can
    // still answer after the spent output has left the UTXO set.
    // Rolled back like every other row on reorg.
    PrefixOutspend byte = 'O'

    KeyCheckpoint = "c"

    // KeyFormatVersion stores the on-disk format version. A mismatch
    // against CurrentFormatVersion on Open refuses to start rather than
    // risk reading a layout this binary doesn't understand.
    KeyFormatVersion = "v"
)

// CurrentFormatVersion is the on-disk key/value layout version this
// build writes and expects. Bump when a key or value encoding changes
// in a way older builds can't read.
const CurrentFormatVersion uint32 = 3

const (
    ScripthashLength = 32
    TxidLength       = 32
    VoutLength       = 4
    HeightLength     = 4
    BlockHashLength  = 32
)

func MakeUTXOKey(scripthash, txid []byte, vout uint32) ([]byte, error) {
    if len(scripthash) != ScripthashLength {
        return nil, fmt.Errorf("invalid scripthash length: got %d, want %d",
            len(scripthash), ScripthashLength)
    }
    if len(txid) != TxidLength {
        return nil, fmt.Errorf("invalid txid length: got %d, want %d",
            len(txid), TxidLength)
    }

    key := make([]byte, 1+ScripthashLength+TxidLength+VoutLength)
    key[0] = PrefixUTXO
    copy(key[1:33], scripthash)
    copy(key[33:65], txid)
    binary.BigEndian.PutUint32(key[65:69], vout)

    return key, nil
}

func ParseUTXOKey(key []byte) (scripthash, txid []byte, vout uint32,
    err error) {
    expectedLen := 1 + ScripthashLength + TxidLength + VoutLength
    if len(key) != expectedLen {
        return nil, nil, 0,
            fmt.Errorf("invalid UTXO key length: got %d, want %d",
                len(key), expectedLen)
    }
    if key[0] != PrefixUTXO {
        return nil, nil, 0,
            fmt.Errorf("invalid UTXO key prefix: got %c, want %c",
                key[0], PrefixUTXO)
    }

    scripthash = make([]byte, ScripthashLength)
    txid = make([]byte, TxidLength)
    copy(scripthash, key[1:33])
    copy(txid, key[33:65])
    vout = binary.BigEndian.Uint32(key[65:69])

    return scripthash, txid, vout, nil
}

func MakeUTXOPrefix(scripthash []byte) ([]byte, error) {
    if len(scripthash) != ScripthashLength {
        return nil, fmt.Errorf("invalid scripthash length: got %d, want %d",
            len(scripthash), ScripthashLength)
    }

    prefix := make([]byte, 1+ScripthashLength)
    prefix[0] = PrefixUTXO
    copy(prefix[1:], scripthash)

    return prefix, nil
}

// History key format:
// h + scripthash(32) + height(4) + txIndex(4) + index(4)
func MakeHistoryKey(scripthash []byte, height int32, txIndex, index uint32) (
    []byte, error) {
    if len(scripthash) != ScripthashLength {
        return nil, fmt.Errorf("invalid scripthash length: got %d, want %d",
            len(scripthash), ScripthashLength)
    }

    key := make([]byte, 1+ScripthashLength+HeightLength+VoutLength+VoutLength)
    key[0] = PrefixHistory
    copy(key[1:33], scripthash)
    binary.BigEndian.PutUint32(key[33:37], uint32(height))
    binary.BigEndian.PutUint32(key[37:41], txIndex)
    binary.BigEndian.PutUint32(key[41:45], index)

    return key, nil
}

func ParseHistoryKey(key []byte) (scripthash []byte, height int32,
    txIndex uint32, index uint32, err error) {
    expectedLen := 1 + ScripthashLength + HeightLength + VoutLength + VoutLength
    if len(key) != expectedLen {
        return nil, 0, 0, 0,
            fmt.Errorf("invalid history key length: got %d, want %d",
                len(key), expectedLen)
    }
    if key[0] != PrefixHistory {
        return nil, 0, 0, 0,
            fmt.Errorf("invalid history key prefix: got %c, want %c",
                key[0], PrefixHistory)
    }

    scripthash = make([]byte, ScripthashLength)
    copy(scripthash, key[1:33])
    height = int32(binary.BigEndian.Uint32(key[33:37]))
    txIndex = binary.BigEndian.Uint32(key[37:41])
    index = binary.BigEndian.Uint32(key[41:45])

    return scripthash, height, txIndex, index, nil
}

func MakeHistoryPrefix(scripthash []byte) ([]byte, error) {
    if len(scripthash) != ScripthashLength {
        return nil, fmt.Errorf("invalid scripthash length: got %d, want %d",
            len(scripthash), ScripthashLength)
    }

    prefix := make([]byte, 1+ScripthashLength)
    prefix[0] = PrefixHistory
    copy(prefix[1:], scripthash)

    return prefix, nil
}

func MakeTxIndexKey(txid []byte, vout uint32) ([]byte, error) {
    if len(txid) != TxidLength {
        return nil, fmt.Errorf("invalid txid length: got %d, want %d",
            len(txid), TxidLength)
    }

    key := make([]byte, 1+TxidLength+VoutLength)
    key[0] = PrefixTxIndex
    copy(key[1:33], txid)
    binary.BigEndian.PutUint32(key[33:37], vout)

    return key, nil
}

func ParseTxIndexKey(key []byte) (txid []byte, vout uint32, err error) {
    expectedLen := 1 + TxidLength + VoutLength
    if len(key) != expectedLen {
        return nil, 0, fmt.Errorf("invalid tx index key length: got %d, want %d",
            len(key), expectedLen)
    }
    if key[0] != PrefixTxIndex {
        return nil, 0, fmt.Errorf("invalid tx index key prefix: got %c, want %c",
            key[0], PrefixTxIndex)
    }

    txid = make([]byte, TxidLength)
    copy(txid, key[1:33])
    vout = binary.BigEndian.Uint32(key[33:37])

    return txid, vout, nil
}

// MakeOutspendKey builds the O|txid|vout key for the spender index,
// keyed by the spent outpoint exactly like MakeTxIndexKey.
func MakeOutspendKey(txid []byte, vout uint32) ([]byte, error) {
    if len(txid) != TxidLength {
        return nil, fmt.Errorf("invalid txid length: got %d, want %d",
            len(txid), TxidLength)
    }

    key := make([]byte, 1+TxidLength+VoutLength)
    key[0] = PrefixOutspend
    copy(key[1:33], txid)
    binary.BigEndian.PutUint32(key[33:37], vout)

    return key, nil
}

func ParseOutspendKey(key []byte) (txid []byte, vout uint32, err error) {
    expectedLen := 1 + TxidLength + VoutLength
    if len(key) != expectedLen {
        return nil, 0, fmt.Errorf("invalid outspend key length: got %d, want %d",
            len(key), expectedLen)
    }
    if key[0] != PrefixOutspend {
        return nil, 0, fmt.Errorf("invalid outspend key prefix: got %c, want %c",
            key[0], PrefixOutspend)
    }

    txid = make([]byte, TxidLength)
    copy(txid, key[1:33])
    vout = binary.BigEndian.Uint32(key[33:37])

    return txid, vout, nil
}

func MakeTxPosKey(txid []byte) ([]byte, error) {
    if len(txid) != TxidLength {
        return nil, fmt.Errorf("invalid txid length: got %d, want %d",
            len(txid), TxidLength)
    }

    key := make([]byte, 1+TxidLength)
    key[0] = PrefixTxPos
    copy(key[1:33], txid)
    return key, nil
}

func MakeTxBlobKey(height int32) ([]byte, error) {
    if height < 0 {
        return nil, errors.New("tx blob key height cannot be negative")
    }

    key := make([]byte, 1+HeightLength)
    key[0] = PrefixTxBlob
    binary.BigEndian.PutUint32(key[1:5], uint32(height))
    return key, nil
}

func MakeTxOffsetsKey(height int32) ([]byte, error) {
    if height < 0 {
        return nil, errors.New("tx offsets key height cannot be negative")
    }

    key := make([]byte, 1+HeightLength)
    key[0] = PrefixTxOffs
    binary.BigEndian.PutUint32(key[1:5], uint32(height))
    return key, nil
}

func MakeUndoKey(height int32, blockHash []byte) ([]byte, error) {
    if len(blockHash) != BlockHashLength {
        return nil, fmt.Errorf("invalid block hash length: got %d, want %d",
            len(blockHash), BlockHashLength)
    }
    if height < 0 {
        return nil, errors.New("undo key height cannot be negative")
    }

    key := make([]byte, 1+HeightLength+BlockHashLength)
    key[0] = PrefixUndo
    binary.BigEndian.PutUint32(key[1:5], uint32(height))
    copy(key[5:37], blockHash)

    return key, nil
}

func ParseUndoKey(key []byte) (height int32, blockHash []byte, err error) {
    expectedLen := 1 + HeightLength + BlockHashLength
    if len(key) != expectedLen {
        return 0, nil, fmt.Errorf("invalid undo key length: got %d, want %d",
            len(key), expectedLen)
    }
    if key[0] != PrefixUndo {
        return 0, nil, fmt.Errorf("invalid undo key prefix: got %c, want %c",
            key[0], PrefixUndo)
    }

    height = int32(binary.BigEndian.Uint32(key[1:5]))
    blockHash = make([]byte, BlockHashLength)
    copy(blockHash, key[5:37])

    return height, blockHash, nil
}

func MakeHeaderKey(height int32) ([]byte, error) {
    if height < 0 {
        return nil, errors.New("header key height cannot be negative")
    }

    key := make([]byte, 1+HeightLength)
    key[0] = PrefixHeader
    binary.BigEndian.PutUint32(key[1:5], uint32(height))

    return key, nil
}

func ParseHeaderKey(key []byte) (height int32, err error) {
    expectedLen := 1 + HeightLength
    if len(key) != expectedLen {
        return 0, fmt.Errorf("invalid header key length: got %d, want %d",
            len(key), expectedLen)
    }
    if key[0] != PrefixHeader {
        return 0, fmt.Errorf("invalid header key prefix: got %c, want %c",
            key[0], PrefixHeader)
    }

    height = int32(binary.BigEndian.Uint32(key[1:5]))
    return height, nil
}

func MakeMempoolKey(scripthash, txid []byte, vout uint32) ([]byte, error) {
    if len(scripthash) != ScripthashLength {
        return nil, fmt.Errorf("invalid scripthash length: got %d, want %d",
            len(scripthash), ScripthashLength)
    }
    if len(txid) != TxidLength {
        return nil, fmt.Errorf("invalid txid length: got %d, want %d",
            len(txid), TxidLength)
    }

    key := make([]byte, 1+ScripthashLength+TxidLength+VoutLength)
    key[0] = PrefixMempool
    copy(key[1:33], scripthash)
    copy(key[33:65], txid)
    binary.BigEndian.PutUint32(key[65:69], vout)

    return key, nil
}

func ParseMempoolKey(key []byte) (scripthash, txid []byte, vout uint32,
    err error) {
    expectedLen := 1 + ScripthashLength + TxidLength + VoutLength
    if len(key) != expectedLen {
        return nil, nil, 0,
            fmt.Errorf("invalid mempool key length: got %d, want %d",
                len(key), expectedLen)
    }
    if key[0] != PrefixMempool {
        return nil, nil, 0,
            fmt.Errorf("invalid mempool key prefix: got %c, want %c",
                key[0], PrefixMempool)
    }

    scripthash = make([]byte, ScripthashLength)
    txid = make([]byte, TxidLength)
    copy(scripthash, key[1:33])
    copy(txid, key[33:65])
    vout = binary.BigEndian.Uint32(key[65:69])

    return scripthash, txid, vout, nil
}

func MakeMempoolPrefix(scripthash []byte) ([]byte, error) {
    if len(scripthash) != ScripthashLength {
        return nil, fmt.Errorf("invalid scripthash length: got %d, want %d",
            len(scripthash), ScripthashLength)
    }

    prefix := make([]byte, 1+ScripthashLength)
    prefix[0] = PrefixMempool
    copy(prefix[1:], scripthash)

    return prefix, nil
}

// Block txid list key: x + height(4)
func MakeBlockTxidsKey(height int32) ([]byte, error) {
    if height < 0 {
        return nil, errors.New("block txids key height cannot be negative")
    }

    key := make([]byte, 1+HeightLength)
    key[0] = PrefixBlockTx
    binary.BigEndian.PutUint32(key[1:5], uint32(height))

    return key, nil
}

func ParseBlockTxidsKey(key []byte) (height int32, err error) {
    expectedLen := 1 + HeightLength
    if len(key) != expectedLen {
        return 0, fmt.Errorf("invalid block txids key length: got %d, want %d",
            len(key), expectedLen)
    }
    if key[0] != PrefixBlockTx {
        return 0, fmt.Errorf("invalid block txids key prefix: got %c, want %c",
            key[0], PrefixBlockTx)
    }

    height = int32(binary.BigEndian.Uint32(key[1:5]))
    return height, nil
}

// MakeAddressStatsKey builds the X-prefixed key for a scripthash's cached
// funded/spent/tx-count row (X + scripthash(32)).
func MakeAddressStatsKey(scripthash []byte) ([]byte, error) {
    if len(scripthash) != ScripthashLength {
        return nil, fmt.Errorf("invalid scripthash length: got %d, want %d",
            len(scripthash), ScripthashLength)
    }

    key := make([]byte, 1+ScripthashLength)
    key[0] = PrefixAddressStats
    copy(key[1:33], scripthash)

    return key, nil
}

func ParseAddressStatsKey(key []byte) (scripthash []byte, err error) {
    expectedLen := 1 + ScripthashLength
    if len(key) != expectedLen {
        return nil, fmt.Errorf("invalid address stats key length: got %d, want %d",
            len(key), expectedLen)
    }
    if key[0] != PrefixAddressStats {
        return nil, fmt.Errorf("invalid address stats key prefix: got %c, want %c",
            key[0], PrefixAddressStats)
    }

    scripthash = make([]byte, ScripthashLength)
    copy(scripthash, key[1:33])
    return scripthash, nil
}

// AddressStatsPrefix returns the single-byte iteration prefix covering every
// cached address-stats row, used by top_holders to scan the whole cache.
func AddressStatsPrefix() []byte {
    return []byte{PrefixAddressStats}
}

// MakeMempoolTxKey builds the S-prefixed key for a mempool transaction's
// full record (S + txid(32)), distinct from the per-output m-prefixed
// MempoolKey rows.
func MakeMempoolTxKey(txid []byte) ([]byte, error) {
    if len(txid) != TxidLength {
        return nil, fmt.Errorf("invalid txid length: got %d, want %d",
            len(txid), TxidLength)
    }

    key := make([]byte, 1+TxidLength)
    key[0] = PrefixMempoolTx
    copy(key[1:33], txid)

    return key, nil
}

func ParseMempoolTxKey(key []byte) (txid []byte, err error) {
    expectedLen := 1 + TxidLength
    if len(key) != expectedLen {
        return nil, fmt.Errorf("invalid mempool tx key length: got %d, want %d",
            len(key), expectedLen)
    }
    if key[0] != PrefixMempoolTx {
        return nil, fmt.Errorf("invalid mempool tx key prefix: got %c, want %c",
            key[0], PrefixMempoolTx)
    }

    txid = make([]byte, TxidLength)
    copy(txid, key[1:33])
    return txid, nil
}

// MempoolTxPrefix returns the single-byte iteration prefix covering every
// full mempool transaction record, used to rehydrate state on restart.
func MempoolTxPrefix() []byte {
    return []byte{PrefixMempoolTx}
}

// MakeAddressIndexKey builds the A-prefixed key mapping an address
// string to the scripthash it decodes to (A + address bytes).
func MakeAddressIndexKey(address string) []byte {
    key := make([]byte, 1+len(address))
    key[0] = PrefixAddress
    copy(key[1:], address)
    return key
}

// AddressIndexPrefix returns the iteration prefix for /address-prefix
// search: PrefixAddress followed by the user-supplied search prefix.
func AddressIndexPrefix(prefix string) []byte {
    return MakeAddressIndexKey(prefix)
}

func ParseAddressIndexKey(key []byte) (address string, err error) {
    if len(key) < 1 || key[0] != PrefixAddress {
        return "", fmt.Errorf("invalid address index key prefix")
    }
    return string(key[1:]), nil
}

func PrefixUpperBound(prefix []byte) []byte {
    if len(prefix) == 0 {
        return nil
    }

    end := make([]byte, len(prefix))
    copy(end, prefix)

    for i := len(end) - 1; i >= 0; i-- {
        end[i]++
        if end[i] != 0 {
            return end
        }
    }

    return nil
}