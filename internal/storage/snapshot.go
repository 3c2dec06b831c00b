package storage

import (
    "encoding/binary"
    "fmt"

    "github.com/cockroachdb/pebble"
)

// StoreSnapshot pins a consistent point-in-time view of the database so a
// single query (address history, UTXO set, merkle proof) sees a
// non-moving picture even while the writer commits new blocks
// concurrently. It exposes the same prefix/range-iterator surface as DB,
// backed by a *pebble.Snapshot instead of the live *pebble.DB.
type StoreSnapshot struct {
    snap *pebble.Snapshot
}

// Snapshot takes a new StoreSnapshot. The caller must Close it when done;
// an open snapshot pins Pebble's compaction from reclaiming superseded
// keys it still references.
func (db *DB) Snapshot() *StoreSnapshot {
    return &StoreSnapshot{snap: db.pebble.NewSnapshot()}
}

func (s *StoreSnapshot) Close() error {
    if s.snap == nil {
        return nil
    }
    err := s.snap.Close()
    s.snap = nil
    return err
}

func (s *StoreSnapshot) Get(key []byte) ([]byte, error) {
    value, closer, err := s.snap.Get(key)
    if err == pebble.ErrNotFound {
        return nil, nil
    }
    if err != nil {
        return nil, fmt.Errorf("failed to get from snapshot: %w", err)
    }
    defer closer.Close()

    out := make([]byte, len(value))
    copy(out, value)
    return out, nil
}

func (s *StoreSnapshot) NewPrefixIterator(prefix []byte) (*pebble.Iterator, error) {
    opts := &pebble.IterOptions{
        LowerBound: prefix,
        UpperBound: PrefixUpperBound(prefix),
    }

    iter, err := s.snap.NewIter(opts)
    if err != nil {
        return nil, fmt.Errorf("failed to create snapshot iterator: %w", err)
    }

    return iter, nil
}

func (s *StoreSnapshot) NewRangeIterator(lower, upper []byte) (*pebble.Iterator, error) {
    opts := &pebble.IterOptions{
        LowerBound: lower,
        UpperBound: upper,
    }

    iter, err := s.snap.NewIter(opts)
    if err != nil {
        return nil, fmt.Errorf("failed to create snapshot iterator: %w", err)
    }

    return iter, nil
}

func (s *StoreSnapshot) GetUTXO(scripthash, txid []byte, vout uint32) (*UTXOValue, error) {
    key, err := MakeUTXOKey(scripthash, txid, vout)
    if err != nil {
        return nil, fmt.Errorf("failed to make UTXO key: %w", err)
    }

    data, err := s.Get(key)
    if err != nil {
        return nil, err
    }
    if data == nil {
        return nil, nil
    }

    return DecodeUTXOValue(data)
}

func (s *StoreSnapshot) GetAddressStats(scripthash []byte) (*AddressStatsValue, error) {
    key, err := MakeAddressStatsKey(scripthash)
    if err != nil {
        return nil, fmt.Errorf("failed to make address stats key: %w", err)
    }

    data, err := s.Get(key)
    if err != nil {
        return nil, err
    }
    if data == nil {
        return nil, nil
    }

    return DecodeAddressStatsValue(data)
}

func (s *StoreSnapshot) GetScripthashForOutpoint(txid []byte, vout uint32) ([]byte, error) {
    key, err := MakeTxIndexKey(txid, vout)
    if err != nil {
        return nil, fmt.Errorf("failed to make tx index key: %w", err)
    }

    return s.Get(key)
}

func (s *StoreSnapshot) GetOutspend(txid []byte, vout uint32) (*OutspendValue, error) {
    key, err := MakeOutspendKey(txid, vout)
    if err != nil {
        return nil, fmt.Errorf("failed to make outspend key: %w", err)
    }

    data, err := s.Get(key)
    if err != nil {
        return nil, err
    }
    if data == nil {
        return nil, nil
    }

    return DecodeOutspendValue(data)
}

func (s *StoreSnapshot) GetHeader(height int32) ([]byte, error) {
    key, err := MakeHeaderKey(height)
    if err != nil {
        return nil, fmt.Errorf("failed to make header key: %w", err)
    }

    value, err := s.Get(key)
    if err != nil {
        return nil, err
    }
    if value == nil {
        return nil, fmt.Errorf("header not found at height %d", height)
    }

    return value, nil
}

func (s *StoreSnapshot) GetBlockTxids(height int32) ([][]byte, error) {
    key, err := MakeBlockTxidsKey(height)
    if err != nil {
        return nil, err
    }

    value, err := s.Get(key)
    if err != nil {
        return nil, err
    }
    if value == nil {
        return nil, fmt.Errorf("block txids not found at height %d", height)
    }

    if len(value)%TxidLength != 0 {
        return nil, fmt.Errorf("invalid block txids value length: %d", len(value))
    }

    count := len(value) / TxidLength
    txids := make([][]byte, 0, count)
    for i := 0; i < count; i++ {
        start := i * TxidLength
        txids = append(txids, value[start:start+TxidLength])
    }

    return txids, nil
}

func (s *StoreSnapshot) GetTxBlob(height int32) ([]byte, error) {
    key, err := MakeTxBlobKey(height)
    if err != nil {
        return nil, err
    }

    value, err := s.Get(key)
    if err != nil {
        return nil, err
    }
    if value == nil {
        return nil, fmt.Errorf("tx blob not found for height %d", height)
    }

    blob, err := decompressZstd(value)
    if err != nil {
        return nil, fmt.Errorf("failed to decompress tx blob: %w", err)
    }

    return blob, nil
}

func (s *StoreSnapshot) GetTxOffsets(height int32) ([]uint32, error) {
    key, err := MakeTxOffsetsKey(height)
    if err != nil {
        return nil, err
    }

    value, err := s.Get(key)
    if err != nil {
        return nil, err
    }
    if value == nil {
        return nil, fmt.Errorf("tx offsets not found for height %d", height)
    }
    if len(value)%4 != 0 {
        return nil, fmt.Errorf("invalid tx offsets value length: %d", len(value))
    }

    count := len(value) / 4
    offsets := make([]uint32, count)
    for i := 0; i < count; i++ {
        offsets[i] = binary.BigEndian.Uint32(value[i*4 : (i+1)*4])
    }

    return offsets, nil
}
