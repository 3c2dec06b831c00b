package storage

import (
    "path/filepath"
    "testing"

    "github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
    t.Helper()
    dir := t.TempDir()
    db, err := Open(filepath.Join(dir, "index.db"))
    require.NoError(t, err)
    t.Cleanup(func() { _ = db.Close() })
    return db
}

func TestOpenStampsFormatVersion(t *testing.T) {
    dir := t.TempDir()
    path := filepath.Join(dir, "index.db")

    db, err := Open(path)
    require.NoError(t, err)
    require.NoError(t, db.Close())

    db2, err := Open(path)
    require.NoError(t, err)
    require.NoError(t, db2.Close())
}

func TestOpenRefusesFormatVersionMismatch(t *testing.T) {
    dir := t.TempDir()
    path := filepath.Join(dir, "index.db")

    db, err := Open(path)
    require.NoError(t, err)

    stale := make([]byte, 4)
    stale[0] = 0xff
    require.NoError(t, db.pebble.Set([]byte(KeyFormatVersion), stale, nil))
    require.NoError(t, db.Close())

    _, err = Open(path)
    require.Error(t, err)
    require.Contains(t, err.Error(), "format version")
}

func TestAddressStatsRoundTrip(t *testing.T) {
    db := openTestDB(t)

    scripthash := make([]byte, ScripthashLength)
    scripthash[0] = 0xaa

    stats, err := db.GetAddressStats(scripthash)
    require.NoError(t, err)
    require.Nil(t, stats)

    want := &AddressStatsValue{
        FundedSum:       5000,
        SpentSum:        1000,
        TxCount:         3,
        FirstSeenHeight: 700000,
    }

    batch := db.NewBatch()
    require.NoError(t, db.SaveAddressStatsInBatch(batch, scripthash, want))
    require.NoError(t, batch.Commit(nil))

    got, err := db.GetAddressStats(scripthash)
    require.NoError(t, err)
    require.Equal(t, want, got)
}

func TestMempoolTxRoundTrip(t *testing.T) {
    db := openTestDB(t)

    txid := make([]byte, TxidLength)
    txid[0] = 0x01

    want := &MempoolTransactionValue{Fee: 500, VSize: 140, FirstSeen: 1700000000}
    require.NoError(t, db.SaveMempoolTx(txid, want))

    seen := map[string]*MempoolTransactionValue{}
    require.NoError(t, db.IterateMempoolTxs(func(id []byte, v *MempoolTransactionValue) error {
        seen[string(id)] = v
        return nil
    }))
    require.Len(t, seen, 1)
    require.Equal(t, want, seen[string(txid)])

    require.NoError(t, db.DeleteMempoolTx(txid))
    seen = map[string]*MempoolTransactionValue{}
    require.NoError(t, db.IterateMempoolTxs(func(id []byte, v *MempoolTransactionValue) error {
        seen[string(id)] = v
        return nil
    }))
    require.Empty(t, seen)
}

func TestSnapshotIsolatesFromLaterWrites(t *testing.T) {
    db := openTestDB(t)

    scripthash := make([]byte, ScripthashLength)
    txid := make([]byte, TxidLength)

    snap := db.Snapshot()
    defer snap.Close()

    batch := db.NewBatch()
    key, err := MakeUTXOKey(scripthash, txid, 0)
    require.NoError(t, err)
    require.NoError(t, batch.Set(key, EncodeUTXOValue(&UTXOValue{
        Value: 1000, Height: 1, BlockHash: make([]byte, 32),
    }), nil))
    require.NoError(t, batch.Commit(nil))

    fromSnapshot, err := snap.GetUTXO(scripthash, txid, 0)
    require.NoError(t, err)
    require.Nil(t, fromSnapshot)

    fromLive, err := db.GetUTXO(scripthash, txid, 0)
    require.NoError(t, err)
    require.NotNil(t, fromLive)
    require.Equal(t, int64(1000), fromLive.Value)
}

func TestCompactRangeIsNoopOnEmptyDB(t *testing.T) {
    db := openTestDB(t)
    require.NoError(t, db.CompactRange([]byte{PrefixUTXO}, PrefixUpperBound([]byte{PrefixUTXO})))
}

func TestOutspendRoundTrip(t *testing.T) {
    db := openTestDB(t)

    spentTxid := make([]byte, TxidLength)
    spentTxid[0] = 0x11
    spenderTxid := make([]byte, TxidLength)
    spenderTxid[0] = 0x22

    got, err := db.GetOutspend(spentTxid, 0)
    require.NoError(t, err)
    require.Nil(t, got)

    batch := db.NewBatch()
    want := &OutspendValue{SpenderTxid: spenderTxid, SpenderVin: 1, Height: 123}
    require.NoError(t, db.SaveOutspendInBatch(batch, spentTxid, 0, want))
    require.NoError(t, batch.Commit(nil))

    got, err = db.GetOutspend(spentTxid, 0)
    require.NoError(t, err)
    require.Equal(t, want, got)

    delBatch := db.NewBatch()
    require.NoError(t, db.DeleteOutspendInBatch(delBatch, spentTxid, 0))
    require.NoError(t, delBatch.Commit(nil))

    got, err = db.GetOutspend(spentTxid, 0)
    require.NoError(t, err)
    require.Nil(t, got)
}

func TestUndoBlockRoundTripPreservesSpenderIdentity(t *testing.T) {
    scripthash := make([]byte, ScripthashLength)
    scripthash[0] = 0x01
    txid := make([]byte, TxidLength)
    txid[0] = 0x02
    spenderTxid := make([]byte, TxidLength)
    spenderTxid[0] = 0x03
    blockHash := make([]byte, BlockHashLength)

    undo := &UndoBlock{
        Height:        100,
        BlockHash:     blockHash,
        PrevBlockHash: blockHash,
        SpentOutputs: []UndoOutput{{
            Scripthash:  scripthash,
            Txid:        txid,
            Vout:        2,
            Value:       5000,
            Height:      99,
            BlockHash:   blockHash,
            SpenderTxid: spenderTxid,
            SpenderVin:  4,
        }},
        CreatedOutputs: []UndoOutput{{
            Scripthash: scripthash,
            Txid:       txid,
            Vout:       0,
            Value:      6000,
            Height:     100,
            BlockHash:  blockHash,
        }},
    }

    data, err := EncodeUndoBlock(undo)
    require.NoError(t, err)

    decoded, err := DecodeUndoBlock(data)
    require.NoError(t, err)

    require.Len(t, decoded.SpentOutputs, 1)
    require.Equal(t, spenderTxid, decoded.SpentOutputs[0].SpenderTxid)
    require.Equal(t, uint32(4), decoded.SpentOutputs[0].SpenderVin)
}
