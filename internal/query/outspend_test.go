package query

import (
    "path/filepath"
    "testing"

    "github.com/btcsuite/btcd/wire"
    "github.com/stretchr/testify/require"

    "github.com/dedooxyz/btcindex/internal/indexer"
    "github.com/dedooxyz/btcindex/internal/storage"
)

// buildBlock assembles a minimal valid-enough block: a coinbase paying
// into payScript, plus whatever extra non-coinbase transactions are
// given. Header fields are junk; IndexBlock never validates PoW.
func buildBlock(t *testing.T, payScript []byte, extra ...*wire.MsgTx) *wire.MsgBlock {
    t.Helper()

    coinbase := wire.NewMsgTx()
    coinbase.AddTxIn(&wire.TxIn{
        PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
        SignatureScript:  []byte{0x00},
    })
    coinbase.AddTxOut(wire.NewTxOut(5_000_000_000, payScript))

    block := wire.NewMsgBlock(&wire.BlockHeader{Version: 1})
    block.AddTransaction(coinbase)
    for _, tx := range extra {
        block.AddTransaction(tx)
    }
    return block
}

// TestOutspendSurvivesUTXODeletion exercises the full write path a
// confirmed spend takes: IndexBlock deletes the spent UTXO and TxIndex
// rows in the same batch it writes the O-prefixed outspend record, so
// View.Outspend must still resolve the spender after that deletion.
func TestOutspendSurvivesUTXODeletion(t *testing.T) {
    dir := t.TempDir()
    db, err := storage.Open(filepath.Join(dir, "index.db"))
    require.NoError(t, err)
    t.Cleanup(func() { _ = db.Close() })

    mempoolOverlay := indexer.NewMempoolOverlay(db)
    bi := indexer.NewBlockIndexer(db, mempoolOverlay)

    payScript := []byte{0x51} // OP_TRUE, any non-OP_RETURN script

    fundingBlock := buildBlock(t, payScript)
    require.NoError(t, bi.IndexBlock(fundingBlock, 100))

    fundingTx := fundingBlock.Transactions[0]
    fundingHash := fundingTx.TxHash()
    fundingTxid := indexer.TxidFromHash(&fundingHash)

    spendTx := wire.NewMsgTx()
    spendTx.AddTxIn(&wire.TxIn{
        PreviousOutPoint: wire.OutPoint{Hash: fundingTx.TxHash(), Index: 0},
        SignatureScript:  []byte{0x00},
    })
    spendTx.AddTxOut(wire.NewTxOut(4_999_000_000, payScript))

    spendingBlock := buildBlock(t, payScript, spendTx)
    require.NoError(t, bi.IndexBlock(spendingBlock, 101))

    facade := New(db, mempoolOverlay, nil, nil)
    view := facade.Snapshot()
    defer view.Close()

    outspend, err := view.Outspend(indexer.TxidToHex(fundingTxid), 0)
    require.NoError(t, err)
    require.True(t, outspend.Spent)
    require.Equal(t, spendTx.TxHash().String(), outspend.TxidHex)
    require.Equal(t, uint32(0), outspend.Vin)
    require.Equal(t, int32(101), outspend.Height)

    utxo, err := db.GetUTXO(indexer.ComputeScripthash(payScript), fundingTxid, 0)
    require.NoError(t, err)
    require.Nil(t, utxo)
}
