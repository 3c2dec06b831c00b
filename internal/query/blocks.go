package query

import (
    "bytes"

    "github.com/btcsuite/btcd/chaincfg/chainhash"
    "github.com/btcsuite/btcd/wire"

    "github.com/dedooxyz/btcindex/internal/errs"
    "github.com/dedooxyz/btcindex/internal/indexer"
)

// BlockSummary is the header plus indexed metadata REST's block-listing
// endpoints return, avoiding a full block deserialize for a listing page.
type BlockSummary struct {
    Height   int32
    Hash     chainhash.Hash
    Header   *wire.BlockHeader
    TxCount  int
}

func (v *View) blockHeader(height int32) (*wire.BlockHeader, error) {
    raw, err := v.snap.GetHeader(height)
    if err != nil {
        return nil, errs.Wrapf(errs.NotFound, err, "block at height %d not found", height)
    }

    header := &wire.BlockHeader{}
    if err := header.Deserialize(bytes.NewReader(raw)); err != nil {
        return nil, errs.Wrap(errs.Parse, err, "failed to deserialize header")
    }
    return header, nil
}

// GetBlockSummary returns the header and txid count for the block at
// height, backing /block-height/{h}, /block/{hash}/header and the
// /blocks listing.
func (v *View) GetBlockSummary(height int32) (*BlockSummary, error) {
    header, err := v.blockHeader(height)
    if err != nil {
        return nil, err
    }

    txids, err := v.snap.GetBlockTxids(height)
    if err != nil {
        return nil, errs.Wrap(errs.Store, err, "failed to load block txids")
    }

    return &BlockSummary{
        Height:  height,
        Hash:    header.BlockHash(),
        Header:  header,
        TxCount: len(txids),
    }, nil
}

// ListBlocks returns up to count block summaries starting at startHeight
// and descending, matching Esplora's /blocks[/:start_height] convention.
func (v *View) ListBlocks(startHeight int32, count int) ([]BlockSummary, error) {
    var blocks []BlockSummary

    for h := startHeight; h > startHeight-int32(count) && h >= 0; h-- {
        summary, err := v.GetBlockSummary(h)
        if err != nil {
            break
        }
        blocks = append(blocks, *summary)
    }

    return blocks, nil
}

// GetBlockTxids returns every txid in the block at height, in block order.
func (v *View) GetBlockTxids(height int32) ([]string, error) {
    txids, err := v.snap.GetBlockTxids(height)
    if err != nil {
        return nil, errs.Wrapf(errs.NotFound, err, "block at height %d not found", height)
    }

    hexTxids := make([]string, len(txids))
    for i, txid := range txids {
        hexTxids[i] = indexer.TxidToHex(txid)
    }
    return hexTxids, nil
}

// GetBlockTxsPage returns up to 25 confirmed transactions from the block
// at height, starting at startIndex, matching Esplora's block-txs paging.
func (v *View) GetBlockTxsPage(height int32, startIndex int) ([]*TxResult, error) {
    const pageSize = 25

    offsets, err := v.snap.GetTxOffsets(height)
    if err != nil {
        return nil, errs.Wrapf(errs.NotFound, err, "block at height %d not found", height)
    }
    txids, err := v.snap.GetBlockTxids(height)
    if err != nil {
        return nil, errs.Wrap(errs.Store, err, "failed to load block txids")
    }
    if startIndex < 0 || startIndex > len(offsets) {
        return nil, errs.Newf(errs.BadRequest, "start index %d out of range", startIndex)
    }

    end := startIndex + pageSize
    if end > len(offsets) {
        end = len(offsets)
    }

    results := make([]*TxResult, 0, end-startIndex)
    for i := startIndex; i < end; i++ {
        tx, err := v.txFromBlob(height, uint32(i))
        if err != nil {
            return nil, err
        }
        results = append(results, &TxResult{
            Txid:      indexer.TxidToHex(txids[i]),
            Height:    height,
            RawTx:     tx,
            Confirmed: true,
        })
    }

    return results, nil
}

// GetBlockRaw reconstructs the full serialized block at height from its
// stored header and compact tx blob.
func (v *View) GetBlockRaw(height int32) ([]byte, error) {
    header, err := v.blockHeader(height)
    if err != nil {
        return nil, err
    }

    offsets, err := v.snap.GetTxOffsets(height)
    if err != nil {
        return nil, errs.Wrap(errs.Store, err, "failed to load tx offsets")
    }

    block := &wire.MsgBlock{Header: *header}
    for i := range offsets {
        tx, err := v.txFromBlob(height, uint32(i))
        if err != nil {
            return nil, err
        }
        block.Transactions = append(block.Transactions, tx)
    }

    var buf bytes.Buffer
    if err := block.Serialize(&buf); err != nil {
        return nil, errs.Wrap(errs.Parse, err, "failed to serialize block")
    }
    return buf.Bytes(), nil
}

// HeightForHash asks the daemon to resolve a block hash to a height,
// since the index only maintains a forward height -> header mapping.
func (f *Facade) HeightForHash(hashHex string) (int32, error) {
    hash, err := chainhash.NewHashFromStr(hashHex)
    if err != nil {
        return 0, errs.Wrap(errs.BadRequest, err, "invalid block hash")
    }

    if f.daemon == nil {
        return 0, errs.New(errs.NotFound, "block hash lookup unavailable")
    }

    result, err := f.daemon.GetBlockHeaderVerbose(hash)
    if err != nil {
        return 0, errs.Wrapf(errs.NotFound, err, "block %s not found", hashHex)
    }

    return result.Height, nil
}
