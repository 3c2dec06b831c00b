package rest

import (
    "bytes"
    "encoding/hex"
    "net/http"
    "strconv"

    "github.com/labstack/echo/v4"

    "github.com/dedooxyz/btcindex/internal/errs"
    "github.com/dedooxyz/btcindex/internal/query"
)

const blocksPageSize = 10

type blockSummaryJSON struct {
    Height        int32  `json:"height"`
    Hash          string `json:"hash"`
    Version       int32  `json:"version"`
    Timestamp     int64  `json:"timestamp"`
    Bits          uint32 `json:"bits"`
    Nonce         uint32 `json:"nonce"`
    MerkleRoot    string `json:"merkle_root"`
    PreviousBlock string `json:"previous_block_hash"`
    TxCount       int    `json:"tx_count"`
}

func toBlockSummaryJSON(b *query.BlockSummary) blockSummaryJSON {
    return blockSummaryJSON{
        Height:        b.Height,
        Hash:          b.Hash.String(),
        Version:       b.Header.Version,
        Timestamp:     b.Header.Timestamp.Unix(),
        Bits:          b.Header.Bits,
        Nonce:         b.Header.Nonce,
        MerkleRoot:    b.Header.MerkleRoot.String(),
        PreviousBlock: b.Header.PrevBlock.String(),
        TxCount:       b.TxCount,
    }
}

func (s *Server) resolveHeight(c echo.Context) (int32, error) {
    hash := c.Param("hash")
    height, err := s.facade.HeightForHash(hash)
    if err != nil {
        return 0, err
    }
    return height, nil
}

func (s *Server) getTipHash(c echo.Context) error {
    setCache(c, cacheShort)
    return c.String(http.StatusOK, s.facade.CurrentHash().String())
}

func (s *Server) getTipHeight(c echo.Context) error {
    setCache(c, cacheShort)
    return c.String(http.StatusOK, strconv.Itoa(int(s.facade.CurrentHeight())))
}

func (s *Server) listBlocks(c echo.Context) error {
    start := s.facade.CurrentHeight()
    if raw := c.Param("start_height"); raw != "" {
        parsed, err := strconv.ParseInt(raw, 10, 32)
        if err != nil {
            return writeError(c, errs.Wrap(errs.BadRequest, err, "invalid start height"))
        }
        start = int32(parsed)
    }

    view := s.facade.Snapshot()
    defer view.Close()

    blocks, err := view.ListBlocks(start, blocksPageSize)
    if err != nil {
        return writeError(c, err)
    }

    out := make([]blockSummaryJSON, len(blocks))
    for i, b := range blocks {
        out[i] = toBlockSummaryJSON(&b)
    }

    setCache(c, cacheShort)
    return c.JSON(http.StatusOK, out)
}

func (s *Server) getBlock(c echo.Context) error {
    height, err := s.resolveHeight(c)
    if err != nil {
        return writeError(c, err)
    }

    view := s.facade.Snapshot()
    defer view.Close()

    summary, err := view.GetBlockSummary(height)
    if err != nil {
        return writeError(c, err)
    }

    setCache(c, cacheImmutable)
    return c.JSON(http.StatusOK, toBlockSummaryJSON(summary))
}

func (s *Server) getBlockStatus(c echo.Context) error {
    height, err := s.resolveHeight(c)
    if err != nil {
        return writeError(c, err)
    }

    tip := s.facade.CurrentHeight()

    setCache(c, cacheShort)
    return c.JSON(http.StatusOK, map[string]interface{}{
        "in_best_chain": true,
        "height":        height,
        "next_best":     height < tip,
    })
}

func (s *Server) getBlockHeader(c echo.Context) error {
    height, err := s.resolveHeight(c)
    if err != nil {
        return writeError(c, err)
    }

    view := s.facade.Snapshot()
    defer view.Close()

    summary, err := view.GetBlockSummary(height)
    if err != nil {
        return writeError(c, err)
    }

    var buf bytes.Buffer
    if err := summary.Header.Serialize(&buf); err != nil {
        return writeError(c, errs.Wrap(errs.Parse, err, "failed to serialize header"))
    }

    setCache(c, cacheImmutable)
    return c.String(http.StatusOK, hex.EncodeToString(buf.Bytes()))
}

func (s *Server) getBlockTxids(c echo.Context) error {
    height, err := s.resolveHeight(c)
    if err != nil {
        return writeError(c, err)
    }

    view := s.facade.Snapshot()
    defer view.Close()

    txids, err := view.GetBlockTxids(height)
    if err != nil {
        return writeError(c, err)
    }

    setCache(c, cacheImmutable)
    return c.JSON(http.StatusOK, txids)
}

func (s *Server) getBlockTxs(c echo.Context) error {
    height, err := s.resolveHeight(c)
    if err != nil {
        return writeError(c, err)
    }

    startIndex := 0
    if raw := c.Param("start_index"); raw != "" {
        parsed, err := strconv.Atoi(raw)
        if err != nil {
            return writeError(c, errs.Wrap(errs.BadRequest, err, "invalid start index"))
        }
        startIndex = parsed
    }

    view := s.facade.Snapshot()
    defer view.Close()

    txs, err := view.GetBlockTxsPage(height, startIndex)
    if err != nil {
        return writeError(c, err)
    }

    out := make([]txJSON, len(txs))
    for i, tx := range txs {
        out[i] = toTxJSON(tx)
    }

    setCache(c, cacheImmutable)
    return c.JSON(http.StatusOK, out)
}

func (s *Server) getBlockRaw(c echo.Context) error {
    height, err := s.resolveHeight(c)
    if err != nil {
        return writeError(c, err)
    }

    view := s.facade.Snapshot()
    defer view.Close()

    raw, err := view.GetBlockRaw(height)
    if err != nil {
        return writeError(c, err)
    }

    setCache(c, cacheImmutable)
    return c.Blob(http.StatusOK, "application/octet-stream", raw)
}

func (s *Server) getBlockHeightHash(c echo.Context) error {
    height, err := strconv.ParseInt(c.Param("height"), 10, 32)
    if err != nil {
        return writeError(c, errs.Wrap(errs.BadRequest, err, "invalid height"))
    }

    view := s.facade.Snapshot()
    defer view.Close()

    summary, err := view.GetBlockSummary(int32(height))
    if err != nil {
        return writeError(c, err)
    }

    setCache(c, cacheImmutable)
    return c.String(http.StatusOK, summary.Hash.String())
}
