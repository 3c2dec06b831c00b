package rest

import (
    "bytes"
    "encoding/hex"
    "io"
    "net/http"
    "strconv"

    "github.com/btcsuite/btcd/blockchain"
    "github.com/btcsuite/btcd/btcutil"
    "github.com/btcsuite/btcd/wire"
    "github.com/labstack/echo/v4"

    "github.com/dedooxyz/btcindex/internal/errs"
    "github.com/dedooxyz/btcindex/internal/query"
)

type txVinJSON struct {
    Txid     string   `json:"txid"`
    Vout     uint32   `json:"vout"`
    Sequence uint32   `json:"sequence"`
    ScriptSig string  `json:"scriptsig"`
    Witness  []string `json:"witness,omitempty"`
}

type txVoutJSON struct {
    Value        int64  `json:"value"`
    ScriptPubKey string `json:"scriptpubkey"`
}

type txStatusJSON struct {
    Confirmed   bool  `json:"confirmed"`
    BlockHeight int32 `json:"block_height,omitempty"`
}

type txJSON struct {
    Txid     string        `json:"txid"`
    Version  int32         `json:"version"`
    Locktime uint32        `json:"locktime"`
    Size     int           `json:"size"`
    Weight   int           `json:"weight"`
    Vin      []txVinJSON   `json:"vin"`
    Vout     []txVoutJSON  `json:"vout"`
    Status   txStatusJSON  `json:"status"`
}

func txWeight(tx *wire.MsgTx) int {
    return blockchain.GetTransactionWeight(btcutil.NewTx(tx))
}

func toTxJSON(result *query.TxResult) txJSON {
    tx := result.RawTx

    vins := make([]txVinJSON, len(tx.TxIn))
    for i, in := range tx.TxIn {
        witness := make([]string, len(in.Witness))
        for j, w := range in.Witness {
            witness[j] = hex.EncodeToString(w)
        }
        vins[i] = txVinJSON{
            Txid:      in.PreviousOutPoint.Hash.String(),
            Vout:      in.PreviousOutPoint.Index,
            Sequence:  in.Sequence,
            ScriptSig: hex.EncodeToString(in.SignatureScript),
            Witness:   witness,
        }
    }

    vouts := make([]txVoutJSON, len(tx.TxOut))
    for i, out := range tx.TxOut {
        vouts[i] = txVoutJSON{
            Value:        out.Value,
            ScriptPubKey: hex.EncodeToString(out.PkScript),
        }
    }

    return txJSON{
        Txid:     result.Txid,
        Version:  tx.Version,
        Locktime: tx.LockTime,
        Size:     tx.SerializeSize(),
        Weight:   txWeight(tx),
        Vin:      vins,
        Vout:     vouts,
        Status: txStatusJSON{
            Confirmed:   result.Confirmed,
            BlockHeight: result.Height,
        },
    }
}

func (s *Server) getTx(c echo.Context) error {
    view := s.facade.Snapshot()
    defer view.Close()

    result, err := view.GetTx(c.Param("txid"))
    if err != nil {
        return writeError(c, err)
    }

    if result.Confirmed {
        setCache(c, cacheImmutable)
    } else {
        setCache(c, cacheShort)
    }
    return c.JSON(http.StatusOK, toTxJSON(result))
}

func (s *Server) getTxStatus(c echo.Context) error {
    view := s.facade.Snapshot()
    defer view.Close()

    status, err := view.GetTxStatus(c.Param("txid"))
    if err != nil {
        return writeError(c, err)
    }

    setCache(c, cacheShort)
    return c.JSON(http.StatusOK, txStatusJSON{
        Confirmed:   status.Confirmed,
        BlockHeight: status.BlockHeight,
    })
}

func (s *Server) getTxHex(c echo.Context) error {
    view := s.facade.Snapshot()
    defer view.Close()

    result, err := view.GetTx(c.Param("txid"))
    if err != nil {
        return writeError(c, err)
    }

    var buf bytes.Buffer
    if err := result.RawTx.Serialize(&buf); err != nil {
        return writeError(c, errs.Wrap(errs.Parse, err, "failed to serialize transaction"))
    }

    if result.Confirmed {
        setCache(c, cacheImmutable)
    } else {
        setCache(c, cacheShort)
    }
    return c.String(http.StatusOK, hex.EncodeToString(buf.Bytes()))
}

func (s *Server) getTxRaw(c echo.Context) error {
    view := s.facade.Snapshot()
    defer view.Close()

    result, err := view.GetTx(c.Param("txid"))
    if err != nil {
        return writeError(c, err)
    }

    var buf bytes.Buffer
    if err := result.RawTx.Serialize(&buf); err != nil {
        return writeError(c, errs.Wrap(errs.Parse, err, "failed to serialize transaction"))
    }

    if result.Confirmed {
        setCache(c, cacheImmutable)
    } else {
        setCache(c, cacheShort)
    }
    return c.Blob(http.StatusOK, "application/octet-stream", buf.Bytes())
}

func (s *Server) getTxMerkleProof(c echo.Context) error {
    view := s.facade.Snapshot()
    defer view.Close()

    proof, err := view.MerkleProof(c.Param("txid"))
    if err != nil {
        return writeError(c, err)
    }

    setCache(c, cacheImmutable)
    return c.JSON(http.StatusOK, proof)
}

func (s *Server) getTxOutspend(c echo.Context) error {
    vout, err := strconv.ParseUint(c.Param("vout"), 10, 32)
    if err != nil {
        return writeError(c, errs.Wrap(errs.BadRequest, err, "invalid vout"))
    }

    view := s.facade.Snapshot()
    defer view.Close()

    outspend, err := view.Outspend(c.Param("txid"), uint32(vout))
    if err != nil {
        return writeError(c, err)
    }

    setCache(c, cacheShort)
    return c.JSON(http.StatusOK, outspend)
}

func (s *Server) getTxOutspends(c echo.Context) error {
    view := s.facade.Snapshot()
    defer view.Close()

    result, err := view.GetTx(c.Param("txid"))
    if err != nil {
        return writeError(c, err)
    }

    outspends := make([]*query.Outspend, len(result.RawTx.TxOut))
    for vout := range result.RawTx.TxOut {
        outspend, err := view.Outspend(c.Param("txid"), uint32(vout))
        if err != nil {
            return writeError(c, err)
        }
        outspends[vout] = outspend
    }

    if result.Confirmed {
        setCache(c, cacheImmutable)
    } else {
        setCache(c, cacheShort)
    }
    return c.JSON(http.StatusOK, outspends)
}

func (s *Server) postTx(c echo.Context) error {
    body, err := io.ReadAll(c.Request().Body)
    if err != nil {
        return writeError(c, errs.Wrap(errs.BadRequest, err, "failed to read request body"))
    }

    raw, err := hex.DecodeString(string(bytes.TrimSpace(body)))
    if err != nil {
        return writeError(c, errs.Wrap(errs.BadRequest, err, "body must be a hex-encoded transaction"))
    }

    txid, err := s.facade.Broadcast(raw)
    if err != nil {
        return writeError(c, err)
    }

    return c.String(http.StatusOK, txid)
}
