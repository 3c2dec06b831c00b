package rest

import (
    "encoding/hex"
    "net/http"
    "strconv"

    "github.com/labstack/echo/v4"

    "github.com/dedooxyz/btcindex/internal/errs"
    "github.com/dedooxyz/btcindex/internal/query"
)

const (
    chainTxsPageSize   = 25
    mempoolTxsPageSize = 50
    addressPrefixMinLen = 3

    addressTxsDefaultLimit = 25
    addressTxsMaxLimit     = 1000
)

func decodeScripthashHex(hashHex string) ([]byte, error) {
    scripthash, err := hex.DecodeString(hashHex)
    if err != nil {
        return nil, errs.Wrap(errs.BadRequest, err, "invalid scripthash")
    }
    return scripthash, nil
}

func (s *Server) scripthashFromAddressParam(c echo.Context) ([]byte, error) {
    return query.ScripthashForAddress(c.Param("addr"), s.params)
}

type addressStatsJSON struct {
    FundedSum       int64 `json:"funded_sum"`
    SpentSum        int64 `json:"spent_sum"`
    Balance         int64 `json:"balance"`
    UnconfirmedBalance int64 `json:"unconfirmed_balance"`
    TxCount         uint32 `json:"tx_count"`
    FirstSeenHeight int32  `json:"first_seen_height"`
}

func (s *Server) statsResponse(view *query.View, scripthash []byte) (addressStatsJSON, error) {
    stats, err := view.AddressStats(scripthash)
    if err != nil {
        return addressStatsJSON{}, err
    }
    balance, err := view.Balance(scripthash)
    if err != nil {
        return addressStatsJSON{}, err
    }

    return addressStatsJSON{
        FundedSum:          stats.FundedSum,
        SpentSum:           stats.SpentSum,
        Balance:            balance.Confirmed,
        UnconfirmedBalance: balance.Unconfirmed,
        TxCount:            stats.TxCount,
        FirstSeenHeight:    stats.FirstSeenHeight,
    }, nil
}

func (s *Server) getAddress(c echo.Context) error {
    scripthash, err := s.scripthashFromAddressParam(c)
    if err != nil {
        return writeError(c, err)
    }

    view := s.facade.Snapshot()
    defer view.Close()

    resp, err := s.statsResponse(view, scripthash)
    if err != nil {
        return writeError(c, err)
    }

    setCache(c, cacheShort)
    return c.JSON(http.StatusOK, resp)
}

type balanceJSON struct {
    Confirmed   int64 `json:"confirmed"`
    Unconfirmed int64 `json:"unconfirmed"`
}

func (s *Server) addressBalanceResponse(c echo.Context, scripthash []byte) error {
    view := s.facade.Snapshot()
    defer view.Close()

    balance, err := view.Balance(scripthash)
    if err != nil {
        return writeError(c, err)
    }

    setCache(c, cacheShort)
    return c.JSON(http.StatusOK, balanceJSON{
        Confirmed:   balance.Confirmed,
        Unconfirmed: balance.Unconfirmed,
    })
}

func (s *Server) getAddressBalance(c echo.Context) error {
    scripthash, err := s.scripthashFromAddressParam(c)
    if err != nil {
        return writeError(c, err)
    }
    return s.addressBalanceResponse(c, scripthash)
}

func (s *Server) getScripthashBalance(c echo.Context) error {
    scripthash, err := decodeScripthashHex(c.Param("hash"))
    if err != nil {
        return writeError(c, err)
    }
    return s.addressBalanceResponse(c, scripthash)
}

func (s *Server) addressExtendedStatsResponse(c echo.Context, scripthash []byte) error {
    view := s.facade.Snapshot()
    defer view.Close()

    resp, err := s.statsResponse(view, scripthash)
    if err != nil {
        return writeError(c, err)
    }

    setCache(c, cacheShort)
    return c.JSON(http.StatusOK, resp)
}

func (s *Server) getAddressStats(c echo.Context) error {
    scripthash, err := s.scripthashFromAddressParam(c)
    if err != nil {
        return writeError(c, err)
    }
    return s.addressExtendedStatsResponse(c, scripthash)
}

func (s *Server) getScripthashStats(c echo.Context) error {
    scripthash, err := decodeScripthashHex(c.Param("hash"))
    if err != nil {
        return writeError(c, err)
    }
    return s.addressExtendedStatsResponse(c, scripthash)
}

func (s *Server) getScripthash(c echo.Context) error {
    scripthash, err := decodeScripthashHex(c.Param("hash"))
    if err != nil {
        return writeError(c, err)
    }

    view := s.facade.Snapshot()
    defer view.Close()

    resp, err := s.statsResponse(view, scripthash)
    if err != nil {
        return writeError(c, err)
    }

    setCache(c, cacheShort)
    return c.JSON(http.StatusOK, resp)
}

type historyEntryJSON struct {
    Txid   string `json:"txid"`
    Height int32  `json:"height"`
    Fee    int64  `json:"fee,omitempty"`
}

func toHistoryJSON(entries []query.HistoryEntry) []historyEntryJSON {
    out := make([]historyEntryJSON, len(entries))
    for i, e := range entries {
        out[i] = historyEntryJSON{Txid: e.TxidHex, Height: e.Height, Fee: e.Fee}
    }
    return out
}

type addressTxsPageJSON struct {
    Transactions       []historyEntryJSON `json:"transactions"`
    Total              int                `json:"total"`
    StartIndex         int                `json:"start_index"`
    Limit              int                `json:"limit"`
    NextPageAfterTxid  string             `json:"next_page_after_txid,omitempty"`
}

func (s *Server) addressTxsResponse(c echo.Context, scripthash []byte) error {
    limit := addressTxsDefaultLimit
    if raw := c.QueryParam("limit"); raw != "" {
        parsed, err := strconv.Atoi(raw)
        if err != nil {
            return writeError(c, errs.Wrap(errs.BadRequest, err, "invalid limit"))
        }
        limit = parsed
    }
    if limit <= 0 || limit > addressTxsMaxLimit {
        return writeError(c, errs.Newf(errs.BadRequest, "limit must be between 1 and %d", addressTxsMaxLimit))
    }

    afterTxid := c.QueryParam("after_txid")

    view := s.facade.Snapshot()
    defer view.Close()

    page, total, startIndex, nextCursor, err := view.AddressHistoryPage(scripthash, afterTxid, limit, true)
    if err != nil {
        return writeError(c, err)
    }

    setCache(c, cacheShort)
    return c.JSON(http.StatusOK, addressTxsPageJSON{
        Transactions:      toHistoryJSON(page),
        Total:             total,
        StartIndex:        startIndex,
        Limit:             limit,
        NextPageAfterTxid: nextCursor,
    })
}

func (s *Server) getAddressTxs(c echo.Context) error {
    scripthash, err := s.scripthashFromAddressParam(c)
    if err != nil {
        return writeError(c, err)
    }
    return s.addressTxsResponse(c, scripthash)
}

func (s *Server) getScripthashTxs(c echo.Context) error {
    scripthash, err := decodeScripthashHex(c.Param("hash"))
    if err != nil {
        return writeError(c, err)
    }
    return s.addressTxsResponse(c, scripthash)
}

// getAddressTxsChain returns confirmed history only, newest first, paged
// 25 at a time after last_txid, matching Esplora's /address/:a/txs/chain.
func (s *Server) getAddressTxsChain(c echo.Context) error {
    scripthash, err := s.scripthashFromAddressParam(c)
    if err != nil {
        return writeError(c, err)
    }

    view := s.facade.Snapshot()
    defer view.Close()

    history, err := view.AddressHistory(scripthash, false)
    if err != nil {
        return writeError(c, err)
    }

    for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
        history[i], history[j] = history[j], history[i]
    }

    if lastTxid := c.Param("last_txid"); lastTxid != "" {
        cut := -1
        for i, e := range history {
            if e.TxidHex == lastTxid {
                cut = i + 1
                break
            }
        }
        if cut < 0 {
            return writeError(c, errs.Newf(errs.NotFound, "txid %s not found in address history", lastTxid))
        }
        history = history[cut:]
    }

    if len(history) > chainTxsPageSize {
        history = history[:chainTxsPageSize]
    }

    setCache(c, cacheImmutable)
    return c.JSON(http.StatusOK, toHistoryJSON(history))
}

// getAddressTxsMempool returns only the mempool-resident half of an
// address's history, up to 50 entries.
func (s *Server) getAddressTxsMempool(c echo.Context) error {
    scripthash, err := s.scripthashFromAddressParam(c)
    if err != nil {
        return writeError(c, err)
    }

    view := s.facade.Snapshot()
    defer view.Close()

    history, err := view.AddressHistory(scripthash, true)
    if err != nil {
        return writeError(c, err)
    }

    var mempoolOnly []query.HistoryEntry
    for _, e := range history {
        if e.Height == 0 {
            mempoolOnly = append(mempoolOnly, e)
        }
    }
    if len(mempoolOnly) > mempoolTxsPageSize {
        mempoolOnly = mempoolOnly[:mempoolTxsPageSize]
    }

    setCache(c, cacheVeryShort)
    return c.JSON(http.StatusOK, toHistoryJSON(mempoolOnly))
}

type utxoJSON struct {
    Txid   string `json:"txid"`
    Vout   uint32 `json:"vout"`
    Height int32  `json:"height,omitempty"`
    Value  int64  `json:"value"`
}

func toUTXOJSON(utxos []query.UTXO) []utxoJSON {
    out := make([]utxoJSON, len(utxos))
    for i, u := range utxos {
        out[i] = utxoJSON{Txid: u.TxidHex, Vout: u.Vout, Height: u.Height, Value: u.Value}
    }
    return out
}

func (s *Server) addressUTXOResponse(c echo.Context, scripthash []byte) error {
    view := s.facade.Snapshot()
    defer view.Close()

    utxos, err := view.UTXOs(scripthash)
    if err != nil {
        return writeError(c, err)
    }
    if limit := s.cfg.Indexer.UTXOsLimit; limit > 0 && len(utxos) > limit {
        utxos = utxos[:limit]
    }

    setCache(c, cacheVeryShort)
    return c.JSON(http.StatusOK, toUTXOJSON(utxos))
}

func (s *Server) getAddressUTXO(c echo.Context) error {
    scripthash, err := s.scripthashFromAddressParam(c)
    if err != nil {
        return writeError(c, err)
    }
    return s.addressUTXOResponse(c, scripthash)
}

func (s *Server) getScripthashUTXO(c echo.Context) error {
    scripthash, err := decodeScripthashHex(c.Param("hash"))
    if err != nil {
        return writeError(c, err)
    }
    return s.addressUTXOResponse(c, scripthash)
}

func (s *Server) getAddressPrefix(c echo.Context) error {
    if !s.cfg.Indexer.AddressSearchEnabled {
        return writeError(c, errs.New(errs.NotFound, "address search is disabled"))
    }

    prefix := c.Param("prefix")
    if len(prefix) < addressPrefixMinLen {
        return writeError(c, errs.Newf(errs.BadRequest, "prefix must be at least %d characters", addressPrefixMinLen))
    }

    if !s.addressLimiter.Allow() {
        return writeError(c, errs.New(errs.BadRequest, "rate limit exceeded"))
    }

    view := s.facade.Snapshot()
    defer view.Close()

    matches, err := view.SearchAddressPrefix(prefix, 50)
    if err != nil {
        return writeError(c, err)
    }

    setCache(c, cacheShort)
    return c.JSON(http.StatusOK, matches)
}
