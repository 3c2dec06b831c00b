package rest

import (
    "net/http"
    "strconv"

    "github.com/labstack/echo/v4"

    "github.com/dedooxyz/btcindex/internal/errs"
)

const topHoldersMax = 100

func (s *Server) getMempool(c echo.Context) error {
    summary := s.facade.MempoolSummary()
    setCache(c, cacheVeryShort)
    return c.JSON(http.StatusOK, summary)
}

func (s *Server) getMempoolTxids(c echo.Context) error {
    setCache(c, cacheVeryShort)
    return c.JSON(http.StatusOK, s.facade.MempoolTxids())
}

func (s *Server) getMempoolRecent(c echo.Context) error {
    setCache(c, cacheVeryShort)
    return c.JSON(http.StatusOK, s.facade.MempoolRecent(25))
}

func (s *Server) getFeeEstimates(c echo.Context) error {
    view := s.facade.Snapshot()
    defer view.Close()

    estimates, err := view.FeeEstimates()
    if err != nil {
        return writeError(c, err)
    }

    setCache(c, cacheVeryShort)
    return c.JSON(http.StatusOK, estimates)
}

func (s *Server) getSupply(c echo.Context) error {
    view := s.facade.Snapshot()
    defer view.Close()

    supply, err := view.TotalSupply()
    if err != nil {
        return writeError(c, err)
    }

    setCache(c, cacheShort)
    return c.String(http.StatusOK, strconv.FormatInt(supply, 10))
}

func (s *Server) getTopHolders(c echo.Context) error {
    if !s.addressLimiter.Allow() {
        return writeError(c, errs.New(errs.BadRequest, "rate limit exceeded"))
    }

    view := s.facade.Snapshot()
    defer view.Close()

    holders, err := view.TopHolders(topHoldersMax)
    if err != nil {
        return writeError(c, err)
    }

    setCache(c, cacheShort)
    return c.JSON(http.StatusOK, holders)
}

func (s *Server) getSync(c echo.Context) error {
    status, err := s.facade.SyncStatus()
    if err != nil {
        return writeError(c, err)
    }

    setCache(c, cacheVeryShort)
    return c.JSON(http.StatusOK, status)
}
