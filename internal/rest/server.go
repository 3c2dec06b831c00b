// Package rest implements the Esplora-style HTTP/JSON API, a second
// protocol surface over the same query.Facade the Electrum server uses.
package rest

import (
    "context"
    "log"
    "net/http"
    "time"

    "github.com/btcsuite/btcd/chaincfg"
    "github.com/labstack/echo/v4"
    "golang.org/x/time/rate"

    "github.com/dedooxyz/btcindex/internal/config"
    "github.com/dedooxyz/btcindex/internal/metrics"
    "github.com/dedooxyz/btcindex/internal/query"
)

// Server hosts the REST API on cfg.Server.HTTPAddr.
type Server struct {
    cfg    *config.Config
    facade *query.Facade
    params *chaincfg.Params
    echo   *echo.Echo

    addressLimiter *rate.Limiter
}

func NewServer(cfg *config.Config, facade *query.Facade, params *chaincfg.Params) *Server {
    e := echo.New()
    e.HideBanner = true
    e.HidePort = true

    s := &Server{
        cfg:    cfg,
        facade: facade,
        params: params,
        echo:   e,
        // /address-prefix and /blockchain/top-holders are full table scans;
        // 2 req/s with a small burst keeps one client from starving them.
        addressLimiter: rate.NewLimiter(rate.Limit(2), 4),
    }
    e.Use(metricsMiddleware)
    s.registerRoutes()
    return s
}

// metricsMiddleware records one metrics.RestRequestsTotal observation per
// request, labeled by the matched route pattern (not the raw path, which
// would blow up cardinality with one label value per txid/scripthash) and
// status class.
func metricsMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
    return func(c echo.Context) error {
        err := next(c)

        route := c.Path()
        if route == "" {
            route = "unmatched"
        }
        status := c.Response().Status
        statusClass := "2xx"
        switch {
        case status >= 500:
            statusClass = "5xx"
        case status >= 400:
            statusClass = "4xx"
        case status >= 300:
            statusClass = "3xx"
        }
        metrics.RestRequestsTotal.WithLabelValues(route, statusClass).Inc()

        return err
    }
}

func (s *Server) Start() error {
    log.Printf("✅ REST server listening on %s", s.cfg.Server.HTTPAddr)
    if err := s.echo.Start(s.cfg.Server.HTTPAddr); err != nil && err != http.ErrServerClosed {
        return err
    }
    return nil
}

func (s *Server) Stop() error {
    log.Println("🛑 Stopping REST server...")
    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()
    return s.echo.Shutdown(ctx)
}

const (
    cacheImmutable = "public, max-age=157784630"
    cacheShort     = "public, max-age=10"
    cacheVeryShort = "public, max-age=5"
)

func setCache(c echo.Context, value string) {
    c.Response().Header().Set("Cache-Control", value)
}
