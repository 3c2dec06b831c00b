// Package metrics exposes the process's Prometheus gauges and counters
// on the monitoring_addr configured in internal/config, per spec.md §6's
// monitoring_addr contract. The indexing/query/network contracts
// themselves stay external collaborators (spec.md §1); this package only
// carries the ambient observability surface the rest of the pack expects
// a long-running service to expose.
package metrics

import (
    "context"
    "net/http"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promauto"
    "github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "btcindex"

var (
    // ChainHeight is the height of the last block this process has
    // fully indexed.
    ChainHeight = promauto.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "chain",
        Name:      "height",
        Help:      "Height of the last fully indexed block",
    })

    // MempoolTxCount is the number of transactions currently tracked in
    // the in-memory mempool overlay.
    MempoolTxCount = promauto.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "mempool",
        Name:      "tx_count",
        Help:      "Number of unconfirmed transactions tracked in the mempool overlay",
    })

    // MempoolOutputCount is the number of unspent-or-not mempool outputs
    // the overlay is currently tracking for UTXO/outspend lookups.
    MempoolOutputCount = promauto.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "mempool",
        Name:      "output_count",
        Help:      "Number of outputs tracked in the mempool overlay",
    })

    // ElectrumConnections is the number of currently open Electrum TCP
    // connections.
    ElectrumConnections = promauto.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "electrum",
        Name:      "connections",
        Help:      "Number of open Electrum client connections",
    })

    // ElectrumRequestsTotal counts dispatched Electrum JSON-RPC calls by
    // method name.
    ElectrumRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "electrum",
        Name:      "requests_total",
        Help:      "Total Electrum JSON-RPC requests handled, by method",
    }, []string{"method"})

    // RestRequestsTotal counts served REST requests by route and status
    // class.
    RestRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "rest",
        Name:      "requests_total",
        Help:      "Total REST requests handled, by route and status class",
    }, []string{"route", "status"})

    // BlocksIndexedTotal counts blocks indexed from live ZMQ block
    // notifications since process start; blocks indexed during catch-up
    // are not counted.
    BlocksIndexedTotal = promauto.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "indexer",
        Name:      "blocks_indexed_total",
        Help:      "Total blocks indexed from live block notifications since process start",
    })

    // ReorgsTotal counts detected chain reorganizations.
    ReorgsTotal = promauto.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "indexer",
        Name:      "reorgs_total",
        Help:      "Total chain reorganizations handled since process start",
    })
)

// Server serves the Prometheus exposition format on addr. It does not
// start until Start is called; a nil Server (addr == "") disables
// monitoring entirely, matching MonitoringAddr's documented empty-string
// default in internal/config.
type Server struct {
    httpServer *http.Server
}

// NewServer builds a monitoring HTTP server bound to addr, serving the
// default registry at /metrics. Returns nil if addr is empty.
func NewServer(addr string) *Server {
    if addr == "" {
        return nil
    }

    mux := http.NewServeMux()
    mux.Handle("/metrics", promhttp.Handler())

    return &Server{httpServer: &http.Server{Addr: addr, Handler: mux}}
}

// Start blocks serving HTTP until the server is stopped or fails to
// bind. Intended to run in its own goroutine, mirroring
// electrum.Server.Start/rest.Server.Start's lifecycle shape.
func (s *Server) Start() error {
    if s == nil {
        return nil
    }
    err := s.httpServer.ListenAndServe()
    if err == http.ErrServerClosed {
        return nil
    }
    return err
}

// Stop gracefully shuts the monitoring server down.
func (s *Server) Stop(ctx context.Context) error {
    if s == nil {
        return nil
    }
    return s.httpServer.Shutdown(ctx)
}
