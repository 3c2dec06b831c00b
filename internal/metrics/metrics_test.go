package metrics

import (
    "testing"

    "github.com/prometheus/client_golang/prometheus/testutil"
    "github.com/stretchr/testify/require"
)

func TestNewServerDisabledOnEmptyAddr(t *testing.T) {
    require.Nil(t, NewServer(""))
}

func TestNewServerBindsMetricsRoute(t *testing.T) {
    s := NewServer("127.0.0.1:0")
    require.NotNil(t, s)
    require.NotNil(t, s.httpServer.Handler)
}

func TestGaugesAndCountersAreObservable(t *testing.T) {
    ChainHeight.Set(123)
    require.Equal(t, float64(123), testutil.ToFloat64(ChainHeight))

    before := testutil.ToFloat64(BlocksIndexedTotal)
    BlocksIndexedTotal.Inc()
    require.Equal(t, before+1, testutil.ToFloat64(BlocksIndexedTotal))

    ElectrumRequestsTotal.WithLabelValues("server.ping").Inc()
    RestRequestsTotal.WithLabelValues("/blocks/tip/height", "2xx").Inc()
}
