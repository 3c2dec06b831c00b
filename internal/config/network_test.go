package config

import (
    "testing"

    "github.com/btcsuite/btcd/chaincfg"
    "github.com/stretchr/testify/require"
)

func TestChainParamsKnownNetworks(t *testing.T) {
    cases := map[string]*chaincfg.Params{
        "mainnet":  &chaincfg.MainNetParams,
        "MAINNET":  &chaincfg.MainNetParams,
        "testnet3": &chaincfg.TestNet3Params,
        "testnet4": &chaincfg.TestNet3Params,
        "signet":   &chaincfg.SigNetParams,
        "regtest":  &chaincfg.RegressionNetParams,
    }

    for network, want := range cases {
        got, err := ChainParams(network)
        require.NoError(t, err, network)
        require.Same(t, want, got, network)
    }
}

func TestChainParamsRejectsUnknownNetwork(t *testing.T) {
    _, err := ChainParams("nakamotonet")
    require.Error(t, err)
}
