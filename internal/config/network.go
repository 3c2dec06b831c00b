package config

import (
    "fmt"
    "strings"

    "github.com/btcsuite/btcd/chaincfg"
)

// ChainParams maps a BitcoinConfig.Network value onto the chaincfg.Params
// used for address decoding/encoding. testnet4 shares testnet3's address
// prefixes (btcsuite/btcd has no separate testnet4 parameter set), so it
// maps onto chaincfg.TestNet3Params like every other testnet3-compatible
// client does.
func ChainParams(network string) (*chaincfg.Params, error) {
    switch strings.ToLower(network) {
    case "mainnet":
        return &chaincfg.MainNetParams, nil
    case "testnet3", "testnet4":
        return &chaincfg.TestNet3Params, nil
    case "signet":
        return &chaincfg.SigNetParams, nil
    case "regtest":
        return &chaincfg.RegressionNetParams, nil
    default:
        return nil, fmt.Errorf("unknown network %q", network)
    }
}
