package query

import (
    "testing"

    "github.com/btcsuite/btcd/btcutil"
    "github.com/btcsuite/btcd/chaincfg"
    "github.com/btcsuite/btcd/txscript"
    "github.com/stretchr/testify/require"

    "github.com/dedooxyz/btcindex/internal/indexer"
)

func TestScripthashForAddressMatchesManualDerivation(t *testing.T) {
    // Genesis block coinbase payout address.
    const address = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"

    scripthash, err := ScripthashForAddress(address, &chaincfg.MainNetParams)
    require.NoError(t, err)
    require.Len(t, scripthash, 32)

    decoded, err := btcutil.DecodeAddress(address, &chaincfg.MainNetParams)
    require.NoError(t, err)

    script, err := txscript.PayToAddrScript(decoded)
    require.NoError(t, err)

    require.Equal(t, indexer.ComputeScripthash(script), scripthash)
}

func TestScripthashForAddressRejectsGarbage(t *testing.T) {
    _, err := ScripthashForAddress("not-a-bitcoin-address", &chaincfg.MainNetParams)
    require.Error(t, err)
}

func TestScripthashForAddressRejectsWrongNetwork(t *testing.T) {
    const testnetAddress = "mzBc4XEFSdzCDcTxAgf6EZXgsZWpztRhef"

    _, err := ScripthashForAddress(testnetAddress, &chaincfg.MainNetParams)
    require.Error(t, err)
}
