package storage

import (
    "testing"

    "github.com/stretchr/testify/require"
)

func TestAddressStatsKeyRoundTrip(t *testing.T) {
    scripthash := make([]byte, ScripthashLength)
    scripthash[0] = 0x42

    key, err := MakeAddressStatsKey(scripthash)
    require.NoError(t, err)
    require.Equal(t, PrefixAddressStats, key[0])

    parsed, err := ParseAddressStatsKey(key)
    require.NoError(t, err)
    require.Equal(t, scripthash, parsed)
}

func TestAddressStatsKeyRejectsBadScripthashLength(t *testing.T) {
    _, err := MakeAddressStatsKey([]byte{0x01})
    require.Error(t, err)
}

func TestMempoolTxKeyRoundTrip(t *testing.T) {
    txid := make([]byte, TxidLength)
    txid[0] = 0x07

    key, err := MakeMempoolTxKey(txid)
    require.NoError(t, err)
    require.Equal(t, PrefixMempoolTx, key[0])

    parsed, err := ParseMempoolTxKey(key)
    require.NoError(t, err)
    require.Equal(t, txid, parsed)
}

func TestParseAddressStatsKeyRejectsWrongPrefix(t *testing.T) {
    scripthash := make([]byte, ScripthashLength)
    key, err := MakeHistoryPrefix(scripthash)
    require.NoError(t, err)

    _, err = ParseAddressStatsKey(key)
    require.Error(t, err)
}

func TestAddressIndexKeyRoundTrip(t *testing.T) {
    address := "bc1qxyz2example0address"

    key := MakeAddressIndexKey(address)
    require.Equal(t, PrefixAddress, key[0])

    parsed, err := ParseAddressIndexKey(key)
    require.NoError(t, err)
    require.Equal(t, address, parsed)
}

func TestAddressIndexPrefixMatchesFullKey(t *testing.T) {
    prefix := AddressIndexPrefix("bc1q")
    key := MakeAddressIndexKey("bc1qxyz2example0address")

    require.True(t, len(key) >= len(prefix))
    require.Equal(t, prefix, key[:len(prefix)])
}

func TestParseAddressIndexKeyRejectsWrongPrefix(t *testing.T) {
    scripthash := make([]byte, ScripthashLength)
    key, err := MakeAddressStatsKey(scripthash)
    require.NoError(t, err)

    _, err = ParseAddressIndexKey(key)
    require.Error(t, err)
}

func TestOutspendKeyRoundTrip(t *testing.T) {
    txid := make([]byte, TxidLength)
    txid[0] = 0x09

    key, err := MakeOutspendKey(txid, 3)
    require.NoError(t, err)
    require.Equal(t, PrefixOutspend, key[0])

    parsedTxid, parsedVout, err := ParseOutspendKey(key)
    require.NoError(t, err)
    require.Equal(t, txid, parsedTxid)
    require.Equal(t, uint32(3), parsedVout)
}

func TestParseOutspendKeyRejectsWrongPrefix(t *testing.T) {
    txid := make([]byte, TxidLength)
    key, err := MakeTxIndexKey(txid, 0)
    require.NoError(t, err)

    _, _, err = ParseOutspendKey(key)
    require.Error(t, err)
}
