package query

import (
    "encoding/hex"

    "github.com/btcsuite/btcd/btcutil"
    "github.com/btcsuite/btcd/chaincfg"
    "github.com/btcsuite/btcd/txscript"

    "github.com/dedooxyz/btcindex/internal/errs"
    "github.com/dedooxyz/btcindex/internal/indexer"
    "github.com/dedooxyz/btcindex/internal/storage"
)

// ScripthashForAddress decodes a Bitcoin address string under params and
// returns the Electrum scripthash its scriptPubKey hashes to, the way
// REST's /address/{a} accepts an address where Electrum only ever sees
// a scripthash directly.
func ScripthashForAddress(address string, params *chaincfg.Params) ([]byte, error) {
    decoded, err := btcutil.DecodeAddress(address, params)
    if err != nil {
        return nil, errs.Wrap(errs.BadRequest, err, "invalid address")
    }

    script, err := txscript.PayToAddrScript(decoded)
    if err != nil {
        return nil, errs.Wrap(errs.BadRequest, err, "unsupported address type")
    }

    return indexer.ComputeScripthash(script), nil
}

// AddressMatch is one hit from a /address-prefix search.
type AddressMatch struct {
    Address       string
    ScripthashHex string
}

// SearchAddressPrefix scans the address-string index built during block
// indexing for every address beginning with prefix, up to limit results.
// Requires the indexer to have been started with address search enabled;
// an empty index simply yields no matches.
func (v *View) SearchAddressPrefix(prefix string, limit int) ([]AddressMatch, error) {
    iter, err := v.snap.NewPrefixIterator(storage.AddressIndexPrefix(prefix))
    if err != nil {
        return nil, errs.Wrap(errs.Store, err, "failed to iterate address index")
    }
    defer iter.Close()

    var matches []AddressMatch
    for iter.First(); iter.Valid(); iter.Next() {
        if limit > 0 && len(matches) >= limit {
            break
        }

        address, err := storage.ParseAddressIndexKey(iter.Key())
        if err != nil {
            continue
        }

        scripthash := make([]byte, len(iter.Value()))
        copy(scripthash, iter.Value())

        matches = append(matches, AddressMatch{
            Address:       address,
            ScripthashHex: hex.EncodeToString(scripthash),
        })
    }

    return matches, nil
}
