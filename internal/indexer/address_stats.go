package indexer

import (
    "fmt"

    "github.com/cockroachdb/pebble"

    "github.com/dedooxyz/btcindex/internal/storage"
)

// addressStatsDelta accumulates the funded/spent/tx-count change a single
// block application (or its reversal) makes to one scripthash's cached
// AddressStatsValue row (the `X`-prefixed cache).
type addressStatsDelta struct {
    scripthash []byte
    funded     int64
    spent      int64
    txCount    int32
}

// applyAddressStatsDeltas folds deltas into the X-prefixed cache row for
// each touched scripthash and stages the result into batch. sign is +1
// when a block is being indexed and -1 when a block is being rolled back
// during a reorg, so the same delta bookkeeping serves both directions.
func applyAddressStatsDeltas(db *storage.DB, batch *pebble.Batch,
    deltas map[string]*addressStatsDelta, height int32, sign int64) error {

    for _, d := range deltas {
        existing, err := db.GetAddressStats(d.scripthash)
        if err != nil {
            return fmt.Errorf("failed to load address stats: %w", err)
        }

        stats := &storage.AddressStatsValue{FirstSeenHeight: height}
        if existing != nil {
            stats = existing
        }

        stats.FundedSum += sign * d.funded
        stats.SpentSum += sign * d.spent

        newCount := int64(stats.TxCount) + sign*int64(d.txCount)
        if newCount < 0 {
            newCount = 0
        }
        stats.TxCount = uint32(newCount)

        if err := db.SaveAddressStatsInBatch(batch, d.scripthash, stats); err != nil {
            return fmt.Errorf("failed to save address stats: %w", err)
        }
    }

    return nil
}
