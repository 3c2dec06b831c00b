// Package fetcher abstracts "blocks in" from the indexer. RPCFetcher
// (parallel RPC pulls during catch-up) implements the Fetcher interface
// that ChainManager pulls from. BlkFileFetcher (blk-file mmap reads)
// also satisfies it but serves blocks only by hash; its FetchRange
// returns a closed channel. ZMQFetcher (ZMQ push for live tip-following)
// delivers blocks and transactions on its own channels and does not
// implement Fetcher.
package fetcher

import (
    "context"

    "github.com/btcsuite/btcd/wire"
)

// FetchedBlock pairs a block with the height the caller requested it
// at, so out-of-order results from a parallel fetch can still be
// reassembled in height order.
type FetchedBlock struct {
    Height int32
    Block  *wire.MsgBlock
    Err    error
}

// Fetcher delivers blocks for a requested height range over a channel.
// The channel is closed once every height in [from, to] has been sent
// (or an error was sent in its place) or ctx is cancelled.
type Fetcher interface {
    FetchRange(ctx context.Context, from, to int32) <-chan FetchedBlock
    Close() error
}
