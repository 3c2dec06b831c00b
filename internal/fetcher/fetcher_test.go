package fetcher

import (
    "context"
    "testing"
    "time"

    "github.com/stretchr/testify/require"
)

func TestMinDuration(t *testing.T) {
    require.Equal(t, time.Second, minDuration(time.Second, 2*time.Second))
    require.Equal(t, time.Second, minDuration(2*time.Second, time.Second))
}

func TestBlkFileFetcherFetchRangeIsUnsupportedButSafe(t *testing.T) {
    f := &BlkFileFetcher{byHash: make(map[chainhash]blockLocation)}
    ch := f.FetchRange(context.Background(), 1, 10)

    _, ok := <-ch
    require.False(t, ok, "FetchRange should return a closed channel, not block forever")
}

func TestBlkFileFetcherHaveReportsIndexedBlocks(t *testing.T) {
    f := &BlkFileFetcher{byHash: make(map[chainhash]blockLocation)}

    var hash [32]byte
    hash[0] = 0x01
    require.False(t, f.Have(hash))

    f.byHash[chainhash(hash)] = blockLocation{file: "blk00000.dat", offset: 8, size: 285}
    require.True(t, f.Have(hash))
}
