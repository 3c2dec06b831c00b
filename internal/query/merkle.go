package query

import (
    "encoding/hex"

    "github.com/btcsuite/btcd/chaincfg/chainhash"
)

// MerkleProof is the branch needed to verify a transaction's inclusion in
// the block at BlockHeight, at position Pos.
type MerkleProof struct {
    BlockHeight int32
    Pos         int
    Merkle      []string
}

func buildMerkleBranch(txids [][]byte, pos int) []string {
    if len(txids) == 1 {
        return []string{}
    }

    level := make([][32]byte, len(txids))
    for i, txid := range txids {
        copy(level[i][:], txid)
    }

    branch := make([]string, 0)

    for len(level) > 1 {
        sibling := pos ^ 1
        if sibling >= len(level) {
            // An odd last node is paired with itself below.
            sibling = pos
        }
        branch = append(branch, hex.EncodeToString(level[sibling][:]))

        next := make([][32]byte, (len(level)+1)/2)
        for i := 0; i < len(level); i += 2 {
            left := level[i]
            right := left
            if i+1 < len(level) {
                right = level[i+1]
            }

            combined := append(append([]byte{}, left[:]...), right[:]...)
            hash := chainhash.DoubleHashB(combined)
            copy(next[i/2][:], hash)
        }

        level = next
        pos = pos / 2
    }

    return branch
}
