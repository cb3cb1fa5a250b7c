package commitment

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
)

// Merkle tree over commitment values with RFC 6962 domain separation:
// leaves are hashed under a 0x00 prefix, interior nodes under 0x01, and
// sub-trees split at the largest power of two below the size. The audit
// path for any leaf lets a verifier recompute the root without the other
// leaves.

var (
	leafPrefix = []byte{0x00}
	nodePrefix = []byte{0x01}
)

func leafHash(value []byte) []byte {
	h := sha256.New()
	h.Write(leafPrefix)
	h.Write(value)
	return h.Sum(nil)
}

func nodeHash(left, right []byte) []byte {
	h := sha256.New()
	h.Write(nodePrefix)
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// splitPoint returns the largest power of two strictly below n
func splitPoint(n int) int {
	k := 1
	for k*2 < n {
		k *= 2
	}
	return k
}

// RootFromValues computes the tree root over values in the given order
func RootFromValues(values [][]byte) ([]byte, error) {
	if len(values) == 0 {
		return nil, errors.New("cannot build a tree over zero values")
	}
	return subtreeRoot(values), nil
}

func subtreeRoot(values [][]byte) []byte {
	if len(values) == 1 {
		return leafHash(values[0])
	}
	k := splitPoint(len(values))
	return nodeHash(subtreeRoot(values[:k]), subtreeRoot(values[k:]))
}

// InclusionPath returns the audit path for the leaf at index
func InclusionPath(values [][]byte, index int) ([][]byte, error) {
	if index < 0 || index >= len(values) {
		return nil, fmt.Errorf("leaf index %d outside tree of size %d", index, len(values))
	}
	return subtreePath(values, index), nil
}

func subtreePath(values [][]byte, index int) [][]byte {
	if len(values) == 1 {
		return nil
	}
	k := splitPoint(len(values))
	if index < k {
		return append(subtreePath(values[:k], index), subtreeRoot(values[k:]))
	}
	return append(subtreePath(values[k:], index-k), subtreeRoot(values[:k]))
}

// VerifyInclusion checks an audit path: that the value at index, in a tree
// of the given size, hashes up through the path to the root. The
// climb follows RFC 9162 section 2.1.3.2.
func VerifyInclusion(value []byte, index, size int, path [][]byte, root []byte) bool {
	if index < 0 || size <= 0 || index >= size {
		return false
	}
	fn, sn := index, size-1
	r := leafHash(value)
	for _, p := range path {
		if sn == 0 {
			return false
		}
		if len(p) != sha256.Size {
			return false
		}
		if fn%2 == 1 || fn == sn {
			r = nodeHash(p, r)
			if fn%2 == 0 {
				for fn != 0 && fn%2 == 0 {
					fn >>= 1
					sn >>= 1
				}
			}
		} else {
			r = nodeHash(r, p)
		}
		fn >>= 1
		sn >>= 1
	}
	return sn == 0 && bytes.Equal(r, root)
}
