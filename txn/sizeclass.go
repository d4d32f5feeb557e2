package txn

import (
	"math/bits"

	"github.com/coocood/badger/y"
)

// Size classes follow the jemalloc scheme: four classes of 8 byte steps,
// then groups of four classes spaced 1<<(grp-2) apart inside each power of
// two. The table is pure configuration, identical in every run, so it is
// never persisted.
const (
	// smallSizeMax bounds the direct lookup table; classify falls back to
	// arithmetic above it.
	smallSizeMax = 1024

	maxSizeGrp = 30
)

type sizeClass struct {
	// blockSize is the byte size of blocks served by this class. Always
	// >= every size that classifies to it.
	blockSize int
	// sbSize is the superblock size, the smallest page multiple that holds
	// a whole number of blocks.
	sbSize   int
	blockNum int
}

var (
	classes     []sizeClass
	smallLookup [smallSizeMax + 1]uint8
)

func init() {
	for nd := 1; nd <= 4; nd++ {
		addClass(nd * 8)
	}
	for grp := 5; grp <= maxSizeGrp; grp++ {
		for nd := 1; nd <= 4; nd++ {
			addClass(1<<uint(grp) + nd<<uint(grp-2))
		}
	}

	cls := 0
	for s := 1; s <= smallSizeMax; s++ {
		if s > classes[cls].blockSize {
			cls++
		}
		smallLookup[s] = uint8(cls)
	}
}

func addClass(blockSize int) {
	sb := blockSize / gcd(blockSize, 4096) * 4096
	classes = append(classes, sizeClass{
		blockSize: blockSize,
		sbSize:    sb,
		blockNum:  sb / blockSize,
	})
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// classify maps a request size to its size class index. O(1) either way:
// table lookup below smallSizeMax, log2 arithmetic above.
func classify(size int) int {
	y.AssertTruef(size > 0, "classify of non-positive size %d", size)
	if size <= smallSizeMax {
		return int(smallLookup[size])
	}
	grp := bits.Len(uint(size-1)) - 1
	y.AssertTruef(grp <= maxSizeGrp, "size %d beyond largest class", size)
	delta := 1 << uint(grp-2)
	nd := (size - 1<<uint(grp) + delta - 1) / delta
	return 4 + (grp-5)*4 + nd - 1
}
