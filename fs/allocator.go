package fs

import (
	"math/bits"

	bitmap "github.com/boljen/go-bitmap"

	"github.com/dargueta/ufs"
	"github.com/dargueta/ufs/layout"
)

// allocateBit reserves the first clear bit below limit and returns its index.
// The scan runs byte by byte, bit 0..7 within each byte, so allocation order
// is deterministic and low-to-high.
func allocateBit(bm bitmap.Bitmap, limit int32) (int32, error) {
	for i := int32(0); i < limit; i++ {
		if !bm.Get(int(i)) {
			bm.Set(int(i), true)
			return i, nil
		}
	}
	return 0, ufs.ErrNoSpaceOnDevice
}

// freeBit clears bit i. Freeing an already-clear bit is a no-op.
func freeBit(bm bitmap.Bitmap, i int32) {
	bm.Set(int(i), false)
}

// countAllocated popcounts the live portion of a bitmap. Bits at or beyond
// limit are reserved and ignored.
func countAllocated(bm bitmap.Bitmap, limit int32) int32 {
	wholeBytes := int(limit) / 8
	total := 0
	for _, b := range bm[:wholeBytes] {
		total += bits.OnesCount8(b)
	}
	if rem := uint(limit) % 8; rem != 0 {
		total += bits.OnesCount8(bm[wholeBytes] & byte(1<<rem-1))
	}
	return int32(total)
}

// hasSpace reports whether the file system can supply needInodes more inodes
// and enough data blocks to hold needBytes bytes plus needExtraBlocks whole
// blocks.
func hasSpace(
	sb *layout.Superblock,
	inodeBitmap bitmap.Bitmap,
	dataBitmap bitmap.Bitmap,
	needInodes int32,
	needBytes int32,
	needExtraBlocks int32,
) bool {
	freeInodes := sb.NumInodes - countAllocated(inodeBitmap, sb.NumInodes)
	if freeInodes < needInodes {
		return false
	}

	freeBlocks := sb.NumData - countAllocated(dataBitmap, sb.NumData)
	return freeBlocks >= layout.BlocksForBytes(needBytes)+needExtraBlocks
}
