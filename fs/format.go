package fs

import (
	"fmt"

	bitmap "github.com/boljen/go-bitmap"

	"github.com/dargueta/ufs"
	"github.com/dargueta/ufs/layout"
)

// sizedDevice is implemented by devices that know their own size, letting
// Format reject images that can't hold the requested geometry up front.
type sizedDevice interface {
	TotalBlocks() uint
}

// ComputeLayout derives the superblock for a fresh image holding numInodes
// inodes and numData data blocks. Regions are packed in order: superblock,
// inode bitmap, data bitmap, inode region, data region.
func ComputeLayout(numInodes, numData int32) layout.Superblock {
	inodeBitmapLen := blocksForBitmap(numInodes)
	dataBitmapLen := blocksForBitmap(numData)
	inodeRegionLen := layout.BlocksForBytes(numInodes * layout.InodeSize)

	sb := layout.Superblock{
		InodeBitmapAddr: 1,
		InodeBitmapLen:  inodeBitmapLen,
		NumInodes:       numInodes,
		NumData:         numData,
	}
	sb.DataBitmapAddr = sb.InodeBitmapAddr + inodeBitmapLen
	sb.DataBitmapLen = dataBitmapLen
	sb.InodeRegionAddr = sb.DataBitmapAddr + dataBitmapLen
	sb.InodeRegionLen = inodeRegionLen
	sb.DataRegionAddr = sb.InodeRegionAddr + inodeRegionLen
	sb.DataRegionLen = numData
	return sb
}

// TotalBlocks returns the number of blocks an image with the given geometry
// occupies.
func TotalBlocks(numInodes, numData int32) int32 {
	sb := ComputeLayout(numInodes, numData)
	return sb.DataRegionAddr + sb.DataRegionLen
}

// Format writes a fresh, empty file system onto dev: the superblock, both
// bitmaps with only the root's bits set, the inode region with the root
// directory in slot 0, and the root directory block holding "." and ".."
// (both naming the root). Every other metadata byte is zero, so formatting
// the same geometry is deterministic.
func Format(dev Device, numInodes, numData int32) error {
	if numInodes <= 0 || numData <= 0 {
		return ufs.ErrArgumentOutOfRange.WithMessage(
			fmt.Sprintf("inode and data counts must be positive, got %d and %d",
				numInodes, numData))
	}

	sb := ComputeLayout(numInodes, numData)
	totalBlocks := sb.DataRegionAddr + sb.DataRegionLen
	if sized, ok := dev.(sizedDevice); ok && uint(totalBlocks) > sized.TotalBlocks() {
		return ufs.ErrArgumentOutOfRange.WithMessage(
			fmt.Sprintf("geometry needs %d blocks but the device has %d",
				totalBlocks, sized.TotalBlocks()))
	}

	if err := layout.WriteSuperblock(dev, sb); err != nil {
		return err
	}

	inodeBitmap := bitmap.Bitmap(make([]byte, int(sb.InodeBitmapLen)*layout.BlockSize))
	inodeBitmap.Set(layout.RootInode, true)
	if err := layout.WriteInodeBitmap(dev, &sb, inodeBitmap); err != nil {
		return err
	}

	// The root directory claims the first data block.
	dataBitmap := bitmap.Bitmap(make([]byte, int(sb.DataBitmapLen)*layout.BlockSize))
	dataBitmap.Set(0, true)
	if err := layout.WriteDataBitmap(dev, &sb, dataBitmap); err != nil {
		return err
	}

	inodes := make([]layout.Inode, numInodes)
	root := &inodes[layout.RootInode]
	root.Type = layout.Directory
	root.Size = 2 * layout.DirEntSize
	root.Direct[0] = sb.DataRegionAddr
	if err := layout.WriteInodeRegion(dev, &sb, inodes); err != nil {
		return err
	}

	// The root is its own parent.
	dots := []layout.DirEnt{
		layout.NewDirEnt(layout.RootInode, "."),
		layout.NewDirEnt(layout.RootInode, ".."),
	}
	return dev.WriteBlock(int(sb.DataRegionAddr), layout.EncodeDirEnts(dots))
}

// blocksForBitmap returns the number of blocks needed to hold a bitmap of
// `bits` bits.
func blocksForBitmap(bits int32) int32 {
	return layout.BlocksForBytes((bits + 7) / 8)
}
