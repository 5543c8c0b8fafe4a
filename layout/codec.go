package layout

import (
	"bytes"
	"encoding/binary"
	"fmt"

	bitmap "github.com/boljen/go-bitmap"
	"github.com/noxer/bytewriter"

	"github.com/dargueta/ufs"
)

// BlockReadWriter is the device contract the codec needs: synchronous,
// full-block I/O. *disk.Disk satisfies it.
type BlockReadWriter interface {
	ReadBlock(n int, buf []byte) error
	WriteBlock(n int, buf []byte) error
}

// ReadSuperblock decodes block 0.
func ReadSuperblock(dev BlockReadWriter) (Superblock, error) {
	buf := make([]byte, BlockSize)
	if err := dev.ReadBlock(0, buf); err != nil {
		return Superblock{}, err
	}

	var sb Superblock
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &sb); err != nil {
		return Superblock{}, ufs.ErrIOFailed.WrapError(err)
	}
	return sb, nil
}

// WriteSuperblock encodes the superblock into block 0. The rest of the block
// is zeroed.
func WriteSuperblock(dev BlockReadWriter, sb Superblock) error {
	buf := make([]byte, BlockSize)
	writer := bytewriter.New(buf)
	if err := binary.Write(writer, binary.LittleEndian, &sb); err != nil {
		return ufs.ErrIOFailed.WrapError(err)
	}
	return dev.WriteBlock(0, buf)
}

// ReadInodeBitmap returns the inode allocation bitmap as one contiguous byte
// array spanning InodeBitmapLen blocks.
func ReadInodeBitmap(dev BlockReadWriter, sb *Superblock) (bitmap.Bitmap, error) {
	raw, err := readRegion(dev, sb.InodeBitmapAddr, sb.InodeBitmapLen)
	return bitmap.Bitmap(raw), err
}

// WriteInodeBitmap writes the full inode bitmap back, block by block.
func WriteInodeBitmap(dev BlockReadWriter, sb *Superblock, bm bitmap.Bitmap) error {
	return writeRegion(dev, sb.InodeBitmapAddr, sb.InodeBitmapLen, []byte(bm))
}

// ReadDataBitmap returns the data allocation bitmap. Bit i covers the
// absolute block DataRegionAddr + i.
func ReadDataBitmap(dev BlockReadWriter, sb *Superblock) (bitmap.Bitmap, error) {
	raw, err := readRegion(dev, sb.DataBitmapAddr, sb.DataBitmapLen)
	return bitmap.Bitmap(raw), err
}

// WriteDataBitmap writes the full data bitmap back, block by block.
func WriteDataBitmap(dev BlockReadWriter, sb *Superblock, bm bitmap.Bitmap) error {
	return writeRegion(dev, sb.DataBitmapAddr, sb.DataBitmapLen, []byte(bm))
}

// ReadInodeRegion decodes the whole inode table, NumInodes records long.
func ReadInodeRegion(dev BlockReadWriter, sb *Superblock) ([]Inode, error) {
	raw, err := readRegion(dev, sb.InodeRegionAddr, sb.InodeRegionLen)
	if err != nil {
		return nil, err
	}

	inodes := make([]Inode, sb.NumInodes)
	reader := bytes.NewReader(raw)
	for i := range inodes {
		if err := binary.Read(reader, binary.LittleEndian, &inodes[i]); err != nil {
			return nil, ufs.ErrIOFailed.WrapError(err)
		}
	}
	return inodes, nil
}

// WriteInodeRegion encodes the whole inode table and writes it back. `inodes`
// must hold exactly NumInodes records.
func WriteInodeRegion(dev BlockReadWriter, sb *Superblock, inodes []Inode) error {
	if len(inodes) != int(sb.NumInodes) {
		return ufs.ErrArgumentOutOfRange.WithMessage(
			fmt.Sprintf("inode table must have %d records, got %d",
				sb.NumInodes, len(inodes)))
	}

	raw := make([]byte, int(sb.InodeRegionLen)*BlockSize)
	writer := bytewriter.New(raw)
	for i := range inodes {
		if err := binary.Write(writer, binary.LittleEndian, &inodes[i]); err != nil {
			return ufs.ErrIOFailed.WrapError(err)
		}
	}
	return writeRegion(dev, sb.InodeRegionAddr, sb.InodeRegionLen, raw)
}

// readRegion assembles `length` consecutive blocks starting at `addr` into
// one buffer.
func readRegion(dev BlockReadWriter, addr, length int32) ([]byte, error) {
	buf := make([]byte, int(length)*BlockSize)
	for i := int32(0); i < length; i++ {
		block := buf[int(i)*BlockSize : int(i+1)*BlockSize]
		if err := dev.ReadBlock(int(addr+i), block); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// writeRegion partitions `raw` into block-granular writes. The caller
// assembles the full region buffer.
func writeRegion(dev BlockReadWriter, addr, length int32, raw []byte) error {
	if len(raw) != int(length)*BlockSize {
		return ufs.ErrArgumentOutOfRange.WithMessage(
			fmt.Sprintf("region buffer must be %d bytes, got %d",
				int(length)*BlockSize, len(raw)))
	}

	for i := int32(0); i < length; i++ {
		block := raw[int(i)*BlockSize : int(i+1)*BlockSize]
		if err := dev.WriteBlock(int(addr+i), block); err != nil {
			return err
		}
	}
	return nil
}
