// Package layout defines the on-disk structures of the file system — the
// superblock, the two allocation bitmaps, the inode table, and directory
// entries — along with the codecs that move them between block buffers and
// usable Go values.
//
// The image is laid out as:
//
//	block 0:                    superblock
//	inode_bitmap_addr .. +len:  inode allocation bitmap
//	data_bitmap_addr .. +len:   data allocation bitmap
//	inode_region_addr .. +len:  packed inode records, in index order
//	data_region_addr ..:        user data
//
// All multibyte fields are little-endian. Bitmap bit k of byte b (LSB first)
// covers inode number 8*b+k, or data block data_region_addr + 8*b+k.
package layout

import "bytes"

const (
	// BlockSize is the size of one disk block, in bytes.
	BlockSize = 4096
	// DirectBlocks is the number of direct block pointers in an inode. There
	// are no indirect blocks, so this caps the size of every object.
	DirectBlocks = 30
	// DirEntNameSize is the width of a directory entry's name field. Names
	// are null-padded and need not be null-terminated when exactly full.
	DirEntNameSize = 28
	// RootInode is the inode number of the root directory.
	RootInode = 0
	// MaxFileSize is the largest byte size any inode can reach.
	MaxFileSize = DirectBlocks * BlockSize

	// InodeSize is the on-disk size of one inode record.
	InodeSize = 128
	// DirEntSize is the on-disk size of one directory entry.
	DirEntSize = 4 + DirEntNameSize

	InodesPerBlock  = BlockSize / InodeSize
	DirEntsPerBlock = BlockSize / DirEntSize
)

// InodeType discriminates directories from regular files.
type InodeType int32

const (
	Directory   InodeType = 0
	RegularFile InodeType = 1
)

func (t InodeType) String() string {
	switch t {
	case Directory:
		return "directory"
	case RegularFile:
		return "file"
	}
	return "unknown"
}

// Superblock is block 0 of the image. Addresses are block numbers, lengths
// are block counts. NumInodes and NumData are authoritative; the bitmaps may
// be slightly larger than strictly needed and their excess bits stay zero.
type Superblock struct {
	InodeBitmapAddr int32
	InodeBitmapLen  int32
	DataBitmapAddr  int32
	DataBitmapLen   int32
	InodeRegionAddr int32
	InodeRegionLen  int32
	DataRegionAddr  int32
	DataRegionLen   int32
	NumInodes       int32
	NumData         int32
}

// Inode is one fixed-size record in the inode region. Size counts valid bytes
// for regular files; for directories it is the packed length of the entry
// list, including "." and "..". Only the first BlocksForBytes(Size) direct
// pointers are meaningful.
type Inode struct {
	Type   InodeType
	Size   int32
	Direct [DirectBlocks]int32
}

// BlockCount returns the number of data blocks the inode currently occupies.
func (ino *Inode) BlockCount() int32 {
	return BlocksForBytes(ino.Size)
}

// BlocksForBytes returns the number of whole blocks needed to hold n bytes.
func BlocksForBytes(n int32) int32 {
	return (n + BlockSize - 1) / BlockSize
}

// DirEnt is one fixed-size directory entry. A directory's contents are a
// packed sequence of these, with "." at slot 0 and ".." at slot 1.
type DirEnt struct {
	Inum int32
	Name [DirEntNameSize]byte
}

// NewDirEnt builds an entry for `name`, which must fit in DirEntNameSize
// bytes. The name field is null-padded.
func NewDirEnt(inum int32, name string) DirEnt {
	ent := DirEnt{Inum: inum}
	copy(ent.Name[:], name)
	return ent
}

// EntryName returns the entry's name with trailing padding stripped. A name
// occupying the full field width has no terminator and is returned whole.
func (ent *DirEnt) EntryName() string {
	if i := bytes.IndexByte(ent.Name[:], 0); i >= 0 {
		return string(ent.Name[:i])
	}
	return string(ent.Name[:])
}
