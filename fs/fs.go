// Package fs implements the inode and directory engine on top of the block
// device: stat, lookup, read, write, create, and unlink, plus image
// formatting and an invariant checker.
//
// The engine never opens transactions itself. Collaborators bracket every
// mutating call (or a sequence of them) with the device's BeginTransaction,
// Commit, and Rollback so that compound operations persist in full or not at
// all.
package fs

import (
	"errors"
	"fmt"

	"github.com/dargueta/ufs"
	"github.com/dargueta/ufs/layout"
)

// Device is the block device contract the engine consumes: synchronous,
// full-block reads and writes. *disk.Disk satisfies it; so does anything else
// exposing a block array.
type Device interface {
	ReadBlock(n int, buf []byte) error
	WriteBlock(n int, buf []byte) error
}

// FileSystem is the engine. It holds no state besides the device; every
// operation re-reads the on-disk structures it needs.
type FileSystem struct {
	dev Device
}

// New returns an engine over dev. The device must already hold a formatted
// image (see Format).
func New(dev Device) *FileSystem {
	return &FileSystem{dev: dev}
}

// ReadSuperblock exposes the superblock for diagnostic tools.
func (fsys *FileSystem) ReadSuperblock() (layout.Superblock, error) {
	return layout.ReadSuperblock(fsys.dev)
}

// Stat returns the inode record for inum, or ErrInvalidInode if the number is
// out of range. The allocation bitmap is deliberately not consulted; callers
// reach inodes through the directory tree and can trust reachability.
func (fsys *FileSystem) Stat(inum int) (layout.Inode, error) {
	sb, err := layout.ReadSuperblock(fsys.dev)
	if err != nil {
		return layout.Inode{}, err
	}
	return fsys.statWithSuper(&sb, inum)
}

func (fsys *FileSystem) statWithSuper(sb *layout.Superblock, inum int) (layout.Inode, error) {
	if inum < 0 || inum >= int(sb.NumInodes) {
		return layout.Inode{}, ufs.ErrInvalidInode.WithMessage(
			fmt.Sprintf("%d not in range [0, %d)", inum, sb.NumInodes))
	}

	inodes, err := layout.ReadInodeRegion(fsys.dev, sb)
	if err != nil {
		return layout.Inode{}, err
	}
	return inodes[inum], nil
}

// Lookup scans the directory parentInum for an entry named name and returns
// its inode number. It returns ErrInvalidInode if the parent is out of range
// or not a directory, and ErrNotFound if no entry matches.
func (fsys *FileSystem) Lookup(parentInum int, name string) (int, error) {
	sb, err := layout.ReadSuperblock(fsys.dev)
	if err != nil {
		return 0, err
	}
	return fsys.lookupWithSuper(&sb, parentInum, name)
}

func (fsys *FileSystem) lookupWithSuper(
	sb *layout.Superblock, parentInum int, name string,
) (int, error) {
	parent, err := fsys.statWithSuper(sb, parentInum)
	if err != nil {
		return 0, err
	}
	if parent.Type != layout.Directory {
		return 0, ufs.ErrInvalidInode.WithMessage(
			fmt.Sprintf("inode %d is not a directory", parentInum))
	}

	entries, err := fsys.readDirEntries(&parent)
	if err != nil {
		return 0, err
	}
	for i := range entries {
		if entries[i].EntryName() == name {
			return int(entries[i].Inum), nil
		}
	}
	return 0, ufs.ErrNotFound
}

// Read copies size bytes of inum's contents into buf and returns size. The
// requested size is not clamped to the inode's size: the caller supplies an
// appropriate value, and bytes past the on-disk extent are left untouched in
// buf. For directories this returns the packed directory-entry bytes.
func (fsys *FileSystem) Read(inum int, buf []byte, size int) (int, error) {
	sb, err := layout.ReadSuperblock(fsys.dev)
	if err != nil {
		return 0, err
	}

	ino, err := fsys.statWithSuper(&sb, inum)
	if err != nil {
		return 0, err
	}
	if size < 0 || size > layout.MaxFileSize {
		return 0, ufs.ErrInvalidSize.WithMessage(
			fmt.Sprintf("%d not in range [0, %d]", size, layout.MaxFileSize))
	}

	extent, err := fsys.readExtent(&ino)
	if err != nil {
		return 0, err
	}

	n := size
	if n > len(extent) {
		n = len(extent)
	}
	copy(buf, extent[:n])
	return size, nil
}

// ReadDir returns the decoded entries of a directory, "." and ".." included.
func (fsys *FileSystem) ReadDir(inum int) ([]layout.DirEnt, error) {
	sb, err := layout.ReadSuperblock(fsys.dev)
	if err != nil {
		return nil, err
	}

	ino, err := fsys.statWithSuper(&sb, inum)
	if err != nil {
		return nil, err
	}
	if ino.Type != layout.Directory {
		return nil, ufs.ErrInvalidInode.WithMessage(
			fmt.Sprintf("inode %d is not a directory", inum))
	}
	return fsys.readDirEntries(&ino)
}

// Create makes a new object named name under parentInum and returns its inode
// number. Creating a name that already exists with the same type returns the
// existing inode; with a different type it fails with ErrInvalidType.
//
// All allocations the operation will perform — the inode, an initial block
// for directories, and a block for the parent if appending the entry crosses
// a block boundary — are counted in a single capacity query before anything
// is reserved.
func (fsys *FileSystem) Create(
	parentInum int, typ layout.InodeType, name string,
) (int, error) {
	if len(name) == 0 || len(name) > layout.DirEntNameSize {
		return 0, ufs.ErrInvalidName.WithMessage(
			fmt.Sprintf("name must be 1..%d bytes, got %d", layout.DirEntNameSize, len(name)))
	}
	if typ != layout.Directory && typ != layout.RegularFile {
		return 0, ufs.ErrInvalidType.WithMessage(
			fmt.Sprintf("unknown inode type %d", typ))
	}

	sb, err := layout.ReadSuperblock(fsys.dev)
	if err != nil {
		return 0, err
	}

	existing, err := fsys.lookupWithSuper(&sb, parentInum, name)
	switch {
	case err == nil:
		existingInode, err := fsys.statWithSuper(&sb, existing)
		if err != nil {
			return 0, err
		}
		if existingInode.Type == typ {
			return existing, nil
		}
		return 0, ufs.ErrInvalidType.WithMessage(
			fmt.Sprintf("%q already exists as a %s", name, existingInode.Type))
	case errors.Is(err, ufs.ErrNotFound):
		// Free to create it.
	default:
		return 0, err
	}

	inodes, err := layout.ReadInodeRegion(fsys.dev, &sb)
	if err != nil {
		return 0, err
	}
	parent := inodes[parentInum]

	newParentSize := parent.Size + layout.DirEntSize
	if newParentSize > layout.MaxFileSize {
		return 0, ufs.ErrNoSpaceOnDevice.WithMessage(
			fmt.Sprintf("directory %d is full", parentInum))
	}
	parentGrows := layout.BlocksForBytes(newParentSize) > parent.BlockCount()

	extraBlocks := int32(0)
	if typ == layout.Directory {
		extraBlocks++
	}
	if parentGrows {
		extraBlocks++
	}

	inodeBitmap, err := layout.ReadInodeBitmap(fsys.dev, &sb)
	if err != nil {
		return 0, err
	}
	dataBitmap, err := layout.ReadDataBitmap(fsys.dev, &sb)
	if err != nil {
		return 0, err
	}
	if !hasSpace(&sb, inodeBitmap, dataBitmap, 1, 0, extraBlocks) {
		return 0, ufs.ErrNoSpaceOnDevice
	}

	childInum, err := allocateBit(inodeBitmap, sb.NumInodes)
	if err != nil {
		return 0, err
	}

	// Append the new entry to the parent, growing it by one block first if
	// the entry crosses a block boundary.
	entries, err := fsys.readDirEntries(&parent)
	if err != nil {
		return 0, err
	}
	entries = append(entries, layout.NewDirEnt(childInum, name))

	dataBitmapDirty := false
	if parentGrows {
		bit, err := allocateBit(dataBitmap, sb.NumData)
		if err != nil {
			return 0, err
		}
		parent.Direct[parent.BlockCount()] = sb.DataRegionAddr + bit
		dataBitmapDirty = true
	}
	parent.Size = newParentSize
	if err := fsys.writeExtent(&parent, layout.EncodeDirEnts(entries)); err != nil {
		return 0, err
	}

	child := layout.Inode{Type: typ}
	if typ == layout.Directory {
		bit, err := allocateBit(dataBitmap, sb.NumData)
		if err != nil {
			return 0, err
		}
		child.Direct[0] = sb.DataRegionAddr + bit
		child.Size = 2 * layout.DirEntSize
		dataBitmapDirty = true

		dots := []layout.DirEnt{
			layout.NewDirEnt(childInum, "."),
			layout.NewDirEnt(int32(parentInum), ".."),
		}
		if err := fsys.writeExtent(&child, layout.EncodeDirEnts(dots)); err != nil {
			return 0, err
		}
	}

	inodes[parentInum] = parent
	inodes[childInum] = child
	if err := layout.WriteInodeRegion(fsys.dev, &sb, inodes); err != nil {
		return 0, err
	}
	if err := layout.WriteInodeBitmap(fsys.dev, &sb, inodeBitmap); err != nil {
		return 0, err
	}
	if dataBitmapDirty {
		if err := layout.WriteDataBitmap(fsys.dev, &sb, dataBitmap); err != nil {
			return 0, err
		}
	}
	return int(childInum), nil
}

// Write replaces the entire contents of a regular file with data and returns
// the number of bytes written. There is no positional write: growing
// allocates blocks onto the end of the direct list and shrinking frees the
// tail.
func (fsys *FileSystem) Write(inum int, data []byte) (int, error) {
	sb, err := layout.ReadSuperblock(fsys.dev)
	if err != nil {
		return 0, err
	}

	inodes, err := layout.ReadInodeRegion(fsys.dev, &sb)
	if err != nil {
		return 0, err
	}
	if inum < 0 || inum >= int(sb.NumInodes) {
		return 0, ufs.ErrInvalidInode.WithMessage(
			fmt.Sprintf("%d not in range [0, %d)", inum, sb.NumInodes))
	}
	ino := inodes[inum]

	if ino.Type != layout.RegularFile {
		return 0, ufs.ErrInvalidType.WithMessage(
			fmt.Sprintf("inode %d is not a regular file", inum))
	}
	if len(data) > layout.MaxFileSize {
		return 0, ufs.ErrInvalidSize.WithMessage(
			fmt.Sprintf("%d exceeds the maximum file size (%d)", len(data), layout.MaxFileSize))
	}

	curBlocks := ino.BlockCount()
	newBlocks := layout.BlocksForBytes(int32(len(data)))

	if newBlocks != curBlocks {
		dataBitmap, err := layout.ReadDataBitmap(fsys.dev, &sb)
		if err != nil {
			return 0, err
		}

		if newBlocks > curBlocks {
			inodeBitmap, err := layout.ReadInodeBitmap(fsys.dev, &sb)
			if err != nil {
				return 0, err
			}
			if !hasSpace(&sb, inodeBitmap, dataBitmap, 0, 0, newBlocks-curBlocks) {
				return 0, ufs.ErrNoSpaceOnDevice
			}
			for i := curBlocks; i < newBlocks; i++ {
				bit, err := allocateBit(dataBitmap, sb.NumData)
				if err != nil {
					return 0, err
				}
				ino.Direct[i] = sb.DataRegionAddr + bit
			}
		} else {
			for i := newBlocks; i < curBlocks; i++ {
				freeBit(dataBitmap, ino.Direct[i]-sb.DataRegionAddr)
			}
		}

		if err := layout.WriteDataBitmap(fsys.dev, &sb, dataBitmap); err != nil {
			return 0, err
		}
	}

	padded := make([]byte, int(newBlocks)*layout.BlockSize)
	copy(padded, data)
	if err := fsys.writeExtent(&ino, padded); err != nil {
		return 0, err
	}

	ino.Size = int32(len(data))
	inodes[inum] = ino
	if err := layout.WriteInodeRegion(fsys.dev, &sb, inodes); err != nil {
		return 0, err
	}
	return len(data), nil
}

// Unlink removes the entry name from parentInum and frees the child's inode
// and data blocks. Unlinking a name that doesn't exist succeeds as a no-op;
// unlinking "." or ".." is not allowed; a directory must be empty.
func (fsys *FileSystem) Unlink(parentInum int, name string) error {
	if name == "." || name == ".." {
		return ufs.ErrUnlinkNotAllowed
	}

	sb, err := layout.ReadSuperblock(fsys.dev)
	if err != nil {
		return err
	}

	childInum, err := fsys.lookupWithSuper(&sb, parentInum, name)
	if errors.Is(err, ufs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	inodes, err := layout.ReadInodeRegion(fsys.dev, &sb)
	if err != nil {
		return err
	}
	child := inodes[childInum]
	if child.Type == layout.Directory && child.Size > 2*layout.DirEntSize {
		return ufs.ErrDirectoryNotEmpty.WithMessage(
			fmt.Sprintf("%q still has entries", name))
	}

	dataBitmap, err := layout.ReadDataBitmap(fsys.dev, &sb)
	if err != nil {
		return err
	}
	for i := int32(0); i < child.BlockCount(); i++ {
		freeBit(dataBitmap, child.Direct[i]-sb.DataRegionAddr)
	}

	inodeBitmap, err := layout.ReadInodeBitmap(fsys.dev, &sb)
	if err != nil {
		return err
	}
	freeBit(inodeBitmap, int32(childInum))

	// Entries are packed with no tombstones: drop the victim and shift the
	// survivors left, keeping "." and ".." at slots 0 and 1.
	parent := inodes[parentInum]
	entries, err := fsys.readDirEntries(&parent)
	if err != nil {
		return err
	}
	kept := entries[:0]
	for _, ent := range entries {
		if ent.Inum != int32(childInum) {
			kept = append(kept, ent)
		}
	}

	oldBlocks := parent.BlockCount()
	parent.Size -= layout.DirEntSize
	if parent.BlockCount() < oldBlocks {
		freeBit(dataBitmap, parent.Direct[parent.BlockCount()]-sb.DataRegionAddr)
	}
	if err := fsys.writeExtent(&parent, layout.EncodeDirEnts(kept)); err != nil {
		return err
	}

	inodes[parentInum] = parent
	if err := layout.WriteInodeRegion(fsys.dev, &sb, inodes); err != nil {
		return err
	}
	if err := layout.WriteInodeBitmap(fsys.dev, &sb, inodeBitmap); err != nil {
		return err
	}
	return layout.WriteDataBitmap(fsys.dev, &sb, dataBitmap)
}

// readDirEntries decodes a directory inode's packed entry list.
func (fsys *FileSystem) readDirEntries(ino *layout.Inode) ([]layout.DirEnt, error) {
	extent, err := fsys.readExtent(ino)
	if err != nil {
		return nil, err
	}
	return layout.DecodeDirEnts(extent, int(ino.Size)/layout.DirEntSize), nil
}

// readExtent concatenates the inode's occupied data blocks.
func (fsys *FileSystem) readExtent(ino *layout.Inode) ([]byte, error) {
	blocks := ino.BlockCount()
	buf := make([]byte, int(blocks)*layout.BlockSize)
	for i := int32(0); i < blocks; i++ {
		block := buf[int(i)*layout.BlockSize : int(i+1)*layout.BlockSize]
		if err := fsys.dev.ReadBlock(int(ino.Direct[i]), block); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// writeExtent writes data over the inode's direct blocks. data must be a
// whole number of blocks; the caller zero-pads the tail.
func (fsys *FileSystem) writeExtent(ino *layout.Inode, data []byte) error {
	blocks := layout.BlocksForBytes(int32(len(data)))
	for i := int32(0); i < blocks; i++ {
		block := data[int(i)*layout.BlockSize : int(i+1)*layout.BlockSize]
		if err := fsys.dev.WriteBlock(int(ino.Direct[i]), block); err != nil {
			return err
		}
	}
	return nil
}
