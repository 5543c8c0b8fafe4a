package fs

import (
	"fmt"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/dargueta/ufs"
	"github.com/dargueta/ufs/layout"
)

// Check verifies the structural invariants of the image and reports every
// violation it finds, not just the first:
//
//   - an inode bit is set iff the inode is reachable from the root;
//   - a data bit is set iff the block appears in a reachable inode's direct
//     list, and each block is claimed at most once;
//   - every directory has "." at slot 0 naming itself and ".." at slot 1
//     naming its parent, its size is a multiple of the entry size, and its
//     names are pairwise distinct;
//   - all sizes are within bounds and all direct pointers land in the data
//     region;
//   - bitmap bits beyond the live counts are zero.
//
// A nil return means the image is clean.
func Check(dev Device) error {
	fsys := New(dev)

	sb, err := layout.ReadSuperblock(dev)
	if err != nil {
		return err
	}
	inodes, err := layout.ReadInodeRegion(dev, &sb)
	if err != nil {
		return err
	}
	inodeBitmap, err := layout.ReadInodeBitmap(dev, &sb)
	if err != nil {
		return err
	}
	dataBitmap, err := layout.ReadDataBitmap(dev, &sb)
	if err != nil {
		return err
	}

	var result *multierror.Error
	report := func(format string, args ...interface{}) {
		result = multierror.Append(
			result,
			ufs.ErrFileSystemCorrupted.WithMessage(fmt.Sprintf(format, args...)))
	}

	// Reserved bits past the live counts must stay clear.
	for i := sb.NumInodes; i < sb.InodeBitmapLen*layout.BlockSize*8; i++ {
		if inodeBitmap.Get(int(i)) {
			report("reserved inode bitmap bit %d is set", i)
		}
	}
	for i := sb.NumData; i < sb.DataBitmapLen*layout.BlockSize*8; i++ {
		if dataBitmap.Get(int(i)) {
			report("reserved data bitmap bit %d is set", i)
		}
	}

	walker := &treeWalker{
		fsys:      fsys,
		sb:        &sb,
		inodes:    inodes,
		report:    report,
		reachable: make(map[int32]bool),
		dataOwner: make(map[int32]int32),
	}
	walker.walk(layout.RootInode, layout.RootInode, "/")

	// Bitmap vs. tree, in both directions.
	for i := int32(0); i < sb.NumInodes; i++ {
		set := inodeBitmap.Get(int(i))
		if set && !walker.reachable[i] {
			report("inode %d is allocated but unreachable from the root", i)
		} else if !set && walker.reachable[i] {
			report("inode %d is reachable but not allocated", i)
		}
	}
	for i := int32(0); i < sb.NumData; i++ {
		abs := sb.DataRegionAddr + i
		set := dataBitmap.Get(int(i))
		_, used := walker.dataOwner[abs]
		if set && !used {
			report("data block %d is allocated but referenced by no inode", abs)
		} else if !set && used {
			report("data block %d is in use by inode %d but not allocated",
				abs, walker.dataOwner[abs])
		}
	}

	return result.ErrorOrNil()
}

type treeWalker struct {
	fsys      *FileSystem
	sb        *layout.Superblock
	inodes    []layout.Inode
	report    func(format string, args ...interface{})
	reachable map[int32]bool
	dataOwner map[int32]int32
}

// walk validates one inode and, for directories, recurses into its entries.
func (w *treeWalker) walk(inum, parentInum int32, path string) {
	if w.reachable[inum] {
		// Already visited: a second directory entry references this inode.
		// With no hard links that is a defect, and recursing again could loop.
		w.report("inode %d (%s) is referenced more than once", inum, path)
		return
	}
	w.reachable[inum] = true

	ino := w.inodes[inum]
	if ino.Size < 0 || ino.Size > layout.MaxFileSize {
		w.report("inode %d (%s) has size %d outside [0, %d]",
			inum, path, ino.Size, layout.MaxFileSize)
		return
	}
	if ino.Type != layout.Directory && ino.Type != layout.RegularFile {
		w.report("inode %d (%s) has unknown type %d", inum, path, ino.Type)
		return
	}

	for i := int32(0); i < ino.BlockCount(); i++ {
		ptr := ino.Direct[i]
		if ptr < w.sb.DataRegionAddr || ptr >= w.sb.DataRegionAddr+w.sb.NumData {
			w.report("inode %d (%s) direct[%d] = %d is outside the data region",
				inum, path, i, ptr)
			return
		}
		if owner, claimed := w.dataOwner[ptr]; claimed {
			w.report("data block %d is claimed by both inode %d and inode %d",
				ptr, owner, inum)
			return
		}
		w.dataOwner[ptr] = inum
	}

	if ino.Type != layout.Directory {
		return
	}

	if ino.Size%layout.DirEntSize != 0 {
		w.report("directory %d (%s) has size %d, not a multiple of %d",
			inum, path, ino.Size, layout.DirEntSize)
		return
	}
	entries, err := w.fsys.readDirEntries(&ino)
	if err != nil {
		w.report("directory %d (%s) is unreadable: %s", inum, path, err)
		return
	}
	if len(entries) < 2 {
		w.report("directory %d (%s) has %d entries; \".\" and \"..\" are mandatory",
			inum, path, len(entries))
		return
	}
	if entries[0].EntryName() != "." || entries[0].Inum != inum {
		w.report("directory %d (%s) slot 0 is {%d, %q}, want {%d, \".\"}",
			inum, path, entries[0].Inum, entries[0].EntryName(), inum)
	}
	if entries[1].EntryName() != ".." || entries[1].Inum != parentInum {
		w.report("directory %d (%s) slot 1 is {%d, %q}, want {%d, \"..\"}",
			inum, path, entries[1].Inum, entries[1].EntryName(), parentInum)
	}

	seen := make(map[string]bool, len(entries))
	for _, ent := range entries {
		name := ent.EntryName()
		if seen[name] {
			w.report("directory %d (%s) has duplicate entry %q", inum, path, name)
		}
		seen[name] = true
	}

	for _, ent := range entries[2:] {
		if ent.Inum < 0 || ent.Inum >= w.sb.NumInodes {
			w.report("directory %d (%s) entry %q has invalid inode %d",
				inum, path, ent.EntryName(), ent.Inum)
			continue
		}
		w.walk(ent.Inum, inum, path+ent.EntryName()+"/")
	}
}
