package fs_test

import (
	"bytes"
	"fmt"
	"testing"

	bitmap "github.com/boljen/go-bitmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dargueta/ufs"
	"github.com/dargueta/ufs/disk"
	"github.com/dargueta/ufs/fs"
	"github.com/dargueta/ufs/layout"
	ufstesting "github.com/dargueta/ufs/testing"
)

// readBitmaps fetches both allocation bitmaps for assertions.
func readBitmaps(t *testing.T, dev *disk.Disk) (inode, data bitmap.Bitmap, sb layout.Superblock) {
	sb, err := layout.ReadSuperblock(dev)
	require.NoError(t, err)
	inode, err = layout.ReadInodeBitmap(dev, &sb)
	require.NoError(t, err)
	data, err = layout.ReadDataBitmap(dev, &sb)
	require.NoError(t, err)
	return inode, data, sb
}

// setBits lists the indices of set bits below limit.
func setBits(bm bitmap.Bitmap, limit int32) []int {
	var indices []int
	for i := 0; i < int(limit); i++ {
		if bm.Get(i) {
			indices = append(indices, i)
		}
	}
	return indices
}

func TestFreshImageRootListing(t *testing.T) {
	dev, _ := ufstesting.NewFormattedDevice(t, 32, 32)
	fsys := fs.New(dev)

	_, err := fsys.Lookup(layout.RootInode, "anything")
	assert.ErrorIs(t, err, ufs.ErrNotFound)

	entries, err := fsys.ReadDir(layout.RootInode)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ".", entries[0].EntryName())
	assert.EqualValues(t, layout.RootInode, entries[0].Inum)
	assert.Equal(t, "..", entries[1].EntryName())
	assert.EqualValues(t, layout.RootInode, entries[1].Inum)
}

// buildNestedPath creates /a/b/c with "hello" in c, inside one transaction.
func buildNestedPath(t *testing.T, dev *disk.Disk, fsys *fs.FileSystem) {
	require.NoError(t, dev.BeginTransaction())

	a, err := fsys.Create(layout.RootInode, layout.Directory, "a")
	require.NoError(t, err)
	require.Equal(t, 1, a)

	b, err := fsys.Create(a, layout.Directory, "b")
	require.NoError(t, err)
	require.Equal(t, 2, b)

	c, err := fsys.Create(b, layout.RegularFile, "c")
	require.NoError(t, err)
	require.Equal(t, 3, c)

	n, err := fsys.Write(c, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	require.NoError(t, dev.Commit())
}

func TestCreateNestedPath(t *testing.T) {
	dev, _ := ufstesting.NewFormattedDevice(t, 32, 32)
	fsys := fs.New(dev)
	buildNestedPath(t, dev, fsys)

	a, err := fsys.Lookup(layout.RootInode, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, a)
	b, err := fsys.Lookup(a, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, b)
	c, err := fsys.Lookup(b, "c")
	require.NoError(t, err)
	assert.Equal(t, 3, c)

	buf := make([]byte, 5)
	n, err := fsys.Read(c, buf, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte("hello"), buf)

	inodeBM, _, sb := readBitmaps(t, dev)
	assert.Equal(t, []int{0, 1, 2, 3}, setBits(inodeBM, sb.NumInodes))

	assert.NoError(t, fs.Check(dev))
}

func TestCreateConflictAndIdempotence(t *testing.T) {
	dev, _ := ufstesting.NewFormattedDevice(t, 32, 32)
	fsys := fs.New(dev)
	buildNestedPath(t, dev, fsys)

	_, err := fsys.Create(layout.RootInode, layout.RegularFile, "a")
	assert.ErrorIs(t, err, ufs.ErrInvalidType)

	inodeBefore, dataBefore, sb := readBitmaps(t, dev)

	again, err := fsys.Create(layout.RootInode, layout.Directory, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, again, "creating an existing name with the same type returns its inode")

	inodeAfter, dataAfter, _ := readBitmaps(t, dev)
	assert.Equal(
		t, setBits(inodeBefore, sb.NumInodes), setBits(inodeAfter, sb.NumInodes),
		"idempotent create must not allocate inodes")
	assert.Equal(
		t, setBits(dataBefore, sb.NumData), setBits(dataAfter, sb.NumData),
		"idempotent create must not allocate blocks")
}

func TestUnlinkEmptyVsNonEmpty(t *testing.T) {
	dev, _ := ufstesting.NewFormattedDevice(t, 32, 32)
	fsys := fs.New(dev)
	buildNestedPath(t, dev, fsys)

	err := fsys.Unlink(1, "b")
	assert.ErrorIs(t, err, ufs.ErrDirectoryNotEmpty)

	require.NoError(t, fsys.Unlink(2, "c"))
	require.NoError(t, fsys.Unlink(1, "b"))
	require.NoError(t, fsys.Unlink(layout.RootInode, "a"))

	inodeBM, dataBM, sb := readBitmaps(t, dev)
	assert.Equal(t, []int{0}, setBits(inodeBM, sb.NumInodes),
		"only the root inode remains allocated")
	assert.Equal(t, []int{0}, setBits(dataBM, sb.NumData),
		"only the root directory block remains allocated")

	entries, err := fsys.ReadDir(layout.RootInode)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ".", entries[0].EntryName())
	assert.Equal(t, "..", entries[1].EntryName())

	assert.NoError(t, fs.Check(dev))
}

func TestUnlinkAbsentIsANoop(t *testing.T) {
	dev, backing := ufstesting.NewFormattedDevice(t, 32, 32)
	fsys := fs.New(dev)

	snapshot := make([]byte, len(backing))
	copy(snapshot, backing)

	require.NoError(t, fsys.Unlink(layout.RootInode, "ghost"))
	assert.Equal(t, snapshot, backing, "unlinking an absent name must change nothing")
}

func TestUnlinkDotAndDotDot(t *testing.T) {
	dev, _ := ufstesting.NewFormattedDevice(t, 32, 32)
	fsys := fs.New(dev)

	assert.ErrorIs(t, fsys.Unlink(layout.RootInode, "."), ufs.ErrUnlinkNotAllowed)
	assert.ErrorIs(t, fsys.Unlink(layout.RootInode, ".."), ufs.ErrUnlinkNotAllowed)
}

func TestRollbackOnOverflow(t *testing.T) {
	// Only two data blocks are free: the third belongs to the root directory.
	dev, backing := ufstesting.NewFormattedDevice(t, 32, 3)
	fsys := fs.New(dev)

	snapshot := make([]byte, len(backing))
	copy(snapshot, backing)

	require.NoError(t, dev.BeginTransaction())
	x, err := fsys.Create(layout.RootInode, layout.RegularFile, "x")
	require.NoError(t, err)

	_, err = fsys.Write(x, make([]byte, 3*layout.BlockSize))
	assert.ErrorIs(t, err, ufs.ErrNoSpaceOnDevice)

	require.NoError(t, dev.Rollback())
	assert.Equal(t, snapshot, backing,
		"after rollback the image must be byte-identical to its pre-transaction state")

	inodeBM, dataBM, sb := readBitmaps(t, dev)
	assert.Equal(t, []int{0}, setBits(inodeBM, sb.NumInodes))
	assert.Equal(t, []int{0}, setBits(dataBM, sb.NumData))
}

func TestTruncationFreesBlocks(t *testing.T) {
	dev, _ := ufstesting.NewFormattedDevice(t, 32, 32)
	fsys := fs.New(dev)

	f, err := fsys.Create(layout.RootInode, layout.RegularFile, "big")
	require.NoError(t, err)

	_, err = fsys.Write(f, bytes.Repeat([]byte{0xAB}, 3*layout.BlockSize))
	require.NoError(t, err)

	_, dataBM, sb := readBitmaps(t, dev)
	assert.Equal(t, []int{0, 1, 2, 3}, setBits(dataBM, sb.NumData),
		"three file blocks plus the root directory block")

	ino, err := fsys.Stat(f)
	require.NoError(t, err)
	firstBlock := ino.Direct[0]

	_, err = fsys.Write(f, []byte{0x7F})
	require.NoError(t, err)

	ino, err = fsys.Stat(f)
	require.NoError(t, err)
	assert.EqualValues(t, 1, ino.Size)
	assert.Equal(t, firstBlock, ino.Direct[0], "truncation keeps the leading block")

	_, dataBM, _ = readBitmaps(t, dev)
	assert.Equal(t, []int{0, 1}, setBits(dataBM, sb.NumData),
		"the two trailing blocks must be freed")

	assert.NoError(t, fs.Check(dev))
}

func TestBitAllocationIsDeterministic(t *testing.T) {
	dev, _ := ufstesting.NewFormattedDevice(t, 32, 32)
	fsys := fs.New(dev)

	// Inode numbers come out strictly increasing from the lowest free index,
	// and so do the data blocks backing new directories.
	for i := 0; i < 5; i++ {
		inum, err := fsys.Create(layout.RootInode, layout.Directory, fmt.Sprintf("d%d", i))
		require.NoError(t, err)
		assert.Equal(t, i+1, inum)

		ino, err := fsys.Stat(inum)
		require.NoError(t, err)

		_, _, sb := readBitmaps(t, dev)
		assert.EqualValues(t, sb.DataRegionAddr+int32(i+1), ino.Direct[0])
	}
}

func TestWriteReadRoundTripAtMaxSize(t *testing.T) {
	dev, _ := ufstesting.NewFormattedDevice(t, 32, 64)
	fsys := fs.New(dev)

	f, err := fsys.Create(layout.RootInode, layout.RegularFile, "max")
	require.NoError(t, err)

	data := make([]byte, layout.MaxFileSize)
	for i := range data {
		data[i] = byte(i * 31)
	}
	n, err := fsys.Write(f, data)
	require.NoError(t, err)
	require.Equal(t, layout.MaxFileSize, n)

	buf := make([]byte, layout.MaxFileSize)
	n, err = fsys.Read(f, buf, layout.MaxFileSize)
	require.NoError(t, err)
	assert.Equal(t, layout.MaxFileSize, n)
	assert.Equal(t, data, buf)

	_, err = fsys.Write(f, make([]byte, layout.MaxFileSize+1))
	assert.ErrorIs(t, err, ufs.ErrInvalidSize)
}

func TestReadDoesNotClampToFileSize(t *testing.T) {
	dev, _ := ufstesting.NewFormattedDevice(t, 32, 32)
	fsys := fs.New(dev)

	f, err := fsys.Create(layout.RootInode, layout.RegularFile, "short")
	require.NoError(t, err)
	_, err = fsys.Write(f, []byte("hello"))
	require.NoError(t, err)

	buf := bytes.Repeat([]byte{0xEE}, 16)
	n, err := fsys.Read(f, buf, 16)
	require.NoError(t, err)
	assert.Equal(t, 16, n, "read reports exactly the requested size")
	assert.Equal(t, []byte("hello"), buf[:5])
	// The rest of the block is zero padding from the write.
	assert.Equal(t, bytes.Repeat([]byte{0}, 11), buf[5:])
}

func TestReadSizeValidation(t *testing.T) {
	dev, _ := ufstesting.NewFormattedDevice(t, 32, 32)
	fsys := fs.New(dev)

	buf := make([]byte, 8)
	_, err := fsys.Read(layout.RootInode, buf, -1)
	assert.ErrorIs(t, err, ufs.ErrInvalidSize)
	_, err = fsys.Read(layout.RootInode, buf, layout.MaxFileSize+1)
	assert.ErrorIs(t, err, ufs.ErrInvalidSize)
	_, err = fsys.Read(99, buf, 8)
	assert.ErrorIs(t, err, ufs.ErrInvalidInode)
}

func TestWriteTypeAndRangeValidation(t *testing.T) {
	dev, _ := ufstesting.NewFormattedDevice(t, 32, 32)
	fsys := fs.New(dev)

	_, err := fsys.Write(layout.RootInode, []byte("nope"))
	assert.ErrorIs(t, err, ufs.ErrInvalidType, "only regular files can be written")

	_, err = fsys.Write(-1, []byte("nope"))
	assert.ErrorIs(t, err, ufs.ErrInvalidInode)
	_, err = fsys.Write(32, []byte("nope"))
	assert.ErrorIs(t, err, ufs.ErrInvalidInode)
}

func TestCreateNameValidation(t *testing.T) {
	dev, _ := ufstesting.NewFormattedDevice(t, 32, 32)
	fsys := fs.New(dev)

	_, err := fsys.Create(layout.RootInode, layout.RegularFile, "")
	assert.ErrorIs(t, err, ufs.ErrInvalidName)

	tooLong := make([]byte, layout.DirEntNameSize+1)
	for i := range tooLong {
		tooLong[i] = 'n'
	}
	_, err = fsys.Create(layout.RootInode, layout.RegularFile, string(tooLong))
	assert.ErrorIs(t, err, ufs.ErrInvalidName)

	// A name of exactly the field width is legal and must survive lookup.
	exact := string(tooLong[:layout.DirEntNameSize])
	inum, err := fsys.Create(layout.RootInode, layout.RegularFile, exact)
	require.NoError(t, err)
	found, err := fsys.Lookup(layout.RootInode, exact)
	require.NoError(t, err)
	assert.Equal(t, inum, found)
}

func TestCreateInInvalidParent(t *testing.T) {
	dev, _ := ufstesting.NewFormattedDevice(t, 32, 32)
	fsys := fs.New(dev)

	_, err := fsys.Create(99, layout.RegularFile, "orphan")
	assert.ErrorIs(t, err, ufs.ErrInvalidInode)

	f, err := fsys.Create(layout.RootInode, layout.RegularFile, "file")
	require.NoError(t, err)
	_, err = fsys.Create(f, layout.RegularFile, "child-of-file")
	assert.ErrorIs(t, err, ufs.ErrInvalidInode)
}

func TestCreateDirectoryNoSpace(t *testing.T) {
	// One data block total, and the root owns it: a new directory can't get
	// its initial block, but a new file needs none.
	dev, _ := ufstesting.NewFormattedDevice(t, 32, 1)
	fsys := fs.New(dev)

	_, err := fsys.Create(layout.RootInode, layout.Directory, "d")
	assert.ErrorIs(t, err, ufs.ErrNoSpaceOnDevice)

	_, err = fsys.Create(layout.RootInode, layout.RegularFile, "f")
	assert.NoError(t, err)
}

func TestCreateGrowsParentAcrossBlockBoundary(t *testing.T) {
	dev, _ := ufstesting.NewFormattedDevice(t, 256, 8)
	fsys := fs.New(dev)

	// The root starts with "." and "..": 126 more entries fill its first
	// block exactly, and the 127th crosses into a second one.
	for i := 0; i < 127; i++ {
		_, err := fsys.Create(layout.RootInode, layout.RegularFile, fmt.Sprintf("f%03d", i))
		require.NoError(t, err)
	}

	root, err := fsys.Stat(layout.RootInode)
	require.NoError(t, err)
	assert.EqualValues(t, 129*layout.DirEntSize, root.Size)
	assert.EqualValues(t, 2, root.BlockCount())

	_, dataBM, sb := readBitmaps(t, dev)
	assert.Equal(t, []int{0, 1}, setBits(dataBM, sb.NumData))
	assert.EqualValues(t, sb.DataRegionAddr+1, root.Direct[1])

	// Every entry is still reachable after the growth.
	inum, err := fsys.Lookup(layout.RootInode, "f126")
	require.NoError(t, err)
	ino, err := fsys.Stat(inum)
	require.NoError(t, err)
	assert.Equal(t, layout.RegularFile, ino.Type)

	assert.NoError(t, fs.Check(dev))
}

func TestUnlinkShrinksParentAcrossBlockBoundary(t *testing.T) {
	dev, _ := ufstesting.NewFormattedDevice(t, 256, 8)
	fsys := fs.New(dev)

	for i := 0; i < 127; i++ {
		_, err := fsys.Create(layout.RootInode, layout.RegularFile, fmt.Sprintf("f%03d", i))
		require.NoError(t, err)
	}

	// Removing one entry pulls the directory back under one block; the
	// trailing block must be returned to the bitmap.
	require.NoError(t, fsys.Unlink(layout.RootInode, "f000"))

	root, err := fsys.Stat(layout.RootInode)
	require.NoError(t, err)
	assert.EqualValues(t, 128*layout.DirEntSize, root.Size)
	assert.EqualValues(t, 1, root.BlockCount())

	_, dataBM, sb := readBitmaps(t, dev)
	assert.Equal(t, []int{0}, setBits(dataBM, sb.NumData))

	// Survivors keep their order; the victim's slot is gone, not tombstoned.
	entries, err := fsys.ReadDir(layout.RootInode)
	require.NoError(t, err)
	assert.Equal(t, "f001", entries[2].EntryName())
	assert.Equal(t, "f126", entries[len(entries)-1].EntryName())

	assert.NoError(t, fs.Check(dev))
}

func TestStatDoesNotConsultBitmap(t *testing.T) {
	dev, _ := ufstesting.NewFormattedDevice(t, 32, 32)
	fsys := fs.New(dev)

	// Inode 5 is unallocated; stat still returns its (zeroed) record. Callers
	// reach inodes through the tree and trust reachability.
	ino, err := fsys.Stat(5)
	require.NoError(t, err)
	assert.EqualValues(t, 0, ino.Size)

	_, err = fsys.Stat(32)
	assert.ErrorIs(t, err, ufs.ErrInvalidInode)
	_, err = fsys.Stat(-1)
	assert.ErrorIs(t, err, ufs.ErrInvalidInode)
}

func TestMixedMutationRollback(t *testing.T) {
	dev, backing := ufstesting.NewFormattedDevice(t, 32, 32)
	fsys := fs.New(dev)
	buildNestedPath(t, dev, fsys)

	snapshot := make([]byte, len(backing))
	copy(snapshot, backing)

	require.NoError(t, dev.BeginTransaction())
	_, err := fsys.Create(layout.RootInode, layout.Directory, "tmp")
	require.NoError(t, err)
	require.NoError(t, fsys.Unlink(2, "c"))
	tmp, err := fsys.Lookup(layout.RootInode, "tmp")
	require.NoError(t, err)
	_, err = fsys.Create(tmp, layout.RegularFile, "scratch")
	require.NoError(t, err)
	require.NoError(t, dev.Rollback())

	assert.Equal(t, snapshot, backing,
		"any sequence of mutations must vanish without a trace on rollback")
}
