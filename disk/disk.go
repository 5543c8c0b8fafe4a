// Package disk implements the file-backed block device underneath the file
// system: a fixed array of full-size blocks with synchronous reads and
// writes, plus a single-level transaction that can atomically commit or roll
// back a group of block writes.
package disk

import (
	"fmt"
	"io"
	"os"

	bitmap "github.com/boljen/go-bitmap"

	"github.com/dargueta/ufs"
)

// Disk is a block-addressed view of an io.ReadWriteSeeker. All I/O is in
// whole blocks; partial reads and writes are errors.
//
// At most one transaction is open at a time. While a transaction is open,
// writes take effect immediately — subsequent reads observe them — but the
// pre-image of each touched block is captured once, on first write, so that
// Rollback can restore the device to its pre-transaction state bit for bit.
type Disk struct {
	stream      io.ReadWriteSeeker
	blockSize   uint
	totalBlocks uint

	inTransaction bool
	// touched marks blocks whose pre-image has been captured this transaction.
	touched   bitmap.Bitmap
	preImages map[uint][]byte
}

// New wraps a stream whose size is a whole number of blocks. The block count
// is inferred from the stream size.
func New(stream io.ReadWriteSeeker, blockSize uint) (*Disk, error) {
	if blockSize == 0 {
		return nil, ufs.ErrArgumentOutOfRange.WithMessage("block size can't be zero")
	}

	end, err := stream.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, ufs.ErrIOFailed.WrapError(err)
	}
	if end%int64(blockSize) != 0 {
		return nil, ufs.ErrArgumentOutOfRange.WithMessage(
			fmt.Sprintf(
				"stream size %d is not a multiple of the block size (%d B)",
				end,
				blockSize))
	}

	return &Disk{
		stream:      stream,
		blockSize:   blockSize,
		totalBlocks: uint(end) / blockSize,
		preImages:   make(map[uint][]byte),
	}, nil
}

// Open opens an existing image file read-write.
func Open(path string, blockSize uint) (*Disk, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, ufs.ErrIOFailed.WrapError(err)
	}

	d, err := New(f, blockSize)
	if err != nil {
		f.Close()
		return nil, err
	}
	return d, nil
}

// BlockSize returns the size of one block, in bytes.
func (d *Disk) BlockSize() uint {
	return d.blockSize
}

// TotalBlocks returns the number of blocks on the device.
func (d *Disk) TotalBlocks() uint {
	return d.totalBlocks
}

// InTransaction reports whether a transaction is currently open. Collaborators
// composing multi-step operations use this to detect an outer scope instead
// of opening a nested one.
func (d *Disk) InTransaction() bool {
	return d.inTransaction
}

func (d *Disk) checkIOBounds(n int, bufLen int) error {
	if n < 0 || uint(n) >= d.totalBlocks {
		return ufs.ErrArgumentOutOfRange.WithMessage(
			fmt.Sprintf("invalid block ID %d: not in range [0, %d)", n, d.totalBlocks))
	}
	if uint(bufLen) != d.blockSize {
		return ufs.ErrArgumentOutOfRange.WithMessage(
			fmt.Sprintf(
				"buffer must be exactly one block (%d B), got %d",
				d.blockSize,
				bufLen))
	}
	return nil
}

func (d *Disk) seekToBlock(n int) error {
	_, err := d.stream.Seek(int64(n)*int64(d.blockSize), io.SeekStart)
	if err != nil {
		return ufs.ErrIOFailed.WrapError(err)
	}
	return nil
}

// ReadBlock fills buf with the contents of block n. buf must be exactly one
// block long.
func (d *Disk) ReadBlock(n int, buf []byte) error {
	if err := d.checkIOBounds(n, len(buf)); err != nil {
		return err
	}
	if err := d.seekToBlock(n); err != nil {
		return err
	}
	if _, err := io.ReadFull(d.stream, buf); err != nil {
		return ufs.ErrIOFailed.WrapError(err)
	}
	return nil
}

// WriteBlock replaces the contents of block n with buf. buf must be exactly
// one block long. Inside a transaction, the block's pre-image is captured the
// first time it is written.
func (d *Disk) WriteBlock(n int, buf []byte) error {
	if err := d.checkIOBounds(n, len(buf)); err != nil {
		return err
	}

	if d.inTransaction && !d.touched.Get(n) {
		preImage := make([]byte, d.blockSize)
		if err := d.ReadBlock(n, preImage); err != nil {
			return err
		}
		d.preImages[uint(n)] = preImage
		d.touched.Set(n, true)
	}

	if err := d.seekToBlock(n); err != nil {
		return err
	}
	if _, err := d.stream.Write(buf); err != nil {
		return ufs.ErrIOFailed.WrapError(err)
	}
	return nil
}

// BeginTransaction opens a recording scope. Transactions don't nest; calling
// this with one already open is a usage error.
func (d *Disk) BeginTransaction() error {
	if d.inTransaction {
		return ufs.ErrAlreadyInProgress
	}
	d.inTransaction = true
	d.touched = bitmap.New(int(d.totalBlocks))
	d.preImages = make(map[uint][]byte)
	return nil
}

// Commit makes all writes recorded since BeginTransaction permanent and
// closes the scope. File-backed devices are synced to stable storage.
func (d *Disk) Commit() error {
	if !d.inTransaction {
		return ufs.ErrNoActiveTransaction
	}
	d.endTransaction()

	if f, ok := d.stream.(*os.File); ok {
		if err := f.Sync(); err != nil {
			return ufs.ErrIOFailed.WrapError(err)
		}
	}
	return nil
}

// Rollback restores the pre-image of every block written since
// BeginTransaction and closes the scope. Afterward the device's observable
// state equals its pre-transaction state exactly.
func (d *Disk) Rollback() error {
	if !d.inTransaction {
		return ufs.ErrNoActiveTransaction
	}

	// Restore directly so the writes aren't re-captured as transaction state.
	d.inTransaction = false
	for n, preImage := range d.preImages {
		if err := d.seekToBlock(int(n)); err != nil {
			return err
		}
		if _, err := d.stream.Write(preImage); err != nil {
			return ufs.ErrIOFailed.WrapError(err)
		}
	}
	d.endTransaction()
	return nil
}

func (d *Disk) endTransaction() {
	d.inTransaction = false
	d.touched = nil
	d.preImages = make(map[uint][]byte)
}

// Close releases the underlying stream if it is closable. An open transaction
// is rolled back first.
func (d *Disk) Close() error {
	if d.inTransaction {
		if err := d.Rollback(); err != nil {
			return err
		}
	}
	if closer, ok := d.stream.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
