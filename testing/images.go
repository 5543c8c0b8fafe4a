// Package testing provides shared fixtures for tests across the module:
// in-memory block devices, freshly formatted images, and golden images
// stored gzip-compressed under testdata directories.
package testing

import (
	"bytes"
	"io"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"

	"github.com/dargueta/ufs/disk"
	"github.com/dargueta/ufs/fs"
	"github.com/dargueta/ufs/layout"
)

// NewBlankDevice returns an in-memory device of totalBlocks zeroed blocks,
// plus the backing slice for byte-level assertions. Writes through the device
// land in the slice.
func NewBlankDevice(t *testing.T, totalBlocks int32) (*disk.Disk, []byte) {
	backing := make([]byte, int(totalBlocks)*layout.BlockSize)
	dev, err := disk.New(bytesextra.NewReadWriteSeeker(backing), layout.BlockSize)
	require.NoError(t, err, "wrapping an in-memory image must not fail")
	return dev, backing
}

// NewFormattedDevice returns an in-memory device holding a fresh, empty file
// system with the given geometry.
func NewFormattedDevice(t *testing.T, numInodes, numData int32) (*disk.Disk, []byte) {
	dev, backing := NewBlankDevice(t, fs.TotalBlocks(numInodes, numData))
	require.NoError(t, fs.Format(dev, numInodes, numData), "formatting failed")
	return dev, backing
}

// LoadDiskImage inflates a gzip-compressed golden image and returns a device
// over the uncompressed bytes. Writes affect only the in-memory copy.
func LoadDiskImage(t *testing.T, compressedImageBytes []byte, totalBlocks int32) (*disk.Disk, []byte) {
	require.NotEmpty(t, compressedImageBytes, "compressed image is empty")

	reader, err := gzip.NewReader(bytes.NewReader(compressedImageBytes))
	require.NoError(t, err, "golden image is not valid gzip")
	imageBytes, err := io.ReadAll(reader)
	require.NoError(t, err, "decompressing golden image failed")
	require.NoError(t, reader.Close())

	require.Equal(
		t,
		int(totalBlocks)*layout.BlockSize,
		len(imageBytes),
		"uncompressed image is wrong size",
	)

	dev, err := disk.New(bytesextra.NewReadWriteSeeker(imageBytes), layout.BlockSize)
	require.NoError(t, err)
	return dev, imageBytes
}
