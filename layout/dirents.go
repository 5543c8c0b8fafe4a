package layout

import (
	"bytes"
	"encoding/binary"

	"github.com/noxer/bytewriter"
)

// DecodeDirEnts unpacks `count` directory entries from the front of a packed
// directory extent. `raw` must hold at least count*DirEntSize bytes.
func DecodeDirEnts(raw []byte, count int) []DirEnt {
	entries := make([]DirEnt, count)
	reader := bytes.NewReader(raw)
	for i := range entries {
		// The buffer is sized by the caller; a short read here would mean the
		// directory's size field disagrees with its extent.
		binary.Read(reader, binary.LittleEndian, &entries[i])
	}
	return entries
}

// EncodeDirEnts packs entries into a buffer padded with zeros to a whole
// number of blocks, ready for block-granular writes.
func EncodeDirEnts(entries []DirEnt) []byte {
	size := int32(len(entries) * DirEntSize)
	raw := make([]byte, BlocksForBytes(size)*BlockSize)
	writer := bytewriter.New(raw)
	for i := range entries {
		binary.Write(writer, binary.LittleEndian, &entries[i])
	}
	return raw
}
