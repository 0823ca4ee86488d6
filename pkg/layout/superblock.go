// Package layout defines the on-disk format of the storage engine:
// superblock, inode records, packed extents, and the block arithmetic
// locating every region on the device.
//
// The device is carved up as:
//
//	[0] superblock
//	[1 ...] block bitmap
//	[...] node bitmap
//	[...] inode table
//	[...] journal
//	[...] data region
//
// The superblock is the single source of truth for all region offsets.
package layout

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/blobcask/blobcask/pkg/status"
)

const (
	// Magic identifies a formatted device ("blobcask", little endian)
	Magic uint64 = 0x6b736163626f6c62

	// Version is the current format version
	Version uint32 = 1

	// SuperblockIndex is the device block holding the superblock
	SuperblockIndex uint64 = 0

	// MinBlockSize is the smallest supported device block size
	MinBlockSize uint32 = 512

	// MinJournalBlocks is the smallest usable journal region: checkpoint
	// block plus one entry of header, payload and footer.
	MinJournalBlocks uint64 = 4

	superblockSize = 72 // encoded bytes, the rest of block 0 is zero
)

// castagnoli is the CRC32C table shared by the superblock and the
// journal footers.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes the CRC32C over data
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// ChecksumAdd folds data into a running CRC32C
func ChecksumAdd(sum uint32, data []byte) uint32 {
	return crc32.Update(sum, castagnoli, data)
}

// Superblock is the fixed-size record at block 0 describing the
// geometry of every other on-disk structure. It is mutated only during
// format, and persisted via a single atomic block write.
type Superblock struct {
	Magic             uint64
	BlockSize         uint32
	BlockCount        uint64
	InodeCount        uint32
	InodeTableBlocks  uint64
	BlockBitmapBlocks uint64
	NodeBitmapBlocks  uint64
	JournalStartBlock uint64
	JournalBlockCount uint64
	FormatVersion     uint32
	Checksum          uint32
}

// Compute lays out a device of blockCount blocks and returns the
// resulting superblock. It fails when the geometry leaves no room for
// data blocks.
func Compute(blockSize uint32, blockCount uint64, inodeCount uint32, journalBlocks uint64) (Superblock, error) {
	if blockSize < MinBlockSize || blockSize&(blockSize-1) != 0 {
		return Superblock{}, status.ErrCorruptMetadata.WrapMessage("block size %d is not a power of two >= %d", blockSize, MinBlockSize)
	}
	if journalBlocks < MinJournalBlocks {
		return Superblock{}, status.ErrCorruptMetadata.WrapMessage("journal of %d blocks is below the minimum %d", journalBlocks, MinJournalBlocks)
	}
	if inodeCount == 0 {
		return Superblock{}, status.ErrCorruptMetadata.WrapMessage("inode count must be positive")
	}

	bitsPerBlock := uint64(blockSize) * 8
	sb := Superblock{
		Magic:             Magic,
		BlockSize:         blockSize,
		BlockCount:        blockCount,
		InodeCount:        inodeCount,
		BlockBitmapBlocks: ceilDiv(blockCount, bitsPerBlock),
		NodeBitmapBlocks:  ceilDiv(uint64(inodeCount), bitsPerBlock),
		InodeTableBlocks:  ceilDiv(uint64(inodeCount)*uint64(InodeSize), uint64(blockSize)),
		JournalBlockCount: journalBlocks,
		FormatVersion:     Version,
	}
	sb.JournalStartBlock = sb.InodeTableStart() + sb.InodeTableBlocks
	if sb.DataStart() >= blockCount {
		return Superblock{}, status.ErrCorruptMetadata.WrapMessage("metadata regions (%d blocks) exceed device size %d", sb.DataStart(), blockCount)
	}
	return sb, nil
}

// BlockBitmapStart returns the first block of the block bitmap
func (sb Superblock) BlockBitmapStart() uint64 { return SuperblockIndex + 1 }

// NodeBitmapStart returns the first block of the node bitmap
func (sb Superblock) NodeBitmapStart() uint64 {
	return sb.BlockBitmapStart() + sb.BlockBitmapBlocks
}

// InodeTableStart returns the first block of the inode table
func (sb Superblock) InodeTableStart() uint64 {
	return sb.NodeBitmapStart() + sb.NodeBitmapBlocks
}

// DataStart returns the first data block
func (sb Superblock) DataStart() uint64 {
	return sb.JournalStartBlock + sb.JournalBlockCount
}

// DataBlocks returns the number of blocks available for blob data
func (sb Superblock) DataBlocks() uint64 {
	return sb.BlockCount - sb.DataStart()
}

// InodeLocation returns the device block holding inode index and the
// byte offset of the record within that block.
func (sb Superblock) InodeLocation(index uint32) (block uint64, offset uint32) {
	perBlock := sb.BlockSize / InodeSize
	return sb.InodeTableStart() + uint64(index/perBlock), (index % perBlock) * InodeSize
}

// Encode serializes the superblock into a buffer of one block,
// stamping the checksum.
func (sb Superblock) Encode() []byte {
	out := make([]byte, sb.BlockSize)
	binary.LittleEndian.PutUint64(out[0:], sb.Magic)
	binary.LittleEndian.PutUint32(out[8:], sb.BlockSize)
	binary.LittleEndian.PutUint64(out[12:], sb.BlockCount)
	binary.LittleEndian.PutUint32(out[20:], sb.InodeCount)
	binary.LittleEndian.PutUint64(out[24:], sb.InodeTableBlocks)
	binary.LittleEndian.PutUint64(out[32:], sb.BlockBitmapBlocks)
	binary.LittleEndian.PutUint64(out[40:], sb.NodeBitmapBlocks)
	binary.LittleEndian.PutUint64(out[48:], sb.JournalStartBlock)
	binary.LittleEndian.PutUint64(out[56:], sb.JournalBlockCount)
	binary.LittleEndian.PutUint32(out[64:], sb.FormatVersion)
	// checksum covers all preceding bytes
	sum := Checksum(out[:superblockSize-4])
	binary.LittleEndian.PutUint32(out[68:], sum)
	return out
}

// DecodeSuperblock parses and validates block 0
func DecodeSuperblock(data []byte) (Superblock, error) {
	if len(data) < superblockSize {
		return Superblock{}, status.ErrCorruptMetadata.WrapMessage("superblock shorter than %d bytes", superblockSize)
	}
	var sb Superblock
	sb.Magic = binary.LittleEndian.Uint64(data[0:])
	sb.BlockSize = binary.LittleEndian.Uint32(data[8:])
	sb.BlockCount = binary.LittleEndian.Uint64(data[12:])
	sb.InodeCount = binary.LittleEndian.Uint32(data[20:])
	sb.InodeTableBlocks = binary.LittleEndian.Uint64(data[24:])
	sb.BlockBitmapBlocks = binary.LittleEndian.Uint64(data[32:])
	sb.NodeBitmapBlocks = binary.LittleEndian.Uint64(data[40:])
	sb.JournalStartBlock = binary.LittleEndian.Uint64(data[48:])
	sb.JournalBlockCount = binary.LittleEndian.Uint64(data[56:])
	sb.FormatVersion = binary.LittleEndian.Uint32(data[64:])
	sb.Checksum = binary.LittleEndian.Uint32(data[68:])

	if sb.Magic != Magic {
		return Superblock{}, status.ErrCorruptMetadata.WrapMessage("bad superblock magic %#x", sb.Magic)
	}
	if sb.FormatVersion != Version {
		return Superblock{}, status.ErrCorruptMetadata.WrapMessage("unsupported format version %d", sb.FormatVersion)
	}
	if sum := Checksum(data[:superblockSize-4]); sum != sb.Checksum {
		return Superblock{}, status.ErrCorruptMetadata.WrapMessage("superblock checksum mismatch: computed %#x, stored %#x", sum, sb.Checksum)
	}
	if sb.BlockSize < MinBlockSize || sb.DataStart() >= sb.BlockCount {
		return Superblock{}, status.ErrCorruptMetadata.WrapMessage("implausible superblock geometry")
	}
	return sb, nil
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}
