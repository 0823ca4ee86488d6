package layout

import (
	"encoding/binary"

	"github.com/blobcask/blobcask/pkg/status"
)

const (
	// InodeSize is the fixed on-disk size of one inode record
	InodeSize uint32 = 128

	// InodeSlots is the number of inline extent slots per inode.
	// Larger blobs chain extra extent-container inodes via NextNode.
	InodeSlots = 9

	// InvalidNode terminates a container chain
	InvalidNode uint32 = 0xffffffff

	// DigestSize is the byte length of a blob digest as stored on disk
	DigestSize = 32

	inodeHeaderSize = 56
)

// Inode flags
const (
	// FlagAllocated marks a node claimed by a write in progress, not
	// yet readable
	FlagAllocated uint16 = 1 << 0

	// FlagReadable marks a fully written, digest-verified blob
	FlagReadable uint16 = 1 << 1

	// FlagContainer marks an extent-container node chained off a blob's
	// primary inode
	FlagContainer uint16 = 1 << 2
)

// Inode is the on-disk metadata record for one blob, or for one
// extent container of a large blob.
//
// A primary inode carries the blob digest, total size and block count.
// ExtentCount refers to the slots used in this record only; the
// remainder of the extent list continues in the chain at NextNode.
type Inode struct {
	Digest      [DigestSize]byte
	Size        uint64
	BlockCount  uint32
	ExtentCount uint16
	Flags       uint16
	NextNode    uint32
	ChainIndex  uint32 // position in the container chain, 0 for the primary
	Extents     [InodeSlots]Extent
}

// IsReadable tells whether the blob this inode heads can be opened
func (ino Inode) IsReadable() bool { return ino.Flags&FlagReadable != 0 }

// IsAllocated tells whether the node is in use at all
func (ino Inode) IsAllocated() bool { return ino.Flags&FlagAllocated != 0 }

// IsContainer tells whether the node holds overflow extents
func (ino Inode) IsContainer() bool { return ino.Flags&FlagContainer != 0 }

// Encode serializes the inode into a fresh InodeSize-byte record
func (ino Inode) Encode() ([]byte, error) {
	out := make([]byte, InodeSize)
	copy(out[0:DigestSize], ino.Digest[:])
	binary.LittleEndian.PutUint64(out[32:], ino.Size)
	binary.LittleEndian.PutUint32(out[40:], ino.BlockCount)
	binary.LittleEndian.PutUint16(out[44:], ino.ExtentCount)
	binary.LittleEndian.PutUint16(out[46:], ino.Flags)
	binary.LittleEndian.PutUint32(out[48:], ino.NextNode)
	binary.LittleEndian.PutUint32(out[52:], ino.ChainIndex)
	if ino.ExtentCount > InodeSlots {
		return nil, status.ErrCorruptMetadata.WrapMessage("inode claims %d extents for %d slots", ino.ExtentCount, InodeSlots)
	}
	for i := 0; i < int(ino.ExtentCount); i++ {
		raw, err := ino.Extents[i].Pack()
		if err != nil {
			return nil, err
		}
		binary.LittleEndian.PutUint64(out[inodeHeaderSize+8*i:], raw)
	}
	return out, nil
}

// DecodeInode parses one inode record
func DecodeInode(data []byte) (Inode, error) {
	if len(data) < int(InodeSize) {
		return Inode{}, status.ErrCorruptMetadata.WrapMessage("inode record shorter than %d bytes", InodeSize)
	}
	var ino Inode
	copy(ino.Digest[:], data[0:DigestSize])
	ino.Size = binary.LittleEndian.Uint64(data[32:])
	ino.BlockCount = binary.LittleEndian.Uint32(data[40:])
	ino.ExtentCount = binary.LittleEndian.Uint16(data[44:])
	ino.Flags = binary.LittleEndian.Uint16(data[46:])
	ino.NextNode = binary.LittleEndian.Uint32(data[48:])
	ino.ChainIndex = binary.LittleEndian.Uint32(data[52:])
	if ino.ExtentCount > InodeSlots {
		return Inode{}, status.ErrCorruptMetadata.WrapMessage("inode claims %d extents for %d slots", ino.ExtentCount, InodeSlots)
	}
	for i := 0; i < int(ino.ExtentCount); i++ {
		raw := binary.LittleEndian.Uint64(data[inodeHeaderSize+8*i:])
		ext, err := UnpackExtent(raw)
		if err != nil {
			return Inode{}, err
		}
		ino.Extents[i] = ext
	}
	return ino, nil
}
