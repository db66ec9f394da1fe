// Package layout defines the little-endian, fixed-offset on-disk record
// types shared by every luci package: the superblock, the group
// descriptor, the block pointer ("blkptr"), and the inode (§3, §6.1-6.3).
// All multi-byte fields are little-endian on disk; callers work with the
// native Go types below and marshal/unmarshal at the device boundary.
package layout

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/lucierr"
)

// Magic and constants (§6.6).
const (
	Magic        = 0xEF53
	NameMax      = 255
	LinkMax      = 32000
	MaxTreeDepth = 4

	// Reserved inode numbers.
	BadBlocksIno  = 1
	RootIno       = 2
	BootLoaderIno = 5
	UndelDirIno   = 6
	FirstUserIno  = 11
)

// Filesystem state (superblock State field).
const (
	StateUnclean = 0
	StateValid   = 1
	StateError   = 2
)

// Error behavior (superblock Errors field).
const (
	ErrorsContinue = 1
	ErrorsRO       = 2
	ErrorsPanic    = 3
)

// SuperblockSize is the fixed on-disk size of a Superblock image, located
// at byte offset 1024 from the start of the device (§3.1, §6.1).
const SuperblockSize = 1024

// SuperblockOffset is where the superblock image begins.
const SuperblockOffset = 1024

// Superblock is the structure of the superblock as written to disk. Field
// order and sizes are load-bearing: Reserved pads the struct out to
// exactly SuperblockSize bytes, with Checksum borrowing the tail of that
// reserved region (mirrors the original kernel module's layout).
type Superblock struct {
	InodesCount         uint32 // 0x00
	BlocksCount         uint32 // 0x04
	ReservedBlocksCount uint32 // 0x08
	FreeBlocksCount     uint32 // 0x0C
	FreeInodesCount     uint32 // 0x10
	FirstDataBlock      uint32 // 0x14
	LogBlockSize        uint32 // 0x18
	LogFragSize         uint32 // 0x1C
	BlocksPerGroup      uint32 // 0x20
	FragsPerGroup       uint32 // 0x24
	InodesPerGroup      uint32 // 0x28
	MountTime           uint32 // 0x2C
	WriteTime           uint32 // 0x30
	MountCount          uint16 // 0x34
	MaxMountCount       uint16 // 0x36
	Magic               uint16 // 0x38
	State               uint16 // 0x3A
	Errors              uint16 // 0x3C
	MinorRevLevel       uint16 // 0x3E
	LastCheck           uint32 // 0x40
	CheckInterval       uint32 // 0x44
	CreatorOS           uint32 // 0x48
	RevLevel            uint32 // 0x4C
	DefResUID           uint16 // 0x50
	DefResGID           uint16 // 0x52
	FirstIno            uint32 // 0x54
	InodeSize           uint16 // 0x58
	BlockGroupNr        uint16 // 0x5A
	FeatureCompat       uint32 // 0x5C
	FeatureIncompat     uint32 // 0x60
	FeatureROCompat     uint32 // 0x64
	UUID                [16]byte
	VolumeName          [16]byte
	LastMounted         [64]byte
	AlgorithmUsageBitmap uint32
	PreallocBlocks      uint8
	PreallocDirBlocks   uint8
	_                   uint16
	JournalUUID         [16]byte
	JournalInum         uint32
	JournalDev          uint32
	LastOrphan          uint32 // head of the intrusive orphan list (§4.4)
	HashSeed            [4]uint32
	DefHashVersion      uint8
	_                   uint8
	_                   uint16
	DefaultMountOpts    uint32
	FirstMetaBG         uint32
	Reserved            [189]uint32
	Checksum            uint32 // CRC32 of the image with this field zeroed
}

// Encode marshals the superblock to its on-disk little-endian form,
// recomputing and filling in Checksum.
func (s *Superblock) Encode() []byte {
	cp := *s
	cp.Checksum = 0
	buf := new(bytes.Buffer)
	buf.Grow(SuperblockSize)
	_ = binary.Write(buf, binary.LittleEndian, &cp)
	raw := buf.Bytes()
	sum := crc32.ChecksumIEEE(raw)
	binary.LittleEndian.PutUint32(raw[SuperblockSize-4:], sum)
	s.Checksum = sum
	return raw
}

// DecodeSuperblock parses a SuperblockSize-byte image and validates its
// checksum when non-zero (§3.1 invariant).
func DecodeSuperblock(raw []byte) (*Superblock, error) {
	if len(raw) != SuperblockSize {
		return nil, lucierr.Corruptf("superblock length", len(raw), SuperblockSize)
	}
	sb := new(Superblock)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, sb); err != nil {
		return nil, err
	}
	if sb.Checksum != 0 {
		zeroed := make([]byte, SuperblockSize)
		copy(zeroed, raw)
		binary.LittleEndian.PutUint32(zeroed[SuperblockSize-4:], 0)
		if got := crc32.ChecksumIEEE(zeroed); got != sb.Checksum {
			return nil, lucierr.Corruptf("superblock checksum", got, sb.Checksum)
		}
	}
	return sb, nil
}

// BlockSize returns B = 1024 << LogBlockSize.
func (s *Superblock) BlockSize() uint32 {
	return 1024 << s.LogBlockSize
}

// DescriptorSize is the fixed on-disk size of one GroupDescriptor (§3.2).
const DescriptorSize = 32

// GroupDescriptor describes one block group: where its bitmaps and inode
// table live, its free counters, and its defensive per-region checksums.
type GroupDescriptor struct {
	BlockBitmapAddr      uint32
	InodeBitmapAddr      uint32
	InodeTableAddr       uint32
	FreeBlocksCount      uint16
	FreeInodesCount      uint16
	DirectoriesCount     uint16
	_                    uint16
	BlockBitmapChecksum  uint16
	InodeBitmapChecksum  uint16
	InodeTableChecksum   uint16
	DescriptorChecksum   uint16
	_                    uint32
}

// Encode marshals the descriptor to its packed 32-byte on-disk form. The
// descriptor checksum is computed by the caller (pkg/luci/super), which
// owns the CRC16 table, since it is also responsible for ordering the
// zero-then-checksum step consistently across the whole descriptor block.
func (g *GroupDescriptor) Encode() []byte {
	buf := new(bytes.Buffer)
	buf.Grow(DescriptorSize)
	_ = binary.Write(buf, binary.LittleEndian, g)
	return buf.Bytes()
}

// DecodeGroupDescriptor parses one packed 32-byte descriptor record.
func DecodeGroupDescriptor(raw []byte) (*GroupDescriptor, error) {
	if len(raw) != DescriptorSize {
		return nil, lucierr.Corruptf("group descriptor length", len(raw), DescriptorSize)
	}
	gd := new(GroupDescriptor)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, gd); err != nil {
		return nil, err
	}
	return gd, nil
}

// Block pointer flags (§3.3).
const (
	FlagCompressed    uint16 = 1 << 0
	FlagNotCompressed uint16 = 1 << 1 // stored as one plain block per logical block
)

// BlockPointerSize is the fixed, 8-byte aligned on-disk size of a blkptr.
const BlockPointerSize = 16

// BlockPointer ("blkptr") maps one logical block, or a shared cluster-wide
// reference when Flags&FlagCompressed != 0, to a physical extent (§3.3,
// §6.2). Offset layout: blockno(LE32), length(LE16), checksum(LE32),
// birth(LE32), flags(LE16).
type BlockPointer struct {
	BlockNo  uint32
	Length   uint16
	Checksum uint32
	Birth    uint32
	Flags    uint16
}

// IsHole reports whether bp represents an unallocated (sparse) logical block.
func (bp BlockPointer) IsHole() bool {
	return bp.BlockNo == 0
}

// Compressed reports whether bp carries the COMPRESSED flag.
func (bp BlockPointer) Compressed() bool {
	return bp.Flags&FlagCompressed != 0
}

// Encode marshals one blkptr to its packed 16-byte on-disk form.
func (bp BlockPointer) Encode() []byte {
	raw := make([]byte, BlockPointerSize)
	binary.LittleEndian.PutUint32(raw[0:4], bp.BlockNo)
	binary.LittleEndian.PutUint16(raw[4:6], bp.Length)
	binary.LittleEndian.PutUint32(raw[6:10], bp.Checksum)
	binary.LittleEndian.PutUint32(raw[10:14], bp.Birth)
	binary.LittleEndian.PutUint16(raw[14:16], bp.Flags)
	return raw
}

// DecodeBlockPointer parses one packed 16-byte blkptr record.
func DecodeBlockPointer(raw []byte) BlockPointer {
	return BlockPointer{
		BlockNo:  binary.LittleEndian.Uint32(raw[0:4]),
		Length:   binary.LittleEndian.Uint16(raw[4:6]),
		Checksum: binary.LittleEndian.Uint32(raw[6:10]),
		Birth:    binary.LittleEndian.Uint32(raw[10:14]),
		Flags:    binary.LittleEndian.Uint16(raw[14:16]),
	}
}

// NBlocks is the length of an inode's embedded block-pointer array: two
// direct entries plus single/double/triple indirect roots (§3.4, §4.5).
const NBlocks = 5

// Root indexes into the Block array (§4.5).
const (
	RootDirect0 = 0
	RootDirect1 = 1
	RootIndirect = 2
	RootDIndirect = 3
	RootTIndirect = 4
)

// InodeSize is the fixed on-disk size of an Inode record, a power of two.
const InodeSize = 256

// Inode is the structure of an inode as written to disk (§3.4). CompSizeLo
///CompSizeHi together form i_size_comp, the compressed-physical-size
// counter the original kernel module keeps in its OS-dependent areas.
type Inode struct {
	Mode       uint16
	UID        uint16
	SizeLo     uint32
	Atime      uint32
	Ctime      uint32
	Mtime      uint32
	Dtime      uint32
	GID        uint16
	LinksCount uint16
	Blocks     uint32
	Flags      uint32
	CompSizeLo uint32
	Block      [NBlocks]BlockPointer
	Generation uint32
	FileACL    uint32
	DirACL     uint32
	FragAddr   uint32
	CompSizeHi uint32
	FragNo     uint8
	FragSize   uint8
	_          uint16
	Reserved   [112]byte
}

// Size returns the inode's logical size (§3.4).
func (in *Inode) Size() uint64 {
	return uint64(in.SizeLo)
}

// CompSize returns the compressed-physical-size counter (i_size_comp).
func (in *Inode) CompSize() uint64 {
	return uint64(in.CompSizeLo) | uint64(in.CompSizeHi)<<32
}

// SetCompSize updates the compressed-physical-size counter.
func (in *Inode) SetCompSize(v uint64) {
	in.CompSizeLo = uint32(v)
	in.CompSizeHi = uint32(v >> 32)
}

// Encode marshals one Inode to its fixed InodeSize on-disk form.
func (in *Inode) Encode() []byte {
	buf := new(bytes.Buffer)
	buf.Grow(InodeSize)
	_ = binary.Write(buf, binary.LittleEndian, in)
	return buf.Bytes()
}

// DecodeInode parses one fixed-size InodeSize record.
func DecodeInode(raw []byte) (*Inode, error) {
	if len(raw) != InodeSize {
		return nil, lucierr.Corruptf("inode record length", len(raw), InodeSize)
	}
	in := new(Inode)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, in); err != nil {
		return nil, err
	}
	return in, nil
}

// Mode bits that matter to the core (file type nibble, not permission bits
// beyond what directory file-type mapping needs).
const (
	ModeFmt    = 0xF000
	ModeDir    = 0x4000
	ModeReg    = 0x8000
	ModeSymlnk = 0xA000
)

// IsDir reports whether the inode's mode marks it a directory.
func (in *Inode) IsDir() bool {
	return in.Mode&ModeFmt == ModeDir
}
