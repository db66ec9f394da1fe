package layout

import (
	"encoding/binary"

	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/lucierr"
)

// DirentHeaderSize is the fixed on-disk header preceding a directory
// record's name (§3.5, §6.3): inode(LE32), rec_len(LE16), name_len(u8),
// file_type(u8).
const DirentHeaderSize = 8

// Directory entry file-type tags, matching the on-disk file_type byte
// that lets readdir avoid an inode lookup per entry (§3.5).
const (
	FTUnknown = 0
	FTRegFile = 1
	FTDir     = 2
	FTChrdev  = 3
	FTBlkdev  = 4
	FTFifo    = 5
	FTSock    = 6
	FTSymlink = 7
)

// Dirent is one directory record. Inode == 0 marks a deleted or never-
// used slot still holding RecLen bytes of reclaimable space (§4.9
// "delete_entry: zero the inode field in place").
type Dirent struct {
	Inode    uint32
	RecLen   uint16
	FileType uint8
	Name     string
}

// DirentMinLen returns the minimum rec_len an entry for name needs,
// rounded up to 4-byte alignment.
func DirentMinLen(name string) uint16 {
	return uint16((DirentHeaderSize + len(name) + 3) &^ 3)
}

// Encode marshals d into a RecLen-sized slot; RecLen must already be set
// to at least DirentMinLen(d.Name).
func (d *Dirent) Encode() []byte {
	raw := make([]byte, d.RecLen)
	binary.LittleEndian.PutUint32(raw[0:4], d.Inode)
	binary.LittleEndian.PutUint16(raw[4:6], d.RecLen)
	raw[6] = uint8(len(d.Name))
	raw[7] = d.FileType
	copy(raw[8:8+len(d.Name)], d.Name)
	return raw
}

// DecodeDirent parses one record from the front of raw, returning it
// along with RecLen so callers know how far to advance. A zero or
// overflowing rec_len is a corruption (§4.9 "a record length of 0 is a
// corruption error").
func DecodeDirent(raw []byte) (Dirent, error) {
	if len(raw) < DirentHeaderSize {
		return Dirent{}, lucierr.Corruptf("dirent header", len(raw), DirentHeaderSize)
	}
	recLen := binary.LittleEndian.Uint16(raw[4:6])
	if recLen == 0 {
		return Dirent{}, lucierr.Corruptf("dirent rec_len", recLen, "> 0")
	}
	if int(recLen) > len(raw) {
		return Dirent{}, lucierr.Corruptf("dirent rec_len", recLen, len(raw))
	}
	nameLen := raw[6]
	if int(DirentHeaderSize)+int(nameLen) > int(recLen) {
		return Dirent{}, lucierr.Corruptf("dirent name_len", nameLen, recLen-DirentHeaderSize)
	}
	return Dirent{
		Inode:    binary.LittleEndian.Uint32(raw[0:4]),
		RecLen:   recLen,
		FileType: raw[7],
		Name:     string(raw[8 : 8+nameLen]),
	}, nil
}
