// Package binpack packs the fixed, little-endian, no-padding on-disk
// records the archive assembler needs: ZIP local file headers, central
// directory entries, the end-of-central-directory record, and their Zip64
// extensions. It mirrors the way jordanwade90/rawlite's internal/pagebuf
// packs fixed-layout SQLite page records: small typed appenders composed by
// value, never encoding/binary's reflective Write.
package binpack

import "encoding/binary"

// Signatures for the five ZIP record kinds this package emits.
var (
	SigLocalFile   = [4]byte{'P', 'K', 0x03, 0x04}
	SigCentralDir  = [4]byte{'P', 'K', 0x01, 0x02}
	SigEOCD        = [4]byte{'P', 'K', 0x05, 0x06}
	SigEOCD64      = [4]byte{'P', 'K', 0x06, 0x06}
	SigLocator64   = [4]byte{'P', 'K', 0x06, 0x07}
	extraIDZip64   = uint16(0x0001)
)

// AppendU16 appends x to buf as a little-endian uint16.
func AppendU16(buf []byte, x uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], x)
	return append(buf, tmp[:]...)
}

// AppendU32 appends x to buf as a little-endian uint32.
func AppendU32(buf []byte, x uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], x)
	return append(buf, tmp[:]...)
}

// AppendU64 appends x to buf as a little-endian uint64.
func AppendU64(buf []byte, x uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], x)
	return append(buf, tmp[:]...)
}

// LocalHeader is the fixed 30-byte body of a ZIP local file header record.
// Name and, when Zip64 is in play, the extra field follow it on disk but
// are appended by the caller since only the caller knows whether a 64-bit
// extra record is needed.
type LocalHeader struct {
	NeededVersion    uint16
	Flags            uint16
	Method           uint16
	ModTime          uint16
	ModDate          uint16
	CRC32            uint32
	CompressedSize   uint32 // 0xFFFFFFFF when a Zip64ExtraLocal follows
	UncompressedSize uint32 // 0xFFFFFFFF when a Zip64ExtraLocal follows
	NameLen          uint16
	ExtraLen         uint16
}

// Append serializes h onto buf in on-disk field order, signature first.
func (h LocalHeader) Append(buf []byte) []byte {
	buf = append(buf, SigLocalFile[:]...)
	buf = AppendU16(buf, h.NeededVersion)
	buf = AppendU16(buf, h.Flags)
	buf = AppendU16(buf, h.Method)
	buf = AppendU16(buf, h.ModTime)
	buf = AppendU16(buf, h.ModDate)
	buf = AppendU32(buf, h.CRC32)
	buf = AppendU32(buf, h.CompressedSize)
	buf = AppendU32(buf, h.UncompressedSize)
	buf = AppendU16(buf, h.NameLen)
	buf = AppendU16(buf, h.ExtraLen)
	return buf
}

// LocalHeaderSize is the fixed byte length of a LocalHeader on disk, before name/extra.
const LocalHeaderSize = 30

// Zip64ExtraLocal is the 20-byte local-header extra field appended when a
// member needs Zip64: a single (id, size, uncompressed, compressed) record
// with both 64-bit sizes.
type Zip64ExtraLocal struct {
	UncompressedSize uint64
	CompressedSize   uint64
}

// Append serializes the extra record, including its own 4-byte id+size header.
func (z Zip64ExtraLocal) Append(buf []byte) []byte {
	buf = AppendU16(buf, extraIDZip64)
	buf = AppendU16(buf, 16)
	buf = AppendU64(buf, z.UncompressedSize)
	buf = AppendU64(buf, z.CompressedSize)
	return buf
}

// Zip64ExtraLocalSize is the fixed size of Zip64ExtraLocal.Append's output.
const Zip64ExtraLocalSize = 20

// CentralHeader is the fixed 46-byte body of a ZIP central directory
// record. Fields are already promoted to 0xFFFFFFFF sentinels by the
// caller when their true value lives in a Zip64 extra field.
type CentralHeader struct {
	CreatorVersion    uint16
	NeededVersion     uint16
	Flags             uint16
	Method            uint16
	ModTime           uint16
	ModDate           uint16
	CRC32             uint32
	CompressedSize    uint32
	UncompressedSize  uint32
	NameLen           uint16
	ExtraLen          uint16
	CommentLen        uint16
	DiskStart         uint16
	InternalAttrs     uint16
	ExternalAttrs     uint32
	LocalHeaderOffset uint32
}

// Append serializes h onto buf in on-disk field order, signature first.
func (h CentralHeader) Append(buf []byte) []byte {
	buf = append(buf, SigCentralDir[:]...)
	buf = AppendU16(buf, h.CreatorVersion)
	buf = AppendU16(buf, h.NeededVersion)
	buf = AppendU16(buf, h.Flags)
	buf = AppendU16(buf, h.Method)
	buf = AppendU16(buf, h.ModTime)
	buf = AppendU16(buf, h.ModDate)
	buf = AppendU32(buf, h.CRC32)
	buf = AppendU32(buf, h.CompressedSize)
	buf = AppendU32(buf, h.UncompressedSize)
	buf = AppendU16(buf, h.NameLen)
	buf = AppendU16(buf, h.ExtraLen)
	buf = AppendU16(buf, h.CommentLen)
	buf = AppendU16(buf, h.DiskStart)
	buf = AppendU16(buf, h.InternalAttrs)
	buf = AppendU32(buf, h.ExternalAttrs)
	buf = AppendU32(buf, h.LocalHeaderOffset)
	return buf
}

// CentralHeaderSize is the fixed byte length of a CentralHeader on disk.
const CentralHeaderSize = 46

// Zip64ExtraCentral is the central-directory extra field: zero to three
// 64-bit fields, in (uncompressed size, compressed size, local header
// offset) order, present only for the fields whose inline 32-bit value was
// promoted to the 0xFFFFFFFF sentinel.
type Zip64ExtraCentral struct {
	UncompressedSize *uint64
	CompressedSize   *uint64
	LocalOffset      *uint64
}

// Append serializes the extra record, including its own 4-byte id+size
// header, and returns buf. Returns buf unchanged if no field is set.
func (z Zip64ExtraCentral) Append(buf []byte) []byte {
	var payload []byte
	if z.UncompressedSize != nil {
		payload = AppendU64(payload, *z.UncompressedSize)
	}
	if z.CompressedSize != nil {
		payload = AppendU64(payload, *z.CompressedSize)
	}
	if z.LocalOffset != nil {
		payload = AppendU64(payload, *z.LocalOffset)
	}
	if len(payload) == 0 {
		return buf
	}
	buf = AppendU16(buf, extraIDZip64)
	buf = AppendU16(buf, uint16(len(payload)))
	buf = append(buf, payload...)
	return buf
}

// Size returns the on-disk length of Append's output for this extra,
// including the 4-byte id+size header, or 0 if no field is set.
func (z Zip64ExtraCentral) Size() int {
	n := 0
	if z.UncompressedSize != nil {
		n += 8
	}
	if z.CompressedSize != nil {
		n += 8
	}
	if z.LocalOffset != nil {
		n += 8
	}
	if n == 0 {
		return 0
	}
	return n + 4
}

// EOCDRecord is the classic 22-byte end-of-central-directory record.
// Zip64 sentinel values (0xFFFF / 0xFFFFFFFF) are the caller's
// responsibility to substitute before calling Append.
type EOCDRecord struct {
	DiskNumber    uint16
	CDDisk        uint16
	EntriesOnDisk uint16
	EntriesTotal  uint16
	CDSize        uint32
	CDOffset      uint32
	CommentLen    uint16
}

// Append serializes h onto buf in on-disk field order, signature first.
func (h EOCDRecord) Append(buf []byte) []byte {
	buf = append(buf, SigEOCD[:]...)
	buf = AppendU16(buf, h.DiskNumber)
	buf = AppendU16(buf, h.CDDisk)
	buf = AppendU16(buf, h.EntriesOnDisk)
	buf = AppendU16(buf, h.EntriesTotal)
	buf = AppendU32(buf, h.CDSize)
	buf = AppendU32(buf, h.CDOffset)
	buf = AppendU16(buf, h.CommentLen)
	return buf
}

// EOCDRecordSize is the fixed byte length of an EOCDRecord on disk.
const EOCDRecordSize = 22

// EOCD64Record is the Zip64 end-of-central-directory record. Append always
// writes 44 in its record size field: this implementation never writes the
// extensible data sector Zip64 allows after the fixed fields.
type EOCD64Record struct {
	VersionMadeBy uint16
	VersionNeeded uint16
	DiskNumber    uint32
	CDDisk        uint32
	EntriesOnDisk uint64
	EntriesTotal  uint64
	CDSize        uint64
	CDOffset      uint64
}

// Append serializes h onto buf in on-disk field order, signature first.
func (h EOCD64Record) Append(buf []byte) []byte {
	buf = append(buf, SigEOCD64[:]...)
	buf = AppendU64(buf, 44) // record size, excluding signature and this field
	buf = AppendU16(buf, h.VersionMadeBy)
	buf = AppendU16(buf, h.VersionNeeded)
	buf = AppendU32(buf, h.DiskNumber)
	buf = AppendU32(buf, h.CDDisk)
	buf = AppendU64(buf, h.EntriesOnDisk)
	buf = AppendU64(buf, h.EntriesTotal)
	buf = AppendU64(buf, h.CDSize)
	buf = AppendU64(buf, h.CDOffset)
	return buf
}

// EOCD64RecordSize is the fixed byte length of an EOCD64Record on disk.
const EOCD64RecordSize = 56

// Locator64Record points from the classic EOCD backward to EOCD64Record.
type Locator64Record struct {
	CDStartDisk  uint32
	EOCD64Offset uint64
	TotalDisks   uint32
}

// Append serializes h onto buf in on-disk field order, signature first.
func (h Locator64Record) Append(buf []byte) []byte {
	buf = append(buf, SigLocator64[:]...)
	buf = AppendU32(buf, h.CDStartDisk)
	buf = AppendU64(buf, h.EOCD64Offset)
	buf = AppendU32(buf, h.TotalDisks)
	return buf
}

// Locator64RecordSize is the fixed byte length of a Locator64Record on disk.
const Locator64RecordSize = 20
