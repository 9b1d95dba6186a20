// Package ziparchive assembles the output ZIP container: one local header
// and compressed payload per input, followed by the central directory and
// its end-of-central-directory trailer, promoting any field to its Zip64
// extension once it can no longer fit in 32 bits. Local-header space is
// seeked past before the compressed bytes are known, then the writer
// seeks back to fill it in once they are.
package ziparchive

import (
	"hash/crc32"
	"io"
	"os"

	direrr "github.com/tanglewood/dbsnap/core/errors"
	"github.com/tanglewood/dbsnap/internal/binpack"
	"github.com/tanglewood/dbsnap/internal/deflatepipe"
)

const (
	methodDeflate   = 8
	flagMaxCompress = 0x0002
	versionBase     = 20 // deflate support
	versionZip64    = 45 // Zip64 extension support
	hostUnix        = 3
)

// sizeLimit32 is the largest value a classic 32-bit ZIP size/offset/count
// field can hold before a central directory record must promote that
// individual field to its Zip64 extra.
const sizeLimit32 = 0xFFFFFFFE

// localSizeLimit32 is the threshold for the local header's own Zip64
// decision: strictly greater than the full 32-bit range, unlike the
// central directory's per-field promotion above.
const localSizeLimit32 = 0xFFFFFFFF

// pessimisticDeflateBound returns a pessimistic upper bound on the
// compressed size of n bytes of input, assuming the worst case where
// DEFLATE falls back to stored blocks: 5 bytes of overhead per 65535-byte
// block, used only to decide ahead of time whether an entry's header needs
// its Zip64 extra field reserved before the real compressed size is known.
func pessimisticDeflateBound(n uint64) uint64 {
	blocks := (n + 65534) / 65535
	if blocks == 0 {
		blocks = 1
	}
	return n + 5*blocks + 5
}

// needsZip64 reports whether uncompressedSize could require Zip64 local
// header fields, using the pessimistic compressed-size bound since the
// true compressed size is not known until after compression runs.
func needsZip64(uncompressedSize uint64) bool {
	return uncompressedSize > localSizeLimit32 || pessimisticDeflateBound(uncompressedSize) > localSizeLimit32
}

// centralRecord is what Writer keeps per finished entry to emit the
// central directory once every input has been written.
type centralRecord struct {
	name             string
	modDate, modTime uint16
	crc32            uint32
	compressedSize   uint64
	uncompressedSize uint64
	localOffset      uint64
	externalAttrs    uint32
	neededVersion    uint16
}

// Writer streams one ZIP archive to a single random-access file handle.
type Writer struct {
	f       *os.File
	records []centralRecord
	pipe    *deflatepipe.Pipe // reused across entries via Reset
}

// Create truncates or creates path and returns a Writer over it.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, direrr.NewIO("create", path, err)
	}
	return &Writer{f: f}, nil
}

// Close closes the underlying file without writing a trailer. Callers that
// complete a run call Finish instead; Close is for abort paths.
func (w *Writer) Close() error {
	return w.f.Close()
}

// Abort closes the file and removes it, used when the pipeline fails
// partway through and no archive should be left on disk.
func (w *Writer) Abort(path string) error {
	cerr := w.f.Close()
	rerr := os.Remove(path)
	if cerr != nil {
		return direrr.Wrap(cerr, "close partial archive")
	}
	if rerr != nil && !os.IsNotExist(rerr) {
		return direrr.Wrap(rerr, "remove partial archive")
	}
	return nil
}

func (w *Writer) pos() (int64, error) {
	return w.f.Seek(0, io.SeekCurrent)
}

// Entry is one archive member in progress: its local header space has been
// reserved, and WritePage streams its compressed, CRC-accumulated payload.
type Entry struct {
	w                *Writer
	name             string
	localOffset      int64
	l64              bool
	modDate, modTime uint16
	externalAttrs    uint32
	uncompressedSize uint64
	crc              uint32
	pipe             *deflatepipe.Pipe
	pagesWritten     uint64
}

// BeginEntry reserves local header space for name and returns an Entry
// ready to receive pages. uncompressedSize (page_size * page_count) must be
// known up front: it decides whether the reserved header includes the
// 20-byte Zip64 local extra, and that decision cannot change once the
// header region has been seeked past.
func (w *Writer) BeginEntry(name string, uncompressedSize uint64, modDate, modTime uint16, externalAttrs uint32) (*Entry, error) {
	offset, err := w.pos()
	if err != nil {
		return nil, direrr.Wrap(err, "locate entry offset")
	}

	l64 := needsZip64(uncompressedSize)
	reserve := binpack.LocalHeaderSize + len(name)
	if l64 {
		reserve += binpack.Zip64ExtraLocalSize
	}
	if _, err := w.f.Seek(int64(reserve), io.SeekCurrent); err != nil {
		return nil, direrr.Wrap(err, "reserve local header")
	}

	if w.pipe == nil {
		pipe, err := deflatepipe.New(w.f)
		if err != nil {
			return nil, err
		}
		w.pipe = pipe
	} else {
		w.pipe.Reset(w.f)
	}

	return &Entry{
		w:                w,
		name:             name,
		localOffset:      offset,
		l64:              l64,
		modDate:          modDate,
		modTime:          modTime,
		externalAttrs:    externalAttrs,
		uncompressedSize: uncompressedSize,
		pipe:             w.pipe,
	}, nil
}

// WritePage feeds one raw, uncompressed page into the entry's deflate
// stream, updating the running CRC-32 first. last selects block-boundary
// flush (false) or stream-finishing flush (true).
func (e *Entry) WritePage(data []byte, last bool) error {
	e.crc = crc32.Update(e.crc, crc32.IEEETable, data)
	e.pagesWritten += uint64(len(data))
	return e.pipe.WritePage(data, last)
}

// CompressedSize returns the entry's compressed byte count. Valid after
// Finish has been called.
func (e *Entry) CompressedSize() uint64 {
	return uint64(e.pipe.CompressedSize())
}

// Finish writes the entry's local header into the space reserved by
// BeginEntry, and records its central directory entry for later. It must
// be called after the entry's last WritePage (the one with last=true).
func (e *Entry) Finish() error {
	if e.pagesWritten != e.uncompressedSize {
		return direrr.NewValidation("page stream", "total page bytes did not match the declared uncompressed size")
	}

	compressedSize := uint64(e.pipe.CompressedSize())
	dataEnd, err := e.w.pos()
	if err != nil {
		return direrr.Wrap(err, "locate entry end")
	}

	neededVersion := uint16(versionBase)
	if e.l64 {
		neededVersion = versionZip64
	}

	header := binpack.LocalHeader{
		NeededVersion: neededVersion,
		Flags:         flagMaxCompress,
		Method:        methodDeflate,
		ModTime:       e.modTime,
		ModDate:       e.modDate,
		CRC32:         e.crc,
		NameLen:       uint16(len(e.name)),
	}
	var buf []byte
	if e.l64 {
		header.CompressedSize = 0xFFFFFFFF
		header.UncompressedSize = 0xFFFFFFFF
		header.ExtraLen = binpack.Zip64ExtraLocalSize
		buf = header.Append(buf)
		buf = append(buf, e.name...)
		buf = binpack.Zip64ExtraLocal{
			UncompressedSize: e.uncompressedSize,
			CompressedSize:   compressedSize,
		}.Append(buf)
	} else {
		header.CompressedSize = uint32(compressedSize)
		header.UncompressedSize = uint32(e.uncompressedSize)
		buf = header.Append(buf)
		buf = append(buf, e.name...)
	}

	if _, err := e.w.f.Seek(e.localOffset, io.SeekStart); err != nil {
		return direrr.Wrap(err, "seek to local header")
	}
	if _, err := e.w.f.Write(buf); err != nil {
		return direrr.Wrap(err, "write local header")
	}
	if _, err := e.w.f.Seek(dataEnd, io.SeekStart); err != nil {
		return direrr.Wrap(err, "seek past entry data")
	}

	e.w.records = append(e.w.records, centralRecord{
		name:             e.name,
		modDate:          e.modDate,
		modTime:          e.modTime,
		crc32:            e.crc,
		compressedSize:   compressedSize,
		uncompressedSize: e.uncompressedSize,
		localOffset:      uint64(e.localOffset),
		externalAttrs:    e.externalAttrs,
		neededVersion:    neededVersion,
	})
	return nil
}

// Finish writes the central directory and the end-of-central-directory
// trailer (promoting to the Zip64 forms as needed) and closes the file. The
// file is closed even when an error aborts the trailer partway through, so
// a caller that then removes the archive path never fights an open handle.
func (w *Writer) Finish() (err error) {
	defer func() {
		if err != nil {
			w.f.Close()
		}
	}()

	cdOffset, err := w.pos()
	if err != nil {
		return direrr.Wrap(err, "locate central directory offset")
	}

	for _, r := range w.records {
		if err := w.writeCentralRecord(r); err != nil {
			return err
		}
	}

	cdEnd, err := w.pos()
	if err != nil {
		return direrr.Wrap(err, "locate central directory end")
	}
	cdSize := uint64(cdEnd - cdOffset)
	entries := uint64(len(w.records))

	// A member's own Zip64 extra field is enough for readers to recover its
	// true size; the trailer only needs promoting when a trailer field
	// itself can't fit in 32 bits.
	needZip64EOCD := entries > 0xFFFF ||
		cdSize > sizeLimit32 ||
		uint64(cdOffset) > sizeLimit32

	if needZip64EOCD {
		eocd64Offset := uint64(cdEnd)
		neededVersion := uint16(versionZip64)
		eocd64 := binpack.EOCD64Record{
			VersionMadeBy: hostUnix<<8 | neededVersion,
			VersionNeeded: neededVersion,
			EntriesOnDisk: entries,
			EntriesTotal:  entries,
			CDSize:        cdSize,
			CDOffset:      uint64(cdOffset),
		}
		locator := binpack.Locator64Record{
			EOCD64Offset: eocd64Offset,
			TotalDisks:   1,
		}
		var buf []byte
		buf = eocd64.Append(buf)
		buf = locator.Append(buf)
		if _, err := w.f.Write(buf); err != nil {
			return direrr.Wrap(err, "write zip64 end records")
		}
	}

	eocd := binpack.EOCDRecord{
		EntriesOnDisk: uint16(capU16(entries)),
		EntriesTotal:  uint16(capU16(entries)),
		CDSize:        uint32(capU32(cdSize)),
		CDOffset:      uint32(capU32(uint64(cdOffset))),
	}
	var trailer []byte
	trailer = eocd.Append(trailer)
	if _, err := w.f.Write(trailer); err != nil {
		return direrr.Wrap(err, "write end of central directory")
	}

	return direrr.Wrap(w.f.Close(), "close archive")
}

func (w *Writer) writeCentralRecord(r centralRecord) error {
	var extra binpack.Zip64ExtraCentral
	if r.uncompressedSize > sizeLimit32 {
		v := r.uncompressedSize
		extra.UncompressedSize = &v
	}
	if r.compressedSize > sizeLimit32 {
		v := r.compressedSize
		extra.CompressedSize = &v
	}
	if r.localOffset > sizeLimit32 {
		v := r.localOffset
		extra.LocalOffset = &v
	}
	extraSize := extra.Size()

	neededVersion := r.neededVersion
	if extraSize > 0 && neededVersion < versionZip64 {
		neededVersion = versionZip64
	}

	header := binpack.CentralHeader{
		CreatorVersion: hostUnix<<8 | neededVersion,
		NeededVersion:  neededVersion,
		Flags:          flagMaxCompress,
		Method:         methodDeflate,
		ModTime:        r.modTime,
		ModDate:        r.modDate,
		CRC32:          r.crc32,
		NameLen:        uint16(len(r.name)),
		ExtraLen:       uint16(extraSize),
		ExternalAttrs:  r.externalAttrs,
	}
	if extra.CompressedSize != nil {
		header.CompressedSize = 0xFFFFFFFF
	} else {
		header.CompressedSize = uint32(r.compressedSize)
	}
	if extra.UncompressedSize != nil {
		header.UncompressedSize = 0xFFFFFFFF
	} else {
		header.UncompressedSize = uint32(r.uncompressedSize)
	}
	if extra.LocalOffset != nil {
		header.LocalHeaderOffset = 0xFFFFFFFF
	} else {
		header.LocalHeaderOffset = uint32(r.localOffset)
	}

	var buf []byte
	buf = header.Append(buf)
	buf = append(buf, r.name...)
	buf = extra.Append(buf)
	_, err := w.f.Write(buf)
	return direrr.Wrap(err, "write central directory record")
}

func capU16(v uint64) uint64 {
	if v > 0xFFFF {
		return 0xFFFF
	}
	return v
}

func capU32(v uint64) uint64 {
	if v > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return v
}

// ExternalAttrs folds the low 16 bits of a Unix file mode into the high
// half of the 32-bit external attributes field.
func ExternalAttrs(modeBits uint16) uint32 {
	return uint32(modeBits) << 16
}
