package zipsurgeon

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/pkg/errors"
)

// dosEpoch is the fixed last-modified stamp given to signature artifacts
// this package creates (MANIFEST.MF, the .SF, the .RSA block). Using a
// constant rather than the current time keeps repeated signs of the same
// input byte-identical, which the idempotence property requires.
const (
	dosEpochDate = 0x21 // 1980-01-01
	dosEpochTime = 0
)

type writtenEntry struct {
	name              string
	method            uint16
	crc32             uint32
	compressedSize    uint32
	uncompressedSize  uint32
	localHeaderOffset int64
	modTime           uint16
	modDate           uint16
}

// Writer builds a fresh archive from scratch: every entry is appended via
// CopyEntry or CreateStoredEntry, in order, then Finish writes the central
// directory and EOCD and returns the offset of the central directory (the
// value the caller must place in S1/S3 bookkeeping for the v2 writer).
type Writer struct {
	w       io.Writer
	offset  int64
	entries []writtenEntry
}

// NewWriter wraps w, which must track all bytes written starting at offset
// zero (a freshly created temp file).
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// CopyEntry re-emits one source entry, reading exactly e.CompressedSize raw
// (still-compressed) bytes from r, using its original compression method,
// CRC, and last-modified stamp. When align is true and the entry is
// STORED, the local header's extra field is padded so the payload begins
// on a 4-byte boundary.
func (wr *Writer) CopyEntry(e Entry, r io.Reader, align bool) error {
	extraLen := 0
	if align && e.Method == MethodStored {
		base := wr.offset + localHeaderLen + int64(len(e.Name))
		extraLen = int((4 - base%4) % 4)
	}
	if err := wr.writeLocalHeader(e.Name, e.Method, e.CRC32, e.CompressedSize, e.UncompressedSize, e.ModTime, e.ModDate, extraLen); err != nil {
		return err
	}
	if extraLen > 0 {
		if _, err := wr.w.Write(make([]byte, extraLen)); err != nil {
			return errors.Wrap(err, "zipsurgeon: writing alignment padding")
		}
		wr.offset += int64(extraLen)
	}
	start := wr.offset
	n, err := io.CopyN(wr.w, r, int64(e.CompressedSize))
	if err != nil {
		return errors.Wrap(err, "zipsurgeon: copying entry data")
	}
	wr.offset += n
	wr.entries = append(wr.entries, writtenEntry{
		name:              e.Name,
		method:            e.Method,
		crc32:             e.CRC32,
		compressedSize:    uint32(n),
		uncompressedSize:  e.UncompressedSize,
		localHeaderOffset: start - localHeaderLen - int64(len(e.Name)) - int64(extraLen),
		modTime:           e.ModTime,
		modDate:           e.ModDate,
	})
	return nil
}

// CreateStoredEntry appends a brand-new STORED entry (no compression) whose
// contents are exactly data. This is how MANIFEST.MF, the .SF file, and the
// .RSA block are written: byte offsets inside them must be predictable for
// v2 hashing, which rules out DEFLATE.
func (wr *Writer) CreateStoredEntry(name string, data []byte, align bool) error {
	extraLen := 0
	if align {
		base := wr.offset + localHeaderLen + int64(len(name))
		extraLen = int((4 - base%4) % 4)
	}
	crc := crc32.ChecksumIEEE(data)
	start := wr.offset
	if err := wr.writeLocalHeader(name, MethodStored, crc, uint32(len(data)), uint32(len(data)), dosEpochTime, dosEpochDate, extraLen); err != nil {
		return err
	}
	if extraLen > 0 {
		if _, err := wr.w.Write(make([]byte, extraLen)); err != nil {
			return errors.Wrap(err, "zipsurgeon: writing alignment padding")
		}
		wr.offset += int64(extraLen)
	}
	if _, err := wr.w.Write(data); err != nil {
		return errors.Wrap(err, "zipsurgeon: writing entry data")
	}
	wr.offset += int64(len(data))
	wr.entries = append(wr.entries, writtenEntry{
		name:              name,
		method:            MethodStored,
		crc32:             crc,
		compressedSize:    uint32(len(data)),
		uncompressedSize:  uint32(len(data)),
		localHeaderOffset: start,
		modTime:           dosEpochTime,
		modDate:           dosEpochDate,
	})
	return nil
}

func (wr *Writer) writeLocalHeader(name string, method uint16, crc, compSize, uncompSize uint32, modTime, modDate uint16, extraLen int) error {
	hdr := localFileHeader{
		Signature:        localHeaderSignature,
		ReaderVersion:    20,
		Method:           method,
		ModifiedTime:     modTime,
		ModifiedDate:     modDate,
		CRC32:            crc,
		CompressedSize:   compSize,
		UncompressedSize: uncompSize,
		FilenameLen:      uint16(len(name)),
		ExtraLen:         uint16(extraLen),
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		return errors.Wrap(err, "zipsurgeon: encoding local header")
	}
	buf.WriteString(name)
	if _, err := wr.w.Write(buf.Bytes()); err != nil {
		return errors.Wrap(err, "zipsurgeon: writing local header")
	}
	wr.offset += int64(buf.Len())
	return nil
}

// Finish writes the central directory followed by the EOCD record and
// returns the offset at which the central directory begins.
func (wr *Writer) Finish() (cdOffset int64, err error) {
	cdOffset = wr.offset
	var cdSize int64
	for _, e := range wr.entries {
		hdr := centralDirHeader{
			Signature:        centralDirSignature,
			CreatorVersion:   20,
			ReaderVersion:    20,
			Method:           e.method,
			ModifiedTime:     e.modTime,
			ModifiedDate:     e.modDate,
			CRC32:            e.crc32,
			CompressedSize:   e.compressedSize,
			UncompressedSize: e.uncompressedSize,
			FilenameLen:      uint16(len(e.name)),
			Offset:           uint32(e.localHeaderOffset),
		}
		var buf bytes.Buffer
		if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
			return 0, errors.Wrap(err, "zipsurgeon: encoding central directory record")
		}
		buf.WriteString(e.name)
		if _, err := wr.w.Write(buf.Bytes()); err != nil {
			return 0, errors.Wrap(err, "zipsurgeon: writing central directory record")
		}
		wr.offset += int64(buf.Len())
		cdSize += int64(buf.Len())
	}
	eocd := eocdRecord{
		Signature:    eocdSignature,
		TotalCDCount: uint16(len(wr.entries)),
		DiskCDCount:  uint16(len(wr.entries)),
		CDSize:       uint32(cdSize),
		CDOffset:     uint32(cdOffset),
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, eocd); err != nil {
		return 0, errors.Wrap(err, "zipsurgeon: encoding EOCD")
	}
	if _, err := wr.w.Write(buf.Bytes()); err != nil {
		return 0, errors.Wrap(err, "zipsurgeon: writing EOCD")
	}
	wr.offset += int64(buf.Len())
	return cdOffset, nil
}

// Offset returns the number of bytes written so far.
func (wr *Writer) Offset() int64 { return wr.offset }
